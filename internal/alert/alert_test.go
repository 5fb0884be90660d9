package alert

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequiresFields(t *testing.T) {
	cases := []Event{
		{Message: "m", Module: "db"},
		{Kind: "error", Module: "db"},
		{Kind: "error", Message: "m"},
		{Kind: "error", Message: "  ", Module: "db"},
	}
	for _, e := range cases {
		err := e.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidEvent))
	}
}

func TestValidateNormalizesPriority(t *testing.T) {
	e := Event{Kind: "error", Message: "m", Module: " db ", Priority: "CRITICAL"}
	require.NoError(t, e.Validate())
	assert.Equal(t, PriorityCritical, e.Priority)
	assert.Equal(t, "db", e.Module)

	e = Event{Kind: "error", Message: "m", Module: "db"}
	require.NoError(t, e.Validate())
	assert.Equal(t, PriorityInfo, e.Priority)

	e = Event{Kind: "error", Message: "m", Module: "db", Priority: "urgent"}
	assert.ErrorIs(t, e.Validate(), ErrInvalidEvent)
}

func TestValidateCapsModuleLength(t *testing.T) {
	e := Event{Kind: "error", Message: "m", Module: strings.Repeat("m", MaxModuleLen)}
	require.NoError(t, e.Validate())
	assert.Len(t, "cancel_delay_"+NewID(e.Module, time.Now()), 64)

	e.Module += "x"
	assert.ErrorIs(t, e.Validate(), ErrInvalidEvent)
}

func TestNewIDUniqueWithinSecond(t *testing.T) {
	at := time.Unix(1700000000, 0)
	a := NewID("db", at)
	b := NewID("db", at)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "db_1700000000_"))
}

func TestAttrsFromMapSorted(t *testing.T) {
	attrs := AttrsFromMap(map[string]string{"zeta": "1", "alpha": "2", "mid": "3"})
	require.Len(t, attrs, 3)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, []string{attrs[0].Key, attrs[1].Key, attrs[2].Key})
	v, ok := attrs.Get("mid")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
}

func TestSubscriptionMatches(t *testing.T) {
	ev := Event{Kind: "error", Module: "database-server", Priority: PriorityError}

	open := Subscription{ChatID: 1, Enabled: true}
	assert.True(t, open.Matches(ev))

	byModule := Subscription{ChatID: 1, Enabled: true, Modules: []string{"db"}}
	assert.True(t, byModule.Matches(ev))
	byModule.Modules = []string{"api"}
	assert.False(t, byModule.Matches(ev))
	byModule.Modules = []string{"dr"}
	assert.False(t, byModule.Matches(ev))

	short := Subscription{ChatID: 1, Enabled: true, Modules: []string{"data"}, AlertTypes: []string{"err"}}
	assert.True(t, short.Matches(ev))

	wrongType := Subscription{ChatID: 1, Enabled: true, AlertTypes: []string{"warning"}}
	assert.False(t, wrongType.Matches(ev))

	prio := Subscription{ChatID: 1, Enabled: true, PriorityLevels: []Priority{PriorityCritical}}
	assert.False(t, prio.Matches(ev))
	prio.PriorityLevels = append(prio.PriorityLevels, PriorityError)
	assert.True(t, prio.Matches(ev))

	disabled := Subscription{ChatID: 1}
	assert.False(t, disabled.Matches(ev))
}

func TestFilterMatches(t *testing.T) {
	cases := []struct {
		filter, value string
		want          bool
	}{
		{"db", "db-primary", true},
		{"db", "database-server", true},
		{"database-server", "database", true},
		{"server", "database-server", true},
		{"dbs", "database-server", true},
		{"bd", "database-server", false},
		{"cache", "database-server", false},
		{"", "database-server", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, filterMatches(c.filter, c.value), "%s vs %s", c.filter, c.value)
	}
}

func TestCooldownActive(t *testing.T) {
	now := time.Now()
	assert.False(t, Cooldown{Period: time.Minute}.Active(now))
	c := Cooldown{LastAlertAt: now.Add(-30 * time.Second), Period: time.Minute}
	assert.True(t, c.Active(now))
	c.LastAlertAt = now.Add(-time.Minute)
	assert.False(t, c.Active(now))
}

func TestWrapStorage(t *testing.T) {
	assert.Nil(t, WrapStorage("save", nil))
	err := WrapStorage("save", errors.New("disk full"))
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "save", se.Op)
	assert.Same(t, err, WrapStorage("other", err))
}
