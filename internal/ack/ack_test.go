package ack

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"alertrelay/internal/alert"
	"alertrelay/internal/render"
	"alertrelay/internal/storage"
	kit "alertrelay/internal/transport"
	logx "alertrelay/pkg/logx"
	"alertrelay/pkg/tgui"
)

func TestParse(t *testing.T) {
	cases := []struct {
		data string
		want Action
	}{
		{"confirm_api_1700000000_abcd1234", Action{Kind: ActConfirm, AlertID: "api_1700000000_abcd1234"}},
		{"delay_api_1", Action{Kind: ActDelay, AlertID: "api_1"}},
		{"delay_15_api_1", Action{Kind: ActDelayFor, AlertID: "api_1", Minutes: 15}},
		{"delay_7_api_1", Action{Kind: ActDelay, AlertID: "7_api_1"}},
		{"details_x", Action{Kind: ActDetails, AlertID: "x"}},
		{"mute_x", Action{Kind: ActMute, AlertID: "x"}},
		{"cancel_delay_api_1", Action{Kind: ActCancelDelay, AlertID: "api_1"}},
	}
	for _, tc := range cases {
		t.Run(tc.data, func(t *testing.T) {
			got, err := Parse(tc.data, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for _, bad := range []string{"", "confirm", "confirm_", "reboot_x", "cancel_x", "delay_~missing"} {
		_, err := Parse(bad, tgui.NewTokenStore(0, 0))
		assert.ErrorIs(t, err, ErrBadAction, bad)
	}
}

func TestDataRoundTrip(t *testing.T) {
	tokens := tgui.NewTokenStore(time.Hour, 0)
	long := strings.Repeat("payments-reconciliation-", 3) + "_1700000000_abcd1234"
	for _, a := range []Action{
		{Kind: ActConfirm, AlertID: "api_1"},
		{Kind: ActDelayFor, AlertID: "api_1", Minutes: 120},
		{Kind: ActCancelDelay, AlertID: long},
		{Kind: ActDelayFor, AlertID: long, Minutes: 5},
	} {
		data := a.Data(tokens)
		assert.LessOrEqual(t, len(data), tgui.MaxCallbackDataLen)
		got, err := Parse(data, tokens)
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
}

func TestNext(t *testing.T) {
	cases := []struct {
		from alert.AckState
		act  ActionKind
		to   alert.AckState
		ok   bool
	}{
		{alert.AckDelivered, ActConfirm, alert.AckConfirmed, true},
		{alert.AckDelivered, ActDelay, alert.AckDelayPending, true},
		{alert.AckDelivered, ActMute, alert.AckMuted, true},
		{alert.AckDelivered, ActDelayFor, alert.AckDelivered, false},
		{alert.AckDelivered, ActCancelDelay, alert.AckDelivered, false},
		{alert.AckConfirmed, ActConfirm, alert.AckConfirmed, true},
		{alert.AckConfirmed, ActMute, alert.AckConfirmed, false},
		{alert.AckDelayPending, ActDelayFor, alert.AckDelayed, true},
		{alert.AckDelayPending, ActCancelDelay, alert.AckDelivered, true},
		{alert.AckDelayPending, ActConfirm, alert.AckDelayPending, false},
		{alert.AckMuted, ActConfirm, alert.AckMuted, false},
		{alert.AckMuted, ActDetails, alert.AckMuted, true},
		{alert.AckDelayed, ActDelay, alert.AckDelayed, false},
	}
	for _, tc := range cases {
		to, ok := Next(tc.from, tc.act)
		assert.Equal(t, tc.to, to, "%s + %s", tc.from, tc.act)
		assert.Equal(t, tc.ok, ok, "%s + %s", tc.from, tc.act)
	}
}

type edit struct {
	ref    kit.MessageRef
	text   string
	markup *tele.ReplyMarkup
}

type fakeUI struct {
	mu      sync.Mutex
	edits   []edit
	answers []string
}

func (f *fakeUI) EditText(_ context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := edit{ref: ref, text: text}
	if opt != nil {
		e.markup, _ = opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	}
	f.edits = append(f.edits, e)
	return nil
}

func (f *fakeUI) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeUI) lastEdit(t *testing.T) edit {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.edits)
	return f.edits[len(f.edits)-1]
}

type recordingRedeliverer struct {
	ids   []string
	chats []int64
	after []time.Duration
}

func (r *recordingRedeliverer) Schedule(_ context.Context, ev alert.Event, chatID int64, after time.Duration) error {
	r.ids = append(r.ids, ev.ID)
	r.chats = append(r.chats, chatID)
	r.after = append(r.after, after)
	return nil
}

const testAlertID = "api_1740830400_0a1b2c3d"

func setup(t *testing.T, opts ...Option) (*Handler, *fakeUI, *storage.Memory) {
	t.Helper()
	st := storage.NewMemory()
	require.NoError(t, st.SaveAlert(context.Background(), alert.Event{
		ID: testAlertID, Kind: "error", Priority: alert.PriorityError, Module: "api",
		Message: "5xx spike", CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}))
	ui := &fakeUI{}
	h := NewHandler(st, ui, render.New(nil), Keyboards{Tokens: tgui.NewTokenStore(0, 0)}, opts...)
	return h, ui, st
}

func press(t *testing.T, h *Handler, data string) Result {
	t.Helper()
	res, err := h.Handle(context.Background(), kit.Callback{ID: "cb", FromID: 7, ChatID: 100, MessageID: 5, Data: data})
	require.NoError(t, err)
	return res
}

func TestConfirmIsIdempotent(t *testing.T) {
	h, ui, st := setup(t)

	res := press(t, h, "confirm_"+testAlertID)
	assert.True(t, res.Applied)
	assert.Equal(t, alert.AckConfirmed, res.To)

	e := ui.lastEdit(t)
	assert.Contains(t, e.text, "✅ <b>Confirmed</b>")
	assert.Equal(t, kit.MessageRef{ChatID: 100, MessageID: 5}, e.ref)
	require.NotNil(t, e.markup)
	assert.Len(t, e.markup.InlineKeyboard, 1)

	res = press(t, h, "confirm_"+testAlertID)
	assert.True(t, res.Applied)
	assert.Len(t, ui.edits, 1)

	rec, ok, err := st.GetAck(context.Background(), testAlertID, 100, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, alert.AckConfirmed, rec.State)
	assert.Equal(t, int64(7), rec.ActorID)
}

func TestMuteRemovesControlsAndBlocksConfirm(t *testing.T) {
	h, ui, _ := setup(t)

	res := press(t, h, "mute_"+testAlertID)
	require.True(t, res.Applied)
	e := ui.lastEdit(t)
	assert.Nil(t, e.markup)
	assert.Contains(t, e.text, "Notifications muted")

	res = press(t, h, "confirm_"+testAlertID)
	assert.False(t, res.Applied)
	assert.Equal(t, alert.AckMuted, res.To)
	assert.Equal(t, "🔕 Alert is muted", res.Answer)
	assert.Len(t, ui.edits, 1)
}

func TestDelayFlow(t *testing.T) {
	rd := &recordingRedeliverer{}
	h, ui, st := setup(t, WithRedeliverer(rd))

	press(t, h, "delay_"+testAlertID)
	e := ui.lastEdit(t)
	assert.Contains(t, e.text, "Choose a delay")
	require.NotNil(t, e.markup)
	assert.Len(t, e.markup.InlineKeyboard, 2)
	assert.Equal(t, "delay_5_"+testAlertID, e.markup.InlineKeyboard[0][0].Data)

	press(t, h, "cancel_delay_"+testAlertID)
	e = ui.lastEdit(t)
	assert.NotContains(t, e.text, "Choose a delay")
	assert.Equal(t, "confirm_"+testAlertID, e.markup.InlineKeyboard[0][0].Data)

	press(t, h, "delay_"+testAlertID)
	res := press(t, h, "delay_30_"+testAlertID)
	assert.Equal(t, alert.AckDelayed, res.To)
	assert.Contains(t, ui.lastEdit(t).text, "Delayed for 30 minutes")
	assert.Nil(t, ui.lastEdit(t).markup)
	assert.Equal(t, []string{testAlertID}, rd.ids)
	assert.Equal(t, []time.Duration{30 * time.Minute}, rd.after)
	assert.Equal(t, []int64{100}, rd.chats)

	rec, _, _ := st.GetAck(context.Background(), testAlertID, 100, 5)
	assert.Equal(t, 30, rec.DelayMinutes)
}

func TestDetailsKeepsState(t *testing.T) {
	h, ui, st := setup(t)
	res := press(t, h, "details_"+testAlertID)
	assert.Equal(t, alert.AckDelivered, res.To)
	e := ui.lastEdit(t)
	assert.Contains(t, e.text, "Alert details")
	require.NotNil(t, e.markup)
	assert.Len(t, e.markup.InlineKeyboard, 2)

	_, found, _ := st.GetAck(context.Background(), testAlertID, 100, 5)
	assert.False(t, found)
}

func TestUnknownAlertAndData(t *testing.T) {
	h, ui, _ := setup(t)
	res := press(t, h, "confirm_nope")
	assert.Equal(t, "❌ Alert not found", res.Answer)
	res = press(t, h, "garbage")
	assert.Equal(t, "❌ Unknown action", res.Answer)
	assert.Empty(t, ui.edits)
}

type chanQueue chan alert.Event

func (q chanQueue) Enqueue(e alert.Event) error { q <- e; return nil }

func TestTimerRedeliverer(t *testing.T) {
	q := make(chanQueue, 1)
	r := NewTimerRedeliverer(q, logx.Nop())
	ev := alert.Event{ID: "a", Delivered: true}
	require.NoError(t, r.Schedule(context.Background(), ev, 42, 10*time.Millisecond))

	select {
	case got := <-q:
		assert.Equal(t, "a", got.ID)
		assert.False(t, got.Delivered)
		assert.Equal(t, int64(42), got.RedeliverTo)
	case <-time.After(time.Second):
		t.Fatal("not requeued")
	}
	assert.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Schedule(context.Background(), ev, 42, time.Hour))
	require.NoError(t, r.Schedule(context.Background(), ev, 42, time.Hour))
	require.NoError(t, r.Schedule(context.Background(), ev, 43, time.Hour))
	assert.Equal(t, 2, r.Pending())
	r.Stop()
	assert.Equal(t, 0, r.Pending())
}

func TestNumericModuleOpensPicker(t *testing.T) {
	h, _, st := setup(t)
	id := "60_1740830400_0a1b2c3d"
	require.NoError(t, st.SaveAlert(context.Background(), alert.Event{
		ID: id, Kind: "error", Priority: alert.PriorityError, Module: "60",
		Message: "disk", CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}))

	picker := Action{Kind: ActDelay, AlertID: id}.Data(h.keyboards.Tokens)
	res := press(t, h, picker)
	assert.Equal(t, Action{Kind: ActDelay, AlertID: id}, res.Action)
	assert.Equal(t, alert.AckDelayPending, res.To)

	choose := Action{Kind: ActDelayFor, AlertID: id, Minutes: 60}.Data(h.keyboards.Tokens)
	res = press(t, h, choose)
	assert.Equal(t, Action{Kind: ActDelayFor, AlertID: id, Minutes: 60}, res.Action)
	assert.Equal(t, alert.AckDelayed, res.To)
}

// gatedUI blocks edits in one chat until released.
type gatedUI struct {
	fakeUI
	chat    int64
	entered chan struct{}
	release chan struct{}
}

func (g *gatedUI) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if ref.ChatID == g.chat {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.fakeUI.EditText(ctx, ref, text, opt)
}

func TestSlowChatDoesNotBlockOthers(t *testing.T) {
	st := storage.NewMemory()
	require.NoError(t, st.SaveAlert(context.Background(), alert.Event{
		ID: testAlertID, Kind: "error", Priority: alert.PriorityError, Module: "api",
		Message: "5xx spike", CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}))
	ui := &gatedUI{chat: 100, entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := NewHandler(st, ui, render.New(nil), Keyboards{Tokens: tgui.NewTokenStore(0, 0)})

	slow := make(chan Result, 1)
	go func() {
		res, _ := h.Handle(context.Background(), kit.Callback{ChatID: 100, MessageID: 5, Data: "confirm_" + testAlertID})
		slow <- res
	}()
	<-ui.entered

	done := make(chan Result, 1)
	go func() {
		res, _ := h.Handle(context.Background(), kit.Callback{ChatID: 200, MessageID: 9, Data: "confirm_" + testAlertID})
		done <- res
	}()
	select {
	case res := <-done:
		assert.True(t, res.Applied)
	case <-time.After(time.Second):
		t.Fatal("callback in another chat waited for the slow edit")
	}

	close(ui.release)
	res := <-slow
	assert.True(t, res.Applied)
	assert.Equal(t, alert.AckConfirmed, res.To)
}

func TestSameMessageCallbacksSerialize(t *testing.T) {
	h, _, st := setup(t)
	var wg sync.WaitGroup
	results := make(chan Result, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.Handle(context.Background(), kit.Callback{ChatID: 100, MessageID: 5, Data: "mute_" + testAlertID})
			assert.NoError(t, err)
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	from := map[alert.AckState]int{}
	for res := range results {
		from[res.From]++
	}
	assert.Equal(t, 1, from[alert.AckDelivered])
	assert.Equal(t, 7, from[alert.AckMuted])

	rec, found, err := st.GetAck(context.Background(), testAlertID, 100, 5)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, alert.AckMuted, rec.State)
}
