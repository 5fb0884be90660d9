package bot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertrelay/internal/ack"
	"alertrelay/internal/admission"
	"alertrelay/internal/alert"
	"alertrelay/internal/health"
	"alertrelay/internal/queue"
	"alertrelay/internal/report"
	"alertrelay/internal/storage"
	kit "alertrelay/internal/transport"
	"alertrelay/internal/transport/telegram/router"
	logx "alertrelay/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []string
	edits   []string
	answers map[string]string
}

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}
func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}
func (f *fakeAdapter) AnswerCallback(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answers == nil {
		f.answers = map[string]string{}
	}
	f.answers[id] = text
	return nil
}

func (f *fakeAdapter) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fixture struct {
	bot   *Bot
	store *storage.Memory
	queue *queue.Queue
	ad    *fakeAdapter
}

func newFixture(t *testing.T, targets ...health.Target) *fixture {
	t.Helper()
	store := storage.NewMemory()
	q := queue.New()
	t.Cleanup(q.Close)
	runner := health.NewRunner(health.NewProber(store, health.WithTimeout(2*time.Second)), logx.Nop())
	require.NoError(t, runner.Configure("", targets))

	b := New(Deps{
		Submitter:     admission.New(admission.Config{}, store, q, nil),
		Reports:       report.New(store, logx.Nop()),
		Checker:       runner,
		Subscriptions: store,
	}, Settings{Cooldown: time.Minute, MaxPerHour: 100, ProbeTimeout: 10 * time.Second, HealthSchedule: health.DefaultSchedule, Storage: "memory"})
	return &fixture{bot: b, store: store, queue: q, ad: &fakeAdapter{}}
}

func (f *fixture) request(from int64, raw string) *router.Request {
	word, rest, _ := strings.Cut(strings.TrimPrefix(raw, "/"), " ")
	var args []string
	flags := map[string]string{}
	for _, tok := range strings.Fields(rest) {
		if k, v, ok := strings.Cut(tok, "="); ok {
			flags[k] = v
			continue
		}
		args = append(args, tok)
	}
	return &router.Request{
		Chat:    kit.ChatTarget{ChatID: 42},
		FromID:  from,
		Command: word,
		Args:    args,
		Flags:   flags,
		RawArgs: rest,
		IsOwner: from == 1,
		Adapter: f.ad,
		Logger:  logx.Nop(),
	}
}

func (f *fixture) callback(data string) *router.Request {
	cb := &kit.Callback{ID: "cb1", FromID: 1, ChatID: 42, MessageID: 9, Data: data}
	return &router.Request{
		Chat:     kit.ChatTarget{ChatID: 42},
		FromID:   1,
		RawArgs:  data,
		Callback: cb,
		IsOwner:  true,
		Adapter:  f.ad,
		Logger:   logx.Nop(),
	}
}

func TestParseSendArgs(t *testing.T) {
	kind, prio, module, text, err := parseSendArgs(" error | Critical |db| disk | full ")
	require.NoError(t, err)
	assert.Equal(t, "error", kind)
	assert.Equal(t, alert.PriorityCritical, prio)
	assert.Equal(t, "db", module)
	assert.Equal(t, "disk | full", text)

	_, _, _, _, err = parseSendArgs("error|urgent|db|down")
	require.ErrorIs(t, err, alert.ErrInvalidEvent)

	_, _, _, _, err = parseSendArgs("error|critical|db")
	require.EqualError(t, err, "usage: /send type|priority|module|message")

	_, _, _, _, err = parseSendArgs("error||db|")
	require.Error(t, err)
}

func TestSendQueuesAlertThenHitsCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.cmdSend(ctx, f.request(1, "/send error|critical|db|database down")))
	assert.True(t, strings.HasPrefix(f.ad.last(), "✅ Alert queued: db_"), f.ad.last())
	assert.Equal(t, 1, f.queue.Len())

	require.NoError(t, f.bot.cmdSend(ctx, f.request(1, "/send error|critical|db|still down")))
	assert.Contains(t, f.ad.last(), "⏳ Alert not sent: cooldown_active (retry in")
	assert.Equal(t, 1, f.queue.Len())

	err := f.bot.cmdSend(ctx, f.request(1, "/send nonsense"))
	require.Error(t, err)
}

func TestTestCommandUsesSystemModule(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bot.cmdTest(context.Background(), f.request(7, "/test")))

	hist, err := f.store.History(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, SystemModule, hist[0].Module)
	assert.Equal(t, "test", hist[0].Kind)
	v, ok := hist[0].Attributes.Get("requested")
	assert.True(t, ok)
	assert.Equal(t, "7", v)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.cmdSubscribe(ctx, f.request(5, "/subscribe types=error,api modules=db priorities=critical")))
	subs, err := f.store.Subscriptions(ctx, true)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, int64(42), subs[0].ChatID)
	assert.Equal(t, []string{"error", "api"}, subs[0].AlertTypes)
	assert.Equal(t, []string{"db"}, subs[0].Modules)
	assert.Equal(t, []alert.Priority{alert.PriorityCritical}, subs[0].PriorityLevels)
	assert.Contains(t, f.ad.last(), "Subscribed")

	require.NoError(t, f.bot.cmdSubscribe(ctx, f.request(5, "/subscribe modules=db types=api,error priorities=critical")))
	assert.Contains(t, f.ad.last(), "Already subscribed")
	subs, err = f.store.Subscriptions(ctx, true)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	require.ErrorIs(t, f.bot.cmdSubscribe(ctx, f.request(5, "/subscribe priorities=loud")), alert.ErrInvalidEvent)

	require.NoError(t, f.bot.cmdUnsubscribe(ctx, f.request(5, "/unsubscribe")))
	assert.Equal(t, "🔕 1 subscription(s) disabled", f.ad.last())

	require.NoError(t, f.bot.cmdUnsubscribe(ctx, f.request(5, "/unsubscribe")))
	assert.Equal(t, "This chat has no active subscriptions", f.ad.last())
}

func TestHistoryAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.cmdHistory(ctx, f.request(5, "/history")))
	assert.Contains(t, f.ad.last(), "No alerts yet.")

	require.NoError(t, f.bot.cmdSend(ctx, f.request(1, "/send api_error|error|api-gateway|502 from upstream")))
	require.NoError(t, f.bot.cmdHistory(ctx, f.request(5, "/history 3")))
	out := f.ad.last()
	assert.Contains(t, out, "<b>api_error</b> - api-gateway")
	assert.Contains(t, out, "502 from upstream")
	assert.Contains(t, out, "undelivered")

	require.NoError(t, f.bot.cmdStats(ctx, f.request(5, "/stats")))
	out = f.ad.last()
	assert.Contains(t, out, "<b>Total:</b> <code>1</code>")
	assert.Contains(t, out, "api-gateway: <code>1</code>")
}

func TestCheckProbesTargets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	f := newFixture(t, health.Target{Module: "analytics", Endpoint: srv.URL})
	ctx := context.Background()

	require.NoError(t, f.bot.cbAdmin(ctx, f.callback("admin_check_modules")))
	require.Len(t, f.ad.edits, 1)
	assert.Contains(t, f.ad.edits[0], "<b>analytics</b> <code>online</code>")
	assert.Equal(t, "✅ Check complete", f.ad.answers["cb1"])

	snap := report.New(f.store, logx.Nop()).Modules(ctx)
	assert.Equal(t, 1, snap.Online)

	require.NoError(t, f.bot.cmdStatus(ctx, f.request(5, "/status")))
	assert.Contains(t, f.ad.last(), "<code>1/1</code>")
}

func TestCheckWithoutTargets(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bot.cmdCheck(context.Background(), f.request(1, "/check")))
	assert.Equal(t, "No modules configured for health checks", f.ad.last())
}

func TestMenuAndAdminCallbacks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.cbMenu(ctx, f.callback("menu_stats")))
	require.NoError(t, f.bot.cbAdmin(ctx, f.callback("admin_settings")))
	require.Len(t, f.ad.edits, 2)
	assert.Contains(t, f.ad.edits[0], "Alert statistics")
	assert.Contains(t, f.ad.edits[1], "Max alerts per hour: <code>100</code>")
	assert.Contains(t, f.ad.edits[1], "• none")

	require.NoError(t, f.bot.cbMenu(ctx, f.callback("menu_bogus")))
	assert.Equal(t, "❌ Unknown action", f.ad.answers["cb1"])
	assert.Len(t, f.ad.edits, 2)
}

func TestNonOwnerIsRefused(t *testing.T) {
	f := newFixture(t)
	m := router.NewCommandManager(logx.Nop(), f.ad, []int64{1})
	m.SetRegistry(f.bot.Commands(), f.bot.Callbacks())

	updates := make(chan kit.Update, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for _, cmd := range []string{"/subscribe", "/unsubscribe", "/history"} {
		updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 1, ChatID: 42, FromID: 5, Text: cmd}}
	}
	require.Eventually(t, func() bool {
		f.ad.mu.Lock()
		defer f.ad.mu.Unlock()
		n := 0
		for _, s := range f.ad.sent {
			if s == "⛔ Owner only" {
				n++
			}
		}
		return n == 3
	}, 2*time.Second, 10*time.Millisecond)

	subs, err := f.store.Subscriptions(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, subs)

	req := f.callback("menu_history")
	req.IsOwner = false
	require.NoError(t, f.bot.cbMenu(context.Background(), req))
	assert.Equal(t, "⛔ Owner only", f.ad.answers["cb1"])
	assert.Empty(t, f.ad.edits)
}

type recordingAcks struct{ got []kit.Callback }

func (r *recordingAcks) Handle(_ context.Context, cb kit.Callback) (ack.Result, error) {
	r.got = append(r.got, cb)
	return ack.Result{}, nil
}

func TestCallbacksRouteUnclaimedDataToAcks(t *testing.T) {
	f := newFixture(t)
	assert.Len(t, f.bot.Callbacks(), 2)

	acks := &recordingAcks{}
	f.bot.deps.Acks = acks
	routes := f.bot.Callbacks()
	require.Len(t, routes, 3)
	fallback := routes[2]
	assert.Empty(t, fallback.Prefix)

	require.NoError(t, fallback.Handle(context.Background(), f.callback("confirm_db_1_abc")))
	require.Len(t, acks.got, 1)
	assert.Equal(t, "confirm_db_1_abc", acks.got[0].Data)
}

func TestCommandTable(t *testing.T) {
	f := newFixture(t)
	owner := map[string]bool{}
	for _, c := range f.bot.Commands() {
		require.NotNil(t, c.Handle, c.Name)
		owner[c.Name] = c.Access == router.AccessOwnerOnly
	}
	assert.True(t, owner["send"])
	assert.True(t, owner["check"])
	assert.True(t, owner["admin"])
	assert.True(t, owner["subscribe"])
	assert.True(t, owner["unsubscribe"])
	assert.True(t, owner["history"])
	assert.False(t, owner["status"])
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, 10, clampPositiveIntArg(nil, 10, 50))
	assert.Equal(t, 50, clampPositiveIntArg([]string{"500"}, 10, 50))
	assert.Equal(t, 10, clampPositiveIntArg([]string{"x"}, 10, 50))
	assert.Equal(t, 3, clampPositiveIntArg([]string{"3"}, 10, 50))

	assert.Equal(t, "1h1m", durRel(61*time.Minute))
	assert.Equal(t, "1.5KB", fmtBytes(1536))

	assert.Equal(t, "✅ Alert queued: x", decisionText(admission.Decision{Accepted: true, AlertID: "x"}))
	assert.Equal(t, "⏳ Alert not sent: rate_limited", decisionText(admission.Decision{Reason: alert.ReasonRateLimited}))
}
