// Package router turns Telegram updates into command and callback handler
// calls. Handlers run on a bounded worker pool under a supervisor.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "alertrelay/internal/runtime/supervisor"
	kit "alertrelay/internal/transport"
	logx "alertrelay/pkg/logx"
	"alertrelay/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// CallbackRoute handles callback data starting with Prefix. Handlers
// answer the callback themselves.
type CallbackRoute struct {
	Prefix  string
	Access  Access
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	Command  string
	Args     []string          // positionals
	Flags    map[string]string // key=value and --key=value
	RawArgs  string            // text after the command word
	Callback *kit.Callback
	IsOwner  bool
	ReqID    string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends m to the chat the request came from.
func (r *Request) Reply(ctx context.Context, m tgui.Message) error {
	_, err := m.Send(ctx, r.Adapter, r.Chat)
	return err
}

// ReplyText sends plain text.
func (r *Request) ReplyText(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, nil)
	return err
}

type CommandManager struct {
	mu       sync.RWMutex
	commands map[string]*Command
	alias    map[string]*Command
	owners   []int64

	cbMu      sync.RWMutex
	callbacks []CallbackRoute
	fallback  *CallbackRoute

	log     logx.Logger
	adapter kit.Adapter

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		commands: map[string]*Command{},
		alias:    map[string]*Command{},
		owners:   append([]int64(nil), owners...),
		log:      log,
		adapter:  adapter,
		jobs:     make(chan func(), 256),
	}
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	ownCopy := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = ownCopy
	m.mu.Unlock()
}

func (m *CommandManager) IsOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetRegistry replaces the command and callback tables. /help is always
// added. A route with an empty Prefix becomes the fallback for callback
// data no other route claims.
func (m *CommandManager) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	helper := Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpMessage(req.Args, req.IsOwner))
		},
	}
	cmds = append(cmds, helper)

	commands := map[string]*Command{}
	alias := map[string]*Command{}
	for i := range cmds {
		c := cmds[i]
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		commands[name] = &c
	}
	for _, c := range commands {
		for _, a := range c.Aliases {
			a = sanitizeTelegramCommand(a)
			if a == "" {
				continue
			}
			if _, taken := commands[a]; !taken {
				alias[a] = c
			}
		}
	}

	var routes []CallbackRoute
	var fallback *CallbackRoute
	for _, r := range cbs {
		if r.Handle == nil {
			continue
		}
		if r.Prefix == "" {
			rr := r
			fallback = &rr
			continue
		}
		routes = append(routes, r)
	}
	// Longest prefix wins.
	sort.SliceStable(routes, func(i, j int) bool { return len(routes[i].Prefix) > len(routes[j].Prefix) })

	m.mu.Lock()
	m.commands = commands
	m.alias = alias
	m.mu.Unlock()

	m.cbMu.Lock()
	m.callbacks = routes
	m.fallback = fallback
	m.cbMu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildTelegramMenuCommands(m.commandList())
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

func (m *CommandManager) commandList() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Command, 0, len(m.commands))
	for _, c := range m.commands {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *CommandManager) lookup(word string) (*Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.commands[word]; ok {
		return c, true
	}
	c, ok := m.alias[word]
	return c, ok
}

func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			// Mark as not running before closing so enqueue can degrade gracefully.
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) routeUpdate(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(root, up)
	case kit.UpdateCallback:
		m.routeCallback(root, up)
	}
}

func (m *CommandManager) routeMessage(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	word, rest := splitCommand(text)
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, ok := m.lookup(word)
	if !ok {
		_, _ = m.adapter.SendText(root, chat, "Unknown command. Try /help", nil)
		return
	}
	owner := m.IsOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = m.adapter.SendText(root, chat, "⛔ Owner only", nil)
		return
	}

	pos, flags := parseFlags(tokenizeCommandLine(rest))
	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    pos,
		Flags:   flags,
		RawArgs: rest,
		IsOwner: owner,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)
	if !m.tryEnqueue(func() {
		if err := final(root, req); err != nil {
			_ = req.ReplyText(root, "❌ "+err.Error())
		}
	}) {
		_, _ = m.adapter.SendText(root, chat, "Busy, try again", nil)
	}
}

func (m *CommandManager) matchCallback(data string) (CallbackRoute, bool) {
	m.cbMu.RLock()
	defer m.cbMu.RUnlock()
	for _, r := range m.callbacks {
		if strings.HasPrefix(data, r.Prefix) {
			return r, true
		}
	}
	if m.fallback != nil {
		return *m.fallback, true
	}
	return CallbackRoute{}, false
}

func (m *CommandManager) routeCallback(root context.Context, up kit.Update) {
	if up.Callback == nil {
		return
	}
	cb := up.Callback
	data := strings.TrimSpace(cb.Data)
	route, ok := m.matchCallback(data)
	if !ok {
		_ = m.adapter.AnswerCallback(root, cb.ID, "")
		return
	}
	owner := m.IsOwner(cb.FromID)
	if route.Access == AccessOwnerOnly && !owner {
		_ = m.adapter.AnswerCallback(root, cb.ID, "⛔ Owner only")
		return
	}

	rid := newReqID()
	req := &Request{
		Update:   up,
		Chat:     kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:   cb.FromID,
		Command:  "cb:" + route.Prefix,
		RawArgs:  data,
		Callback: cb,
		IsOwner:  owner,
		ReqID:    rid,
		Adapter:  m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.Int64("from_id", cb.FromID),
			logx.String("cb", data),
		),
	}

	final := Chain(route.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(route.Timeout),
	)
	if !m.tryEnqueue(func() {
		if err := final(root, req); err != nil {
			_ = m.adapter.AnswerCallback(root, cb.ID, "❌ Error")
		}
	}) {
		_ = m.adapter.AnswerCallback(root, cb.ID, "Busy, try again")
	}
}
