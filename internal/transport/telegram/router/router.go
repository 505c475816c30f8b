// Package router dispatches chat updates to command and inline-button
// handlers. Commands run on a bounded worker pool under a supervisor; each
// request gets panic recovery, a request log line and an optional timeout.
package router

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	rtsup "taskbell/internal/runtime/supervisor"
	kit "taskbell/internal/transport"
	logx "taskbell/pkg/logx"
)

type Access int

const (
	AccessOwnerOnly Access = iota
	AccessEveryone
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

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles Callback.Data of the form "<scope>:<action>[:payload]".
type CallbackRoute struct {
	Scope   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Flags   map[string]string
	Bools   map[string]bool
	Payload string
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

type CommandManager struct {
	mu        sync.RWMutex
	commands  map[string]Command
	alias     map[string]string
	callbacks map[string]CallbackRoute // scope:action
	owners    []int64

	log     logx.Logger
	adapter kit.Adapter
	workers int

	runMu   sync.Mutex
	running bool
	jobs    chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		commands:  map[string]Command{},
		alias:     map[string]string{},
		callbacks: map[string]CallbackRoute{},
		owners:    slices.Clone(owners),
		log:       log,
		adapter:   adapter,
		workers:   2,
	}
}

// SetOwners updates the owner list; safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	m.mu.Lock()
	m.owners = slices.Clone(owners)
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// SetRegistry replaces the command and callback tables. A help command is
// always added.
func (m *CommandManager) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	cmds = append(slices.Clone(cmds), Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show commands",
		Usage:       "/help",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		},
	})

	commands := map[string]Command{}
	alias := map[string]string{}
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		commands[name] = c
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" && a != name {
				alias[a] = name
			}
		}
	}
	callbacks := map[string]CallbackRoute{}
	for _, r := range cbs {
		if r.Scope == "" || r.Action == "" || r.Handle == nil {
			continue
		}
		callbacks[r.Scope+":"+r.Action] = r
	}

	m.mu.Lock()
	m.commands = commands
	m.alias = alias
	m.callbacks = callbacks
	m.mu.Unlock()
}

// MenuCommands lists the registered commands for the platform menu.
func (m *CommandManager) MenuCommands() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(m.commands))
	for name, c := range m.commands {
		out = append(out, kit.BotCommand{Command: name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// DispatchLoop reads updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	jobs := make(chan func(), 64)
	m.runMu.Lock()
	m.jobs = jobs
	m.running = true
	m.runMu.Unlock()

	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	for i := 0; i < m.workers; i++ {
		sup.Go0(fmt.Sprintf("command.worker.%d", i), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job, ok := <-jobs:
					if !ok {
						return
					}
					job()
				}
			}
		})
	}
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers))

	defer func() {
		m.runMu.Lock()
		m.running = false
		m.jobs = nil
		m.runMu.Unlock()
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
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
			m.Route(ctx, up)
		}
	}
}

// Route handles one update. Without a running DispatchLoop the handler runs
// inline.
func (m *CommandManager) Route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	if target, ok := m.alias[word]; ok {
		word = target
	}
	cmd, ok := m.commands[word]
	m.mu.RUnlock()
	if !ok {
		_, _ = m.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		_, _ = m.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	pos, flags, bools := parseFlags(parts[1:])
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    pos,
		Flags:   flags,
		Bools:   bools,
		ReqID:   newReqID(),
		Adapter: m.adapter,
	}
	req.Logger = m.requestLogger(req)
	final := Chain(cmd.Handle, MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(cmd.Timeout), MWReplyError())
	if !m.enqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func (m *CommandManager) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, rest, ok := strings.Cut(strings.TrimSpace(cb.Data), ":")
	if !ok {
		return
	}
	action, payload, _ := strings.Cut(rest, ":")

	m.mu.RLock()
	route, ok := m.callbacks[scope+":"+action]
	m.mu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "unknown action")
		return
	}
	if route.Access == AccessOwnerOnly && !m.isOwner(cb.FromID) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:  cb.FromID,
		Command: "cb:" + scope + ":" + action,
		Payload: payload,
		ReqID:   newReqID(),
		Adapter: m.adapter,
	}
	req.Logger = m.requestLogger(req)
	h := func(c context.Context, r *Request) error { return route.Handle(c, r, payload) }
	final := Chain(h, MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(route.Timeout))
	if !m.enqueue(func() {
		answer := ""
		if err := final(ctx, req); err != nil {
			answer = "failed: " + err.Error()
		}
		// stop the client's loading indicator
		_ = m.adapter.AnswerCallback(ctx, cb.ID, answer)
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func (m *CommandManager) requestLogger(req *Request) logx.Logger {
	return m.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.FromID),
		logx.String("cmd", req.Command),
	)
}

func (m *CommandManager) enqueue(fn func()) bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		fn()
		return true
	}
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}
