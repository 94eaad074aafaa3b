package commands

import (
	"context"
	"errors"
	"html"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "timerbot/internal/runtime/supervisor"
	"timerbot/internal/storage"
	"timerbot/internal/timer"
	"timerbot/internal/timeutil"
	kit "timerbot/internal/transport"
	logx "timerbot/pkg/logx"
)

type Router struct {
	cfg    Config
	store  Store
	sender kit.Sender
	log    logx.Logger
	now    func() time.Time

	mu    sync.RWMutex
	index map[string]*Command // name and aliases
	cmds  []Command

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(cfg Config, store Store, sender kit.Sender, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cfg:    cfg.withDefaults(),
		store:  store,
		sender: sender,
		log:    log.With(logx.String("comp", "commands")),
		now:    timeutil.Now,
	}
	r.setRegistry(r.builtin())
	return r
}

func (r *Router) setRegistry(cmds []Command) {
	index := make(map[string]*Command, len(cmds)*2)
	list := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	for i := range list {
		c := &list[i]
		index[c.Name] = c
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" {
				continue
			}
			if _, exists := index[a]; !exists {
				index[a] = c
			}
		}
	}
	r.mu.Lock()
	r.index = index
	r.cmds = list
	r.mu.Unlock()
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.cmds...)
}

func (r *Router) lookup(word string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.index[word]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// PublishMenu pushes the command list to the transport's menu, when supported.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.sender.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	cmds := r.Commands()
	menu := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return up.UpdateMenuCommands(ctx, menu)
}

// Run consumes updates until ctx ends or the channel closes. Handlers run on
// a bounded worker pool; an update that finds the pool saturated is answered
// with a busy reply instead of blocking the poll loop.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	jobs := make(chan func(context.Context), r.cfg.QueueSize)
	r.runMu.Lock()
	r.sup = sup
	r.runMu.Unlock()

	for i := 0; i < r.cfg.Workers; i++ {
		name := "command.worker." + strconv.Itoa(i)
		sup.GoRestart(name, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					job(c)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("job_queue_cap", cap(jobs)))

	defer func() {
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.runMu.Lock()
		r.sup = nil
		r.runMu.Unlock()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case jobs <- func(c context.Context) { _ = r.Handle(c, up) }:
			default:
				if up.Message != nil {
					to := kit.ChatTarget{ChatID: up.Message.ChatID, ThreadID: up.Message.ThreadID}
					_, _ = r.sender.SendText(ctx, to, "busy, try again", nil)
				}
			}
		}
	}
}

// Supervisor returns the worker supervisor while Run is active.
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// Handle processes one update synchronously.
func (r *Router) Handle(ctx context.Context, up kit.Update) error {
	switch up.Kind {
	case kit.UpdateJoined:
		return r.onJoined(ctx, up.Chat)
	case kit.UpdateLeft:
		return r.onLeft(ctx, up.Chat)
	case kit.UpdateMessage:
		return r.onMessage(ctx, up)
	}
	return nil
}

func (r *Router) onJoined(ctx context.Context, chat *kit.Chat) error {
	if chat == nil {
		return nil
	}
	g := storage.Group{ID: groupID(chat.ID), Name: chat.Title, CreatedAt: r.now()}
	if err := r.store.UpsertGroup(ctx, g); err != nil {
		r.log.Warn("group upsert failed", logx.String("group", g.ID), logx.Err(err))
		return err
	}
	r.log.Info("joined group", logx.String("group", g.ID), logx.String("name", g.Name))
	return nil
}

func (r *Router) onLeft(ctx context.Context, chat *kit.Chat) error {
	if chat == nil {
		return nil
	}
	id := groupID(chat.ID)
	n, err := r.store.DeleteGroup(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.log.Warn("group delete failed", logx.String("group", id), logx.Err(err))
		return err
	}
	r.log.Info("left group; timers removed", logx.String("group", id), logx.Int("timers", n))
	return nil
}

func (r *Router) onMessage(ctx context.Context, up kit.Update) error {
	msg := up.Message
	if msg == nil {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	tokens := tokenizeCommandLine(text)
	if len(tokens) == 0 {
		return nil
	}
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	word := commandWord(tokens[0])
	cmd, ok := r.lookup(word)
	if !ok {
		_, _ = r.sender.SendText(ctx, to, "unknown command. try /help", nil)
		return nil
	}

	pos, fields := parseArgs(tokens[1:])
	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    to,
		GroupID: groupID(msg.ChatID),
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    pos,
		Fields:  fields,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	err := final(ctx, req)
	if err != nil {
		r.reply(ctx, req, userMessage(err))
	}
	return err
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	if _, err := r.sender.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}
}

type usageError struct{ usage string }

func (e usageError) Error() string { return "usage: " + e.usage }

// userMessage renders an error for the chat without leaking internals.
func userMessage(err error) string {
	var ue usageError
	switch {
	case errors.As(err, &ue):
		return "Usage: <code>" + html.EscapeString(ue.usage) + "</code>"
	case errors.Is(err, timer.ErrInvalid), errors.Is(err, timer.ErrStartInPast):
		return html.EscapeString(err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return "There is no event with that ID"
	case errors.Is(err, storage.ErrConflict):
		return "The event changed concurrently, try again"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out, try again"
	}
	return "Something went wrong, try again later"
}

func groupID(chatID int64) string { return strconv.FormatInt(chatID, 10) }
