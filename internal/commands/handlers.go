package commands

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"timerbot/internal/storage"
	"timerbot/internal/timer"
	"timerbot/internal/timeutil"
	kit "timerbot/internal/transport"
	logx "timerbot/pkg/logx"
)

const (
	usageRegister = `/register name=".." description=".." location_kind=voice|text|external location=".." timezone=Area/City start="YYYY-MM-DD HH:mm:ss" [end=".."] [recurrence=none|weekly|biweekly|monthly|annually] [channel=chat_id[:thread_id]] [mentions=".."]`
	usageFind     = "/find <title>"
	usageList     = "/list [page]"
	usageCancel   = "/cancel <id>"
	usageModify   = "/modify <id> field=value ..."
)

var registerKeys = map[string]string{
	"name":          "name",
	"title":         "name",
	"description":   "description",
	"location_kind": "location_kind",
	"location_type": "location_kind",
	"type":          "location_kind",
	"location":      "location",
	"timezone":      "timezone",
	"tz":            "timezone",
	"start":         "start",
	"end":           "end",
	"recurrence":    "recurrence",
	"repeat":        "recurrence",
	"channel":       "channel",
	"mentions":      "mentions",
}

func (r *Router) builtin() []Command {
	return []Command{
		{Name: "register", Aliases: []string{"new"}, Description: "register an event timer", Usage: usageRegister, Handle: r.handleRegister},
		{Name: "find", Description: "find events by title", Usage: usageFind, Handle: r.handleFind},
		{Name: "list", Aliases: []string{"ls"}, Description: "list events of this chat", Usage: usageList, Handle: r.handleList},
		{Name: "cancel", Aliases: []string{"delete"}, Description: "delete an event", Usage: usageCancel, Handle: r.handleCancel},
		{Name: "modify", Aliases: []string{"edit"}, Description: "change fields of an event", Usage: usageModify, Handle: r.handleModify},
		{Name: "help", Aliases: []string{"start"}, Description: "show commands", Usage: "/help", Handle: r.handleHelp},
	}
}

func (r *Router) handleRegister(ctx context.Context, req *Request) error {
	vals := map[string]string{}
	for k, v := range req.Fields {
		canon, ok := registerKeys[k]
		if !ok {
			return fmt.Errorf("%w: unknown field %q", timer.ErrInvalid, k)
		}
		vals[canon] = v
	}
	if len(vals) == 0 {
		return usageError{usageRegister}
	}

	in := timer.Input{
		GroupID:      req.GroupID,
		Name:         vals["name"],
		Description:  vals["description"],
		Location:     vals["location"],
		LocationKind: vals["location_kind"],
		Channel:      vals["channel"],
		Mentions:     vals["mentions"],
		Timezone:     vals["timezone"],
		Start:        vals["start"],
		End:          vals["end"],
		Recurrence:   vals["recurrence"],
	}
	if in.Timezone == "" {
		in.Timezone = r.cfg.DefaultTimezone
	}
	if in.Channel == "" {
		in.Channel = req.Chat.String()
	}
	if err := checkChannel(req, in.Channel); err != nil {
		return err
	}

	t, err := timer.New(in, r.now())
	if err != nil {
		return err
	}
	if err := r.store.Create(ctx, t); err != nil {
		return err
	}
	req.Logger.Info("timer registered", logx.String("timer", t.ID), logx.Time("start_at", t.StartAt), logx.String("recurrence", string(t.Recurrence)))
	r.reply(ctx, req, "Successfully created a new event!\n\n"+describe(t))
	return nil
}

func (r *Router) handleFind(ctx context.Context, req *Request) error {
	title := strings.TrimSpace(strings.Join(req.Args, " "))
	if v, ok := req.Fields["title"]; ok && title == "" {
		title = strings.TrimSpace(v)
	}
	if title == "" {
		return usageError{usageFind}
	}
	res, err := r.store.FindByTitle(ctx, req.GroupID, title, 1, r.cfg.PageSize)
	if err != nil {
		return err
	}
	if len(res.Items) == 0 {
		r.reply(ctx, req, "There is no event with that title")
		return nil
	}
	var b strings.Builder
	for i, t := range res.Items {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(describe(t))
	}
	if res.HasNext {
		b.WriteString("\n\nMore matches exist; refine the title.")
	}
	b.WriteString("\n\nTo change an event use <code>/modify &lt;id&gt; field=value</code>.")
	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) handleList(ctx context.Context, req *Request) error {
	page := 1
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n < 1 {
			return usageError{usageList}
		}
		page = n
	}
	res, err := r.store.ListByGroup(ctx, req.GroupID, page, r.cfg.PageSize)
	if err != nil {
		return err
	}
	if len(res.Items) == 0 {
		if page > 1 {
			r.reply(ctx, req, fmt.Sprintf("No events on page %d.", page))
		} else {
			r.reply(ctx, req, "No events registered in this chat.")
		}
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Events</b> (page %d)\n", page)
	for _, t := range res.Items {
		b.WriteString("\n")
		b.WriteString(summaryLine(t))
	}
	if res.HasNext {
		fmt.Fprintf(&b, "\n\nNext page: /list %d", page+1)
	}
	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) handleCancel(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usageError{usageCancel}
	}
	t, err := r.owned(ctx, req, req.Args[0])
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, t.ID); err != nil {
		return err
	}
	req.Logger.Info("timer cancelled", logx.String("timer", t.ID))
	r.reply(ctx, req, "Successfully deleted event <code>"+html.EscapeString(t.ID)+"</code>")
	return nil
}

func (r *Router) handleModify(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 || len(req.Fields) == 0 {
		return usageError{usageModify + " (fields: " + strings.Join(timer.EditableFields(), ", ") + ")"}
	}
	t, err := r.owned(ctx, req, req.Args[0])
	if err != nil {
		return err
	}
	p, err := timer.ParsePatch(req.Fields, t.Timezone)
	if err != nil {
		return err
	}
	if p.Channel != nil {
		if err := checkChannel(req, *p.Channel); err != nil {
			return err
		}
	}
	updated, err := r.store.Update(ctx, t.ID, p, r.now())
	if err != nil {
		return err
	}
	req.Logger.Info("timer modified", logx.String("timer", t.ID), logx.Any("fields", sortedKeys(req.Fields)))
	r.reply(ctx, req, "Successfully modified the event!\n\n"+describe(updated))
	return nil
}

func (r *Router) handleHelp(ctx context.Context, req *Request) error {
	lines := []string{"<b>Commands</b>"}
	for _, c := range r.Commands() {
		lines = append(lines, "/"+c.Name+" - "+html.EscapeString(c.Description))
	}
	lines = append(lines, "", "Register example:", "<code>"+html.EscapeString(usageRegister)+"</code>")
	r.reply(ctx, req, strings.Join(lines, "\n"))
	return nil
}

// owned loads a timer and hides timers of other groups behind ErrNotFound.
func (r *Router) owned(ctx context.Context, req *Request, id string) (timer.Timer, error) {
	t, err := r.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return timer.Timer{}, err
	}
	if t.GroupID != req.GroupID {
		return timer.Timer{}, storage.ErrNotFound
	}
	return t, nil
}

// checkChannel accepts targets inside the requesting chat; only the topic
// may differ.
func checkChannel(req *Request, ch string) error {
	to, err := kit.ParseTarget(ch)
	if err != nil {
		return fmt.Errorf("%w: channel: %w", timer.ErrInvalid, err)
	}
	if to.ChatID != req.Chat.ChatID {
		return fmt.Errorf("%w: channel must be a topic of this chat", timer.ErrInvalid)
	}
	return nil
}

func describe(t timer.Timer) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\nID: <code>%s</code>", html.EscapeString(t.Name), html.EscapeString(t.ID))
	if t.Description != "" {
		b.WriteString("\nDescription: " + html.EscapeString(t.Description))
	}
	fmt.Fprintf(&b, "\nLocation: %s (%s)", html.EscapeString(t.Location), t.LocationKind)
	fmt.Fprintf(&b, "\nStart at (%s): %s", html.EscapeString(t.Timezone), localTime(t.StartAt, t.Timezone))
	fmt.Fprintf(&b, "\nEnd at (%s): %s", html.EscapeString(t.Timezone), localTime(t.EndAt, t.Timezone))
	fmt.Fprintf(&b, "\nRecurrence: %s", t.Recurrence)
	fmt.Fprintf(&b, "\nChannel: <code>%s</code>", html.EscapeString(t.Channel))
	if t.Mentions != "" {
		b.WriteString("\nMentions: " + html.EscapeString(t.Mentions))
	}
	if t.Status == timer.StatusFailed {
		fmt.Fprintf(&b, "\nStatus: failed after %d attempt(s): %s", t.Attempts, html.EscapeString(t.LastError))
	}
	return b.String()
}

func summaryLine(t timer.Timer) string {
	s := fmt.Sprintf("• <b>%s</b> %s (%s) <code>%s</code>",
		html.EscapeString(t.Name), localTime(t.StartAt, t.Timezone), html.EscapeString(t.Timezone), html.EscapeString(t.ID))
	if t.Recurrence.Recurring() {
		s += " ↻ " + string(t.Recurrence)
	}
	return s
}

func localTime(at time.Time, zone string) string {
	s, err := timeutil.FromUTC(at, zone)
	if err != nil {
		return at.UTC().Format(timeutil.Layout) + " UTC"
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
