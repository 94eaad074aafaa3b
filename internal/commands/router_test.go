package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerbot/internal/storage"
	"timerbot/internal/timer"
	kit "timerbot/internal/transport"
	logx "timerbot/pkg/logx"
)

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	menu []kit.BotCommand
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.msgs)}, nil
}

func (f *fakeSender) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = cmds
	return nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return ""
	}
	return f.msgs[len(f.msgs)-1].text
}

func newRouter(t *testing.T) (*Router, storage.Store, *fakeSender) {
	t.Helper()
	st := storage.NewMemory()
	snd := &fakeSender{}
	r := New(Config{}, st, snd, logx.Nop())
	r.now = func() time.Time { return now }
	return r, st, snd
}

func message(chatID int64, thread int, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chatID, ThreadID: thread, FromID: 7, Text: text}}
}

func seed(t *testing.T, st storage.Store, group, name string, start time.Time) timer.Timer {
	t.Helper()
	tm, err := timer.New(timer.Input{
		GroupID:      group,
		Name:         name,
		Location:     "hall",
		LocationKind: "voice",
		Channel:      group,
		Timezone:     "UTC",
		Start:        start.Format("2006-01-02 15:04:05"),
	}, now)
	require.NoError(t, err)
	require.NoError(t, st.Create(context.Background(), tm))
	return tm
}

func TestTokenizeAndParseArgs(t *testing.T) {
	toks := tokenizeCommandLine(`/register name="Raid night" start='2024-01-02 20:00:00' --tz=Asia/Seoul extra`)
	require.Equal(t, []string{"/register", "name=Raid night", "start=2024-01-02 20:00:00", "--tz=Asia/Seoul", "extra"}, toks)

	pos, fields := parseArgs(toks[1:])
	assert.Equal(t, []string{"extra"}, pos)
	assert.Equal(t, map[string]string{"name": "Raid night", "start": "2024-01-02 20:00:00", "tz": "Asia/Seoul"}, fields)

	assert.Equal(t, "list", commandWord("/List@timer_bot"))
}

func TestRegisterCreatesTimerForChat(t *testing.T) {
	r, st, snd := newRouter(t)
	ctx := context.Background()

	err := r.Handle(ctx, message(-100, 5, `/register name="Raid night" description="bring potions" location_kind=voice location="Voice 1" timezone=Europe/Berlin start="2024-01-02 20:00:00" end="2024-01-02 22:00:00" recurrence=weekly`))
	require.NoError(t, err)
	assert.Contains(t, snd.last(), "Successfully created")

	page, err := st.ListByGroup(ctx, "-100", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	got := page.Items[0]
	assert.Equal(t, "Raid night", got.Name)
	assert.Equal(t, "-100:5", got.Channel, "channel defaults to the chat and topic")
	assert.Equal(t, time.Date(2024, 1, 2, 19, 0, 0, 0, time.UTC), got.StartAt)
	assert.Equal(t, time.Date(2024, 1, 2, 21, 0, 0, 0, time.UTC), got.EndAt)
	assert.Equal(t, timer.Weekly, got.Recurrence)
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	r, st, snd := newRouter(t)
	ctx := context.Background()

	err := r.Handle(ctx, message(-100, 0, `/register name=Past location_kind=text location=here start="2023-12-31 10:00:00"`))
	require.ErrorIs(t, err, timer.ErrStartInPast)
	assert.Contains(t, snd.last(), "already passed")

	err = r.Handle(ctx, message(-100, 0, `/register name=X location_kind=text location=here start="2024-02-01 10:00:00" color=red`))
	require.ErrorIs(t, err, timer.ErrInvalid)

	err = r.Handle(ctx, message(-100, 0, `/register name=X location_kind=text location=here start="2024-02-01 10:00:00" channel=general`))
	require.ErrorIs(t, err, timer.ErrInvalid)

	err = r.Handle(ctx, message(-100, 0, `/register`))
	var ue usageError
	require.True(t, errors.As(err, &ue))
	assert.Contains(t, snd.last(), "Usage:")

	page, err := st.ListByGroup(ctx, "-100", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestChannelMustStayInsideChat(t *testing.T) {
	r, st, _ := newRouter(t)
	ctx := context.Background()

	err := r.Handle(ctx, message(-100, 0, `/register name=Spam location_kind=text location=here start="2024-02-01 10:00:00" channel=-999`))
	require.ErrorIs(t, err, timer.ErrInvalid)
	page, err := st.ListByGroup(ctx, "-100", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	require.NoError(t, r.Handle(ctx, message(-100, 0, `/register name=Topic location_kind=text location=here start="2024-02-01 10:00:00" channel=-100:7`)))
	page, err = st.ListByGroup(ctx, "-100", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "-100:7", page.Items[0].Channel)

	tm := page.Items[0]
	err = r.Handle(ctx, message(-100, 0, `/modify `+tm.ID+` channel=-999:7`))
	require.ErrorIs(t, err, timer.ErrInvalid)
	got, err := st.Get(ctx, tm.ID)
	require.NoError(t, err)
	assert.Equal(t, "-100:7", got.Channel)
}

func TestListPaginates(t *testing.T) {
	r, st, snd := newRouter(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		seed(t, st, "-100", fmt.Sprintf("event %02d", i), now.Add(time.Duration(i+1)*time.Hour))
	}
	seed(t, st, "-200", "other chat", now.Add(time.Hour))

	require.NoError(t, r.Handle(ctx, message(-100, 0, "/list")))
	first := snd.last()
	assert.Equal(t, 10, strings.Count(first, "•"))
	assert.Contains(t, first, "Next page: /list 2")
	assert.NotContains(t, first, "other chat")

	require.NoError(t, r.Handle(ctx, message(-100, 0, "/list 2")))
	second := snd.last()
	assert.Equal(t, 2, strings.Count(second, "•"))
	assert.NotContains(t, second, "Next page")

	require.NoError(t, r.Handle(ctx, message(-100, 0, "/list 3")))
	assert.Contains(t, snd.last(), "No events on page 3")
}

func TestFindMatchesTitleWithinChat(t *testing.T) {
	r, st, snd := newRouter(t)
	ctx := context.Background()
	seed(t, st, "-100", "Raid Alpha", now.Add(time.Hour))
	seed(t, st, "-100", "Guild meeting", now.Add(time.Hour))
	seed(t, st, "-200", "raid elsewhere", now.Add(time.Hour))

	require.NoError(t, r.Handle(ctx, message(-100, 0, "/find raid")))
	out := snd.last()
	assert.Contains(t, out, "Raid Alpha")
	assert.NotContains(t, out, "Guild meeting")
	assert.NotContains(t, out, "raid elsewhere")

	require.NoError(t, r.Handle(ctx, message(-100, 0, "/find dungeon")))
	assert.Equal(t, "There is no event with that title", snd.last())
}

func TestCancelOnlyWithinOwningChat(t *testing.T) {
	r, st, _ := newRouter(t)
	ctx := context.Background()
	tm := seed(t, st, "-200", "theirs", now.Add(time.Hour))

	err := r.Handle(ctx, message(-100, 0, "/cancel "+tm.ID))
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = st.Get(ctx, tm.ID)
	require.NoError(t, err)

	require.NoError(t, r.Handle(ctx, message(-200, 0, "/cancel "+tm.ID)))
	_, err = st.Get(ctx, tm.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestModifyAppliesTypedPatch(t *testing.T) {
	r, st, snd := newRouter(t)
	ctx := context.Background()
	tm := seed(t, st, "-100", "old name", now.Add(time.Hour))

	require.NoError(t, r.Handle(ctx, message(-100, 0, `/modify `+tm.ID+` name="new name" start="2024-01-05 10:00:00" end="2024-01-05 11:00:00"`)))
	assert.Contains(t, snd.last(), "Successfully modified")

	got, err := st.Get(ctx, tm.ID)
	require.NoError(t, err)
	assert.Equal(t, "new name", got.Name)
	assert.Equal(t, time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC), got.StartAt)
	assert.Equal(t, time.Date(2024, 1, 5, 11, 0, 0, 0, time.UTC), got.EndAt)

	err = r.Handle(ctx, message(-100, 0, `/modify `+tm.ID+` recurrence=weekly`))
	require.ErrorIs(t, err, timer.ErrInvalid)

	err = r.Handle(ctx, message(-100, 0, `/modify `+tm.ID))
	var ue usageError
	require.True(t, errors.As(err, &ue))
}

func TestMembershipSyncsGroups(t *testing.T) {
	r, st, _ := newRouter(t)
	ctx := context.Background()
	chat := &kit.Chat{ID: -300, Title: "raiders"}

	require.NoError(t, r.Handle(ctx, kit.Update{Kind: kit.UpdateJoined, Chat: chat}))
	seed(t, st, "-300", "a", now.Add(time.Hour))
	seed(t, st, "-300", "b", now.Add(2*time.Hour))

	require.NoError(t, r.Handle(ctx, kit.Update{Kind: kit.UpdateLeft, Chat: chat}))
	page, err := st.ListByGroup(ctx, "-300", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestUnknownAndPlainMessages(t *testing.T) {
	r, _, snd := newRouter(t)
	ctx := context.Background()

	require.NoError(t, r.Handle(ctx, message(-100, 0, "hello there")))
	assert.Empty(t, snd.last())

	require.NoError(t, r.Handle(ctx, message(-100, 0, "/dance")))
	assert.Contains(t, snd.last(), "unknown command")

	require.NoError(t, r.Handle(ctx, message(-100, 0, "/ls")))
	assert.Contains(t, snd.last(), "No events registered")
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	r, _, snd := newRouter(t)
	r.setRegistry(append(r.builtin(), Command{Name: "boom", Handle: func(ctx context.Context, req *Request) error {
		panic("kaboom")
	}}))

	err := r.Handle(context.Background(), message(-100, 0, "/boom"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Contains(t, snd.last(), "Something went wrong")
}

func TestPublishMenu(t *testing.T) {
	r, _, snd := newRouter(t)
	require.NoError(t, r.PublishMenu(context.Background()))

	var names []string
	for _, c := range snd.menu {
		names = append(names, c.Command)
	}
	assert.Equal(t, []string{"cancel", "find", "help", "list", "modify", "register"}, names)
}

func TestRunProcessesUpdates(t *testing.T) {
	r, st, _ := newRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 4)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, updates) }()

	updates <- kit.Update{Kind: kit.UpdateJoined, Chat: &kit.Chat{ID: -400, Title: "g"}}
	updates <- message(-400, 0, `/register name=Run location_kind=text location=x start="2024-01-03 10:00:00"`)

	require.Eventually(t, func() bool {
		page, err := st.ListByGroup(context.Background(), "-400", 1, 10)
		return err == nil && len(page.Items) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "Run did not return after cancel")
	}
}
