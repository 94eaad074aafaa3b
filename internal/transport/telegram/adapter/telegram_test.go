package adapter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	kit "timerbot/internal/transport"
)

func TestSplitTelegramTextShortIsSingleChunk(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitTelegramText("hello", 10, ""))
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	line := strings.Repeat("a", 6)
	s := strings.Join([]string{line, line, line}, "\n") // 20 runes
	assert.Equal(t, []string{line, line, line}, splitTelegramText(s, 10, ""))
}

func TestSplitTelegramTextAvoidsCuttingTags(t *testing.T) {
	s := "abcdef<b>xyz</b>"
	got := splitTelegramText(s, 8, "HTML")
	require.NotEmpty(t, got)
	assert.Equal(t, "abcdef", got[0], "first chunk should stop before the tag")
	assert.Equal(t, s, strings.Join(got, ""), "chunks lost text")
}

func TestMembershipUpdate(t *testing.T) {
	chat := &tele.Chat{ID: -100, Title: "raid group"}
	member := func(r tele.MemberStatus) *tele.ChatMember { return &tele.ChatMember{Role: r} }

	cases := []struct {
		name     string
		old, new tele.MemberStatus
		want     kit.UpdateKind
		ok       bool
	}{
		{"added", tele.Left, tele.Member, kit.UpdateJoined, true},
		{"added as admin", tele.Kicked, tele.Administrator, kit.UpdateJoined, true},
		{"removed", tele.Member, tele.Left, kit.UpdateLeft, true},
		{"kicked", tele.Administrator, tele.Kicked, kit.UpdateLeft, true},
		{"promoted", tele.Member, tele.Administrator, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			up, ok := membershipUpdate(&tele.ChatMemberUpdate{
				Chat:          chat,
				OldChatMember: member(tc.old),
				NewChatMember: member(tc.new),
			})
			require.Equal(t, tc.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tc.want, up.Kind)
			require.NotNil(t, up.Chat)
			assert.EqualValues(t, -100, up.Chat.ID)
			assert.Equal(t, "raid group", up.Chat.Title)
		})
	}

	_, ok := membershipUpdate(nil)
	assert.False(t, ok, "nil update must be ignored")
}

func TestMessageUpdateCarriesThreadAndSender(t *testing.T) {
	up, ok := messageUpdate(&tele.Message{
		ID:       7,
		Text:     "/list",
		ThreadID: 42,
		Chat:     &tele.Chat{ID: -5, Title: "g"},
		Sender:   &tele.User{ID: 9, Username: "ann"},
	})
	require.True(t, ok)
	assert.Equal(t, kit.UpdateMessage, up.Kind)
	m := up.Message
	require.NotNil(t, m)
	assert.EqualValues(t, -5, m.ChatID)
	assert.Equal(t, 42, m.ThreadID)
	assert.EqualValues(t, 9, m.FromID)
	assert.Equal(t, "/list", m.Text)
}
