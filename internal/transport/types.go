package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	// UpdateJoined is emitted when the bot is added to a chat.
	UpdateJoined UpdateKind = "joined"
	// UpdateLeft is emitted when the bot is removed from a chat.
	UpdateLeft UpdateKind = "left"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
	Chat    *Chat
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

type Chat struct {
	ID    int64
	Title string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// String renders the target in the form accepted by ParseTarget.
func (t ChatTarget) String() string {
	if t.ThreadID != 0 {
		return strconv.FormatInt(t.ChatID, 10) + ":" + strconv.Itoa(t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

var ErrInvalidTarget = errors.New("invalid chat target")

// ParseTarget parses "<chat_id>" or "<chat_id>:<thread_id>".
func ParseTarget(s string) (ChatTarget, error) {
	s = strings.TrimSpace(s)
	chat, thread, hasThread := strings.Cut(s, ":")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return ChatTarget{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
	}
	t := ChatTarget{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(thread)
		if err != nil || tid < 0 {
			return ChatTarget{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
		}
		t.ThreadID = tid
	}
	return t, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender is the outbound half of an adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
