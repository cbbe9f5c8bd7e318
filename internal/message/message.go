package message

import (
	"context"
	"time"

	"lanrelay/internal/chat"
	"lanrelay/internal/user"
)

// ID is the persistent message identifier.
type ID int64

type Message struct {
	ID        ID
	ChatID    chat.ID
	AuthorID  user.ID
	Body      string
	SentAt    time.Time
	IsRead    bool
	IsDeleted bool
}

type Repository interface {
	Create(ctx context.Context, m Message) (Message, error)
	GetByID(ctx context.Context, id ID) (Message, error)

	// History returns non-deleted messages of the chat in ascending time
	// order. A positive limit keeps only the most recent messages, still
	// presented ascending; zero or less means no limit.
	History(ctx context.Context, chatID chat.ID, limit int) ([]Message, error)

	MarkRead(ctx context.Context, id ID) error

	// UnreadInChat returns unread non-deleted messages in the chat that were
	// authored by someone other than reader, ascending.
	UnreadInChat(ctx context.Context, chatID chat.ID, reader user.ID) ([]Message, error)

	// UnreadForUser returns unread messages authored by others across every
	// chat the reader is an active member of.
	UnreadForUser(ctx context.Context, reader user.ID) ([]Message, error)
}
