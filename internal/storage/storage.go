package storage

import (
	"context"

	"lanrelay/internal/chat"
	"lanrelay/internal/message"
	"lanrelay/internal/user"
)

// Not-found conditions surface as the owning domain's sentinel
// (user.ErrNotFound, chat.ErrNotFound, message.ErrNotFound).
type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Users() user.Repository
	Chats() chat.Repository
	Messages() message.Repository
}
