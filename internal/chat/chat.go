package chat

import (
	"context"
	"time"

	"lanrelay/internal/user"
)

// ID is the persistent chat identifier.
type ID int64

// Kind distinguishes group rooms from private pairs.
type Kind string

const (
	KindGroup   Kind = "group"
	KindPrivate Kind = "private"
)

// Role of a chat member.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

type Chat struct {
	ID        ID
	Name      string
	Kind      Kind
	CreatedAt time.Time
}

type Member struct {
	ChatID   ID
	UserID   user.ID
	Role     Role
	JoinedAt time.Time
	LeftAt   *time.Time
}

// Active reports whether the membership is current (not left).
func (m Member) Active() bool {
	return m.LeftAt == nil
}

type Repository interface {
	Create(ctx context.Context, c Chat) (Chat, error)
	GetByID(ctx context.Context, id ID) (Chat, error)
	List(ctx context.Context) ([]Chat, error)
	ForUser(ctx context.Context, userID user.ID) ([]Chat, error)

	// FindPrivate returns the private chat whose two members are exactly a
	// and b, in either order.
	FindPrivate(ctx context.Context, a, b user.ID) (Chat, error)

	AddMember(ctx context.Context, m Member) error
	GetMember(ctx context.Context, chatID ID, userID user.ID) (Member, error)
	UpdateMember(ctx context.Context, m Member) error
	Members(ctx context.Context, chatID ID) ([]Member, error)
}
