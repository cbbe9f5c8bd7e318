package user

import (
	"context"
	"time"
)

// ID is the persistent user identifier.
type ID int64

type User struct {
	ID             ID
	Login          string
	PasswordHash   string
	Name           string
	Surname        string
	AvatarURL      string
	Status         string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// DisplayName is the name shown to other participants.
func (u User) DisplayName() string {
	if u.Surname == "" {
		return u.Name
	}
	return u.Name + " " + u.Surname
}

type Repository interface {
	Create(ctx context.Context, u User) (User, error)
	GetByID(ctx context.Context, id ID) (User, error)
	GetByLogin(ctx context.Context, login string) (User, error)
	List(ctx context.Context) ([]User, error)
	Update(ctx context.Context, u User) error
	SetLastActivity(ctx context.Context, id ID, at time.Time) error
}
