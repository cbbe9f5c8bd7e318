package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"lanrelay/internal/user"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("chat not found")
	ErrAlreadyMember = errors.New("already a member")
	ErrNotMember     = errors.New("not a member")
	ErrForbidden     = errors.New("operation requires admin role")
)

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{
		repo: repo,
		now:  time.Now,
	}
}

// CreateGroup creates a named room with the creator as its admin.
func (s *Service) CreateGroup(ctx context.Context, name string, creator user.ID) (Chat, error) {
	if s.repo == nil {
		return Chat{}, errors.New("repository is required")
	}
	name = strings.TrimSpace(name)
	if name == "" || creator == 0 {
		return Chat{}, ErrInvalidInput
	}

	c, err := s.repo.Create(ctx, Chat{
		Name:      name,
		Kind:      KindGroup,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return Chat{}, err
	}

	err = s.repo.AddMember(ctx, Member{
		ChatID:   c.ID,
		UserID:   creator,
		Role:     RoleAdmin,
		JoinedAt: s.now().UTC(),
	})
	if err != nil {
		return Chat{}, err
	}
	return c, nil
}

// CreatePrivate returns the private chat between a and b, creating it on
// first use. Repeated calls for the same pair return the same chat.
func (s *Service) CreatePrivate(ctx context.Context, a, b user.ID) (Chat, bool, error) {
	if s.repo == nil {
		return Chat{}, false, errors.New("repository is required")
	}
	if a == 0 || b == 0 || a == b {
		return Chat{}, false, ErrInvalidInput
	}

	existing, err := s.repo.FindPrivate(ctx, a, b)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Chat{}, false, err
	}

	c, err := s.repo.Create(ctx, Chat{
		Kind:      KindPrivate,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return Chat{}, false, err
	}
	for _, id := range []user.ID{a, b} {
		err = s.repo.AddMember(ctx, Member{
			ChatID:   c.ID,
			UserID:   id,
			Role:     RoleMember,
			JoinedAt: s.now().UTC(),
		})
		if err != nil {
			return Chat{}, false, err
		}
	}
	return c, true, nil
}

// Join adds userID to the chat. A membership that was left is restored in
// place; an active one reports ErrAlreadyMember.
func (s *Service) Join(ctx context.Context, chatID ID, userID user.ID) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	if _, err := s.repo.GetByID(ctx, chatID); err != nil {
		return err
	}

	m, err := s.repo.GetMember(ctx, chatID, userID)
	switch {
	case err == nil && m.Active():
		return ErrAlreadyMember
	case err == nil:
		m.LeftAt = nil
		m.JoinedAt = s.now().UTC()
		return s.repo.UpdateMember(ctx, m)
	case errors.Is(err, ErrNotMember):
		return s.repo.AddMember(ctx, Member{
			ChatID:   chatID,
			UserID:   userID,
			Role:     RoleMember,
			JoinedAt: s.now().UTC(),
		})
	default:
		return err
	}
}

// Leave marks the membership as left. The row stays so history access and
// rejoin keep working.
func (s *Service) Leave(ctx context.Context, chatID ID, userID user.ID) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	m, err := s.repo.GetMember(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !m.Active() {
		return ErrNotMember
	}
	at := s.now().UTC()
	m.LeftAt = &at
	return s.repo.UpdateMember(ctx, m)
}

func (s *Service) GetByID(ctx context.Context, id ID) (Chat, error) {
	if s.repo == nil {
		return Chat{}, errors.New("repository is required")
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]Chat, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	return s.repo.List(ctx)
}

// ForUser lists the chats userID is an active member of.
func (s *Service) ForUser(ctx context.Context, userID user.ID) ([]Chat, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	return s.repo.ForUser(ctx, userID)
}

// ActiveMembers lists current members of a chat, left memberships excluded.
func (s *Service) ActiveMembers(ctx context.Context, chatID ID) ([]Member, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	members, err := s.repo.Members(ctx, chatID)
	if err != nil {
		return nil, err
	}
	active := members[:0]
	for _, m := range members {
		if m.Active() {
			active = append(active, m)
		}
	}
	return active, nil
}

// UpdateRole changes target's role. Only an active admin of the chat may
// call it.
func (s *Service) UpdateRole(ctx context.Context, chatID ID, actor, target user.ID, role Role) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	if role != RoleMember && role != RoleAdmin {
		return ErrInvalidInput
	}
	if err := s.requireAdmin(ctx, chatID, actor); err != nil {
		return err
	}

	m, err := s.repo.GetMember(ctx, chatID, target)
	if err != nil {
		return err
	}
	if !m.Active() {
		return ErrNotMember
	}
	m.Role = role
	return s.repo.UpdateMember(ctx, m)
}

func (s *Service) requireAdmin(ctx context.Context, chatID ID, userID user.ID) error {
	m, err := s.repo.GetMember(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !m.Active() || m.Role != RoleAdmin {
		return ErrForbidden
	}
	return nil
}
