package message

import (
	"context"
	"errors"
	"strings"
	"time"

	"lanrelay/internal/chat"
	"lanrelay/internal/user"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("message not found")
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

// Send persists the message and returns it with its assigned id. Nothing is
// delivered anywhere until persistence has succeeded.
func (s *Service) Send(ctx context.Context, chatID chat.ID, author user.ID, body string) (Message, error) {
	if s.repo == nil {
		return Message{}, errors.New("repository is required")
	}
	if chatID == 0 || author == 0 || strings.TrimSpace(body) == "" {
		return Message{}, ErrInvalidInput
	}
	return s.repo.Create(ctx, Message{
		ChatID:   chatID,
		AuthorID: author,
		Body:     body,
		SentAt:   s.now().UTC(),
	})
}

func (s *Service) History(ctx context.Context, chatID chat.ID, limit int) ([]Message, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	if chatID == 0 {
		return nil, ErrInvalidInput
	}
	return s.repo.History(ctx, chatID, limit)
}

func (s *Service) GetByID(ctx context.Context, id ID) (Message, error) {
	if s.repo == nil {
		return Message{}, errors.New("repository is required")
	}
	return s.repo.GetByID(ctx, id)
}

// MarkRead flips the message's read flag. It reports whether this call made
// the transition: repeated marking and marking one's own message both return
// false with no error.
func (s *Service) MarkRead(ctx context.Context, id ID, reader user.ID) (Message, bool, error) {
	if s.repo == nil {
		return Message{}, false, errors.New("repository is required")
	}
	m, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Message{}, false, err
	}
	if m.AuthorID == reader || m.IsRead {
		return m, false, nil
	}
	if err := s.repo.MarkRead(ctx, id); err != nil {
		return Message{}, false, err
	}
	m.IsRead = true
	return m, true, nil
}

// MarkChatRead marks every unread message in the chat authored by someone
// other than reader and returns the messages that transitioned.
func (s *Service) MarkChatRead(ctx context.Context, chatID chat.ID, reader user.ID) ([]Message, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	unread, err := s.repo.UnreadInChat(ctx, chatID, reader)
	if err != nil {
		return nil, err
	}
	marked := make([]Message, 0, len(unread))
	for _, m := range unread {
		if err := s.repo.MarkRead(ctx, m.ID); err != nil {
			return marked, err
		}
		m.IsRead = true
		marked = append(marked, m)
	}
	return marked, nil
}

// UnreadForUser is used to rebuild a connection's unread state at login.
func (s *Service) UnreadForUser(ctx context.Context, reader user.ID) ([]Message, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	return s.repo.UnreadForUser(ctx, reader)
}
