package message

import (
	"context"
	"errors"
	"sort"
	"testing"

	"lanrelay/internal/chat"
	"lanrelay/internal/user"
)

type fakeRepo struct {
	messages map[ID]Message
	nextID   ID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{messages: make(map[ID]Message), nextID: 1}
}

func (r *fakeRepo) Create(ctx context.Context, m Message) (Message, error) {
	m.ID = r.nextID
	r.nextID++
	r.messages[m.ID] = m
	return m, nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id ID) (Message, error) {
	m, ok := r.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m, nil
}

func (r *fakeRepo) History(ctx context.Context, chatID chat.ID, limit int) ([]Message, error) {
	var msgs []Message
	for _, m := range r.messages {
		if m.ChatID == chatID && !m.IsDeleted {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (r *fakeRepo) MarkRead(ctx context.Context, id ID) error {
	m, ok := r.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.IsRead = true
	r.messages[id] = m
	return nil
}

func (r *fakeRepo) UnreadInChat(ctx context.Context, chatID chat.ID, reader user.ID) ([]Message, error) {
	var msgs []Message
	for _, m := range r.messages {
		if m.ChatID == chatID && m.AuthorID != reader && !m.IsRead && !m.IsDeleted {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

func (r *fakeRepo) UnreadForUser(ctx context.Context, reader user.ID) ([]Message, error) {
	var msgs []Message
	for _, m := range r.messages {
		if m.AuthorID != reader && !m.IsRead && !m.IsDeleted {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

func TestSendAssignsIDAndTimestamp(t *testing.T) {
	svc := NewService(newFakeRepo())

	msg, err := svc.Send(context.Background(), 1, 2, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID == 0 {
		t.Fatal("expected an assigned id")
	}
	if msg.SentAt.IsZero() {
		t.Fatal("expected a timestamp")
	}
	if msg.IsRead {
		t.Fatal("new messages start unread")
	}
}

func TestSendValidation(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	if _, err := svc.Send(ctx, 0, 2, "hi"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing chat, got %v", err)
	}
	if _, err := svc.Send(ctx, 1, 2, "   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank body, got %v", err)
	}
}

func TestHistoryAscending(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	for _, body := range []string{"one", "two", "three"} {
		if _, err := svc.Send(ctx, 1, 2, body); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	msgs, err := svc.History(ctx, 1, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Body != "one" || msgs[2].Body != "three" {
		t.Fatalf("expected ascending order, got %q..%q", msgs[0].Body, msgs[2].Body)
	}
}

func TestHistoryLimitKeepsMostRecent(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	for _, body := range []string{"one", "two", "three"} {
		if _, err := svc.Send(ctx, 1, 2, body); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	msgs, err := svc.History(ctx, 1, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Body != "two" || msgs[1].Body != "three" {
		t.Fatalf("expected the latest two ascending, got %+v", msgs)
	}
}

func TestMarkReadTransitionsOnce(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	msg, err := svc.Send(ctx, 1, 2, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	_, changed, err := svc.MarkRead(ctx, msg.ID, 3)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !changed {
		t.Fatal("first marking must transition")
	}

	_, changed, err = svc.MarkRead(ctx, msg.ID, 3)
	if err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if changed {
		t.Fatal("repeated marking must not transition")
	}
}

func TestMarkReadOwnMessageIsNoop(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	msg, err := svc.Send(ctx, 1, 2, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	got, changed, err := svc.MarkRead(ctx, msg.ID, 2)
	if err != nil {
		t.Fatalf("mark own: %v", err)
	}
	if changed {
		t.Fatal("author reading their own message must not transition")
	}
	if got.IsRead {
		t.Fatal("message must stay unread")
	}
}

func TestMarkReadUnknownMessage(t *testing.T) {
	svc := NewService(newFakeRepo())

	_, _, err := svc.MarkRead(context.Background(), 999, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkChatReadSkipsOwnMessages(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	if _, err := svc.Send(ctx, 1, 2, "from author"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.Send(ctx, 1, 3, "from peer"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.Send(ctx, 1, 3, "another from peer"); err != nil {
		t.Fatalf("send: %v", err)
	}

	marked, err := svc.MarkChatRead(ctx, 1, 2)
	if err != nil {
		t.Fatalf("mark chat read: %v", err)
	}
	if len(marked) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(marked))
	}
	for _, m := range marked {
		if m.AuthorID == 2 {
			t.Fatal("own messages must not be marked")
		}
		if !m.IsRead {
			t.Fatal("returned messages must be read")
		}
	}

	again, err := svc.MarkChatRead(ctx, 1, 2)
	if err != nil {
		t.Fatalf("mark chat read again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second pass must be empty, got %d", len(again))
	}
}

func TestUnreadForUser(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	if _, err := svc.Send(ctx, 1, 2, "unread"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := svc.Send(ctx, 1, 2, "to be read")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, _, err := svc.MarkRead(ctx, msg.ID, 3); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	unread, err := svc.UnreadForUser(ctx, 3)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(unread) != 1 || unread[0].Body != "unread" {
		t.Fatalf("expected the single unread message, got %+v", unread)
	}
}
