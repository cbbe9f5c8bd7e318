package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"lanrelay/internal/chat"
	"lanrelay/internal/message"
	"lanrelay/internal/user"
)

// MemStore keeps everything in process memory. It backs tests and makes the
// server runnable without a database.
type MemStore struct {
	mu sync.RWMutex

	users    map[user.ID]user.User
	chats    map[chat.ID]chat.Chat
	members  map[chat.ID]map[user.ID]chat.Member
	messages map[message.ID]message.Message

	nextUserID    user.ID
	nextChatID    chat.ID
	nextMessageID message.ID
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:         make(map[user.ID]user.User),
		chats:         make(map[chat.ID]chat.Chat),
		members:       make(map[chat.ID]map[user.ID]chat.Member),
		messages:      make(map[message.ID]message.Message),
		nextUserID:    1,
		nextChatID:    1,
		nextMessageID: 1,
	}
}

func (s *MemStore) Close(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *MemStore) Migrate(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *MemStore) Users() user.Repository       { return &memUserRepo{s: s} }
func (s *MemStore) Chats() chat.Repository       { return &memChatRepo{s: s} }
func (s *MemStore) Messages() message.Repository { return &memMessageRepo{s: s} }

type memUserRepo struct {
	s *MemStore
}

func (r *memUserRepo) Create(ctx context.Context, u user.User) (user.User, error) {
	_ = ctx
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u.ID = r.s.nextUserID
	r.s.nextUserID++
	r.s.users[u.ID] = u
	return u, nil
}

func (r *memUserRepo) GetByID(ctx context.Context, id user.ID) (user.User, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	u, ok := r.s.users[id]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	return u, nil
}

func (r *memUserRepo) GetByLogin(ctx context.Context, login string) (user.User, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, u := range r.s.users {
		if strings.EqualFold(u.Login, login) {
			return u, nil
		}
	}
	return user.User{}, user.ErrNotFound
}

func (r *memUserRepo) List(ctx context.Context) ([]user.User, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	users := make([]user.User, 0, len(r.s.users))
	for _, u := range r.s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (r *memUserRepo) Update(ctx context.Context, u user.User) error {
	_ = ctx
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.users[u.ID]; !ok {
		return user.ErrNotFound
	}
	r.s.users[u.ID] = u
	return nil
}

func (r *memUserRepo) SetLastActivity(ctx context.Context, id user.ID, at time.Time) error {
	_ = ctx
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return user.ErrNotFound
	}
	u.LastActivityAt = at
	r.s.users[id] = u
	return nil
}

type memChatRepo struct {
	s *MemStore
}

func (r *memChatRepo) Create(ctx context.Context, c chat.Chat) (chat.Chat, error) {
	_ = ctx
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c.ID = r.s.nextChatID
	r.s.nextChatID++
	r.s.chats[c.ID] = c
	r.s.members[c.ID] = make(map[user.ID]chat.Member)
	return c, nil
}

func (r *memChatRepo) GetByID(ctx context.Context, id chat.ID) (chat.Chat, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	c, ok := r.s.chats[id]
	if !ok {
		return chat.Chat{}, chat.ErrNotFound
	}
	return c, nil
}

func (r *memChatRepo) List(ctx context.Context) ([]chat.Chat, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	chats := make([]chat.Chat, 0, len(r.s.chats))
	for _, c := range r.s.chats {
		chats = append(chats, c)
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].ID < chats[j].ID })
	return chats, nil
}

func (r *memChatRepo) ForUser(ctx context.Context, userID user.ID) ([]chat.Chat, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var chats []chat.Chat
	for chatID, members := range r.s.members {
		m, ok := members[userID]
		if !ok || !m.Active() {
			continue
		}
		chats = append(chats, r.s.chats[chatID])
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].ID < chats[j].ID })
	return chats, nil
}

func (r *memChatRepo) FindPrivate(ctx context.Context, a, b user.ID) (chat.Chat, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for chatID, c := range r.s.chats {
		if c.Kind != chat.KindPrivate {
			continue
		}
		members := r.s.members[chatID]
		if _, ok := members[a]; !ok {
			continue
		}
		if _, ok := members[b]; !ok {
			continue
		}
		return c, nil
	}
	return chat.Chat{}, chat.ErrNotFound
}

func (r *memChatRepo) AddMember(ctx context.Context, m chat.Member) error {
	_ = ctx
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	members, ok := r.s.members[m.ChatID]
	if !ok {
		return chat.ErrNotFound
	}
	members[m.UserID] = m
	return nil
}

func (r *memChatRepo) GetMember(ctx context.Context, chatID chat.ID, userID user.ID) (chat.Member, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	m, ok := r.s.members[chatID][userID]
	if !ok {
		return chat.Member{}, chat.ErrNotMember
	}
	return m, nil
}

func (r *memChatRepo) UpdateMember(ctx context.Context, m chat.Member) error {
	_ = ctx
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	members := r.s.members[m.ChatID]
	if _, ok := members[m.UserID]; !ok {
		return chat.ErrNotMember
	}
	members[m.UserID] = m
	return nil
}

func (r *memChatRepo) Members(ctx context.Context, chatID chat.ID) ([]chat.Member, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	members := make([]chat.Member, 0, len(r.s.members[chatID]))
	for _, m := range r.s.members[chatID] {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

type memMessageRepo struct {
	s *MemStore
}

func (r *memMessageRepo) Create(ctx context.Context, m message.Message) (message.Message, error) {
	_ = ctx
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m.ID = r.s.nextMessageID
	r.s.nextMessageID++
	r.s.messages[m.ID] = m
	return m, nil
}

func (r *memMessageRepo) GetByID(ctx context.Context, id message.ID) (message.Message, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	m, ok := r.s.messages[id]
	if !ok {
		return message.Message{}, message.ErrNotFound
	}
	return m, nil
}

func (r *memMessageRepo) History(ctx context.Context, chatID chat.ID, limit int) ([]message.Message, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var msgs []message.Message
	for _, m := range r.s.messages {
		if m.ChatID == chatID && !m.IsDeleted {
			msgs = append(msgs, m)
		}
	}
	sortMessages(msgs)
	// A limit keeps the most recent messages; the result stays ascending.
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (r *memMessageRepo) MarkRead(ctx context.Context, id message.ID) error {
	_ = ctx
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m, ok := r.s.messages[id]
	if !ok {
		return message.ErrNotFound
	}
	m.IsRead = true
	r.s.messages[id] = m
	return nil
}

func (r *memMessageRepo) UnreadInChat(ctx context.Context, chatID chat.ID, reader user.ID) ([]message.Message, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var msgs []message.Message
	for _, m := range r.s.messages {
		if m.ChatID == chatID && m.AuthorID != reader && !m.IsRead && !m.IsDeleted {
			msgs = append(msgs, m)
		}
	}
	sortMessages(msgs)
	return msgs, nil
}

func (r *memMessageRepo) UnreadForUser(ctx context.Context, reader user.ID) ([]message.Message, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var msgs []message.Message
	for _, m := range r.s.messages {
		if m.AuthorID == reader || m.IsRead || m.IsDeleted {
			continue
		}
		member, ok := r.s.members[m.ChatID][reader]
		if !ok || !member.Active() {
			continue
		}
		msgs = append(msgs, m)
	}
	sortMessages(msgs)
	return msgs, nil
}

func sortMessages(msgs []message.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})
}
