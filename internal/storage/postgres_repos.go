package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lanrelay/internal/chat"
	"lanrelay/internal/message"
	"lanrelay/internal/user"
)

type userRepo struct {
	db *sql.DB
}

func (r *userRepo) Create(ctx context.Context, u user.User) (user.User, error) {
	if u.Login == "" || u.PasswordHash == "" || u.CreatedAt.IsZero() {
		return user.User{}, fmt.Errorf("user login, password_hash, and created_at are required")
	}

	row := r.db.QueryRowContext(ctx, `INSERT INTO users
		(login, password_hash, name, surname, avatar_url, status, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		u.Login, u.PasswordHash, u.Name, u.Surname, u.AvatarURL, u.Status, u.CreatedAt, u.LastActivityAt)
	if err := row.Scan(&u.ID); err != nil {
		return user.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id user.ID) (user.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, login, password_hash, name, surname, avatar_url, status, created_at, last_activity_at
		FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *userRepo) GetByLogin(ctx context.Context, login string) (user.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, login, password_hash, name, surname, avatar_url, status, created_at, last_activity_at
		FROM users WHERE lower(login) = lower($1)`, login)
	return scanUser(row)
}

func (r *userRepo) List(ctx context.Context) ([]user.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, login, password_hash, name, surname, avatar_url, status, created_at, last_activity_at
		FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []user.User
	for rows.Next() {
		var u user.User
		if err := rows.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Name, &u.Surname, &u.AvatarURL, &u.Status, &u.CreatedAt, &u.LastActivityAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (r *userRepo) Update(ctx context.Context, u user.User) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users
		SET name = $2, surname = $3, avatar_url = $4, status = $5, last_activity_at = $6
		WHERE id = $1`,
		u.ID, u.Name, u.Surname, u.AvatarURL, u.Status, u.LastActivityAt)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return requireAffected(res, user.ErrNotFound)
}

func (r *userRepo) SetLastActivity(ctx context.Context, id user.ID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET last_activity_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("update last_activity_at: %w", err)
	}
	return requireAffected(res, user.ErrNotFound)
}

func scanUser(row *sql.Row) (user.User, error) {
	var u user.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Name, &u.Surname, &u.AvatarURL, &u.Status, &u.CreatedAt, &u.LastActivityAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

type chatRepo struct {
	db *sql.DB
}

func (r *chatRepo) Create(ctx context.Context, c chat.Chat) (chat.Chat, error) {
	if c.Kind == "" || c.CreatedAt.IsZero() {
		return chat.Chat{}, fmt.Errorf("chat kind and created_at are required")
	}

	row := r.db.QueryRowContext(ctx, `INSERT INTO chats (name, kind, created_at)
		VALUES ($1, $2, $3) RETURNING id`, c.Name, string(c.Kind), c.CreatedAt)
	if err := row.Scan(&c.ID); err != nil {
		return chat.Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return c, nil
}

func (r *chatRepo) GetByID(ctx context.Context, id chat.ID) (chat.Chat, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, kind, created_at FROM chats WHERE id = $1`, id)
	var c chat.Chat
	if err := row.Scan(&c.ID, &c.Name, &c.Kind, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Chat{}, chat.ErrNotFound
		}
		return chat.Chat{}, fmt.Errorf("select chat by id: %w", err)
	}
	return c, nil
}

func (r *chatRepo) List(ctx context.Context) ([]chat.Chat, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, kind, created_at FROM chats ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()
	return collectChats(rows)
}

func (r *chatRepo) ForUser(ctx context.Context, userID user.ID) ([]chat.Chat, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT c.id, c.name, c.kind, c.created_at
		FROM chats c
		JOIN chat_members m ON m.chat_id = c.id
		WHERE m.user_id = $1 AND m.left_at IS NULL
		ORDER BY c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats for user: %w", err)
	}
	defer rows.Close()
	return collectChats(rows)
}

func (r *chatRepo) FindPrivate(ctx context.Context, a, b user.ID) (chat.Chat, error) {
	row := r.db.QueryRowContext(ctx, `SELECT c.id, c.name, c.kind, c.created_at
		FROM chats c
		WHERE c.kind = 'private'
		  AND EXISTS (SELECT 1 FROM chat_members m WHERE m.chat_id = c.id AND m.user_id = $1)
		  AND EXISTS (SELECT 1 FROM chat_members m WHERE m.chat_id = c.id AND m.user_id = $2)
		LIMIT 1`, a, b)
	var c chat.Chat
	if err := row.Scan(&c.ID, &c.Name, &c.Kind, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Chat{}, chat.ErrNotFound
		}
		return chat.Chat{}, fmt.Errorf("select private chat: %w", err)
	}
	return c, nil
}

func (r *chatRepo) AddMember(ctx context.Context, m chat.Member) error {
	if m.ChatID == 0 || m.UserID == 0 || m.JoinedAt.IsZero() {
		return fmt.Errorf("member chat_id, user_id, and joined_at are required")
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO chat_members (chat_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, $4)`, m.ChatID, m.UserID, string(m.Role), m.JoinedAt)
	if err != nil {
		return fmt.Errorf("insert chat member: %w", err)
	}
	return nil
}

func (r *chatRepo) GetMember(ctx context.Context, chatID chat.ID, userID user.ID) (chat.Member, error) {
	row := r.db.QueryRowContext(ctx, `SELECT chat_id, user_id, role, joined_at, left_at
		FROM chat_members WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
	var m chat.Member
	var leftAt sql.NullTime
	if err := row.Scan(&m.ChatID, &m.UserID, &m.Role, &m.JoinedAt, &leftAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Member{}, chat.ErrNotMember
		}
		return chat.Member{}, fmt.Errorf("select chat member: %w", err)
	}
	if leftAt.Valid {
		t := leftAt.Time
		m.LeftAt = &t
	}
	return m, nil
}

func (r *chatRepo) UpdateMember(ctx context.Context, m chat.Member) error {
	var leftAt any
	if m.LeftAt != nil {
		leftAt = *m.LeftAt
	}
	res, err := r.db.ExecContext(ctx, `UPDATE chat_members
		SET role = $3, joined_at = $4, left_at = $5
		WHERE chat_id = $1 AND user_id = $2`,
		m.ChatID, m.UserID, string(m.Role), m.JoinedAt, leftAt)
	if err != nil {
		return fmt.Errorf("update chat member: %w", err)
	}
	return requireAffected(res, chat.ErrNotMember)
}

func (r *chatRepo) Members(ctx context.Context, chatID chat.ID) ([]chat.Member, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT chat_id, user_id, role, joined_at, left_at
		FROM chat_members WHERE chat_id = $1 ORDER BY joined_at`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list chat members: %w", err)
	}
	defer rows.Close()

	var members []chat.Member
	for rows.Next() {
		var m chat.Member
		var leftAt sql.NullTime
		if err := rows.Scan(&m.ChatID, &m.UserID, &m.Role, &m.JoinedAt, &leftAt); err != nil {
			return nil, fmt.Errorf("scan chat member: %w", err)
		}
		if leftAt.Valid {
			t := leftAt.Time
			m.LeftAt = &t
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat members: %w", err)
	}
	return members, nil
}

func collectChats(rows *sql.Rows) ([]chat.Chat, error) {
	var chats []chat.Chat
	for rows.Next() {
		var c chat.Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.Kind, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return chats, nil
}

type messageRepo struct {
	db *sql.DB
}

func (r *messageRepo) Create(ctx context.Context, m message.Message) (message.Message, error) {
	if m.ChatID == 0 || m.AuthorID == 0 || m.Body == "" || m.SentAt.IsZero() {
		return message.Message{}, fmt.Errorf("message chat_id, author_id, body, and sent_at are required")
	}

	row := r.db.QueryRowContext(ctx, `INSERT INTO messages (chat_id, author_id, body, sent_at, is_read, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		m.ChatID, m.AuthorID, m.Body, m.SentAt, m.IsRead, m.IsDeleted)
	if err := row.Scan(&m.ID); err != nil {
		return message.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (r *messageRepo) GetByID(ctx context.Context, id message.ID) (message.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, chat_id, author_id, body, sent_at, is_read, is_deleted
		FROM messages WHERE id = $1`, id)
	var m message.Message
	if err := row.Scan(&m.ID, &m.ChatID, &m.AuthorID, &m.Body, &m.SentAt, &m.IsRead, &m.IsDeleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return message.Message{}, message.ErrNotFound
		}
		return message.Message{}, fmt.Errorf("select message by id: %w", err)
	}
	return m, nil
}

func (r *messageRepo) History(ctx context.Context, chatID chat.ID, limit int) ([]message.Message, error) {
	// A limit keeps the most recent messages; the result stays ascending.
	query := `SELECT id, chat_id, author_id, body, sent_at, is_read, is_deleted
		FROM messages WHERE chat_id = $1 AND NOT is_deleted ORDER BY sent_at ASC, id ASC`
	args := []any{chatID}
	if limit > 0 {
		query = `SELECT id, chat_id, author_id, body, sent_at, is_read, is_deleted FROM (
			SELECT id, chat_id, author_id, body, sent_at, is_read, is_deleted
			FROM messages WHERE chat_id = $1 AND NOT is_deleted
			ORDER BY sent_at DESC, id DESC LIMIT $2
		) recent ORDER BY sent_at ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (r *messageRepo) MarkRead(ctx context.Context, id message.ID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	return requireAffected(res, message.ErrNotFound)
}

func (r *messageRepo) UnreadInChat(ctx context.Context, chatID chat.ID, reader user.ID) ([]message.Message, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, chat_id, author_id, body, sent_at, is_read, is_deleted
		FROM messages
		WHERE chat_id = $1 AND author_id <> $2 AND NOT is_read AND NOT is_deleted
		ORDER BY sent_at ASC, id ASC`, chatID, reader)
	if err != nil {
		return nil, fmt.Errorf("list unread in chat: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (r *messageRepo) UnreadForUser(ctx context.Context, reader user.ID) ([]message.Message, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT msg.id, msg.chat_id, msg.author_id, msg.body, msg.sent_at, msg.is_read, msg.is_deleted
		FROM messages msg
		JOIN chat_members m ON m.chat_id = msg.chat_id
		WHERE m.user_id = $1 AND m.left_at IS NULL
		  AND msg.author_id <> $1 AND NOT msg.is_read AND NOT msg.is_deleted
		ORDER BY msg.sent_at ASC, msg.id ASC`, reader)
	if err != nil {
		return nil, fmt.Errorf("list unread for user: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]message.Message, error) {
	var msgs []message.Message
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.AuthorID, &m.Body, &m.SentAt, &m.IsRead, &m.IsDeleted); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func requireAffected(res sql.Result, missing error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return missing
	}
	return nil
}
