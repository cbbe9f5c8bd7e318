package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"lanrelay/internal/chat"
	"lanrelay/internal/message"
	"lanrelay/internal/storage"
	"lanrelay/internal/user"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server, storage.Store) {
	t.Helper()

	store := storage.NewMemStore()
	h := NewHub(
		user.NewService(store.Users()),
		chat.NewService(store.Chats()),
		message.NewService(store.Messages()),
		nil,
	)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	return h, srv, store
}

// session wraps one websocket client for the duration of a test.
type session struct {
	t      *testing.T
	conn   *websocket.Conn
	userID int64
}

func dial(t *testing.T, srv *httptest.Server) *session {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return &session{t: t, conn: conn}
}

func (s *session) write(frame map[string]any) {
	s.t.Helper()

	data, err := json.Marshal(frame)
	require.NoError(s.t, err)
	s.writeRaw(data)
}

func (s *session) writeRaw(data []byte) {
	s.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(s.t, s.conn.Write(ctx, websocket.MessageText, data))
}

func (s *session) read() map[string]any {
	s.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := s.conn.Read(ctx)
	require.NoError(s.t, err)

	var frame map[string]any
	require.NoError(s.t, json.Unmarshal(data, &frame))
	return frame
}

// await reads frames until one of the wanted type shows up, skipping
// unrelated broadcasts such as presence and system messages.
func (s *session) await(typ string) map[string]any {
	s.t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frame := s.read()
		if frame["type"] == typ {
			return frame
		}
	}
	s.t.Fatalf("no %s frame arrived", typ)
	return nil
}

func intField(t *testing.T, frame map[string]any, key string) int64 {
	t.Helper()
	v, ok := frame[key].(float64)
	require.True(t, ok, "missing numeric field %q in %v", key, frame)
	return int64(v)
}

func objField(t *testing.T, frame map[string]any, key string) map[string]any {
	t.Helper()
	v, ok := frame[key].(map[string]any)
	require.True(t, ok, "missing object field %q in %v", key, frame)
	return v
}

// connect authenticates a fresh session. A non-empty name registers a new
// account; an empty one logs an existing account in. The unread summary the
// server pushes right after login is left in the stream for the caller.
func connect(t *testing.T, srv *httptest.Server, login, name string) *session {
	t.Helper()

	s := dial(t, srv)
	auth := map[string]any{"type": "AUTH", "login": login, "password": "secret"}
	if name != "" {
		auth["name"] = name
	}
	s.write(auth)

	ok := s.read()
	require.Equal(t, "OK", ok["status"], "auth failed: %v", ok)
	s.userID = intField(t, objField(t, ok, "user"), "id")
	return s
}

func register(t *testing.T, srv *httptest.Server, login, name string) *session {
	t.Helper()
	s := connect(t, srv, login, name)
	s.await(frameUnreadSummary)
	return s
}

func (s *session) createChat(name string) int64 {
	s.t.Helper()
	s.write(map[string]any{"type": frameCreateChat, "chatName": name})
	joined := s.await(frameJoinedChat)
	return intField(s.t, objField(s.t, joined, "chat"), "id")
}

func (s *session) selectChat(chatID int64) {
	s.t.Helper()
	s.write(map[string]any{"type": frameSelectChat, "chatId": chatID})
	selected := s.await(frameChatSelected)
	require.Equal(s.t, chatID, intField(s.t, selected, "chatId"))
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func TestRegisterThenLogin(t *testing.T) {
	h, srv, _ := newTestHub(t)

	alice := connect(t, srv, "alice", "Alice")
	summary := alice.await(frameUnreadSummary)
	assert.Equal(t, int64(0), intField(t, summary, "total"))

	require.NoError(t, alice.conn.Close(websocket.StatusNormalClosure, "done"))
	waitFor(t, 2*time.Second, func() bool { return h.ClientCount() == 0 })

	again := connect(t, srv, "alice", "")
	assert.Equal(t, alice.userID, again.userID)
}

func TestWrongPasswordRejected(t *testing.T) {
	h, srv, _ := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")
	require.NoError(t, alice.conn.Close(websocket.StatusNormalClosure, "done"))
	waitFor(t, 2*time.Second, func() bool { return h.ClientCount() == 0 })

	s := dial(t, srv)
	s.write(map[string]any{"type": "AUTH", "login": "alice", "password": "wrong"})
	reply := s.read()
	assert.Equal(t, "ERROR", reply["status"])
	assert.Equal(t, "invalid credentials", reply["message"])
}

func TestFirstFrameMustBeAuth(t *testing.T) {
	_, srv, _ := newTestHub(t)

	s := dial(t, srv)
	s.write(map[string]any{"type": frameGetChats})
	reply := s.read()
	assert.Equal(t, "ERROR", reply["status"])
	assert.Equal(t, "first frame must be AUTH", reply["message"])
}

func TestSecondSessionRejected(t *testing.T) {
	_, srv, _ := newTestHub(t)

	register(t, srv, "alice", "Alice")

	s := dial(t, srv)
	s.write(map[string]any{"type": "AUTH", "login": "ALICE", "password": "secret"})
	reply := s.read()
	assert.Equal(t, "ERROR", reply["status"])
	assert.Equal(t, "user already online", reply["message"])
}

func TestFocusedDeliveryWithReceipt(t *testing.T) {
	_, srv, _ := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")
	bob := register(t, srv, "bob", "Bob")

	chatID := alice.createChat("general")
	bob.write(map[string]any{"type": frameJoinChat, "chatId": chatID})
	bob.await(frameJoinedChat)

	alice.selectChat(chatID)
	bob.selectChat(chatID)

	alice.write(map[string]any{"type": frameTextMessage, "chatId": chatID, "text": "hello bob"})

	got := bob.await(frameNewMessage)
	msg := objField(t, got, "message")
	assert.Equal(t, "hello bob", msg["text"])
	assert.Equal(t, "Alice", msg["authorName"])
	assert.Equal(t, chatID, intField(t, msg, "chatId"))

	echo := alice.await(frameNewMessage)
	assert.Equal(t, "hello bob", objField(t, echo, "message")["text"])

	receipt := alice.await(frameReadConfirmation)
	assert.Equal(t, bob.userID, intField(t, receipt, "readerId"))
	assert.Equal(t, chatID, intField(t, receipt, "chatId"))
}

func TestNotificationWhenNotViewing(t *testing.T) {
	_, srv, _ := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")
	bob := register(t, srv, "bob", "Bob")

	chatID := alice.createChat("general")
	bob.write(map[string]any{"type": frameJoinChat, "chatId": chatID})
	bob.await(frameJoinedChat)
	alice.selectChat(chatID)

	alice.write(map[string]any{"type": frameTextMessage, "chatId": chatID, "text": "first"})
	note := bob.await(frameNewChatNotification)
	assert.Equal(t, "Alice", note["senderName"])
	assert.Equal(t, "first", note["preview"])
	assert.Equal(t, int64(1), intField(t, note, "unreadCount"))

	alice.write(map[string]any{"type": frameTextMessage, "chatId": chatID, "text": "second"})
	note = bob.await(frameNewChatNotification)
	assert.Equal(t, int64(2), intField(t, note, "unreadCount"))
}

func TestUnreadSummaryAtLoginAndChatMarking(t *testing.T) {
	h, srv, _ := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")
	bob := register(t, srv, "bob", "Bob")

	chatID := alice.createChat("general")
	bob.write(map[string]any{"type": frameJoinChat, "chatId": chatID})
	bob.await(frameJoinedChat)

	require.NoError(t, bob.conn.Close(websocket.StatusNormalClosure, "away"))
	waitFor(t, 2*time.Second, func() bool { return h.ClientCount() == 1 })

	alice.selectChat(chatID)
	alice.write(map[string]any{"type": frameTextMessage, "chatId": chatID, "text": "one"})
	alice.write(map[string]any{"type": frameTextMessage, "chatId": chatID, "text": "two"})
	alice.await(frameNewMessage)
	alice.await(frameNewMessage)

	bob = connect(t, srv, "bob", "")
	summary := bob.await(frameUnreadSummary)
	assert.Equal(t, int64(2), intField(t, summary, "total"))
	perChat, ok := summary["perChat"].([]any)
	require.True(t, ok)
	require.Len(t, perChat, 1)
	entry := perChat[0].(map[string]any)
	assert.Equal(t, chatID, intField(t, entry, "chatId"))
	assert.Equal(t, int64(2), intField(t, entry, "count"))

	bob.write(map[string]any{"type": frameMarkChatAsRead, "chatId": chatID})
	marked := bob.await(frameChatMarkedAsRead)
	assert.Equal(t, int64(2), intField(t, marked, "count"))

	batch := alice.await(frameMessagesBatchRead)
	assert.Equal(t, bob.userID, intField(t, batch, "readerId"))
	ids, ok := batch["messageIds"].([]any)
	require.True(t, ok)
	assert.Len(t, ids, 2)

	// Everything is read now, a second pass transitions nothing.
	bob.write(map[string]any{"type": frameMarkChatAsRead, "chatId": chatID})
	marked = bob.await(frameChatMarkedAsRead)
	assert.Equal(t, int64(0), intField(t, marked, "count"))
}

func TestMarkAsReadTransitionsOnce(t *testing.T) {
	_, srv, _ := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")
	bob := register(t, srv, "bob", "Bob")

	chatID := alice.createChat("general")
	bob.write(map[string]any{"type": frameJoinChat, "chatId": chatID})
	bob.await(frameJoinedChat)

	alice.selectChat(chatID)
	alice.write(map[string]any{"type": frameTextMessage, "chatId": chatID, "text": "hello"})
	bob.await(frameNewChatNotification)

	bob.write(map[string]any{"type": frameGetHistory, "chatId": chatID})
	history := bob.await(frameMessageHistory)
	msgs, ok := history["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	msgID := intField(t, msgs[0].(map[string]any), "id")

	bob.write(map[string]any{"type": frameMarkAsRead, "messageId": msgID})
	read := bob.await(frameMessageRead)
	assert.Equal(t, true, read["changed"])

	receipt := alice.await(frameReadConfirmation)
	assert.Equal(t, msgID, intField(t, receipt, "messageId"))
	assert.Equal(t, bob.userID, intField(t, receipt, "readerId"))

	bob.write(map[string]any{"type": frameMarkAsRead, "messageId": msgID})
	read = bob.await(frameMessageRead)
	assert.Equal(t, false, read["changed"])
}

func TestPlainTextGoesToSelectedChat(t *testing.T) {
	_, srv, _ := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")

	alice.writeRaw([]byte("hello?"))
	reply := alice.read()
	assert.Equal(t, "ERROR", reply["status"])
	assert.Equal(t, "no chat selected", reply["message"])

	chatID := alice.createChat("general")
	alice.selectChat(chatID)

	alice.writeRaw([]byte("  hello room  "))
	echo := alice.await(frameNewMessage)
	assert.Equal(t, "hello room", objField(t, echo, "message")["text"])
}

func TestPrivateChatPresentedUnderPeerName(t *testing.T) {
	_, srv, _ := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")
	bob := register(t, srv, "bob", "Bob")

	alice.write(map[string]any{"type": frameCreatePrivate, "userId": bob.userID})
	mine := alice.await(frameJoinedChat)
	mineChat := objField(t, mine, "chat")
	assert.Equal(t, "Bob", mineChat["name"])
	assert.Equal(t, string(chat.KindPrivate), mineChat["kind"])

	theirs := bob.await(frameJoinedChat)
	theirsChat := objField(t, theirs, "chat")
	assert.Equal(t, "Alice", theirsChat["name"])
	assert.Equal(t, intField(t, mineChat, "id"), intField(t, theirsChat, "id"))

	// Asking again reuses the existing chat.
	alice.write(map[string]any{"type": frameCreatePrivate, "userId": bob.userID})
	again := alice.await(frameJoinedChat)
	assert.Equal(t, intField(t, mineChat, "id"), intField(t, objField(t, again, "chat"), "id"))
}

func TestSearchChatsToleratesTypos(t *testing.T) {
	_, srv, _ := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")
	alice.createChat("general")
	alice.createChat("random")

	alice.write(map[string]any{"type": frameSearchChats, "query": "gen"})
	results := alice.await(frameSearchChatsResults)
	chats, ok := results["chats"].([]any)
	require.True(t, ok)
	require.Len(t, chats, 1)
	assert.Equal(t, "general", chats[0].(map[string]any)["name"])
}

func TestPresenceBroadcast(t *testing.T) {
	h, srv, _ := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")
	bob := register(t, srv, "bob", "Bob")

	online := alice.await(frameUserStatusChange)
	assert.Equal(t, "bob", online["login"])
	assert.Equal(t, true, online["online"])

	require.NoError(t, bob.conn.Close(websocket.StatusNormalClosure, "bye"))
	waitFor(t, 2*time.Second, func() bool { return h.ClientCount() == 1 })

	offline := alice.await(frameUserStatusChange)
	assert.Equal(t, "bob", offline["login"])
	assert.Equal(t, false, offline["online"])
}

func TestStatsSnapshot(t *testing.T) {
	h, srv, _ := newTestHub(t)

	register(t, srv, "bob", "Bob")
	alice := register(t, srv, "alice", "Alice")
	alice.createChat("general")

	stats := h.Stats(context.Background())
	assert.Equal(t, 2, stats.Connections)
	require.Len(t, stats.Clients, 2)
	assert.Equal(t, "alice", stats.Clients[0].Login)
	assert.Equal(t, "bob", stats.Clients[1].Login)
	assert.Equal(t, 1, stats.Clients[0].JoinedChats)
}

func TestUnreadIndex(t *testing.T) {
	idx := newUnreadIndex()

	idx.add(1, 10, 100)
	idx.add(1, 11, 100)
	idx.add(1, 12, 200)
	idx.add(2, 10, 100)

	assert.Equal(t, 2, idx.countInChat(1, 100))
	assert.Equal(t, 1, idx.countInChat(1, 200))

	total, perChat := idx.summary(1)
	assert.Equal(t, 3, total)
	require.Len(t, perChat, 2)
	assert.Equal(t, int64(100), perChat[0].ChatID)
	assert.Equal(t, 2, perChat[0].Count)

	idx.removeEverywhere(10)
	assert.Equal(t, 1, idx.countInChat(1, 100))
	assert.Equal(t, 0, idx.countInChat(2, 100))

	idx.replace(1, []message.Message{{ID: 42, ChatID: 300}})
	total, perChat = idx.summary(1)
	assert.Equal(t, 1, total)
	require.Len(t, perChat, 1)
	assert.Equal(t, int64(300), perChat[0].ChatID)
}

func TestBroadcastAfterDropDoesNotPanic(t *testing.T) {
	h, srv, _ := newTestHub(t)

	register(t, srv, "alice", "Alice")
	bob := register(t, srv, "bob", "Bob")

	dropped := h.clientFor(user.ID(bob.userID))
	require.NotNil(t, dropped)
	snapshot := h.snapshotClients(0)
	require.Len(t, snapshot, 2)

	h.drop(dropped, websocket.StatusNormalClosure, "write failed")

	// Broadcasters holding the stale snapshot must not blow up the relay.
	for _, c := range snapshot {
		c.sendEvent(pingFrame{Type: framePing})
	}
	assert.False(t, dropped.Send([]byte("late")))
}

func TestFanoutSurvivesSeveredPeer(t *testing.T) {
	h, srv, _ := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")
	bob := register(t, srv, "bob", "Bob")
	charlie := register(t, srv, "charlie", "Charlie")

	chatID := alice.createChat("general")
	for _, s := range []*session{bob, charlie} {
		s.write(map[string]any{"type": frameJoinChat, "chatId": chatID})
		s.await(frameJoinedChat)
	}
	alice.selectChat(chatID)
	bob.selectChat(chatID)
	charlie.selectChat(chatID)

	require.NoError(t, charlie.conn.CloseNow())

	alice.write(map[string]any{"type": frameTextMessage, "chatId": chatID, "text": "anyone here"})
	got := bob.await(frameNewMessage)
	assert.Equal(t, "anyone here", objField(t, got, "message")["text"])
	alice.await(frameNewMessage)

	waitFor(t, 2*time.Second, func() bool { return h.ClientCount() == 2 })

	alice.write(map[string]any{"type": frameTextMessage, "chatId": chatID, "text": "still here"})
	got = bob.await(frameNewMessage)
	assert.Equal(t, "still here", objField(t, got, "message")["text"])
}

func TestSearchThresholds(t *testing.T) {
	_, srv, _ := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")
	alice.createChat("general")
	alice.createChat("random")

	// A near-miss passes the default cutoff.
	alice.write(map[string]any{"type": frameSearchChats, "query": "generl"})
	results := alice.await(frameSearchChatsResults)
	chats, ok := results["chats"].([]any)
	require.True(t, ok)
	require.Len(t, chats, 1)
	assert.Equal(t, "general", chats[0].(map[string]any)["name"])

	// A caller-supplied cutoff overrides the default.
	alice.write(map[string]any{"type": frameSearchChats, "query": "generl", "threshold": 0.95})
	results = alice.await(frameSearchChatsResults)
	assert.Empty(t, results["chats"])

	alice.write(map[string]any{"type": frameGlobalSearch, "query": "generl"})
	results = alice.await(frameGlobalSearchResults)
	chats, ok = results["chats"].([]any)
	require.True(t, ok)
	require.Len(t, chats, 1)
}

func TestCreateChatWithUser(t *testing.T) {
	_, srv, _ := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")
	bob := register(t, srv, "bob", "Bob")

	alice.write(map[string]any{"type": frameCreateChatWith, "chatName": "project", "userId": bob.userID})
	created := alice.await(frameChatCreatedWith)
	ch := objField(t, created, "chat")
	assert.Equal(t, "project", ch["name"])
	invited := objField(t, created, "invitedUser")
	assert.Equal(t, "bob", invited["login"])

	joined := bob.await(frameJoinedChat)
	chatID := intField(t, objField(t, joined, "chat"), "id")
	assert.Equal(t, intField(t, ch, "id"), chatID)

	bob.write(map[string]any{"type": frameGetChatUsers, "chatId": chatID})
	members := bob.await(frameChatUsers)
	users, ok := members["users"].([]any)
	require.True(t, ok)
	assert.Len(t, users, 2)
}

func TestCreateChatAndInvite(t *testing.T) {
	_, srv, _ := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")
	bob := register(t, srv, "bob", "Bob")

	alice.write(map[string]any{"type": frameCreateChatInvite, "chatName": "plans", "kind": "group", "userId": bob.userID})
	created := alice.await(frameChatCreatedInvited)
	assert.Equal(t, "plans", objField(t, created, "chat")["name"])
	bob.await(frameJoinedChat)

	// The private kind folds into the private chat flow, reuse included.
	alice.write(map[string]any{"type": frameCreateChatInvite, "kind": "private", "userId": bob.userID})
	mine := alice.await(frameJoinedChat)
	first := intField(t, objField(t, mine, "chat"), "id")
	assert.Equal(t, "Bob", objField(t, mine, "chat")["name"])

	alice.write(map[string]any{"type": frameCreateChatInvite, "kind": "private", "userId": bob.userID})
	again := alice.await(frameJoinedChat)
	assert.Equal(t, first, intField(t, objField(t, again, "chat"), "id"))
}

func TestUploadAvatar(t *testing.T) {
	_, srv, _ := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")
	bob := register(t, srv, "bob", "Bob")

	bob.write(map[string]any{"type": frameUploadAvatar, "avatarUrl": "http://example.com/bob.png"})
	uploaded := bob.await(frameAvatarUploaded)
	assert.Equal(t, "http://example.com/bob.png", uploaded["avatarUrl"])

	update := alice.await(frameUserProfileUpdate)
	assert.Equal(t, "http://example.com/bob.png", objField(t, update, "user")["avatarUrl"])
}

func TestShutdownPersistsLastActivity(t *testing.T) {
	h, srv, store := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")
	before, err := store.Users().GetByID(context.Background(), user.ID(alice.userID))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	h.Shutdown(context.Background())

	after, err := store.Users().GetByID(context.Background(), user.ID(alice.userID))
	require.NoError(t, err)
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))
}

func TestProfileRenameReachesDelivery(t *testing.T) {
	_, srv, _ := newTestHub(t)

	alice := register(t, srv, "alice", "Alice")
	bob := register(t, srv, "bob", "Bob")

	chatID := alice.createChat("general")
	bob.write(map[string]any{"type": frameJoinChat, "chatId": chatID})
	bob.await(frameJoinedChat)
	alice.selectChat(chatID)
	bob.selectChat(chatID)

	bob.write(map[string]any{"type": frameUpdateProfile, "name": "Robert"})
	bob.await(frameProfileUpdated)

	bob.write(map[string]any{"type": frameTextMessage, "chatId": chatID, "text": "hi"})
	got := alice.await(frameNewMessage)
	assert.Equal(t, "Robert", objField(t, got, "message")["authorName"])
}
