package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"lanrelay/internal/chat"
	"lanrelay/internal/message"
	"lanrelay/internal/user"
)

const defaultHeartbeat = 30 * time.Second

// ErrAlreadyOnline is reported when a login already has a live session.
var ErrAlreadyOnline = errors.New("user already online")

// Hub owns every live session. Commands are dispatched on each connection's
// own read goroutine; the registry maps are shared behind the mutex so one
// slow session never stalls another.
type Hub struct {
	users     *user.Service
	chats     *chat.Service
	messages  *message.Service
	log       *zap.SugaredLogger
	heartbeat time.Duration
	startedAt time.Time

	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[user.ID]*Client

	unread *unreadIndex
}

func NewHub(users *user.Service, chats *chat.Service, messages *message.Service, log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		users:     users,
		chats:     chats,
		messages:  messages,
		log:       log,
		heartbeat: defaultHeartbeat,
		startedAt: time.Now().UTC(),
		clients:   make(map[string]*Client),
		byUser:    make(map[user.ID]*Client),
		unread:    newUnreadIndex(),
	}
}

// ClientCount is the number of authenticated sessions, exposed to the
// discovery beacon and the stats endpoint.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) isOnline(id user.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byUser[id]
	return ok
}

func (h *Hub) clientFor(id user.ID) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byUser[id]
}

// HandleWS upgrades the request and runs the session until the connection
// dies. The first frame must be AUTH; everything before authentication
// succeeds is rejected.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.users == nil || h.chats == nil || h.messages == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	client := &Client{
		id:          uuid.NewString(),
		conn:        conn,
		hub:         h,
		ctx:         ctx,
		cancel:      cancel,
		send:        make(chan []byte, sendBuffer),
		remoteAddr:  r.RemoteAddr,
		connectedAt: time.Now().UTC(),
		lastActive:  time.Now().UTC(),
	}

	go client.writeLoop()
	h.runSession(client)
}

func (h *Hub) runSession(c *Client) {
	defer h.drop(c, websocket.StatusNormalClosure, "bye")

	if err := h.handshake(c); err != nil {
		h.log.Debugw("handshake rejected", "remote", c.remoteAddr, "error", err)
		return
	}

	go c.heartbeatLoop(h.heartbeat)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		c.touch()
		h.dispatch(c, data)
	}
}

// handshake authenticates the session. A frame carrying a name registers a
// new account; one without logs an existing account in. Exactly one session
// per identity is allowed.
func (h *Hub) handshake(c *Client) error {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return err
	}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != frameAuth {
		c.writeNow(errorFrame{Status: "ERROR", Message: "first frame must be AUTH"})
		c.close(websocket.StatusPolicyViolation, "unauthenticated")
		return errors.New("first frame was not AUTH")
	}

	var u user.User
	if frame.Name != nil {
		surname := ""
		if frame.Surname != nil {
			surname = *frame.Surname
		}
		u, err = h.users.Register(c.ctx, frame.Login, frame.Password, *frame.Name, surname)
	} else {
		u, err = h.users.Authenticate(c.ctx, frame.Login, frame.Password)
	}
	if err != nil {
		c.writeNow(errorFrame{Status: "ERROR", Message: authErrorMessage(err)})
		c.close(websocket.StatusPolicyViolation, "authentication failed")
		return err
	}

	if err := h.register(c, u); err != nil {
		c.writeNow(errorFrame{Status: "ERROR", Message: authErrorMessage(err)})
		c.close(websocket.StatusPolicyViolation, "already online")
		return err
	}

	h.log.Infow("session started", "login", u.Login, "remote", c.remoteAddr)

	c.sendEvent(authOKFrame{Status: "OK", User: h.userToPayload(u)})
	h.broadcastPresence(u, true)

	if err := h.rebuildUnread(c); err != nil {
		h.log.Warnw("unread rebuild failed", "login", u.Login, "error", err)
	} else {
		h.pushUnreadSummary(c)
	}
	return nil
}

// register inserts the session into the registry. The duplicate check and
// the insert happen under one lock so two racing logins cannot both win.
func (h *Hub) register(c *Client, u user.User) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, existing := range h.byUser {
		if strings.EqualFold(existing.User().Login, u.Login) {
			return ErrAlreadyOnline
		}
	}

	c.setUser(u)
	h.clients[c.id] = c
	h.byUser[u.ID] = c
	return nil
}

// drop removes the session and closes the socket. Only the first drop for a
// registered session persists last-activity and broadcasts offline presence.
func (h *Hub) drop(c *Client, status websocket.StatusCode, reason string) {
	u := c.User()

	h.mu.Lock()
	_, registered := h.clients[c.id]
	if registered {
		delete(h.clients, c.id)
		delete(h.byUser, u.ID)
	}
	h.mu.Unlock()

	c.close(status, reason)

	if !registered {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.users.Touch(ctx, u.ID); err != nil {
		h.log.Warnw("persist last activity failed", "login", u.Login, "error", err)
	}

	h.log.Infow("session ended", "login", u.Login, "remote", c.remoteAddr)
	h.broadcastPresence(u, false)
}

// Shutdown closes every session and gives their write loops a bounded grace.
// Sessions torn down here bypass drop, so last-activity is persisted inline.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.byUser = make(map[user.ID]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutdown")
		u := c.User()
		if err := h.users.Touch(ctx, u.ID); err != nil {
			h.log.Warnw("persist last activity failed", "login", u.Login, "error", err)
		}
	}

	grace := time.NewTimer(time.Second)
	defer grace.Stop()
	select {
	case <-ctx.Done():
	case <-grace.C:
	}
}

func authErrorMessage(err error) string {
	switch {
	case errors.Is(err, user.ErrInvalidCredentials):
		return "invalid credentials"
	case errors.Is(err, user.ErrDuplicateLogin):
		return "login already taken"
	case errors.Is(err, ErrAlreadyOnline):
		return "user already online"
	case errors.Is(err, user.ErrInvalidInput):
		return "login and password are required"
	default:
		return "authentication failed"
	}
}

// ClientStat is one session's row in the stats snapshot.
type ClientStat struct {
	Login         string    `json:"login"`
	RemoteAddr    string    `json:"remoteAddr"`
	CurrentChatID int64     `json:"currentChatId"`
	JoinedChats   int       `json:"joinedChats"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActiveAt  time.Time `json:"lastActiveAt"`
}

// Stats is the hub part of the /api/stats payload.
type Stats struct {
	Connections   int          `json:"connections"`
	UptimeSeconds float64      `json:"uptimeSeconds"`
	Clients       []ClientStat `json:"clients"`
}

func (h *Hub) Stats(ctx context.Context) Stats {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	stats := Stats{
		Connections:   len(clients),
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		Clients:       make([]ClientStat, 0, len(clients)),
	}
	for _, c := range clients {
		u := c.User()
		joined := 0
		if chats, err := h.chats.ForUser(ctx, u.ID); err == nil {
			joined = len(chats)
		}
		stats.Clients = append(stats.Clients, ClientStat{
			Login:         u.Login,
			RemoteAddr:    c.remoteAddr,
			CurrentChatID: int64(c.CurrentChat()),
			JoinedChats:   joined,
			ConnectedAt:   c.connectedAt,
			LastActiveAt:  c.lastActiveAt(),
		})
	}
	sort.Slice(stats.Clients, func(i, j int) bool {
		return stats.Clients[i].Login < stats.Clients[j].Login
	})
	return stats
}
