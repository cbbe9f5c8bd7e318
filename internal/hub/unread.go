package hub

import (
	"sort"
	"sync"

	"lanrelay/internal/chat"
	"lanrelay/internal/message"
	"lanrelay/internal/user"
)

// unreadIndex caches which messages each user has not read yet. It is an
// optimization over the store: rebuilt from it at login, kept current by
// delivery and read marking afterwards.
type unreadIndex struct {
	mu      sync.RWMutex
	perUser map[user.ID]map[message.ID]chat.ID
}

func newUnreadIndex() *unreadIndex {
	return &unreadIndex{
		perUser: make(map[user.ID]map[message.ID]chat.ID),
	}
}

func (idx *unreadIndex) add(uid user.ID, msgID message.ID, chatID chat.ID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	set := idx.perUser[uid]
	if set == nil {
		set = make(map[message.ID]chat.ID)
		idx.perUser[uid] = set
	}
	set[msgID] = chatID
}

func (idx *unreadIndex) remove(uid user.ID, msgID message.ID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.perUser[uid], msgID)
}

// removeEverywhere drops the message from every user's set, used when a read
// transition is visible to all members through the shared read flag.
func (idx *unreadIndex) removeEverywhere(msgID message.ID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, set := range idx.perUser {
		delete(set, msgID)
	}
}

func (idx *unreadIndex) replace(uid user.ID, msgs []message.Message) {
	set := make(map[message.ID]chat.ID, len(msgs))
	for _, m := range msgs {
		set[m.ID] = m.ChatID
	}
	idx.mu.Lock()
	idx.perUser[uid] = set
	idx.mu.Unlock()
}

func (idx *unreadIndex) countInChat(uid user.ID, chatID chat.ID) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for _, c := range idx.perUser[uid] {
		if c == chatID {
			n++
		}
	}
	return n
}

func (idx *unreadIndex) summary(uid user.ID) (int, []unreadChatSummary) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	counts := make(map[chat.ID]int)
	for _, chatID := range idx.perUser[uid] {
		counts[chatID]++
	}

	perChat := make([]unreadChatSummary, 0, len(counts))
	total := 0
	for chatID, n := range counts {
		perChat = append(perChat, unreadChatSummary{ChatID: int64(chatID), Count: n})
		total += n
	}
	sort.Slice(perChat, func(i, j int) bool { return perChat[i].ChatID < perChat[j].ChatID })
	return total, perChat
}

// rebuildUnread replaces the session user's cached unread set from storage.
func (h *Hub) rebuildUnread(c *Client) error {
	msgs, err := h.messages.UnreadForUser(c.ctx, c.User().ID)
	if err != nil {
		return err
	}
	h.unread.replace(c.User().ID, msgs)
	return nil
}

func (h *Hub) pushUnreadSummary(c *Client) {
	total, perChat := h.unread.summary(c.User().ID)
	c.sendEvent(unreadSummaryFrame{
		Type:    frameUnreadSummary,
		Total:   total,
		PerChat: perChat,
	})
}
