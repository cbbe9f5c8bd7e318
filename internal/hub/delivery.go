package hub

import (
	"context"
	"time"

	"lanrelay/internal/chat"
	"lanrelay/internal/message"
	"lanrelay/internal/user"
)

const previewRunes = 50

// deliverMessage fans a persisted message out to the chat's current members.
// Focused participants get the full message and their auto-read receipt goes
// back to the author; joined-but-elsewhere participants get a notification
// and an unread index entry; offline participants only get the index entry.
// Each participant is attempted at most once, failures are skipped.
func (h *Hub) deliverMessage(sender *Client, msg message.Message) {
	members, err := h.chats.ActiveMembers(sender.ctx, msg.ChatID)
	if err != nil {
		h.log.Warnw("resolve members failed", "chatId", msg.ChatID, "error", err)
		sender.sendError("message stored but not delivered")
		return
	}

	payload := messageToPayload(msg, sender.User().DisplayName())

	for _, member := range members {
		if member.UserID == sender.User().ID {
			sender.sendEvent(newMessageFrame{Type: frameNewMessage, Message: payload})
			continue
		}

		peer := h.clientFor(member.UserID)
		switch {
		case peer != nil && peer.CurrentChat() == msg.ChatID:
			if !peer.sendEvent(newMessageFrame{Type: frameNewMessage, Message: payload}) {
				h.log.Warnw("delivery skipped", "login", peer.User().Login, "messageId", msg.ID)
				continue
			}
			h.autoMarkRead(sender, peer, msg)

		case peer != nil:
			h.unread.add(member.UserID, msg.ID, msg.ChatID)
			ok := peer.sendEvent(chatNotificationFrame{
				Type:        frameNewChatNotification,
				ChatID:      int64(msg.ChatID),
				SenderName:  sender.User().DisplayName(),
				Preview:     preview(msg.Body),
				UnreadCount: h.unread.countInChat(member.UserID, msg.ChatID),
			})
			if !ok {
				h.log.Warnw("notification skipped", "login", peer.User().Login, "messageId", msg.ID)
			}

		default:
			h.unread.add(member.UserID, msg.ID, msg.ChatID)
		}
	}
}

// autoMarkRead records the focused reader's receipt. The read flag is shared
// per message, so only the first reader causes a transition.
func (h *Hub) autoMarkRead(sender, reader *Client, msg message.Message) {
	_, changed, err := h.messages.MarkRead(sender.ctx, msg.ID, reader.User().ID)
	if err != nil {
		h.log.Warnw("auto read marking failed", "messageId", msg.ID, "error", err)
		return
	}
	if !changed {
		return
	}
	h.unread.removeEverywhere(msg.ID)
	sender.sendEvent(readConfirmationFrame{
		Type:      frameReadConfirmation,
		MessageID: int64(msg.ID),
		ChatID:    int64(msg.ChatID),
		ReaderID:  int64(reader.User().ID),
	})
}

func preview(body string) string {
	runes := []rune(body)
	if len(runes) <= previewRunes {
		return body
	}
	return string(runes[:previewRunes])
}

func (h *Hub) snapshotClients(except user.ID) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.User().ID == except {
			continue
		}
		clients = append(clients, c)
	}
	return clients
}

// broadcastPresence tells everyone else that a user went online or offline.
// Best effort, at most once per session, no retries.
func (h *Hub) broadcastPresence(u user.User, online bool) {
	frame := statusChangeFrame{
		Type:   frameUserStatusChange,
		UserID: int64(u.ID),
		Login:  u.Login,
		Online: online,
	}
	for _, c := range h.snapshotClients(u.ID) {
		if !c.sendEvent(frame) {
			h.log.Debugw("presence skipped", "login", c.User().Login)
		}
	}
}

// broadcastProfileUpdate pushes a changed profile to everyone else.
func (h *Hub) broadcastProfileUpdate(u user.User) {
	frame := profileFrame{Type: frameUserProfileUpdate, User: h.userToPayload(u)}
	for _, c := range h.snapshotClients(u.ID) {
		if !c.sendEvent(frame) {
			h.log.Debugw("profile update skipped", "login", c.User().Login)
		}
	}
}

// broadcastSystem delivers a server-originated text. A zero chatID reaches
// every session; otherwise only current members of the chat see it.
func (h *Hub) broadcastSystem(text string, chatID chat.ID) {
	frame := systemMessageFrame{Type: frameSystemMessage, Text: text, ChatID: int64(chatID)}

	if chatID == 0 {
		for _, c := range h.snapshotClients(0) {
			c.sendEvent(frame)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	members, err := h.chats.ActiveMembers(ctx, chatID)
	if err != nil {
		h.log.Warnw("system broadcast skipped", "chatId", chatID, "error", err)
		return
	}
	for _, m := range members {
		if c := h.clientFor(m.UserID); c != nil {
			c.sendEvent(frame)
		}
	}
}
