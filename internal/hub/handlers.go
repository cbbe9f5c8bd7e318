package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/valyala/fastjson"

	"lanrelay/internal/chat"
	"lanrelay/internal/match"
	"lanrelay/internal/message"
	"lanrelay/internal/user"
)

const (
	searchThreshold       = 0.2
	globalSearchThreshold = 0.3
	defaultSearchLimit    = 20
)

// dispatch routes one inbound frame. Anything that does not parse as a JSON
// object with a type discriminator is treated as plain text into the
// session's selected chat.
func (h *Hub) dispatch(c *Client, data []byte) {
	v, err := fastjson.ParseBytes(data)
	if err != nil || v.Type() != fastjson.TypeObject || !v.Exists("type") {
		h.handlePlainText(c, string(data))
		return
	}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sendError("malformed frame")
		return
	}

	switch frame.Type {
	case frameAuth:
		c.sendError("already authenticated")
	case frameTextMessage:
		h.handleText(c, frame)
	case frameSelectChat:
		h.handleSelectChat(c, frame)
	case frameGetChats:
		h.handleGetChats(c)
	case frameGetHistory:
		h.handleGetHistory(c, frame)
	case frameGetUsers:
		h.handleGetUsers(c)
	case frameGetChatUsers:
		h.handleGetChatUsers(c, frame)
	case frameCreateChat:
		h.handleCreateChat(c, frame)
	case frameCreatePrivate:
		h.handleCreatePrivate(c, frame)
	case frameCreateChatWith:
		h.handleCreateChatInviting(c, frame, frameChatCreatedWith)
	case frameCreateChatInvite:
		h.handleCreateChatAndInvite(c, frame)
	case frameUploadAvatar:
		h.handleUploadAvatar(c, frame)
	case frameJoinChat:
		h.handleJoinChat(c, frame)
	case frameLeaveChat:
		h.handleLeaveChat(c, frame)
	case frameUpdateProfile:
		h.handleUpdateProfile(c, frame)
	case frameUpdateStatus:
		h.handleUpdateStatus(c, frame)
	case frameUpdateUserRole:
		h.handleUpdateUserRole(c, frame)
	case frameMarkAsRead:
		h.handleMarkAsRead(c, frame)
	case frameMarkChatAsRead:
		h.handleMarkChatRead(c, frame)
	case frameMarkMultipleRead:
		h.handleMarkMultipleRead(c, frame)
	case frameSearchUsers:
		h.handleSearchUsers(c, frame)
	case frameSearchChats:
		h.handleSearchChats(c, frame)
	case frameGlobalSearch:
		h.handleGlobalSearch(c, frame)
	case frameGetUnreadSummary:
		h.pushUnreadSummary(c)
	default:
		c.sendError(fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

func (h *Hub) handlePlainText(c *Client, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	chatID := c.CurrentChat()
	if chatID == 0 {
		c.sendError("no chat selected")
		return
	}
	h.sendToChat(c, chatID, text)
}

func (h *Hub) handleText(c *Client, f inboundFrame) {
	chatID := chat.ID(f.ChatID)
	if chatID == 0 {
		chatID = c.CurrentChat()
	}
	if chatID == 0 {
		c.sendError("no chat selected")
		return
	}
	h.sendToChat(c, chatID, f.Text)
}

// sendToChat persists the message and only then fans it out. A storage
// failure aborts the whole command.
func (h *Hub) sendToChat(c *Client, chatID chat.ID, text string) {
	if !h.memberOf(c, chatID) {
		c.sendError("not a member of this chat")
		return
	}

	msg, err := h.messages.Send(c.ctx, chatID, c.User().ID, text)
	if err != nil {
		h.log.Warnw("message persist failed", "login", c.User().Login, "chatId", chatID, "error", err)
		c.sendError(commandErrorMessage(err))
		return
	}
	h.deliverMessage(c, msg)
}

func (h *Hub) handleSelectChat(c *Client, f inboundFrame) {
	chatID := chat.ID(f.ChatID)
	if chatID != 0 && !h.memberOf(c, chatID) {
		c.sendError("not a member of this chat")
		return
	}
	c.setCurrentChat(chatID)
	c.sendEvent(chatSelectedFrame{Type: frameChatSelected, ChatID: int64(chatID)})
}

func (h *Hub) handleGetChats(c *Client) {
	chats, err := h.chats.ForUser(c.ctx, c.User().ID)
	if err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}
	payloads := make([]chatPayload, 0, len(chats))
	for _, ch := range chats {
		payloads = append(payloads, h.presentChat(c, ch))
	}
	c.sendEvent(chatListFrame{Type: frameChatList, Chats: payloads})
}

func (h *Hub) handleGetHistory(c *Client, f inboundFrame) {
	chatID := chat.ID(f.ChatID)
	if !h.memberOf(c, chatID) {
		c.sendError("not a member of this chat")
		return
	}
	msgs, err := h.messages.History(c.ctx, chatID, f.Limit)
	if err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}

	names := h.displayNames(c)
	payloads := make([]messagePayload, 0, len(msgs))
	for _, m := range msgs {
		payloads = append(payloads, messageToPayload(m, names[m.AuthorID]))
	}
	c.sendEvent(messageHistoryFrame{Type: frameMessageHistory, ChatID: int64(chatID), Messages: payloads})
}

func (h *Hub) handleGetUsers(c *Client) {
	users, err := h.users.List(c.ctx)
	if err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}
	payloads := make([]userPayload, 0, len(users))
	for _, u := range users {
		payloads = append(payloads, h.userToPayload(u))
	}
	c.sendEvent(usersListFrame{Type: frameUsersList, Users: payloads})
}

func (h *Hub) handleGetChatUsers(c *Client, f inboundFrame) {
	chatID := chat.ID(f.ChatID)
	if !h.memberOf(c, chatID) {
		c.sendError("not a member of this chat")
		return
	}
	members, err := h.chats.ActiveMembers(c.ctx, chatID)
	if err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}

	payloads := make([]chatMemberPayload, 0, len(members))
	for _, m := range members {
		u, err := h.users.GetByID(c.ctx, m.UserID)
		if err != nil {
			continue
		}
		payloads = append(payloads, chatMemberPayload{
			userPayload: h.userToPayload(u),
			Role:        string(m.Role),
		})
	}
	c.sendEvent(chatUsersFrame{Type: frameChatUsers, ChatID: int64(chatID), Users: payloads})
}

func (h *Hub) handleCreateChat(c *Client, f inboundFrame) {
	created, err := h.chats.CreateGroup(c.ctx, f.ChatName, c.User().ID)
	if err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}
	c.sendEvent(joinedChatFrame{Type: frameJoinedChat, Chat: chatToPayload(created)})
	h.broadcastSystem(fmt.Sprintf("%s created chat %q", c.User().DisplayName(), created.Name), 0)
}

func (h *Hub) handleCreatePrivate(c *Client, f inboundFrame) {
	peerID := user.ID(f.UserID)
	peer, err := h.users.GetByID(c.ctx, peerID)
	if err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}

	created, isNew, err := h.chats.CreatePrivate(c.ctx, c.User().ID, peerID)
	if err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}

	// A private chat is presented under the other party's name.
	mine := chatToPayload(created)
	mine.Name = peer.DisplayName()
	c.sendEvent(joinedChatFrame{Type: frameJoinedChat, Chat: mine})

	if !isNew {
		return
	}
	if peerClient := h.clientFor(peerID); peerClient != nil {
		theirs := chatToPayload(created)
		theirs.Name = c.User().DisplayName()
		peerClient.sendEvent(joinedChatFrame{Type: frameJoinedChat, Chat: theirs})
	}
}

// handleCreateChatAndInvite folds the private kind into the regular private
// chat flow, existing-chat reuse included; anything else becomes a group chat
// with the invitee added up front.
func (h *Hub) handleCreateChatAndInvite(c *Client, f inboundFrame) {
	if chat.Kind(f.Kind) == chat.KindPrivate {
		h.handleCreatePrivate(c, f)
		return
	}
	h.handleCreateChatInviting(c, f, frameChatCreatedInvited)
}

// handleCreateChatInviting creates a group chat and puts the named user into
// it in one step. A failed invite leaves the chat standing.
func (h *Hub) handleCreateChatInviting(c *Client, f inboundFrame, frameType string) {
	invitee, err := h.users.GetByID(c.ctx, user.ID(f.UserID))
	if err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}

	created, err := h.chats.CreateGroup(c.ctx, f.ChatName, c.User().ID)
	if err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}
	if err := h.chats.Join(c.ctx, created.ID, invitee.ID); err != nil {
		h.log.Warnw("invite failed", "chatId", created.ID, "userId", invitee.ID, "error", err)
		c.sendError(commandErrorMessage(err))
		return
	}

	inviteePayload := h.userToPayload(invitee)
	c.sendEvent(chatCreatedFrame{Type: frameType, Chat: chatToPayload(created), InvitedUser: &inviteePayload})

	if peer := h.clientFor(invitee.ID); peer != nil {
		peer.sendEvent(joinedChatFrame{Type: frameJoinedChat, Chat: chatToPayload(created)})
	}
	h.broadcastSystem(fmt.Sprintf("%s invited %s to chat %q", c.User().DisplayName(), invitee.DisplayName(), created.Name), created.ID)
}

func (h *Hub) handleJoinChat(c *Client, f inboundFrame) {
	chatID := chat.ID(f.ChatID)
	if err := h.chats.Join(c.ctx, chatID, c.User().ID); err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}
	joined, err := h.chats.GetByID(c.ctx, chatID)
	if err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}
	c.sendEvent(joinedChatFrame{Type: frameJoinedChat, Chat: chatToPayload(joined)})
	h.broadcastSystem(fmt.Sprintf("%s joined the chat", c.User().DisplayName()), chatID)
}

func (h *Hub) handleLeaveChat(c *Client, f inboundFrame) {
	chatID := chat.ID(f.ChatID)
	if err := h.chats.Leave(c.ctx, chatID, c.User().ID); err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}
	if c.CurrentChat() == chatID {
		c.setCurrentChat(0)
	}
	c.sendEvent(leftChatFrame{Type: frameLeftChat, ChatID: int64(chatID)})
	h.broadcastSystem(fmt.Sprintf("%s left the chat", c.User().DisplayName()), chatID)
}

func (h *Hub) handleUpdateProfile(c *Client, f inboundFrame) {
	updated, err := h.users.UpdateProfile(c.ctx, c.User().ID, user.ProfileUpdate{
		Name:      f.Name,
		Surname:   f.Surname,
		AvatarURL: f.AvatarURL,
		Status:    f.Status,
	})
	if err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}
	h.setSessionUser(c, updated)
	c.sendEvent(profileFrame{Type: frameProfileUpdated, User: h.userToPayload(updated)})
	h.broadcastProfileUpdate(updated)
}

func (h *Hub) handleUpdateStatus(c *Client, f inboundFrame) {
	if f.Status == nil {
		c.sendError("status is required")
		return
	}
	updated, err := h.users.UpdateProfile(c.ctx, c.User().ID, user.ProfileUpdate{Status: f.Status})
	if err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}
	h.setSessionUser(c, updated)
	c.sendEvent(profileFrame{Type: frameStatusUpdated, User: h.userToPayload(updated)})
	h.broadcastProfileUpdate(updated)
}

func (h *Hub) handleUploadAvatar(c *Client, f inboundFrame) {
	if f.AvatarURL == nil {
		c.sendError("avatarUrl is required")
		return
	}
	updated, err := h.users.UpdateProfile(c.ctx, c.User().ID, user.ProfileUpdate{AvatarURL: f.AvatarURL})
	if err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}
	h.setSessionUser(c, updated)
	c.sendEvent(avatarUploadedFrame{Type: frameAvatarUploaded, AvatarURL: updated.AvatarURL})
	h.broadcastProfileUpdate(updated)
}

func (h *Hub) handleUpdateUserRole(c *Client, f inboundFrame) {
	chatID := chat.ID(f.ChatID)
	targetID := user.ID(f.UserID)
	role := chat.Role(f.Role)

	if err := h.chats.UpdateRole(c.ctx, chatID, c.User().ID, targetID, role); err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}

	members, err := h.chats.ActiveMembers(c.ctx, chatID)
	if err != nil {
		return
	}
	frame := roleUpdatedFrame{Type: frameUserRoleUpdated, ChatID: int64(chatID), UserID: int64(targetID), Role: string(role)}
	for _, m := range members {
		peer := h.clientFor(m.UserID)
		if peer == nil {
			continue
		}
		peer.sendEvent(frame)
		if m.UserID == targetID {
			peer.sendEvent(roleUpdatedFrame{Type: frameYourRoleUpdated, ChatID: int64(chatID), Role: string(role)})
		}
	}
}

func (h *Hub) handleMarkAsRead(c *Client, f inboundFrame) {
	msg, changed, err := h.messages.MarkRead(c.ctx, message.ID(f.MessageID), c.User().ID)
	if err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}
	c.sendEvent(messageReadFrame{Type: frameMessageRead, MessageID: int64(msg.ID), Changed: changed})
	if !changed {
		return
	}
	h.unread.removeEverywhere(msg.ID)
	h.confirmToAuthor(msg, c.User().ID)
}

func (h *Hub) handleMarkChatRead(c *Client, f inboundFrame) {
	chatID := chat.ID(f.ChatID)
	marked, err := h.messages.MarkChatRead(c.ctx, chatID, c.User().ID)
	if err != nil {
		c.sendError(commandErrorMessage(err))
		return
	}
	for _, m := range marked {
		h.unread.removeEverywhere(m.ID)
	}
	c.sendEvent(chatMarkedFrame{Type: frameChatMarkedAsRead, ChatID: int64(chatID), Count: len(marked)})
	h.confirmBatches(marked, c.User().ID)
}

func (h *Hub) handleMarkMultipleRead(c *Client, f inboundFrame) {
	var marked []message.Message
	ids := make([]int64, 0, len(f.MessageIDs))
	for _, raw := range f.MessageIDs {
		msg, changed, err := h.messages.MarkRead(c.ctx, message.ID(raw), c.User().ID)
		if err != nil {
			if errors.Is(err, message.ErrNotFound) {
				continue
			}
			c.sendError(commandErrorMessage(err))
			return
		}
		if !changed {
			continue
		}
		h.unread.removeEverywhere(msg.ID)
		marked = append(marked, msg)
		ids = append(ids, int64(msg.ID))
	}
	c.sendEvent(multipleReadFrame{Type: frameMultipleRead, MessageIDs: ids})
	h.confirmBatches(marked, c.User().ID)
}

// confirmToAuthor pushes a single read receipt to the message's author.
func (h *Hub) confirmToAuthor(msg message.Message, reader user.ID) {
	if msg.AuthorID == reader {
		return
	}
	author := h.clientFor(msg.AuthorID)
	if author == nil {
		return
	}
	author.sendEvent(readConfirmationFrame{
		Type:      frameReadConfirmation,
		MessageID: int64(msg.ID),
		ChatID:    int64(msg.ChatID),
		ReaderID:  int64(reader),
	})
}

// confirmBatches groups freshly read messages by author and pushes one batch
// receipt to each author that is online.
func (h *Hub) confirmBatches(marked []message.Message, reader user.ID) {
	byAuthor := lo.GroupBy(marked, func(m message.Message) user.ID { return m.AuthorID })
	for authorID, msgs := range byAuthor {
		if authorID == reader {
			continue
		}
		author := h.clientFor(authorID)
		if author == nil {
			continue
		}
		author.sendEvent(batchReadFrame{
			Type:   frameMessagesBatchRead,
			ChatID: int64(msgs[0].ChatID),
			MessageIDs: lo.Map(msgs, func(m message.Message, _ int) int64 {
				return int64(m.ID)
			}),
			ReaderID: int64(reader),
		})
	}
}

func (h *Hub) handleSearchUsers(c *Client, f inboundFrame) {
	users := h.rankUsers(c, f.Query, thresholdOr(f, searchThreshold), searchLimit(f.Limit))
	c.sendEvent(searchUsersFrame{Type: frameSearchUsersResults, Query: f.Query, Users: users})
}

func (h *Hub) handleSearchChats(c *Client, f inboundFrame) {
	chats := h.rankChats(c, f.Query, thresholdOr(f, searchThreshold), searchLimit(f.Limit))
	c.sendEvent(searchChatsFrame{Type: frameSearchChatsResults, Query: f.Query, Chats: chats})
}

func (h *Hub) handleGlobalSearch(c *Client, f inboundFrame) {
	threshold := thresholdOr(f, globalSearchThreshold)
	limit := searchLimit(f.Limit)
	c.sendEvent(globalSearchFrame{
		Type:  frameGlobalSearchResults,
		Query: f.Query,
		Users: h.rankUsers(c, f.Query, threshold, limit),
		Chats: h.rankChats(c, f.Query, threshold, limit),
	})
}

func (h *Hub) rankUsers(c *Client, query string, threshold float64, limit int) []userPayload {
	all, err := h.users.List(c.ctx)
	if err != nil {
		return nil
	}
	candidates := lo.Map(all, func(u user.User, _ int) string {
		return u.Login + " " + u.DisplayName()
	})
	ranked := match.Rank(query, candidates, threshold, limit)
	return lo.Map(ranked, func(r match.Result, _ int) userPayload {
		return h.userToPayload(all[r.Index])
	})
}

func (h *Hub) rankChats(c *Client, query string, threshold float64, limit int) []chatPayload {
	all, err := h.chats.List(c.ctx)
	if err != nil {
		return nil
	}
	// Private chats carry no name of their own and are excluded.
	groups := lo.Filter(all, func(ch chat.Chat, _ int) bool {
		return ch.Kind == chat.KindGroup
	})
	candidates := lo.Map(groups, func(ch chat.Chat, _ int) string { return ch.Name })
	ranked := match.Rank(query, candidates, threshold, limit)
	return lo.Map(ranked, func(r match.Result, _ int) chatPayload {
		return chatToPayload(groups[r.Index])
	})
}

// thresholdOr honors a caller-supplied similarity cutoff when present.
func thresholdOr(f inboundFrame, def float64) float64 {
	if f.Threshold != nil && *f.Threshold > 0 {
		return *f.Threshold
	}
	return def
}

func searchLimit(limit int) int {
	if limit <= 0 {
		return defaultSearchLimit
	}
	return limit
}

func (h *Hub) memberOf(c *Client, chatID chat.ID) bool {
	members, err := h.chats.ActiveMembers(c.ctx, chatID)
	if err != nil {
		return false
	}
	for _, m := range members {
		if m.UserID == c.User().ID {
			return true
		}
	}
	return false
}

// presentChat swaps in the counterpart's display name for private chats.
func (h *Hub) presentChat(c *Client, ch chat.Chat) chatPayload {
	payload := chatToPayload(ch)
	if ch.Kind != chat.KindPrivate {
		return payload
	}
	members, err := h.chats.ActiveMembers(c.ctx, ch.ID)
	if err != nil {
		return payload
	}
	for _, m := range members {
		if m.UserID == c.User().ID {
			continue
		}
		if u, err := h.users.GetByID(c.ctx, m.UserID); err == nil {
			payload.Name = u.DisplayName()
		}
		break
	}
	return payload
}

// displayNames resolves author names for history payloads in one pass.
func (h *Hub) displayNames(c *Client) map[user.ID]string {
	names := make(map[user.ID]string)
	all, err := h.users.List(c.ctx)
	if err != nil {
		return names
	}
	for _, u := range all {
		names[u.ID] = u.DisplayName()
	}
	return names
}

// setSessionUser refreshes the session's copy of the profile so later
// broadcasts carry the new fields.
func (h *Hub) setSessionUser(c *Client, u user.User) {
	c.setUser(u)
}

func commandErrorMessage(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return "chat not found"
	case errors.Is(err, user.ErrNotFound):
		return "user not found"
	case errors.Is(err, message.ErrNotFound):
		return "message not found"
	case errors.Is(err, chat.ErrAlreadyMember):
		return "already a member"
	case errors.Is(err, chat.ErrNotMember):
		return "not a member"
	case errors.Is(err, chat.ErrForbidden):
		return "admin role required"
	case errors.Is(err, chat.ErrInvalidInput),
		errors.Is(err, user.ErrInvalidInput),
		errors.Is(err, message.ErrInvalidInput):
		return "invalid request"
	default:
		return "internal error"
	}
}
