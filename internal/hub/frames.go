package hub

import (
	"time"

	"lanrelay/internal/chat"
	"lanrelay/internal/message"
	"lanrelay/internal/user"
)

// Inbound frame types.
const (
	frameAuth             = "AUTH"
	frameTextMessage      = "TEXT_MESSAGE"
	frameSelectChat       = "SELECT_CHAT"
	frameGetChats         = "GET_CHATS"
	frameGetHistory       = "GET_HISTORY"
	frameGetUsers         = "GET_USERS"
	frameGetChatUsers     = "GET_CHAT_USERS"
	frameCreateChat       = "CREATE_CHAT"
	frameCreatePrivate    = "CREATE_PRIVATE_CHAT"
	frameCreateChatWith   = "CREATE_CHAT_WITH_USER"
	frameCreateChatInvite = "CREATE_CHAT_AND_INVITE"
	frameUploadAvatar     = "UPLOAD_AVATAR"
	frameJoinChat         = "JOIN_CHAT"
	frameLeaveChat        = "LEAVE_CHAT"
	frameUpdateProfile    = "UPDATE_PROFILE"
	frameUpdateStatus     = "UPDATE_STATUS"
	frameUpdateUserRole   = "UPDATE_USER_ROLE"
	frameMarkAsRead       = "MARK_AS_READ"
	frameMarkChatAsRead   = "MARK_CHAT_AS_READ"
	frameMarkMultipleRead = "MARK_MULTIPLE_READ"
	frameSearchChats      = "SEARCH_CHATS"
	frameSearchUsers      = "SEARCH_USERS"
	frameGlobalSearch     = "GLOBAL_SEARCH"
	frameGetUnreadSummary = "GET_UNREAD_SUMMARY"
)

// Outbound frame types.
const (
	frameChatList            = "CHAT_LIST"
	frameMessageHistory      = "MESSAGE_HISTORY"
	frameNewMessage          = "NEW_MESSAGE"
	frameNewChatNotification = "NEW_CHAT_MESSAGE_NOTIFICATION"
	frameMessageRead         = "MESSAGE_READ"
	frameReadConfirmation    = "MESSAGE_READ_CONFIRMATION"
	frameMessagesBatchRead   = "MESSAGES_BATCH_READ"
	frameMultipleRead        = "MULTIPLE_MESSAGES_READ"
	frameChatMarkedAsRead    = "CHAT_MARKED_AS_READ"
	frameChatSelected        = "CHAT_SELECTED"
	frameJoinedChat          = "JOINED_CHAT"
	frameChatCreatedWith     = "CHAT_CREATED_WITH_USER"
	frameChatCreatedInvited  = "CHAT_CREATED_AND_INVITED"
	frameAvatarUploaded      = "AVATAR_UPLOADED"
	frameLeftChat            = "LEFT_CHAT"
	frameProfileUpdated      = "PROFILE_UPDATED"
	frameStatusUpdated       = "STATUS_UPDATED"
	frameUserStatusChange    = "USER_STATUS_CHANGE"
	frameUserProfileUpdate   = "USER_PROFILE_UPDATE"
	frameSystemMessage       = "SYSTEM_MESSAGE"
	frameUsersList           = "USERS_LIST"
	frameChatUsers           = "CHAT_USERS"
	frameUserRoleUpdated     = "USER_ROLE_UPDATED"
	frameYourRoleUpdated     = "YOUR_ROLE_UPDATED"
	frameSearchChatsResults  = "SEARCH_CHATS_RESULTS"
	frameSearchUsersResults  = "SEARCH_USERS_RESULTS"
	frameGlobalSearchResults = "GLOBAL_SEARCH_RESULTS"
	frameUnreadSummary       = "UNREAD_SUMMARY"
	framePing                = "PING"
)

// inboundFrame covers every client command; the type discriminator decides
// which fields matter. Pointer fields distinguish absent from empty.
type inboundFrame struct {
	Type       string   `json:"type"`
	Login      string   `json:"login"`
	Password   string   `json:"password"`
	Name       *string  `json:"name"`
	Surname    *string  `json:"surname"`
	AvatarURL  *string  `json:"avatarUrl"`
	Status     *string  `json:"status"`
	ChatID     int64    `json:"chatId"`
	ChatName   string   `json:"chatName"`
	Kind       string   `json:"kind"`
	UserID     int64    `json:"userId"`
	MessageID  int64    `json:"messageId"`
	MessageIDs []int64  `json:"messageIds"`
	Text       string   `json:"text"`
	Query      string   `json:"query"`
	Limit      int      `json:"limit"`
	Threshold  *float64 `json:"threshold"`
	Role       string   `json:"role"`
}

type authOKFrame struct {
	Status string      `json:"status"`
	User   userPayload `json:"user"`
}

type errorFrame struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type userPayload struct {
	ID             int64  `json:"id"`
	Login          string `json:"login"`
	Name           string `json:"name"`
	Surname        string `json:"surname,omitempty"`
	AvatarURL      string `json:"avatarUrl,omitempty"`
	Status         string `json:"status,omitempty"`
	Online         bool   `json:"online"`
	LastActivityAt string `json:"lastActivityAt"`
}

type chatPayload struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"createdAt"`
}

type messagePayload struct {
	ID         int64  `json:"id"`
	ChatID     int64  `json:"chatId"`
	AuthorID   int64  `json:"authorId"`
	AuthorName string `json:"authorName,omitempty"`
	Text       string `json:"text"`
	SentAt     string `json:"sentAt"`
	IsRead     bool   `json:"isRead"`
}

type chatMemberPayload struct {
	userPayload
	Role string `json:"role"`
}

type chatListFrame struct {
	Type  string        `json:"type"`
	Chats []chatPayload `json:"chats"`
}

type messageHistoryFrame struct {
	Type     string           `json:"type"`
	ChatID   int64            `json:"chatId"`
	Messages []messagePayload `json:"messages"`
}

type newMessageFrame struct {
	Type    string         `json:"type"`
	Message messagePayload `json:"message"`
}

type chatNotificationFrame struct {
	Type        string `json:"type"`
	ChatID      int64  `json:"chatId"`
	SenderName  string `json:"senderName"`
	Preview     string `json:"preview"`
	UnreadCount int    `json:"unreadCount"`
}

type messageReadFrame struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
	Changed   bool   `json:"changed"`
}

type readConfirmationFrame struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
	ChatID    int64  `json:"chatId"`
	ReaderID  int64  `json:"readerId"`
}

type batchReadFrame struct {
	Type       string  `json:"type"`
	ChatID     int64   `json:"chatId"`
	MessageIDs []int64 `json:"messageIds"`
	ReaderID   int64   `json:"readerId"`
}

type multipleReadFrame struct {
	Type       string  `json:"type"`
	MessageIDs []int64 `json:"messageIds"`
}

type chatMarkedFrame struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chatId"`
	Count  int    `json:"count"`
}

type chatSelectedFrame struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chatId"`
}

type joinedChatFrame struct {
	Type string      `json:"type"`
	Chat chatPayload `json:"chat"`
}

type chatCreatedFrame struct {
	Type        string       `json:"type"`
	Chat        chatPayload  `json:"chat"`
	InvitedUser *userPayload `json:"invitedUser,omitempty"`
}

type avatarUploadedFrame struct {
	Type      string `json:"type"`
	AvatarURL string `json:"avatarUrl"`
}

type leftChatFrame struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chatId"`
}

type profileFrame struct {
	Type string      `json:"type"`
	User userPayload `json:"user"`
}

type statusChangeFrame struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
	Login  string `json:"login"`
	Online bool   `json:"online"`
}

type systemMessageFrame struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	ChatID int64  `json:"chatId,omitempty"`
}

type usersListFrame struct {
	Type  string        `json:"type"`
	Users []userPayload `json:"users"`
}

type chatUsersFrame struct {
	Type   string              `json:"type"`
	ChatID int64               `json:"chatId"`
	Users  []chatMemberPayload `json:"users"`
}

type roleUpdatedFrame struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chatId"`
	UserID int64  `json:"userId,omitempty"`
	Role   string `json:"role"`
}

type searchUsersFrame struct {
	Type  string        `json:"type"`
	Query string        `json:"query"`
	Users []userPayload `json:"users"`
}

type searchChatsFrame struct {
	Type  string        `json:"type"`
	Query string        `json:"query"`
	Chats []chatPayload `json:"chats"`
}

type globalSearchFrame struct {
	Type  string        `json:"type"`
	Query string        `json:"query"`
	Users []userPayload `json:"users"`
	Chats []chatPayload `json:"chats"`
}

type unreadChatSummary struct {
	ChatID int64 `json:"chatId"`
	Count  int   `json:"count"`
}

type unreadSummaryFrame struct {
	Type    string              `json:"type"`
	Total   int                 `json:"total"`
	PerChat []unreadChatSummary `json:"perChat"`
}

type pingFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

func (h *Hub) userToPayload(u user.User) userPayload {
	return userPayload{
		ID:             int64(u.ID),
		Login:          u.Login,
		Name:           u.Name,
		Surname:        u.Surname,
		AvatarURL:      u.AvatarURL,
		Status:         u.Status,
		Online:         h.isOnline(u.ID),
		LastActivityAt: u.LastActivityAt.UTC().Format(time.RFC3339Nano),
	}
}

func chatToPayload(c chat.Chat) chatPayload {
	return chatPayload{
		ID:        int64(c.ID),
		Name:      c.Name,
		Kind:      string(c.Kind),
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func messageToPayload(m message.Message, authorName string) messagePayload {
	return messagePayload{
		ID:         int64(m.ID),
		ChatID:     int64(m.ChatID),
		AuthorID:   int64(m.AuthorID),
		AuthorName: authorName,
		Text:       m.Body,
		SentAt:     m.SentAt.UTC().Format(time.RFC3339Nano),
		IsRead:     m.IsRead,
	}
}
