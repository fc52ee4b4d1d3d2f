package ws

import "govorilka/internal/models"

// Events emitted to the server.
const (
	EventUserOnline         = "user:online"
	EventUserOffline        = "user:offline"
	EventConversationJoin   = "conversation:join"
	EventConversationLeave  = "conversation:leave"
	EventRequestOnlineUsers = "request:online_users"
)

// Events received from the server.
const (
	EventUserStatusChanged      = "user:status_changed"
	EventUserOnlineConfirmed    = "user:online_confirmed"
	EventUserOfflineConfirmed   = "user:offline_confirmed"
	EventUserError              = "user:error"
	EventMessageNew             = "message:new"
	EventOnlineUsersCurrent     = "online_users:current"
	EventConversationJoined     = "conversation:joined"
	EventConversationError      = "conversation:error"
	EventConversationUserJoined = "conversation:user_joined"
	EventConversationUserLeft   = "conversation:user_left"
	EventUserJoined             = "user:joined"
)

// Synthetic events dispatched by the channel itself on connection state
// changes. They never arrive over the wire.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// UserRef is the payload for presence announcements.
type UserRef struct {
	UserID models.ID `json:"userId"`
}

// ConversationRef is the payload for room join/leave requests and their
// confirmations.
type ConversationRef struct {
	ConversationID models.ID `json:"conversationId"`
	UserID         models.ID `json:"userId"`
}

// StatusChanged is the payload of user:status_changed.
type StatusChanged struct {
	UserID    models.ID `json:"userId"`
	IsOnline  bool      `json:"isOnline"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// NewMessage is the payload of message:new. The conversation id is
// duplicated at the top level by some server versions; ConversationID
// falls back to the embedded message's when absent.
type NewMessage struct {
	ConversationID models.ID      `json:"conversationId"`
	Message        models.Message `json:"message"`
	Timestamp      string         `json:"timestamp,omitempty"`
}

// OnlineUsers is the payload of online_users:current.
type OnlineUsers struct {
	UserIDs []models.ID `json:"userIds"`
}

// ErrorEvent is the payload of user:error and conversation:error.
type ErrorEvent struct {
	Message string `json:"message"`
}
