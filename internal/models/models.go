package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// ID is an entity identifier. The REST backend and the realtime server
// do not agree on whether identifiers are JSON numbers or strings, so ID
// accepts both on decode and always compares as a string.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// CurrentUser is the authenticated session actor. It is set at login,
// persisted for session resume and cleared at logout.
type CurrentUser struct {
	ID     ID     `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Avatar string `json:"avatar,omitempty"`
}

// User is a contact-list entry. IsOnline merges the REST snapshot taken
// at list load with realtime status events. Bot users are pinned online.
type User struct {
	ID          ID     `json:"id"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	IsOnline    bool   `json:"isOnline"`
	Avatar      string `json:"avatar,omitempty"`
	UnreadCount int    `json:"unreadCount"`
	IsBot       bool   `json:"isBot"`
}

// Participant is the lightweight user reference embedded in
// conversations and messages.
type Participant struct {
	ID       ID     `json:"id"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Conversation identifies a message thread between the current user and
// one other user (or a group).
type Conversation struct {
	ID           ID            `json:"id"`
	Title        string        `json:"title,omitempty"`
	IsGroup      bool          `json:"isGroup"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// DisplayTitle returns the title to show for the conversation from the
// point of view of the given user: the explicit title if set, a member
// count for groups, otherwise the other participant's name.
func (c Conversation) DisplayTitle(viewer ID) string {
	if c.Title != "" {
		return c.Title
	}
	if c.IsGroup {
		return fmt.Sprintf("Group with %d members", len(c.Participants))
	}
	for _, p := range c.Participants {
		if p.ID == viewer {
			continue
		}
		if p.Name != "" {
			return p.Name
		}
		return p.Username
	}
	return "Direct Message"
}

// Message is a single chat message, ordered by creation time.
type Message struct {
	ID             ID          `json:"id"`
	Content        string      `json:"content"`
	SenderID       ID          `json:"senderId"`
	ConversationID ID          `json:"conversationId"`
	CreatedAt      time.Time   `json:"createdAt"`
	Sender         Participant `json:"sender"`
}

// Pagination describes the currently loaded page of the user list.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// SearchResult is a message search hit with enough context to display
// and navigate to its conversation.
type SearchResult struct {
	ID           ID           `json:"id"`
	Content      string       `json:"content"`
	CreatedAt    time.Time    `json:"createdAt"`
	Sender       Participant  `json:"sender"`
	Conversation Conversation `json:"conversation"`
}

// APIError is the uniform shape every transport failure is normalized
// into. StatusCode 0 means the request never reached the server.
type APIError struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Code       string `json:"error,omitempty"`
	Details    string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}
