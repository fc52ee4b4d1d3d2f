package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"govorilka/internal/models"

	"github.com/h2non/filetype"
)

type LoginRequest struct {
	Username string `json:"username"`
}

type LoginResponse struct {
	User  models.CurrentUser `json:"user"`
	Token string             `json:"token,omitempty"`
}

type CreateUserRequest struct {
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

type PaginatedUsers struct {
	Users      []models.User     `json:"users"`
	Pagination models.Pagination `json:"pagination"`
}

type SendMessageRequest struct {
	Content        string    `json:"content"`
	ConversationID models.ID `json:"conversationId"`
	RecipientID    models.ID `json:"recipientId"`
}

type CreateConversationRequest struct {
	Title          string      `json:"title,omitempty"`
	IsGroup        bool        `json:"isGroup"`
	ParticipantIDs []models.ID `json:"participantIds"`
}

type FindOrCreateConversationRequest struct {
	ParticipantIDs []models.ID `json:"participantIds"`
}

// Login authenticates by username. On success the returned token is
// retained and attached to subsequent requests.
func (c *Client) Login(ctx context.Context, req LoginRequest) (LoginResponse, error) {
	var out LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", req, &out); err != nil {
		return LoginResponse{}, err
	}
	if out.Token != "" {
		c.SetToken(out.Token)
	}
	return out, nil
}

// Logout invalidates the server-side session and drops the local token
// regardless of the call outcome.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
	c.ClearToken()
	return err
}

// UsernameTaken reports whether the username is already registered.
func (c *Client) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var out struct {
		Taken bool `json:"taken"`
	}
	path := fmt.Sprintf("/username/%s/taken", url.PathEscape(username))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.Taken, nil
}

func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (models.User, error) {
	var out models.User
	if err := c.do(ctx, http.MethodPost, "/users", req, &out); err != nil {
		return models.User{}, err
	}
	return out, nil
}

// LoginOrRegister logs the user in, creating the account first when the
// username is unknown. Token handling matches Login.
func (c *Client) LoginOrRegister(ctx context.Context, req CreateUserRequest) (LoginResponse, error) {
	var out LoginResponse
	if err := c.do(ctx, http.MethodPost, "/users/login-or-register", req, &out); err != nil {
		return LoginResponse{}, err
	}
	if out.Token != "" {
		c.SetToken(out.Token)
	}
	return out, nil
}

// ListUsers returns one page of the contact list together with the
// pagination cursor.
func (c *Client) ListUsers(ctx context.Context, page, limit int) (PaginatedUsers, error) {
	var out PaginatedUsers
	path := fmt.Sprintf("/users?page=%d&limit=%d", page, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return PaginatedUsers{}, err
	}
	return out, nil
}

func (c *Client) UpdateUserStatus(ctx context.Context, userID models.ID, isOnline bool) (models.User, error) {
	var out models.User
	body := map[string]bool{"isOnline": isOnline}
	path := fmt.Sprintf("/users/%s/status", url.PathEscape(string(userID)))
	if err := c.do(ctx, http.MethodPatch, path, body, &out); err != nil {
		return models.User{}, err
	}
	return out, nil
}

func (c *Client) Messages(ctx context.Context) ([]models.Message, error) {
	var out []models.Message
	if err := c.do(ctx, http.MethodGet, "/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UserMessages(ctx context.Context, userID models.ID) ([]models.Message, error) {
	var out []models.Message
	path := fmt.Sprintf("/messages/user/%s", url.PathEscape(string(userID)))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ConversationMessages(ctx context.Context, conversationID models.ID) ([]models.Message, error) {
	var out []models.Message
	path := fmt.Sprintf("/messages/conversation/%s", url.PathEscape(string(conversationID)))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (models.Message, error) {
	var out models.Message
	if err := c.do(ctx, http.MethodPost, "/messages/send", req, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

// SearchMessages runs a server-side full-text search. Queries shorter
// than two characters after trimming never reach the server; callers
// that need debouncing should go through the search package.
func (c *Client) SearchMessages(ctx context.Context, query string) ([]models.SearchResult, error) {
	var out []models.SearchResult
	path := fmt.Sprintf("/messages/search/%s", url.PathEscape(query))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (models.Conversation, error) {
	var out models.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &out); err != nil {
		return models.Conversation{}, err
	}
	return out, nil
}

func (c *Client) Conversation(ctx context.Context, conversationID models.ID) (models.Conversation, error) {
	var out models.Conversation
	path := fmt.Sprintf("/conversations/%s", url.PathEscape(string(conversationID)))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return models.Conversation{}, err
	}
	return out, nil
}

func (c *Client) UserConversations(ctx context.Context, userID models.ID) ([]models.Conversation, error) {
	var out []models.Conversation
	path := fmt.Sprintf("/conversations/user/%s", url.PathEscape(string(userID)))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindOrCreateConversation resolves the direct conversation for the
// given participants, creating it server-side when it does not exist.
func (c *Client) FindOrCreateConversation(ctx context.Context, req FindOrCreateConversationRequest) (models.Conversation, error) {
	var out models.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations/find-or-create", req, &out); err != nil {
		return models.Conversation{}, err
	}
	return out, nil
}

// Upload posts a file as multipart form data. The MIME type is sniffed
// from the content since callers usually only have a filename.
func (c *Client) Upload(ctx context.Context, path, filename string, r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload body: %w", err)
	}

	mime := "application/octet-stream"
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		mime = kind.MIME.Value
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartField("file", filename, mime, bytes.NewReader(data)).
		Post(path)
	if err != nil {
		return nil, &models.APIError{
			Message:    "network error - please check your connection",
			StatusCode: 0,
			Code:       "NETWORK_ERROR",
			Details:    err.Error(),
		}
	}
	if resp.IsError() {
		return nil, c.normalizeError(resp)
	}
	return resp.Body(), nil
}
