package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"govorilka/internal/api"
	"govorilka/internal/models"
	"govorilka/internal/ws"
)

var (
	ErrNotLoggedIn          = errors.New("not logged in")
	ErrNotConnected         = errors.New("realtime channel unavailable")
	ErrNoActiveConversation = errors.New("no active conversation")

	// ErrSelectionSuperseded is returned by SelectUser when a newer
	// selection started before this one could commit. The newer one
	// wins; nothing was overwritten.
	ErrSelectionSuperseded = errors.New("selection superseded")
)

// restClient is the slice of the REST API the store drives.
type restClient interface {
	ListUsers(ctx context.Context, page, limit int) (api.PaginatedUsers, error)
	UserConversations(ctx context.Context, userID models.ID) ([]models.Conversation, error)
	ConversationMessages(ctx context.Context, conversationID models.ID) ([]models.Message, error)
	FindOrCreateConversation(ctx context.Context, req api.FindOrCreateConversationRequest) (models.Conversation, error)
	SendMessage(ctx context.Context, req api.SendMessageRequest) (models.Message, error)
	Logout(ctx context.Context) error
}

// channel is the realtime channel surface the store owns.
type channel interface {
	Connect(url string)
	Disconnect()
	Emit(event string, payload any) error
	On(event string, h ws.Handler) int
	WaitForConnection(timeout time.Duration) bool
}

// sessionStore persists the session across restarts.
type sessionStore interface {
	SaveSession(user models.CurrentUser, token string) error
	LoadSession() (models.CurrentUser, string, error)
	ClearSession() error
}

type Config struct {
	Rest           restClient
	Channel        channel
	Sessions       sessionStore
	SocketURL      string
	ConnectTimeout time.Duration
	Logger         *slog.Logger

	// OnChange, when set, is called (outside the store lock) after any
	// state transition so a UI can re-render. The store never calls it
	// concurrently with itself for a single event source, but REST
	// actions and realtime handlers run on different goroutines.
	OnChange func()
}

// Store is the single authoritative in-memory projection of what the
// current user should see. It merges paginated REST snapshots of the
// user list, REST-loaded conversation history and realtime deltas.
// State is mutated only by Store methods and its event handlers; the
// UI reads through snapshot accessors.
type Store struct {
	rest           restClient
	ch             channel
	sessions       sessionStore
	socketURL      string
	connectTimeout time.Duration
	log            *slog.Logger
	onChange       func()

	mu                 sync.Mutex
	currentUser        models.CurrentUser
	loggedIn           bool
	users              []models.User
	pagination         models.Pagination
	conversation       *models.Conversation
	messages           []models.Message
	selectedUserID     models.ID
	selectEpoch        uint64
	loadingMessages    bool
	usersLoaded        bool
	pendingOnline      []models.ID
	pendingOnlineValid bool
	lastError          error
	handlersLive       bool
}

func New(cfg Config) *Store {
	s := &Store{
		rest:           cfg.Rest,
		ch:             cfg.Channel,
		sessions:       cfg.Sessions,
		socketURL:      cfg.SocketURL,
		connectTimeout: cfg.ConnectTimeout,
		log:            cfg.Logger,
		onChange:       cfg.OnChange,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.connectTimeout <= 0 {
		s.connectTimeout = 10 * time.Second
	}
	return s
}

// SetCurrentUser establishes the session: persists it, opens the
// realtime channel, and waits (bounded) for the connection. Presence
// announcement and room rejoin happen on the channel's connect event,
// so they also re-run automatically after every reconnect.
func (s *Store) SetCurrentUser(ctx context.Context, user models.CurrentUser, token string) error {
	if err := s.sessions.SaveSession(user, token); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	s.mu.Lock()
	s.currentUser = user
	s.loggedIn = true
	s.mu.Unlock()
	s.log.Info("session established", "user_id", user.ID, "name", user.Name)

	s.registerHandlers()
	s.ch.Connect(s.socketURL)
	s.notify()

	if !s.ch.WaitForConnection(s.connectTimeout) {
		// Still logged in: the channel keeps retrying and the connect
		// handler finishes the presence setup when it comes up.
		return fmt.Errorf("set current user: %w", ErrNotConnected)
	}
	return nil
}

// ResumeSession restores a persisted session. The caller is responsible
// for installing the returned token on the REST client before calling
// SetCurrentUser.
func (s *Store) ResumeSession() (models.CurrentUser, string, error) {
	return s.sessions.LoadSession()
}

// LoadUsers fetches one page of the contact list. The page replaces the
// list, but unread counters carry over for users present in both
// snapshots. A buffered online-users snapshot that arrived before the
// first load is applied afterwards.
func (s *Store) LoadUsers(ctx context.Context, page, limit int) error {
	res, err := s.rest.ListUsers(ctx, page, limit)
	if err != nil {
		s.setError(fmt.Errorf("load users: %w", err))
		return err
	}

	s.mu.Lock()
	prev := make(map[models.ID]models.User, len(s.users))
	for _, u := range s.users {
		prev[u.ID] = u
	}

	users := make([]models.User, 0, len(res.Users))
	for _, u := range res.Users {
		if u.ID == s.currentUser.ID {
			continue
		}
		if u.IsBot {
			u.IsOnline = true
		}
		if old, ok := prev[u.ID]; ok {
			u.UnreadCount = old.UnreadCount
			// The live presence feed outranks the REST snapshot, which
			// may predate recent status events.
			if !u.IsBot {
				u.IsOnline = old.IsOnline
			}
		}
		users = append(users, u)
	}
	s.users = users
	s.pagination = res.Pagination
	s.usersLoaded = true

	var buffered []models.ID
	replay := s.pendingOnlineValid
	if replay {
		buffered = s.pendingOnline
		s.pendingOnline = nil
		s.pendingOnlineValid = false
	}
	s.mu.Unlock()

	s.log.Info("user list loaded", "page", res.Pagination.Page, "count", len(users), "total", res.Pagination.Total)

	if replay {
		s.log.Debug("replaying buffered online snapshot", "count", len(buffered))
		s.applyOnlineSnapshot(buffered)
	}
	s.notify()
	return nil
}

// SelectUser makes the conversation with the given peer active:
// ensures connectivity, leaves the previous room, resolves the
// conversation, loads its history, joins the new room and resets the
// peer's unread counter. A failure at any step leaves the previous
// conversation in place.
func (s *Store) SelectUser(ctx context.Context, userID models.ID) error {
	s.mu.Lock()
	if !s.loggedIn {
		s.mu.Unlock()
		return ErrNotLoggedIn
	}
	self := s.currentUser.ID
	s.mu.Unlock()

	if !s.ch.WaitForConnection(s.connectTimeout) {
		return fmt.Errorf("select user %s: %w", userID, ErrNotConnected)
	}

	s.mu.Lock()
	s.selectEpoch++
	epoch := s.selectEpoch
	s.selectedUserID = userID
	s.loadingMessages = true
	prev := s.conversation
	s.mu.Unlock()
	s.notify()

	if prev != nil {
		// Best effort: the server also evicts us when we join the next
		// room.
		if err := s.ch.Emit(ws.EventConversationLeave, ws.ConversationRef{ConversationID: prev.ID, UserID: self}); err != nil {
			s.log.Warn("leaving previous conversation failed", "conversation_id", prev.ID, "error", err)
		}
	}

	conv, err := s.rest.FindOrCreateConversation(ctx, api.FindOrCreateConversationRequest{
		ParticipantIDs: []models.ID{self, userID},
	})
	if err != nil {
		return s.failSelect(epoch, fmt.Errorf("resolve conversation with %s: %w", userID, err))
	}

	msgs, err := s.rest.ConversationMessages(ctx, conv.ID)
	if err != nil {
		return s.failSelect(epoch, fmt.Errorf("load history for conversation %s: %w", conv.ID, err))
	}

	if err := s.ch.Emit(ws.EventConversationJoin, ws.ConversationRef{ConversationID: conv.ID, UserID: self}); err != nil {
		return s.failSelect(epoch, fmt.Errorf("join conversation %s: %w", conv.ID, err))
	}

	s.mu.Lock()
	if s.selectEpoch != epoch {
		s.mu.Unlock()
		return ErrSelectionSuperseded
	}
	s.conversation = &conv
	s.messages = msgs
	s.loadingMessages = false
	s.lastError = nil
	for i := range s.users {
		if s.users[i].ID == userID {
			s.users[i].UnreadCount = 0
			break
		}
	}
	s.mu.Unlock()

	s.log.Info("conversation selected", "conversation_id", conv.ID, "peer_id", userID, "history", len(msgs))
	s.notify()
	return nil
}

// SendMessage posts to the active conversation. The message is not
// appended locally: it arrives through the echoed message:new event,
// which keeps a single ordering source for the message list.
func (s *Store) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	s.mu.Lock()
	if s.conversation == nil {
		s.mu.Unlock()
		return ErrNoActiveConversation
	}
	convID := s.conversation.ID
	peer := s.selectedUserID
	s.mu.Unlock()

	if _, err := s.rest.SendMessage(ctx, api.SendMessageRequest{
		Content:        content,
		ConversationID: convID,
		RecipientID:    peer,
	}); err != nil {
		s.setError(fmt.Errorf("send message: %w", err))
		return err
	}
	s.log.Debug("message sent", "conversation_id", convID)
	return nil
}

// Logout announces offline (best effort), invalidates the server
// session, closes the channel and clears all local and persisted state.
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	if !s.loggedIn {
		s.mu.Unlock()
		return nil
	}
	user := s.currentUser
	s.mu.Unlock()

	// The channel may never have connected; a user going offline on a
	// dead channel is the desired outcome, not an error.
	if err := s.ch.Emit(ws.EventUserOffline, ws.UserRef{UserID: user.ID}); err != nil {
		s.log.Debug("offline announce skipped", "error", err)
	}

	if err := s.rest.Logout(ctx); err != nil {
		s.log.Warn("logout request failed", "error", err)
	}

	s.ch.Disconnect()

	s.mu.Lock()
	s.currentUser = models.CurrentUser{}
	s.loggedIn = false
	s.users = nil
	s.pagination = models.Pagination{}
	s.conversation = nil
	s.messages = nil
	s.selectedUserID = ""
	s.loadingMessages = false
	s.usersLoaded = false
	s.pendingOnline = nil
	s.pendingOnlineValid = false
	s.lastError = nil
	s.handlersLive = false
	s.mu.Unlock()

	if err := s.sessions.ClearSession(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	s.log.Info("logged out", "user_id", user.ID)
	s.notify()
	return nil
}

// Shutdown announces offline and closes the channel without clearing
// the persisted session, so the next start resumes it.
func (s *Store) Shutdown() {
	s.mu.Lock()
	loggedIn := s.loggedIn
	user := s.currentUser
	s.mu.Unlock()

	if loggedIn {
		if err := s.ch.Emit(ws.EventUserOffline, ws.UserRef{UserID: user.ID}); err != nil {
			s.log.Debug("offline announce skipped", "error", err)
		}
	}
	s.ch.Disconnect()
}

// Snapshot accessors. The UI never touches store state directly.

func (s *Store) CurrentUser() (models.CurrentUser, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentUser, s.loggedIn
}

func (s *Store) Users() []models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.User, len(s.users))
	copy(out, s.users)
	return out
}

func (s *Store) Pagination() models.Pagination {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pagination
}

func (s *Store) ActiveConversation() (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversation == nil {
		return models.Conversation{}, false
	}
	return *s.conversation, true
}

func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) SelectedUserID() models.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedUserID
}

func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadingMessages
}

func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

func (s *Store) OnlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.users {
		if u.IsOnline {
			n++
		}
	}
	return n
}

func (s *Store) setError(err error) {
	s.mu.Lock()
	s.lastError = err
	s.loadingMessages = false
	s.mu.Unlock()
	s.log.Error("store operation failed", "error", err)
	s.notify()
}

func (s *Store) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}
