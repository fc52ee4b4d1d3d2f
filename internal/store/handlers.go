package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"govorilka/internal/models"
	"govorilka/internal/ws"
)

// registerHandlers wires the store into the channel. Disconnect clears
// the channel's listeners, so a fresh login registers again.
func (s *Store) registerHandlers() {
	s.mu.Lock()
	if s.handlersLive {
		s.mu.Unlock()
		return
	}
	s.handlersLive = true
	s.mu.Unlock()

	s.ch.On(ws.EventConnect, func(json.RawMessage) { s.handleConnected() })
	s.ch.On(ws.EventDisconnect, func(json.RawMessage) { s.handleDisconnected() })
	s.ch.On(ws.EventConnectError, s.handleConnectError)
	s.ch.On(ws.EventUserStatusChanged, s.handleStatusChanged)
	s.ch.On(ws.EventMessageNew, s.handleMessageNew)
	s.ch.On(ws.EventOnlineUsersCurrent, s.handleOnlineUsers)
	s.ch.On(ws.EventUserError, s.handleServerError)
	s.ch.On(ws.EventConversationError, s.handleServerError)
}

// handleConnected runs on every (re)connect: the server forgot us, so
// presence, the online snapshot and room membership are re-established
// from scratch.
func (s *Store) handleConnected() {
	s.mu.Lock()
	loggedIn := s.loggedIn
	s.mu.Unlock()
	if !loggedIn {
		return
	}
	go s.resync(context.Background())
}

func (s *Store) resync(ctx context.Context) {
	s.mu.Lock()
	user := s.currentUser
	active := s.conversation
	s.mu.Unlock()

	if err := s.ch.Emit(ws.EventUserOnline, ws.UserRef{UserID: user.ID}); err != nil {
		s.log.Warn("presence announce failed", "error", err)
		return
	}
	if err := s.ch.Emit(ws.EventRequestOnlineUsers, nil); err != nil {
		s.log.Warn("online snapshot request failed", "error", err)
	}

	// Rejoin every room we belong to, not just the open one, so messages
	// landing elsewhere still increment unread counters.
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	convs, err := s.rest.UserConversations(ctx, user.ID)
	if err != nil {
		s.log.Warn("listing conversations for rejoin failed", "error", err)
		if active != nil {
			if err := s.ch.Emit(ws.EventConversationJoin, ws.ConversationRef{ConversationID: active.ID, UserID: user.ID}); err != nil {
				s.log.Warn("rejoining active conversation failed", "conversation_id", active.ID, "error", err)
			}
		}
		return
	}
	for _, conv := range convs {
		if err := s.ch.Emit(ws.EventConversationJoin, ws.ConversationRef{ConversationID: conv.ID, UserID: user.ID}); err != nil {
			s.log.Warn("rejoin failed", "conversation_id", conv.ID, "error", err)
			return
		}
	}
	s.log.Debug("resync complete", "conversations", len(convs))
}

func (s *Store) handleDisconnected() {
	s.log.Debug("realtime connection lost, reconnecting")
	s.notify()
}

func (s *Store) handleConnectError(data json.RawMessage) {
	var ev ws.ErrorEvent
	_ = json.Unmarshal(data, &ev)
	s.log.Warn("realtime connect error", "reason", ev.Message)
}

func (s *Store) handleServerError(data json.RawMessage) {
	var ev ws.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Message == "" {
		return
	}
	s.mu.Lock()
	s.lastError = fmt.Errorf("server: %s", ev.Message)
	s.mu.Unlock()
	s.log.Warn("server reported error", "message", ev.Message)
	s.notify()
}

// handleStatusChanged flips one user's presence. Bots are pinned
// online and ignore presence traffic entirely.
func (s *Store) handleStatusChanged(data json.RawMessage) {
	var ev ws.StatusChanged
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Warn("dropping malformed status event", "error", err)
		return
	}

	s.mu.Lock()
	changed := false
	for i := range s.users {
		if s.users[i].ID != ev.UserID {
			continue
		}
		if s.users[i].IsBot {
			break
		}
		if s.users[i].IsOnline != ev.IsOnline {
			s.users[i].IsOnline = ev.IsOnline
			changed = true
		}
		break
	}
	s.mu.Unlock()

	if changed {
		s.log.Debug("user status changed", "user_id", ev.UserID, "online", ev.IsOnline)
		s.notify()
	}
}

// handleOnlineUsers applies the authoritative presence snapshot. If the
// user list has not loaded yet the snapshot is buffered, and a newer
// snapshot replaces an older buffered one.
func (s *Store) handleOnlineUsers(data json.RawMessage) {
	var ev ws.OnlineUsers
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Warn("dropping malformed online snapshot", "error", err)
		return
	}

	s.mu.Lock()
	if !s.usersLoaded {
		s.pendingOnline = ev.UserIDs
		s.pendingOnlineValid = true
		s.mu.Unlock()
		s.log.Debug("buffered online snapshot before user list", "count", len(ev.UserIDs))
		return
	}
	s.mu.Unlock()

	s.applyOnlineSnapshot(ev.UserIDs)
	s.notify()
}

func (s *Store) applyOnlineSnapshot(ids []models.ID) {
	online := make(map[models.ID]struct{}, len(ids))
	for _, id := range ids {
		online[id] = struct{}{}
	}

	s.mu.Lock()
	for i := range s.users {
		if s.users[i].IsBot {
			s.users[i].IsOnline = true
			continue
		}
		_, ok := online[s.users[i].ID]
		s.users[i].IsOnline = ok
	}
	s.mu.Unlock()
}

// handleMessageNew reconciles an incoming message: appended to the open
// conversation, counted as unread anywhere else. The sender's own echo
// is what materializes a sent message locally.
func (s *Store) handleMessageNew(data json.RawMessage) {
	var ev ws.NewMessage
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Warn("dropping malformed message event", "error", err)
		return
	}
	if ev.ConversationID == "" {
		ev.ConversationID = ev.Message.ConversationID
	}

	s.mu.Lock()
	if s.conversation != nil && s.conversation.ID == ev.ConversationID {
		s.messages = append(s.messages, ev.Message)
		s.mu.Unlock()
		s.log.Debug("message appended", "conversation_id", ev.ConversationID, "message_id", ev.Message.ID)
		s.notify()
		return
	}

	if ev.Message.SenderID == s.currentUser.ID {
		// Our own message echoed into a room we no longer have open.
		s.mu.Unlock()
		return
	}
	for i := range s.users {
		if s.users[i].ID == ev.Message.SenderID {
			s.users[i].UnreadCount++
			break
		}
	}
	s.mu.Unlock()
	s.log.Debug("unread incremented", "sender_id", ev.Message.SenderID, "conversation_id", ev.ConversationID)
	s.notify()
}

// failSelect aborts an in-flight selection. The previously active
// conversation stays in place unless a newer selection already took
// over.
func (s *Store) failSelect(epoch uint64, err error) error {
	s.mu.Lock()
	if s.selectEpoch != epoch {
		s.mu.Unlock()
		return ErrSelectionSuperseded
	}
	s.loadingMessages = false
	s.lastError = err
	s.mu.Unlock()

	s.log.Error("conversation selection failed", "error", err)
	s.notify()
	return err
}
