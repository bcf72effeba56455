package store

import (
	"time"

	"github.com/hyperjump/douki/internal/models"
	"go.uber.org/zap"
)

// Chats returns a snapshot of all sessions in creation order. Message and
// evidence slices are copied so callers can hold them across further
// mutation.
func (s *Store) Chats() []models.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatSnapshotLocked()
}

// Chat returns a snapshot of one session by id.
func (s *Store) Chat(id string) (models.ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return models.ChatSession{}, false
	}
	return copySession(c), true
}

// EnsureChat inserts the session if its id is new and otherwise leaves the
// existing entity untouched. Used when the create intent returns a fresh id.
func (s *Store) EnsureChat(c models.ChatSession) {
	s.mu.Lock()
	if _, ok := s.chats[c.ID]; ok {
		s.mu.Unlock()
		return
	}
	cp := copySession(&c)
	s.chats[c.ID] = &cp
	s.chatOrder = append(s.chatOrder, c.ID)
	snap := s.chatSnapshotLocked()
	subs := s.chatSubs
	s.mu.Unlock()
	notifyChats(subs, snap)
}

// AppendUserMessage appends a committed user message to the session.
// Rejected while the session has an open streaming message so the open
// message stays last.
func (s *Store) AppendUserMessage(chatID, content string, at time.Time) error {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownChat
	}
	if c.OpenMessage() != nil {
		s.mu.Unlock()
		return ErrOpenMessage
	}
	c.Messages = append(c.Messages, models.ChatMessage{Role: models.RoleUser, Content: content, CommittedAt: at})
	c.LastActiveAt = at
	snap := s.chatSnapshotLocked()
	subs := s.chatSubs
	s.mu.Unlock()
	notifyChats(subs, snap)
	return nil
}

// OpenAssistantMessage appends an empty assistant message with no commit
// marker: the open streaming message the token stream appends into. At most
// one may exist per session.
func (s *Store) OpenAssistantMessage(chatID string) error {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownChat
	}
	if c.OpenMessage() != nil {
		s.mu.Unlock()
		return ErrOpenMessage
	}
	c.Messages = append(c.Messages, models.ChatMessage{Role: models.RoleAssistant})
	snap := s.chatSnapshotLocked()
	subs := s.chatSubs
	s.mu.Unlock()
	notifyChats(subs, snap)
	return nil
}

// AppendStreamDelta appends streamed content to the session's open message,
// in arrival order. When there is no open message the delta is silently
// dropped: the generation was already finalized and the write is a zombie.
func (s *Store) AppendStreamDelta(chatID, content string) {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return
	}
	open := c.OpenMessage()
	if open == nil {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Debug("stream delta after finalize dropped", zap.String("chat_id", chatID))
		}
		return
	}
	open.Content += content
	snap := s.chatSnapshotLocked()
	subs := s.chatSubs
	s.mu.Unlock()
	notifyChats(subs, snap)
}

// CommitOpenMessage stamps the open message as committed. No-op when the
// session has no open message.
func (s *Store) CommitOpenMessage(chatID string, at time.Time) {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return
	}
	open := c.OpenMessage()
	if open == nil {
		s.mu.Unlock()
		return
	}
	open.CommittedAt = at
	c.LastActiveAt = at
	snap := s.chatSnapshotLocked()
	subs := s.chatSubs
	s.mu.Unlock()
	notifyChats(subs, snap)
}

// PatchChatStatus writes the poll-owned fields: phase and, when non-nil, the
// wholesale-replaced evidence list. Optimistic writes (the coordinator
// marking a session Preparing or Failed) require the id to be present; poll
// writes against an unknown id are silently dropped.
func (s *Store) PatchChatStatus(chatID string, phase models.Phase, evidence []models.Evidence, src Source) error {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		if src == SourcePoll || src == SourceResync {
			return nil
		}
		return ErrUnknownChat
	}
	if src == SourceStreamDelta {
		s.mu.Unlock()
		return ErrFieldNotAllowed
	}
	if src == SourcePoll && c.Phase.Terminal() && !phase.Terminal() {
		// Stale snapshot racing a finished generation; the terminal phase wins.
		s.mu.Unlock()
		return nil
	}
	c.Phase = phase
	if evidence != nil {
		c.Evidence = evidence
	}
	snap := s.chatSnapshotLocked()
	subs := s.chatSubs
	s.mu.Unlock()
	notifyChats(subs, snap)
	return nil
}

// ResyncChat applies an authoritative full-field resync of one session:
// messages, phase, and evidence are replaced wholesale. Applying the same
// payload twice yields an identical store state. Unknown ids are inserted —
// a resync is the server's truth.
func (s *Store) ResyncChat(c models.ChatSession) {
	s.mu.Lock()
	cp := copySession(&c)
	if _, ok := s.chats[c.ID]; !ok {
		s.chatOrder = append(s.chatOrder, c.ID)
	}
	s.chats[c.ID] = &cp
	snap := s.chatSnapshotLocked()
	subs := s.chatSubs
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Debug("chat resynced", zap.String("chat_id", c.ID), zap.Int("messages", len(c.Messages)))
	}
	notifyChats(subs, snap)
}

// ReplaceChats applies an authoritative resync of the full session
// collection, keeping the existing creation order for ids that survive.
func (s *Store) ReplaceChats(sessions []models.ChatSession) {
	s.mu.Lock()
	incoming := make(map[string]models.ChatSession, len(sessions))
	for _, c := range sessions {
		incoming[c.ID] = c
	}
	var order []string
	for _, id := range s.chatOrder {
		if _, ok := incoming[id]; ok {
			order = append(order, id)
		}
	}
	for _, c := range sessions {
		if _, known := s.chats[c.ID]; !known {
			order = append(order, c.ID)
		}
	}
	chats := make(map[string]*models.ChatSession, len(sessions))
	for id, c := range incoming {
		cp := copySession(&c)
		chats[id] = &cp
	}
	s.chats = chats
	s.chatOrder = order
	snap := s.chatSnapshotLocked()
	subs := s.chatSubs
	s.mu.Unlock()
	notifyChats(subs, snap)
}

func (s *Store) chatSnapshotLocked() []models.ChatSession {
	out := make([]models.ChatSession, 0, len(s.chatOrder))
	for _, id := range s.chatOrder {
		if c, ok := s.chats[id]; ok {
			out = append(out, copySession(c))
		}
	}
	return out
}

func copySession(c *models.ChatSession) models.ChatSession {
	cp := *c
	cp.Messages = append([]models.ChatMessage(nil), c.Messages...)
	cp.Evidence = append([]models.Evidence(nil), c.Evidence...)
	return cp
}

func notifyChats(subs []func([]models.ChatSession), snap []models.ChatSession) {
	for _, fn := range subs {
		fn(snap)
	}
}
