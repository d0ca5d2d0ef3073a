// Package store holds the canonical in-memory view of the session's
// conversations and messages, reconciling REST snapshots with live events.
// It is the single source of truth; the unread aggregate is derived from
// it, never the other way around.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketloop/chatkit/models"
)

// conversationState is one conversation plus its ordered message sequence.
type conversationState struct {
	conv models.Conversation

	// msgs is kept sorted by (CreatedAt, ID). A message never moves once
	// placed; late arrivals are inserted at their correct position.
	msgs  []*models.Message
	byKey map[string]*models.Message // server ID and client temp ID index

	// historyLoaded is set once full message history has been ingested;
	// before that, unread counts come from snapshot arithmetic.
	historyLoaded bool

	// acked holds message ids the current user has acknowledged, so a
	// replayed receipt cannot decrement the unread count twice while
	// history is not resident.
	acked map[string]struct{}

	// lastEventAt is when the most recent live event touched this
	// conversation. Snapshots older than it do not overwrite the
	// list-level view.
	lastEventAt time.Time
}

// Store is the session-scoped conversation/message store. Any goroutine
// may read; writes come only from the façade and event handlers.
type Store struct {
	mu            sync.RWMutex
	currentUserID string
	convs         map[string]*conversationState
	logger        zerolog.Logger
	now           func() time.Time
}

// New creates an empty store scoped to the given user.
func New(currentUserID string, logger zerolog.Logger) *Store {
	return &Store{
		currentUserID: currentUserID,
		convs:         make(map[string]*conversationState),
		logger:        logger.With().Str("component", "store").Logger(),
		now:           time.Now,
	}
}

// CurrentUserID returns the user this store is scoped to.
func (s *Store) CurrentUserID() string {
	return s.currentUserID
}

// IngestSnapshot merges a REST conversation snapshot fetched at asOf.
// Unknown conversations are added; for known ones the list-level fields
// (preview, unread count) are updated only when the snapshot is not older
// than the last locally applied live event — last-write-wins by timestamp,
// not arrival order, so a stale response cannot clobber a newer event.
// Messages already held are always kept.
func (s *Store) IngestSnapshot(convs []models.Conversation, asOf time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range convs {
		existing, ok := s.convs[c.ID]
		if !ok {
			s.convs[c.ID] = &conversationState{
				conv:  c,
				byKey: make(map[string]*models.Message),
			}
			continue
		}
		if asOf.Before(existing.lastEventAt) {
			s.logger.Debug().
				Str("conversation", c.ID).
				Time("snapshot", asOf).
				Time("last_event", existing.lastEventAt).
				Msg("stale snapshot ignored for conversation")
			continue
		}
		existing.conv.ParticipantIDs = c.ParticipantIDs
		existing.conv.LastMessagePreview = c.LastMessagePreview
		if existing.historyLoaded {
			existing.conv.UnreadCount = s.recountLocked(existing)
		} else {
			existing.conv.UnreadCount = c.UnreadCount
		}
	}
}

// IngestMessage inserts a message at the position implied by
// (CreatedAt, ID). Ingesting the same server ID twice is a no-op, so
// reconnect replay cannot duplicate messages. A message whose ClientTempID
// matches a pending optimistic entry replaces that entry in place — same
// list position — instead of being appended. Messages for conversations
// the store has never seen synthesize a minimal conversation entry.
//
// The returned flag is true only when the message is new to the store
// (replacing an optimistic entry does not count).
func (s *Store) IngestMessage(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.convs[msg.ConversationID]
	if !ok {
		cs = s.synthesizeLocked(msg)
	}

	if msg.ID != "" {
		if _, dup := cs.byKey[msg.ID]; dup {
			return false
		}
		if msg.ClientTempID != "" {
			if pending, ok := cs.byKey[msg.ClientTempID]; ok {
				// Reconcile the optimistic entry in place.
				*pending = msg
				pending.Status = models.StatusConfirmed
				cs.byKey[msg.ID] = pending
				cs.lastEventAt = s.now()
				s.touchPreviewLocked(cs, pending)
				return false
			}
		}
	} else if msg.ClientTempID != "" {
		if _, dup := cs.byKey[msg.ClientTempID]; dup {
			return false
		}
	}

	m := msg
	if m.Status == "" {
		if m.ID != "" {
			m.Status = models.StatusConfirmed
		} else {
			m.Status = models.StatusPending
		}
	}

	idx := sort.Search(len(cs.msgs), func(i int) bool {
		return !cs.msgs[i].Before(&m)
	})
	cs.msgs = append(cs.msgs, nil)
	copy(cs.msgs[idx+1:], cs.msgs[idx:])
	cs.msgs[idx] = &m
	cs.byKey[m.Key()] = &m
	if m.ID != "" && m.ClientTempID != "" {
		cs.byKey[m.ClientTempID] = &m
	}

	cs.lastEventAt = s.now()
	s.touchPreviewLocked(cs, &m)

	if m.SenderID != s.currentUserID && !m.ReadByUser(s.currentUserID) {
		if cs.historyLoaded {
			cs.conv.UnreadCount = s.recountLocked(cs)
		} else {
			cs.conv.UnreadCount++
		}
	}
	return true
}

// IngestHistory ingests a full REST message history for one conversation
// and switches its unread count to recomputation from messages.
func (s *Store) IngestHistory(conversationID string, msgs []models.Message) {
	for _, m := range msgs {
		s.IngestMessage(m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.convs[conversationID]; ok {
		cs.historyLoaded = true
		cs.conv.UnreadCount = s.recountLocked(cs)
	}
}

// MarkRead records readerID's acknowledgement of the given messages and
// recomputes the conversation's unread count. Both REST-acknowledged and
// live messages:read events funnel through here, and like message ingest
// the operation is idempotent: a replayed receipt changes nothing.
func (s *Store) MarkRead(conversationID string, messageIDs []string, readerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.convs[conversationID]
	if !ok {
		return
	}
	newlyAcked := 0
	for _, id := range messageIDs {
		m, resident := cs.byKey[id]
		seen := resident && m.ReadByUser(readerID)
		if resident && !seen {
			m.ReadBy = append(m.ReadBy, readerID)
		}
		if readerID != s.currentUserID {
			continue
		}
		if cs.acked == nil {
			cs.acked = make(map[string]struct{})
		}
		if _, dup := cs.acked[id]; !dup && !seen {
			newlyAcked++
		}
		cs.acked[id] = struct{}{}
	}
	cs.lastEventAt = s.now()
	if cs.historyLoaded {
		cs.conv.UnreadCount = s.recountLocked(cs)
	} else if readerID == s.currentUserID && newlyAcked > 0 {
		// Without full history, trust the receipt for ids not already
		// acknowledged.
		cs.conv.UnreadCount -= newlyAcked
		if cs.conv.UnreadCount < 0 {
			cs.conv.UnreadCount = 0
		}
	}
}

// MarkFailed flags a pending optimistic message as failed. The entry is
// never removed; the UI renders it with a retry affordance.
func (s *Store) MarkFailed(conversationID, clientTempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.convs[conversationID]
	if !ok {
		return
	}
	if m, ok := cs.byKey[clientTempID]; ok && m.Status == models.StatusPending {
		m.Status = models.StatusFailed
	}
}

// HasHistory reports whether full message history is resident for the
// conversation.
func (s *Store) HasHistory(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.convs[conversationID]
	return ok && cs.historyLoaded
}

// ConversationList returns a copy of the known conversations ordered by
// most recent activity. Re-reading never mutates state.
func (s *Store) ConversationList() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Conversation, 0, len(s.convs))
	for _, cs := range s.convs {
		out = append(out, cs.conv)
	}
	sort.Slice(out, func(i, j int) bool {
		ti := out[i].LastMessagePreview.Timestamp
		tj := out[j].LastMessagePreview.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Messages returns a copy of a conversation's messages in (CreatedAt, ID)
// order.
func (s *Store) Messages(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(cs.msgs))
	for i, m := range cs.msgs {
		out[i] = *m
	}
	return out
}

// UnreadTotal sums per-conversation unread counts for conversations the
// current user participates in. It is a pure projection of store state and
// can be recomputed at any time.
func (s *Store) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, cs := range s.convs {
		if len(cs.conv.ParticipantIDs) > 0 && !cs.conv.HasParticipant(s.currentUserID) {
			continue
		}
		total += cs.conv.UnreadCount
	}
	return total
}

// Populated reports whether any snapshot or event has reached the store.
func (s *Store) Populated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs) > 0
}

// Reset evicts everything. Called on logout, before the next session may
// populate the store, so no data leaks across accounts.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = make(map[string]*conversationState)
}

// synthesizeLocked creates a minimal conversation entry for a message that
// arrived before its conversation was ever fetched.
func (s *Store) synthesizeLocked(msg models.Message) *conversationState {
	participants := []string{msg.SenderID}
	if msg.SenderID != s.currentUserID {
		participants = append(participants, s.currentUserID)
	}
	cs := &conversationState{
		conv: models.Conversation{
			ID:             msg.ConversationID,
			ParticipantIDs: participants,
		},
		byKey: make(map[string]*models.Message),
	}
	s.convs[msg.ConversationID] = cs
	s.logger.Debug().Str("conversation", msg.ConversationID).Msg("synthesized conversation from live message")
	return cs
}

// touchPreviewLocked refreshes the denormalized list preview when msg is
// the newest message seen for the conversation.
func (s *Store) touchPreviewLocked(cs *conversationState, msg *models.Message) {
	if msg.CreatedAt.Before(cs.conv.LastMessagePreview.Timestamp) {
		return
	}
	cs.conv.LastMessagePreview = models.MessagePreview{
		Body:      msg.Body,
		SenderID:  msg.SenderID,
		Timestamp: msg.CreatedAt,
	}
}

// recountLocked derives a conversation's unread count from its resident
// messages: sender is someone else and the current user has not read it.
func (s *Store) recountLocked(cs *conversationState) int {
	n := 0
	for _, m := range cs.msgs {
		if m.SenderID == s.currentUserID {
			continue
		}
		if !m.ReadByUser(s.currentUserID) {
			n++
		}
	}
	return n
}
