// Package session is the per-login façade UI code talks to. It composes
// the transport, the store and the unread aggregate so screens never touch
// those directly, and owns the login/logout lifecycle of all three.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/marketloop/chatkit/internal/metrics"
	"github.com/marketloop/chatkit/models"
	apperrors "github.com/marketloop/chatkit/pkg/errors"
	"github.com/marketloop/chatkit/rest"
	"github.com/marketloop/chatkit/store"
	"github.com/marketloop/chatkit/transport"
	"github.com/marketloop/chatkit/unread"
)

const refreshTimeout = 15 * time.Second

// API is the slice of the chat HTTP API the session needs. rest.Client
// implements it; hosts with their own API layer supply their own.
type API interface {
	FetchConversations(ctx context.Context) ([]models.Conversation, error)
	FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID string, req rest.SendMessageRequest) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
}

// Options configures a Session.
type Options struct {
	UserID    string
	API       API
	Transport *transport.Manager
	Logger    zerolog.Logger
}

// Session is created on login and closed on logout. Exactly one exists per
// signed-in user; the next login builds a fresh one with no carryover.
type Session struct {
	userID    string
	api       API
	transport *transport.Manager
	st        *store.Store
	agg       *unread.Aggregator
	logger    zerolog.Logger

	sf   singleflight.Group
	subs []*transport.Subscription

	mu     sync.Mutex
	closed bool
}

// New wires a session: live events start patching the store and the unread
// aggregate as soon as the transport delivers them.
func New(opts Options) *Session {
	logger := opts.Logger.With().Str("component", "session").Logger()
	st := store.New(opts.UserID, opts.Logger)

	s := &Session{
		userID:    opts.UserID,
		api:       opts.API,
		transport: opts.Transport,
		st:        st,
		agg:       unread.New(st, opts.API, opts.Logger),
		logger:    logger,
	}

	s.subs = append(s.subs,
		opts.Transport.On(transport.EventMessageNew, s.handleMessageNew),
		opts.Transport.On(transport.EventMessagesRead, s.handleMessagesRead),
	)
	return s
}

// Connect brings the live link up. Delegated wholesale to the transport;
// see its idempotence and retry semantics.
func (s *Session) Connect(ctx context.Context) error {
	return s.transport.Connect(ctx)
}

// ConnectionState returns the transport's current state.
func (s *Session) ConnectionState() models.ConnState {
	return s.transport.State()
}

// On subscribes a UI surface to a named event (connection lifecycle or
// server push). Each mounted consumer holds its own subscription and calls
// Off on teardown; all of them share the one underlying connection.
func (s *Session) On(event string, h transport.Handler) *transport.Subscription {
	return s.transport.On(event, h)
}

// LoadConversations fetches the conversation snapshot, merges it into the
// store and returns the current ordered list. Safe to call repeatedly;
// concurrent calls collapse onto one in-flight request.
func (s *Session) LoadConversations(ctx context.Context) ([]models.Conversation, error) {
	_, err, _ := s.sf.Do("conversations", func() (interface{}, error) {
		asOf := time.Now()
		convs, err := s.api.FetchConversations(ctx)
		if err != nil {
			metrics.SnapshotFetches.WithLabelValues("error").Inc()
			return nil, apperrors.SnapshotFetchFailed(err)
		}
		metrics.SnapshotFetches.WithLabelValues("ok").Inc()
		s.st.IngestSnapshot(convs, asOf)
		s.agg.Refresh(ctx)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return s.st.ConversationList(), nil
}

// LoadConversation makes one conversation's history resident, fetching it
// only on first reference. Concurrent calls for the same conversation
// share one request.
func (s *Session) LoadConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	if s.st.HasHistory(conversationID) {
		return s.st.Messages(conversationID), nil
	}
	_, err, _ := s.sf.Do("conversation:"+conversationID, func() (interface{}, error) {
		msgs, err := s.api.FetchMessages(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		s.st.IngestHistory(conversationID, msgs)
		s.agg.Refresh(ctx)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return s.st.Messages(conversationID), nil
}

// SendMessage appends an optimistic entry immediately, dispatches the send
// and reconciles the server echo in place. On failure the entry is marked
// failed — never silently removed — so the UI can offer retry. The UI sees
// exactly one row for the message throughout.
func (s *Session) SendMessage(ctx context.Context, conversationID, body string, attachments []models.Attachment) (*models.Message, error) {
	tempID := ulid.Make().String()
	optimistic := models.Message{
		ClientTempID:   tempID,
		ConversationID: conversationID,
		SenderID:       s.userID,
		Body:           body,
		Attachments:    attachments,
		CreatedAt:      time.Now(),
		Status:         models.StatusPending,
	}
	s.st.IngestMessage(optimistic)

	echo, err := s.api.SendMessage(ctx, conversationID, rest.SendMessageRequest{
		Body:         body,
		ClientTempID: tempID,
		Attachments:  attachments,
	})
	if err != nil {
		s.st.MarkFailed(conversationID, tempID)
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		s.logger.Warn().Err(err).Str("conversation", conversationID).Msg("send failed")
		if apperrors.CodeOf(err) == apperrors.CodeInternal {
			err = apperrors.ServerRejected("send message", err)
		}
		return nil, err
	}

	if echo.ClientTempID == "" {
		echo.ClientTempID = tempID
	}
	s.st.IngestMessage(*echo)
	metrics.MessagesSent.WithLabelValues("confirmed").Inc()

	confirmed := *echo
	confirmed.Status = models.StatusConfirmed
	return &confirmed, nil
}

// MarkConversationRead acknowledges every resident unread message in the
// conversation, locally and via the REST collaborator.
func (s *Session) MarkConversationRead(ctx context.Context, conversationID string) error {
	var ids []string
	for _, m := range s.st.Messages(conversationID) {
		if m.SenderID == s.userID || m.ReadByUser(s.userID) || m.ID == "" {
			continue
		}
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.api.MarkRead(ctx, conversationID, ids); err != nil {
		return err
	}
	s.st.MarkRead(conversationID, ids, s.userID)
	s.agg.Refresh(ctx)
	return nil
}

// Messages returns the resident ordered messages for a conversation.
func (s *Session) Messages(conversationID string) []models.Message {
	return s.st.Messages(conversationID)
}

// Conversations returns the resident conversation list.
func (s *Session) Conversations() []models.Conversation {
	return s.st.ConversationList()
}

// UnreadTotal returns the current unread aggregate.
func (s *Session) UnreadTotal() int {
	return s.agg.Total()
}

// RefreshUnread recomputes the unread aggregate, fetching a snapshot if
// the store is empty. It degrades instead of failing; see unread.Refresh.
func (s *Session) RefreshUnread(ctx context.Context) int {
	return s.agg.Refresh(ctx)
}

// OnUnreadChange registers a badge observer.
func (s *Session) OnUnreadChange(fn func(total int)) *unread.Subscription {
	return s.agg.OnChange(fn)
}

// Close tears the session down on logout: disconnect first, then clear
// the store, then reset the aggregate, so nothing from this account can
// leak into the next session. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.transport.Disconnect()
	for _, sub := range s.subs {
		sub.Off()
	}
	s.subs = nil
	s.st.Reset()
	s.agg.Reset()
	s.logger.Info().Msg("session closed")
}

// handleMessageNew is the message:new subscriber. The store decides
// whether the message is genuinely new; the aggregate bumps only then, so
// reconnect replay cannot inflate the badge.
func (s *Session) handleMessageNew(_ string, data json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("malformed message:new payload")
		return
	}
	inserted := s.st.IngestMessage(msg)
	s.agg.HandleMessageNew(msg, inserted)
}

// handleMessagesRead is the messages:read subscriber. Receipts may come
// from this session or another device of the same user; both drive the
// same MarkRead path, then a full aggregate refresh off the event
// goroutine.
func (s *Session) handleMessagesRead(_ string, data json.RawMessage) {
	var p transport.ReadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn().Err(err).Msg("malformed messages:read payload")
		return
	}
	s.st.MarkRead(p.ConversationID, p.MessageIDs, p.ReaderID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		s.agg.HandleMessagesRead(ctx)
	}()
}
