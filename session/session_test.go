package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketloop/chatkit/models"
	apperrors "github.com/marketloop/chatkit/pkg/errors"
	"github.com/marketloop/chatkit/rest"
	"github.com/marketloop/chatkit/transport"
)

const (
	me    = "user-a"
	buddy = "user-b"
)

// fakeAPI is a scriptable API collaborator.
type fakeAPI struct {
	mu         sync.Mutex
	convs      []models.Conversation
	history    map[string][]models.Message
	sendErr    error
	fetchErr   error
	fetchGate  chan struct{} // when set, FetchConversations blocks on it
	fetchCalls int
	readCalls  [][]string
	nextID     int
}

func (f *fakeAPI) FetchConversations(ctx context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	f.fetchCalls++
	gate := f.fetchGate
	convs := f.convs
	err := f.fetchErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return convs, nil
}

func (f *fakeAPI) FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[conversationID], nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID string, req rest.SendMessageRequest) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	return &models.Message{
		ID:             fmt.Sprintf("srv-%d", f.nextID),
		ClientTempID:   req.ClientTempID,
		ConversationID: conversationID,
		SenderID:       me,
		Body:           req.Body,
		Attachments:    req.Attachments,
		CreatedAt:      time.Now(),
	}, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls = append(f.readCalls, messageIDs)
	return nil
}

// fakeConn / fakeDialer script the live link.
type fakeConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) push(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(transport.Event{Name: event, Data: data})
	require.NoError(t, err)
	c.frames <- frame
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url, token string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) lastConn(t *testing.T) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.conns)
	return d.conns[len(d.conns)-1]
}

type staticToken string

func (s staticToken) Token(ctx context.Context) (string, error) { return string(s), nil }

func newTestSession(t *testing.T, api API) (*Session, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	mgr := transport.NewManager(transport.Options{
		URL:         "ws://test/live",
		Credentials: staticToken("tok"),
		Dialer:      d,
		Logger:      zerolog.Nop(),
	})
	s := New(Options{
		UserID:    me,
		API:       api,
		Transport: mgr,
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(s.Close)
	return s, d
}

func TestSendMessageOptimisticRoundTrip(t *testing.T) {
	api := &fakeAPI{}
	s, _ := newTestSession(t, api)
	convID := uuid.NewString()

	msg, err := s.SendMessage(context.Background(), convID, "hello there", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, models.StatusConfirmed, msg.Status)

	// Exactly one visible row throughout: the echo reconciled the
	// optimistic entry instead of appending.
	got := s.Messages(convID)
	require.Len(t, got, 1)
	assert.Equal(t, msg.ID, got[0].ID)
	assert.Equal(t, models.StatusConfirmed, got[0].Status)

	// Own sends never touch the unread badge.
	assert.Equal(t, 0, s.UnreadTotal())
}

func TestSendMessageFailureMarksFailed(t *testing.T) {
	api := &fakeAPI{sendErr: apperrors.ServerRejected("body too long", errors.New("422"))}
	s, _ := newTestSession(t, api)

	_, err := s.SendMessage(context.Background(), "c1", "way too long", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeServerRejected, apperrors.CodeOf(err))

	// The failed entry stays visible for retry, never silently removed.
	got := s.Messages("c1")
	require.Len(t, got, 1)
	assert.Equal(t, models.StatusFailed, got[0].Status)
	assert.Equal(t, "way too long", got[0].Body)
}

func TestLoadConversationsCoalesces(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{
		convs: []models.Conversation{{
			ID:             "c1",
			ParticipantIDs: []string{me, buddy},
			UnreadCount:    1,
		}},
		fetchGate: gate,
	}
	s, _ := newTestSession(t, api)

	var wg sync.WaitGroup
	results := make([][]models.Conversation, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			convs, err := s.LoadConversations(context.Background())
			require.NoError(t, err)
			results[i] = convs
		}(i)
	}

	// Both callers are in flight before the request resolves.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	api.mu.Lock()
	calls := api.fetchCalls
	api.mu.Unlock()
	assert.Equal(t, 1, calls, "back-to-back loads must share one request")
	require.Len(t, results[0], 1)
	require.Len(t, results[1], 1)
}

func TestLoadConversationsSnapshotFailure(t *testing.T) {
	api := &fakeAPI{fetchErr: errors.New("upstream down")}
	s, _ := newTestSession(t, api)

	_, err := s.LoadConversations(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeSnapshotFetchFailed, apperrors.CodeOf(err))

	// The badge degrades instead of surfacing the failure.
	assert.Equal(t, 0, s.RefreshUnread(context.Background()))
}

func TestLoadConversationFetchesOnce(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{history: map[string][]models.Message{
		"c1": {
			{ID: "m1", ConversationID: "c1", SenderID: buddy, Body: "one", CreatedAt: base},
			{ID: "m2", ConversationID: "c1", SenderID: buddy, Body: "two", CreatedAt: base.Add(time.Second)},
		},
	}}
	s, _ := newTestSession(t, api)

	msgs, err := s.LoadConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, 2, s.UnreadTotal())

	// Already resident: served from the store.
	again, err := s.LoadConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestMarkConversationReadScenario(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{history: map[string][]models.Message{
		"c1": {
			{ID: "m1", ConversationID: "c1", SenderID: buddy, Body: "one", CreatedAt: base},
			{ID: "m2", ConversationID: "c1", SenderID: buddy, Body: "two", CreatedAt: base.Add(time.Second)},
		},
	}}
	s, _ := newTestSession(t, api)

	_, err := s.LoadConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 2, s.UnreadTotal())

	require.NoError(t, s.MarkConversationRead(context.Background(), "c1"))

	// Global total decreases by exactly the two acknowledged messages.
	assert.Equal(t, 0, s.UnreadTotal())
	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.readCalls, 1)
	assert.ElementsMatch(t, []string{"m1", "m2"}, api.readCalls[0])
}

func TestLiveMessageForUnknownConversation(t *testing.T) {
	api := &fakeAPI{}
	s, d := newTestSession(t, api)
	require.NoError(t, s.Connect(context.Background()))

	convID := uuid.NewString()
	conn := d.lastConn(t)
	conn.push(t, transport.EventMessageNew, models.Message{
		ID:             "m1",
		ConversationID: convID,
		SenderID:       buddy,
		Body:           "first contact",
		CreatedAt:      time.Now(),
	})

	require.Eventually(t, func() bool {
		return len(s.Conversations()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	list := s.Conversations()
	assert.Equal(t, convID, list[0].ID)
	assert.Equal(t, 1, list[0].UnreadCount)
	assert.Equal(t, 1, s.UnreadTotal())
}

func TestReplayDoesNotInflateUnread(t *testing.T) {
	api := &fakeAPI{}
	s, d := newTestSession(t, api)
	require.NoError(t, s.Connect(context.Background()))

	incoming := models.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       buddy,
		Body:           "hello",
		CreatedAt:      time.Now(),
	}

	conn := d.lastConn(t)
	conn.push(t, transport.EventMessageNew, incoming)
	require.Eventually(t, func() bool {
		return s.UnreadTotal() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Reconnect replay delivers the same message again.
	conn.push(t, transport.EventMessageNew, incoming)
	conn.push(t, transport.EventMessageNew, incoming)

	require.Eventually(t, func() bool {
		return len(s.Messages("c1")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.UnreadTotal())
	assert.Len(t, s.Messages("c1"), 1)
}

func TestLiveReadReceiptDrivesMarkRead(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{history: map[string][]models.Message{
		"c1": {
			{ID: "m1", ConversationID: "c1", SenderID: buddy, Body: "one", CreatedAt: base},
			{ID: "m2", ConversationID: "c1", SenderID: buddy, Body: "two", CreatedAt: base.Add(time.Second)},
		},
	}}
	s, d := newTestSession(t, api)
	_, err := s.LoadConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, 2, s.UnreadTotal())

	// A receipt from another device of the same user arrives live.
	d.lastConn(t).push(t, transport.EventMessagesRead, transport.ReadPayload{
		ConversationID: "c1",
		MessageIDs:     []string{"m1", "m2"},
		ReaderID:       me,
	})

	require.Eventually(t, func() bool {
		return s.UnreadTotal() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseTearsDownEverything(t *testing.T) {
	api := &fakeAPI{convs: []models.Conversation{{
		ID:             "c1",
		ParticipantIDs: []string{me, buddy},
		UnreadCount:    3,
	}}}
	s, _ := newTestSession(t, api)

	_, err := s.LoadConversations(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, 3, s.UnreadTotal())

	s.Close()

	// No cross-account leakage: connection down, store and badge empty.
	assert.Equal(t, models.StateDisconnected, s.ConnectionState())
	assert.Empty(t, s.Conversations())
	assert.Equal(t, 0, s.UnreadTotal())

	// Close is idempotent.
	s.Close()
}
