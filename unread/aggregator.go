// Package unread maintains the process-wide unread badge total for one
// authenticated session. The total is a derived projection of the store —
// it can always be recomputed and is never the source of truth.
package unread

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketloop/chatkit/internal/metrics"
	"github.com/marketloop/chatkit/models"
	"github.com/marketloop/chatkit/store"
)

// SnapshotSource fetches the conversation snapshot when the store has not
// been populated yet. In production this is the REST client.
type SnapshotSource interface {
	FetchConversations(ctx context.Context) ([]models.Conversation, error)
}

// Subscription is an observer registration; Off detaches it without
// affecting other observers.
type Subscription struct {
	agg *Aggregator
	id  uint64
	fn  func(total int)
}

func (s *Subscription) Off() {
	if s == nil || s.agg == nil {
		return
	}
	s.agg.off(s)
	s.agg = nil
}

// Aggregator tracks the total across all conversations. One instance
// exists per signed-in session; it is reset on logout and rebuilt on the
// next login.
type Aggregator struct {
	st     *store.Store
	source SnapshotSource
	logger zerolog.Logger

	mu     sync.Mutex
	total  int
	nextID uint64
	subs   []*Subscription
}

// New creates an aggregator at zero.
func New(st *store.Store, source SnapshotSource, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		st:     st,
		source: source,
		logger: logger.With().Str("component", "unread").Logger(),
	}
}

// Total returns the current aggregate without touching the network.
func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Refresh recomputes the aggregate from the store, fetching a snapshot
// first if the store is empty. The badge is a non-critical indicator, so a
// failed fetch degrades to the last-known value instead of propagating:
// chat being unreachable must never crash or block the host application.
func (a *Aggregator) Refresh(ctx context.Context) int {
	if !a.st.Populated() {
		convs, err := a.source.FetchConversations(ctx)
		if err != nil {
			metrics.SnapshotFetches.WithLabelValues("error").Inc()
			a.logger.Warn().Err(err).Msg("snapshot fetch failed, keeping last-known unread total")
			return a.Total()
		}
		metrics.SnapshotFetches.WithLabelValues("ok").Inc()
		a.st.IngestSnapshot(convs, time.Now())
	}
	return a.set(a.st.UnreadTotal())
}

// HandleMessageNew applies the low-latency path for a live message: when
// the store reports it as genuinely new and someone else sent it, the
// badge bumps by one immediately, no round trip. Replayed duplicates reach
// here with inserted=false and change nothing.
func (a *Aggregator) HandleMessageNew(msg models.Message, inserted bool) {
	if !inserted || msg.SenderID == a.st.CurrentUserID() {
		return
	}
	if msg.ReadByUser(a.st.CurrentUserID()) {
		return
	}
	a.mu.Lock()
	a.total++
	total := a.total
	subs := a.snapshotSubsLocked()
	a.mu.Unlock()

	metrics.UnreadTotal.Set(float64(total))
	notify(subs, total)
}

// HandleMessagesRead reacts to a read receipt, which may cover any number
// of messages and may come from another device of the same user, so the
// cheap delta is unknown: do a full recompute instead.
func (a *Aggregator) HandleMessagesRead(ctx context.Context) {
	a.Refresh(ctx)
}

// OnChange registers an observer called with every new total.
func (a *Aggregator) OnChange(fn func(total int)) *Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	sub := &Subscription{agg: a, id: a.nextID, fn: fn}
	a.subs = append(a.subs, sub)
	return sub
}

// Reset zeroes the total and drops all observers. Called on logout.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.total = 0
	a.subs = nil
	a.mu.Unlock()
	metrics.UnreadTotal.Set(0)
}

func (a *Aggregator) set(total int) int {
	a.mu.Lock()
	changed := total != a.total
	a.total = total
	subs := a.snapshotSubsLocked()
	a.mu.Unlock()

	metrics.UnreadTotal.Set(float64(total))
	if changed {
		notify(subs, total)
	}
	return total
}

func (a *Aggregator) off(s *Subscription) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, cand := range a.subs {
		if cand.id == s.id {
			a.subs = append(a.subs[:i:i], a.subs[i+1:]...)
			return
		}
	}
}

func (a *Aggregator) snapshotSubsLocked() []*Subscription {
	out := make([]*Subscription, len(a.subs))
	copy(out, a.subs)
	return out
}

func notify(subs []*Subscription, total int) {
	for _, s := range subs {
		s.fn(total)
	}
}
