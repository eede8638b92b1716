// Package querystate tracks each query's lifecycle state and streams state
// changes to subscribers. It is the in-process pub/sub behind the SSE
// endpoint: one stream per query, bounded subscriber queues, eviction of
// consumers that stop draining, and periodic heartbeats so clients can
// detect dead connections.
package querystate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/queryweaver/queryweaver/pkg/models"
)

// ErrInvalidTransition is returned when an update does not follow the
// lifecycle transition DAG.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

const (
	// DefaultSendTimeout bounds how long one subscriber delivery may block
	// before the subscriber is evicted.
	DefaultSendTimeout = 1 * time.Second
	// DefaultHeartbeatInterval is how often idle subscribers receive a
	// heartbeat event.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultQueueSize is the per-subscriber event buffer.
	DefaultQueueSize = 16
)

// Subscription is one subscriber's view of a query's event stream.
type Subscription struct {
	ID      string
	queryID string
	ch      chan models.QueryStateEvent
}

// Events returns the subscriber's event channel. The channel is closed when
// a terminal state has been delivered, the subscriber is evicted or
// unsubscribed, or the publisher stops.
func (s *Subscription) Events() <-chan models.QueryStateEvent {
	return s.ch
}

// queryStream serializes writes for one query and owns its subscriber set.
// Every channel send and close happens under mu, so delivery order is the
// publish order and a close can never race a send. Holding mu across
// delivery is what makes subscriber-set mutation and delivery iteration
// mutually exclusive.
type queryStream struct {
	mu       sync.Mutex
	last     *models.QueryStateEvent
	subs     map[string]*Subscription
	terminal bool
}

// Publisher is the single-process registry mapping query IDs to lifecycle
// state, plus the per-query subscriber sets.
type Publisher struct {
	mu      sync.RWMutex
	streams map[string]*queryStream

	sendTimeout  time.Duration
	heartbeatInt time.Duration
	queueSize    int
	onPublish    func(models.QueryStateEvent)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option tunes a Publisher.
type Option func(*Publisher)

// WithSendTimeout overrides the per-subscriber delivery timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.sendTimeout = d
		}
	}
}

// WithHeartbeatInterval overrides the heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.heartbeatInt = d
		}
	}
}

// WithQueueSize overrides the per-subscriber buffer. The minimum is 1 so
// the snapshot delivered on subscribe can never block.
func WithQueueSize(n int) Option {
	return func(p *Publisher) {
		if n < 1 {
			n = 1
		}
		p.queueSize = n
	}
}

// WithPublishObserver registers a hook invoked after every state publish,
// heartbeats excluded. Used to feed metrics. The hook runs on the
// publishing goroutine and must not call back into the publisher.
func WithPublishObserver(fn func(models.QueryStateEvent)) Option {
	return func(p *Publisher) {
		p.onPublish = fn
	}
}

// NewPublisher creates a Publisher and starts its heartbeat loop. Call Stop
// to shut it down.
func NewPublisher(opts ...Option) *Publisher {
	p := &Publisher{
		streams:      make(map[string]*queryStream),
		sendTimeout:  DefaultSendTimeout,
		heartbeatInt: DefaultHeartbeatInterval,
		queueSize:    DefaultQueueSize,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(1)
	go p.heartbeatLoop()
	return p
}

// Update records a state change for the query and delivers the event to all
// current subscribers. The first update for a query must be RECEIVED; every
// later update must be an edge of the lifecycle DAG. After a terminal state
// is delivered all subscriber channels are closed. The event's QueryID,
// State and Timestamp fields are set by the publisher; the caller fills the
// payload fields.
func (p *Publisher) Update(queryID string, state models.LifecycleState, event models.QueryStateEvent) error {
	if !state.IsValid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, state)
	}
	qs := p.stream(queryID)

	qs.mu.Lock()
	defer qs.mu.Unlock()

	if qs.last == nil {
		if state != models.StateReceived {
			return fmt.Errorf("%w: first state for %s must be %s, got %s",
				ErrInvalidTransition, queryID, models.StateReceived, state)
		}
	} else if !qs.last.State.CanTransitionTo(state) {
		return fmt.Errorf("%w: %s cannot move from %s to %s",
			ErrInvalidTransition, queryID, qs.last.State, state)
	}

	event.QueryID = queryID
	event.State = state
	event.Timestamp = time.Now().UTC()
	event.Heartbeat = false
	qs.last = &event

	p.deliverLocked(qs, event)

	if state.IsTerminal() {
		qs.terminal = true
		for id, sub := range qs.subs {
			close(sub.ch)
			delete(qs.subs, id)
		}
	}

	slog.Debug("Published query state",
		"query_id", queryID,
		"state", string(state),
		"trace_id", event.Metadata["trace_id"],
		"subscribers", len(qs.subs))
	if p.onPublish != nil {
		p.onPublish(event)
	}
	return nil
}

// Subscribe registers a subscriber for the query's events. If the query
// already has a state its snapshot is delivered first; if that state is
// terminal the stream closes right after the snapshot.
func (p *Publisher) Subscribe(queryID string) *Subscription {
	qs := p.stream(queryID)
	sub := &Subscription{
		ID:      uuid.New().String(),
		queryID: queryID,
		ch:      make(chan models.QueryStateEvent, p.queueSize),
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()

	if qs.last != nil {
		sub.ch <- *qs.last
	}
	if qs.terminal {
		close(sub.ch)
		return sub
	}
	qs.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// after the stream already ended.
func (p *Publisher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	p.mu.RLock()
	qs := p.streams[sub.queryID]
	p.mu.RUnlock()
	if qs == nil {
		return
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()
	if _, ok := qs.subs[sub.ID]; ok {
		delete(qs.subs, sub.ID)
		close(sub.ch)
	}
}

// State returns the query's last published event, if any.
func (p *Publisher) State(queryID string) (models.QueryStateEvent, bool) {
	p.mu.RLock()
	qs := p.streams[queryID]
	p.mu.RUnlock()
	if qs == nil {
		return models.QueryStateEvent{}, false
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()
	if qs.last == nil {
		return models.QueryStateEvent{}, false
	}
	return *qs.last, true
}

// ActiveQueries returns the number of queries that have not reached a
// terminal state. Reported by the status endpoint.
func (p *Publisher) ActiveQueries() int {
	p.mu.RLock()
	streams := make([]*queryStream, 0, len(p.streams))
	for _, qs := range p.streams {
		streams = append(streams, qs)
	}
	p.mu.RUnlock()

	active := 0
	for _, qs := range streams {
		qs.mu.Lock()
		if !qs.terminal {
			active++
		}
		qs.mu.Unlock()
	}
	return active
}

// TerminalBefore returns the IDs of queries whose lifecycle ended at or
// before the cutoff. Retention cleanup feeds these to Remove.
func (p *Publisher) TerminalBefore(cutoff time.Time) []string {
	p.mu.RLock()
	streams := make(map[string]*queryStream, len(p.streams))
	for id, qs := range p.streams {
		streams[id] = qs
	}
	p.mu.RUnlock()

	var ids []string
	for id, qs := range streams {
		qs.mu.Lock()
		if qs.terminal && qs.last != nil && !qs.last.Timestamp.After(cutoff) {
			ids = append(ids, id)
		}
		qs.mu.Unlock()
	}
	return ids
}

// Remove drops the query's stream and closes any remaining subscribers.
// Called by retention cleanup once a terminal query has been persisted.
func (p *Publisher) Remove(queryID string) {
	p.mu.Lock()
	qs := p.streams[queryID]
	delete(p.streams, queryID)
	p.mu.Unlock()
	if qs == nil {
		return
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.terminal = true
	for id, sub := range qs.subs {
		close(sub.ch)
		delete(qs.subs, id)
	}
}

// Stop ends the heartbeat loop and closes every subscriber stream.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()

	p.mu.Lock()
	streams := p.streams
	p.streams = make(map[string]*queryStream)
	p.mu.Unlock()

	for _, qs := range streams {
		qs.mu.Lock()
		qs.terminal = true
		for id, sub := range qs.subs {
			close(sub.ch)
			delete(qs.subs, id)
		}
		qs.mu.Unlock()
	}
}

// stream returns the per-query stream, creating it on first use.
func (p *Publisher) stream(queryID string) *queryStream {
	p.mu.RLock()
	qs := p.streams[queryID]
	p.mu.RUnlock()
	if qs != nil {
		return qs
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if qs = p.streams[queryID]; qs == nil {
		qs = &queryStream{subs: make(map[string]*Subscription)}
		p.streams[queryID] = qs
	}
	return qs
}

// deliverLocked sends the event to every subscriber. A subscriber whose
// queue stays full for the send timeout is evicted and its channel closed.
// Caller holds qs.mu.
func (p *Publisher) deliverLocked(qs *queryStream, event models.QueryStateEvent) {
	for id, sub := range qs.subs {
		select {
		case sub.ch <- event:
			continue
		default:
		}

		// queue full: give the consumer the send timeout to drain
		timer := time.NewTimer(p.sendTimeout)
		select {
		case sub.ch <- event:
			timer.Stop()
		case <-timer.C:
			slog.Warn("Evicting stalled query-state subscriber",
				"query_id", event.QueryID,
				"subscription_id", id)
			close(sub.ch)
			delete(qs.subs, id)
		}
	}
}

// heartbeatLoop periodically nudges every live subscriber. Heartbeats reuse
// the delivery path, so a stalled subscriber is evicted here too.
func (p *Publisher) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.heartbeatInt)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.broadcastHeartbeat()
		}
	}
}

func (p *Publisher) broadcastHeartbeat() {
	p.mu.RLock()
	streams := make(map[string]*queryStream, len(p.streams))
	for id, qs := range p.streams {
		streams[id] = qs
	}
	p.mu.RUnlock()

	now := time.Now().UTC()
	for queryID, qs := range streams {
		qs.mu.Lock()
		if qs.terminal || qs.last == nil || len(qs.subs) == 0 {
			qs.mu.Unlock()
			continue
		}
		hb := models.QueryStateEvent{
			QueryID:   queryID,
			State:     qs.last.State,
			Timestamp: now,
			Heartbeat: true,
		}
		p.deliverLocked(qs, hb)
		qs.mu.Unlock()
	}
}

// subscriberCount returns the number of subscribers for a query.
// Unexported; tests poll it instead of sleeping.
func (p *Publisher) subscriberCount(queryID string) int {
	p.mu.RLock()
	qs := p.streams[queryID]
	p.mu.RUnlock()
	if qs == nil {
		return 0
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return len(qs.subs)
}
