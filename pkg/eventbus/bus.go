// Package eventbus fans job status changes out to observers.
//
// Delivery is fire-and-forget: each subscriber owns a buffered channel and
// an event that does not fit is dropped for that subscriber only. Events
// for one job arrive in the order they were published because publishers
// are serialized per job.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/slidescan/pkg/analysis"
)

// EventJobStatusChanged is published on every status record write.
const EventJobStatusChanged = "job-status-changed"

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 100

// Event is one notification.
type Event struct {
	ID        string              `json:"id"`
	Name      string              `json:"event"`
	Key       analysis.JobKey     `json:"key"`
	State     analysis.JobState   `json:"state"`
	Result    *analysis.Result    `json:"result,omitempty"`
	Error     *analysis.ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// FromRecord builds a job-status-changed event for rec.
func FromRecord(rec analysis.StatusRecord) Event {
	rec = rec.Clone()
	return Event{
		ID:        uuid.NewString(),
		Name:      EventJobStatusChanged,
		Key:       rec.Key,
		State:     rec.State,
		Result:    rec.Result,
		Error:     rec.Error,
		Timestamp: time.Now().UTC(),
	}
}

// Subscription is one observer's membership.
type Subscription struct {
	// C receives events. It is closed by Unsubscribe or Bus.Close.
	C <-chan Event

	ch      chan Event
	dropped atomic.Int64
}

// Dropped returns how many events were lost because C was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus is a publish/subscribe hub. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	buffer int
	logger *zap.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// New returns an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: DefaultBuffer,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new observer. Subscribing to a closed bus returns
// a subscription whose channel is already closed.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call more
// than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish delivers e to every current subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			b.logger.Debug("Dropped event for slow subscriber",
				zap.String("event", e.Name),
				zap.String("state", string(e.State)))
		}
	}
}

// Notify publishes a job-status-changed event for rec. It lets the bus be
// used directly as a status store notifier.
func (b *Bus) Notify(rec analysis.StatusRecord) {
	b.Publish(FromRecord(rec))
}

// Stats reports bus counters.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{Subscribers: n, Published: b.published.Load(), Dropped: b.dropped.Load()}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = map[*Subscription]struct{}{}
}
