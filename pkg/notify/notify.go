// Package notify delivers user notifications raised by ranking, streak and
// badge updates. Publishing is fire-and-forget: events are published in the
// background, and a failed or dropped publish is logged and counted, never
// returned to the operation that raised it.
package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/epw80/studyhall/pkg/metrics"
)

// Type names a notification
type Type string

const (
	TypeBadgeEarned     Type = "BADGE_EARNED"
	TypeScoreMilestone  Type = "SCORE_MILESTONE"
	TypeStreakMilestone Type = "STREAK_MILESTONE"
	TypeGameWin         Type = "GAME_WIN"
)

// Event is one notification for one user
type Event struct {
	Type    Type           `json:"type"`
	UserID  string         `json:"userId"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// Publisher sends events to an external channel
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const (
	DefaultQueueSize      = 1024
	DefaultPublishTimeout = 5 * time.Second
)

// Notifier is the fire-and-forget front of a Publisher. Events are queued
// and published by one background worker, so Notify never waits on the
// publisher. When the queue is full the event is dropped and counted.
type Notifier struct {
	publisher Publisher
	logger    *slog.Logger
	collector *metrics.Collector
	now       func() time.Time
	timeout   time.Duration

	queue chan Event
	done  chan struct{}

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
	closed  bool
}

type NotifierOption func(*notifierOptions)

type notifierOptions struct {
	queueSize int
	timeout   time.Duration
}

// WithQueueSize bounds the number of events waiting to be published.
func WithQueueSize(n int) NotifierOption {
	return func(o *notifierOptions) { o.queueSize = n }
}

// WithPublishTimeout bounds a single publish.
func WithPublishTimeout(d time.Duration) NotifierOption {
	return func(o *notifierOptions) { o.timeout = d }
}

// NewNotifier wraps publisher and starts its worker. A nil publisher
// discards events. Close stops the worker.
func NewNotifier(publisher Publisher, logger *slog.Logger, collector *metrics.Collector, opts ...NotifierOption) *Notifier {
	if publisher == nil {
		publisher = Nop{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o := notifierOptions{queueSize: DefaultQueueSize, timeout: DefaultPublishTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queueSize < 1 {
		o.queueSize = 1
	}

	n := &Notifier{
		publisher: publisher,
		logger:    logger,
		collector: collector,
		now:       time.Now,
		timeout:   o.timeout,
		queue:     make(chan Event, o.queueSize),
		done:      make(chan struct{}),
	}
	n.idle = sync.NewCond(&n.mu)
	go n.run()
	return n
}

// Notify queues event and returns at once. A nil Notifier does nothing.
func (n *Notifier) Notify(_ context.Context, event Event) {
	if n == nil {
		return
	}
	if event.At.IsZero() {
		event.At = n.now().UTC()
	}

	n.mu.Lock()
	queued := false
	if !n.closed {
		select {
		case n.queue <- event:
			n.pending++
			queued = true
		default:
		}
	}
	n.mu.Unlock()

	if !queued {
		n.logger.Warn("notification dropped",
			slog.String("type", string(event.Type)),
			slog.String("userId", event.UserID))
		n.collector.ObserveNotification(string(event.Type), metrics.OutcomeDropped)
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for event := range n.queue {
		n.publish(event)

		n.mu.Lock()
		n.pending--
		if n.pending == 0 {
			n.idle.Broadcast()
		}
		n.mu.Unlock()
	}
}

// publish runs detached from the operation that raised the event.
func (n *Notifier) publish(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	if err := n.publisher.Publish(ctx, event); err != nil {
		n.logger.Warn("failed to publish notification",
			slog.String("error", err.Error()),
			slog.String("type", string(event.Type)),
			slog.String("userId", event.UserID))
		n.collector.ObserveNotification(string(event.Type), metrics.OutcomeError)
		return
	}
	n.collector.ObserveNotification(string(event.Type), metrics.OutcomeOK)
}

// Flush blocks until every queued event was published.
func (n *Notifier) Flush() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for n.pending > 0 {
		n.idle.Wait()
	}
}

// Close publishes what is queued and stops the worker. Later events are
// dropped. It waits at most until ctx is done.
func (n *Notifier) Close(ctx context.Context) error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
