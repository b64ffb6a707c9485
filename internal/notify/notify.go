// Package notify fans cockpit events out to the configured sinks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type Kind string

const (
	AlertTriggered    Kind = "alert_triggered"
	FetchCompleted    Kind = "fetch_completed"
	AIReviewCompleted Kind = "ai_review_completed"
	MarginCompleted   Kind = "margin_completed"
	TDCCCompleted     Kind = "tdcc_completed"

	InstitutionalCompleted Kind = "institutional_completed"
)

// Event is one notification. Payload is a trigger event or a job summary.
type Event struct {
	Kind    Kind      `json:"kind"`
	Job     string    `json:"job,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Notifier delivers an event once, without retrying.
type Notifier interface {
	Send(ctx context.Context, ev Event) error
}

type sink struct {
	name string
	n    Notifier
}

// DefaultSinkTimeout bounds a single sink delivery.
const DefaultSinkTimeout = 10 * time.Second

// ErrSinkTimeout is returned for a sink that did not finish in time.
var ErrSinkTimeout = errors.New("sink timed out")

type Bus struct {
	mu      sync.RWMutex
	sinks   []sink
	log     *log.Entry
	onSent  func(sink string, err error)
	timeout time.Duration
}

func NewBus() *Bus {
	return &Bus{log: log.WithField("component", "notify"), timeout: DefaultSinkTimeout}
}

func (b *Bus) SetLogger(l *log.Entry) { b.log = l }

// SetTimeout changes how long Send waits for each sink.
func (b *Bus) SetTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > 0 {
		b.timeout = d
	}
}

// OnSent registers a callback invoked after each sink attempt.
func (b *Bus) OnSent(fn func(sink string, err error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSent = fn
}

func (b *Bus) Register(name string, n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink{name: name, n: n})
}

func (b *Bus) Sinks() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.sinks))
	for i, s := range b.sinks {
		names[i] = s.name
	}
	return names
}

// Send tries every sink once, each bounded by the bus timeout, and returns
// the joined failures.
func (b *Bus) Send(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	sinks := append([]sink(nil), b.sinks...)
	onSent := b.onSent
	timeout := b.timeout
	b.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		err := deliver(ctx, s.n, ev, timeout)
		if err != nil {
			b.log.Warnf("Sink %s failed to deliver %s: %v", s.name, ev.Kind, err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
		if onSent != nil {
			onSent(s.name, err)
		}
	}
	return errors.Join(errs...)
}

// deliver runs one sink under timeout. A sink that ignores its context is
// abandoned when the timeout expires and finishes in the background.
func deliver(ctx context.Context, n Notifier, ev Event, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- n.Send(ctx, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrSinkTimeout, timeout)
		}
		return ctx.Err()
	}
}
