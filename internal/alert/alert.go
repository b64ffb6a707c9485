// Package alert evaluates price-threshold alerts against live quotes.
package alert

import (
	"database/sql"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"stock-cockpit/internal/fault"
	"stock-cockpit/internal/types"
)

// RecentCapacity bounds the in-memory queue of recent trigger events.
const RecentCapacity = 50

var (
	ErrNotFound     = errors.New("alert not found")
	ErrInvalidAlert = errors.New("invalid alert")
)

type Store interface {
	InsertAlert(a types.Alert) (int64, error)
	ActiveAlerts() ([]types.Alert, error)
	AllAlerts() ([]types.Alert, error)
	MarkTriggered(id int64, at time.Time) (bool, error)
	DeleteAlert(id int64) error
}

type Engine struct {
	store Store
	log   *log.Entry
	now   func() time.Time

	mu     sync.Mutex
	recent []types.TriggerEvent
}

type Option func(*Engine)

func WithLogger(l *log.Entry) Option {
	return func(e *Engine) { e.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		log:   log.WithField("component", "alert"),
		now:   time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Add validates and stores a new active alert.
func (e *Engine) Add(symbol, name string, dir types.Direction, target float64) (types.Alert, error) {
	if symbol == "" || !dir.Valid() || target <= 0 {
		return types.Alert{}, errors.Wrapf(ErrInvalidAlert, "symbol=%q direction=%q target=%v", symbol, dir, target)
	}
	a := types.Alert{
		Symbol:      symbol,
		Name:        name,
		Direction:   dir,
		TargetPrice: target,
		CreatedAt:   e.now(),
	}
	id, err := e.store.InsertAlert(a)
	if err != nil {
		return types.Alert{}, fault.Wrap(fault.Persistence, "insert alert", err)
	}
	a.ID = id
	e.log.Infof("Alert %d added: %s %s %v", id, symbol, dir, target)
	return a, nil
}

func (e *Engine) ListActive() ([]types.Alert, error) {
	alerts, err := e.store.ActiveAlerts()
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "list active alerts", err)
	}
	return alerts, nil
}

func (e *Engine) ListAll() ([]types.Alert, error) {
	alerts, err := e.store.AllAlerts()
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "list alerts", err)
	}
	return alerts, nil
}

func (e *Engine) Delete(id int64) error {
	err := e.store.DeleteAlert(id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fault.Wrap(fault.Persistence, "delete alert", err)
	}
	return nil
}

// Check evaluates every active alert that has a quote for its symbol and
// returns the events produced by this call. An alert only yields an event when
// the store confirms it flipped it from active to triggered.
func (e *Engine) Check(quotes map[string]types.Snapshot) (fired []types.TriggerEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("Recovered from panic in alert check: %v\nStack trace: %s", r, debug.Stack())
			// alerts marked before the panic are already stored as triggered
			if len(fired) > 0 {
				e.push(fired)
			}
		}
	}()

	if len(quotes) == 0 {
		return nil
	}

	alerts, err := e.store.ActiveAlerts()
	if err != nil {
		e.log.Warn(fault.Wrap(fault.Persistence, "load active alerts", err))
		return nil
	}

	for _, a := range alerts {
		q, ok := quotes[a.Symbol]
		if !ok || q.Price <= 0 {
			continue
		}
		if !Matches(a.Direction, q.Price, a.TargetPrice) {
			continue
		}

		at := e.now()
		changed, err := e.store.MarkTriggered(a.ID, at)
		if err != nil {
			e.log.Warn(fault.Wrap(fault.Persistence, "mark alert triggered", err))
			continue
		}
		if !changed {
			continue
		}

		name := a.Name
		if name == "" {
			name = q.Name
		}
		ev := types.TriggerEvent{
			ID:           uuid.NewString(),
			AlertID:      a.ID,
			Symbol:       a.Symbol,
			Name:         name,
			Direction:    a.Direction,
			TargetPrice:  a.TargetPrice,
			CurrentPrice: q.Price,
			TriggeredAt:  at,
		}
		e.log.Infof("Alert %d triggered: %s %s %v at %v", a.ID, a.Symbol, a.Direction, a.TargetPrice, q.Price)
		fired = append(fired, ev)
	}

	if len(fired) > 0 {
		e.push(fired)
	}
	return fired
}

// Matches reports whether price satisfies the alert condition.
func Matches(dir types.Direction, price, target float64) bool {
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(target)
	switch dir {
	case types.Above:
		return p.GreaterThanOrEqual(t)
	case types.Below:
		return p.LessThanOrEqual(t)
	}
	return false
}

func (e *Engine) push(events []types.TriggerEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recent = append(e.recent, events...)
	if over := len(e.recent) - RecentCapacity; over > 0 {
		e.recent = append([]types.TriggerEvent(nil), e.recent[over:]...)
	}
}

// DrainRecent returns queued events oldest first, emptying the queue when clear is set.
func (e *Engine) DrainRecent(clear bool) []types.TriggerEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.TriggerEvent, len(e.recent))
	copy(out, e.recent)
	if clear {
		e.recent = nil
	}
	return out
}
