// Package poller drives the live quote loop during trading sessions.
package poller

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"stock-cockpit/internal/fault"
	"stock-cockpit/internal/types"
)

type Session interface {
	IsConnected() bool
	Connect(ctx context.Context) bool
	Reconnect(ctx context.Context) bool
	FetchSnapshots(ctx context.Context, symbols []string) (map[string]types.Snapshot, error)
	Disconnect(ctx context.Context)
}

type Store interface {
	WatchSymbols() ([]string, error)
	SaveSnapshots(snaps []types.Snapshot) error
}

type Cache interface {
	PutAll(snaps map[string]types.Snapshot)
}

// FetchHook observes each tick's snapshots after they are in the cache.
type FetchHook func(ctx context.Context, snaps map[string]types.Snapshot)

// Observer receives per-tick outcomes, e.g. for metrics.
type Observer interface {
	ObservePoll(fetched int, err error)
}

type Options struct {
	ActiveInterval   time.Duration
	IdleInterval     time.Duration
	FallbackInterval time.Duration
	PersistEvery     int
}

func DefaultOptions() Options {
	return Options{
		ActiveInterval:   15 * time.Second,
		IdleInterval:     60 * time.Second,
		FallbackInterval: 60 * time.Second,
		PersistEvery:     4,
	}
}

type Poller struct {
	session  Session
	cache    Cache
	store    Store
	clock    *Clock
	opts     Options
	log      *log.Entry
	observer Observer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	hooksMu sync.RWMutex
	hooks   []FetchHook

	successTicks int

	stopped atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(session Session, cache Cache, store Store, clock *Clock, opts Options) *Poller {
	if opts.PersistEvery < 1 {
		opts.PersistEvery = 1
	}
	return &Poller{
		session: session,
		cache:   cache,
		store:   store,
		clock:   clock,
		opts:    opts,
		log:     log.WithField("component", "poller"),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func (p *Poller) SetObserver(o Observer) { p.observer = o }

func (p *Poller) SetLogger(l *log.Entry) { p.log = l }

// OnFetch registers a hook run after every successful fetch, in registration order.
func (p *Poller) OnFetch(h FetchHook) {
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.hooks = append(p.hooks, h)
}

// Start launches the loop. Network calls run on ctx; sleeps and reconnect
// backoff are also interrupted by Stop.
func (p *Poller) Start(ctx context.Context) {
	sleepCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.stopped.Store(false)

	go p.run(ctx, sleepCtx)
	p.log.Info("Poller started")
}

func (p *Poller) run(ctx, sleepCtx context.Context) {
	defer close(p.done)
	for {
		if p.stopped.Load() || sleepCtx.Err() != nil {
			return
		}
		next := p.tick(ctx, sleepCtx)
		if err := p.sleep(sleepCtx, next); err != nil {
			return
		}
	}
}

// Stop signals the loop, waits up to timeout for it to exit, then releases
// the session.
func (p *Poller) Stop(timeout time.Duration) error {
	p.stopped.Store(true)
	if p.cancel != nil {
		p.cancel()
	}

	var err error
	if p.done != nil {
		select {
		case <-p.done:
		case <-time.After(timeout):
			err = errors.Errorf("poller did not stop within %s", timeout)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	p.session.Disconnect(ctx)
	p.log.Info("Poller stopped")
	return err
}

// tick runs one iteration and returns how long to sleep before the next.
func (p *Poller) tick(ctx, sleepCtx context.Context) (next time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("Recovered from panic in poll tick: %v\nStack trace: %s", r, debug.Stack())
			next = p.opts.FallbackInterval
		}
	}()

	if _, active := p.clock.Active(p.now()); !active {
		return p.opts.IdleInterval
	}

	if !p.session.IsConnected() && !p.session.Reconnect(sleepCtx) {
		return p.opts.FallbackInterval
	}

	symbols, err := p.store.WatchSymbols()
	if err != nil {
		p.log.Warn(fault.Wrap(fault.Persistence, "load watchlist", err))
		return p.opts.ActiveInterval
	}
	if len(symbols) == 0 {
		return p.opts.ActiveInterval
	}

	snaps, err := p.session.FetchSnapshots(ctx, symbols)
	p.observe(len(snaps), err)
	if err != nil {
		p.log.Warnf("Fetch failed, reconnecting: %v", err)
		if !p.session.Reconnect(sleepCtx) {
			return p.opts.FallbackInterval
		}
		return p.opts.ActiveInterval
	}

	if len(snaps) == 0 {
		return p.opts.ActiveInterval
	}
	p.cache.PutAll(snaps)

	p.successTicks++
	if p.successTicks%p.opts.PersistEvery == 0 {
		p.persist(snaps)
	}

	p.runHooks(ctx, snaps)
	return p.opts.ActiveInterval
}

// PollOnce fetches the watchlist once regardless of the session clock, then
// updates the cache, persists and runs the fetch hooks. It connects without
// backoff and does not touch the loop's persist cadence.
func (p *Poller) PollOnce(ctx context.Context) (map[string]types.Snapshot, error) {
	if !p.session.IsConnected() && !p.session.Connect(ctx) {
		return nil, fault.New(fault.Connection, "poll once: session not connected")
	}

	symbols, err := p.store.WatchSymbols()
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "load watchlist", err)
	}
	if len(symbols) == 0 {
		return map[string]types.Snapshot{}, nil
	}

	snaps, err := p.session.FetchSnapshots(ctx, symbols)
	p.observe(len(snaps), err)
	if err != nil {
		return nil, err
	}

	if len(snaps) > 0 {
		p.cache.PutAll(snaps)
		p.persist(snaps)
		p.runHooks(ctx, snaps)
	}
	return snaps, nil
}

func (p *Poller) persist(snaps map[string]types.Snapshot) {
	batch := make([]types.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		batch = append(batch, s)
	}
	if err := p.store.SaveSnapshots(batch); err != nil {
		p.log.Warn(fault.Wrap(fault.Persistence, "save snapshots", err))
		return
	}
	p.log.Debugf("Persisted %d snapshots", len(batch))
}

func (p *Poller) runHooks(ctx context.Context, snaps map[string]types.Snapshot) {
	p.hooksMu.RLock()
	hooks := append([]FetchHook(nil), p.hooks...)
	p.hooksMu.RUnlock()

	for i, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Errorf("Recovered from panic in fetch hook %d: %v", i, r)
				}
			}()
			h(ctx, copySnapshots(snaps))
		}()
	}
}

func (p *Poller) observe(fetched int, err error) {
	if p.observer != nil {
		p.observer.ObservePoll(fetched, err)
	}
}

func copySnapshots(in map[string]types.Snapshot) map[string]types.Snapshot {
	out := make(map[string]types.Snapshot, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
