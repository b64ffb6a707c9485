// Package session owns the connection to the remote quoting source and its
// reconnect policy.
package session

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"stock-cockpit/internal/fault"
	"stock-cockpit/internal/types"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Backoff is the reconnect delay table, indexed by consecutive failed attempts.
var Backoff = []time.Duration{
	5 * time.Second, 10 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second,
	60 * time.Second, 120 * time.Second, 120 * time.Second, 300 * time.Second, 300 * time.Second,
}

// MaxAttempts consecutive failed reconnects put the manager in Failed.
const MaxAttempts = 10

// BackoffDelay returns the delay before reconnect attempt n (0-based), clamped
// to the last table entry.
func BackoffDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= len(Backoff) {
		n = len(Backoff) - 1
	}
	return Backoff[n]
}

// Source is a remote quoting service.
type Source interface {
	Login(ctx context.Context) error
	// ReferenceReady reports whether contract/reference data has finished loading.
	ReferenceReady(ctx context.Context) (bool, error)
	// Snapshots returns quotes for the symbols it could resolve; unresolved
	// symbols are omitted. An error means the whole batch failed.
	Snapshots(ctx context.Context, symbols []string) (map[string]types.Snapshot, error)
	Logout(ctx context.Context) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

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

type Manager struct {
	src Source
	log *log.Entry

	sleep           SleepFunc
	referenceChecks int
	referenceWait   time.Duration
	fetchTimeout    time.Duration
	onState         func(State)

	// opMu serializes login/logout against the source.
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	attempts int
	loggedIn bool
}

type Option func(*Manager)

func WithSleep(fn SleepFunc) Option {
	return func(m *Manager) { m.sleep = fn }
}

// WithReferenceWait bounds the wait for reference data after login.
func WithReferenceWait(checks int, wait time.Duration) Option {
	return func(m *Manager) {
		m.referenceChecks = checks
		m.referenceWait = wait
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(m *Manager) { m.fetchTimeout = d }
}

func WithLogger(l *log.Entry) Option {
	return func(m *Manager) { m.log = l }
}

// WithStateHook registers fn to observe every state transition.
func WithStateHook(fn func(State)) Option {
	return func(m *Manager) { m.onState = fn }
}

func NewManager(src Source, opts ...Option) *Manager {
	m := &Manager{
		src:             src,
		log:             log.WithField("component", "session"),
		sleep:           sleepContext,
		referenceChecks: 20,
		referenceWait:   time.Second,
		fetchTimeout:    30 * time.Second,
		state:           Disconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Attempts returns the number of consecutive failed reconnect attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.log.Debugf("session %s -> %s", m.state, s)
	m.state = s
	if m.onState != nil {
		m.onState(s)
	}
}

// Connect logs in and waits a bounded time for reference data. Failures are
// logged and reported as false.
func (m *Manager) Connect(ctx context.Context) (ok bool) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state == Connected {
		m.mu.Unlock()
		return true
	}
	fallback := Disconnected
	if m.state == Failed {
		fallback = Failed
	}
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			m.log.Errorf("Recovered from panic during connect: %v\nStack trace: %s", r, debug.Stack())
			ok = false
		}
		m.mu.Lock()
		if ok {
			m.attempts = 0
			m.setStateLocked(Connected)
		} else {
			m.setStateLocked(fallback)
		}
		m.mu.Unlock()
	}()

	loginCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	err := m.src.Login(loginCtx)
	cancel()
	if err != nil {
		m.log.Warn(fault.Wrap(fault.Connection, "login", err))
		return false
	}
	m.mu.Lock()
	m.loggedIn = true
	m.mu.Unlock()

	m.waitReference(ctx)
	m.log.Info("Quote session connected")
	return true
}

func (m *Manager) waitReference(ctx context.Context) {
	for i := 0; i < m.referenceChecks; i++ {
		ready, err := m.src.ReferenceReady(ctx)
		if err != nil {
			m.log.Debugf("reference data check %d failed: %v", i+1, err)
		}
		if ready {
			return
		}
		if err := m.sleep(ctx, m.referenceWait); err != nil {
			return
		}
	}
	m.log.Warnf("reference data not ready after %d checks, continuing", m.referenceChecks)
}

// Disconnect releases the session. Safe to call when already disconnected.
func (m *Manager) Disconnect(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	loggedIn := m.loggedIn
	m.loggedIn = false
	if m.state != Failed {
		m.setStateLocked(Disconnected)
	}
	m.mu.Unlock()

	if !loggedIn {
		return
	}

	logoutCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Errorf("Recovered from panic during logout: %v", r)
			}
		}()
		if err := m.src.Logout(logoutCtx); err != nil {
			m.log.Warnf("logout failed: %v", err)
		}
	}()
}

// Reconnect disconnects, waits the backoff delay for the current attempt and
// connects again. After MaxAttempts consecutive failures the manager enters
// Failed and Reconnect returns false without trying until Restart.
func (m *Manager) Reconnect(ctx context.Context) bool {
	m.Disconnect(ctx)

	m.mu.Lock()
	if m.state == Failed {
		m.mu.Unlock()
		return false
	}
	if m.attempts >= MaxAttempts {
		m.setStateLocked(Failed)
		m.mu.Unlock()
		return false
	}
	delay := BackoffDelay(m.attempts)
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	m.log.Infof("Reconnecting in %s (attempt %d/%d)", delay, attempt, MaxAttempts)
	if err := m.sleep(ctx, delay); err != nil {
		return false
	}

	if m.Connect(ctx) {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts >= MaxAttempts {
		m.log.Errorf("Quote session failed after %d attempts, waiting for restart", m.attempts)
		m.setStateLocked(Failed)
	}
	return false
}

// Restart re-arms a Failed manager: the attempt counter is reset and a fresh
// connect is made.
func (m *Manager) Restart(ctx context.Context) bool {
	m.Disconnect(ctx)

	m.mu.Lock()
	m.attempts = 0
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	return m.Connect(ctx)
}

// FetchSnapshots returns the quotes the source could resolve. A batch-level
// failure yields an empty map and a fetch fault; it never panics.
func (m *Manager) FetchSnapshots(ctx context.Context, symbols []string) (out map[string]types.Snapshot, err error) {
	out = make(map[string]types.Snapshot)
	if !m.IsConnected() {
		return out, fault.New(fault.Connection, "fetch snapshots: session not connected")
	}
	if len(symbols) == 0 {
		return out, nil
	}

	defer func() {
		if r := recover(); r != nil {
			out = make(map[string]types.Snapshot)
			err = fault.Wrap(fault.Fetch, "fetch snapshots", fmt.Errorf("panic: %v", r))
		}
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	snaps, err := m.src.Snapshots(fetchCtx, symbols)
	if err != nil {
		return make(map[string]types.Snapshot), fault.Wrap(fault.Fetch, fmt.Sprintf("fetch %d snapshots", len(symbols)), err)
	}
	for symbol, snap := range snaps {
		if snap.Symbol == "" {
			snap.Symbol = symbol
		}
		out[symbol] = snap
	}
	if skipped := len(symbols) - len(out); skipped > 0 {
		m.log.Debugf("%d of %d symbols did not resolve", skipped, len(symbols))
	}
	return out, nil
}
