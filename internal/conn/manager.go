// Package conn owns a single duplex connection to the realtime server and
// decides, in one place, whether a closed connection is reopened.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/trezcool/masomo-live/internal/proto"
)

var log = logging.Logger("conn")

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrDisposed     = errors.New("connection manager disposed")
	ErrAuthFailed   = errors.New("authentication rejected")
)

// Options configures a Manager. Zero values take the defaults.
type Options struct {
	// Name prefixes log lines, e.g. "chat".
	Name           string
	Dialer         Dialer
	Clock          clock.Clock
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
}

// Manager owns at most one Transport. The transport is non-nil only while
// the state is connecting or connected, and it is replaced, never reused,
// on every attempt.
//
// Close is the single reconnect decision point: read errors, write errors
// and failed dials all funnel through it with the close code they produced.
type Manager struct {
	name           string
	dialer         Dialer
	clock          clock.Clock
	reconnectDelay time.Duration
	connectTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	target    string
	transport Transport
	gen       uint64
	reconnect *clock.Timer
	waiters   []chan struct{}
	disposed  bool

	handlerMu     sync.RWMutex
	frameHandlers []func(proto.RawFrame)
	stateHandlers []func(State)
	authHandlers  []func()
}

// New creates a disconnected Manager.
func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &WSDialer{HandshakeTimeout: opts.ConnectTimeout, WriteTimeout: 10 * time.Second}
	}
	if opts.Name == "" {
		opts.Name = "ws"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		name:           opts.Name,
		dialer:         opts.Dialer,
		clock:          opts.Clock,
		reconnectDelay: opts.ReconnectDelay,
		connectTimeout: opts.ConnectTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// OnFrame registers a handler for inbound frames. Handlers run on the read
// goroutine, one frame at a time, in arrival order.
func (m *Manager) OnFrame(fn func(proto.RawFrame)) {
	m.handlerMu.Lock()
	m.frameHandlers = append(m.frameHandlers, fn)
	m.handlerMu.Unlock()
}

// OnStateChange registers a handler for lifecycle changes.
func (m *Manager) OnStateChange(fn func(State)) {
	m.handlerMu.Lock()
	m.stateHandlers = append(m.stateHandlers, fn)
	m.handlerMu.Unlock()
}

// OnAuthFailure registers a handler fired once per connection rejected
// with the authentication close code.
func (m *Manager) OnAuthFailure(fn func()) {
	m.handlerMu.Lock()
	m.authHandlers = append(m.authHandlers, fn)
	m.handlerMu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open starts connecting to endpoint with token attached as the "token"
// query parameter. It is a no-op while connecting or connected. A pending
// reconnect is cancelled.
func (m *Manager) Open(endpoint, token string) error {
	target, err := withToken(endpoint, token)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.stopReconnectLocked()
	m.target = target
	gen := m.beginLocked()
	m.mu.Unlock()

	log.Debugf("[%s] opening %s", m.name, redact(target))
	m.emitState(StateConnecting)
	go m.dial(gen, target)
	return nil
}

// Send encodes f and writes it if connected. Otherwise the frame is dropped
// and ErrNotConnected returned; nothing is buffered.
func (m *Manager) Send(f proto.Outbound) error {
	b, err := proto.Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.FrameType(), err)
	}

	m.mu.Lock()
	t, gen, state := m.transport, m.gen, m.state
	m.mu.Unlock()

	if state != StateConnected || t == nil {
		log.Debugf("[%s] %s dropped: %s", m.name, f.FrameType(), state)
		return ErrNotConnected
	}
	if err := t.WriteMessage(b); err != nil {
		log.Warnf("[%s] write %s failed: %v", m.name, f.FrameType(), err)
		m.closeWith(gen, proto.CloseAbnormal, "write failed")
		return err
	}
	return nil
}

// Close closes the connection deliberately. Code 1000 is a clean close and
// never reconnects; 4001 is the authentication failure and never
// reconnects; any other code schedules a single reconnect attempt. Closing
// while already disconnected only cancels a pending reconnect when the
// close is clean.
func (m *Manager) Close(code int) {
	m.mu.Lock()
	if m.state == StateDisconnected {
		if code == proto.CloseNormal {
			m.stopReconnectLocked()
		}
		m.mu.Unlock()
		return
	}
	gen := m.gen
	m.mu.Unlock()
	m.closeWith(gen, code, "client close")
}

// WaitConnected blocks until the state is connected, d elapses or ctx is
// done. It reports whether the connection is up.
func (m *Manager) WaitConnected(ctx context.Context, d time.Duration) bool {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-m.clock.After(d):
	case <-ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiters = slices.DeleteFunc(m.waiters, func(w chan struct{}) bool { return w == ch })
	return ctx.Err() == nil && m.state == StateConnected
}

// waiterCount reports how many WaitConnected calls are blocked.
func (m *Manager) waiterCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// Dispose closes cleanly and refuses further Opens. Safe to call more than
// once.
func (m *Manager) Dispose() {
	m.Close(proto.CloseNormal)
	m.mu.Lock()
	m.disposed = true
	m.stopReconnectLocked()
	m.mu.Unlock()
	m.cancel()
}

func (m *Manager) beginLocked() uint64 {
	m.gen++
	m.state = StateConnecting
	return m.gen
}

func (m *Manager) dial(gen uint64, target string) {
	ctx, cancel := context.WithTimeout(m.ctx, m.connectTimeout)
	t, err := m.dialer.Dial(ctx, target)
	cancel()
	if err != nil {
		log.Warnf("[%s] dial failed: %v", m.name, err)
		m.closeWith(gen, closeCodeOf(err), "dial failed")
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		_ = t.Close(proto.CloseNormal, "superseded")
		return
	}
	m.transport = t
	m.state = StateConnected
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	log.Infof("[%s] connected", m.name)
	m.emitState(StateConnected)
	m.readLoop(gen, t)
}

func (m *Manager) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			code := closeCodeOf(err)
			if m.current(gen) {
				log.Infof("[%s] connection closed: %v", m.name, err)
			}
			m.closeWith(gen, code, "read failed")
			return
		}
		if !m.current(gen) {
			return
		}
		raw, err := proto.ParseFrame(data)
		if err != nil {
			log.Warnf("[%s] dropping frame: %v", m.name, err)
			continue
		}
		m.emitFrame(raw)
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.state != StateDisconnected
}

// closeWith tears down attempt gen and decides about reconnecting.
func (m *Manager) closeWith(gen uint64, code int, reason string) {
	m.mu.Lock()
	if gen != m.gen || m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	t := m.transport
	m.transport = nil
	m.state = StateDisconnected
	m.gen++
	m.stopReconnectLocked()

	authFailed := code == proto.CloseAuthFailed
	if code != proto.CloseNormal && !authFailed && !m.disposed {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	if t != nil {
		_ = t.Close(code, reason)
	}
	m.emitState(StateDisconnected)
	if authFailed {
		log.Warnf("[%s] authentication rejected, not reconnecting", m.name)
		m.emitAuthFailure()
	}
}

func (m *Manager) scheduleReconnectLocked() {
	gen := m.gen
	log.Infof("[%s] reconnecting in %s", m.name, m.reconnectDelay)
	m.reconnect = m.clock.AfterFunc(m.reconnectDelay, func() {
		m.reconnectNow(gen)
	})
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) reconnectNow(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateDisconnected || m.disposed || m.reconnect == nil {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	target := m.target
	next := m.beginLocked()
	m.mu.Unlock()

	m.emitState(StateConnecting)
	m.dial(next, target)
}

// reconnectPending reports whether a reconnect timer is armed.
func (m *Manager) reconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnect != nil
}

// emitState reports the state a transition produced, which may already be
// stale by the time handlers run.
func (m *Manager) emitState(state State) {
	m.handlerMu.RLock()
	handlers := append([]func(State){}, m.stateHandlers...)
	m.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(state)
	}
}

func (m *Manager) emitFrame(raw proto.RawFrame) {
	m.handlerMu.RLock()
	handlers := append([]func(proto.RawFrame){}, m.frameHandlers...)
	m.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(raw)
	}
}

func (m *Manager) emitAuthFailure() {
	m.handlerMu.RLock()
	handlers := append([]func(){}, m.authHandlers...)
	m.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
}

func withToken(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("endpoint %q: scheme must be ws or wss", endpoint)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "?"
	}
	if u.Query().Has("token") {
		q := u.Query()
		q.Set("token", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
