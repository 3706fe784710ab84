package conn

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-live/internal/proto"
)

const endpoint = "ws://test.local/ws/chat/12/"

type fakeTransport struct {
	in   chan []byte
	fail chan error
	done chan struct{}

	mu        sync.Mutex
	written   [][]byte
	closeCode int
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan []byte, 16),
		fail: make(chan error, 1),
		done: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case b := <-t.in:
		return b, nil
	case err := <-t.fail:
		return nil, err
	case <-t.done:
		return nil, errors.New("use of closed connection")
	}
}

func (t *fakeTransport) WriteMessage(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("write on closed connection")
	}
	t.written = append(t.written, b)
	return nil
}

func (t *fakeTransport) Close(code int, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.closeCode = code
		close(t.done)
	}
	return nil
}

func (t *fakeTransport) serverClose(code int) {
	t.fail <- &CloseError{Code: code}
}

func (t *fakeTransport) sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.written))
	for i, b := range t.written {
		out[i] = string(b)
	}
	return out
}

type fakeDialer struct {
	mu      sync.Mutex
	errs    []error
	targets []string
	conns   []*fakeTransport
}

// failNext makes the next dial return err.
func (d *fakeDialer) failNext(err error) {
	d.mu.Lock()
	d.errs = append(d.errs, err)
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(_ context.Context, target string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	t := newFakeTransport()
	d.conns = append(d.conns, t)
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

func (d *fakeDialer) conn(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type harness struct {
	m      *Manager
	dialer *fakeDialer
	clock  *clock.Mock

	mu     sync.Mutex
	frames []proto.RawFrame
	states []State
	auth   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{dialer: &fakeDialer{}, clock: clock.NewMock()}
	h.m = New(Options{Name: "test", Dialer: h.dialer, Clock: h.clock})
	h.m.OnFrame(func(f proto.RawFrame) {
		h.mu.Lock()
		h.frames = append(h.frames, f)
		h.mu.Unlock()
	})
	h.m.OnStateChange(func(s State) {
		h.mu.Lock()
		h.states = append(h.states, s)
		h.mu.Unlock()
	})
	h.m.OnAuthFailure(func() {
		h.mu.Lock()
		h.auth++
		h.mu.Unlock()
	})
	t.Cleanup(h.m.Dispose)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == want }, time.Second, time.Millisecond)
}

func (h *harness) waitDials(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.dialer.dials() == n }, time.Second, time.Millisecond)
}

func (h *harness) authCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.auth
}

func (h *harness) frameTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.frames))
	for i, f := range h.frames {
		out[i] = f.Type
	}
	return out
}

func (h *harness) connect(t *testing.T) *fakeTransport {
	t.Helper()
	require.NoError(t, h.m.Open(endpoint, "tok-1"))
	h.waitState(t, StateConnected)
	return h.dialer.conn(len(h.dialer.conns) - 1)
}

func TestOpenAttachesToken(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	u, err := url.Parse(h.dialer.targets[0])
	require.NoError(t, err)
	require.Equal(t, "/ws/chat/12/", u.Path)
	require.Equal(t, "tok-1", u.Query().Get("token"))
}

func TestOpenRejectsHTTPEndpoint(t *testing.T) {
	h := newHarness(t)
	require.Error(t, h.m.Open("http://test.local/ws/chat/12/", "tok"))
	require.Equal(t, StateDisconnected, h.m.State())
}

func TestOpenIsIdempotentWhileConnected(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.m.Open(endpoint, "tok-1"))
	require.NoError(t, h.m.Open(endpoint, "tok-1"))
	require.Equal(t, 1, h.dialer.dials())
	require.Equal(t, StateConnected, h.m.State())
}

func TestUncleanCloseReconnectsOnce(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.serverClose(proto.CloseAbnormal)
	h.waitState(t, StateDisconnected)
	require.True(t, h.m.reconnectPending())

	h.clock.Add(2 * time.Second)
	require.Equal(t, 1, h.dialer.dials())

	h.clock.Add(time.Second)
	h.waitDials(t, 2)
	h.waitState(t, StateConnected)

	h.clock.Add(10 * time.Second)
	require.Equal(t, 2, h.dialer.dials())
	require.False(t, h.m.reconnectPending())
}

func TestReadErrorCountsAsAbnormalClose(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.fail <- errors.New("connection reset by peer")
	h.waitState(t, StateDisconnected)
	require.True(t, h.m.reconnectPending())
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	h.m.Close(proto.CloseNormal)
	require.Equal(t, StateDisconnected, h.m.State())
	require.False(t, h.m.reconnectPending())

	tr.mu.Lock()
	require.Equal(t, proto.CloseNormal, tr.closeCode)
	tr.mu.Unlock()

	h.clock.Add(time.Minute)
	require.Equal(t, 1, h.dialer.dials())
}

func TestCleanCloseCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.serverClose(proto.CloseGoingAway)
	h.waitState(t, StateDisconnected)
	require.True(t, h.m.reconnectPending())

	h.m.Close(proto.CloseNormal)
	require.False(t, h.m.reconnectPending())

	h.clock.Add(time.Minute)
	require.Equal(t, 1, h.dialer.dials())
}

func TestOpenCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.serverClose(proto.CloseAbnormal)
	h.waitState(t, StateDisconnected)

	h.connect(t)
	require.Equal(t, 2, h.dialer.dials())
	require.False(t, h.m.reconnectPending())

	h.clock.Add(time.Minute)
	require.Equal(t, 2, h.dialer.dials())
}

func TestAuthFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.serverClose(proto.CloseAuthFailed)
	h.waitState(t, StateDisconnected)
	require.False(t, h.m.reconnectPending())
	require.Eventually(t, func() bool { return h.authCount() == 1 }, time.Second, time.Millisecond)

	h.clock.Add(time.Minute)
	require.Equal(t, 1, h.dialer.dials())
	require.Equal(t, 1, h.authCount())
}

func TestRejectedHandshakeIsAuthFailure(t *testing.T) {
	h := newHarness(t)
	h.dialer.failNext(&CloseError{Code: proto.CloseAuthFailed, Reason: "401 Unauthorized"})

	require.NoError(t, h.m.Open(endpoint, "expired"))
	require.Eventually(t, func() bool { return h.authCount() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, StateDisconnected, h.m.State())
	require.False(t, h.m.reconnectPending())
}

func TestFailedDialSchedulesReconnect(t *testing.T) {
	h := newHarness(t)
	h.dialer.failNext(errors.New("connection refused"))

	require.NoError(t, h.m.Open(endpoint, "tok"))
	require.Eventually(t, h.m.reconnectPending, time.Second, time.Millisecond)
	require.Equal(t, StateDisconnected, h.m.State())

	h.clock.Add(DefaultReconnectDelay)
	h.waitState(t, StateConnected)
	require.Equal(t, 2, h.dialer.dials())
}

func TestMalformedFramesAreDropped(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.in <- []byte(`{"type":`)
	tr.in <- []byte(`{"no_type":true}`)
	tr.in <- []byte(`{"type":"message","message":"hello"}`)
	tr.in <- []byte(`{"type":"typing","user_id":3}`)

	require.Eventually(t, func() bool { return len(h.frameTypes()) == 2 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"message", "typing"}, h.frameTypes())
	require.Equal(t, StateConnected, h.m.State())
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	h := newHarness(t)

	err := h.m.Send(proto.OutgoingMessage{Message: "lost"})
	require.ErrorIs(t, err, ErrNotConnected)

	tr := h.connect(t)
	require.Empty(t, tr.sent())

	require.NoError(t, h.m.Send(proto.OutgoingMessage{Message: "kept"}))
	require.Equal(t, []string{`{"type":"message","message":"kept"}`}, tr.sent())
}

func TestWriteFailureClosesAbnormally(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.mu.Lock()
	tr.closed = true
	tr.mu.Unlock()

	require.Error(t, h.m.Send(proto.OutgoingTyping{}))
	require.Equal(t, StateDisconnected, h.m.State())
	require.True(t, h.m.reconnectPending())
}

func TestWaitConnected(t *testing.T) {
	h := newHarness(t)

	done := make(chan bool, 1)
	go func() { done <- h.m.WaitConnected(context.Background(), 5*time.Second) }()
	h.connect(t)
	require.True(t, <-done)

	require.True(t, h.m.WaitConnected(context.Background(), time.Second))
}

func TestWaitConnectedTimesOut(t *testing.T) {
	h := newHarness(t)

	done := make(chan bool, 1)
	go func() { done <- h.m.WaitConnected(context.Background(), 5*time.Second) }()

	// Let the waiter register its timer before advancing.
	require.Eventually(t, func() bool { return h.m.waiterCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	h.clock.Add(5 * time.Second)

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitConnected did not return")
	}
	require.Zero(t, h.m.waiterCount())
}

func TestCanceledWaitsDoNotAccumulate(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan bool, 1)
		go func() { done <- h.m.WaitConnected(ctx, time.Minute) }()
		require.Eventually(t, func() bool { return h.m.waiterCount() == 1 }, time.Second, time.Millisecond)
		cancel()
		require.False(t, <-done)
		require.Zero(t, h.m.waiterCount())
	}
}

func TestStateHandlersSeeEachTransition(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.states) == 2
	}, time.Second, time.Millisecond)
	h.m.Close(proto.CloseNormal)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, h.states)
}

func TestDisposeRefusesOpen(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.m.Dispose()
	h.m.Dispose()
	require.Equal(t, StateDisconnected, h.m.State())
	require.ErrorIs(t, h.m.Open(endpoint, "tok"), ErrDisposed)
}

func TestSendableCloseCode(t *testing.T) {
	require.Equal(t, 1001, sendableCloseCode(1006))
	require.Equal(t, 1001, sendableCloseCode(1005))
	require.Equal(t, 1000, sendableCloseCode(1000))
	require.Equal(t, 4001, sendableCloseCode(4001))
}
