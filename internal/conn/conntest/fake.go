// Package conntest provides an in-memory conn.Conn for channel tests.
package conntest

import (
	"context"
	"sync"
	"time"

	"github.com/trezcool/masomo-live/internal/conn"
	"github.com/trezcool/masomo-live/internal/proto"
)

// Fake connects synchronously on Open unless Hold is set, records every
// frame sent while connected and lets tests inject inbound frames.
type Fake struct {
	// Hold keeps Open in the connecting state until Connect is called.
	Hold bool
	// SendErr, when set, is returned by Send instead of recording.
	SendErr error

	mu       sync.Mutex
	state    conn.State
	opens    []string
	closes   []int
	sent     []proto.Outbound
	disposed bool

	frameFns []func(proto.RawFrame)
	stateFns []func(conn.State)
	authFns  []func()
}

func New() *Fake { return &Fake{} }

var _ conn.Conn = (*Fake)(nil)

func (f *Fake) Open(endpoint, token string) error {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return conn.ErrDisposed
	}
	if f.state != conn.StateDisconnected {
		f.mu.Unlock()
		return nil
	}
	f.opens = append(f.opens, endpoint+"?token="+token)
	f.state = conn.StateConnecting
	hold := f.Hold
	f.mu.Unlock()

	f.emitState(conn.StateConnecting)
	if !hold {
		f.Connect()
	}
	return nil
}

// Connect completes a held Open.
func (f *Fake) Connect() {
	f.setState(conn.StateConnected)
}

// Drop simulates the server ending the connection with code.
func (f *Fake) Drop(code int) {
	f.setState(conn.StateDisconnected)
	if code == proto.CloseAuthFailed {
		f.mu.Lock()
		fns := append([]func(){}, f.authFns...)
		f.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

func (f *Fake) Send(out proto.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != conn.StateConnected {
		return conn.ErrNotConnected
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sent = append(f.sent, out)
	return nil
}

func (f *Fake) Close(code int) {
	f.mu.Lock()
	f.closes = append(f.closes, code)
	was := f.state
	f.mu.Unlock()
	if was != conn.StateDisconnected {
		f.setState(conn.StateDisconnected)
	}
}

func (f *Fake) State() conn.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) WaitConnected(context.Context, time.Duration) bool {
	return f.State() == conn.StateConnected
}

func (f *Fake) Dispose() {
	f.Close(proto.CloseNormal)
	f.mu.Lock()
	f.disposed = true
	f.mu.Unlock()
}

func (f *Fake) OnFrame(fn func(proto.RawFrame)) {
	f.mu.Lock()
	f.frameFns = append(f.frameFns, fn)
	f.mu.Unlock()
}

func (f *Fake) OnStateChange(fn func(conn.State)) {
	f.mu.Lock()
	f.stateFns = append(f.stateFns, fn)
	f.mu.Unlock()
}

func (f *Fake) OnAuthFailure(fn func()) {
	f.mu.Lock()
	f.authFns = append(f.authFns, fn)
	f.mu.Unlock()
}

// Deliver parses a raw inbound message and hands it to the frame handlers
// the way the read loop does. Malformed input is dropped.
func (f *Fake) Deliver(msg string) {
	raw, err := proto.ParseFrame([]byte(msg))
	if err != nil {
		return
	}
	f.mu.Lock()
	fns := append([]func(proto.RawFrame){}, f.frameFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

// Opens lists every Open that started a connection, as endpoint?token=.
func (f *Fake) Opens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opens...)
}

// Closes lists the codes passed to Close.
func (f *Fake) Closes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closes...)
}

// Sent returns the frames transmitted so far.
func (f *Fake) Sent() []proto.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proto.Outbound(nil), f.sent...)
}

// SentTypes returns the type discriminators of Sent, in order.
func (f *Fake) SentTypes() []string {
	sent := f.Sent()
	out := make([]string, len(sent))
	for i, s := range sent {
		out[i] = s.FrameType()
	}
	return out
}

func (f *Fake) setState(s conn.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.emitState(s)
}

func (f *Fake) emitState(s conn.State) {
	f.mu.Lock()
	fns := append([]func(conn.State){}, f.stateFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
