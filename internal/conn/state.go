package conn

import (
	"context"
	"time"

	"github.com/trezcool/masomo-live/internal/proto"
)

// State is the lifecycle state of a Manager's connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// StatusSink receives the connection outcomes the UI shows: status changes
// and terminal authentication failures.
type StatusSink interface {
	ConnectionChanged(purpose proto.Purpose, scope string, state State)
	AuthFailed(purpose proto.Purpose, scope string)
}

// Locator resolves the endpoint and auth token for a purpose and scope
// (room id, or user id for notifications).
type Locator interface {
	Locate(purpose proto.Purpose, scope string) (endpoint, token string, err error)
}

// Conn is the surface channels use. *Manager implements it.
type Conn interface {
	Open(endpoint, token string) error
	Send(f proto.Outbound) error
	Close(code int)
	State() State
	WaitConnected(ctx context.Context, d time.Duration) bool
	Dispose()

	OnFrame(fn func(proto.RawFrame))
	OnStateChange(fn func(State))
	OnAuthFailure(fn func())
}

var _ Conn = (*Manager)(nil)
