package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trezcool/masomo-live/internal/conn"
	"github.com/trezcool/masomo-live/internal/proto"
)

// Signaling is the call-control connection for the current room.
type Signaling struct {
	conn    conn.Conn
	locator conn.Locator

	mu      sync.Mutex
	roomID  string
	handler func(proto.CallFrame)
}

// NewSignaling wires c; status may be nil.
func NewSignaling(c conn.Conn, locator conn.Locator, status conn.StatusSink) *Signaling {
	s := &Signaling{conn: c, locator: locator}
	c.OnFrame(s.handleFrame)
	if status != nil {
		c.OnStateChange(func(st conn.State) {
			if room := s.RoomID(); room != "" {
				status.ConnectionChanged(proto.PurposeCall, room, st)
			}
		})
		c.OnAuthFailure(func() {
			status.AuthFailed(proto.PurposeCall, s.RoomID())
		})
	}
	return s
}

// OnFrame sets the handler for decoded call frames. Frames that fail to
// decode never reach it.
func (s *Signaling) OnFrame(fn func(proto.CallFrame)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

func (s *Signaling) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Ensure opens the signaling connection for roomID, reusing it when it is
// already open for that room.
func (s *Signaling) Ensure(roomID string) error {
	s.mu.Lock()
	prev := s.roomID
	s.mu.Unlock()
	if prev != "" && prev != roomID {
		s.conn.Close(proto.CloseNormal)
	}
	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()

	endpoint, token, err := s.locator.Locate(proto.PurposeCall, roomID)
	if err != nil {
		return fmt.Errorf("locate call %s: %w", roomID, err)
	}
	return s.conn.Open(endpoint, token)
}

// Leave closes the connection cleanly.
func (s *Signaling) Leave() {
	s.conn.Close(proto.CloseNormal)
	s.mu.Lock()
	s.roomID = ""
	s.mu.Unlock()
}

func (s *Signaling) Send(f proto.Outbound) error {
	return s.conn.Send(f)
}

// WaitConnected waits up to d for the connection. The caller proceeds
// either way.
func (s *Signaling) WaitConnected(ctx context.Context, d time.Duration) bool {
	return s.conn.WaitConnected(ctx, d)
}

func (s *Signaling) handleFrame(raw proto.RawFrame) {
	f, err := proto.DecodeCall(raw)
	if err != nil {
		log.Warnf("[call room=%s] dropping frame: %v", s.RoomID(), err)
		return
	}
	s.mu.Lock()
	fn := s.handler
	s.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}
