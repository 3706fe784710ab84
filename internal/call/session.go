package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/trezcool/masomo-live/internal/proto"
	"github.com/trezcool/masomo-live/internal/util"
)

// callSession is the one call the Machine holds. Fields are guarded by
// Machine.mu unless noted.
type callSession struct {
	role     Role
	roomID   string
	peerID   proto.ID
	peerName string
	callID   proto.ID
	offer    string // remote offer, callee only

	phase        Phase
	started      time.Time
	reason       string
	answering    bool
	iceConnected bool
	ended        bool
	audioMuted   bool
	videoMuted   bool

	local  LocalStream
	peer   Peer
	ticker *clock.Ticker

	// ctx is canceled by teardown; pending setup steps observe it.
	ctx    context.Context
	cancel context.CancelFunc

	// sendMu orders everything this session puts on the wire: the offer or
	// answer, then candidates, then at most one farewell frame.
	sendMu       sync.Mutex
	iceOpen      bool
	offerSent    bool
	answered     bool
	closed       bool
	pendingLocal []json.RawMessage

	// remoteMu orders applying the remote description before remote
	// candidates.
	remoteMu  sync.Mutex
	remote    Peer
	remoteSet bool
	early     *util.RingBuffer[json.RawMessage]
}

func newCallSession(role Role, roomID string, peerID proto.ID, earlyCap int) *callSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &callSession{
		role:   role,
		roomID: roomID,
		peerID: peerID,
		phase:  PhaseIdle,
		ctx:    ctx,
		cancel: cancel,
		early:  util.NewRingBuffer[json.RawMessage](earlyCap),
	}
}

func (s *callSession) viewLocked(now time.Time) View {
	v := View{
		Phase:      s.phase,
		Role:       s.role,
		CallID:     s.callID,
		RoomID:     s.roomID,
		PeerID:     s.peerID,
		PeerName:   s.peerName,
		AudioMuted: s.audioMuted,
		VideoMuted: s.videoMuted,
		Reason:     s.reason,
	}
	if !s.started.IsZero() {
		v.Duration = now.Sub(s.started).Truncate(time.Second)
	}
	if s.local != nil {
		v.AudioOnly = s.local.AudioOnly()
	}
	if s.peer != nil {
		v.Remote = s.peer.RemoteStats()
	}
	return v
}
