package call

import (
	"errors"
	"time"

	"github.com/trezcool/masomo-live/internal/proto"
)

var (
	ErrBusy             = errors.New("a call is already in progress")
	ErrNoIncomingCall   = errors.New("no incoming call to answer")
	ErrNoActiveCall     = errors.New("no active call")
	ErrMediaUnavailable = errors.New("camera and microphone unavailable")
	ErrCallCanceled     = errors.New("call ended during setup")
	ErrClosed           = errors.New("call machine closed")
)

// Phase is where the single call session stands.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseOutgoingRinging Phase = "outgoing_ringing"
	PhaseIncomingRinging Phase = "incoming_ringing"
	PhaseConnecting      Phase = "connecting"
	PhaseActive          Phase = "active"
	PhaseEnded           Phase = "ended"
)

// Role tells which side of the call this client is on.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// View is the call state the UI renders.
type View struct {
	Phase      Phase         `json:"phase"`
	Role       Role          `json:"role,omitempty"`
	CallID     proto.ID      `json:"call_id,omitempty"`
	RoomID     string        `json:"room_id,omitempty"`
	PeerID     proto.ID      `json:"peer_id,omitempty"`
	PeerName   string        `json:"peer_name,omitempty"`
	Duration   time.Duration `json:"duration"`
	AudioOnly  bool          `json:"audio_only,omitempty"`
	AudioMuted bool          `json:"audio_muted,omitempty"`
	VideoMuted bool          `json:"video_muted,omitempty"`
	Remote     RemoteStats   `json:"remote"`
	Reason     string        `json:"reason,omitempty"` // set on PhaseEnded
}

// Sink receives call views and user-visible failures.
type Sink interface {
	CallChanged(v View)
	CallFailed(err error)
}
