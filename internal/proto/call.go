package proto

import (
	"encoding/json"
	"fmt"
)

// NotificationFrame is a server push for the authenticated user.
type NotificationFrame struct {
	ID        ID     `json:"id,omitempty"`
	Message   string `json:"message"`
	CreatedAt Stamp  `json:"created_at,omitempty"`
}

// DecodeNotification decodes a notifications endpoint frame. The endpoint
// carries a single frame type.
func DecodeNotification(raw RawFrame) (NotificationFrame, error) {
	if raw.Type != TypeNotification {
		return NotificationFrame{}, fmt.Errorf("%w: %q on notifications", ErrUnknownFrame, raw.Type)
	}
	return decodeAs[NotificationFrame](raw)
}

// CallFrame is the closed set of frames the call endpoint delivers.
type CallFrame interface {
	isCallFrame()
}

// IncomingCall announces a call offer from another participant.
type IncomingCall struct {
	CallerID   ID     `json:"caller_id"`
	CallerName string `json:"caller_name"`
	SDP        string `json:"sdp"`
	CallID     ID     `json:"call_id"`
}

// CallAccepted carries the callee's answer back to the caller.
type CallAccepted struct {
	SDP    string `json:"sdp"`
	CallID ID     `json:"call_id"`
}

// RemoteCandidate is an ICE candidate relayed from the other party. The
// candidate body stays opaque until it is handed to the peer connection.
type RemoteCandidate struct {
	Candidate json.RawMessage `json:"candidate"`
}

// CallEnded reports that the other party hung up.
type CallEnded struct{}

// CallRejected reports that the callee declined.
type CallRejected struct{}

func (IncomingCall) isCallFrame()    {}
func (CallAccepted) isCallFrame()    {}
func (RemoteCandidate) isCallFrame() {}
func (CallEnded) isCallFrame()       {}
func (CallRejected) isCallFrame()    {}

// DecodeCall decodes a call endpoint frame.
func DecodeCall(raw RawFrame) (CallFrame, error) {
	switch raw.Type {
	case TypeIncomingCall:
		return decodeAs[IncomingCall](raw)
	case TypeCallAccepted:
		return decodeAs[CallAccepted](raw)
	case TypeICECandidate:
		f, err := decodeAs[RemoteCandidate](raw)
		if err == nil && len(f.Candidate) == 0 {
			err = fmt.Errorf("%w: ice_candidate without candidate", ErrMalformedFrame)
		}
		return f, err
	case TypeCallEnded:
		return CallEnded{}, nil
	case TypeCallRejected:
		return CallRejected{}, nil
	default:
		return nil, fmt.Errorf("%w: %q on call", ErrUnknownFrame, raw.Type)
	}
}

// CallOffer starts a call towards CalleeID.
type CallOffer struct {
	CalleeID ID     `json:"callee_id"`
	SDP      string `json:"sdp"`
}

// CallAnswer accepts an incoming call.
type CallAnswer struct {
	CallID ID     `json:"call_id"`
	SDP    string `json:"sdp"`
}

// LocalCandidate relays a locally gathered ICE candidate verbatim.
type LocalCandidate struct {
	Candidate json.RawMessage `json:"candidate"`
}

// CallEnd hangs up. CallID is null while the server has not confirmed one.
type CallEnd struct {
	CallID *ID `json:"call_id"`
}

// CallReject declines an incoming call.
type CallReject struct {
	CallID *ID `json:"call_id"`
}

func (CallOffer) FrameType() string      { return TypeCallOffer }
func (CallAnswer) FrameType() string     { return TypeCallAnswer }
func (LocalCandidate) FrameType() string { return TypeICECandidate }
func (CallEnd) FrameType() string        { return TypeCallEnd }
func (CallReject) FrameType() string     { return TypeCallReject }
