package call

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Constraints selects which local devices to capture.
type Constraints struct {
	Video bool
	Audio bool
}

func (c Constraints) String() string {
	switch {
	case c.Video && c.Audio:
		return "video+audio"
	case c.Video:
		return "video-only"
	case c.Audio:
		return "audio-only"
	}
	return "none"
}

// LocalStream is captured local media bound to a peer connection.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	AudioOnly() bool
	// Stop releases the devices. Safe to call more than once.
	Stop()
}

// MediaSource captures local media. Acquire may block on device access.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (LocalStream, error)
}

// MediaKind is a track kind for mute toggles.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// PeerState is the ICE connectivity state reported by a Peer.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerChecking
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	return [...]string{"new", "checking", "connected", "disconnected", "failed", "closed"}[s]
}

// RemoteStats describes the media received from the other party.
type RemoteStats struct {
	Tracks  int    `json:"tracks"`
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// PeerEvents are the callbacks a Peer raises. They may run on any
// goroutine.
type PeerEvents struct {
	// OnICECandidate receives each locally gathered candidate as the JSON
	// object relayed verbatim to the other party.
	OnICECandidate func(candidate json.RawMessage)
	OnStateChange  func(s PeerState)
	OnRemoteTrack  func(kind MediaKind)
}

// Peer is one peer connection bound to a LocalStream.
type Peer interface {
	// CreateOffer creates and applies the local offer.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies a remote offer and returns the applied answer.
	AcceptOffer(ctx context.Context, offer string) (string, error)
	// SetAnswer applies the remote answer to our offer.
	SetAnswer(ctx context.Context, answer string) error
	AddICECandidate(candidate json.RawMessage) error
	SetSending(kind MediaKind, on bool) error
	RemoteStats() RemoteStats
	Close() error
}

// PeerFactory creates peers.
type PeerFactory interface {
	NewPeer(local LocalStream, ev PeerEvents) (Peer, error)
}

// trackStream is a LocalStream over pion tracks; stop releases the
// devices behind them.
type trackStream struct {
	tracks    []webrtc.TrackLocal
	audioOnly bool
	stop      func()
	once      sync.Once
}

func (s *trackStream) Tracks() []webrtc.TrackLocal { return s.tracks }
func (s *trackStream) AudioOnly() bool             { return s.audioOnly }

func (s *trackStream) Stop() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// addRecvOnlyTransceivers adds recvonly transceivers for the kinds we do not
// send so offers and answers always carry both m-lines.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, video, audio bool) {
	add := func(kind webrtc.RTPCodecType) {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("[call] AddTransceiver(%s) error: %v", kind, err)
		}
	}
	if video {
		add(webrtc.RTPCodecTypeVideo)
	}
	if audio {
		add(webrtc.RTPCodecTypeAudio)
	}
}
