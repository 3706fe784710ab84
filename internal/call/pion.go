package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const pliInterval = 3 * time.Second

// EngineConfig configures PionEngine.
type EngineConfig struct {
	ICEServers []webrtc.ICEServer

	// ICE timeouts; generous values let relay paths ride out short outages.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	VideoWidth   int
	VideoHeight  int
	VideoBitrate int

	Clock clock.Clock
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ICEServers:          []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
		VideoWidth:          640,
		VideoHeight:         480,
		VideoBitrate:        1_500_000,
	}
}

// PionEngine captures local media and builds pion peer connections. It is
// both the MediaSource and the PeerFactory of a Machine.
type PionEngine struct {
	capture *capture
	clock   clock.Clock

	mu  sync.RWMutex
	cfg EngineConfig
}

var (
	_ MediaSource = (*PionEngine)(nil)
	_ PeerFactory = (*PionEngine)(nil)
)

func NewPionEngine(cfg EngineConfig) (*PionEngine, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	c, err := newCapture(cfg)
	if err != nil {
		return nil, fmt.Errorf("media capture: %w", err)
	}
	return &PionEngine{capture: c, clock: cfg.Clock, cfg: cfg}, nil
}

// UpdateICEServers replaces the ICE servers for new peer connections.
// Existing peers keep their configuration.
func (e *PionEngine) UpdateICEServers(servers []webrtc.ICEServer) {
	e.mu.Lock()
	e.cfg.ICEServers = servers
	e.mu.Unlock()
}

func (e *PionEngine) Acquire(ctx context.Context, c Constraints) (LocalStream, error) {
	return e.capture.acquire(ctx, c)
}

func (e *PionEngine) NewPeer(local LocalStream, ev PeerEvents) (Peer, error) {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	mediaEngine := &webrtc.MediaEngine{}
	if err := e.capture.populate(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	p := &pionPeer{
		pc:      pc,
		ev:      ev,
		clock:   e.clock,
		senders: make(map[MediaKind]*sentTrack),
		done:    make(chan struct{}),
	}

	if local != nil {
		for _, track := range local.Tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			p.senders[kindOf(track.Kind())] = &sentTrack{sender: sender, track: track}
			go drainRTCP(sender)
		}
	}
	_, hasVideo := p.senders[KindVideo]
	_, hasAudio := p.senders[KindAudio]
	addRecvOnlyTransceivers(pc, !hasVideo, !hasAudio)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || ev.OnICECandidate == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Warnf("[call] encode local candidate: %v", err)
			return
		}
		ev.OnICECandidate(b)
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debugf("[call] ICE state %s", s)
		if ev.OnStateChange != nil {
			ev.OnStateChange(peerStateOf(s))
		}
	})
	pc.OnTrack(p.readRemote)
	return p, nil
}

type sentTrack struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

type pionPeer struct {
	pc    *webrtc.PeerConnection
	ev    PeerEvents
	clock clock.Clock

	mu      sync.Mutex
	senders map[MediaKind]*sentTrack

	tracks  atomic.Int32
	packets atomic.Uint64
	bytes   atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

func (p *pionPeer) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (p *pionPeer) AcceptOffer(ctx context.Context, offer string) (string, error) {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer})
	if err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (p *pionPeer) SetAnswer(ctx context.Context, answer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
	if err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (p *pionPeer) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

// SetSending mutes or unmutes a local track by detaching it from its
// sender.
func (p *pionPeer) SetSending(kind MediaKind, on bool) error {
	p.mu.Lock()
	st := p.senders[kind]
	p.mu.Unlock()
	if st == nil {
		return fmt.Errorf("no local %s track", kind)
	}
	if on {
		return st.sender.ReplaceTrack(st.track)
	}
	return st.sender.ReplaceTrack(nil)
}

func (p *pionPeer) RemoteStats() RemoteStats {
	return RemoteStats{
		Tracks:  int(p.tracks.Load()),
		Packets: p.packets.Load(),
		Bytes:   p.bytes.Load(),
	}
}

func (p *pionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}

// readRemote counts what arrives on a remote track until it ends.
func (p *pionPeer) readRemote(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := kindOf(track.Kind())
	p.tracks.Add(1)
	log.Infof("[call] remote %s track %s (%s)", kind, track.ID(), track.Codec().MimeType)
	if p.ev.OnRemoteTrack != nil {
		p.ev.OnRemoteTrack(kind)
	}
	if kind == KindVideo {
		go p.requestKeyframes(uint32(track.SSRC()))
	}

	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		p.packets.Add(1)
		p.bytes.Add(uint64(len(pkt.Payload)))
	}
}

// requestKeyframes sends a PLI periodically so the sender refreshes its
// keyframe after loss.
func (p *pionPeer) requestKeyframes(ssrc uint32) {
	ticker := p.clock.Ticker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
			if err != nil {
				if !errors.Is(err, webrtc.ErrConnectionClosed) {
					log.Debugf("[call] PLI: %v", err)
				}
				return
			}
		}
	}
}

// drainRTCP reads incoming RTCP so interceptors run.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func kindOf(k webrtc.RTPCodecType) MediaKind {
	if k == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

func peerStateOf(s webrtc.ICEConnectionState) PeerState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return PeerChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return PeerConnected
	case webrtc.ICEConnectionStateDisconnected:
		return PeerDisconnected
	case webrtc.ICEConnectionStateFailed:
		return PeerFailed
	case webrtc.ICEConnectionStateClosed:
		return PeerClosed
	default:
		return PeerNew
	}
}
