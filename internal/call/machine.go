// Package call runs the single peer-to-peer call: media capture, the pion
// peer connection, SDP offer/answer and ICE relay over the room's
// signaling connection.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/trezcool/masomo-live/internal/proto"
)

var log = logging.Logger("call")

const (
	DefaultSignalWait      = 5 * time.Second
	DefaultEarlyCandidates = 64

	durationTick = time.Second
)

// Options configures a Machine. Media, Peers and Sink are required.
type Options struct {
	Media MediaSource
	Peers PeerFactory
	Sink  Sink
	Clock clock.Clock

	// SignalWait bounds the wait for signaling before the offer goes out
	// anyway.
	SignalWait time.Duration
	// EarlyCandidates bounds remote candidates held until the remote
	// description is applied. The oldest are dropped first.
	EarlyCandidates int
}

// Machine owns at most one call session. Start and answer from the wrong
// phase are rejected; every failure path ends in teardown and idle.
type Machine struct {
	sig        *Signaling
	media      MediaSource
	peers      PeerFactory
	sink       Sink
	clock      clock.Clock
	signalWait time.Duration
	earlyCap   int

	mu     sync.Mutex
	active *callSession
	closed bool

	// emitMu is held from building a view through its delivery, so the
	// sink sees views in the order they were built.
	emitMu sync.Mutex
}

func NewMachine(sig *Signaling, opts Options) *Machine {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.SignalWait <= 0 {
		opts.SignalWait = DefaultSignalWait
	}
	if opts.EarlyCandidates <= 0 {
		opts.EarlyCandidates = DefaultEarlyCandidates
	}
	m := &Machine{
		sig:        sig,
		media:      opts.Media,
		peers:      opts.Peers,
		sink:       opts.Sink,
		clock:      opts.Clock,
		signalWait: opts.SignalWait,
		earlyCap:   opts.EarlyCandidates,
	}
	sig.OnFrame(m.handleFrame)
	return m
}

// View returns the current call view.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.phase == PhaseIdle {
		return View{Phase: PhaseIdle}
	}
	return m.active.viewLocked(m.clock.Now())
}

// StartCall calls callee in roomID. It blocks through media capture and
// offer creation and returns once the offer is sent. Canceling ctx during
// setup ends the call.
func (m *Machine) StartCall(ctx context.Context, roomID string, callee proto.ID) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.active != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	s := newCallSession(RoleCaller, roomID, callee, m.earlyCap)
	m.active = s
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { m.teardown(s, true, "canceled") })
	defer stop()

	log.Infof("[call room=%s] calling %s", roomID, callee)
	if err := m.sig.Ensure(roomID); err != nil {
		return m.abortSetup(s, err)
	}

	local, err := m.acquire(s)
	if err != nil {
		return m.abortSetup(s, err)
	}
	if !m.attach(s, func() { s.local = local }) {
		local.Stop()
		return ErrCallCanceled
	}

	peer, err := m.peers.NewPeer(local, m.peerEvents(s))
	if err != nil {
		return m.abortSetup(s, fmt.Errorf("peer connection: %w", err))
	}
	if !m.attach(s, func() { s.peer = peer }) {
		_ = peer.Close()
		return ErrCallCanceled
	}

	sdp, err := peer.CreateOffer(s.ctx)
	if err != nil {
		return m.abortSetup(s, err)
	}

	if !m.sig.WaitConnected(s.ctx, m.signalWait) {
		log.Warnf("[call room=%s] signaling not connected after %s, sending offer anyway", roomID, m.signalWait)
	}

	s.sendMu.Lock()
	if s.closed || !m.transition(s, PhaseOutgoingRinging) {
		s.sendMu.Unlock()
		return ErrCallCanceled
	}
	if err := m.sig.Send(proto.CallOffer{CalleeID: callee, SDP: sdp}); err != nil {
		log.Warnf("[call room=%s] offer dropped: %v", roomID, err)
	}
	s.offerSent = true
	m.openICELocked(s)
	s.sendMu.Unlock()

	m.startTicker(s)
	m.emit(s)
	return nil
}

// AnswerCall accepts the surfaced incoming call. The phase is connecting
// when it returns and becomes active once ICE connects.
func (m *Machine) AnswerCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.active
	if s == nil || s.role != RoleCallee || s.phase != PhaseIncomingRinging || s.answering {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	s.answering = true
	offer, callID := s.offer, s.callID
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { m.teardown(s, true, "canceled") })
	defer stop()

	log.Infof("[call room=%s] answering call %s", s.roomID, callID)
	local, err := m.acquire(s)
	if err != nil {
		return m.abortSetup(s, err)
	}
	if !m.attach(s, func() { s.local = local }) {
		local.Stop()
		return ErrCallCanceled
	}

	peer, err := m.peers.NewPeer(local, m.peerEvents(s))
	if err != nil {
		return m.abortSetup(s, fmt.Errorf("peer connection: %w", err))
	}
	if !m.attach(s, func() { s.peer = peer }) {
		_ = peer.Close()
		return ErrCallCanceled
	}

	s.remoteMu.Lock()
	answer, err := peer.AcceptOffer(s.ctx, offer)
	if err != nil {
		s.remoteMu.Unlock()
		return m.abortSetup(s, err)
	}
	s.remote, s.remoteSet = peer, true
	m.applyEarlyLocked(s)
	s.remoteMu.Unlock()

	s.sendMu.Lock()
	if s.closed || !m.transition(s, PhaseConnecting) {
		s.sendMu.Unlock()
		return ErrCallCanceled
	}
	if err := m.sig.Send(proto.CallAnswer{CallID: callID, SDP: answer}); err != nil {
		log.Warnf("[call room=%s] answer dropped: %v", s.roomID, err)
	}
	s.answered = true
	m.openICELocked(s)
	s.sendMu.Unlock()

	m.startTicker(s)
	m.emit(s)
	return nil
}

// RejectCall declines the surfaced incoming call.
func (m *Machine) RejectCall() error {
	m.mu.Lock()
	s := m.active
	if s == nil || s.role != RoleCallee || s.phase != PhaseIncomingRinging || s.answering {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	m.mu.Unlock()
	m.teardown(s, true, "declined")
	return nil
}

// EndCall hangs up whatever call exists. Calling it with no call is a
// no-op.
func (m *Machine) EndCall() {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s != nil {
		m.teardown(s, true, "hung up")
	}
}

// ToggleAudio flips local audio and returns the new muted state.
func (m *Machine) ToggleAudio() (bool, error) { return m.toggle(KindAudio) }

// ToggleVideo flips local video and returns the new disabled state.
func (m *Machine) ToggleVideo() (bool, error) { return m.toggle(KindVideo) }

// Close ends any call and refuses new ones. Safe to call more than once.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	s := m.active
	m.mu.Unlock()
	if s != nil {
		m.teardown(s, true, "closed")
	}
}

func (m *Machine) toggle(kind MediaKind) (bool, error) {
	m.mu.Lock()
	s := m.active
	if s == nil || s.peer == nil || s.ended {
		m.mu.Unlock()
		return false, ErrNoActiveCall
	}
	flag := &s.audioMuted
	if kind == KindVideo {
		flag = &s.videoMuted
	}
	muted := !*flag
	peer := s.peer
	m.mu.Unlock()

	if err := peer.SetSending(kind, !muted); err != nil {
		return !muted, err
	}

	m.mu.Lock()
	if m.active == s {
		*flag = muted
	}
	m.mu.Unlock()
	log.Infof("[call room=%s] %s muted=%v", s.roomID, kind, muted)
	m.emit(s)
	return muted, nil
}

func (m *Machine) handleFrame(f proto.CallFrame) {
	switch f := f.(type) {
	case proto.IncomingCall:
		m.onIncoming(f)
	case proto.CallAccepted:
		m.onAccepted(f)
	case proto.RemoteCandidate:
		m.onRemoteCandidate(f.Candidate)
	case proto.CallEnded:
		m.onRemoteEnd("ended by peer")
	case proto.CallRejected:
		m.onRemoteEnd("declined by peer")
	}
}

func (m *Machine) onIncoming(f proto.IncomingCall) {
	room := m.sig.RoomID()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.active != nil {
		m.mu.Unlock()
		log.Infof("[call room=%s] busy, rejecting call %s from %s", room, f.CallID, f.CallerName)
		if err := m.sig.Send(proto.CallReject{CallID: proto.IDPtr(f.CallID)}); err != nil {
			log.Debugf("[call room=%s] reject dropped: %v", room, err)
		}
		return
	}
	s := newCallSession(RoleCallee, room, f.CallerID, m.earlyCap)
	s.peerName = f.CallerName
	s.callID = f.CallID
	s.offer = f.SDP
	s.phase = PhaseIncomingRinging
	m.active = s
	m.mu.Unlock()

	log.Infof("[call room=%s] incoming call %s from %s", room, f.CallID, f.CallerName)
	m.emit(s)
}

func (m *Machine) onAccepted(f proto.CallAccepted) {
	m.mu.Lock()
	s := m.active
	if s == nil || s.role != RoleCaller || s.phase != PhaseOutgoingRinging || s.peer == nil {
		m.mu.Unlock()
		log.Debugf("[call] ignoring call_accepted outside outgoing ringing")
		return
	}
	peer := s.peer
	m.mu.Unlock()

	s.remoteMu.Lock()
	if err := peer.SetAnswer(s.ctx, f.SDP); err != nil {
		s.remoteMu.Unlock()
		log.Warnf("[call room=%s] remote answer rejected: %v", s.roomID, err)
		m.teardown(s, true, "negotiation failed")
		return
	}
	s.remote, s.remoteSet = peer, true
	m.applyEarlyLocked(s)
	s.remoteMu.Unlock()

	m.mu.Lock()
	if m.active != s || s.ended {
		m.mu.Unlock()
		return
	}
	s.callID = f.CallID
	s.phase = PhaseActive
	m.mu.Unlock()

	log.Infof("[call room=%s] call %s accepted", s.roomID, f.CallID)
	m.emit(s)
}

func (m *Machine) onRemoteCandidate(c json.RawMessage) {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil {
		log.Debugf("[call] no call, dropping remote candidate")
		return
	}

	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	if !s.remoteSet {
		s.early.Push(c)
		log.Debugf("[call room=%s] holding early remote candidate (%d held)", s.roomID, s.early.Len())
		return
	}
	if err := s.remote.AddICECandidate(c); err != nil {
		log.Warnf("[call room=%s] remote candidate: %v", s.roomID, err)
	}
}

func (m *Machine) onRemoteEnd(reason string) {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s != nil {
		m.teardown(s, false, reason)
	}
}

func (m *Machine) peerEvents(s *callSession) PeerEvents {
	return PeerEvents{
		OnICECandidate: func(c json.RawMessage) { m.onLocalCandidate(s, c) },
		OnStateChange:  func(st PeerState) { m.onPeerState(s, st) },
		OnRemoteTrack:  func(MediaKind) { m.emit(s) },
	}
}

// onLocalCandidate forwards c in generation order, holding it until the
// offer or answer has gone out.
func (m *Machine) onLocalCandidate(s *callSession, c json.RawMessage) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	if !s.iceOpen {
		s.pendingLocal = append(s.pendingLocal, c)
		return
	}
	m.sendCandidate(s, c)
}

func (m *Machine) onPeerState(s *callSession, st PeerState) {
	switch st {
	case PeerConnected:
		m.mu.Lock()
		if m.active != s || s.ended {
			m.mu.Unlock()
			return
		}
		s.iceConnected = true
		changed := s.phase == PhaseConnecting
		if changed {
			s.phase = PhaseActive
		}
		m.mu.Unlock()
		if changed {
			m.emit(s)
		}
	case PeerDisconnected, PeerFailed:
		log.Infof("[call room=%s] ICE %s", s.roomID, st)
		m.teardown(s, false, "connection lost")
	}
}

// openICELocked releases held local candidates. Requires s.sendMu.
func (m *Machine) openICELocked(s *callSession) {
	s.iceOpen = true
	for _, c := range s.pendingLocal {
		m.sendCandidate(s, c)
	}
	s.pendingLocal = nil
}

func (m *Machine) sendCandidate(s *callSession, c json.RawMessage) {
	if err := m.sig.Send(proto.LocalCandidate{Candidate: c}); err != nil {
		log.Debugf("[call room=%s] candidate dropped: %v", s.roomID, err)
	}
}

// applyEarlyLocked applies buffered remote candidates. Requires s.remoteMu.
func (m *Machine) applyEarlyLocked(s *callSession) {
	for _, c := range s.early.Drain() {
		if err := s.remote.AddICECandidate(c); err != nil {
			log.Warnf("[call room=%s] early remote candidate: %v", s.roomID, err)
		}
	}
}

// acquire captures video and audio, degrading to audio only.
func (m *Machine) acquire(s *callSession) (LocalStream, error) {
	local, err := m.media.Acquire(s.ctx, Constraints{Video: true, Audio: true})
	if err == nil {
		return local, nil
	}
	if s.ctx.Err() != nil {
		return nil, ErrCallCanceled
	}
	log.Warnf("[call room=%s] video+audio unavailable, trying audio only: %v", s.roomID, err)

	local, err = m.media.Acquire(s.ctx, Constraints{Audio: true})
	if err == nil {
		return local, nil
	}
	if s.ctx.Err() != nil {
		return nil, ErrCallCanceled
	}
	return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
}

// abortSetup ends s after a failed setup step and surfaces err, unless s
// was already torn down while the step ran.
func (m *Machine) abortSetup(s *callSession, err error) error {
	if s.ctx.Err() != nil {
		return ErrCallCanceled
	}
	log.Warnf("[call room=%s] setup failed: %v", s.roomID, err)
	m.teardown(s, true, "setup failed")
	m.sink.CallFailed(err)
	return err
}

// attach runs fn under the lock if s is still the live session.
func (m *Machine) attach(s *callSession, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != s || s.ended {
		return false
	}
	fn()
	return true
}

func (m *Machine) transition(s *callSession, p Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != s || s.ended {
		return false
	}
	s.phase = p
	if p == PhaseConnecting && s.iceConnected {
		s.phase = PhaseActive
	}
	if s.started.IsZero() {
		s.started = m.clock.Now()
	}
	return true
}

func (m *Machine) startTicker(s *callSession) {
	m.mu.Lock()
	if m.active != s || s.ended || s.ticker != nil {
		m.mu.Unlock()
		return
	}
	t := m.clock.Ticker(durationTick)
	s.ticker = t
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
				m.emit(s)
			}
		}
	}()
}

func (m *Machine) emit(s *callSession) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.mu.Lock()
	if m.active != s || s.ended || s.phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	v := s.viewLocked(m.clock.Now())
	m.mu.Unlock()
	m.sink.CallChanged(v)
}

// teardown ends s exactly once: it detaches the session and delivers the
// ended and idle views, sends the farewell frame when notify is set, then
// releases the peer and local media.
func (m *Machine) teardown(s *callSession, notify bool, reason string) {
	m.emitMu.Lock()
	m.mu.Lock()
	if m.active != s || s.ended {
		m.mu.Unlock()
		m.emitMu.Unlock()
		return
	}
	m.active = nil
	s.ended = true
	s.phase = PhaseEnded
	s.reason = reason
	end := s.viewLocked(m.clock.Now())
	s.cancel()
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	peer, local := s.peer, s.local
	s.peer, s.local = nil, nil
	m.mu.Unlock()

	log.Infof("[call room=%s] call ended: %s", s.roomID, reason)
	m.sink.CallChanged(end)
	m.sink.CallChanged(View{Phase: PhaseIdle})
	m.emitMu.Unlock()

	s.sendMu.Lock()
	if notify && !s.closed {
		var farewell proto.Outbound
		switch {
		case s.role == RoleCaller && s.offerSent:
			farewell = proto.CallEnd{CallID: proto.IDPtr(end.CallID)}
		case s.role == RoleCallee && s.answered:
			farewell = proto.CallEnd{CallID: proto.IDPtr(end.CallID)}
		case s.role == RoleCallee:
			farewell = proto.CallReject{CallID: proto.IDPtr(end.CallID)}
		}
		if farewell != nil {
			if err := m.sig.Send(farewell); err != nil {
				log.Debugf("[call room=%s] %s dropped: %v", s.roomID, farewell.FrameType(), err)
			}
		}
	}
	s.closed = true
	s.pendingLocal = nil
	s.sendMu.Unlock()

	if peer != nil {
		_ = peer.Close()
	}
	if local != nil {
		local.Stop()
	}
}
