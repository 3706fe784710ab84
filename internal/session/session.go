// Package session owns every realtime channel of a signed-in user and the
// store they write to. Nothing outside a Session holds a channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/trezcool/masomo-live/internal/api"
	"github.com/trezcool/masomo-live/internal/call"
	"github.com/trezcool/masomo-live/internal/chat"
	"github.com/trezcool/masomo-live/internal/config"
	"github.com/trezcool/masomo-live/internal/conn"
	"github.com/trezcool/masomo-live/internal/notify"
	"github.com/trezcool/masomo-live/internal/proto"
	"github.com/trezcool/masomo-live/internal/store"
)

var log = logging.Logger("session")

var (
	ErrNoToken = errors.New("no auth token")
	ErrNoRoom  = errors.New("not in a room")
	ErrClosed  = errors.New("session closed")
)

// TokenSource yields the current auth token. *api.Client satisfies it.
type TokenSource interface {
	Token() string
}

// ReadMarker records a notification read on the server. *api.Client
// satisfies it.
type ReadMarker interface {
	MarkNotificationRead(ctx context.Context, id string) error
}

// RoomDirectory looks up and validates a room before it is entered.
// *api.Client satisfies it.
type RoomDirectory interface {
	Room(ctx context.Context, id string) (api.Room, error)
}

// Options wires a Session. Media and Peers are required for calls; the
// rest default from Config. Without Rooms, rooms are entered unchecked.
type Options struct {
	Config config.Config
	Tokens TokenSource
	Reads  ReadMarker
	Rooms  RoomDirectory
	Media  call.MediaSource
	Peers  call.PeerFactory
	Clock  clock.Clock

	// Dialer overrides the websocket dialer built from Config.
	Dialer conn.Dialer
	// NewConn overrides connection construction entirely.
	NewConn func(purpose proto.Purpose) conn.Conn
}

type Session struct {
	cfg    config.Config
	tokens TokenSource
	reads  ReadMarker
	rooms  RoomDirectory
	store  *store.Store

	conns  []conn.Conn
	notify *notify.Channel
	chat   *chat.Channel
	sig    *call.Signaling
	calls  *call.Machine

	mu     sync.Mutex
	userID string
	info   api.Room
	closed bool
}

var _ conn.Locator = (*Session)(nil)

func New(opts Options) (*Session, error) {
	if opts.Tokens == nil {
		return nil, ErrNoToken
	}
	if opts.Media == nil || opts.Peers == nil {
		return nil, errors.New("session: media source and peer factory are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.NewConn == nil {
		opts.NewConn = managerFactory(opts)
	}

	s := &Session{
		cfg:    opts.Config,
		tokens: opts.Tokens,
		reads:  opts.Reads,
		rooms:  opts.Rooms,
		store:  store.New(opts.Clock),
	}

	notifyConn := opts.NewConn(proto.PurposeNotifications)
	chatConn := opts.NewConn(proto.PurposeChat)
	callConn := opts.NewConn(proto.PurposeCall)
	s.conns = []conn.Conn{notifyConn, chatConn, callConn}

	s.notify = notify.NewChannel(notifyConn, s, s.store, opts.Clock)
	s.chat = chat.NewChannel(chatConn, s, s.store, opts.Clock)
	s.sig = call.NewSignaling(callConn, s, s.store)
	s.calls = call.NewMachine(s.sig, call.Options{
		Media:           opts.Media,
		Peers:           opts.Peers,
		Sink:            s.store,
		Clock:           opts.Clock,
		SignalWait:      opts.Config.Realtime.SignalWait(),
		EarlyCandidates: opts.Config.Call.EarlyCandidates,
	})
	return s, nil
}

func managerFactory(opts Options) func(proto.Purpose) conn.Conn {
	rt := opts.Config.Realtime
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &conn.WSDialer{
			HandshakeTimeout: rt.ConnectTimeout(),
			WriteTimeout:     rt.WriteTimeout(),
			ReadLimit:        rt.ReadLimit(),
		}
	}
	return func(p proto.Purpose) conn.Conn {
		return conn.New(conn.Options{
			Name:           string(p),
			Dialer:         dialer,
			Clock:          opts.Clock,
			ReconnectDelay: rt.ReconnectDelay(),
			ConnectTimeout: rt.ConnectTimeout(),
		})
	}
}

// Locate builds the endpoint for purpose and scope from the configured
// server and the current token.
func (s *Session) Locate(purpose proto.Purpose, scope string) (string, string, error) {
	tok := strings.TrimSpace(s.tokens.Token())
	if tok == "" {
		return "", "", ErrNoToken
	}
	return proto.EndpointURL(s.cfg.Server.Scheme, s.cfg.Server.Host, purpose, scope), tok, nil
}

func (s *Session) Store() *store.Store { return s.store }

func (s *Session) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Start opens the notification connection for userID. It lives until
// Close.
func (s *Session) Start(userID string) error {
	if err := s.live(); err != nil {
		return err
	}
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
	if err := s.notify.Start(userID); err != nil {
		return err
	}
	log.Infof("[session user=%s] started", userID)
	return nil
}

// Room returns the room currently entered, or "".
func (s *Session) Room() string { return s.chat.RoomID() }

// EnterRoom looks the room up, then joins its chat and opens its call
// signaling so incoming calls can ring. Entering another room leaves the
// previous one; an active call there is ended first. A room the directory
// rejects opens nothing.
func (s *Session) EnterRoom(ctx context.Context, roomID string) error {
	if err := s.live(); err != nil {
		return err
	}
	if roomID == "" {
		return ErrNoRoom
	}
	info := api.Room{ID: proto.ID(roomID)}
	if s.rooms != nil {
		var err error
		if info, err = s.rooms.Room(ctx, roomID); err != nil {
			return fmt.Errorf("enter room %s: %w", roomID, err)
		}
	}
	if prev := s.chat.RoomID(); prev != "" && prev != roomID {
		s.calls.EndCall()
	}
	if err := s.chat.Join(roomID); err != nil {
		return fmt.Errorf("enter room %s: %w", roomID, err)
	}
	if err := s.sig.Ensure(roomID); err != nil {
		return fmt.Errorf("enter room %s: %w", roomID, err)
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
	log.Debugf("[session room=%s] entered %s %q", roomID, info.Type, info.Name)
	return nil
}

// RoomInfo returns the directory entry of the current room.
func (s *Session) RoomInfo() (api.Room, bool) {
	if s.chat.RoomID() == "" {
		return api.Room{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, true
}

// LeaveRoom ends any call and closes the room's connections cleanly.
func (s *Session) LeaveRoom() {
	room := s.chat.RoomID()
	if room == "" {
		return
	}
	s.calls.EndCall()
	s.chat.Leave()
	s.sig.Leave()
	s.mu.Lock()
	s.info = api.Room{}
	s.mu.Unlock()
	log.Debugf("[session room=%s] left", room)
}

func (s *Session) SendChat(text string) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.chat.Send(text)
}

func (s *Session) SendTyping() error {
	if err := s.live(); err != nil {
		return err
	}
	return s.chat.SendTyping()
}

// StartCall calls callee in the current room.
func (s *Session) StartCall(ctx context.Context, callee proto.ID) error {
	if err := s.live(); err != nil {
		return err
	}
	room := s.chat.RoomID()
	if room == "" {
		return ErrNoRoom
	}
	return s.calls.StartCall(ctx, room, callee)
}

func (s *Session) AnswerCall(ctx context.Context) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.calls.AnswerCall(ctx)
}

func (s *Session) RejectCall() error { return s.calls.RejectCall() }

func (s *Session) EndCall() { s.calls.EndCall() }

func (s *Session) ToggleAudio() (bool, error) { return s.calls.ToggleAudio() }

func (s *Session) ToggleVideo() (bool, error) { return s.calls.ToggleVideo() }

// MarkNotificationRead flags id read locally, then tells the server. The
// local flag stays even if the server call fails.
func (s *Session) MarkNotificationRead(ctx context.Context, id string) error {
	if !s.store.MarkRead(id) {
		return nil
	}
	if s.reads == nil {
		return nil
	}
	if err := s.reads.MarkNotificationRead(ctx, id); err != nil {
		log.Warnf("[session] mark notification %s read: %v", id, err)
		return err
	}
	return nil
}

// MarkAllNotificationsRead flags every unread notification read locally,
// then tells the server about each one. Server failures are joined.
func (s *Session) MarkAllNotificationsRead(ctx context.Context) error {
	ids := s.store.MarkAllRead()
	if s.reads == nil {
		return nil
	}
	var errs []error
	for _, id := range ids {
		if err := s.reads.MarkNotificationRead(ctx, id); err != nil {
			log.Warnf("[session] mark notification %s read: %v", id, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close ends any call and disposes every connection. It is safe to call
// more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	user := s.userID
	s.mu.Unlock()

	s.calls.Close()
	for _, c := range s.conns {
		c.Dispose()
	}
	log.Infof("[session user=%s] closed", user)
}
