// Package store holds the UI-visible state written by the realtime
// channels and fans out change events to listeners.
package store

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"

	"github.com/trezcool/masomo-live/internal/call"
	"github.com/trezcool/masomo-live/internal/chat"
	"github.com/trezcool/masomo-live/internal/conn"
	"github.com/trezcool/masomo-live/internal/notify"
	"github.com/trezcool/masomo-live/internal/proto"
)

var log = logging.Logger("store")

// TypingTTL is how long a typing indicator stays visible.
const TypingTTL = 5 * time.Second

const listenerBuffer = 64

type ChangeKind string

const (
	ChangeConnection    ChangeKind = "connection"
	ChangeAuth          ChangeKind = "auth"
	ChangeWelcome       ChangeKind = "welcome"
	ChangeMessages      ChangeKind = "messages"
	ChangeTyping        ChangeKind = "typing"
	ChangePresence      ChangeKind = "presence"
	ChangeNotifications ChangeKind = "notifications"
	ChangeCall          ChangeKind = "call"
	ChangeCallError     ChangeKind = "call_error"
)

// Change tells a listener what part of the store moved.
type Change struct {
	Kind    ChangeKind
	Purpose proto.Purpose // connection and auth changes
	Scope   string        // room id, or user id for notifications
}

// ConnKey identifies one realtime connection.
type ConnKey struct {
	Purpose proto.Purpose
	Scope   string
}

type typist struct {
	who  chat.Participant
	last time.Time
}

// Store implements every channel sink. It is safe for concurrent use.
type Store struct {
	clock clock.Clock

	mu            sync.RWMutex
	conns         map[ConnKey]conn.State
	authFailed    map[ConnKey]bool
	welcome       map[string]chat.Welcome
	messages      map[string][]chat.Message
	online        map[string]map[proto.ID]chat.Participant
	typing        map[string]map[proto.ID]typist
	notifications []notify.Notification
	callView      call.View
	callError     string

	listenerMu sync.RWMutex
	listeners  []chan Change
}

var (
	_ chat.Sink   = (*Store)(nil)
	_ notify.Sink = (*Store)(nil)
	_ call.Sink   = (*Store)(nil)
)

func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		clock:      clk,
		conns:      make(map[ConnKey]conn.State),
		authFailed: make(map[ConnKey]bool),
		welcome:    make(map[string]chat.Welcome),
		messages:   make(map[string][]chat.Message),
		online:     make(map[string]map[proto.ID]chat.Participant),
		typing:     make(map[string]map[proto.ID]typist),
		callView:   call.View{Phase: call.PhaseIdle},
	}
}

// Subscribe returns a channel of changes and a cancel func. Changes are
// dropped for a listener whose buffer is full.
func (s *Store) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, listenerBuffer)
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, ch)
	s.listenerMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.listenerMu.Lock()
			for i, l := range s.listeners {
				if l == ch {
					s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
					break
				}
			}
			s.listenerMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publish(c Change) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for _, l := range s.listeners {
		select {
		case l <- c:
		default:
			log.Debugf("[store] listener full, dropping %s change", c.Kind)
		}
	}
}

// ── connection status ────────────────────────────────────────────────────

func (s *Store) ConnectionChanged(purpose proto.Purpose, scope string, state conn.State) {
	key := ConnKey{purpose, scope}
	s.mu.Lock()
	s.conns[key] = state
	if state == conn.StateConnected {
		delete(s.authFailed, key)
	}
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeConnection, Purpose: purpose, Scope: scope})
}

func (s *Store) AuthFailed(purpose proto.Purpose, scope string) {
	s.mu.Lock()
	s.authFailed[ConnKey{purpose, scope}] = true
	s.mu.Unlock()
	log.Warnf("[store] %s/%s authentication rejected", purpose, scope)
	s.publish(Change{Kind: ChangeAuth, Purpose: purpose, Scope: scope})
}

// Connection returns the last known state of a connection.
func (s *Store) Connection(purpose proto.Purpose, scope string) conn.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[ConnKey{purpose, scope}]
}

// AuthRejected reports whether any connection was refused for bad
// credentials and has not since connected.
func (s *Store) AuthRejected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.authFailed) > 0
}

// ── chat ─────────────────────────────────────────────────────────────────

func (s *Store) ChatConnected(roomID string, w chat.Welcome) {
	s.mu.Lock()
	s.welcome[roomID] = w
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeWelcome, Scope: roomID})
}

func (s *Store) AppendMessage(roomID string, msg chat.Message) {
	s.mu.Lock()
	s.messages[roomID] = append(s.messages[roomID], msg)
	if t := s.typing[roomID]; t != nil {
		delete(t, proto.ID(msg.SenderID))
	}
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeMessages, Scope: roomID})
}

func (s *Store) Typing(roomID string, who chat.Participant) {
	s.mu.Lock()
	t := s.typing[roomID]
	if t == nil {
		t = make(map[proto.ID]typist)
		s.typing[roomID] = t
	}
	t[who.ID] = typist{who: who, last: s.clock.Now()}
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeTyping, Scope: roomID})
}

func (s *Store) Presence(roomID string, who chat.Participant, online bool) {
	s.mu.Lock()
	o := s.online[roomID]
	if o == nil {
		o = make(map[proto.ID]chat.Participant)
		s.online[roomID] = o
	}
	if online {
		o[who.ID] = who
	} else {
		delete(o, who.ID)
		if t := s.typing[roomID]; t != nil {
			delete(t, who.ID)
		}
	}
	s.mu.Unlock()
	s.publish(Change{Kind: ChangePresence, Scope: roomID})
}

// Messages returns the room's messages in arrival order.
func (s *Store) Messages(roomID string) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages[roomID])
}

// MessagesFrom returns the room's messages sent by senderID.
func (s *Store) MessagesFrom(roomID, senderID string) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Filter(s.messages[roomID], func(m chat.Message, _ int) bool {
		return m.SenderID == senderID
	})
}

func (s *Store) Welcome(roomID string) (chat.Welcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.welcome[roomID]
	return w, ok
}

// Online returns the room's participants known to be present, by id.
func (s *Store) Online(roomID string) []chat.Participant {
	s.mu.RLock()
	out := lo.Values(s.online[roomID])
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b chat.Participant) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Typists returns who typed in the room within TypingTTL, by id.
func (s *Store) Typists(roomID string) []chat.Participant {
	now := s.clock.Now()
	s.mu.RLock()
	fresh := lo.PickBy(s.typing[roomID], func(_ proto.ID, t typist) bool {
		return now.Sub(t.last) < TypingTTL
	})
	s.mu.RUnlock()
	out := lo.MapToSlice(fresh, func(_ proto.ID, t typist) chat.Participant { return t.who })
	slices.SortFunc(out, func(a, b chat.Participant) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// ── notifications ────────────────────────────────────────────────────────

func (s *Store) AddNotification(n notify.Notification) {
	s.mu.Lock()
	s.notifications = append(s.notifications, n)
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeNotifications})
}

// Notifications returns all notifications, newest first.
func (s *Store) Notifications() []notify.Notification {
	s.mu.RLock()
	out := slices.Clone(s.notifications)
	s.mu.RUnlock()
	slices.SortStableFunc(out, func(a, b notify.Notification) int { return cmp.Compare(b.CreatedAt, a.CreatedAt) })
	return out
}

func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.CountBy(s.notifications, func(n notify.Notification) bool { return !n.IsRead })
}

// MarkRead flags notification id as read. It reports whether it was found
// unread.
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	changed := false
	for i := range s.notifications {
		if s.notifications[i].ID == id && !s.notifications[i].IsRead {
			s.notifications[i].IsRead = true
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.publish(Change{Kind: ChangeNotifications})
	}
	return changed
}

// MarkAllRead flags every notification as read and returns the ids that
// changed.
func (s *Store) MarkAllRead() []string {
	s.mu.Lock()
	var changed []string
	for i := range s.notifications {
		if !s.notifications[i].IsRead {
			s.notifications[i].IsRead = true
			changed = append(changed, s.notifications[i].ID)
		}
	}
	s.mu.Unlock()
	if len(changed) > 0 {
		s.publish(Change{Kind: ChangeNotifications})
	}
	return changed
}

// ── call ─────────────────────────────────────────────────────────────────

func (s *Store) CallChanged(v call.View) {
	s.mu.Lock()
	if v.Phase == call.PhaseOutgoingRinging || v.Phase == call.PhaseIncomingRinging {
		s.callError = ""
	}
	s.callView = v
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeCall})
}

func (s *Store) CallFailed(err error) {
	s.mu.Lock()
	s.callError = err.Error()
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeCallError})
}

func (s *Store) Call() call.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callView
}

// CallError is the last user-visible call failure, cleared when the next
// call starts ringing.
func (s *Store) CallError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callError
}
