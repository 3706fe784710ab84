package chat

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-live/internal/conn"
	"github.com/trezcool/masomo-live/internal/conn/conntest"
	"github.com/trezcool/masomo-live/internal/proto"
)

type locator struct{}

func (locator) Locate(p proto.Purpose, scope string) (string, string, error) {
	return proto.EndpointURL("ws", "test.local", p, scope), "tok", nil
}

type sink struct {
	mu       sync.Mutex
	welcome  *Welcome
	messages []Message
	typing   []Participant
	presence map[proto.ID]bool
	states   []conn.State
	auth     int
}

func (s *sink) ConnectionChanged(_ proto.Purpose, _ string, st conn.State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *sink) AuthFailed(proto.Purpose, string) {
	s.mu.Lock()
	s.auth++
	s.mu.Unlock()
}

func (s *sink) ChatConnected(_ string, w Welcome) {
	s.mu.Lock()
	s.welcome = &w
	s.mu.Unlock()
}

func (s *sink) AppendMessage(_ string, m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
}

func (s *sink) Typing(_ string, who Participant) {
	s.mu.Lock()
	s.typing = append(s.typing, who)
	s.mu.Unlock()
}

func (s *sink) Presence(_ string, who Participant, online bool) {
	s.mu.Lock()
	if s.presence == nil {
		s.presence = map[proto.ID]bool{}
	}
	s.presence[who.ID] = online
	s.mu.Unlock()
}

func newChannel(t *testing.T) (*Channel, *conntest.Fake, *sink, *clock.Mock) {
	t.Helper()
	fake := conntest.New()
	s := &sink{}
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1_700_000_000_000))
	return NewChannel(fake, locator{}, s, clk), fake, s, clk
}

func TestJoinOpensRoomEndpoint(t *testing.T) {
	c, fake, s, _ := newChannel(t)

	require.NoError(t, c.Join("12"))
	require.Equal(t, []string{"ws://test.local/ws/chat/12/?token=tok"}, fake.Opens())
	require.Equal(t, []conn.State{conn.StateConnecting, conn.StateConnected}, s.states)

	require.NoError(t, c.Join("12"))
	require.Len(t, fake.Opens(), 1)
}

func TestJoinOtherRoomClosesCleanly(t *testing.T) {
	c, fake, _, _ := newChannel(t)

	require.NoError(t, c.Join("12"))
	require.NoError(t, c.Join("13"))
	require.Equal(t, []int{proto.CloseNormal}, fake.Closes())
	require.Len(t, fake.Opens(), 2)
	require.True(t, strings.Contains(fake.Opens()[1], "/ws/chat/13/"))
	require.Equal(t, "13", c.RoomID())
}

func TestWelcomeAndMessages(t *testing.T) {
	c, fake, s, _ := newChannel(t)
	require.NoError(t, c.Join("12"))

	fake.Deliver(`{"type":"connected","user_id":7,"user_name":"Amani","tenant_id":1,"role":"STUDENT","message":"Welcome to room 12"}`)
	fake.Deliver(`{"type":"message","id":99,"user_id":8,"user_name":"Bisi","message":"hello","timestamp":"2024-03-01T10:00:00Z"}`)
	fake.Deliver(`{"type":"message","user_id":8,"user_name":"Bisi","message":"no id"}`)

	require.NotNil(t, s.welcome)
	require.Equal(t, proto.ID("7"), s.welcome.Self.ID)
	require.Equal(t, "STUDENT", s.welcome.Role)

	require.Len(t, s.messages, 3)
	require.Equal(t, StatusSystem, s.messages[0].Status)
	require.Equal(t, "Welcome to room 12", s.messages[0].Body)

	require.Equal(t, "99", s.messages[1].ID)
	require.Equal(t, "8", s.messages[1].SenderID)
	require.Equal(t, int64(1709287200000), s.messages[1].Timestamp)

	require.True(t, strings.HasPrefix(s.messages[2].ID, "local-"))
	require.Equal(t, int64(1_700_000_000_000), s.messages[2].Timestamp)
}

func TestMalformedAndForeignFramesAreIgnored(t *testing.T) {
	c, fake, s, _ := newChannel(t)
	require.NoError(t, c.Join("12"))

	fake.Deliver(`{"type":"message","message":42}`)
	fake.Deliver(`{"type":"incoming_call","sdp":"x"}`)
	fake.Deliver(`not json`)
	require.Empty(t, s.messages)
}

func TestSendAppendsOptimisticCopy(t *testing.T) {
	c, fake, s, _ := newChannel(t)
	require.NoError(t, c.Join("12"))
	fake.Deliver(`{"type":"connected","user_id":7,"user_name":"Amani","tenant_id":1,"role":"STUDENT","message":""}`)

	require.NoError(t, c.Send("hi all"))
	require.Equal(t, []proto.Outbound{proto.OutgoingMessage{Message: "hi all"}}, fake.Sent())

	require.Len(t, s.messages, 1)
	m := s.messages[0]
	require.True(t, m.Local)
	require.Equal(t, "7", m.SenderID)
	require.Equal(t, "hi all", m.Body)

	// The server echo is appended as well; ids are not deduplicated.
	fake.Deliver(`{"type":"message","id":100,"user_id":7,"user_name":"Amani","message":"hi all"}`)
	require.Len(t, s.messages, 2)
}

func TestSendWhileDisconnectedAppendsNothing(t *testing.T) {
	c, fake, s, _ := newChannel(t)
	require.NoError(t, c.Join("12"))
	fake.Drop(proto.CloseAbnormal)

	require.ErrorIs(t, c.Send("lost"), conn.ErrNotConnected)
	require.Empty(t, s.messages)
	require.Empty(t, fake.Sent())
}

func TestSendRejectsEmptyText(t *testing.T) {
	c, _, _, _ := newChannel(t)
	require.NoError(t, c.Join("12"))
	require.ErrorIs(t, c.Send("   "), ErrEmptyMessage)
}

func TestSendWithoutRoom(t *testing.T) {
	c, _, _, _ := newChannel(t)
	require.ErrorIs(t, c.Send("hi"), ErrNoRoom)
	require.ErrorIs(t, c.SendTyping(), ErrNoRoom)
}

func TestTypingAndPresenceSkipSelf(t *testing.T) {
	c, fake, s, _ := newChannel(t)
	require.NoError(t, c.Join("12"))
	fake.Deliver(`{"type":"connected","user_id":7,"user_name":"Amani","tenant_id":1,"role":"STUDENT","message":""}`)

	fake.Deliver(`{"type":"typing","user_id":7,"user_name":"Amani"}`)
	fake.Deliver(`{"type":"typing","user_id":8,"user_name":"Bisi"}`)
	fake.Deliver(`{"type":"presence","user_id":8,"user_name":"Bisi","online":true}`)
	fake.Deliver(`{"type":"presence","user_id":7,"user_name":"Amani","online":false}`)

	require.Equal(t, []Participant{{ID: "8", Name: "Bisi"}}, s.typing)
	require.Equal(t, map[proto.ID]bool{"8": true}, s.presence)

	require.NoError(t, c.SendTyping())
	require.Equal(t, []string{proto.TypeTyping}, fake.SentTypes())
}

func TestLeaveStopsDelivery(t *testing.T) {
	c, fake, s, _ := newChannel(t)
	require.NoError(t, c.Join("12"))
	c.Leave()
	c.Leave()

	require.Equal(t, []int{proto.CloseNormal}, fake.Closes())
	require.Equal(t, "", c.RoomID())

	fake.Deliver(`{"type":"message","message":"late"}`)
	require.Empty(t, s.messages)
}

func TestAuthFailureReachesSink(t *testing.T) {
	c, fake, s, _ := newChannel(t)
	require.NoError(t, c.Join("12"))
	fake.Drop(proto.CloseAuthFailed)
	require.Equal(t, 1, s.auth)
}
