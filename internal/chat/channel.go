// Package chat carries a room's chat over a realtime connection.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/trezcool/masomo-live/internal/conn"
	"github.com/trezcool/masomo-live/internal/proto"
)

var log = logging.Logger("chat")

var (
	ErrEmptyMessage = errors.New("empty message")
	ErrNoRoom       = errors.New("not in a room")
)

// Sink receives everything the chat channel produces.
type Sink interface {
	conn.StatusSink
	ChatConnected(roomID string, w Welcome)
	AppendMessage(roomID string, msg Message)
	Typing(roomID string, who Participant)
	Presence(roomID string, who Participant, online bool)
}

// Channel is the chat connection for one room at a time.
type Channel struct {
	conn    conn.Conn
	locator conn.Locator
	sink    Sink
	clock   clock.Clock

	mu     sync.Mutex
	roomID string
	self   Participant
}

// NewChannel wires c to sink. c must not be shared with other channels.
func NewChannel(c conn.Conn, locator conn.Locator, sink Sink, clk clock.Clock) *Channel {
	if clk == nil {
		clk = clock.New()
	}
	ch := &Channel{conn: c, locator: locator, sink: sink, clock: clk}
	c.OnFrame(ch.handleFrame)
	c.OnStateChange(func(s conn.State) {
		if room := ch.RoomID(); room != "" {
			sink.ConnectionChanged(proto.PurposeChat, room, s)
		}
	})
	c.OnAuthFailure(func() {
		sink.AuthFailed(proto.PurposeChat, ch.RoomID())
	})
	return ch
}

// RoomID returns the joined room, or "".
func (c *Channel) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Join connects to roomID. Joining the current room is a no-op while the
// connection is up; joining another room closes the old one cleanly first.
func (c *Channel) Join(roomID string) error {
	if roomID == "" {
		return ErrNoRoom
	}
	c.mu.Lock()
	prev := c.roomID
	c.mu.Unlock()

	if prev != "" && prev != roomID {
		log.Debugf("[chat room=%s] leaving for room %s", prev, roomID)
		c.conn.Close(proto.CloseNormal)
	}

	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()

	endpoint, token, err := c.locator.Locate(proto.PurposeChat, roomID)
	if err != nil {
		return fmt.Errorf("locate chat %s: %w", roomID, err)
	}
	return c.conn.Open(endpoint, token)
}

// Leave closes the room connection cleanly.
func (c *Channel) Leave() {
	room := c.RoomID()
	if room == "" {
		return
	}
	c.conn.Close(proto.CloseNormal)
	c.mu.Lock()
	c.roomID = ""
	c.mu.Unlock()
	log.Debugf("[chat room=%s] left", room)
}

// Send transmits text and appends an optimistic local copy. Nothing is
// appended when the frame was dropped.
func (c *Channel) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	room := c.RoomID()
	if room == "" {
		return ErrNoRoom
	}
	if err := c.conn.Send(proto.OutgoingMessage{Message: text}); err != nil {
		log.Debugf("[chat room=%s] message not sent: %v", room, err)
		return err
	}

	c.mu.Lock()
	self := c.self
	c.mu.Unlock()

	c.sink.AppendMessage(room, Message{
		ID:         generateID(),
		RoomID:     room,
		SenderID:   self.ID.String(),
		SenderName: self.Name,
		Body:       text,
		Timestamp:  c.clock.Now().UnixMilli(),
		Status:     StatusMessage,
		Local:      true,
	})
	return nil
}

// SendTyping announces that the local user is composing.
func (c *Channel) SendTyping() error {
	if c.RoomID() == "" {
		return ErrNoRoom
	}
	return c.conn.Send(proto.OutgoingTyping{})
}

func (c *Channel) handleFrame(raw proto.RawFrame) {
	c.mu.Lock()
	room, self := c.roomID, c.self
	c.mu.Unlock()
	if room == "" {
		return
	}

	f, err := proto.DecodeChat(raw)
	if err != nil {
		log.Warnf("[chat room=%s] dropping frame: %v", room, err)
		return
	}

	switch f := f.(type) {
	case proto.Connected:
		w := Welcome{
			Self:     Participant{ID: f.UserID, Name: f.UserName},
			TenantID: f.TenantID,
			Role:     f.Role,
			Text:     f.Message,
		}
		c.mu.Lock()
		c.self = w.Self
		c.mu.Unlock()
		log.Infof("[chat room=%s] joined as %s (%s)", room, w.Self.Name, w.Role)
		c.sink.ChatConnected(room, w)
		if w.Text != "" {
			c.sink.AppendMessage(room, Message{
				ID:        generateID(),
				RoomID:    room,
				Body:      w.Text,
				Timestamp: c.clock.Now().UnixMilli(),
				Status:    StatusSystem,
			})
		}

	case proto.ChatMessage:
		c.sink.AppendMessage(room, c.toMessage(room, f))

	case proto.Typing:
		if self.ID != "" && f.UserID == self.ID {
			return
		}
		c.sink.Typing(room, Participant{ID: f.UserID, Name: f.UserName})

	case proto.Presence:
		if self.ID != "" && f.UserID == self.ID {
			return
		}
		c.sink.Presence(room, Participant{ID: f.UserID, Name: f.UserName}, f.Online)
	}
}

func (c *Channel) toMessage(room string, f proto.ChatMessage) Message {
	msg := Message{
		ID:         f.ID.String(),
		RoomID:     room,
		SenderID:   f.UserID.String(),
		SenderName: f.UserName,
		Body:       f.Message,
		Status:     StatusMessage,
	}
	if msg.ID == "" {
		msg.ID = generateID()
	}
	// Add timestamp if missing
	if ts, ok := f.Timestamp.Time(); ok {
		msg.Timestamp = ts.UnixMilli()
	} else if ts, ok := f.CreatedAt.Time(); ok {
		msg.Timestamp = ts.UnixMilli()
	} else {
		msg.Timestamp = c.clock.Now().UnixMilli()
	}
	return msg
}
