// Package notify receives the authenticated user's push notifications.
package notify

import (
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/trezcool/masomo-live/internal/conn"
	"github.com/trezcool/masomo-live/internal/proto"
)

var log = logging.Logger("notify")

var ErrNoUser = errors.New("no user id")

// Notification is a server push as the client keeps it.
type Notification struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"created_at"` // unix timestamp in milliseconds
	IsRead    bool   `json:"is_read"`
}

// Sink receives notifications and the connection status.
type Sink interface {
	conn.StatusSink
	AddNotification(n Notification)
}

// Channel holds the user's notification connection for the lifetime of
// the process.
type Channel struct {
	conn    conn.Conn
	locator conn.Locator
	sink    Sink
	clock   clock.Clock

	mu     sync.Mutex
	userID string
}

func NewChannel(c conn.Conn, locator conn.Locator, sink Sink, clk clock.Clock) *Channel {
	if clk == nil {
		clk = clock.New()
	}
	ch := &Channel{conn: c, locator: locator, sink: sink, clock: clk}
	c.OnFrame(ch.handleFrame)
	c.OnStateChange(func(s conn.State) {
		sink.ConnectionChanged(proto.PurposeNotifications, ch.UserID(), s)
	})
	c.OnAuthFailure(func() {
		sink.AuthFailed(proto.PurposeNotifications, ch.UserID())
	})
	return ch
}

func (c *Channel) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Start connects to the endpoint scoped to userID. Calling it again while
// connected is a no-op.
func (c *Channel) Start(userID string) error {
	if userID == "" {
		return ErrNoUser
	}
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()

	endpoint, token, err := c.locator.Locate(proto.PurposeNotifications, userID)
	if err != nil {
		return fmt.Errorf("locate notifications %s: %w", userID, err)
	}
	return c.conn.Open(endpoint, token)
}

// Stop closes the connection cleanly.
func (c *Channel) Stop() {
	c.conn.Close(proto.CloseNormal)
}

func (c *Channel) handleFrame(raw proto.RawFrame) {
	f, err := proto.DecodeNotification(raw)
	if err != nil {
		log.Warnf("[notify user=%s] dropping frame: %v", c.UserID(), err)
		return
	}

	n := Notification{
		ID:      f.ID.String(),
		Message: f.Message,
	}
	if n.ID == "" {
		n.ID = "local-" + uuid.NewString()
	}
	if ts, ok := f.CreatedAt.Time(); ok {
		n.CreatedAt = ts.UnixMilli()
	} else {
		n.CreatedAt = c.clock.Now().UnixMilli()
	}
	log.Debugf("[notify user=%s] %s: %.50s", c.UserID(), n.ID, n.Message)
	c.sink.AddNotification(n)
}
