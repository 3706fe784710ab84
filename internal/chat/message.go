package chat

import (
	"github.com/google/uuid"

	"github.com/trezcool/masomo-live/internal/proto"
)

// Status separates server/system lines from user messages.
type Status string

const (
	StatusSystem  Status = "system"  // connection welcome and similar
	StatusMessage Status = "message" // sent by a participant
)

// Message is one line in a room's chat log.
type Message struct {
	ID         string `json:"id"`          // server id, or a local placeholder
	RoomID     string `json:"room_id"`     // room the message belongs to
	SenderID   string `json:"sender_id"`   // empty for system lines
	SenderName string `json:"sender_name"` // display name
	Body       string `json:"body"`
	Timestamp  int64  `json:"timestamp"` // unix timestamp in milliseconds
	Status     Status `json:"status"`
	Local      bool   `json:"local,omitempty"` // optimistic copy of our own send
}

// Participant identifies someone in a room.
type Participant struct {
	ID   proto.ID `json:"id"`
	Name string   `json:"name"`
}

// Welcome is the identity the server echoes after the chat handshake.
type Welcome struct {
	Self     Participant `json:"self"`
	TenantID proto.ID    `json:"tenant_id"`
	Role     string      `json:"role"`
	Text     string      `json:"text"`
}

// generateID creates a local placeholder id for messages the server did
// not number.
func generateID() string {
	return "local-" + uuid.NewString()
}
