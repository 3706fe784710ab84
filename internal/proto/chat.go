package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ChatFrame is the closed set of frames the chat endpoint delivers.
type ChatFrame interface {
	isChatFrame()
}

// Connected is the server welcome; it echoes the authenticated identity.
type Connected struct {
	UserID   ID     `json:"user_id"`
	UserName string `json:"user_name"`
	TenantID ID     `json:"tenant_id"`
	Role     string `json:"role"`
	Message  string `json:"message"`
}

// ChatMessage is a chat payload broadcast to the room.
type ChatMessage struct {
	ID        ID     `json:"id,omitempty"`
	UserID    ID     `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	Message   string `json:"message"`
	Timestamp Stamp  `json:"timestamp,omitempty"`
	CreatedAt Stamp  `json:"created_at,omitempty"`
}

// Typing reports that a participant is composing a message.
type Typing struct {
	UserID   ID     `json:"user_id"`
	UserName string `json:"user_name"`
}

// Presence reports a participant joining or leaving the room.
type Presence struct {
	UserID   ID     `json:"user_id"`
	UserName string `json:"user_name"`
	Online   bool   `json:"online"`
}

func (Connected) isChatFrame()   {}
func (ChatMessage) isChatFrame() {}
func (Typing) isChatFrame()      {}
func (Presence) isChatFrame()    {}

// DecodeChat decodes a chat endpoint frame.
func DecodeChat(raw RawFrame) (ChatFrame, error) {
	switch raw.Type {
	case TypeConnected:
		return decodeAs[Connected](raw)
	case TypeMessage:
		return decodeAs[ChatMessage](raw)
	case TypeTyping:
		return decodeAs[Typing](raw)
	case TypePresence:
		return decodeAs[Presence](raw)
	default:
		return nil, fmt.Errorf("%w: %q on chat", ErrUnknownFrame, raw.Type)
	}
}

// OutgoingMessage is chat text sent by the local user.
type OutgoingMessage struct {
	Message string `json:"message"`
}

func (OutgoingMessage) FrameType() string { return TypeMessage }

// OutgoingTyping announces local typing activity.
type OutgoingTyping struct{}

func (OutgoingTyping) FrameType() string { return TypeTyping }

// Stamp is a timestamp as the server sent it, string or number.
type Stamp string

func (s *Stamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = Stamp(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*s = Stamp(n.String())
	return nil
}

// Time parses the stamp; ok is false when it is empty or unparseable.
func (s Stamp) Time() (time.Time, bool) {
	return ParseTimestamp(string(s))
}

func decodeAs[T any](raw RawFrame) (T, error) {
	var v T
	if err := json.Unmarshal(raw.Data, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, raw.Type, err)
	}
	return v, nil
}
