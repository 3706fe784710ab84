// Package proto defines the JSON frames exchanged with the realtime server
// and the endpoint layout under /ws/.
package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Purpose selects one of the server's websocket endpoint families.
type Purpose string

const (
	PurposeNotifications Purpose = "notifications"
	PurposeChat          Purpose = "chat"
	PurposeCall          Purpose = "call"
)

// Close codes with meaning to the client.
const (
	CloseNormal     = 1000
	CloseGoingAway  = 1001
	CloseAbnormal   = 1006
	CloseAuthFailed = 4001
)

// Frame type discriminators.
const (
	TypeConnected    = "connected"
	TypeMessage      = "message"
	TypeTyping       = "typing"
	TypePresence     = "presence"
	TypeNotification = "notification"
	TypeCallOffer    = "call_offer"
	TypeIncomingCall = "incoming_call"
	TypeCallAnswer   = "call_answer"
	TypeCallAccepted = "call_accepted"
	TypeICECandidate = "ice_candidate"
	TypeCallEnd      = "call_end"
	TypeCallEnded    = "call_ended"
	TypeCallReject   = "call_reject"
	TypeCallRejected = "call_rejected"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownFrame   = errors.New("unknown frame type")
)

// RawFrame is an inbound frame whose discriminator has been read but whose
// body is still undecoded. Channels decode it into their own frame union.
type RawFrame struct {
	Type string
	Data json.RawMessage
}

// ParseFrame checks that b is a JSON object carrying a string "type".
func ParseFrame(b []byte) (RawFrame, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return RawFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if head.Type == nil || *head.Type == "" {
		return RawFrame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return RawFrame{Type: *head.Type, Data: json.RawMessage(b)}, nil
}

// Outbound is implemented by every frame the client sends.
type Outbound interface {
	FrameType() string
}

// Encode serializes f as a JSON object with the "type" discriminator first.
func Encode(f Outbound) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("frame %s does not encode to an object", f.FrameType())
	}
	typ, _ := json.Marshal(f.FrameType())

	out := make([]byte, 0, len(body)+len(typ)+9)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		out = append(out, ',')
		out = append(out, inner...)
	}
	return append(out, '}'), nil
}

// ID is a server-assigned identifier. The backend uses integer keys for
// some resources and strings for others; ID accepts both and writes
// numeric ids back as numbers so they round-trip unchanged.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.numeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// numeric reports whether id is a canonical base-10 integer, the only form
// that is also a valid JSON number. "007" and "+5" stay strings.
func (id ID) numeric() bool {
	if id == "" {
		return false
	}
	n, err := strconv.ParseInt(string(id), 10, 64)
	return err == nil && strconv.FormatInt(n, 10) == string(id)
}

func (id ID) String() string { return string(id) }

// IDPtr returns a pointer to id, or nil when id is empty so that it
// encodes as JSON null.
func IDPtr(id ID) *ID {
	if id == "" {
		return nil
	}
	return &id
}

// EndpointURL builds {scheme}://{host}/ws/{purpose}/{scope}/. The auth
// token is attached separately by the connection manager.
func EndpointURL(scheme, host string, purpose Purpose, scope string) string {
	u := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   "/ws/" + string(purpose) + "/" + scope + "/",
	}
	return u.String()
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts the timestamp shapes the backend emits: RFC 3339,
// naive ISO datetimes and unix seconds or milliseconds.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

func NowMillis() int64 { return time.Now().UnixMilli() }
