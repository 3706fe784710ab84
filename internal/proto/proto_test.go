package proto

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodePutsTypeFirst(t *testing.T) {
	b, err := Encode(OutgoingMessage{Message: "hi"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"message","message":"hi"}`, string(b))
	require.Equal(t, `{"type":"message","message":"hi"}`, string(b))

	b, err = Encode(OutgoingTyping{})
	require.NoError(t, err)
	require.Equal(t, `{"type":"typing"}`, string(b))
}

func TestEncodeCallEndWithoutCallID(t *testing.T) {
	b, err := Encode(CallEnd{})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"call_end","call_id":null}`, string(b))

	b, err = Encode(CallEnd{CallID: IDPtr("42")})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"call_end","call_id":42}`, string(b))
}

func TestLocalCandidateIsForwardedVerbatim(t *testing.T) {
	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 54321 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	b, err := Encode(LocalCandidate{Candidate: cand})
	require.NoError(t, err)

	var back struct {
		Type      string          `json:"type"`
		Candidate json.RawMessage `json:"candidate"`
	}
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, TypeICECandidate, back.Type)
	require.JSONEq(t, string(cand), string(back.Candidate))
}

func TestParseFrame(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		raw, err := ParseFrame([]byte(`{"type":"message","message":"x"}`))
		require.NoError(t, err)
		require.Equal(t, TypeMessage, raw.Type)
	})
	t.Run("not json", func(t *testing.T) {
		_, err := ParseFrame([]byte(`{"type":`))
		require.True(t, errors.Is(err, ErrMalformedFrame))
	})
	t.Run("missing type", func(t *testing.T) {
		_, err := ParseFrame([]byte(`{"message":"x"}`))
		require.True(t, errors.Is(err, ErrMalformedFrame))
	})
	t.Run("array", func(t *testing.T) {
		_, err := ParseFrame([]byte(`[1,2]`))
		require.Error(t, err)
	})
}

func TestDecodeCallFrames(t *testing.T) {
	raw, err := ParseFrame([]byte(`{"type":"incoming_call","caller_id":7,"caller_name":"Amani","sdp":"offerA","call_id":42}`))
	require.NoError(t, err)
	f, err := DecodeCall(raw)
	require.NoError(t, err)
	ic, ok := f.(IncomingCall)
	require.True(t, ok)
	require.Equal(t, ID("7"), ic.CallerID)
	require.Equal(t, ID("42"), ic.CallID)
	require.Equal(t, "offerA", ic.SDP)

	raw, _ = ParseFrame([]byte(`{"type":"call_ended"}`))
	f, err = DecodeCall(raw)
	require.NoError(t, err)
	require.IsType(t, CallEnded{}, f)

	raw, _ = ParseFrame([]byte(`{"type":"ice_candidate"}`))
	_, err = DecodeCall(raw)
	require.True(t, errors.Is(err, ErrMalformedFrame))

	raw, _ = ParseFrame([]byte(`{"type":"message","message":"wrong endpoint"}`))
	_, err = DecodeCall(raw)
	require.True(t, errors.Is(err, ErrUnknownFrame))
}

func TestIDRoundTrip(t *testing.T) {
	var v struct {
		A ID `json:"a"`
		B ID `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":42,"b":"c-9"}`), &v))
	require.Equal(t, ID("42"), v.A)
	require.Equal(t, ID("c-9"), v.B)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":42,"b":"c-9"}`, string(out))
}

func TestStringIDsThatLookNumericStayQuoted(t *testing.T) {
	var f struct {
		CallID ID `json:"call_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"call_id":"007"}`), &f))

	b, err := Encode(CallAnswer{CallID: f.CallID, SDP: "answer"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"call_answer","call_id":"007","sdp":"answer"}`, string(b))

	for id, want := range map[ID]string{
		"+5":  `"+5"`,
		"-07": `"-07"`,
		"-7":  `-7`,
		"0":   `0`,
		"10":  `10`,
	} {
		out, err := json.Marshal(id)
		require.NoError(t, err, id)
		require.Equal(t, want, string(out), id)
	}
}

func TestEndpointURL(t *testing.T) {
	require.Equal(t, "wss://api.masomo.cd/ws/chat/12/", EndpointURL("wss", "api.masomo.cd", PurposeChat, "12"))
	require.Equal(t, "ws://localhost:8000/ws/notifications/7/", EndpointURL("ws", "localhost:8000", PurposeNotifications, "7"))
}

func TestParseTimestamp(t *testing.T) {
	ts, ok := ParseTimestamp("2024-03-01T10:00:00Z")
	require.True(t, ok)
	require.Equal(t, int64(1709287200), ts.Unix())

	ts, ok = ParseTimestamp("1709287200000")
	require.True(t, ok)
	require.Equal(t, int64(1709287200), ts.Unix())

	_, ok = ParseTimestamp("yesterday")
	require.False(t, ok)
}
