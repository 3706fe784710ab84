package call

import (
	"context"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func TestPionOfferAnswerWithoutLocalMedia(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.ICEServers = nil
	engine, err := NewPionEngine(cfg)
	require.NoError(t, err)

	caller, err := engine.NewPeer(nil, PeerEvents{})
	require.NoError(t, err)
	defer caller.Close()
	callee, err := engine.NewPeer(nil, PeerEvents{})
	require.NoError(t, err)
	defer callee.Close()

	ctx := context.Background()
	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	require.True(t, strings.Contains(offer, "m=video"))
	require.True(t, strings.Contains(offer, "m=audio"))

	answer, err := callee.AcceptOffer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, caller.SetAnswer(ctx, answer))

	require.Error(t, caller.SetSending(KindAudio, false))
	require.Equal(t, RemoteStats{}, caller.RemoteStats())

	require.NoError(t, caller.Close())
	require.NoError(t, caller.Close())
}

func TestPionRejectsBadCandidate(t *testing.T) {
	engine, err := NewPionEngine(DefaultEngineConfig())
	require.NoError(t, err)
	p, err := engine.NewPeer(nil, PeerEvents{})
	require.NoError(t, err)
	defer p.Close()

	require.Error(t, p.AddICECandidate([]byte(`not json`)))
}

func TestUpdateICEServers(t *testing.T) {
	engine, err := NewPionEngine(DefaultEngineConfig())
	require.NoError(t, err)

	servers := []webrtc.ICEServer{{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "p"}}
	engine.UpdateICEServers(servers)
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	require.Equal(t, servers, engine.cfg.ICEServers)
}

func TestPeerStateMapping(t *testing.T) {
	require.Equal(t, PeerConnected, peerStateOf(webrtc.ICEConnectionStateCompleted))
	require.Equal(t, PeerFailed, peerStateOf(webrtc.ICEConnectionStateFailed))
	require.Equal(t, PeerDisconnected, peerStateOf(webrtc.ICEConnectionStateDisconnected))
	require.Equal(t, PeerNew, peerStateOf(webrtc.ICEConnectionStateNew))
	require.Equal(t, "failed", PeerFailed.String())
	require.Equal(t, "audio-only", Constraints{Audio: true}.String())
}
