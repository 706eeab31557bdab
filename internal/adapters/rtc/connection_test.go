package rtc

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

func newTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(PCMU, "audio", id)
	require.NoError(t, err)
	return track
}

func TestOfferAnswerNegotiatesPCMU(t *testing.T) {
	f, err := NewFactory(FactoryOptions{})
	require.NoError(t, err)

	caller, err := f.NewTransport([]core.ICEServer{})
	require.NoError(t, err)
	defer caller.Close()
	callee, err := f.NewTransport([]core.ICEServer{})
	require.NoError(t, err)
	defer callee.Close()

	require.NoError(t, caller.AddLocalTrack(newTrack(t, "caller")))
	require.NoError(t, callee.AddLocalTrack(newTrack(t, "callee")))

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Contains(t, offer.SDP, "PCMU/8000")
	require.NoError(t, offer.Validate("offer"))

	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	assert.Contains(t, answer.SDP, "PCMU/8000")

	require.NoError(t, caller.SetRemoteDescription(answer))
}

func TestSetRemoteDescriptionRejectsGarbage(t *testing.T) {
	f, err := NewFactory(FactoryOptions{})
	require.NoError(t, err)
	tr, err := f.NewTransport(nil)
	require.NoError(t, err)
	defer tr.Close()

	err = tr.SetRemoteDescription(domain.SessionDescription{Type: "bogus", SDP: "v=0"})
	assert.ErrorIs(t, err, domain.ErrInvalidDescription)

	err = tr.SetRemoteDescription(domain.SessionDescription{Type: "offer", SDP: "not sdp"})
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	f, err := NewFactory(FactoryOptions{})
	require.NoError(t, err)
	tr, err := f.NewTransport(nil)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Error(t, tr.AddLocalTrack(newTrack(t, "late")))
}

func TestConversions(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	c := domain.ICECandidate{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}
	assert.Equal(t, c, fromCandidateInit(toCandidateInit(c)))

	sd, err := toSessionDescription(domain.SessionDescription{Type: "answer", SDP: "v=0"})
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, sd.Type)
	assert.Equal(t, domain.SessionDescription{Type: "answer", SDP: "v=0"}, fromSessionDescription(sd))

	servers := toICEServers([]core.ICEServer{{URLs: []string{"turn:turn.example.org"}, Username: "u", Credential: "p"}})
	require.Len(t, servers, 1)
	assert.Equal(t, "p", servers[0].Credential)

	assert.Equal(t, core.TransportFailed, fromPeerState(webrtc.PeerConnectionStateFailed))
	assert.Equal(t, core.TransportDisconnected, fromPeerState(webrtc.PeerConnectionStateDisconnected))
	assert.Equal(t, core.TransportConnected, fromPeerState(webrtc.PeerConnectionStateConnected))
	assert.Equal(t, core.TransportNew, fromPeerState(webrtc.PeerConnectionStateNew))
}
