package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicecall/internal/adapters/channel"
	"github.com/dkeye/voicecall/internal/app/call"
	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

type stubTransport struct{}

func (stubTransport) AddLocalTrack(webrtc.TrackLocal) error { return nil }
func (stubTransport) CreateOffer() (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}
func (stubTransport) CreateAnswer() (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}
func (stubTransport) SetRemoteDescription(domain.SessionDescription) error { return nil }
func (stubTransport) AddICECandidate(domain.ICECandidate) error            { return nil }
func (stubTransport) OnICECandidate(func(domain.ICECandidate))             {}
func (stubTransport) OnTrack(func(core.RemoteTrack))                       {}
func (stubTransport) OnConnectionStateChange(func(core.ConnectionState))   {}
func (stubTransport) Close() error                                         { return nil }

type stubFactory struct{}

func (stubFactory) NewTransport([]core.ICEServer) (core.PeerTransport, error) {
	return stubTransport{}, nil
}

type stubMedia struct{ enabled bool }

func (*stubMedia) Track() webrtc.TrackLocal { return nil }
func (m *stubMedia) SetEnabled(on bool)     { m.enabled = on }
func (*stubMedia) Stop()                    {}

type stubMic struct{}

func (stubMic) Capture(context.Context) (core.LocalMedia, error) { return &stubMedia{}, nil }

func options(hub *channel.Hub, u domain.User) call.Options {
	return call.Options{
		Room:       "lobby",
		Self:       u,
		Channel:    hub,
		Transports: stubFactory{},
		Media:      stubMic{},
	}
}

func newMachine(t *testing.T, hub *channel.Hub, u domain.User) *call.Machine {
	t.Helper()
	m, err := call.New(context.Background(), options(hub, u))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func waitFor(t *testing.T, m *call.Machine, want domain.CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status() == want }, 2*time.Second, 5*time.Millisecond,
		"want %s, have %s", want, m.Status())
}

func TestShellDrivesACall(t *testing.T) {
	hub := channel.NewHub()
	ctx := context.Background()
	alice := newMachine(t, hub, domain.User{ID: "alice", Username: "Alice"})
	bob := newMachine(t, hub, domain.User{ID: "bob", Username: "Bob"})

	var out bytes.Buffer
	sh := &shell{machine: alice, room: "lobby", out: &out}

	assert.True(t, sh.exec(ctx, "call"))
	assert.Contains(t, out.String(), "usage")

	assert.True(t, sh.exec(ctx, "call bob Bob Builder"))
	assert.Contains(t, out.String(), "calling Bob Builder...")
	waitFor(t, bob, domain.CallRinging)
	bob.AcceptIncomingCall(ctx)
	waitFor(t, alice, domain.CallConnected)

	out.Reset()
	sh.exec(ctx, "mute")
	assert.Equal(t, "muted: true\n", out.String())

	out.Reset()
	sh.exec(ctx, "status")
	assert.True(t, strings.HasPrefix(out.String(), "status=connected remote=Bob Builder duration="), out.String())

	sh.exec(ctx, "end")
	assert.Equal(t, domain.CallIdle, alice.Status())
	waitFor(t, bob, domain.CallIdle)

	out.Reset()
	sh.exec(ctx, "members")
	assert.Contains(t, out.String(), "no directory")

	out.Reset()
	sh.exec(ctx, "dance")
	assert.Contains(t, out.String(), `unknown command "dance"`)

	assert.True(t, sh.exec(ctx, "   "))
	assert.False(t, sh.exec(ctx, "quit"))
}

func TestShellCallRefusedWhileBusy(t *testing.T) {
	hub := channel.NewHub()
	ctx := context.Background()
	alice := newMachine(t, hub, domain.User{ID: "alice", Username: "Alice"})
	newMachine(t, hub, domain.User{ID: "bob", Username: "Bob"})

	var out bytes.Buffer
	sh := &shell{machine: alice, room: "lobby", out: &out}
	require.True(t, sh.exec(ctx, "call bob"))
	assert.Contains(t, out.String(), "calling bob...")

	out.Reset()
	sh.exec(ctx, "call carol")
	assert.Equal(t, "call not started\n", out.String())
}

func TestLoopbackPeerAnswers(t *testing.T) {
	hub := channel.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := newMachine(t, hub, domain.User{ID: "alice", Username: "Alice"})
	peer, err := startLoopbackPeer(ctx, options(hub, domain.User{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close(context.Background()) })

	require.True(t, alice.StartCall(ctx, loopbackPeer, "Echo"))
	waitFor(t, alice, domain.CallConnected)
	waitFor(t, peer, domain.CallConnected)
}

func TestReplStopsOnQuit(t *testing.T) {
	hub := channel.NewHub()
	alice := newMachine(t, hub, domain.User{ID: "alice", Username: "Alice"})
	var out bytes.Buffer
	sh := &shell{machine: alice, room: "lobby", in: strings.NewReader("help\nquit\nstatus\n"), out: &out}

	done := make(chan struct{})
	go func() {
		repl(context.Background(), sh)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("repl did not stop")
	}
	assert.Contains(t, out.String(), "commands:")
	assert.NotContains(t, out.String(), "status=")
}
