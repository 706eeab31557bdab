package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

type sentEvent struct {
	Name    string
	Payload json.RawMessage
}

// fakeChannel records what the machine sends and lets tests inject events.
type fakeChannel struct {
	mu      sync.Mutex
	handler core.EventHandler
	sent    []sentEvent
	closed  bool
	sendErr error
}

func (c *fakeChannel) Subscribe(_ context.Context, _ domain.RoomID, _ domain.User, h core.EventHandler) (core.Subscription, error) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	return c, nil
}

func (c *fakeChannel) Send(_ context.Context, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, sentEvent{Name: event, Payload: raw})
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) deliver(t *testing.T, name string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	c.deliverRaw(name, raw)
}

func (c *fakeChannel) deliverRaw(name string, raw json.RawMessage) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(domain.Event{Name: name, Payload: raw})
}

func (c *fakeChannel) events(name string) []sentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentEvent
	for _, e := range c.sent {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeChannel) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, e := range c.sent {
		out = append(out, e.Name)
	}
	return out
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTransport struct {
	mu           sync.Mutex
	closed       bool
	remote       *domain.SessionDescription
	applied      []domain.ICECandidate
	tracks       int
	onICE        func(domain.ICECandidate)
	onState      func(core.ConnectionState)
	onTrack      func(core.RemoteTrack)
	setRemoteErr error
	// gathered is emitted through OnICECandidate while the local description is created.
	gathered []domain.ICECandidate
}

func (t *fakeTransport) AddLocalTrack(webrtc.TrackLocal) error {
	t.mu.Lock()
	t.tracks++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) local(kind string) domain.SessionDescription {
	t.mu.Lock()
	cb, cands := t.onICE, t.gathered
	t.mu.Unlock()
	for _, c := range cands {
		cb(c)
	}
	return domain.SessionDescription{Type: kind, SDP: "v=0 fake " + kind}
}

func (t *fakeTransport) CreateOffer() (domain.SessionDescription, error) {
	return t.local("offer"), nil
}

func (t *fakeTransport) CreateAnswer() (domain.SessionDescription, error) {
	return t.local("answer"), nil
}

func (t *fakeTransport) SetRemoteDescription(d domain.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.setRemoteErr != nil {
		return t.setRemoteErr
	}
	t.remote = &d
	return nil
}

func (t *fakeTransport) AddICECandidate(c domain.ICECandidate) error {
	t.mu.Lock()
	t.applied = append(t.applied, c)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) OnICECandidate(f func(domain.ICECandidate)) {
	t.mu.Lock()
	t.onICE = f
	t.mu.Unlock()
}

func (t *fakeTransport) OnTrack(f func(core.RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = f
	t.mu.Unlock()
}

func (t *fakeTransport) OnConnectionStateChange(f func(core.ConnectionState)) {
	t.mu.Lock()
	t.onState = f
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) fireState(s core.ConnectionState) {
	t.mu.Lock()
	cb := t.onState
	t.mu.Unlock()
	cb(s)
}

func (t *fakeTransport) fireTrack(tr core.RemoteTrack) {
	t.mu.Lock()
	cb := t.onTrack
	t.mu.Unlock()
	cb(tr)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) remoteDesc() *domain.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *fakeTransport) appliedCandidates() []domain.ICECandidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.ICECandidate(nil), t.applied...)
}

type fakeFactory struct {
	mu         sync.Mutex
	created    []*fakeTransport
	err        error
	setRemote  error
	gathered   []domain.ICECandidate
	lastConfig []core.ICEServer
}

func (f *fakeFactory) NewTransport(servers []core.ICEServer) (core.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastConfig = servers
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{setRemoteErr: f.setRemote, gathered: f.gathered}
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type fakeMedia struct {
	mu      sync.Mutex
	stopped bool
	enabled bool
}

func (m *fakeMedia) Track() webrtc.TrackLocal { return nil }

func (m *fakeMedia) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *fakeMedia) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *fakeMedia) isEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// fakeCapturer hands out fakeMedia. With gate set, Capture waits on it and
// ignores ctx, like a permission prompt the user has not answered yet.
type fakeCapturer struct {
	mu       sync.Mutex
	err      error
	gate     chan struct{}
	captured []*fakeMedia
}

func (c *fakeCapturer) Capture(context.Context) (core.LocalMedia, error) {
	c.mu.Lock()
	gate, err := c.gate, c.err
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	m := &fakeMedia{enabled: true}
	c.mu.Lock()
	c.captured = append(c.captured, m)
	c.mu.Unlock()
	return m, nil
}

func (c *fakeCapturer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}

func (c *fakeCapturer) last() *fakeMedia {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.captured) == 0 {
		return nil
	}
	return c.captured[len(c.captured)-1]
}

type fakeTrack struct{ id string }

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }
func (t fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, errors.New("eof")
}

type fakeSink struct {
	mu       sync.Mutex
	released bool
}

func (s *fakeSink) Release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

func (s *fakeSink) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakeSinks struct {
	mu    sync.Mutex
	sinks []*fakeSink
}

func (f *fakeSinks) NewSink(core.RemoteTrack) (core.RemoteSink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSink{}
	f.sinks = append(f.sinks, s)
	return s, nil
}

func (f *fakeSinks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks)
}

type countingObserver struct {
	mu      sync.Mutex
	started []string
	ended   []string
}

func (o *countingObserver) CallStarted(d string) {
	o.mu.Lock()
	o.started = append(o.started, d)
	o.mu.Unlock()
}

func (o *countingObserver) CallEnded(r string) {
	o.mu.Lock()
	o.ended = append(o.ended, r)
	o.mu.Unlock()
}

func (o *countingObserver) endReasons() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ended...)
}

type harness struct {
	m        *Machine
	ch       *fakeChannel
	tf       *fakeFactory
	mic      *fakeCapturer
	sinks    *fakeSinks
	obs      *countingObserver
	clock    *clock.Mock
	statuses *statusLog
}

type statusLog struct {
	mu   sync.Mutex
	seen []domain.CallStatus
}

func (l *statusLog) add(s State) {
	l.mu.Lock()
	l.seen = append(l.seen, s.Status)
	l.mu.Unlock()
}

func (l *statusLog) all() []domain.CallStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.CallStatus(nil), l.seen...)
}

var (
	alice = domain.User{ID: "alice", Username: "Alice"}
	bob   = domain.User{ID: "bob", Username: "Bob"}
	carol = domain.User{ID: "carol", Username: "Carol"}
)

func newHarness(t *testing.T, self domain.User) *harness {
	t.Helper()
	h := &harness{
		ch:       &fakeChannel{},
		tf:       &fakeFactory{},
		mic:      &fakeCapturer{},
		sinks:    &fakeSinks{},
		obs:      &countingObserver{},
		clock:    clock.NewMock(),
		statuses: &statusLog{},
	}
	m, err := New(context.Background(), Options{
		Room:       "lobby",
		Self:       self,
		Channel:    h.ch,
		Transports: h.tf,
		Media:      h.mic,
		Sinks:      h.sinks,
		Clock:      h.clock,
		Observer:   h.obs,
	})
	require.NoError(t, err)
	m.OnStateChange(h.statuses.add)
	h.m = m
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return h
}

func (h *harness) waitStatus(t *testing.T, want domain.CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.Status() == want }, time.Second, 2*time.Millisecond,
		"want status %s, have %s", want, h.m.Status())
}

// sync waits until everything queued on the loop so far has run.
func (h *harness) sync() { h.m.do(func() {}) }

func validOffer(from domain.User, to domain.UserID) domain.OfferPayload {
	return domain.OfferPayload{
		From:     from.ID,
		UserName: from.Username,
		To:       to,
		Offer:    domain.SessionDescription{Type: "offer", SDP: "v=0 remote offer"},
	}
}

func validAnswer(from domain.User) domain.AnswerPayload {
	return domain.AnswerPayload{
		From:     from.ID,
		UserName: from.Username,
		Answer:   domain.SessionDescription{Type: "answer", SDP: "v=0 remote answer"},
	}
}

// connectOutbound drives alice's machine to connected with bob.
func (h *harness) connectOutbound(t *testing.T) {
	t.Helper()
	require.True(t, h.m.StartCall(context.Background(), bob.ID, bob.Username))
	h.ch.deliver(t, domain.EventAnswer, validAnswer(bob))
	h.waitStatus(t, domain.CallConnected)
}

// connectInbound drives bob's machine to connected with alice.
func (h *harness) connectInbound(t *testing.T) {
	t.Helper()
	h.ch.deliver(t, domain.EventOffer, validOffer(alice, bob.ID))
	h.waitStatus(t, domain.CallRinging)
	h.m.AcceptIncomingCall(context.Background())
	require.Equal(t, domain.CallConnected, h.m.Status())
}
