// Package call implements the single-call WebRTC session state machine.
//
// All state is owned by one goroutine. Public methods, signaling events,
// transport callbacks, timer fires and async setup results are posted to it
// as closures, so handlers never race with each other. Each call attempt has
// a generation number; async work started for an older generation is
// discarded when it completes and its resources are released.
package call

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

type Machine struct {
	opts   Options
	clock  clock.Clock
	logger zerolog.Logger
	sub    core.Subscription

	ctx    context.Context
	cancel context.CancelFunc

	queue     chan func()
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine.
	status      domain.CallStatus
	gen         uint64
	remoteID    domain.UserID
	remoteName  string
	callerName  string
	pending     *domain.PendingOffer
	accepting   bool
	applying    bool
	startedAt   time.Time
	lastErr     string
	muted       bool
	local       core.LocalMedia
	transport   core.PeerTransport
	sink        core.RemoteSink
	parkedTrack core.RemoteTrack
	watchdog    *clock.Timer
	cancelSetup context.CancelFunc
	setupReply  chan bool
	remoteSet   bool
	signaled    bool
	localICE    []domain.ICECandidate
	remoteICE   []domain.ICECandidate

	mu        sync.RWMutex
	snap      State
	listeners []func(State)
}

// New validates opts, joins the room and starts the event loop.
// The subscription is live before New returns.
func New(ctx context.Context, opts Options) (*Machine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &Machine{
		opts:  opts,
		clock: opts.Clock,
		logger: log.With().
			Str("module", "call").
			Str("room", string(opts.Room)).
			Str("user", string(opts.Self.ID)).
			Logger(),
		ctx:      mctx,
		cancel:   cancel,
		queue:    make(chan func(), queueSize),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		status:   domain.CallIdle,
	}
	m.snap = m.snapshot()

	go m.run()

	sub, err := opts.Channel.Subscribe(ctx, opts.Room, opts.Self, m.onEvent)
	if err != nil {
		cancel()
		close(m.done)
		<-m.loopDone
		return nil, err
	}
	m.do(func() { m.sub = sub })
	m.logger.Info().Msg("call session ready")
	return m, nil
}

func (m *Machine) run() {
	defer close(m.loopDone)
	for {
		select {
		case fn := <-m.queue:
			fn()
		case <-m.done:
			return
		}
	}
}

// post queues fn on the loop. It reports false once the machine is closed.
func (m *Machine) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.queue <- fn:
		return true
	case <-m.done:
		return false
	}
}

// do runs fn on the loop and waits for it to finish.
func (m *Machine) do(fn func()) bool {
	finished := make(chan struct{})
	if !m.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-m.loopDone:
		return false
	}
}

func (m *Machine) onEvent(evt domain.Event) {
	if !m.post(func() { m.dispatch(evt) }) {
		m.logger.Debug().Str("event", evt.Name).Msg("event after close dropped")
	}
}

// StartCall places an outbound call. It blocks until the offer has been sent
// or setup failed and reports which. Only valid from idle.
func (m *Machine) StartCall(ctx context.Context, target domain.UserID, targetName string) bool {
	if target == "" || target == m.opts.Self.ID {
		m.logger.Warn().Str("target", string(target)).Msg("invalid call target")
		return false
	}
	reply := make(chan bool, 1)
	var gen uint64
	if !m.do(func() { gen = m.startCall(target, targetName, reply) }) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-ctx.Done():
		m.post(func() { m.abandon(gen) })
		return false
	case <-m.loopDone:
		return false
	}
}

// AcceptIncomingCall answers the pending offer and blocks until the call is
// connected or setup failed. No-op unless ringing.
func (m *Machine) AcceptIncomingCall(ctx context.Context) {
	reply := make(chan bool, 1)
	var gen uint64
	started := false
	if !m.do(func() { gen, started = m.accept(reply) }) || !started {
		return
	}
	select {
	case <-reply:
	case <-ctx.Done():
		m.post(func() { m.abandon(gen) })
	case <-m.loopDone:
	}
}

// RejectCall declines a ringing call. In calling or connected it ends the
// call, and in error it clears the error.
func (m *Machine) RejectCall() {
	m.do(func() { m.hangup(true) })
}

// EndCall ends the current call whatever its phase. In error it clears the error.
func (m *Machine) EndCall() {
	m.do(func() { m.hangup(false) })
}

// ToggleMute flips the local track. No-op without local media.
func (m *Machine) ToggleMute() {
	m.do(func() {
		if m.local == nil {
			return
		}
		m.muted = !m.muted
		m.local.SetEnabled(!m.muted)
		m.logger.Info().Bool("muted", m.muted).Msg("mute toggled")
		m.publish()
	})
}

// DismissError returns from error to idle.
func (m *Machine) DismissError() {
	m.do(func() {
		if m.status == domain.CallError {
			m.dismiss()
		}
	})
}

// Close ends any call, leaves the room and stops the loop. ctx bounds the
// wait for the in-call teardown. Idempotent.
func (m *Machine) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		finished := make(chan struct{})
		if m.post(func() {
			defer close(finished)
			switch m.status {
			case domain.CallRinging:
				m.send(domain.EventReject, domain.ControlPayload{From: m.opts.Self.ID})
				m.finish(ReasonTeardown)
			case domain.CallCalling, domain.CallConnected:
				m.endLocal(ReasonTeardown)
			}
		}) {
			select {
			case <-finished:
			case <-ctx.Done():
				m.logger.Warn().Err(ctx.Err()).Msg("teardown wait expired")
			}
		}
		close(m.done)
		<-m.loopDone
		if m.sub != nil {
			err = m.sub.Close()
		}
		m.cancel()
		m.logger.Info().Msg("call session closed")
	})
	return err
}

// OnStateChange registers fn for every published snapshot. fn runs on the
// loop goroutine and must not call back into the Machine.
func (m *Machine) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// State returns the latest snapshot with a live duration.
func (m *Machine) State() State {
	m.mu.RLock()
	st := m.snap
	m.mu.RUnlock()
	if st.Status == domain.CallConnected && !st.StartedAt.IsZero() {
		st.Duration = m.clock.Since(st.StartedAt)
	}
	return st
}

func (m *Machine) Status() domain.CallStatus { return m.State().Status }

func (m *Machine) CallError() string { return m.State().Error }

func (m *Machine) CallerName() string { return m.State().CallerName }

func (m *Machine) IsMuted() bool { return m.State().Muted }

// CallDuration is the connected time as mm:ss, "00:00" outside connected.
func (m *Machine) CallDuration() string { return FormatDuration(m.State().Duration) }

func (m *Machine) snapshot() State {
	return State{
		Status:        m.status,
		Room:          m.opts.Room,
		LocalUserID:   m.opts.Self.ID,
		LocalUserName: m.opts.Self.Username,
		RemoteUserID:  m.remoteID,
		RemoteName:    m.remoteName,
		CallerName:    m.callerName,
		StartedAt:     m.startedAt,
		Error:         m.lastErr,
		Muted:         m.muted,
		Generation:    m.gen,
	}
}

func (m *Machine) publish() {
	st := m.snapshot()
	m.mu.Lock()
	m.snap = st
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}

// send publishes on the loop. Errors are logged; callers decide if they matter.
func (m *Machine) send(event string, payload any) error {
	if m.sub == nil {
		return core.ErrClosed
	}
	ctx, cancel := context.WithTimeout(m.ctx, sendTimeout)
	defer cancel()
	if err := m.sub.Send(ctx, event, payload); err != nil {
		m.logger.Warn().Err(err).Str("event", event).Msg("signal send failed")
		return err
	}
	return nil
}
