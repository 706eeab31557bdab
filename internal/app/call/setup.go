package call

import (
	"context"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

// dial captures the microphone, builds a transport and creates the offer.
// Runs off the loop; the result is posted back tagged with gen.
func (m *Machine) dial(ctx context.Context, gen uint64, target domain.UserID) {
	local, t, err := m.prepare(ctx, gen)
	if err != nil {
		m.post(func() { m.onSetupFailed(gen, err) })
		return
	}
	offer, err := t.CreateOffer()
	if err != nil {
		release(local, t)
		m.post(func() { m.onSetupFailed(gen, &setupError{stage: stageNegotiation, err: err}) })
		return
	}
	if !m.post(func() { m.onDialed(gen, target, local, t, offer) }) {
		release(local, t)
	}
}

// answer applies the pending offer and creates the local answer.
func (m *Machine) answer(ctx context.Context, gen uint64, offer domain.PendingOffer) {
	local, t, err := m.prepare(ctx, gen)
	if err != nil {
		m.post(func() { m.onSetupFailed(gen, err) })
		return
	}
	if err := t.SetRemoteDescription(offer.Offer); err != nil {
		release(local, t)
		m.post(func() { m.onSetupFailed(gen, &setupError{stage: stageNegotiation, err: err}) })
		return
	}
	ans, err := t.CreateAnswer()
	if err != nil {
		release(local, t)
		m.post(func() { m.onSetupFailed(gen, &setupError{stage: stageNegotiation, err: err}) })
		return
	}
	if !m.post(func() { m.onAnswered(gen, local, t, ans) }) {
		release(local, t)
	}
}

func (m *Machine) prepare(ctx context.Context, gen uint64) (core.LocalMedia, core.PeerTransport, error) {
	local, err := m.opts.Media.Capture(ctx)
	if err != nil {
		return nil, nil, &setupError{stage: stageMedia, err: err}
	}
	if err := ctx.Err(); err != nil {
		local.Stop()
		return nil, nil, &setupError{stage: stageMedia, err: err}
	}
	t, err := m.opts.Transports.NewTransport(m.opts.ICEServers)
	if err != nil {
		local.Stop()
		return nil, nil, &setupError{stage: stageTransport, err: err}
	}
	m.wire(gen, t)
	if err := t.AddLocalTrack(local.Track()); err != nil {
		release(local, t)
		return nil, nil, &setupError{stage: stageTransport, err: err}
	}
	return local, t, nil
}

// wire routes transport callbacks onto the loop.
func (m *Machine) wire(gen uint64, t core.PeerTransport) {
	t.OnICECandidate(func(c domain.ICECandidate) {
		m.post(func() { m.onLocalCandidate(gen, t, c) })
	})
	t.OnConnectionStateChange(func(s core.ConnectionState) {
		m.post(func() { m.onTransportState(t, s) })
	})
	t.OnTrack(func(track core.RemoteTrack) {
		m.post(func() { m.onRemoteTrack(gen, t, track) })
	})
}

func release(local core.LocalMedia, t core.PeerTransport) {
	if t != nil {
		_ = t.Close()
	}
	if local != nil {
		local.Stop()
	}
}

func (m *Machine) current(gen uint64, status domain.CallStatus) bool {
	return gen == m.gen && m.status == status
}

func (m *Machine) onDialed(gen uint64, target domain.UserID, local core.LocalMedia, t core.PeerTransport, offer domain.SessionDescription) {
	if !m.current(gen, domain.CallCalling) || m.transport != nil {
		m.logger.Debug().Uint64("gen", gen).Msg("stale dial result released")
		release(local, t)
		return
	}
	m.local, m.transport = local, t
	m.endSetup()
	err := m.send(domain.EventOffer, domain.OfferPayload{
		From:     m.opts.Self.ID,
		UserName: m.opts.Self.Username,
		To:       target,
		Offer:    offer,
	})
	if err != nil {
		m.fail(ReasonTransport, MsgTransportFailed)
		return
	}
	m.signaled = true
	m.flushLocalICE()
	m.logger.Info().Uint64("gen", gen).Msg("offer sent")
	m.replySetup(true)
}

func (m *Machine) onAnswered(gen uint64, local core.LocalMedia, t core.PeerTransport, ans domain.SessionDescription) {
	if !m.current(gen, domain.CallRinging) || !m.accepting || m.transport != nil {
		m.logger.Debug().Uint64("gen", gen).Msg("stale answer result released")
		release(local, t)
		return
	}
	m.local, m.transport = local, t
	m.endSetup()
	m.remoteSet = true
	err := m.send(domain.EventAnswer, domain.AnswerPayload{
		From:     m.opts.Self.ID,
		UserName: m.opts.Self.Username,
		Answer:   ans,
	})
	if err != nil {
		m.fail(ReasonTransport, MsgTransportFailed)
		return
	}
	m.signaled = true
	m.pending = nil
	m.accepting = false
	m.flushLocalICE()
	m.flushRemoteICE()
	m.connect()
	m.attachParkedTrack()
	m.replySetup(true)
}

func (m *Machine) onSetupFailed(gen uint64, err error) {
	if gen != m.gen || (m.status != domain.CallCalling && !(m.status == domain.CallRinging && m.accepting)) {
		m.logger.Debug().Err(err).Uint64("gen", gen).Msg("stale setup failure")
		return
	}
	se, _ := err.(*setupError)
	if se == nil {
		se = &setupError{stage: stageTransport, err: err}
	}
	m.logger.Warn().Err(se.err).Str("stage", se.stage.String()).Uint64("gen", gen).Msg("call setup failed")

	// The caller of a ringing call believes it is live and has to be told.
	if m.status == domain.CallRinging {
		m.send(domain.EventEnd, domain.ControlPayload{From: m.opts.Self.ID})
	}
	switch se.stage {
	case stageMedia:
		m.fail(ReasonMedia, mediaErrorMessage(se.err))
	case stageTransport:
		m.fail(ReasonTransport, MsgTransportFailed)
	default:
		m.finish(ReasonNegotiation)
	}
}

// applyAnswer sets the callee's answer off the loop.
func (m *Machine) applyAnswer(gen uint64, ans domain.SessionDescription) {
	t := m.transport
	m.applying = true
	go func() {
		err := t.SetRemoteDescription(ans)
		m.post(func() { m.onAnswerApplied(gen, t, err) })
	}()
}

func (m *Machine) onAnswerApplied(gen uint64, t core.PeerTransport, err error) {
	if !m.current(gen, domain.CallCalling) || m.transport != t {
		return
	}
	m.applying = false
	if err != nil {
		m.logger.Warn().Err(err).Uint64("gen", gen).Msg("remote answer rejected by transport")
		m.endLocal(ReasonNegotiation)
		return
	}
	m.remoteSet = true
	m.stopWatchdog()
	m.flushRemoteICE()
	m.connect()
	m.attachParkedTrack()
}

func (m *Machine) connect() {
	m.status = domain.CallConnected
	m.startedAt = m.clock.Now()
	m.logger.Info().Uint64("gen", m.gen).Str("peer", string(m.remoteID)).Msg("call connected")
	m.publish()
}
