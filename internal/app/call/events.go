package call

import (
	"encoding/json"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

func (m *Machine) dispatch(evt domain.Event) {
	from := evt.Sender()
	if from == "" || from == m.opts.Self.ID {
		return
	}
	l := m.logger.With().Str("event", evt.Name).Str("from", string(from)).Logger()

	switch evt.Name {
	case domain.EventOffer:
		var p domain.OfferPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			l.Warn().Err(err).Msg("malformed offer")
			return
		}
		m.onOffer(from, p)
	case domain.EventAnswer:
		var p domain.AnswerPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			l.Warn().Err(err).Msg("malformed answer")
			if m.status == domain.CallCalling && from == m.remoteID {
				m.endLocal(ReasonNegotiation)
			}
			return
		}
		m.onAnswer(from, p)
	case domain.EventReject:
		m.onControl(from, true)
	case domain.EventEnd:
		m.onControl(from, false)
	case domain.EventCandidate:
		var p domain.CandidatePayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			l.Debug().Err(err).Msg("malformed candidate")
			return
		}
		m.onRemoteCandidate(from, p.Candidate)
	default:
		l.Debug().Msg("unknown event")
	}
}

func (m *Machine) onOffer(from domain.UserID, p domain.OfferPayload) {
	if p.To != "" && p.To != m.opts.Self.ID {
		return
	}
	if m.status != domain.CallIdle {
		m.logger.Info().Str("from", string(from)).Str("status", string(m.status)).Msg("offer ignored while busy")
		return
	}
	if err := p.Offer.Validate("offer"); err != nil {
		m.logger.Warn().Err(err).Str("from", string(from)).Msg("invalid offer")
		return
	}
	m.gen++
	m.status = domain.CallRinging
	m.pending = &domain.PendingOffer{Offer: p.Offer, CallerID: from, CallerName: p.UserName}
	m.remoteID = from
	m.remoteName = p.UserName
	m.callerName = p.UserName
	m.lastErr = ""
	m.logger.Info().Uint64("gen", m.gen).Str("from", string(from)).Str("name", p.UserName).Msg("ringing")
	m.opts.Observer.CallStarted("inbound")
	m.publish()
}

func (m *Machine) onAnswer(from domain.UserID, p domain.AnswerPayload) {
	if m.status != domain.CallCalling || from != m.remoteID {
		return
	}
	if m.transport == nil || !m.signaled || m.applying || m.remoteSet {
		m.logger.Debug().Str("from", string(from)).Msg("unexpected answer ignored")
		return
	}
	if err := p.Answer.Validate("answer"); err != nil {
		m.logger.Warn().Err(err).Str("from", string(from)).Msg("invalid answer")
		m.endLocal(ReasonNegotiation)
		return
	}
	if p.UserName != "" {
		m.remoteName = p.UserName
	}
	m.applyAnswer(m.gen, p.Answer)
}

func (m *Machine) onControl(from domain.UserID, reject bool) {
	if from != m.remoteID {
		return
	}
	reason := ReasonRemote
	if reject {
		reason = ReasonRejected
	}
	switch m.status {
	case domain.CallCalling, domain.CallConnected:
		m.finish(reason)
	case domain.CallRinging:
		// A reject addressed to the callee makes no sense; only end cancels ringing.
		if !reject {
			m.finish(reason)
		}
	}
}

func (m *Machine) onRemoteCandidate(from domain.UserID, c domain.ICECandidate) {
	if from != m.remoteID || c.Candidate == "" {
		return
	}
	switch m.status {
	case domain.CallCalling, domain.CallRinging, domain.CallConnected:
	default:
		return
	}
	if m.transport != nil && m.remoteSet {
		if err := m.transport.AddICECandidate(c); err != nil {
			m.logger.Debug().Err(err).Msg("remote candidate rejected")
		}
		return
	}
	if len(m.remoteICE) >= maxBufferedICE {
		m.logger.Warn().Msg("remote candidate buffer full")
		return
	}
	m.remoteICE = append(m.remoteICE, c)
}

func (m *Machine) onLocalCandidate(gen uint64, t core.PeerTransport, c domain.ICECandidate) {
	if gen != m.gen {
		return
	}
	if m.transport == t && m.signaled {
		m.send(domain.EventCandidate, domain.CandidatePayload{From: m.opts.Self.ID, Candidate: c})
		return
	}
	settingUp := m.status == domain.CallCalling || (m.status == domain.CallRinging && m.accepting)
	if (m.transport != nil && m.transport != t) || !settingUp {
		return
	}
	if len(m.localICE) < maxBufferedICE {
		m.localICE = append(m.localICE, c)
	}
}

func (m *Machine) flushLocalICE() {
	for _, c := range m.localICE {
		m.send(domain.EventCandidate, domain.CandidatePayload{From: m.opts.Self.ID, Candidate: c})
	}
	m.localICE = nil
}

func (m *Machine) flushRemoteICE() {
	for _, c := range m.remoteICE {
		if err := m.transport.AddICECandidate(c); err != nil {
			m.logger.Debug().Err(err).Msg("buffered candidate rejected")
		}
	}
	m.remoteICE = nil
}

func (m *Machine) onTransportState(t core.PeerTransport, s core.ConnectionState) {
	if m.transport != t {
		return
	}
	m.logger.Debug().Str("state", s.String()).Msg("transport state")
	switch s {
	case core.TransportFailed, core.TransportDisconnected:
		if !m.status.Active() {
			return
		}
		if m.signaled {
			m.send(domain.EventEnd, domain.ControlPayload{From: m.opts.Self.ID})
		}
		m.fail(ReasonTransport, MsgConnectionLost)
	}
}

func (m *Machine) onRemoteTrack(gen uint64, t core.PeerTransport, track core.RemoteTrack) {
	if gen != m.gen {
		return
	}
	if m.transport == nil && (m.status == domain.CallCalling || m.accepting) {
		m.parkedTrack = track
		return
	}
	if m.transport != t {
		return
	}
	m.playRemote(track)
}

func (m *Machine) attachParkedTrack() {
	if m.parkedTrack != nil {
		track := m.parkedTrack
		m.parkedTrack = nil
		m.playRemote(track)
	}
}

func (m *Machine) playRemote(track core.RemoteTrack) {
	if m.opts.Sinks == nil || m.sink != nil {
		return
	}
	sink, err := m.opts.Sinks.NewSink(track)
	if err != nil {
		m.logger.Warn().Err(err).Str("track", track.ID()).Msg("remote playback unavailable")
		return
	}
	m.sink = sink
	m.logger.Info().Str("track", track.ID()).Msg("remote audio attached")
}
