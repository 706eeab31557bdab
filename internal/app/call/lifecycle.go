package call

import (
	"context"
	"time"

	"github.com/dkeye/voicecall/internal/domain"
)

func (m *Machine) startCall(target domain.UserID, name string, reply chan bool) uint64 {
	if m.status != domain.CallIdle {
		m.logger.Warn().Str("status", string(m.status)).Msg("start call ignored")
		reply <- false
		return m.gen
	}
	m.gen++
	gen := m.gen
	m.status = domain.CallCalling
	m.remoteID = target
	m.remoteName = name
	m.callerName = ""
	m.lastErr = ""
	m.setupReply = reply

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelSetup = cancel
	m.armWatchdog(gen)

	m.logger.Info().Uint64("gen", gen).Str("target", string(target)).Msg("calling")
	m.opts.Observer.CallStarted("outbound")
	m.publish()

	go m.dial(ctx, gen, target)
	return gen
}

func (m *Machine) accept(reply chan bool) (uint64, bool) {
	if m.status != domain.CallRinging || m.pending == nil || m.accepting {
		return m.gen, false
	}
	m.accepting = true
	m.setupReply = reply
	offer := *m.pending

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelSetup = cancel

	m.logger.Info().Uint64("gen", m.gen).Str("caller", string(offer.CallerID)).Msg("accepting")
	go m.answer(ctx, m.gen, offer)
	return m.gen, true
}

// abandon ends a setup whose caller stopped waiting.
func (m *Machine) abandon(gen uint64) {
	if gen != m.gen || m.setupReply == nil {
		return
	}
	m.logger.Info().Uint64("gen", gen).Msg("setup abandoned")
	m.hangup(false)
}

func (m *Machine) hangup(reject bool) {
	switch m.status {
	case domain.CallRinging:
		m.send(domain.EventReject, domain.ControlPayload{From: m.opts.Self.ID})
		m.finish(ReasonRejected)
	case domain.CallCalling, domain.CallConnected:
		m.endLocal(ReasonLocal)
	case domain.CallError:
		m.dismiss()
	default:
		m.logger.Debug().Bool("reject", reject).Str("status", string(m.status)).Msg("nothing to end")
	}
}

// endLocal notifies the peer when it may already know about the call and
// returns to idle.
func (m *Machine) endLocal(reason string) {
	if m.signaled {
		m.send(domain.EventEnd, domain.ControlPayload{From: m.opts.Self.ID})
	}
	m.finish(reason)
}

// finish publishes ended and then idle.
func (m *Machine) finish(reason string) {
	m.logger.Info().Uint64("gen", m.gen).Str("reason", reason).Msg("call ended")
	m.teardown()
	m.status = domain.CallEnded
	m.publish()
	m.opts.Observer.CallEnded(reason)
	m.status = domain.CallIdle
	m.publish()
	m.replySetup(false)
}

func (m *Machine) fail(reason, msg string) {
	m.logger.Warn().Uint64("gen", m.gen).Str("reason", reason).Str("error", msg).Msg("call failed")
	m.teardown()
	m.status = domain.CallError
	m.lastErr = msg
	m.opts.Observer.CallEnded(reason)
	m.publish()
	m.replySetup(false)
}

func (m *Machine) dismiss() {
	m.status = domain.CallIdle
	m.lastErr = ""
	m.publish()
}

// teardown releases everything the current attempt holds. Safe to repeat.
// Pending setup callers are answered by finish and fail after publishing.
func (m *Machine) teardown() {
	m.stopWatchdog()
	m.endSetup()
	if m.sink != nil {
		m.sink.Release()
		m.sink = nil
	}
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("transport close")
		}
		m.transport = nil
	}
	if m.local != nil {
		m.local.Stop()
		m.local = nil
	}
	m.pending = nil
	m.parkedTrack = nil
	m.accepting = false
	m.applying = false
	m.remoteSet = false
	m.signaled = false
	m.localICE = nil
	m.remoteICE = nil
	m.muted = false
	m.startedAt = time.Time{}
	m.remoteID = ""
	m.remoteName = ""
	m.callerName = ""
}

func (m *Machine) endSetup() {
	if m.cancelSetup != nil {
		m.cancelSetup()
		m.cancelSetup = nil
	}
}

func (m *Machine) replySetup(ok bool) {
	if m.setupReply != nil {
		m.setupReply <- ok
		m.setupReply = nil
	}
}

func (m *Machine) armWatchdog(gen uint64) {
	m.stopWatchdog()
	m.watchdog = m.clock.AfterFunc(m.opts.Watchdog, func() {
		m.post(func() { m.onWatchdog(gen) })
	})
}

func (m *Machine) stopWatchdog() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}

// onWatchdog ends an unanswered outbound call. Fires from an older attempt
// or after the call progressed are ignored.
func (m *Machine) onWatchdog(gen uint64) {
	if gen != m.gen || m.status != domain.CallCalling {
		m.logger.Debug().Uint64("gen", gen).Uint64("current", m.gen).Msg("stale watchdog")
		return
	}
	m.logger.Info().Uint64("gen", gen).Msg("no answer")
	m.endLocal(ReasonTimeout)
}
