package call

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

const (
	DefaultWatchdog = 30 * time.Second
	sendTimeout     = 5 * time.Second
	queueSize       = 64
	maxBufferedICE  = 128
)

var DefaultICEServers = []core.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// End reasons reported to the Observer.
const (
	ReasonLocal       = "local"
	ReasonRemote      = "remote"
	ReasonRejected    = "rejected"
	ReasonTimeout     = "timeout"
	ReasonTransport   = "transport"
	ReasonMedia       = "media"
	ReasonNegotiation = "negotiation"
	ReasonTeardown    = "teardown"
)

// Observer receives call lifecycle notifications, typically for metrics.
type Observer interface {
	CallStarted(direction string)
	CallEnded(reason string)
}

type nopObserver struct{}

func (nopObserver) CallStarted(string) {}
func (nopObserver) CallEnded(string)   {}

// Options configures a Machine. Channel, Transports and Media are required.
type Options struct {
	Room       domain.RoomID
	Self       domain.User
	ICEServers []core.ICEServer
	Watchdog   time.Duration

	Channel    core.SignalChannel
	Transports core.TransportFactory
	Media      core.MediaCapturer
	// Sinks is optional; without it remote tracks are ignored.
	Sinks core.SinkFactory

	Clock    clock.Clock
	Observer Observer
}

func (o *Options) validate() error {
	switch {
	case o.Room == "":
		return errors.New("call: room is required")
	case o.Self.ID == "":
		return errors.New("call: self user id is required")
	case o.Channel == nil:
		return errors.New("call: signal channel is required")
	case o.Transports == nil:
		return errors.New("call: transport factory is required")
	case o.Media == nil:
		return errors.New("call: media capturer is required")
	}
	if o.Watchdog <= 0 {
		o.Watchdog = DefaultWatchdog
	}
	if len(o.ICEServers) == 0 {
		o.ICEServers = DefaultICEServers
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return nil
}
