package core

import (
	"context"

	"github.com/dkeye/voicecall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ConnectionState mirrors the peer connection lifecycle the call core cares about.
type ConnectionState int

const (
	TransportNew ConnectionState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s ConnectionState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// ICEServer is a STUN/TURN server entry.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// RemoteTrack is the read side of an incoming media track.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PeerTransport is a point-to-point media transport.
type PeerTransport interface {
	// AddLocalTrack attaches a captured track before negotiation.
	AddLocalTrack(track webrtc.TrackLocal) error
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (domain.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as the local description.
	CreateAnswer() (domain.SessionDescription, error)
	SetRemoteDescription(desc domain.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(c domain.ICECandidate) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(domain.ICECandidate))
	// OnTrack sets a callback invoked when a remote track arrives.
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(ConnectionState))
	// Close releases the transport. Safe to call more than once.
	Close() error
}

type TransportFactory interface {
	NewTransport(servers []ICEServer) (PeerTransport, error)
}

// LocalMedia is an exclusively owned captured audio stream.
type LocalMedia interface {
	Track() webrtc.TrackLocal
	// SetEnabled false keeps the track alive but sends silence.
	SetEnabled(enabled bool)
	// Stop ends every underlying track and releases the device. Idempotent.
	Stop()
}

// MediaCapturer requests exclusive access to the local microphone.
// Failures wrap ErrPermissionDenied or ErrDeviceNotFound when they can be
// classified.
type MediaCapturer interface {
	Capture(ctx context.Context) (LocalMedia, error)
}

// RemoteSink plays a remote track.
type RemoteSink interface {
	// Release stops playback. Idempotent.
	Release()
}

type SinkFactory interface {
	NewSink(track RemoteTrack) (RemoteSink, error)
}
