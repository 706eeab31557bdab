package call

import (
	"errors"
	"fmt"

	"github.com/dkeye/voicecall/internal/core"
)

// User-facing messages surfaced through CallError.
const (
	MsgPermissionDenied = "Microphone access was denied. Allow microphone access and try again."
	MsgDeviceNotFound   = "No microphone was found. Connect a microphone and try again."
	MsgConnectionLost   = "Connection lost"
	MsgTransportFailed  = "Could not set up the call connection"
)

type setupStage int

const (
	stageMedia setupStage = iota
	stageTransport
	stageNegotiation
)

func (s setupStage) String() string {
	switch s {
	case stageMedia:
		return "media"
	case stageTransport:
		return "transport"
	case stageNegotiation:
		return "negotiation"
	}
	return "unknown"
}

// setupError tags an async setup failure with the stage that produced it.
type setupError struct {
	stage setupStage
	err   error
}

func (e *setupError) Error() string { return fmt.Sprintf("%s: %v", e.stage, e.err) }
func (e *setupError) Unwrap() error { return e.err }

// mediaErrorMessage classifies a capture failure into one of three messages.
func mediaErrorMessage(err error) string {
	switch {
	case errors.Is(err, core.ErrPermissionDenied):
		return MsgPermissionDenied
	case errors.Is(err, core.ErrDeviceNotFound):
		return MsgDeviceNotFound
	default:
		return fmt.Sprintf("Could not access the microphone: %v", err)
	}
}
