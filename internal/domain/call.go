package domain

// CallStatus is the lifecycle state of a single call session.
type CallStatus string

const (
	CallIdle      CallStatus = "idle"
	CallCalling   CallStatus = "calling"
	CallRinging   CallStatus = "ringing"
	CallConnected CallStatus = "connected"
	CallEnded     CallStatus = "ended"
	CallError     CallStatus = "error"
)

// Active reports whether the local side holds media and a transport.
func (s CallStatus) Active() bool {
	return s == CallCalling || s == CallConnected
}

// PendingOffer is an incoming offer not yet accepted or rejected.
type PendingOffer struct {
	Offer      SessionDescription
	CallerID   UserID
	CallerName string
}
