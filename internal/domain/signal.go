package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Signaling event names exchanged inside a room.
const (
	EventOffer     = "call-offer"
	EventAnswer    = "call-answer"
	EventReject    = "call-reject"
	EventEnd       = "call-end"
	EventCandidate = "ice-candidate"
)

var ErrInvalidDescription = errors.New("invalid session description")

// SessionDescription is the JSON shape of an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Validate checks that the description is complete and of the expected type.
func (d SessionDescription) Validate(want string) error {
	if d.Type == "" || d.SDP == "" {
		return fmt.Errorf("%w: missing type or sdp", ErrInvalidDescription)
	}
	if d.Type != want {
		return fmt.Errorf("%w: got %q, want %q", ErrInvalidDescription, d.Type, want)
	}
	return nil
}

// ICECandidate is the JSON shape of a trickled ICE candidate.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
}

type OfferPayload struct {
	From     UserID             `json:"from"`
	UserName string             `json:"userName"`
	To       UserID             `json:"to,omitempty"`
	Offer    SessionDescription `json:"offer"`
}

type AnswerPayload struct {
	From     UserID             `json:"from"`
	UserName string             `json:"userName"`
	Answer   SessionDescription `json:"answer"`
}

// ControlPayload carries call-reject and call-end.
type ControlPayload struct {
	From UserID `json:"from"`
}

type CandidatePayload struct {
	From      UserID       `json:"from"`
	Candidate ICECandidate `json:"candidate"`
}

// Event is one named message delivered by a signaling channel.
type Event struct {
	Name    string          `json:"event"`
	From    UserID          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Sender extracts the from field common to every payload.
func (e Event) Sender() UserID {
	if e.From != "" {
		return e.From
	}
	var p ControlPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}
	return p.From
}
