package core

import "github.com/dkeye/voicecall/internal/domain"

type SessionID string

// MemberSession binds domain.Member and its relay transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
	UpdateSignal(SignalConnection) MemberSession
}
