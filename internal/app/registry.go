package app

import (
	"context"
	"sync"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/rs/zerolog/log"
)

const guestName = "guest"

type sessionEntry struct {
	Room    domain.RoomID
	User    domain.User
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry tracks every live relay connection, its identity and its room.
// A MemberSession is never mutated after it is handed to a room: identity or
// room changes build a fresh one that callers re-add.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
	}
}

// Bind registers a new connection under an anonymous guest identity.
func (r *Registry) Bind(sid core.SessionID, sc core.SignalConnection, cancel context.CancelFunc) core.MemberSession {
	user, _ := domain.NewUser("", guestName)
	e := &sessionEntry{User: *user, Cancel: cancel}
	e.Session = rebuild(e, sc)

	r.mu.Lock()
	r.sessions[sid] = e
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(user.ID)).Msg("bound signal")
	return e.Session
}

func rebuild(e *sessionEntry, sc core.SignalConnection) core.MemberSession {
	u := e.User
	return core.NewMemberSession(domain.NewMember(&u, e.Room)).UpdateSignal(sc)
}

func (r *Registry) mutate(sid core.SessionID, fn func(e *sessionEntry) error) (core.MemberSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil, core.ErrClosed
	}
	next := *e
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.Session = rebuild(&next, e.Session.Signal())
	*e = next
	return e.Session, nil
}

// Identify replaces the identity the connection speaks for. An empty id keeps
// the current one.
func (r *Registry) Identify(sid core.SessionID, id domain.UserID, name string) (core.MemberSession, error) {
	return r.mutate(sid, func(e *sessionEntry) error {
		if id == "" {
			id = e.User.ID
		}
		if name == "" {
			name = e.User.Username
		}
		u, err := domain.NewUser(id, name)
		if err != nil {
			return err
		}
		e.User = *u
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(u.ID)).Msg("identified")
		return nil
	})
}

func (r *Registry) UpdateUsername(sid core.SessionID, name string) (core.MemberSession, error) {
	return r.mutate(sid, func(e *sessionEntry) error {
		if err := e.User.SetUsername(name); err != nil {
			return err
		}
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("username", e.User.Username).Msg("updated username")
		return nil
	})
}

// UpdateRoom moves the connection's bookkeeping to room; an empty room clears it.
func (r *Registry) UpdateRoom(sid core.SessionID, room domain.RoomID) (core.MemberSession, error) {
	return r.mutate(sid, func(e *sessionEntry) error {
		e.Room = room
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room)).Msg("updated room")
		return nil
	})
}

func (r *Registry) GetSession(sid core.SessionID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) User(sid core.SessionID) (domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.User, true
	}
	return domain.User{}, false
}

func (r *Registry) RoomOf(sid core.SessionID) (domain.RoomID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.Room == "" {
		return "", nil, false
	}
	return e.Room, e.Session, true
}

// Unbind forgets the connection and cancels its context.
func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	delete(r.sessions, sid)
	r.mu.Unlock()
	if !ok {
		return
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

type RegSnap struct {
	SID     core.SessionID
	Session core.MemberSession
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []RegSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegSnap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.Room == room {
			out = append(out, RegSnap{SID: sid, Session: e.Session})
		}
	}
	return out
}

// RoomMates lists everyone sharing sid's room, excluding sid.
func (r *Registry) RoomMates(sid core.SessionID) []RegSnap {
	room, _, ok := r.RoomOf(sid)
	if !ok {
		return nil
	}
	all := r.MembersOfRoom(room)
	out := all[:0]
	for _, s := range all {
		if s.SID != sid {
			out = append(out, s)
		}
	}
	return out
}

// FindUser returns the session in room speaking for user, if any.
func (r *Registry) FindUser(room domain.RoomID, user domain.UserID) (core.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sid, e := range r.sessions {
		if e.Room == room && e.User.ID == user {
			return sid, true
		}
	}
	return "", false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
