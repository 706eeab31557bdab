package orch

import (
	"encoding/json"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/rs/zerolog/log"
)

type memberFrame struct {
	Type string      `json:"type"`
	User domain.User `json:"user"`
}

func (o *Orchestrator) announce(room core.RoomService, from core.SessionID, typ string, u domain.User) {
	data, err := json.Marshal(memberFrame{Type: typ, User: u})
	if err != nil {
		return
	}
	room.Broadcast(from, data)
}

// Join moves sid into roomID, leaving any previous room first. A non-empty id
// or name replaces the identity the connection speaks for. An older
// connection of the same user in the target room is kicked.
func (o *Orchestrator) Join(sid core.SessionID, roomID domain.RoomID, id domain.UserID, name string) (core.RoomService, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if from, _, ok := o.Registry.RoomOf(sid); ok {
		o.leave(sid)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_room", string(from)).Msg("left previous room")
	}
	if id != "" || name != "" {
		if _, err := o.Registry.Identify(sid, id, name); err != nil {
			return nil, err
		}
	}
	user, _ := o.Registry.User(sid)
	if older, ok := o.Registry.FindUser(roomID, user.ID); ok && older != sid {
		log.Info().Str("module", "orch").Str("sid", string(older)).Str("user", string(user.ID)).Msg("replaced by newer connection")
		o.kick(older)
	}

	sess, err := o.Registry.UpdateRoom(sid, roomID)
	if err != nil {
		return nil, err
	}
	room := o.Rooms.GetOrCreate(roomID)
	room.AddMember(sid, sess)
	o.announce(room, sid, "member_joined", user)
	o.observer().MemberJoined()
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomID)).Str("user", string(user.ID)).Msg("added to room")
	return room, nil
}

// Leave takes sid out of its room without closing the connection.
func (o *Orchestrator) Leave(sid core.SessionID) (domain.RoomID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.leave(sid)
}

func (o *Orchestrator) leave(sid core.SessionID) (domain.RoomID, bool) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return "", false
	}
	user, _ := o.Registry.User(sid)
	_, _ = o.Registry.UpdateRoom(sid, "")
	if room, ok := o.Rooms.GetRoom(roomID); ok {
		room.RemoveMember(sid)
		o.announce(room, sid, "member_left", user)
		if o.Rooms.StopIfEmpty(roomID) {
			log.Info().Str("module", "orch").Str("room", string(roomID)).Msg("room closed")
		}
	}
	o.observer().MemberLeft()
	return roomID, true
}

// Rename changes the display name and tells the room about it.
func (o *Orchestrator) Rename(sid core.SessionID, name string) (domain.User, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess, err := o.Registry.UpdateUsername(sid, name)
	if err != nil {
		return domain.User{}, err
	}
	user, _ := o.Registry.User(sid)
	if roomID, _, ok := o.Registry.RoomOf(sid); ok {
		if room, ok := o.Rooms.GetRoom(roomID); ok {
			room.AddMember(sid, sess)
			o.announce(room, sid, "member_updated", user)
		}
	}
	return user, nil
}

// KickBySID removes sid from its room and closes its connection.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kick(sid)
}

func (o *Orchestrator) kick(sid core.SessionID) {
	o.leave(sid)
	if sess, ok := o.Registry.GetSession(sid); ok {
		if sc := sess.Signal(); sc != nil {
			sc.Close()
		}
	}
	o.observer().MemberKicked()
}

// OnDisconnect is called once the connection's read side is gone.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.leave(sid)
	o.Registry.Unbind(sid)
}

func (o *Orchestrator) EvictRoom(id domain.RoomID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, snap := range o.Registry.MembersOfRoom(id) {
		o.kick(snap.SID)
	}
	o.Rooms.StopRoom(id)
}
