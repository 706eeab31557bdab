package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

type joinRequest struct {
	Room string `json:"room"`
	User string `json:"user,omitempty"`
	Name string `json:"name,omitempty"`
}

type roomState struct {
	Type    string           `json:"type"`
	Room    domain.RoomID    `json:"room"`
	Self    domain.User      `json:"self"`
	Members []core.MemberDTO `json:"members"`
	Count   int              `json:"count"`
}

func (ctl *SignalWSController) handleJoin(sid core.SessionID, conn *WsSignalConn, data []byte) {
	var p joinRequest
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	ctl.join(sid, conn, p)
}

func (ctl *SignalWSController) join(sid core.SessionID, conn *WsSignalConn, p joinRequest) {
	roomID, err := domain.NewRoomID(p.Room)
	if err != nil {
		ctl.sendError(conn, err.Error())
		return
	}
	room, err := ctl.Orch.Join(sid, roomID, domain.UserID(p.User), p.Name)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join refused")
		ctl.sendError(conn, err.Error())
		return
	}
	self, _ := ctl.Orch.Registry.User(sid)
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", string(roomID)).Msg("join")
	ctl.sendJSON(conn, roomState{
		Type:    "room_state",
		Room:    room.Room().ID,
		Self:    self,
		Members: room.MembersSnapshot(),
		Count:   room.MemberCount(),
	})
}

// handleLeave exits the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID, conn *WsSignalConn) {
	roomID, ok := ctl.Orch.Leave(sid)
	log.Info().Str("module", "signal").Str("sid", string(sid)).Bool("was_member", ok).Msg("leave")
	ctl.sendJSON(conn, struct {
		Type string        `json:"type"`
		Room domain.RoomID `json:"room,omitempty"`
	}{Type: "left", Room: roomID})
}
