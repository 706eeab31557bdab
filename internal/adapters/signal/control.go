package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/app/orch"
	"github.com/dkeye/voicecall/internal/core"
)

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, struct {
		Type string `json:"type"`
	}{Type: "pong"})
}

type publishRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (ctl *SignalWSController) handlePublish(sid core.SessionID, conn *WsSignalConn, data []byte) {
	var p publishRequest
	if err := json.Unmarshal(data, &p); err != nil || p.Event == "" {
		ctl.sendError(conn, "bad_payload")
		return
	}
	if !ctl.Limiter.Allow(sid) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("event", p.Event).Msg("publish rate limited")
		ctl.sendError(conn, "rate_limited")
		return
	}
	if _, err := ctl.Orch.Publish(sid, p.Event, p.Payload); err != nil {
		if errors.Is(err, orch.ErrNotInRoom) {
			ctl.sendError(conn, "not_in_room")
			return
		}
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("publish")
		ctl.sendError(conn, "publish_failed")
	}
}
