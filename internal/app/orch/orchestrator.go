// Package orch ties the relay registry to rooms: membership changes,
// announcements and event fan-out with backpressure handling.
package orch

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/voicecall/internal/app"
	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrNotInRoom = errors.New("not in a room")

// Observer receives relay traffic notifications, typically for metrics.
type Observer interface {
	FrameRelayed(delivered, dropped int)
	MemberJoined()
	MemberLeft()
	MemberKicked()
}

type nopObserver struct{}

func (nopObserver) FrameRelayed(int, int) {}
func (nopObserver) MemberJoined()         {}
func (nopObserver) MemberLeft()           {}
func (nopObserver) MemberKicked()         {}

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Observer Observer

	// membership changes are serialized; fan-out is not
	mu sync.Mutex
}

func New(reg *app.Registry, rooms core.RoomManager, policy app.Policy, obs Observer) *Orchestrator {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Orchestrator{Registry: reg, Rooms: rooms, Policy: policy, Observer: obs}
}

func (o *Orchestrator) observer() Observer {
	if o.Observer == nil {
		return nopObserver{}
	}
	return o.Observer
}

// eventFrame is what room members receive for every published event.
type eventFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	From    domain.UserID   `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Publish fans an event out to every other member of the sender's room.
func (o *Orchestrator) Publish(sid core.SessionID, event string, payload json.RawMessage) (core.PublishResult, error) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return core.PublishResult{}, ErrNotInRoom
	}
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return core.PublishResult{}, ErrNotInRoom
	}
	user, _ := o.Registry.User(sid)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	data, err := json.Marshal(eventFrame{Type: "event", Event: event, From: user.ID, Payload: payload})
	if err != nil {
		return core.PublishResult{}, err
	}
	res := o.OnFrame(sid, room, data)
	log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomID)).Str("event", event).Int("sent_to", res.SendTo).Msg("published")
	return res, nil
}

// OnFrame broadcasts a raw frame and applies the backpressure policy to
// every member that could not take it.
func (o *Orchestrator) OnFrame(sid core.SessionID, room core.RoomService, data core.Frame) core.PublishResult {
	res := room.Broadcast(sid, data)
	o.observer().FrameRelayed(res.SendTo, len(res.Dropped))
	if o.Policy == nil {
		return res
	}
	for _, slow := range res.Dropped {
		switch action := o.Policy.OnBackPressure(room, slow); action {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("sid", string(slow)).Str("room", string(room.Room().ID)).Msg("kicking slow member")
			o.KickBySID(slow)
		case app.DropFrame, app.NoAction:
			log.Debug().Str("module", "orch").Str("sid", string(slow)).Str("action", action.String()).Msg("frame dropped")
		}
	}
	return res
}
