package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

const hubQueueSize = 256

// Hub is an in-process SignalChannel. Every subscriber has its own queue
// and delivery goroutine, so a slow handler never blocks the sender.
type Hub struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]map[*hubSub]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[domain.RoomID]map[*hubSub]struct{})}
}

type hubSub struct {
	hub     *Hub
	room    domain.RoomID
	self    domain.User
	handler core.EventHandler
	inbox   chan domain.Event
	done    chan struct{}
	once    sync.Once
}

func (h *Hub) Subscribe(_ context.Context, room domain.RoomID, self domain.User, handler core.EventHandler) (core.Subscription, error) {
	if room == "" {
		return nil, fmt.Errorf("hub: empty room")
	}
	s := &hubSub{
		hub:     h,
		room:    room,
		self:    self,
		handler: handler,
		inbox:   make(chan domain.Event, hubQueueSize),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	subs, ok := h.rooms[room]
	if !ok {
		subs = make(map[*hubSub]struct{})
		h.rooms[room] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()

	go s.pump()
	log.Debug().Str("module", "channel.hub").Str("room", string(room)).Str("user", string(self.ID)).Msg("subscribed")
	return s, nil
}

// Members returns how many subscriptions the room currently has.
func (h *Hub) Members(room domain.RoomID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) peers(s *hubSub) []*hubSub {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*hubSub, 0, len(h.rooms[s.room]))
	for p := range h.rooms[s.room] {
		if p != s {
			out = append(out, p)
		}
	}
	return out
}

func (h *Hub) remove(s *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.rooms[s.room]
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.rooms, s.room)
	}
}

func (s *hubSub) pump() {
	for {
		select {
		case evt := <-s.inbox:
			s.handler(evt)
		case <-s.done:
			return
		}
	}
}

func (s *hubSub) Send(_ context.Context, event string, payload any) error {
	select {
	case <-s.done:
		return core.ErrClosed
	default:
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("hub: encode %s: %w", event, err)
	}
	evt := domain.Event{Name: event, From: s.self.ID, Payload: raw}
	for _, p := range s.hub.peers(s) {
		select {
		case p.inbox <- evt:
		case <-p.done:
		default:
			log.Warn().Str("module", "channel.hub").
				Str("room", string(s.room)).
				Str("to", string(p.self.ID)).
				Str("event", event).
				Msg("subscriber queue full, event dropped")
		}
	}
	return nil
}

func (s *hubSub) Close() error {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
	return nil
}
