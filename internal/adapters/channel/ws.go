package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

const (
	wsSendQueue    = 64
	wsWriteTimeout = 5 * time.Second
	wsCloseWait    = time.Second
)

// WSChannel subscribes through the relay server's websocket endpoint.
type WSChannel struct {
	URL        string
	PingPeriod time.Duration
	Dialer     *websocket.Dialer
}

func NewWSChannel(rawURL string, pingPeriod time.Duration) *WSChannel {
	return &WSChannel{URL: rawURL, PingPeriod: pingPeriod, Dialer: websocket.DefaultDialer}
}

type wsJoin struct {
	Type string        `json:"type"`
	Room domain.RoomID `json:"room"`
	User domain.UserID `json:"user"`
	Name string        `json:"name"`
}

type wsPublish struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type wsInbound struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	From    domain.UserID   `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

type wsSub struct {
	conn   *websocket.Conn
	send   chan core.Frame
	done   chan struct{}
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func (c *WSChannel) Subscribe(ctx context.Context, room domain.RoomID, self domain.User, h core.EventHandler) (core.Subscription, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("ws channel: bad url: %w", err)
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("ws channel: dial %s: %w", u.Redacted(), err)
	}
	l := log.With().Str("module", "channel.ws").Str("room", string(room)).Str("user", string(self.ID)).Logger()

	if err := joinRoom(ctx, conn, room, self); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &wsSub{
		conn:   conn,
		send:   make(chan core.Frame, wsSendQueue),
		done:   make(chan struct{}),
		logger: l,
	}
	go s.writePump()
	go s.readPump(h)
	if c.PingPeriod > 0 {
		go s.keepalive(c.PingPeriod)
	}
	l.Info().Msg("joined relay room")
	return s, nil
}

// joinRoom sends the join frame and waits for room_state or error.
func joinRoom(ctx context.Context, conn *websocket.Conn, room domain.RoomID, self domain.User) error {
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(wsJoin{Type: "join", Room: room, User: self.ID, Name: self.Username}); err != nil {
		return fmt.Errorf("ws channel: join: %w", err)
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			return fmt.Errorf("ws channel: join reply: %w", err)
		}
		switch in.Type {
		case "room_state":
			return nil
		case "error":
			return fmt.Errorf("ws channel: join rejected: %s", in.Message)
		}
	}
}

func (s *wsSub) TrySend(f core.Frame) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.ErrClosed
	}
	select {
	case s.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (s *wsSub) Send(_ context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ws channel: encode %s: %w", event, err)
	}
	b, err := json.Marshal(wsPublish{Type: "publish", Event: event, Payload: raw})
	if err != nil {
		return err
	}
	return s.TrySend(b)
}

// Close queues a leave frame, lets the write pump drain and closes the socket.
func (s *wsSub) Close() error {
	_ = s.TrySend(core.Frame(`{"type":"leave"}`))
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.send)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(wsCloseWait):
		_ = s.conn.Close()
	}
	return nil
}

func (s *wsSub) writePump() {
	defer close(s.done)
	defer s.conn.Close()
	for data := range s.send {
		if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			s.logger.Error().Err(err).Msg("writePump set deadline")
			return
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Error().Err(err).Msg("writePump write error")
			return
		}
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteTimeout))
}

func (s *wsSub) readPump(h core.EventHandler) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if !closed {
				s.logger.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}
		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			s.logger.Warn().Err(err).Msg("bad json")
			continue
		}
		switch in.Type {
		case "event":
			h(domain.Event{Name: in.Event, From: in.From, Payload: in.Payload})
		case "error":
			s.logger.Warn().Str("message", in.Message).Msg("relay error")
		default:
			s.logger.Debug().Str("type", in.Type).Msg("relay frame")
		}
	}
}

func (s *wsSub) keepalive(period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.TrySend(core.Frame(`{"type":"ping"}`)); errors.Is(err, core.ErrClosed) {
				return
			}
		case <-s.done:
			return
		}
	}
}
