package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicecall/internal/adapters/channel"
	"github.com/dkeye/voicecall/internal/adapters/directory"
	"github.com/dkeye/voicecall/internal/adapters/signal"
	"github.com/dkeye/voicecall/internal/app"
	"github.com/dkeye/voicecall/internal/app/orch"
	"github.com/dkeye/voicecall/internal/cache"
	"github.com/dkeye/voicecall/internal/config"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/dkeye/voicecall/internal/metrics"
)

func newRelay(t *testing.T) (*httptest.Server, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := metrics.New()
	o := orch.New(app.NewRegistry(), app.NewRoomManager(), app.SimplePolicy{}, m)
	ctl := signal.NewSignalWSController(o, signal.Options{ReadLimit: 32 << 10})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := SetupRouter(ctx, &config.Config{Mode: "test", Secret: "test-secret"}, Deps{Orch: o, Signal: ctl, Metrics: m.Handler()})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, o
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal" + query
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type serverFrame struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Room    domain.RoomID   `json:"room"`
	Count   int             `json:"count"`
	User    domain.User     `json:"user"`
	Self    domain.User     `json:"self"`
	Event   string          `json:"event"`
	From    domain.UserID   `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// expect reads until a frame of type want arrives.
func expect(t *testing.T, conn *websocket.Conn, want string) serverFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f serverFrame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == want {
			return f
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, v string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(v)))
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealthAndEmptyRooms(t *testing.T) {
	srv, _ := newRelay(t)

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	var rooms struct {
		Rooms []map[string]any `json:"rooms"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/rooms", &rooms))
	assert.Empty(t, rooms.Rooms)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/rooms/lobby/members", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/rooms/lobby", nil))
}

func TestClientTokenCookie(t *testing.T) {
	srv, _ := newRelay(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	var names []string
	for _, c := range resp.Cookies() {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, sessionName)
}

func TestSignalProtocol(t *testing.T) {
	srv, _ := newRelay(t)
	conn := dial(t, wsURL(srv, "?room=lobby&user=alice&name=Alice"))

	st := expect(t, conn, "room_state")
	assert.Equal(t, domain.RoomID("lobby"), st.Room)
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, domain.User{ID: "alice", Username: "Alice"}, st.Self)

	send(t, conn, `{"type":"ping"}`)
	expect(t, conn, "pong")

	send(t, conn, `{"type":"rename","name":"Ally"}`)
	who := expect(t, conn, "whoami")
	assert.Equal(t, "Ally", who.User.Username)
	assert.Equal(t, domain.RoomID("lobby"), who.Room)

	send(t, conn, `{"type":"rename","name":""}`)
	assert.Equal(t, "invalid_name", expect(t, conn, "error").Message)

	send(t, conn, `{"type":"bogus"}`)
	assert.Equal(t, "unknown_type", expect(t, conn, "error").Message)

	send(t, conn, `not json`)
	assert.Equal(t, "bad_json", expect(t, conn, "error").Message)

	send(t, conn, `{"type":"leave"}`)
	assert.Equal(t, domain.RoomID("lobby"), expect(t, conn, "left").Room)

	send(t, conn, `{"type":"publish","event":"call-end","payload":{"from":"alice"}}`)
	assert.Equal(t, "not_in_room", expect(t, conn, "error").Message)

	send(t, conn, `{"type":"join","room":"  "}`)
	assert.Equal(t, domain.ErrRoomIDEmpty.Error(), expect(t, conn, "error").Message)

	send(t, conn, `{"type":"join","room":"desk"}`)
	assert.Equal(t, domain.RoomID("desk"), expect(t, conn, "room_state").Room)
}

func TestPublishReachesRoomMates(t *testing.T) {
	srv, _ := newRelay(t)
	alice := dial(t, wsURL(srv, "?room=lobby&user=alice&name=Alice"))
	expect(t, alice, "room_state")
	bob := dial(t, wsURL(srv, ""))
	send(t, bob, `{"type":"join","room":"lobby","user":"bob","name":"Bob"}`)
	assert.Equal(t, 2, expect(t, bob, "room_state").Count)

	joined := expect(t, alice, "member_joined")
	assert.Equal(t, domain.UserID("bob"), joined.User.ID)

	send(t, bob, `{"type":"publish","event":"call-reject","payload":{"from":"bob"}}`)
	evt := expect(t, alice, "event")
	assert.Equal(t, domain.EventReject, evt.Event)
	assert.Equal(t, domain.UserID("bob"), evt.From)
	assert.JSONEq(t, `{"from":"bob"}`, string(evt.Payload))

	require.NoError(t, bob.Close())
	left := expect(t, alice, "member_left")
	assert.Equal(t, domain.UserID("bob"), left.User.ID)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) handle(e domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func TestWSChannelOverRelay(t *testing.T) {
	srv, o := newRelay(t)
	ctx := context.Background()
	ch := channel.NewWSChannel(wsURL(srv, ""), time.Second)

	var bobGot recorder
	a, err := ch.Subscribe(ctx, "lobby", domain.User{ID: "alice", Username: "Alice"}, func(domain.Event) {})
	require.NoError(t, err)
	b, err := ch.Subscribe(ctx, "lobby", domain.User{ID: "bob", Username: "Bob"}, bobGot.handle)
	require.NoError(t, err)

	require.NoError(t, a.Send(ctx, domain.EventEnd, domain.ControlPayload{From: "alice"}))
	require.Eventually(t, func() bool { return len(bobGot.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := bobGot.snapshot()[0]
	assert.Equal(t, domain.EventEnd, got.Name)
	assert.Equal(t, domain.UserID("alice"), got.Sender())

	var members []map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/rooms/lobby/members", &members))
	assert.Equal(t, []map[string]string{{"id": "alice", "username": "Alice"}, {"id": "bob", "username": "Bob"}}, members)

	dir := directory.New(srv.URL, time.Second, cache.New[string](time.Minute, 0))
	name, err := dir.DisplayName(ctx, "lobby", "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", name)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "voicecall_relay_members 2")

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		room, ok := o.Rooms.GetRoom("lobby")
		return ok && room.MemberCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return o.Registry.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestJoinRejectedSurfacesToClient(t *testing.T) {
	srv, _ := newRelay(t)
	ch := channel.NewWSChannel(wsURL(srv, ""), 0)
	_, err := ch.Subscribe(context.Background(), "lobby", domain.User{ID: "alice", Username: "  "}, func(domain.Event) {})
	assert.ErrorContains(t, err, domain.ErrUsernameEmpty.Error())
}

func TestEvictRoom(t *testing.T) {
	srv, o := newRelay(t)
	conn := dial(t, wsURL(srv, "?room=lobby&user=alice&name=Alice"))
	expect(t, conn, "room_state")

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/rooms/lobby", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool { return o.Registry.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
