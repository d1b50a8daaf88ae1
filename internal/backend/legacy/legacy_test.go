package legacy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/nok/internal/backend"
)

type fakeServer struct {
	*httptest.Server
	frames chan Frame
	paths  chan string
	conns  chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		frames: make(chan Frame, 16),
		paths:  make(chan string, 4),
		conns:  make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"message":"nok api"}`)
	})
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.paths <- r.URL.Path
		fs.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if json.Unmarshal(data, &f) == nil {
				fs.frames <- f
			}
		}
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) config(userID string) Config {
	return Config{
		APIURL:  fs.URL,
		WSURL:   "ws" + strings.TrimPrefix(fs.URL, "http") + "/ws",
		UserID:  userID,
		Timeout: 2 * time.Second,
	}
}

func (fs *fakeServer) nextFrame(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-fs.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestConnectAndSendFrames(t *testing.T) {
	fs := newFakeServer(t)
	b := New(fs.config("user-1"), slog.Default())
	ctx := context.Background()

	require.Equal(t, backend.StateDisconnected, b.Status().State)
	require.NoError(t, b.Connect(ctx))
	assert.True(t, b.Status().IsConnected())
	assert.Equal(t, "/ws/user-1", <-fs.paths)

	require.NoError(t, b.SendKnock(ctx, "user-2"))
	f := fs.nextFrame(t)
	assert.Equal(t, FrameKnock, f.Type)
	assert.Equal(t, "user-1", f.UserID)
	assert.Equal(t, "user-2", f.TargetUserID)
	assert.Equal(t, "kon kon", f.Content)

	require.NoError(t, b.SendMessage(ctx, "room-1", "hello"))
	f = fs.nextFrame(t)
	assert.Equal(t, FrameMessage, f.Type)
	assert.Equal(t, "room-1", f.RoomID)
	assert.Equal(t, "hello", f.Content)

	require.NoError(t, b.SetPresence(ctx, backend.PresenceAway))
	f = fs.nextFrame(t)
	assert.Equal(t, FrameUserStatus, f.Type)
	assert.Equal(t, "away", f.Status)

	require.NoError(t, b.Disconnect(ctx))
	assert.Equal(t, backend.StateDisconnected, b.Status().State)
}

func TestJoinAndLeaveRoom(t *testing.T) {
	fs := newFakeServer(t)
	b := New(fs.config("user-1"), slog.Default())
	ctx := context.Background()

	assert.ErrorIs(t, b.JoinRoom(ctx, "room-1"), backend.ErrNotConnected)

	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)
	<-fs.paths

	require.NoError(t, b.JoinRoom(ctx, "room-1"))
	f := fs.nextFrame(t)
	assert.Equal(t, FrameJoinRoom, f.Type)
	assert.Equal(t, "user-1", f.UserID)
	assert.Equal(t, "room-1", f.RoomID)

	require.NoError(t, b.LeaveRoom(ctx, "room-1"))
	f = fs.nextFrame(t)
	assert.Equal(t, FrameLeaveRoom, f.Type)
	assert.Equal(t, "room-1", f.RoomID)
}

func TestSendRequiresConnection(t *testing.T) {
	b := New(Config{APIURL: "http://127.0.0.1:1", WSURL: "ws://127.0.0.1:1/ws", UserID: "u"}, slog.Default())
	ctx := context.Background()

	assert.ErrorIs(t, b.SendMessage(ctx, "room", "hi"), backend.ErrNotConnected)
	assert.ErrorIs(t, b.SendKnock(ctx, "other"), backend.ErrNotConnected)
	assert.ErrorIs(t, b.SetPresence(ctx, backend.PresenceOnline), backend.ErrNotConnected)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	b := New(Config{UserID: "u"}, slog.Default())
	ctx := context.Background()

	require.NoError(t, b.Disconnect(ctx))
	require.NoError(t, b.Disconnect(ctx))
	assert.Equal(t, backend.StateDisconnected, b.Status().State)
}

func TestConnectUnreachableSetsError(t *testing.T) {
	b := New(Config{
		APIURL:  "http://127.0.0.1:1",
		WSURL:   "ws://127.0.0.1:1/ws",
		UserID:  "u",
		Timeout: 500 * time.Millisecond,
	}, slog.Default())

	err := b.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrConnectivity)
	assert.Equal(t, backend.StateError, b.Status().State)
	assert.NotEmpty(t, b.Status().Reason)
}

func TestConnectWithoutUserID(t *testing.T) {
	fs := newFakeServer(t)
	b := New(fs.config(""), slog.Default())

	require.Error(t, b.Connect(context.Background()))
	assert.Equal(t, backend.StateError, b.Status().State)
}

func TestInboundFramesAndLostConnection(t *testing.T) {
	fs := newFakeServer(t)
	b := New(fs.config("user-1"), slog.Default())
	require.NoError(t, b.Connect(context.Background()))

	var serverConn *websocket.Conn
	select {
	case serverConn = <-fs.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the connection")
	}

	require.NoError(t, serverConn.WriteJSON(map[string]string{
		"type":        "knock",
		"sender_id":   "user-9",
		"sender_name": "Nine",
		"content":     "Nine knocked",
	}))

	select {
	case f := <-b.Events():
		assert.Equal(t, FrameKnock, f.Type)
		assert.Equal(t, "user-9", f.SenderID)
		assert.Equal(t, "Nine", f.SenderName)
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound frame delivered")
	}

	require.NoError(t, serverConn.Close())
	require.Eventually(t, func() bool {
		return b.Status().State == backend.StateError
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, b.SendMessage(context.Background(), "r", "x"), backend.ErrNotConnected)
}

func TestRESTClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/users/":
			_, _ = io.WriteString(w, `[{"id":"u1","name":"alice","status":"online","created_at":"2024-01-01T00:00:00"}]`)
		case r.URL.Path == "/api/rooms/":
			_, _ = io.WriteString(w, `[{"id":"r1","name":"Main Room","description":null,"is_public":true,"created_at":"2024-01-01T00:00:00"}]`)
		case r.URL.Path == "/api/rooms/r1/join":
			assert.Equal(t, "u1", r.URL.Query().Get("user_id"))
			_, _ = io.WriteString(w, `{"message":"joined"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, time.Second)
	ctx := context.Background()

	u, err := c.FindUserByName(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "u1", u.ID)

	missing, err := c.FindUserByName(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, missing)

	rooms, err := c.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "Main Room", rooms[0].Name)
	assert.Nil(t, rooms[0].Description)

	require.NoError(t, c.JoinRoom(ctx, "u1", "r1"))

	err = c.JoinRoom(ctx, "u1", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
