// Package legacy implements the backend capability on top of the legacy
// chat server: a REST API for health and lookups, and a per-user WebSocket
// carrying JSON frames for knocks, room messages and status changes.
package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MikeSquared-Agency/nok/internal/backend"
)

// Frame types understood by the legacy server.
const (
	FrameKnock      = "knock"
	FrameMessage    = "message"
	FrameJoinRoom   = "join_room"
	FrameLeaveRoom  = "leave_room"
	FrameUserStatus = "user_status"
)

// knockContent is what the legacy clients have always sent as knock text.
const knockContent = "kon kon"

// Frame is one JSON message on the legacy socket, in either direction.
type Frame struct {
	Type         string          `json:"type"`
	UserID       string          `json:"user_id,omitempty"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	RoomID       string          `json:"room_id,omitempty"`
	Content      string          `json:"content,omitempty"`
	Status       string          `json:"status,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`

	// Server-to-client fields.
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

type Config struct {
	APIURL  string // e.g. http://localhost:8001
	WSURL   string // e.g. ws://localhost:8001/ws
	UserID  string
	Timeout time.Duration
}

// Backend is the legacy variant of backend.Backend.
type Backend struct {
	cfg    Config
	rest   *RESTClient
	dialer *websocket.Dialer
	logger *slog.Logger
	status backend.StatusCell

	// connMu guards conn and closeCh; gorilla allows one concurrent writer.
	connMu  sync.Mutex
	conn    *websocket.Conn
	closeCh chan struct{}

	events chan Frame
}

var _ backend.Backend = (*Backend)(nil)

func New(cfg Config, logger *slog.Logger) *Backend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Backend{
		cfg:  cfg,
		rest: NewRESTClient(cfg.APIURL, cfg.Timeout),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.Timeout,
		},
		logger: logger,
		events: make(chan Frame, 64),
	}
}

func (b *Backend) Kind() backend.Kind { return backend.KindLegacy }

func (b *Backend) Status() backend.Status { return b.status.Get() }

// ListUsers and ListRooms read the server directory over REST. They do not
// need the socket.
func (b *Backend) ListUsers(ctx context.Context) ([]APIUser, error) { return b.rest.ListUsers(ctx) }

func (b *Backend) ListRooms(ctx context.Context) ([]APIRoom, error) { return b.rest.ListRooms(ctx) }

// FindUserByName returns nil, nil when nobody has that name.
func (b *Backend) FindUserByName(ctx context.Context, name string) (*APIUser, error) {
	return b.rest.FindUserByName(ctx, name)
}

// Events delivers inbound frames. The channel is never closed; frames are
// dropped when nobody drains it.
func (b *Backend) Events() <-chan Frame { return b.events }

func (b *Backend) Connect(ctx context.Context) error {
	if b.status.Get().IsConnected() {
		return nil
	}
	if b.cfg.UserID == "" {
		err := errors.New("legacy user id is not configured")
		b.status.Set(backend.Failed(err.Error()))
		return err
	}

	b.status.Set(backend.Connecting())

	if err := b.rest.HealthCheck(ctx); err != nil {
		b.status.Set(backend.Failed(err.Error()))
		return err
	}

	wsURL := strings.TrimRight(b.cfg.WSURL, "/") + "/" + url.PathEscape(b.cfg.UserID)
	conn, resp, err := b.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		b.status.Set(backend.Failed(err.Error()))
		return fmt.Errorf("%w: dial %s: %v", backend.ErrConnectivity, wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	closeCh := make(chan struct{})
	b.connMu.Lock()
	b.conn = conn
	b.closeCh = closeCh
	b.connMu.Unlock()

	go b.readLoop(conn, closeCh)

	b.status.Set(backend.Connected())
	b.logger.Info("legacy socket connected", "url", wsURL)
	return nil
}

func (b *Backend) Disconnect(ctx context.Context) error {
	b.connMu.Lock()
	conn := b.conn
	closeCh := b.closeCh
	b.conn = nil
	b.closeCh = nil
	b.connMu.Unlock()

	if conn == nil {
		b.status.Set(backend.Disconnected())
		return nil
	}
	close(closeCh)

	deadline := time.Now().Add(b.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		b.logger.Debug("legacy close frame not sent", "error", err)
	}
	err := conn.Close()
	b.status.Set(backend.Disconnected())
	b.logger.Info("legacy socket closed")
	if err != nil {
		return fmt.Errorf("close legacy socket: %w", err)
	}
	return nil
}

func (b *Backend) SendMessage(ctx context.Context, roomRef, text string) error {
	return b.send(ctx, Frame{
		Type:    FrameMessage,
		UserID:  b.cfg.UserID,
		RoomID:  roomRef,
		Content: text,
	})
}

func (b *Backend) SendKnock(ctx context.Context, targetRef string) error {
	return b.send(ctx, Frame{
		Type:         FrameKnock,
		UserID:       b.cfg.UserID,
		TargetUserID: targetRef,
		Content:      knockContent,
	})
}

func (b *Backend) SetPresence(ctx context.Context, p backend.Presence) error {
	return b.send(ctx, Frame{
		Type:   FrameUserStatus,
		UserID: b.cfg.UserID,
		Status: string(p),
	})
}

// JoinRoom records the membership over REST, then announces it on the
// socket so the room's live members see it.
func (b *Backend) JoinRoom(ctx context.Context, roomID string) error {
	if !b.status.Get().IsConnected() {
		return backend.ErrNotConnected
	}
	if err := b.rest.JoinRoom(ctx, b.cfg.UserID, roomID); err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	return b.send(ctx, Frame{Type: FrameJoinRoom, UserID: b.cfg.UserID, RoomID: roomID})
}

func (b *Backend) LeaveRoom(ctx context.Context, roomID string) error {
	return b.send(ctx, Frame{Type: FrameLeaveRoom, UserID: b.cfg.UserID, RoomID: roomID})
}

func (b *Backend) send(ctx context.Context, f Frame) error {
	if !b.status.Get().IsConnected() {
		return backend.ErrNotConnected
	}

	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn == nil {
		return backend.ErrNotConnected
	}

	deadline := time.Now().Add(b.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := b.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set write deadline: %v", backend.ErrConnectivity, err)
	}
	if err := b.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: write %s frame: %v", backend.ErrConnectivity, f.Type, err)
	}
	return nil
}

func (b *Backend) readLoop(conn *websocket.Conn, closeCh chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closeCh:
				return
			default:
			}

			b.connMu.Lock()
			if b.conn == conn {
				b.conn = nil
				b.closeCh = nil
			}
			b.connMu.Unlock()
			_ = conn.Close()

			b.status.Set(backend.Failed("connection lost: " + err.Error()))
			b.logger.Warn("legacy socket lost", "error", err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.logger.Debug("ignoring malformed legacy frame", "error", err)
			continue
		}
		select {
		case b.events <- f:
		default:
			b.logger.Debug("legacy event dropped", "type", f.Type)
		}
	}
}
