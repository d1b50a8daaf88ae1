// Package target implements the backend capability on the federated target
// protocol, a Matrix homeserver reached through the client-server REST API.
package target

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/nok/internal/backend"
)

// KnockField marks a knock in the content of the degraded m.text message.
const KnockField = "com.nok.knock"

type Config struct {
	HomeserverURL string // e.g. http://localhost:6167
	ServerName    string // e.g. nok.local
	Username      string
	Password      string
	DeviceName    string
	Timeout       time.Duration
	SyncTimeout   time.Duration
	// KnockRoom receives knocks, which the protocol has no native event for.
	KnockRoom string
	// RegistrationToken is used when provisioning accounts.
	RegistrationToken string
}

type session struct {
	token    string
	userID   string
	deviceID string
}

// Backend is the target variant of backend.Backend.
type Backend struct {
	cfg     Config
	api     *client
	syncAPI *client
	logger  *slog.Logger
	status  backend.StatusCell

	mu       sync.Mutex
	sess     session
	joined   map[string]string // room ref -> room id
	stopSync context.CancelFunc
	syncDone chan struct{}

	events chan Event
}

var _ backend.Backend = (*Backend)(nil)

func New(cfg Config, logger *slog.Logger) *Backend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 30 * time.Second
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "nok"
	}
	return &Backend{
		cfg:     cfg,
		api:     newClient(cfg.HomeserverURL, cfg.Timeout),
		syncAPI: newClient(cfg.HomeserverURL, cfg.SyncTimeout+cfg.Timeout),
		logger:  logger,
		joined:  make(map[string]string),
		events:  make(chan Event, 64),
	}
}

func (b *Backend) Kind() backend.Kind { return backend.KindTarget }

func (b *Backend) Status() backend.Status { return b.status.Get() }

// Events delivers timeline events from the sync loop. Never closed.
func (b *Backend) Events() <-chan Event { return b.events }

// UserID is the logged-in user, empty before Login.
func (b *Backend) UserID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sess.userID
}

// Connect logs in and starts the sync loop.
func (b *Backend) Connect(ctx context.Context) error {
	if b.status.Get().IsConnected() {
		return nil
	}
	b.status.Set(backend.Connecting())
	b.StopSync()

	if err := b.Login(ctx); err != nil {
		b.status.Set(backend.Failed(err.Error()))
		return err
	}
	b.status.Set(backend.Connected())
	b.StartSync()
	return nil
}

// Login authenticates with the configured password and stores the session.
func (b *Backend) Login(ctx context.Context) error {
	if b.cfg.Username == "" || b.cfg.Password == "" {
		return fmt.Errorf("%w: username and password are required", backend.ErrAuthentication)
	}
	resp, err := b.api.login(ctx, b.cfg.Username, b.cfg.Password, b.cfg.DeviceName)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.sess = session{token: resp.AccessToken, userID: resp.UserID, deviceID: resp.DeviceID}
	b.mu.Unlock()

	b.logger.Info("logged in to homeserver", "user_id", resp.UserID, "device_id", resp.DeviceID)
	return nil
}

func (b *Backend) Disconnect(ctx context.Context) error {
	b.StopSync()

	b.mu.Lock()
	token := b.sess.token
	b.sess = session{}
	b.joined = make(map[string]string)
	b.mu.Unlock()

	b.status.Set(backend.Disconnected())
	if token == "" {
		return nil
	}
	if err := b.api.logout(ctx, token); err != nil {
		b.logger.Debug("logout failed", "error", err)
	}
	return nil
}

// SendMessage sends m.text to roomRef, which is a room id (!id:server) or an
// alias (#alias:server) that is joined on first use.
func (b *Backend) SendMessage(ctx context.Context, roomRef, text string) error {
	token, err := b.token()
	if err != nil {
		return err
	}
	roomID, err := b.JoinOrCreateRoom(ctx, roomRef)
	if err != nil {
		return err
	}
	content := map[string]any{"msgtype": "m.text", "body": text}
	if _, err := b.api.sendEvent(ctx, token, roomID, "m.room.message", uuid.NewString(), content); err != nil {
		return fmt.Errorf("send message to %s: %w", roomRef, err)
	}
	return nil
}

// SendKnock has no native equivalent. It degrades to a tagged m.text in the
// knock room carrying the target user in KnockField.
func (b *Backend) SendKnock(ctx context.Context, targetRef string) error {
	token, err := b.token()
	if err != nil {
		return err
	}
	if b.cfg.KnockRoom == "" {
		return fmt.Errorf("%w: no knock room configured", backend.ErrUnsupported)
	}
	roomID, err := b.JoinOrCreateRoom(ctx, b.cfg.KnockRoom)
	if err != nil {
		return err
	}
	content := map[string]any{
		"msgtype":  "m.text",
		"body":     "[knock] " + targetRef,
		KnockField: map[string]string{"target": targetRef},
	}
	if _, err := b.api.sendEvent(ctx, token, roomID, "m.room.message", uuid.NewString(), content); err != nil {
		return fmt.Errorf("send knock to %s: %w", targetRef, err)
	}
	return nil
}

// SetPresence maps away and busy to "unavailable"; busy keeps its meaning in
// the status message.
func (b *Backend) SetPresence(ctx context.Context, p backend.Presence) error {
	token, err := b.token()
	if err != nil {
		return err
	}
	userID := b.UserID()

	presence, msg := "online", ""
	switch p {
	case backend.PresenceAway:
		presence = "unavailable"
	case backend.PresenceBusy:
		presence, msg = "unavailable", "busy"
	case backend.PresenceOffline:
		presence = "offline"
	}

	err = b.api.setPresence(ctx, token, userID, presence, msg)
	if hasStatus(err, http.StatusNotFound) || hasCode(err, codeUnrecognized) {
		return fmt.Errorf("%w: %v", backend.ErrPresenceUnsupported, err)
	}
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// JoinOrCreateRoom resolves roomRef to a joined room id. Aliases that do not
// exist yet are created under this account.
func (b *Backend) JoinOrCreateRoom(ctx context.Context, roomRef string) (string, error) {
	b.mu.Lock()
	id, ok := b.joined[roomRef]
	b.mu.Unlock()
	if ok {
		return id, nil
	}

	token, err := b.sessionToken()
	if err != nil {
		return "", err
	}

	roomID, err := b.api.join(ctx, token, roomRef)
	if err != nil && strings.HasPrefix(roomRef, "#") && hasStatus(err, http.StatusNotFound) {
		localpart := aliasLocalpart(roomRef)
		roomID, err = b.api.createRoom(ctx, token, createRoomRequest{
			AliasName:  localpart,
			Name:       localpart,
			Visibility: "private",
			Preset:     "private_chat",
		})
	}
	if err != nil {
		return "", fmt.Errorf("join %s: %w", roomRef, err)
	}

	b.mu.Lock()
	b.joined[roomRef] = roomID
	b.mu.Unlock()
	return roomID, nil
}

func (b *Backend) token() (string, error) {
	if !b.status.Get().IsConnected() {
		return "", backend.ErrNotConnected
	}
	return b.sessionToken()
}

// sessionToken only requires a login; provisioning runs without sync.
func (b *Backend) sessionToken() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess.token == "" {
		return "", backend.ErrNotConnected
	}
	return b.sess.token, nil
}

// aliasLocalpart turns #name:server into name.
func aliasLocalpart(alias string) string {
	s := strings.TrimPrefix(alias, "#")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}
