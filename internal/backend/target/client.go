package target

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/nok/internal/backend"
)

const clientPrefix = "/_matrix/client/v3"

// Error codes the client reacts to.
const (
	codeForbidden    = "M_FORBIDDEN"
	codeUnknownToken = "M_UNKNOWN_TOKEN"
	codeUnrecognized = "M_UNRECOGNIZED"
	codeNotFound     = "M_NOT_FOUND"
	codeUserInUse    = "M_USER_IN_USE"
	codeRoomInUse    = "M_ROOM_IN_USE"
)

// MatrixError is a non-2xx response from the homeserver.
type MatrixError struct {
	Status  int    `json:"-"`
	Code    string `json:"errcode"`
	Message string `json:"error"`

	// Set on 401 responses to /register when user-interactive auth applies.
	Session string `json:"session,omitempty"`
}

func (e *MatrixError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("homeserver returned %d", e.Status)
	}
	return fmt.Sprintf("homeserver returned %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *MatrixError) Unwrap() error {
	switch {
	case e.Code == codeForbidden && e.Status == http.StatusForbidden,
		e.Code == codeUnknownToken,
		e.Status == http.StatusUnauthorized && e.Session == "":
		return backend.ErrAuthentication
	case e.Status >= 500:
		return backend.ErrConnectivity
	}
	return nil
}

// hasCode reports whether err is a MatrixError carrying code.
func hasCode(err error, code string) bool {
	var me *MatrixError
	return errors.As(err, &me) && me.Code == code
}

func hasStatus(err error, status int) bool {
	var me *MatrixError
	return errors.As(err, &me) && me.Status == status
}

// client is a thin JSON wrapper over the client-server API.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// do sends in as JSON and decodes the response into out. token may be empty
// for unauthenticated endpoints.
func (c *client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+clientPrefix+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", backend.ErrConnectivity, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", backend.ErrConnectivity, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		me := &MatrixError{Status: resp.StatusCode}
		_ = json.Unmarshal(respBody, me)
		return me
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

type loginRequest struct {
	Type       string         `json:"type"`
	Identifier map[string]any `json:"identifier"`
	Password   string         `json:"password"`
	DeviceName string         `json:"initial_device_display_name,omitempty"`
}

type loginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

func (c *client) login(ctx context.Context, user, password, deviceName string) (*loginResponse, error) {
	req := loginRequest{
		Type:       "m.login.password",
		Identifier: map[string]any{"type": "m.id.user", "user": user},
		Password:   password,
		DeviceName: deviceName,
	}
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/login", "", req, &resp); err != nil {
		return nil, fmt.Errorf("login %s: %w", user, err)
	}
	return &resp, nil
}

func (c *client) logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/logout", token, struct{}{}, nil)
}

type registerRequest struct {
	Username     string         `json:"username"`
	Password     string         `json:"password"`
	InhibitLogin bool           `json:"inhibit_login"`
	Auth         map[string]any `json:"auth,omitempty"`
}

// register creates an account. When the server answers with a
// user-interactive auth session the request is retried once inside it.
func (c *client) register(ctx context.Context, localpart, password, regToken string) error {
	auth := map[string]any{"type": "m.login.dummy"}
	if regToken != "" {
		auth = map[string]any{"type": "m.login.registration_token", "token": regToken}
	}
	req := registerRequest{Username: localpart, Password: password, InhibitLogin: true, Auth: auth}

	err := c.do(ctx, http.MethodPost, "/register", "", req, nil)
	var me *MatrixError
	if errors.As(err, &me) && me.Status == http.StatusUnauthorized && me.Session != "" {
		auth["session"] = me.Session
		err = c.do(ctx, http.MethodPost, "/register", "", req, nil)
	}
	return err
}

func (c *client) resolveAlias(ctx context.Context, token, alias string) (string, error) {
	var resp struct {
		RoomID string `json:"room_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/directory/room/"+url.PathEscape(alias), token, nil, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

type createRoomRequest struct {
	AliasName  string `json:"room_alias_name,omitempty"`
	Name       string `json:"name,omitempty"`
	Topic      string `json:"topic,omitempty"`
	Visibility string `json:"visibility"`
	Preset     string `json:"preset"`
}

func (c *client) createRoom(ctx context.Context, token string, req createRoomRequest) (string, error) {
	var resp struct {
		RoomID string `json:"room_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/createRoom", token, req, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *client) join(ctx context.Context, token, roomRef string) (string, error) {
	var resp struct {
		RoomID string `json:"room_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/join/"+url.PathEscape(roomRef), token, struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *client) sendEvent(ctx context.Context, token, roomID, eventType, txnID string, content any) (string, error) {
	path := fmt.Sprintf("/rooms/%s/send/%s/%s", url.PathEscape(roomID), url.PathEscape(eventType), url.PathEscape(txnID))
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPut, path, token, content, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *client) setPresence(ctx context.Context, token, userID, presence, statusMsg string) error {
	body := map[string]string{"presence": presence}
	if statusMsg != "" {
		body["status_msg"] = statusMsg
	}
	return c.do(ctx, http.MethodPut, "/presence/"+url.PathEscape(userID)+"/status", token, body, nil)
}

// SyncResponse holds the parts of /sync the backend consumes.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []Event `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
		Invite map[string]json.RawMessage `json:"invite"`
	} `json:"rooms"`
}

// Event is a timeline event delivered by sync.
type Event struct {
	RoomID         string          `json:"room_id,omitempty"`
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

func (c *client) sync(ctx context.Context, token, since string, timeout time.Duration) (*SyncResponse, error) {
	q := url.Values{}
	q.Set("timeout", fmt.Sprint(timeout.Milliseconds()))
	if since != "" {
		q.Set("since", since)
	}
	var resp SyncResponse
	if err := c.do(ctx, http.MethodGet, "/sync?"+q.Encode(), token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
