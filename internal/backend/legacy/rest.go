package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/nok/internal/backend"
)

// APIUser is a user as returned by the legacy REST API.
type APIUser struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// APIRoom is a room as returned by the legacy REST API.
type APIRoom struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	IsPublic    bool    `json:"is_public"`
	CreatedAt   string  `json:"created_at"`
	MemberCount *int    `json:"member_count"`
}

// RESTClient talks to the legacy HTTP API.
type RESTClient struct {
	baseURL string
	client  *http.Client
}

func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// HealthCheck returns nil when the legacy server answers its root endpoint.
func (c *RESTClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: health check: %v", backend.ErrConnectivity, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: health check returned %d", backend.ErrConnectivity, resp.StatusCode)
	}
	return nil
}

func (c *RESTClient) ListUsers(ctx context.Context) ([]APIUser, error) {
	var users []APIUser
	if err := c.do(ctx, http.MethodGet, "/api/users/", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// FindUserByName returns nil when no user carries that name.
func (c *RESTClient) FindUserByName(ctx context.Context, name string) (*APIUser, error) {
	users, err := c.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].Name == name {
			return &users[i], nil
		}
	}
	return nil, nil
}

func (c *RESTClient) ListRooms(ctx context.Context) ([]APIRoom, error) {
	var rooms []APIRoom
	if err := c.do(ctx, http.MethodGet, "/api/rooms/", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// JoinRoom records userID as a member of roomID.
func (c *RESTClient) JoinRoom(ctx context.Context, userID, roomID string) error {
	path := fmt.Sprintf("/api/rooms/%s/join?user_id=%s", url.PathEscape(roomID), url.QueryEscape(userID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *RESTClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", backend.ErrConnectivity, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("legacy api %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
