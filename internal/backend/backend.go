// Package backend defines the capability every chat transport exposes to the
// router: connect, disconnect, send a room message, send a knock and publish
// presence. Exactly two implementations exist, the legacy WebSocket/REST
// protocol (package legacy) and the federated target protocol (package target).
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind names one of the two backend variants.
type Kind string

const (
	KindLegacy Kind = "legacy"
	KindTarget Kind = "target"
)

// Backend is the shared capability contract.
type Backend interface {
	Kind() Kind
	// Connect moves the status Disconnected -> Connecting -> Connected or Error.
	Connect(ctx context.Context) error
	// Disconnect is idempotent and always leaves the status Disconnected.
	Disconnect(ctx context.Context) error
	SendMessage(ctx context.Context, roomRef, text string) error
	SendKnock(ctx context.Context, targetRef string) error
	SetPresence(ctx context.Context, p Presence) error
	Status() Status
}

var (
	// ErrNotConnected is returned by send operations on a backend that is not Connected.
	ErrNotConnected = errors.New("backend not connected")
	// ErrConnectivity marks unreachable servers, timeouts and dropped sockets.
	ErrConnectivity = errors.New("connectivity error")
	// ErrAuthentication marks rejected credentials.
	ErrAuthentication = errors.New("authentication rejected")
	// ErrPresenceUnsupported is returned when the server does not implement presence.
	ErrPresenceUnsupported = errors.New("presence not supported by server")
	// ErrUnsupported is returned for operations the backend cannot carry out
	// with its current configuration.
	ErrUnsupported = errors.New("operation not supported")
)

// Presence is the user status vocabulary shared by both protocols.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceBusy    Presence = "busy"
	PresenceOffline Presence = "offline"
)

// ParsePresence accepts the legacy status strings; anything unknown is offline.
func ParsePresence(s string) Presence {
	switch Presence(strings.ToLower(strings.TrimSpace(s))) {
	case PresenceOnline:
		return PresenceOnline
	case PresenceAway:
		return PresenceAway
	case PresenceBusy:
		return PresenceBusy
	default:
		return PresenceOffline
	}
}

// ParsePresenceStrict is ParsePresence but rejects unknown values.
func ParsePresenceStrict(s string) (Presence, error) {
	p := ParsePresence(s)
	if p == PresenceOffline && !strings.EqualFold(strings.TrimSpace(s), string(PresenceOffline)) {
		return "", fmt.Errorf("unknown presence %q (want online, away, busy or offline)", s)
	}
	return p, nil
}
