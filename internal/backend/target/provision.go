package target

import (
	"context"
	"fmt"
	"net/http"
)

// EnsureUser registers localpart with password. An existing account counts as
// success and reports created=false.
func (b *Backend) EnsureUser(ctx context.Context, localpart, password string) (bool, error) {
	err := b.api.register(ctx, localpart, password, b.cfg.RegistrationToken)
	if hasCode(err, codeUserInUse) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("register %s: %w", localpart, err)
	}
	b.logger.Debug("registered account", "localpart", localpart)
	return true, nil
}

// EnsureRoom returns the room behind #alias:server, creating it when the
// directory has no entry. Requires Login.
func (b *Backend) EnsureRoom(ctx context.Context, alias, name, topic string, public bool) (string, error) {
	token, err := b.sessionToken()
	if err != nil {
		return "", err
	}
	full := fmt.Sprintf("#%s:%s", alias, b.cfg.ServerName)

	roomID, err := b.api.resolveAlias(ctx, token, full)
	if err == nil {
		return roomID, nil
	}
	if !hasStatus(err, http.StatusNotFound) && !hasCode(err, codeNotFound) {
		return "", fmt.Errorf("resolve %s: %w", full, err)
	}

	req := createRoomRequest{
		AliasName:  alias,
		Name:       name,
		Topic:      topic,
		Visibility: "private",
		Preset:     "private_chat",
	}
	if public {
		req.Visibility, req.Preset = "public", "public_chat"
	}
	roomID, err = b.api.createRoom(ctx, token, req)
	if hasCode(err, codeRoomInUse) {
		// Created concurrently; look it up again.
		roomID, err = b.api.resolveAlias(ctx, token, full)
	}
	if err != nil {
		return "", fmt.Errorf("create %s: %w", full, err)
	}
	b.logger.Debug("room ready", "alias", full, "room_id", roomID)
	return roomID, nil
}
