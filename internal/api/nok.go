package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MikeSquared-Agency/nok/internal/backend"
	"github.com/MikeSquared-Agency/nok/internal/router"
)

// ModeRequest is the body of PUT /api/v1/nok/mode. Force skips the
// transition check.
type ModeRequest struct {
	Mode  string `json:"mode"`
	Force bool   `json:"force,omitempty"`
}

type MessageRequest struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

type KnockRequest struct {
	Target string `json:"target"`
}

type PresenceRequest struct {
	Presence string `json:"presence"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.nok.Snapshot())
}

// setMode handles PUT /api/v1/nok/mode
func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if !decode(w, r, &req) {
		return
	}
	mode, err := router.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Force {
		if err := s.nok.ValidateTransition(s.nok.Mode(), mode); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	}
	s.nok.SetMode(mode)
	writeJSON(w, http.StatusOK, s.nok.Snapshot())
}

// connect handles POST /api/v1/nok/connect. It connects enabled backends
// that are down, such as one just enabled by a mode switch.
func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	if err := s.nok.Initialize(r.Context()); err != nil {
		s.dispatchError(w, "connect", err)
		return
	}
	writeJSON(w, http.StatusOK, s.nok.Snapshot())
}

// sendMessage handles POST /api/v1/nok/messages
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Room) == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "room and text are required")
		return
	}
	if err := s.nok.SendMessage(r.Context(), req.Room, req.Text); err != nil {
		s.dispatchError(w, "send message", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// sendKnock handles POST /api/v1/nok/knocks
func (s *Server) sendKnock(w http.ResponseWriter, r *http.Request) {
	var req KnockRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Target) == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	if err := s.nok.SendKnock(r.Context(), req.Target); err != nil {
		s.dispatchError(w, "send knock", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// setPresence handles PUT /api/v1/nok/presence
func (s *Server) setPresence(w http.ResponseWriter, r *http.Request) {
	var req PresenceRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := backend.ParsePresenceStrict(req.Presence)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.nok.SetPresence(r.Context(), p); err != nil {
		s.dispatchError(w, "set presence", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "presence": string(p)})
}

// dispatchError maps router errors: nothing to route to is 503, an
// operation the backend cannot do is 501, a backend that failed the call
// is 502.
func (s *Server) dispatchError(w http.ResponseWriter, op string, err error) {
	s.logger.Warn("dispatch failed", "operation", op, "error", err)
	switch {
	case errors.Is(err, router.ErrBackendUnavailable),
		errors.Is(err, router.ErrAllBackendsUnavailable),
		errors.Is(err, router.ErrNotConfigured),
		errors.Is(err, backend.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, backend.ErrUnsupported),
		errors.Is(err, backend.ErrPresenceUnsupported):
		writeError(w, http.StatusNotImplemented, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}
