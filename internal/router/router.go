// Package router dispatches chat operations to the legacy backend, the target
// backend, or both, according to the communication mode.
//
// Precedence:
//
//	legacy mode: legacy, else ErrBackendUnavailable
//	target mode: target, else ErrBackendUnavailable
//	hybrid mode: target if enabled and connected, else legacy if enabled
//	             and connected, else ErrAllBackendsUnavailable
//
// Presence in hybrid mode goes to both enabled backends, one after the
// other, and their errors are joined.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/nok/internal/backend"
	"github.com/MikeSquared-Agency/nok/internal/bus"
	"github.com/MikeSquared-Agency/nok/internal/metrics"
)

var (
	ErrBackendUnavailable     = errors.New("backend unavailable")
	ErrAllBackendsUnavailable = errors.New("all backends unavailable")
	ErrNotConfigured          = errors.New("backend not configured")
)

// RefResolver translates legacy room and user references for the target
// backend. identity.Resolver implements it.
type RefResolver interface {
	RoomRef(ref string) string
	UserRef(ref string) string
}

type Option func(*Router)

func WithResolver(r RefResolver) Option { return func(rt *Router) { rt.resolver = r } }

func WithMetrics(m *metrics.Metrics) Option { return func(rt *Router) { rt.metrics = m } }

func WithPublisher(p bus.Publisher) Option { return func(rt *Router) { rt.publisher = p } }

// Router owns the mode and the enabled flags. The mutex guards only those
// and is never held across backend I/O.
type Router struct {
	legacy backend.Backend
	target backend.Backend

	resolver  RefResolver
	metrics   *metrics.Metrics
	publisher bus.Publisher
	logger    *slog.Logger

	mu            sync.RWMutex
	mode          Mode
	legacyEnabled bool
	targetEnabled bool
	lastErr       map[backend.Kind]string
}

// New builds a router over the given backends; either may be nil when not
// configured. Flags start as mode dictates.
func New(legacy, target backend.Backend, mode Mode, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		legacy:    legacy,
		target:    target,
		publisher: bus.Nop{},
		logger:    logger,
		lastErr:   make(map[backend.Kind]string),
	}
	for _, o := range opts {
		o(r)
	}
	r.mode = mode
	r.legacyEnabled, r.targetEnabled = mode.wants()
	r.metrics.SetMode(mode.String(), modeNames())
	return r
}

func (r *Router) Mode() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// SetMode switches mode and resets the enabled flags to match it. Backends
// are neither connected nor disconnected.
func (r *Router) SetMode(mode Mode) {
	r.mu.Lock()
	from := r.mode
	r.mode = mode
	r.legacyEnabled, r.targetEnabled = mode.wants()
	r.mu.Unlock()

	r.metrics.SetMode(mode.String(), modeNames())
	if from == mode {
		return
	}
	r.logger.Info("communication mode changed", "from", from.String(), "to", mode.String())
	ev := bus.ModeEvent{From: from.String(), To: mode.String(), At: time.Now().UTC()}
	if err := r.publisher.Publish(bus.SubjectRouterMode, ev); err != nil {
		r.logger.Warn("failed to publish mode change", "error", err)
	}
}

// Enable turns one backend on without changing the mode.
func (r *Router) Enable(kind backend.Kind) error {
	if r.backend(kind) == nil {
		return fmt.Errorf("%w: %s", ErrNotConfigured, kind)
	}
	r.setEnabled(kind, true)
	return nil
}

// Disable turns one backend off; dispatch falls back as if it were down.
func (r *Router) Disable(kind backend.Kind) {
	r.setEnabled(kind, false)
}

func (r *Router) setEnabled(kind backend.Kind, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case backend.KindLegacy:
		r.legacyEnabled = on
	case backend.KindTarget:
		r.targetEnabled = on
	}
}

// Enabled reports the flag for kind.
func (r *Router) Enabled(kind backend.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if kind == backend.KindLegacy {
		return r.legacyEnabled
	}
	return r.targetEnabled
}

// Initialize connects every enabled backend. In hybrid mode one failure is
// recorded and the other backend still connects; an error is returned only
// when every enabled backend failed.
func (r *Router) Initialize(ctx context.Context) error {
	enabled := r.enabledBackends()
	if len(enabled) == 0 {
		return fmt.Errorf("%w: no backend enabled for %s mode", ErrAllBackendsUnavailable, r.Mode())
	}

	var errs []error
	for _, b := range enabled {
		err := b.Connect(ctx)
		r.recordResult(b.Kind(), err)
		r.metrics.SetBackendUp(string(b.Kind()), err == nil)
		if err != nil {
			r.logger.Warn("backend failed to connect", "backend", b.Kind(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", b.Kind(), err))
			continue
		}
		r.logger.Info("backend connected", "backend", b.Kind())
	}

	if len(errs) == len(enabled) {
		return errors.Join(errs...)
	}
	return nil
}

// SendMessage delivers text to roomRef on the backend chosen by precedence.
func (r *Router) SendMessage(ctx context.Context, roomRef, text string) error {
	b, err := r.pick()
	if err != nil {
		r.metrics.RecordDispatch("message", "none", err)
		return err
	}
	ref := roomRef
	if b.Kind() == backend.KindTarget && r.resolver != nil {
		ref = r.resolver.RoomRef(roomRef)
	}
	err = b.SendMessage(ctx, ref, text)
	r.afterDispatch("message", b.Kind(), err)
	if err != nil {
		return fmt.Errorf("%s: send message: %w", b.Kind(), err)
	}
	return nil
}

// SendKnock delivers a knock to targetRef on the backend chosen by precedence.
func (r *Router) SendKnock(ctx context.Context, targetRef string) error {
	b, err := r.pick()
	if err != nil {
		r.metrics.RecordDispatch("knock", "none", err)
		return err
	}
	ref := targetRef
	if b.Kind() == backend.KindTarget && r.resolver != nil {
		ref = r.resolver.UserRef(targetRef)
	}
	err = b.SendKnock(ctx, ref)
	r.afterDispatch("knock", b.Kind(), err)
	if err != nil {
		return fmt.Errorf("%s: send knock: %w", b.Kind(), err)
	}
	return nil
}

// SetPresence updates presence. Single-backend modes behave like the sends;
// hybrid mode calls every enabled backend in turn and joins the failures.
func (r *Router) SetPresence(ctx context.Context, p backend.Presence) error {
	if r.Mode() != ModeHybrid {
		b, err := r.pick()
		if err != nil {
			r.metrics.RecordDispatch("presence", "none", err)
			return err
		}
		err = b.SetPresence(ctx, p)
		r.afterDispatch("presence", b.Kind(), err)
		if err != nil {
			return fmt.Errorf("%s: set presence: %w", b.Kind(), err)
		}
		return nil
	}

	enabled := r.enabledBackends()
	if len(enabled) == 0 {
		err := fmt.Errorf("%w: no backend enabled", ErrAllBackendsUnavailable)
		r.metrics.RecordDispatch("presence", "none", err)
		return err
	}
	var errs []error
	for _, b := range enabled {
		err := b.SetPresence(ctx, p)
		r.afterDispatch("presence", b.Kind(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: set presence: %w", b.Kind(), err))
		}
	}
	return errors.Join(errs...)
}

// ConnectionStatus folds the statuses of the backends the mode needs:
// Connected if any is connected, else Connecting, else Error, else
// Disconnected.
func (r *Router) ConnectionStatus() backend.Status {
	var connecting bool
	var failed *backend.Status
	for _, b := range r.enabledBackends() {
		s := b.Status()
		switch s.State {
		case backend.StateConnected:
			return s
		case backend.StateConnecting:
			connecting = true
		case backend.StateError:
			if failed == nil {
				failed = &s
			}
		}
	}
	switch {
	case connecting:
		return backend.Connecting()
	case failed != nil:
		return *failed
	default:
		return backend.Disconnected()
	}
}

// Shutdown disconnects every configured backend. Failures are logged, never
// returned, so shutdown always completes.
func (r *Router) Shutdown(ctx context.Context) {
	var errs []error
	for _, b := range []backend.Backend{r.target, r.legacy} {
		if b == nil {
			continue
		}
		if err := b.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Kind(), err))
		}
		r.metrics.SetBackendUp(string(b.Kind()), false)
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("shutdown finished with errors", "error", err)
		return
	}
	r.logger.Info("router shut down")
}

// ValidateTransition checks that switching from one mode to another leaves
// a usable backend: moving off legacy needs a connected target and moving
// off target needs a connected legacy backend.
func (r *Router) ValidateTransition(from, to Mode) error {
	switch {
	case from == ModeLegacy && to == ModeTarget:
		if r.target == nil {
			return fmt.Errorf("%w: target", ErrNotConfigured)
		}
		if s := r.target.Status(); !s.IsConnected() {
			return fmt.Errorf("%w: target is %s", ErrBackendUnavailable, s)
		}
	case from == ModeTarget && to == ModeLegacy:
		if r.legacy == nil {
			return fmt.Errorf("%w: legacy", ErrNotConfigured)
		}
		if s := r.legacy.Status(); !s.IsConnected() {
			return fmt.Errorf("%w: legacy is %s", ErrBackendUnavailable, s)
		}
	}
	return nil
}

// BackendState is one backend as seen in a Snapshot.
type BackendState struct {
	Kind       backend.Kind   `json:"kind"`
	Configured bool           `json:"configured"`
	Enabled    bool           `json:"enabled"`
	Status     backend.Status `json:"status"`
	LastError  string         `json:"last_error,omitempty"`
}

// Snapshot is a read-only view of the router for UIs and the control API.
type Snapshot struct {
	Mode     Mode           `json:"mode"`
	Status   backend.Status `json:"status"`
	Backends []BackendState `json:"backends"`
}

func (r *Router) Snapshot() Snapshot {
	r.mu.RLock()
	mode := r.mode
	flags := map[backend.Kind]bool{backend.KindLegacy: r.legacyEnabled, backend.KindTarget: r.targetEnabled}
	lastErr := make(map[backend.Kind]string, len(r.lastErr))
	for k, v := range r.lastErr {
		lastErr[k] = v
	}
	r.mu.RUnlock()

	snap := Snapshot{Mode: mode, Status: r.ConnectionStatus()}
	for _, kind := range []backend.Kind{backend.KindLegacy, backend.KindTarget} {
		st := BackendState{Kind: kind, Enabled: flags[kind], Status: backend.Disconnected(), LastError: lastErr[kind]}
		if b := r.backend(kind); b != nil {
			st.Configured = true
			st.Status = b.Status()
		}
		snap.Backends = append(snap.Backends, st)
	}
	return snap
}

// pick applies the dispatch precedence for sends.
func (r *Router) pick() (backend.Backend, error) {
	r.mu.RLock()
	mode, legacyOn, targetOn := r.mode, r.legacyEnabled, r.targetEnabled
	r.mu.RUnlock()

	switch mode {
	case ModeLegacy:
		return r.require(r.legacy, backend.KindLegacy, legacyOn)
	case ModeTarget:
		return r.require(r.target, backend.KindTarget, targetOn)
	}

	if targetOn && r.target != nil && r.target.Status().IsConnected() {
		return r.target, nil
	}
	if legacyOn && r.legacy != nil && r.legacy.Status().IsConnected() {
		return r.legacy, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAllBackendsUnavailable, r.describe())
}

func (r *Router) require(b backend.Backend, kind backend.Kind, enabled bool) (backend.Backend, error) {
	switch {
	case b == nil:
		return nil, fmt.Errorf("%w: %s not configured", ErrBackendUnavailable, kind)
	case !enabled:
		return nil, fmt.Errorf("%w: %s disabled", ErrBackendUnavailable, kind)
	}
	if s := b.Status(); !s.IsConnected() {
		return nil, fmt.Errorf("%w: %s is %s", ErrBackendUnavailable, kind, s)
	}
	return b, nil
}

func (r *Router) describe() string {
	snap := r.Snapshot()
	out := ""
	for i, b := range snap.Backends {
		if i > 0 {
			out += ", "
		}
		state := b.Status.String()
		if !b.Configured {
			state = "not configured"
		} else if !b.Enabled {
			state = "disabled"
		}
		out += fmt.Sprintf("%s %s", b.Kind, state)
	}
	return out
}

// enabledBackends returns configured, enabled backends, target first.
func (r *Router) enabledBackends() []backend.Backend {
	r.mu.RLock()
	legacyOn, targetOn := r.legacyEnabled, r.targetEnabled
	r.mu.RUnlock()

	var out []backend.Backend
	if targetOn && r.target != nil {
		out = append(out, r.target)
	}
	if legacyOn && r.legacy != nil {
		out = append(out, r.legacy)
	}
	return out
}

func (r *Router) backend(kind backend.Kind) backend.Backend {
	switch kind {
	case backend.KindLegacy:
		return r.legacy
	case backend.KindTarget:
		return r.target
	}
	return nil
}

func (r *Router) afterDispatch(op string, kind backend.Kind, err error) {
	r.metrics.RecordDispatch(op, string(kind), err)
	r.recordResult(kind, err)
	if err != nil {
		r.logger.Warn("dispatch failed", "operation", op, "backend", kind, "error", err)
		return
	}
	r.logger.Debug("dispatched", "operation", op, "backend", kind)
}

func (r *Router) recordResult(kind backend.Kind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.lastErr[kind] = err.Error()
		return
	}
	delete(r.lastErr, kind)
}

func modeNames() []string {
	names := make([]string, len(Modes))
	for i, m := range Modes {
		names[i] = m.String()
	}
	return names
}
