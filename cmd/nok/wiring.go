package main

import (
	"context"
	"errors"
	"os"

	"github.com/MikeSquared-Agency/nok/internal/backend"
	legacybackend "github.com/MikeSquared-Agency/nok/internal/backend/legacy"
	"github.com/MikeSquared-Agency/nok/internal/backend/target"
	"github.com/MikeSquared-Agency/nok/internal/bus"
	"github.com/MikeSquared-Agency/nok/internal/identity"
	"github.com/MikeSquared-Agency/nok/internal/metrics"
	"github.com/MikeSquared-Agency/nok/internal/router"
)

// backends holds whichever of the two backends the config names. A nil
// field means not configured.
type backends struct {
	legacy *legacybackend.Backend
	target *target.Backend
}

func (a *app) targetConfig() target.Config {
	t := a.cfg.Target
	return target.Config{
		HomeserverURL:     t.HomeserverURL,
		ServerName:        t.ServerName,
		Username:          t.Username,
		Password:          t.Password,
		DeviceName:        t.DeviceName,
		Timeout:           t.Timeout,
		SyncTimeout:       t.SyncTimeout,
		KnockRoom:         t.KnockRoom,
		RegistrationToken: t.RegistrationToken,
	}
}

func (a *app) newBackends() backends {
	var b backends
	if a.cfg.Legacy.UserID != "" {
		b.legacy = legacybackend.New(legacybackend.Config{
			APIURL:  a.cfg.Legacy.APIURL,
			WSURL:   a.cfg.Legacy.WSURL,
			UserID:  a.cfg.Legacy.UserID,
			Timeout: a.cfg.Legacy.Timeout,
		}, a.logger.With("backend", "legacy"))
	} else {
		a.logger.Info("legacy backend not configured (NOK_LEGACY_USER_ID unset)")
	}
	if a.cfg.Target.Username != "" {
		b.target = target.New(a.targetConfig(), a.logger.With("backend", "target"))
	} else {
		a.logger.Info("target backend not configured (NOK_USERNAME unset)")
	}
	return b
}

// newRouter wires the router. Interface values stay untyped nil for
// missing backends.
func (a *app) newRouter(b backends, m *metrics.Metrics, pub bus.Publisher) (*router.Router, error) {
	mode, err := a.cfg.RouterMode()
	if err != nil {
		return nil, err
	}
	var legacyB, targetB backend.Backend
	if b.legacy != nil {
		legacyB = b.legacy
	}
	if b.target != nil {
		targetB = b.target
	}

	opts := []router.Option{router.WithMetrics(m), router.WithPublisher(pub)}
	if res := a.loadResolver(); res != nil {
		opts = append(opts, router.WithResolver(res))
	}
	return router.New(legacyB, targetB, mode, a.logger.With("component", "router"), opts...), nil
}

// loadResolver uses the migration mapping when one has been written.
func (a *app) loadResolver() *identity.Resolver {
	path := a.cfg.Migration.MappingPath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	m, err := identity.Load(path)
	if err != nil {
		a.logger.Warn("ignoring unreadable mapping", "path", path, "error", err)
		return nil
	}
	a.logger.Info("reference mapping loaded", "path", path, "users", len(m.UserMappings), "rooms", len(m.RoomMappings))
	return identity.NewResolver(m, a.cfg.Target.ServerName)
}

// initialize connects the router and, in auto mode, settles on the mode
// backend availability allows.
func (a *app) initialize(ctx context.Context, rt *router.Router, b backends) error {
	err := rt.Initialize(ctx)
	if !a.cfg.AutoMode() {
		return err
	}
	legacyUp := b.legacy != nil && b.legacy.Status().IsConnected()
	targetUp := b.target != nil && b.target.Status().IsConnected()
	mode := router.OptimalMode(legacyUp, targetUp, nil)
	a.logger.Info("auto mode selected", "mode", mode.String(), "legacy_up", legacyUp, "target_up", targetUp)
	rt.SetMode(mode)
	return err
}

// connectBus returns a no-op publisher and nil client when NATS is not
// configured or, for one-shot commands, unreachable. Long-running commands
// pass persistent and keep retrying in the background.
func (a *app) connectBus(ctx context.Context, persistent bool) (bus.Publisher, *bus.Client) {
	if a.cfg.NatsURL == "" {
		return bus.Nop{}, nil
	}
	c, err := bus.Dial(ctx, bus.Options{
		URL:        a.cfg.NatsURL,
		Token:      a.cfg.NatsToken,
		Persistent: persistent,
	}, a.logger.With("component", "bus"))
	if err != nil {
		a.logger.Warn("event bus unavailable, continuing without it", "url", a.cfg.NatsURL, "error", err)
		return bus.Nop{}, nil
	}
	a.logger.Info("event bus ready", "url", a.cfg.NatsURL)
	return c, c
}
