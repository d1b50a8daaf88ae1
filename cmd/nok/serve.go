package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/nok/internal/api"
	"github.com/MikeSquared-Agency/nok/internal/bus"
	"github.com/MikeSquared-Agency/nok/internal/metrics"
	"github.com/MikeSquared-Agency/nok/internal/router"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the router headless with the control API and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServe(cmd.Context())
		},
	}
}

func (a *app) runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.logger.Info("nok starting", "port", a.cfg.Port, "mode", a.cfg.Mode)

	pub, busClient := a.connectBus(ctx, true)
	if busClient != nil {
		defer busClient.Close(context.Background())
	}

	m := metrics.NewMetrics()
	b := a.newBackends()
	rt, err := a.newRouter(b, m, pub)
	if err != nil {
		return err
	}
	if err := a.initialize(ctx, rt, b); err != nil {
		a.logger.Warn("no backend connected at startup", "error", err)
	}

	if busClient != nil {
		if err := busClient.Subscribe(bus.SubjectRouterModeSet, a.handleModeRequest(rt)); err != nil {
			a.logger.Warn("failed to subscribe to mode requests", "error", err)
		}
	}

	srv := api.NewServer(a.cfg.Port, a.cfg.APIToken, rt, m, a.logger.With("component", "api"))
	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	a.logger.Info("nok ready", "port", a.cfg.Port, "mode", rt.Mode().String())

	select {
	case <-ctx.Done():
	case err = <-errc:
		if err != nil {
			a.logger.Error("HTTP server error", "error", err)
		}
	}

	a.logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(sctx); serr != nil {
		a.logger.Warn("HTTP shutdown", "error", serr)
	}
	rt.Shutdown(sctx)
	a.logger.Info("nok stopped")
	return err
}

// handleModeRequest applies bus.ModeRequest messages. Requests go through
// the same transition check as the API.
func (a *app) handleModeRequest(rt *router.Router) func(subject string, data []byte) {
	return func(subject string, data []byte) {
		var req bus.ModeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			a.logger.Warn("bad mode request", "subject", subject, "error", err)
			return
		}
		mode, err := router.ParseMode(req.Mode)
		if err != nil {
			a.logger.Warn("bad mode request", "subject", subject, "error", err)
			return
		}
		if err := rt.ValidateTransition(rt.Mode(), mode); err != nil {
			a.logger.Warn("mode request refused", "mode", mode.String(), "error", err)
			return
		}
		rt.SetMode(mode)
	}
}
