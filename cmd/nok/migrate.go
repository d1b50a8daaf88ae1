package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/nok/internal/backend/target"
	"github.com/MikeSquared-Agency/nok/internal/metrics"
	"github.com/MikeSquared-Agency/nok/internal/migration"
)

type migrateFlags struct {
	legacyStore   string
	serverName    string
	mappingOut    string
	metricsFile   string
	dryRun        bool
	requireBackup bool
	asJSON        bool
}

func newMigrateCmd(a *app) *cobra.Command {
	var f migrateFlags
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate users and rooms from the legacy store to the target backend",
		Long: `Backs up the legacy store and client config, extracts users, rooms and
messages, derives target identities, provisions accounts and rooms, and
writes the id mapping. Per-entity failures are reported in the summary and
do not change the exit code; a failed stage does.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runMigrate(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.legacyStore, "legacy-store", "", "SQLite path or postgres:// DSN (default from config)")
	cmd.Flags().StringVar(&f.serverName, "server-name", "", "target server name (default from config)")
	cmd.Flags().StringVar(&f.mappingOut, "mapping-out", "", "where to write the id mapping (default from config)")
	cmd.Flags().StringVar(&f.metricsFile, "metrics-file", "", "write migration metrics in Prometheus text format to this file")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "preview only: no target calls, no writes")
	cmd.Flags().BoolVar(&f.requireBackup, "require-backup", false, "fail when there is nothing to back up")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the result as JSON")
	return cmd
}

func (a *app) runMigrate(cmd *cobra.Command, f migrateFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := migration.Config{
		LegacyStore:            orDefault(f.legacyStore, a.cfg.Legacy.Store),
		ServerName:             orDefault(f.serverName, a.cfg.Target.ServerName),
		MappingPath:            orDefault(f.mappingOut, a.cfg.Migration.MappingPath),
		ClientConfigPath:       a.cfg.Migration.ClientConfigPath,
		TargetClientConfigPath: a.cfg.Migration.TargetClientConfigPath,
		HomeserverURL:          a.cfg.Target.HomeserverURL,
		InitialPassword:        a.cfg.Migration.InitialPassword,
		RequireBackup:          f.requireBackup || a.cfg.Migration.RequireBackup,
	}

	pub, busClient := a.connectBus(ctx, false)
	if busClient != nil {
		defer busClient.Close(context.Background())
	}
	m := metrics.NewMetrics()
	opts := []migration.Option{migration.WithPublisher(pub), migration.WithMetrics(m)}

	var res *migration.Result
	var err error
	if f.dryRun {
		res, err = migration.New(cfg, nil, a.logger, opts...).DryRun(ctx)
	} else {
		tcfg := a.targetConfig()
		tcfg.ServerName = cfg.ServerName
		tb := target.New(tcfg, a.logger.With("backend", "target"))
		res, err = migration.New(cfg, tb, a.logger, opts...).Run(ctx)
	}

	if f.metricsFile != "" {
		if werr := prometheus.WriteToTextfile(f.metricsFile, m.Registry()); werr != nil {
			a.logger.Warn("failed to write metrics file", "path", f.metricsFile, "error", werr)
		}
	}

	out := cmd.OutOrStdout()
	if f.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if jerr := enc.Encode(res); jerr != nil {
			return jerr
		}
	} else {
		printSummary(out, res)
	}
	if err != nil {
		return err
	}
	if perr := res.Err(); perr != nil {
		a.logger.Warn("migration finished with entity errors", "errors", len(res.Errors))
	}
	return nil
}

func printSummary(w io.Writer, res *migration.Result) {
	title := "Migration summary"
	if res.DryRun {
		title = "Migration preview (dry run)"
	}
	fmt.Fprintln(w, title)

	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"ITEM", "VALUE"})
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	tw.Append([]string{"users migrated", strconv.Itoa(res.UsersMigrated)})
	tw.Append([]string{"rooms migrated", strconv.Itoa(res.RoomsMigrated)})
	tw.Append([]string{"messages processed", strconv.Itoa(res.MessagesProcessed)})
	tw.Append([]string{"errors", strconv.Itoa(len(res.Errors))})
	for _, p := range res.BackupPaths {
		tw.Append([]string{"backup", p})
	}
	if res.MappingPath != "" {
		tw.Append([]string{"mapping", res.MappingPath})
	}
	if res.ClientConfigPath != "" {
		tw.Append([]string{"client config", res.ClientConfigPath})
	}
	tw.Render()

	if len(res.Errors) == 0 {
		return
	}
	fmt.Fprintln(w)
	et := tablewriter.NewWriter(w)
	et.SetHeader([]string{"#", "ERROR"})
	et.SetAutoWrapText(false)
	for i, e := range res.Errors {
		et.Append([]string{strconv.Itoa(i + 1), e})
	}
	et.Render()
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
