// Package migration moves a legacy deployment onto the target backend:
// backup, extract, map, provision and persist, in that order.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/nok/internal/bus"
	"github.com/MikeSquared-Agency/nok/internal/config"
	"github.com/MikeSquared-Agency/nok/internal/identity"
	"github.com/MikeSquared-Agency/nok/internal/legacy"
	"github.com/MikeSquared-Agency/nok/internal/metrics"
)

// Config holds the migration command configuration.
type Config struct {
	LegacyStore string // SQLite path or postgres:// DSN
	ServerName  string
	MappingPath string
	// ClientConfigPath is the legacy client's config.json, backed up and
	// converted when present.
	ClientConfigPath       string
	TargetClientConfigPath string
	HomeserverURL          string
	InitialPassword        string
	RequireBackup          bool
}

// Provisioner creates accounts and rooms on the target backend. Both Ensure
// calls succeed when the entity already exists.
type Provisioner interface {
	Login(ctx context.Context) error
	EnsureUser(ctx context.Context, localpart, password string) (bool, error)
	EnsureRoom(ctx context.Context, alias, name, topic string, public bool) (string, error)
}

// StoreOpener opens the legacy store named by dsn.
type StoreOpener func(ctx context.Context, dsn string) (legacy.Store, error)

type Option func(*Orchestrator)

func WithPublisher(p bus.Publisher) Option { return func(o *Orchestrator) { o.publisher = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithStoreOpener(open StoreOpener) Option { return func(o *Orchestrator) { o.open = open } }

// WithClock fixes the time used for backup names and timestamps.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// Orchestrator runs the migration pipeline.
type Orchestrator struct {
	cfg       Config
	target    Provisioner
	logger    *slog.Logger
	publisher bus.Publisher
	metrics   *metrics.Metrics
	open      StoreOpener
	now       func() time.Time
}

// New creates an orchestrator. target may be nil for DryRun.
func New(cfg Config, target Provisioner, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		target:    target,
		logger:    logger,
		publisher: bus.Nop{},
		open:      legacy.Open,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the full pipeline. The returned Result is never nil; a
// non-nil error means a stage failed and later stages did not run.
// Per-entity failures are only reported through Result.Err.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	if err := o.validate(false); err != nil {
		return res, err
	}
	err := o.run(ctx, res)
	o.complete(res)
	return res, err
}

// DryRun previews backup, extract and map. It makes no target calls and
// writes nothing; counts are what Run would attempt.
func (o *Orchestrator) DryRun(ctx context.Context) (*Result, error) {
	res := &Result{DryRun: true}
	if err := o.validate(true); err != nil {
		return res, err
	}
	err := o.dryRun(ctx, res)
	o.complete(res)
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, res *Result) error {
	now := o.now()

	if err := o.stage(res, StageBackup, func() error { return o.backup(res, now, false) }); err != nil {
		return err
	}
	var snap *legacy.Snapshot
	if err := o.stage(res, StageExtract, func() (err error) {
		snap, err = o.extract(ctx)
		return err
	}); err != nil {
		return err
	}
	o.stage(res, StageMap, func() error { return o.mapIdentities(res, snap) })

	if err := o.stage(res, StageProvision, func() error { return o.provision(ctx, res, snap) }); err != nil {
		return err
	}
	if err := o.stage(res, StagePersist, func() error { return o.persist(res) }); err != nil {
		return err
	}
	o.stage(res, StageClientConfig, func() error { return o.migrateClientConfig(res, now) })
	return nil
}

func (o *Orchestrator) dryRun(ctx context.Context, res *Result) error {
	if err := o.stage(res, StageBackup, func() error { return o.backup(res, o.now(), true) }); err != nil {
		return err
	}
	var snap *legacy.Snapshot
	if err := o.stage(res, StageExtract, func() (err error) {
		snap, err = o.extract(ctx)
		return err
	}); err != nil {
		return err
	}
	o.stage(res, StageMap, func() error { return o.mapIdentities(res, snap) })

	res.UsersMigrated = len(snap.Users)
	res.RoomsMigrated = len(snap.Rooms)
	res.MappingPath = o.cfg.MappingPath
	return nil
}

func (o *Orchestrator) validate(dryRun bool) error {
	var problems []string
	if o.cfg.LegacyStore == "" {
		problems = append(problems, "legacy store is not set")
	}
	switch {
	case o.cfg.ServerName == "":
		problems = append(problems, "server name is not set")
	case !identity.ValidUserID("@user:" + o.cfg.ServerName):
		problems = append(problems, fmt.Sprintf("server name %q is not a valid host", o.cfg.ServerName))
	}
	if !dryRun {
		if o.cfg.MappingPath == "" {
			problems = append(problems, "mapping output path is not set")
		}
		if o.cfg.InitialPassword == "" {
			problems = append(problems, "initial password for migrated accounts is not set")
		}
		if o.target == nil {
			problems = append(problems, "no target backend to provision")
		}
	}
	if len(problems) > 0 {
		return &config.Error{Problems: problems}
	}
	return nil
}

// stage times fn, records it and publishes a stage event.
func (o *Orchestrator) stage(res *Result, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	o.metrics.RecordStage(name, elapsed.Seconds())
	ev := bus.StageEvent{
		Stage:      name,
		DryRun:     res.DryRun,
		DurationMS: elapsed.Milliseconds(),
		At:         o.now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
		o.logger.Error("migration stage failed", "stage", name, "error", err)
	} else {
		o.logger.Info("migration stage done", "stage", name, "duration", elapsed, "dry_run", res.DryRun)
	}
	o.publish(bus.SubjectMigrationStage, ev)

	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (o *Orchestrator) backup(res *Result, now time.Time, dryRun bool) error {
	var candidates []string
	if legacy.IsRemote(o.cfg.LegacyStore) {
		o.logger.Info("legacy store is remote, skipping database backup")
	} else {
		candidates = append(candidates, strings.TrimPrefix(o.cfg.LegacyStore, "sqlite://"))
	}
	candidates = append(candidates, o.cfg.ClientConfigPath)

	sources, err := backupSources(candidates...)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		if o.cfg.RequireBackup {
			return ErrNothingToBackup
		}
		o.logger.Warn("nothing to back up")
		return nil
	}

	for _, src := range sources {
		dst := BackupPath(src, now)
		if dryRun {
			o.logger.Info("would back up", "source", src, "backup", dst)
			res.BackupPaths = append(res.BackupPaths, dst)
			continue
		}
		dst, err = backupFile(src, now)
		if err != nil {
			return fmt.Errorf("back up %s: %w", src, err)
		}
		o.logger.Info("backed up", "source", src, "backup", dst)
		res.BackupPaths = append(res.BackupPaths, dst)
	}
	return nil
}

func (o *Orchestrator) extract(ctx context.Context) (*legacy.Snapshot, error) {
	store, err := o.open(ctx, o.cfg.LegacyStore)
	if errors.Is(err, legacy.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", config.Errorf("legacy store %s does not exist", o.cfg.LegacyStore), err)
	}
	if err != nil {
		return nil, fmt.Errorf("open legacy store: %w", err)
	}
	defer store.Close()

	snap, err := legacy.Load(ctx, store)
	if err != nil {
		return nil, err
	}
	o.logger.Info("legacy data extracted",
		"users", len(snap.Users),
		"rooms", len(snap.Rooms),
		"messages", len(snap.Messages),
		"memberships", len(snap.Memberships),
	)
	return snap, nil
}

func (o *Orchestrator) mapIdentities(res *Result, snap *legacy.Snapshot) error {
	res.Mapping = identity.Generate(snap.Users, snap.Rooms, o.cfg.ServerName)
	res.MessagesProcessed = len(snap.Messages)
	return nil
}

func (o *Orchestrator) provision(ctx context.Context, res *Result, snap *legacy.Snapshot) error {
	if err := o.target.Login(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	for _, u := range snap.Users {
		select {
		case <-ctx.Done():
			o.logger.Info("migration interrupted", "users_migrated", res.UsersMigrated)
			return ctx.Err()
		default:
		}

		userID, _ := res.Mapping.UserID(u.ID)
		created, err := o.target.EnsureUser(ctx, identity.LocalpartOf(userID), o.cfg.InitialPassword)
		o.metrics.RecordEntity("user", err)
		if err != nil {
			o.logger.Warn("failed to provision user", "legacy_id", u.ID, "user_id", userID, "error", err)
			res.AddError(fmt.Sprintf("user %s (%s): %v", u.ID, userID, err))
			continue
		}
		o.logger.Debug("user provisioned", "legacy_id", u.ID, "user_id", userID, "created", created)
		res.UsersMigrated++
	}

	for _, r := range snap.Rooms {
		select {
		case <-ctx.Done():
			o.logger.Info("migration interrupted", "rooms_migrated", res.RoomsMigrated)
			return ctx.Err()
		default:
		}

		alias, _ := res.Mapping.Alias(r.ID)
		roomID, err := o.target.EnsureRoom(ctx, alias, r.Name, r.Description, r.Public)
		o.metrics.RecordEntity("room", err)
		if err != nil {
			o.logger.Warn("failed to provision room", "legacy_id", r.ID, "alias", alias, "error", err)
			res.AddError(fmt.Sprintf("room %s (#%s): %v", r.ID, alias, err))
			continue
		}
		o.logger.Debug("room provisioned", "legacy_id", r.ID, "alias", alias, "room_id", roomID)
		res.RoomsMigrated++
	}
	return nil
}

func (o *Orchestrator) persist(res *Result) error {
	if err := identity.Save(res.Mapping, o.cfg.MappingPath); err != nil {
		return err
	}
	res.MappingPath = o.cfg.MappingPath
	return nil
}

// migrateClientConfig never fails the run; problems become entity errors.
func (o *Orchestrator) migrateClientConfig(res *Result, now time.Time) error {
	if o.cfg.ClientConfigPath == "" || o.cfg.TargetClientConfigPath == "" {
		return nil
	}
	old, err := ReadLegacyClientConfig(o.cfg.ClientConfigPath)
	if err != nil {
		res.AddError(fmt.Sprintf("client config: %v", err))
		return nil
	}
	if old == nil {
		o.logger.Info("no legacy client config", "path", o.cfg.ClientConfigPath)
		return nil
	}
	cc := ConvertClientConfig(*old, res.Mapping, o.cfg.HomeserverURL, o.cfg.ServerName, now)
	if err := WriteClientConfig(o.cfg.TargetClientConfigPath, cc); err != nil {
		res.AddError(fmt.Sprintf("client config: %v", err))
		return nil
	}
	res.ClientConfigPath = o.cfg.TargetClientConfigPath
	return nil
}

func (o *Orchestrator) complete(res *Result) {
	o.logger.Info("migration finished",
		"dry_run", res.DryRun,
		"users_migrated", res.UsersMigrated,
		"rooms_migrated", res.RoomsMigrated,
		"messages_processed", res.MessagesProcessed,
		"errors", len(res.Errors),
	)
	o.publish(bus.SubjectMigrationCompleted, bus.CompletedEvent{
		DryRun:            res.DryRun,
		UsersMigrated:     res.UsersMigrated,
		RoomsMigrated:     res.RoomsMigrated,
		MessagesProcessed: res.MessagesProcessed,
		Errors:            res.Errors,
		At:                o.now().UTC(),
	})
}

func (o *Orchestrator) publish(subject string, v any) {
	if err := o.publisher.Publish(subject, v); err != nil {
		o.logger.Warn("failed to publish migration event", "subject", subject, "error", err)
	}
}
