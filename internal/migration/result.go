package migration

import (
	"errors"
	"fmt"

	"github.com/MikeSquared-Agency/nok/internal/identity"
)

var (
	// ErrPartial is returned by Result.Err when some entities failed.
	ErrPartial = errors.New("migration completed with errors")
	// ErrNothingToBackup is fatal when Config.RequireBackup is set.
	ErrNothingToBackup = errors.New("nothing to back up")
)

// Stage names, in pipeline order.
const (
	StageBackup       = "backup"
	StageExtract      = "extract"
	StageMap          = "map"
	StageProvision    = "provision"
	StagePersist      = "persist"
	StageClientConfig = "client_config"
)

// Result accumulates the outcome of one run. Per-entity failures are appended
// to Errors in the order they happened and never stop the run.
type Result struct {
	DryRun            bool     `json:"dry_run"`
	UsersMigrated     int      `json:"users_migrated"`
	RoomsMigrated     int      `json:"rooms_migrated"`
	MessagesProcessed int      `json:"messages_processed"`
	Errors            []string `json:"errors"`
	// BackupPaths are the copies written, or in a dry run the copies that
	// would be written.
	BackupPaths      []string `json:"backup_paths"`
	MappingPath      string   `json:"mapping_path,omitempty"`
	ClientConfigPath string   `json:"client_config_path,omitempty"`

	Mapping *identity.Mapping `json:"-"`
}

// AddError records an entity failure.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// Err wraps ErrPartial when any entity failed.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d error(s), first: %s", ErrPartial, len(r.Errors), r.Errors[0])
}
