// Package bus publishes nok events over NATS: migration progress and router
// mode changes. It also carries mode-change requests to a running server.
package bus

import "time"

const (
	SubjectMigrationStage     = "nok.migration.stage"
	SubjectMigrationCompleted = "nok.migration.completed"
	SubjectRouterMode         = "nok.router.mode"
	// SubjectRouterModeSet carries ModeRequest to a running `nok serve`.
	SubjectRouterModeSet = "nok.router.mode.set"
)

// StageEvent is emitted when a migration stage finishes.
type StageEvent struct {
	Stage      string    `json:"stage"`
	DryRun     bool      `json:"dry_run"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// CompletedEvent summarizes a finished migration run.
type CompletedEvent struct {
	DryRun            bool      `json:"dry_run"`
	UsersMigrated     int       `json:"users_migrated"`
	RoomsMigrated     int       `json:"rooms_migrated"`
	MessagesProcessed int       `json:"messages_processed"`
	Errors            []string  `json:"errors"`
	At                time.Time `json:"at"`
}

// ModeEvent is emitted whenever the router switches mode.
type ModeEvent struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// ModeRequest asks a running server to switch mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}
