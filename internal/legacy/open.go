package legacy

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Open when a SQLite store does not exist.
var ErrNotFound = errors.New("legacy store not found")

// Open picks the driver from dsn: postgres:// and postgresql:// URLs go to
// PostgreSQL, anything else is a SQLite file path.
func Open(ctx context.Context, dsn string) (Store, error) {
	if IsRemote(dsn) {
		s, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// IsRemote reports whether dsn names a database server rather than a file.
func IsRemote(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Layouts the legacy server has written timestamps in.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02",
}

// parseTime is lenient: an unparseable or empty timestamp becomes zero.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
