package legacy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"

	_ "modernc.org/sqlite"
)

// SQLiteStore reads the legacy server's default nok.db.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens path read-only. A missing file is ErrNotFound rather than
// a freshly created empty database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(status, 'offline'),
		       COALESCE(CAST(created_at AS TEXT), ''), COALESCE(CAST(updated_at AS TEXT), '')
		FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var created, updated string
		if err := rows.Scan(&u.ID, &u.Name, &u.Status, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.CreatedAt, u.UpdatedAt = parseTime(created), parseTime(updated)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(description, ''), COALESCE(is_public, 1),
		       COALESCE(CAST(created_at AS TEXT), '')
		FROM rooms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		var created string
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Public, &created); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		r.CreatedAt = parseTime(created)
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (s *SQLiteStore) ListMessages(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, COALESCE(message_type, 'text'), sender_id,
		       COALESCE(room_id, ''), COALESCE(target_user_id, ''),
		       COALESCE(CAST(created_at AS TEXT), '')
		FROM messages ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.Content, &m.Type, &m.SenderID, &m.RoomID, &m.TargetUserID, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) ListMemberships(ctx context.Context) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, room_id, COALESCE(CAST(joined_at AS TEXT), '')
		FROM room_members ORDER BY room_id, user_id`)
	if err != nil {
		return nil, fmt.Errorf("query room_members: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		var joined string
		if err := rows.Scan(&m.UserID, &m.RoomID, &joined); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.JoinedAt = parseTime(joined)
		out = append(out, m)
	}
	return out, rows.Err()
}
