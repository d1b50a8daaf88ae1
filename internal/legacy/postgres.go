package legacy

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads a legacy deployment that ran on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, COALESCE(status, 'offline'), created_at, updated_at
		FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (User, error) {
		var u User
		var created, updated *time.Time
		err := row.Scan(&u.ID, &u.Name, &u.Status, &created, &updated)
		u.CreatedAt, u.UpdatedAt = deref(created), deref(updated)
		return u, err
	})
}

func (s *PostgresStore) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, COALESCE(description, ''), COALESCE(is_public, true), created_at
		FROM rooms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Room, error) {
		var r Room
		var created *time.Time
		err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Public, &created)
		r.CreatedAt = deref(created)
		return r, err
	})
}

func (s *PostgresStore) ListMessages(ctx context.Context) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, content, COALESCE(message_type, 'text'), sender_id,
		       COALESCE(room_id, ''), COALESCE(target_user_id, ''), created_at
		FROM messages ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		var created *time.Time
		err := row.Scan(&m.ID, &m.Content, &m.Type, &m.SenderID, &m.RoomID, &m.TargetUserID, &created)
		m.CreatedAt = deref(created)
		return m, err
	})
}

func (s *PostgresStore) ListMemberships(ctx context.Context) ([]Membership, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, room_id, joined_at
		FROM room_members ORDER BY room_id, user_id`)
	if err != nil {
		return nil, fmt.Errorf("query room_members: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Membership, error) {
		var m Membership
		var joined *time.Time
		err := row.Scan(&m.UserID, &m.RoomID, &joined)
		m.JoinedAt = deref(joined)
		return m, err
	})
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
