// Package sqlite provides a SQLite-backed implementation of the store.Store
// interface.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/nihannihu/rendezvous/internal/store"
)

// compile-time check to ensure SQLiteStore implements store.Store.
var _ store.Store = (*SQLiteStore)(nil)

// SQLiteStore implements store.Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLiteStore with the given database path.
// It creates the parent directories and runs migrations automatically.
func New(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadGroup retrieves a group and its membership rows.
func (s *SQLiteStore) LoadGroup(ctx context.Context, groupID string) (*store.GroupRecord, error) {
	g := &store.GroupRecord{ID: groupID}
	var isActive int
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT name, dest_lat, dest_lon, dest_address, meet_lat, meet_lon, meet_address,
		        created_by, is_active, created_at, updated_at
		 FROM groups WHERE id = ?`,
		groupID,
	).Scan(&g.Name,
		&g.Destination.Latitude, &g.Destination.Longitude, &g.Destination.Address,
		&g.MeetingPoint.Latitude, &g.MeetingPoint.Longitude, &g.MeetingPoint.Address,
		&g.CreatedBy, &isActive, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: group %s", store.ErrNotFound, groupID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load group: %w", err)
	}
	g.Active = isActive != 0
	g.CreatedAt = time.Unix(createdAt, 0)
	g.UpdatedAt = time.Unix(updatedAt, 0)

	rows, err := s.db.QueryContext(ctx,
		`SELECT username, dest_lat, dest_lon, dest_address, joined_at,
		        last_lat, last_lon, last_reported_at, eta_seconds, route_deviated
		 FROM group_members WHERE group_id = ? ORDER BY username`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m store.MemberRecord
		var joinedAt int64
		var reportedAt *int64
		var deviated int
		if err := rows.Scan(&m.Username,
			&m.Destination.Latitude, &m.Destination.Longitude, &m.Destination.Address,
			&joinedAt, &m.LastLatitude, &m.LastLongitude, &reportedAt,
			&m.ETASeconds, &deviated); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		m.JoinedAt = time.Unix(joinedAt, 0)
		if reportedAt != nil {
			t := time.Unix(*reportedAt, 0)
			m.LastReportedAt = &t
		}
		m.RouteDeviated = deviated != 0
		g.Members = append(g.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}

	return g, nil
}

// SaveGroup upserts the group row and replaces its membership rows in one
// transaction.
func (s *SQLiteStore) SaveGroup(ctx context.Context, g *store.GroupRecord) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	g.UpdatedAt = time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO groups (id, name, dest_lat, dest_lon, dest_address,
		                     meet_lat, meet_lon, meet_address, created_by, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   dest_lat = excluded.dest_lat, dest_lon = excluded.dest_lon, dest_address = excluded.dest_address,
		   meet_lat = excluded.meet_lat, meet_lon = excluded.meet_lon, meet_address = excluded.meet_address,
		   is_active = excluded.is_active,
		   updated_at = excluded.updated_at`,
		g.ID, g.Name,
		g.Destination.Latitude, g.Destination.Longitude, g.Destination.Address,
		g.MeetingPoint.Latitude, g.MeetingPoint.Longitude, g.MeetingPoint.Address,
		g.CreatedBy, boolToInt(g.Active), g.CreatedAt.Unix(), g.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert group: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM group_members WHERE group_id = ?", g.ID); err != nil {
		return fmt.Errorf("failed to clear members: %w", err)
	}
	for _, m := range g.Members {
		var reportedAt *int64
		if m.LastReportedAt != nil {
			unix := m.LastReportedAt.Unix()
			reportedAt = &unix
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO group_members (group_id, username, dest_lat, dest_lon, dest_address,
			                            joined_at, last_lat, last_lon, last_reported_at, eta_seconds, route_deviated)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.ID, m.Username,
			m.Destination.Latitude, m.Destination.Longitude, m.Destination.Address,
			m.JoinedAt.Unix(), m.LastLatitude, m.LastLongitude, reportedAt,
			m.ETASeconds, boolToInt(m.RouteDeviated),
		)
		if err != nil {
			return fmt.Errorf("failed to insert member %s: %w", m.Username, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadUser retrieves a stored user identity.
func (s *SQLiteStore) LoadUser(ctx context.Context, username string) (*store.UserRecord, error) {
	u := &store.UserRecord{Username: username}
	err := s.db.QueryRowContext(ctx,
		"SELECT group_id, dest_lat, dest_lon, dest_address FROM users WHERE username = ?",
		username,
	).Scan(&u.GroupID, &u.Destination.Latitude, &u.Destination.Longitude, &u.Destination.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

// SaveUser upserts a user identity.
func (s *SQLiteStore) SaveUser(ctx context.Context, u *store.UserRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, group_id, dest_lat, dest_lon, dest_address)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET
		   group_id = excluded.group_id,
		   dest_lat = excluded.dest_lat, dest_lon = excluded.dest_lon, dest_address = excluded.dest_address`,
		u.Username, u.GroupID, u.Destination.Latitude, u.Destination.Longitude, u.Destination.Address,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
