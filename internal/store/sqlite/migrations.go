package sqlite

import "database/sql"

// schema contains the SQL statements to set up the database.
// These run on startup to ensure tables exist.
const schema = `
CREATE TABLE IF NOT EXISTS groups (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    dest_lat REAL NOT NULL,
    dest_lon REAL NOT NULL,
    dest_address TEXT NOT NULL DEFAULT '',
    meet_lat REAL NOT NULL,
    meet_lon REAL NOT NULL,
    meet_address TEXT NOT NULL DEFAULT '',
    created_by TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS group_members (
    group_id TEXT NOT NULL,
    username TEXT NOT NULL,
    dest_lat REAL NOT NULL,
    dest_lon REAL NOT NULL,
    dest_address TEXT NOT NULL DEFAULT '',
    joined_at INTEGER NOT NULL,
    last_lat REAL,
    last_lon REAL,
    last_reported_at INTEGER,
    eta_seconds REAL,
    route_deviated INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (group_id, username),
    FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS users (
    username TEXT PRIMARY KEY,
    group_id TEXT NOT NULL,
    dest_lat REAL NOT NULL,
    dest_lon REAL NOT NULL,
    dest_address TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_group_members_group_id ON group_members(group_id);
CREATE INDEX IF NOT EXISTS idx_users_group_id ON users(group_id);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
