package localstore

import (
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial loft schema",
		SQL: `
CREATE TABLE IF NOT EXISTS foods (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory (
    owner_id TEXT NOT NULL,
    food_id TEXT NOT NULL,
    quantity INTEGER NOT NULL CHECK (quantity >= 0),
    PRIMARY KEY (owner_id, food_id)
);

CREATE TABLE IF NOT EXISTS food_mixes (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL,
    components TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pigeon_groups (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL,
    mix_id TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS pigeons (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    health REAL NOT NULL CHECK (health >= 0),
    shortage_streak INTEGER NOT NULL DEFAULT 0,
    mix_id TEXT,
    group_id TEXT,
    stats TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_pigeons_group ON pigeons(group_id);

CREATE TABLE IF NOT EXISTS feed_claims (
    pigeon_id TEXT NOT NULL,
    game_day TEXT NOT NULL,
    source TEXT NOT NULL,
    PRIMARY KEY (pigeon_id, game_day, source)
);

CREATE TABLE IF NOT EXISTS feed_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pigeon_id TEXT NOT NULL,
    mix_id TEXT,
    group_id TEXT,
    game_day TEXT NOT NULL,
    fed_at DATETIME NOT NULL,
    shortage BOOLEAN NOT NULL,
    lines TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feed_history_pigeon ON feed_history(pigeon_id, fed_at);
`,
	},
}

func (s *Store) Migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.appliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		s.log.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (s *Store) appliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
