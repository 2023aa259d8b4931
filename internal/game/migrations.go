package game

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "players, lofts and feeding",
		SQL: `
CREATE SCHEMA IF NOT EXISTS users;
CREATE SCHEMA IF NOT EXISTS game;

CREATE TABLE IF NOT EXISTS users.profiles (
    user_id TEXT PRIMARY KEY,
    email TEXT NOT NULL,
    username TEXT NOT NULL UNIQUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS game.seasons (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('active', 'closed')),
    starts_at TIMESTAMPTZ NOT NULL,
    ends_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS game.foods (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS game.inventory (
    owner_id TEXT NOT NULL REFERENCES users.profiles(user_id),
    food_id TEXT NOT NULL REFERENCES game.foods(id),
    quantity BIGINT NOT NULL CHECK (quantity >= 0),
    PRIMARY KEY (owner_id, food_id)
);

CREATE TABLE IF NOT EXISTS game.food_mixes (
    id UUID PRIMARY KEY,
    owner_id TEXT NOT NULL REFERENCES users.profiles(user_id),
    name TEXT NOT NULL,
    components JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS game.pigeon_groups (
    id UUID PRIMARY KEY,
    owner_id TEXT NOT NULL REFERENCES users.profiles(user_id),
    name TEXT NOT NULL,
    mix_id UUID REFERENCES game.food_mixes(id),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS game.pigeons (
    id UUID PRIMARY KEY,
    owner_id TEXT NOT NULL REFERENCES users.profiles(user_id),
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    health DOUBLE PRECISION NOT NULL CHECK (health >= 0),
    shortage_streak INTEGER NOT NULL DEFAULT 0,
    mix_id UUID REFERENCES game.food_mixes(id),
    group_id UUID REFERENCES game.pigeon_groups(id),
    stats JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS pigeons_owner_idx ON game.pigeons (owner_id);
CREATE INDEX IF NOT EXISTS pigeons_group_idx ON game.pigeons (group_id);

CREATE TABLE IF NOT EXISTS game.feed_claims (
    pigeon_id UUID NOT NULL REFERENCES game.pigeons(id),
    game_day TEXT NOT NULL,
    source TEXT NOT NULL,
    claimed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (pigeon_id, game_day, source)
);

CREATE TABLE IF NOT EXISTS game.feed_history (
    id BIGSERIAL PRIMARY KEY,
    pigeon_id UUID NOT NULL REFERENCES game.pigeons(id),
    mix_id UUID,
    group_id UUID,
    game_day TEXT NOT NULL,
    fed_at TIMESTAMPTZ NOT NULL,
    shortage BOOLEAN NOT NULL,
    lines JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS feed_history_pigeon_idx ON game.feed_history (pigeon_id, fed_at DESC);

CREATE TABLE IF NOT EXISTS game.idempotency_keys (
    user_id TEXT NOT NULL,
    key TEXT NOT NULL,
    action TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, key)
);
`,
	},
	{
		Version:     2,
		Description: "races and results",
		SQL: `
CREATE TABLE IF NOT EXISTS game.races (
    id UUID PRIMARY KEY,
    season_id BIGINT NOT NULL REFERENCES game.seasons(id),
    owner_id TEXT NOT NULL REFERENCES users.profiles(user_id),
    name TEXT NOT NULL,
    distance_km DOUBLE PRECISION NOT NULL CHECK (distance_km > 0),
    wind_kph DOUBLE PRECISION NOT NULL DEFAULT 0,
    start_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL DEFAULT 'open',
    seed BIGINT NOT NULL,
    run_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS game.race_entries (
    race_id UUID NOT NULL REFERENCES game.races(id),
    pigeon_id UUID NOT NULL REFERENCES game.pigeons(id),
    owner_id TEXT NOT NULL,
    entered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (race_id, pigeon_id)
);

CREATE TABLE IF NOT EXISTS game.race_results (
    race_id UUID NOT NULL REFERENCES game.races(id),
    pigeon_id UUID NOT NULL REFERENCES game.pigeons(id),
    owner_id TEXT NOT NULL,
    rank INTEGER NOT NULL,
    points INTEGER NOT NULL,
    result JSONB NOT NULL,
    PRIMARY KEY (race_id, pigeon_id)
);
CREATE INDEX IF NOT EXISTS race_results_owner_idx ON game.race_results (owner_id);
`,
	},
}

// Migrate applies pending schema migrations in order, each in its own transaction.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}
	for _, m := range migrations {
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *pgxpool.Pool, m migration) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback(ctx)

	// Serialize concurrent API replicas on startup.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(727274)`); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	var applied bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM public.schema_migrations WHERE version = $1)`, m.Version).Scan(&applied); err != nil {
		return fmt.Errorf("check migration %d: %w", m.Version, err)
	}
	if applied {
		return nil
	}
	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("execute migration %d: %w", m.Version, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO public.schema_migrations (version, description) VALUES ($1, $2)`, m.Version, m.Description); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	return tx.Commit(ctx)
}
