// Package localstore keeps a single-player loft in SQLite so the feeding batch can
// run without Postgres.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"loftrace/internal/feeding"
	"loftrace/internal/pigeon"
)

var (
	ErrPigeonNotFound    = errors.New("pigeon not found")
	ErrInsufficientStock = errors.New("insufficient food stock")
)

type Store struct {
	db  *sql.DB
	log *slog.Logger
}

var _ feeding.Store = (*Store)(nil)

func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger}
}

// Open opens path (or ":memory:") with a single connection, since SQLite has one writer.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	s := New(db, logger)
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) PutFood(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO foods (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, id, name)
	return err
}

func (s *Store) SetStock(ctx context.Context, ownerID, foodID string, qty int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory (owner_id, food_id, quantity) VALUES (?, ?, ?)
		ON CONFLICT(owner_id, food_id) DO UPDATE SET quantity = excluded.quantity
	`, ownerID, foodID, qty)
	return err
}

func (s *Store) Stock(ctx context.Context, ownerID string) (feeding.Inventory, error) {
	return inventory(ctx, s.db, ownerID)
}

func (s *Store) SaveMix(ctx context.Context, m feeding.Mix) error {
	if err := feeding.ValidateMix(m.Components); err != nil {
		return err
	}
	comps, err := json.Marshal(m.Components)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO food_mixes (id, owner_id, name, components) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, components = excluded.components
	`, m.ID, m.OwnerID, m.Name, string(comps))
	return err
}

func (s *Store) SaveGroup(ctx context.Context, g feeding.Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pigeon_groups (id, owner_id, name, mix_id) VALUES (?, ?, ?, NULLIF(?, ''))
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, mix_id = excluded.mix_id
	`, g.ID, g.OwnerID, g.Name, g.MixID)
	return err
}

func (s *Store) SavePigeon(ctx context.Context, p pigeon.Pigeon) error {
	stats, err := json.Marshal(p.Stats)
	if err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = pigeon.StatusActive
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pigeons (id, owner_id, name, status, health, shortage_streak, mix_id, group_id, stats)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			health = excluded.health,
			shortage_streak = excluded.shortage_streak,
			mix_id = excluded.mix_id,
			group_id = excluded.group_id,
			stats = excluded.stats
	`, p.ID, p.OwnerID, p.Name, string(p.Status), p.Health, p.ShortageStreak, p.MixID, p.GroupID, string(stats))
	return err
}

func (s *Store) GetPigeon(ctx context.Context, id string) (pigeon.Pigeon, error) {
	return getPigeon(ctx, s.db, id)
}

// History returns ledger rows for one pigeon, or all pigeons when pigeonID is empty, oldest first.
func (s *Store) History(ctx context.Context, pigeonID string) ([]feeding.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pigeon_id, COALESCE(mix_id, ''), COALESCE(group_id, ''), game_day, fed_at, shortage, lines
		FROM feed_history
		WHERE ? = '' OR pigeon_id = ?
		ORDER BY id
	`, pigeonID, pigeonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feeding.HistoryEntry
	for rows.Next() {
		var h feeding.HistoryEntry
		var lines string
		if err := rows.Scan(&h.PigeonID, &h.MixID, &h.GroupID, &h.GameDay, &h.FedAt, &h.Shortage, &lines); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(lines), &h.Lines); err != nil {
			return nil, fmt.Errorf("decode history lines: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) ListPigeons(ctx context.Context) ([]pigeon.Pigeon, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pigeonColumns+` FROM pigeons ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return collectPigeons(rows)
}

func (s *Store) ListGroups(ctx context.Context) ([]feeding.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, COALESCE(mix_id, '') FROM pigeon_groups ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feeding.Group
	for rows.Next() {
		var g feeding.Group
		if err := rows.Scan(&g.ID, &g.OwnerID, &g.Name, &g.MixID); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) GroupMembers(ctx context.Context, groupID string) ([]pigeon.Pigeon, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pigeonColumns+` FROM pigeons WHERE group_id = ? ORDER BY created_at, id`, groupID)
	if err != nil {
		return nil, err
	}
	return collectPigeons(rows)
}

func (s *Store) InTx(ctx context.Context, fn func(feeding.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(sqliteTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t sqliteTx) Pigeon(ctx context.Context, id string) (pigeon.Pigeon, error) {
	return getPigeon(ctx, t.tx, id)
}

func (t sqliteTx) FoodMix(ctx context.Context, mixID string) (feeding.Mix, error) {
	var m feeding.Mix
	var comps string
	err := t.tx.QueryRowContext(ctx, `SELECT id, owner_id, name, components FROM food_mixes WHERE id = ?`, mixID).
		Scan(&m.ID, &m.OwnerID, &m.Name, &comps)
	if err == sql.ErrNoRows {
		return m, feeding.ErrMixNotFound
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(comps), &m.Components); err != nil {
		return m, fmt.Errorf("decode mix %s: %w", mixID, err)
	}
	return m, nil
}

func (t sqliteTx) Inventory(ctx context.Context, ownerID string) (feeding.Inventory, error) {
	return inventory(ctx, t.tx, ownerID)
}

func (t sqliteTx) ClaimDay(ctx context.Context, pigeonID, day string, source feeding.Source) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO feed_claims (pigeon_id, game_day, source) VALUES (?, ?, ?)
		ON CONFLICT(pigeon_id, game_day, source) DO NOTHING
	`, pigeonID, day, string(source))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t sqliteTx) DeductInventory(ctx context.Context, ownerID, foodID string, qty int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE inventory SET quantity = quantity - ?
		WHERE owner_id = ? AND food_id = ? AND quantity >= ?
	`, qty, ownerID, foodID, qty)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientStock, foodID)
	}
	return nil
}

func (t sqliteTx) UpdateCondition(ctx context.Context, pigeonID string, health float64, streak int) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE pigeons SET health = ?, shortage_streak = ? WHERE id = ?`, health, streak, pigeonID)
	return err
}

func (t sqliteTx) AppendHistory(ctx context.Context, e feeding.HistoryEntry) error {
	lines, err := json.Marshal(e.Lines)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO feed_history (pigeon_id, mix_id, group_id, game_day, fed_at, shortage, lines)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?)
	`, e.PigeonID, e.MixID, e.GroupID, e.GameDay, e.FedAt.UTC(), e.Shortage, string(lines))
	return err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const pigeonColumns = `id, owner_id, name, status, health, shortage_streak, COALESCE(mix_id, ''), COALESCE(group_id, ''), stats`

type scanner interface {
	Scan(dest ...any) error
}

func scanPigeon(row scanner) (pigeon.Pigeon, error) {
	var p pigeon.Pigeon
	var status, stats string
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &status, &p.Health, &p.ShortageStreak, &p.MixID, &p.GroupID, &stats); err != nil {
		return pigeon.Pigeon{}, err
	}
	st, err := pigeon.ParseStatus(status)
	if err != nil {
		return pigeon.Pigeon{}, err
	}
	p.Status = st
	if err := json.Unmarshal([]byte(stats), &p.Stats); err != nil {
		return pigeon.Pigeon{}, fmt.Errorf("decode stats for %s: %w", p.ID, err)
	}
	return p, nil
}

func getPigeon(ctx context.Context, q querier, id string) (pigeon.Pigeon, error) {
	p, err := scanPigeon(q.QueryRowContext(ctx, `SELECT `+pigeonColumns+` FROM pigeons WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return p, ErrPigeonNotFound
	}
	return p, err
}

func collectPigeons(rows *sql.Rows) ([]pigeon.Pigeon, error) {
	defer rows.Close()
	var out []pigeon.Pigeon
	for rows.Next() {
		p, err := scanPigeon(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func inventory(ctx context.Context, q querier, ownerID string) (feeding.Inventory, error) {
	rows, err := q.QueryContext(ctx, `SELECT food_id, quantity FROM inventory WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	inv := feeding.Inventory{}
	for rows.Next() {
		var food string
		var qty int64
		if err := rows.Scan(&food, &qty); err != nil {
			return nil, err
		}
		inv[food] = qty
	}
	return inv, rows.Err()
}
