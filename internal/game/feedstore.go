package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loftrace/internal/feeding"
	"loftrace/internal/pigeon"
)

// FeedStore is the Postgres side of the daily feeding batch.
type FeedStore struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

var _ feeding.Store = (*FeedStore)(nil)

func NewFeedStore(db *pgxpool.Pool, logger *slog.Logger) *FeedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedStore{db: db, log: logger}
}

func (f *FeedStore) ListPigeons(ctx context.Context) ([]pigeon.Pigeon, error) {
	rows, err := f.db.Query(ctx, `SELECT `+pigeonColumns+` FROM game.pigeons p ORDER BY p.owner_id, p.created_at, p.id`)
	if err != nil {
		return nil, err
	}
	return collectPigeons(rows)
}

func (f *FeedStore) ListGroups(ctx context.Context) ([]feeding.Group, error) {
	rows, err := f.db.Query(ctx, `
		SELECT id::text, owner_id, name, COALESCE(mix_id::text, '')
		FROM game.pigeon_groups
		ORDER BY owner_id, created_at, id
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

func (f *FeedStore) GroupMembers(ctx context.Context, groupID string) ([]pigeon.Pigeon, error) {
	rows, err := f.db.Query(ctx, `SELECT `+pigeonColumns+` FROM game.pigeons p WHERE p.group_id = $1 ORDER BY p.created_at, p.id`, groupID)
	if err != nil {
		return nil, err
	}
	return collectPigeons(rows)
}

// InTx runs one pigeon's feeding in a serializable transaction, retried on conflict.
func (f *FeedStore) InTx(ctx context.Context, fn func(feeding.Tx) error) error {
	return runSerializable(ctx, f.db, func(tx pgx.Tx) error {
		return fn(feedTx{tx: tx})
	})
}

type feedTx struct {
	tx pgx.Tx
}

func (t feedTx) Pigeon(ctx context.Context, pigeonID string) (pigeon.Pigeon, error) {
	p, err := scanPigeon(t.tx.QueryRow(ctx, `SELECT `+pigeonColumns+` FROM game.pigeons p WHERE p.id = $1 FOR UPDATE`, pigeonID))
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrPigeonNotFound
	}
	return p, err
}

func (t feedTx) FoodMix(ctx context.Context, mixID string) (feeding.Mix, error) {
	var m feeding.Mix
	err := t.tx.QueryRow(ctx, `
		SELECT id::text, owner_id, name, components FROM game.food_mixes WHERE id = $1
	`, mixID).Scan(&m.ID, &m.OwnerID, &m.Name, &m.Components)
	if errors.Is(err, pgx.ErrNoRows) {
		return m, feeding.ErrMixNotFound
	}
	return m, err
}

func (t feedTx) Inventory(ctx context.Context, ownerID string) (feeding.Inventory, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT food_id, quantity FROM game.inventory WHERE owner_id = $1 FOR UPDATE
	`, ownerID)
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

func (t feedTx) ClaimDay(ctx context.Context, pigeonID, day string, source feeding.Source) (bool, error) {
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO game.feed_claims (pigeon_id, game_day, source) VALUES ($1, $2, $3)
		ON CONFLICT (pigeon_id, game_day, source) DO NOTHING
	`, pigeonID, day, string(source))
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (t feedTx) DeductInventory(ctx context.Context, ownerID, foodID string, qty int64) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE game.inventory SET quantity = quantity - $3
		WHERE owner_id = $1 AND food_id = $2 AND quantity >= $3
	`, ownerID, foodID, qty)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientStock, foodID)
	}
	return nil
}

func (t feedTx) UpdateCondition(ctx context.Context, pigeonID string, health float64, streak int) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE game.pigeons SET health = $2, shortage_streak = $3 WHERE id = $1
	`, pigeonID, health, streak)
	return err
}

func (t feedTx) AppendHistory(ctx context.Context, e feeding.HistoryEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO game.feed_history (pigeon_id, mix_id, group_id, game_day, fed_at, shortage, lines)
		VALUES ($1, NULLIF($2, '')::uuid, NULLIF($3, '')::uuid, $4, $5, $6, $7)
	`, e.PigeonID, e.MixID, e.GroupID, e.GameDay, e.FedAt, e.Shortage, e.Lines)
	return err
}
