package game

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"loftrace/internal/db"
	"loftrace/internal/feeding"
)

// newFeedStoreFixture needs a disposable database in LOFT_TEST_DATABASE_URL. The
// SQLite store runs the same batch scenarios without one.
func newFeedStoreFixture(t *testing.T) (*Service, *FeedStore, string) {
	t.Helper()
	url := os.Getenv("LOFT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LOFT_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(pool, logger)
	if err := svc.SeedDefaults(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	userID := "test-" + uuid.NewString()
	if err := svc.EnsurePlayer(ctx, userID, userID+"@example.com", ""); err != nil {
		t.Fatalf("ensure player: %v", err)
	}
	return svc, NewFeedStore(pool, logger), userID
}

func TestFeedStoreTxRollsBackOnError(t *testing.T) {
	svc, store, userID := newFeedStoreFixture(t)
	ctx := context.Background()
	lofts, err := svc.ListPigeons(ctx, userID)
	if err != nil || len(lofts) == 0 {
		t.Fatalf("starter loft: %v %d", err, len(lofts))
	}
	p := lofts[0]
	errAbort := errors.New("abort")

	err = store.InTx(ctx, func(tx feeding.Tx) error {
		claimed, err := tx.ClaimDay(ctx, p.ID, "2026-06-03", feeding.SourcePigeon)
		if err != nil || !claimed {
			t.Fatalf("first claim: %v %v", claimed, err)
		}
		again, err := tx.ClaimDay(ctx, p.ID, "2026-06-03", feeding.SourcePigeon)
		if err != nil || again {
			t.Fatalf("second claim in the same day should be refused: %v %v", again, err)
		}
		inv, err := tx.Inventory(ctx, userID)
		if err != nil || len(inv) == 0 {
			t.Fatalf("inventory: %v %+v", err, inv)
		}
		for food, qty := range inv {
			if err := tx.DeductInventory(ctx, userID, food, qty+1); !errors.Is(err, ErrInsufficientStock) {
				t.Fatalf("over-deduct %s: got %v", food, err)
			}
			break
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected abort, got %v", err)
	}

	err = store.InTx(ctx, func(tx feeding.Tx) error {
		claimed, err := tx.ClaimDay(ctx, p.ID, "2026-06-03", feeding.SourcePigeon)
		if err != nil {
			return err
		}
		if !claimed {
			t.Fatalf("rolled back claim should not persist")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second tx: %v", err)
	}
}

func TestFeedStoreKeepsFractionalHealth(t *testing.T) {
	svc, store, userID := newFeedStoreFixture(t)
	ctx := context.Background()
	lofts, err := svc.ListPigeons(ctx, userID)
	if err != nil || len(lofts) == 0 {
		t.Fatalf("starter loft: %v %d", err, len(lofts))
	}
	id := lofts[0].ID
	want := feeding.ShortagePenalty(33.33, 0)

	if err := store.InTx(ctx, func(tx feeding.Tx) error {
		return tx.UpdateCondition(ctx, id, want, 1)
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	p, err := svc.GetPigeon(ctx, userID, id)
	if err != nil {
		t.Fatalf("get pigeon: %v", err)
	}
	if p.Health != want || p.ShortageStreak != 1 {
		t.Fatalf("got health=%v streak=%d want %v and 1", p.Health, p.ShortageStreak, want)
	}
}
