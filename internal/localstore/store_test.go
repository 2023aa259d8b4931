package localstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	mathrand "math/rand"
	"testing"
	"time"

	"loftrace/internal/feeding"
	"loftrace/internal/pigeon"
)

var day = time.Date(2026, 3, 14, 5, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func stats() pigeon.Stats {
	return pigeon.Randomize(func() float64 { return 0.5 }, 40, 80)
}

func seedLoft(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	for _, f := range []string{"corn", "peas", "wheat", "barley"} {
		if err := s.PutFood(ctx, f, f); err != nil {
			t.Fatalf("PutFood: %v", err)
		}
	}
	for food, qty := range map[string]int64{"corn": 500, "peas": 500, "wheat": 500} {
		if err := s.SetStock(ctx, "u1", food, qty); err != nil {
			t.Fatalf("SetStock: %v", err)
		}
	}
	mix := feeding.Mix{ID: "m1", OwnerID: "u1", Name: "standard", Components: []feeding.MixComponent{
		{FoodID: "corn", Percent: 50}, {FoodID: "peas", Percent: 30}, {FoodID: "wheat", Percent: 20},
	}}
	if err := s.SaveMix(ctx, mix); err != nil {
		t.Fatalf("SaveMix: %v", err)
	}
	if err := s.SavePigeon(ctx, pigeon.Pigeon{ID: "p1", OwnerID: "u1", Name: "Blue Bar", Health: 100, MixID: "m1", Stats: stats()}); err != nil {
		t.Fatalf("SavePigeon: %v", err)
	}
}

func newBatch(s *Store, policy feeding.Policy) *feeding.Batch {
	return feeding.NewBatch(s, slog.New(slog.NewTextHandler(io.Discard, nil)), feeding.Options{
		Policy: policy,
		Rand:   mathrand.New(mathrand.NewSource(1)),
		Now:    func() time.Time { return day },
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestSavePigeonRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	want := pigeon.Pigeon{ID: "p9", OwnerID: "u1", Name: "Mealy", Status: pigeon.StatusInjured, Health: 61.5, ShortageStreak: 2, Stats: stats()}
	if err := s.SavePigeon(ctx, want); err != nil {
		t.Fatalf("SavePigeon: %v", err)
	}
	got, err := s.GetPigeon(ctx, "p9")
	if err != nil {
		t.Fatalf("GetPigeon: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v\nwant %+v", got, want)
	}
	if _, err := s.GetPigeon(ctx, "nope"); !errors.Is(err, ErrPigeonNotFound) {
		t.Fatalf("expected ErrPigeonNotFound, got %v", err)
	}
}

func TestSaveMixRejectsBadPercentages(t *testing.T) {
	s := setupTestStore(t)
	bad := feeding.Mix{ID: "m", OwnerID: "u1", Name: "bad", Components: []feeding.MixComponent{{FoodID: "corn", Percent: 70}}}
	if err := s.SaveMix(context.Background(), bad); !errors.Is(err, feeding.ErrInvalidMix) {
		t.Fatalf("expected ErrInvalidMix, got %v", err)
	}
}

func TestFeedingDeductsStockAndRecordsHistory(t *testing.T) {
	s := setupTestStore(t)
	seedLoft(t, s)
	ctx := context.Background()

	reports, err := newBatch(s, feeding.PolicyIndividualFirst).RunDay(ctx, day)
	if err != nil {
		t.Fatalf("RunDay: %v", err)
	}
	if reports[0].Fed != 1 || reports[0].Err() != nil {
		t.Fatalf("unexpected pigeon report %+v", reports[0])
	}

	stock, err := s.Stock(ctx, "u1")
	if err != nil {
		t.Fatalf("Stock: %v", err)
	}
	if stock["corn"] != 450 || stock["peas"] != 470 || stock["wheat"] != 480 {
		t.Fatalf("unexpected stock %+v", stock)
	}
	hist, err := s.History(ctx, "p1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].Shortage || hist[0].MixID != "m1" || hist[0].GameDay != "2026-03-14" {
		t.Fatalf("unexpected history %+v", hist)
	}
	if len(hist[0].Lines) != 3 || !hist[0].FedAt.Equal(day) {
		t.Fatalf("unexpected history lines %+v", hist[0])
	}
}

func TestFeedingSameDayTwiceChangesNothing(t *testing.T) {
	s := setupTestStore(t)
	seedLoft(t, s)
	ctx := context.Background()

	b := newBatch(s, feeding.PolicyIndividualFirst)
	if _, err := b.RunDay(ctx, day); err != nil {
		t.Fatalf("first run: %v", err)
	}
	reports, err := b.RunDay(ctx, day)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if reports[0].AlreadyFed != 1 || reports[0].Fed != 0 {
		t.Fatalf("second run should be a no-op, got %+v", reports[0])
	}
	stock, _ := s.Stock(ctx, "u1")
	if stock["corn"] != 450 {
		t.Fatalf("corn deducted twice: %d", stock["corn"])
	}
	hist, _ := s.History(ctx, "")
	if len(hist) != 1 {
		t.Fatalf("history rows %d, want 1", len(hist))
	}

	if _, err := b.RunDay(ctx, day.Add(24*time.Hour)); err != nil {
		t.Fatalf("next day: %v", err)
	}
	stock, _ = s.Stock(ctx, "u1")
	if stock["corn"] != 400 {
		t.Fatalf("next day should feed again, corn=%d", stock["corn"])
	}
}

func TestShortageWithoutInventory(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	mix := feeding.Mix{ID: "m2", OwnerID: "u2", Name: "empty", Components: []feeding.MixComponent{{FoodID: "corn", Percent: 100}}}
	if err := s.SaveMix(ctx, mix); err != nil {
		t.Fatalf("SaveMix: %v", err)
	}
	if err := s.SavePigeon(ctx, pigeon.Pigeon{ID: "p2", OwnerID: "u2", Name: "Grizzle", Health: 80, MixID: "m2", Stats: stats()}); err != nil {
		t.Fatalf("SavePigeon: %v", err)
	}

	b := newBatch(s, feeding.PolicyIndividualFirst)
	if _, err := b.FeedPigeons(ctx, day); err != nil {
		t.Fatalf("FeedPigeons: %v", err)
	}
	if _, err := b.FeedPigeons(ctx, day.Add(24*time.Hour)); err != nil {
		t.Fatalf("FeedPigeons: %v", err)
	}
	p, err := s.GetPigeon(ctx, "p2")
	if err != nil {
		t.Fatalf("GetPigeon: %v", err)
	}
	if math.Abs(p.Health-68.4) > 1e-9 || p.ShortageStreak != 2 {
		t.Fatalf("health=%v streak=%d, want 68.4 and 2", p.Health, p.ShortageStreak)
	}
	hist, _ := s.History(ctx, "p2")
	if len(hist) != 2 || !hist[0].Shortage || !hist[1].Shortage {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestGroupFeedingUsesGroupMix(t *testing.T) {
	s := setupTestStore(t)
	seedLoft(t, s)
	ctx := context.Background()

	if err := s.SaveGroup(ctx, feeding.Group{ID: "g1", OwnerID: "u1", Name: "young birds", MixID: "m1"}); err != nil {
		t.Fatalf("SaveGroup: %v", err)
	}
	if err := s.SavePigeon(ctx, pigeon.Pigeon{ID: "p3", OwnerID: "u1", Name: "Velvet", Health: 100, GroupID: "g1", Stats: stats()}); err != nil {
		t.Fatalf("SavePigeon: %v", err)
	}
	// p1 has its own mix and joins the group too.
	p1, _ := s.GetPigeon(ctx, "p1")
	p1.GroupID = "g1"
	if err := s.SavePigeon(ctx, p1); err != nil {
		t.Fatalf("SavePigeon: %v", err)
	}

	report, err := newBatch(s, feeding.PolicyIndividualFirst).FeedGroups(ctx, day)
	if err != nil {
		t.Fatalf("FeedGroups: %v", err)
	}
	if report.Fed != 1 || report.Skipped != 1 {
		t.Fatalf("unexpected group report %+v", report)
	}
	hist, _ := s.History(ctx, "p3")
	if len(hist) != 1 || hist[0].GroupID != "g1" {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := setupTestStore(t)
	seedLoft(t, s)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx feeding.Tx) error {
		if err := tx.DeductInventory(ctx, "u1", "corn", 100); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	stock, _ := s.Stock(ctx, "u1")
	if stock["corn"] != 500 {
		t.Fatalf("rolled back deduction still applied: %d", stock["corn"])
	}

	err = s.InTx(ctx, func(tx feeding.Tx) error {
		return tx.DeductInventory(ctx, "u1", "corn", 501)
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}
