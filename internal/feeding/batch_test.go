package feeding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	mathrand "math/rand"
	"testing"
	"time"

	"loftrace/internal/pigeon"
)

// memStore is a copy-on-begin in-memory Store. A failing InTx callback leaves no trace.
type memStore struct {
	pigeons   map[string]pigeon.Pigeon
	order     []string
	mixes     map[string]Mix
	groups    []Group
	members   map[string][]string
	inventory map[string]Inventory
	claims    map[string]bool
	history   []HistoryEntry

	failPigeon  string
	failMembers string
	failList    bool
}

func newMemStore() *memStore {
	return &memStore{
		pigeons:   map[string]pigeon.Pigeon{},
		mixes:     map[string]Mix{},
		members:   map[string][]string{},
		inventory: map[string]Inventory{},
		claims:    map[string]bool{},
	}
}

func (s *memStore) addPigeon(p pigeon.Pigeon) {
	s.pigeons[p.ID] = p
	s.order = append(s.order, p.ID)
}

func (s *memStore) ListPigeons(context.Context) ([]pigeon.Pigeon, error) {
	if s.failList {
		return nil, errors.New("pigeons table unavailable")
	}
	out := make([]pigeon.Pigeon, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.pigeons[id])
	}
	return out, nil
}

func (s *memStore) ListGroups(context.Context) ([]Group, error) {
	return append([]Group(nil), s.groups...), nil
}

func (s *memStore) GroupMembers(_ context.Context, groupID string) ([]pigeon.Pigeon, error) {
	if groupID == s.failMembers {
		return nil, errors.New("members unavailable")
	}
	var out []pigeon.Pigeon
	for _, id := range s.members[groupID] {
		out = append(out, s.pigeons[id])
	}
	return out, nil
}

func (s *memStore) InTx(_ context.Context, fn func(Tx) error) error {
	tx := &memTx{
		s:         s,
		pigeons:   map[string]pigeon.Pigeon{},
		inventory: map[string]Inventory{},
		claims:    map[string]bool{},
	}
	for k, v := range s.pigeons {
		tx.pigeons[k] = v
	}
	for owner, inv := range s.inventory {
		cp := Inventory{}
		for f, q := range inv {
			cp[f] = q
		}
		tx.inventory[owner] = cp
	}
	for k, v := range s.claims {
		tx.claims[k] = v
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.pigeons, s.inventory, s.claims = tx.pigeons, tx.inventory, tx.claims
	s.history = append(s.history, tx.history...)
	return nil
}

type memTx struct {
	s         *memStore
	pigeons   map[string]pigeon.Pigeon
	inventory map[string]Inventory
	claims    map[string]bool
	history   []HistoryEntry
}

func (t *memTx) Pigeon(_ context.Context, id string) (pigeon.Pigeon, error) {
	if id == t.s.failPigeon {
		return pigeon.Pigeon{}, errors.New("connection reset")
	}
	p, ok := t.pigeons[id]
	if !ok {
		return p, errors.New("pigeon not found")
	}
	return p, nil
}

func (t *memTx) FoodMix(_ context.Context, id string) (Mix, error) {
	m, ok := t.s.mixes[id]
	if !ok {
		return m, ErrMixNotFound
	}
	return m, nil
}

func (t *memTx) Inventory(_ context.Context, owner string) (Inventory, error) {
	inv := t.inventory[owner]
	out := Inventory{}
	for f, q := range inv {
		out[f] = q
	}
	return out, nil
}

func (t *memTx) ClaimDay(_ context.Context, pigeonID, day string, source Source) (bool, error) {
	key := pigeonID + "|" + day + "|" + string(source)
	if t.claims[key] {
		return false, nil
	}
	t.claims[key] = true
	return true, nil
}

func (t *memTx) DeductInventory(_ context.Context, owner, food string, qty int64) error {
	inv := t.inventory[owner]
	if inv == nil || inv[food] < qty {
		return errors.New("insufficient stock")
	}
	inv[food] -= qty
	return nil
}

func (t *memTx) UpdateCondition(_ context.Context, id string, health float64, streak int) error {
	p := t.pigeons[id]
	p.Health, p.ShortageStreak = health, streak
	t.pigeons[id] = p
	return nil
}

func (t *memTx) AppendHistory(_ context.Context, e HistoryEntry) error {
	t.history = append(t.history, e)
	return nil
}

var (
	feedDay = time.Date(2026, 6, 3, 5, 0, 0, 0, time.UTC)
	seedMix = Mix{ID: "mix-1", OwnerID: "u-1", Name: "Racing blend", Components: []MixComponent{
		{FoodID: "corn", Percent: 50},
		{FoodID: "peas", Percent: 30},
		{FoodID: "wheat", Percent: 20},
	}}
)

func newTestBatch(s Store, opts Options) *Batch {
	if opts.Rand == nil {
		opts.Rand = mathrand.New(mathrand.NewSource(1))
	}
	opts.Now = func() time.Time { return feedDay }
	return NewBatch(s, slog.New(slog.NewTextHandler(io.Discard, nil)), opts)
}

func loft(mixID string, health float64, streak int) pigeon.Pigeon {
	return pigeon.Pigeon{ID: "p-1", OwnerID: "u-1", Name: "Checker", Status: pigeon.StatusActive, Health: health, ShortageStreak: streak, MixID: mixID}
}

func TestFeedPigeonsFullyStocked(t *testing.T) {
	s := newMemStore()
	s.mixes[seedMix.ID] = seedMix
	s.addPigeon(loft(seedMix.ID, 80, 0))
	s.inventory["u-1"] = Inventory{"corn": 500, "peas": 500, "wheat": 500}

	report, err := newTestBatch(s, Options{}).FeedPigeons(context.Background(), feedDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Fed != 1 || report.Shortages != 0 || len(report.Failures) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	inv := s.inventory["u-1"]
	if inv["corn"] != 450 || inv["peas"] != 470 || inv["wheat"] != 480 {
		t.Fatalf("unexpected inventory %+v", inv)
	}
	p := s.pigeons["p-1"]
	if p.ShortageStreak != 0 || p.Health != 80 {
		t.Fatalf("fed pigeon changed: %+v", p)
	}
	if len(s.history) != 1 || s.history[0].Shortage || s.history[0].GameDay != "2026-06-03" {
		t.Fatalf("unexpected history %+v", s.history)
	}
}

func TestFeedPigeonsShortagePenalties(t *testing.T) {
	tests := []struct {
		name       string
		streak     int
		health     float64
		wantHealth float64
		wantStreak int
	}{
		{"first shortage costs five percent", 0, 80, 76, 1},
		{"second shortage costs ten percent", 1, 80, 72, 2},
		{"long streak keeps costing ten percent", 6, 50, 45, 7},
		{"fractional health is not rounded", 0, 33.33, 33.33 * (1 - FirstShortagePenalty), 1},
		{"health never goes negative", 3, 0, 0, 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newMemStore()
			s.mixes[seedMix.ID] = seedMix
			s.addPigeon(loft(seedMix.ID, tc.health, tc.streak))

			report, err := newTestBatch(s, Options{}).FeedPigeons(context.Background(), feedDay)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if report.Shortages != 1 {
				t.Fatalf("expected one shortage, got %+v", report)
			}
			p := s.pigeons["p-1"]
			if math.Abs(p.Health-tc.wantHealth) > 1e-9 || p.ShortageStreak != tc.wantStreak {
				t.Fatalf("got health=%v streak=%d want health=%v streak=%d", p.Health, p.ShortageStreak, tc.wantHealth, tc.wantStreak)
			}
			if len(s.history) != 1 || !s.history[0].Shortage {
				t.Fatalf("expected one shortage history row, got %+v", s.history)
			}
		})
	}
}

func TestFeedPigeonsPartialStockIsAllOrNothing(t *testing.T) {
	s := newMemStore()
	s.mixes[seedMix.ID] = seedMix
	s.addPigeon(loft(seedMix.ID, 90, 0))
	s.inventory["u-1"] = Inventory{"corn": 500, "peas": 10, "wheat": 500}

	if _, err := newTestBatch(s, Options{}).FeedPigeons(context.Background(), feedDay); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inv := s.inventory["u-1"]
	if inv["corn"] != 500 || inv["peas"] != 10 || inv["wheat"] != 500 {
		t.Fatalf("shortage must not deduct anything, got %+v", inv)
	}
	if p := s.pigeons["p-1"]; p.ShortageStreak != 1 || math.Abs(p.Health-85.5) > 1e-9 {
		t.Fatalf("unexpected pigeon after shortage %+v", p)
	}
}

func TestFeedPigeonsSkipsPigeonsWithoutMix(t *testing.T) {
	s := newMemStore()
	s.addPigeon(loft("", 70, 2))
	dead := loft(seedMix.ID, 0, 0)
	dead.ID, dead.Status = "p-2", pigeon.StatusDeceased
	s.addPigeon(dead)
	s.mixes[seedMix.ID] = seedMix

	report, err := newTestBatch(s, Options{}).FeedPigeons(context.Background(), feedDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Skipped != 2 || len(s.history) != 0 {
		t.Fatalf("expected two skips and no history, got %+v / %+v", report, s.history)
	}
	if p := s.pigeons["p-1"]; p.ShortageStreak != 2 || p.Health != 70 {
		t.Fatalf("skipped pigeon changed: %+v", p)
	}
}

func TestFeedPigeonsIsIdempotentPerDay(t *testing.T) {
	s := newMemStore()
	s.mixes[seedMix.ID] = seedMix
	s.addPigeon(loft(seedMix.ID, 80, 0))
	s.inventory["u-1"] = Inventory{"corn": 500, "peas": 500, "wheat": 500}
	b := newTestBatch(s, Options{})

	if _, err := b.FeedPigeons(context.Background(), feedDay); err != nil {
		t.Fatalf("first run: %v", err)
	}
	again, err := b.FeedPigeons(context.Background(), feedDay.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.AlreadyFed != 1 || again.Fed != 0 {
		t.Fatalf("expected already-fed on rerun, got %+v", again)
	}
	if s.inventory["u-1"]["corn"] != 450 || len(s.history) != 1 {
		t.Fatalf("rerun double-applied: inv=%+v history=%d", s.inventory["u-1"], len(s.history))
	}

	if _, err := b.FeedPigeons(context.Background(), feedDay.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("next day: %v", err)
	}
	if s.inventory["u-1"]["corn"] != 400 || len(s.history) != 2 {
		t.Fatalf("next day should feed again: inv=%+v history=%d", s.inventory["u-1"], len(s.history))
	}
}

func TestFeedPigeonsToleratesPerPigeonFailures(t *testing.T) {
	s := newMemStore()
	s.mixes[seedMix.ID] = seedMix
	broken := loft(seedMix.ID, 80, 0)
	broken.ID = "p-broken"
	s.addPigeon(broken)
	s.addPigeon(loft(seedMix.ID, 80, 0))
	s.inventory["u-1"] = Inventory{"corn": 500, "peas": 500, "wheat": 500}
	s.failPigeon = "p-broken"

	report, err := newTestBatch(s, Options{}).FeedPigeons(context.Background(), feedDay)
	if err != nil {
		t.Fatalf("batch must not abort: %v", err)
	}
	if report.Fed != 1 || len(report.Failures) != 1 || report.Failures[0].PigeonID != "p-broken" {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Err() == nil {
		t.Fatalf("expected joined error for failures")
	}
}

func TestFeedPigeonsSubstitutesDepletedFood(t *testing.T) {
	s := newMemStore()
	s.mixes[seedMix.ID] = seedMix
	s.addPigeon(loft(seedMix.ID, 80, 0))
	s.inventory["u-1"] = Inventory{"corn": 500, "peas": 0, "wheat": 500, "barley": 100}

	if _, err := newTestBatch(s, Options{}).FeedPigeons(context.Background(), feedDay); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inv := s.inventory["u-1"]
	if inv["barley"] != 70 || inv["peas"] != 0 {
		t.Fatalf("expected barley to stand in for peas, got %+v", inv)
	}
	if len(s.history) != 1 || s.history[0].Shortage {
		t.Fatalf("substituted feeding should not be a shortage: %+v", s.history)
	}
	var subbed bool
	for _, l := range s.history[0].Lines {
		if l.FoodID == "barley" && l.SubbedFor == "peas" {
			subbed = true
		}
	}
	if !subbed {
		t.Fatalf("history does not record the substitution: %+v", s.history[0].Lines)
	}
}

func TestFeedGroups(t *testing.T) {
	s := newMemStore()
	s.mixes[seedMix.ID] = seedMix
	a := loft("", 80, 0)
	a.ID = "g-a"
	b := loft("", 80, 1)
	b.ID = "g-b"
	own := loft(seedMix.ID, 80, 0)
	own.ID = "g-own"
	for _, p := range []pigeon.Pigeon{a, b, own} {
		s.addPigeon(p)
	}
	s.groups = []Group{
		{ID: "grp-1", OwnerID: "u-1", Name: "Young birds", MixID: seedMix.ID},
		{ID: "grp-empty", OwnerID: "u-1", Name: "Empty", MixID: seedMix.ID},
		{ID: "grp-nomix", OwnerID: "u-1", Name: "No mix"},
	}
	s.members["grp-1"] = []string{"g-a", "g-b", "g-own"}
	s.members["grp-nomix"] = []string{"g-a"}
	s.inventory["u-1"] = Inventory{"corn": 100, "peas": 100, "wheat": 100}

	report, err := newTestBatch(s, Options{Policy: PolicyIndividualFirst}).FeedGroups(context.Background(), feedDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Fed != 2 || report.Skipped != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if s.pigeons["g-b"].ShortageStreak != 0 {
		t.Fatalf("fed group member should have streak reset")
	}
	for _, h := range s.history {
		if h.GroupID != "grp-1" || h.MixID != seedMix.ID {
			t.Fatalf("history row not attributed to group: %+v", h)
		}
	}
	if len(s.history) != 2 {
		t.Fatalf("expected two history rows, got %d", len(s.history))
	}
}

func TestFeedGroupsBothPolicyFeedsIndividualMembers(t *testing.T) {
	s := newMemStore()
	s.mixes[seedMix.ID] = seedMix
	s.addPigeon(loft(seedMix.ID, 80, 0))
	s.groups = []Group{{ID: "grp-1", OwnerID: "u-1", Name: "Old birds", MixID: seedMix.ID}}
	s.members["grp-1"] = []string{"p-1"}
	s.inventory["u-1"] = Inventory{"corn": 500, "peas": 500, "wheat": 500}

	reports, err := newTestBatch(s, Options{Policy: PolicyBoth}).RunDay(context.Background(), feedDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reports[0].Fed != 1 || reports[1].Fed != 1 {
		t.Fatalf("expected both variants to feed, got %+v", reports)
	}
	if s.inventory["u-1"]["corn"] != 400 {
		t.Fatalf("expected two rations of corn gone, got %+v", s.inventory["u-1"])
	}
}

func TestFeedGroupsEmptyGroupIsNoop(t *testing.T) {
	s := newMemStore()
	s.mixes[seedMix.ID] = seedMix
	s.groups = []Group{{ID: "grp-empty", OwnerID: "u-1", Name: "Empty", MixID: seedMix.ID}}

	report, err := newTestBatch(s, Options{}).FeedGroups(context.Background(), feedDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Fed+report.Shortages+report.Skipped != 0 || len(s.history) != 0 {
		t.Fatalf("empty group produced work: %+v", report)
	}
}

func TestFeedGroupsMemberListFailureContinues(t *testing.T) {
	s := newMemStore()
	s.mixes[seedMix.ID] = seedMix
	s.addPigeon(loft("", 80, 0))
	s.groups = []Group{
		{ID: "grp-bad", OwnerID: "u-1", Name: "Bad", MixID: seedMix.ID},
		{ID: "grp-ok", OwnerID: "u-1", Name: "Good", MixID: seedMix.ID},
	}
	s.members["grp-ok"] = []string{"p-1"}
	s.failMembers = "grp-bad"
	s.inventory["u-1"] = Inventory{"corn": 500, "peas": 500, "wheat": 500}

	report, err := newTestBatch(s, Options{}).FeedGroups(context.Background(), feedDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Failures) != 1 || report.Failures[0].GroupID != "grp-bad" || report.Fed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunDayFeedsGroupsWhenPigeonListFails(t *testing.T) {
	s := newMemStore()
	s.mixes[seedMix.ID] = seedMix
	s.addPigeon(loft("", 80, 0))
	s.groups = []Group{{ID: "grp-1", OwnerID: "u-1", Name: "Young birds", MixID: seedMix.ID}}
	s.members["grp-1"] = []string{"p-1"}
	s.inventory["u-1"] = Inventory{"corn": 500, "peas": 500, "wheat": 500}
	s.failList = true

	reports, err := newTestBatch(s, Options{}).RunDay(context.Background(), feedDay)
	if err == nil {
		t.Fatalf("expected the pigeon list error to be returned")
	}
	if len(reports) != 2 || reports[1].Variant != "groups" || reports[1].Fed != 1 {
		t.Fatalf("group batch should still run, got %+v", reports)
	}
	if len(s.history) != 1 || s.history[0].GroupID != "grp-1" {
		t.Fatalf("expected one group history row, got %+v", s.history)
	}
}
