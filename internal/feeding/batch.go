// Package feeding runs the daily feeding batch: rations are taken from the owner's
// inventory by food mix, and pigeons that go short lose health.
package feeding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"
)

// Policy decides how the group batch treats members that have their own mix.
type Policy string

const (
	// PolicyIndividualFirst leaves members with an individual mix to the pigeon batch.
	PolicyIndividualFirst Policy = "individual-first"
	// PolicyBoth feeds such members from both batches.
	PolicyBoth Policy = "both"
)

// ParsePolicy reads a policy name; empty means PolicyIndividualFirst.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyIndividualFirst, nil
	case PolicyIndividualFirst, PolicyBoth:
		return p, nil
	default:
		return "", fmt.Errorf("unknown feeding policy %q", s)
	}
}

// Outcome is what happened to one pigeon in one batch.
type Outcome string

const (
	OutcomeFed        Outcome = "fed"
	OutcomeShortage   Outcome = "shortage"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeAlreadyFed Outcome = "already_fed"
	OutcomeFailed     Outcome = "failed"
)

// Recorder observes outcomes; the worker plugs Prometheus counters in here.
type Recorder interface {
	Record(variant string, outcome Outcome)
}

type nopRecorder struct{}

func (nopRecorder) Record(string, Outcome) {}

// Failure is a pigeon or group the batch could not process.
type Failure struct {
	PigeonID string `json:"pigeon_id,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
	Err      error  `json:"-"`
}

func (f Failure) Error() string {
	switch {
	case f.GroupID != "" && f.PigeonID != "":
		return fmt.Sprintf("group %s pigeon %s: %v", f.GroupID, f.PigeonID, f.Err)
	case f.GroupID != "":
		return fmt.Sprintf("group %s: %v", f.GroupID, f.Err)
	default:
		return fmt.Sprintf("pigeon %s: %v", f.PigeonID, f.Err)
	}
}

// Report counts the outcomes of one batch variant for one game day.
type Report struct {
	Variant    string    `json:"variant"`
	Day        string    `json:"day"`
	Fed        int       `json:"fed"`
	Shortages  int       `json:"shortages"`
	Skipped    int       `json:"skipped"`
	AlreadyFed int       `json:"already_fed"`
	Failures   []Failure `json:"failures,omitempty"`
}

// Err joins every per-pigeon failure, or returns nil.
func (r Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

func (r *Report) add(o Outcome) {
	switch o {
	case OutcomeFed:
		r.Fed++
	case OutcomeShortage:
		r.Shortages++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeAlreadyFed:
		r.AlreadyFed++
	}
}

// Options configures a Batch. Zero values fall back to defaults.
type Options struct {
	Ration   int64
	Policy   Policy
	Rand     Rand
	Now      func() time.Time
	Recorder Recorder
}

// Batch feeds pigeons from their owners' inventory. One pigeon is one transaction.
type Batch struct {
	store  Store
	log    *slog.Logger
	ration int64
	policy Policy
	now    func() time.Time
	rec    Recorder

	mu   sync.Mutex
	rand Rand
}

func NewBatch(store Store, logger *slog.Logger, opts Options) *Batch {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Ration <= 0 {
		opts.Ration = DefaultDailyRation
	}
	if opts.Policy == "" {
		opts.Policy = PolicyIndividualFirst
	}
	if opts.Rand == nil {
		opts.Rand = mathrand.New(mathrand.NewSource(time.Now().UnixNano()))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	return &Batch{
		store:  store,
		log:    logger,
		ration: opts.Ration,
		policy: opts.Policy,
		now:    opts.Now,
		rec:    opts.Recorder,
		rand:   opts.Rand,
	}
}

// RunDay runs the pigeon batch and then the group batch for day. The group batch runs
// even when the pigeon batch could not start; both errors are joined.
func (b *Batch) RunDay(ctx context.Context, day time.Time) ([]Report, error) {
	pigeons, perr := b.FeedPigeons(ctx, day)
	groups, gerr := b.FeedGroups(ctx, day)
	return []Report{pigeons, groups}, errors.Join(perr, gerr)
}

// FeedPigeons feeds every pigeon that has an individually assigned mix.
func (b *Batch) FeedPigeons(ctx context.Context, day time.Time) (Report, error) {
	report := Report{Variant: "pigeons", Day: GameDay(day)}
	pigeons, err := b.store.ListPigeons(ctx)
	if err != nil {
		return report, fmt.Errorf("list pigeons: %w", err)
	}
	for _, p := range pigeons {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !p.HasMix() || !p.Status.CanEat() {
			b.count(&report, OutcomeSkipped)
			continue
		}
		outcome, err := b.feedOne(ctx, p.ID, p.MixID, "", SourcePigeon, report.Day)
		if err != nil {
			b.fail(&report, Failure{PigeonID: p.ID, Err: err})
			continue
		}
		b.count(&report, outcome)
	}
	b.log.Info("pigeon feeding complete", "day", report.Day, "fed", report.Fed, "shortages", report.Shortages,
		"skipped", report.Skipped, "already_fed", report.AlreadyFed, "failures", len(report.Failures))
	return report, nil
}

// FeedGroups feeds the members of every group that has a mix, using the group's mix.
func (b *Batch) FeedGroups(ctx context.Context, day time.Time) (Report, error) {
	report := Report{Variant: "groups", Day: GameDay(day)}
	groups, err := b.store.ListGroups(ctx)
	if err != nil {
		return report, fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if strings.TrimSpace(g.MixID) == "" {
			continue
		}
		members, err := b.store.GroupMembers(ctx, g.ID)
		if err != nil {
			b.fail(&report, Failure{GroupID: g.ID, Err: fmt.Errorf("list members: %w", err)})
			continue
		}
		for _, m := range members {
			if !m.Status.CanEat() || (b.policy == PolicyIndividualFirst && m.HasMix()) {
				b.count(&report, OutcomeSkipped)
				continue
			}
			outcome, err := b.feedOne(ctx, m.ID, g.MixID, g.ID, GroupSource(g.ID), report.Day)
			if err != nil {
				b.fail(&report, Failure{GroupID: g.ID, PigeonID: m.ID, Err: err})
				continue
			}
			b.count(&report, outcome)
		}
	}
	b.log.Info("group feeding complete", "day", report.Day, "fed", report.Fed, "shortages", report.Shortages,
		"skipped", report.Skipped, "already_fed", report.AlreadyFed, "failures", len(report.Failures))
	return report, nil
}

func (b *Batch) feedOne(ctx context.Context, pigeonID, mixID, groupID string, source Source, day string) (Outcome, error) {
	var outcome Outcome
	err := b.store.InTx(ctx, func(tx Tx) error {
		p, err := tx.Pigeon(ctx, pigeonID)
		if err != nil {
			return fmt.Errorf("load pigeon: %w", err)
		}
		claimed, err := tx.ClaimDay(ctx, p.ID, day, source)
		if err != nil {
			return fmt.Errorf("claim day: %w", err)
		}
		if !claimed {
			outcome = OutcomeAlreadyFed
			return nil
		}
		mix, err := tx.FoodMix(ctx, mixID)
		if err != nil {
			return fmt.Errorf("load mix %s: %w", mixID, err)
		}
		inv, err := tx.Inventory(ctx, p.OwnerID)
		if err != nil {
			return fmt.Errorf("load inventory: %w", err)
		}
		if inv == nil {
			inv = Inventory{}
		}

		plan := b.plan(mix, inv)
		entry := HistoryEntry{
			PigeonID: p.ID,
			MixID:    mix.ID,
			GroupID:  groupID,
			GameDay:  day,
			FedAt:    b.now().UTC(),
			Lines:    plan.Lines,
		}

		if plan.Sufficient() {
			for food, qty := range plan.Totals() {
				if err := tx.DeductInventory(ctx, p.OwnerID, food, qty); err != nil {
					return fmt.Errorf("deduct %s: %w", food, err)
				}
			}
			if err := tx.UpdateCondition(ctx, p.ID, p.Health, 0); err != nil {
				return fmt.Errorf("reset streak: %w", err)
			}
			outcome = OutcomeFed
		} else {
			entry.Shortage = true
			health := ShortagePenalty(p.Health, p.ShortageStreak)
			if err := tx.UpdateCondition(ctx, p.ID, health, p.ShortageStreak+1); err != nil {
				return fmt.Errorf("apply shortage: %w", err)
			}
			b.log.Warn("feeding shortage", "pigeon_id", p.ID, "owner_id", p.OwnerID, "streak", p.ShortageStreak+1,
				"health_before", p.Health, "health_after", health)
			outcome = OutcomeShortage
		}
		if err := tx.AppendHistory(ctx, entry); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
		return nil
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}

func (b *Batch) plan(mix Mix, inv Inventory) Plan {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BuildPlan(mix, inv, b.ration, b.rand)
}

func (b *Batch) count(r *Report, o Outcome) {
	r.add(o)
	b.rec.Record(r.Variant, o)
}

func (b *Batch) fail(r *Report, f Failure) {
	r.Failures = append(r.Failures, f)
	b.rec.Record(r.Variant, OutcomeFailed)
	b.log.Error("feeding failed", "variant", r.Variant, "pigeon_id", f.PigeonID, "group_id", f.GroupID, "err", f.Err)
}
