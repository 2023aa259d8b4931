// Package race simulates race outcomes and replays them as covered distance.
package race

import (
	"errors"
	"hash/fnv"
	"math"
	mathrand "math/rand"
	"sort"
	"time"

	"loftrace/internal/pigeon"
)

// EffectKind says how an event changes a pigeon's speed.
type EffectKind string

const (
	EffectBoost    EffectKind = "boost"
	EffectSlowdown EffectKind = "slowdown"
	EffectLost     EffectKind = "lost"
	EffectRecovery EffectKind = "recovery"
)

const (
	ReasonTiredLegs      = "tired legs"
	ReasonFinalSprint    = "final sprint"
	ReasonStrongHeadwind = "strong headwind"
	ReasonGotLost        = "got lost"
	ReasonMiracleFinish  = "miracle finish"
)

const (
	lostChance    = 0.10
	miracleChance = 0.05
)

var (
	ErrInvalidDistance  = errors.New("race distance must be > 0")
	ErrInvalidBaseSpeed = errors.New("base speed must be > 0")
)

// Rand is the source for the lost and miracle draws. *math/rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// Weather is the race-day condition.
type Weather struct {
	WindKph float64 `json:"wind"`
}

// Config describes one race.
type Config struct {
	StartTime  time.Time `json:"start_time"`
	DistanceKm float64   `json:"distance_km"`
	Weather    Weather   `json:"weather"`
}

// Event changes a pigeon's speed from minute T onward.
type Event struct {
	T        int        `json:"t"`
	Effect   EffectKind `json:"effect"`
	Modifier float64    `json:"modifier"`
	Reason   string     `json:"reason"`
}

// Result is created once per pigeon and race. Duration is nil when the pigeon did not finish.
type Result struct {
	PigeonID     string       `json:"pigeon_id"`
	StartTime    time.Time    `json:"start_time"`
	Duration     *int         `json:"duration"`
	DidNotFinish bool         `json:"did_not_finish"`
	DistanceKm   float64      `json:"distance_km"`
	BaseSpeed    float64      `json:"base_speed"`
	Events       []Event      `json:"events"`
	Stats        pigeon.Stats `json:"stats"`
}

func BaseSpeed(s pigeon.Stats) float64 {
	return 0.8*s.Speed + 0.2*s.Endurance
}

// Generate produces the event script for one pigeon in one race.
// It never mutates p and draws from rng at most twice.
func Generate(p pigeon.Pigeon, cfg Config, rng Rand) (Result, error) {
	if cfg.DistanceKm <= 0 || math.IsNaN(cfg.DistanceKm) || math.IsInf(cfg.DistanceKm, 0) {
		return Result{}, ErrInvalidDistance
	}
	stats := p.Stats
	base := BaseSpeed(stats)
	if base <= 0 || math.IsNaN(base) {
		return Result{}, ErrInvalidBaseSpeed
	}

	duration := int(math.Round(cfg.DistanceKm / base * 60))
	out := Result{
		PigeonID:   p.ID,
		StartTime:  cfg.StartTime,
		DistanceKm: cfg.DistanceKm,
		BaseSpeed:  base,
		Events:     make([]Event, 0, 4),
		Stats:      stats,
	}

	if stats.Endurance < 50 {
		out.Events = append(out.Events, Event{T: roundFraction(duration, 0.4), Effect: EffectSlowdown, Modifier: 0.8, Reason: ReasonTiredLegs})
	}
	if stats.Speed > 70 {
		out.Events = append(out.Events, Event{T: duration - 100, Effect: EffectBoost, Modifier: 1.2, Reason: ReasonFinalSprint})
	}
	if cfg.Weather.WindKph > 20 && stats.Aerodynamics < 50 {
		out.Events = append(out.Events, Event{T: roundFraction(duration, 0.6), Effect: EffectSlowdown, Modifier: 0.7, Reason: ReasonStrongHeadwind})
	}

	if stats.SkyIQ < 30 && rng.Float64() < lostChance {
		out.Events = append(out.Events, Event{T: roundFraction(duration, 0.5), Effect: EffectLost, Modifier: 0, Reason: ReasonGotLost})
		out.DidNotFinish = true
		sortEvents(out.Events)
		return out, nil
	}

	if stats.Morale > 80 && rng.Float64() < miracleChance {
		out.Events = append(out.Events, Event{T: duration - 10, Effect: EffectRecovery, Modifier: 1.5, Reason: ReasonMiracleFinish})
	}

	sortEvents(out.Events)
	out.Duration = &duration
	return out, nil
}

// SeededRand derives a per-entrant source from the race seed so a stored race
// simulates identically every time.
func SeededRand(raceSeed int64, pigeonID string) *mathrand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(pigeonID))
	return mathrand.New(mathrand.NewSource(raceSeed ^ int64(h.Sum64())))
}

func roundFraction(duration int, f float64) int {
	return int(math.Round(f * float64(duration)))
}

func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].T < events[j].T })
}
