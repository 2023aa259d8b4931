package race

import (
	"math"
	"sort"
)

// DistanceAt replays r up to t minutes after the start and returns the kilometres covered.
// Speed is piecewise constant between events, so the value never decreases as t grows,
// and it is capped at the race distance. A pigeon that got lost never progresses.
func DistanceAt(t float64, r Result) float64 {
	if r.DidNotFinish || r.Duration == nil || t <= 0 || math.IsNaN(t) {
		return 0
	}
	speed := r.BaseSpeed
	covered := 0.0
	prev := 0.0
	for _, ev := range r.Events {
		at := math.Max(float64(ev.T), 0)
		if t < at {
			break
		}
		covered += (at - prev) / 60 * speed
		prev = at
		if ev.Effect == EffectLost {
			return 0
		}
		speed *= ev.Modifier
	}
	covered += (t - prev) / 60 * speed
	return math.Min(covered, r.DistanceKm)
}

// ArrivalMinutes returns when the replay reaches the race distance.
// ok is false for pigeons that did not finish.
func ArrivalMinutes(r Result) (minutes float64, ok bool) {
	if r.DidNotFinish || r.Duration == nil {
		return 0, false
	}
	speed := r.BaseSpeed
	covered := 0.0
	prev := 0.0
	for _, ev := range r.Events {
		at := math.Max(float64(ev.T), 0)
		leg := (at - prev) / 60 * speed
		if speed > 0 && covered+leg >= r.DistanceKm {
			return prev + (r.DistanceKm-covered)/speed*60, true
		}
		covered += leg
		prev = at
		if ev.Effect == EffectLost {
			return 0, false
		}
		speed *= ev.Modifier
	}
	if speed <= 0 {
		return 0, false
	}
	return prev + (r.DistanceKm-covered)/speed*60, true
}

type Standing struct {
	Rank           int      `json:"rank"`
	PigeonID       string   `json:"pigeon_id"`
	DistanceKm     float64  `json:"distance_km"`
	Finished       bool     `json:"finished"`
	ArrivalMinutes *float64 `json:"arrival_minutes,omitempty"`
	DidNotFinish   bool     `json:"did_not_finish"`
}

// Standings is the leaderboard snapshot at t minutes: arrived pigeons by arrival time,
// then pigeons still flying by distance, then pigeons that got lost.
func Standings(results []Result, t float64) []Standing {
	out := make([]Standing, 0, len(results))
	for _, r := range results {
		st := Standing{
			PigeonID:     r.PigeonID,
			DistanceKm:   DistanceAt(t, r),
			DidNotFinish: r.DidNotFinish,
		}
		if arrival, ok := ArrivalMinutes(r); ok && arrival <= t {
			a := arrival
			st.Finished = true
			st.ArrivalMinutes = &a
			st.DistanceKm = r.DistanceKm
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DidNotFinish != b.DidNotFinish {
			return !a.DidNotFinish
		}
		if a.Finished != b.Finished {
			return a.Finished
		}
		if a.Finished && *a.ArrivalMinutes != *b.ArrivalMinutes {
			return *a.ArrivalMinutes < *b.ArrivalMinutes
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm > b.DistanceKm
		}
		return a.PigeonID < b.PigeonID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// FinalStandings ranks every result once all finishers have arrived.
func FinalStandings(results []Result) []Standing {
	return Standings(results, math.Inf(1))
}

var seasonPoints = []int{10, 8, 6, 5, 4, 3, 2, 1}

// SeasonPoints awards ranking points for a final placing. Lost pigeons score nothing.
func SeasonPoints(st Standing) int {
	if st.DidNotFinish || !st.Finished || st.Rank < 1 || st.Rank > len(seasonPoints) {
		return 0
	}
	return seasonPoints[st.Rank-1]
}
