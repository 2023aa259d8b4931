package feeding

import "sort"

// Rand picks substitutes. *math/rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
}

// Plan is the list of foods one feeding needs, after substitution.
type Plan struct {
	Lines []Line
}

// Sufficient reports whether every line can be served from stock.
func (p Plan) Sufficient() bool {
	for _, l := range p.Lines {
		if !l.Sufficient {
			return false
		}
	}
	return true
}

// Totals sums the quantity needed per food.
func (p Plan) Totals() map[string]int64 {
	out := make(map[string]int64, len(p.Lines))
	for _, l := range p.Lines {
		if l.Quantity > 0 {
			out[l.FoodID] += l.Quantity
		}
	}
	return out
}

// RationShare is the whole number of units a component needs from the daily ration.
func RationShare(ration int64, percent int) int64 {
	if ration <= 0 || percent <= 0 {
		return 0
	}
	return (ration*int64(percent) + 99) / 100
}

// BuildPlan splits the ration over the mix. A component whose food is out of stock is
// swapped for a uniformly random other food that has enough stock and is not already part
// of the plan. A zero-allocated slot draws SurplusSharePercent of the ration from such a
// food, so idle stock gets used.
func BuildPlan(mix Mix, inv Inventory, ration int64, rng Rand) Plan {
	taken := make(map[string]bool, len(mix.Components))
	for _, c := range mix.Components {
		if c.Percent > 0 {
			taken[c.FoodID] = true
		}
	}

	plan := Plan{Lines: make([]Line, 0, len(mix.Components))}
	for _, c := range mix.Components {
		qty := RationShare(ration, c.Percent)
		line := Line{FoodID: c.FoodID, Quantity: qty, Percent: c.Percent}
		switch {
		case c.Percent == 0:
			share := RationShare(ration, SurplusSharePercent)
			if sub, ok := pickSubstitute(inv, taken, max(share, 1), rng); ok {
				taken[sub] = true
				line.FoodID, line.SubbedFor, line.Quantity = sub, c.FoodID, share
			}
		case inv[c.FoodID] <= 0:
			if sub, ok := pickSubstitute(inv, taken, qty, rng); ok {
				taken[sub] = true
				line.FoodID, line.SubbedFor = sub, c.FoodID
			}
		}
		plan.Lines = append(plan.Lines, line)
	}

	totals := plan.Totals()
	for i := range plan.Lines {
		l := &plan.Lines[i]
		l.Sufficient = l.Quantity == 0 || inv[l.FoodID] >= totals[l.FoodID]
	}
	return plan
}

func pickSubstitute(inv Inventory, taken map[string]bool, need int64, rng Rand) (string, bool) {
	candidates := make([]string, 0, len(inv))
	for food, qty := range inv {
		if !taken[food] && qty >= need && qty > 0 {
			candidates = append(candidates, food)
		}
	}
	if len(candidates) == 0 || rng == nil {
		return "", false
	}
	sort.Strings(candidates)
	return candidates[rng.Intn(len(candidates))], true
}

// ShortagePenalty returns the health kept after a shortage day. priorStreak is the
// streak before today is counted: the first shortage costs 5%, later ones 10%.
func ShortagePenalty(health float64, priorStreak int) float64 {
	rate := RepeatedShortagePenalty
	if priorStreak <= 0 {
		rate = FirstShortagePenalty
	}
	next := health * (1 - rate)
	if next < 0 {
		return 0
	}
	return next
}
