package feeding

import (
	"errors"
	"math"
	mathrand "math/rand"
	"testing"
)

func TestRationShare(t *testing.T) {
	tests := []struct {
		ration  int64
		percent int
		want    int64
	}{
		{100, 50, 50},
		{100, 0, 0},
		{60, 33, 20},
		{7, 50, 4},
		{0, 50, 0},
	}
	for _, tc := range tests {
		if got := RationShare(tc.ration, tc.percent); got != tc.want {
			t.Fatalf("ration=%d percent=%d got %d want %d", tc.ration, tc.percent, got, tc.want)
		}
	}
}

func TestValidateMix(t *testing.T) {
	ok := []MixComponent{{FoodID: "corn", Percent: 60}, {FoodID: "peas", Percent: 40}, {FoodID: "grit", Percent: 0}}
	if err := ValidateMix(ok); err != nil {
		t.Fatalf("expected valid mix: %v", err)
	}
	bad := [][]MixComponent{
		nil,
		{{FoodID: "corn", Percent: 90}},
		{{FoodID: "corn", Percent: 50}, {FoodID: "corn", Percent: 50}},
		{{FoodID: "corn", Percent: 110}, {FoodID: "peas", Percent: -10}},
		{{FoodID: " ", Percent: 100}},
	}
	for _, m := range bad {
		if err := ValidateMix(m); !errors.Is(err, ErrInvalidMix) {
			t.Fatalf("expected ErrInvalidMix for %+v, got %v", m, err)
		}
	}
}

func TestBuildPlanZeroAllocatedSlotTakesStockedFood(t *testing.T) {
	mix := Mix{ID: "m", Components: []MixComponent{
		{FoodID: "corn", Percent: 100},
		{FoodID: "grit", Percent: 0},
	}}
	inv := Inventory{"corn": 200, "grit": 0, "hemp": 0, "millet": 5}
	plan := BuildPlan(mix, inv, 100, mathrand.New(mathrand.NewSource(3)))

	if !plan.Sufficient() {
		t.Fatalf("expected sufficient plan: %+v", plan)
	}
	slot := plan.Lines[1]
	if slot.FoodID != "millet" || slot.SubbedFor != "grit" || slot.Quantity != 5 {
		t.Fatalf("zero slot should draw a surplus share from the only stocked spare food, got %+v", slot)
	}
	if totals := plan.Totals(); totals["corn"] != 100 || totals["millet"] != 5 || len(totals) != 2 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestBuildPlanZeroSlotIgnoresFoodsTooLowForSurplusShare(t *testing.T) {
	mix := Mix{ID: "m", Components: []MixComponent{
		{FoodID: "corn", Percent: 100},
		{FoodID: "grit", Percent: 0},
	}}
	inv := Inventory{"corn": 200, "millet": 4}
	plan := BuildPlan(mix, inv, 100, mathrand.New(mathrand.NewSource(3)))

	if !plan.Sufficient() {
		t.Fatalf("an unfilled zero slot must not cause a shortage: %+v", plan)
	}
	if slot := plan.Lines[1]; slot.SubbedFor != "" || slot.Quantity != 0 {
		t.Fatalf("millet cannot cover the surplus share, got %+v", slot)
	}
}

func TestBuildPlanWithoutStockIsShort(t *testing.T) {
	plan := BuildPlan(seedMix, Inventory{}, 100, mathrand.New(mathrand.NewSource(3)))
	if plan.Sufficient() {
		t.Fatalf("empty inventory cannot satisfy a plan")
	}
	for _, l := range plan.Lines {
		if l.SubbedFor != "" {
			t.Fatalf("nothing to substitute with, got %+v", l)
		}
	}
}

func TestShortagePenalty(t *testing.T) {
	tests := []struct {
		health float64
		streak int
		want   float64
	}{
		{100, 0, 95},
		{100, 4, 90},
		{33.33, 0, 31.6635},
		{12.345, 1, 11.1105},
		{0.01, 0, 0.0095},
		{0, 2, 0},
	}
	for _, tc := range tests {
		if got := ShortagePenalty(tc.health, tc.streak); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("health=%v streak=%d got %v want %v", tc.health, tc.streak, got, tc.want)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyIndividualFirst {
		t.Fatalf("default policy got %q %v", p, err)
	}
	if p, err := ParsePolicy(" BOTH "); err != nil || p != PolicyBoth {
		t.Fatalf("got %q %v", p, err)
	}
	if _, err := ParsePolicy("group-first"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
