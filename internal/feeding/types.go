package feeding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"loftrace/internal/pigeon"
)

const (
	DefaultDailyRation = int64(100)

	FirstShortagePenalty    = 0.05
	RepeatedShortagePenalty = 0.10

	// SurplusSharePercent is the part of the ration a zero-allocated slot takes from its substitute.
	SurplusSharePercent = 5
)

var (
	ErrInvalidMix  = errors.New("mix percentages must be 0-100 and sum to 100")
	ErrMixNotFound = errors.New("food mix not found")
)

type MixComponent struct {
	FoodID  string `json:"food_id"`
	Percent int    `json:"percent"`
}

type Mix struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"owner_id"`
	Name       string         `json:"name"`
	Components []MixComponent `json:"components"`
}

type Group struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
	MixID   string `json:"mix_id,omitempty"`
}

// Inventory maps food id to quantity on hand for one owner.
type Inventory map[string]int64

type Line struct {
	FoodID     string `json:"food_id"`
	Quantity   int64  `json:"quantity"`
	SubbedFor  string `json:"substituted_for,omitempty"`
	Percent    int    `json:"percent"`
	Sufficient bool   `json:"sufficient"`
}

// HistoryEntry is one row of the append-only feed ledger.
type HistoryEntry struct {
	PigeonID string    `json:"pigeon_id"`
	MixID    string    `json:"mix_id,omitempty"`
	GroupID  string    `json:"group_id,omitempty"`
	GameDay  string    `json:"game_day"`
	FedAt    time.Time `json:"fed_at"`
	Shortage bool      `json:"shortage"`
	Lines    []Line    `json:"lines"`
}

// Source identifies which batch variant claimed a feeding.
type Source string

const SourcePigeon Source = "pigeon"

func GroupSource(groupID string) Source { return Source("group:" + groupID) }

// Store is the persistence boundary the batch runs against.
type Store interface {
	ListPigeons(ctx context.Context) ([]pigeon.Pigeon, error)
	ListGroups(ctx context.Context) ([]Group, error)
	GroupMembers(ctx context.Context, groupID string) ([]pigeon.Pigeon, error)
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is one pigeon's read-modify-write cycle. All writes commit or roll back together.
type Tx interface {
	Pigeon(ctx context.Context, pigeonID string) (pigeon.Pigeon, error)
	FoodMix(ctx context.Context, mixID string) (Mix, error)
	Inventory(ctx context.Context, ownerID string) (Inventory, error)
	// ClaimDay records that source fed the pigeon on day. It returns false when
	// the claim already exists.
	ClaimDay(ctx context.Context, pigeonID, day string, source Source) (bool, error)
	DeductInventory(ctx context.Context, ownerID, foodID string, qty int64) error
	UpdateCondition(ctx context.Context, pigeonID string, health float64, streak int) error
	AppendHistory(ctx context.Context, entry HistoryEntry) error
}

// ValidateMix checks the percentage invariant the mix editor enforces.
func ValidateMix(components []MixComponent) error {
	if len(components) == 0 {
		return ErrInvalidMix
	}
	seen := make(map[string]bool, len(components))
	total := 0
	for _, c := range components {
		if strings.TrimSpace(c.FoodID) == "" || c.Percent < 0 || c.Percent > 100 {
			return ErrInvalidMix
		}
		if seen[c.FoodID] {
			return fmt.Errorf("%w: food %q listed twice", ErrInvalidMix, c.FoodID)
		}
		seen[c.FoodID] = true
		total += c.Percent
	}
	if total != 100 {
		return ErrInvalidMix
	}
	return nil
}

// GameDay formats the calendar day a run applies to.
func GameDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
