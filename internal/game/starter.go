package game

import (
	mathrand "math/rand"

	"github.com/google/uuid"

	"loftrace/internal/feeding"
	"loftrace/internal/pigeon"
)

var starterNames = []string{
	"Blue Bar", "Red Check", "Silver Dun", "Mealy", "Grizzle", "Pied Flight",
	"Velvet", "Slate", "Ash Red", "Bronze Wing", "Storm", "Homer",
}

var starterInventory = []struct {
	FoodID string
	Units  int64
}{
	{"corn", 500},
	{"peas", 500},
	{"wheat", 500},
}

var defaultMix = []feeding.MixComponent{
	{FoodID: "corn", Percent: 50},
	{FoodID: "peas", Percent: 30},
	{FoodID: "wheat", Percent: 20},
}

type Food struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var foodCatalog = []Food{
	{"corn", "Maize"},
	{"peas", "Maple peas"},
	{"wheat", "Wheat"},
	{"barley", "Barley"},
	{"millet", "White millet"},
	{"sorghum", "Red sorghum"},
	{"safflower", "Safflower"},
	{"hemp", "Hemp seed"},
	{"grit", "Mineral grit"},
}

// FoodCatalog lists every food a mix may use.
func FoodCatalog() []Food {
	return append([]Food(nil), foodCatalog...)
}

// StarterKit is what a new player begins with.
type StarterKit struct {
	Stock   feeding.Inventory
	Mix     feeding.Mix
	Pigeons []pigeon.Pigeon
}

func NewStarterKit(ownerID string, rng *mathrand.Rand) StarterKit {
	kit := StarterKit{
		Stock: feeding.Inventory{},
		Mix: feeding.Mix{
			ID:         uuid.NewString(),
			OwnerID:    ownerID,
			Name:       "Loft standard",
			Components: append([]feeding.MixComponent(nil), defaultMix...),
		},
	}
	for _, it := range starterInventory {
		kit.Stock[it.FoodID] = it.Units
	}
	for i := 0; i < StarterPigeons; i++ {
		stats := pigeon.Randomize(rng.Float64, 35, 85)
		stats.Health = pigeon.MaxStat
		kit.Pigeons = append(kit.Pigeons, pigeon.Pigeon{
			ID:      uuid.NewString(),
			OwnerID: ownerID,
			Name:    starterNames[rng.Intn(len(starterNames))],
			Status:  pigeon.StatusActive,
			Health:  pigeon.MaxStat,
			MixID:   kit.Mix.ID,
			Stats:   stats,
		})
	}
	return kit
}
