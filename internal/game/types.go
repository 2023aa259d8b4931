package game

import (
	"time"

	"loftrace/internal/feeding"
	"loftrace/internal/pigeon"
	"loftrace/internal/race"
)

type RaceStatus string

const (
	RaceOpen     RaceStatus = "open"
	RaceFinished RaceStatus = "finished"
)

type InventoryItem struct {
	FoodID   string `json:"food_id"`
	Name     string `json:"name"`
	Quantity int64  `json:"quantity"`
}

type GroupView struct {
	feeding.Group
	Members []string `json:"members"`
}

type CreateMixInput struct {
	UserID         string
	Name           string
	Components     []feeding.MixComponent
	IdempotencyKey string
}

type CreateGroupInput struct {
	UserID         string
	Name           string
	MixID          string
	IdempotencyKey string
}

type CreateRaceInput struct {
	UserID         string
	Name           string
	DistanceKm     float64
	WindKph        float64
	StartAt        time.Time
	IdempotencyKey string
}

type RaceView struct {
	ID         string     `json:"id"`
	SeasonID   int64      `json:"season_id"`
	OwnerID    string     `json:"owner_id"`
	Name       string     `json:"name"`
	DistanceKm float64    `json:"distance_km"`
	WindKph    float64    `json:"wind_kph"`
	StartAt    time.Time  `json:"start_at"`
	Status     RaceStatus `json:"status"`
	Seed       int64      `json:"seed"`
	Entrants   int        `json:"entrants"`
	RunAt      *time.Time `json:"run_at,omitempty"`
}

func (r RaceView) Config() race.Config {
	return race.Config{StartTime: r.StartAt, DistanceKm: r.DistanceKm, Weather: race.Weather{WindKph: r.WindKph}}
}

// RaceEntry is one persisted result row with its final placing.
type RaceEntry struct {
	Result     race.Result `json:"result"`
	PigeonName string      `json:"pigeon_name"`
	OwnerID    string      `json:"owner_id"`
	Rank       int         `json:"rank"`
	Points     int         `json:"points"`
}

type RaceResults struct {
	Race    RaceView    `json:"race"`
	Entries []RaceEntry `json:"entries"`
}

type StandingsView struct {
	RaceID    string            `json:"race_id"`
	AtMinutes float64           `json:"at_minutes"`
	Standings []race.Standing   `json:"standings"`
	Names     map[string]string `json:"names"`
}

type SimulateInput struct {
	Pigeons    []pigeon.Pigeon `json:"pigeons"`
	DistanceKm float64         `json:"distance_km"`
	WindKph    float64         `json:"wind_kph"`
	StartAt    time.Time       `json:"start_at"`
	Seed       int64           `json:"seed"`
}

type SimulateOutput struct {
	Results   []race.Result   `json:"results"`
	Standings []race.Standing `json:"standings"`
}

type LeaderboardRow struct {
	Rank     int64  `json:"rank"`
	Username string `json:"username"`
	Points   int64  `json:"points"`
	Races    int64  `json:"races"`
	Wins     int64  `json:"wins"`
}
