// Package pigeon holds the pigeon record and its stat sheet.
package pigeon

import (
	"fmt"
	"strings"
)

const MaxStat = 100.0

type Status string

const (
	StatusActive   Status = "active"
	StatusInjured  Status = "injured"
	StatusRetired  Status = "retired"
	StatusDeceased Status = "deceased"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusInjured, StatusRetired, StatusDeceased:
		return st, nil
	default:
		return "", fmt.Errorf("unknown pigeon status %q", s)
	}
}

func (s Status) CanRace() bool {
	return s == StatusActive
}

// CanEat is false only for deceased birds.
func (s Status) CanEat() bool {
	return s != StatusDeceased
}

// Stats is the stat sheet. Every attribute lives in [0, MaxStat].
type Stats struct {
	Speed            float64 `json:"speed"`
	Endurance        float64 `json:"endurance"`
	SkyIQ            float64 `json:"sky_iq"`
	Aerodynamics     float64 `json:"aerodynamics"`
	WingPower        float64 `json:"wing_power"`
	Flapacity        float64 `json:"flapacity"`
	Morale           float64 `json:"morale"`
	Health           float64 `json:"health"`
	Vision           float64 `json:"vision"`
	Navigation       float64 `json:"navigation"`
	Recovery         float64 `json:"recovery"`
	Stamina          float64 `json:"stamina"`
	Agility          float64 `json:"agility"`
	Strength         float64 `json:"strength"`
	Focus            float64 `json:"focus"`
	Discipline       float64 `json:"discipline"`
	Instinct         float64 `json:"instinct"`
	WeatherTolerance float64 `json:"weather_tolerance"`
	HeatTolerance    float64 `json:"heat_tolerance"`
	ColdTolerance    float64 `json:"cold_tolerance"`
	NightFlight      float64 `json:"night_flight"`
	Homing           float64 `json:"homing"`
	Courage          float64 `json:"courage"`
	Curiosity        float64 `json:"curiosity"`
	Temperament      float64 `json:"temperament"`
	Fertility        float64 `json:"fertility"`
	Longevity        float64 `json:"longevity"`
	Immunity         float64 `json:"immunity"`
	Metabolism       float64 `json:"metabolism"`
	Plumage          float64 `json:"plumage"`
}

// fields lists every stat by pointer so validation and generation stay in one place.
func (s *Stats) fields() []*float64 {
	return []*float64{
		&s.Speed, &s.Endurance, &s.SkyIQ, &s.Aerodynamics, &s.WingPower, &s.Flapacity,
		&s.Morale, &s.Health, &s.Vision, &s.Navigation, &s.Recovery, &s.Stamina,
		&s.Agility, &s.Strength, &s.Focus, &s.Discipline, &s.Instinct, &s.WeatherTolerance,
		&s.HeatTolerance, &s.ColdTolerance, &s.NightFlight, &s.Homing, &s.Courage,
		&s.Curiosity, &s.Temperament, &s.Fertility, &s.Longevity, &s.Immunity,
		&s.Metabolism, &s.Plumage,
	}
}

func (s Stats) Validate() error {
	for _, v := range s.fields() {
		if *v < 0 || *v > MaxStat {
			return fmt.Errorf("stat value %.2f outside [0, %.0f]", *v, MaxStat)
		}
	}
	return nil
}

// Randomize fills every stat with a value in [lo, hi) drawn from next.
func Randomize(next func() float64, lo, hi float64) Stats {
	var s Stats
	for _, v := range s.fields() {
		*v = float64(int((lo + next()*(hi-lo)) * 10)) / 10
	}
	return s
}

type Pigeon struct {
	ID             string  `json:"id"`
	OwnerID        string  `json:"owner_id"`
	Name           string  `json:"name"`
	Status         Status  `json:"status"`
	Health         float64 `json:"health"`
	ShortageStreak int     `json:"shortage_streak"`
	MixID          string  `json:"mix_id,omitempty"`
	GroupID        string  `json:"group_id,omitempty"`
	Stats          Stats   `json:"stats"`
}

func (p Pigeon) HasMix() bool {
	return strings.TrimSpace(p.MixID) != ""
}
