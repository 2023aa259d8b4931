package game

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"loftrace/internal/feeding"
)

const (
	StarterPigeons   = 3
	StarterFoodUnits = int64(1_500)

	MaxRaceDistanceKm = 1_200.0
	MaxWindKph        = 150.0

	DefaultLeaderboardLimit = 50
)

var (
	ErrPigeonNotFound       = errors.New("pigeon not found")
	ErrMixNotFound          = feeding.ErrMixNotFound
	ErrGroupNotFound        = errors.New("group not found")
	ErrRaceNotFound         = errors.New("race not found")
	ErrRaceClosed           = errors.New("race is already finished")
	ErrRaceNotRun           = errors.New("race has not been run yet")
	ErrNoEntrants           = errors.New("race has no entrants")
	ErrPigeonUnavailable    = errors.New("pigeon is not fit to race")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrTxConflict           = errors.New("transaction conflict, retry")
	ErrInsufficientStock    = errors.New("insufficient food stock")
	ErrInvalidInput         = errors.New("invalid input")
)

var (
	nameRE     = regexp.MustCompile(`^[\p{L}0-9 '_-]{2,32}$`)
	usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{3,24}$`)
)

func validateName(name string) error {
	if !nameRE.MatchString(strings.TrimSpace(name)) {
		return fmt.Errorf("%w: name must be 2-32 letters, digits, spaces, ' _ or -", ErrInvalidInput)
	}
	return nil
}

func ValidateRace(in CreateRaceInput) error {
	if err := validateName(in.Name); err != nil {
		return err
	}
	if in.DistanceKm <= 0 || in.DistanceKm > MaxRaceDistanceKm {
		return fmt.Errorf("%w: distance must be in (0, %.0f] km", ErrInvalidInput, MaxRaceDistanceKm)
	}
	if in.WindKph < 0 || in.WindKph > MaxWindKph {
		return fmt.Errorf("%w: wind must be in [0, %.0f] km/h", ErrInvalidInput, MaxWindKph)
	}
	if in.StartAt.IsZero() {
		return fmt.Errorf("%w: start time is required", ErrInvalidInput)
	}
	return nil
}

func usernameFromEmail(email string) string {
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	return sanitizeUsername(local)
}

func sanitizeUsername(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
		if b.Len() == 24 {
			break
		}
	}
	out := b.String()
	for len(out) < 3 {
		out += "_"
	}
	return out
}

func trimUsername(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
