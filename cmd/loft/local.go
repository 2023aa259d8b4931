package main

import (
	"fmt"
	"io"
	"log/slog"
	mathrand "math/rand"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	cl "loftrace/internal/cli"
	"loftrace/internal/feeding"
	"loftrace/internal/game"
	"loftrace/internal/localstore"
	"loftrace/internal/pigeon"
	"loftrace/internal/race"
)

const localOwner = "local"

// The local loft lives in SQLite next to the session file and needs no server.
func newLocalCmd() *cobra.Command {
	var dbPath string
	local := &cobra.Command{
		Use:   "local",
		Short: "Keep an offline loft on this machine",
	}
	local.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite file (default ~/.loft/local.db)")

	open := func() (*localstore.Store, error) {
		path := dbPath
		if path == "" {
			dir, err := cl.BaseDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "local.db")
		}
		return localstore.Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}

	local.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Stock a new local loft with starter birds and food",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := cmd.Context()

			existing, err := s.ListPigeons(ctx)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				printWarn("Local loft already exists.")
				renderPigeons(existing)
				return nil
			}
			for _, f := range game.FoodCatalog() {
				if err := s.PutFood(ctx, f.ID, f.Name); err != nil {
					return err
				}
			}
			kit := game.NewStarterKit(localOwner, mathrand.New(mathrand.NewSource(time.Now().UnixNano())))
			for food, qty := range kit.Stock {
				if err := s.SetStock(ctx, localOwner, food, qty); err != nil {
					return err
				}
			}
			if err := s.SaveMix(ctx, kit.Mix); err != nil {
				return err
			}
			for _, p := range kit.Pigeons {
				if err := s.SavePigeon(ctx, p); err != nil {
					return err
				}
			}
			printSuccess(fmt.Sprintf("Local loft ready with %d birds on %q.", len(kit.Pigeons), kit.Mix.Name))
			renderPigeons(kit.Pigeons)
			return nil
		},
	})

	local.AddCommand(&cobra.Command{
		Use:   "pigeons",
		Short: "List local birds and the food store",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			pigeons, err := s.ListPigeons(cmd.Context())
			if err != nil {
				return err
			}
			renderPigeons(pigeons)
			stock, err := s.Stock(cmd.Context(), localOwner)
			if err != nil {
				return err
			}
			renderStock(stock)
			return nil
		},
	})

	var (
		day    string
		days   int
		ration int64
		policy string
	)
	feed := &cobra.Command{
		Use:   "feed",
		Short: "Run the daily feeding batch against the local loft",
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := feeding.ParsePolicy(policy)
			if err != nil {
				return err
			}
			start := time.Now().UTC()
			if day != "" {
				start, err = time.Parse("2006-01-02", day)
				if err != nil {
					return fmt.Errorf("--day must be YYYY-MM-DD: %w", err)
				}
			}
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()

			batch := feeding.NewBatch(s, slog.New(slog.NewTextHandler(io.Discard, nil)), feeding.Options{Ration: ration, Policy: pol})
			for i := 0; i < max(days, 1); i++ {
				d := start.AddDate(0, 0, i)
				reports, err := batch.RunDay(cmd.Context(), d)
				for _, r := range reports {
					line := fmt.Sprintf("%s %-7s fed=%d short=%d skipped=%d already=%d", r.Day, r.Variant, r.Fed, r.Shortages, r.Skipped, r.AlreadyFed)
					if len(r.Failures) > 0 || r.Shortages > 0 {
						printWarn(line)
					} else {
						printInfo(line)
					}
					for _, f := range r.Failures {
						printError("  " + f.Error())
					}
				}
				if err != nil {
					return err
				}
			}
			stock, err := s.Stock(cmd.Context(), localOwner)
			if err != nil {
				return err
			}
			renderStock(stock)
			return nil
		},
	}
	feed.Flags().StringVar(&day, "day", "", "game day to feed (default today, UTC)")
	feed.Flags().IntVar(&days, "days", 1, "consecutive days to feed")
	feed.Flags().Int64Var(&ration, "ration", feeding.DefaultDailyRation, "daily ration per bird")
	feed.Flags().StringVar(&policy, "policy", string(feeding.PolicyIndividualFirst), "individual-first or both")
	local.AddCommand(feed)

	local.AddCommand(&cobra.Command{
		Use:   "history [pigeon_id]",
		Short: "Show the local feeding log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			pigeonID := ""
			if len(args) == 1 {
				pigeonID = args[0]
			}
			out, err := s.History(cmd.Context(), pigeonID)
			if err != nil {
				return err
			}
			renderHistory(out)
			return nil
		},
	})

	var distance, wind float64
	raceCmd := &cobra.Command{
		Use:   "race",
		Short: "Fly the local birds in a practice race",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			pigeons, err := s.ListPigeons(cmd.Context())
			if err != nil {
				return err
			}
			field := make([]pigeon.Pigeon, 0, len(pigeons))
			for _, p := range pigeons {
				if p.Status.CanRace() {
					field = append(field, p)
				}
			}
			seed := time.Now().UnixNano()
			out, err := game.Simulate(cmd.Context(), game.SimulateInput{Pigeons: field, DistanceKm: distance, WindKph: wind, Seed: seed})
			if err != nil {
				return err
			}
			return runLocalReplay(practiceResults(field, distance, wind, out), 60)
		},
	}
	raceCmd.Flags().Float64Var(&distance, "distance", 150, "race distance in km")
	raceCmd.Flags().Float64Var(&wind, "wind", 10, "wind in km/h")
	local.AddCommand(raceCmd)
	return local
}

// practiceField draws n random birds; the same seed always gives the same field.
func practiceField(n int, seed int64) []pigeon.Pigeon {
	if n < 1 {
		n = 1
	}
	rng := mathrand.New(mathrand.NewSource(seed))
	out := make([]pigeon.Pigeon, 0, n)
	for i := 0; i < n; i++ {
		stats := pigeon.Randomize(rng.Float64, 20, 95)
		stats.Health = pigeon.MaxStat
		out = append(out, pigeon.Pigeon{
			ID:     fmt.Sprintf("bird-%d", i+1),
			Name:   fmt.Sprintf("Bird %d", i+1),
			Status: pigeon.StatusActive,
			Health: pigeon.MaxStat,
			Stats:  stats,
		})
	}
	return out
}

// practiceResults shapes an offline simulation like a stored race so it renders
// and replays the same way.
func practiceResults(field []pigeon.Pigeon, distance, wind float64, out game.SimulateOutput) game.RaceResults {
	names := make(map[string]string, len(field))
	for _, p := range field {
		names[p.ID] = p.Name
	}
	placing := make(map[string]race.Standing, len(out.Standings))
	for _, st := range out.Standings {
		placing[st.PigeonID] = st
	}
	res := game.RaceResults{Race: game.RaceView{
		ID:         "practice",
		Name:       "Practice race",
		DistanceKm: distance,
		WindKph:    wind,
		Status:     game.RaceFinished,
		Entrants:   len(field),
	}}
	for _, r := range out.Results {
		st := placing[r.PigeonID]
		res.Entries = append(res.Entries, game.RaceEntry{
			Result:     r,
			PigeonName: names[r.PigeonID],
			Rank:       st.Rank,
			Points:     race.SeasonPoints(st),
		})
	}
	return res
}
