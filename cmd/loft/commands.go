package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	cl "loftrace/internal/cli"
	"loftrace/internal/game"
)

func newPigeonsCmd(apiBase *string) *cobra.Command {
	pigeons := &cobra.Command{
		Use:   "pigeons",
		Short: "List your pigeons",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).ListPigeons(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderPigeons(out)
			return nil
		},
	}
	pigeons.AddCommand(&cobra.Command{
		Use:   "show <pigeon_id>",
		Short: "Show one pigeon's stat sheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			p, err := newClient(apiBase).GetPigeon(ctx, sess.AccessToken, args[0])
			if err != nil {
				return err
			}
			renderPigeonDetail(p)
			return nil
		},
	})
	pigeons.AddCommand(&cobra.Command{
		Use:   "mix <pigeon_id> [mix_id]",
		Short: "Assign a mix to a pigeon; omit the mix to clear it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			mixID := ""
			if len(args) == 2 {
				mixID = args[1]
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if err := newClient(apiBase).AssignPigeonMix(ctx, sess.AccessToken, args[0], mixID); err != nil {
				return err
			}
			if mixID == "" {
				printSuccess("Individual mix cleared.")
			} else {
				printSuccess("Mix assigned.")
			}
			return nil
		},
	})
	return pigeons
}

func newMixCmd(apiBase *string) *cobra.Command {
	mix := &cobra.Command{
		Use:   "mix",
		Short: "Food mix commands",
	}
	mix.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your mixes",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).ListMixes(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderMixes(out)
			return nil
		},
	})
	mix.AddCommand(&cobra.Command{
		Use:   "create <name> <food:percent,...>",
		Short: "Create a mix, e.g. create winter corn:50,peas:30,wheat:20",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			components, err := parseMix(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).CreateMix(ctx, sess.AccessToken, args[0], components, cl.NewIdempotencyKey())
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Mix %s created: %s", out.ID, formatMix(out.Components)))
			return nil
		},
	})
	mix.AddCommand(&cobra.Command{
		Use:   "foods",
		Short: "List the foods a mix may use",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			foods, err := newClient(apiBase).Foods(ctx)
			if err != nil {
				return err
			}
			accent.Println("\n== FOODS ==")
			for _, f := range foods {
				fmt.Printf("%-10s %s\n", f.ID, f.Name)
			}
			fmt.Println()
			return nil
		},
	})
	return mix
}

func newGroupCmd(apiBase *string) *cobra.Command {
	group := &cobra.Command{
		Use:   "group",
		Short: "Pigeon group commands",
	}
	group.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).ListGroups(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderGroups(out)
			return nil
		},
	})
	group.AddCommand(&cobra.Command{
		Use:   "create <name> [mix_id]",
		Short: "Create a group, optionally fed from a mix",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			mixID := ""
			if len(args) == 2 {
				mixID = args[1]
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).CreateGroup(ctx, sess.AccessToken, args[0], mixID, cl.NewIdempotencyKey())
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Group %s created.", out.ID))
			return nil
		},
	})
	group.AddCommand(&cobra.Command{
		Use:   "add <group_id> <pigeon_id>",
		Short: "Move a pigeon into a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if err := newClient(apiBase).AddGroupMember(ctx, sess.AccessToken, args[0], args[1]); err != nil {
				return err
			}
			printSuccess("Pigeon added to group.")
			return nil
		},
	})
	group.AddCommand(&cobra.Command{
		Use:   "mix <group_id> [mix_id]",
		Short: "Set or clear a group's mix",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			mixID := ""
			if len(args) == 2 {
				mixID = args[1]
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if err := newClient(apiBase).AssignGroupMix(ctx, sess.AccessToken, args[0], mixID); err != nil {
				return err
			}
			printSuccess("Group mix updated.")
			return nil
		},
	})
	return group
}

func newInventoryCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "inventory",
		Short: "Show your food store",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).Inventory(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderInventory(out)
			return nil
		},
	}
}

func newFeedCmd(apiBase *string) *cobra.Command {
	feed := &cobra.Command{
		Use:   "feed",
		Short: "Feeding log commands",
	}
	var pigeonID string
	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "Show recent feedings",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).FeedHistory(ctx, sess.AccessToken, pigeonID, limit)
			if err != nil {
				return err
			}
			renderHistory(out)
			return nil
		},
	}
	history.Flags().StringVar(&pigeonID, "pigeon", "", "only this pigeon")
	history.Flags().IntVar(&limit, "limit", 30, "max rows")
	feed.AddCommand(history)
	return feed
}

func newLeaderboardCmd(apiBase *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Season leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).Leaderboard(ctx, sess.AccessToken, limit)
			if err != nil {
				return err
			}
			renderLeaderboard(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", game.DefaultLeaderboardLimit, "rows to show")
	return cmd
}

func newRaceCmd(apiBase *string) *cobra.Command {
	raceCmd := &cobra.Command{
		Use:   "race",
		Short: "Race commands",
	}
	raceCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent races",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).ListRaces(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderRaces(out)
			return nil
		},
	})

	var distance, wind float64
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Open a new race for entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).CreateRace(ctx, sess.AccessToken, args[0], distance, wind, cl.NewIdempotencyKey())
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Race %s open: %.0f km, wind %.0f km/h.", out.ID, out.DistanceKm, out.WindKph))
			return nil
		},
	}
	create.Flags().Float64Var(&distance, "distance", 300, "race distance in km")
	create.Flags().Float64Var(&wind, "wind", 10, "wind in km/h")
	raceCmd.AddCommand(create)

	raceCmd.AddCommand(&cobra.Command{
		Use:   "enter <race_id> <pigeon_id>",
		Short: "Enter a pigeon into an open race",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if err := newClient(apiBase).EnterRace(ctx, sess.AccessToken, args[0], args[1]); err != nil {
				return err
			}
			printSuccess("Entered.")
			return nil
		},
	})
	raceCmd.AddCommand(&cobra.Command{
		Use:   "run <race_id>",
		Short: "Fly a race you organised",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).RunRace(ctx, sess.AccessToken, args[0])
			if err != nil {
				return err
			}
			renderResults(out)
			return nil
		},
	})
	raceCmd.AddCommand(&cobra.Command{
		Use:   "results <race_id>",
		Short: "Show final results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).RaceResults(ctx, sess.AccessToken, args[0])
			if err != nil {
				return err
			}
			renderResults(out)
			return nil
		},
	})

	var at float64
	standings := &cobra.Command{
		Use:   "standings <race_id>",
		Short: "Standings at a point in the race",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			client := newClient(apiBase)
			r, err := client.RaceResults(ctx, sess.AccessToken, args[0])
			if err != nil {
				return err
			}
			out, err := client.RaceStandings(ctx, sess.AccessToken, args[0], at)
			if err != nil {
				return err
			}
			renderStandings(out, r.Race.DistanceKm)
			return nil
		},
	}
	standings.Flags().Float64Var(&at, "at", 60, "minutes after release")
	raceCmd.AddCommand(standings)

	var replaySpeed float64
	replay := &cobra.Command{
		Use:   "replay <race_id>",
		Short: "Replay a finished race in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			res, err := newClient(apiBase).RaceResults(ctx, sess.AccessToken, args[0])
			if err != nil {
				return err
			}
			return runLocalReplay(res, replaySpeed)
		},
	}
	replay.Flags().Float64Var(&replaySpeed, "speed", 60, "race minutes per second")
	raceCmd.AddCommand(replay)

	var watchSpeed float64
	watch := &cobra.Command{
		Use:   "watch <race_id>",
		Short: "Follow the server's live replay of a race",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			lookupCtx, cancel := withTimeout(cmd)
			r, err := client.RaceResults(lookupCtx, sess.AccessToken, args[0])
			cancel()
			if err != nil {
				return err
			}
			return watchLive(cmd.Context(), client, sess.AccessToken, r, watchSpeed)
		},
	}
	watch.Flags().Float64Var(&watchSpeed, "speed", 0, "race minutes per second (server default when 0)")
	raceCmd.AddCommand(watch)
	return raceCmd
}

func runLocalReplay(res game.RaceResults, speed float64) error {
	if speed <= 0 {
		speed = 60
	}
	final, err := tea.NewProgram(newLocalReplay(res, speed)).Run()
	if err != nil {
		return err
	}
	if m, ok := final.(replayModel); ok && !m.quitting {
		renderResults(res)
	}
	return nil
}

// watchLive pumps websocket frames into the TUI until the race is done or the user quits.
func watchLive(ctx context.Context, client *cl.Client, token string, res game.RaceResults, speed float64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newLiveReplay(res.Race.Name, res.Race.DistanceKm))
	go func() {
		err := client.WatchRace(ctx, token, res.Race.ID, speed, func(f cl.LiveFrame) error {
			p.Send(frameMsg{view: f.StandingsView, done: f.Done})
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			p.Send(streamErrMsg{err: err})
		}
	}()

	final, err := p.Run()
	if err != nil {
		return err
	}
	m, ok := final.(replayModel)
	if !ok {
		return nil
	}
	if m.err != nil {
		return m.err
	}
	if m.done {
		renderResults(res)
	}
	return nil
}

func newSimulateCmd() *cobra.Command {
	var (
		distance float64
		wind     float64
		seed     int64
		count    int
		replay   bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Fly a practice race between random birds, offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			pigeons := practiceField(count, seed)
			out, err := game.Simulate(cmd.Context(), game.SimulateInput{
				Pigeons:    pigeons,
				DistanceKm: distance,
				WindKph:    wind,
				Seed:       seed,
			})
			if err != nil {
				return err
			}
			res := practiceResults(pigeons, distance, wind, out)
			if replay {
				return runLocalReplay(res, 60)
			}
			renderResults(res)
			printInfo(fmt.Sprintf("seed %d", seed))
			return nil
		},
	}
	cmd.Flags().Float64Var(&distance, "distance", 300, "race distance in km")
	cmd.Flags().Float64Var(&wind, "wind", 10, "wind in km/h")
	cmd.Flags().Int64Var(&seed, "seed", 0, "seed for a reproducible race")
	cmd.Flags().IntVar(&count, "birds", 8, "field size")
	cmd.Flags().BoolVar(&replay, "replay", false, "animate the race")
	return cmd
}
