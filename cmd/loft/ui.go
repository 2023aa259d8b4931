package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"loftrace/internal/feeding"
	"loftrace/internal/game"
	"loftrace/internal/pigeon"
	"loftrace/internal/race"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Fprintln(os.Stderr, msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// promptPassword reads without echo when stdin is a terminal and falls back to a
// plain line read for piped input.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

var errMixSyntax = errors.New(`mix must look like "corn:50,peas:30,wheat:20"`)

// parseMix reads food:percent pairs. Percentages are checked by the server.
func parseMix(s string) ([]feeding.MixComponent, error) {
	var out []feeding.MixComponent
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		food, pct, ok := strings.Cut(part, ":")
		if !ok {
			return nil, errMixSyntax
		}
		n, err := strconv.Atoi(strings.TrimSpace(pct))
		if err != nil {
			return nil, fmt.Errorf("%w: bad percent %q", errMixSyntax, pct)
		}
		out = append(out, feeding.MixComponent{FoodID: strings.ToLower(strings.TrimSpace(food)), Percent: n})
	}
	if len(out) == 0 {
		return nil, errMixSyntax
	}
	return out, nil
}

func formatMix(components []feeding.MixComponent) string {
	parts := make([]string, 0, len(components))
	for _, c := range components {
		parts = append(parts, fmt.Sprintf("%s %d%%", c.FoodID, c.Percent))
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "~"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func colorizeHealth(h float64) string {
	s := fmt.Sprintf("%6.2f", h)
	switch {
	case h >= 80:
		return color.GreenString(s)
	case h >= 50:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

func renderPigeons(pigeons []pigeon.Pigeon) {
	accent.Println("\n== LOFT ==")
	if len(pigeons) == 0 {
		printInfo("No pigeons yet.")
		return
	}
	fmt.Printf("%-36s %-16s %-9s %6s %6s %6s %6s %-8s %-8s\n", "ID", "NAME", "STATUS", "HEALTH", "SPEED", "ENDUR", "SKYIQ", "MIX", "GROUP")
	for _, p := range pigeons {
		fmt.Printf("%-36s %-16s %-9s %s %6.1f %6.1f %6.1f %-8s %-8s\n",
			p.ID,
			truncate(p.Name, 16),
			p.Status,
			colorizeHealth(p.Health),
			p.Stats.Speed,
			p.Stats.Endurance,
			p.Stats.SkyIQ,
			shortID(p.MixID),
			shortID(p.GroupID),
		)
	}
	fmt.Println()
}

func renderPigeonDetail(p pigeon.Pigeon) {
	accent.Printf("\n== %s ==\n", p.Name)
	fmt.Printf("ID:              %s\n", p.ID)
	fmt.Printf("Status:          %s\n", p.Status)
	fmt.Printf("Health:          %s\n", colorizeHealth(p.Health))
	if p.ShortageStreak > 0 {
		fmt.Printf("Missed feedings: %s\n", color.RedString("%d in a row", p.ShortageStreak))
	}
	fmt.Printf("Mix:             %s\n", orDash(p.MixID))
	fmt.Printf("Group:           %s\n", orDash(p.GroupID))
	fmt.Printf("Base speed:      %.1f km/h\n", race.BaseSpeed(p.Stats))
	fmt.Println()
	s := p.Stats
	rows := [][2]any{
		{"speed", s.Speed}, {"endurance", s.Endurance}, {"sky_iq", s.SkyIQ},
		{"aerodynamics", s.Aerodynamics}, {"morale", s.Morale}, {"navigation", s.Navigation},
		{"stamina", s.Stamina}, {"homing", s.Homing}, {"weather_tolerance", s.WeatherTolerance},
	}
	for _, r := range rows {
		fmt.Printf("  %-18s %6.1f\n", r[0], r[1])
	}
	fmt.Println()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func renderMixes(mixes []feeding.Mix) {
	accent.Println("\n== FOOD MIXES ==")
	if len(mixes) == 0 {
		printInfo("No mixes yet.")
		return
	}
	for _, m := range mixes {
		fmt.Printf("%-36s %-20s %s\n", m.ID, truncate(m.Name, 20), formatMix(m.Components))
	}
	fmt.Println()
}

func renderGroups(groups []game.GroupView) {
	accent.Println("\n== GROUPS ==")
	if len(groups) == 0 {
		printInfo("No groups yet.")
		return
	}
	for _, g := range groups {
		fmt.Printf("%-36s %-20s mix=%-8s members=%d\n", g.ID, truncate(g.Name, 20), shortID(orDash(g.MixID)), len(g.Members))
	}
	fmt.Println()
}

func renderInventory(items []game.InventoryItem) {
	accent.Println("\n== FOOD STORE ==")
	if len(items) == 0 {
		printInfo("The food store is empty.")
		return
	}
	fmt.Printf("%-10s %-16s %10s\n", "FOOD", "NAME", "UNITS")
	for _, it := range items {
		qty := fmt.Sprintf("%10d", it.Quantity)
		if it.Quantity < feeding.DefaultDailyRation {
			qty = color.RedString(qty)
		}
		fmt.Printf("%-10s %-16s %s\n", it.FoodID, truncate(it.Name, 16), qty)
	}
	fmt.Println()
}

func renderStock(inv feeding.Inventory) {
	items := make([]game.InventoryItem, 0, len(inv))
	for food, qty := range inv {
		items = append(items, game.InventoryItem{FoodID: food, Quantity: qty})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].FoodID < items[j].FoodID })
	renderInventory(items)
}

func renderHistory(entries []feeding.HistoryEntry) {
	accent.Println("\n== FEEDING LOG ==")
	if len(entries) == 0 {
		printInfo("No feedings recorded.")
		return
	}
	for _, e := range entries {
		status := success.Sprint("fed")
		if e.Shortage {
			status = danger.Sprint("SHORT")
		}
		via := "own mix"
		if e.GroupID != "" {
			via = "group " + shortID(e.GroupID)
		}
		lines := make([]string, 0, len(e.Lines))
		for _, l := range e.Lines {
			item := fmt.Sprintf("%s %d", l.FoodID, l.Quantity)
			if l.SubbedFor != "" {
				item += " (for " + l.SubbedFor + ")"
			}
			lines = append(lines, item)
		}
		fmt.Printf("%s %-8s %-5s %-14s %s\n", e.GameDay, shortID(e.PigeonID), status, via, strings.Join(lines, ", "))
	}
	fmt.Println()
}

func renderRaces(races []game.RaceView) {
	accent.Println("\n== RACES ==")
	if len(races) == 0 {
		printInfo("No races scheduled.")
		return
	}
	fmt.Printf("%-36s %-20s %8s %6s %-9s %8s\n", "ID", "NAME", "KM", "WIND", "STATUS", "ENTRANTS")
	for _, r := range races {
		status := string(r.Status)
		if r.Status == game.RaceOpen {
			status = success.Sprint(status)
		}
		fmt.Printf("%-36s %-20s %8.1f %6.1f %-9s %8d\n", r.ID, truncate(r.Name, 20), r.DistanceKm, r.WindKph, status, r.Entrants)
	}
	fmt.Println()
}

func renderStandings(v game.StandingsView, distanceKm float64) {
	accent.Printf("\n== STANDINGS at %.1f min ==\n", v.AtMinutes)
	for _, line := range standingsLines(v, distanceKm) {
		fmt.Println(line)
	}
	fmt.Println()
}

func standingsLines(v game.StandingsView, distanceKm float64) []string {
	out := make([]string, 0, len(v.Standings))
	for _, st := range v.Standings {
		name := v.Names[st.PigeonID]
		if name == "" {
			name = shortID(st.PigeonID)
		}
		var where string
		switch {
		case st.DidNotFinish:
			where = danger.Sprintf("lost at %.1f km", st.DistanceKm)
		case st.Finished:
			where = success.Sprintf("home in %.1f min", *st.ArrivalMinutes)
		default:
			where = fmt.Sprintf("%.1f / %.0f km", st.DistanceKm, distanceKm)
		}
		out = append(out, fmt.Sprintf("%3d. %-18s %s", st.Rank, truncate(name, 18), where))
	}
	return out
}

func renderResults(res game.RaceResults) {
	accent.Printf("\n== %s (%.0f km, wind %.0f km/h) ==\n", res.Race.Name, res.Race.DistanceKm, res.Race.WindKph)
	entries := append([]game.RaceEntry(nil), res.Entries...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Rank < entries[j].Rank })
	fmt.Printf("%4s %-18s %10s %6s  %s\n", "RANK", "PIGEON", "TIME", "PTS", "EVENTS")
	for _, e := range entries {
		t := danger.Sprint("DNF")
		if a, ok := race.ArrivalMinutes(e.Result); ok {
			t = fmt.Sprintf("%.1f min", a)
		}
		events := make([]string, 0, len(e.Result.Events))
		for _, ev := range e.Result.Events {
			events = append(events, fmt.Sprintf("%s@%d", ev.Reason, ev.T))
		}
		fmt.Printf("%4d %-18s %10s %6d  %s\n", e.Rank, truncate(e.PigeonName, 18), t, e.Points, strings.Join(events, ", "))
	}
	fmt.Println()
}

func renderLeaderboard(rows []game.LeaderboardRow) {
	accent.Println("\n== SEASON LEADERBOARD ==")
	if len(rows) == 0 {
		printInfo("Nobody has scored yet.")
		return
	}
	fmt.Printf("%4s %-24s %7s %6s %5s\n", "RANK", "FANCIER", "POINTS", "RACES", "WINS")
	for _, r := range rows {
		fmt.Printf("%4d %-24s %7d %6d %5d\n", r.Rank, truncate(r.Username, 24), r.Points, r.Races, r.Wins)
	}
	fmt.Println()
}
