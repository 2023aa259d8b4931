package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"loftrace/internal/feeding"
	"loftrace/internal/game"
	"loftrace/internal/race"
)

func twoBirdRace() game.RaceResults {
	fast, slow := 60, 120
	return game.RaceResults{
		Race: game.RaceView{ID: "r1", Name: "Spring Classic", DistanceKm: 60},
		Entries: []game.RaceEntry{
			{PigeonName: "Slow", Rank: 2, Result: race.Result{PigeonID: "s", Duration: &slow, DistanceKm: 60, BaseSpeed: 30}},
			{PigeonName: "Fast", Rank: 1, Result: race.Result{PigeonID: "f", Duration: &fast, DistanceKm: 60, BaseSpeed: 60}},
		},
	}
}

func TestLocalReplayAdvancesToTheLastArrival(t *testing.T) {
	var m tea.Model = newLocalReplay(twoBirdRace(), 300)
	if m.Init() == nil {
		t.Fatalf("local replay should start ticking")
	}

	var cmd tea.Cmd
	last := -1.0
	for i := 0; i < 100; i++ {
		m, cmd = m.Update(tickMsg(time.Now()))
		rm := m.(replayModel)
		if rm.clock < last {
			t.Fatalf("clock went backwards")
		}
		last = rm.clock
		if rm.done {
			break
		}
	}
	rm := m.(replayModel)
	if !rm.done || rm.clock != 120 {
		t.Fatalf("expected the replay to finish at 120, got done=%v clock=%v", rm.done, rm.clock)
	}
	if cmd == nil {
		t.Fatalf("a finished replay should quit")
	}
	if rm.view.Standings[0].PigeonID != "f" || !rm.view.Standings[1].Finished {
		t.Fatalf("unexpected final standings %+v", rm.view.Standings)
	}
	if !strings.Contains(rm.View(), "race complete") {
		t.Fatalf("final view should say the race is complete")
	}
}

func TestLiveReplayTakesPushedFrames(t *testing.T) {
	res := twoBirdRace()
	var m tea.Model = newLiveReplay("Spring Classic", 60)
	if m.Init() != nil {
		t.Fatalf("live replay has nothing to tick")
	}

	m, _ = m.Update(frameMsg{view: res.StandingsAt(30)})
	rm := m.(replayModel)
	if rm.clock != 30 || rm.done {
		t.Fatalf("unexpected state after first frame: clock=%v done=%v", rm.clock, rm.done)
	}
	if !strings.Contains(rm.View(), "Fast") || !strings.Contains(rm.View(), "live") {
		t.Fatalf("view should list birds and show live help:\n%s", rm.View())
	}

	m, cmd := m.Update(frameMsg{view: res.StandingsAt(120), done: true})
	if !m.(replayModel).done || cmd == nil {
		t.Fatalf("done frame should finish the replay")
	}
}

func TestReplayQuitAndStreamError(t *testing.T) {
	var m tea.Model = newLiveReplay("x", 10)
	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !m.(replayModel).quitting || cmd == nil {
		t.Fatalf("q should quit")
	}

	m = newLiveReplay("x", 10)
	m, _ = m.Update(streamErrMsg{err: errors.New("socket closed")})
	if m.(replayModel).err == nil || !strings.Contains(m.View(), "socket closed") {
		t.Fatalf("stream errors should be shown")
	}
}

func TestFormatRaceClock(t *testing.T) {
	tests := map[float64]string{0: "00:00:00", 1.5: "00:01:30", 125.25: "02:05:15"}
	for in, want := range tests {
		if got := formatRaceClock(in); got != want {
			t.Fatalf("formatRaceClock(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestParseMix(t *testing.T) {
	got, err := parseMix(" Corn:50, peas:30,wheat:20 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []feeding.MixComponent{{FoodID: "corn", Percent: 50}, {FoodID: "peas", Percent: 30}, {FoodID: "wheat", Percent: 20}}
	if len(got) != len(want) {
		t.Fatalf("got %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("component %d: got %+v want %+v", i, got[i], want[i])
		}
	}
	for _, bad := range []string{"", "corn", "corn:lots", ","} {
		if _, err := parseMix(bad); !errors.Is(err, errMixSyntax) {
			t.Fatalf("parseMix(%q) should fail, got %v", bad, err)
		}
	}
}

func TestPracticeFieldIsSeeded(t *testing.T) {
	a := practiceField(4, 99)
	b := practiceField(4, 99)
	for i := range a {
		if a[i].Stats != b[i].Stats {
			t.Fatalf("same seed should give the same bird %d", i)
		}
		if err := a[i].Stats.Validate(); err != nil {
			t.Fatalf("bird %d has invalid stats: %v", i, err)
		}
	}
}

func TestPracticeResultsRanksAndScores(t *testing.T) {
	field := practiceField(3, 7)
	out, err := game.Simulate(t.Context(), game.SimulateInput{Pigeons: field, DistanceKm: 100, Seed: 7})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	res := practiceResults(field, 100, 0, out)
	if len(res.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(res.Entries))
	}
	for _, e := range res.Entries {
		if e.PigeonName == "" || e.Rank < 1 || e.Rank > 3 {
			t.Fatalf("bad entry %+v", e)
		}
		if e.Rank == 1 && !e.Result.DidNotFinish && e.Points != 10 {
			t.Fatalf("winner should score 10, got %d", e.Points)
		}
	}
}
