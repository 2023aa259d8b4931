package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"loftrace/internal/game"
)

const replayFrameEvery = 100 * time.Millisecond

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	clockStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	nameStyle     = lipgloss.NewStyle().Width(18)
	homeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	lostStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
	leaderMarker  = lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Render(">")
	replayBarSize = 40
)

type tickMsg time.Time

// frameMsg carries a standings snapshot pushed from the live socket.
type frameMsg struct {
	view game.StandingsView
	done bool
}

type streamErrMsg struct{ err error }

// replayModel draws every bird's progress toward the loft. With results set it
// advances race time itself; otherwise it waits for frameMsg from a live feed.
type replayModel struct {
	title      string
	distanceKm float64
	results    *game.RaceResults
	speed      float64
	end        float64

	clock    float64
	view     game.StandingsView
	bar      progress.Model
	done     bool
	quitting bool
	err      error
}

func newLocalReplay(res game.RaceResults, speed float64) replayModel {
	m := newReplayModel(res.Race.Name, res.Race.DistanceKm)
	m.results = &res
	m.speed = speed
	m.end = res.End()
	m.view = res.StandingsAt(0)
	return m
}

func newLiveReplay(title string, distanceKm float64) replayModel {
	return newReplayModel(title, distanceKm)
}

func newReplayModel(title string, distanceKm float64) replayModel {
	return replayModel{
		title:      title,
		distanceKm: distanceKm,
		bar:        progress.New(progress.WithDefaultGradient(), progress.WithWidth(replayBarSize), progress.WithoutPercentage()),
	}
}

func tick() tea.Cmd {
	return tea.Tick(replayFrameEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m replayModel) Init() tea.Cmd {
	if m.results != nil {
		return tick()
	}
	return nil
}

func (m replayModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "+", "=":
			m.speed *= 2
		case "-":
			m.speed = math.Max(m.speed/2, 1)
		}
		return m, nil
	case tickMsg:
		if m.results == nil || m.done {
			return m, nil
		}
		m.clock = math.Min(m.clock+m.speed*replayFrameEvery.Seconds(), m.end)
		m.view = m.results.StandingsAt(m.clock)
		if m.clock >= m.end {
			m.done = true
			return m, tea.Quit
		}
		return m, tick()
	case frameMsg:
		m.view = msg.view
		m.clock = msg.view.AtMinutes
		if msg.done {
			m.done = true
			return m, tea.Quit
		}
		return m, nil
	case streamErrMsg:
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m replayModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("  ")
	b.WriteString(clockStyle.Render(formatRaceClock(m.clock)))
	b.WriteString("\n\n")
	for _, st := range m.view.Standings {
		name := m.view.Names[st.PigeonID]
		if name == "" {
			name = shortID(st.PigeonID)
		}
		marker := " "
		if st.Rank == 1 && !st.DidNotFinish {
			marker = leaderMarker
		}
		frac := 0.0
		if m.distanceKm > 0 {
			frac = math.Min(st.DistanceKm/m.distanceKm, 1)
		}
		status := fmt.Sprintf("%6.1f km", st.DistanceKm)
		switch {
		case st.DidNotFinish:
			status = lostStyle.Render("lost")
		case st.Finished:
			status = homeStyle.Render(fmt.Sprintf("home %s", formatRaceClock(*st.ArrivalMinutes)))
		}
		fmt.Fprintf(&b, "%s %2d %s %s %s\n", marker, st.Rank, nameStyle.Render(truncate(name, 18)), m.bar.ViewAs(frac), status)
	}
	b.WriteString("\n")
	switch {
	case m.err != nil:
		b.WriteString(lostStyle.Render("feed error: " + m.err.Error()))
	case m.done:
		b.WriteString(homeStyle.Render("race complete"))
	case m.results != nil:
		b.WriteString(helpStyle.Render(fmt.Sprintf("x%.0f  +/- speed  q quit", m.speed)))
	default:
		b.WriteString(helpStyle.Render("live  q quit"))
	}
	b.WriteString("\n")
	return b.String()
}

func formatRaceClock(minutes float64) string {
	total := int(math.Round(minutes * 60))
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}
