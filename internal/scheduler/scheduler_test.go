package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"loftrace/internal/feeding"
	"loftrace/internal/race"
)

type fakeRunner struct {
	days    []time.Time
	reports []feeding.Report
	err     error
}

func (f *fakeRunner) RunDay(ctx context.Context, day time.Time) ([]feeding.Report, error) {
	f.days = append(f.days, day)
	return f.reports, f.err
}

type recordingNotifier struct {
	feedings [][]feeding.Report
}

func (n *recordingNotifier) FeedingDone(ctx context.Context, reports []feeding.Report) error {
	n.feedings = append(n.feedings, reports)
	return nil
}

func (n *recordingNotifier) RaceFinished(context.Context, string, []race.Standing, map[string]string) error {
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunOnceFeedsTodayAndNotifies(t *testing.T) {
	day := time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC)
	runner := &fakeRunner{reports: []feeding.Report{{Variant: "pigeons", Fed: 2}, {Variant: "groups", Fed: 1}}}
	n := &recordingNotifier{}
	s := New(runner, quietLogger(), Options{Schedule: "0 5 * * *", Notifier: n, Now: func() time.Time { return day }})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(runner.days) != 1 || !runner.days[0].Equal(day) {
		t.Fatalf("unexpected run days %v", runner.days)
	}
	if len(n.feedings) != 1 || len(n.feedings[0]) != 2 {
		t.Fatalf("expected one notification with both reports, got %+v", n.feedings)
	}
}

func TestRunOnceSurfacesPigeonFailures(t *testing.T) {
	boom := errors.New("db gone")
	runner := &fakeRunner{reports: []feeding.Report{{
		Variant:  "pigeons",
		Failures: []feeding.Failure{{PigeonID: "p9", Err: boom}},
	}}}
	s := New(runner, quietLogger(), Options{Schedule: "0 5 * * *"})

	err := s.RunOnce(context.Background())
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "p9") {
		t.Fatalf("expected failure for p9, got %v", err)
	}
}

func TestRunOnceReturnsBatchError(t *testing.T) {
	boom := errors.New("list pigeons: timeout")
	s := New(&fakeRunner{err: boom}, quietLogger(), Options{Schedule: "0 5 * * *"})
	if err := s.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected batch error, got %v", err)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(&fakeRunner{}, quietLogger(), Options{Schedule: "every morning"})
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatalf("expected schedule parse error")
	}
}

func TestStartAndStop(t *testing.T) {
	s := New(&fakeRunner{}, quietLogger(), Options{Schedule: "0 5 * * *"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
}
