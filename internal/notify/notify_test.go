package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"loftrace/internal/race"
)

func TestParseWebhookURL(t *testing.T) {
	id, token, err := ParseWebhookURL("https://discord.com/api/webhooks/1234/abcDEF-xyz")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != "1234" || token != "abcDEF-xyz" {
		t.Fatalf("got id=%q token=%q", id, token)
	}

	for _, bad := range []string{
		"http://discord.com/api/webhooks/1/t",
		"https://discord.com/api/webhooks/1",
		"https://discord.com/webhooks/1/t",
		"not a url",
	} {
		if _, _, err := ParseWebhookURL(bad); !errors.Is(err, ErrBadWebhookURL) {
			t.Fatalf("expected ErrBadWebhookURL for %q, got %v", bad, err)
		}
	}
}

func TestNewWithoutURLIsNop(t *testing.T) {
	n, err := New("  ", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := n.(Nop); !ok {
		t.Fatalf("expected Nop, got %T", n)
	}
	if err := n.FeedingDone(context.Background(), nil); err != nil {
		t.Fatalf("nop returned %v", err)
	}
}

func TestFormatStandings(t *testing.T) {
	arrival := 395.0
	st := []race.Standing{
		{Rank: 1, PigeonID: "p1", DistanceKm: 500, Finished: true, ArrivalMinutes: &arrival},
		{Rank: 2, PigeonID: "p2", DistanceKm: 320.5},
		{Rank: 3, PigeonID: "p3", DidNotFinish: true},
	}
	got := FormatStandings(st, map[string]string{"p1": "Blue Bar"}, 0)
	want := "1. Blue Bar 395.0 min\n2. p2 320.5 km\n3. p3 (DNF, 0.0 km)"
	if got != want {
		t.Fatalf("got\n%s\nwant\n%s", got, want)
	}
	if lines := strings.Count(FormatStandings(st, nil, 2), "\n"); lines != 1 {
		t.Fatalf("limit 2 should render two lines")
	}
}
