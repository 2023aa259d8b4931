// Package notify posts race results and feeding summaries to a Discord webhook.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"

	"loftrace/internal/feeding"
	"loftrace/internal/race"
)

var ErrBadWebhookURL = errors.New("discord webhook url must look like https://discord.com/api/webhooks/<id>/<token>")

type Notifier interface {
	RaceFinished(ctx context.Context, raceName string, standings []race.Standing, names map[string]string) error
	FeedingDone(ctx context.Context, reports []feeding.Report) error
}

// Nop drops every message.
type Nop struct{}

func (Nop) RaceFinished(context.Context, string, []race.Standing, map[string]string) error { return nil }
func (Nop) FeedingDone(context.Context, []feeding.Report) error                           { return nil }

type Discord struct {
	session *discordgo.Session
	id      string
	token   string
	log     *slog.Logger
}

// New returns a Discord notifier, or Nop when webhookURL is empty.
func New(webhookURL string, logger *slog.Logger) (Notifier, error) {
	if strings.TrimSpace(webhookURL) == "" {
		return Nop{}, nil
	}
	id, token, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	// Webhook execution needs no bot token.
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{session: s, id: id, token: token, log: logger}, nil
}

func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return "", "", ErrBadWebhookURL
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "api" || parts[1] != "webhooks" || parts[2] == "" || parts[3] == "" {
		return "", "", ErrBadWebhookURL
	}
	return parts[2], parts[3], nil
}

func (d *Discord) RaceFinished(ctx context.Context, raceName string, standings []race.Standing, names map[string]string) error {
	embed := &discordgo.MessageEmbed{
		Title:       "Race finished: " + raceName,
		Description: FormatStandings(standings, names, 10),
		Color:       0x2e86de,
	}
	return d.send(ctx, &discordgo.WebhookParams{Username: "Loft Race", Embeds: []*discordgo.MessageEmbed{embed}})
}

func (d *Discord) FeedingDone(ctx context.Context, reports []feeding.Report) error {
	fields := make([]*discordgo.MessageEmbedField, 0, len(reports))
	for _, r := range reports {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   r.Variant,
			Value:  fmt.Sprintf("fed %d, short %d, skipped %d, failed %d", r.Fed, r.Shortages, r.Skipped, len(r.Failures)),
			Inline: true,
		})
	}
	day := ""
	if len(reports) > 0 {
		day = reports[0].Day
	}
	embed := &discordgo.MessageEmbed{Title: "Daily feeding " + day, Fields: fields, Color: 0x27ae60}
	return d.send(ctx, &discordgo.WebhookParams{Username: "Loft Race", Embeds: []*discordgo.MessageEmbed{embed}})
}

func (d *Discord) send(ctx context.Context, params *discordgo.WebhookParams) error {
	if _, err := d.session.WebhookExecute(d.id, d.token, false, params, discordgo.WithContext(ctx)); err != nil {
		d.log.Warn("discord webhook failed", "err", err)
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}

// FormatStandings renders the top limit rows as plain lines.
func FormatStandings(standings []race.Standing, names map[string]string, limit int) string {
	var b strings.Builder
	for i, st := range standings {
		if limit > 0 && i >= limit {
			break
		}
		name := names[st.PigeonID]
		if name == "" {
			name = st.PigeonID
		}
		switch {
		case st.DidNotFinish:
			fmt.Fprintf(&b, "%d. %s (DNF, %.1f km)\n", st.Rank, name, st.DistanceKm)
		case st.ArrivalMinutes != nil:
			fmt.Fprintf(&b, "%d. %s %.1f min\n", st.Rank, name, *st.ArrivalMinutes)
		default:
			fmt.Fprintf(&b, "%d. %s %.1f km\n", st.Rank, name, st.DistanceKm)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
