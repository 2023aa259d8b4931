package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"loftrace/internal/feeding"
	"loftrace/internal/metrics"
	"loftrace/internal/pigeon"
	"loftrace/internal/race"
)

type Service struct {
	db   *pgxpool.Pool
	log  *slog.Logger
	mu   sync.Mutex
	rand *mathrand.Rand
}

func NewService(db *pgxpool.Pool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:   db,
		log:  logger,
		rand: mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Service) ActiveSeasonID(ctx context.Context) (int64, error) {
	var seasonID int64
	err := s.db.QueryRow(ctx, `
		SELECT id
		FROM game.seasons
		WHERE status = 'active'
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&seasonID)
	if err == nil {
		return seasonID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO game.seasons (name, status, starts_at, ends_at)
		VALUES ($1, 'active', now(), now() + interval '90 days')
		RETURNING id
	`, "Season 1").Scan(&seasonID)
	if err != nil {
		return 0, err
	}
	return seasonID, nil
}

// SeedDefaults upserts the food catalog.
func (s *Service) SeedDefaults(ctx context.Context) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, f := range foodCatalog {
		if _, err := tx.Exec(ctx, `
			INSERT INTO game.foods (id, name) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name
		`, f.ID, f.Name); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// EnsurePlayer creates the profile on first sight along with a starter loft: three
// pigeons on a default mix and a starter food inventory.
func (s *Service) EnsurePlayer(ctx context.Context, userID, email, username string) error {
	if strings.TrimSpace(username) == "" {
		username = usernameFromEmail(email)
	}
	username = strings.TrimSpace(username)
	if !usernameRE.MatchString(username) {
		username = usernameFromEmail(email)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	created := false
	for attempt := 0; attempt < 5; attempt++ {
		name := username
		if attempt > 0 {
			name = fmt.Sprintf("%s%d", trimUsername(username, 20), 1000+s.intn(9000))
		}
		cmd, err := tx.Exec(ctx, `
			INSERT INTO users.profiles (user_id, email, username)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, userID, email, name)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 1 {
			created = true
			break
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users.profiles WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return nil
		}
	}
	if !created {
		return fmt.Errorf("could not allocate a username for %s", email)
	}

	kit := s.starterKit(userID)
	for food, units := range kit.Stock {
		if _, err := tx.Exec(ctx, `
			INSERT INTO game.inventory (owner_id, food_id, quantity) VALUES ($1, $2, $3)
		`, userID, food, units); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO game.food_mixes (id, owner_id, name, components) VALUES ($1, $2, $3, $4)
	`, kit.Mix.ID, userID, kit.Mix.Name, kit.Mix.Components); err != nil {
		return err
	}
	for _, p := range kit.Pigeons {
		if _, err := tx.Exec(ctx, `
			INSERT INTO game.pigeons (id, owner_id, name, status, health, mix_id, stats)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, p.ID, p.OwnerID, p.Name, string(p.Status), p.Health, p.MixID, p.Stats); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Info("player created", "user_id", userID, "username", username)
	return nil
}

func (s *Service) starterKit(ownerID string) StarterKit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return NewStarterKit(ownerID, s.rand)
}

func (s *Service) ListPigeons(ctx context.Context, userID string) ([]pigeon.Pigeon, error) {
	rows, err := s.db.Query(ctx, `SELECT `+pigeonColumns+` FROM game.pigeons p WHERE p.owner_id = $1 ORDER BY p.created_at, p.id`, userID)
	if err != nil {
		return nil, err
	}
	return collectPigeons(rows)
}

func (s *Service) GetPigeon(ctx context.Context, userID, pigeonID string) (pigeon.Pigeon, error) {
	if _, err := uuid.Parse(pigeonID); err != nil {
		return pigeon.Pigeon{}, ErrPigeonNotFound
	}
	p, err := scanPigeon(s.db.QueryRow(ctx, `SELECT `+pigeonColumns+` FROM game.pigeons p WHERE p.id = $1 AND p.owner_id = $2`, pigeonID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrPigeonNotFound
	}
	return p, err
}

func (s *Service) CreateMix(ctx context.Context, in CreateMixInput) (feeding.Mix, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validateName(in.Name); err != nil {
		return feeding.Mix{}, err
	}
	if err := feeding.ValidateMix(in.Components); err != nil {
		return feeding.Mix{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return feeding.Mix{}, err
	}
	defer tx.Rollback(ctx)

	if err := claimIdempotency(ctx, tx, in.UserID, in.IdempotencyKey, "create_mix"); err != nil {
		return feeding.Mix{}, err
	}
	ids := make([]string, 0, len(in.Components))
	for _, c := range in.Components {
		ids = append(ids, c.FoodID)
	}
	var known int
	if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM game.foods WHERE id = ANY($1)`, ids).Scan(&known); err != nil {
		return feeding.Mix{}, err
	}
	if known != len(ids) {
		return feeding.Mix{}, fmt.Errorf("%w: unknown food in mix", feeding.ErrInvalidMix)
	}

	mix := feeding.Mix{ID: uuid.NewString(), OwnerID: in.UserID, Name: in.Name, Components: in.Components}
	if _, err := tx.Exec(ctx, `
		INSERT INTO game.food_mixes (id, owner_id, name, components) VALUES ($1, $2, $3, $4)
	`, mix.ID, mix.OwnerID, mix.Name, mix.Components); err != nil {
		return feeding.Mix{}, err
	}
	return mix, tx.Commit(ctx)
}

func (s *Service) ListMixes(ctx context.Context, userID string) ([]feeding.Mix, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, owner_id, name, components
		FROM game.food_mixes
		WHERE owner_id = $1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feeding.Mix
	for rows.Next() {
		var m feeding.Mix
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.Name, &m.Components); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AssignPigeonMix sets the pigeon's individual mix. An empty mixID clears it.
func (s *Service) AssignPigeonMix(ctx context.Context, userID, pigeonID, mixID string) error {
	if _, err := uuid.Parse(pigeonID); err != nil {
		return ErrPigeonNotFound
	}
	if err := s.ownsMix(ctx, userID, mixID); err != nil {
		return err
	}
	cmd, err := s.db.Exec(ctx, `
		UPDATE game.pigeons SET mix_id = NULLIF($3, '')::uuid
		WHERE id = $1 AND owner_id = $2
	`, pigeonID, userID, mixID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrPigeonNotFound
	}
	return nil
}

func (s *Service) CreateGroup(ctx context.Context, in CreateGroupInput) (feeding.Group, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validateName(in.Name); err != nil {
		return feeding.Group{}, err
	}
	if err := s.ownsMix(ctx, in.UserID, in.MixID); err != nil {
		return feeding.Group{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return feeding.Group{}, err
	}
	defer tx.Rollback(ctx)

	if err := claimIdempotency(ctx, tx, in.UserID, in.IdempotencyKey, "create_group"); err != nil {
		return feeding.Group{}, err
	}
	g := feeding.Group{ID: uuid.NewString(), OwnerID: in.UserID, Name: in.Name, MixID: in.MixID}
	if _, err := tx.Exec(ctx, `
		INSERT INTO game.pigeon_groups (id, owner_id, name, mix_id) VALUES ($1, $2, $3, NULLIF($4, '')::uuid)
	`, g.ID, g.OwnerID, g.Name, g.MixID); err != nil {
		return feeding.Group{}, err
	}
	return g, tx.Commit(ctx)
}

// AddGroupMember moves the pigeon into the group. A pigeon belongs to at most one group.
func (s *Service) AddGroupMember(ctx context.Context, userID, groupID, pigeonID string) error {
	if _, err := uuid.Parse(pigeonID); err != nil {
		return ErrPigeonNotFound
	}
	if err := s.ownsGroup(ctx, userID, groupID); err != nil {
		return err
	}
	cmd, err := s.db.Exec(ctx, `
		UPDATE game.pigeons SET group_id = $3
		WHERE id = $1 AND owner_id = $2
	`, pigeonID, userID, groupID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrPigeonNotFound
	}
	return nil
}

func (s *Service) AssignGroupMix(ctx context.Context, userID, groupID, mixID string) error {
	if err := s.ownsMix(ctx, userID, mixID); err != nil {
		return err
	}
	cmd, err := s.db.Exec(ctx, `
		UPDATE game.pigeon_groups SET mix_id = NULLIF($3, '')::uuid
		WHERE id = $1 AND owner_id = $2
	`, groupID, userID, mixID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrGroupNotFound
	}
	return nil
}

func (s *Service) ListGroups(ctx context.Context, userID string) ([]GroupView, error) {
	rows, err := s.db.Query(ctx, `
		SELECT g.id::text, g.owner_id, g.name, COALESCE(g.mix_id::text, ''),
		       COALESCE(array_agg(p.id::text ORDER BY p.created_at) FILTER (WHERE p.id IS NOT NULL), '{}')
		FROM game.pigeon_groups g
		LEFT JOIN game.pigeons p ON p.group_id = g.id
		WHERE g.owner_id = $1
		GROUP BY g.id
		ORDER BY g.created_at, g.id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupView
	for rows.Next() {
		var g GroupView
		if err := rows.Scan(&g.ID, &g.OwnerID, &g.Name, &g.MixID, &g.Members); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Service) Inventory(ctx context.Context, userID string) ([]InventoryItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT f.id, f.name, COALESCE(i.quantity, 0)
		FROM game.foods f
		LEFT JOIN game.inventory i ON i.food_id = f.id AND i.owner_id = $1
		ORDER BY f.id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InventoryItem
	for rows.Next() {
		var it InventoryItem
		if err := rows.Scan(&it.FoodID, &it.Name, &it.Quantity); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// FeedHistory returns the newest ledger rows for the owner's pigeons, optionally for one pigeon.
func (s *Service) FeedHistory(ctx context.Context, userID, pigeonID string, limit int) ([]feeding.HistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT h.pigeon_id::text, COALESCE(h.mix_id::text, ''), COALESCE(h.group_id::text, ''),
		       h.game_day, h.fed_at, h.shortage, h.lines
		FROM game.feed_history h
		JOIN game.pigeons p ON p.id = h.pigeon_id
		WHERE p.owner_id = $1 AND ($2 = '' OR h.pigeon_id::text = $2)
		ORDER BY h.fed_at DESC, h.id DESC
		LIMIT $3
	`, userID, pigeonID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feeding.HistoryEntry
	for rows.Next() {
		var h feeding.HistoryEntry
		if err := rows.Scan(&h.PigeonID, &h.MixID, &h.GroupID, &h.GameDay, &h.FedAt, &h.Shortage, &h.Lines); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Service) CreateRace(ctx context.Context, in CreateRaceInput) (RaceView, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := ValidateRace(in); err != nil {
		return RaceView{}, err
	}
	seasonID, err := s.ActiveSeasonID(ctx)
	if err != nil {
		return RaceView{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return RaceView{}, err
	}
	defer tx.Rollback(ctx)

	if err := claimIdempotency(ctx, tx, in.UserID, in.IdempotencyKey, "create_race"); err != nil {
		return RaceView{}, err
	}
	r := RaceView{
		ID:         uuid.NewString(),
		SeasonID:   seasonID,
		OwnerID:    in.UserID,
		Name:       in.Name,
		DistanceKm: in.DistanceKm,
		WindKph:    in.WindKph,
		StartAt:    in.StartAt.UTC(),
		Status:     RaceOpen,
		Seed:       s.int63(),
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO game.races (id, season_id, owner_id, name, distance_km, wind_kph, start_at, status, seed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.SeasonID, r.OwnerID, r.Name, r.DistanceKm, r.WindKph, r.StartAt, string(r.Status), r.Seed); err != nil {
		return RaceView{}, err
	}
	return r, tx.Commit(ctx)
}

func (s *Service) ListRaces(ctx context.Context, limit int) ([]RaceView, error) {
	if limit <= 0 || limit > 200 {
		limit = DefaultLeaderboardLimit
	}
	rows, err := s.db.Query(ctx, `SELECT `+raceColumns+` FROM game.races r ORDER BY r.start_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RaceView
	for rows.Next() {
		r, err := scanRace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Service) GetRace(ctx context.Context, raceID string) (RaceView, error) {
	if _, err := uuid.Parse(raceID); err != nil {
		return RaceView{}, ErrRaceNotFound
	}
	r, err := scanRace(s.db.QueryRow(ctx, `SELECT `+raceColumns+` FROM game.races r WHERE r.id = $1`, raceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return r, ErrRaceNotFound
	}
	return r, err
}

// EnterRace registers one of the player's active pigeons for an open race.
func (s *Service) EnterRace(ctx context.Context, userID, raceID, pigeonID string) error {
	r, err := s.GetRace(ctx, raceID)
	if err != nil {
		return err
	}
	if r.Status != RaceOpen {
		return ErrRaceClosed
	}
	p, err := s.GetPigeon(ctx, userID, pigeonID)
	if err != nil {
		return err
	}
	if !p.Status.CanRace() {
		return fmt.Errorf("%w: %s is %s", ErrPigeonUnavailable, p.Name, p.Status)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO game.race_entries (race_id, pigeon_id, owner_id) VALUES ($1, $2, $3)
		ON CONFLICT (race_id, pigeon_id) DO NOTHING
	`, raceID, pigeonID, userID)
	return err
}

// RunRace simulates every entrant, stores the results with final placings and season
// points, and closes the race. Only the race owner may run it.
func (s *Service) RunRace(ctx context.Context, userID, raceID string) (RaceResults, error) {
	var out RaceResults
	err := runSerializable(ctx, s.db, func(tx pgx.Tx) error {
		r, err := scanRace(tx.QueryRow(ctx, `SELECT `+raceColumns+` FROM game.races r WHERE r.id = $1 FOR UPDATE`, raceID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRaceNotFound
		}
		if err != nil {
			return err
		}
		if r.OwnerID != userID {
			return ErrUnauthorized
		}
		if r.Status != RaceOpen {
			return ErrRaceClosed
		}

		rows, err := tx.Query(ctx, `
			SELECT `+pigeonColumns+`
			FROM game.race_entries e
			JOIN game.pigeons p ON p.id = e.pigeon_id
			WHERE e.race_id = $1
			ORDER BY e.entered_at, p.id
		`, raceID)
		if err != nil {
			return err
		}
		entrants, err := collectPigeons(rows)
		if err != nil {
			return err
		}
		if len(entrants) == 0 {
			return ErrNoEntrants
		}

		results, err := simulateField(ctx, entrants, r.Config(), r.Seed)
		if err != nil {
			return err
		}
		final := race.FinalStandings(results)
		byID := make(map[string]race.Result, len(results))
		for _, res := range results {
			byID[res.PigeonID] = res
		}
		pigeons := make(map[string]pigeon.Pigeon, len(entrants))
		for _, p := range entrants {
			pigeons[p.ID] = p
		}

		entries := make([]RaceEntry, 0, len(final))
		for _, st := range final {
			p := pigeons[st.PigeonID]
			e := RaceEntry{
				Result:     byID[st.PigeonID],
				PigeonName: p.Name,
				OwnerID:    p.OwnerID,
				Rank:       st.Rank,
				Points:     race.SeasonPoints(st),
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO game.race_results (race_id, pigeon_id, owner_id, rank, points, result)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, raceID, p.ID, p.OwnerID, e.Rank, e.Points, e.Result); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE game.races SET status = $2, run_at = $3 WHERE id = $1
		`, raceID, string(RaceFinished), now); err != nil {
			return err
		}
		r.Status = RaceFinished
		r.RunAt = &now
		r.Entrants = len(entries)
		out = RaceResults{Race: r, Entries: entries}
		return nil
	})
	if err != nil {
		return RaceResults{}, err
	}

	metrics.RacesRun.Inc()
	for _, e := range out.Entries {
		outcome := "finished"
		if e.Result.DidNotFinish {
			outcome = "lost"
		}
		metrics.RaceEntrantOutcomes.WithLabelValues(outcome).Inc()
	}
	s.log.Info("race run", "race_id", raceID, "entrants", len(out.Entries))
	return out, nil
}

func (s *Service) RaceResults(ctx context.Context, raceID string) (RaceResults, error) {
	r, err := s.GetRace(ctx, raceID)
	if err != nil {
		return RaceResults{}, err
	}
	if r.Status != RaceFinished {
		return RaceResults{}, ErrRaceNotRun
	}
	rows, err := s.db.Query(ctx, `
		SELECT rr.result, p.name, rr.owner_id, rr.rank, rr.points
		FROM game.race_results rr
		JOIN game.pigeons p ON p.id = rr.pigeon_id
		WHERE rr.race_id = $1
		ORDER BY rr.rank
	`, raceID)
	if err != nil {
		return RaceResults{}, err
	}
	defer rows.Close()

	out := RaceResults{Race: r}
	for rows.Next() {
		var e RaceEntry
		if err := rows.Scan(&e.Result, &e.PigeonName, &e.OwnerID, &e.Rank, &e.Points); err != nil {
			return RaceResults{}, err
		}
		out.Entries = append(out.Entries, e)
	}
	return out, rows.Err()
}

// RaceStandings projects the stored results of a finished race to t minutes after the start.
func (s *Service) RaceStandings(ctx context.Context, raceID string, t float64) (StandingsView, error) {
	res, err := s.RaceResults(ctx, raceID)
	if err != nil {
		return StandingsView{}, err
	}
	return res.StandingsAt(t), nil
}

// StandingsAt projects these results to t minutes after the start.
func (rr RaceResults) StandingsAt(t float64) StandingsView {
	results := make([]race.Result, 0, len(rr.Entries))
	names := make(map[string]string, len(rr.Entries))
	for _, e := range rr.Entries {
		results = append(results, e.Result)
		names[e.Result.PigeonID] = e.PigeonName
	}
	return StandingsView{RaceID: rr.Race.ID, AtMinutes: t, Standings: race.Standings(results, t), Names: names}
}

// LastArrival is the minute the final finisher lands, or 0 when nobody finishes.
func (rr RaceResults) LastArrival() float64 {
	last := 0.0
	for _, e := range rr.Entries {
		if a, ok := race.ArrivalMinutes(e.Result); ok && a > last {
			last = a
		}
	}
	return last
}

// End is when a replay of the race stops: the last arrival, or the last scripted
// event when nobody makes it home.
func (rr RaceResults) End() float64 {
	if last := rr.LastArrival(); last > 0 {
		return last
	}
	end := 1.0
	for _, e := range rr.Entries {
		for _, ev := range e.Result.Events {
			end = math.Max(end, float64(ev.T))
		}
	}
	return end
}

func (s *Service) SeasonLeaderboard(ctx context.Context, seasonID int64, limit int) ([]LeaderboardRow, error) {
	if limit <= 0 || limit > 500 {
		limit = DefaultLeaderboardLimit
	}
	rows, err := s.db.Query(ctx, `
		SELECT pr.username,
		       COALESCE(SUM(rr.points), 0) AS points,
		       COUNT(DISTINCT rr.race_id) AS races,
		       COUNT(1) FILTER (WHERE rr.rank = 1) AS wins
		FROM game.race_results rr
		JOIN game.races r ON r.id = rr.race_id
		JOIN users.profiles pr ON pr.user_id = rr.owner_id
		WHERE r.season_id = $1
		GROUP BY pr.username
		ORDER BY points DESC, wins DESC, pr.username
		LIMIT $2
	`, seasonID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LeaderboardRow
	var rank int64 = 1
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.Username, &r.Points, &r.Races, &r.Wins); err != nil {
			return nil, err
		}
		r.Rank = rank
		rank++
		out = append(out, r)
	}
	return out, rows.Err()
}

// Simulate runs a race over caller-supplied pigeons without touching storage.
func Simulate(ctx context.Context, in SimulateInput) (SimulateOutput, error) {
	if len(in.Pigeons) == 0 {
		return SimulateOutput{}, ErrNoEntrants
	}
	if len(in.Pigeons) > 200 {
		return SimulateOutput{}, fmt.Errorf("%w: at most 200 pigeons per simulation", ErrInvalidInput)
	}
	if in.DistanceKm <= 0 || in.DistanceKm > MaxRaceDistanceKm {
		return SimulateOutput{}, race.ErrInvalidDistance
	}
	if in.WindKph < 0 || in.WindKph > MaxWindKph {
		return SimulateOutput{}, fmt.Errorf("%w: wind must be in [0, %.0f] km/h", ErrInvalidInput, MaxWindKph)
	}
	if in.StartAt.IsZero() {
		in.StartAt = time.Now().UTC()
	}
	pigeons := make([]pigeon.Pigeon, len(in.Pigeons))
	for i, p := range in.Pigeons {
		if err := p.Stats.Validate(); err != nil {
			return SimulateOutput{}, fmt.Errorf("%w: pigeon %d: %v", ErrInvalidInput, i, err)
		}
		if strings.TrimSpace(p.ID) == "" {
			p.ID = fmt.Sprintf("pigeon-%d", i+1)
		}
		if p.Health == 0 {
			p.Health = p.Stats.Health
		}
		pigeons[i] = p
	}
	cfg := race.Config{StartTime: in.StartAt, DistanceKm: in.DistanceKm, Weather: race.Weather{WindKph: in.WindKph}}
	results, err := simulateField(ctx, pigeons, cfg, in.Seed)
	if err != nil {
		return SimulateOutput{}, err
	}
	return SimulateOutput{Results: results, Standings: race.FinalStandings(results)}, nil
}

// simulateField generates every entrant's result concurrently. Each entrant draws
// from its own source seeded by the race seed, so the outcome does not depend on
// scheduling.
func simulateField(ctx context.Context, entrants []pigeon.Pigeon, cfg race.Config, seed int64) ([]race.Result, error) {
	results := make([]race.Result, len(entrants))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, p := range entrants {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.Stats.Health = math.Min(p.Health, pigeon.MaxStat)
			res, err := race.Generate(p, cfg, race.SeededRand(seed, p.ID))
			if err != nil {
				return fmt.Errorf("pigeon %s: %w", p.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) ownsMix(ctx context.Context, userID, mixID string) error {
	if mixID == "" {
		return nil
	}
	if _, err := uuid.Parse(mixID); err != nil {
		return ErrMixNotFound
	}
	var ok bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM game.food_mixes WHERE id = $1 AND owner_id = $2)`, mixID, userID).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return ErrMixNotFound
	}
	return nil
}

func (s *Service) ownsGroup(ctx context.Context, userID, groupID string) error {
	if _, err := uuid.Parse(groupID); err != nil {
		return ErrGroupNotFound
	}
	var ok bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM game.pigeon_groups WHERE id = $1 AND owner_id = $2)`, groupID, userID).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return ErrGroupNotFound
	}
	return nil
}

func (s *Service) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Intn(n)
}

func (s *Service) int63() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Int63()
}

// runSerializable runs fn in a serializable transaction, retrying on serialization
// failures with a doubling delay.
func runSerializable(ctx context.Context, db *pgxpool.Pool, fn func(pgx.Tx) error) error {
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			return ErrTxConflict
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ErrTxConflict
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func claimIdempotency(ctx context.Context, tx pgx.Tx, userID, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}
	cmd, err := tx.Exec(ctx, `
		INSERT INTO game.idempotency_keys (user_id, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, key) DO NOTHING
	`, userID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDuplicateIdempotency
	}
	return nil
}

// pigeonColumns expects game.pigeons aliased as p.
const pigeonColumns = `p.id::text, p.owner_id, p.name, p.status, p.health, p.shortage_streak,
	COALESCE(p.mix_id::text, ''), COALESCE(p.group_id::text, ''), p.stats`

const raceColumns = `r.id::text, r.season_id, r.owner_id, r.name, r.distance_km, r.wind_kph, r.start_at,
	r.status, r.seed, r.run_at, (SELECT COUNT(1) FROM game.race_entries e WHERE e.race_id = r.id)`

func scanPigeon(row pgx.Row) (pigeon.Pigeon, error) {
	var p pigeon.Pigeon
	var status string
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &status, &p.Health, &p.ShortageStreak, &p.MixID, &p.GroupID, &p.Stats); err != nil {
		return pigeon.Pigeon{}, err
	}
	st, err := pigeon.ParseStatus(status)
	if err != nil {
		return pigeon.Pigeon{}, err
	}
	p.Status = st
	return p, nil
}

func collectPigeons(rows pgx.Rows) ([]pigeon.Pigeon, error) {
	defer rows.Close()
	var out []pigeon.Pigeon
	for rows.Next() {
		p, err := scanPigeon(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanRace(row pgx.Row) (RaceView, error) {
	var r RaceView
	var status string
	if err := row.Scan(&r.ID, &r.SeasonID, &r.OwnerID, &r.Name, &r.DistanceKm, &r.WindKph, &r.StartAt,
		&status, &r.Seed, &r.RunAt, &r.Entrants); err != nil {
		return RaceView{}, err
	}
	r.Status = RaceStatus(status)
	return r, nil
}
