package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"loftrace/internal/auth"
	"loftrace/internal/feeding"
	"loftrace/internal/game"
	"loftrace/internal/pigeon"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func (c *Client) Signup(ctx context.Context, email, password, username string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email":    email,
		"password": password,
		"username": username,
	}, &out, "")
	return out, err
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	}, &out, "")
	return out, err
}

func (c *Client) Foods(ctx context.Context) ([]game.Food, error) {
	var out struct {
		Foods []game.Food `json:"foods"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/foods", "", nil, &out, "")
	return out.Foods, err
}

func (c *Client) Simulate(ctx context.Context, in game.SimulateInput) (game.SimulateOutput, error) {
	var out game.SimulateOutput
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/simulate", "", in, &out, "")
	return out, err
}

func (c *Client) ListPigeons(ctx context.Context, accessToken string) ([]pigeon.Pigeon, error) {
	var out struct {
		Pigeons []pigeon.Pigeon `json:"pigeons"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/pigeons", accessToken, nil, &out, "")
	return out.Pigeons, err
}

func (c *Client) GetPigeon(ctx context.Context, accessToken, pigeonID string) (pigeon.Pigeon, error) {
	var out pigeon.Pigeon
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/pigeons/"+url.PathEscape(pigeonID), accessToken, nil, &out, "")
	return out, err
}

func (c *Client) AssignPigeonMix(ctx context.Context, accessToken, pigeonID, mixID string) error {
	return c.jsonRequest(ctx, http.MethodPost, "/v1/pigeons/"+url.PathEscape(pigeonID)+"/mix", accessToken, map[string]any{
		"mix_id": mixID,
	}, nil, "")
}

func (c *Client) ListMixes(ctx context.Context, accessToken string) ([]feeding.Mix, error) {
	var out struct {
		Mixes []feeding.Mix `json:"mixes"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/mixes", accessToken, nil, &out, "")
	return out.Mixes, err
}

func (c *Client) CreateMix(ctx context.Context, accessToken, name string, components []feeding.MixComponent, idem string) (feeding.Mix, error) {
	var out feeding.Mix
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/mixes", accessToken, map[string]any{
		"name":       name,
		"components": components,
	}, &out, idem)
	return out, err
}

func (c *Client) ListGroups(ctx context.Context, accessToken string) ([]game.GroupView, error) {
	var out struct {
		Groups []game.GroupView `json:"groups"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/groups", accessToken, nil, &out, "")
	return out.Groups, err
}

func (c *Client) CreateGroup(ctx context.Context, accessToken, name, mixID, idem string) (feeding.Group, error) {
	var out feeding.Group
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/groups", accessToken, map[string]any{
		"name":   name,
		"mix_id": mixID,
	}, &out, idem)
	return out, err
}

func (c *Client) AddGroupMember(ctx context.Context, accessToken, groupID, pigeonID string) error {
	return c.jsonRequest(ctx, http.MethodPost, "/v1/groups/"+url.PathEscape(groupID)+"/members", accessToken, map[string]any{
		"pigeon_id": pigeonID,
	}, nil, "")
}

func (c *Client) AssignGroupMix(ctx context.Context, accessToken, groupID, mixID string) error {
	return c.jsonRequest(ctx, http.MethodPost, "/v1/groups/"+url.PathEscape(groupID)+"/mix", accessToken, map[string]any{
		"mix_id": mixID,
	}, nil, "")
}

func (c *Client) Inventory(ctx context.Context, accessToken string) ([]game.InventoryItem, error) {
	var out struct {
		Inventory []game.InventoryItem `json:"inventory"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/inventory", accessToken, nil, &out, "")
	return out.Inventory, err
}

func (c *Client) FeedHistory(ctx context.Context, accessToken, pigeonID string, limit int) ([]feeding.HistoryEntry, error) {
	q := url.Values{}
	if pigeonID != "" {
		q.Set("pigeon_id", pigeonID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/feed/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		History []feeding.HistoryEntry `json:"history"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out, "")
	return out.History, err
}

func (c *Client) ListRaces(ctx context.Context, accessToken string) ([]game.RaceView, error) {
	var out struct {
		Races []game.RaceView `json:"races"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/races", accessToken, nil, &out, "")
	return out.Races, err
}

func (c *Client) CreateRace(ctx context.Context, accessToken, name string, distanceKm, windKph float64, idem string) (game.RaceView, error) {
	var out game.RaceView
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/races", accessToken, map[string]any{
		"name":        name,
		"distance_km": distanceKm,
		"wind_kph":    windKph,
	}, &out, idem)
	return out, err
}

func (c *Client) EnterRace(ctx context.Context, accessToken, raceID, pigeonID string) error {
	return c.jsonRequest(ctx, http.MethodPost, "/v1/races/"+url.PathEscape(raceID)+"/entries", accessToken, map[string]any{
		"pigeon_id": pigeonID,
	}, nil, "")
}

func (c *Client) RunRace(ctx context.Context, accessToken, raceID string) (game.RaceResults, error) {
	var out game.RaceResults
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/races/"+url.PathEscape(raceID)+"/run", accessToken, map[string]any{}, &out, "")
	return out, err
}

func (c *Client) RaceResults(ctx context.Context, accessToken, raceID string) (game.RaceResults, error) {
	var out game.RaceResults
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/races/"+url.PathEscape(raceID)+"/results", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) RaceStandings(ctx context.Context, accessToken, raceID string, atMinutes float64) (game.StandingsView, error) {
	var out game.StandingsView
	path := "/v1/races/" + url.PathEscape(raceID) + "/standings?t=" + strconv.FormatFloat(atMinutes, 'f', -1, 64)
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Leaderboard(ctx context.Context, accessToken string, limit int) ([]game.LeaderboardRow, error) {
	path := "/v1/leaderboard"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Leaderboard []game.LeaderboardRow `json:"leaderboard"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out, "")
	return out.Leaderboard, err
}

// LiveFrame is one standings snapshot pushed by the live replay socket.
type LiveFrame struct {
	game.StandingsView
	Done bool `json:"done"`
}

// WatchRace follows the live replay of a finished race, calling fn for each frame
// until the server reports the race is done.
func (c *Client) WatchRace(ctx context.Context, accessToken, raceID string, speed float64, fn func(LiveFrame) error) error {
	u, err := url.Parse(c.BaseURL + "/v1/races/" + url.PathEscape(raceID) + "/live")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	if speed > 0 {
		q.Set("speed", strconv.FormatFloat(speed, 'f', -1, 64))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + accessToken}},
	})
	if err != nil {
		return fmt.Errorf("open live replay: %w", err)
	}
	defer conn.CloseNow()

	for {
		var frame LiveFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read live replay: %w", err)
		}
		if err := fn(frame); err != nil {
			return err
		}
		if frame.Done {
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		}
	}
}

// NewIdempotencyKey returns a fresh key for one logical write.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &StatusError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
