package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"loftrace/internal/auth"
	"loftrace/internal/config"
	"loftrace/internal/game"
	"loftrace/internal/race"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authClient := auth.NewSupabaseClient("http://auth.invalid", "anon", "test-secret")
	return New(config.APIConfig{ReplaySpeedup: 60}, logger, authClient, nil, nil)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok":true`) {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `loftrace_http_requests_total{method="GET",route="/healthz",status="200"}`) {
		t.Fatalf("request counter missing from metrics output")
	}
}

func TestSimulate(t *testing.T) {
	srv := newTestServer(t)
	body := `{
		"distance_km": 300,
		"wind_kph": 10,
		"seed": 9,
		"pigeons": [
			{"id": "a", "name": "Blue Bar", "health": 100, "stats": {"speed": 80, "endurance": 60, "sky_iq": 70, "morale": 50, "aerodynamics": 60, "health": 100}},
			{"id": "b", "name": "Mealy", "health": 100, "stats": {"speed": 50, "endurance": 40, "sky_iq": 70, "morale": 50, "aerodynamics": 60, "health": 100}}
		]
	}`
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/simulate", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out game.SimulateOutput
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Results) != 2 || out.Standings[0].PigeonID != "a" {
		t.Fatalf("the faster bird should win: %+v", out.Standings)
	}
	if out.Results[1].Events[0].Reason != race.ReasonTiredLegs {
		t.Fatalf("expected tired legs for the low-endurance bird, got %+v", out.Results[1].Events)
	}
}

func TestSimulateRejectsBadInput(t *testing.T) {
	srv := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"no pigeons", `{"distance_km": 100, "pigeons": []}`},
		{"zero distance", `{"distance_km": 0, "pigeons": [{"id": "a", "stats": {"speed": 50}}]}`},
		{"stat out of range", `{"distance_km": 100, "pigeons": [{"id": "a", "stats": {"speed": 500}}]}`},
		{"unknown field", `{"distance": 100}`},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/simulate", strings.NewReader(tc.body)))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", tc.name, w.Code, w.Body.String())
		}
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t)
	for _, header := range []string{"", "Bearer not-a-jwt", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/pigeons", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, w.Code)
		}
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"":             "",
		"Bearer":       "",
	}
	for in, want := range tests {
		if got := bearerToken(in); got != want {
			t.Fatalf("bearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStreamReplay(t *testing.T) {
	fast, slow := 60, 120
	res := game.RaceResults{
		Race: game.RaceView{ID: "r1", Name: "Test"},
		Entries: []game.RaceEntry{
			{PigeonName: "Slow", Result: race.Result{PigeonID: "s", Duration: &slow, DistanceKm: 60, BaseSpeed: 30}},
			{PigeonName: "Fast", Result: race.Result{PigeonID: "f", Duration: &fast, DistanceKm: 60, BaseSpeed: 60}},
		},
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		if err := streamReplay(r.Context(), conn, res, 6000, 0, 5*time.Millisecond); err != nil {
			t.Errorf("stream: %v", err)
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	last := -1.0
	var frame replayFrame
	for frames := 0; !frame.Done; frames++ {
		if frames > 1000 {
			t.Fatalf("replay never finished")
		}
		frame = replayFrame{}
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		if frame.AtMinutes < last {
			t.Fatalf("replay went backwards: %v after %v", frame.AtMinutes, last)
		}
		last = frame.AtMinutes
	}
	if frame.AtMinutes != 120 {
		t.Fatalf("final frame at %v, want 120", frame.AtMinutes)
	}
	if frame.Standings[0].PigeonID != "f" || !frame.Standings[1].Finished {
		t.Fatalf("unexpected final standings %+v", frame.Standings)
	}
}

func TestStreamReplayAllLost(t *testing.T) {
	res := game.RaceResults{Entries: []game.RaceEntry{
		{PigeonName: "Wanderer", Result: race.Result{PigeonID: "a", DidNotFinish: true, DistanceKm: 100, BaseSpeed: 50,
			Events: []race.Event{{T: 45, Effect: race.EffectLost, Reason: race.ReasonGotLost}}}},
	}}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		if err := streamReplay(r.Context(), conn, res, 6000, 0, 5*time.Millisecond); err == nil {
			conn.Close(websocket.StatusNormalClosure, "")
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var frame replayFrame
	for !frame.Done {
		frame = replayFrame{}
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if frame.AtMinutes != 45 || !frame.Standings[0].DidNotFinish {
		t.Fatalf("replay of a lost field should stop at the loss, got %+v", frame)
	}
}
