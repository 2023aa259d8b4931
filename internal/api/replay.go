package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"loftrace/internal/game"
	"loftrace/internal/metrics"
)

const (
	replayTick      = 250 * time.Millisecond
	maxReplaySpeed  = 1440.0
	replayWriteWait = 5 * time.Second
)

type replayFrame struct {
	game.StandingsView
	Done bool `json:"done"`
}

// handleRaceLive streams standings of a finished race over a websocket, advancing
// race time by speed minutes per wall-clock second.
func (s *Server) handleRaceLive(w http.ResponseWriter, r *http.Request) {
	res, err := s.game.RaceResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	speed := s.cfg.ReplaySpeedup
	if raw := strings.TrimSpace(r.URL.Query().Get("speed")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || v > maxReplaySpeed {
			writeError(w, http.StatusBadRequest, "speed must be in (0, 1440] race minutes per second")
			return
		}
		speed = v
	}
	from, err := minutesParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Auth is by token, not cookie.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	metrics.ReplayClients.Inc()
	defer metrics.ReplayClients.Dec()

	ctx := conn.CloseRead(r.Context())
	if err := streamReplay(ctx, conn, res, speed, from, replayTick); err != nil {
		if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
			s.log.Warn("live replay ended early", "race_id", res.Race.ID, "err", err)
		}
		return
	}
	conn.Close(websocket.StatusNormalClosure, "race complete")
}

func streamReplay(ctx context.Context, conn *websocket.Conn, res game.RaceResults, speed, from float64, tick time.Duration) error {
	end := res.End()
	start := time.Now()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		t := from + time.Since(start).Seconds()*speed
		done := t >= end
		if done {
			t = end
		}
		frame := replayFrame{StandingsView: res.StandingsAt(t), Done: done}
		writeCtx, cancel := context.WithTimeout(ctx, replayWriteWait)
		err := wsjson.Write(writeCtx, conn, frame)
		cancel()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
