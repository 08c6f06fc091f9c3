package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"wablast/internal/campaign"
	"wablast/internal/dispatch"
	"wablast/internal/roster"
	"wablast/internal/scheduler"
	logx "wablast/pkg/logx"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

// startError maps a manager rejection to a status code and body.
func startError(err error) (int, string) {
	switch {
	case errors.Is(err, campaign.ErrMissingCredential):
		return http.StatusBadRequest, "No API key provided"
	case errors.Is(err, campaign.ErrMissingAddress):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, campaign.ErrRunActive):
		return http.StatusConflict, "A process is already running"
	case errors.Is(err, campaign.ErrNoRun):
		return http.StatusNotFound, "No previous run"
	case errors.Is(err, campaign.ErrClosed):
		return http.StatusServiceUnavailable, "Shutting down"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// handleSubmit accepts a multipart roster and starts a run:
// csv (file), message, image_url, api_key, min_sleep, max_sleep (seconds).
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeText(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		writeText(w, http.StatusBadRequest, "Invalid form")
		return
	}

	def := s.deps.Campaigns.Defaults()
	minDelay, maxDelay := parseDelays(r.FormValue("min_sleep"), r.FormValue("max_sleep"), def)

	file, hdr, err := r.FormFile("csv")
	if err != nil {
		writeText(w, http.StatusBadRequest, "No CSV file")
		return
	}
	defer file.Close()

	tbl, err := roster.Parse(file, roster.DefaultOptions())
	switch {
	case errors.Is(err, roster.ErrNoAddressColumn):
		writeText(w, http.StatusBadRequest, "Invalid CSV")
		return
	case err != nil:
		s.log.Debug("roster rejected", logx.Err(err))
		writeText(w, http.StatusBadRequest, "Error reading CSV file")
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" && hdr != nil {
		name = strings.TrimSuffix(filepath.Base(hdr.Filename), filepath.Ext(hdr.Filename))
	}
	info, err := s.deps.Campaigns.StartRun(r.Context(), campaign.Request{
		Name:    name,
		Columns: tbl.Columns,
		Rows:    tbl.Rows,
		Params: dispatch.Params{
			Message:    r.FormValue("message"),
			Attachment: strings.TrimSpace(r.FormValue("image_url")),
			Credential: strings.TrimSpace(r.FormValue("api_key")),
			MinDelay:   minDelay,
			MaxDelay:   maxDelay,
		},
	})
	if err != nil {
		code, msg := startError(err)
		writeText(w, code, msg)
		return
	}
	w.Header().Set("X-Run-ID", info.ID)
	writeText(w, http.StatusAccepted, "Process started")
}

// parseDelays reads the two bounds in seconds. Missing values use the
// configured defaults; if either is unparseable both do. Reversed bounds are
// swapped by the dispatcher.
func parseDelays(minRaw, maxRaw string, def campaign.Defaults) (time.Duration, time.Duration) {
	minD, okMin := parseSeconds(minRaw, def.MinDelay)
	maxD, okMax := parseSeconds(maxRaw, def.MaxDelay)
	if !okMin || !okMax {
		return def.MinDelay, def.MaxDelay
	}
	return minD, maxD
}

func parseSeconds(raw string, def time.Duration) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt64/float64(time.Second) {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

func (s *Server) handleAbort(w http.ResponseWriter, _ *http.Request) {
	// Acknowledged even when idle; nothing is remembered for later runs.
	s.deps.Campaigns.RequestCancel()
	writeText(w, http.StatusOK, "Abort signal sent")
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	retry, _ := strconv.ParseBool(r.URL.Query().Get("retry_failed"))
	info, err := s.deps.Campaigns.Resume(r.Context(), campaign.ResumeRequest{RetryFailed: retry})
	if err != nil {
		code, msg := startError(err)
		writeText(w, code, msg)
		return
	}
	w.Header().Set("X-Run-ID", info.ID)
	writeText(w, http.StatusAccepted, "Process resumed")
}

// handleStream relays the current run's events as server-sent events and
// returns after the terminal marker.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeText(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub, err := s.deps.Campaigns.Subscribe()
	if err != nil {
		code, msg := startError(err)
		writeText(w, code, msg)
		return
	}

	ctx, cancel := s.observe(r.Context())
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		e, err := sub.Next(ctx)
		if err != nil {
			// io.EOF after the terminal marker, or the client went away
			return
		}
		for _, line := range strings.Split(e.Text, "\n") {
			if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
				return
			}
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleWS relays events as JSON frames and closes after the terminal event.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Campaigns.Subscribe()
	if err != nil {
		code, msg := startError(err)
		writeText(w, code, msg)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()

	ctx, cancel := s.observe(r.Context())
	defer cancel()

	// The reader only notices the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		e, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
				time.Now().Add(wsWriteTimeout))
			return
		}
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(wsWriteTimeout))
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(e); err != nil {
			s.log.Debug("websocket write failed", logx.Err(err))
			return
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Campaigns.Status())
}

func (s *Server) handleResults(w http.ResponseWriter, _ *http.Request) {
	cols, rows, err := s.deps.Campaigns.Results()
	if err != nil {
		code, msg := startError(err)
		writeText(w, code, msg)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="results.csv"`)
	if err := roster.Write(w, cols, rows); err != nil {
		s.log.Warn("results export failed", logx.Err(err))
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeText(w, http.StatusNotFound, "Run history disabled")
		return
	}
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, 1000)
	}
	recs, err := s.deps.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.Warn("list runs failed", logx.Err(err))
		writeText(w, http.StatusInternalServerError, "Run history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSchedules(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Schedules == nil {
		writeText(w, http.StatusNotFound, "Scheduler disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Schedules.Snapshot())
}

func (s *Server) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		writeText(w, http.StatusNotFound, "Scheduler disabled")
		return
	}
	info, err := s.deps.Schedules.RunNow(r.Context(), r.URL.Query().Get("name"))
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeText(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		code, msg := startError(err)
		if code == http.StatusInternalServerError {
			code, msg = http.StatusBadRequest, err.Error()
		}
		writeText(w, code, msg)
		return
	}
	w.Header().Set("X-Run-ID", info.ID)
	writeText(w, http.StatusAccepted, "Process started")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("verbose") != "" && s.deps.Health != nil {
		writeJSON(w, http.StatusOK, s.deps.Health())
		return
	}
	writeText(w, http.StatusOK, "ok")
}
