// Package httpapi is the operator surface: it accepts rosters, relays cancel
// requests and streams run progress over SSE and WebSocket.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wablast/internal/campaign"
	"wablast/internal/events"
	"wablast/internal/outcome"
	"wablast/internal/scheduler"
	"wablast/internal/storage"
	logx "wablast/pkg/logx"
)

const (
	defaultMaxUpload       = 32 << 20
	defaultShutdownTimeout = 10 * time.Second
	wsWriteTimeout         = 10 * time.Second
)

type Config struct {
	Addr              string
	Token             string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	MaxUploadBytes    int64
	Pprof             bool
}

// Campaigns is the run manager as seen by the handlers.
type Campaigns interface {
	StartRun(ctx context.Context, req campaign.Request) (campaign.RunInfo, error)
	Resume(ctx context.Context, req campaign.ResumeRequest) (campaign.RunInfo, error)
	RequestCancel() bool
	Subscribe() (*events.Subscription, error)
	Status() campaign.Snapshot
	Results() ([]string, []outcome.Row, error)
	Defaults() campaign.Defaults
}

// Schedules is optional; without it the /schedules endpoints answer 404.
type Schedules interface {
	Snapshot() scheduler.Snapshot
	RunNow(ctx context.Context, name string) (campaign.RunInfo, error)
}

type Deps struct {
	Campaigns Campaigns
	Runs      storage.Store // optional
	Schedules Schedules     // optional
	// Health adds details to GET /health?verbose=1.
	Health func() any
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	upgrader websocket.Upgrader

	// streams ends every open SSE/WebSocket observer when shutdown begins;
	// http.Server.Shutdown does not cancel hijacked or long-lived handlers.
	streams     context.Context
	stopStreams context.CancelFunc

	mu   sync.Mutex
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	streams, stop := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		deps:        deps,
		log:         log.With(logx.String("comp", "http")),
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		streams:     streams,
		stopStreams: stop,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(s.cfg.Token, h) }

	mux.HandleFunc("POST /submit", auth(s.handleSubmit))
	mux.HandleFunc("POST /abort", auth(s.handleAbort))
	mux.HandleFunc("POST /resume", auth(s.handleResume))
	mux.HandleFunc("GET /stream", auth(s.handleStream))
	mux.HandleFunc("GET /ws", auth(s.handleWS))
	mux.HandleFunc("GET /status", auth(s.handleStatus))
	mux.HandleFunc("GET /results.csv", auth(s.handleResults))
	mux.HandleFunc("GET /runs", auth(s.handleRuns))
	mux.HandleFunc("GET /schedules", auth(s.handleSchedules))
	mux.HandleFunc("POST /schedules/run", auth(s.handleScheduleRun))
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.Pprof {
		mountPprof(mux, auth)
	}
	return mux
}

// Addr is the bound listen address once Run is serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("operator API bound to a non-loopback address without a token", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		s.stopStreams()
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.log.Warn("http shutdown incomplete", logx.Err(err))
			_ = srv.Close()
		}
	}()

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-shutdownDone
		s.log.Info("http server stopped")
		return nil
	}
	return fmt.Errorf("http serve: %w", err)
}

// observe derives a context that also ends when the server shuts down.
func (s *Server) observe(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.streams, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token> (EventSource cannot set headers)
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
