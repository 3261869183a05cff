package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"livepoll/internal/intake"
	"livepoll/internal/monitor"
	"livepoll/internal/poll"
	"livepoll/internal/queue"
	"livepoll/internal/realtime"
	"livepoll/internal/runtime/supervisor"
	"livepoll/internal/store"
	logx "livepoll/pkg/logx"
)

// Config controls the listener.
//
// Security:
//   - AdminToken guards /api/admin/* and the optional pprof routes. An empty
//     token leaves them open; only do that on a private listener.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	AdminToken      string
	Pprof           bool
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":3000"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

type Votes interface {
	Submit(ctx context.Context, req intake.SubmitRequest) (string, error)
	HasVoted(ctx context.Context, pollID, sessionID string) (bool, error)
}

type Lifecycle interface {
	Start(ctx context.Context, pollID string) (*poll.Poll, error)
	Pause(ctx context.Context, pollID string) (*poll.Poll, error)
	End(ctx context.Context, pollID string) (*poll.Poll, error)
}

// VoteRecords reads the raw vote records behind the organizer report.
type VoteRecords interface {
	ListVotes(ctx context.Context, pollID string) ([]*poll.Vote, error)
}

// Deps are the collaborators behind the routes. Records, Monitor, Hub, Ping
// and Runtime are optional.
type Deps struct {
	Votes     Votes
	Lifecycle Lifecycle
	Polls     store.Polls
	Records   VoteRecords
	Queue     queue.Queue
	Monitor   *monitor.Monitor
	Hub       *realtime.Hub
	Ping      func(ctx context.Context) error
	Runtime   func() any
}

type Server struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	d   Deps

	engine *gin.Engine
	srv    *http.Server
	addr   string
	ready  chan struct{}
}

func New(cfg Config, d Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "http")),
		d:     d,
		ready: make(chan struct{}),
	}
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mostly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Addr returns the bound address once the listener is up.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready is closed when the listener is accepting connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Start serves under sup and restarts the listener if it dies.
func (s *Server) Start(sup *supervisor.Supervisor) {
	sup.GoRestart("http.serve", s.serveOnce,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Server) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	return s.serve(ctx, ln)
}

// serve runs one http.Server on ln. It returns only after the shutdown
// watcher for this run has exited.
func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				s.log.Warn("http shutdown incomplete", logx.Err(err))
				_ = srv.Close()
			}
		case <-done:
			_ = srv.Close()
		}
	}()

	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.Bool("admin_token_set", s.cfg.AdminToken != ""))
	err := srv.Serve(ln)
	close(done)
	<-watcherDone

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}
