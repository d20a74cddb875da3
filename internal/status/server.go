package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"jobsagent/internal/callback"
	"jobsagent/internal/eventbus"
	"jobsagent/internal/runtime/supervisor"
	"jobsagent/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9999"

type Config struct {
	Addr  string
	Token string
	Pprof bool
}

// Pipeline is the part of the callback dispatcher the server exposes.
type Pipeline interface {
	Push(r callback.Record) error
	State() callback.State
	Stats() callback.Stats
	Pending() []callback.PendingInfo
}

type Service struct {
	cfg   Config
	log   logx.Logger
	pipe  Pipeline
	bus   eventbus.Bus
	loops func() map[string]supervisor.Snapshot
	ring  *ring

	startedAt time.Time
	handler   http.Handler

	mu  sync.Mutex
	sup *supervisor.Supervisor
	srv *http.Server
	ln  net.Listener
}

type Option func(*Service)

// WithEventBus records bus events for /v1/events.
func WithEventBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

// WithLoops adds supervisor snapshots to /v1/stats.
func WithLoops(fn func() map[string]supervisor.Snapshot) Option {
	return func(s *Service) { s.loops = fn }
}

func New(cfg Config, pipe Pipeline, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Service{cfg: cfg, log: log, pipe: pipe, ring: newRing(defaultRingSize), startedAt: time.Now()}
	for _, o := range opts {
		o(s)
	}
	s.handler = s.routes(cfg)
	return s
}

// Handler exposes the routes without a listener.
func (s *Service) Handler() http.Handler { return s.handler }

// Start binds the listener and serves until Stop. A non-loopback address
// without a token is refused.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	if s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		return errors.New("status server refused to start: non-loopback addr requires a token")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	srv := s.srv
	s.sup.Go("status.http", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.bus != nil {
		s.sup.Go("status.events", func(c context.Context) error { return s.ring.collect(c, s.bus) })
	}
	s.log.Info("status server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof), logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	if werr := sup.Wait(ctx); werr != nil && err == nil {
		err = werr
	}
	s.log.Info("status server stopped")
	return err
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
