// Package pprof runs the optional profiling listener. It is reconfigured on
// config reload without touching the API server.
package pprof

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logx "scriptsched/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the profiling listener.
//
// A non-loopback Addr requires a Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	MutexProfileFraction int
	BlockProfileRate     int
}

var ErrInsecureBind = errors.New("pprof: non-loopback addr requires token or allow_insecure")

type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	srv  *http.Server
	addr string
	done chan struct{}
}

func New(log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log}
}

// Apply starts, stops or restarts the listener to match cfg. Profile rates
// are applied even when the listener is disabled.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	runtime.SetMutexProfileFraction(max(cfg.MutexProfileFraction, 0))
	runtime.SetBlockProfileRate(max(cfg.BlockProfileRate, 0))

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		s.cfg = cfg
		return nil
	}
	if s.srv != nil && !needsRestart(s.cfg, cfg) {
		s.cfg = cfg
		return nil
	}
	s.stopLocked(ctx)
	s.cfg = cfg
	return s.startLocked(cfg)
}

func needsRestart(a, b Config) bool {
	return strings.TrimSpace(a.Addr) != strings.TrimSpace(b.Addr) ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure
}

func (s *Server) startLocked(cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	tok := strings.TrimSpace(cfg.Token)
	if tok == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("pprof refused to start", logx.String("addr", addr), logx.Err(ErrInsecureBind))
			return ErrInsecureBind
		}
		s.log.Warn("pprof running without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("pprof listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}

	r := chi.NewRouter()
	r.Use(requireToken(tok))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/debug", middleware.Profiler())

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	done := make(chan struct{})
	s.srv, s.addr, s.done = srv, ln.Addr().String(), done

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("pprof server error", logx.Err(err))
		}
	}()
	s.log.Info("pprof started", logx.String("addr", s.addr), logx.Bool("token_set", tok != ""))
	return nil
}

// Stop shuts the listener down; safe when not running.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, done, addr := s.srv, s.done, s.addr
	s.srv, s.done, s.addr = nil, nil, ""

	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("pprof stopped", logx.String("addr", addr))
}

// Addr is the bound address, empty when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// requireToken accepts "Authorization: Bearer <tok>" or ?token=<tok>.
func requireToken(tok string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		want := []byte(tok)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
