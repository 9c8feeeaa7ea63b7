// Package observability serves health, status and pprof endpoints for operators.
package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	logx "streamwatch/pkg/logx"
)

// Config controls the ops HTTP server.
//
// A non-loopback Addr requires Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

const defaultAddr = "127.0.0.1:6060"

// Status is the JSON body of /status.
type Status struct {
	StartedAt  time.Time       `json:"started_at"`
	Goroutines int64           `json:"goroutines"`
	Sources    map[string]bool `json:"sources"`
	Chats      int             `json:"chats_in_flight"`
	Dropped    uint64          `json:"events_dropped"`
	Panics     int64           `json:"drive_panics"`
	Err        string          `json:"err,omitempty"`
}

// StatusFunc reports the current process status. A non-empty Err marks it unhealthy.
type StatusFunc func() Status

type Server struct {
	cfg    Config
	status StatusFunc
	log    logx.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, status StatusFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	return &Server{cfg: cfg, status: status, log: log.With(logx.String("comp", "ops"))}
}

func (s *Server) Enabled() bool { return s.cfg.Enabled }

// Handler builds the router. Every route goes through token auth when a token is set.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.auth)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	dbg := r.PathPrefix("/debug/pprof").Subrouter()
	dbg.HandleFunc("/cmdline", hpprof.Cmdline)
	dbg.HandleFunc("/profile", hpprof.Profile)
	dbg.HandleFunc("/symbol", hpprof.Symbol)
	dbg.HandleFunc("/trace", hpprof.Trace)
	dbg.PathPrefix("/").HandlerFunc(hpprof.Index)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.status != nil {
		if st := s.status(); st.Err != "" {
			http.Error(w, st.Err, http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var st Status
	if s.status != nil {
		st = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.log.Warn("encode status failed", logx.Err(err))
	}
}

func (s *Server) auth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Serve listens and serves until ctx is done. It returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		return fmt.Errorf("ops server refused %s: non-loopback addr needs a token or allow_insecure", s.cfg.Addr)
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

// Addr is the bound listener address, empty before Serve starts listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
