// Package gateway serves the diagnostics endpoint: leader records, session
// locks, prometheus metrics and a liveness probe, all read-only.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/sessionward/pkg/election"
	"github.com/pixperk/sessionward/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LeaderSource lists leader records; *election.Election implements it.
type LeaderSource interface {
	Leaders(ctx context.Context) ([]election.LeaderInfo, error)
}

// LockSource scans the keyspace; any store.Store or *store.Keyspace does.
type LockSource interface {
	Scan(ctx context.Context, prefix string) ([]types.Entry, error)
}

type Options struct {
	Leaders LeaderSource
	Locks   LockSource
	// marks the locks held by this instance
	OwnerPrefix string
	Logger      hclog.Logger
}

// one session lock record
type LockInfo struct {
	ConnectionID string `json:"connection_id"`
	OwnerPrefix  string `json:"owner_prefix,omitempty"`
	FencingToken string `json:"fencing_token,omitempty"`
	ExpiresAtMs  int64  `json:"expires_at_ms"`
	Mine         bool   `json:"mine"`
	// set when the stored value could not be parsed
	Raw string `json:"raw,omitempty"`
}

type Server struct {
	httpServer *http.Server
	opts       Options
	log        hclog.Logger
}

func NewServer(httpAddr string, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	s := &Server{opts: opts, log: log.Named("diagnostics")}
	s.httpServer = &http.Server{
		Addr:    httpAddr,
		Handler: s.Handler(),
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /leaders", s.leaders)
	mux.HandleFunc("GET /locks", s.locks)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// blocks until the server is stopped
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("diagnostics listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start diagnostics endpoint: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) leaders(w http.ResponseWriter, r *http.Request) {
	if s.opts.Leaders == nil {
		s.writeJSON(w, http.StatusOK, []election.LeaderInfo{})
		return
	}
	leaders, err := s.opts.Leaders.Leaders(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, leaders)
}

func (s *Server) locks(w http.ResponseWriter, r *http.Request) {
	if s.opts.Locks == nil {
		s.writeJSON(w, http.StatusOK, []LockInfo{})
		return
	}
	entries, err := s.opts.Locks.Scan(r.Context(), types.SessionKeyPrefix)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]LockInfo, 0, len(entries))
	for _, e := range entries {
		info := LockInfo{
			ConnectionID: strings.TrimPrefix(e.Key, types.SessionKeyPrefix),
			ExpiresAtMs:  e.ExpiresAtMs,
		}
		v, err := types.ParseLockValue(e.Value)
		if err != nil {
			info.Raw = e.Value
		} else {
			info.OwnerPrefix = v.OwnerPrefix
			info.FencingToken = v.FencingToken
			info.Mine = s.opts.OwnerPrefix != "" && v.OwnerPrefix == s.opts.OwnerPrefix
		}
		out = append(out, info)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, types.ErrStoreUnavailable) || errors.Is(err, types.ErrStoreTimeout) {
		code = http.StatusServiceUnavailable
	}
	s.log.Warn("diagnostics read failed", "error", err)
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
