package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"fogworker/internal/storage"
	logx "fogworker/pkg/logx"
)

const (
	defaultHistoryLimit = 10
	maxConfigBody       = 1 << 20
)

// Handler builds the route table for cfg. Exposed for tests.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("GET /healthz", wrap(s.handleHealth))
	mux.HandleFunc("GET /fog/status", wrap(s.handleStatus))
	mux.HandleFunc("POST /fog/config", wrap(s.handleConfig))
	mux.HandleFunc("GET /fog/history", wrap(s.handleHistory))
	mux.HandleFunc("DELETE /fog/history", wrap(s.handleClearHistory))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	snap := s.deps.Health()
	code := http.StatusOK
	if snap.FirstError != "" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, snap)
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": s.deps.Status.Status()})
}

func (s *Service) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Config == nil {
		writeError(w, http.StatusServiceUnavailable, "config updates unavailable")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxConfigBody {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		writeError(w, http.StatusBadRequest, "Request body is empty")
		return
	}

	if _, err := s.deps.Config.Update(r.Context(), body); err != nil {
		s.log.Warn("config update rejected", logx.Err(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("config updated via http", logx.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	q := storage.Query{Limit: defaultHistoryLimit, Status: strings.TrimSpace(r.URL.Query().Get("status"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}

	recs, err := s.deps.History.List(r.Context(), q)
	if err != nil {
		s.log.Warn("history list failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.CycleRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": recs})
}

func (s *Service) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	if err := s.deps.History.Clear(r.Context()); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, storage.ErrClosed) {
			code = http.StatusServiceUnavailable
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"status": "error", "message": msg})
}
