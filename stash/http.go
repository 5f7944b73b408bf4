package stash

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/ghstash/shield"
	"github.com/hazyhaar/ghstash/stash/internal/ghsearch"
	"github.com/hazyhaar/ghstash/stash/internal/store"
)

// Handler returns the HTTP API behind the shield stack and, when configured,
// basic authentication. /health is public.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(s.logger) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(shield.BasicAuth("ghstash", s.cfg.HTTP.Username, s.cfg.HTTP.PasswordHash))
		s.RegisterHTTP(r)
	})
	return r
}

// RegisterHTTP mounts the /api routes on r.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Post("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		var args runArgs
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		res, err := s.Run(r.Context(), args.request())
		if err != nil {
			writeRunError(w, res, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	})

	r.Get("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		successOnly, _ := strconv.ParseBool(r.URL.Query().Get("success_only"))
		runs, err := s.History(r.Context(), queryInt(r, "limit", store.DefaultHistoryLimit), successOnly)
		if err != nil {
			writeKindError(w, err)
			return
		}
		if runs == nil {
			runs = []*RunMetadata{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/api/tables", func(w http.ResponseWriter, r *http.Request) {
		tables, err := s.Tables(r.Context())
		if err != nil {
			writeKindError(w, err)
			return
		}
		if tables == nil {
			tables = []TableInfo{}
		}
		writeJSON(w, http.StatusOK, tables)
	})

	r.Get("/api/tables/{name}/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.TableStats(r.Context(), chi.URLParam(r, "name"))
		if err != nil {
			writeKindError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	r.Delete("/api/tables/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := s.DropTable(r.Context(), name); err != nil {
			writeKindError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "dropped", "table": name})
	})

	r.Get("/api/rate-limit", func(w http.ResponseWriter, r *http.Request) {
		rl, err := s.RateLimit(r.Context())
		if err != nil {
			writeKindError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rl)
	})
}

// statusFor maps an error to the HTTP status of the API response.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrTableNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTableName):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrTableExists):
		return http.StatusConflict
	}
	switch ErrorKind(err) {
	case KindValidation, KindInvalidQuery:
		return http.StatusBadRequest
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindAuthentication, KindServer, KindNetwork, KindParse:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func setRetryAfter(w http.ResponseWriter, err error) {
	var rateErr *ghsearch.RateLimitError
	if errors.As(err, &rateErr) && !rateErr.Reset.IsZero() {
		secs := int(time.Until(rateErr.Reset).Seconds()) + 1
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
}

func writeKindError(w http.ResponseWriter, err error) {
	setRetryAfter(w, err)
	writeJSON(w, statusFor(err), map[string]string{
		"error":      err.Error(),
		"error_kind": ErrorKind(err),
	})
}

func writeRunError(w http.ResponseWriter, res *RunResult, err error) {
	setRetryAfter(w, err)
	writeJSON(w, statusFor(err), map[string]any{
		"error":      err.Error(),
		"error_kind": ErrorKind(err),
		"run":        res,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
