package stash

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/ghstash/shield"
	"github.com/hazyhaar/ghstash/stash/internal/ghsearch"
	"github.com/hazyhaar/ghstash/stash/internal/repo"
)

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHTTP_RunLifecycle(t *testing.T) {
	// WHAT: POST /api/runs creates a table that the read and delete routes then see.
	// WHY: The HTTP API must expose the same lifecycle as the CLI.
	fs := &fakeSearcher{items: map[int][]repo.Record{1: {record(1, "alice", 10)}}}
	svc, _ := newTestService(t, fs)
	h := svc.Handler()

	w := doRequest(t, h, http.MethodPost, "/api/runs", `{"query":"language:go","per_page":10}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /api/runs = %d: %s", w.Code, w.Body)
	}
	var run RunResult
	if err := json.Unmarshal(w.Body.Bytes(), &run); err != nil {
		t.Fatal(err)
	}
	if run.RecordCount != 1 {
		t.Errorf("run = %+v", run)
	}
	if w.Header().Get("X-Trace-ID") == "" {
		t.Error("missing X-Trace-ID")
	}

	w = doRequest(t, h, http.MethodGet, "/api/runs?limit=5", "")
	var runs []map[string]any
	json.Unmarshal(w.Body.Bytes(), &runs)
	if w.Code != http.StatusOK || len(runs) != 1 {
		t.Errorf("GET /api/runs = %d %s", w.Code, w.Body)
	}

	w = doRequest(t, h, http.MethodGet, "/api/tables", "")
	var tables []TableInfo
	json.Unmarshal(w.Body.Bytes(), &tables)
	if len(tables) != 1 || tables[0].Name != run.TableName {
		t.Errorf("GET /api/tables = %s", w.Body)
	}

	w = doRequest(t, h, http.MethodGet, "/api/tables/"+run.TableName+"/stats", "")
	var stats TableStats
	json.Unmarshal(w.Body.Bytes(), &stats)
	if w.Code != http.StatusOK || stats.TotalRecords != 1 {
		t.Errorf("stats = %d %s", w.Code, w.Body)
	}

	w = doRequest(t, h, http.MethodDelete, "/api/tables/"+run.TableName, "")
	if w.Code != http.StatusOK {
		t.Errorf("DELETE = %d %s", w.Code, w.Body)
	}
	w = doRequest(t, h, http.MethodGet, "/api/tables/"+run.TableName+"/stats", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("stats after drop = %d", w.Code)
	}
}

func TestHTTP_ErrorStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"query", &ghsearch.QueryError{Query: "x", Reason: "bad"}, http.StatusBadRequest},
		{"rate limit", &ghsearch.RateLimitError{Status: 403, Reset: time.Now().Add(time.Minute)}, http.StatusTooManyRequests},
		{"auth", &ghsearch.AuthError{Status: 401}, http.StatusBadGateway},
		{"server", &ghsearch.ServerError{Status: 503}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := newTestService(t, &fakeSearcher{err: tc.err})
			w := doRequest(t, svc.Handler(), http.MethodPost, "/api/runs", `{"query":"x"}`)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tc.want, w.Body)
			}
			var body map[string]any
			json.Unmarshal(w.Body.Bytes(), &body)
			if body["error_kind"] != ErrorKind(tc.err) || body["run"] == nil {
				t.Errorf("body = %+v", body)
			}
			if tc.want == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
				t.Error("missing Retry-After")
			}
		})
	}
}

func TestHTTP_BadInput(t *testing.T) {
	svc, _ := newTestService(t, &fakeSearcher{})
	h := svc.Handler()
	if w := doRequest(t, h, http.MethodPost, "/api/runs", `{not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad json = %d", w.Code)
	}
	if w := doRequest(t, h, http.MethodPost, "/api/runs", `{"query":"x","page":0}`); w.Code != http.StatusBadRequest {
		t.Errorf("page 0 = %d", w.Code)
	}
	if w := doRequest(t, h, http.MethodDelete, "/api/tables/run_history", ""); w.Code != http.StatusBadRequest {
		t.Errorf("drop run_history = %d", w.Code)
	}
	if w := doRequest(t, h, http.MethodGet, "/api/tables/repos_20990101000000/stats", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing stats = %d", w.Code)
	}
}

func TestHTTP_BasicAuth(t *testing.T) {
	// WHAT: With credentials configured, /api requires them and /health does not.
	// WHY: The API can drop tables; it must not be open on a shared host.
	hash, err := shield.HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	svc, _ := newTestService(t, &fakeSearcher{})
	svc.cfg.HTTP.Username = "admin"
	svc.cfg.HTTP.PasswordHash = hash
	h := svc.Handler()

	if w := doRequest(t, h, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("/health = %d", w.Code)
	}
	if w := doRequest(t, h, http.MethodGet, "/api/tables", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no credentials = %d", w.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/tables", nil)
	r.SetBasicAuth("admin", "s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("with credentials = %d", w.Code)
	}
}

func TestHTTP_BodyLimit(t *testing.T) {
	svc, _ := newTestService(t, &fakeSearcher{})
	big := `{"query":"` + string(bytes.Repeat([]byte("a"), 128*1024)) + `"}`
	w := doRequest(t, svc.Handler(), http.MethodPost, "/api/runs", big)
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized body = %d", w.Code)
	}
	runs, _ := svc.History(t.Context(), 0, false)
	if len(runs) != 0 {
		t.Error("oversized request started a run")
	}
}
