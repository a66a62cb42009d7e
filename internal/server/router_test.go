package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/deployr/internal/orchestrator"
	"github.com/loykin/deployr/internal/state"
	"github.com/loykin/deployr/internal/supervisor"
)

// newOrch builds an orchestrator around seed without starting its loop. The
// handlers only read snapshots and enqueue triggers, so no loop is needed.
func newOrch(t *testing.T, seed *state.SystemState) *orchestrator.Orchestrator {
	t.Helper()
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"))
	if seed != nil {
		if err := store.Save(seed); err != nil {
			t.Fatalf("seed state: %v", err)
		}
	}
	st, err := store.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	cfg := orchestrator.Config{
		ServiceName: "svc",
		SpecFor: func(artifact string) supervisor.ServiceSpec {
			return supervisor.ServiceSpec{Name: "svc", Command: artifact}
		},
	}
	return orchestrator.New(cfg, nil, nil, supervisor.Config{}, state.NewTracker(st), store)
}

func setupRouter(t *testing.T, base string, seed *state.SystemState) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := NewRouter(newOrch(t, seed), base)
	return r.Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// seedWithBuilds returns a document with n terminal builds, newest last id.
func seedWithBuilds(n int) *state.SystemState {
	s := state.Default()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		rec := s.NewBuild(fmt.Sprintf("sha%d", i), base.Add(time.Duration(i)*time.Minute))
		fin := rec.StartedAt.Add(30 * time.Second)
		rec.FinishedAt = &fin
		rec.Status = state.BuildSuccess
		rec.ArtifactPath = fmt.Sprintf("/srv/artifacts/app-%d", i)
		s.UpsertBuild(rec, 100)
	}
	s.CurrentCommit = &state.Commit{SHA: fmt.Sprintf("sha%d", n-1), Message: "latest", Author: "dev", Date: base}
	return s
}

func TestStatusEndpoint(t *testing.T) {
	h := setupRouter(t, "/api", seedWithBuilds(2))
	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp statusResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if resp.Service.Status != state.RuntimeStopped {
		t.Fatalf("service status = %q, want stopped", resp.Service.Status)
	}
	if resp.CurrentCommit == nil || resp.CurrentCommit.SHA != "sha1" {
		t.Fatalf("current commit = %+v", resp.CurrentCommit)
	}
	if resp.LastBuild == nil || resp.LastBuild.ID != 2 {
		t.Fatalf("last build = %+v, want id 2", resp.LastBuild)
	}
}

func TestBuildsPagination(t *testing.T) {
	h := setupRouter(t, "", seedWithBuilds(5))
	rec := doReq(t, h, http.MethodGet, "/builds?limit=2&offset=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp buildsResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if resp.Total != 5 {
		t.Fatalf("total = %d, want 5", resp.Total)
	}
	if len(resp.Builds) != 2 {
		t.Fatalf("len(builds) = %d, want 2", len(resp.Builds))
	}
	// Newest first: ids 5,4,3,2,1; offset 1 limit 2 yields 4,3.
	if resp.Builds[0].ID != 4 || resp.Builds[1].ID != 3 {
		t.Fatalf("page ids = %d,%d, want 4,3", resp.Builds[0].ID, resp.Builds[1].ID)
	}
}

func TestBuildsPaginationBeyondEnd(t *testing.T) {
	h := setupRouter(t, "", seedWithBuilds(2))
	rec := doReq(t, h, http.MethodGet, "/builds?offset=50", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp buildsResp
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Builds) != 0 || resp.Total != 2 {
		t.Fatalf("got %d builds total %d, want empty page total 2", len(resp.Builds), resp.Total)
	}
}

func TestBuildsBadPagination(t *testing.T) {
	h := setupRouter(t, "", nil)
	rec := doReq(t, h, http.MethodGet, "/builds?limit=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestBuildByID(t *testing.T) {
	h := setupRouter(t, "", seedWithBuilds(3))
	rec := doReq(t, h, http.MethodGet, "/builds/2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var b state.BuildRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if b.ID != 2 || b.Status != state.BuildSuccess {
		t.Fatalf("record = %+v", b)
	}
}

func TestBuildByIDNotFound(t *testing.T) {
	h := setupRouter(t, "", seedWithBuilds(1))
	rec := doReq(t, h, http.MethodGet, "/builds/99", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestBuildByIDInvalid(t *testing.T) {
	h := setupRouter(t, "", nil)
	rec := doReq(t, h, http.MethodGet, "/builds/not-a-number", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeployWithoutArtifact(t *testing.T) {
	h := setupRouter(t, "", nil)
	rec := doReq(t, h, http.MethodPost, "/deploy", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeployConflictsWithRunningBuild(t *testing.T) {
	s := seedWithBuilds(1)
	running := s.NewBuild("shaX", time.Now().UTC())
	s.UpsertBuild(running, 100)
	s.ActiveBuildID = running.ID

	h := setupRouter(t, "", s)
	rec := doReq(t, h, http.MethodPost, "/deploy", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeployAccepted(t *testing.T) {
	h := setupRouter(t, "", seedWithBuilds(1))
	rec := doReq(t, h, http.MethodPost, "/deploy", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp okResp
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.OK {
		t.Fatalf("expected ok response, got %s", rec.Body.String())
	}
}

func TestCheckEndpoint(t *testing.T) {
	h := setupRouter(t, "/api", nil)
	rec := doReq(t, h, http.MethodPost, "/api/check", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := setupRouter(t, "", nil)
	rec := doReq(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestBasePathSanitized(t *testing.T) {
	h := setupRouter(t, "/api/", nil) // trailing slash must not break routes
	rec := doReq(t, h, http.MethodGet, "/api/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestIndexPage(t *testing.T) {
	h := setupRouter(t, "", seedWithBuilds(2))
	rec := doReq(t, h, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content-type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "deployr") || !strings.Contains(body, "sha1") {
		t.Fatalf("unexpected page body: %s", body)
	}
}

func TestMetricsRoute(t *testing.T) {
	h := setupRouter(t, "/api", nil)
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestNewServerStartClose(t *testing.T) {
	// ensure NewServer returns a server and can be closed quickly
	srv, err := NewServer("127.0.0.1:0", "/x", newOrch(t, nil))
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	_ = srv.Close()
}
