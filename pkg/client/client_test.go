package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	c := New(Config{})
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("Expected default baseURL http://localhost:8080, got %s", c.baseURL)
	}
	if c.client.Timeout != 10*time.Second {
		t.Errorf("Expected default timeout 10s, got %v", c.client.Timeout)
	}

	c = New(Config{BaseURL: "http://example.com/api/", Timeout: 5 * time.Second})
	if c.baseURL != "http://example.com/api" {
		t.Errorf("Expected trailing slash to be trimmed, got %s", c.baseURL)
	}
	if c.client.Timeout != 5*time.Second {
		t.Errorf("Expected timeout 5s, got %v", c.client.Timeout)
	}
}

func TestIsReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Timeout: time.Second})
	if !c.IsReachable(context.Background()) {
		t.Error("Expected server to be reachable")
	}

	c = New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond})
	if c.IsReachable(context.Background()) {
		t.Error("Expected server to be unreachable")
	}

	server404 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server404.Close()

	c = New(Config{BaseURL: server404.URL, Timeout: time.Second})
	if c.IsReachable(context.Background()) {
		t.Error("Expected server returning 404 to be unreachable")
	}
}

func TestStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" && r.Method == "GET" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{
				"service":{"name":"svc","status":"running","pid":4242,"restarts":1},
				"current_commit":{"sha":"aaa1111","message":"init","author":"dev","date":"2025-06-01T10:00:00Z"},
				"last_build":{"id":3,"commit_sha":"aaa1111","started_at":"2025-06-01T10:00:00Z","status":"success"},
				"updated_at":"2025-06-01T10:05:00Z"
			}`))
		}
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Timeout: time.Second})
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if st.Service.Status != "running" || st.Service.PID != 4242 {
		t.Errorf("Unexpected service view: %+v", st.Service)
	}
	if st.CurrentCommit == nil || st.CurrentCommit.SHA != "aaa1111" {
		t.Errorf("Unexpected commit: %+v", st.CurrentCommit)
	}
	if st.LastBuild == nil || st.LastBuild.ID != 3 {
		t.Errorf("Unexpected last build: %+v", st.LastBuild)
	}
}

func TestBuilds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/builds" || r.Method != "GET" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("limit") != "2" || r.URL.Query().Get("offset") != "1" {
			t.Errorf("Unexpected query: %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"total":5,"offset":1,"limit":2,"builds":[
			{"id":4,"commit_sha":"d","started_at":"2025-06-01T10:03:00Z","status":"success"},
			{"id":3,"commit_sha":"c","started_at":"2025-06-01T10:02:00Z","status":"failed"}
		]}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Timeout: time.Second})
	page, err := c.Builds(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("Builds() error: %v", err)
	}
	if page.Total != 5 || len(page.Builds) != 2 {
		t.Errorf("Unexpected page: total=%d len=%d", page.Total, len(page.Builds))
	}
	if page.Builds[0].ID != 4 || page.Builds[1].Status != "failed" {
		t.Errorf("Unexpected records: %+v", page.Builds)
	}
}

func TestBuildByID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/builds/7":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"id":7,"commit_sha":"bbb2222","started_at":"2025-06-01T10:00:00Z","status":"timed_out"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"build not found"}`))
		}
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Timeout: time.Second})
	rec, err := c.Build(context.Background(), 7)
	if err != nil {
		t.Fatalf("Build(7) error: %v", err)
	}
	if rec.Status != "timed_out" {
		t.Errorf("Expected timed_out, got %s", rec.Status)
	}

	_, err = c.Build(context.Background(), 99)
	if err == nil {
		t.Fatal("Expected error for missing build, got nil")
	}
	if err.Error() != "API error: build not found" {
		t.Errorf("Unexpected error message: %q", err.Error())
	}
}

func TestDeploy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/deploy" && r.Method == "POST" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Timeout: time.Second})
	if err := c.Deploy(context.Background()); err != nil {
		t.Errorf("Expected successful deploy, got error: %v", err)
	}

	// Conflict while a build is running surfaces the server's message.
	busy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"build in progress"}`))
	}))
	defer busy.Close()

	c = New(Config{BaseURL: busy.URL, Timeout: time.Second})
	err := c.Deploy(context.Background())
	if err == nil {
		t.Fatal("Expected error for conflict response, but got nil")
	}
	if err.Error() != "API error: build in progress" {
		t.Errorf("Unexpected error message: %q", err.Error())
	}
}

func TestCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/check" && r.Method == "POST" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Timeout: time.Second})
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("Expected successful check, got error: %v", err)
	}
}

func TestErrorWithoutJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Timeout: time.Second})
	_, err := c.Status(context.Background())
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "HTTP 502" {
		t.Errorf("Expected plain status error, got %q", err.Error())
	}
}

func TestNetworkErrors(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond})

	if _, err := c.Status(context.Background()); err == nil {
		t.Error("Expected network error for status")
	}
	if _, err := c.Builds(context.Background(), 10, 0); err == nil {
		t.Error("Expected network error for builds")
	}
	if err := c.Deploy(context.Background()); err == nil {
		t.Error("Expected network error for deploy")
	}
	if err := c.Check(context.Background()); err == nil {
		t.Error("Expected network error for check")
	}
}
