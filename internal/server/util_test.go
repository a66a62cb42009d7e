package server

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestParsePagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		query      string
		wantOffset int
		wantLimit  int
		wantErr    bool
	}{
		{"", 0, 20, false},
		{"?offset=3&limit=5", 3, 5, false},
		{"?limit=500", 0, 100, false}, // capped
		{"?offset=-4", 0, 20, false},  // clamped
		{"?limit=0", 0, 20, false},
		{"?offset=abc", 0, 0, true},
		{"?limit=abc", 0, 0, true},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/builds"+tc.query, nil)
		p, err := parsePagination(c)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("query %q: expected error", tc.query)
			}
			continue
		}
		if err != nil {
			t.Fatalf("query %q: %v", tc.query, err)
		}
		if p.Offset != tc.wantOffset || p.Limit != tc.wantLimit {
			t.Fatalf("query %q: got %+v, want offset=%d limit=%d", tc.query, p, tc.wantOffset, tc.wantLimit)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 201, map[string]any{"a": 1}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != 201 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type: %s", ct)
	}
}
