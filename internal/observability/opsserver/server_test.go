package opsserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "castbot/pkg/logx"
)

func TestHandlerTokenGuard(t *testing.T) {
	s := New(Config{}, nil, logx.Nop())
	h := s.Handler(Config{Token: "s3cret"})

	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"no token", "/healthz", "", http.StatusUnauthorized},
		{"wrong query token", "/healthz?token=nope", "", http.StatusUnauthorized},
		{"query token", "/healthz?token=s3cret", "", http.StatusOK},
		{"bearer", "/metrics", "Bearer s3cret", http.StatusOK},
		{"pprof disabled", "/debug/pprof/?token=s3cret", "", http.StatusNotFound},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, c.target, nil)
		if c.header != "" {
			req.Header.Set("Authorization", c.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Fatalf("%s: got %d want %d", c.name, rec.Code, c.want)
		}
	}
}

func TestHealthReportsDetail(t *testing.T) {
	s := New(Config{}, func() (bool, map[string]any) {
		return false, map[string]any{"broadcast_queue": 3}
	}, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"broadcast_queue":3`) || !strings.Contains(body, `"ok":false`) {
		t.Fatalf("body %s", body)
	}
}

func TestPprofUnderCustomPrefix(t *testing.T) {
	s := New(Config{}, nil, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler(Config{Pprof: true, PprofPrefix: "ops/pprof"}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/pprof/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestStartServesAndStops(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, logx.Nop())
	s.Start(context.Background())

	var addr string
	deadline := time.Now().Add(3 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		addr = s.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("server did not bind")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), `"ok":true`) {
		t.Fatalf("healthz: %d %s", resp.StatusCode, b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatalf("expected no listener after stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:80":   true,
		"[::1]:1":        true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"garbage":        false,
	}
	for in, want := range cases {
		if got := isLoopbackAddr(in); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", in, got)
		}
	}
}
