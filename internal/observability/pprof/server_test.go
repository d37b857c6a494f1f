package pprof

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"testing"
	"time"

	logx "scriptsched/pkg/logx"
)

func get(t *testing.T, url, bearer string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestApplyEnableDisable(t *testing.T) {
	srv := New(logx.Nop())
	t.Cleanup(func() {
		srv.Stop(context.Background())
		runtime.SetMutexProfileFraction(0)
		runtime.SetBlockProfileRate(0)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: 7}
	if err := srv.Apply(ctx, cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("no address after enable")
	}
	if code := get(t, "http://"+addr+"/debug/pprof/", ""); code != http.StatusOK {
		t.Fatalf("index status = %d, want 200", code)
	}
	if got := runtime.SetMutexProfileFraction(-1); got != 7 {
		t.Fatalf("mutex profile fraction = %d, want 7", got)
	}

	// Unchanged listener settings keep the same socket.
	cfg.BlockProfileRate = 1
	if err := srv.Apply(ctx, cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if srv.Addr() != addr {
		t.Fatalf("listener restarted: %s -> %s", addr, srv.Addr())
	}

	if err := srv.Apply(ctx, Config{}); err != nil {
		t.Fatalf("Apply disable: %v", err)
	}
	if a := srv.Addr(); a != "" {
		t.Fatalf("still listening on %s", a)
	}
}

func TestToken(t *testing.T) {
	srv := New(logx.Nop())
	t.Cleanup(func() { srv.Stop(context.Background()) })

	if err := srv.Apply(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	base := "http://" + srv.Addr()

	tests := []struct {
		name   string
		url    string
		bearer string
		want   int
	}{
		{"missing", base + "/healthz", "", http.StatusUnauthorized},
		{"wrong bearer", base + "/healthz", "nope", http.StatusUnauthorized},
		{"bearer", base + "/healthz", "s3cret", http.StatusOK},
		{"query", base + "/healthz?token=s3cret", "", http.StatusOK},
	}
	for _, tt := range tests {
		if got := get(t, tt.url, tt.bearer); got != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	srv := New(logx.Nop())
	t.Cleanup(func() { srv.Stop(context.Background()) })

	err := srv.Apply(context.Background(), Config{Enabled: true, Addr: "0.0.0.0:0"})
	if !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("Apply = %v, want ErrInsecureBind", err)
	}
	if srv.Addr() != "" {
		t.Fatal("listener started on insecure bind")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		":6060":          false,
		"10.0.0.5:6060":  false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
