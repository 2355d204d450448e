package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wilhg/rewind/pkg/config"
	"github.com/wilhg/rewind/pkg/logger"
)

func TestParseFlags_OverridesEnv(t *testing.T) {
	t.Setenv("REWIND_ADDR", ":9000")
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	var stderr bytes.Buffer
	o, err := parseFlags([]string{"-archive", "demo", "-mcp"}, cfg, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	if o.cfg.Addr != ":9000" || o.cfg.ArchiveName != "demo" || !o.cfg.MCPStdio {
		t.Fatalf("cfg=%+v", o.cfg)
	}

	if _, err := parseFlags([]string{"-restore", "x"}, config.Config{}, &stderr); err == nil {
		t.Fatal("expected restore without database url to fail")
	}
	if _, err := parseFlags([]string{"-log-level", "loud"}, cfg, &stderr); err == nil {
		t.Fatal("expected invalid log level to fail")
	}
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(t.Context(), []string{"-version"}, &stdout, &stderr); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(stdout.String(), "rewind dev") {
		t.Fatalf("stdout=%q", stdout.String())
	}
}

func TestApp_SaveAndRestore(t *testing.T) {
	// No deadline on open: the SQLite wasm module compiles slowly under -race.
	ctx := t.Context()
	dsn := "sqlite:file:" + filepath.Join(t.TempDir(), "rewind.db") + "?_pragma=busy_timeout(5000)"
	o := options{cfg: config.Config{DatabaseURL: dsn, ArchiveName: "session"}}

	a, err := newApp(ctx, o, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(a.handler)
	resp, err := http.Post(srv.URL+"/dispatch", "application/json", strings.NewReader(`{"slice":"x","value":5}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status=%d", resp.StatusCode)
	}
	idleCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := a.store.WaitIdle(idleCtx); err != nil {
		t.Fatal(err)
	}
	agg, err := http.Get(srv.URL + "/stores/state")
	if err != nil {
		t.Fatal(err)
	}
	var stores map[string]map[string]map[string]any
	err = json.NewDecoder(agg.Body).Decode(&stores)
	_ = agg.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if stores["counter"]["main"]["x"] != float64(5) {
		t.Fatalf("stores state=%v", stores)
	}
	srv.Close()
	if err := a.shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	o.restore = "session"
	b, err := newApp(ctx, o, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.shutdown(context.Background()) })
	s := b.store.State()
	if s.Get("x") != float64(5) || s.Get("count") != 1 {
		t.Fatalf("restored state=%v", s.Map())
	}
	if n := len(b.store.History()); n != 2 {
		t.Fatalf("history len=%d want 2", n)
	}
}

func TestApp_RestoreMissingSession(t *testing.T) {
	dsn := "sqlite:file:" + filepath.Join(t.TempDir(), "rewind.db")
	o := options{cfg: config.Config{DatabaseURL: dsn, ArchiveName: "session"}, restore: "nope"}
	if _, err := newApp(t.Context(), o, logger.Nop()); err == nil {
		t.Fatal("expected missing session to fail")
	}
}
