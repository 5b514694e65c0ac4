package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/config"
	"github.com/seantiz/stowage/internal/selection"
)

func runCmd(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("execute %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestBackendsTable(t *testing.T) {
	t.Setenv("STOWAGE_REDIS_ADDR", "")
	t.Setenv("STOWAGE_POSTGRES_DSN", "")

	out := runCmd(t, "backends")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 7 {
		t.Fatalf("got %d lines, want header plus 6 backends:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "NAME") {
		t.Errorf("header = %q, want NAME column first", lines[0])
	}
	if !strings.Contains(out, "remote-lite") || !strings.Contains(out, "worker") {
		t.Errorf("output missing remote-lite worker row:\n%s", out)
	}
}

func TestBackendsJSON(t *testing.T) {
	t.Setenv("STOWAGE_REDIS_ADDR", "localhost:6379")
	t.Setenv("STOWAGE_POSTGRES_DSN", "")

	var ds []backend.Descriptor
	if err := json.Unmarshal([]byte(runCmd(t, "backends", "--json")), &ds); err != nil {
		t.Fatalf("decode output: %v", err)
	}

	found := false
	for _, d := range ds {
		if d.Name == "redis" {
			found = true
		}
	}
	if !found {
		t.Errorf("backends = %+v, want redis when STOWAGE_REDIS_ADDR is set", ds)
	}
}

func TestServeRejectsUnknownStorage(t *testing.T) {
	t.Setenv("STOWAGE_LOG_LEVEL", "error")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"serve", "--listen", "127.0.0.1:0", "--storage", "nonexistent"})

	err := root.Execute()
	if err == nil {
		t.Fatal("serve with unknown storage succeeded, want error")
	}
	if !strings.Contains(err.Error(), "nonexistent") {
		t.Errorf("error = %v, want it to name the backend", err)
	}
}

func TestServeRequiresDefaultStorage(t *testing.T) {
	t.Setenv("STOWAGE_DEFAULT_STORAGE", "")
	t.Setenv("STOWAGE_LOG_LEVEL", "error")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.ListenAddr = "127.0.0.1:0"

	err = serve(context.Background(), cfg)
	if !errors.Is(err, selection.ErrNoDefault) {
		t.Errorf("serve() error = %v, want %v", err, selection.ErrNoDefault)
	}
}
