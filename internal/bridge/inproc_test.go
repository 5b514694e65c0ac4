package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/bridge"
	"github.com/seantiz/stowage/internal/model"
	"github.com/seantiz/stowage/internal/storage/memory"
	"github.com/seantiz/stowage/internal/storage/storagetest"
	"github.com/seantiz/stowage/internal/worker"
)

var (
	liteDescriptor = backend.Descriptor{Name: "remote-lite", Mode: backend.ModeWorker}
	fullDescriptor = backend.Descriptor{
		Name:                        "remote-memory",
		SupportsReplicationProtocol: true,
		SupportsBinaryAttachments:   true,
		Mode:                        backend.ModeWorker,
	}
)

func newLauncher(t *testing.T) *bridge.Launcher {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	l := bridge.NewLauncher(logger)
	l.RegisterInproc("lite", worker.Inproc("lite", func(context.Context) (backend.Storage, error) {
		return memory.New(memory.WithoutAttachments()), nil
	}, logger))
	l.RegisterInproc("memory", worker.Inproc("memory", func(context.Context) (backend.Storage, error) {
		return memory.New(), nil
	}, logger))
	l.RegisterInproc("broken", worker.Inproc("broken", func(context.Context) (backend.Storage, error) {
		return nil, errors.New("disk on fire")
	}, logger))
	return l
}

func openProxy(t *testing.T, l *bridge.Launcher, target string, statics backend.Descriptor) backend.Storage {
	t.Helper()
	s, err := l.Open(context.Background(), backend.EntryPoint{Transport: backend.TransportInproc, Target: target}, statics)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", target, err)
	}
	return s
}

func TestInprocConformanceLite(t *testing.T) {
	l := newLauncher(t)
	storagetest.Run(t, func(t *testing.T) backend.Storage {
		return openProxy(t, l, "lite", liteDescriptor)
	}, storagetest.Options{Attachments: false})
}

func TestInprocConformanceMemory(t *testing.T) {
	l := newLauncher(t)
	storagetest.Run(t, func(t *testing.T) backend.Storage {
		return openProxy(t, l, "memory", fullDescriptor)
	}, storagetest.Options{Attachments: true})
}

func TestInprocWorkerRejectsAttachmentsRemotely(t *testing.T) {
	// Statics claim attachment support the engine lacks; the worker's own
	// answer must still come back as ErrUnsupported.
	l := newLauncher(t)
	s := openProxy(t, l, "lite", fullDescriptor)
	defer s.Close()

	ctx := context.Background()
	if _, err := s.Put(ctx, model.Record{ID: "r"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.PutAttachment(ctx, "r", "a", []byte{1}); !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("PutAttachment() error = %v, want %v", err, backend.ErrUnsupported)
	}
}

func TestInprocFactoryFailureIsBootstrapError(t *testing.T) {
	l := newLauncher(t)
	_, err := l.Open(context.Background(), backend.EntryPoint{Transport: backend.TransportInproc, Target: "broken"}, liteDescriptor)
	if !errors.Is(err, bridge.ErrWorkerBootstrap) {
		t.Errorf("Open() error = %v, want %v", err, bridge.ErrWorkerBootstrap)
	}
}

func TestInprocProxiesAreIndependent(t *testing.T) {
	l := newLauncher(t)
	ctx := context.Background()

	first := openProxy(t, l, "memory", fullDescriptor)
	second := openProxy(t, l, "memory", fullDescriptor)
	defer second.Close()

	if _, err := first.Put(ctx, model.Record{ID: "only-in-first"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := second.Get(ctx, "only-in-first"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("second.Get() error = %v, want %v", err, backend.ErrNotFound)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("first.Close() error = %v", err)
	}
	if _, err := first.Get(ctx, "only-in-first"); !errors.Is(err, bridge.ErrClosed) {
		t.Errorf("first.Get() after Close error = %v, want %v", err, bridge.ErrClosed)
	}
	if _, err := second.Put(ctx, model.Record{ID: "still-works"}); err != nil {
		t.Errorf("second.Put() after first.Close error = %v", err)
	}
}

func TestInprocOversizeRequestKeepsWorker(t *testing.T) {
	l := newLauncher(t)
	s := openProxy(t, l, "memory", fullDescriptor)
	defer s.Close()

	ctx := context.Background()
	if _, err := s.Put(ctx, model.Record{ID: "doc"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	err := s.PutAttachment(ctx, "doc", "blob", make([]byte, 13<<20))
	if !errors.Is(err, bridge.ErrMessageTooLarge) {
		t.Fatalf("PutAttachment() error = %v, want %v", err, bridge.ErrMessageTooLarge)
	}

	if _, err := s.Get(ctx, "doc"); err != nil {
		t.Errorf("Get() after oversize request error = %v", err)
	}
	if err := s.PutAttachment(ctx, "doc", "small", []byte("ok")); err != nil {
		t.Errorf("PutAttachment(small) error = %v", err)
	}
}

func TestInprocOversizeResponseFailsFast(t *testing.T) {
	l := newLauncher(t)
	s := openProxy(t, l, "lite", liteDescriptor)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data := json.RawMessage(`"` + strings.Repeat("x", 900<<10) + `"`)
	for i := range 20 {
		if _, err := s.Put(ctx, model.Record{ID: fmt.Sprintf("big-%02d", i), Data: data}); err != nil {
			t.Fatalf("Put(%d) error = %v", i, err)
		}
	}

	_, err := s.Query(ctx, model.Query{Prefix: "big-"})
	if !errors.Is(err, bridge.ErrMessageTooLarge) {
		t.Fatalf("Query() error = %v, want %v", err, bridge.ErrMessageTooLarge)
	}

	recs, err := s.Query(ctx, model.Query{Prefix: "big-", Limit: 2})
	if err != nil {
		t.Fatalf("Query(limit 2) error = %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("Query(limit 2) returned %d records, want 2", len(recs))
	}
}

// execWorkerEnv selects what the test binary does when launched as a worker.
const execWorkerEnv = "STOWAGE_TEST_EXEC_WORKER"

type stdio struct {
	io.Reader
	io.Writer
}

// TestExecWorkerProcess runs the worker side of an exec session when the
// test binary is re-executed by the tests below.
func TestExecWorkerProcess(t *testing.T) {
	mode := os.Getenv(execWorkerEnv)
	if mode == "" {
		t.Skip("only runs as a spawned worker")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	var err error
	switch mode {
	case "refuse":
		err = worker.Refuse(os.Stdout, errors.New("engine unavailable"))
	case "lite":
		err = worker.New(mode, memory.New(memory.WithoutAttachments()), logger).Serve(context.Background(), stdio{os.Stdin, os.Stdout})
	default:
		err = worker.New(mode, memory.New(), logger).Serve(context.Background(), stdio{os.Stdin, os.Stdout})
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func execEntryPoint(t *testing.T, mode string) backend.EntryPoint {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("resolve test binary: %v", err)
	}
	t.Setenv(execWorkerEnv, mode)
	return backend.EntryPoint{
		Transport: backend.TransportExec,
		Target:    exe,
		Args:      []string{"-test.run=^TestExecWorkerProcess$"},
	}
}

func TestExecConformanceLite(t *testing.T) {
	l := bridge.NewLauncher(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	ep := execEntryPoint(t, "lite")
	storagetest.Run(t, func(t *testing.T) backend.Storage {
		s, err := l.Open(context.Background(), ep, liteDescriptor)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		return s
	}, storagetest.Options{Attachments: false})
}

func TestExecConformanceMemory(t *testing.T) {
	l := bridge.NewLauncher(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	ep := execEntryPoint(t, "memory")
	storagetest.Run(t, func(t *testing.T) backend.Storage {
		s, err := l.Open(context.Background(), ep, fullDescriptor)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		return s
	}, storagetest.Options{Attachments: true})
}

func TestExecOpenCloseCycles(t *testing.T) {
	l := bridge.NewLauncher(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	ep := execEntryPoint(t, "memory")
	ctx := context.Background()

	for i := range 3 {
		p, err := l.OpenProxy(ctx, ep, fullDescriptor)
		if err != nil {
			t.Fatalf("cycle %d: OpenProxy() error = %v", i, err)
		}
		if p.WorkerPID() == os.Getpid() {
			t.Errorf("cycle %d: WorkerPID() = own pid, want a child process", i)
		}
		if _, err := p.Put(ctx, model.Record{ID: "r"}); err != nil {
			t.Errorf("cycle %d: Put() error = %v", i, err)
		}
		rec, err := p.Get(ctx, "r")
		if err != nil {
			t.Errorf("cycle %d: Get() error = %v", i, err)
		}
		if rec.Rev != 1 {
			t.Errorf("cycle %d: Rev = %d, want 1", i, rec.Rev)
		}
		if err := p.Close(); err != nil {
			t.Errorf("cycle %d: Close() error = %v", i, err)
		}
		select {
		case <-p.Done():
		default:
			t.Errorf("cycle %d: Done() not closed after Close", i)
		}
	}
}

func TestExecRefusalReachesHost(t *testing.T) {
	l := bridge.NewLauncher(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	_, err := l.Open(context.Background(), execEntryPoint(t, "refuse"), liteDescriptor)
	if !errors.Is(err, bridge.ErrWorkerBootstrap) {
		t.Fatalf("Open() error = %v, want %v", err, bridge.ErrWorkerBootstrap)
	}
	if !strings.Contains(err.Error(), "engine unavailable") {
		t.Errorf("Open() error = %q, want the worker's refusal", err)
	}
}
