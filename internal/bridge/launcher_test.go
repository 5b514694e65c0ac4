package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/stowage/internal/backend"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func assertBootstrapError(t *testing.T, err error, wantTransport string) {
	t.Helper()
	if !errors.Is(err, ErrWorkerBootstrap) {
		t.Fatalf("error = %v, want %v", err, ErrWorkerBootstrap)
	}
	var be *BootstrapError
	if !errors.As(err, &be) {
		t.Fatalf("error = %T, want *BootstrapError", err)
	}
	if be.EntryPoint.Transport != wantTransport {
		t.Errorf("EntryPoint.Transport = %q, want %q", be.EntryPoint.Transport, wantTransport)
	}
}

func TestOpenExecUnresolvablePath(t *testing.T) {
	l := NewLauncher(testLogger())
	ep := backend.EntryPoint{
		Transport: backend.TransportExec,
		Target:    filepath.Join(t.TempDir(), "no-such-worker"),
	}

	start := time.Now()
	p, err := l.Open(context.Background(), ep, liteStatics)
	if p != nil {
		t.Errorf("Open() returned a handle alongside error")
	}
	assertBootstrapError(t, err, backend.TransportExec)
	if !strings.Contains(err.Error(), "no-such-worker") {
		t.Errorf("error = %q, want to name the entry point", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Open() took %v, want fail fast", elapsed)
	}
}

func TestOpenExecExitsBeforeHandshake(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not available")
	}
	l := NewLauncher(testLogger())
	_, err := l.Open(context.Background(), backend.EntryPoint{Transport: backend.TransportExec, Target: "true"}, liteStatics)
	assertBootstrapError(t, err, backend.TransportExec)
}

func TestOpenExecHandshakeTimeout(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	// cat never writes a handshake and exits as soon as its stdin closes.
	l := NewLauncher(testLogger(), WithBootstrapTimeout(100*time.Millisecond))
	_, err := l.Open(context.Background(), backend.EntryPoint{Transport: backend.TransportExec, Target: "cat"}, liteStatics)
	assertBootstrapError(t, err, backend.TransportExec)
	if !strings.Contains(err.Error(), "no handshake") {
		t.Errorf("error = %q, want handshake timeout", err)
	}
}

func TestOpenInprocUnknownName(t *testing.T) {
	l := NewLauncher(testLogger())
	_, err := l.Open(context.Background(), backend.EntryPoint{Transport: backend.TransportInproc, Target: "ghost"}, liteStatics)
	assertBootstrapError(t, err, backend.TransportInproc)
}

func TestOpenInprocRefusal(t *testing.T) {
	l := NewLauncher(testLogger())
	l.RegisterInproc("broken", func(_ context.Context, conn net.Conn) error {
		return WriteMessage(conn, &Response{ID: HelloID, Error: EncodeError(backend.ErrUnsupported)})
	})

	_, err := l.Open(context.Background(), backend.EntryPoint{Transport: backend.TransportInproc, Target: "broken"}, liteStatics)
	assertBootstrapError(t, err, backend.TransportInproc)
	if !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("error = %v, want to carry the worker's cause", err)
	}
}

func TestOpenInprocWrongHandshakeID(t *testing.T) {
	l := NewLauncher(testLogger())
	l.RegisterInproc("confused", func(_ context.Context, conn net.Conn) error {
		return WriteMessage(conn, &Response{ID: 9})
	})

	_, err := l.Open(context.Background(), backend.EntryPoint{Transport: backend.TransportInproc, Target: "confused"}, liteStatics)
	assertBootstrapError(t, err, backend.TransportInproc)
}

func TestOpenVsockBadTarget(t *testing.T) {
	l := NewLauncher(testLogger())
	_, err := l.Open(context.Background(), backend.EntryPoint{Transport: backend.TransportVsock, Target: "not-a-target"}, liteStatics)
	assertBootstrapError(t, err, backend.TransportVsock)
}

func TestOpenUnknownTransport(t *testing.T) {
	l := NewLauncher(testLogger())
	_, err := l.Open(context.Background(), backend.EntryPoint{Transport: "carrier-pigeon", Target: "x"}, liteStatics)
	assertBootstrapError(t, err, "carrier-pigeon")
}

func TestOpenUnixDialFailure(t *testing.T) {
	l := NewLauncher(testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	sock := filepath.Join(t.TempDir(), "missing.sock")
	_, err := l.Open(ctx, backend.EntryPoint{Transport: backend.TransportUnix, Target: sock}, liteStatics)
	assertBootstrapError(t, err, backend.TransportUnix)
}

func TestOpenUnixRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "worker.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	served := make(chan struct{})
	go func() {
		defer close(served)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		hello, _ := json.Marshal(Hello{Backend: "remote-lite", PID: 77})
		if err := WriteMessage(conn, &Response{ID: HelloID, Payload: hello}); err != nil {
			return
		}
		for {
			var req Request
			if err := ReadMessage(conn, &req); err != nil {
				return
			}
			if err := WriteMessage(conn, &Response{ID: req.ID}); err != nil {
				return
			}
			if req.Op == OpClose {
				return
			}
		}
	}()

	l := NewLauncher(testLogger())
	p, err := l.OpenProxy(context.Background(), backend.EntryPoint{Transport: backend.TransportUnix, Target: sock}, liteStatics)
	if err != nil {
		t.Fatalf("OpenProxy() error = %v", err)
	}
	if p.WorkerPID() != 77 {
		t.Errorf("WorkerPID() = %d, want 77", p.WorkerPID())
	}
	if p.EntryPoint().Target != sock {
		t.Errorf("EntryPoint().Target = %q, want %q", p.EntryPoint().Target, sock)
	}
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	<-served
}
