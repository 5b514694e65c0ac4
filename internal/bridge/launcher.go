package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/seantiz/stowage/internal/backend"
)

// Launcher defaults.
const (
	// DefaultCallTimeout applies to calls whose context carries no deadline.
	DefaultCallTimeout = 30 * time.Second

	// DefaultBootstrapTimeout bounds the wait for the worker's handshake.
	DefaultBootstrapTimeout = 10 * time.Second

	// gracefulShutdownTimeout is the time a worker gets to exit on its own
	// after its input is closed.
	gracefulShutdownTimeout = 3 * time.Second
)

// InprocFunc serves a worker protocol session on conn until the host side
// closes it or ctx is cancelled.
type InprocFunc func(ctx context.Context, conn net.Conn) error

// Launcher starts workers for worker-mode backends and hands back proxies.
type Launcher struct {
	logger           *slog.Logger
	callTimeout      time.Duration
	bootstrapTimeout time.Duration
	stderr           io.Writer

	mu     sync.RWMutex
	inproc map[string]InprocFunc
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithCallTimeout sets the default per-call timeout; zero disables it.
func WithCallTimeout(d time.Duration) Option {
	return func(l *Launcher) { l.callTimeout = d }
}

// WithBootstrapTimeout sets how long to wait for a worker's handshake.
func WithBootstrapTimeout(d time.Duration) Option {
	return func(l *Launcher) { l.bootstrapTimeout = d }
}

// WithStderr sets where exec workers write their logs.
func WithStderr(w io.Writer) Option {
	return func(l *Launcher) { l.stderr = w }
}

// NewLauncher creates a launcher with the given options.
func NewLauncher(logger *slog.Logger, opts ...Option) *Launcher {
	l := &Launcher{
		logger:           logger,
		callTimeout:      DefaultCallTimeout,
		bootstrapTimeout: DefaultBootstrapTimeout,
		stderr:           os.Stderr,
		inproc:           make(map[string]InprocFunc),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RegisterInproc makes an in-process worker available under name for entry
// points using the inproc transport.
func (l *Launcher) RegisterInproc(name string, fn InprocFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inproc[name] = fn
}

// Open starts a worker for ep and returns a proxy for it.
func (l *Launcher) Open(ctx context.Context, ep backend.EntryPoint, statics backend.Descriptor) (backend.Storage, error) {
	p, err := l.OpenProxy(ctx, ep, statics)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// OpenProxy is Open with the concrete proxy type. It fails fast with a
// BootstrapError if the worker cannot be started or does not complete its
// handshake; no operation is attempted before that.
func (l *Launcher) OpenProxy(ctx context.Context, ep backend.EntryPoint, statics backend.Descriptor) (*Proxy, error) {
	start := time.Now()

	var (
		s   *session
		err error
	)
	switch ep.Transport {
	case backend.TransportExec:
		s, err = l.startProcess(ep)
	case backend.TransportUnix:
		s, err = l.dial(ctx, unixDialer(ep.Target))
	case backend.TransportVsock:
		cid, port, perr := ParseVsockTarget(ep.Target)
		if perr != nil {
			return nil, bootstrapError(ep, perr)
		}
		s, err = l.dial(ctx, vsockDialer(cid, port))
	case backend.TransportInproc:
		s, err = l.startInproc(ep)
	default:
		err = fmt.Errorf("unknown transport %q", ep.Transport)
	}
	if err != nil {
		return nil, bootstrapError(ep, err)
	}

	hello, err := l.awaitHello(ctx, s)
	if err != nil {
		s.conn.Close()
		if relErr := s.release(); relErr != nil {
			l.logger.Debug("release after failed handshake", "error", relErr)
		}
		return nil, bootstrapError(ep, err)
	}
	bootstrapDuration.Observe(time.Since(start).Seconds())

	l.logger.Info("worker started",
		"backend", statics.Name,
		"transport", ep.Transport,
		"entry_point", ep.Target,
		"worker_backend", hello.Backend,
		"worker_pid", hello.PID,
	)

	return newProxy(s.conn, proxyConfig{
		statics:    statics,
		entryPoint: ep,
		hello:      hello,
		release:    s.release,
		timeout:    l.callTimeout,
		logger:     l.logger,
	}), nil
}

// session is a started worker before its handshake.
type session struct {
	conn    io.ReadWriteCloser
	exited  <-chan struct{} // closed when the worker is known to be gone; nil if unknown
	release func() error
}

// stdioConn joins a child's stdout and stdin into one connection. Closing it
// closes stdin, which the worker treats as the end of the session.
type stdioConn struct {
	io.Reader
	io.WriteCloser
}

// startProcess wires the child to pipes the launcher owns. Wait never closes
// them, so frames the worker wrote before exiting stay readable.
func (l *Launcher) startProcess(ep backend.EntryPoint) (*session, error) {
	path, err := exec.LookPath(ep.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve entry point: %w", err)
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	cmd := exec.Command(path, ep.Args...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = l.stderr

	err = cmd.Start()
	// The child holds its own copies of these ends.
	stdinR.Close()
	stdoutW.Close()
	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	pid := cmd.Process.Pid
	release := func() error {
		select {
		case <-exited:
		case <-time.After(gracefulShutdownTimeout):
			l.logger.Warn("worker did not exit, killing", "worker_pid", pid)
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return fmt.Errorf("kill worker %d: %w", pid, err)
			}
			<-exited
		}
		// A grandchild may still hold stdout open; closing our end ends any
		// blocked read.
		stdoutR.Close()
		l.logger.Debug("worker exited", "worker_pid", pid, "wait_error", waitErr)
		return nil
	}

	return &session{
		conn:    stdioConn{Reader: stdoutR, WriteCloser: stdinW},
		exited:  exited,
		release: release,
	}, nil
}

func (l *Launcher) dial(ctx context.Context, connect dialFunc) (*session, error) {
	conn, err := dialWithRetry(ctx, connect)
	if err != nil {
		return nil, err
	}
	// A dialed worker outlives this session; closing the connection is
	// all the release there is.
	return &session{
		conn:    conn,
		release: func() error { return nil },
	}, nil
}

func (l *Launcher) startInproc(ep backend.EntryPoint) (*session, error) {
	l.mu.RLock()
	fn, ok := l.inproc[ep.Target]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no in-process worker named %q", ep.Target)
	}

	host, guest := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		defer guest.Close()
		if err := fn(ctx, guest); err != nil {
			l.logger.Debug("in-process worker stopped", "entry_point", ep.Target, "error", err)
		}
	}()

	release := func() error {
		select {
		case <-exited:
		case <-time.After(gracefulShutdownTimeout):
			cancel()
			guest.Close()
			<-exited
		}
		cancel()
		return nil
	}

	return &session{conn: host, exited: exited, release: release}, nil
}

// awaitHello reads the worker's handshake frame.
func (l *Launcher) awaitHello(ctx context.Context, s *session) (Hello, error) {
	type result struct {
		hello Hello
		err   error
	}
	ch := make(chan result, 1)

	go func() {
		var resp Response
		if err := ReadMessage(s.conn, &resp); err != nil {
			ch <- result{err: fmt.Errorf("read handshake: %w", err)}
			return
		}
		if resp.ID != HelloID {
			ch <- result{err: fmt.Errorf("handshake carried correlation id %d", resp.ID)}
			return
		}
		if resp.Error != nil {
			ch <- result{err: fmt.Errorf("worker refused to start: %w", DecodeError(resp.Error))}
			return
		}
		var h Hello
		if err := json.Unmarshal(resp.Payload, &h); err != nil {
			ch <- result{err: fmt.Errorf("decode handshake: %w", err)}
			return
		}
		ch <- result{hello: h}
	}()

	timer := time.NewTimer(l.bootstrapTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.hello, res.err
	case <-s.exited:
		// Whatever the worker wrote before exiting is still buffered, so a
		// refusal arrives intact; an empty stream reads as EOF.
		select {
		case res := <-ch:
			switch {
			case res.err == nil:
				return Hello{}, errors.New("worker exited right after handshake")
			case errors.Is(res.err, io.EOF):
				return Hello{}, fmt.Errorf("worker exited before handshake: %w", res.err)
			}
			return Hello{}, res.err
		case <-timer.C:
			return Hello{}, errors.New("worker exited before handshake")
		}
	case <-timer.C:
		return Hello{}, fmt.Errorf("no handshake within %s", l.bootstrapTimeout)
	case <-ctx.Done():
		return Hello{}, ctx.Err()
	}
}
