// Package selection decides which registered backend is active and builds
// storage handles for it.
package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/seantiz/stowage/internal/backend"
)

// Selection errors.
var (
	// ErrNotInitialized is returned by Current and Open before any backend
	// has been selected.
	ErrNotInitialized = errors.New("no backend selected")

	// ErrNoDefault is returned when no default backend name is configured,
	// or a sandboxed platform has no fallback for a worker-mode default.
	ErrNoDefault = errors.New("no default backend configured")

	// ErrNoWorkerOpener is returned when opening a worker-mode backend on a
	// controller built without a worker opener.
	ErrNoWorkerOpener = errors.New("no worker opener configured")
)

// WorkerOpener starts the worker for a worker-mode backend and returns a
// handle to it. The bridge launcher implements it.
type WorkerOpener interface {
	Open(ctx context.Context, ep backend.EntryPoint, statics backend.Descriptor) (backend.Storage, error)
}

// Platform describes the execution environment's constraints.
type Platform struct {
	// Sandboxed platforms cannot start worker processes.
	Sandboxed bool

	// Fallback names the backend selected instead of a worker-mode default
	// on a sandboxed platform.
	Fallback string
}

// DetectPlatform combines the configured sandbox flag with what the build
// target implies: js/wasm and wasip1 cannot start processes.
func DetectPlatform(sandboxed bool, fallback string) Platform {
	switch {
	case runtime.GOOS == "js" && runtime.GOARCH == "wasm", runtime.GOOS == "wasip1":
		sandboxed = true
	}
	return Platform{Sandboxed: sandboxed, Fallback: fallback}
}

// Controller tracks the active backend. It is an explicit value rather than
// process-wide state; each caller context owns its own. It is safe for
// concurrent use.
type Controller struct {
	registry *backend.Registry
	workers  WorkerOpener
	platform Platform
	logger   *slog.Logger

	mu     sync.RWMutex
	active *backend.Entry
}

// NewController creates a controller over reg. workers may be nil when no
// worker-mode backend will be opened.
func NewController(reg *backend.Registry, workers WorkerOpener, platform Platform, logger *slog.Logger) *Controller {
	return &Controller{
		registry: reg,
		workers:  workers,
		platform: platform,
		logger:   logger,
	}
}

// Platform returns the platform the controller was built for.
func (c *Controller) Platform() Platform {
	return c.platform
}

// SelectDefault activates the configured default backend. On a sandboxed
// platform a worker-mode default is replaced by the platform fallback.
func (c *Controller) SelectDefault(name string) error {
	if name == "" {
		return ErrNoDefault
	}

	e, err := c.registry.Resolve(name)
	if err != nil {
		return err
	}

	if e.Descriptor.IsWorker() && c.platform.Sandboxed {
		if c.platform.Fallback == "" {
			return fmt.Errorf("backend %q needs a worker on a sandboxed platform: %w", name, ErrNoDefault)
		}
		fallback, err := c.registry.Resolve(c.platform.Fallback)
		if err != nil {
			return fmt.Errorf("platform fallback: %w", err)
		}
		c.logger.Warn("worker backends unavailable on sandboxed platform, using fallback",
			"requested", name,
			"backend", fallback.Descriptor.Name,
		)
		e = fallback
	}

	c.activate(e)
	c.logger.Info("default storage selected", logAttrs(e)...)
	return nil
}

// SetActive activates name regardless of the configured default. No
// platform fallback applies.
func (c *Controller) SetActive(name string) error {
	e, err := c.registry.Resolve(name)
	if err != nil {
		return err
	}
	c.activate(e)
	c.logger.Info("active storage changed", logAttrs(e)...)
	return nil
}

// Current returns the active backend entry.
func (c *Controller) Current() (backend.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return backend.Entry{}, ErrNotInitialized
	}
	return *c.active, nil
}

// Open builds a fresh handle for the active backend. The caller owns the
// handle; later selection changes do not affect it.
func (c *Controller) Open(ctx context.Context) (backend.Storage, backend.Descriptor, error) {
	e, err := c.Current()
	if err != nil {
		return nil, backend.Descriptor{}, err
	}

	var s backend.Storage
	if e.Descriptor.IsWorker() {
		if c.workers == nil {
			return nil, backend.Descriptor{}, fmt.Errorf("backend %q: %w", e.Descriptor.Name, ErrNoWorkerOpener)
		}
		s, err = c.workers.Open(ctx, e.EntryPoint, e.Descriptor)
	} else {
		s, err = e.Factory(ctx)
	}
	if err != nil {
		return nil, backend.Descriptor{}, fmt.Errorf("open backend %q: %w", e.Descriptor.Name, err)
	}
	return s, e.Descriptor, nil
}

func (c *Controller) activate(e backend.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = &e
}

func logAttrs(e backend.Entry) []any {
	attrs := []any{"backend", e.Descriptor.Name, "mode", e.Descriptor.Mode}
	if e.Descriptor.IsWorker() {
		attrs = append(attrs, "transport", e.EntryPoint.Transport, "entry_point", e.EntryPoint.Target)
	}
	return attrs
}
