// Package catalog registers the built-in storage backends.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/config"
	"github.com/seantiz/stowage/internal/storage/badger"
	"github.com/seantiz/stowage/internal/storage/bolt"
	"github.com/seantiz/stowage/internal/storage/memory"
	"github.com/seantiz/stowage/internal/storage/postgres"
	"github.com/seantiz/stowage/internal/storage/redis"
	"github.com/seantiz/stowage/internal/storage/sqlite"
)

// Built-in backend names.
const (
	Memory     = "memory"
	Lite       = "lite"
	RemoteLite = "remote-lite"
	SQLite     = "sqlite"
	Bolt       = "bolt"
	Badger     = "badger"
	Redis      = "redis"
	Postgres   = "postgres"
)

// Descriptors returns the descriptors of the built-in backends available
// under cfg. Redis and Postgres are only offered when their address is set.
func Descriptors(cfg config.Config) []backend.Descriptor {
	ds := []backend.Descriptor{
		{Name: Memory, SupportsReplicationProtocol: true, SupportsBinaryAttachments: true, Mode: backend.ModeLocal},
		{Name: Lite, Mode: backend.ModeLocal},
		{Name: RemoteLite, Mode: backend.ModeWorker},
		{Name: SQLite, SupportsBinaryAttachments: true, Mode: backend.ModeLocal},
		{Name: Bolt, SupportsBinaryAttachments: true, Mode: backend.ModeLocal},
		{Name: Badger, SupportsBinaryAttachments: true, Mode: backend.ModeLocal},
	}
	if cfg.RedisAddr != "" {
		ds = append(ds, backend.Descriptor{Name: Redis, SupportsBinaryAttachments: true, Mode: backend.ModeLocal})
	}
	if cfg.PostgresDSN != "" {
		ds = append(ds, backend.Descriptor{Name: Postgres, SupportsReplicationProtocol: true, SupportsBinaryAttachments: true, Mode: backend.ModeLocal})
	}
	return ds
}

// RegisterAll registers custom entries first, then every built-in backend
// whose name they did not claim. A custom entry therefore replaces the
// built-in one of the same name.
func RegisterAll(reg *backend.Registry, cfg config.Config, custom ...backend.Entry) error {
	claimed := make(map[string]bool, len(custom))
	for _, e := range custom {
		if err := reg.Register(e); err != nil {
			return err
		}
		claimed[e.Descriptor.Name] = true
	}

	for _, d := range Descriptors(cfg) {
		if claimed[d.Name] {
			continue
		}
		e := backend.Entry{Descriptor: d}
		if d.IsWorker() {
			e.EntryPoint = workerEntryPoint(d.Name, cfg)
		} else {
			name := d.Name
			e.Factory = func(ctx context.Context) (backend.Storage, error) {
				return Local(ctx, name, cfg)
			}
		}
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// workerEntryPoint launches the worker binary serving the local engine the
// worker backend wraps.
func workerEntryPoint(name string, cfg config.Config) backend.EntryPoint {
	served := name
	if name == RemoteLite {
		served = Lite
	}
	return backend.EntryPoint{
		Transport: backend.TransportExec,
		Target:    cfg.WorkerPath,
		Args:      []string{"--backend", served},
	}
}

// Local builds the engine for a local-mode built-in backend. The worker
// binary calls it to construct the engine it serves.
func Local(ctx context.Context, name string, cfg config.Config) (backend.Storage, error) {
	switch name {
	case Memory:
		return memory.New(), nil
	case Lite:
		return memory.New(memory.WithoutAttachments()), nil
	case SQLite:
		path := ":memory:"
		if cfg.DataDir != "" {
			path = filepath.Join(cfg.DataDir, "stowage.db")
		}
		return storage(sqlite.Open(path))
	case Bolt:
		if cfg.DataDir != "" {
			return storage(bolt.Open(filepath.Join(cfg.DataDir, "stowage.bolt")))
		}
		return openTempBolt()
	case Badger:
		dir := ""
		if cfg.DataDir != "" {
			dir = filepath.Join(cfg.DataDir, "badger")
		}
		return storage(badger.Open(dir))
	case Redis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("backend %q: no redis address configured: %w", name, backend.ErrUnknownBackend)
		}
		return storage(redis.New(ctx, redis.Config{Addr: cfg.RedisAddr}))
	case Postgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("backend %q: no postgres dsn configured: %w", name, backend.ErrUnknownBackend)
		}
		return storage(postgres.New(ctx, postgres.Config{ConnString: cfg.PostgresDSN}))
	default:
		return nil, fmt.Errorf("backend %q is not a local built-in: %w", name, backend.ErrUnknownBackend)
	}
}

// storage converts a constructor result to the interface without turning a
// nil pointer into a non-nil handle.
func storage[S backend.Storage](s S, err error) (backend.Storage, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// tempStorage removes its scratch directory when closed.
type tempStorage struct {
	backend.Storage
	dir string
}

func (s *tempStorage) Close() error {
	err := s.Storage.Close()
	if rerr := os.RemoveAll(s.dir); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func openTempBolt() (backend.Storage, error) {
	dir, err := os.MkdirTemp("", "stowage-bolt-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	s, err := bolt.Open(filepath.Join(dir, "stowage.bolt"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &tempStorage{Storage: s, dir: dir}, nil
}
