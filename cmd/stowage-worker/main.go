// Command stowage-worker runs one storage engine behind the worker bridge.
// The host launches it with the exec transport and talks to it over stdio,
// or starts it separately listening on a unix socket or a vsock port.
//
// Frames own stdout in stdio mode, so all logging goes to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mdlayher/vsock"
	"github.com/spf13/cobra"

	"github.com/seantiz/stowage/internal/catalog"
	"github.com/seantiz/stowage/internal/config"
	"github.com/seantiz/stowage/internal/worker"
)

// Listen modes.
const (
	listenStdio = "stdio"
	listenUnix  = "unix"
	listenVsock = "vsock"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		backendName string
		listen      string
	)

	cmd := &cobra.Command{
		Use:          "stowage-worker",
		Short:        "Serve one storage backend over the worker bridge protocol",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := config.NewLogger(os.Stderr, cfg.LogLevel).With("component", "worker")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, backendName, listen, logger)
		},
	}

	cmd.Flags().StringVar(&backendName, "backend", "", "local backend to serve (e.g. lite, sqlite)")
	cmd.Flags().StringVar(&listen, "listen", listenStdio, "stdio, unix:<path> or vsock:<port>")
	_ = cmd.MarkFlagRequired("backend")
	return cmd
}

func run(ctx context.Context, cfg config.Config, name, listen string, logger *slog.Logger) error {
	mode, addr, err := parseListen(listen)
	if err != nil {
		return err
	}

	if mode == listenStdio {
		st, err := catalog.Local(ctx, name, cfg)
		if err != nil {
			// The host is waiting for a handshake; tell it why there is none.
			if rerr := worker.Refuse(os.Stdout, err); rerr != nil {
				logger.Error("send refusal", "error", rerr)
			}
			return err
		}
		logger.Info("serving on stdio", "backend", name, "pid", os.Getpid())
		return worker.New(name, st, logger).Serve(ctx, stdio{Reader: os.Stdin, Writer: os.Stdout})
	}

	l, err := listenOn(mode, addr, logger)
	if err != nil {
		return err
	}
	st, err := catalog.Local(ctx, name, cfg)
	if err != nil {
		l.Close()
		return err
	}

	logger.Info("worker listening", "backend", name, "addr", l.Addr().String(), "pid", os.Getpid())
	return worker.New(name, st, logger).ServeListener(ctx, l)
}

// stdio joins stdin and stdout into the worker's end of the connection.
type stdio struct {
	io.Reader
	io.Writer
}

// parseListen splits a --listen value into its mode and address.
func parseListen(s string) (mode, addr string, err error) {
	if s == listenStdio {
		return listenStdio, "", nil
	}
	mode, addr, ok := strings.Cut(s, ":")
	if !ok || addr == "" {
		return "", "", fmt.Errorf("listen %q: want stdio, unix:<path> or vsock:<port>", s)
	}
	switch mode {
	case listenUnix:
		return mode, addr, nil
	case listenVsock:
		if _, err := strconv.ParseUint(addr, 10, 32); err != nil {
			return "", "", fmt.Errorf("listen %q: vsock port: %w", s, err)
		}
		return mode, addr, nil
	default:
		return "", "", fmt.Errorf("listen %q: unknown mode %q", s, mode)
	}
}

func listenOn(mode, addr string, logger *slog.Logger) (net.Listener, error) {
	switch mode {
	case listenUnix:
		// A socket left by a previous run would make the bind fail.
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		l, err := net.Listen("unix", addr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", addr, err)
		}
		return l, nil
	case listenVsock:
		setupInit(logger)
		port, _ := strconv.ParseUint(addr, 10, 32)
		l, err := vsock.Listen(uint32(port), nil)
		if err != nil {
			return nil, fmt.Errorf("vsock listen on port %d: %w", port, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown listen mode %q", mode)
	}
}
