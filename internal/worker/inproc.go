package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/bridge"
)

// Inproc adapts a factory into an in-process worker for the bridge launcher.
// Each session builds a fresh engine, matching a freshly spawned process.
func Inproc(name string, factory backend.Factory, logger *slog.Logger) bridge.InprocFunc {
	return func(ctx context.Context, conn net.Conn) error {
		s, err := factory(ctx)
		if err != nil {
			if rerr := Refuse(conn, err); rerr != nil {
				logger.Debug("send refusal", "backend", name, "error", rerr)
			}
			return fmt.Errorf("open %s: %w", name, err)
		}
		return New(name, s, logger).Serve(ctx, conn)
	}
}

// Refuse answers the handshake with an error, telling the host that the
// worker started but could not open its engine.
func Refuse(w io.Writer, cause error) error {
	return bridge.WriteMessage(w, &bridge.Response{
		ID:    bridge.HelloID,
		Error: bridge.EncodeError(cause),
	})
}
