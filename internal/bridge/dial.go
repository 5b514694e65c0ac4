package bridge

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for worker connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// dialFunc makes a single connection attempt.
type dialFunc func(ctx context.Context) (net.Conn, error)

// dialWithRetry retries dial with exponential backoff until it succeeds, the
// attempts run out, or ctx is done.
func dialWithRetry(ctx context.Context, dial dialFunc) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial worker: %w", ctx.Err())
		default:
		}

		conn, err := dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial worker: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial worker after %d attempts: %w", dialMaxRetries, lastErr)
}

// unixDialer connects to a worker listening on a unix socket.
func unixDialer(path string) dialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", path, err)
		}
		return conn, nil
	}
}

// vsockDialer connects to a worker listening on a vsock port inside a guest.
func vsockDialer(cid, port uint32) dialFunc {
	return func(_ context.Context) (net.Conn, error) {
		conn, err := vsock.Dial(cid, port, nil)
		if err != nil {
			return nil, fmt.Errorf("connect to vsock %d:%d: %w", cid, port, err)
		}
		return conn, nil
	}
}

// ParseVsockTarget parses a "cid:port" vsock address.
func ParseVsockTarget(target string) (cid, port uint32, err error) {
	cidStr, portStr, ok := strings.Cut(target, ":")
	if !ok {
		return 0, 0, fmt.Errorf("vsock target %q is not cid:port", target)
	}
	c, err := strconv.ParseUint(cidStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock cid %q: %w", cidStr, err)
	}
	p, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock port %q: %w", portStr, err)
	}
	return uint32(c), uint32(p), nil
}
