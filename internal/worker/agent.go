// Package worker implements the remote side of the storage bridge. An Agent
// owns one storage engine and serves bridge requests against it, handling
// each request concurrently so slow operations do not hold up fast ones.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/bridge"
	"github.com/seantiz/stowage/internal/model"
)

// Agent serves bridge requests against a single storage engine.
type Agent struct {
	name    string
	storage backend.Storage
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// New creates an agent serving storage under the given backend name.
func New(name string, storage backend.Storage, logger *slog.Logger) *Agent {
	return &Agent{
		name:    name,
		storage: storage,
		logger:  logger.With("backend", name),
	}
}

// Serve runs one protocol session on rw: it sends the handshake, then reads
// requests until the host closes its side, a close request arrives, or ctx
// is cancelled. The storage is closed when Serve returns.
func (a *Agent) Serve(ctx context.Context, rw io.ReadWriter) error {
	err := a.serve(ctx, rw, true)
	if cerr := a.closeStorage(); cerr != nil {
		a.logger.Error("close storage", "error", cerr)
	}
	return err
}

// ServeListener accepts connections on l and serves each with the same
// storage, for workers reached over a unix socket or vsock. A host closing
// its proxy ends only its own session. ServeListener returns when l is
// closed or ctx is cancelled, and closes the storage on the way out.
func (a *Agent) ServeListener(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		if cerr := a.closeStorage(); cerr != nil {
			a.logger.Error("close storage", "error", cerr)
		}
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Go(func() {
			defer conn.Close()
			if err := a.serve(ctx, conn, false); err != nil {
				a.logger.Warn("session ended", "remote", conn.RemoteAddr().String(), "error", err)
			}
		})
	}
}

// serve runs one session. A close request closes the storage only when the
// session owns it; listener sessions share one engine and just end.
func (a *Agent) serve(ctx context.Context, rw io.ReadWriter, ownsStorage bool) error {
	// Mutex protects concurrent writes to rw from request goroutines.
	var writeMu sync.Mutex
	write := func(resp bridge.Response) {
		frame, err := bridge.EncodeFrame(&resp)
		if err != nil {
			// Every request gets an answer; one that cannot be framed is
			// replaced by an error the host can match.
			a.logger.Warn("response not sent", "correlation_id", resp.ID, "error", err)
			frame, err = bridge.EncodeFrame(&bridge.Response{ID: resp.ID, Error: bridge.EncodeError(err)})
			if err != nil {
				a.logger.Error("encode error response", "correlation_id", resp.ID, "error", err)
				return
			}
		}

		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := rw.Write(frame); err != nil {
			a.logger.Warn("write response", "correlation_id", resp.ID, "error", err)
		}
	}

	hello, err := json.Marshal(bridge.Hello{Backend: a.name, PID: os.Getpid()})
	if err != nil {
		return fmt.Errorf("marshal hello: %w", err)
	}
	write(bridge.Response{ID: bridge.HelloID, Payload: hello})

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	reqs := make(chan bridge.Request)
	readErr := make(chan error, 1)
	go func() {
		defer close(reqs)
		for {
			var req bridge.Request
			if err := bridge.ReadMessage(rw, &req); err != nil {
				readErr <- err
				return
			}
			select {
			case reqs <- req:
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-sessionCtx.Done():
			return sessionCtx.Err()
		case req, ok := <-reqs:
			if !ok {
				err := <-readErr
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
					a.logger.Debug("host closed session")
					return nil
				}
				return fmt.Errorf("read request: %w", err)
			}
			if req.Op == bridge.OpClose {
				// Let in-flight requests finish before closing the engine.
				wg.Wait()
				var cerr error
				if ownsStorage {
					cerr = a.closeStorage()
				}
				write(bridge.Response{ID: req.ID, Error: bridge.EncodeError(cerr)})
				return nil
			}
			wg.Go(func() {
				write(a.handle(sessionCtx, req))
			})
		}
	}
}

// handle executes a single request against the storage engine.
func (a *Agent) handle(ctx context.Context, req bridge.Request) bridge.Response {
	result, err := a.dispatch(ctx, req)
	if err != nil {
		a.logger.Debug("request failed", "op", req.Op, "correlation_id", req.ID, "error", err)
		return bridge.Response{ID: req.ID, Error: bridge.EncodeError(err)}
	}
	if result == nil {
		return bridge.Response{ID: req.ID}
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return bridge.Response{ID: req.ID, Error: bridge.EncodeError(fmt.Errorf("marshal result: %w", err))}
	}
	return bridge.Response{ID: req.ID, Payload: payload}
}

func (a *Agent) dispatch(ctx context.Context, req bridge.Request) (any, error) {
	switch req.Op {
	case bridge.OpPing:
		return nil, nil
	case bridge.OpPut:
		var rec model.Record
		if err := decode(req, &rec); err != nil {
			return nil, err
		}
		return a.storage.Put(ctx, rec)
	case bridge.OpGet:
		var args bridge.IDArgs
		if err := decode(req, &args); err != nil {
			return nil, err
		}
		return a.storage.Get(ctx, args.ID)
	case bridge.OpDelete:
		var args bridge.IDArgs
		if err := decode(req, &args); err != nil {
			return nil, err
		}
		return nil, a.storage.Delete(ctx, args.ID)
	case bridge.OpBulkPut:
		var recs []model.Record
		if err := decode(req, &recs); err != nil {
			return nil, err
		}
		return a.storage.BulkPut(ctx, recs)
	case bridge.OpQuery:
		var q model.Query
		if err := decode(req, &q); err != nil {
			return nil, err
		}
		return a.storage.Query(ctx, q)
	case bridge.OpPutAttachment:
		var args bridge.AttachmentArgs
		if err := decode(req, &args); err != nil {
			return nil, err
		}
		return nil, a.storage.PutAttachment(ctx, args.RecordID, args.Name, args.Data)
	case bridge.OpGetAttachment:
		var args bridge.AttachmentArgs
		if err := decode(req, &args); err != nil {
			return nil, err
		}
		return a.storage.GetAttachment(ctx, args.RecordID, args.Name)
	default:
		return nil, &bridge.RemoteError{Code: bridge.CodeBadRequest, Message: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func decode(req bridge.Request, v any) error {
	if len(req.Payload) == 0 {
		return &bridge.RemoteError{Code: bridge.CodeBadRequest, Message: req.Op + ": missing payload"}
	}
	if err := json.Unmarshal(req.Payload, v); err != nil {
		return &bridge.RemoteError{Code: bridge.CodeBadRequest, Message: fmt.Sprintf("%s: %v", req.Op, err)}
	}
	return nil
}

func (a *Agent) closeStorage() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.storage.Close()
	})
	return a.closeErr
}
