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
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/model"
)

// closeTimeout bounds how long Close waits for the worker to close its storage.
const closeTimeout = 3 * time.Second

// Compile-time interface satisfaction check.
var _ backend.Storage = (*Proxy)(nil)

// Proxy is a backend.Storage whose engine runs in a worker. It is safe for
// concurrent use; each call waits only for its own response.
type Proxy struct {
	statics    backend.Descriptor
	entryPoint backend.EntryPoint
	hello      Hello
	conn       io.ReadWriteCloser
	release    func() error
	timeout    time.Duration
	logger     *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Response
	err     error         // terminal error, set once before done is closed
	done    chan struct{} // closed when the read loop exits

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// proxyConfig carries the launcher settings a proxy needs.
type proxyConfig struct {
	statics    backend.Descriptor
	entryPoint backend.EntryPoint
	hello      Hello
	release    func() error
	timeout    time.Duration
	logger     *slog.Logger
}

// newProxy wraps an established, handshaken worker connection and starts
// its read loop.
func newProxy(conn io.ReadWriteCloser, cfg proxyConfig) *Proxy {
	if cfg.release == nil {
		cfg.release = func() error { return nil }
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	p := &Proxy{
		statics:    cfg.statics,
		entryPoint: cfg.entryPoint,
		hello:      cfg.hello,
		conn:       conn,
		release:    cfg.release,
		timeout:    cfg.timeout,
		logger: cfg.logger.With(
			"backend", cfg.statics.Name,
			"worker_pid", cfg.hello.PID,
		),
		pending: make(map[uint64]chan Response),
		done:    make(chan struct{}),
	}
	activeWorkers.Inc()
	go p.readLoop()
	return p
}

// Descriptor returns the backend's statics. It never contacts the worker.
func (p *Proxy) Descriptor() backend.Descriptor {
	return p.statics
}

// EntryPoint returns the entry point the worker was launched from.
func (p *Proxy) EntryPoint() backend.EntryPoint {
	return p.entryPoint
}

// WorkerPID returns the process id the worker reported in its handshake.
func (p *Proxy) WorkerPID() int {
	return p.hello.PID
}

// Done is closed once the worker connection is gone, either because the
// worker disconnected or because the proxy was closed.
func (p *Proxy) Done() <-chan struct{} {
	return p.done
}

// Ping round-trips an empty request to the worker.
func (p *Proxy) Ping(ctx context.Context) error {
	return p.call(ctx, OpPing, nil, nil)
}

// Put forwards a record upsert to the worker.
func (p *Proxy) Put(ctx context.Context, rec model.Record) (model.Record, error) {
	var out model.Record
	if err := p.call(ctx, OpPut, rec, &out); err != nil {
		return model.Record{}, err
	}
	return out, nil
}

// Get forwards a record lookup to the worker.
func (p *Proxy) Get(ctx context.Context, id string) (model.Record, error) {
	var out model.Record
	if err := p.call(ctx, OpGet, IDArgs{ID: id}, &out); err != nil {
		return model.Record{}, err
	}
	return out, nil
}

// Delete forwards a record removal to the worker.
func (p *Proxy) Delete(ctx context.Context, id string) error {
	return p.call(ctx, OpDelete, IDArgs{ID: id}, nil)
}

// BulkPut forwards a batch upsert to the worker as a single request.
func (p *Proxy) BulkPut(ctx context.Context, recs []model.Record) ([]model.Record, error) {
	var out []model.Record
	if err := p.call(ctx, OpBulkPut, recs, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Query forwards a prefix query to the worker.
func (p *Proxy) Query(ctx context.Context, q model.Query) ([]model.Record, error) {
	var out []model.Record
	if err := p.call(ctx, OpQuery, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PutAttachment forwards an attachment write, or fails locally when the
// backend does not support attachments.
func (p *Proxy) PutAttachment(ctx context.Context, recordID, name string, data []byte) error {
	if !p.statics.SupportsBinaryAttachments {
		return backend.ErrUnsupported
	}
	return p.call(ctx, OpPutAttachment, AttachmentArgs{RecordID: recordID, Name: name, Data: data}, nil)
}

// GetAttachment forwards an attachment read, or fails locally when the
// backend does not support attachments.
func (p *Proxy) GetAttachment(ctx context.Context, recordID, name string) ([]byte, error) {
	if !p.statics.SupportsBinaryAttachments {
		return nil, backend.ErrUnsupported
	}
	var out []byte
	if err := p.call(ctx, OpGetAttachment, AttachmentArgs{RecordID: recordID, Name: name}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close asks the worker to close its storage, tears down the connection and
// terminates the worker. It is safe to call more than once.
func (p *Proxy) Close() error {
	p.closeOnce.Do(func() {
		p.closing.Store(true)

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		callErr := p.call(ctx, OpClose, nil, nil)
		cancel()
		if errors.Is(callErr, ErrWorkerDisconnected) || errors.Is(callErr, ErrClosed) {
			// The worker exiting right after acknowledging close is expected.
			callErr = nil
		}

		connErr := p.conn.Close()
		releaseErr := p.release()
		<-p.done
		activeWorkers.Dec()

		if errors.Is(connErr, io.ErrClosedPipe) || errors.Is(connErr, os.ErrClosed) || errors.Is(connErr, net.ErrClosed) {
			connErr = nil
		}
		p.closeErr = errors.Join(callErr, connErr, releaseErr)
		p.logger.Debug("worker proxy closed", "error", p.closeErr)
	})
	return p.closeErr
}

// call sends one request and waits for its response, the context, or the
// loss of the worker, whichever comes first.
func (p *Proxy) call(ctx context.Context, op string, args, out any) error {
	var payload json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", op, err)
		}
		payload = data
	}

	if _, ok := ctx.Deadline(); !ok && p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	id := p.nextID.Add(1)
	start := time.Now()

	// An oversize request is rejected before anything reaches the worker.
	frame, err := EncodeFrame(&Request{ID: id, Op: op, Payload: payload})
	if err != nil {
		p.observe(op, outcomeError, start)
		return fmt.Errorf("%s request: %w", op, err)
	}

	ch := make(chan Response, 1)

	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return err
	}
	p.pending[id] = ch
	p.mu.Unlock()

	inflightRequests.Inc()
	defer inflightRequests.Dec()

	if n, err := p.send(ctx, frame); err != nil {
		p.forget(id)
		if n == 0 && errors.Is(err, os.ErrDeadlineExceeded) {
			p.observe(op, outcomeTimeout, start)
			return fmt.Errorf("%w: send %s: %w", ErrWorkerTimeout, op, err)
		}
		p.observe(op, outcomeDisconnected, start)
		if n > 0 {
			// A partial frame leaves the stream unusable; dropping the
			// connection fails the proxy as a whole.
			p.conn.Close()
		}
		return fmt.Errorf("%w: send %s: %v", ErrWorkerDisconnected, op, err)
	}

	select {
	case resp := <-ch:
		return p.finish(op, start, resp, out)
	case <-p.done:
		// A response may have been delivered just before the loop exited.
		select {
		case resp := <-ch:
			return p.finish(op, start, resp, out)
		default:
		}
		p.observe(op, outcomeDisconnected, start)
		return p.terminalErr()
	case <-ctx.Done():
		p.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.observe(op, outcomeTimeout, start)
			p.logger.Warn("worker request timed out", "op", op, "correlation_id", id)
			return fmt.Errorf("%w: %s request %d: %w", ErrWorkerTimeout, op, id, ctx.Err())
		}
		p.observe(op, outcomeCanceled, start)
		return ctx.Err()
	}
}

func (p *Proxy) finish(op string, start time.Time, resp Response, out any) error {
	if resp.Error != nil {
		p.observe(op, outcomeError, start)
		return DecodeError(resp.Error)
	}
	p.observe(op, outcomeOK, start)
	if out != nil && len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return fmt.Errorf("unmarshal %s response: %w", op, err)
		}
	}
	return nil
}

// writeDeadliner is implemented by transports that can bound a blocked write.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// send writes one encoded frame and reports how many bytes reached the
// transport.
func (p *Proxy) send(ctx context.Context, frame []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	// A worker that stops reading must not wedge the caller past its deadline.
	if wd, ok := p.conn.(writeDeadliner); ok {
		deadline, _ := ctx.Deadline()
		if err := wd.SetWriteDeadline(deadline); err == nil {
			defer wd.SetWriteDeadline(time.Time{})
		}
	}
	return p.conn.Write(frame)
}

// forget drops a pending entry whose caller stopped waiting. A late response
// for it is discarded by the read loop.
func (p *Proxy) forget(id uint64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Proxy) terminalErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Proxy) observe(op, outcome string, start time.Time) {
	requestsTotal.WithLabelValues(op, outcome).Inc()
	requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// readLoop routes responses to their callers by correlation id until the
// connection fails.
func (p *Proxy) readLoop() {
	for {
		var resp Response
		if err := ReadMessage(p.conn, &resp); err != nil {
			p.fail(err)
			return
		}

		p.mu.Lock()
		ch, ok := p.pending[resp.ID]
		if ok {
			delete(p.pending, resp.ID)
		}
		p.mu.Unlock()

		if !ok {
			p.logger.Debug("dropping response with no pending request", "correlation_id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// fail records the terminal error and releases every waiting caller.
func (p *Proxy) fail(cause error) {
	p.mu.Lock()
	abandoned := len(p.pending)
	if p.closing.Load() {
		p.err = ErrClosed
	} else {
		p.err = fmt.Errorf("%w: %v", ErrWorkerDisconnected, cause)
		disconnectsTotal.Inc()
	}
	p.pending = make(map[uint64]chan Response)
	p.mu.Unlock()

	if !p.closing.Load() {
		p.logger.Warn("worker disconnected", "pending", abandoned, "error", cause)
	}
	close(p.done)
}
