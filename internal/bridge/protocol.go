package bridge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/seantiz/stowage/internal/backend"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Operations understood by the worker.
const (
	OpPing          = "ping"
	OpPut           = "put"
	OpGet           = "get"
	OpDelete        = "delete"
	OpBulkPut       = "bulk_put"
	OpQuery         = "query"
	OpPutAttachment = "put_attachment"
	OpGetAttachment = "get_attachment"
	OpClose         = "close"
)

// HelloID is the correlation id of the handshake frame the worker sends
// before accepting requests. Request ids start at 1.
const HelloID = 0

// Remote error codes.
const (
	CodeNotFound    = "not_found"
	CodeUnsupported = "unsupported"
	CodeBadRequest  = "bad_request"
	CodeInternal    = "internal"
	CodeTooLarge    = "too_large"
)

// Request is sent from the host to the worker.
type Request struct {
	ID      uint64          `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is sent from the worker to the host. Exactly one Response is sent
// per Request, carrying the same ID.
type Response struct {
	ID      uint64          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

// Hello is the payload of the handshake frame.
type Hello struct {
	Backend string `json:"backend"`
	PID     int    `json:"pid"`
}

// IDArgs addresses a single record.
type IDArgs struct {
	ID string `json:"id"`
}

// AttachmentArgs addresses a record attachment; Data is only set for puts.
type AttachmentArgs struct {
	RecordID string `json:"record_id"`
	Name     string `json:"name"`
	Data     []byte `json:"data,omitempty"`
}

// RemoteError is an error raised by the worker's storage engine.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker error (%s): %s", e.Code, e.Message)
}

// EncodeError converts an engine error into its wire form.
func EncodeError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	code := CodeInternal
	switch {
	case errors.Is(err, backend.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, backend.ErrUnsupported):
		code = CodeUnsupported
	case errors.Is(err, backend.ErrInvalidRecord):
		code = CodeBadRequest
	case errors.Is(err, ErrMessageTooLarge):
		code = CodeTooLarge
	}
	var re *RemoteError
	if errors.As(err, &re) {
		code = re.Code
	}
	return &RemoteError{Code: code, Message: err.Error()}
}

// DecodeError maps a wire error back to the engine sentinel it came from, so
// callers can use errors.Is the same way they would against a local handle.
func DecodeError(re *RemoteError) error {
	if re == nil {
		return nil
	}
	switch re.Code {
	case CodeNotFound:
		return backend.ErrNotFound
	case CodeUnsupported:
		return backend.ErrUnsupported
	case CodeBadRequest:
		return fmt.Errorf("%w: %s", backend.ErrInvalidRecord, re.Message)
	case CodeTooLarge:
		return fmt.Errorf("%w: %s", ErrMessageTooLarge, re.Message)
	default:
		return re
	}
}

// EncodeFrame marshals v into a complete length-prefixed frame. A payload over
// MaxMessageSize fails with ErrMessageTooLarge.
func EncodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: size %d exceeds maximum %d", ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	return frame, nil
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	frame, err := EncodeFrame(v)
	if err != nil {
		return err
	}

	// One write per frame keeps frames intact on transports that split writes.
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("%w: size %d exceeds maximum %d", ErrMessageTooLarge, length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
