package backend

import (
	"context"
	"errors"

	"github.com/seantiz/stowage/internal/model"
)

// Engine-level errors shared by every Storage implementation.
var (
	// ErrNotFound is returned when a record or attachment does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnsupported is returned for operations the engine was built without,
	// such as attachments on a backend that does not store binary blobs.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrInvalidRecord is returned for records an engine cannot store, such
	// as one with an empty id.
	ErrInvalidRecord = errors.New("invalid record")
)

// Storage is the interface that all storage engines must implement. A handle
// is exclusively owned by whoever opened it; the registry never pools or
// tracks instances.
type Storage interface {
	// Put inserts or replaces a record, bumping its revision.
	Put(ctx context.Context, rec model.Record) (model.Record, error)

	// Get returns the record with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (model.Record, error)

	// Delete removes a record and its attachments. Returns ErrNotFound when absent.
	Delete(ctx context.Context, id string) error

	// BulkPut stores several records and returns them with their new revisions.
	BulkPut(ctx context.Context, recs []model.Record) ([]model.Record, error)

	// Query returns records whose id matches the query prefix, ordered by id.
	Query(ctx context.Context, q model.Query) ([]model.Record, error)

	// PutAttachment stores a named binary blob alongside an existing record.
	PutAttachment(ctx context.Context, recordID, name string, data []byte) error

	// GetAttachment returns a previously stored blob or ErrNotFound.
	GetAttachment(ctx context.Context, recordID, name string) ([]byte, error)

	// Close releases the engine's resources.
	Close() error
}

// ExecutionMode declares where a backend's engine runs.
type ExecutionMode string

// Execution modes.
const (
	// ModeLocal engines are built by invoking the entry's Factory in-process.
	ModeLocal ExecutionMode = "local"

	// ModeWorker engines run in a separate worker reached through the bridge.
	ModeWorker ExecutionMode = "worker"
)

// Descriptor describes what a backend supports. It is a value type: a copy is
// an immutable snapshot, and nothing in stowage mutates a registered one.
type Descriptor struct {
	Name                        string        `json:"name"`
	SupportsReplicationProtocol bool          `json:"supports_replication_protocol"`
	SupportsBinaryAttachments   bool          `json:"supports_binary_attachments"`
	Mode                        ExecutionMode `json:"mode"`
}

// Equal reports whether two descriptors identify the same backend.
func (d Descriptor) Equal(other Descriptor) bool {
	return d.Name == other.Name
}

// IsWorker reports whether the backend executes behind the worker bridge.
func (d Descriptor) IsWorker() bool {
	return d.Mode == ModeWorker
}

// Factory creates a fresh, independent storage handle.
type Factory func(ctx context.Context) (Storage, error)

// Worker transports.
const (
	TransportExec   = "exec"
	TransportUnix   = "unix"
	TransportVsock  = "vsock"
	TransportInproc = "inproc"
)

// EntryPoint identifies the code a worker-mode backend loads in its remote
// execution context.
type EntryPoint struct {
	// Transport selects how the worker is reached (exec, unix, vsock, inproc).
	Transport string `json:"transport"`

	// Target is the binary path, socket path, "cid:port" pair, or in-process
	// entry name, depending on Transport.
	Target string `json:"target"`

	// Args are passed to the worker binary for the exec transport.
	Args []string `json:"args,omitempty"`
}

// Entry pairs a descriptor with the means of constructing its engine.
// Local entries carry a Factory; worker entries carry an EntryPoint.
type Entry struct {
	Descriptor Descriptor
	Factory    Factory
	EntryPoint EntryPoint
}

func (e Entry) validate() error {
	if e.Descriptor.Name == "" {
		return errors.New("backend name is empty")
	}
	switch e.Descriptor.Mode {
	case ModeLocal:
		if e.Factory == nil {
			return errors.New("local backend has no factory")
		}
	case ModeWorker:
		if e.EntryPoint.Transport == "" || e.EntryPoint.Target == "" {
			return errors.New("worker backend has no entry point")
		}
	default:
		return errors.New("unknown execution mode " + string(e.Descriptor.Mode))
	}
	return nil
}
