// Package metadata defines the interface and implementations for ReelStore's
// object registry, which tracks the lifecycle of every stored object.
package metadata

import (
	"context"
	"io"
	"maps"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/reelstore/reelstore/internal/chunk"
	reelerr "github.com/reelstore/reelstore/internal/errors"
)

const (
	// timeFormat is the ISO 8601 format used for timestamps stored as strings.
	timeFormat = "2006-01-02T15:04:05.000Z"
	// timePrecision matches timeFormat so stored and in-memory times agree.
	timePrecision = time.Millisecond
)

// Status is the lifecycle state of an object.
type Status string

const (
	StatusUploading Status = "uploading"
	StatusComplete  Status = "complete"
	StatusDeleted   Status = "deleted"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUploading, StatusComplete, StatusDeleted, StatusFailed:
		return true
	}
	return false
}

// ObjectRecord is the registry entry for one stored object.
type ObjectRecord struct {
	ID string
	// Length is -1 until the upload completes.
	Length      int64
	ChunkSize   int64
	ContentType string
	Attributes  map[string]string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy of the record.
func (r *ObjectRecord) Clone() *ObjectRecord {
	cp := *r
	cp.Attributes = maps.Clone(r.Attributes)
	return &cp
}

// ChunkCount returns the number of chunks of a complete object.
func (r *ObjectRecord) ChunkCount() int64 {
	if r.Length <= 0 {
		return 0
	}
	return chunk.Count(r.Length, r.ChunkSize)
}

// Readable reports whether the object can be read.
func (r *ObjectRecord) Readable() bool {
	return r.Status == StatusComplete
}

// ListOptions filters the records returned by List. Zero values match
// everything.
type ListOptions struct {
	Status Status
	// UpdatedBefore keeps records last updated strictly before this time.
	UpdatedBefore time.Time
	// Limit caps the number of records returned; zero means no limit.
	Limit int
}

func (o ListOptions) match(r *ObjectRecord) bool {
	if o.Status != "" && r.Status != o.Status {
		return false
	}
	if !o.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(o.UpdatedBefore) {
		return false
	}
	return true
}

// Registry defines the metadata operations required by the blob engine.
// Every transition is conditional on the record's current status, so
// implementations must apply it atomically. Implementations must be safe
// for concurrent use.
type Registry interface {
	io.Closer

	// Ping checks connectivity to the registry.
	Ping(ctx context.Context) error

	// BeginUpload creates rec in the uploading state. It returns
	// ErrAlreadyExists if a record with the same id exists in any state.
	BeginUpload(ctx context.Context, rec *ObjectRecord) error

	// CompleteUpload sets the object's length and moves it to complete.
	// It returns ErrNotFound for an unknown id and ErrInvalidState if the
	// record is not uploading.
	CompleteUpload(ctx context.Context, id string, length int64) error

	// MarkFailed moves an uploading record to failed. Marking a failed
	// record again is a no-op.
	MarkFailed(ctx context.Context, id string) error

	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*ObjectRecord, error)

	// MarkDeleted moves a complete record to deleted. It is a no-op for a
	// deleted record and returns ErrNotFound for an unknown id.
	MarkDeleted(ctx context.Context, id string) error

	// List returns the records matching opts, ordered by id.
	List(ctx context.Context, opts ListOptions) ([]ObjectRecord, error)

	// Purge removes a failed or deleted record. Purging an unknown id is a
	// no-op; purging a live record returns ErrInvalidState.
	Purge(ctx context.Context, id string) error
}

// Option configures a registry.
type Option func(*options)

type options struct {
	clock clockwork.Clock
}

// WithClock sets the clock used for record timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// newRecord prepares a record for BeginUpload: it validates the fields the
// caller supplies and stamps the uploading state.
func newRecord(rec *ObjectRecord, now time.Time) (*ObjectRecord, error) {
	if rec.ID == "" {
		return nil, reelerr.ErrInvalidArgument.WithMessage("object id is required")
	}
	if rec.ChunkSize <= 0 {
		return nil, reelerr.ErrInvalidArgument.WithMessage("chunk size must be positive, got %d", rec.ChunkSize)
	}
	cp := rec.Clone()
	if cp.Attributes == nil {
		cp.Attributes = map[string]string{}
	}
	if cp.ContentType == "" {
		cp.ContentType = "application/octet-stream"
	}
	cp.Length = -1
	cp.Status = StatusUploading
	cp.CreatedAt = stamp(now)
	cp.UpdatedAt = cp.CreatedAt
	return cp, nil
}

// sourceStatus returns the status a record must hold to move to `to`.
func sourceStatus(to Status) Status {
	switch to {
	case StatusDeleted:
		return StatusComplete
	default:
		return StatusUploading
	}
}

// checkTransition decides whether a record currently in cur may move to
// `to`. It returns apply=false with a nil error when the record is already
// in the target state and the transition is idempotent.
func checkTransition(id string, cur, to Status) (apply bool, err error) {
	if cur == sourceStatus(to) {
		return true, nil
	}
	if cur == to && to != StatusComplete {
		return false, nil
	}
	return false, reelerr.ErrInvalidState.WithMessage("object %s is %s, cannot become %s", id, cur, to)
}

// checkPurge decides whether a record in cur may be purged.
func checkPurge(id string, cur Status) error {
	if cur == StatusFailed || cur == StatusDeleted {
		return nil
	}
	return reelerr.ErrInvalidState.WithMessage("object %s is %s and cannot be purged", id, cur)
}

func notFound(id string) error {
	return reelerr.ErrNotFound.WithMessage("object %s does not exist", id)
}

func alreadyExists(id string) error {
	return reelerr.ErrAlreadyExists.WithMessage("object %s already exists", id)
}

func stamp(now time.Time) time.Time {
	return now.UTC().Truncate(timePrecision)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func validateLength(length int64) error {
	if length < 0 {
		return reelerr.ErrInvalidArgument.WithMessage("length must not be negative, got %d", length)
	}
	return nil
}
