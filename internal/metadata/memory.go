package metadata

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryRegistry implements Registry with an in-process map. Records do not
// survive a restart.
type MemoryRegistry struct {
	mu      sync.RWMutex
	objects map[string]*ObjectRecord
	opts    options
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry(opts ...Option) *MemoryRegistry {
	return &MemoryRegistry{
		objects: make(map[string]*ObjectRecord),
		opts:    buildOptions(opts),
	}
}

func (r *MemoryRegistry) Ping(ctx context.Context) error {
	return nil
}

func (r *MemoryRegistry) Close() error {
	return nil
}

func (r *MemoryRegistry) BeginUpload(ctx context.Context, rec *ObjectRecord) error {
	cp, err := newRecord(rec, r.opts.clock.Now())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.objects[cp.ID]; exists {
		return alreadyExists(cp.ID)
	}
	r.objects[cp.ID] = cp
	return nil
}

func (r *MemoryRegistry) CompleteUpload(ctx context.Context, id string, length int64) error {
	if err := validateLength(length); err != nil {
		return err
	}
	return r.transition(id, StatusComplete, func(rec *ObjectRecord) {
		rec.Length = length
	})
}

func (r *MemoryRegistry) MarkFailed(ctx context.Context, id string) error {
	return r.transition(id, StatusFailed, nil)
}

func (r *MemoryRegistry) MarkDeleted(ctx context.Context, id string) error {
	return r.transition(id, StatusDeleted, nil)
}

func (r *MemoryRegistry) transition(id string, to Status, mutate func(*ObjectRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.objects[id]
	if !exists {
		return notFound(id)
	}
	apply, err := checkTransition(id, rec.Status, to)
	if err != nil || !apply {
		return err
	}
	if mutate != nil {
		mutate(rec)
	}
	rec.Status = to
	rec.UpdatedAt = stamp(r.opts.clock.Now())
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*ObjectRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.objects[id]
	if !exists {
		return nil, notFound(id)
	}
	return rec.Clone(), nil
}

func (r *MemoryRegistry) List(ctx context.Context, opts ListOptions) ([]ObjectRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ObjectRecord
	for _, rec := range r.objects {
		if opts.match(rec) {
			out = append(out, *rec.Clone())
		}
	}
	slices.SortFunc(out, func(a, b ObjectRecord) int {
		return strings.Compare(a.ID, b.ID)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (r *MemoryRegistry) Purge(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.objects[id]
	if !exists {
		return nil
	}
	if err := checkPurge(id, rec.Status); err != nil {
		return err
	}
	delete(r.objects, id)
	return nil
}

// lookup returns a copy of the record for id, or nil.
func (r *MemoryRegistry) lookup(id string) *ObjectRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.objects[id]; ok {
		return rec.Clone()
	}
	return nil
}

// restore puts rec back as the record for id. A nil rec removes it.
func (r *MemoryRegistry) restore(id string, rec *ObjectRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec == nil {
		delete(r.objects, id)
		return
	}
	r.objects[id] = rec
}
