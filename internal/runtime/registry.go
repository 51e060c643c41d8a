package runtime

import (
	"sync"

	"github.com/wasmdock/wasmdock/internal/domain"
)

// Registry is the shared in-memory table of container records. Records are
// never deleted; history is retained for listing and a record is only
// mutated through status transitions.
type Registry struct {
	mu      sync.RWMutex
	records []*domain.ContainerRecord
	index   map[string]*domain.ContainerRecord
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]*domain.ContainerRecord)}
}

// Add appends a record for the container. Ids are process-wide unique, so
// a duplicate add is a programming error and silently keeps the original.
func (r *Registry) Add(id, image string, status domain.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[id]; exists {
		return
	}
	rec := &domain.ContainerRecord{ID: id, Image: image, Status: status}
	r.records = append(r.records, rec)
	r.index[id] = rec
}

// SetStatus transitions the container's status. Unknown ids are a no-op.
func (r *Registry) SetStatus(id string, status domain.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.index[id]; ok {
		rec.Status = status
	}
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (domain.ContainerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.index[id]
	if !ok {
		return domain.ContainerRecord{}, false
	}
	return *rec, true
}

// List returns all records, or only the running ones.
func (r *Registry) List(all bool) []domain.ContainerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ContainerRecord, 0, len(r.records))
	for _, rec := range r.records {
		if !all && rec.Status != domain.StatusRunning {
			continue
		}
		out = append(out, *rec)
	}
	return out
}
