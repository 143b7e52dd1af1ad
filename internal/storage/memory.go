// Package storage contains an in-memory upload store implementing the same
// contract as the Postgres repository. It backs the unit tests and keeps the
// binaries runnable without a database.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/JannisBe/imagetopdfconverter/internal/model"
)

// MemoryStore guards a map of uploads with an RWMutex. Guarded transitions
// mirror the repository's semantics, including ErrConflict on a lost race.
type MemoryStore struct {
	mu      sync.RWMutex
	uploads map[string]*model.Upload
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads: make(map[string]*model.Upload),
	}
}

// Create inserts a pending upload.
func (m *MemoryStore) Create(_ context.Context, up *model.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	up.Status = model.StatusPending
	if up.CreatedAt.IsZero() {
		up.CreatedAt = now
	}
	up.UpdatedAt = now
	stored := *up
	m.uploads[up.ID] = &stored
	return nil
}

// Get returns a copy of the record so callers cannot mutate internal state.
func (m *MemoryStore) Get(_ context.Context, id string) (*model.Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	up, ok := m.uploads[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *up
	return &cp, nil
}

// SetTaskID records the background job handle.
func (m *MemoryStore) SetTaskID(_ context.Context, id, taskID string) error {
	return m.mutate(id, func(up *model.Upload) bool {
		up.TaskID = &taskID
		return true
	})
}

// MarkConverting claims a pending upload.
func (m *MemoryStore) MarkConverting(_ context.Context, id string) error {
	return m.mutate(id, func(up *model.Upload) bool {
		if up.Status != model.StatusPending {
			return false
		}
		up.Status = model.StatusConverting
		return true
	})
}

// MarkSending moves a converting upload to SENDING.
func (m *MemoryStore) MarkSending(_ context.Context, id string) error {
	return m.mutate(id, func(up *model.Upload) bool {
		if up.Status != model.StatusConverting {
			return false
		}
		up.Status = model.StatusSending
		return true
	})
}

// MarkCompleted finishes the pipeline.
func (m *MemoryStore) MarkCompleted(_ context.Context, id string) error {
	return m.mutate(id, func(up *model.Upload) bool {
		if up.Status != model.StatusConverting && up.Status != model.StatusSending {
			return false
		}
		up.Status = model.StatusCompleted
		up.ErrorMessage = nil
		return true
	})
}

// RepairCompleted marks an upload with an existing artifact COMPLETED.
func (m *MemoryStore) RepairCompleted(_ context.Context, id string) error {
	return m.mutate(id, func(up *model.Upload) bool {
		if up.Status == model.StatusCompleted || up.PDFKey == nil {
			return false
		}
		up.Status = model.StatusCompleted
		up.ErrorMessage = nil
		return true
	})
}

// MarkFailed stores the failure message unless the upload is terminal.
func (m *MemoryStore) MarkFailed(_ context.Context, id, msg string) error {
	return m.mutate(id, func(up *model.Upload) bool {
		if up.Status.Terminal() {
			return false
		}
		up.Status = model.StatusFailed
		up.ErrorMessage = &msg
		return true
	})
}

// SetOutputPDF stores the artifact reference at most once.
func (m *MemoryStore) SetOutputPDF(_ context.Context, id, pdfKey string) error {
	return m.mutate(id, func(up *model.Upload) bool {
		if up.PDFKey == nil {
			up.PDFKey = &pdfKey
		}
		return true
	})
}

// ClearFileRefs drops both blob references.
func (m *MemoryStore) ClearFileRefs(_ context.Context, id string) error {
	return m.mutate(id, func(up *model.Upload) bool {
		up.SourceKey = nil
		up.PDFKey = nil
		return true
	})
}

// ListPendingOlderThan returns uploads stuck in PENDING since before cutoff.
func (m *MemoryStore) ListPendingOlderThan(_ context.Context, cutoff time.Time) ([]*model.Upload, error) {
	return m.filter(func(up *model.Upload) bool {
		return up.Status == model.StatusPending && up.CreatedAt.Before(cutoff)
	}), nil
}

// ListCreatedBefore returns uploads older than cutoff regardless of status.
func (m *MemoryStore) ListCreatedBefore(_ context.Context, cutoff time.Time) ([]*model.Upload, error) {
	return m.filter(func(up *model.Upload) bool {
		return up.CreatedAt.Before(cutoff)
	}), nil
}

func (m *MemoryStore) mutate(id string, fn func(*model.Upload) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[id]
	if !ok {
		return model.ErrNotFound
	}
	if !fn(up) {
		return model.ErrConflict
	}
	up.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) filter(keep func(*model.Upload) bool) []*model.Upload {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Upload
	for _, up := range m.uploads {
		if keep(up) {
			cp := *up
			out = append(out, &cp)
		}
	}
	return out
}
