// Package sweeper holds the two periodic jobs that keep the upload table
// healthy: the stuck-upload reaper and the aged-file janitor.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/JannisBe/imagetopdfconverter/internal/model"
	"github.com/JannisBe/imagetopdfconverter/internal/pipeline"
)

// Store is the slice of the upload store the sweeps scan and mutate.
type Store interface {
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*model.Upload, error)
	ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*model.Upload, error)
	MarkFailed(ctx context.Context, id, msg string) error
	ClearFileRefs(ctx context.Context, id string) error
}

// BlobStore removes an upload's blobs during cleanup.
type BlobStore interface {
	RemoveSource(ctx context.Context, key string) error
	RemovePDF(ctx context.Context, key string) error
}

// Sweeper runs the periodic maintenance sweeps.
type Sweeper struct {
	store          Store
	blobs          BlobStore
	pendingTimeout time.Duration
	retention      time.Duration
}

// New constructs a Sweeper.
func New(store Store, blobs BlobStore, pendingTimeout, retention time.Duration) *Sweeper {
	return &Sweeper{
		store:          store,
		blobs:          blobs,
		pendingTimeout: pendingTimeout,
		retention:      retention,
	}
}

// ReapStuck fails every upload still PENDING past the pending timeout. This
// recovers uploads whose processing job never ran, e.g. a lost dispatch or a
// worker that crashed before claiming the record.
func (s *Sweeper) ReapStuck(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.pendingTimeout)
	stuck, err := s.store.ListPendingOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stuck uploads: %w", err)
	}
	msg := pipeline.TimeoutMessage(s.pendingTimeout)
	for _, up := range stuck {
		if err := s.store.MarkFailed(ctx, up.ID, msg); err != nil {
			// ErrConflict means the pipeline finished the race first.
			if !errors.Is(err, model.ErrConflict) {
				log.Printf("reaper: upload %s: %v", up.ID, err)
			}
			continue
		}
		log.Printf("reaper: upload %s failed after pending timeout", up.ID)
	}
	return nil
}

// CleanupFiles removes the source and PDF blobs of uploads older than the
// retention window and clears the record's references. Each record's cleanup
// is isolated: a failure is logged and the sweep moves on.
func (s *Sweeper) CleanupFiles(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.retention)
	aged, err := s.store.ListCreatedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list aged uploads: %w", err)
	}
	log.Printf("janitor: %d uploads past retention", len(aged))
	for _, up := range aged {
		if up.SourceKey == nil && up.PDFKey == nil {
			continue // already a tombstone
		}
		s.cleanupOne(ctx, up)
	}
	return nil
}

func (s *Sweeper) cleanupOne(ctx context.Context, up *model.Upload) {
	if up.SourceKey != nil {
		if err := s.blobs.RemoveSource(ctx, *up.SourceKey); err != nil {
			log.Printf("janitor: upload %s: remove source: %v", up.ID, err)
			return
		}
	}
	if up.PDFKey != nil {
		if err := s.blobs.RemovePDF(ctx, *up.PDFKey); err != nil {
			log.Printf("janitor: upload %s: remove pdf: %v", up.ID, err)
			return
		}
	}
	if err := s.store.ClearFileRefs(ctx, up.ID); err != nil {
		log.Printf("janitor: upload %s: clear refs: %v", up.ID, err)
		return
	}
	log.Printf("janitor: cleaned up files for upload %s", up.ID)
}
