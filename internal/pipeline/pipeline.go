// Package pipeline drives one upload through the conversion lifecycle:
// PENDING -> CONVERTING -> SENDING -> COMPLETED, with FAILED reachable from
// every non-terminal state. Each transition is persisted as it happens so a
// concurrent status poll always observes the latest committed state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/JannisBe/imagetopdfconverter/internal/convert"
	"github.com/JannisBe/imagetopdfconverter/internal/model"
)

// ErrFailed marks errors for which the upload record has already been
// transitioned to FAILED. The dispatcher must not retry these.
var ErrFailed = errors.New("upload processing failed")

const sendFailureMessage = "Failed to send email"

// RecordStore is the slice of the upload store the pipeline mutates.
type RecordStore interface {
	Get(ctx context.Context, id string) (*model.Upload, error)
	SetTaskID(ctx context.Context, id, taskID string) error
	MarkConverting(ctx context.Context, id string) error
	MarkSending(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	RepairCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, msg string) error
	SetOutputPDF(ctx context.Context, id, pdfKey string) error
}

// BlobStore provides access to the upload's source image and PDF artifacts.
type BlobStore interface {
	DownloadSource(ctx context.Context, key string) ([]byte, error)
	UploadPDF(ctx context.Context, key string, data []byte) error
}

// Sender delivers the finished PDF to the requester.
type Sender interface {
	Send(ctx context.Context, recipient string, pdf []byte, filename string) error
}

// Pipeline orchestrates conversion and delivery for single uploads.
type Pipeline struct {
	store          RecordStore
	blobs          BlobStore
	sender         Sender
	pendingTimeout time.Duration
}

// New constructs a Pipeline.
func New(store RecordStore, blobs BlobStore, sender Sender, pendingTimeout time.Duration) *Pipeline {
	return &Pipeline{
		store:          store,
		blobs:          blobs,
		sender:         sender,
		pendingTimeout: pendingTimeout,
	}
}

// TimeoutMessage is the failure text recorded for uploads that waited in the
// queue past the pending timeout. The reaper records the same message.
func TimeoutMessage(timeout time.Duration) string {
	return fmt.Sprintf("Upload timed out after %d seconds", int(timeout.Seconds()))
}

// Process runs the full state machine for one upload. taskID is the job
// handle of the invoking worker and is recorded on the upload before any
// other work. Errors wrapping ErrFailed or model.ErrNotFound indicate the
// terminal outcome is already persisted; anything else is transient.
func (p *Pipeline) Process(ctx context.Context, uploadID, taskID string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			// Best effort: the job must not crash the dispatcher, and a
			// failure to even record the failure is swallowed.
			msg := fmt.Sprintf("unexpected error: %v", rec)
			_ = p.store.MarkFailed(ctx, uploadID, msg)
			err = fmt.Errorf("upload %s: %s: %w", uploadID, msg, ErrFailed)
		}
	}()

	up, err := p.store.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("upload %s not found: %w", uploadID, model.ErrNotFound)
		}
		return err
	}
	if taskID != "" {
		if err := p.store.SetTaskID(ctx, uploadID, taskID); err != nil {
			return err
		}
	}

	// Guard against jobs that were queued but picked up too late.
	if time.Since(up.CreatedAt) > p.pendingTimeout {
		return p.fail(ctx, uploadID, TimeoutMessage(p.pendingTimeout))
	}

	// Lazy cache: an existing artifact means a previous run already got past
	// conversion. Repair the status instead of re-running the pipeline, so
	// the notification is not delivered twice.
	if up.PDFKey != nil {
		if err := p.store.RepairCompleted(ctx, uploadID); err != nil && !errors.Is(err, model.ErrConflict) {
			return err
		}
		log.Printf("upload %s: artifact already present, status repaired", uploadID)
		return nil
	}

	if err := p.store.MarkConverting(ctx, uploadID); err != nil {
		if errors.Is(err, model.ErrConflict) {
			log.Printf("upload %s: already claimed, skipping duplicate dispatch", uploadID)
			return nil
		}
		return err
	}

	pdf, pdfKey, err := p.convertStep(ctx, up)
	if err != nil {
		return p.fail(ctx, uploadID, err.Error())
	}
	if err := p.store.SetOutputPDF(ctx, uploadID, pdfKey); err != nil {
		return err
	}

	if err := p.store.MarkSending(ctx, uploadID); err != nil {
		if errors.Is(err, model.ErrConflict) {
			// A concurrent writer (the reaper) took the record mid-flight;
			// its verdict stands.
			return fmt.Errorf("upload %s: record taken by concurrent writer: %w", uploadID, ErrFailed)
		}
		return err
	}
	if err := p.sender.Send(ctx, up.Email, pdf, path.Base(pdfKey)); err != nil {
		log.Printf("upload %s: %v", uploadID, err)
		return p.fail(ctx, uploadID, sendFailureMessage)
	}

	if err := p.store.MarkCompleted(ctx, uploadID); err != nil && !errors.Is(err, model.ErrConflict) {
		return err
	}
	log.Printf("upload %s processed and sent to %s", uploadID, up.Email)
	return nil
}

// convertStep downloads the source image, converts it and stores the PDF.
func (p *Pipeline) convertStep(ctx context.Context, up *model.Upload) ([]byte, string, error) {
	if up.SourceKey == nil {
		return nil, "", errors.New("source image missing")
	}
	src, err := p.blobs.DownloadSource(ctx, *up.SourceKey)
	if err != nil {
		return nil, "", fmt.Errorf("download source: %w", err)
	}
	pdf, err := convert.ToPDF(src)
	if err != nil {
		return nil, "", err
	}
	key := pdfKeyFor(*up.SourceKey)
	if err := p.blobs.UploadPDF(ctx, key, pdf); err != nil {
		return nil, "", fmt.Errorf("store pdf: %w", err)
	}
	return pdf, key, nil
}

// fail records the terminal failure and returns an error wrapping ErrFailed.
func (p *Pipeline) fail(ctx context.Context, uploadID, msg string) error {
	if err := p.store.MarkFailed(ctx, uploadID, msg); err != nil && !errors.Is(err, model.ErrConflict) {
		log.Printf("upload %s: mark failed: %v", uploadID, err)
	}
	return fmt.Errorf("upload %s: %s: %w", uploadID, msg, ErrFailed)
}

func pdfKeyFor(sourceKey string) string {
	return strings.TrimSuffix(sourceKey, path.Ext(sourceKey)) + ".pdf"
}
