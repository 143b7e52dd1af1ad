package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JannisBe/imagetopdfconverter/internal/model"
)

// UploadRepository wraps all SQL used throughout the API, the worker and the
// sweepers. Status transitions are guarded UPDATEs so a writer holding a stale
// view of the record cannot override a newer status.
type UploadRepository struct {
	pool *pgxpool.Pool
}

// NewUploadRepository constructs a repository.
func NewUploadRepository(pool *pgxpool.Pool) *UploadRepository {
	return &UploadRepository{pool: pool}
}

// Create inserts a pending upload before processing begins.
func (r *UploadRepository) Create(ctx context.Context, up *model.Upload) error {
	now := time.Now().UTC()
	up.Status = model.StatusPending
	up.CreatedAt = now
	up.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO uploads (id, email, source_key, pdf_key, status, error_message, task_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, up.ID, up.Email, up.SourceKey, up.PDFKey, up.Status, up.ErrorMessage, up.TaskID, up.CreatedAt, up.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

// Get returns an upload by id.
func (r *UploadRepository) Get(ctx context.Context, id string) (*model.Upload, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, email, source_key, pdf_key, status, error_message, task_id, created_at, updated_at
		FROM uploads WHERE id=$1
	`, id)
	up, err := scanUpload(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("select upload: %w", err)
	}
	return up, nil
}

// SetTaskID records the background job handle processing this upload.
func (r *UploadRepository) SetTaskID(ctx context.Context, id, taskID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE uploads SET task_id=$2, updated_at=$3 WHERE id=$1
	`, id, taskID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set task id: %w", err)
	}
	return nil
}

// MarkConverting performs the optimistic PENDING to CONVERTING transition.
// A second dispatch for the same record finds the guard already consumed and
// receives ErrConflict instead of re-running the pipeline.
func (r *UploadRepository) MarkConverting(ctx context.Context, id string) error {
	return r.transition(ctx, id, model.StatusConverting, `
		UPDATE uploads SET status=$2, updated_at=$3
		WHERE id=$1 AND status='PENDING'
	`)
}

// MarkSending moves a converting upload to SENDING. The guard aborts writers
// that lost the record mid-flight, e.g. after the reaper failed it.
func (r *UploadRepository) MarkSending(ctx context.Context, id string) error {
	return r.transition(ctx, id, model.StatusSending, `
		UPDATE uploads SET status=$2, updated_at=$3
		WHERE id=$1 AND status='CONVERTING'
	`)
}

// MarkCompleted finishes the pipeline and clears any stale error message.
func (r *UploadRepository) MarkCompleted(ctx context.Context, id string) error {
	return r.transition(ctx, id, model.StatusCompleted, `
		UPDATE uploads SET status=$2, error_message=NULL, updated_at=$3
		WHERE id=$1 AND status IN ('CONVERTING','SENDING')
	`)
}

// RepairCompleted marks an upload COMPLETED regardless of its current
// non-terminal status. Used when the PDF artifact already exists but the
// status lagged behind a crashed run.
func (r *UploadRepository) RepairCompleted(ctx context.Context, id string) error {
	return r.transition(ctx, id, model.StatusCompleted, `
		UPDATE uploads SET status=$2, error_message=NULL, updated_at=$3
		WHERE id=$1 AND status<>'COMPLETED' AND pdf_key IS NOT NULL
	`)
}

// MarkFailed stores the failure message. Terminal statuses are left alone.
func (r *UploadRepository) MarkFailed(ctx context.Context, id, msg string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE uploads SET status='FAILED', error_message=$2, updated_at=$3
		WHERE id=$1 AND status NOT IN ('COMPLETED','FAILED')
	`, id, msg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrConflict
	}
	return nil
}

// SetOutputPDF stores the produced artifact reference. The pdf_key IS NULL
// predicate makes the write at-most-once; a later conversion attempt never
// overwrites the cached artifact.
func (r *UploadRepository) SetOutputPDF(ctx context.Context, id, pdfKey string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE uploads SET pdf_key=$2, updated_at=$3
		WHERE id=$1 AND pdf_key IS NULL
	`, id, pdfKey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set output pdf: %w", err)
	}
	return nil
}

// ListPendingOlderThan returns uploads stuck in PENDING since before cutoff.
func (r *UploadRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*model.Upload, error) {
	return r.list(ctx, `
		SELECT id, email, source_key, pdf_key, status, error_message, task_id, created_at, updated_at
		FROM uploads WHERE status='PENDING' AND created_at < $1
	`, cutoff)
}

// ListCreatedBefore returns uploads older than cutoff regardless of status.
func (r *UploadRepository) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*model.Upload, error) {
	return r.list(ctx, `
		SELECT id, email, source_key, pdf_key, status, error_message, task_id, created_at, updated_at
		FROM uploads WHERE created_at < $1
	`, cutoff)
}

// ClearFileRefs drops both blob references after the janitor removed the files.
func (r *UploadRepository) ClearFileRefs(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE uploads SET source_key=NULL, pdf_key=NULL, updated_at=$2 WHERE id=$1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear file refs: %w", err)
	}
	return nil
}

func (r *UploadRepository) transition(ctx context.Context, id string, status model.Status, stmt string) error {
	tag, err := r.pool.Exec(ctx, stmt, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("transition to %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrConflict
	}
	return nil
}

func (r *UploadRepository) list(ctx context.Context, stmt string, cutoff time.Time) ([]*model.Upload, error) {
	rows, err := r.pool.Query(ctx, stmt, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select uploads: %w", err)
	}
	defer rows.Close()
	var out []*model.Upload
	for rows.Next() {
		up, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		out = append(out, up)
	}
	return out, rows.Err()
}

func scanUpload(row pgx.Row) (*model.Upload, error) {
	var up model.Upload
	err := row.Scan(&up.ID, &up.Email, &up.SourceKey, &up.PDFKey, &up.Status,
		&up.ErrorMessage, &up.TaskID, &up.CreatedAt, &up.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &up, nil
}
