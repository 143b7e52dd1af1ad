// Package model contains simple struct definitions shared across packages.
package model

import (
	"errors"
	"time"
)

// Status describes where an upload sits in the conversion lifecycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConverting Status = "CONVERTING"
	StatusSending    Status = "SENDING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrNotFound is returned by record stores when no upload matches an id.
	ErrNotFound = errors.New("upload not found")
	// ErrConflict is returned when a guarded status transition finds the
	// record in a different state than the one it expects.
	ErrConflict = errors.New("upload status conflict")
)

// Upload tracks one image-to-PDF job. SourceKey and PDFKey reference blobs in
// object storage and become nil once the janitor reclaims the files.
type Upload struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	SourceKey    *string   `json:"sourceKey,omitempty"`
	PDFKey       *string   `json:"pdfKey,omitempty"`
	Status       Status    `json:"status"`
	ErrorMessage *string   `json:"errorMessage,omitempty"`
	TaskID       *string   `json:"taskId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
