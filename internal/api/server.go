package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/JannisBe/imagetopdfconverter/internal/config"
	"github.com/JannisBe/imagetopdfconverter/internal/model"
	"github.com/JannisBe/imagetopdfconverter/internal/queue"
)

// RecordStore is the slice of the upload store the API needs.
type RecordStore interface {
	Create(ctx context.Context, up *model.Upload) error
	Get(ctx context.Context, id string) (*model.Upload, error)
	SetTaskID(ctx context.Context, id, taskID string) error
	MarkFailed(ctx context.Context, id, msg string) error
}

// BlobStore stores the uploaded source image.
type BlobStore interface {
	UploadSource(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
}

// Server exposes HTTP endpoints for uploads and status polling.
type Server struct {
	cfg      *config.Config
	store    RecordStore
	blobs    BlobStore
	enqueuer queue.Enqueuer
	validate *validator.Validate
	server   *http.Server
	once     sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, store RecordStore, blobs BlobStore, enqueuer queue.Enqueuer) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		blobs:    blobs,
		enqueuer: enqueuer,
		validate: validator.New(),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: corsMiddleware(loggingMiddleware(s.Routes())),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Routes returns the bare handler without middleware, used by tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/status/", s.handleStatus)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadForm struct {
	Email string `validate:"required,email"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}

	form, tmp, err := s.readForm(mr)
	if tmp != nil {
		defer os.Remove(tmp.path)
		defer tmp.f.Close()
	}
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{"errors": map[string]string{"image": err.Error()}})
		return
	}
	if fieldErrs := s.validateForm(form, tmp); len(fieldErrs) > 0 {
		respondJSON(w, http.StatusBadRequest, map[string]any{"errors": fieldErrs})
		return
	}

	uploadID := uuid.NewString()
	sourceKey := fmt.Sprintf("%s/%s", uploadID, filepath.Base(tmp.filename))
	if err := s.uploadToStorage(ctx, sourceKey, tmp); err != nil {
		log.Printf("upload to storage failed: %v", err)
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	up := &model.Upload{
		ID:        uploadID,
		Email:     form.Email,
		SourceKey: &sourceKey,
	}
	if err := s.store.Create(ctx, up); err != nil {
		log.Printf("create upload failed: %v", err)
		http.Error(w, "failed to store metadata", http.StatusInternalServerError)
		return
	}

	taskID, err := s.enqueuer.EnqueueProcess(ctx, uploadID)
	if err != nil {
		// The one dispatch-time error visible to clients: nothing could be
		// scheduled, so the record is failed and the caller told to retry.
		log.Printf("enqueue process failed: %v", err)
		_ = s.store.MarkFailed(ctx, uploadID, "Failed to start processing task")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "Service temporarily unavailable. Please try again later.",
		})
		return
	}
	if err := s.store.SetTaskID(ctx, uploadID, taskID); err != nil {
		log.Printf("set task id failed: %v", err)
	}
	up.TaskID = &taskID
	respondJSON(w, http.StatusCreated, up)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/status/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	up, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			respondJSON(w, http.StatusNotFound, map[string]string{"message": "Upload not found"})
			return
		}
		http.Error(w, "failed to retrieve status", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       up.Status,
		"errorMessage": up.ErrorMessage,
		"data":         up,
	})
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

// readForm drains the multipart stream, collecting the email field and
// spooling the image part to a temp file.
func (s *Server) readForm(mr *multipart.Reader) (*uploadForm, *tempUpload, error) {
	form := &uploadForm{}
	var tmp *tempUpload
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return form, tmp, fmt.Errorf("failed to read upload: %w", err)
		}
		switch part.FormName() {
		case "email":
			val, err := io.ReadAll(io.LimitReader(part, 1024))
			part.Close()
			if err != nil {
				return form, tmp, fmt.Errorf("read email field: %w", err)
			}
			form.Email = strings.TrimSpace(string(val))
		case "image", "jpeg_file":
			if tmp != nil {
				part.Close()
				continue
			}
			spooled, err := s.persistTemp(part)
			part.Close()
			if err != nil {
				return form, tmp, err
			}
			tmp = spooled
		default:
			part.Close()
		}
	}
	return form, tmp, nil
}

// validateForm collects per-field validation errors for the ingress contract:
// a valid email address plus a decodable raster image within the size cap.
func (s *Server) validateForm(form *uploadForm, tmp *tempUpload) map[string]string {
	fieldErrs := make(map[string]string)
	if err := s.validate.Struct(form); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				switch fe.Tag() {
				case "required":
					fieldErrs["email"] = "email is required"
				default:
					fieldErrs["email"] = "email must be a valid address"
				}
			}
		} else {
			fieldErrs["email"] = "email must be a valid address"
		}
	}
	switch {
	case tmp == nil:
		fieldErrs["image"] = "image file is required"
	case !s.cfg.FormatAllowed(filepath.Ext(tmp.filename)):
		fieldErrs["image"] = fmt.Sprintf("unsupported format, allowed: %s", strings.Join(s.cfg.AllowedFormats, ", "))
	case !strings.HasPrefix(tmp.contentType, "image/"):
		fieldErrs["image"] = "file content is not a recognized image"
	}
	return fieldErrs
}

func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "imgtopdf-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxUploadSize {
				cleanup()
				return nil, fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxUploadSize)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				cleanup()
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			cleanup()
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if written == 0 {
		cleanup()
		return nil, errors.New("empty file")
	}
	if _, err := tmpFile.Seek(0, 0); err != nil {
		cleanup()
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	filename := part.FileName()
	if filename == "" {
		filename = "upload.jpg"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: http.DetectContentType(sniff),
		filename:    filename,
	}, nil
}

func (s *Server) uploadToStorage(ctx context.Context, key string, tmp *tempUpload) error {
	if _, err := tmp.f.Seek(0, 0); err != nil {
		return err
	}
	return s.blobs.UploadSource(ctx, key, tmp.f, tmp.size, tmp.contentType)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
