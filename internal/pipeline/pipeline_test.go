package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JannisBe/imagetopdfconverter/internal/model"
	"github.com/JannisBe/imagetopdfconverter/internal/storage"
)

type fakeBlobs struct {
	mu        sync.Mutex
	sources   map[string][]byte
	pdfs      map[string][]byte
	downloads int
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{
		sources: make(map[string][]byte),
		pdfs:    make(map[string][]byte),
	}
}

func (f *fakeBlobs) DownloadSource(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	data, ok := f.sources[key]
	if !ok {
		return nil, errors.New("source object missing")
	}
	return data, nil
}

func (f *fakeBlobs) UploadPDF(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pdfs[key] = data
	return nil
}

type sentMail struct {
	recipient string
	filename  string
	size      int
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
	fail bool
}

func (f *fakeSender) Send(_ context.Context, recipient string, pdf []byte, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("smtp connection refused")
	}
	f.sent = append(f.sent, sentMail{recipient: recipient, filename: filename, size: len(pdf)})
	return nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 180, B: 10, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	store  *storage.MemoryStore
	blobs  *fakeBlobs
	sender *fakeSender
	pl     *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	blobs := newFakeBlobs()
	sender := &fakeSender{}
	return &fixture{
		store:  store,
		blobs:  blobs,
		sender: sender,
		pl:     New(store, blobs, sender, 10*time.Second),
	}
}

func (f *fixture) seedUpload(t *testing.T, id string, age time.Duration) *model.Upload {
	t.Helper()
	sourceKey := id + "/photo.png"
	up := &model.Upload{
		ID:        id,
		Email:     "user@example.com",
		SourceKey: &sourceKey,
		CreatedAt: time.Now().UTC().Add(-age),
	}
	require.NoError(t, f.store.Create(context.Background(), up))
	f.blobs.sources[sourceKey] = pngBytes(t)
	return up
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t)
	f.seedUpload(t, "u1", time.Second)

	require.NoError(t, f.pl.Process(context.Background(), "u1", "task-42"))

	up, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, up.Status)
	require.NotNil(t, up.PDFKey)
	assert.Equal(t, "u1/photo.pdf", *up.PDFKey)
	assert.Nil(t, up.ErrorMessage)
	require.NotNil(t, up.TaskID)
	assert.Equal(t, "task-42", *up.TaskID)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "user@example.com", f.sender.sent[0].recipient)
	assert.Equal(t, "photo.pdf", f.sender.sent[0].filename)
	assert.NotZero(t, f.sender.sent[0].size)
	assert.NotEmpty(t, f.blobs.pdfs["u1/photo.pdf"])
}

func TestProcessPendingTimeout(t *testing.T) {
	f := newFixture(t)
	f.seedUpload(t, "u1", 11*time.Second)

	err := f.pl.Process(context.Background(), "u1", "task-1")
	require.ErrorIs(t, err, ErrFailed)

	up, _ := f.store.Get(context.Background(), "u1")
	assert.Equal(t, model.StatusFailed, up.Status)
	require.NotNil(t, up.ErrorMessage)
	assert.Contains(t, *up.ErrorMessage, "timed out")
	assert.Zero(t, f.blobs.downloads, "conversion must not run for timed-out uploads")
	assert.Empty(t, f.sender.sent)
}

func TestProcessUnknownUpload(t *testing.T) {
	f := newFixture(t)
	err := f.pl.Process(context.Background(), "missing", "task-1")
	require.ErrorIs(t, err, model.ErrNotFound)
	assert.Contains(t, err.Error(), "not found")
}

func TestProcessConversionFailure(t *testing.T) {
	f := newFixture(t)
	up := f.seedUpload(t, "u1", time.Second)
	f.blobs.sources[*up.SourceKey] = []byte("garbage bytes")

	err := f.pl.Process(context.Background(), "u1", "task-1")
	require.ErrorIs(t, err, ErrFailed)

	got, _ := f.store.Get(context.Background(), "u1")
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.NotEmpty(t, *got.ErrorMessage)
	assert.Nil(t, got.PDFKey)
	assert.Empty(t, f.sender.sent)
}

func TestProcessSendFailureKeepsArtifact(t *testing.T) {
	f := newFixture(t)
	f.seedUpload(t, "u1", time.Second)
	f.sender.fail = true

	err := f.pl.Process(context.Background(), "u1", "task-1")
	require.ErrorIs(t, err, ErrFailed)

	up, _ := f.store.Get(context.Background(), "u1")
	assert.Equal(t, model.StatusFailed, up.Status)
	require.NotNil(t, up.ErrorMessage)
	assert.Equal(t, "Failed to send email", *up.ErrorMessage)
	require.NotNil(t, up.PDFKey, "artifact must survive a delivery failure")
}

func TestProcessIdempotentAfterCompletion(t *testing.T) {
	f := newFixture(t)
	f.seedUpload(t, "u1", time.Second)
	require.NoError(t, f.pl.Process(context.Background(), "u1", "task-1"))

	first, _ := f.store.Get(context.Background(), "u1")
	downloadsAfterFirst := f.blobs.downloads

	require.NoError(t, f.pl.Process(context.Background(), "u1", "task-2"))

	second, _ := f.store.Get(context.Background(), "u1")
	assert.Equal(t, model.StatusCompleted, second.Status)
	assert.Equal(t, *first.PDFKey, *second.PDFKey, "cached artifact reference must be reused")
	assert.Equal(t, downloadsAfterFirst, f.blobs.downloads, "no re-encode on the second invocation")
	assert.Len(t, f.sender.sent, 1, "notification must not be re-sent")
}

func TestProcessRepairsLaggingStatus(t *testing.T) {
	f := newFixture(t)
	up := f.seedUpload(t, "u1", time.Second)
	pdfKey := "u1/photo.pdf"
	require.NoError(t, f.store.SetOutputPDF(context.Background(), up.ID, pdfKey))

	require.NoError(t, f.pl.Process(context.Background(), "u1", "task-1"))

	got, _ := f.store.Get(context.Background(), "u1")
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Zero(t, f.blobs.downloads)
	assert.Empty(t, f.sender.sent)
}

func TestProcessDuplicateDispatchIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.seedUpload(t, "u1", time.Second)
	// Another worker already claimed the record.
	require.NoError(t, f.store.MarkConverting(context.Background(), "u1"))

	require.NoError(t, f.pl.Process(context.Background(), "u1", "task-2"))

	up, _ := f.store.Get(context.Background(), "u1")
	assert.Equal(t, model.StatusConverting, up.Status)
	assert.Zero(t, f.blobs.downloads)
	assert.Empty(t, f.sender.sent)
}

func TestProcessMissingSourceReference(t *testing.T) {
	f := newFixture(t)
	up := &model.Upload{ID: "u1", Email: "user@example.com", CreatedAt: time.Now().UTC()}
	require.NoError(t, f.store.Create(context.Background(), up))

	err := f.pl.Process(context.Background(), "u1", "task-1")
	require.ErrorIs(t, err, ErrFailed)

	got, _ := f.store.Get(context.Background(), "u1")
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "source image missing")
}
