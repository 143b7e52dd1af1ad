package convert

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/ledongthuc/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// embeddedJPEGSize scans the PDF for the DCT-encoded image stream and decodes
// its header. pdfcpu embeds JPEG data verbatim, so the SOI marker is findable.
func embeddedJPEGSize(t *testing.T, doc []byte) (int, int) {
	t.Helper()
	marker := []byte{0xFF, 0xD8, 0xFF}
	for offset := 0; offset < len(doc); {
		idx := bytes.Index(doc[offset:], marker)
		if idx < 0 {
			break
		}
		start := offset + idx
		if cfg, err := jpeg.DecodeConfig(bytes.NewReader(doc[start:])); err == nil {
			return cfg.Width, cfg.Height
		}
		offset = start + 1
	}
	t.Fatal("no decodable JPEG stream found in PDF")
	return 0, 0
}

func TestToPDFRoundTrip(t *testing.T) {
	src := solidPNG(t, 100, 100, color.RGBA{R: 200, G: 40, B: 40, A: 255})

	doc, err := ToPDF(src)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(doc, []byte("%PDF")), "output should be a PDF document")

	reader, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	require.NoError(t, err)
	assert.Equal(t, 1, reader.NumPage())

	w, h := embeddedJPEGSize(t, doc)
	assert.Equal(t, 100, w)
	assert.Equal(t, 100, h)
}

func TestToPDFFlattensAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.NRGBA{R: 0, G: 0, B: 255, A: 128})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	doc, err := ToPDF(buf.Bytes())
	require.NoError(t, err)
	w, h := embeddedJPEGSize(t, doc)
	assert.Equal(t, 20, w)
	assert.Equal(t, 20, h)
}

func TestToPDFPromotesGrayscale(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 32, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: 100})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	doc, err := ToPDF(buf.Bytes())
	require.NoError(t, err)
	w, h := embeddedJPEGSize(t, doc)
	assert.Equal(t, 32, w)
	assert.Equal(t, 16, h)
}

func TestToPDFRejectsMalformedInput(t *testing.T) {
	_, err := ToPDF([]byte("definitely not an image"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode image")
}

func TestNormalizeRGBTranslatesBounds(t *testing.T) {
	// Decoded images may have a non-zero origin; the normalized copy must not.
	img := image.NewRGBA(image.Rect(5, 5, 25, 15))
	rgb := normalizeRGB(img)
	assert.Equal(t, image.Rect(0, 0, 20, 10), rgb.Bounds())
}
