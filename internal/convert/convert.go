// Package convert turns raster image bytes into a single-page PDF. Decoding
// goes through image.Decode with the stdlib and x/image formats registered, so
// the supported input set is jpeg, png, gif, bmp, tiff and webp.
package convert

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DPI is the fixed output resolution; page dimensions are derived from the
// image's native pixel size at this density.
const DPI = 100

const jpegQuality = 90

// ToPDF converts raster image bytes into a one-page PDF sized to the image's
// pixel dimensions. It is pure: identical input bytes yield an equivalent
// document, and no record state is touched here.
func ToPDF(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	rgb := normalizeRGB(img)

	var jpegBuf bytes.Buffer
	if err := jpeg.Encode(&jpegBuf, rgb, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	bounds := rgb.Bounds()
	wPt := float64(bounds.Dx()) * 72 / DPI
	hPt := float64(bounds.Dy()) * 72 / DPI
	imp, err := api.Import(fmt.Sprintf("dim:%.2f %.2f, pos:full", wPt, hPt), types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("configure pdf import: %w", err)
	}
	var out bytes.Buffer
	if err := api.ImportImages(nil, &out, []io.Reader{&jpegBuf}, imp, nil); err != nil {
		return nil, fmt.Errorf("encode pdf: %w", err)
	}
	return out.Bytes(), nil
}

// normalizeRGB flattens alpha over a white background and promotes grayscale
// or palette images to direct RGB, which is what the JPEG encoder expects.
func normalizeRGB(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	rgb := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgb, rgb.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(rgb, rgb.Bounds(), img, bounds.Min, draw.Over)
	return rgb
}
