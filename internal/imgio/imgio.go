// Package imgio loads and saves the image formats the stitcher works
// with. Decoding goes through imaging with a WebP fallback, so JPEG,
// PNG, TIFF, BMP, GIF and WebP inputs all come back as NRGBA.
package imgio

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Load reads an image from disk, applies any EXIF orientation and
// normalizes it to NRGBA.
func Load(path string) (*image.NRGBA, error) {
	if img, err := imaging.Open(path, imaging.AutoOrientation(true)); err == nil {
		return imaging.Clone(img), nil
	}

	// Explicit WebP fallback, then a last generic decode attempt with
	// every registered format.
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if img, err := webp.Decode(f); err == nil {
		return imaging.Clone(img), nil
	}
	if _, err := f.Seek(0, 0); err == nil {
		if img, _, err := image.Decode(f); err == nil {
			return imaging.Clone(img), nil
		}
	}
	return nil, fmt.Errorf("unknown or unsupported image format: %s", path)
}

// Save writes an image, choosing the codec from the file extension.
// Quality applies to JPEG and WebP; other formats ignore it.
func Save(img image.Image, path string, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = 95
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return webp.Encode(f, img, &webp.Options{Quality: float32(quality)})
	case ".jpg", ".jpeg":
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	default:
		return imaging.Save(img, path)
	}
}
