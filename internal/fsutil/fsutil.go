// Package fsutil finds and orders the image files a stitch run
// consumes.
package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// imageExts are the formats the decoders in imgio can read.
var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".gif":  {},
	".webp": {},
}

// ListImages returns all decodable image files under root, sorted by
// path. Panorama sequences come from burst shooting, so lexical
// filename order is capture order.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsImageFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// IsImageFile checks if a file is a supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := imageExts[ext]
	return ok
}
