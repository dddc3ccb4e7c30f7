// Package util - Loading of image files for batch runs.
package util

import (
	"bytes"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
)

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
	// Frame is the frame number parsed from a "frame-N" name, or -1.
	Frame int
}

// Decode decodes the image bytes.
func (f ImageFile) Decode() (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", f.Path)
	}
	return img, nil
}

// IsImage reports whether path has a supported image extension.
func IsImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".bmp":
		return true
	}
	return false
}

// LoadImageFile reads one image file.
func LoadImageFile(path string) (ImageFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImageFile{}, errors.Wrapf(err, "read %s", path)
	}
	return ImageFile{Path: path, Data: data, Frame: frameNumber(filepath.Base(path))}, nil
}

// LoadDirectoryImageFiles reads all image files from a directory.
//
// Files named "frame-N" come first in frame order; the rest follow by name.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: Slice of ImageFile, each containing the raw bytes of an image file.
// - error: Error if loading fails.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read directory %s", dir)
	}

	var images []ImageFile
	for _, file := range files {
		if file.IsDir() || !IsImage(file.Name()) {
			continue
		}
		img, err := LoadImageFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}

	sort.SliceStable(images, func(i, j int) bool {
		a, b := images[i], images[j]
		switch {
		case a.Frame >= 0 && b.Frame >= 0:
			return a.Frame < b.Frame
		case a.Frame >= 0 || b.Frame >= 0:
			return a.Frame >= 0
		}
		return a.Path < b.Path
	})

	return images, nil
}

func frameNumber(name string) int {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if !strings.HasPrefix(stem, "frame-") {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimPrefix(stem, "frame-"))
	if err != nil || n < 0 {
		return -1
	}
	return n
}
