package patch

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const jpegQuality = 95

// Saver writes patches as <slideID>_<index>.<ext> under Dir.
type Saver struct {
	Dir    string
	Format string // png (default) or jpeg
}

// SlideID is the file name of path without directory and extension.
func SlideID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (s Saver) ext() (string, error) {
	switch strings.ToLower(s.Format) {
	case "", "png":
		return ".png", nil
	case "jpg", "jpeg":
		return ".jpg", nil
	default:
		return "", fmt.Errorf("unsupported patch format %q", s.Format)
	}
}

// Path returns the file a patch would be written to.
func (s Saver) Path(slideID string, index int) (string, error) {
	ext, err := s.ext()
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Dir, slideID+"_"+strconv.Itoa(index)+ext), nil
}

// Save encodes img and returns the path written.
func (s Saver) Save(slideID string, index int, img image.Image) (string, error) {
	path, err := s.Path(slideID, index)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create patch directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create patch file: %w", err)
	}

	if filepath.Ext(path) == ".jpg" {
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: jpegQuality})
	} else {
		err = png.Encode(f, img)
	}
	if err != nil {
		f.Close()
		return "", fmt.Errorf("encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

// SaveAll writes every successful result and returns the paths in result
// order. Results carrying an error are skipped.
func (s Saver) SaveAll(slideID string, results []Result) ([]string, error) {
	paths := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err != nil || r.Patch == nil {
			continue
		}
		p, err := s.Save(slideID, r.Index, r.Patch)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}
