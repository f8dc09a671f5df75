package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ImageStore keeps annotated detection images on local disk until they are
// uploaded.
type ImageStore struct {
	dir string
}

// NewImageStore creates a store rooted at dir. The directory is created on
// first save.
func NewImageStore(dir string) *ImageStore {
	return &ImageStore{dir: dir}
}

// Dir returns the directory images are written to.
func (s *ImageStore) Dir() string {
	return s.dir
}

// Save writes a JPEG for the upload with the given id and returns its path.
// The file appears under its final name only once fully written.
func (s *ImageStore) Save(data []byte, detectedAt time.Time, id string) (string, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}

	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	filename := fmt.Sprintf("pothole_%d_%s.jpg", detectedAt.UnixMilli(), short)
	fullpath := filepath.Join(s.dir, filename)

	tmp, err := os.CreateTemp(s.dir, filename+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create image file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write image %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write image %s: %w", filename, err)
	}
	if err := os.Rename(tmp.Name(), fullpath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to save image %s: %w", filename, err)
	}

	return fullpath, nil
}

// Read returns the bytes of a stored image. A missing file yields an error
// matching fs.ErrNotExist.
func (s *ImageStore) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}

// Remove deletes a stored image. A file that is already gone is not an error.
func (s *ImageStore) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove image: %w", err)
	}
	return nil
}
