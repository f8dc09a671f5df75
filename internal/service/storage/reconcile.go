package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"potholecam/internal/repository"
)

// ReconcileReport summarises a pass over the record store and image directory.
type ReconcileReport struct {
	Records       int      `json:"records"`
	MissingImages int      `json:"missing_images"`
	Orphans       []string `json:"orphans"`
	Removed       int      `json:"removed"`
}

// Reconcile deletes records whose image file is gone and collects images
// that no record references. Orphans are deleted when removeOrphans is set.
func (s *ImageStore) Reconcile(ctx context.Context, store repository.UploadRepository, removeOrphans bool) (ReconcileReport, error) {
	var report ReconcileReport

	uploads, err := store.GetAll(ctx)
	if err != nil {
		return report, err
	}
	report.Records = len(uploads)

	referenced := make(map[string]bool, len(uploads))
	for _, u := range uploads {
		if _, err := os.Stat(u.LocalImagePath); os.IsNotExist(err) {
			if err := store.Delete(ctx, u.ID); err != nil {
				return report, err
			}
			report.MissingImages++
			continue
		}
		referenced[filepath.Clean(u.LocalImagePath)] = true
	}

	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("failed to read image directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "pothole_") || filepath.Ext(name) != ".jpg" {
			continue
		}
		full := filepath.Clean(filepath.Join(s.dir, name))
		if referenced[full] {
			continue
		}
		report.Orphans = append(report.Orphans, full)
		if removeOrphans {
			if err := s.Remove(full); err != nil {
				return report, err
			}
			report.Removed++
		}
	}

	return report, nil
}
