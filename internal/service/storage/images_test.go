package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"potholecam/internal/model"
	"potholecam/internal/repository/sqlite"
)

func newTestStore(t *testing.T) *ImageStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "images_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })
	return NewImageStore(filepath.Join(tempDir, "pothole_images"))
}

// ========================================
// ImageStore Tests
// ========================================

func TestImageStore_SaveAndRead(t *testing.T) {
	s := newTestStore(t)
	detectedAt := time.UnixMilli(1700000000123)

	path, err := s.Save([]byte("jpeg"), detectedAt, "0123456789abcdef")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if want := filepath.Join(s.Dir(), "pothole_1700000000123_01234567.jpg"); path != want {
		t.Errorf("Expected %s, got %s", want, path)
	}

	data, err := s.Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "jpeg" {
		t.Errorf("Expected jpeg, got %q", data)
	}

	entries, _ := os.ReadDir(s.Dir())
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("Expected no temporary files, found %s", e.Name())
		}
	}
}

func TestImageStore_ShortID(t *testing.T) {
	s := newTestStore(t)

	path, err := s.Save([]byte("x"), time.UnixMilli(5), "ab")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if filepath.Base(path) != "pothole_5_ab.jpg" {
		t.Errorf("Unexpected name %s", filepath.Base(path))
	}
}

func TestImageStore_ReadMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Read(filepath.Join(s.Dir(), "missing.jpg"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Expected fs.ErrNotExist, got %v", err)
	}
}

func TestImageStore_RemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	path, _ := s.Save([]byte("x"), time.Now(), "id")

	for i := 0; i < 2; i++ {
		if err := s.Remove(path); err != nil {
			t.Errorf("Remove #%d failed: %v", i+1, err)
		}
	}
	if err := s.Remove(""); err != nil {
		t.Errorf("Expected empty path to be ignored, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected file to be removed")
	}
}

// ========================================
// Reconcile Tests
// ========================================

func TestImageStore_Reconcile(t *testing.T) {
	s := newTestStore(t)
	db, err := sqlite.New(filepath.Join(filepath.Dir(s.Dir()), "uploads.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()
	store := sqlite.NewUploadRepository(db)
	ctx := context.Background()

	now := time.UnixMilli(1700000000000)
	kept := model.NewPendingUpload("", 1, 1, 0.9, "v", now)
	kept.LocalImagePath, _ = s.Save([]byte("kept"), now, kept.ID)
	lost := model.NewPendingUpload(filepath.Join(s.Dir(), "pothole_1_gone.jpg"), 2, 2, 0.9, "v", now)
	for _, u := range []*model.PendingUpload{kept, lost} {
		if err := store.Insert(ctx, u); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	orphan, _ := s.Save([]byte("orphan"), now, "orphan-id")
	other := filepath.Join(s.Dir(), "notes.txt")
	os.WriteFile(other, []byte("x"), 0644)

	report, err := s.Reconcile(ctx, store, false)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.Records != 2 || report.MissingImages != 1 || report.Removed != 0 {
		t.Errorf("Unexpected report: %+v", report)
	}
	if len(report.Orphans) != 1 || report.Orphans[0] != orphan {
		t.Errorf("Expected orphan %s, got %v", orphan, report.Orphans)
	}
	if rec, _ := store.GetByID(ctx, lost.ID); rec != nil {
		t.Error("Expected record without image to be deleted")
	}
	if _, err := os.Stat(orphan); err != nil {
		t.Error("Expected orphan to be kept without removeOrphans")
	}

	report, err = s.Reconcile(ctx, store, true)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.Removed != 1 {
		t.Errorf("Expected 1 removed, got %d", report.Removed)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("Expected orphan to be removed")
	}
	if _, err := os.Stat(kept.LocalImagePath); err != nil {
		t.Error("Expected referenced image to be kept")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("Expected unrelated file to be kept")
	}
}

func TestImageStore_ReconcileMissingDirectory(t *testing.T) {
	s := newTestStore(t)
	db, err := sqlite.New(filepath.Join(filepath.Dir(s.Dir()), "uploads.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	report, err := s.Reconcile(context.Background(), sqlite.NewUploadRepository(db), true)
	if err != nil {
		t.Fatalf("Expected no error for missing directory, got %v", err)
	}
	if report.Records != 0 || len(report.Orphans) != 0 {
		t.Errorf("Unexpected report: %+v", report)
	}
}
