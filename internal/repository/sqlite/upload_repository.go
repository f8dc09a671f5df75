package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"potholecam/internal/model"
	"potholecam/internal/repository"
)

// UploadRepository implements repository.UploadRepository for SQLite.
type UploadRepository struct {
	db *DB

	watchMu  sync.Mutex
	watchers map[int]chan []model.PendingUpload
	nextID   int
}

// NewUploadRepository creates a new SQLite pending upload repository.
func NewUploadRepository(db *DB) *UploadRepository {
	return &UploadRepository{
		db:       db,
		watchers: make(map[int]chan []model.PendingUpload),
	}
}

const uploadColumns = `id, local_image_path, latitude, longitude, confidence, vehicle_id, timestamp, failure_count`

// Insert adds a pending upload, replacing any row with the same id.
func (r *UploadRepository) Insert(ctx context.Context, upload *model.PendingUpload) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO pending_uploads (`+uploadColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, upload.ID, upload.LocalImagePath, upload.Latitude, upload.Longitude,
			upload.Confidence, upload.VehicleID, upload.Timestamp, upload.FailureCount)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert pending upload: %w", err)
	}

	r.publish(ctx)
	return nil
}

// GetAll returns every pending upload, oldest detection first.
func (r *UploadRepository) GetAll(ctx context.Context) ([]model.PendingUpload, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT `+uploadColumns+`
		FROM pending_uploads ORDER BY timestamp ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending uploads: %w", err)
	}
	defer rows.Close()

	uploads := make([]model.PendingUpload, 0)
	for rows.Next() {
		var u model.PendingUpload
		if err := scanUpload(rows, &u); err != nil {
			return nil, fmt.Errorf("failed to scan pending upload: %w", err)
		}
		uploads = append(uploads, u)
	}

	return uploads, rows.Err()
}

// GetByID retrieves a pending upload, or nil if it does not exist.
func (r *UploadRepository) GetByID(ctx context.Context, id string) (*model.PendingUpload, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var u model.PendingUpload
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT `+uploadColumns+`
		FROM pending_uploads WHERE id = ?
	`, id)
	err := scanUpload(row, &u)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending upload: %w", err)
	}
	return &u, nil
}

// Count returns the number of pending uploads.
func (r *UploadRepository) Count(ctx context.Context) (int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var count int
	if err := r.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_uploads`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending uploads: %w", err)
	}
	return count, nil
}

// Update writes every mutable column of an existing upload.
func (r *UploadRepository) Update(ctx context.Context, upload *model.PendingUpload) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_uploads
			SET local_image_path = ?, latitude = ?, longitude = ?, confidence = ?,
				vehicle_id = ?, timestamp = ?, failure_count = ?
			WHERE id = ?
		`, upload.LocalImagePath, upload.Latitude, upload.Longitude, upload.Confidence,
			upload.VehicleID, upload.Timestamp, upload.FailureCount, upload.ID)
		if err != nil {
			return err
		}
		return requireAffected(res)
	})
	if err != nil {
		return fmt.Errorf("failed to update pending upload %s: %w", upload.ID, err)
	}

	r.publish(ctx)
	return nil
}

// Delete removes a pending upload. Deleting a missing id is not an error.
func (r *UploadRepository) Delete(ctx context.Context, id string) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM pending_uploads WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete pending upload %s: %w", id, err)
	}

	r.publish(ctx)
	return nil
}

// Watch returns a channel that receives the current list immediately and a
// fresh list after every committed change. Only the newest list is kept for
// a slow reader. The channel is closed when ctx is done.
func (r *UploadRepository) Watch(ctx context.Context) <-chan []model.PendingUpload {
	ch := make(chan []model.PendingUpload, 1)

	r.watchMu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = ch
	if snapshot, err := r.GetAll(ctx); err == nil {
		ch <- snapshot
	}
	r.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		r.watchMu.Lock()
		delete(r.watchers, id)
		close(ch)
		r.watchMu.Unlock()
	}()

	return ch
}

// WatchCount is Watch reduced to the number of pending uploads.
func (r *UploadRepository) WatchCount(ctx context.Context) <-chan int {
	out := make(chan int, 1)
	in := r.Watch(ctx)

	go func() {
		defer close(out)
		for uploads := range in {
			replaceLatest(out, len(uploads))
		}
	}()

	return out
}

// publish sends a fresh snapshot to every watcher. Snapshots are taken under
// watchMu so watchers never see an older list after a newer one.
func (r *UploadRepository) publish(ctx context.Context) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	if len(r.watchers) == 0 {
		return
	}

	snapshot, err := r.GetAll(context.WithoutCancel(ctx))
	if err != nil {
		return
	}
	for _, ch := range r.watchers {
		replaceLatest(ch, snapshot)
	}
}

func replaceLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (r *UploadRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(s scanner, u *model.PendingUpload) error {
	return s.Scan(&u.ID, &u.LocalImagePath, &u.Latitude, &u.Longitude,
		&u.Confidence, &u.VehicleID, &u.Timestamp, &u.FailureCount)
}

var _ repository.UploadRepository = (*UploadRepository)(nil)
