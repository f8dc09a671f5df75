package repository

import (
	"context"
	"errors"

	"potholecam/internal/model"
)

// UploadRepository is the durable store of pending uploads.
type UploadRepository interface {
	// Create operations
	Insert(ctx context.Context, upload *model.PendingUpload) error

	// Read operations
	GetAll(ctx context.Context) ([]model.PendingUpload, error)
	GetByID(ctx context.Context, id string) (*model.PendingUpload, error)
	Count(ctx context.Context) (int, error)

	// Watch pushes the full list after every change until ctx is done.
	Watch(ctx context.Context) <-chan []model.PendingUpload
	WatchCount(ctx context.Context) <-chan int

	// Update operations
	Update(ctx context.Context, upload *model.PendingUpload) error

	// Delete operations
	Delete(ctx context.Context, id string) error
}

// ErrNotFound is returned when a mutation targets a record that no longer exists.
var ErrNotFound = errors.New("record not found")
