package model

import (
	"time"

	"github.com/google/uuid"
)

// PendingUpload is a confirmed detection waiting to be sent to the backend.
type PendingUpload struct {
	ID             string  `json:"id"`
	LocalImagePath string  `json:"local_image_path"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	Confidence     float32 `json:"confidence"`
	VehicleID      string  `json:"vehicle_id"`
	Timestamp      int64   `json:"timestamp"` // epoch millis
	FailureCount   int     `json:"failure_count"`
}

// NewPendingUpload assigns a fresh id that stays stable for the record's lifetime.
func NewPendingUpload(imagePath string, lat, lon float64, confidence float32, vehicleID string, detectedAt time.Time) *PendingUpload {
	return &PendingUpload{
		ID:             uuid.NewString(),
		LocalImagePath: imagePath,
		Latitude:       lat,
		Longitude:      lon,
		Confidence:     confidence,
		VehicleID:      vehicleID,
		Timestamp:      detectedAt.UnixMilli(),
	}
}

// DetectedAt returns the detection time.
func (p *PendingUpload) DetectedAt() time.Time {
	return time.UnixMilli(p.Timestamp)
}
