package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"potholecam/internal/location"
	"potholecam/internal/logger"
)

type locationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
}

// LocationHandler handles GET and POST /api/location. POST replaces the
// current fix, GET returns it.
func LocationHandler(tracker *location.Tracker, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			fix, ok := tracker.LastLocation()
			if !ok {
				http.Error(w, "No location fix", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, fix)

		case http.MethodPost:
			var req locationRequest
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
				http.Error(w, "Invalid JSON body", http.StatusBadRequest)
				return
			}
			if req.Latitude == nil || req.Longitude == nil {
				http.Error(w, "latitude and longitude are required", http.StatusBadRequest)
				return
			}

			fix := location.Fix{
				Latitude:  *req.Latitude,
				Longitude: *req.Longitude,
				Accuracy:  req.Accuracy,
				Time:      time.Now(),
			}
			if err := tracker.Set(fix); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			logger.Debug("Location updated to %.6f,%.6f", fix.Latitude, fix.Longitude)
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}
