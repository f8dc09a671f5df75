package handler

import (
	"net/http"

	"potholecam/internal/service"
)

// StatusInfo is the live state of the detector reported by GET /api/status.
type StatusInfo struct {
	Backend       string        `json:"backend"`
	Frames        service.Stats `json:"frames"`
	ActiveUploads int           `json:"active_uploads"`
	Viewers       int           `json:"viewers"`
	SessionValid  bool          `json:"session_valid"`
	LocationKnown bool          `json:"location_known"`
}

// StatusHandler handles GET /api/status.
func StatusHandler(status func() StatusInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, status())
	}
}
