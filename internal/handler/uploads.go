package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"potholecam/internal/logger"
	"potholecam/internal/model"
	"potholecam/internal/repository"
	"potholecam/internal/service/upload"
)

// UploadQueue is the dispatcher surface used by the status API.
type UploadQueue interface {
	Enqueue(id string) bool
	Delete(ctx context.Context, id string) error
	Status(id string) upload.State
}

// UploadStatus is one pending upload together with its scheduling state.
type UploadStatus struct {
	model.PendingUpload
	State string `json:"state"`
}

// ListUploadsHandler handles GET /api/uploads.
func ListUploadsHandler(store repository.UploadRepository, queue UploadQueue, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		uploads, err := store.GetAll(r.Context())
		if err != nil {
			logger.Error("Failed to list uploads: %v", err)
			http.Error(w, "Failed to list uploads", http.StatusInternalServerError)
			return
		}

		statuses := make([]UploadStatus, 0, len(uploads))
		for _, u := range uploads {
			statuses = append(statuses, UploadStatus{PendingUpload: u, State: queue.Status(u.ID).String()})
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"uploads": statuses,
			"total":   len(statuses),
		})
	}
}

// CountUploadsHandler handles GET /api/uploads/count.
func CountUploadsHandler(store repository.UploadRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := store.Count(r.Context())
		if err != nil {
			logger.Error("Failed to count uploads: %v", err)
			http.Error(w, "Failed to count uploads", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": count})
	}
}

// RetryUploadHandler handles POST /api/uploads/retry?id=.
func RetryUploadHandler(store repository.UploadRepository, queue UploadQueue, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing id", http.StatusBadRequest)
			return
		}

		rec, err := store.GetByID(r.Context(), id)
		if err != nil {
			logger.Error("Failed to load upload %s: %v", id, err)
			http.Error(w, "Failed to load upload", http.StatusInternalServerError)
			return
		}
		if rec == nil {
			http.Error(w, "Upload not found", http.StatusNotFound)
			return
		}

		scheduled := queue.Enqueue(id)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"id":        id,
			"scheduled": scheduled,
			"state":     queue.Status(id).String(),
		})
	}
}

// DeleteUploadHandler handles POST /api/uploads/delete?id=. Any scheduled
// or running upload for the id is cancelled first.
func DeleteUploadHandler(queue UploadQueue, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing id", http.StatusBadRequest)
			return
		}

		if err := queue.Delete(r.Context(), id); err != nil {
			logger.Error("Failed to delete upload %s: %v", id, err)
			http.Error(w, "Failed to delete upload", http.StatusInternalServerError)
			return
		}

		logger.Info("Upload %s deleted by operator", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
