package routes

import (
	"net/http"

	"potholecam/internal/config"
	"potholecam/internal/handler"
	"potholecam/internal/location"
	"potholecam/internal/logger"
	"potholecam/internal/middleware"
	"potholecam/internal/repository"
	"potholecam/internal/service/websocket"
)

// Services are the components the HTTP surface exposes.
type Services struct {
	Uploads repository.UploadRepository
	Queue   handler.UploadQueue
	Tracker *location.Tracker
	Hub     *websocket.HubService
	Status  func() handler.StatusInfo
}

// SetupRoutes registers the API and log endpoints and wraps the mux with
// the API key middleware.
func SetupRoutes(svc Services, cfg *config.Config, logger *logger.Logger) http.Handler {
	mux := http.NewServeMux()

	// API endpoints
	mux.HandleFunc("/api/view", handler.ViewWebsocketHandler(svc.Hub, logger))
	mux.HandleFunc("/api/status", handler.StatusHandler(svc.Status))
	mux.HandleFunc("/api/location", handler.LocationHandler(svc.Tracker, logger))
	mux.HandleFunc("/api/uploads", handler.ListUploadsHandler(svc.Uploads, svc.Queue, logger))
	mux.HandleFunc("/api/uploads/count", handler.CountUploadsHandler(svc.Uploads, logger))
	mux.HandleFunc("/api/uploads/retry", handler.RetryUploadHandler(svc.Uploads, svc.Queue, logger))
	mux.HandleFunc("/api/uploads/delete", handler.DeleteUploadHandler(svc.Queue, logger))

	// Log endpoints
	for _, level := range []string{"info", "warning", "error"} {
		file := level + ".log"
		mux.HandleFunc("/logs/"+level, handler.ShowLogsHandler(cfg.LogDirectory, file))
		mux.HandleFunc("/logs/"+level+"/clear", handler.ClearLogsHandler(logger, file))
	}

	// Auth endpoints
	mux.HandleFunc("/auth/login", handler.LoginHandler(cfg.StatusAPIKey))
	mux.HandleFunc("/auth/logout", handler.LogoutHandler)

	// Apply middleware
	return middleware.AuthMiddleware(cfg.StatusAPIKey, mux)
}
