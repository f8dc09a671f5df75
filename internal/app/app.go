package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"potholecam/internal/api"
	"potholecam/internal/config"
	"potholecam/internal/dedup"
	"potholecam/internal/detection"
	"potholecam/internal/handler"
	"potholecam/internal/inference/onnx"
	"potholecam/internal/location"
	"potholecam/internal/logger"
	"potholecam/internal/repository/sqlite"
	"potholecam/internal/routes"
	"potholecam/internal/service"
	"potholecam/internal/service/ai"
	"potholecam/internal/service/capture"
	"potholecam/internal/service/storage"
	"potholecam/internal/service/upload"
	"potholecam/internal/service/websocket"
)

// Queue is the storage and delivery half of the system. It runs without a
// model, so the CLI can inspect and drain uploads on its own.
type Queue struct {
	DB         *sqlite.DB
	Uploads    *sqlite.UploadRepository
	Images     *storage.ImageStore
	Session    *api.Session
	Dispatcher *upload.Dispatcher
}

// OpenQueue opens the database and builds the dispatcher.
func OpenQueue(cfg *config.Config, logger *logger.Logger, onEvent func(upload.Event)) (*Queue, error) {
	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	uploads := sqlite.NewUploadRepository(db)
	images := storage.NewImageStore(cfg.ImageDirectory)
	client := api.NewClient(cfg.APIBaseURL, cfg.ConnectTimeout, cfg.RequestTimeout)
	session := api.NewSession(client, func() api.Credentials {
		return api.Credentials{Email: cfg.AuthEmail, Password: cfg.AuthPassword}
	})

	dispatcher := upload.NewDispatcher(uploads, client, session, images, logger, upload.Options{
		BaseDelay:    cfg.RetryBaseDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		MaxAttempts:  cfg.RetryAttempts,
		MaxFailures:  cfg.MaxFailures,
		MaxReauth:    cfg.MaxReauth,
		Connectivity: upload.DialCheck(client.BaseURL(), cfg.ConnectTimeout),
		OnEvent:      onEvent,
	})

	return &Queue{
		DB:         db,
		Uploads:    uploads,
		Images:     images,
		Session:    session,
		Dispatcher: dispatcher,
	}, nil
}

// Close stops delivery and closes the database.
func (q *Queue) Close() error {
	q.Dispatcher.Stop()
	return q.DB.Close()
}

type App struct {
	config   *config.Config
	logger   *logger.Logger
	queue    *Queue
	sweeper  *upload.Sweeper
	pipeline *detection.Pipeline
	hub      *websocket.HubService
	tracker  *location.Tracker
	manager  *service.Manager
}

// NewApp wires every component. The model is loaded here, falling back
// through the configured compute backends.
func NewApp(cfg *config.Config, logger *logger.Logger) (a *App, err error) {
	if err := cfg.CheckModel(); err != nil {
		return nil, err
	}
	layout, err := detection.ParseLayout(cfg.TensorLayout)
	if err != nil {
		return nil, err
	}

	hub := websocket.NewHubService(logger)

	queue, err := OpenQueue(cfg, logger, func(ev upload.Event) {
		hub.BroadcastJSON("upload", ev)
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, queue.Close())
		}
	}()

	sweeper, err := upload.NewSweeper(queue.Uploads, queue.Dispatcher, cfg.SweepInterval, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, sweeper.Shutdown())
		}
	}()

	model := onnx.Model{
		Path:      cfg.ModelPath,
		LibPath:   cfg.OnnxRuntimeLib,
		InputSize: cfg.ModelInputSize,
		Slots:     cfg.ModelSlots,
		Layout:    layout,
	}
	backend, err := detection.OpenBackend(onnx.Factories(model, cfg.Backends), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", cfg.ModelPath, err)
	}
	pipeline := detection.NewPipeline(backend, detection.PipelineConfig{
		InputSize:    cfg.ModelInputSize,
		Slots:        cfg.ModelSlots,
		Layout:       layout,
		IoUThreshold: cfg.IoUThreshold,
	})

	tracker := location.NewTracker()
	if cfg.HasLocation {
		if err := tracker.Set(location.Fix{Latitude: cfg.Latitude, Longitude: cfg.Longitude}); err != nil {
			pipeline.Close()
			return nil, fmt.Errorf("invalid static location: %w", err)
		}
	}

	gate := dedup.New(
		dedup.WithRadius(cfg.DedupRadiusMeters),
		dedup.WithWindow(cfg.DedupWindow),
		dedup.WithCapacity(cfg.DedupCapacity),
	)

	manager := service.NewManager(service.Dependencies{
		Detector:  pipeline,
		Annotator: ai.NewAnnotator(cfg.JPEGQuality),
		Gate:      gate,
		Images:    queue.Images,
		Store:     queue.Uploads,
		Queue:     queue.Dispatcher,
		Location:  tracker,
		Viewers:   hub,
	}, service.ManagerConfig{
		FrameSkipRate: cfg.FrameSkipRate,
		Threshold:     cfg.ConfidenceThreshold,
		VehicleID:     cfg.VehicleID,
	}, logger)

	return &App{
		config:   cfg,
		logger:   logger,
		queue:    queue,
		sweeper:  sweeper,
		pipeline: pipeline,
		hub:      hub,
		tracker:  tracker,
		manager:  manager,
	}, nil
}

// Run serves until ctx is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		for count := range a.queue.Uploads.WatchCount(ctx) {
			a.hub.BroadcastJSON("queue", map[string]int{"pending": count})
		}
		return nil
	})

	a.sweeper.Start()
	a.manager.Start(ctx)

	if a.config.CamerasPort > 0 {
		g.Go(func() error {
			return handler.UDPCameraHandler(ctx, a.manager, a.config.CamerasPort, a.logger)
		})
	}
	if a.config.CameraDevice != "" {
		device := capture.NewDevice(a.config.CameraDevice, a.config.JPEGQuality, a.logger)
		g.Go(func() error {
			return device.Run(ctx, a.manager)
		})
	}

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", a.config.Port),
		Handler: routes.SetupRoutes(routes.Services{
			Uploads: a.queue.Uploads,
			Queue:   a.queue.Dispatcher,
			Tracker: a.tracker,
			Hub:     a.hub,
			Status:  a.status,
		}, a.config, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		a.logger.Info("Status server listening on %s (backend %s)", server.Addr, a.pipeline.Backend())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close stops frame processing first, then delivery, then releases the model
// and database.
func (a *App) Close() error {
	a.manager.Stop()
	err := a.sweeper.Shutdown()
	err = multierr.Append(err, a.queue.Close())
	err = multierr.Append(err, a.pipeline.Close())
	return err
}

func (a *App) status() handler.StatusInfo {
	_, located := a.tracker.LastLocation()
	return handler.StatusInfo{
		Backend:       a.pipeline.Backend(),
		Frames:        a.manager.Stats(),
		ActiveUploads: a.queue.Dispatcher.Active(),
		Viewers:       a.hub.GetClientCount(),
		SessionValid:  a.queue.Session.Valid(),
		LocationKnown: located,
	}
}
