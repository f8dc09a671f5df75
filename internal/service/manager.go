package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"potholecam/internal/detection"
	"potholecam/internal/location"
	"potholecam/internal/logger"
	"potholecam/internal/model"
	"potholecam/internal/repository"
)

// Detector turns a decoded frame into detections; *detection.Pipeline
// satisfies it.
type Detector interface {
	Detect(frame image.Image, threshold float32) (detection.Result, error)
}

// Annotator draws detections onto a JPEG frame.
type Annotator interface {
	Annotate(frame []byte, detections []detection.Detection) ([]byte, error)
}

// Gate decides whether a detection at a position is new.
type Gate interface {
	ShouldReport(lat, lon float64) bool
}

// ImageSaver persists annotated frames.
type ImageSaver interface {
	Save(data []byte, detectedAt time.Time, id string) (string, error)
	Remove(path string) error
}

// Enqueuer hands a stored upload to the dispatcher.
type Enqueuer interface {
	Enqueue(id string) bool
}

// Broadcaster pushes events to live viewers.
type Broadcaster interface {
	BroadcastJSON(kind string, data interface{})
}

// FrameReport is the outcome of analysing one frame.
type FrameReport struct {
	Frame           uint64           `json:"frame"`
	Result          detection.Result `json:"result"`
	Location        *location.Fix    `json:"location,omitempty"`
	Reported        int              `json:"reported"`
	QueuedUploadIDs []string         `json:"queued_upload_ids,omitempty"`
}

// Stats counts what happened to delivered frames.
type Stats struct {
	Received  uint64 `json:"received"`
	Skipped   uint64 `json:"skipped"`
	Dropped   uint64 `json:"dropped"`
	Processed uint64 `json:"processed"`
	Reported  uint64 `json:"reported"`
}

// Dependencies are the collaborators a Manager drives.
type Dependencies struct {
	Detector  Detector
	Annotator Annotator
	Gate      Gate
	Images    ImageSaver
	Store     repository.UploadRepository
	Queue     Enqueuer
	Location  location.Provider
	Viewers   Broadcaster
}

// ManagerConfig holds the tunables for frame analysis.
type ManagerConfig struct {
	FrameSkipRate int
	Threshold     float32
	VehicleID     string
	Clock         clock.Clock
}

// Manager takes frames from a capture source, analyses at most one at a time
// and turns new detections into stored, queued uploads.
type Manager struct {
	deps   Dependencies
	logger *logger.Logger
	clock  clock.Clock

	processEveryNth int
	threshold       float32
	vehicleID       string

	frameCounterMu sync.Mutex
	frameCounter   int // Licznik klatek od ostatniej przetworzonej

	// busy is set from hand-off until analysis of that frame ends.
	busy    atomic.Bool
	mailbox chan []byte
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	received  atomic.Uint64
	skipped   atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
	reported  atomic.Uint64
}

// NewManager creates a manager. Call Start to begin consuming frames.
func NewManager(deps Dependencies, cfg ManagerConfig, logger *logger.Logger) *Manager {
	if cfg.FrameSkipRate < 1 {
		cfg.FrameSkipRate = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Manager{
		deps:            deps,
		logger:          logger,
		clock:           cfg.Clock,
		processEveryNth: cfg.FrameSkipRate,
		threshold:       cfg.Threshold,
		vehicleID:       cfg.VehicleID,
		mailbox:         make(chan []byte, 1),
		stop:            make(chan struct{}),
	}
}

// Start launches the analysis worker.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.processingWorker(ctx)
	m.logger.Info("Manager started - processing every %d frame(s)", m.processEveryNth)
}

// Stop ends frame consumption. A frame already being analysed finishes;
// uploads already queued are not affected.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
	m.logger.Info("Frame processing stopped")
}

// HandleFrame accepts one JPEG frame from a capture source. It never blocks:
// skipped frames are counted, and a frame arriving while another is being
// analysed is dropped.
func (m *Manager) HandleFrame(frame []byte) {
	select {
	case <-m.stop:
		return
	default:
	}

	m.received.Add(1)

	m.frameCounterMu.Lock()
	m.frameCounter++
	due := m.frameCounter%m.processEveryNth == 0
	if due {
		m.frameCounter = 0
	}
	m.frameCounterMu.Unlock()

	if !due {
		m.skipped.Add(1)
		return
	}

	if !m.busy.CompareAndSwap(false, true) {
		m.dropped.Add(1)
		return
	}
	m.mailbox <- frame
}

// HandleCameraImage adapts HandleFrame for sources that name their camera.
func (m *Manager) HandleCameraImage(frame []byte, camera string) {
	m.HandleFrame(frame)
}

// Stats returns a snapshot of the frame counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Received:  m.received.Load(),
		Skipped:   m.skipped.Load(),
		Dropped:   m.dropped.Load(),
		Processed: m.processed.Load(),
		Reported:  m.reported.Load(),
	}
}

func (m *Manager) processingWorker(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case frame := <-m.mailbox:
			select {
			case <-m.stop:
				return
			default:
			}
			m.analyse(ctx, frame)
			m.busy.Store(false)
		}
	}
}

func (m *Manager) analyse(ctx context.Context, frame []byte) {
	report, err := m.ProcessFrame(ctx, frame)
	if err != nil {
		m.logger.Error("Frame analysis failed: %v", err)
		return
	}
	if m.deps.Viewers != nil {
		m.deps.Viewers.BroadcastJSON("detections", report)
	}
}

// ProcessFrame analyses one frame synchronously.
func (m *Manager) ProcessFrame(ctx context.Context, frame []byte) (FrameReport, error) {
	n := m.processed.Add(1)
	report := FrameReport{Frame: n}

	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return report, fmt.Errorf("failed to decode frame: %w", err)
	}

	result, err := m.deps.Detector.Detect(img, m.threshold)
	if err != nil {
		return report, err
	}
	report.Result = result

	if len(result.Detections) == 0 {
		return report, nil
	}

	fix, ok := m.deps.Location.LastLocation()
	if !ok {
		m.logger.Debug("%d detection(s) in frame %d but no location fix, not reporting", len(result.Detections), n)
		return report, nil
	}
	report.Location = &fix

	detectedAt := m.clock.Now()
	var annotated []byte

	for _, det := range result.Detections {
		if !m.deps.Gate.ShouldReport(fix.Latitude, fix.Longitude) {
			continue
		}

		if annotated == nil {
			annotated, err = m.deps.Annotator.Annotate(frame, result.Detections)
			if err != nil {
				m.logger.Warning("Failed to annotate frame %d: %v", n, err)
				annotated = frame // Użyj oryginalnej klatki
			}
		}

		id, err := m.persist(ctx, annotated, fix, det.Confidence, detectedAt)
		if err != nil {
			m.logger.Error("Failed to store detection from frame %d: %v", n, err)
			continue
		}

		report.Reported++
		report.QueuedUploadIDs = append(report.QueuedUploadIDs, id)
		m.reported.Add(1)
		m.deps.Queue.Enqueue(id)
	}

	if report.Reported > 0 {
		m.logger.Info("Frame %d: %d new pothole(s) at %.6f,%.6f", n, report.Reported, fix.Latitude, fix.Longitude)
	}
	return report, nil
}

func (m *Manager) persist(ctx context.Context, data []byte, fix location.Fix, confidence float32, detectedAt time.Time) (string, error) {
	rec := model.NewPendingUpload("", fix.Latitude, fix.Longitude, confidence, m.vehicleID, detectedAt)

	path, err := m.deps.Images.Save(data, detectedAt, rec.ID)
	if err != nil {
		return "", err
	}
	rec.LocalImagePath = path

	if err := m.deps.Store.Insert(ctx, rec); err != nil {
		if rerr := m.deps.Images.Remove(path); rerr != nil {
			m.logger.Warning("Failed to remove orphaned image %s: %v", path, rerr)
		}
		return "", err
	}
	return rec.ID, nil
}
