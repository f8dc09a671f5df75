package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"potholecam/internal/logger"
	"potholecam/internal/repository"
)

const DefaultSweepInterval = 15 * time.Minute

// Enqueuer accepts upload ids; *Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(id string) bool
}

// Sweeper periodically hands every stored upload to the dispatcher, so
// records survive restarts and exhausted retry units.
type Sweeper struct {
	store     repository.UploadRepository
	queue     Enqueuer
	logger    *logger.Logger
	scheduler gocron.Scheduler
	interval  time.Duration
}

// NewSweeper creates a sweeper. Start runs the first sweep immediately.
func NewSweeper(store repository.UploadRepository, queue Enqueuer, interval time.Duration, logger *logger.Logger) (*Sweeper, error) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep scheduler: %w", err)
	}

	s := &Sweeper{
		store:     store,
		queue:     queue,
		logger:    logger,
		scheduler: scheduler,
		interval:  interval,
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			s.Sweep(context.Background())
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		scheduler.Shutdown()
		return nil, fmt.Errorf("failed to schedule sweep: %w", err)
	}

	return s, nil
}

// Start begins the periodic sweep.
func (s *Sweeper) Start() {
	s.logger.Info("Upload sweep every %s", s.interval)
	s.scheduler.Start()
}

// Shutdown stops the scheduler and waits for a running sweep.
func (s *Sweeper) Shutdown() error {
	return s.scheduler.Shutdown()
}

// Sweep enqueues every stored upload and returns how many new units were
// started.
func (s *Sweeper) Sweep(ctx context.Context) int {
	uploads, err := s.store.GetAll(ctx)
	if err != nil {
		s.logger.Error("Upload sweep failed: %v", err)
		return 0
	}

	started := 0
	for _, u := range uploads {
		if s.queue.Enqueue(u.ID) {
			started++
		}
	}
	if started > 0 {
		s.logger.Info("Upload sweep scheduled %d of %d pending uploads", started, len(uploads))
	}
	return started
}
