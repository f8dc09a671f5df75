package detection

import (
	"errors"
	"fmt"

	"potholecam/internal/logger"
)

// Backend runs the model on a prepared input tensor and returns the raw
// output buffer. Implementations own native resources released by Close.
type Backend interface {
	Name() string
	Run(input []float32) ([]float32, error)
	Close() error
}

// BackendFactory acquires one compute backend. Open must release anything it
// acquired before returning an error.
type BackendFactory struct {
	Name string
	Open func() (Backend, error)
}

// ErrNoBackend is returned when the chain is empty.
var ErrNoBackend = errors.New("no compute backend configured")

// OpenBackend tries factories in order and returns the first backend that
// initializes. Any failure, including a panic inside native init, falls
// through to the next entry; the last entry is the baseline and its error is
// returned.
func OpenBackend(factories []BackendFactory, log *logger.Logger) (Backend, error) {
	if len(factories) == 0 {
		return nil, ErrNoBackend
	}

	var lastErr error
	for i, f := range factories {
		backend, err := tryOpen(f)
		if err == nil {
			log.Info("Compute backend %s initialized", f.Name)
			return backend, nil
		}

		lastErr = err
		if i < len(factories)-1 {
			log.Warning("Compute backend %s unavailable, falling back to %s: %v", f.Name, factories[i+1].Name, err)
		}
	}

	return nil, fmt.Errorf("baseline backend %s failed: %w", factories[len(factories)-1].Name, lastErr)
}

func tryOpen(f BackendFactory) (backend Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = fmt.Errorf("backend %s panicked during init: %v", f.Name, r)
		}
	}()

	backend, err = f.Open()
	if err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, fmt.Errorf("backend %s returned nil", f.Name)
	}
	return backend, nil
}
