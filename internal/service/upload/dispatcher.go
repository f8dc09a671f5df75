// Package upload delivers pending pothole reports to the backend.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"potholecam/internal/api"
	"potholecam/internal/logger"
	"potholecam/internal/model"
	"potholecam/internal/repository"
)

const (
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxDelay    = time.Hour
	DefaultMaxAttempts = 10
	DefaultMaxFailures = 5
	DefaultMaxReauth   = 1
)

var errOffline = errors.New("network unavailable")

// State is the scheduling state of one pending upload.
type State int

const (
	NotScheduled State = iota
	Scheduled
	Running
	Retrying
	Succeeded
	// Failed is a non-retryable failure below the failure cap. The record
	// stays and is picked up again by the next sweep.
	Failed
	PermanentlyFailed
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	case Retrying:
		return "retrying"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case PermanentlyFailed:
		return "permanently_failed"
	default:
		return "not_scheduled"
	}
}

// Uploader sends one report; *api.Client satisfies it.
type Uploader interface {
	UploadPothole(ctx context.Context, accessToken string, r api.UploadRequest) (api.UploadResponse, error)
}

// TokenSource hands out access tokens; *api.Session satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(token string)
}

// ImageFiles reads and removes stored images; *storage.ImageStore satisfies it.
type ImageFiles interface {
	Read(path string) ([]byte, error)
	Remove(path string) error
}

// Connectivity reports whether the network is usable right now.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func(ctx context.Context) bool

// Online implements Connectivity.
func (f ConnectivityFunc) Online(ctx context.Context) bool { return f(ctx) }

// Event is emitted whenever a unit of work ends.
type Event struct {
	ID       string              `json:"id"`
	State    string              `json:"state"`
	Response *api.UploadResponse `json:"response,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// Options tune retry behaviour. Zero values take the defaults above.
type Options struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	MaxFailures  int
	MaxReauth    int
	Clock        clock.Clock
	Connectivity Connectivity
	OnEvent      func(Event)
}

func (o *Options) setDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = DefaultMaxFailures
	}
	if o.MaxReauth < 0 {
		o.MaxReauth = 0
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

type unit struct {
	cancel   context.CancelFunc
	done     chan struct{}
	state    State
	response *api.UploadResponse
	err      error
}

// Dispatcher runs at most one unit of work per pending upload id. A unit
// retries transient failures with exponential backoff.
type Dispatcher struct {
	store    repository.UploadRepository
	uploader Uploader
	tokens   TokenSource
	images   ImageFiles
	logger   *logger.Logger
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	units map[string]*unit
	last  map[string]State
	// deleting counts Delete calls in flight per id; Enqueue refuses those ids.
	deleting map[string]int
	stopped  bool
}

// NewDispatcher creates a dispatcher. Units keep running until they finish
// or Stop is called.
func NewDispatcher(
	store repository.UploadRepository,
	uploader Uploader,
	tokens TokenSource,
	images ImageFiles,
	logger *logger.Logger,
	opts Options,
) *Dispatcher {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    store,
		uploader: uploader,
		tokens:   tokens,
		images:   images,
		logger:   logger,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		units:    make(map[string]*unit),
		last:     make(map[string]State),
		deleting: make(map[string]int),
	}
}

// Enqueue schedules delivery of the upload with the given id. If a unit for
// the id is already scheduled or running, or the id is being deleted, the
// call does nothing and returns false.
func (d *Dispatcher) Enqueue(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}
	if _, ok := d.units[id]; ok {
		return false
	}
	if d.deleting[id] > 0 {
		return false
	}

	ctx, cancel := context.WithCancel(d.ctx)
	u := &unit{cancel: cancel, done: make(chan struct{}), state: Scheduled}
	d.units[id] = u
	delete(d.last, id)

	d.wg.Add(1)
	go d.run(ctx, id, u)
	return true
}

// Cancel stops the unit for id, if any. The record is left in place.
func (d *Dispatcher) Cancel(id string) {
	d.mu.Lock()
	u, ok := d.units[id]
	d.mu.Unlock()
	if ok {
		u.cancel()
	}
}

// Delete cancels any unit for id, then removes the record and its image.
func (d *Dispatcher) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	u, ok := d.units[id]
	d.deleting[id]++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.deleting[id]--; d.deleting[id] == 0 {
			delete(d.deleting, id)
		}
		d.mu.Unlock()
	}()

	if ok {
		u.cancel()
		select {
		case <-u.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	rec, err := d.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	return d.discard(ctx, rec)
}

// Status reports the state of the unit for id, or of the last unit that ran
// for it.
func (d *Dispatcher) Status(id string) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u, ok := d.units[id]; ok {
		return u.state
	}
	if s, ok := d.last[id]; ok {
		return s
	}
	return NotScheduled
}

// Active returns the number of units scheduled or running.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.units)
}

// Wait blocks until every unit has ended.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stop refuses new work, cancels every unit and waits for them to end.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, id string, u *unit) {
	defer d.wg.Done()
	defer d.finish(id, u)

	wait := d.opts.BaseDelay
	reauths := 0

	for attempt := 1; ; attempt++ {
		d.setState(u, Running)

		out, resp, err := d.attempt(ctx, id, reauths)
		switch out {
		case outcomeSucceeded:
			d.logger.Info("Upload %s delivered (remote id %s, duplicate %t)", id, resp.ID, resp.IsDuplicate)
			d.end(u, Succeeded, resp, nil)
			return
		case outcomeFailed:
			d.logger.Warning("Upload %s rejected: %v", id, err)
			d.end(u, Failed, nil, err)
			return
		case outcomePermanent:
			if err != nil {
				d.logger.Error("Upload %s abandoned: %v", id, err)
			}
			d.end(u, PermanentlyFailed, nil, err)
			return
		case outcomeReauth:
			reauths++
			d.logger.Info("Upload %s: access token rejected, logging in again", id)
			continue
		}

		if ctx.Err() != nil {
			d.end(u, NotScheduled, nil, ctx.Err())
			return
		}
		if attempt >= d.opts.MaxAttempts {
			d.logger.Warning("Upload %s: giving up after %d attempts, leaving it for the next sweep: %v", id, attempt, err)
			d.end(u, NotScheduled, nil, err)
			return
		}

		d.logger.Debug("Upload %s failed (%v), retrying in %s", id, err, wait)
		timer := d.opts.Clock.Timer(wait)
		d.setState(u, Retrying)

		select {
		case <-ctx.Done():
			timer.Stop()
			d.end(u, NotScheduled, nil, ctx.Err())
			return
		case <-timer.C:
		}
		wait = NextDelay(wait, d.opts.MaxDelay)
	}
}

type outcome int

const (
	outcomeRetry outcome = iota
	outcomeSucceeded
	outcomeReauth
	outcomeFailed
	outcomePermanent
)

func (d *Dispatcher) attempt(ctx context.Context, id string, reauths int) (outcome, *api.UploadResponse, error) {
	rec, err := d.store.GetByID(ctx, id)
	if err != nil {
		return outcomeRetry, nil, err
	}
	if rec == nil {
		return outcomePermanent, nil, nil
	}

	image, err := d.images.Read(rec.LocalImagePath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return outcomeRetry, nil, err
		}
		if err := d.store.Delete(ctx, id); err != nil {
			return outcomeRetry, nil, err
		}
		return outcomePermanent, nil, fmt.Errorf("image %s is gone: %w", rec.LocalImagePath, err)
	}

	if d.opts.Connectivity != nil && !d.opts.Connectivity.Online(ctx) {
		return outcomeRetry, nil, errOffline
	}

	token, err := d.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, api.ErrNoCredentials) {
			return outcomePermanent, nil, err
		}
		return d.classify(ctx, rec, fmt.Errorf("login: %w", err))
	}

	resp, err := d.uploader.UploadPothole(ctx, token, api.UploadRequest{
		Image:      image,
		Latitude:   rec.Latitude,
		Longitude:  rec.Longitude,
		Confidence: rec.Confidence,
		VehicleID:  rec.VehicleID,
		Timestamp:  rec.Timestamp,
	})
	if err == nil {
		if err := d.discard(context.WithoutCancel(ctx), rec); err != nil {
			d.logger.Error("Upload %s delivered but cleanup failed: %v", id, err)
		}
		return outcomeSucceeded, &resp, nil
	}

	if api.IsAuthRejected(err) && reauths < d.opts.MaxReauth {
		d.tokens.Invalidate(token)
		return outcomeReauth, nil, err
	}
	return d.classify(ctx, rec, err)
}

// classify decides between retrying later and counting a failure against
// the record.
func (d *Dispatcher) classify(ctx context.Context, rec *model.PendingUpload, err error) (outcome, *api.UploadResponse, error) {
	if ctx.Err() != nil || !api.IsClientError(err) {
		return outcomeRetry, nil, err
	}

	rec.FailureCount++
	if rec.FailureCount >= d.opts.MaxFailures {
		if derr := d.discard(ctx, rec); derr != nil {
			return outcomeFailed, nil, derr
		}
		return outcomePermanent, nil, fmt.Errorf("dropped after %d failures: %w", rec.FailureCount, err)
	}

	if uerr := d.store.Update(ctx, rec); uerr != nil {
		if errors.Is(uerr, repository.ErrNotFound) {
			return outcomePermanent, nil, err
		}
		d.logger.Error("Failed to record failure for upload %s: %v", rec.ID, uerr)
	}
	return outcomeFailed, nil, err
}

// discard deletes the record, then its image.
func (d *Dispatcher) discard(ctx context.Context, rec *model.PendingUpload) error {
	if err := d.store.Delete(ctx, rec.ID); err != nil {
		return err
	}
	return d.images.Remove(rec.LocalImagePath)
}

func (d *Dispatcher) setState(u *unit, s State) {
	d.mu.Lock()
	u.state = s
	d.mu.Unlock()
}

func (d *Dispatcher) end(u *unit, s State, resp *api.UploadResponse, err error) {
	d.mu.Lock()
	u.state = s
	u.response = resp
	u.err = err
	d.mu.Unlock()
}

func (d *Dispatcher) finish(id string, u *unit) {
	d.mu.Lock()
	delete(d.units, id)
	d.last[id] = u.state
	ev := Event{ID: id, State: u.state.String(), Response: u.response}
	if u.err != nil {
		ev.Error = u.err.Error()
	}
	d.mu.Unlock()

	u.cancel()
	close(u.done)

	if d.opts.OnEvent != nil {
		d.opts.OnEvent(ev)
	}
}

// NextDelay doubles the previous wait, capped at max.
func NextDelay(last, max time.Duration) time.Duration {
	next := last * 2
	if next > max || next <= 0 {
		return max
	}
	return next
}
