// Package location tracks the vehicle's most recent position.
package location

import (
	"fmt"
	"math"
	"sync"
	"time"

	geo "github.com/kellydunn/golang-geo"
)

// Fix is one position reading.
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Time      time.Time `json:"time"`
}

// Point converts the fix for distance calculations.
func (f Fix) Point() *geo.Point {
	return geo.NewPoint(f.Latitude, f.Longitude)
}

// Provider returns the most recent fix, if any.
type Provider interface {
	LastLocation() (Fix, bool)
}

// Tracker holds the latest fix pushed to it.
type Tracker struct {
	mu  sync.RWMutex
	fix Fix
	ok  bool
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// NewStaticTracker returns a tracker pinned to a fixed position.
func NewStaticTracker(lat, lon float64) (*Tracker, error) {
	t := NewTracker()
	if err := t.Set(Fix{Latitude: lat, Longitude: lon, Time: time.Now()}); err != nil {
		return nil, err
	}
	return t, nil
}

// Set records a new fix.
func (t *Tracker) Set(fix Fix) error {
	if err := Validate(fix.Latitude, fix.Longitude); err != nil {
		return err
	}
	if fix.Time.IsZero() {
		fix.Time = time.Now()
	}

	t.mu.Lock()
	t.fix = fix
	t.ok = true
	t.mu.Unlock()
	return nil
}

// Clear forgets the current fix.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.fix = Fix{}
	t.ok = false
	t.mu.Unlock()
}

// LastLocation implements Provider.
func (t *Tracker) LastLocation() (Fix, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fix, t.ok
}

// Validate checks that a coordinate pair is a real position.
func Validate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return fmt.Errorf("coordinates must be numbers")
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %f out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %f out of range", lon)
	}
	return nil
}
