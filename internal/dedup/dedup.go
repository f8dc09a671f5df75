// Package dedup suppresses repeat reports of the same pothole seen from
// nearby positions within a sliding time window.
package dedup

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	geo "github.com/kellydunn/golang-geo"
)

const (
	DefaultRadiusMeters = 10.0
	DefaultWindow       = 60 * time.Second
	DefaultCapacity     = 100
)

// Record is a location accepted as new.
type Record struct {
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

// Deduplicator remembers recently reported locations. All state is guarded
// by one mutex and never leaves the type.
type Deduplicator struct {
	radius   float64
	window   time.Duration
	capacity int
	clock    clock.Clock

	mu      sync.Mutex
	records []Record
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

func WithRadius(meters float64) Option {
	return func(d *Deduplicator) { d.radius = meters }
}

func WithWindow(window time.Duration) Option {
	return func(d *Deduplicator) { d.window = window }
}

func WithCapacity(n int) Option {
	return func(d *Deduplicator) {
		if n > 0 {
			d.capacity = n
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(d *Deduplicator) { d.clock = c }
}

// New returns a Deduplicator with a 10 m radius, 60 s window and 100 records.
func New(opts ...Option) *Deduplicator {
	d := &Deduplicator{
		radius:   DefaultRadiusMeters,
		window:   DefaultWindow,
		capacity: DefaultCapacity,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.records = make([]Record, 0, d.capacity+1)
	return d
}

// ShouldReport reports whether a detection at (lat, lon) is new. A location
// closer than the radius to a live record is a duplicate and is not
// remembered; a location exactly at the radius is new.
func (d *Deduplicator) ShouldReport(lat, lon float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	d.evictExpired(now)

	p := geo.NewPoint(lat, lon)
	for _, r := range d.records {
		if Distance(p, geo.NewPoint(r.Latitude, r.Longitude)) < d.radius {
			return false
		}
	}

	d.records = append(d.records, Record{Latitude: lat, Longitude: lon, Timestamp: now})
	if len(d.records) > d.capacity {
		d.records = append(d.records[:0], d.records[1:]...)
	}
	return true
}

// Len returns the number of remembered records, including expired ones not
// yet evicted.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// Clear forgets every record.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = d.records[:0]
}

func (d *Deduplicator) evictExpired(now time.Time) {
	keep := d.records[:0]
	for _, r := range d.records {
		if now.Sub(r.Timestamp) <= d.window {
			keep = append(keep, r)
		}
	}
	d.records = keep
}

// Distance returns the great-circle distance in meters.
func Distance(a, b *geo.Point) float64 {
	return a.GreatCircleDistance(b) * 1000
}
