// Package events records weight changes of the aggregate reading.
package events

import (
	"crypto/rand"
	"encoding/csv"
	"encoding/hex"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ericogr/loadcell-to-mqtt/pkg/report"
)

const (
	// DefaultThreshold is the weight delta that produces an event.
	DefaultThreshold = 5.0
	// DefaultCapacity is the number of events kept by a MemoryStore.
	DefaultCapacity = 1000
)

var maskAny = errors.WithStack

// Event is a recorded change of the aggregate weight.
type Event struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	StartingWeight float64   `json:"starting_weight"`
	FinalWeight    float64   `json:"final_weight"`
}

// Filter selects events. Nil bounds are open.
type Filter struct {
	MinWeight *float64
	MaxWeight *float64
	Start     *time.Time
	End       *time.Time
}

// Match reports whether e passes the filter. Weight bounds apply to the
// final weight.
func (f Filter) Match(e Event) bool {
	if f.MinWeight != nil && e.FinalWeight < *f.MinWeight {
		return false
	}
	if f.MaxWeight != nil && e.FinalWeight > *f.MaxWeight {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Timestamp.After(*f.End) {
		return false
	}
	return true
}

// Store persists events.
type Store interface {
	Add(e Event) error
	// List returns the matching events, newest first.
	List(f Filter) ([]Event, error)
}

// MemoryStore keeps the most recent events in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	events   []Event
}

// NewMemoryStore creates a store that keeps at most capacity events.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{capacity: capacity}
}

func (s *MemoryStore) Add(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if over := len(s.events) - s.capacity; over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
	}
	return nil
}

func (s *MemoryStore) List(f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Event, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0; i-- {
		if e := s.events[i]; f.Match(e) {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result, nil
}

// Detector turns a stream of aggregate weights into events.
type Detector struct {
	threshold float64
	store     Store
	log       zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	baseline float64
	started  bool
}

// NewDetector creates a detector that records into store.
func NewDetector(threshold float64, store Store, log zerolog.Logger) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{
		threshold: threshold,
		store:     store,
		log:       log.With().Str("component", "events").Logger(),
		now:       time.Now,
	}
}

// Observe feeds the current aggregate weight. The first observation sets
// the baseline. A change of at least the threshold is recorded and
// becomes the new baseline.
func (d *Detector) Observe(weight float64) (*Event, error) {
	if math.IsNaN(weight) || math.IsInf(weight, 0) {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		d.baseline = weight
		d.started = true
		return nil, nil
	}
	if math.Abs(weight-d.baseline) < d.threshold {
		return nil, nil
	}
	e := Event{
		ID:             newID(),
		Timestamp:      d.now(),
		StartingWeight: d.baseline,
		FinalWeight:    weight,
	}
	if err := d.store.Add(e); err != nil {
		return nil, maskAny(err)
	}
	eventsTotal.Inc()
	d.baseline = weight
	d.log.Info().
		Float64("starting_weight", e.StartingWeight).
		Float64("final_weight", e.FinalWeight).
		Msg("weight event")
	return &e, nil
}

// Reset forgets the baseline, e.g. after a tare or calibration.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
}

// WriteCSV writes events with a header row.
func WriteCSV(w io.Writer, list []Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "starting_weight", "final_weight"}); err != nil {
		return maskAny(err)
	}
	for _, e := range list {
		row := []string{
			e.Timestamp.Format(time.RFC3339Nano),
			report.FormatValue(e.StartingWeight),
			report.FormatValue(e.FinalWeight),
		}
		if err := cw.Write(row); err != nil {
			return maskAny(err)
		}
	}
	cw.Flush()
	return maskAny(cw.Error())
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UTC().Format("20060102T150405.000000000")
	}
	return hex.EncodeToString(b[:])
}
