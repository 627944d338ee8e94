// Package output delivers rendered documents to their consumers.
package output

import (
	"context"
	"sync"
	"time"

	aerr "github.com/ewoutp/go-aggregate-error"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ericogr/loadcell-to-mqtt/pkg/command"
	"github.com/ericogr/loadcell-to-mqtt/pkg/report"
)

type Output interface {
	Publish(report.Message) error
	Close() error
}

// Submitter executes commands against the bank.
type Submitter interface {
	Submit(ctx context.Context, cmd command.Command) (report.Status, error)
}

// CommandSource is an output that also receives commands from its peer.
type CommandSource interface {
	// Listen forwards incoming commands to s until ctx is canceled.
	Listen(ctx context.Context, s Submitter) error
}

// Entry is an output with its own readings interval.
type Entry struct {
	Name   string
	Output Output
	// Interval is the minimum time between two readings documents.
	// Other documents are always delivered.
	Interval time.Duration

	last time.Time
}

// Fanout delivers every message to all of its entries.
type Fanout struct {
	mu      sync.Mutex
	log     zerolog.Logger
	entries []*Entry
	now     func() time.Time
}

func NewFanout(log zerolog.Logger, entries ...*Entry) *Fanout {
	return &Fanout{
		log:     log.With().Str("component", "output").Logger(),
		entries: entries,
		now:     time.Now,
	}
}

// Add appends an entry.
func (f *Fanout) Add(e *Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

// Entries returns the current entries.
func (f *Fanout) Entries() []*Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Entry(nil), f.entries...)
}

// Sources returns the entries that accept commands.
func (f *Fanout) Sources() []CommandSource {
	var result []CommandSource
	for _, e := range f.Entries() {
		if s, ok := e.Output.(CommandSource); ok {
			result = append(result, s)
		}
	}
	return result
}

// Publish delivers msg to every entry whose interval allows it. A failing
// entry does not prevent delivery to the others.
func (f *Fanout) Publish(msg report.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	var ae aerr.AggregateError
	for _, e := range f.entries {
		if msg.Kind == report.KindReadings && e.Interval > 0 && !e.last.IsZero() && now.Sub(e.last) < e.Interval {
			continue
		}
		if err := e.Output.Publish(msg); err != nil {
			publishErrorsTotal.WithLabelValues(e.Name).Inc()
			f.log.Warn().Err(err).Str("output", e.Name).Msg("publish failed")
			ae.Add(errors.Wrapf(err, "output %s", e.Name))
			continue
		}
		if msg.Kind == report.KindReadings {
			e.last = now
		}
		publishedTotal.WithLabelValues(e.Name, string(msg.Kind)).Inc()
	}
	return ae.AsError()
}

// Close closes every entry.
func (f *Fanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ae aerr.AggregateError
	for _, e := range f.entries {
		ae.Add(e.Output.Close())
	}
	return ae.AsError()
}
