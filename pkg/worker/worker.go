// Package worker owns a bank at runtime. It refreshes readings on an
// interval, publishes documents and executes commands one at a time.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ericogr/loadcell-to-mqtt/pkg/command"
	"github.com/ericogr/loadcell-to-mqtt/pkg/events"
	"github.com/ericogr/loadcell-to-mqtt/pkg/output"
	"github.com/ericogr/loadcell-to-mqtt/pkg/report"
	"github.com/ericogr/loadcell-to-mqtt/pkg/scale"
)

const (
	DefaultInterval = time.Second

	tareCompleteMessage        = "Tare complete"
	calibrationCompleteMessage = "Calibration complete"
	readCompleteMessage        = "Readings published"
	calibrationSentMessage     = "Calibration published"
)

var (
	// ErrStopped is returned by Submit when the runner is not running.
	ErrStopped = errors.New("worker stopped")

	maskAny = errors.WithStack
)

// Config of a runner.
type Config struct {
	// Interval between refreshes while calibrated.
	Interval time.Duration
	// ScaleFactors applied at start. Empty means calibration is required.
	ScaleFactors []float64
}

// Dependencies of a runner.
type Dependencies struct {
	Log  zerolog.Logger
	Bank *scale.Bank
	// Output receives every rendered document.
	Output output.Output
	// Detector records weight events. Optional.
	Detector *events.Detector
}

// Snapshot is a consistent copy of the bank state, safe to read from any
// goroutine.
type Snapshot struct {
	State       scale.State
	Readings    report.Readings
	Calibration report.Calibration
	LastRefresh time.Time
}

type request struct {
	cmd   command.Command
	reply chan report.Status
}

// Runner serializes all access to its bank.
type Runner struct {
	cfg      Config
	log      zerolog.Logger
	bank     *scale.Bank
	out      output.Output
	detector *events.Detector
	requests chan request
	done     chan struct{}

	mu       sync.RWMutex
	snapshot Snapshot
}

func New(cfg Config, deps Dependencies) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	r := &Runner{
		cfg:      cfg,
		log:      deps.Log.With().Str("component", "worker").Logger(),
		bank:     deps.Bank,
		out:      deps.Output,
		detector: deps.Detector,
		requests: make(chan request),
		done:     make(chan struct{}),
	}
	r.updateSnapshot()
	return r
}

// Notifier returns a function that publishes status notices to out.
func Notifier(out output.Output, log zerolog.Logger) func(report.Status) {
	return func(s report.Status) {
		if err := publish(out, report.KindStatus, s); err != nil {
			log.Warn().Err(err).Msg("failed to publish notice")
		}
	}
}

// Run initializes the bank and serves refreshes and commands until ctx
// is canceled.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)
	log := r.log
	log.Info().Dur("interval", r.cfg.Interval).Int("channels", r.bank.Len()).Msg("worker started")

	if _, err := r.bank.Initialize(ctx, r.cfg.ScaleFactors); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Error().Err(err).Msg("bank initialization failed")
		r.publish(report.KindStatus, report.Status{Status: report.StatusError, Message: err.Error()})
	} else if r.bank.State() == scale.Calibrated {
		r.publish(report.KindCalibration, r.bank.Calibration())
	}
	r.updateSnapshot()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker stopped")
			return nil
		case <-ticker.C:
			if r.bank.State() == scale.Calibrated {
				r.refresh(ctx)
			}
		case req := <-r.requests:
			req.reply <- r.execute(ctx, req.cmd)
		}
	}
}

// Submit queues cmd and waits for its status.
func (r *Runner) Submit(ctx context.Context, cmd command.Command) (report.Status, error) {
	req := request{cmd: cmd, reply: make(chan report.Status, 1)}
	select {
	case r.requests <- req:
	case <-r.done:
		return report.Status{}, maskAny(ErrStopped)
	case <-ctx.Done():
		return report.Status{}, maskAny(ctx.Err())
	}
	select {
	case s := <-req.reply:
		return s, nil
	case <-r.done:
		return report.Status{}, maskAny(ErrStopped)
	}
}

// Snapshot returns the state of the bank after the last operation.
func (r *Runner) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

func (r *Runner) refresh(ctx context.Context) error {
	err := r.bank.Refresh(ctx)
	if ctx.Err() != nil {
		return maskAny(ctx.Err())
	}
	if err != nil {
		if errors.Cause(err) == scale.ErrUncalibrated {
			return err
		}
		// failing channels read zero; the remaining readings are still published
		r.log.Warn().Err(err).Msg("refresh incomplete")
	}
	r.updateSnapshot()
	readings := r.bank.Readings()
	r.publish(report.KindReadings, readings)
	if r.detector != nil {
		if _, derr := r.detector.Observe(readings.Weight); derr != nil {
			r.log.Warn().Err(derr).Msg("failed to record weight event")
		}
	}
	return err
}

func (r *Runner) execute(ctx context.Context, cmd command.Command) report.Status {
	log := r.log.With().Str("command", cmd.String()).Logger()
	log.Debug().Msg("executing command")
	commandsTotal.WithLabelValues(string(cmd.Op)).Inc()

	var message string
	var err error
	switch cmd.Op {
	case command.OpTare:
		if err = r.bank.Tare(ctx); err == nil {
			message = tareCompleteMessage
			r.resetDetector()
		}
	case command.OpCalibrate:
		if _, err = r.bank.Calibrate(ctx, cmd.ReferenceWeight); err == nil {
			message = calibrationCompleteMessage
			r.resetDetector()
			r.publish(report.KindCalibration, r.bank.Calibration())
		}
	case command.OpRead:
		if err = r.refresh(ctx); err == nil {
			message = readCompleteMessage
		}
	case command.OpCalibration:
		r.publish(report.KindCalibration, r.bank.Calibration())
		message = calibrationSentMessage
	default:
		err = errors.Wrapf(command.ErrUnknownCommand, "%q", cmd.Op)
	}
	r.updateSnapshot()

	status := report.Status{Status: report.StatusSuccess, Message: message, MessageUUID: cmd.UUID}
	if err != nil {
		commandErrorsTotal.WithLabelValues(string(cmd.Op)).Inc()
		log.Warn().Err(err).Msg("command failed")
		status = report.Status{Status: report.StatusError, Message: err.Error(), MessageUUID: cmd.UUID}
	} else {
		log.Info().Msg(message)
	}
	r.publish(report.KindStatus, status)
	return status
}

func (r *Runner) resetDetector() {
	if r.detector != nil {
		r.detector.Reset()
	}
}

func (r *Runner) updateSnapshot() {
	s := Snapshot{
		State:       r.bank.State(),
		Readings:    r.bank.Readings(),
		Calibration: r.bank.Calibration(),
		LastRefresh: r.bank.LastRefresh(),
	}
	r.mu.Lock()
	r.snapshot = s
	r.mu.Unlock()
}

func (r *Runner) publish(kind report.Kind, doc interface{}) {
	if err := publish(r.out, kind, doc); err != nil {
		r.log.Warn().Err(err).Str("kind", string(kind)).Msg("publish failed")
	}
}

func publish(out output.Output, kind report.Kind, doc interface{}) error {
	if out == nil {
		return nil
	}
	msg, err := report.Render(kind, doc)
	if err != nil {
		return maskAny(err)
	}
	return out.Publish(msg)
}
