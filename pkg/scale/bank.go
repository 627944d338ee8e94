// Package scale combines a fixed bank of load-cell channels into one weight
// measurement and implements taring and ratiometric calibration.
//
// A Bank is not safe for concurrent use. At runtime it is owned by a single
// worker goroutine that serializes every operation.
package scale

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	aerr "github.com/ewoutp/go-aggregate-error"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/ericogr/loadcell-to-mqtt/pkg/report"
	"github.com/ericogr/loadcell-to-mqtt/pkg/sensor"
)

const (
	// ReadSamples is the number of samples averaged per channel reading.
	ReadSamples = 10
	// DefaultSettle is the wait after asking for the reference weight.
	DefaultSettle = 5 * time.Second

	placeWeightMessage         = "Place weight..."
	calibrationRequiredMessage = "Calibration is required for sensors!"
)

var (
	// ErrUncalibrated is returned by unit reads before calibration.
	ErrUncalibrated = sensor.ErrUncalibrated
	// ErrInvalidReferenceWeight is returned when calibrating against zero.
	ErrInvalidReferenceWeight = errors.New("invalid reference weight")
	// ErrIndexOutOfRange is returned for a channel index outside [0, N).
	ErrIndexOutOfRange = errors.New("channel index out of range")
	// ErrNoChannels is returned when a bank is built without channels.
	ErrNoChannels = errors.New("bank needs at least one channel")

	maskAny = errors.WithStack
)

// State of a bank.
type State int

const (
	Uncalibrated State = iota
	Calibrated
)

func (s State) String() string {
	switch s {
	case Calibrated:
		return "calibrated"
	default:
		return "uncalibrated"
	}
}

// Config of a bank.
type Config struct {
	// Samples averaged per reading; ReadSamples when zero.
	Samples int
	// Settle is the wait for the reference weight during calibration.
	Settle time.Duration
}

// Dependencies of a bank.
type Dependencies struct {
	Log zerolog.Logger
	// Notify receives informational notices such as the request to place
	// the reference weight. Optional.
	Notify func(report.Status)
	// Sleep performs the settle wait. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Bank owns a fixed set of channels and the last refreshed reading of each.
type Bank struct {
	cfg         Config
	log         zerolog.Logger
	notify      func(report.Status)
	sleep       func(time.Duration)
	channels    []sensor.Channel
	readings    []float64
	labels      []string
	state       State
	lastRefresh time.Time
}

// New creates a bank over the given channels. The number of channels is
// fixed for the lifetime of the bank.
func New(cfg Config, deps Dependencies, channels []sensor.Channel) (*Bank, error) {
	if len(channels) == 0 {
		return nil, maskAny(ErrNoChannels)
	}
	if cfg.Samples <= 0 {
		cfg.Samples = ReadSamples
	}
	b := &Bank{
		cfg:      cfg,
		log:      deps.Log.With().Str("component", "bank").Logger(),
		notify:   deps.Notify,
		sleep:    deps.Sleep,
		channels: append([]sensor.Channel(nil), channels...),
		readings: make([]float64, len(channels)),
		labels:   make([]string, len(channels)),
	}
	if b.notify == nil {
		b.notify = func(report.Status) {}
	}
	if b.sleep == nil {
		b.sleep = time.Sleep
	}
	for i := range b.labels {
		b.labels[i] = strconv.Itoa(i)
	}
	calibratedGauge.Set(0)
	return b, nil
}

// Len returns the number of channels.
func (b *Bank) Len() int { return len(b.channels) }

// State returns the calibration state.
func (b *Bank) State() State { return b.state }

// LastRefresh returns the time of the last completed refresh.
func (b *Bank) LastRefresh() time.Time { return b.lastRefresh }

// Initialize tares every channel and applies the given scale factors.
// Without factors the bank stays uncalibrated and calibrationRequired is true.
func (b *Bank) Initialize(ctx context.Context, factors []float64) (calibrationRequired bool, err error) {
	if err := b.Tare(ctx); err != nil {
		return false, err
	}
	if len(factors) == 0 {
		b.setState(Uncalibrated)
		b.log.Warn().Msg(calibrationRequiredMessage)
		b.notify(report.Status{Status: report.StatusInfo, Message: calibrationRequiredMessage})
		return true, nil
	}
	if err := b.SetScaleFactors(factors); err != nil {
		return false, err
	}
	return false, nil
}

// Tare captures a new zero offset on every channel, in channel order.
func (b *Bank) Tare(ctx context.Context) error {
	for i, c := range b.channels {
		if err := c.Tare(ctx); err != nil {
			return errors.Wrapf(err, "tare channel %d", i)
		}
	}
	taresTotal.Inc()
	b.log.Debug().Msg("all channels tared")
	return nil
}

// SetScaleFactors applies one scale factor per channel. Either all factors
// are applied or none.
func (b *Bank) SetScaleFactors(factors []float64) error {
	if len(factors) != len(b.channels) {
		return errors.Wrapf(sensor.ErrInvalidScale, "%d scale factors for %d channels", len(factors), len(b.channels))
	}
	for i, f := range factors {
		if !validScale(f) {
			return errors.Wrapf(sensor.ErrInvalidScale, "channel %d: %v", i, f)
		}
	}
	for i, f := range factors {
		if err := b.channels[i].SetScale(f); err != nil {
			return err
		}
		scaleFactorGauge.WithLabelValues(b.labels[i]).Set(f)
	}
	b.setState(Calibrated)
	return nil
}

// TareSensorValue returns the tared, unscaled reading of channel i.
func (b *Bank) TareSensorValue(ctx context.Context, i int) (int64, error) {
	if i < 0 || i >= len(b.channels) {
		return 0, errors.Wrapf(ErrIndexOutOfRange, "index %d, channels %d", i, len(b.channels))
	}
	return b.channels[i].ReadRaw(ctx, b.cfg.Samples)
}

// Calibrate derives one scale factor from a known reference weight and
// applies it to every channel. The operator is asked to place the weight
// after all channels are re-tared; the settle wait is not cancelable.
// On failure the bank is left uncalibrated.
func (b *Bank) Calibrate(ctx context.Context, referenceWeight float64) (float64, error) {
	if referenceWeight == 0 || math.IsNaN(referenceWeight) || math.IsInf(referenceWeight, 0) {
		calibrationsTotal.WithLabelValues("rejected").Inc()
		return 0, errors.Wrapf(ErrInvalidReferenceWeight, "%v", referenceWeight)
	}
	log := b.log.With().Float64("reference_weight", referenceWeight).Logger()
	log.Info().Msg("calibration started")

	b.setState(Uncalibrated)
	for i, c := range b.channels {
		c.ResetScale()
		scaleFactorGauge.WithLabelValues(b.labels[i]).Set(sensor.IdentityScale)
		if err := c.Tare(ctx); err != nil {
			calibrationsTotal.WithLabelValues("failed").Inc()
			return 0, errors.Wrapf(err, "tare channel %d", i)
		}
	}

	log.Info().Dur("settle", b.cfg.Settle).Msg(placeWeightMessage)
	b.notify(report.Status{Status: report.StatusInfo, Message: placeWeightMessage})
	b.sleep(b.cfg.Settle)

	values := make([]float64, len(b.channels))
	for i := range b.channels {
		v, err := b.TareSensorValue(ctx, i)
		if err != nil {
			calibrationsTotal.WithLabelValues("failed").Inc()
			return 0, errors.Wrapf(err, "read channel %d", i)
		}
		values[i] = float64(v)
	}
	taredTotal := floats.Sum(values)
	ratio := taredTotal / referenceWeight
	if !validScale(ratio) {
		calibrationsTotal.WithLabelValues("failed").Inc()
		return 0, errors.Wrapf(sensor.ErrInvalidScale, "calibration ratio %v from tared total %v", ratio, taredTotal)
	}

	factors := make([]float64, len(b.channels))
	for i := range factors {
		factors[i] = ratio
	}
	if err := b.SetScaleFactors(factors); err != nil {
		calibrationsTotal.WithLabelValues("failed").Inc()
		return 0, err
	}
	calibrationsTotal.WithLabelValues("success").Inc()
	log.Info().
		Float64("tared_total", taredTotal).
		Float64("ratio", ratio).
		Msg("calibration completed")
	return ratio, nil
}

// Refresh reads every channel in physical units into the cached readings.
// A channel that fails contributes zero; the remaining channels are still
// refreshed and the failures are returned together.
func (b *Bank) Refresh(ctx context.Context) error {
	if b.state != Calibrated {
		return maskAny(ErrUncalibrated)
	}
	var ae aerr.AggregateError
	for i, c := range b.channels {
		v, err := c.ReadUnits(ctx, b.cfg.Samples)
		if err != nil {
			if ctx.Err() != nil {
				return maskAny(ctx.Err())
			}
			refreshErrorsTotal.WithLabelValues(b.labels[i]).Inc()
			b.log.Warn().Err(err).Int("channel", i).Msg("channel read failed; using zero")
			ae.Add(errors.Wrapf(err, "channel %d", i))
			v = 0
		}
		b.readings[i] = v
		readingGauge.WithLabelValues(b.labels[i]).Set(v)
	}
	b.lastRefresh = time.Now()
	refreshesTotal.Inc()
	weightGauge.Set(b.AggregateWeight())
	return ae.AsError()
}

// IndividualReading returns the cached reading of channel i, or zero when
// i is out of range.
func (b *Bank) IndividualReading(i int) float64 {
	if i < 0 || i >= len(b.readings) {
		return 0
	}
	return b.readings[i]
}

// AggregateWeight returns the sum of all cached readings.
func (b *Bank) AggregateWeight() float64 {
	return floats.Sum(b.readings)
}

// ScaleFactors returns the current scale factor of every channel.
func (b *Bank) ScaleFactors() []float64 {
	out := make([]float64, len(b.channels))
	for i, c := range b.channels {
		out[i] = c.Scale()
	}
	return out
}

// Readings returns a snapshot of the cached readings.
func (b *Bank) Readings() report.Readings {
	return report.Readings{
		Sensors: append([]float64(nil), b.readings...),
		Weight:  b.AggregateWeight(),
	}
}

// Calibration returns a snapshot of the scale factors.
func (b *Bank) Calibration() report.Calibration {
	return report.Calibration{Calibration: b.ScaleFactors()}
}

// ReadingsText renders the last refreshed readings.
func (b *Bank) ReadingsText() ([]byte, error) {
	return json.Marshal(b.Readings())
}

// CalibrationText renders the current scale factors.
func (b *Bank) CalibrationText() ([]byte, error) {
	return json.Marshal(b.Calibration())
}

// Close closes every channel.
func (b *Bank) Close() error {
	var ae aerr.AggregateError
	for _, c := range b.channels {
		ae.Add(c.Close())
	}
	return ae.AsError()
}

func (b *Bank) setState(s State) {
	b.state = s
	if s == Calibrated {
		calibratedGauge.Set(1)
	} else {
		calibratedGauge.Set(0)
	}
}

func validScale(f float64) bool {
	return f != 0 && !math.IsNaN(f) && !math.IsInf(f, 0)
}
