package sensor

import (
	"context"

	"github.com/pkg/errors"
)

const (
	// TareSamples is the number of samples averaged to capture a zero offset.
	TareSamples = 10
	// IdentityScale is the scale of a channel that has not been calibrated.
	IdentityScale = 1.0
)

var (
	// ErrHardwareStall is returned when a sampler does not deliver a sample
	// within the configured per-sample timeout.
	ErrHardwareStall = errors.New("hardware stall")
	// ErrInvalidScale is returned for a scale factor of zero, NaN or infinity.
	ErrInvalidScale = errors.New("invalid scale factor")
	// ErrUncalibrated is returned for unit reads on a channel without scale.
	ErrUncalibrated = errors.New("channel is not calibrated")

	maskAny = errors.WithStack
)

// Sampler is the raw ADC capability of one load-cell bridge.
type Sampler interface {
	// Sample blocks until the ADC signals data-ready and returns one raw
	// conversion. It must return when ctx is done.
	Sample(ctx context.Context) (int32, error)
	Close() error
}

// Channel is one load-cell sensing path with its own zero offset and scale.
type Channel interface {
	// Tare captures the current average reading as the zero offset.
	Tare(ctx context.Context) error
	// SetScale stores the raw-units-per-physical-unit factor.
	SetScale(factor float64) error
	// ResetScale restores the identity scale; the channel is uncalibrated
	// until the next SetScale.
	ResetScale()
	// ReadRaw returns the mean of samples reads minus the zero offset.
	ReadRaw(ctx context.Context, samples int) (int64, error)
	// ReadUnits returns ReadRaw divided by the scale.
	ReadUnits(ctx context.Context, samples int) (float64, error)
	// Scale returns the current scale factor.
	Scale() float64
	// Offset returns the zero offset captured at tare time.
	Offset() int64
	// LastSample returns the most recent raw sample.
	LastSample() int32
	Close() error
}
