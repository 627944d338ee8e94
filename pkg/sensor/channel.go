package sensor

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ChannelOptions configures a channel built by NewChannel.
type ChannelOptions struct {
	// Index of the channel in its bank, used for logs and metrics.
	Index int
	// SampleTimeout bounds every individual sample; zero disables it.
	SampleTimeout time.Duration
	Log           zerolog.Logger
}

type channel struct {
	sampler    Sampler
	index      string
	timeout    time.Duration
	log        zerolog.Logger
	offset     int64
	scale      float64
	calibrated bool
	last       int32
}

// NewChannel wraps a sampler with tare and scale handling.
func NewChannel(s Sampler, opts ChannelOptions) Channel {
	return &channel{
		sampler: s,
		index:   strconv.Itoa(opts.Index),
		timeout: opts.SampleTimeout,
		log:     opts.Log.With().Int("channel", opts.Index).Logger(),
		scale:   IdentityScale,
	}
}

func (c *channel) Tare(ctx context.Context) error {
	avg, err := c.readAverage(ctx, TareSamples)
	if err != nil {
		return err
	}
	c.offset = avg
	c.log.Debug().Int64("offset", avg).Msg("tared")
	return nil
}

func (c *channel) SetScale(factor float64) error {
	if factor == 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return errors.Wrapf(ErrInvalidScale, "channel %s: %v", c.index, factor)
	}
	c.scale = factor
	c.calibrated = true
	return nil
}

func (c *channel) ResetScale() {
	c.scale = IdentityScale
	c.calibrated = false
}

func (c *channel) ReadRaw(ctx context.Context, samples int) (int64, error) {
	avg, err := c.readAverage(ctx, samples)
	if err != nil {
		return 0, err
	}
	return avg - c.offset, nil
}

func (c *channel) ReadUnits(ctx context.Context, samples int) (float64, error) {
	if !c.calibrated {
		return 0, errors.Wrapf(ErrUncalibrated, "channel %s", c.index)
	}
	raw, err := c.ReadRaw(ctx, samples)
	if err != nil {
		return 0, err
	}
	return float64(raw) / c.scale, nil
}

func (c *channel) Scale() float64    { return c.scale }
func (c *channel) Offset() int64     { return c.offset }
func (c *channel) LastSample() int32 { return c.last }

func (c *channel) Close() error {
	return c.sampler.Close()
}

// readAverage returns the integer mean of samples consecutive reads.
func (c *channel) readAverage(ctx context.Context, samples int) (int64, error) {
	if samples < 1 {
		samples = 1
	}
	var sum int64
	for i := 0; i < samples; i++ {
		v, err := c.sample(ctx)
		if err != nil {
			return 0, err
		}
		sum += int64(v)
	}
	return sum / int64(samples), nil
}

func (c *channel) sample(ctx context.Context) (int32, error) {
	sctx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	v, err := c.sampler.Sample(sctx)
	if err != nil {
		if ctx.Err() == nil && sctx.Err() == context.DeadlineExceeded {
			channelStallsTotal.WithLabelValues(c.index).Inc()
			return 0, errors.Wrapf(ErrHardwareStall, "channel %s: no sample within %s", c.index, c.timeout)
		}
		channelSampleErrorsTotal.WithLabelValues(c.index).Inc()
		return 0, maskAny(err)
	}
	channelSamplesTotal.WithLabelValues(c.index).Inc()
	c.last = v
	return v, nil
}
