package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

const (
	hx711Bits         = 24
	hx711PollInterval = time.Millisecond
	// Holding the clock high for more than 60us powers the chip down.
	hx711PowerDown = 100 * time.Microsecond
	// hx711ReadyWindow bounds the wait for the other chips once the
	// requested chip is ready. One conversion takes 100ms at 10 SPS.
	hx711ReadyWindow = 150 * time.Millisecond
)

type clockPin interface {
	Out(l gpio.Level) error
}

type dataPin interface {
	Read() gpio.Level
}

// HX711Bus drives a set of HX711 bridges that share one clock pin.
// Every clock sequence shifts a conversion out of all chips at once, so a
// sample for one channel is taken from a full read of the bus.
// A chip that misses the ready window is marked stale and no longer
// waited for until it signals data-ready again.
type HX711Bus struct {
	mu     sync.Mutex
	clock  clockPin
	data   []dataPin
	stale  []bool
	pulses int
	// window is the number of polls the other chips get to become ready.
	window int
	// poll and hold are replaced in tests.
	poll func(time.Duration)
	hold func(time.Duration)
}

// OpenHX711Bus resolves the pins by name and prepares them for reading.
// host.Init must have been called.
func OpenHX711Bus(clockName string, dataNames []string, gain int) (*HX711Bus, error) {
	clk := gpioreg.ByName(clockName)
	if clk == nil {
		return nil, errors.Errorf("unknown clock pin '%s'", clockName)
	}
	if err := clk.Out(gpio.Low); err != nil {
		return nil, errors.Wrapf(err, "clock pin %s", clockName)
	}
	data := make([]dataPin, 0, len(dataNames))
	for _, name := range dataNames {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, errors.Errorf("unknown data pin '%s'", name)
		}
		if err := p.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
			return nil, errors.Wrapf(err, "data pin %s", name)
		}
		data = append(data, p)
	}
	return newHX711Bus(clk, data, gain)
}

func newHX711Bus(clock clockPin, data []dataPin, gain int) (*HX711Bus, error) {
	pulses, err := gainPulses(gain)
	if err != nil {
		return nil, err
	}
	return &HX711Bus{
		clock:  clock,
		data:   data,
		stale:  make([]bool, len(data)),
		pulses: pulses,
		window: int(hx711ReadyWindow / hx711PollInterval),
		poll:   time.Sleep,
		hold:   func(time.Duration) {},
	}, nil
}

// Samplers returns one sampler per data pin.
func (b *HX711Bus) Samplers() []Sampler {
	out := make([]Sampler, 0, len(b.data))
	for i := range b.data {
		out = append(out, &hx711Sampler{bus: b, index: i})
	}
	return out
}

// Close powers the chips down.
func (b *HX711Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.clock.Out(gpio.High); err != nil {
		return maskAny(err)
	}
	time.Sleep(hx711PowerDown)
	return nil
}

// read waits until the chip at index signals data-ready (DOUT low), gives
// the other chips a bounded window to catch up and clocks out one
// conversion. Only the value of the requested chip is returned, so a dead
// chip stalls its own channel and no other.
func (b *HX711Bus) read(ctx context.Context, index int) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.data[index].Read() != gpio.Low {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b.poll(hx711PollInterval)
	}
	b.stale[index] = false

	for polls := 0; b.pending(); polls++ {
		if polls >= b.window {
			b.markStale()
			break
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b.poll(hx711PollInterval)
	}

	var raw uint32
	for bit := 0; bit < hx711Bits; bit++ {
		if err := b.pulse(); err != nil {
			return 0, err
		}
		raw <<= 1
		if b.data[index].Read() == gpio.High {
			raw |= 1
		}
	}
	// Extra pulses select gain and input for the next conversion.
	for i := 0; i < b.pulses; i++ {
		if err := b.pulse(); err != nil {
			return 0, err
		}
	}
	return signExtend24(raw), nil
}

// pending reports whether a chip that is not stale is still busy. Stale
// chips that are ready again rejoin the bus.
func (b *HX711Bus) pending() bool {
	busy := false
	for i, d := range b.data {
		ready := d.Read() == gpio.Low
		if b.stale[i] {
			if ready {
				b.stale[i] = false
			}
			continue
		}
		if !ready {
			busy = true
		}
	}
	return busy
}

func (b *HX711Bus) markStale() {
	for i, d := range b.data {
		if d.Read() != gpio.Low {
			b.stale[i] = true
		}
	}
}

func (b *HX711Bus) pulse() error {
	if err := b.clock.Out(gpio.High); err != nil {
		return maskAny(err)
	}
	b.hold(time.Microsecond)
	if err := b.clock.Out(gpio.Low); err != nil {
		return maskAny(err)
	}
	b.hold(time.Microsecond)
	return nil
}

type hx711Sampler struct {
	bus   *HX711Bus
	index int
}

func (s *hx711Sampler) Sample(ctx context.Context) (int32, error) {
	return s.bus.read(ctx, s.index)
}

// Close is a no-op; the bus is closed once by its owner.
func (s *hx711Sampler) Close() error { return nil }

// gainPulses returns the number of extra clock pulses for the given gain.
func gainPulses(gain int) (int, error) {
	switch gain {
	case 128:
		return 1, nil
	case 64:
		return 3, nil
	case 32:
		return 2, nil
	default:
		return 0, fmt.Errorf("invalid hx711 gain %d", gain)
	}
}

// signExtend24 converts a 24-bit two's complement value.
func signExtend24(v uint32) int32 {
	return int32(v<<8) >> 8
}
