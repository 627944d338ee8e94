package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
)

const (
	pointerConv   = 0x00
	pointerConfig = 0x01

	configOSMask = 0x8000
)

// ADS1115 reads load-cell bridges wired to the differential inputs of an
// ADS1115 (AIN0-AIN1 and AIN2-AIN3) at its highest gain (+/-0.256V).
type ADS1115 struct {
	mu         sync.Mutex
	dev        *i2c.Dev
	bus        i2c.BusCloser
	sampleRate int
}

// OpenADS1115 opens the I2C bus. host.Init must have been called.
func OpenADS1115(busName string, address int, sampleRate int) (*ADS1115, error) {
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, errors.Wrap(err, "open i2c")
	}
	dev := &i2c.Dev{Addr: uint16(address), Bus: bus}
	return &ADS1115{dev: dev, bus: bus, sampleRate: sampleRate}, nil
}

// Samplers returns one sampler per differential input.
func (s *ADS1115) Samplers(n int) []Sampler {
	out := make([]Sampler, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &ads1115Sampler{adc: s, input: i})
	}
	return out
}

func (s *ADS1115) Close() error {
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

func (s *ADS1115) read(ctx context.Context, input int) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msb, lsb, err := s.configForChannel(input, s.sampleRate)
	if err != nil {
		return 0, err
	}
	// write config, which starts a single-shot conversion
	if err := s.dev.Tx([]byte{pointerConfig, msb, lsb}, nil); err != nil {
		return 0, errors.Wrap(err, "write config")
	}
	// wait until the OS bit reports the conversion as done
	buf := make([]byte, 2)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := s.dev.Tx([]byte{pointerConfig}, buf); err != nil {
			return 0, errors.Wrap(err, "read config")
		}
		if (uint16(buf[0])<<8|uint16(buf[1]))&configOSMask != 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.dev.Tx([]byte{pointerConv}, buf); err != nil {
		return 0, errors.Wrap(err, "read conv")
	}
	return int32(int16(buf[0])<<8 | int16(buf[1])), nil
}

func (s *ADS1115) configForChannel(input int, sampleRate int) (byte, byte, error) {
	var mux byte
	switch input {
	case 0:
		mux = 0x0 // AIN0 - AIN1
	case 1:
		mux = 0x3 // AIN2 - AIN3
	default:
		return 0, 0, fmt.Errorf("invalid input %d", input)
	}
	// PGA: use ±0.256V -> bits 101
	pga := byte(0x5)
	// data rate bits
	var dr byte
	switch sampleRate {
	case 8:
		dr = 0x0
	case 16:
		dr = 0x1
	case 32:
		dr = 0x2
	case 64:
		dr = 0x3
	case 128:
		dr = 0x4
	case 250:
		dr = 0x5
	case 475:
		dr = 0x6
	case 860:
		dr = 0x7
	default:
		dr = 0x4
	}
	var config uint16 = configOSMask // OS = 1 (start single conversion)
	config |= uint16(mux) << 12
	config |= uint16(pga) << 9
	config |= 1 << 8 // single-shot mode
	config |= uint16(dr) << 5
	// comparator default: disabled (bits 1:0 = 11)
	config |= 0x3
	return byte(config >> 8), byte(config & 0xFF), nil
}

type ads1115Sampler struct {
	adc   *ADS1115
	input int
}

func (s *ads1115Sampler) Sample(ctx context.Context) (int32, error) {
	return s.adc.read(ctx, s.input)
}

// Close is a no-op; the bus is closed once by its owner.
func (s *ads1115Sampler) Close() error { return nil }
