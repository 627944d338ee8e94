package sensor

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"periph.io/x/host/v3"

	"github.com/ericogr/loadcell-to-mqtt/pkg/config"
)

// Hardware bundles the channels of a bank with the resource that drives them.
type Hardware struct {
	Channels []Channel
	// Fakes holds the samplers of a simulated bank, indexed like Channels.
	Fakes  []*FakeSampler
	closer func() error
}

// Close releases the underlying bus or pins.
func (h *Hardware) Close() error {
	if h.closer != nil {
		return h.closer()
	}
	return nil
}

// OpenHardware builds the configured number of channels for the configured
// sensor type.
func OpenHardware(cfg config.Config, log zerolog.Logger) (*Hardware, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var samplers []Sampler
	h := &Hardware{}
	switch cfg.SensorType {
	case config.SensorHX711:
		if _, err := host.Init(); err != nil {
			return nil, errors.Wrap(err, "host init")
		}
		bus, err := OpenHX711Bus(cfg.HX711.ClockPin, cfg.HX711.DataPins[:cfg.Channels], cfg.HX711.Gain)
		if err != nil {
			return nil, err
		}
		samplers = bus.Samplers()
		h.closer = bus.Close
	case config.SensorADS1115:
		if _, err := host.Init(); err != nil {
			return nil, errors.Wrap(err, "host init")
		}
		adc, err := OpenADS1115(cfg.I2C.Bus, cfg.I2C.Address, cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		samplers = adc.Samplers(cfg.Channels)
		h.closer = adc.Close
	case config.SensorSimulation:
		for i := 0; i < cfg.Channels; i++ {
			f := NewNoisyFakeSampler(int32(8000*(i+1)), 20, int64(i+1))
			h.Fakes = append(h.Fakes, f)
			samplers = append(samplers, f)
		}
	}
	h.Channels = BuildChannels(samplers, cfg, log)
	log.Info().
		Str("sensor_type", cfg.SensorType).
		Int("channels", len(h.Channels)).
		Msg("hardware opened")
	return h, nil
}

// BuildChannels wraps every sampler in a channel, indexed in order.
func BuildChannels(samplers []Sampler, cfg config.Config, log zerolog.Logger) []Channel {
	out := make([]Channel, 0, len(samplers))
	for i, s := range samplers {
		out = append(out, NewChannel(s, ChannelOptions{
			Index:         i,
			SampleTimeout: cfg.SampleTimeout(),
			Log:           log,
		}))
	}
	return out
}
