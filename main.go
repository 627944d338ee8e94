package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	terminate "github.com/pulcy/go-terminate"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ericogr/loadcell-to-mqtt/pkg/config"
	"github.com/ericogr/loadcell-to-mqtt/pkg/events"
	"github.com/ericogr/loadcell-to-mqtt/pkg/output"
	"github.com/ericogr/loadcell-to-mqtt/pkg/output/console"
	"github.com/ericogr/loadcell-to-mqtt/pkg/output/mqtt"
	"github.com/ericogr/loadcell-to-mqtt/pkg/output/serial"
	"github.com/ericogr/loadcell-to-mqtt/pkg/output/ws"
	"github.com/ericogr/loadcell-to-mqtt/pkg/scale"
	"github.com/ericogr/loadcell-to-mqtt/pkg/sensor"
	"github.com/ericogr/loadcell-to-mqtt/pkg/server"
	"github.com/ericogr/loadcell-to-mqtt/pkg/worker"
)

var maskAny = errors.WithStack

func main() {
	cfg, err := config.LoadFromFlags()
	if err != nil {
		Exitf("Configuration error: %v\n", err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		Exitf("Configuration error: invalid log level '%s'\n", cfg.LogLevel)
	}
	logger = logger.Level(level)

	// Prepare to shutdown in a controlled manor
	ctx, cancel := context.WithCancel(context.Background())
	t := terminate.NewTerminator(func(template string, args ...interface{}) {
		logger.Info().Msgf(template, args...)
	}, cancel)
	go t.ListenSignals()

	logger.Info().
		Str("sensor_type", cfg.SensorType).
		Int("channels", cfg.Channels).
		Msg("starting")
	if err := run(ctx, cfg, logger); err != nil {
		Exitf("Service run failed: %v\n", err)
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	hw, err := sensor.OpenHardware(cfg, logger)
	if err != nil {
		return maskAny(err)
	}
	defer hw.Close()

	entries, err := initOutputs(&cfg, cfg.IntervalMs, logger)
	if err != nil {
		return maskAny(err)
	}
	hub := ws.NewHub(logger)
	fanout := output.NewFanout(logger, entries...)
	fanout.Add(&output.Entry{Name: "ws", Output: hub})
	defer fanout.Close()

	bank, err := scale.New(scale.Config{
		Samples: cfg.Samples,
		Settle:  cfg.Settle(),
	}, scale.Dependencies{
		Log:    logger,
		Notify: worker.Notifier(fanout, logger),
	}, hw.Channels)
	if err != nil {
		return maskAny(err)
	}
	defer bank.Close()

	store := events.NewMemoryStore(cfg.EventCapacity)
	runner := worker.New(worker.Config{
		Interval:     computeRefreshInterval(cfg),
		ScaleFactors: cfg.ScaleFactors,
	}, worker.Dependencies{
		Log:      logger,
		Bank:     bank,
		Output:   fanout,
		Detector: events.NewDetector(cfg.EventThreshold, store, logger),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	if cfg.HTTP.Port > 0 {
		httpServer := server.New(server.Config{
			Host: cfg.HTTP.Host,
			Port: cfg.HTTP.Port,
		}, server.Dependencies{
			Log:    logger,
			Worker: runner,
			Events: store,
			Stream: hub,
		})
		g.Go(func() error { return httpServer.Run(ctx) })
	}
	for _, src := range fanout.Sources() {
		src := src
		g.Go(func() error { return src.Listen(ctx, runner) })
	}
	return g.Wait()
}

// computeRefreshInterval returns the configured refresh interval, raised to
// the time needed to average every channel at the configured sample rate.
func computeRefreshInterval(cfg config.Config) time.Duration {
	interval := cfg.Interval()
	if cfg.SensorType == config.SensorSimulation || cfg.SampleRate <= 0 {
		return interval
	}
	perSample := (time.Second + time.Duration(cfg.SampleRate) - 1) / time.Duration(cfg.SampleRate)
	minimum := perSample * time.Duration(cfg.Samples*cfg.Channels)
	if minimum > interval {
		return minimum
	}
	return interval
}

// initOutputs creates the configured outputs. Outputs without an interval
// get defaultInterval.
func initOutputs(cfg *config.Config, defaultInterval int, logger zerolog.Logger) ([]*output.Entry, error) {
	entries := make([]*output.Entry, 0, len(cfg.Outputs))
	for i := range cfg.Outputs {
		oc := &cfg.Outputs[i]
		if oc.IntervalMs == 0 {
			oc.IntervalMs = defaultInterval
		}
		var out output.Output
		var err error
		switch strings.ToLower(oc.Type) {
		case config.OutputConsole:
			out = console.NewConsole()
		case config.OutputMQTT:
			var mc config.MQTTConfig
			if oc.MQTT != nil {
				mc = *oc.MQTT
			}
			out, err = mqtt.NewMQTT(mc, cfg.Channels, logger)
		case config.OutputSerial:
			var sc config.SerialConfig
			if oc.Serial != nil {
				sc = *oc.Serial
			}
			out, err = serial.NewSerial(sc, logger)
		default:
			err = errors.Wrapf(config.ErrConfiguration, "unknown output type '%s'", oc.Type)
		}
		if err != nil {
			for _, e := range entries {
				_ = e.Output.Close()
			}
			return nil, maskAny(err)
		}
		entries = append(entries, &output.Entry{
			Name:     fmt.Sprintf("%s-%d", strings.ToLower(oc.Type), i),
			Output:   out,
			Interval: time.Duration(oc.IntervalMs) * time.Millisecond,
		})
	}
	return entries, nil
}

// Print the given error message and exit with code 1
func Exitf(message string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, message, args...)
	os.Exit(1)
}
