package config

import (
	"encoding/json"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const (
	SensorHX711      = "hx711"
	SensorADS1115    = "ads1115"
	SensorSimulation = "simulation"

	OutputConsole = "console"
	OutputMQTT    = "mqtt"
	OutputSerial  = "serial"

	// ADS1115Inputs is the number of differential bridge inputs of one ADS1115
	// (AIN0-AIN1 and AIN2-AIN3).
	ADS1115Inputs = 2
)

var (
	// ErrConfiguration is the cause of every fatal startup configuration fault.
	ErrConfiguration = errors.New("invalid configuration")
)

type MQTTConfig struct {
	Server       string `json:"server"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	ClientID     string `json:"client_id"`
	Topic        string `json:"topic"`
	CommandTopic string `json:"command_topic,omitempty"`
	// Home Assistant discovery
	DiscoveryTopic    string `json:"discovery_topic,omitempty"`
	DiscoveryName     string `json:"discovery_name,omitempty"`
	DiscoveryUniqueID string `json:"discovery_unique_id,omitempty"`
	Unit              string `json:"unit,omitempty"`
}

type SerialConfig struct {
	Port string `json:"port"`
	Baud int    `json:"baud"`
}

type OutputConfig struct {
	Type       string        `json:"type"`
	IntervalMs int           `json:"interval_ms,omitempty"`
	MQTT       *MQTTConfig   `json:"mqtt,omitempty"`
	Serial     *SerialConfig `json:"serial,omitempty"`
}

// HX711Config holds the pin bindings of the HX711 bridges. All bridges share
// one clock pin; each channel has its own data pin.
type HX711Config struct {
	ClockPin string   `json:"clock_pin"`
	DataPins []string `json:"data_pins"`
	Gain     int      `json:"gain"`
}

type I2CConfig struct {
	Bus     string `json:"bus"`
	Address int    `json:"address"`
}

type HTTPConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type Config struct {
	SensorType      string         `json:"sensor_type"`
	Channels        int            `json:"channels"`
	HX711           HX711Config    `json:"hx711"`
	I2C             I2CConfig      `json:"i2c"`
	SampleRate      int            `json:"sample_rate"`
	Samples         int            `json:"samples"`
	SampleTimeoutMs int            `json:"sample_timeout_ms"`
	SettleMs        int            `json:"settle_ms"`
	ScaleFactors    []float64      `json:"scale_factors,omitempty"`
	IntervalMs      int            `json:"interval_ms"`
	EventThreshold  float64        `json:"event_threshold"`
	EventCapacity   int            `json:"event_capacity"`
	Outputs         []OutputConfig `json:"outputs"`
	HTTP            HTTPConfig     `json:"http"`
	LogLevel        string         `json:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		SensorType: SensorHX711,
		Channels:   4,
		HX711: HX711Config{
			ClockPin: "GPIO6",
			DataPins: []string{"GPIO5", "GPIO13", "GPIO19", "GPIO26"},
			Gain:     128,
		},
		I2C:             I2CConfig{Bus: "1", Address: 0x48},
		SampleRate:      10,
		Samples:         10,
		SampleTimeoutMs: 1000,
		SettleMs:        5000,
		IntervalMs:      1000,
		EventThreshold:  5.0,
		EventCapacity:   1000,
		Outputs:         []OutputConfig{{Type: OutputConsole, IntervalMs: 1000}},
		HTTP:            HTTPConfig{Host: "0.0.0.0", Port: 8080},
		LogLevel:        "info",
	}
}

// LoadFromFlags loads configuration from the process command line.
func LoadFromFlags() (Config, error) {
	return Load(os.Args[1:])
}

// Load loads configuration from a JSON file (optional) and flags.
// Flags override values present in the JSON file.
func Load(args []string) (Config, error) {
	fs := pflag.NewFlagSet("loadcell-to-mqtt", pflag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to JSON config file")
	flagSensorType := fs.String("sensor-type", "", "sensor type: hx711|ads1115|simulation")
	flagChannels := fs.Int("channels", 0, "Number of load-cell channels")
	flagClockPin := fs.String("clock-pin", "", "HX711 shared clock pin (e.g. GPIO6)")
	flagDataPins := fs.String("data-pins", "", "Comma-separated HX711 data pins")
	flagGain := fs.Int("gain", 0, "HX711 gain (128|64|32)")
	flagI2CBus := fs.String("i2c-bus", "", "I2C bus (e.g., '1' -> /dev/i2c-1)")
	flagI2CAddStr := fs.String("i2c-address", "", "I2C address (decimal or 0x hex)")
	flagSampleRate := fs.Int("sample-rate", 0, "ADC sample rate (SPS)")
	flagSamples := fs.Int("samples", 0, "Samples averaged per reading")
	flagSampleTimeout := fs.Int("sample-timeout-ms", 0, "Timeout for a single ADC sample in ms")
	flagSettle := fs.Int("settle-ms", 0, "Settle time after placing the calibration weight in ms")
	flagScales := fs.String("scale-factors", "", "Comma-separated per-channel scale factors")
	flagInterval := fs.Int("interval-ms", 0, "Refresh interval in ms")
	flagEventThreshold := fs.Float64("event-threshold", 0, "Weight delta that records a weight event")
	flagOutputs := fs.String("outputs", "", "Comma-separated outputs (console,mqtt,serial)")
	flagOutputIntervals := fs.String("output-intervals", "", "Comma-separated output intervals e.g. console=1000,mqtt=5000")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopic := fs.String("mqtt-topic", "", "MQTT topic base")
	flagCommandTopic := fs.String("mqtt-command-topic", "", "MQTT topic to receive commands on")
	flagSerialPort := fs.String("serial-port", "", "Serial port for the serial output")
	flagSerialBaud := fs.Int("serial-baud", 0, "Serial baud rate")
	flagHTTPHost := fs.String("http-host", "", "Host address the HTTP server will listen on")
	flagHTTPPort := fs.Int("http-port", 0, "Port the HTTP server will listen on")
	flagLevel := fs.StringP("log-level", "l", "", "Set log level")

	if err := fs.Parse(args); err != nil {
		return Config{}, errors.Wrapf(ErrConfiguration, "parse flags: %v", err)
	}

	cfg := DefaultConfig()

	if *cfgPath != "" {
		b, err := os.ReadFile(*cfgPath)
		if err != nil {
			return cfg, errors.Wrapf(ErrConfiguration, "read config: %v", err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, errors.Wrapf(ErrConfiguration, "parse config: %v", err)
		}
	}

	if fs.Changed("sensor-type") {
		cfg.SensorType = *flagSensorType
	}
	if fs.Changed("channels") {
		cfg.Channels = *flagChannels
	}
	if fs.Changed("clock-pin") {
		cfg.HX711.ClockPin = *flagClockPin
	}
	if fs.Changed("data-pins") {
		cfg.HX711.DataPins = parseCSV(*flagDataPins)
	}
	if fs.Changed("gain") {
		cfg.HX711.Gain = *flagGain
	}
	if fs.Changed("i2c-bus") {
		cfg.I2C.Bus = *flagI2CBus
	}
	if fs.Changed("i2c-address") {
		v, err := parseIntOrHex(*flagI2CAddStr)
		if err != nil {
			return cfg, errors.Wrapf(ErrConfiguration, "i2c-address: %v", err)
		}
		cfg.I2C.Address = v
	}
	if fs.Changed("sample-rate") {
		cfg.SampleRate = *flagSampleRate
	}
	if fs.Changed("samples") {
		cfg.Samples = *flagSamples
	}
	if fs.Changed("sample-timeout-ms") {
		cfg.SampleTimeoutMs = *flagSampleTimeout
	}
	if fs.Changed("settle-ms") {
		cfg.SettleMs = *flagSettle
	}
	if fs.Changed("scale-factors") {
		v, err := parseFloatList(*flagScales)
		if err != nil {
			return cfg, errors.Wrapf(ErrConfiguration, "scale-factors: %v", err)
		}
		cfg.ScaleFactors = v
	}
	if fs.Changed("interval-ms") {
		cfg.IntervalMs = *flagInterval
	}
	if fs.Changed("event-threshold") {
		cfg.EventThreshold = *flagEventThreshold
	}
	if fs.Changed("outputs") {
		// convert simple CSV of types into structured OutputConfig entries
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p, IntervalMs: cfg.IntervalMs})
		}
		cfg.Outputs = outs
	}
	if fs.Changed("output-intervals") {
		intervals, err := parseKeyIntMap(*flagOutputIntervals)
		if err != nil {
			return cfg, errors.Wrapf(ErrConfiguration, "output-intervals: %v", err)
		}
		for i := range cfg.Outputs {
			if v, ok := intervals[cfg.Outputs[i].Type]; ok {
				cfg.Outputs[i].IntervalMs = v
			}
		}
	}
	// Apply MQTT flags to all mqtt outputs; if none exist, create one.
	if anySet(*flagMQTTServer, *flagMQTTUser, *flagMQTTPass, *flagClientID, *flagTopic, *flagCommandTopic) {
		apply := func(m *MQTTConfig) {
			setIf(&m.Server, *flagMQTTServer)
			setIf(&m.Username, *flagMQTTUser)
			setIf(&m.Password, *flagMQTTPass)
			setIf(&m.ClientID, *flagClientID)
			setIf(&m.Topic, *flagTopic)
			setIf(&m.CommandTopic, *flagCommandTopic)
		}
		applied := false
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) == OutputMQTT {
				if cfg.Outputs[i].MQTT == nil {
					cfg.Outputs[i].MQTT = &MQTTConfig{}
				}
				apply(cfg.Outputs[i].MQTT)
				applied = true
			}
		}
		if !applied {
			mqttOut := OutputConfig{Type: OutputMQTT, IntervalMs: cfg.IntervalMs, MQTT: &MQTTConfig{}}
			apply(mqttOut.MQTT)
			cfg.Outputs = append(cfg.Outputs, mqttOut)
		}
	}
	if *flagSerialPort != "" || *flagSerialBaud != 0 {
		applied := false
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) == OutputSerial {
				if cfg.Outputs[i].Serial == nil {
					cfg.Outputs[i].Serial = &SerialConfig{}
				}
				setIf(&cfg.Outputs[i].Serial.Port, *flagSerialPort)
				if *flagSerialBaud != 0 {
					cfg.Outputs[i].Serial.Baud = *flagSerialBaud
				}
				applied = true
			}
		}
		if !applied {
			cfg.Outputs = append(cfg.Outputs, OutputConfig{
				Type:       OutputSerial,
				IntervalMs: cfg.IntervalMs,
				Serial:     &SerialConfig{Port: *flagSerialPort, Baud: *flagSerialBaud},
			})
		}
	}
	if fs.Changed("http-host") {
		cfg.HTTP.Host = *flagHTTPHost
	}
	if fs.Changed("http-port") {
		cfg.HTTP.Port = *flagHTTPPort
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *flagLevel
	}
	// ensure outputs have interval default
	for i := range cfg.Outputs {
		if cfg.Outputs[i].IntervalMs == 0 {
			cfg.Outputs[i].IntervalMs = cfg.IntervalMs
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for faults that must halt startup.
func (cfg Config) Validate() error {
	if cfg.Channels < 1 {
		return errors.Wrapf(ErrConfiguration, "channels must be >= 1, got %d", cfg.Channels)
	}
	switch cfg.SensorType {
	case SensorHX711:
		if cfg.HX711.ClockPin == "" {
			return errors.Wrap(ErrConfiguration, "hx711 clock pin is required")
		}
		if cfg.Channels > len(cfg.HX711.DataPins) {
			return errors.Wrapf(ErrConfiguration, "%d channels requested but only %d hx711 data pins available", cfg.Channels, len(cfg.HX711.DataPins))
		}
		switch cfg.HX711.Gain {
		case 128, 64, 32:
		default:
			return errors.Wrapf(ErrConfiguration, "hx711 gain must be 128, 64 or 32, got %d", cfg.HX711.Gain)
		}
	case SensorADS1115:
		if cfg.Channels > ADS1115Inputs {
			return errors.Wrapf(ErrConfiguration, "%d channels requested but ads1115 has only %d bridge inputs", cfg.Channels, ADS1115Inputs)
		}
	case SensorSimulation:
	default:
		return errors.Wrapf(ErrConfiguration, "unknown sensor type '%s' (hx711|ads1115|simulation)", cfg.SensorType)
	}
	if cfg.SampleRate <= 0 {
		return errors.Wrap(ErrConfiguration, "sample-rate must be > 0")
	}
	if cfg.Samples <= 0 {
		return errors.Wrap(ErrConfiguration, "samples must be > 0")
	}
	if cfg.SampleTimeoutMs < 0 || cfg.SettleMs < 0 {
		return errors.Wrap(ErrConfiguration, "timeouts must be >= 0")
	}
	if cfg.IntervalMs <= 0 {
		return errors.Wrap(ErrConfiguration, "interval-ms must be > 0")
	}
	if n := len(cfg.ScaleFactors); n != 0 && n != cfg.Channels {
		return errors.Wrapf(ErrConfiguration, "%d scale factors given for %d channels", n, cfg.Channels)
	}
	for i, f := range cfg.ScaleFactors {
		if f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.Wrapf(ErrConfiguration, "scale factor %d is invalid (%v)", i, f)
		}
	}
	for _, o := range cfg.Outputs {
		switch strings.ToLower(o.Type) {
		case OutputConsole, OutputMQTT:
		case OutputSerial:
			if o.Serial == nil || o.Serial.Port == "" {
				return errors.Wrap(ErrConfiguration, "serial output requires a port")
			}
		default:
			return errors.Wrapf(ErrConfiguration, "unknown output type '%s'", o.Type)
		}
	}
	return nil
}

// SampleTimeout returns the per-sample timeout; zero disables it.
func (cfg Config) SampleTimeout() time.Duration {
	return time.Duration(cfg.SampleTimeoutMs) * time.Millisecond
}

// Settle returns the calibration settle duration.
func (cfg Config) Settle() time.Duration {
	return time.Duration(cfg.SettleMs) * time.Millisecond
}

// Interval returns the refresh interval.
func (cfg Config) Interval() time.Duration {
	return time.Duration(cfg.IntervalMs) * time.Millisecond
}

func anySet(values ...string) bool {
	for _, v := range values {
		if v != "" {
			return true
		}
	}
	return false
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseFloatList(s string) ([]float64, error) {
	parts := parseCSV(s)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid value '%s'", p)
		}
		out = append(out, v)
	}
	return out, nil
}

// parseKeyIntMap parses "a=1,b=2" into a map.
func parseKeyIntMap(s string) (map[string]int, error) {
	out := map[string]int{}
	for _, p := range parseCSV(s) {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, errors.Errorf("invalid entry '%s'", p)
		}
		v, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid value in '%s'", p)
		}
		out[strings.TrimSpace(kv[0])] = v
	}
	return out, nil
}
