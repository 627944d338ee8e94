package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

func TestParseKeyIntMap(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]int
		ok   bool
	}{
		{"", map[string]int{}, true},
		{"console=1000,mqtt=5000", map[string]int{"console": 1000, "mqtt": 5000}, true},
		{" console = 250 , serial=10", map[string]int{"console": 250, "serial": 10}, true},
		{"bad", nil, false},
		{"console=x", nil, false},
	}
	for _, tt := range tests {
		got, err := parseKeyIntMap(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("parseKeyIntMap(%q) ok=%v err=%v", tt.in, tt.ok, err)
		}
		if tt.ok && !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("parseKeyIntMap(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseFloatList(t *testing.T) {
	tests := []struct {
		in   string
		want []float64
		ok   bool
	}{
		{"", []float64{}, true},
		{"1.5,2, -0.25", []float64{1.5, 2, -0.25}, true},
		{"1,abc", nil, false},
	}
	for _, tt := range tests {
		got, err := parseFloatList(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("parseFloatList(%q) ok=%v err=%v", tt.in, tt.ok, err)
		}
		if tt.ok && !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("parseFloatList(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseIntOrHex(t *testing.T) {
	if v, err := parseIntOrHex("0x48"); err != nil || v != 0x48 {
		t.Fatalf("hex: got %d err=%v", v, err)
	}
	if v, err := parseIntOrHex("72"); err != nil || v != 72 {
		t.Fatalf("decimal: got %d err=%v", v, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SensorType != SensorHX711 || cfg.Channels != 4 {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.Samples != 10 || cfg.SettleMs != 5000 {
		t.Fatalf("sample defaults: samples=%d settle=%d", cfg.Samples, cfg.SettleMs)
	}
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	js := `{"sensor_type":"simulation","channels":2,"interval_ms":500,"outputs":[{"type":"console"}]}`
	if err := os.WriteFile(path, []byte(js), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load([]string{
		"--config", path,
		"--channels", "3",
		"--scale-factors", "1,2,3",
		"--mqtt-server", "tcp://broker:1883",
		"--mqtt-command-topic", "scale/cmd",
		"--output-intervals", "console=250",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SensorType != SensorSimulation {
		t.Fatalf("sensor type: %q", cfg.SensorType)
	}
	if cfg.Channels != 3 {
		t.Fatalf("channels: %d", cfg.Channels)
	}
	if !reflect.DeepEqual(cfg.ScaleFactors, []float64{1, 2, 3}) {
		t.Fatalf("scale factors: %v", cfg.ScaleFactors)
	}
	if len(cfg.Outputs) != 2 {
		t.Fatalf("outputs: %+v", cfg.Outputs)
	}
	if cfg.Outputs[0].IntervalMs != 250 {
		t.Fatalf("console interval: %d", cfg.Outputs[0].IntervalMs)
	}
	m := cfg.Outputs[1]
	if m.Type != OutputMQTT || m.MQTT == nil || m.MQTT.Server != "tcp://broker:1883" || m.MQTT.CommandTopic != "scale/cmd" {
		t.Fatalf("mqtt output: %+v", m)
	}
	if m.IntervalMs != 500 {
		t.Fatalf("mqtt interval: %d", m.IntervalMs)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"too many hx711 channels", func(c *Config) { c.Channels = 5 }, false},
		{"zero channels", func(c *Config) { c.Channels = 0 }, false},
		{"bad gain", func(c *Config) { c.HX711.Gain = 100 }, false},
		{"ads1115 two", func(c *Config) { c.SensorType = SensorADS1115; c.Channels = 2 }, true},
		{"ads1115 three", func(c *Config) { c.SensorType = SensorADS1115; c.Channels = 3 }, false},
		{"simulation many", func(c *Config) { c.SensorType = SensorSimulation; c.Channels = 16 }, true},
		{"unknown sensor", func(c *Config) { c.SensorType = "foo" }, false},
		{"scale factor count", func(c *Config) { c.ScaleFactors = []float64{1, 2} }, false},
		{"zero scale factor", func(c *Config) { c.ScaleFactors = []float64{1, 0, 1, 1} }, false},
		{"serial without port", func(c *Config) { c.Outputs = []OutputConfig{{Type: OutputSerial}} }, false},
		{"unknown output", func(c *Config) { c.Outputs = []OutputConfig{{Type: "pigeon"}} }, false},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(&cfg)
		err := cfg.Validate()
		if (err == nil) != tt.ok {
			t.Fatalf("%s: ok=%v err=%v", tt.name, tt.ok, err)
		}
		if err != nil && errors.Cause(err) != ErrConfiguration {
			t.Fatalf("%s: expected configuration fault, got %v", tt.name, err)
		}
	}
}
