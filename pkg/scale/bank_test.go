package scale

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ericogr/loadcell-to-mqtt/pkg/report"
	"github.com/ericogr/loadcell-to-mqtt/pkg/sensor"
)

type testBank struct {
	*Bank
	fakes   []*sensor.FakeSampler
	notices []report.Status
	slept   []time.Duration
	// onSettle runs during the calibration settle wait.
	onSettle func()
}

func newTestBank(t *testing.T, offsets ...int32) *testBank {
	t.Helper()
	tb := &testBank{}
	channels := make([]sensor.Channel, 0, len(offsets))
	for i, off := range offsets {
		f := sensor.NewFakeSampler(off)
		tb.fakes = append(tb.fakes, f)
		channels = append(channels, sensor.NewChannel(f, sensor.ChannelOptions{
			Index:         i,
			SampleTimeout: 20 * time.Millisecond,
			Log:           zerolog.Nop(),
		}))
	}
	b, err := New(Config{Settle: 5 * time.Second}, Dependencies{
		Log:    zerolog.Nop(),
		Notify: func(s report.Status) { tb.notices = append(tb.notices, s) },
		Sleep: func(d time.Duration) {
			tb.slept = append(tb.slept, d)
			if tb.onSettle != nil {
				tb.onSettle()
			}
		},
	}, channels)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tb.Bank = b
	return tb
}

func (tb *testBank) setLoads(loads ...int32) {
	for i, l := range loads {
		tb.fakes[i].SetLoad(l)
	}
}

func (tb *testBank) samples() int {
	n := 0
	for _, f := range tb.fakes {
		n += f.Samples()
	}
	return n
}

func TestNewRequiresChannels(t *testing.T) {
	if _, err := New(Config{}, Dependencies{Log: zerolog.Nop()}, nil); errors.Cause(err) != ErrNoChannels {
		t.Fatalf("expected ErrNoChannels, got %v", err)
	}
}

func TestTareZeroesEveryChannel(t *testing.T) {
	ctx := context.Background()
	offsets := [][]int32{
		{0},
		{-120000, 5},
		{8388607, -8388608, 12345},
		{1, 2, 3, 4, 5},
	}
	for _, offs := range offsets {
		tb := newTestBank(t, offs...)
		if _, err := tb.Initialize(ctx, nil); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		for i := range offs {
			v, err := tb.TareSensorValue(ctx, i)
			if err != nil {
				t.Fatalf("TareSensorValue(%d): %v", i, err)
			}
			if v != 0 {
				t.Fatalf("offsets %v: channel %d tared value %d; want 0", offs, i, v)
			}
		}
	}
}

func TestInitializeWithoutFactors(t *testing.T) {
	tb := newTestBank(t, 100, 200)
	required, err := tb.Initialize(context.Background(), nil)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !required {
		t.Fatalf("expected calibration required")
	}
	if tb.State() != Uncalibrated {
		t.Fatalf("state = %s", tb.State())
	}
	if len(tb.notices) != 1 || tb.notices[0].Status != report.StatusInfo {
		t.Fatalf("notices: %+v", tb.notices)
	}
	if err := tb.Refresh(context.Background()); errors.Cause(err) != ErrUncalibrated {
		t.Fatalf("expected ErrUncalibrated, got %v", err)
	}
}

func TestInitializeWithFactors(t *testing.T) {
	tb := newTestBank(t, 100, 200)
	ctx := context.Background()
	required, err := tb.Initialize(ctx, []float64{2, -4})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if required || tb.State() != Calibrated {
		t.Fatalf("required=%v state=%s", required, tb.State())
	}
	tb.setLoads(20, 20)
	if err := tb.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tb.IndividualReading(0) != 10 || tb.IndividualReading(1) != -5 {
		t.Fatalf("readings: %v %v", tb.IndividualReading(0), tb.IndividualReading(1))
	}
	if tb.AggregateWeight() != 5 {
		t.Fatalf("weight = %v", tb.AggregateWeight())
	}
}

func TestInitializeRejectsBadFactors(t *testing.T) {
	ctx := context.Background()
	for _, factors := range [][]float64{{1}, {1, 0}, {1, math.NaN()}, {1, 2, 3}} {
		tb := newTestBank(t, 0, 0)
		if _, err := tb.Initialize(ctx, factors); errors.Cause(err) != sensor.ErrInvalidScale {
			t.Fatalf("factors %v: expected ErrInvalidScale, got %v", factors, err)
		}
		if tb.State() != Uncalibrated {
			t.Fatalf("factors %v: state = %s", factors, tb.State())
		}
		for i, s := range tb.ScaleFactors() {
			if s != sensor.IdentityScale {
				t.Fatalf("factors %v: channel %d scale %v applied partially", factors, i, s)
			}
		}
	}
}

func TestTareSensorValueOutOfRange(t *testing.T) {
	tb := newTestBank(t, 0, 0)
	for _, i := range []int{-1, 2, 100} {
		if _, err := tb.TareSensorValue(context.Background(), i); errors.Cause(err) != ErrIndexOutOfRange {
			t.Fatalf("index %d: expected ErrIndexOutOfRange, got %v", i, err)
		}
	}
}

func TestRefreshIdempotent(t *testing.T) {
	tb := newTestBank(t, 1000, -1000, 50)
	ctx := context.Background()
	if _, err := tb.Initialize(ctx, []float64{3, 7, -11}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	tb.setLoads(300, 701, -1234)
	if err := tb.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	first := tb.Readings()
	if err := tb.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	second := tb.Readings()
	for i := range first.Sensors {
		if first.Sensors[i] != second.Sensors[i] {
			t.Fatalf("channel %d: %v != %v", i, first.Sensors[i], second.Sensors[i])
		}
	}
	if first.Weight != second.Weight {
		t.Fatalf("weight: %v != %v", first.Weight, second.Weight)
	}
}

func TestAggregateEqualsSumOfReadings(t *testing.T) {
	tb := newTestBank(t, 5, 10, 15, 20)
	ctx := context.Background()
	check := func() {
		sum := 0.0
		for i := 0; i < tb.Len(); i++ {
			sum += tb.IndividualReading(i)
		}
		if math.Abs(sum-tb.AggregateWeight()) > 1e-9 {
			t.Fatalf("aggregate %v != sum %v", tb.AggregateWeight(), sum)
		}
	}
	check()
	if _, err := tb.Initialize(ctx, []float64{1.5, 2.5, 3.5, 4.5}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	check()
	tb.setLoads(100, -200, 300, 12)
	if err := tb.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	check()
}

func TestIndividualReadingOutOfRange(t *testing.T) {
	tb := newTestBank(t, 0, 0, 0)
	for _, i := range []int{-1, 3, 1 << 20} {
		if v := tb.IndividualReading(i); v != 0 {
			t.Fatalf("IndividualReading(%d) = %v; want 0", i, v)
		}
	}
}

func TestCalibrateUniformRatio(t *testing.T) {
	tb := newTestBank(t, 84000, -3000, 120, 9)
	ctx := context.Background()
	if _, err := tb.Initialize(ctx, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	tb.onSettle = func() { tb.setLoads(250, 250, 250, 250) }

	ratio, err := tb.Calibrate(ctx, 1000)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if ratio != 1.0 {
		t.Fatalf("ratio = %v; want 1.0", ratio)
	}
	for i, s := range tb.ScaleFactors() {
		if s != 1.0 {
			t.Fatalf("channel %d scale = %v; want 1.0", i, s)
		}
	}
	if tb.State() != Calibrated {
		t.Fatalf("state = %s", tb.State())
	}
	if len(tb.slept) != 1 || tb.slept[0] != 5*time.Second {
		t.Fatalf("settle waits: %v", tb.slept)
	}
	last := tb.notices[len(tb.notices)-1]
	if last.Message != placeWeightMessage {
		t.Fatalf("last notice: %+v", last)
	}
	if err := tb.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tb.AggregateWeight() != 1000 {
		t.Fatalf("weight after calibration = %v; want 1000", tb.AggregateWeight())
	}
}

func TestCalibrateDeterministic(t *testing.T) {
	ctx := context.Background()
	loads := []int32{400, 180, 95, 725}
	var ratios []float64
	for run := 0; run < 2; run++ {
		tb := newTestBank(t, int32(run*1000), 7, -7, 0)
		tb.onSettle = func() { tb.setLoads(loads...) }
		ratio, err := tb.Calibrate(ctx, 500)
		if err != nil {
			t.Fatalf("Calibrate: %v", err)
		}
		for i, s := range tb.ScaleFactors() {
			if s != ratio {
				t.Fatalf("channel %d scale %v != ratio %v", i, s, ratio)
			}
		}
		ratios = append(ratios, ratio)
	}
	want := (400.0 + 180 + 95 + 725) / 500
	if ratios[0] != want || ratios[1] != want {
		t.Fatalf("ratios %v; want %v", ratios, want)
	}
}

func TestCalibrateRetaresBeforeWeight(t *testing.T) {
	tb := newTestBank(t, 0, 0)
	ctx := context.Background()
	if _, err := tb.Initialize(ctx, []float64{1, 1}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	// drift after the initial tare must not leak into the ratio
	tb.setLoads(5000, 5000)
	tb.onSettle = func() { tb.setLoads(5100, 5100) }
	ratio, err := tb.Calibrate(ctx, 100)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if ratio != 2 {
		t.Fatalf("ratio = %v; want 2", ratio)
	}
}

func TestCalibrateZeroReferenceRejected(t *testing.T) {
	tb := newTestBank(t, 10, 20)
	ctx := context.Background()
	if _, err := tb.Initialize(ctx, []float64{4, 4}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	before := tb.samples()
	for _, ref := range []float64{0, math.NaN(), math.Inf(1)} {
		ratio, err := tb.Calibrate(ctx, ref)
		if errors.Cause(err) != ErrInvalidReferenceWeight {
			t.Fatalf("ref %v: expected ErrInvalidReferenceWeight, got %v", ref, err)
		}
		if ratio != 0 {
			t.Fatalf("ref %v: ratio = %v", ref, ratio)
		}
	}
	if tb.samples() != before || len(tb.slept) != 0 {
		t.Fatalf("rejected calibration touched the hardware")
	}
	if tb.State() != Calibrated || tb.ScaleFactors()[0] != 4 {
		t.Fatalf("rejected calibration changed state: %s %v", tb.State(), tb.ScaleFactors())
	}
}

func TestCalibrateWithoutLoadFails(t *testing.T) {
	tb := newTestBank(t, 10, 20)
	_, err := tb.Calibrate(context.Background(), 1000)
	if errors.Cause(err) != sensor.ErrInvalidScale {
		t.Fatalf("expected ErrInvalidScale, got %v", err)
	}
	if tb.State() != Uncalibrated {
		t.Fatalf("state = %s", tb.State())
	}
}

func TestCalibrateStallLeavesUncalibrated(t *testing.T) {
	tb := newTestBank(t, 0, 0)
	ctx := context.Background()
	if _, err := tb.Initialize(ctx, []float64{1, 1}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	tb.onSettle = func() { tb.fakes[1].SetStall(true) }
	_, err := tb.Calibrate(ctx, 10)
	if errors.Cause(err) != sensor.ErrHardwareStall {
		t.Fatalf("expected ErrHardwareStall, got %v", err)
	}
	if tb.State() != Uncalibrated {
		t.Fatalf("state = %s", tb.State())
	}
}

func TestRecalibrate(t *testing.T) {
	tb := newTestBank(t, 0, 0)
	ctx := context.Background()
	tb.onSettle = func() { tb.setLoads(100, 100) }
	if _, err := tb.Calibrate(ctx, 100); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	// the reference weight is removed before calibrating again; the
	// re-tare captures whatever load is present
	tb.setLoads(0, 0)
	tb.onSettle = func() { tb.setLoads(400, 400) }
	ratio, err := tb.Calibrate(ctx, 100)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if ratio != 8 || tb.State() != Calibrated {
		t.Fatalf("ratio=%v state=%s", ratio, tb.State())
	}
}

func TestRecalibrateUnderLoad(t *testing.T) {
	tb := newTestBank(t, 0, 0)
	ctx := context.Background()
	tb.onSettle = func() { tb.setLoads(100, 100) }
	if _, err := tb.Calibrate(ctx, 100); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	// the load left on the bank becomes the new zero
	tb.onSettle = func() { tb.setLoads(400, 400) }
	ratio, err := tb.Calibrate(ctx, 100)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if ratio != 6 {
		t.Fatalf("ratio = %v; want 6", ratio)
	}
}

func TestRefreshStallIsPerChannel(t *testing.T) {
	tb := newTestBank(t, 0, 0, 0)
	ctx := context.Background()
	if _, err := tb.Initialize(ctx, []float64{1, 1, 1}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	tb.setLoads(10, 20, 30)
	if err := tb.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	tb.fakes[1].SetStall(true)
	tb.setLoads(11, 21, 31)
	err := tb.Refresh(ctx)
	if errors.Cause(err) != sensor.ErrHardwareStall {
		t.Fatalf("expected ErrHardwareStall, got %v", err)
	}
	if tb.IndividualReading(0) != 11 || tb.IndividualReading(1) != 0 || tb.IndividualReading(2) != 31 {
		t.Fatalf("readings: %v", tb.Readings().Sensors)
	}
	if tb.AggregateWeight() != 42 {
		t.Fatalf("weight = %v", tb.AggregateWeight())
	}
}

func TestRenderIsPure(t *testing.T) {
	tb := newTestBank(t, 0, 0)
	ctx := context.Background()
	if _, err := tb.Initialize(ctx, []float64{2, 4}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	tb.setLoads(3, 10)
	if err := tb.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	before := tb.samples()
	readings, err := tb.ReadingsText()
	if err != nil {
		t.Fatalf("ReadingsText: %v", err)
	}
	if string(readings) != `{"sensor_0":"1.50","sensor_1":"2.50","weight":"4.00"}` {
		t.Fatalf("readings text: %s", readings)
	}
	cal, err := tb.CalibrationText()
	if err != nil {
		t.Fatalf("CalibrationText: %v", err)
	}
	var doc struct {
		Calibration []float64 `json:"calibration"`
	}
	if err := json.Unmarshal(cal, &doc); err != nil {
		t.Fatalf("unmarshal %s: %v", cal, err)
	}
	if len(doc.Calibration) != 2 || doc.Calibration[0] != 2 || doc.Calibration[1] != 4 {
		t.Fatalf("calibration doc: %s", cal)
	}
	if tb.samples() != before {
		t.Fatalf("rendering sampled the hardware")
	}
}
