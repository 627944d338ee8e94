package sensor

import (
	"context"
	"math/rand"
	"sync"
)

// FakeSampler simulates a load-cell bridge. The raw value is
// Offset + Load + uniform noise in [-Noise, Noise].
type FakeSampler struct {
	mu      sync.Mutex
	offset  int32
	load    int32
	noise   int32
	stall   bool
	err     error
	samples int
	rnd     *rand.Rand
}

func NewFakeSampler(offset int32) *FakeSampler {
	return &FakeSampler{offset: offset}
}

// NewNoisyFakeSampler returns a fake with noise from a seeded source.
func NewNoisyFakeSampler(offset, noise int32, seed int64) *FakeSampler {
	return &FakeSampler{offset: offset, noise: noise, rnd: rand.New(rand.NewSource(seed))}
}

func (f *FakeSampler) Sample(ctx context.Context) (int32, error) {
	f.mu.Lock()
	stall, err := f.stall, f.err
	f.mu.Unlock()
	if stall {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples++
	v := f.offset + f.load
	if f.noise > 0 && f.rnd != nil {
		v += int32(f.rnd.Intn(int(2*f.noise+1))) - f.noise
	}
	return v, nil
}

func (f *FakeSampler) Close() error { return nil }

// SetLoad sets the raw counts added by the applied load.
func (f *FakeSampler) SetLoad(raw int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.load = raw
}

// SetOffset sets the raw value at zero load.
func (f *FakeSampler) SetOffset(raw int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offset = raw
}

// SetStall makes Sample block until its context is done.
func (f *FakeSampler) SetStall(stall bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stall = stall
}

// SetError makes Sample fail with err; nil clears it.
func (f *FakeSampler) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Samples returns the number of samples delivered.
func (f *FakeSampler) Samples() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples
}
