// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sensor

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randhid/waveshare-thermal/mlx90640"
	"github.com/randhid/waveshare-thermal/mlx90640test"
	"github.com/randhid/waveshare-thermal/thermal"
)

func TestNew_noDevice(t *testing.T) {
	s, err := New(nil, nil)
	if s != nil || err != ErrNoDevice {
		t.Fatal(err)
	}
	if k := thermal.KindOf(err); k != thermal.Config {
		t.Fatal(k)
	}
}

func TestNew_refreshRate(t *testing.T) {
	data := []struct {
		hz   float64
		want mlx90640.RefreshRate
	}{
		{0, mlx90640.Rate4Hz},
		{0.5, mlx90640.Rate0_5Hz},
		{16, mlx90640.Rate16Hz},
		{64, mlx90640.Rate64Hz},
		{3, mlx90640.Rate4Hz},
		{-1, mlx90640.Rate4Hz},
	}
	for _, line := range data {
		f := mlx90640test.NewScripted()
		s, err := New(f, &Config{RefreshRateHz: line.hz, Policy: fastPolicy})
		if err != nil {
			t.Fatal(err)
		}
		if r := s.RefreshRate(); r != line.want {
			t.Fatalf("%g: got %s, want %s", line.hz, r, line.want)
		}
		if r := f.RatesSet(); len(r) != 1 || r[0] != line.want {
			t.Fatalf("%g: %v", line.hz, r)
		}
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestNew_setRateFail(t *testing.T) {
	if _, err := New(&failRate{}, nil); thermal.KindOf(err) != thermal.Config {
		t.Fatalf("unexpected %v", err)
	}
}

func TestReadings_uniform(t *testing.T) {
	s := newSensor(t, mlx90640test.NewScripted(thermal.Uniform(20)), fastPolicy)
	r := waitReadings(t, s)
	if r.MinCelsius != 20 || r.MaxCelsius != 20 {
		t.Fatalf("%g %g", r.MinCelsius, r.MaxCelsius)
	}
	if r.MinFahrenheit != 68 || r.MaxFahrenheit != 68 {
		t.Fatalf("%g %g", r.MinFahrenheit, r.MaxFahrenheit)
	}
	if st := s.Stats(); st.GoodFrames == 0 || st.LastFrame.IsZero() {
		t.Fatalf("%+v", st)
	}
}

func TestReadings_noFrame(t *testing.T) {
	f := mlx90640test.NewScripted()
	f.FailNext(1000000, nil)
	p := fastPolicy
	p.Cooldown = time.Hour
	s := newSensor(t, f, p)
	_, err := s.Readings(context.Background())
	if err != thermal.ErrNoFrame {
		t.Fatal(err)
	}
	if !thermal.IsTransient(err) {
		t.Fatal("ErrNoFrame must be transient")
	}
	var dst thermal.Frame
	if _, err := s.Frame(context.Background(), &dst); err != thermal.ErrNoFrame {
		t.Fatal(err)
	}
}

func TestReadings_canceled(t *testing.T) {
	s := newSensor(t, mlx90640test.NewScripted(), fastPolicy)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Readings(ctx); err != context.Canceled {
		t.Fatal(err)
	}
}

func TestLoop_cooldown(t *testing.T) {
	data := []struct {
		fails     int
		cooldowns int
	}{
		{0, 0},
		{1, 0},
		{2, 0},
		{3, 1},
		{4, 1},
		{6, 2},
	}
	for _, line := range data {
		f := mlx90640test.NewScripted(thermal.Uniform(20))
		f.FailNext(line.fails, nil)
		p := fastPolicy
		p.Cooldown = 30 * time.Millisecond
		start := time.Now()
		s := newSensor(t, f, p)
		waitReadings(t, s)
		elapsed := time.Since(start)
		st := s.Stats()
		if st.TransferFails != line.fails {
			t.Fatalf("%d: got %d fails", line.fails, st.TransferFails)
		}
		if st.Cooldowns != line.cooldowns {
			t.Fatalf("%d: got %d cooldowns, want %d", line.fails, st.Cooldowns, line.cooldowns)
		}
		if d := time.Duration(line.cooldowns) * p.Cooldown; elapsed < d {
			t.Fatalf("%d: recovered after %s, before cooldown %s", line.fails, elapsed, d)
		}
		if line.fails != 0 && !errors.Is(st.LastFail, mlx90640test.ErrFake) {
			t.Fatalf("%d: %v", line.fails, st.LastFail)
		}
		if err := s.Stop(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLoop_invalidFrame(t *testing.T) {
	bad := thermal.Uniform(20)
	bad[42] = math.NaN()
	s := newSensor(t, mlx90640test.NewScripted(bad, thermal.Uniform(21)), fastPolicy)
	r := waitReadings(t, s)
	if r.MinCelsius != 21 || r.MaxCelsius != 21 {
		t.Fatalf("%g %g", r.MinCelsius, r.MaxCelsius)
	}
	if st := s.Stats(); st.InvalidFrames != 1 || st.TransferFails != 0 {
		t.Fatalf("%+v", st)
	}
}

func TestStop_duringCooldown(t *testing.T) {
	f := mlx90640test.NewScripted()
	f.FailNext(1000000, nil)
	p := fastPolicy
	p.Cooldown = time.Hour
	s := newSensor(t, f, p)
	waitFor(t, func() bool { return s.Stats().Cooldowns == 1 })
	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Stop took %s", d)
	}
	// Idempotent.
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestStart_restart(t *testing.T) {
	f := mlx90640test.NewScripted()
	s := newSensor(t, f, fastPolicy)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	waitReadings(t, s)
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	reads := f.Reads()
	time.Sleep(20 * time.Millisecond)
	if n := f.Reads(); n != reads {
		t.Fatalf("a loop is still running: %d != %d", n, reads)
	}
	// Restarting after a stop resumes acquisition.
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.Reads() > reads })
}

func TestStart_stuckRead(t *testing.T) {
	d := &stuckDev{release: make(chan struct{})}
	p := fastPolicy
	p.JoinTimeout = 10 * time.Millisecond
	s, err := New(d, &Config{Policy: p})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&d.active) == 1 })
	// The loop is blocked in ReadFrame; no second loop may be started.
	if err := s.Start(); err != errJoinTimeout {
		t.Fatalf("got %v, want %v", err, errJoinTimeout)
	}
	if err := s.Start(); err != errJoinTimeout {
		t.Fatalf("got %v, want %v", err, errJoinTimeout)
	}
	if err := s.Reconfigure(&Config{Policy: p}); err != errJoinTimeout {
		t.Fatalf("got %v, want %v", err, errJoinTimeout)
	}
	if err := s.Close(); err != errJoinTimeout {
		t.Fatalf("got %v, want %v", err, errJoinTimeout)
	}
	if atomic.LoadInt32(&d.closed) != 0 {
		t.Fatal("device closed under a running read")
	}
	if k := thermal.KindOf(errJoinTimeout); k != thermal.Transient {
		t.Fatal(k)
	}
	if got := errJoinTimeout.Error(); got != "sensor: acquisition loop did not exit in time" {
		t.Fatal(got)
	}

	close(d.release)
	// Start succeeds once the old loop is joined.
	waitFor(t, func() bool { return s.Start() == nil })
	waitReadings(t, s)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&d.closed) != 1 {
		t.Fatal("device not closed")
	}
	if n := atomic.LoadInt32(&d.peak); n != 1 {
		t.Fatalf("%d concurrent reads", n)
	}
}

func TestReconfigure_setRateFail(t *testing.T) {
	d := &rejectRate{}
	s := newSensor(t, d, fastPolicy)
	waitReadings(t, s)
	atomic.StoreInt32(&d.reject, 1)
	err := s.Reconfigure(&Config{RefreshRateHz: 64, Policy: fastPolicy})
	if thermal.KindOf(err) != thermal.Config {
		t.Fatal(err)
	}
	if r := s.RefreshRate(); r != mlx90640.Rate4Hz {
		t.Fatal(r)
	}
	// The loop keeps running with the previous settings.
	n := atomic.LoadInt32(&d.n)
	waitFor(t, func() bool { return atomic.LoadInt32(&d.n) > n })
}

func TestReconfigure(t *testing.T) {
	f := mlx90640test.NewScripted(thermal.Uniform(20))
	s := newSensor(t, f, fastPolicy)
	waitReadings(t, s)
	if err := s.Reconfigure(&Config{RefreshRateHz: 64, Policy: fastPolicy}); err != nil {
		t.Fatal(err)
	}
	if r := s.RefreshRate(); r != mlx90640.Rate64Hz {
		t.Fatal(r)
	}
	if _, err := s.Readings(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r := f.RatesSet(); len(r) != 2 || r[1] != mlx90640.Rate64Hz {
		t.Fatal(r)
	}
}

func TestReadings_concurrent(t *testing.T) {
	s := newSensor(t, &counter{}, fastPolicy)
	waitReadings(t, s)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last time.Time
			lastV := 0.
			for j := 0; j < 200; j++ {
				r, err := s.Readings(context.Background())
				if err != nil {
					errs <- err
					return
				}
				if r.MinCelsius != r.MaxCelsius {
					errs <- errors.New("torn frame")
					return
				}
				if r.Timestamp.Before(last) || r.MinCelsius < lastV {
					errs <- errors.New("went back in time")
					return
				}
				last, lastV = r.Timestamp, r.MinCelsius
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

//

var fastPolicy = Policy{
	MaxRetries:  3,
	BaseDelay:   time.Millisecond,
	Cooldown:    10 * time.Millisecond,
	MinInterval: time.Millisecond,
	JoinTimeout: time.Second,
}

func newSensor(t *testing.T, dev Device, p Policy) *Sensor {
	s, err := New(dev, &Config{Policy: p})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Error(err)
		}
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for start := time.Now(); !cond(); time.Sleep(time.Millisecond) {
		if time.Since(start) > 5*time.Second {
			t.Fatal("timed out")
		}
	}
}

func waitReadings(t *testing.T, s *Sensor) *thermal.Readings {
	t.Helper()
	var r *thermal.Readings
	waitFor(t, func() bool {
		var err error
		r, err = s.Readings(context.Background())
		return err == nil
	})
	return r
}

type failRate struct{}

func (failRate) SetRefreshRate(mlx90640.RefreshRate) error { return errors.New("nack") }
func (failRate) ReadFrame(*thermal.Frame) error            { return nil }

// counter returns uniform frames of increasing value.
type counter struct {
	n int32
}

func (c *counter) SetRefreshRate(mlx90640.RefreshRate) error { return nil }

func (c *counter) ReadFrame(f *thermal.Frame) error {
	*f = thermal.Uniform(float64(atomic.AddInt32(&c.n, 1)))
	return nil
}

// stuckDev blocks in ReadFrame until release is closed.
type stuckDev struct {
	release chan struct{}
	active  int32
	peak    int32
	closed  int32
}

func (d *stuckDev) SetRefreshRate(mlx90640.RefreshRate) error { return nil }

func (d *stuckDev) ReadFrame(f *thermal.Frame) error {
	n := atomic.AddInt32(&d.active, 1)
	defer atomic.AddInt32(&d.active, -1)
	for {
		p := atomic.LoadInt32(&d.peak)
		if n <= p || atomic.CompareAndSwapInt32(&d.peak, p, n) {
			break
		}
	}
	<-d.release
	*f = thermal.Uniform(20)
	return nil
}

func (d *stuckDev) Close() error {
	atomic.AddInt32(&d.closed, 1)
	return nil
}

// rejectRate is a counter that refuses rate changes once reject is set.
type rejectRate struct {
	counter
	reject int32
}

func (d *rejectRate) SetRefreshRate(mlx90640.RefreshRate) error {
	if atomic.LoadInt32(&d.reject) != 0 {
		return errors.New("nack")
	}
	return nil
}
