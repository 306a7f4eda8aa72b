// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sensor keeps the last good frame of a thermal array.
//
// A background loop reads the device at its refresh rate and publishes each
// valid frame into a thermal.Cache. Readers are only served from the cache
// so they never wait on the bus. Transient faults are retried with a fixed
// delay, then with a longer cooldown; they are never returned to readers.
package sensor

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/randhid/waveshare-thermal/mlx90640"
	"github.com/randhid/waveshare-thermal/thermal"
)

// ErrNoDevice is returned by New when no device is provided.
var ErrNoDevice = thermal.Errorf(thermal.Config, "sensor", "no device attached")

// Device is the thermal array as needed by the acquisition loop. It is
// implemented by *mlx90640.Dev and *mlx90640test.Fake.
type Device interface {
	SetRefreshRate(r mlx90640.RefreshRate) error
	ReadFrame(f *thermal.Frame) error
}

// Policy controls the acquisition loop pacing and fault tolerance.
type Policy struct {
	// MaxRetries is the number of consecutive faults after which the loop
	// waits Cooldown instead of BaseDelay.
	MaxRetries int
	BaseDelay  time.Duration
	Cooldown   time.Duration
	// MinInterval is the minimum age of the cached frame before the device
	// is read again.
	MinInterval time.Duration
	// JoinTimeout bounds how long Stop waits for the loop to exit.
	JoinTimeout time.Duration
}

// DefaultPolicy is the recommended policy.
var DefaultPolicy = Policy{
	MaxRetries:  3,
	BaseDelay:   50 * time.Millisecond,
	Cooldown:    100 * time.Millisecond,
	MinInterval: time.Millisecond,
	JoinTimeout: 5 * time.Second,
}

// Config is the construction time configuration of a Sensor.
type Config struct {
	// RefreshRateHz is one of 0.5, 1, 2, 4, 8, 16, 32 or 64. Any other non
	// zero value falls back to 4Hz with a warning.
	RefreshRateHz float64
	// Policy fields left to zero use DefaultPolicy's.
	Policy Policy
}

// Stats is the acquisition loop statistics since New.
type Stats struct {
	LastFail      error
	LastFrame     time.Time
	GoodFrames    int
	TransferFails int
	InvalidFrames int
	Cooldowns     int
}

// Sensor owns a device, its acquisition loop and its frame cache.
type Sensor struct {
	dev   Device
	cache thermal.Cache

	// lock serializes Start, Stop and Reconfigure.
	lock   sync.Mutex
	policy Policy
	rate   mlx90640.RefreshRate
	cancel context.CancelFunc
	done   chan struct{}

	statsLock sync.Mutex
	stats     Stats
}

// New configures the device and starts the acquisition loop.
func New(dev Device, cfg *Config) (*Sensor, error) {
	if dev == nil {
		return nil, ErrNoDevice
	}
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Sensor{dev: dev}
	if err := s.configure(cfg); err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sensor) String() string {
	return "Sensor{" + s.RefreshRate().String() + "}"
}

// Start starts the acquisition loop.
//
// If the loop is already running, it is stopped and joined first. If the
// previous loop is still stuck in a device read after JoinTimeout, no new
// loop is started and the error is returned; calling Start again later
// retries the join.
func (s *Sensor) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.stopLocked(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done, s.policy)
	return nil
}

// Stop signals the acquisition loop and waits for it to exit, up to the
// policy's JoinTimeout. It is safe to call at any time, including after a
// previous Stop timed out.
func (s *Sensor) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stopLocked()
}

// Reconfigure stops the loop, applies cfg to the device and restarts the
// loop. The cached frame is kept.
func (s *Sensor) Reconfigure(cfg *Config) error {
	s.lock.Lock()
	err := s.stopLocked()
	s.lock.Unlock()
	if err != nil {
		return err
	}
	if err := s.configure(cfg); err != nil {
		// Keep acquiring with the previous settings.
		if err2 := s.Start(); err2 != nil {
			log.Printf("reconfigure: restart: %v", err2)
		}
		return err
	}
	return s.Start()
}

// Close stops the loop and closes the device if it implements io.Closer.
//
// The device is left open if the loop could not be joined, since it may
// still be reading from it.
func (s *Sensor) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	if c, ok := s.dev.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Readings returns the derived readings of the last good frame.
//
// Returns thermal.ErrNoFrame until the first frame is read.
func (s *Sensor) Readings(ctx context.Context) (*thermal.Readings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var f thermal.Frame
	ts, err := s.cache.Snapshot(&f)
	if err != nil {
		return nil, err
	}
	return thermal.Compute(&f, ts), nil
}

// Frame copies the last good frame into dst and returns its timestamp.
func (s *Sensor) Frame(ctx context.Context, dst *thermal.Frame) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	return s.cache.Snapshot(dst)
}

// RefreshRate returns the rate the device was configured with.
func (s *Sensor) RefreshRate() mlx90640.RefreshRate {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.rate
}

// Stats returns a copy of the loop statistics.
func (s *Sensor) Stats() Stats {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	return s.stats
}

// Private details.

var (
	errInvalidFrame = thermal.Errorf(thermal.Transient, "sensor", "frame has non finite values")
	errJoinTimeout  = thermal.Errorf(thermal.Transient, "sensor", "acquisition loop did not exit in time")
)

func (s *Sensor) configure(cfg *Config) error {
	rate := mlx90640.DefaultRefreshRate
	if cfg.RefreshRateHz != 0 {
		var err error
		if rate, err = mlx90640.RefreshRateFromHz(cfg.RefreshRateHz); err != nil {
			log.Printf("WARNING: %v; using %s", err, rate)
		}
	}
	if err := s.dev.SetRefreshRate(rate); err != nil {
		return thermal.Wrap(thermal.Config, "sensor: set refresh rate", err)
	}
	p := cfg.Policy
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultPolicy.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.Cooldown <= 0 {
		p.Cooldown = DefaultPolicy.Cooldown
	}
	if p.MinInterval <= 0 {
		p.MinInterval = DefaultPolicy.MinInterval
	}
	if p.JoinTimeout <= 0 {
		p.JoinTimeout = DefaultPolicy.JoinTimeout
	}
	s.lock.Lock()
	s.rate = rate
	s.policy = p
	s.lock.Unlock()
	return nil
}

// stopLocked cancels the loop and joins it. s.done is only cleared once the
// loop exited.
func (s *Sensor) stopLocked() error {
	if s.done == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	t := time.NewTimer(s.policy.JoinTimeout)
	defer t.Stop()
	select {
	case <-s.done:
		s.done = nil
		return nil
	case <-t.C:
		return errJoinTimeout
	}
}

// loop runs until ctx is canceled. Cancellation is observed between reads
// and interrupts any wait.
func (s *Sensor) loop(ctx context.Context, done chan<- struct{}, p Policy) {
	defer close(done)
	var f thermal.Frame
	retries := 0
	for ctx.Err() == nil {
		if age := time.Since(s.cache.Timestamp()); age < p.MinInterval {
			sleep(ctx, p.MinInterval-age)
			continue
		}
		err := s.dev.ReadFrame(&f)
		if err == nil && !f.Valid() {
			err = errInvalidFrame
		}
		if err == nil {
			s.cache.Publish(&f, time.Now())
			s.recordGood(retries)
			retries = 0
			continue
		}
		retries++
		cooldown := retries >= p.MaxRetries
		s.recordFail(err, retries, cooldown)
		if cooldown {
			log.Printf("sensor: %d consecutive failures, cooling down for %s", retries, p.Cooldown)
			retries = 0
			sleep(ctx, p.Cooldown)
		} else {
			sleep(ctx, p.BaseDelay)
		}
	}
}

func (s *Sensor) recordGood(retries int) {
	now := time.Now()
	s.statsLock.Lock()
	s.stats.GoodFrames++
	s.stats.LastFrame = now
	s.statsLock.Unlock()
	if retries != 0 {
		log.Printf("sensor: recovered after %d failures", retries)
	}
}

func (s *Sensor) recordFail(err error, retries int, cooldown bool) {
	s.statsLock.Lock()
	if err == errInvalidFrame {
		s.stats.InvalidFrames++
	} else {
		s.stats.TransferFails++
	}
	if cooldown {
		s.stats.Cooldowns++
	}
	s.stats.LastFail = err
	s.statsLock.Unlock()
	if retries == 1 {
		log.Printf("sensor: read failed: %v", err)
	}
}

// sleep waits for d or until ctx is canceled.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
