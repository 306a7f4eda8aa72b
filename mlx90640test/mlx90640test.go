// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mlx90640test implements a fake MLX90640 implementation.
package mlx90640test

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/randhid/waveshare-thermal/mlx90640"
	"github.com/randhid/waveshare-thermal/thermal"
)

// ErrFake is returned by ReadFrame when a failure was requested with
// FailNext and no specific error was provided.
var ErrFake = thermal.Errorf(thermal.Transient, "mlx90640test", "injected failure")

// Fake is a fake for mlx90640.Dev.
//
// It either replays scripted frames or synthesizes slowly drifting hot
// spots.
type Fake struct {
	lock    sync.Mutex
	noise   *noise
	frames  []thermal.Frame
	pace    bool
	rate    mlx90640.RefreshRate
	fail    int
	failErr error
	reads   int
	rates   []mlx90640.RefreshRate
	closed  bool
}

// New returns a fake that synthesizes frames at the device's pace.
func New() *Fake {
	return &Fake{noise: makeNoise(), pace: true, rate: mlx90640.DefaultRefreshRate}
}

// NewScripted returns a fake that returns frames in order without delay.
// The last frame is repeated once the script is exhausted.
func NewScripted(frames ...thermal.Frame) *Fake {
	if len(frames) == 0 {
		frames = []thermal.Frame{thermal.Uniform(20)}
	}
	return &Fake{frames: frames, rate: mlx90640.DefaultRefreshRate}
}

// FailNext makes the next n ReadFrame calls fail with err, or ErrFake if
// err is nil.
func (f *Fake) FailNext(n int, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.fail = n
	f.failErr = err
}

// SetRefreshRate implements sensor.Device.
func (f *Fake) SetRefreshRate(r mlx90640.RefreshRate) error {
	if r > mlx90640.Rate64Hz {
		return thermal.Errorf(thermal.Config, "mlx90640test", "invalid refresh rate %d", r)
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.rate = r
	f.rates = append(f.rates, r)
	return nil
}

// RefreshRate returns the last rate set.
func (f *Fake) RefreshRate() mlx90640.RefreshRate {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.rate
}

// RatesSet returns every rate passed to SetRefreshRate.
func (f *Fake) RatesSet() []mlx90640.RefreshRate {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]mlx90640.RefreshRate{}, f.rates...)
}

// Reads returns the number of ReadFrame calls, failed ones included.
func (f *Fake) Reads() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.reads
}

// ReadFrame implements sensor.Device.
func (f *Fake) ReadFrame(dst *thermal.Frame) error {
	f.lock.Lock()
	pace := f.pace
	period := f.rate.Period()
	f.lock.Unlock()
	if pace {
		// Two subpages per frame.
		time.Sleep(2 * period)
	}

	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return errClosed
	}
	f.reads++
	if f.fail > 0 {
		f.fail--
		if f.failErr != nil {
			return f.failErr
		}
		return ErrFake
	}
	if f.noise != nil {
		f.noise.update()
		f.noise.render(dst)
		return nil
	}
	*dst = f.frames[0]
	if len(f.frames) > 1 {
		f.frames = f.frames[1:]
	}
	return nil
}

// Close marks the device closed; later reads fail. It can be called more
// than once.
func (f *Fake) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.closed = true
	return nil
}

// Private details.

var errClosed = errors.New("mlx90640test: closed")

type vector struct {
	intensity float64
	x         float64
	y         float64
}

// noise is a few gaussian blobs over a room temperature background.
type noise struct {
	rand    *rand.Rand
	vectors []vector
}

func makeNoise() *noise {
	n := &noise{rand: rand.New(rand.NewSource(0))}
	n.vectors = make([]vector, 4)
	for i := range n.vectors {
		n.vectors[i].intensity = n.rand.NormFloat64()*5 + 10
		n.vectors[i].x = n.rand.NormFloat64()*6 + thermal.Width/2
		n.vectors[i].y = n.rand.NormFloat64()*4 + thermal.Height/2
	}
	return n
}

func (n *noise) update() {
	for i := range n.vectors {
		n.vectors[i].intensity += n.rand.NormFloat64() * 0.1
		n.vectors[i].x += n.rand.NormFloat64() * 0.2
		n.vectors[i].y += n.rand.NormFloat64() * 0.2
	}
}

func (n *noise) render(f *thermal.Frame) {
	const ambient = 22.
	const sigma2 = 2 * 3 * 3
	for y := 0; y < thermal.Height; y++ {
		fy := float64(y)
		for x := 0; x < thermal.Width; x++ {
			fx := float64(x)
			value := ambient + n.rand.NormFloat64()*0.05
			for _, vect := range n.vectors {
				d2 := (vect.x-fx)*(vect.x-fx) + (vect.y-fy)*(vect.y-fy)
				value += vect.intensity * math.Exp(-d2/sigma2)
			}
			f[y*thermal.Width+x] = value
		}
	}
}
