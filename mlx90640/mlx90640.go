// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mlx90640 drives a Melexis MLX90640 32x24 thermopile array over
// I²C.
//
// References:
// MLX90640 datasheet:
//   https://www.melexis.com/en/documents/documentation/datasheets/datasheet-mlx90640
//   p. 14-16 RAM and EEPROM layout.
//   p. 19-20 Status and control registers.
//   p. 22-36 Calculation of the object temperature.
//
// The device measures the frame as two interleaved subpages (chess pattern
// by default). A full frame is only available after both were read, so a
// frame takes twice the refresh period.
package mlx90640

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/randhid/waveshare-thermal/mlx90640/internal"
	"github.com/randhid/waveshare-thermal/thermal"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/physic"
)

// Opts holds the configuration options.
type Opts struct {
	// Addr is the I²C address. Defaults to 0x33.
	Addr uint16
	// Emissivity of the observed objects, in (0, 1]. Defaults to 0.95.
	Emissivity float64
	// Timeout bounds the wait for a subpage to be ready. Defaults to twice
	// the refresh period plus 50ms.
	Timeout time.Duration
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Addr:       0x33,
	Emissivity: 0.95,
}

// Dev is a handle to a MLX90640.
type Dev struct {
	c    i2c.Dev
	opts Opts

	lock sync.Mutex
	p    *internal.Params
	rate RefreshRate
	data [internal.FrameWords]uint16
	ta   float64
}

// New opens a handle to a MLX90640 and restores its calibration.
//
// Failures are of kind thermal.Config.
func New(b i2c.Bus, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{opts: *opts}
	if d.opts.Addr == 0 {
		d.opts.Addr = DefaultOpts.Addr
	}
	if d.opts.Emissivity <= 0 || d.opts.Emissivity > 1 {
		d.opts.Emissivity = DefaultOpts.Emissivity
	}
	d.c = i2c.Dev{Bus: b, Addr: d.opts.Addr}

	ee := make([]uint16, internal.EEPROMWords)
	if err := d.readWords(internal.EEPROMAddr, ee); err != nil {
		return nil, thermal.Wrap(thermal.Config, "mlx90640: read EEPROM", err)
	}
	p, err := internal.Extract(ee)
	if err != nil {
		return nil, thermal.Wrap(thermal.Config, "mlx90640", err)
	}
	if n := len(p.BrokenPixels) + len(p.OutlierPixels); n != 0 {
		log.Printf("mlx90640: %d bad pixels will be interpolated", n)
	}
	ctrl, err := d.readWord(regControl1)
	if err != nil {
		return nil, thermal.Wrap(thermal.Config, "mlx90640: read control", err)
	}
	d.p = p
	d.rate = RefreshRate((ctrl & ctrlRateMask) >> ctrlRateShift)
	return d, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("MLX90640{%s}", &d.c)
}

// SetRefreshRate changes the subpage refresh rate.
func (d *Dev) SetRefreshRate(r RefreshRate) error {
	if r > Rate64Hz {
		return thermal.Errorf(thermal.Config, "mlx90640", "invalid refresh rate %d", r)
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	ctrl, err := d.readWord(regControl1)
	if err != nil {
		return thermal.Wrap(thermal.Transient, "mlx90640: read control", err)
	}
	ctrl = ctrl&^ctrlRateMask | uint16(r)<<ctrlRateShift
	if err := d.writeWord(regControl1, ctrl); err != nil {
		return thermal.Wrap(thermal.Transient, "mlx90640: write control", err)
	}
	d.rate = r
	return nil
}

// RefreshRate returns the current subpage refresh rate.
func (d *Dev) RefreshRate() RefreshRate {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.rate
}

// ReadFrame reads both subpages and converts them to °C into f.
//
// It blocks for up to two refresh periods. Failures are of kind
// thermal.Transient; f may have been partially updated.
func (d *Dev) ReadFrame(f *thermal.Frame) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	var seen [2]bool
	for i := 0; !seen[0] || !seen[1]; i++ {
		if i == 4 {
			return thermal.Wrap(thermal.Transient, "mlx90640", errSubPageSync)
		}
		if err := d.readSubPage(); err != nil {
			return thermal.Wrap(thermal.Transient, "mlx90640", err)
		}
		ta := d.p.Ta(d.data[:])
		d.p.To(d.data[:], d.opts.Emissivity, ta-openAirTaShift, f[:])
		d.ta = ta
		seen[d.data[internal.FrameWords-1]] = true
	}
	d.fixBadPixels(f)
	return nil
}

// Status is the decoded content of the status and control registers.
type Status struct {
	SubPage     int  // Last measured subpage.
	DataReady   bool // A new subpage is available.
	RefreshRate RefreshRate
	Resolution  int  // ADC resolution in bits, from 16 to 19.
	ChessMode   bool // Subpages are interleaved as a chess pattern instead of lines.
}

// Status reads the status and control registers.
func (d *Dev) Status() (*Status, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	status, err := d.readWord(regStatus)
	if err != nil {
		return nil, thermal.Wrap(thermal.Transient, "mlx90640: read status", err)
	}
	ctrl, err := d.readWord(regControl1)
	if err != nil {
		return nil, thermal.Wrap(thermal.Transient, "mlx90640: read control", err)
	}
	return &Status{
		SubPage:     int(status & statusSubPage),
		DataReady:   status&statusDataReady != 0,
		RefreshRate: RefreshRate((ctrl & ctrlRateMask) >> ctrlRateShift),
		Resolution:  16 + int((ctrl&ctrlResolutionMask)>>ctrlResolutionShift),
		ChessMode:   ctrl&ctrlChessMode != 0,
	}, nil
}

// Temp returns the die temperature measured along the last frame.
func (d *Dev) Temp() physic.Temperature {
	d.lock.Lock()
	defer d.lock.Unlock()
	return physic.ZeroCelsius + physic.Temperature(d.ta*float64(physic.Celsius))
}

// BadPixels returns the indexes of the pixels flagged broken or outlier at
// calibration.
func (d *Dev) BadPixels() []int {
	out := append([]int{}, d.p.BrokenPixels...)
	return append(out, d.p.OutlierPixels...)
}

// Private details.

// Registers.
const (
	regStatus   = 0x8000
	regControl1 = 0x800D

	statusDataReady = 0x0008
	statusSubPage   = 0x0001
	statusStart     = 0x0030 // Overwrite enabled, start measurement.

	ctrlRateMask        = 0x0380
	ctrlRateShift       = 7
	ctrlResolutionMask  = 0x0C00
	ctrlResolutionShift = 10
	ctrlChessMode       = 0x1000

	// openAirTaShift is the difference between the die temperature and the
	// reflected temperature when the device is used in open air.
	openAirTaShift = 8

	// readChunk is the number of words read per I²C transaction.
	readChunk = 256

	pollInterval = time.Millisecond
)

var (
	errDataTimeout = errors.New("timed out waiting for data")
	errDataChanged = errors.New("data kept changing while being read")
	errSubPageSync = errors.New("did not get both subpages")
)

func (d *Dev) timeout() time.Duration {
	if d.opts.Timeout != 0 {
		return d.opts.Timeout
	}
	return 2*d.rate.Period() + 50*time.Millisecond
}

// readSubPage reads the next available subpage into d.data.
func (d *Dev) readSubPage() error {
	deadline := time.Now().Add(d.timeout())
	for {
		status, err := d.readWord(regStatus)
		if err != nil {
			return err
		}
		if status&statusDataReady != 0 {
			break
		}
		if time.Now().After(deadline) {
			return errDataTimeout
		}
		time.Sleep(pollInterval)
	}
	var status uint16
	for i := 0; ; i++ {
		if i == 5 {
			return errDataChanged
		}
		if err := d.writeWord(regStatus, statusStart); err != nil {
			return err
		}
		if err := d.readWords(internal.RAMAddr, d.data[:internal.RAMWords]); err != nil {
			return err
		}
		var err error
		if status, err = d.readWord(regStatus); err != nil {
			return err
		}
		if status&statusDataReady == 0 {
			break
		}
	}
	ctrl, err := d.readWord(regControl1)
	if err != nil {
		return err
	}
	d.data[internal.RAMWords] = ctrl
	d.data[internal.RAMWords+1] = status & statusSubPage
	return nil
}

// fixBadPixels replaces flagged pixels with the mean of their valid
// horizontal neighbors, or vertical ones.
func (d *Dev) fixBadPixels(f *thermal.Frame) {
	for _, list := range [][]int{d.p.BrokenPixels, d.p.OutlierPixels} {
		for _, i := range list {
			x, y := i%thermal.Width, i/thermal.Width
			if v, ok := d.neighbors(f, x-1, y, x+1, y); ok {
				f[i] = v
			} else if v, ok := d.neighbors(f, x, y-1, x, y+1); ok {
				f[i] = v
			}
		}
	}
}

func (d *Dev) neighbors(f *thermal.Frame, x0, y0, x1, y1 int) (float64, bool) {
	sum, n := 0., 0
	for _, pt := range [2][2]int{{x0, y0}, {x1, y1}} {
		x, y := pt[0], pt[1]
		if x < 0 || x >= thermal.Width || y < 0 || y >= thermal.Height {
			continue
		}
		i := y*thermal.Width + x
		if d.p.IsBad(i) {
			continue
		}
		sum += f[i]
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func (d *Dev) readWord(addr uint16) (uint16, error) {
	var w [2]byte
	var r [2]byte
	binary.BigEndian.PutUint16(w[:], addr)
	if err := d.c.Tx(w[:], r[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(r[:]), nil
}

func (d *Dev) readWords(addr uint16, dst []uint16) error {
	var w [2]byte
	var buf [2 * readChunk]byte
	for len(dst) != 0 {
		n := len(dst)
		if n > readChunk {
			n = readChunk
		}
		binary.BigEndian.PutUint16(w[:], addr)
		r := buf[:2*n]
		if err := d.c.Tx(w[:], r); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			dst[i] = binary.BigEndian.Uint16(r[2*i:])
		}
		dst = dst[n:]
		addr += uint16(n)
	}
	return nil
}

func (d *Dev) writeWord(addr, v uint16) error {
	var w [4]byte
	binary.BigEndian.PutUint16(w[:], addr)
	binary.BigEndian.PutUint16(w[2:], v)
	return d.c.Tx(w[:], nil)
}
