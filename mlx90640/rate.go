// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mlx90640

import (
	"fmt"
	"strconv"
	"time"

	"periph.io/x/periph/conn/physic"
)

// RefreshRate is the subpage refresh rate, as encoded in bits 7-9 of the
// control register.
type RefreshRate uint8

// Valid values for RefreshRate.
const (
	Rate0_5Hz RefreshRate = 0
	Rate1Hz   RefreshRate = 1
	Rate2Hz   RefreshRate = 2
	Rate4Hz   RefreshRate = 3
	Rate8Hz   RefreshRate = 4
	Rate16Hz  RefreshRate = 5
	Rate32Hz  RefreshRate = 6
	Rate64Hz  RefreshRate = 7
)

// DefaultRefreshRate is used when the requested rate is not supported.
const DefaultRefreshRate = Rate4Hz

var rateFrequencies = [...]physic.Frequency{
	500 * physic.MilliHertz,
	physic.Hertz,
	2 * physic.Hertz,
	4 * physic.Hertz,
	8 * physic.Hertz,
	16 * physic.Hertz,
	32 * physic.Hertz,
	64 * physic.Hertz,
}

// RefreshRateFromHz returns the RefreshRate matching hz exactly.
func RefreshRateFromHz(hz float64) (RefreshRate, error) {
	for i, f := range rateFrequencies {
		if float64(f) == hz*float64(physic.Hertz) {
			return RefreshRate(i), nil
		}
	}
	return DefaultRefreshRate, fmt.Errorf("unsupported refresh rate %gHz", hz)
}

// Frequency returns the rate as a frequency.
func (r RefreshRate) Frequency() physic.Frequency {
	if int(r) >= len(rateFrequencies) {
		return 0
	}
	return rateFrequencies[r]
}

// Hz returns the rate in hertz.
func (r RefreshRate) Hz() float64 {
	return float64(r.Frequency()) / float64(physic.Hertz)
}

// Period returns the time between two subpages.
func (r RefreshRate) Period() time.Duration {
	f := r.Frequency()
	if f == 0 {
		return 0
	}
	return time.Duration(float64(time.Second) * float64(physic.Hertz) / float64(f))
}

func (r RefreshRate) String() string {
	if int(r) >= len(rateFrequencies) {
		return "RefreshRate(" + strconv.Itoa(int(r)) + ")"
	}
	return strconv.FormatFloat(r.Hz(), 'g', -1, 64) + "Hz"
}
