// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package thermal

import (
	"time"
)

// Reading names, as exposed to clients.
const (
	KeyMinCelsius         = "min_temp_celsius"
	KeyMaxCelsius         = "max_temp_celsius"
	KeyMinFahrenheit      = "min_temp_fahrenheit"
	KeyMaxFahrenheit      = "max_temp_fahrenheit"
	KeyCelsius            = "all_temperatures_celsius"
	KeyFahrenheit         = "all_temperatures_fahrenheit"
	KeyFahrenheitMirrored = "all_temperatures_fahrenheit_mirrored"
)

// Readings is everything derived from one frame.
//
// It is recomputed on each request; it is cheap.
type Readings struct {
	Timestamp          time.Time `json:"-"`
	MinCelsius         float64   `json:"min_temp_celsius"`
	MaxCelsius         float64   `json:"max_temp_celsius"`
	MinFahrenheit      float64   `json:"min_temp_fahrenheit"`
	MaxFahrenheit      float64   `json:"max_temp_fahrenheit"`
	Celsius            Frame     `json:"all_temperatures_celsius"`
	Fahrenheit         Frame     `json:"all_temperatures_fahrenheit"`
	FahrenheitMirrored Frame     `json:"all_temperatures_fahrenheit_mirrored"`
}

// Compute derives Readings from a frame snapshot.
//
// Celsius min/max are over the frame as read. Mirroring does not change
// the set of values so the Fahrenheit min/max hold for both orientations.
func Compute(f *Frame, ts time.Time) *Readings {
	r := &Readings{
		Timestamp:  ts,
		MinCelsius: f.Min(),
		MaxCelsius: f.Max(),
		Celsius:    *f,
		Fahrenheit: f.Fahrenheit(),
	}
	r.MinFahrenheit = r.Fahrenheit.Min()
	r.MaxFahrenheit = r.Fahrenheit.Max()
	r.FahrenheitMirrored = r.Fahrenheit.Mirror()
	return r
}

// Map returns the readings keyed by their public names.
func (r *Readings) Map() map[string]interface{} {
	return map[string]interface{}{
		KeyMinCelsius:         r.MinCelsius,
		KeyMaxCelsius:         r.MaxCelsius,
		KeyMinFahrenheit:      r.MinFahrenheit,
		KeyMaxFahrenheit:      r.MaxFahrenheit,
		KeyCelsius:            r.Celsius[:],
		KeyFahrenheit:         r.Fahrenheit[:],
		KeyFahrenheitMirrored: r.FahrenheitMirrored[:],
	}
}
