// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package thermal holds the frame representation of a 32x24 thermopile
// array and the readings derived from it.
//
// A Frame is a value type. Copying it is a plain assignment, which is what
// makes the copy-on-read Cache cheap and race free.
package thermal

import (
	"math"
)

// Frame geometry.
const (
	Width  = 32
	Height = 24
	Pixels = Width * Height
)

// Frame is one full grid of temperatures in °C, row-major.
type Frame [Pixels]float64

// At returns the temperature at column x, row y.
func (f *Frame) At(x, y int) float64 {
	return f[y*Width+x]
}

// Row returns row y as a slice aliasing the frame.
func (f *Frame) Row(y int) []float64 {
	return f[y*Width : (y+1)*Width]
}

// Min returns the lowest value.
func (f *Frame) Min() float64 {
	out := f[0]
	for _, v := range f[1:] {
		if v < out {
			out = v
		}
	}
	return out
}

// Max returns the highest value.
func (f *Frame) Max() float64 {
	out := f[0]
	for _, v := range f[1:] {
		if v > out {
			out = v
		}
	}
	return out
}

// Valid returns false if any value is NaN or infinite.
//
// Drivers signal a broken read this way; such a frame must never be
// published.
func (f *Frame) Valid() bool {
	for _, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Mirror returns the frame with the pixel order reversed within each row.
//
// It compensates for a sensor mounted upside down. Mirror is its own
// inverse.
func (f *Frame) Mirror() Frame {
	var out Frame
	for y := 0; y < Height; y++ {
		base := y * Width
		for x := 0; x < Width; x++ {
			out[base+x] = f[base+Width-1-x]
		}
	}
	return out
}

// Fahrenheit returns the frame converted to °F.
func (f *Frame) Fahrenheit() Frame {
	var out Frame
	for i, c := range f {
		out[i] = CToF(c)
	}
	return out
}

// CToF converts °C to °F.
func CToF(c float64) float64 {
	return c*9/5 + 32
}

// Uniform returns a frame where every pixel is v.
func Uniform(v float64) Frame {
	var out Frame
	for i := range out {
		out[i] = v
	}
	return out
}
