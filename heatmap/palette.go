// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package heatmap renders a thermal.Frame as a false color image.
package heatmap

import (
	"image"
	"image/color"
)

// Palette maps an 8 bits intensity to a color: blue to cyan for [0, 85),
// cyan to yellow for [85, 170), yellow to red for [170, 256).
//
// A Palette is immutable once created and can be shared between renders.
type Palette [256]color.RGBA

// NewPalette returns the heatmap palette.
func NewPalette() *Palette {
	p := &Palette{}
	for i := range p {
		switch {
		case i < 85:
			p[i] = color.RGBA{0, 0, uint8(i * 3), 0xFF}
		case i < 170:
			p[i] = color.RGBA{0, 0xFF, uint8(255 - (i-85)*3), 0xFF}
		default:
			p[i] = color.RGBA{0xFF, uint8(255 - (i-170)*3), 0, 0xFF}
		}
	}
	return p
}

// Colorize converts src into dst using the palette. dst must have the same
// bounds as src.
func (p *Palette) Colorize(dst *image.RGBA, src *image.Gray) {
	b := src.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		s := src.Pix[src.PixOffset(b.Min.X, y):]
		d := dst.Pix[dst.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			c := p[s[x]]
			d[4*x] = c.R
			d[4*x+1] = c.G
			d[4*x+2] = c.B
			d[4*x+3] = c.A
		}
	}
}
