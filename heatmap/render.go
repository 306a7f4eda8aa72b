// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package heatmap

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"strings"
	"time"

	"github.com/randhid/waveshare-thermal/thermal"
	"golang.org/x/image/draw"
)

// Default output size. The image is in portrait orientation.
const (
	DefaultWidth  = 240
	DefaultHeight = 320
)

// Supported MIME types.
const (
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
)

// Image is an encoded rendering of a frame.
//
// Data must not be modified; it may be shared between callers.
type Image struct {
	Data      []byte
	MIMEType  string
	Timestamp time.Time // Timestamp of the source frame.
}

// ContentType returns the MIME type that will be used for the hint.
//
// PNG is used unless JPEG is explicitly requested.
func ContentType(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	if i := strings.IndexByte(h, ';'); i != -1 {
		h = strings.TrimSpace(h[:i])
	}
	switch h {
	case MIMEJPEG, "image/jpg":
		return MIMEJPEG
	default:
		return MIMEPNG
	}
}

// Normalize scales the frame into dst, which must be thermal.Width x
// thermal.Height, linearly mapping [min, max] to [0, 255].
//
// A uniform frame maps to 0 everywhere.
func Normalize(dst *image.Gray, f *thermal.Frame) {
	floor := f.Min()
	delta := f.Max() - floor
	for y := 0; y < thermal.Height; y++ {
		d := dst.Pix[y*dst.Stride:]
		for x := 0; x < thermal.Width; x++ {
			if delta == 0 {
				d[x] = 0
				continue
			}
			v := math.Round(255 * (f.At(x, y) - floor) / delta)
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			d[x] = uint8(v)
		}
	}
}

// Resample scales src into dst with nearest neighbor selection; pixels
// stay hard edged.
func Resample(dst *image.Gray, src *image.Gray) {
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
}

// Render synthesizes an image of width x height from the frame.
//
// Errors are of kind thermal.Render. They are not retried.
func Render(f *thermal.Frame, p *Palette, width, height int, mimeType string) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, thermal.Errorf(thermal.Render, "render", "invalid size %dx%d", width, height)
	}
	gray := image.NewGray(image.Rect(0, 0, thermal.Width, thermal.Height))
	Normalize(gray, f)
	scaled := gray
	if width != thermal.Width || height != thermal.Height {
		scaled = image.NewGray(image.Rect(0, 0, width, height))
		Resample(scaled, gray)
	}
	rgb := image.NewRGBA(scaled.Bounds())
	p.Colorize(rgb, scaled)

	out := &Image{MIMEType: ContentType(mimeType)}
	var buf bytes.Buffer
	var err error
	switch out.MIMEType {
	case MIMEJPEG:
		err = jpeg.Encode(&buf, rgb, &jpeg.Options{Quality: 90})
	default:
		e := png.Encoder{CompressionLevel: png.BestSpeed}
		err = e.Encode(&buf, rgb)
	}
	if err != nil {
		return nil, thermal.Wrap(thermal.Render, "encode "+out.MIMEType, err)
	}
	out.Data = buf.Bytes()
	return out, nil
}
