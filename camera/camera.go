// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package camera renders the frames of a thermal sensor as heatmap images.
package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/randhid/waveshare-thermal/heatmap"
	"github.com/randhid/waveshare-thermal/thermal"
)

// ErrNoSensor is returned when the configuration does not name a sensor, or
// names one that is not provided.
var ErrNoSensor = thermal.Errorf(thermal.Config, "camera", "no sensor attached")

// FrameSource provides derived readings. It is implemented by
// *sensor.Sensor.
type FrameSource interface {
	Readings(ctx context.Context) (*thermal.Readings, error)
}

// Config is the construction time configuration of a Camera.
type Config struct {
	// Sensor is the name of the FrameSource dependency. Required.
	Sensor string
	// Flipped renders the mirrored frame, for a sensor mounted upside down.
	Flipped bool
	// Width and Height of the images; default to 240x320.
	Width  int
	Height int
	// TTL during which a rendered image is reused; defaults to
	// heatmap.DefaultTTL.
	TTL time.Duration
}

// Validate returns the names of the required dependencies.
func (c *Config) Validate() ([]string, error) {
	if c.Sensor == "" {
		return nil, ErrNoSensor
	}
	if c.Width < 0 || c.Height < 0 {
		return nil, thermal.Errorf(thermal.Config, "camera", "invalid size %dx%d", c.Width, c.Height)
	}
	if c.TTL < 0 {
		return nil, thermal.Errorf(thermal.Config, "camera", "invalid ttl %s", c.TTL)
	}
	return []string{c.Sensor}, nil
}

// Properties describes the images returned by Camera.Image.
type Properties struct {
	SupportsPointCloud bool `json:"supports_point_cloud"`
	Width              int  `json:"width"`
	Height             int  `json:"height"`
}

// Camera serves heatmap images of a FrameSource.
type Camera struct {
	lock    sync.Mutex
	name    string
	src     FrameSource
	flipped bool
	width   int
	height  int
	ttl     time.Duration
	images  *heatmap.Cache
}

// New returns a Camera reading from the dependency named cfg.Sensor in deps.
func New(cfg *Config, deps map[string]FrameSource) (*Camera, error) {
	c := &Camera{}
	if err := c.Reconfigure(cfg, deps); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Camera) String() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return fmt.Sprintf("Camera{%s, %dx%d, flipped=%t}", c.name, c.width, c.height, c.flipped)
}

// Reconfigure swaps the source and orientation and drops the cached image.
//
// On failure, the previous configuration is kept.
func (c *Camera) Reconfigure(cfg *Config, deps map[string]FrameSource) error {
	names, err := cfg.Validate()
	if err != nil {
		return err
	}
	src := deps[names[0]]
	if src == nil {
		return thermal.Wrap(thermal.Config, names[0], ErrNoSensor)
	}
	w, h, ttl := cfg.Width, cfg.Height, cfg.TTL
	if w == 0 {
		w = heatmap.DefaultWidth
	}
	if h == 0 {
		h = heatmap.DefaultHeight
	}
	if ttl == 0 {
		ttl = heatmap.DefaultTTL
	}
	c.lock.Lock()
	c.name = names[0]
	c.src = src
	c.flipped = cfg.Flipped
	var stale *heatmap.Cache
	if c.images == nil || w != c.width || h != c.height || ttl != c.ttl {
		c.images = heatmap.NewCache(palette, w, h, ttl)
	} else {
		stale = c.images
	}
	c.width, c.height, c.ttl = w, h, ttl
	c.lock.Unlock()
	// c.lock must not be held here; Get holds the cache lock while rendering.
	if stale != nil {
		stale.Reset()
	}
	return nil
}

// Image returns the heatmap of the last frame, encoded as mimeHint
// suggests; PNG by default.
//
// Returns thermal.ErrNoFrame until the sensor read its first frame.
func (c *Camera) Image(ctx context.Context, mimeHint string) ([]byte, string, error) {
	img, err := c.image(ctx, mimeHint)
	if err != nil {
		return nil, "", err
	}
	return img.Data, img.MIMEType, nil
}

// Heatmap is like Image but returns the source frame timestamp too.
func (c *Camera) Heatmap(ctx context.Context, mimeHint string) (*heatmap.Image, error) {
	return c.image(ctx, mimeHint)
}

// Properties returns the static image properties.
func (c *Camera) Properties() Properties {
	c.lock.Lock()
	defer c.lock.Unlock()
	return Properties{Width: c.width, Height: c.height}
}

// Private details.

// palette is shared by all cameras.
var palette = heatmap.NewPalette()

func (c *Camera) image(ctx context.Context, mimeHint string) (*heatmap.Image, error) {
	c.lock.Lock()
	images, src, flipped := c.images, c.src, c.flipped
	c.lock.Unlock()
	return images.Get(ctx, func(ctx context.Context, dst *thermal.Frame) (time.Time, error) {
		return frame(ctx, src, flipped, dst)
	}, mimeHint)
}

// frame copies the frame to render, in the requested orientation.
func frame(ctx context.Context, src FrameSource, flipped bool, dst *thermal.Frame) (time.Time, error) {
	r, err := src.Readings(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if flipped {
		*dst = r.FahrenheitMirrored
	} else {
		*dst = r.Celsius
	}
	return r.Timestamp, nil
}
