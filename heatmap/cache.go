// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package heatmap

import (
	"context"
	"sync"
	"time"

	"github.com/randhid/waveshare-thermal/thermal"
)

// DefaultTTL collapses bursts of requests into a single render.
const DefaultTTL = 5 * time.Millisecond

// FrameFunc copies the frame to render into dst and returns its timestamp.
type FrameFunc func(ctx context.Context, dst *thermal.Frame) (time.Time, error)

// RenderFunc has the signature of Render.
type RenderFunc func(f *thermal.Frame, p *Palette, width, height int, mimeType string) (*Image, error)

// Cache memoizes the last rendered image for TTL.
//
// Concurrent Get calls within the TTL window get the same *Image.
type Cache struct {
	palette *Palette
	width   int
	height  int
	ttl     time.Duration
	render  RenderFunc
	now     func() time.Time

	lock       sync.Mutex
	last       *Image
	renderedAt time.Time
	renders    int
}

// NewCache returns a Cache rendering width x height images.
func NewCache(p *Palette, width, height int, ttl time.Duration) *Cache {
	return &Cache{
		palette: p,
		width:   width,
		height:  height,
		ttl:     ttl,
		render:  Render,
		now:     time.Now,
	}
}

// Get returns the cached image if it is younger than the TTL and of the
// requested type. Otherwise it fetches a frame and renders it.
//
// Failures are not cached.
func (c *Cache) Get(ctx context.Context, frames FrameFunc, mimeType string) (*Image, error) {
	mimeType = ContentType(mimeType)
	c.lock.Lock()
	defer c.lock.Unlock()
	now := c.now()
	if c.last != nil && c.last.MIMEType == mimeType && now.Sub(c.renderedAt) < c.ttl {
		return c.last, nil
	}
	var f thermal.Frame
	ts, err := frames(ctx, &f)
	if err != nil {
		return nil, err
	}
	img, err := c.render(&f, c.palette, c.width, c.height, mimeType)
	if err != nil {
		return nil, err
	}
	img.Timestamp = ts
	c.renders++
	c.last = img
	c.renderedAt = now
	return img, nil
}

// Reset drops the cached image.
func (c *Cache) Reset() {
	c.lock.Lock()
	c.last = nil
	c.lock.Unlock()
}

// Renders returns the number of images rendered so far.
func (c *Cache) Renders() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.renders
}
