// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package thermal

import (
	"sync"
	"time"
)

// Cache holds the last successfully read frame.
//
// It has a single writer, the acquisition loop, and any number of readers.
// The lock is only held for the duration of a Frame copy, never across
// device I/O.
type Cache struct {
	lock  sync.Mutex
	frame Frame
	ts    time.Time
	valid bool
}

// Publish replaces the held frame and its timestamp as one unit.
//
// A timestamp older than the held one is bumped so that successive
// Snapshot calls never go back in time.
func (c *Cache) Publish(f *Frame, ts time.Time) {
	c.lock.Lock()
	c.frame = *f
	if c.valid && ts.Before(c.ts) {
		ts = c.ts
	}
	c.ts = ts
	c.valid = true
	c.lock.Unlock()
}

// Snapshot copies the held frame into dst and returns its timestamp.
//
// Returns ErrNoFrame if nothing was ever published.
func (c *Cache) Snapshot(dst *Frame) (time.Time, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.valid {
		return time.Time{}, ErrNoFrame
	}
	*dst = c.frame
	return c.ts, nil
}

// Timestamp returns the time of the last publish, or the zero time.
func (c *Cache) Timestamp() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.ts
}
