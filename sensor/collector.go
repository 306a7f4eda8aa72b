// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sensor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	descGoodFrames = prometheus.NewDesc(
		"thermal_sensor_good_frames_total",
		"Number of frames read and published.",
		nil, nil,
	)
	descTransferFails = prometheus.NewDesc(
		"thermal_sensor_transfer_fails_total",
		"Number of failed frame reads.",
		nil, nil,
	)
	descInvalidFrames = prometheus.NewDesc(
		"thermal_sensor_invalid_frames_total",
		"Number of frames discarded for non finite values.",
		nil, nil,
	)
	descCooldowns = prometheus.NewDesc(
		"thermal_sensor_cooldowns_total",
		"Number of cooldowns after consecutive failures.",
		nil, nil,
	)
	descFrameAge = prometheus.NewDesc(
		"thermal_sensor_frame_age_seconds",
		"Age of the last good frame.",
		nil, nil,
	)
)

type collector struct {
	s *Sensor
}

var _ prometheus.Collector = &collector{}

// NewCollector exposes the Stats of s as prometheus metrics.
func NewCollector(s *Sensor) prometheus.Collector {
	return &collector{s: s}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descGoodFrames
	ch <- descTransferFails
	ch <- descInvalidFrames
	ch <- descCooldowns
	ch <- descFrameAge
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	st := c.s.Stats()
	ch <- prometheus.MustNewConstMetric(descGoodFrames, prometheus.CounterValue, float64(st.GoodFrames))
	ch <- prometheus.MustNewConstMetric(descTransferFails, prometheus.CounterValue, float64(st.TransferFails))
	ch <- prometheus.MustNewConstMetric(descInvalidFrames, prometheus.CounterValue, float64(st.InvalidFrames))
	ch <- prometheus.MustNewConstMetric(descCooldowns, prometheus.CounterValue, float64(st.Cooldowns))
	if !st.LastFrame.IsZero() {
		ch <- prometheus.MustNewConstMetric(descFrameAge, prometheus.GaugeValue, time.Since(st.LastFrame).Seconds())
	}
}
