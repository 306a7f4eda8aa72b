// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/randhid/waveshare-thermal/camera"
	"github.com/randhid/waveshare-thermal/internal/config"
	"github.com/randhid/waveshare-thermal/thermal"
)

// Publisher periodically sends the readings to an MQTT broker.
type Publisher struct {
	cfg     config.MQTT
	src     camera.FrameSource
	publish func(topic string, payload []byte) error
	close   func()

	lock  sync.Mutex
	stats PublisherStats
}

// PublisherStats counts the publish attempts.
type PublisherStats struct {
	Sent    int
	Skipped int
	Fails   int
}

// NewPublisher connects to the broker.
func NewPublisher(cfg config.MQTT, src camera.FrameSource) (*Publisher, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "thermal-" + uuid.NewString()
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.Printf("mqtt: connection lost: %s", err)
	})
	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	p := &Publisher{cfg: cfg, src: src, close: func() { client.Disconnect(250) }}
	p.publish = func(topic string, payload []byte) error {
		token := client.Publish(topic, 0, false, payload)
		token.Wait()
		return token.Error()
	}
	fmt.Printf("Publishing to %s as %s\n", cfg.Broker, cfg.ClientID)
	return p, nil
}

// Run publishes every cfg.Interval until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	if p.close != nil {
		defer p.close()
	}
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		last = p.sendOnce(ctx, last)
	}
}

// Stats returns a copy of the counters.
func (p *Publisher) Stats() PublisherStats {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.stats
}

// Private details.

type message struct {
	Timestamp time.Time `json:"timestamp"`
	*thermal.Readings
}

// sendOnce publishes the readings if they are newer than last and returns
// the timestamp of the last published readings.
func (p *Publisher) sendOnce(ctx context.Context, last time.Time) time.Time {
	r, err := p.src.Readings(ctx)
	if err != nil || !r.Timestamp.After(last) {
		p.lock.Lock()
		p.stats.Skipped++
		p.lock.Unlock()
		return last
	}
	payload, err := json.Marshal(&message{Timestamp: r.Timestamp.UTC(), Readings: r})
	if err == nil {
		err = p.publish(p.cfg.Topic, payload)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if err != nil {
		p.stats.Fails++
		log.Printf("mqtt: publish failed: %s", err)
		return last
	}
	p.stats.Sent++
	return r.Timestamp
}
