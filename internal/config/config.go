// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package config loads the thermal server TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/randhid/waveshare-thermal/camera"
	"github.com/randhid/waveshare-thermal/sensor"
)

// Config is the thermal server configuration.
type Config struct {
	// Path is the resolved path of the file, even when it doesn't exist.
	Path string

	I2C     string // I²C bus name; empty for the first one.
	I2CHz   int64  // I²C bus speed; 0 to keep the current one.
	Address uint16 // I²C device address.
	HTTP    string // HTTP listen address; empty to disable.
	Fake    bool   // Use a synthetic device.

	SensorName string
	Sensor     sensor.Config
	Camera     camera.Config
	MQTT       MQTT
}

// MQTT configures the readings publisher. It is disabled when Broker is
// empty.
type MQTT struct {
	Broker   string
	Topic    string
	ClientID string
	Interval time.Duration
}

const (
	// DefaultPath is where the configuration is searched by default.
	DefaultPath = "~/.config/thermal/config.toml"

	defaultAddress    = 0x33
	defaultHTTP       = ":8010"
	defaultSensorName = "thermal"
	defaultTopic      = "thermal/readings"
	defaultInterval   = time.Second
)

// Default returns the configuration used when the file is missing.
func Default() Config {
	return Config{
		Address:    defaultAddress,
		HTTP:       defaultHTTP,
		SensorName: defaultSensorName,
		Camera:     camera.Config{Sensor: defaultSensorName},
		MQTT:       MQTT{Topic: defaultTopic, Interval: defaultInterval},
	}
}

// Load locates and parses the configuration, falling back to defaults when
// missing.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	cfg.Path = resolved

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw struct {
		I2C     string  `toml:"i2c"`
		I2CHz   int64   `toml:"i2c_hz"`
		Address *int64  `toml:"address"`
		HTTP    *string `toml:"http"`
		Fake    bool    `toml:"fake"`
		Sensor  struct {
			Name          string  `toml:"name"`
			RefreshRateHz float64 `toml:"refresh_rate_hz"`
		} `toml:"sensor"`
		Camera struct {
			Sensor  string `toml:"sensor"`
			Flipped bool   `toml:"flipped"`
			Width   int    `toml:"width"`
			Height  int    `toml:"height"`
			TTL     string `toml:"ttl"`
		} `toml:"camera"`
		MQTT struct {
			Broker   string `toml:"broker"`
			Topic    string `toml:"topic"`
			ClientID string `toml:"client_id"`
			Interval string `toml:"interval"`
		} `toml:"mqtt"`
	}
	if err := toml.Unmarshal(bytes, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.I2C = strings.TrimSpace(raw.I2C)
	if raw.I2CHz < 0 {
		return Config{}, fmt.Errorf("i2c_hz: invalid %d", raw.I2CHz)
	}
	cfg.I2CHz = raw.I2CHz
	if raw.Address != nil {
		if *raw.Address <= 0 || *raw.Address > 0x7F {
			return Config{}, fmt.Errorf("address: invalid %#x", *raw.Address)
		}
		cfg.Address = uint16(*raw.Address)
	}
	if raw.HTTP != nil {
		cfg.HTTP = strings.TrimSpace(*raw.HTTP)
	}
	cfg.Fake = raw.Fake

	if name := strings.TrimSpace(raw.Sensor.Name); name != "" {
		cfg.SensorName = name
	}
	cfg.Sensor.RefreshRateHz = raw.Sensor.RefreshRateHz

	cfg.Camera.Sensor = strings.TrimSpace(raw.Camera.Sensor)
	if cfg.Camera.Sensor == "" {
		cfg.Camera.Sensor = cfg.SensorName
	}
	cfg.Camera.Flipped = raw.Camera.Flipped
	cfg.Camera.Width = raw.Camera.Width
	cfg.Camera.Height = raw.Camera.Height
	if cfg.Camera.TTL, err = parseDuration("camera.ttl", raw.Camera.TTL, 0); err != nil {
		return Config{}, err
	}
	if _, err := cfg.Camera.Validate(); err != nil {
		return Config{}, fmt.Errorf("camera: %w", err)
	}

	cfg.MQTT.Broker = strings.TrimSpace(raw.MQTT.Broker)
	if topic := strings.TrimSpace(raw.MQTT.Topic); topic != "" {
		cfg.MQTT.Topic = topic
	}
	cfg.MQTT.ClientID = strings.TrimSpace(raw.MQTT.ClientID)
	if cfg.MQTT.Interval, err = parseDuration("mqtt.interval", raw.MQTT.Interval, defaultInterval); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseDuration(key, value string, def time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, d)
	}
	return d, nil
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(DefaultPath)
	}
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
