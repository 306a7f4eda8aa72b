// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/randhid/waveshare-thermal/camera"
	"github.com/randhid/waveshare-thermal/sensor"
)

func TestLoad_MissingConfigFallsBackToDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := filepath.Join(home, "does-not-exist.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	want := Default()
	want.Path = path
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_DefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if want := filepath.Join(home, ".config", "thermal", "config.toml"); cfg.Path != want {
		t.Fatalf("Path = %q, want %q", cfg.Path, want)
	}
}

func TestLoad_Full(t *testing.T) {
	path := write(t, `
i2c = " 1 "
i2c_hz = 400000
address = 0x34
http = "127.0.0.1:9000"
fake = true

[sensor]
name = "ir"
refresh_rate_hz = 16.0

[camera]
flipped = true
width = 480
height = 640
ttl = "10ms"

[mqtt]
broker = "tcp://localhost:1883"
topic = "home/ir"
client_id = "garage"
interval = "5s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	want := Config{
		Path:       path,
		I2C:        "1",
		I2CHz:      400000,
		Address:    0x34,
		HTTP:       "127.0.0.1:9000",
		Fake:       true,
		SensorName: "ir",
		Sensor:     sensor.Config{RefreshRateHz: 16},
		Camera:     camera.Config{Sensor: "ir", Flipped: true, Width: 480, Height: 640, TTL: 10 * time.Millisecond},
		MQTT:       MQTT{Broker: "tcp://localhost:1883", Topic: "home/ir", ClientID: "garage", Interval: 5 * time.Second},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_Partial(t *testing.T) {
	cfg, err := Load(write(t, `
http = ""

[camera]
sensor = "other"
`))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.HTTP != "" {
		t.Fatalf("HTTP = %q, want empty", cfg.HTTP)
	}
	if cfg.Address != 0x33 {
		t.Fatalf("Address = %#x, want 0x33", cfg.Address)
	}
	if cfg.SensorName != "thermal" || cfg.Camera.Sensor != "other" {
		t.Fatalf("SensorName = %q, Camera.Sensor = %q", cfg.SensorName, cfg.Camera.Sensor)
	}
	if cfg.MQTT.Topic != "thermal/readings" || cfg.MQTT.Interval != time.Second {
		t.Fatalf("MQTT = %+v", cfg.MQTT)
	}
}

func TestLoad_Invalid(t *testing.T) {
	data := []struct {
		content string
		want    string
	}{
		{"i2c = ", "parse config"},
		{"address = 0x80", "address"},
		{"address = 0", "address"},
		{"i2c_hz = -1", "i2c_hz"},
		{"[camera]\nwidth = -1", "camera"},
		{"[camera]\nttl = \"soon\"", "camera.ttl"},
		{"[mqtt]\ninterval = \"-1s\"", "mqtt.interval"},
	}
	for _, line := range data {
		_, err := Load(write(t, line.content))
		if err == nil {
			t.Fatalf("%q: expected error", line.content)
		}
		if !strings.Contains(err.Error(), line.want) {
			t.Fatalf("%q: error = %v, want it to mention %q", line.content, err, line.want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := expandPath("  ~/x/y.toml ")
	if err != nil {
		t.Fatalf("expandPath returned error: %v", err)
	}
	if want := filepath.Join(home, "x", "y.toml"); got != want {
		t.Fatalf("expandPath = %q, want %q", got, want)
	}
	if _, err := expandPath(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

//

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}
