// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/randhid/waveshare-thermal/camera"
	"github.com/randhid/waveshare-thermal/sensor"
	"github.com/randhid/waveshare-thermal/thermal"
	"golang.org/x/net/websocket"
)

func TestReadings(t *testing.T) {
	s := newServer(t, &static{r: uniform(20)})
	w := get(t, s, "/readings")
	if w.Code != http.StatusOK {
		t.Fatal(w.Code, w.Body.String())
	}
	var m map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{
		thermal.KeyMinCelsius, thermal.KeyMaxCelsius,
		thermal.KeyMinFahrenheit, thermal.KeyMaxFahrenheit,
		thermal.KeyCelsius, thermal.KeyFahrenheit, thermal.KeyFahrenheitMirrored,
	} {
		if _, ok := m[k]; !ok {
			t.Fatalf("missing %s", k)
		}
	}
	if len(m) != 7 {
		t.Fatalf("%d keys", len(m))
	}
	if v := m[thermal.KeyMaxFahrenheit].(float64); v != 68 {
		t.Fatal(v)
	}
	if l := len(m[thermal.KeyCelsius].([]interface{})); l != thermal.Pixels {
		t.Fatal(l)
	}
}

func TestReadings_noFrame(t *testing.T) {
	s := newServer(t, &static{err: thermal.ErrNoFrame})
	if w := get(t, s, "/readings"); w.Code != http.StatusServiceUnavailable {
		t.Fatal(w.Code)
	}
	if w := get(t, s, "/image"); w.Code != http.StatusServiceUnavailable {
		t.Fatal(w.Code)
	}
}

func TestImage(t *testing.T) {
	s := newServer(t, &static{r: uniform(20)})
	w := get(t, s, "/image")
	if w.Code != http.StatusOK {
		t.Fatal(w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatal(ct)
	}
	img, err := png.Decode(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 240 || b.Dy() != 320 {
		t.Fatal(b)
	}
	if ct := get(t, s, "/image?mime=image/jpeg").Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatal(ct)
	}
}

func TestProperties(t *testing.T) {
	s := newServer(t, &static{})
	w := get(t, s, "/properties")
	if got := strings.TrimSpace(w.Body.String()); got != `{"supports_point_cloud":false,"width":240,"height":320}` {
		t.Fatal(got)
	}
}

func TestRoot(t *testing.T) {
	s := newServer(t, &static{})
	w := get(t, s, "/")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/stream") {
		t.Fatal(w.Code)
	}
	if w := get(t, s, "/nope"); w.Code != http.StatusNotFound {
		t.Fatal(w.Code)
	}
}

func TestMetrics(t *testing.T) {
	src := &static{}
	c, err := camera.New(&camera.Config{Sensor: "s"}, map[string]camera.FrameSource{"s": src})
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(sensor.NewCollector(&sensor.Sensor{}))
	w := get(t, NewWebServer(src, c, reg), "/metrics")
	if !strings.Contains(w.Body.String(), "thermal_sensor_good_frames_total 0") {
		t.Fatal(w.Body.String())
	}
}

func TestStream(t *testing.T) {
	s := newServer(t, &static{r: uniform(20)})
	s.streamPeriod = time.Millisecond
	ts := httptest.NewServer(s)
	defer ts.Close()
	ws, err := websocket.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/stream", "", ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	var msg string
	if err := websocket.Message.Receive(ws, &msg); err != nil {
		t.Fatal(err)
	}
	if msg[0] != 'I' {
		t.Fatalf("got %q", msg[:1])
	}
	b, err := base64.StdEncoding.DecodeString(msg[1:])
	if err != nil {
		t.Fatal(err)
	}
	if _, err := png.Decode(bytes.NewReader(b)); err != nil {
		t.Fatal(err)
	}
	if err := websocket.Message.Receive(ws, &msg); err != nil {
		t.Fatal(err)
	}
	if msg[0] != 'M' {
		t.Fatalf("got %q", msg[:1])
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(msg[1:]), &m); err != nil {
		t.Fatal(err)
	}
	if v := m[thermal.KeyMinCelsius].(float64); v != 20 {
		t.Fatal(v)
	}
}

//

type static struct {
	r   *thermal.Readings
	err error
}

func (s *static) Readings(ctx context.Context) (*thermal.Readings, error) {
	return s.r, s.err
}

func uniform(v float64) *thermal.Readings {
	f := thermal.Uniform(v)
	return thermal.Compute(&f, time.Now())
}

func newServer(t *testing.T, src *static) *WebServer {
	c, err := camera.New(&camera.Config{Sensor: "s"}, map[string]camera.FrameSource{"s": src})
	if err != nil {
		t.Fatal(err)
	}
	return NewWebServer(src, c, nil)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}
