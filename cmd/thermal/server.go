// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"html/template"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/maruel/interrupt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/randhid/waveshare-thermal/camera"
	"github.com/randhid/waveshare-thermal/heatmap"
	"github.com/randhid/waveshare-thermal/thermal"
	"golang.org/x/net/websocket"
)

// heatmapSource is implemented by *camera.Camera.
type heatmapSource interface {
	Heatmap(ctx context.Context, mimeHint string) (*heatmap.Image, error)
	Properties() camera.Properties
}

// WebServer exposes the readings and the heatmap over HTTP.
type WebServer struct {
	readings camera.FrameSource
	images   heatmapSource
	// streamPeriod is how often /stream checks for a new frame.
	streamPeriod time.Duration
	handler      http.Handler
}

// NewWebServer returns a server exposing readings and images. Metrics from
// reg are served on /metrics if it is not nil.
func NewWebServer(readings camera.FrameSource, images heatmapSource, reg *prometheus.Registry) *WebServer {
	s := &WebServer{readings: readings, images: images, streamPeriod: 100 * time.Millisecond}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.root)
	mux.HandleFunc("/readings", s.getReadings)
	mux.HandleFunc("/image", s.getImage)
	mux.HandleFunc("/favicon.ico", s.getImage)
	mux.HandleFunc("/properties", s.getProperties)
	mux.Handle("/stream", websocket.Handler(s.stream))
	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	s.handler = loggingHandler{mux}
	return s
}

func (s *WebServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

var rootTmpl = template.Must(template.New("name").Parse(`<!DOCTYPE html>
<html>
<head>
	<title>thermal</title>
	<style>
		img.large {
			width: {{.Width}}px;
			height: {{.Height}}px;
			image-rendering: pixelated;
		}
	</style>
	<script>
	function connect() {
		var still = document.getElementById("still");
		var meta = document.getElementById("meta");
		var ws = new WebSocket((location.protocol == "https:" ? "wss://" : "ws://") + location.host + "/stream");
		ws.onmessage = function(e) {
			if (e.data[0] == "I") {
				still.src = "data:image/png;base64," + e.data.substr(1);
			} else if (e.data[0] == "M") {
				var m = JSON.parse(e.data.substr(1));
				meta.textContent = m.min_temp_celsius.toFixed(1) + "°C - " + m.max_temp_celsius.toFixed(1) + "°C";
			}
		};
		ws.onclose = function() { setTimeout(connect, 1000); };
	}
	</script>
</head>
<body onload="connect()">
	<a href="/image"><img class="large" id="still" src="/image"></a>
	<br>
	<span id="meta"></span>
</body>
</html>`))

func (s *WebServer) root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := rootTmpl.Execute(w, s.images.Properties()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *WebServer) getReadings(w http.ResponseWriter, r *http.Request) {
	rd, err := s.readings.Readings(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, rd)
}

func (s *WebServer) getImage(w http.ResponseWriter, r *http.Request) {
	hint := r.URL.Query().Get("mime")
	if hint == "" {
		hint = r.Header.Get("Accept")
	}
	img, err := s.images.Heatmap(r.Context(), hint)
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", img.MIMEType)
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Last-Modified", img.Timestamp.UTC().Format(http.TimeFormat))
	w.Write(img.Data)
}

func (s *WebServer) getProperties(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.images.Properties())
}

// stream sends each new heatmap as a WebSocket frame, followed by its
// readings.
func (s *WebServer) stream(w *websocket.Conn) {
	log.Printf("websocket from %s", w.Request().RemoteAddr)
	defer w.Close()
	ctx := w.Request().Context()
	t := time.NewTicker(s.streamPeriod)
	defer t.Stop()
	var last time.Time
	buf := &bytes.Buffer{}
	for !interrupt.IsSet() {
		img, err := s.images.Heatmap(ctx, heatmap.MIMEPNG)
		if err == nil && !img.Timestamp.Equal(last) {
			last = img.Timestamp
			// Frame I is for Image.
			buf.WriteString("I")
			encoder := base64.NewEncoder(base64.StdEncoding, buf)
			encoder.Write(img.Data)
			encoder.Close()
			_, err = w.Write(buf.Bytes())
			buf.Reset()
			// Frame M is for Metadata.
			if err == nil {
				var rd *thermal.Readings
				if rd, err = s.readings.Readings(ctx); err == nil {
					buf.WriteString("M")
					if err = json.NewEncoder(buf).Encode(rd); err == nil {
						_, err = w.Write(buf.Bytes())
					}
					buf.Reset()
				}
			}
			if err != nil {
				log.Printf("websocket err: %s", err)
				return
			}
		} else if err != nil && !thermal.IsTransient(err) {
			log.Printf("websocket err: %s", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-interrupt.Channel:
			return
		case <-t.C:
		}
	}
}

// Private details.

func writeJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

// httpError maps the error kind to a status code. Transient errors, like no
// frame read yet, are retriable.
func httpError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch thermal.KindOf(err) {
	case thermal.Transient:
		w.Header().Set("Retry-After", "1")
		code = http.StatusServiceUnavailable
	case thermal.Config:
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}

type loggingHandler struct {
	handler http.Handler
}

type loggingResponseWriter struct {
	http.ResponseWriter
	length int
	status int
}

func (l *loggingResponseWriter) Write(data []byte) (size int, err error) {
	if l.status == 0 {
		l.status = http.StatusOK
	}
	size, err = l.ResponseWriter.Write(data)
	l.length += size
	return
}

func (l *loggingResponseWriter) WriteHeader(status int) {
	l.ResponseWriter.WriteHeader(status)
	l.status = status
}

// Hijack is needed for websocket.
func (l *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h := l.ResponseWriter.(http.Hijacker)
	return h.Hijack()
}

// ServeHTTP logs each HTTP request if -v is passed.
func (l loggingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lrw := &loggingResponseWriter{ResponseWriter: w}
	l.handler.ServeHTTP(lrw, r)
	log.Printf("%s - %3d %6db %4s %s\n", r.RemoteAddr, lrw.status, lrw.length, r.Method, r.RequestURI)
}
