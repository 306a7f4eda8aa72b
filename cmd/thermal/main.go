// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// thermal serves the readings and heatmap of a MLX90640 over HTTP and
// optionally publishes the readings to an MQTT broker.
//
// Configuration is read from ~/.config/thermal/config.toml and reloaded on
// change.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/maruel/interrupt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/randhid/waveshare-thermal/camera"
	"github.com/randhid/waveshare-thermal/internal/config"
	"github.com/randhid/waveshare-thermal/mlx90640"
	"github.com/randhid/waveshare-thermal/mlx90640test"
	"github.com/randhid/waveshare-thermal/sensor"
	"golang.org/x/sync/errgroup"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/host"
)

// openDevice returns the device and what must be closed once done with it.
func openDevice(cfg *config.Config) (sensor.Device, io.Closer, error) {
	if cfg.Fake {
		f := mlx90640test.New()
		return f, f, nil
	}
	if _, err := host.Init(); err != nil {
		return nil, nil, err
	}
	bus, err := i2creg.Open(cfg.I2C)
	if err != nil {
		return nil, nil, err
	}
	if cfg.I2CHz != 0 {
		if err := bus.SetSpeed(physic.Frequency(cfg.I2CHz) * physic.Hertz); err != nil {
			bus.Close()
			return nil, nil, err
		}
	}
	dev, err := mlx90640.New(bus, &mlx90640.Opts{Addr: cfg.Address})
	if err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("%s\nIf testing without hardware, use -fake to simulate a sensor", err)
	}
	return dev, bus, nil
}

// reloader applies configuration file changes to the running resources.
type reloader struct {
	lock   sync.Mutex
	cfg    config.Config
	sensor *sensor.Sensor
	camera *camera.Camera
}

func (r *reloader) reload() {
	r.lock.Lock()
	defer r.lock.Unlock()
	cfg, err := config.Load(r.cfg.Path)
	if err != nil {
		log.Printf("reload: %s", err)
		return
	}
	if cfg.Sensor != r.cfg.Sensor {
		if err := r.sensor.Reconfigure(&cfg.Sensor); err != nil {
			log.Printf("reload: %s", err)
			return
		}
	}
	deps := map[string]camera.FrameSource{cfg.SensorName: r.sensor}
	if err := r.camera.Reconfigure(&cfg.Camera, deps); err != nil {
		log.Printf("reload: %s", err)
		return
	}
	if cfg.I2C != r.cfg.I2C || cfg.I2CHz != r.cfg.I2CHz || cfg.Address != r.cfg.Address || cfg.HTTP != r.cfg.HTTP || cfg.Fake != r.cfg.Fake || cfg.MQTT != r.cfg.MQTT {
		fmt.Printf("\n%s changed; restart to apply bus, http and mqtt settings\n", cfg.Path)
	}
	// Keep the settings that were not applied.
	r.cfg.SensorName = cfg.SensorName
	r.cfg.Sensor = cfg.Sensor
	r.cfg.Camera = cfg.Camera
	log.Printf("reloaded %s: %s, %s", cfg.Path, r.sensor, r.camera)
}

func mainImpl() error {
	cpuprofile := flag.String("cpuprofile", "", "dump CPU profile in file")
	configPath := flag.String("config", "", "config file; defaults to "+config.DefaultPath)
	httpAddr := flag.String("http", "", "override the HTTP listen address")
	fake := flag.Bool("fake", false, "use a fake sensor to test without hardware")
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()
	if !*verbose {
		log.SetOutput(ioutil.Discard)
	}
	log.SetFlags(log.Lmicroseconds)

	if len(flag.Args()) != 0 {
		return fmt.Errorf("unexpected argument: %s", flag.Args())
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *httpAddr != "" {
		cfg.HTTP = *httpAddr
	}
	cfg.Fake = cfg.Fake || *fake

	interrupt.HandleCtrlC()

	dev, closer, err := openDevice(&cfg)
	if err != nil {
		return err
	}
	s, err := sensor.New(dev, &cfg.Sensor)
	if err != nil {
		closer.Close()
		return err
	}
	defer func() {
		// A loop stuck in a read still uses the bus.
		if err := s.Close(); err != nil {
			log.Printf("%v; leaving the device open", err)
			return
		}
		closer.Close()
	}()
	c, err := camera.New(&cfg.Camera, map[string]camera.FrameSource{cfg.SensorName: s})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(sensor.NewCollector(s))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-interrupt.Channel
		cancel()
	}()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.HTTP != "" {
		srv := &http.Server{Addr: cfg.HTTP, Handler: NewWebServer(s, c, reg)}
		fmt.Printf("Listening on %s\n", cfg.HTTP)
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			ctx2, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(ctx2)
		})
	}

	if cfg.MQTT.Broker != "" {
		p, err := NewPublisher(cfg.MQTT, s)
		if err != nil {
			return err
		}
		g.Go(func() error { return p.Run(ctx) })
	}

	r := &reloader{cfg: cfg, sensor: s, camera: c}
	g.Go(func() error { return watchFile(ctx, cfg.Path, r.reload) })

	g.Go(func() error {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				fmt.Print("\n")
				return nil
			case <-t.C:
			}
			st := s.Stats()
			fmt.Printf("\r%d frames %d fails %d invalid %d cooldowns", st.GoodFrames, st.TransferFails, st.InvalidFrames, st.Cooldowns)
		}
	})
	return g.Wait()
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\nthermal: %s.\n", err)
		os.Exit(1)
	}
}
