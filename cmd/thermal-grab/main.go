// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// thermal-grab captures a single frame from a MLX90640 and saves it as a
// heatmap image.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/randhid/waveshare-thermal/heatmap"
	"github.com/randhid/waveshare-thermal/mlx90640"
	"github.com/randhid/waveshare-thermal/mlx90640test"
	"github.com/randhid/waveshare-thermal/sensor"
	"github.com/randhid/waveshare-thermal/thermal"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/host"
)

func mainImpl() error {
	i2cName := flag.String("i2c", "", "I²C bus to use")
	i2cHz := flag.Int("i2chz", 0, "I²C bus speed")
	addr := flag.Int("addr", 0x33, "I²C address")
	rate := flag.Float64("rate", 4, "refresh rate in Hz")
	width := flag.Int("w", heatmap.DefaultWidth, "image width")
	height := flag.Int("h", heatmap.DefaultHeight, "image height")
	flipped := flag.Bool("flipped", false, "mirror the image, for a sensor mounted upside down")
	meta := flag.Bool("meta", false, "print readings summary")
	fake := flag.Bool("fake", false, "use a fake sensor to test without hardware")
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()
	if !*verbose {
		log.SetOutput(ioutil.Discard)
	}
	log.SetFlags(log.Lmicroseconds)

	if flag.NArg() != 1 {
		return errors.New("supply path to PNG or JPEG to save")
	}
	r, err := mlx90640.RefreshRateFromHz(*rate)
	if err != nil {
		return err
	}

	var dev sensor.Device
	if *fake {
		dev = mlx90640test.New()
	} else {
		if _, err := host.Init(); err != nil {
			return err
		}
		i2cBus, err := i2creg.Open(*i2cName)
		if err != nil {
			return err
		}
		defer i2cBus.Close()
		if *i2cHz != 0 {
			if err := i2cBus.SetSpeed(physic.Frequency(*i2cHz) * physic.Hertz); err != nil {
				return err
			}
		}
		d, err := mlx90640.New(i2cBus, &mlx90640.Opts{Addr: uint16(*addr)})
		if err != nil {
			return fmt.Errorf("%s\nIf testing without hardware, use -fake to simulate a sensor", err)
		}
		fmt.Printf("%s: %d bad pixels\n", d, len(d.BadPixels()))
		dev = d
	}
	if err := dev.SetRefreshRate(r); err != nil {
		return err
	}
	var f thermal.Frame
	// The first frame after a rate change may mix both settings.
	for i := 0; i < 2; i++ {
		if err = dev.ReadFrame(&f); err != nil {
			return err
		}
	}
	if !f.Valid() {
		return errors.New("frame has non finite values")
	}
	if *meta {
		rd := thermal.Compute(&f, time.Now())
		fmt.Printf("Min: %.2f°C %.2f°F\n", rd.MinCelsius, rd.MinFahrenheit)
		fmt.Printf("Max: %.2f°C %.2f°F\n", rd.MaxCelsius, rd.MaxFahrenheit)
	}
	if *flipped {
		f = f.Fahrenheit()
		f = f.Mirror()
	}
	path := flag.Args()[0]
	mime := heatmap.MIMEPNG
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".jpg" || ext == ".jpeg" {
		mime = heatmap.MIMEJPEG
	}
	img, err := heatmap.Render(&f, heatmap.NewPalette(), *width, *height, mime)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, img.Data, 0644)
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\nthermal-grab: %s.\n", err)
		os.Exit(1)
	}
}
