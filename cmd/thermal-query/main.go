// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// thermal-query uses the I²C interface of a MLX90640 to query its internal
// state.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/randhid/waveshare-thermal/mlx90640"
	"github.com/randhid/waveshare-thermal/thermal"

	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/host"
)

func mainImpl() error {
	i2cName := flag.String("i2c", "", "I²C bus to use")
	i2cHz := flag.Int("hz", 0, "I²C bus speed")
	addr := flag.Int("addr", 0x33, "I²C address")
	rate := flag.Float64("rate", 0, "set the refresh rate in Hz")
	flag.Parse()

	if len(flag.Args()) != 0 {
		return fmt.Errorf("unexpected argument: %s", flag.Args())
	}

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
	dev, err := mlx90640.New(i2cBus, &mlx90640.Opts{Addr: uint16(*addr)})
	if err != nil {
		return err
	}
	if *rate != 0 {
		r, err := mlx90640.RefreshRateFromHz(*rate)
		if err != nil {
			return err
		}
		if err := dev.SetRefreshRate(r); err != nil {
			return err
		}
	}
	status, err := dev.Status()
	if err != nil {
		return err
	}
	fmt.Printf("Device:             %s\n", dev)
	fmt.Printf("Status.SubPage:     %d\n", status.SubPage)
	fmt.Printf("Status.DataReady:   %t\n", status.DataReady)
	fmt.Printf("Control.RefreshRate: %s (%s period)\n", status.RefreshRate, status.RefreshRate.Period())
	fmt.Printf("Control.Resolution: %d bits\n", status.Resolution)
	fmt.Printf("Control.ChessMode:  %t\n", status.ChessMode)
	fmt.Printf("BadPixels:          %v\n", dev.BadPixels())
	var f thermal.Frame
	if err := dev.ReadFrame(&f); err != nil {
		return err
	}
	fmt.Printf("Temp:               %s\n", dev.Temp())
	fmt.Printf("Frame:              %.2f°C - %.2f°C\n", f.Min(), f.Max())
	return nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\nthermal-query: %s.\n", err)
		os.Exit(1)
	}
}
