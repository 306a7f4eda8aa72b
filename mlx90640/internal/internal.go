// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package internal restores the MLX90640 calibration from its EEPROM and
// converts raw RAM dumps to temperatures.
//
// The layout and formulas are from the MLX90640 datasheet, section 11
// "Calculation of the object temperature".
package internal

import (
	"errors"
	"fmt"
	"math"
)

// Memory layout.
const (
	EEPROMAddr  = 0x2400
	EEPROMWords = 832
	RAMAddr     = 0x0400
	RAMWords    = 832
	// FrameWords is the RAM dump plus the control register and the subpage.
	FrameWords = RAMWords + 2
	Pixels     = 768

	scaleAlpha = 0.000001
)

// Params is the calibration data of one device.
type Params struct {
	KVdd              int
	Vdd25             int
	KvPTAT            float64
	KtPTAT            float64
	VPTAT25           int
	AlphaPTAT         float64
	GainEE            int
	Tgc               float64
	CPKv              float64
	CPKta             float64
	ResolutionEE      int
	CalibrationModeEE int
	KsTa              float64
	KsTo              [5]float64
	CT                [5]int
	Alpha             [Pixels]float64
	AlphaScale        int
	Offset            [Pixels]int
	Kta               [Pixels]float64
	KtaScale          int
	Kv                [Pixels]float64
	KvScale           int
	CPAlpha           [2]float64
	CPOffset          [2]int
	ILChessC          [3]float64
	BrokenPixels      []int
	OutlierPixels     []int
}

// Extract restores the calibration parameters from an EEPROM dump.
func Extract(ee []uint16) (*Params, error) {
	if len(ee) != EEPROMWords {
		return nil, fmt.Errorf("expected %d EEPROM words, got %d", EEPROMWords, len(ee))
	}
	p := &Params{}
	p.extractVDD(ee)
	p.extractPTAT(ee)
	p.GainEE = signed(int(ee[48]), 16)
	p.Tgc = float64(signed(int(ee[60]&0x00FF), 8)) / 32
	p.ResolutionEE = int(ee[56]&0x3000) >> 12
	p.KsTa = float64(signed(int(ee[60]>>8), 8)) / 8192
	p.extractKsTo(ee)
	p.extractCP(ee)
	if err := p.extractAlpha(ee); err != nil {
		return nil, err
	}
	p.extractOffset(ee)
	p.extractKta(ee)
	p.extractKv(ee)
	p.extractCILC(ee)
	if err := p.extractDeviatingPixels(ee); err != nil {
		return nil, err
	}
	if p.KVdd == 0 || p.KtPTAT == 0 || p.GainEE == 0 {
		return nil, errors.New("EEPROM content is invalid")
	}
	return p, nil
}

// IsBad returns true if the pixel is broken or an outlier.
func (p *Params) IsBad(pixel int) bool {
	for _, i := range p.BrokenPixels {
		if i == pixel {
			return true
		}
	}
	for _, i := range p.OutlierPixels {
		if i == pixel {
			return true
		}
	}
	return false
}

// Vdd returns the supply voltage measured during the frame.
func (p *Params) Vdd(frame []uint16) float64 {
	vdd := float64(signed(int(frame[810]), 16))
	resolutionRAM := int(frame[832]&0x0C00) >> 10
	correction := math.Pow(2, float64(p.ResolutionEE)) / math.Pow(2, float64(resolutionRAM))
	return (correction*vdd-float64(p.Vdd25))/float64(p.KVdd) + 3.3
}

// Ta returns the ambient (die) temperature in °C measured during the frame.
func (p *Params) Ta(frame []uint16) float64 {
	vdd := p.Vdd(frame)
	ptat := float64(signed(int(frame[800]), 16))
	ptatArt := float64(signed(int(frame[768]), 16))
	ptatArt = ptat / (ptat*p.AlphaPTAT + ptatArt) * math.Pow(2, 18)
	ta := ptatArt/(1+p.KvPTAT*(vdd-3.3)) - float64(p.VPTAT25)
	return ta/p.KtPTAT + 25
}

// To computes the object temperature in °C of the pixels of the subpage
// contained in frame. Pixels of the other subpage are left untouched.
//
// tr is the reflected temperature.
func (p *Params) To(frame []uint16, emissivity, tr float64, result []float64) {
	subPage := int(frame[833])
	vdd := p.Vdd(frame)
	ta := p.Ta(frame)
	ta4 := math.Pow(ta+273.15, 4)
	tr4 := math.Pow(tr+273.15, 4)
	taTr := tr4 - (tr4-ta4)/emissivity

	ktaScale := math.Pow(2, float64(p.KtaScale))
	kvScale := math.Pow(2, float64(p.KvScale))
	alphaScale := math.Pow(2, float64(p.AlphaScale))

	var alphaCorrR [4]float64
	alphaCorrR[0] = 1 / (1 + p.KsTo[0]*40)
	alphaCorrR[1] = 1
	alphaCorrR[2] = 1 + p.KsTo[1]*float64(p.CT[2])
	alphaCorrR[3] = alphaCorrR[2] * (1 + p.KsTo[2]*float64(p.CT[3]-p.CT[2]))

	gain := float64(p.GainEE) / float64(signed(int(frame[778]), 16))
	mode := int(frame[832]&0x1000) >> 5

	var irDataCP [2]float64
	irDataCP[0] = float64(signed(int(frame[776]), 16)) * gain
	irDataCP[1] = float64(signed(int(frame[808]), 16)) * gain
	cpComp := (1 + p.CPKta*(ta-25)) * (1 + p.CPKv*(vdd-3.3))
	irDataCP[0] -= float64(p.CPOffset[0]) * cpComp
	if mode == p.CalibrationModeEE {
		irDataCP[1] -= float64(p.CPOffset[1]) * cpComp
	} else {
		irDataCP[1] -= (float64(p.CPOffset[1]) + p.ILChessC[0]) * cpComp
	}

	for i := 0; i < Pixels; i++ {
		ilPattern := i/32 - (i/64)*2
		chessPattern := ilPattern ^ (i - (i/2)*2)
		conversionPattern := ((i+2)/4 - (i+3)/4 + (i+1)/4 - i/4) * (1 - 2*ilPattern)
		pattern := chessPattern
		if mode == 0 {
			pattern = ilPattern
		}
		if pattern != subPage {
			continue
		}
		irData := float64(signed(int(frame[i]), 16)) * gain
		kta := p.Kta[i] / ktaScale
		kv := p.Kv[i] / kvScale
		irData -= float64(p.Offset[i]) * (1 + kta*(ta-25)) * (1 + kv*(vdd-3.3))
		if mode != p.CalibrationModeEE {
			irData += p.ILChessC[2]*float64(2*ilPattern-1) - p.ILChessC[1]*float64(conversionPattern)
		}
		irData -= p.Tgc * irDataCP[subPage]
		irData /= emissivity

		alphaCompensated := scaleAlpha * alphaScale / p.Alpha[i]
		alphaCompensated *= 1 + p.KsTa*(ta-25)

		sx := alphaCompensated * alphaCompensated * alphaCompensated * (irData + alphaCompensated*taTr)
		sx = math.Sqrt(math.Sqrt(sx)) * p.KsTo[1]
		to := math.Sqrt(math.Sqrt(irData/(alphaCompensated*(1-p.KsTo[1]*273.15)+sx)+taTr)) - 273.15

		r := 3
		switch {
		case to < float64(p.CT[1]):
			r = 0
		case to < float64(p.CT[2]):
			r = 1
		case to < float64(p.CT[3]):
			r = 2
		}
		to = math.Sqrt(math.Sqrt(irData/(alphaCompensated*alphaCorrR[r]*(1+p.KsTo[r]*(to-float64(p.CT[r]))))+taTr)) - 273.15
		result[i] = to
	}
}

// Private details.

func (p *Params) extractVDD(ee []uint16) {
	p.KVdd = signed(int(ee[51]>>8), 8) * 32
	vdd25 := int(ee[51] & 0x00FF)
	p.Vdd25 = ((vdd25 - 256) << 5) - 8192
}

func (p *Params) extractPTAT(ee []uint16) {
	p.KvPTAT = float64(signed(int(ee[50]>>10), 6)) / 4096
	p.KtPTAT = float64(signed(int(ee[50]&0x03FF), 10)) / 8
	p.VPTAT25 = int(ee[49])
	p.AlphaPTAT = float64(ee[16]&0xF000)/math.Pow(2, 14) + 8
}

func (p *Params) extractKsTo(ee []uint16) {
	step := (int(ee[63]&0x3000) >> 12) * 10
	p.CT[0] = -40
	p.CT[1] = 0
	p.CT[2] = (int(ee[63]&0x00F0) >> 4) * step
	p.CT[3] = p.CT[2] + (int(ee[63]&0x0F00)>>8)*step
	p.CT[4] = 400

	scale := float64(int(1) << uint(int(ee[63]&0x000F)+8))
	p.KsTo[0] = float64(signed(int(ee[61]&0x00FF), 8)) / scale
	p.KsTo[1] = float64(signed(int(ee[61]>>8), 8)) / scale
	p.KsTo[2] = float64(signed(int(ee[62]&0x00FF), 8)) / scale
	p.KsTo[3] = float64(signed(int(ee[62]>>8), 8)) / scale
	p.KsTo[4] = -0.0002
}

func (p *Params) extractCP(ee []uint16) {
	alphaScale := int(ee[32]>>12) + 27
	p.CPOffset[0] = signed(int(ee[58]&0x03FF), 10)
	p.CPOffset[1] = signed(int(ee[58]>>10), 6) + p.CPOffset[0]
	p.CPAlpha[0] = float64(signed(int(ee[57]&0x03FF), 10)) / math.Pow(2, float64(alphaScale))
	p.CPAlpha[1] = (1 + float64(signed(int(ee[57]>>10), 6))/128) * p.CPAlpha[0]

	ktaScale1 := (int(ee[56]&0x00F0) >> 4) + 8
	p.CPKta = float64(signed(int(ee[59]&0x00FF), 8)) / math.Pow(2, float64(ktaScale1))
	kvScale := int(ee[56]&0x0F00) >> 8
	p.CPKv = float64(signed(int(ee[59]>>8), 8)) / math.Pow(2, float64(kvScale))
}

func (p *Params) extractAlpha(ee []uint16) error {
	accRemScale := uint(ee[32] & 0x000F)
	accColumnScale := uint(ee[32]&0x00F0) >> 4
	accRowScale := uint(ee[32]&0x0F00) >> 8
	alphaScale := int(ee[32]>>12) + 30
	alphaRef := int(ee[33])
	accRow := nibbles(ee[34:40])
	accColumn := nibbles(ee[40:48])

	var tmp [Pixels]float64
	hi := 0.
	for i := 0; i < 24; i++ {
		for j := 0; j < 32; j++ {
			n := 32*i + j
			a := signed(int(ee[64+n]&0x03F0)>>4, 6) * (1 << accRemScale)
			a += alphaRef + accRow[i]<<accRowScale + accColumn[j]<<accColumnScale
			v := float64(a) / math.Pow(2, float64(alphaScale))
			v -= p.Tgc * (p.CPAlpha[0] + p.CPAlpha[1]) / 2
			if v == 0 {
				return fmt.Errorf("pixel %d has no sensitivity", n)
			}
			tmp[n] = scaleAlpha / v
			if tmp[n] > hi {
				hi = tmp[n]
			}
		}
	}
	if hi <= 0 || math.IsInf(hi, 0) || math.IsNaN(hi) {
		return errors.New("EEPROM sensitivity is invalid")
	}
	scale := 0
	for hi < 32768 {
		hi *= 2
		scale++
	}
	f := math.Pow(2, float64(scale))
	for i := range tmp {
		p.Alpha[i] = math.Trunc(tmp[i]*f + 0.5)
	}
	p.AlphaScale = scale
	return nil
}

func (p *Params) extractOffset(ee []uint16) {
	occRemScale := uint(ee[16] & 0x000F)
	occColumnScale := uint(ee[16]&0x00F0) >> 4
	occRowScale := uint(ee[16]&0x0F00) >> 8
	offsetRef := signed(int(ee[17]), 16)
	occRow := nibbles(ee[18:24])
	occColumn := nibbles(ee[24:32])
	for i := 0; i < 24; i++ {
		for j := 0; j < 32; j++ {
			n := 32*i + j
			o := signed(int(ee[64+n]&0xFC00)>>10, 6) * (1 << occRemScale)
			p.Offset[n] = o + offsetRef + occRow[i]<<occRowScale + occColumn[j]<<occColumnScale
		}
	}
}

func (p *Params) extractKta(ee []uint16) {
	var ktaRC [4]int
	ktaRC[0] = signed(int(ee[54]>>8), 8)
	ktaRC[2] = signed(int(ee[54]&0x00FF), 8)
	ktaRC[1] = signed(int(ee[55]>>8), 8)
	ktaRC[3] = signed(int(ee[55]&0x00FF), 8)
	ktaScale1 := math.Pow(2, float64((int(ee[56]&0x00F0)>>4)+8))
	ktaScale2 := uint(ee[56] & 0x000F)

	var tmp [Pixels]float64
	for n := range tmp {
		k := signed(int(ee[64+n]&0x000E)>>1, 3) * (1 << ktaScale2)
		tmp[n] = float64(k+ktaRC[split(n)]) / ktaScale1
	}
	p.KtaScale = rescale(tmp[:], p.Kta[:])
}

func (p *Params) extractKv(ee []uint16) {
	var kvT [4]int
	kvT[0] = signed(int(ee[52]>>12), 4)
	kvT[2] = signed(int(ee[52]&0x0F00)>>8, 4)
	kvT[1] = signed(int(ee[52]&0x00F0)>>4, 4)
	kvT[3] = signed(int(ee[52]&0x000F), 4)
	kvScale := math.Pow(2, float64(int(ee[56]&0x0F00)>>8))

	var tmp [Pixels]float64
	for n := range tmp {
		tmp[n] = float64(kvT[split(n)]) / kvScale
	}
	p.KvScale = rescale(tmp[:], p.Kv[:])
}

func (p *Params) extractCILC(ee []uint16) {
	p.CalibrationModeEE = (int(ee[10]&0x0800) >> 4) ^ 0x80
	p.ILChessC[0] = float64(signed(int(ee[53]&0x003F), 6)) / 16
	p.ILChessC[1] = float64(signed(int(ee[53]&0x07C0)>>6, 5)) / 2
	p.ILChessC[2] = float64(signed(int(ee[53]&0xF800)>>11, 5)) / 8
}

func (p *Params) extractDeviatingPixels(ee []uint16) error {
	p.BrokenPixels = nil
	p.OutlierPixels = nil
	for n := 0; n < Pixels; n++ {
		if w := ee[64+n]; w == 0 {
			p.BrokenPixels = append(p.BrokenPixels, n)
		} else if w&0x0001 != 0 {
			p.OutlierPixels = append(p.OutlierPixels, n)
		}
	}
	if len(p.BrokenPixels) > 4 {
		return fmt.Errorf("%d broken pixels", len(p.BrokenPixels))
	}
	if len(p.OutlierPixels) > 4 {
		return fmt.Errorf("%d outlier pixels", len(p.OutlierPixels))
	}
	return nil
}

// rescale stores src into dst as rounded integers scaled up so the largest
// absolute value is at least 64. Returns the power of 2 used.
func rescale(src, dst []float64) int {
	hi := 0.
	for _, v := range src {
		if a := math.Abs(v); a > hi {
			hi = a
		}
	}
	scale := 0
	for hi != 0 && hi < 64 {
		hi *= 2
		scale++
	}
	f := math.Pow(2, float64(scale))
	for i, v := range src {
		t := v * f
		if t < 0 {
			dst[i] = math.Trunc(t - 0.5)
		} else {
			dst[i] = math.Trunc(t + 0.5)
		}
	}
	return scale
}

// split returns the row/column parity class of a pixel, used to index the
// per-class Kta and Kv coefficients.
func split(n int) int {
	return 2*(n/32-(n/64)*2) + n%2
}

// nibbles unpacks each word into 4 signed 4 bits values, least significant
// first.
func nibbles(words []uint16) []int {
	out := make([]int, 0, 4*len(words))
	for _, w := range words {
		for k := uint(0); k < 4; k++ {
			out = append(out, signed(int(w>>(4*k))&0xF, 4))
		}
	}
	return out
}

// signed interprets the low bits of v as a two's complement number.
func signed(v, bits int) int {
	if v >= 1<<uint(bits-1) {
		return v - 1<<uint(bits)
	}
	return v
}
