/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"math"
	"sync/atomic"
)

// GainSource scales the wrapped source's samples by a live-adjustable gain
// in [0,1]. An optional linear fade-in suppresses the click a hard stream
// attach would produce.
type GainSource struct {
	src         Source
	gainBits    atomic.Uint64
	fadeSamples int // total samples the fade spans, 0 when disabled
	fadePos     int
}

// NewGainSource wraps src with the given initial gain and no fade.
func NewGainSource(src Source, gain float64) *GainSource {
	g := &GainSource{src: src}
	g.SetGain(gain)
	return g
}

// NewFadeInSource wraps src with a linear fade-in over fadeMs milliseconds.
func NewFadeInSource(src Source, gain float64, fadeMs int) *GainSource {
	g := NewGainSource(src, gain)
	g.fadeSamples = src.SampleRate() * src.Channels() * fadeMs / 1000
	return g
}

// SetGain clamps v to [0,1] and applies it to subsequent reads.
func (g *GainSource) SetGain(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	g.gainBits.Store(math.Float64bits(v))
}

// Gain returns the current gain.
func (g *GainSource) Gain() float64 {
	return math.Float64frombits(g.gainBits.Load())
}

func (g *GainSource) ReadPCM(dst []int16) (int, error) {
	n, err := g.src.ReadPCM(dst)
	gain := g.Gain()
	for i := 0; i < n; i++ {
		scale := gain
		if g.fadeSamples > 0 && g.fadePos < g.fadeSamples {
			scale *= float64(g.fadePos) / float64(g.fadeSamples)
			g.fadePos++
		}
		dst[i] = int16(float64(dst[i]) * scale)
	}
	return n, err
}

func (g *GainSource) SampleRate() int { return g.src.SampleRate() }
func (g *GainSource) Channels() int   { return g.src.Channels() }
func (g *GainSource) Close() error    { return g.src.Close() }
