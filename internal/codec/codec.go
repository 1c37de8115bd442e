/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package codec is the boundary between the mixer's PCM16 output and the
// compressed frames shipped to speakers.
package codec

import (
	"encoding/binary"
	"fmt"
)

// Config describes the stream an encoder is fed.
type Config struct {
	SampleRate int
	Channels   int
	Bitrate    int
}

// Encoder compresses one PCM16 frame at a time. Configure may be called
// between frames to retune the encoder live.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
	Configure(cfg Config) error
	Close() error
}

// PCMEncoder is a passthrough encoder: frames go out as little-endian PCM16.
// It backs tests and deployments where the speakers take raw PCM.
type PCMEncoder struct{}

// NewPCMEncoder creates a passthrough encoder.
func NewPCMEncoder() *PCMEncoder { return &PCMEncoder{} }

func (e *PCMEncoder) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out, nil
}

func (e *PCMEncoder) Configure(cfg Config) error {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return fmt.Errorf("invalid codec config: rate=%d channels=%d", cfg.SampleRate, cfg.Channels)
	}
	return nil
}

func (e *PCMEncoder) Close() error { return nil }
