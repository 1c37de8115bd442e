/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package codec

import (
	"fmt"
	"sync"

	"gopkg.in/hraban/opus.v2"
)

// OpusEncoder compresses PCM16 frames with libopus. Opus only accepts
// 8/12/16/24/48 kHz input; NewOpusEncoder rejects anything else so callers
// can fall back to the PCM passthrough.
type OpusEncoder struct {
	mu      sync.Mutex
	encoder *opus.Encoder
	cfg     Config
}

var opusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// SupportsRate reports whether Opus accepts the given sample rate.
func SupportsRate(rate int) bool { return opusRates[rate] }

// NewOpusEncoder creates an Opus encoder for the given stream config.
func NewOpusEncoder(cfg Config) (*OpusEncoder, error) {
	e := &OpusEncoder{}
	if err := e.Configure(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Opus packets never exceed 4000 bytes.
	out := make([]byte, 4000)
	n, err := e.encoder.Encode(pcm, out)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return out[:n], nil
}

// Configure rebuilds the encoder for a new rate/channel/bitrate combination.
func (e *OpusEncoder) Configure(cfg Config) error {
	if !SupportsRate(cfg.SampleRate) {
		return fmt.Errorf("opus does not support %d Hz", cfg.SampleRate)
	}
	if cfg.Channels != 1 && cfg.Channels != 2 {
		return fmt.Errorf("opus does not support %d channels", cfg.Channels)
	}

	encoder, err := opus.NewEncoder(cfg.SampleRate, cfg.Channels, opus.AppAudio)
	if err != nil {
		return fmt.Errorf("create opus encoder: %w", err)
	}

	bitrate := cfg.Bitrate
	if bitrate <= 0 {
		bitrate = 64000 * cfg.Channels
	}
	if err := encoder.SetBitrate(bitrate); err != nil {
		return fmt.Errorf("set opus bitrate: %w", err)
	}

	e.mu.Lock()
	e.encoder = encoder
	e.cfg = cfg
	e.mu.Unlock()
	return nil
}

func (e *OpusEncoder) Close() error { return nil }
