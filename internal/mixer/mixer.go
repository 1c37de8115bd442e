/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mixer owns one mixing session per active broadcast: it combines
// microphone, media, and TTS sample streams into a single PCM stream on a
// fixed cadence, encodes each frame, and hands it to the speaker sink.
package mixer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/skald/internal/codec"
	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/models"
	"github.com/friendsincode/skald/internal/telemetry"
)

const (
	// Timeslice is the fixed duration of audio pulled and encoded per tick.
	Timeslice = 60 * time.Millisecond

	// MicPrefillMs is buffered microphone audio required before the mic
	// stream attaches to the graph.
	MicPrefillMs = 100

	// micBufferMs bounds the microphone jitter buffer.
	micBufferMs = 1000

	// fadeInMs suppresses the click of a hard media attach.
	fadeInMs = 20

	// Fallback mix format when the channel record is missing.
	defaultSampleRate = 16000
	defaultChannels   = 1

	// statusEveryTicks paces broadcast-status events (~1s at 60ms ticks).
	statusEveryTicks = 16
)

// VolumeSource selects which gain a SetVolume call targets.
type VolumeSource int

const (
	SourceMic VolumeSource = iota
	SourceMedia
	SourceTts
	SourceMaster
)

// Sink receives encoded frames for delivery to the speaker fleet.
type Sink interface {
	SendToSpeakers(channelID int64, speakers []models.Speaker, payload []byte)
}

// Engine manages the registry of live mixing sessions, keyed by broadcast id.
type Engine struct {
	db      *gorm.DB
	sink    Sink
	bus     *events.Bus
	bitrate int
	logger  zerolog.Logger

	// NewEncoder builds the codec for a session's mix format. Overridable
	// so deployments without libopus can run passthrough PCM.
	NewEncoder func(cfg codec.Config) (codec.Encoder, error)

	mu       sync.RWMutex
	sessions map[int64]*session
}

// New creates a mixing engine.
func New(db *gorm.DB, sink Sink, bus *events.Bus, bitrate int, logger zerolog.Logger) *Engine {
	e := &Engine{
		db:       db,
		sink:     sink,
		bus:      bus,
		bitrate:  bitrate,
		logger:   logger.With().Str("component", "mixer").Logger(),
		sessions: make(map[int64]*session),
	}
	e.NewEncoder = e.defaultEncoder
	return e
}

func (e *Engine) defaultEncoder(cfg codec.Config) (codec.Encoder, error) {
	if codec.SupportsRate(cfg.SampleRate) && cfg.Channels <= 2 {
		return codec.NewOpusEncoder(cfg)
	}
	e.logger.Warn().Int("rate", cfg.SampleRate).Int("channels", cfg.Channels).
		Msg("mix format outside opus support, sending raw pcm")
	return codec.NewPCMEncoder(), nil
}

// InitializeMixer creates a fresh session for the broadcast, sized to the
// channel's configured format (16 kHz mono when the channel record is
// missing), and starts its output loop. Any pre-existing session for the same
// broadcast id is stopped first.
func (e *Engine) InitializeMixer(broadcastID, channelID int64, speakers []models.Speaker) bool {
	e.StopMixer(broadcastID)

	sampleRate, channels := defaultSampleRate, defaultChannels
	var ch models.Channel
	err := e.db.First(&ch, channelID).Error
	switch {
	case err == nil && ch.SampleRate > 0 && ch.Channels > 0:
		sampleRate, channels = ch.SampleRate, ch.Channels
	case err != nil && errors.Is(err, gorm.ErrRecordNotFound):
		e.logger.Warn().Int64("channel", channelID).Msg("channel record missing, using 16kHz mono")
	case err != nil:
		e.logger.Warn().Err(err).Int64("channel", channelID).Msg("channel lookup failed, using 16kHz mono")
	}

	enc, err := e.NewEncoder(codec.Config{SampleRate: sampleRate, Channels: channels, Bitrate: e.bitrate})
	if err != nil {
		e.logger.Error().Err(err).Int64("broadcast", broadcastID).Msg("encoder init failed")
		return false
	}

	s := newSession(broadcastID, channelID, sampleRate, channels, speakers, enc, e)

	e.mu.Lock()
	e.sessions[broadcastID] = s
	e.mu.Unlock()

	telemetry.ActiveSessions.Inc()
	go s.run()

	e.logger.Info().
		Int64("broadcast", broadcastID).
		Int64("channel", channelID).
		Int("rate", sampleRate).
		Int("channels", channels).
		Int("speakers", len(speakers)).
		Msg("mixer initialized")
	return true
}

// AddMicrophoneData appends raw PCM16 bytes to the broadcast's jitter buffer.
// Once the prefill threshold is reached the microphone stream attaches to the
// graph exactly once. Overflow is dropped; this never blocks.
func (e *Engine) AddMicrophoneData(broadcastID int64, pcm []byte) {
	s := e.session(broadcastID)
	if s == nil {
		return
	}
	s.addMicData(pcm)
}

// AddMediaStream tears down any current media stream and attaches the given
// file, normalized to the mix format with a short fade-in.
func (e *Engine) AddMediaStream(broadcastID int64, path string) error {
	s := e.session(broadcastID)
	if s == nil {
		return fmt.Errorf("no session for broadcast %d", broadcastID)
	}
	return s.addMedia(path)
}

// RemoveMediaStream detaches and disposes the current media stream, if any.
func (e *Engine) RemoveMediaStream(broadcastID int64) {
	if s := e.session(broadcastID); s != nil {
		s.removeMedia()
	}
}

// AddTtsStream attaches a TTS file to the graph and returns its stream id,
// or 0 when the file cannot be opened. TTS streams detach themselves at end
// of stream.
func (e *Engine) AddTtsStream(broadcastID int64, path string) int64 {
	s := e.session(broadcastID)
	if s == nil {
		return 0
	}
	return s.addTts(path)
}

// RemoveTtsStream detaches one TTS stream.
func (e *Engine) RemoveTtsStream(broadcastID, streamID int64) {
	if s := e.session(broadcastID); s != nil {
		s.removeTts(streamID)
	}
}

// RemoveAllTtsStreams detaches every TTS stream.
func (e *Engine) RemoveAllTtsStreams(broadcastID int64) {
	if s := e.session(broadcastID); s != nil {
		s.removeAllTts()
	}
}

// SetVolume clamps v to [0,1] and applies it to the live gain node(s) for the
// source. Master scales the final mixdown.
func (e *Engine) SetVolume(broadcastID int64, source VolumeSource, v float64) {
	if s := e.session(broadcastID); s != nil {
		s.setVolume(source, v)
	}
}

// HasActiveMediaStream reports whether a media stream is attached.
func (e *Engine) HasActiveMediaStream(broadcastID int64) bool {
	s := e.session(broadcastID)
	return s != nil && s.hasMedia()
}

// HasActiveTtsStream reports whether any TTS stream is attached.
func (e *Engine) HasActiveTtsStream(broadcastID int64) bool {
	s := e.session(broadcastID)
	return s != nil && s.hasTts()
}

// IsMixerActive reports whether a live session exists for the broadcast.
func (e *Engine) IsMixerActive(broadcastID int64) bool {
	return e.session(broadcastID) != nil
}

// ActiveBroadcastForChannel returns the broadcast id of the channel's live
// session, if one exists. Lets teardown find a session whose broadcast row
// was never persisted.
func (e *Engine) ActiveBroadcastForChannel(channelID int64) (int64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for id, s := range e.sessions {
		if s.channelID == channelID {
			return id, true
		}
	}
	return 0, false
}

// Stats returns delivery counters for a live session.
func (e *Engine) Stats(broadcastID int64) (packets, bytes uint64, duration time.Duration, ok bool) {
	s := e.session(broadcastID)
	if s == nil {
		return 0, 0, 0, false
	}
	p, b := s.counters()
	return p, b, time.Since(s.startedAt), true
}

// StopMixer stops the output loop, disposes every node, and removes the
// session. Returns false if no session existed; calling it twice is safe.
func (e *Engine) StopMixer(broadcastID int64) bool {
	e.mu.Lock()
	s, ok := e.sessions[broadcastID]
	if ok {
		delete(e.sessions, broadcastID)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}

	s.stop()
	telemetry.ActiveSessions.Dec()
	e.logger.Info().Int64("broadcast", broadcastID).Msg("mixer stopped")
	return true
}

func (e *Engine) session(broadcastID int64) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[broadcastID]
}
