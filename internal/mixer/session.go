/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mixer

import (
	"errors"
	"io"
	"math"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/friendsincode/skald/internal/audio"
	"github.com/friendsincode/skald/internal/codec"
	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/models"
	"github.com/friendsincode/skald/internal/telemetry"
)

// mediaStream is the single replaceable media slot in the graph.
type mediaStream struct {
	gain *audio.GainSource
}

// ttsStream is one of N concurrent TTS slots.
type ttsStream struct {
	id   int64
	gain *audio.GainSource
}

// session is the mixing graph and output loop for one broadcast. The graph
// (attach, detach, volume) and the per-tick pull are serialized on mu, so a
// stream is never read while it is being replaced.
type session struct {
	broadcastID int64
	channelID   int64
	sampleRate  int
	channels    int
	speakers    []models.Speaker
	engine      *Engine
	startedAt   time.Time

	mu        sync.Mutex
	enc       codec.Encoder
	mic       *audio.MicBuffer
	micGain   *audio.GainSource
	micLive   bool
	media     *mediaStream
	tts       []*ttsStream
	nextTts   int64
	micVol    float64
	mediaVol  float64
	ttsVol    float64
	closed    bool

	masterBits atomic.Uint64

	packets atomic.Uint64
	bytes   atomic.Uint64

	done chan struct{}

	// reused across ticks
	mix     []int32
	scratch []int16
	out     []int16
}

func newSession(broadcastID, channelID int64, sampleRate, channels int, speakers []models.Speaker, enc codec.Encoder, e *Engine) *session {
	samples := sampleRate * channels * int(Timeslice/time.Millisecond) / 1000
	s := &session{
		broadcastID: broadcastID,
		channelID:   channelID,
		sampleRate:  sampleRate,
		channels:    channels,
		speakers:    speakers,
		engine:      e,
		startedAt:   time.Now(),
		enc:         enc,
		micVol:      1.0,
		mediaVol:    1.0,
		ttsVol:      1.0,
		done:        make(chan struct{}),
		mix:         make([]int32, samples),
		scratch:     make([]int16, samples),
		out:         make([]int16, samples),
	}
	s.masterBits.Store(math.Float64bits(1.0))
	s.mic = audio.NewMicBuffer(sampleRate, channels, MicPrefillMs, micBufferMs)
	return s
}

// run drives the output loop on a monotonic schedule: each deadline is the
// previous deadline plus one timeslice, so a slow tick is followed by a short
// sleep rather than a drifting cadence.
func (s *session) run() {
	next := time.Now()
	for {
		next = next.Add(Timeslice)
		if d := time.Until(next); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-s.done:
				t.Stop()
				return
			case <-t.C:
			}
		} else {
			select {
			case <-s.done:
				return
			default:
			}
		}
		s.safeTick()
	}
}

// safeTick isolates a panicking tick so one bad frame cannot kill the loop.
func (s *session) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			telemetry.MixerTickErrorsTotal.WithLabelValues(strconv.FormatInt(s.broadcastID, 10)).Inc()
			s.engine.logger.Error().
				Int64("broadcast", s.broadcastID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("tick panicked")
		}
	}()
	s.tick()
}

// tick pulls one timeslice from every attached stream, mixes, encodes, and
// sends. End-of-stream detach and the resulting events run after the mix so
// a stream's final partial frame is still heard.
func (s *session) tick() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	for i := range s.mix {
		s.mix[i] = 0
	}

	if s.micLive {
		s.pullInto(s.micGain)
	}

	var mediaDone bool
	if s.media != nil {
		if eof := s.pullInto(s.media.gain); eof {
			mediaDone = true
		}
	}

	var ttsDone []*ttsStream
	live := s.tts[:0]
	for _, t := range s.tts {
		if eof := s.pullInto(t.gain); eof {
			ttsDone = append(ttsDone, t)
		} else {
			live = append(live, t)
		}
	}
	s.tts = live

	master := math.Float64frombits(s.masterBits.Load())
	for i, v := range s.mix {
		f := float64(v) * master
		switch {
		case f > math.MaxInt16:
			s.out[i] = math.MaxInt16
		case f < math.MinInt16:
			s.out[i] = math.MinInt16
		default:
			s.out[i] = int16(f)
		}
	}

	payload, err := s.enc.Encode(s.out)

	if mediaDone {
		s.media.gain.Close()
		s.media = nil
	}
	for _, t := range ttsDone {
		t.gain.Close()
	}
	s.mu.Unlock()

	if err != nil {
		telemetry.MixerTickErrorsTotal.WithLabelValues(strconv.FormatInt(s.broadcastID, 10)).Inc()
		s.engine.logger.Error().Err(err).Int64("broadcast", s.broadcastID).Msg("encode failed")
		return
	}

	telemetry.MixerTicksTotal.WithLabelValues(strconv.FormatInt(s.broadcastID, 10)).Inc()

	if len(payload) > 0 {
		s.engine.sink.SendToSpeakers(s.channelID, s.speakers, payload)
		s.packets.Add(1)
		s.bytes.Add(uint64(len(payload)))
	}

	if mediaDone {
		s.engine.bus.Publish(events.EventPlaybackCompleted, events.Payload{
			"broadcastId": s.broadcastID,
		})
	}

	if n := s.packets.Load(); n > 0 && n%statusEveryTicks == 0 {
		s.engine.bus.Publish(events.EventBroadcastStatus, events.Payload{
			"broadcastId": s.broadcastID,
			"packets":     n,
			"bytes":       s.bytes.Load(),
			"uptimeMs":    time.Since(s.startedAt).Milliseconds(),
		})
	}
}

// pullInto reads one timeslice from src and accumulates it into the mix bus.
// Reports whether the source is exhausted. Callers hold s.mu.
func (s *session) pullInto(src *audio.GainSource) (eof bool) {
	want := len(s.scratch)
	read := 0
	for read < want {
		n, err := src.ReadPCM(s.scratch[read:])
		read += n
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.engine.logger.Warn().Err(err).Int64("broadcast", s.broadcastID).Msg("stream read failed")
			}
			eof = true
			break
		}
		if n == 0 {
			break
		}
	}
	for i := 0; i < read; i++ {
		s.mix[i] += int32(s.scratch[i])
	}
	return eof
}

func (s *session) addMicData(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.mic.Write(pcm)
	if !s.micLive && s.mic.Ready() {
		s.micGain = audio.NewGainSource(s.mic, s.micVol)
		s.micLive = true
		s.engine.logger.Debug().
			Int64("broadcast", s.broadcastID).
			Int("bufferedMs", s.mic.BufferedMs()).
			Msg("microphone stream attached")
	}
}

func (s *session) addMedia(path string) error {
	src, err := audio.NewFileSource(path)
	if err != nil {
		return err
	}
	norm, err := audio.Normalize(src, s.sampleRate, s.channels)
	if err != nil {
		src.Close()
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		norm.Close()
		return errors.New("session stopped")
	}
	if s.media != nil {
		s.media.gain.Close()
	}
	s.media = &mediaStream{gain: audio.NewFadeInSource(norm, s.mediaVol, fadeInMs)}
	return nil
}

func (s *session) removeMedia() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media != nil {
		s.media.gain.Close()
		s.media = nil
	}
}

func (s *session) addTts(path string) int64 {
	src, err := audio.NewFileSource(path)
	if err != nil {
		s.engine.logger.Warn().Err(err).Str("path", path).Msg("tts source open failed")
		return 0
	}
	norm, err := audio.Normalize(src, s.sampleRate, s.channels)
	if err != nil {
		src.Close()
		s.engine.logger.Warn().Err(err).Str("path", path).Msg("tts normalize failed")
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		norm.Close()
		return 0
	}
	s.nextTts++
	id := s.nextTts
	s.tts = append(s.tts, &ttsStream{id: id, gain: audio.NewGainSource(norm, s.ttsVol)})
	return id
}

func (s *session) removeTts(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.tts[:0]
	for _, t := range s.tts {
		if t.id == id {
			t.gain.Close()
			continue
		}
		live = append(live, t)
	}
	s.tts = live
}

func (s *session) removeAllTts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tts {
		t.gain.Close()
	}
	s.tts = s.tts[:0]
}

func (s *session) setVolume(source VolumeSource, v float64) {
	v = math.Max(0, math.Min(1, v))
	if source == SourceMaster {
		s.masterBits.Store(math.Float64bits(v))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch source {
	case SourceMic:
		s.micVol = v
		if s.micGain != nil {
			s.micGain.SetGain(v)
		}
	case SourceMedia:
		s.mediaVol = v
		if s.media != nil {
			s.media.gain.SetGain(v)
		}
	case SourceTts:
		s.ttsVol = v
		for _, t := range s.tts {
			t.gain.SetGain(v)
		}
	}
}

func (s *session) hasMedia() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media != nil
}

func (s *session) hasTts() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tts) > 0
}

func (s *session) counters() (packets, bytes uint64) {
	return s.packets.Load(), s.bytes.Load()
}

func (s *session) stop() {
	close(s.done)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.media != nil {
		s.media.gain.Close()
		s.media = nil
	}
	for _, t := range s.tts {
		t.gain.Close()
	}
	s.tts = nil
	if s.micGain != nil {
		s.micGain.Close()
		s.micGain = nil
	}
	s.micLive = false
	s.enc.Close()
}
