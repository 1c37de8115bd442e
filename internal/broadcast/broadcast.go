/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package broadcast is the entry point for operator-triggered broadcasts:
// start a channel live, feed it microphone audio, stop it again.
package broadcast

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/lifecycle"
	"github.com/friendsincode/skald/internal/mixer"
	"github.com/friendsincode/skald/internal/models"
	"github.com/friendsincode/skald/internal/prepare"
)

var (
	ErrAlreadyBroadcasting = errors.New("channel is already broadcasting")
	ErrNoSpeakers          = errors.New("no speakers available for channel")
	ErrNotOngoing          = errors.New("broadcast is not ongoing")
)

// Service wires preparation, mixing, and lifecycle together for live use.
type Service struct {
	db        *gorm.DB
	prepare   *prepare.Service
	lifecycle *lifecycle.Manager
	mixer     *mixer.Engine
	bus       *events.Bus
	logger    zerolog.Logger
}

func New(db *gorm.DB, prep *prepare.Service, lc *lifecycle.Manager, mix *mixer.Engine, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:        db,
		prepare:   prep,
		lifecycle: lc,
		mixer:     mix,
		bus:       bus,
		logger:    logger.With().Str("component", "broadcast").Logger(),
	}
}

// Start prepares and starts a live broadcast for the channel. When groupIDs
// is non-empty it overrides the channel's persisted speaker selection. The
// mixer stays open until Stop; content is driven by the operator.
func (s *Service) Start(channelID int64, groupIDs []int64) (*models.Broadcast, []prepare.Takeover, error) {
	var ch models.Channel
	if err := s.db.First(&ch, channelID).Error; err != nil {
		return nil, nil, fmt.Errorf("load channel %d: %w", channelID, err)
	}
	if ch.State == models.ChannelBroadcasting {
		return nil, nil, ErrAlreadyBroadcasting
	}

	res, err := s.prepare.Prepare(channelID, groupIDs)
	if err != nil {
		return nil, nil, err
	}
	if len(res.Speakers) == 0 {
		return nil, nil, ErrNoSpeakers
	}

	b := models.Broadcast{
		ChannelID:  channelID,
		SpeakerIDs: models.JoinIDs(res.SpeakerIDs()),
		MediaIDs:   models.JoinIDs(res.MediaIDs()),
		TtsIDs:     models.JoinIDs(res.TtsIDs()),
		Ongoing:    true,
	}
	if err := s.db.Create(&b).Error; err != nil {
		s.logger.Error().Err(err).Int64("channel", channelID).Msg("broadcast row create failed")
	}

	err = s.db.Model(&models.Channel{}).Where("id = ?", channelID).
		Update("state", models.ChannelBroadcasting).Error
	if err != nil {
		s.logger.Error().Err(err).Int64("channel", channelID).Msg("channel state update failed")
	}

	if !s.mixer.InitializeMixer(b.ID, channelID, res.Speakers) {
		s.lifecycle.FinalizeBroadcast(channelID)
		return nil, nil, fmt.Errorf("mixer init failed for channel %d", channelID)
	}

	s.mixer.SetVolume(b.ID, mixer.SourceMic, ch.MicVolume)
	s.mixer.SetVolume(b.ID, mixer.SourceMedia, ch.MediaVolume)
	s.mixer.SetVolume(b.ID, mixer.SourceTts, ch.TtsVolume)

	s.bus.Publish(events.EventBroadcastStarted, events.Payload{
		"broadcastId": b.ID,
		"channelId":   channelID,
	})
	return &b, res.Takeovers, nil
}

// Stop finalizes an ongoing broadcast. Safe to call while a scheduled
// executor is holding the same broadcast open; the executor's own finalize
// then finds nothing left to do.
func (s *Service) Stop(broadcastID int64) error {
	var b models.Broadcast
	if err := s.db.First(&b, broadcastID).Error; err != nil {
		return fmt.Errorf("load broadcast %d: %w", broadcastID, err)
	}
	if !b.Ongoing {
		return ErrNotOngoing
	}
	s.lifecycle.FinalizeBroadcast(b.ChannelID)
	return nil
}

// PushMicrophoneData forwards live microphone PCM into the broadcast's
// jitter buffer. Unknown ids are dropped silently; the sender cannot act on
// the failure anyway.
func (s *Service) PushMicrophoneData(broadcastID int64, pcm []byte) {
	s.mixer.AddMicrophoneData(broadcastID, pcm)
}

// Status describes a broadcast row plus live delivery counters.
type Status struct {
	Broadcast models.Broadcast `json:"broadcast"`
	Active    bool             `json:"active"`
	Packets   uint64           `json:"packets"`
	Bytes     uint64           `json:"bytes"`
	UptimeMs  int64            `json:"uptime_ms"`
}

// Status reports the persisted row and, for a live session, delivery stats.
func (s *Service) Status(broadcastID int64) (*Status, error) {
	var b models.Broadcast
	if err := s.db.First(&b, broadcastID).Error; err != nil {
		return nil, fmt.Errorf("load broadcast %d: %w", broadcastID, err)
	}
	st := &Status{Broadcast: b}
	if packets, bytes, uptime, ok := s.mixer.Stats(broadcastID); ok {
		st.Active = true
		st.Packets = packets
		st.Bytes = bytes
		st.UptimeMs = uptime.Milliseconds()
	}
	return st, nil
}

// SetVolume adjusts a live broadcast's gain for one source.
func (s *Service) SetVolume(broadcastID int64, source mixer.VolumeSource, v float64) error {
	if !s.mixer.IsMixerActive(broadcastID) {
		return ErrNotOngoing
	}
	s.mixer.SetVolume(broadcastID, source, v)
	return nil
}

// PlayMedia attaches a media file to a live broadcast without waiting.
func (s *Service) PlayMedia(broadcastID int64, path string) error {
	return s.mixer.AddMediaStream(broadcastID, path)
}

// PlayTts attaches a TTS file to a live broadcast without waiting.
func (s *Service) PlayTts(broadcastID int64, path string) (int64, error) {
	id := s.mixer.AddTtsStream(broadcastID, path)
	if id == 0 {
		return 0, fmt.Errorf("attach tts %s failed", path)
	}
	return id, nil
}
