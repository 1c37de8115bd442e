/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package lifecycle drives a broadcast from content playback to teardown.
// Unattended playback is sequential: one item is attached to the mixer and
// polled until its end-of-stream auto-removal, then the next starts.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/skald/internal/arbiter"
	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/mixer"
	"github.com/friendsincode/skald/internal/models"
)

// PlaybackPollInterval bounds how stale a "still playing" answer can be.
const PlaybackPollInterval = 200 * time.Millisecond

// Manager sequences playback and finalization for broadcasts.
type Manager struct {
	db      *gorm.DB
	mixer   *mixer.Engine
	arbiter *arbiter.Arbiter
	bus     *events.Bus
	logger  zerolog.Logger
}

func New(db *gorm.DB, mix *mixer.Engine, arb *arbiter.Arbiter, bus *events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		db:      db,
		mixer:   mix,
		arbiter: arb,
		bus:     bus,
		logger:  logger.With().Str("component", "lifecycle").Logger(),
	}
}

// PlayMediaAndWait attaches one media file and blocks until it finishes
// playing or ctx is cancelled. The mixer detaches the stream itself at end
// of stream; this only polls for that flag to clear.
func (m *Manager) PlayMediaAndWait(ctx context.Context, broadcastID int64, path string) error {
	if err := m.mixer.AddMediaStream(broadcastID, path); err != nil {
		return fmt.Errorf("attach media %s: %w", path, err)
	}
	return m.pollUntilClear(ctx, broadcastID, m.mixer.HasActiveMediaStream)
}

// PlayTtsAndWait attaches one TTS file and blocks until it finishes playing
// or ctx is cancelled.
func (m *Manager) PlayTtsAndWait(ctx context.Context, broadcastID int64, path string) error {
	if id := m.mixer.AddTtsStream(broadcastID, path); id == 0 {
		return fmt.Errorf("attach tts %s failed", path)
	}
	return m.pollUntilClear(ctx, broadcastID, m.mixer.HasActiveTtsStream)
}

func (m *Manager) pollUntilClear(ctx context.Context, broadcastID int64, active func(int64) bool) error {
	ticker := time.NewTicker(PlaybackPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !active(broadcastID) {
				return nil
			}
		}
	}
}

// FinalizeBroadcast tears down the channel's most recent ongoing broadcast:
// stop content, stop the mixer, persist terminal state, release ownership.
// Every step runs even when an earlier one fails; teardown is best effort.
func (m *Manager) FinalizeBroadcast(channelID int64) {
	var b models.Broadcast
	haveRow := true
	err := m.db.Where("channel_id = ? AND ongoing = ?", channelID, true).
		Order("created_at DESC").First(&b).Error
	if err != nil {
		haveRow = false
		m.logger.Warn().Err(err).Int64("channel", channelID).Msg("no ongoing broadcast row found")
		// The row create at start is best effort, so a live session can
		// exist without one. Locate it by channel so it still gets stopped.
		if id, ok := m.mixer.ActiveBroadcastForChannel(channelID); ok {
			b.ID = id
		}
	}

	if b.ID != 0 {
		m.mixer.RemoveMediaStream(b.ID)
		m.mixer.RemoveAllTtsStreams(b.ID)
		m.mixer.StopMixer(b.ID)
	}

	if haveRow {
		b.Ongoing = false
		if err := m.db.Save(&b).Error; err != nil {
			m.logger.Error().Err(err).Int64("broadcast", b.ID).Msg("broadcast row update failed")
		}
	}

	err = m.db.Model(&models.Channel{}).Where("id = ?", channelID).
		Update("state", models.ChannelIdle).Error
	if err != nil {
		m.logger.Error().Err(err).Int64("channel", channelID).Msg("channel state update failed")
	}

	m.arbiter.ReleaseChannel(channelID)

	m.bus.Publish(events.EventBroadcastStopped, events.Payload{
		"channelId":   channelID,
		"broadcastId": b.ID,
	})
	m.logger.Info().Int64("channel", channelID).Int64("broadcast", b.ID).Msg("broadcast finalized")
}
