/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package arbiter decides, per speaker, which channel may drive it. Channels
// compete by priority: a strictly higher priority takes a speaker over, an
// equal or lower one waits. At most one ownership row per speaker is active
// at any time.
package arbiter

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/models"
	"github.com/friendsincode/skald/internal/telemetry"
)

// ClaimResult reports the outcome of a single speaker claim.
type ClaimResult struct {
	// Granted is true when the requesting channel now actively owns the
	// speaker. When false the claim was parked as a waiting record.
	Granted bool
	// Takeover is true when the grant displaced a lower-priority owner.
	Takeover bool
	// PriorOwner is the displaced channel id when Takeover is true.
	PriorOwner int64
}

// Arbiter serializes ownership decisions per speaker and persists them as
// ownership rows. Decisions are batch-loaded and settled in memory before
// the rows are written back.
type Arbiter struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates an arbiter backed by the given store.
func New(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Arbiter {
	return &Arbiter{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "arbiter").Logger(),
		locks:  make(map[int64]*sync.Mutex),
	}
}

// speakerLock returns the mutex serializing all decisions for one speaker.
// The map only grows; speaker counts are small enough that this is fine.
func (a *Arbiter) speakerLock(speakerID int64) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[speakerID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[speakerID] = l
	}
	return l
}

// Claim requests active ownership of a speaker for the given channel.
//
// A free speaker is granted immediately. A speaker owned by a channel that no
// longer exists is released first (zombie cleanup) and then granted. A
// speaker owned by a lower-priority channel is taken over, flipping the prior
// owner's row to waiting. Otherwise the claim is stored as a waiting row and
// the speaker stays with its owner.
func (a *Arbiter) Claim(channel *models.Channel, speakerID int64) ClaimResult {
	l := a.speakerLock(speakerID)
	l.Lock()
	defer l.Unlock()

	var rows []models.SpeakerOwnership
	if err := a.db.Where("speaker_id = ?", speakerID).Find(&rows).Error; err != nil {
		a.logger.Error().Err(err).Int64("speaker", speakerID).Msg("ownership load failed")
		return ClaimResult{}
	}

	var owner *models.SpeakerOwnership
	var own *models.SpeakerOwnership
	for i := range rows {
		switch {
		case rows[i].Active:
			owner = &rows[i]
		case rows[i].ChannelID == channel.ID:
			own = &rows[i]
		}
	}

	if owner != nil && owner.ChannelID == channel.ID {
		return ClaimResult{Granted: true}
	}

	if owner != nil {
		var ownerCh models.Channel
		err := a.db.First(&ownerCh, owner.ChannelID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Zombie owner, its channel is gone. Release before granting.
			a.logger.Warn().
				Int64("speaker", speakerID).
				Int64("channel", owner.ChannelID).
				Msg("releasing ownership of deleted channel")
			a.deleteRow(owner)
			owner = nil
		case err != nil:
			a.logger.Error().Err(err).Int64("channel", owner.ChannelID).Msg("owner channel load failed")
			return ClaimResult{}
		case channel.Priority > ownerCh.Priority:
			return a.takeover(channel, owner, own, speakerID)
		default:
			a.storeRow(own, channel.ID, speakerID, false)
			a.logger.Debug().
				Int64("speaker", speakerID).
				Int64("channel", channel.ID).
				Int64("owner", owner.ChannelID).
				Msg("claim parked as waiting")
			return ClaimResult{}
		}
	}

	a.storeRow(own, channel.ID, speakerID, true)
	a.publishChange(channel.ID, speakerID, true)
	return ClaimResult{Granted: true}
}

// takeover flips the lower-priority owner to waiting and activates the
// requester. The caller holds the speaker lock.
func (a *Arbiter) takeover(channel *models.Channel, owner, own *models.SpeakerOwnership, speakerID int64) ClaimResult {
	prior := owner.ChannelID
	owner.Active = false
	if err := a.db.Save(owner).Error; err != nil {
		a.logger.Error().Err(err).Int64("speaker", speakerID).Msg("owner demotion write failed")
	}
	a.storeRow(own, channel.ID, speakerID, true)

	telemetry.TakeoversTotal.Inc()
	a.logger.Info().
		Int64("speaker", speakerID).
		Int64("channel", channel.ID).
		Int64("prior", prior).
		Msg("speaker taken over")

	a.publishChange(prior, speakerID, false)
	a.publishChange(channel.ID, speakerID, true)
	a.bus.Publish(events.EventOwnershipTakeover, events.Payload{
		"channelId":    channel.ID,
		"speakerId":    speakerID,
		"priorOwnerId": prior,
		"timestamp":    time.Now().UnixMilli(),
	})
	return ClaimResult{Granted: true, Takeover: true, PriorOwner: prior}
}

// ReleaseChannel returns every speaker the channel holds or waits for.
// Waiting rows are deleted outright; stale reservations are not restored.
// For each actively held speaker the highest-priority waiting claimant, if
// any, is promoted, otherwise the speaker returns to unowned.
func (a *Arbiter) ReleaseChannel(channelID int64) {
	var rows []models.SpeakerOwnership
	if err := a.db.Where("channel_id = ?", channelID).Find(&rows).Error; err != nil {
		a.logger.Error().Err(err).Int64("channel", channelID).Msg("ownership load failed")
		return
	}

	for i := range rows {
		row := rows[i]
		l := a.speakerLock(row.SpeakerID)
		l.Lock()
		if row.Active {
			a.releaseActive(&row)
		} else {
			a.deleteRow(&row)
		}
		l.Unlock()
	}
}

// releaseActive hands the speaker to the best waiting claimant or frees it.
// The caller holds the speaker lock.
func (a *Arbiter) releaseActive(row *models.SpeakerOwnership) {
	a.deleteRow(row)
	a.publishChange(row.ChannelID, row.SpeakerID, false)

	var waiting []models.SpeakerOwnership
	err := a.db.Where("speaker_id = ? AND active = ?", row.SpeakerID, false).Find(&waiting).Error
	if err != nil {
		a.logger.Error().Err(err).Int64("speaker", row.SpeakerID).Msg("waiting claimants load failed")
		return
	}
	if len(waiting) == 0 {
		return
	}

	var best *models.SpeakerOwnership
	bestPriority := 0
	for i := range waiting {
		var ch models.Channel
		if err := a.db.First(&ch, waiting[i].ChannelID).Error; err != nil {
			a.deleteRow(&waiting[i])
			continue
		}
		if best == nil || ch.Priority > bestPriority {
			best = &waiting[i]
			bestPriority = ch.Priority
		}
	}
	if best == nil {
		return
	}

	best.Active = true
	if err := a.db.Save(best).Error; err != nil {
		a.logger.Error().Err(err).Int64("speaker", best.SpeakerID).Msg("promotion write failed")
		return
	}
	a.logger.Info().
		Int64("speaker", best.SpeakerID).
		Int64("channel", best.ChannelID).
		Msg("waiting channel promoted to owner")
	a.publishChange(best.ChannelID, best.SpeakerID, true)
}

// ActiveSpeakers returns the speaker ids the channel currently owns.
func (a *Arbiter) ActiveSpeakers(channelID int64) ([]int64, error) {
	var rows []models.SpeakerOwnership
	err := a.db.Where("channel_id = ? AND active = ?", channelID, true).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.SpeakerID)
	}
	return ids, nil
}

// storeRow upserts the channel's ownership row for a speaker. Persistence
// failures are logged, not fatal; live audio matters more than bookkeeping.
func (a *Arbiter) storeRow(existing *models.SpeakerOwnership, channelID, speakerID int64, active bool) {
	if existing == nil {
		existing = &models.SpeakerOwnership{ChannelID: channelID, SpeakerID: speakerID}
	}
	existing.Active = active
	if err := a.db.Save(existing).Error; err != nil {
		a.logger.Error().Err(err).
			Int64("speaker", speakerID).
			Int64("channel", channelID).
			Msg("ownership write failed")
	}
}

func (a *Arbiter) deleteRow(row *models.SpeakerOwnership) {
	if err := a.db.Delete(row).Error; err != nil {
		a.logger.Error().Err(err).
			Int64("speaker", row.SpeakerID).
			Int64("channel", row.ChannelID).
			Msg("ownership delete failed")
	}
}

func (a *Arbiter) publishChange(channelID, speakerID int64, active bool) {
	a.bus.Publish(events.EventOwnershipChanged, events.Payload{
		"channelId": channelID,
		"speakerId": speakerID,
		"isActive":  active,
		"timestamp": time.Now().UnixMilli(),
	})
}
