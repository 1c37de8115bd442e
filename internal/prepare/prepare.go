/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package prepare assembles everything a broadcast needs before the mixer
// starts: the speaker set the channel actually won, and the channel's ordered
// media and TTS playlist.
package prepare

import (
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/skald/internal/arbiter"
	"github.com/friendsincode/skald/internal/models"
)

// PlaylistKind tags a playlist entry as media or synthesized speech.
type PlaylistKind int

const (
	KindMedia PlaylistKind = iota
	KindTts
)

// PlaylistEntry is one item of a channel's ordered playlist.
type PlaylistEntry struct {
	Kind PlaylistKind
	ID   int64
	Name string
	Path string
}

// Takeover records a speaker won from a lower-priority channel, for operator
// notification.
type Takeover struct {
	SpeakerID  int64
	PriorOwner int64
}

// Result is everything resolved for a broadcast start.
type Result struct {
	Channel   models.Channel
	Speakers  []models.Speaker
	Playlist  []PlaylistEntry
	Takeovers []Takeover
}

// MediaIDs returns the media item ids in playlist order.
func (r *Result) MediaIDs() []int64 { return r.kindIDs(KindMedia) }

// TtsIDs returns the TTS item ids in playlist order.
func (r *Result) TtsIDs() []int64 { return r.kindIDs(KindTts) }

func (r *Result) kindIDs(kind PlaylistKind) []int64 {
	var ids []int64
	for _, e := range r.Playlist {
		if e.Kind == kind {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// SpeakerIDs returns the ids of the speakers won for this broadcast.
func (r *Result) SpeakerIDs() []int64 {
	ids := make([]int64, len(r.Speakers))
	for i, sp := range r.Speakers {
		ids[i] = sp.ID
	}
	return ids
}

// Service resolves speakers and playlists for broadcast starts.
type Service struct {
	db      *gorm.DB
	arbiter *arbiter.Arbiter
	logger  zerolog.Logger
}

func New(db *gorm.DB, arb *arbiter.Arbiter, logger zerolog.Logger) *Service {
	return &Service{
		db:      db,
		arbiter: arb,
		logger:  logger.With().Str("component", "prepare").Logger(),
	}
}

// Prepare resolves the candidate speakers for a channel, claims each through
// the arbiter, and loads the channel's playlist. When groupIDs is non-empty
// it overrides the channel's persisted group and direct-speaker mappings.
// Only speakers the channel actively won are returned; losing a contested
// speaker is not an error.
func (s *Service) Prepare(channelID int64, groupIDs []int64) (*Result, error) {
	var channel models.Channel
	if err := s.db.First(&channel, channelID).Error; err != nil {
		return nil, fmt.Errorf("load channel %d: %w", channelID, err)
	}

	candidates, err := s.resolveSpeakers(channelID, groupIDs)
	if err != nil {
		return nil, err
	}

	res := &Result{Channel: channel}
	for _, sp := range candidates {
		claim := s.arbiter.Claim(&channel, sp.ID)
		if !claim.Granted {
			s.logger.Debug().
				Int64("channel", channelID).
				Int64("speaker", sp.ID).
				Msg("speaker held by higher-priority channel, skipping")
			continue
		}
		if claim.Takeover {
			res.Takeovers = append(res.Takeovers, Takeover{SpeakerID: sp.ID, PriorOwner: claim.PriorOwner})
		}
		res.Speakers = append(res.Speakers, sp)
	}

	// Every lost claim parked a waiting row. When nothing was won the
	// broadcast will not start, so abandon those reservations now; a later
	// release must not promote a channel with no session behind it.
	if len(res.Speakers) == 0 && len(candidates) > 0 {
		s.arbiter.ReleaseChannel(channelID)
	}

	res.Playlist, err = s.loadPlaylist(channelID)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("channel", channelID).
		Int("candidates", len(candidates)).
		Int("won", len(res.Speakers)).
		Int("takeovers", len(res.Takeovers)).
		Int("playlist", len(res.Playlist)).
		Msg("broadcast prepared")
	return res, nil
}

// resolveSpeakers unions group members and direct assignments, de-duplicates,
// and keeps only speakers that are online and not soft-deleted.
func (s *Service) resolveSpeakers(channelID int64, groupIDs []int64) ([]models.Speaker, error) {
	idSet := make(map[int64]struct{})

	if len(groupIDs) == 0 {
		var links []models.ChannelGroupLink
		if err := s.db.Where("channel_id = ?", channelID).Find(&links).Error; err != nil {
			return nil, fmt.Errorf("load group links: %w", err)
		}
		for _, l := range links {
			groupIDs = append(groupIDs, l.SpeakerGroupID)
		}

		var direct []models.ChannelSpeakerLink
		if err := s.db.Where("channel_id = ?", channelID).Find(&direct).Error; err != nil {
			return nil, fmt.Errorf("load speaker links: %w", err)
		}
		for _, l := range direct {
			idSet[l.SpeakerID] = struct{}{}
		}
	}

	if len(groupIDs) > 0 {
		var members []models.SpeakerGroupMember
		if err := s.db.Where("speaker_group_id IN ?", groupIDs).Find(&members).Error; err != nil {
			return nil, fmt.Errorf("load group members: %w", err)
		}
		for _, m := range members {
			idSet[m.SpeakerID] = struct{}{}
		}
	}

	if len(idSet) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	var speakers []models.Speaker
	err := s.db.Where("id IN ? AND online = ? AND deleted = ?", ids, true, false).
		Order("id").Find(&speakers).Error
	if err != nil {
		return nil, fmt.Errorf("load speakers: %w", err)
	}
	return speakers, nil
}

// loadPlaylist reads the channel's media and TTS mappings, each in its stored
// position order, media first.
func (s *Service) loadPlaylist(channelID int64) ([]PlaylistEntry, error) {
	var playlist []PlaylistEntry

	var mediaLinks []models.ChannelMediaLink
	err := s.db.Where("channel_id = ?", channelID).Order("position").Find(&mediaLinks).Error
	if err != nil {
		return nil, fmt.Errorf("load media links: %w", err)
	}
	for _, l := range mediaLinks {
		var item models.MediaItem
		if err := s.db.First(&item, l.MediaItemID).Error; err != nil {
			s.logger.Warn().Err(err).Int64("media", l.MediaItemID).Msg("media item missing, skipping")
			continue
		}
		playlist = append(playlist, PlaylistEntry{Kind: KindMedia, ID: item.ID, Name: item.Name, Path: item.Path})
	}

	var ttsLinks []models.ChannelTTSLink
	err = s.db.Where("channel_id = ?", channelID).Order("position").Find(&ttsLinks).Error
	if err != nil {
		return nil, fmt.Errorf("load tts links: %w", err)
	}
	for _, l := range ttsLinks {
		var item models.TTSItem
		if err := s.db.First(&item, l.TTSItemID).Error; err != nil {
			s.logger.Warn().Err(err).Int64("tts", l.TTSItemID).Msg("tts item missing, skipping")
			continue
		}
		playlist = append(playlist, PlaylistEntry{Kind: KindTts, ID: item.ID, Name: item.Name, Path: item.Path})
	}

	return playlist, nil
}
