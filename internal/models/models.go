/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"strconv"
	"strings"
	"time"
)

// ChannelState tracks whether a channel is currently on air.
type ChannelState string

const (
	ChannelIdle         ChannelState = "idle"
	ChannelBroadcasting ChannelState = "broadcasting"
)

// Channel is a logical audio source/destination configuration that can
// claim speakers. Priority is an integer where higher wins.
type Channel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"uniqueIndex"`
	Priority    int    `gorm:"index"`
	SampleRate  int
	Channels    int
	MicVolume   float64
	MediaVolume float64
	TtsVolume   float64
	State       ChannelState `gorm:"type:varchar(16)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Speaker is a networked audio output endpoint.
type Speaker struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Name       string `gorm:"index"`
	IPAddress  string
	VPNAddress string
	UseVPN     bool
	Online     bool
	Deleted    bool `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Address returns the endpoint address frames should be sent to.
func (s Speaker) Address() string {
	if s.UseVPN && s.VPNAddress != "" {
		return s.VPNAddress
	}
	return s.IPAddress
}

// SpeakerGroup is a named collection of speakers.
type SpeakerGroup struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SpeakerGroupMember joins speakers into groups.
type SpeakerGroupMember struct {
	SpeakerGroupID int64 `gorm:"primaryKey"`
	SpeakerID      int64 `gorm:"primaryKey"`
}

// ChannelGroupLink maps a channel to a speaker group.
type ChannelGroupLink struct {
	ChannelID      int64 `gorm:"primaryKey"`
	SpeakerGroupID int64 `gorm:"primaryKey"`
}

// ChannelSpeakerLink maps a channel to a directly assigned speaker.
type ChannelSpeakerLink struct {
	ChannelID int64 `gorm:"primaryKey"`
	SpeakerID int64 `gorm:"primaryKey"`
}

// MediaItem is an uploaded audio asset.
type MediaItem struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"index"`
	Path      string
	Duration  time.Duration
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TTSItem is a synthesized speech asset. Path points at the rendered
// audio file; Text is kept for re-synthesis.
type TTSItem struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"index"`
	Text      string `gorm:"type:text"`
	Path      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChannelMediaLink maps media onto a channel's playlist, ordered by Position.
type ChannelMediaLink struct {
	ChannelID   int64 `gorm:"primaryKey"`
	MediaItemID int64 `gorm:"primaryKey"`
	Position    int
}

// ChannelTTSLink maps TTS items onto a channel's playlist, ordered by Position.
type ChannelTTSLink struct {
	ChannelID int64 `gorm:"primaryKey"`
	TTSItemID int64 `gorm:"primaryKey"`
	Position  int
}

// Schedule fires a set of channels at a fixed time on selected weekdays.
// StartTime is "HH:MM" in server local time.
type Schedule struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	Name           string `gorm:"index"`
	StartTime      string `gorm:"type:varchar(5)"`
	Monday         bool
	Tuesday        bool
	Wednesday      bool
	Thursday       bool
	Friday         bool
	Saturday       bool
	Sunday         bool
	Deleted        bool `gorm:"index"`
	LastExecutedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MatchesWeekday reports whether the schedule is enabled for the given weekday.
func (s Schedule) MatchesWeekday(d time.Weekday) bool {
	switch d {
	case time.Monday:
		return s.Monday
	case time.Tuesday:
		return s.Tuesday
	case time.Wednesday:
		return s.Wednesday
	case time.Thursday:
		return s.Thursday
	case time.Friday:
		return s.Friday
	case time.Saturday:
		return s.Saturday
	case time.Sunday:
		return s.Sunday
	}
	return false
}

// SchedulePlay maps a schedule onto a channel it should start.
type SchedulePlay struct {
	ScheduleID int64 `gorm:"primaryKey"`
	ChannelID  int64 `gorm:"primaryKey"`
}

// Broadcast is one persisted run of audio distribution for a channel.
// SpeakerIDs, MediaIDs, and TtsIDs are space-joined id lists.
type Broadcast struct {
	ID         int64 `gorm:"primaryKey;autoIncrement"`
	ChannelID  int64 `gorm:"index"`
	SpeakerIDs string
	MediaIDs   string
	TtsIDs     string
	Ongoing    bool `gorm:"index"`
	Loopback   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SpeakerOwnership records which channel may drive a speaker. At most one
// record per speaker has Active=true; inactive records are channels waiting
// to acquire the speaker.
type SpeakerOwnership struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	SpeakerID int64 `gorm:"index"`
	ChannelID int64 `gorm:"index"`
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JoinIDs renders an id list as the space-joined form stored on Broadcast.
func JoinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, " ")
}

// SplitIDs parses a space-joined id list; malformed elements are skipped.
func SplitIDs(joined string) []int64 {
	fields := strings.Fields(joined)
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		if id, err := strconv.ParseInt(f, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
