/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"github.com/friendsincode/skald/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	return database.AutoMigrate(
		// Channels and speakers
		&models.Channel{},
		&models.Speaker{},
		&models.SpeakerGroup{},
		&models.SpeakerGroupMember{},
		&models.ChannelGroupLink{},
		&models.ChannelSpeakerLink{},

		// Content
		&models.MediaItem{},
		&models.TTSItem{},
		&models.ChannelMediaLink{},
		&models.ChannelTTSLink{},

		// Scheduling
		&models.Schedule{},
		&models.SchedulePlay{},

		// Runtime records
		&models.Broadcast{},
		&models.SpeakerOwnership{},
	)
}
