/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package arbiter

import (
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/models"
)

func setup(t *testing.T) (*gorm.DB, *events.Bus, *Arbiter) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Channel{}, &models.SpeakerOwnership{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	bus := events.NewBus()
	return db, bus, New(db, bus, zerolog.Nop())
}

func makeChannel(t *testing.T, db *gorm.DB, name string, priority int) *models.Channel {
	t.Helper()
	ch := &models.Channel{Name: name, Priority: priority, State: models.ChannelIdle}
	if err := db.Create(ch).Error; err != nil {
		t.Fatalf("create channel: %v", err)
	}
	return ch
}

// assertSingleActive checks the core invariant: at most one active ownership
// row per speaker.
func assertSingleActive(t *testing.T, db *gorm.DB, speakerID int64) {
	t.Helper()
	var count int64
	db.Model(&models.SpeakerOwnership{}).
		Where("speaker_id = ? AND active = ?", speakerID, true).Count(&count)
	if count > 1 {
		t.Fatalf("speaker %d has %d active owners, want at most 1", speakerID, count)
	}
}

func activeOwner(t *testing.T, db *gorm.DB, speakerID int64) (int64, bool) {
	t.Helper()
	var row models.SpeakerOwnership
	err := db.Where("speaker_id = ? AND active = ?", speakerID, true).First(&row).Error
	if err != nil {
		return 0, false
	}
	return row.ChannelID, true
}

func TestClaimFreeSpeaker(t *testing.T) {
	db, _, arb := setup(t)
	a := makeChannel(t, db, "a", 10)

	res := arb.Claim(a, 1)
	if !res.Granted || res.Takeover {
		t.Fatalf("claim = %+v, want plain grant", res)
	}
	if owner, ok := activeOwner(t, db, 1); !ok || owner != a.ID {
		t.Fatalf("active owner = %d (%v), want channel %d", owner, ok, a.ID)
	}
	assertSingleActive(t, db, 1)
}

func TestClaimIsIdempotentForCurrentOwner(t *testing.T) {
	db, _, arb := setup(t)
	a := makeChannel(t, db, "a", 10)

	arb.Claim(a, 1)
	res := arb.Claim(a, 1)
	if !res.Granted {
		t.Fatal("repeat claim by the owner must stay granted")
	}

	var count int64
	db.Model(&models.SpeakerOwnership{}).Where("speaker_id = ?", 1).Count(&count)
	if count != 1 {
		t.Fatalf("%d ownership rows, want 1", count)
	}
}

func TestLowerPriorityClaimWaits(t *testing.T) {
	db, _, arb := setup(t)
	a := makeChannel(t, db, "a", 10)
	b := makeChannel(t, db, "b", 5)

	arb.Claim(a, 1)
	res := arb.Claim(b, 1)
	if res.Granted {
		t.Fatal("lower priority claim must not be granted")
	}

	if owner, _ := activeOwner(t, db, 1); owner != a.ID {
		t.Fatalf("owner changed to %d, want %d", owner, a.ID)
	}
	var waiting models.SpeakerOwnership
	err := db.Where("speaker_id = ? AND channel_id = ? AND active = ?", 1, b.ID, false).
		First(&waiting).Error
	if err != nil {
		t.Fatalf("waiting row for channel b not recorded: %v", err)
	}
	assertSingleActive(t, db, 1)
}

func TestEqualPriorityDoesNotTakeOver(t *testing.T) {
	db, _, arb := setup(t)
	a := makeChannel(t, db, "a", 10)
	b := makeChannel(t, db, "b", 10)

	arb.Claim(a, 1)
	if res := arb.Claim(b, 1); res.Granted {
		t.Fatal("equal priority must not take over")
	}
	if owner, _ := activeOwner(t, db, 1); owner != a.ID {
		t.Fatalf("owner = %d, want %d", owner, a.ID)
	}
}

func TestHigherPriorityTakesOver(t *testing.T) {
	db, bus, arb := setup(t)
	a := makeChannel(t, db, "a", 5)
	b := makeChannel(t, db, "b", 10)

	takeovers := bus.Subscribe(events.EventOwnershipTakeover)

	arb.Claim(a, 1)
	res := arb.Claim(b, 1)
	if !res.Granted || !res.Takeover || res.PriorOwner != a.ID {
		t.Fatalf("claim = %+v, want takeover from channel %d", res, a.ID)
	}

	if owner, _ := activeOwner(t, db, 1); owner != b.ID {
		t.Fatalf("owner = %d, want %d", owner, b.ID)
	}

	// Prior owner is parked as waiting, not deleted.
	var demoted models.SpeakerOwnership
	err := db.Where("speaker_id = ? AND channel_id = ? AND active = ?", 1, a.ID, false).
		First(&demoted).Error
	if err != nil {
		t.Fatalf("demoted owner row missing: %v", err)
	}
	assertSingleActive(t, db, 1)

	select {
	case payload := <-takeovers:
		if payload["priorOwnerId"] != a.ID || payload["channelId"] != b.ID {
			t.Fatalf("takeover event = %v, want prior=%d new=%d", payload, a.ID, b.ID)
		}
	default:
		t.Fatal("no takeover event published")
	}
}

func TestReleasePromotesHighestPriorityWaiter(t *testing.T) {
	db, bus, arb := setup(t)
	a := makeChannel(t, db, "a", 10)
	b := makeChannel(t, db, "b", 5)
	c := makeChannel(t, db, "c", 7)

	arb.Claim(a, 1)
	arb.Claim(b, 1)
	arb.Claim(c, 1)

	changes := bus.Subscribe(events.EventOwnershipChanged)
	arb.ReleaseChannel(a.ID)

	if owner, ok := activeOwner(t, db, 1); !ok || owner != c.ID {
		t.Fatalf("promoted owner = %d (%v), want channel c %d", owner, ok, c.ID)
	}
	assertSingleActive(t, db, 1)

	// The change feed must name c as the new active owner.
	sawPromotion := false
	for {
		select {
		case payload := <-changes:
			if payload["channelId"] == c.ID && payload["isActive"] == true {
				sawPromotion = true
			}
		default:
			if !sawPromotion {
				t.Fatal("no ownership-changed event for promoted channel")
			}
			return
		}
	}
}

func TestReleaseWithoutWaitersFreesSpeaker(t *testing.T) {
	db, _, arb := setup(t)
	a := makeChannel(t, db, "a", 10)

	arb.Claim(a, 1)
	arb.ReleaseChannel(a.ID)

	var count int64
	db.Model(&models.SpeakerOwnership{}).Where("speaker_id = ?", 1).Count(&count)
	if count != 0 {
		t.Fatalf("%d ownership rows after release, want 0", count)
	}

	b := makeChannel(t, db, "b", 1)
	if res := arb.Claim(b, 1); !res.Granted || res.Takeover {
		t.Fatalf("freed speaker claim = %+v, want plain grant", res)
	}
}

func TestReleaseDiscardsOwnWaitingRows(t *testing.T) {
	db, _, arb := setup(t)
	a := makeChannel(t, db, "a", 10)
	b := makeChannel(t, db, "b", 5)

	arb.Claim(a, 1)
	arb.Claim(b, 1) // parked as waiting

	arb.ReleaseChannel(b.ID)

	var count int64
	db.Model(&models.SpeakerOwnership{}).Where("channel_id = ?", b.ID).Count(&count)
	if count != 0 {
		t.Fatalf("%d rows for releasing waiter, want 0", count)
	}
	if owner, _ := activeOwner(t, db, 1); owner != a.ID {
		t.Fatalf("owner disturbed by waiter release: %d", owner)
	}
}

func TestZombieOwnerIsReleasedOnClaim(t *testing.T) {
	db, _, arb := setup(t)

	// Active row for a channel that no longer exists.
	if err := db.Create(&models.SpeakerOwnership{SpeakerID: 1, ChannelID: 999, Active: true}).Error; err != nil {
		t.Fatal(err)
	}

	b := makeChannel(t, db, "b", 1)
	res := arb.Claim(b, 1)
	if !res.Granted || res.Takeover {
		t.Fatalf("claim over zombie = %+v, want plain grant", res)
	}
	if owner, _ := activeOwner(t, db, 1); owner != b.ID {
		t.Fatalf("owner = %d, want %d", owner, b.ID)
	}

	var count int64
	db.Model(&models.SpeakerOwnership{}).Where("channel_id = ?", 999).Count(&count)
	if count != 0 {
		t.Fatalf("zombie rows remaining: %d", count)
	}
}

func TestActiveSpeakers(t *testing.T) {
	db, _, arb := setup(t)
	a := makeChannel(t, db, "a", 10)
	b := makeChannel(t, db, "b", 5)

	arb.Claim(a, 1)
	arb.Claim(a, 2)
	arb.Claim(b, 2) // waiting, must not appear

	ids, err := arb.ActiveSpeakers(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("active speakers = %v, want two", ids)
	}
	if ids2, _ := arb.ActiveSpeakers(b.ID); len(ids2) != 0 {
		t.Fatalf("waiting channel reports active speakers: %v", ids2)
	}
}
