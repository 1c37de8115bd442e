/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package orchestrator

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/skald/internal/arbiter"
	"github.com/friendsincode/skald/internal/codec"
	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/lifecycle"
	"github.com/friendsincode/skald/internal/mixer"
	"github.com/friendsincode/skald/internal/models"
	"github.com/friendsincode/skald/internal/prepare"
)

type nullSink struct{}

func (nullSink) SendToSpeakers(int64, []models.Speaker, []byte) {}

func setup(t *testing.T) (*gorm.DB, *events.Bus, *Orchestrator) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(&models.Schedule{}, &models.SchedulePlay{}, &models.Channel{})
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	bus := events.NewBus()
	o := New(db, nil, nil, nil, bus, 10*time.Second, zerolog.Nop())
	return db, bus, o
}

// setupExec wires the full executor dependency chain over one in-memory
// database, with a passthrough PCM encoder.
func setupExec(t *testing.T) (*gorm.DB, *events.Bus, *mixer.Engine, *Orchestrator) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&models.Schedule{}, &models.SchedulePlay{}, &models.Channel{},
		&models.Speaker{}, &models.ChannelSpeakerLink{}, &models.ChannelGroupLink{},
		&models.SpeakerGroup{}, &models.SpeakerGroupMember{},
		&models.MediaItem{}, &models.TTSItem{}, &models.ChannelMediaLink{},
		&models.ChannelTTSLink{}, &models.Broadcast{}, &models.SpeakerOwnership{},
	)
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	bus := events.NewBus()
	mix := mixer.New(db, &nullSink{}, bus, 64000, zerolog.Nop())
	mix.NewEncoder = func(codec.Config) (codec.Encoder, error) {
		return codec.NewPCMEncoder(), nil
	}
	arb := arbiter.New(db, bus, zerolog.Nop())
	prep := prepare.New(db, arb, zerolog.Nop())
	lc := lifecycle.New(db, mix, arb, bus, zerolog.Nop())
	o := New(db, prep, lc, mix, bus, 10*time.Second, zerolog.Nop())
	return db, bus, mix, o
}

func writeWAV(t *testing.T, path string, rate, channels int, samples []int16) {
	t.Helper()

	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate*channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}
}

// everyDaySchedule fires at the given HH:MM on all weekdays.
func everyDaySchedule(t *testing.T, db *gorm.DB, name, startTime string) *models.Schedule {
	t.Helper()
	sch := &models.Schedule{
		Name: name, StartTime: startTime,
		Monday: true, Tuesday: true, Wednesday: true, Thursday: true,
		Friday: true, Saturday: true, Sunday: true,
	}
	if err := db.Create(sch).Error; err != nil {
		t.Fatal(err)
	}
	return sch
}

func TestScanEnqueuesDueSchedule(t *testing.T) {
	db, bus, o := setup(t)

	now := time.Date(2026, 3, 5, 9, 30, 12, 0, time.Local)
	sch := everyDaySchedule(t, db, "morning", "09:30")
	fired := bus.Subscribe(events.EventScheduleFired)

	o.scan(now)

	if got := o.QueueLen(); got != 1 {
		t.Fatalf("queue length = %d, want 1", got)
	}

	var updated models.Schedule
	db.First(&updated, sch.ID)
	if updated.LastExecutedAt == nil || !updated.LastExecutedAt.Equal(now) {
		t.Fatalf("last executed = %v, want %v", updated.LastExecutedAt, now)
	}

	select {
	case payload := <-fired:
		if payload["scheduleId"] != sch.ID {
			t.Fatalf("fired payload = %v", payload)
		}
	default:
		t.Fatal("no schedule-fired event")
	}
}

func TestScanDoesNotDoubleFire(t *testing.T) {
	db, _, o := setup(t)

	everyDaySchedule(t, db, "morning", "09:30")
	now := time.Date(2026, 3, 5, 9, 30, 2, 0, time.Local)

	o.scan(now)
	o.scan(now.Add(8 * time.Second)) // next tick, same minute
	o.scan(now.Add(16 * time.Second))

	if got := o.QueueLen(); got != 1 {
		t.Fatalf("queue length = %d after overlapping scans, want 1", got)
	}
}

func TestScanRefiresTheNextDay(t *testing.T) {
	db, _, o := setup(t)

	sch := everyDaySchedule(t, db, "morning", "09:30")
	yesterday := time.Date(2026, 3, 4, 9, 30, 0, 0, time.Local)
	db.Model(sch).Update("last_executed_at", yesterday)

	o.scan(time.Date(2026, 3, 5, 9, 30, 0, 0, time.Local))

	if got := o.QueueLen(); got != 1 {
		t.Fatalf("queue length = %d, want 1 for a new day", got)
	}
}

func TestScanSkipsWrongTimeAndWeekday(t *testing.T) {
	db, _, o := setup(t)

	everyDaySchedule(t, db, "morning", "09:30")

	// 2026-03-05 is a Thursday.
	thursdayOnly := &models.Schedule{Name: "thu", StartTime: "10:00", Thursday: true}
	db.Create(thursdayOnly)

	// Right day, wrong minute.
	o.scan(time.Date(2026, 3, 5, 9, 31, 0, 0, time.Local))
	if got := o.QueueLen(); got != 0 {
		t.Fatalf("queue length = %d, want 0 for wrong minute", got)
	}

	// Friday 10:00 does not match a Thursday-only schedule.
	o.scan(time.Date(2026, 3, 6, 10, 0, 0, 0, time.Local))
	if got := o.QueueLen(); got != 0 {
		t.Fatalf("queue length = %d, want 0 for wrong weekday", got)
	}
}

func TestScanSkipsDeletedSchedules(t *testing.T) {
	db, _, o := setup(t)

	sch := everyDaySchedule(t, db, "gone", "09:30")
	db.Model(sch).Update("deleted", true)

	o.scan(time.Date(2026, 3, 5, 9, 30, 0, 0, time.Local))
	if got := o.QueueLen(); got != 0 {
		t.Fatalf("queue length = %d, want 0 for deleted schedule", got)
	}
}

func TestQueueIsFIFO(t *testing.T) {
	_, _, o := setup(t)

	o.enqueue(7)
	o.enqueue(8)
	o.enqueue(9)

	for _, want := range []int64{7, 8, 9} {
		got, ok := o.dequeue()
		if !ok || got != want {
			t.Fatalf("dequeue = %d (%v), want %d", got, ok, want)
		}
	}
}

func TestExecuteRunsScheduledBroadcast(t *testing.T) {
	db, bus, mix, o := setupExec(t)

	ch := &models.Channel{
		Name: "hall", Priority: 5, State: models.ChannelIdle,
		MicVolume: 0.8, MediaVolume: 0.6, TtsVolume: 0.7,
	}
	db.Create(ch)
	sp := &models.Speaker{Name: "lobby", IPAddress: "10.0.0.1", Online: true}
	db.Create(sp)
	db.Create(&models.ChannelSpeakerLink{ChannelID: ch.ID, SpeakerID: sp.ID})

	// 0.25 s of audio at the 16 kHz mono fallback format.
	path := filepath.Join(t.TempDir(), "jingle.wav")
	writeWAV(t, path, 16000, 1, make([]int16, 4000))
	item := &models.MediaItem{Name: "jingle", Path: path}
	db.Create(item)
	db.Create(&models.ChannelMediaLink{ChannelID: ch.ID, MediaItemID: item.ID, Position: 1})

	sch := everyDaySchedule(t, db, "morning", "09:30")
	db.Create(&models.SchedulePlay{ScheduleID: sch.ID, ChannelID: ch.ID})

	started := bus.Subscribe(events.EventBroadcastStarted)
	done := make(chan struct{})
	go func() {
		o.execute(context.Background(), sch.ID)
		close(done)
	}()

	var broadcastID int64
	select {
	case payload := <-started:
		id, ok := payload["broadcastId"].(int64)
		if !ok {
			t.Fatalf("started payload = %v", payload)
		}
		broadcastID = id
		if payload["scheduleId"] != sch.ID {
			t.Fatalf("started scheduleId = %v, want %d", payload["scheduleId"], sch.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no broadcast-started event")
	}

	if !mix.IsMixerActive(broadcastID) {
		t.Fatal("mixer not active while the executor holds the broadcast")
	}

	var b models.Broadcast
	if err := db.First(&b, broadcastID).Error; err != nil {
		t.Fatalf("broadcast row: %v", err)
	}
	if !b.Ongoing || b.ChannelID != ch.ID {
		t.Fatalf("broadcast row = %+v, want ongoing for channel %d", b, ch.ID)
	}
	if got := models.SplitIDs(b.SpeakerIDs); len(got) != 1 || got[0] != sp.ID {
		t.Fatalf("broadcast speakers = %v, want [%d]", got, sp.ID)
	}

	var live models.Channel
	db.First(&live, ch.ID)
	if live.State != models.ChannelBroadcasting {
		t.Fatalf("channel state = %s, want broadcasting", live.State)
	}

	// An operator stop deactivates the mixer; the executor must notice and
	// finalize on its own.
	mix.StopMixer(broadcastID)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not finalize after external stop")
	}

	db.First(&b, broadcastID)
	if b.Ongoing {
		t.Fatal("broadcast row still ongoing after finalize")
	}
	db.First(&live, ch.ID)
	if live.State != models.ChannelIdle {
		t.Fatalf("channel state = %s, want idle", live.State)
	}
	var ownCount int64
	db.Model(&models.SpeakerOwnership{}).Where("channel_id = ?", ch.ID).Count(&ownCount)
	if ownCount != 0 {
		t.Fatalf("%d ownership rows remain, want 0", ownCount)
	}
}

func TestExecuteSkipsBroadcastingChannel(t *testing.T) {
	db, _, _, o := setupExec(t)

	ch := &models.Channel{Name: "busy", State: models.ChannelBroadcasting}
	db.Create(ch)
	sch := everyDaySchedule(t, db, "morning", "09:30")
	db.Create(&models.SchedulePlay{ScheduleID: sch.ID, ChannelID: ch.ID})

	o.execute(context.Background(), sch.ID)

	var count int64
	db.Model(&models.Broadcast{}).Count(&count)
	if count != 0 {
		t.Fatalf("%d broadcast rows created for a busy channel, want 0", count)
	}
	var got models.Channel
	db.First(&got, ch.ID)
	if got.State != models.ChannelBroadcasting {
		t.Fatalf("channel state = %s, must stay broadcasting", got.State)
	}
}

func TestExecuteSkipsChannelWithoutWonSpeakers(t *testing.T) {
	db, _, mix, o := setupExec(t)

	owner := &models.Channel{Name: "owner", Priority: 10, State: models.ChannelIdle}
	db.Create(owner)
	ch := &models.Channel{Name: "low", Priority: 1, State: models.ChannelIdle}
	db.Create(ch)
	sp := &models.Speaker{Name: "lobby", IPAddress: "10.0.0.1", Online: true}
	db.Create(sp)
	db.Create(&models.ChannelSpeakerLink{ChannelID: ch.ID, SpeakerID: sp.ID})
	db.Create(&models.SpeakerOwnership{SpeakerID: sp.ID, ChannelID: owner.ID, Active: true})

	sch := everyDaySchedule(t, db, "morning", "09:30")
	db.Create(&models.SchedulePlay{ScheduleID: sch.ID, ChannelID: ch.ID})

	o.execute(context.Background(), sch.ID)

	var count int64
	db.Model(&models.Broadcast{}).Count(&count)
	if count != 0 {
		t.Fatalf("%d broadcast rows created with no speakers won, want 0", count)
	}
	if _, ok := mix.ActiveBroadcastForChannel(ch.ID); ok {
		t.Fatal("mixer session exists for a skipped channel")
	}

	// The lost claim must not linger as a waiting reservation.
	var lowRows int64
	db.Model(&models.SpeakerOwnership{}).Where("channel_id = ?", ch.ID).Count(&lowRows)
	if lowRows != 0 {
		t.Fatalf("%d ownership rows remain for the skipped channel, want 0", lowRows)
	}
	var ownerRows int64
	db.Model(&models.SpeakerOwnership{}).Where("channel_id = ? AND active = ?", owner.ID, true).Count(&ownerRows)
	if ownerRows != 1 {
		t.Fatalf("owner has %d active rows, want 1", ownerRows)
	}
}

func TestDequeueReturnsFalseAfterStop(t *testing.T) {
	_, _, o := setup(t)

	done := make(chan struct{})
	go func() {
		_, ok := o.dequeue()
		if ok {
			t.Error("dequeue on stopped empty queue must report false")
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	o.mu.Lock()
	o.stopped = true
	o.cond.Broadcast()
	o.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not unblock on stop")
	}
}
