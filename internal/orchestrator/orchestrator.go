/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package orchestrator starts unattended broadcasts. A scanner finds
// schedules due at the current minute and enqueues each at most once per
// day; a single executor runs the matched channels strictly sequentially.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/lifecycle"
	"github.com/friendsincode/skald/internal/mixer"
	"github.com/friendsincode/skald/internal/models"
	"github.com/friendsincode/skald/internal/prepare"
	"github.com/friendsincode/skald/internal/telemetry"
)

// executorPollInterval paces the "mixer still active" wait during a
// scheduled broadcast.
const executorPollInterval = time.Second

// Orchestrator owns the schedule scanner and the sequential executor. A slow
// broadcast delays later scheduled starts; that is accepted behavior, the
// executor is deliberately not parallel.
type Orchestrator struct {
	db           *gorm.DB
	prepare      *prepare.Service
	lifecycle    *lifecycle.Manager
	mixer        *mixer.Engine
	bus          *events.Bus
	logger       zerolog.Logger
	scanInterval time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []int64
	stopped bool

	wg sync.WaitGroup
}

func New(db *gorm.DB, prep *prepare.Service, lc *lifecycle.Manager, mix *mixer.Engine, bus *events.Bus, scanInterval time.Duration, logger zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		db:           db,
		prepare:      prep,
		lifecycle:    lc,
		mixer:        mix,
		bus:          bus,
		logger:       logger.With().Str("component", "orchestrator").Logger(),
		scanInterval: scanInterval,
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Start launches the scanner and executor. Both stop when ctx is cancelled;
// Wait blocks until they have.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(2)
	go o.scanLoop(ctx)
	go o.executeLoop(ctx)

	go func() {
		<-ctx.Done()
		o.mu.Lock()
		o.stopped = true
		o.cond.Broadcast()
		o.mu.Unlock()
	}()
}

// Wait blocks until the scanner and executor have exited.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) scanLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.scan(time.Now())
		}
	}
}

// scan enqueues every schedule due at the given instant that has not fired
// today. Firing is a conditional update on the last-executed timestamp, so
// two overlapping scans cannot enqueue the same schedule twice.
func (o *Orchestrator) scan(now time.Time) {
	telemetry.SchedulerTicksTotal.Inc()

	var schedules []models.Schedule
	if err := o.db.Where("deleted = ?", false).Find(&schedules).Error; err != nil {
		telemetry.SchedulerErrorsTotal.WithLabelValues("scan").Inc()
		o.logger.Error().Err(err).Msg("schedule load failed")
		return
	}

	hhmm := now.Format("15:04")
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	for _, sch := range schedules {
		if !sch.MatchesWeekday(now.Weekday()) || sch.StartTime != hhmm {
			continue
		}

		res := o.db.Model(&models.Schedule{}).
			Where("id = ? AND (last_executed_at IS NULL OR last_executed_at < ?)", sch.ID, midnight).
			Update("last_executed_at", now)
		if res.Error != nil {
			telemetry.SchedulerErrorsTotal.WithLabelValues("scan").Inc()
			o.logger.Error().Err(res.Error).Int64("schedule", sch.ID).Msg("schedule fire update failed")
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}

		o.logger.Info().Int64("schedule", sch.ID).Str("name", sch.Name).Msg("schedule fired")
		o.bus.Publish(events.EventScheduleFired, events.Payload{"scheduleId": sch.ID})
		o.enqueue(sch.ID)
	}
}

func (o *Orchestrator) enqueue(scheduleID int64) {
	o.mu.Lock()
	o.queue = append(o.queue, scheduleID)
	o.cond.Signal()
	o.mu.Unlock()
}

// dequeue blocks for the next queued schedule id; ok is false after Stop.
func (o *Orchestrator) dequeue() (int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.queue) == 0 && !o.stopped {
		o.cond.Wait()
	}
	if len(o.queue) == 0 {
		return 0, false
	}
	id := o.queue[0]
	o.queue = o.queue[1:]
	return id, true
}

// QueueLen reports schedules waiting for the executor.
func (o *Orchestrator) QueueLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Orchestrator) executeLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		id, ok := o.dequeue()
		if !ok {
			return
		}
		o.execute(ctx, id)
	}
}

// execute runs every channel mapped to the schedule, one after another.
func (o *Orchestrator) execute(ctx context.Context, scheduleID int64) {
	var plays []models.SchedulePlay
	if err := o.db.Where("schedule_id = ?", scheduleID).Find(&plays).Error; err != nil {
		telemetry.SchedulerErrorsTotal.WithLabelValues("execute").Inc()
		o.logger.Error().Err(err).Int64("schedule", scheduleID).Msg("schedule plays load failed")
		return
	}
	for _, p := range plays {
		if ctx.Err() != nil {
			return
		}
		o.runChannel(ctx, scheduleID, p.ChannelID)
	}
}

// runChannel prepares, starts, plays through, and finalizes one scheduled
// broadcast. It returns when the mixer has been stopped, either by playlist
// exhaustion plus an external stop, or by shutdown.
func (o *Orchestrator) runChannel(ctx context.Context, scheduleID, channelID int64) {
	var ch models.Channel
	if err := o.db.First(&ch, channelID).Error; err != nil {
		telemetry.SchedulerErrorsTotal.WithLabelValues("execute").Inc()
		o.logger.Error().Err(err).Int64("channel", channelID).Msg("channel load failed")
		return
	}
	if ch.State == models.ChannelBroadcasting {
		o.logger.Info().Int64("channel", channelID).Msg("channel already broadcasting, skipping")
		return
	}

	res, err := o.prepare.Prepare(channelID, nil)
	if err != nil {
		telemetry.SchedulerErrorsTotal.WithLabelValues("prepare").Inc()
		o.logger.Error().Err(err).Int64("channel", channelID).Msg("broadcast preparation failed")
		return
	}
	if len(res.Speakers) == 0 {
		o.logger.Info().Int64("channel", channelID).Msg("no speakers won, skipping broadcast")
		return
	}

	b := models.Broadcast{
		ChannelID:  channelID,
		SpeakerIDs: models.JoinIDs(res.SpeakerIDs()),
		MediaIDs:   models.JoinIDs(res.MediaIDs()),
		TtsIDs:     models.JoinIDs(res.TtsIDs()),
		Ongoing:    true,
	}
	if err := o.db.Create(&b).Error; err != nil {
		// Best effort: the live audio path matters more than the record.
		telemetry.SchedulerErrorsTotal.WithLabelValues("persist").Inc()
		o.logger.Error().Err(err).Int64("channel", channelID).Msg("broadcast row create failed")
	}

	err = o.db.Model(&models.Channel{}).Where("id = ?", channelID).
		Update("state", models.ChannelBroadcasting).Error
	if err != nil {
		o.logger.Error().Err(err).Int64("channel", channelID).Msg("channel state update failed")
	}

	if !o.mixer.InitializeMixer(b.ID, channelID, res.Speakers) {
		telemetry.SchedulerErrorsTotal.WithLabelValues("mixer").Inc()
		o.lifecycle.FinalizeBroadcast(channelID)
		return
	}

	o.mixer.SetVolume(b.ID, mixer.SourceMic, ch.MicVolume)
	o.mixer.SetVolume(b.ID, mixer.SourceMedia, ch.MediaVolume)
	o.mixer.SetVolume(b.ID, mixer.SourceTts, ch.TtsVolume)

	o.bus.Publish(events.EventBroadcastStarted, events.Payload{
		"broadcastId": b.ID,
		"channelId":   channelID,
		"scheduleId":  scheduleID,
	})

	for _, entry := range res.Playlist {
		if ctx.Err() != nil || !o.mixer.IsMixerActive(b.ID) {
			break
		}
		switch entry.Kind {
		case prepare.KindMedia:
			err = o.lifecycle.PlayMediaAndWait(ctx, b.ID, entry.Path)
		case prepare.KindTts:
			err = o.lifecycle.PlayTtsAndWait(ctx, b.ID, entry.Path)
		}
		if err != nil && ctx.Err() == nil {
			o.logger.Warn().Err(err).Str("name", entry.Name).Msg("playlist entry skipped")
		}
	}

	// Hold the mixer open until an operator stops the broadcast or the
	// process shuts down.
	ticker := time.NewTicker(executorPollInterval)
	for o.mixer.IsMixerActive(b.ID) && ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
	ticker.Stop()

	o.lifecycle.FinalizeBroadcast(channelID)
}
