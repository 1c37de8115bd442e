/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus mirrors in-process runtime events onto a NATS broker so
// external consumers (dashboards, notification relays) can observe the fleet
// without a connection into the process.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/skald/internal/events"
)

const subjectPrefix = "skald.events."

// Mirror republishes bus events as JSON messages on NATS subjects.
type Mirror struct {
	conn   *nats.Conn
	bus    *events.Bus
	logger zerolog.Logger
	subs   []events.Subscriber
	types  []events.EventType
	done   chan struct{}
}

// envelope is the wire form of a mirrored event. Each message carries a
// unique id so downstream consumers can de-duplicate across reconnects.
type envelope struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Time    time.Time      `json:"time"`
	Payload events.Payload `json:"payload"`
}

// NewMirror connects to NATS and subscribes to every runtime event type.
func NewMirror(url string, bus *events.Bus, logger zerolog.Logger) (*Mirror, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	m := &Mirror{
		conn:   conn,
		bus:    bus,
		logger: logger.With().Str("component", "eventbus").Logger(),
		done:   make(chan struct{}),
	}

	mirrored := []events.EventType{
		events.EventOwnershipChanged,
		events.EventOwnershipTakeover,
		events.EventPlaybackCompleted,
		events.EventBroadcastStatus,
		events.EventBroadcastStarted,
		events.EventBroadcastStopped,
		events.EventScheduleFired,
	}
	for _, eventType := range mirrored {
		sub := bus.Subscribe(eventType)
		m.subs = append(m.subs, sub)
		m.types = append(m.types, eventType)
		go m.forward(eventType, sub)
	}

	m.logger.Info().Str("url", url).Msg("nats event mirror connected")
	return m, nil
}

func (m *Mirror) forward(eventType events.EventType, sub events.Subscriber) {
	subject := subjectPrefix + string(eventType)
	for {
		select {
		case <-m.done:
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(envelope{
				ID:      uuid.NewString(),
				Type:    string(eventType),
				Time:    time.Now().UTC(),
				Payload: payload,
			})
			if err != nil {
				m.logger.Warn().Err(err).Str("subject", subject).Msg("event payload not serializable")
				continue
			}
			if err := m.conn.Publish(subject, data); err != nil {
				m.logger.Warn().Err(err).Str("subject", subject).Msg("nats publish failed")
			}
		}
	}
}

// Close detaches from the bus and drains the NATS connection.
func (m *Mirror) Close() error {
	close(m.done)
	for i, sub := range m.subs {
		m.bus.Unsubscribe(m.types[i], sub)
	}
	return m.conn.Drain()
}
