/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package distributor fans encoded audio frames out to speaker endpoints
// over UDP. Delivery is fire and forget: no acknowledgement, no retry, no
// ordering guarantee.
package distributor

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald/internal/models"
	"github.com/friendsincode/skald/internal/telemetry"
)

// HeaderSize is the fixed frame header: 8-byte little-endian channel id
// followed by an 8-byte little-endian Unix millisecond timestamp.
const HeaderSize = 16

// Distributor sends frames to speakers, one cached socket per destination.
type Distributor struct {
	port   int
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string]*net.UDPConn // keyed by destination address
}

// New creates a distributor targeting the given UDP port on every speaker.
func New(port int, logger zerolog.Logger) *Distributor {
	return &Distributor{
		port:   port,
		logger: logger.With().Str("component", "distributor").Logger(),
		conns:  make(map[string]*net.UDPConn),
	}
}

// SendToSpeakers fans the same frame out to every speaker concurrently. A
// failed send logs, evicts that speaker's cached socket, and never fails the
// batch.
func (d *Distributor) SendToSpeakers(channelID int64, speakers []models.Speaker, payload []byte) {
	if len(speakers) == 0 || len(payload) == 0 {
		return
	}

	packet := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint64(packet[0:8], uint64(channelID))
	binary.LittleEndian.PutUint64(packet[8:16], uint64(time.Now().UnixMilli()))
	copy(packet[HeaderSize:], payload)

	var wg sync.WaitGroup
	for _, speaker := range speakers {
		wg.Add(1)
		go func(sp models.Speaker) {
			defer wg.Done()
			d.sendOne(sp, packet)
		}(speaker)
	}
	wg.Wait()
}

func (d *Distributor) sendOne(speaker models.Speaker, packet []byte) {
	addr := speaker.Address()
	conn, err := d.conn(addr)
	if err != nil {
		telemetry.SendErrorsTotal.Inc()
		d.logger.Warn().Err(err).Str("speaker", speaker.Name).Str("addr", addr).Msg("speaker unreachable")
		return
	}

	if _, err := conn.Write(packet); err != nil {
		telemetry.SendErrorsTotal.Inc()
		d.logger.Warn().Err(err).Str("speaker", speaker.Name).Str("addr", addr).Msg("send failed, dropping socket")
		d.evict(addr)
		return
	}

	telemetry.PacketsSentTotal.Inc()
	telemetry.BytesSentTotal.Add(float64(len(packet)))
}

// conn returns the cached socket for addr, dialing lazily.
func (d *Distributor) conn(addr string) (*net.UDPConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if conn, ok := d.conns[addr]; ok {
		return conn, nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", addr, d.port))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	d.conns[addr] = conn
	return conn, nil
}

func (d *Distributor) evict(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conn, ok := d.conns[addr]; ok {
		conn.Close()
		delete(d.conns, addr)
	}
}

// Close releases every cached socket.
func (d *Distributor) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for addr, conn := range d.conns {
		conn.Close()
		delete(d.conns, addr)
	}
	return nil
}
