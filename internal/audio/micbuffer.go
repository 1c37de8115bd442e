/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"encoding/binary"
	"sync"
)

// MicBuffer is a bounded jitter buffer for raw microphone PCM16 bytes. Writes
// never block: once the buffer holds its capacity, further data is dropped.
// Reads pad with silence on underrun so a stalled microphone never stalls the
// mix. It implements Source at the rate/channels it was created with.
type MicBuffer struct {
	mu         sync.Mutex
	samples    []int16
	sampleRate int
	channels   int
	capacity   int // max buffered samples
	prefill    int // samples required before Ready reports true
	primed     bool
}

// NewMicBuffer creates a jitter buffer sized to maxMs milliseconds of audio
// with a prefillMs prime threshold.
func NewMicBuffer(sampleRate, channels, prefillMs, maxMs int) *MicBuffer {
	return &MicBuffer{
		sampleRate: sampleRate,
		channels:   channels,
		capacity:   sampleRate * channels * maxMs / 1000,
		prefill:    sampleRate * channels * prefillMs / 1000,
	}
}

// Write appends little-endian PCM16 bytes. Overflow beyond capacity is
// dropped. An odd trailing byte is discarded.
func (m *MicBuffer) Write(pcm []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		if len(m.samples) >= m.capacity {
			break
		}
		m.samples = append(m.samples, int16(binary.LittleEndian.Uint16(pcm[i*2:i*2+2])))
	}
	if !m.primed && len(m.samples) >= m.prefill {
		m.primed = true
	}
}

// Ready reports whether the prefill threshold has been reached at least once.
func (m *MicBuffer) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primed
}

// BufferedMs returns the buffered duration in milliseconds.
func (m *MicBuffer) BufferedMs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sampleRate == 0 || m.channels == 0 {
		return 0
	}
	return len(m.samples) * 1000 / (m.sampleRate * m.channels)
}

// ReadPCM drains buffered samples, padding the remainder with silence. It
// never returns io.EOF; a microphone stream ends only when the session is
// torn down.
func (m *MicBuffer) ReadPCM(dst []int16) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := copy(dst, m.samples)
	m.samples = m.samples[n:]
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return len(dst), nil
}

func (m *MicBuffer) SampleRate() int { return m.sampleRate }
func (m *MicBuffer) Channels() int   { return m.channels }
func (m *MicBuffer) Close() error    { return nil }
