/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audio provides the PCM16 sample pipeline the mixer pulls from:
// file-backed sources, format normalization, gain staging, and the
// microphone jitter buffer.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hajimehoshi/go-mp3"
)

// Source yields interleaved PCM16 samples. ReadPCM returns io.EOF once the
// source is exhausted; it may return a short read together with io.EOF.
type Source interface {
	ReadPCM(dst []int16) (int, error)
	SampleRate() int
	Channels() int
	Close() error
}

// ErrUnsupportedFormat indicates a file extension or encoding the pipeline
// cannot decode.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// NewFileSource opens an audio file and returns a Source at the file's
// native rate and channel count. Supported: .mp3 and 16-bit PCM .wav.
func NewFileSource(path string) (Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return newMP3Source(path)
	case ".wav":
		return newWAVSource(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

type mp3Source struct {
	file    *os.File
	decoder *mp3.Decoder
}

func newMP3Source(path string) (*mp3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mp3: %w", err)
	}
	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode mp3: %w", err)
	}
	return &mp3Source{file: f, decoder: decoder}, nil
}

func (s *mp3Source) ReadPCM(dst []int16) (int, error) {
	buf := make([]byte, len(dst)*2)
	n, err := io.ReadFull(s.decoder, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, err
	}
	samples := n / 2
	for i := 0; i < samples; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
	}
	if err != nil {
		return samples, io.EOF
	}
	return samples, nil
}

func (s *mp3Source) SampleRate() int { return s.decoder.SampleRate() }

// go-mp3 always decodes to interleaved stereo.
func (s *mp3Source) Channels() int { return 2 }

func (s *mp3Source) Close() error { return s.file.Close() }

type wavSource struct {
	file       *os.File
	sampleRate int
	channels   int
	remaining  int64 // data bytes left
}

// newWAVSource parses a RIFF/WAVE header and positions the reader at the
// start of the data chunk. Only 16-bit PCM is accepted.
func newWAVSource(path string) (*wavSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}

	src, err := parseWAVHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	src.file = f
	return src, nil
}

func parseWAVHeader(r io.ReadSeeker) (*wavSource, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE file", ErrUnsupportedFormat)
	}

	src := &wavSource{}
	haveFmt := false

	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		chunkID := string(chunk[0:4])
		chunkLen := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch chunkID {
		case "fmt ":
			fmtBuf := make([]byte, chunkLen)
			if _, err := io.ReadFull(r, fmtBuf); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			audioFormat := binary.LittleEndian.Uint16(fmtBuf[0:2])
			bitsPerSample := binary.LittleEndian.Uint16(fmtBuf[14:16])
			if audioFormat != 1 || bitsPerSample != 16 {
				return nil, fmt.Errorf("%w: want 16-bit PCM, got format=%d bits=%d",
					ErrUnsupportedFormat, audioFormat, bitsPerSample)
			}
			src.channels = int(binary.LittleEndian.Uint16(fmtBuf[2:4]))
			src.sampleRate = int(binary.LittleEndian.Uint32(fmtBuf[4:8]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("%w: data chunk before fmt", ErrUnsupportedFormat)
			}
			src.remaining = chunkLen
			return src, nil
		default:
			// Skip unknown chunks (LIST, fact, ...); chunks are word aligned.
			if chunkLen%2 == 1 {
				chunkLen++
			}
			if _, err := r.Seek(chunkLen, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skip %s chunk: %w", chunkID, err)
			}
		}
	}
}

func (s *wavSource) ReadPCM(dst []int16) (int, error) {
	if s.remaining <= 0 {
		return 0, io.EOF
	}
	want := int64(len(dst) * 2)
	if want > s.remaining {
		want = s.remaining
	}
	buf := make([]byte, want)
	n, err := io.ReadFull(s.file, buf)
	s.remaining -= int64(n)

	samples := n / 2
	for i := 0; i < samples; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
	}
	if err != nil || s.remaining <= 0 {
		return samples, io.EOF
	}
	return samples, nil
}

func (s *wavSource) SampleRate() int { return s.sampleRate }
func (s *wavSource) Channels() int   { return s.channels }
func (s *wavSource) Close() error    { return s.file.Close() }
