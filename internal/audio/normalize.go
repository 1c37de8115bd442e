/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedChannelMap indicates a source/target channel combination the
// pipeline cannot convert.
var ErrUnsupportedChannelMap = errors.New("unsupported channel mapping")

// Normalize wraps src so it delivers samples at the mix format. Same
// rate/channels passes through; rate mismatches are resampled by linear
// interpolation; mono<->stereo is converted by duplication/averaging;
// sources with more than two channels are downmixed to stereo by keeping
// the first two channels. Anything else is rejected.
func Normalize(src Source, targetRate, targetChannels int) (Source, error) {
	out := src

	if src.Channels() != targetChannels {
		mapped, err := newChannelMapSource(out, targetChannels)
		if err != nil {
			return nil, err
		}
		out = mapped
	}

	if out.SampleRate() != targetRate {
		out = newResampledSource(out, targetRate)
	}

	return out, nil
}

// channelMapSource converts the channel count of the wrapped source.
type channelMapSource struct {
	src      Source
	srcCh    int
	dstCh    int
	leftover []int16 // undelivered converted samples
}

func newChannelMapSource(src Source, targetChannels int) (*channelMapSource, error) {
	srcCh := src.Channels()
	switch {
	case srcCh == 1 && targetChannels == 2:
	case srcCh == 2 && targetChannels == 1:
	case srcCh > 2 && targetChannels == 2:
	default:
		return nil, fmt.Errorf("%w: %d -> %d channels", ErrUnsupportedChannelMap, srcCh, targetChannels)
	}
	return &channelMapSource{src: src, srcCh: srcCh, dstCh: targetChannels}, nil
}

func (c *channelMapSource) ReadPCM(dst []int16) (int, error) {
	written := 0
	if len(c.leftover) > 0 {
		written = copy(dst, c.leftover)
		c.leftover = c.leftover[written:]
		if written == len(dst) {
			return written, nil
		}
	}

	// Size the raw read so the converted output fills the remaining space.
	frames := (len(dst) - written + c.dstCh - 1) / c.dstCh
	raw := make([]int16, frames*c.srcCh)
	n, err := c.src.ReadPCM(raw)
	if err != nil && !errors.Is(err, io.EOF) {
		return written, err
	}

	converted := c.convert(raw[:n-(n%c.srcCh)])
	m := copy(dst[written:], converted)
	if m < len(converted) {
		c.leftover = append(c.leftover, converted[m:]...)
	}
	written += m

	if errors.Is(err, io.EOF) && len(c.leftover) == 0 {
		return written, io.EOF
	}
	return written, nil
}

func (c *channelMapSource) convert(raw []int16) []int16 {
	frames := len(raw) / c.srcCh
	out := make([]int16, frames*c.dstCh)
	switch {
	case c.srcCh == 1 && c.dstCh == 2:
		for i := 0; i < frames; i++ {
			out[i*2] = raw[i]
			out[i*2+1] = raw[i]
		}
	case c.srcCh == 2 && c.dstCh == 1:
		for i := 0; i < frames; i++ {
			out[i] = int16((int32(raw[i*2]) + int32(raw[i*2+1])) / 2)
		}
	default: // srcCh > 2 -> stereo: keep the first two channels
		for i := 0; i < frames; i++ {
			out[i*2] = raw[i*c.srcCh]
			out[i*2+1] = raw[i*c.srcCh+1]
		}
	}
	return out
}

func (c *channelMapSource) SampleRate() int { return c.src.SampleRate() }
func (c *channelMapSource) Channels() int   { return c.dstCh }
func (c *channelMapSource) Close() error    { return c.src.Close() }

// resampledSource converts the sample rate of the wrapped source by linear
// interpolation, per interleaved channel.
type resampledSource struct {
	src        Source
	targetRate int
	ratio      float64 // input frames consumed per output frame
	pos        float64
	buf        []int16 // buffered input frames not yet fully consumed
	exhausted  bool
}

func newResampledSource(src Source, targetRate int) *resampledSource {
	return &resampledSource{
		src:        src,
		targetRate: targetRate,
		ratio:      float64(src.SampleRate()) / float64(targetRate),
	}
}

func (r *resampledSource) ReadPCM(dst []int16) (int, error) {
	ch := r.src.Channels()
	outFrames := len(dst) / ch
	if outFrames == 0 {
		return 0, nil
	}

	// Pull enough input to cover the requested output window.
	needInput := int(float64(outFrames)*r.ratio) + 2
	if !r.exhausted {
		raw := make([]int16, needInput*ch)
		n, err := r.src.ReadPCM(raw)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if errors.Is(err, io.EOF) {
			r.exhausted = true
		}
		r.buf = append(r.buf, raw[:n-(n%ch)]...)
	}

	inFrames := len(r.buf) / ch
	written := 0
	for f := 0; f < outFrames; f++ {
		idx := int(r.pos)
		frac := r.pos - float64(idx)
		if idx+1 >= inFrames {
			break
		}
		for c := 0; c < ch; c++ {
			a := float64(r.buf[idx*ch+c])
			b := float64(r.buf[(idx+1)*ch+c])
			dst[f*ch+c] = int16(a + (b-a)*frac)
		}
		r.pos += r.ratio
		written += ch
	}

	// Drop consumed input frames, keeping one frame of history.
	consumed := int(r.pos)
	if consumed > 0 && consumed <= inFrames {
		keep := consumed - 1
		if keep < 0 {
			keep = 0
		}
		r.buf = r.buf[keep*ch:]
		r.pos -= float64(keep)
	}

	if written == 0 && r.exhausted {
		return 0, io.EOF
	}
	if r.exhausted && int(r.pos)+1 >= len(r.buf)/ch {
		return written, io.EOF
	}
	return written, nil
}

func (r *resampledSource) SampleRate() int { return r.targetRate }
func (r *resampledSource) Channels() int   { return r.src.Channels() }
func (r *resampledSource) Close() error    { return r.src.Close() }
