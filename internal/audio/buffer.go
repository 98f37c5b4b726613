// Package audio holds the in-memory signal types shared by the separation
// engine and its collaborators, plus PCM WAV import and export.
//
// A Buffer is laid out [channel][sample]. Stems hold one Buffer per source,
// giving [source][channel][sample]. Sample rates travel beside the data in
// a Track.
package audio

import (
	"fmt"
	"math"
)

// Buffer is a multichannel float signal, [channel][sample]. All channels
// have the same length.
type Buffer [][]float32

// Stems holds one Buffer per separated source.
type Stems []Buffer

// Track is a Buffer together with its sample rate.
type Track struct {
	Buffer     Buffer
	SampleRate int
}

// NewBuffer allocates a zeroed buffer.
func NewBuffer(channels, length int) Buffer {
	b := make(Buffer, channels)
	for c := range b {
		b[c] = make([]float32, length)
	}
	return b
}

// NewStems allocates zeroed stems.
func NewStems(sources, channels, length int) Stems {
	s := make(Stems, sources)
	for i := range s {
		s[i] = NewBuffer(channels, length)
	}
	return s
}

// Channels returns the number of channels.
func (b Buffer) Channels() int { return len(b) }

// Len returns the number of samples per channel.
func (b Buffer) Len() int {
	if len(b) == 0 {
		return 0
	}
	return len(b[0])
}

// Clone returns a deep copy.
func (b Buffer) Clone() Buffer {
	out := make(Buffer, len(b))
	for c := range b {
		out[c] = append([]float32(nil), b[c]...)
	}
	return out
}

// Window copies samples [start, end) into a new buffer. Positions outside
// [0, Len) read as zero, so start may be negative and end may exceed Len.
func (b Buffer) Window(start, end int) Buffer {
	n := end - start
	if n < 0 {
		n = 0
	}
	out := NewBuffer(b.Channels(), n)
	lo := max(start, 0)
	hi := min(end, b.Len())
	if lo >= hi {
		return out
	}
	for c := range b {
		copy(out[c][lo-start:], b[c][lo:hi])
	}
	return out
}

// Delay returns a copy of b preceded by n zero samples.
func (b Buffer) Delay(n int) Buffer {
	return b.Window(-n, b.Len())
}

// Validate checks that every channel has the same length.
func (b Buffer) Validate() error {
	for c := range b {
		if len(b[c]) != len(b[0]) {
			return fmt.Errorf("audio: channel %d has %d samples, channel 0 has %d", c, len(b[c]), len(b[0]))
		}
	}
	return nil
}

// Mono returns the per-sample mean across channels.
func (b Buffer) Mono() []float32 {
	out := make([]float32, b.Len())
	if b.Channels() == 0 {
		return out
	}
	for c := range b {
		for i, v := range b[c] {
			out[i] += v
		}
	}
	inv := 1 / float32(b.Channels())
	for i := range out {
		out[i] *= inv
	}
	return out
}

// Peak returns the largest absolute sample value.
func (b Buffer) Peak() float32 {
	var peak float32
	for c := range b {
		for _, v := range b[c] {
			if a := float32(math.Abs(float64(v))); a > peak {
				peak = a
			}
		}
	}
	return peak
}

// Sum adds the given stems sample by sample. All stems must share a shape.
func (s Stems) Sum(indices ...int) Buffer {
	if len(s) == 0 {
		return nil
	}
	out := NewBuffer(s[0].Channels(), s[0].Len())
	for _, i := range indices {
		for c := range out {
			for t, v := range s[i][c] {
				out[c][t] += v
			}
		}
	}
	return out
}

// ConvertChannels returns b with the requested number of channels:
// downmixing to mono, replicating mono, or keeping the first channels.
// Asking for more channels than a non-mono input has is an error.
func ConvertChannels(b Buffer, channels int) (Buffer, error) {
	src := b.Channels()
	switch {
	case src == channels:
		return b, nil
	case channels == 1:
		return Buffer{b.Mono()}, nil
	case src == 1:
		out := make(Buffer, channels)
		for c := range out {
			out[c] = append([]float32(nil), b[0]...)
		}
		return out, nil
	case src > channels:
		return b[:channels].Clone(), nil
	default:
		return nil, fmt.Errorf("audio: cannot convert %d channels to %d", src, channels)
	}
}

// Stats holds the standardization reference of a mix.
type Stats struct {
	Mean float32
	Std  float32
}

// Normalize standardizes b by the mean and standard deviation of its mono
// downmix and returns the reference needed to undo it. A silent input gets
// a unit deviation so the division stays finite.
func Normalize(b Buffer) (Buffer, Stats) {
	mono := b.Mono()
	var sum, sq float64
	for _, v := range mono {
		sum += float64(v)
	}
	n := float64(len(mono))
	mean := 0.0
	if n > 0 {
		mean = sum / n
	}
	for _, v := range mono {
		d := float64(v) - mean
		sq += d * d
	}
	std := 0.0
	if n > 1 {
		std = math.Sqrt(sq / (n - 1))
	}
	if std < 1e-8 {
		std = 1
	}
	st := Stats{Mean: float32(mean), Std: float32(std)}

	out := b.Clone()
	for c := range out {
		for i, v := range out[c] {
			out[c][i] = (v - st.Mean) / st.Std
		}
	}
	return out, st
}

// Denormalize undoes Normalize on every stem in place.
func Denormalize(s Stems, st Stats) {
	for _, b := range s {
		for c := range b {
			for i, v := range b[c] {
				b[c][i] = v*st.Std + st.Mean
			}
		}
	}
}
