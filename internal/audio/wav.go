package audio

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ClipMode selects how out-of-range samples are handled before integer
// export.
type ClipMode string

const (
	// ClipRescale divides the whole signal by max(1.01*peak, 1).
	ClipRescale ClipMode = "rescale"
	// ClipClamp hard-limits each sample to [-0.99, 0.99].
	ClipClamp ClipMode = "clamp"
	// ClipNone leaves samples untouched; integer PCM encoding still saturates.
	ClipNone ClipMode = "none"
)

// PreventClip returns a copy of b with the clip strategy applied.
func PreventClip(b Buffer, mode ClipMode) (Buffer, error) {
	out := b.Clone()
	switch mode {
	case ClipRescale:
		scale := max(1.01*b.Peak(), 1)
		for c := range out {
			for i := range out[c] {
				out[c][i] /= scale
			}
		}
	case ClipClamp:
		for c := range out {
			for i, v := range out[c] {
				out[c][i] = min(max(v, -0.99), 0.99)
			}
		}
	case ClipNone, "":
	default:
		return nil, fmt.Errorf("audio: invalid clip mode %q", mode)
	}
	return out, nil
}

// WAV format tags.
const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// DecodeWAV reads a WAV stream into a float track. Integer PCM is normalized
// to [-1, 1); 32-bit IEEE float samples are kept as they are.
func DecodeWAV(r io.ReadSeeker) (Track, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Track{}, fmt.Errorf("audio: not a valid WAV stream")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Track{}, fmt.Errorf("audio: decode WAV: %w", err)
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		return Track{}, fmt.Errorf("audio: WAV declares %d channels", channels)
	}
	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	isFloat := dec.WavAudioFormat == wavFormatFloat
	if isFloat && depth != 32 {
		return Track{}, fmt.Errorf("audio: unsupported %d-bit float WAV", depth)
	}
	scale := float32(math.Ldexp(1, depth-1))

	frames := len(buf.Data) / channels
	out := NewBuffer(channels, frames)
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			v := buf.Data[i*channels+c]
			if isFloat {
				out[c][i] = math.Float32frombits(uint32(int32(v)))
			} else {
				out[c][i] = float32(v) / scale
			}
		}
	}
	return Track{Buffer: out, SampleRate: buf.Format.SampleRate}, nil
}

// EncodeFloatWAV writes b as 32-bit IEEE float WAV. Values are stored
// unchanged, including those outside [-1, 1].
func EncodeFloatWAV(w io.WriteSeeker, b Buffer, sampleRate int) error {
	channels := b.Channels()
	if channels == 0 {
		return fmt.Errorf("audio: cannot encode a buffer with no channels")
	}
	// The encoder writes 32-bit samples as little-endian int32, so the float
	// bit patterns pass through untouched.
	data := make([]int, channels*b.Len())
	for i := 0; i < b.Len(); i++ {
		for c := 0; c < channels; c++ {
			data[i*channels+c] = int(int32(math.Float32bits(b[c][i])))
		}
	}
	return encode(w, data, sampleRate, 32, channels, wavFormatFloat)
}

// EncodeWAV writes b as integer PCM at the given bit depth (16, 24 or 32).
// Samples are saturated to the representable range.
func EncodeWAV(w io.WriteSeeker, b Buffer, sampleRate, bitDepth int) error {
	switch bitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("audio: unsupported bit depth %d", bitDepth)
	}
	channels := b.Channels()
	if channels == 0 {
		return fmt.Errorf("audio: cannot encode a buffer with no channels")
	}

	full := math.Ldexp(1, bitDepth-1)
	data := make([]int, channels*b.Len())
	for i := 0; i < b.Len(); i++ {
		for c := 0; c < channels; c++ {
			v := math.Round(float64(b[c][i]) * full)
			v = min(max(v, -full), full-1)
			data[i*channels+c] = int(v)
		}
	}

	return encode(w, data, sampleRate, bitDepth, channels, wavFormatPCM)
}

func encode(w io.WriteSeeker, data []int, sampleRate, bitDepth, channels, format int) error {
	enc := wav.NewEncoder(w, sampleRate, bitDepth, channels, format)
	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(ib); err != nil {
		return fmt.Errorf("audio: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: close wav encoder: %w", err)
	}
	return nil
}

// ReadWAV decodes the WAV file at path.
func ReadWAV(path string) (Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return Track{}, fmt.Errorf("audio: open %s: %w", path, err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// WriteWAV applies the clip strategy and writes b to path as integer PCM,
// creating parent directories as needed.
func WriteWAV(path string, b Buffer, sampleRate, bitDepth int, clip ClipMode) error {
	return writeFile(path, b, clip, func(w io.WriteSeeker, safe Buffer) error {
		return EncodeWAV(w, safe, sampleRate, bitDepth)
	})
}

// WriteFloatWAV is WriteWAV for 32-bit IEEE float output.
func WriteFloatWAV(path string, b Buffer, sampleRate int, clip ClipMode) error {
	return writeFile(path, b, clip, func(w io.WriteSeeker, safe Buffer) error {
		return EncodeFloatWAV(w, safe, sampleRate)
	})
}

func writeFile(path string, b Buffer, clip ClipMode, enc func(io.WriteSeeker, Buffer) error) error {
	safe, err := PreventClip(b, clip)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("audio: creating output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %s: %w", path, err)
	}
	if err := enc(f, safe); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
