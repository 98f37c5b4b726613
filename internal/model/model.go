// Package model defines the separation model capability and the single-model
// implementation.
//
// A Model turns a window of mixed audio [channels][length] into stems
// [sources][channels][length]. It may need more input than the output it is
// trusted for: ValidLength reports the padded input length required so that
// the central n samples of the output are computed from real context.
//
// Supported network backends:
//   - conv: pure-Go multichannel FIR separator
//   - exec: external process fed with PCM WAV windows
package model

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/chaz8081/gostem/internal/audio"
)

// ErrInference marks shape mismatches and failures raised while invoking a
// model.
var ErrInference = errors.New("inference error")

// Descriptor describes a loaded model. It is immutable once loaded.
type Descriptor struct {
	Signature  string
	Checksum   string
	Sources    []string
	SampleRate int
	Channels   int
	// Segment is the model's preferred segment length in seconds, 0 if it
	// has none.
	Segment float64
}

// SourceIndex returns the position of the named source, or -1.
func (d Descriptor) SourceIndex(name string) int {
	for i, s := range d.Sources {
		if s == name {
			return i
		}
	}
	return -1
}

// Model is the capability shared by single models and bags of models.
type Model interface {
	// Descriptor returns the model metadata.
	Descriptor() Descriptor
	// ValidLength returns the input length needed to produce n trusted
	// output samples. It is never smaller than n.
	ValidLength(n int) int
	// Apply separates input [channels][length] into [sources][channels][length].
	Apply(ctx context.Context, input audio.Buffer) (audio.Stems, error)
}

// Network is a runnable separation network backend.
type Network interface {
	// Context is the number of extra samples the network needs on each side
	// of a window.
	Context() int
	// Forward runs the network. The output must have one buffer per source,
	// each shaped like the input.
	Forward(ctx context.Context, input audio.Buffer) (audio.Stems, error)
	// Close releases backend resources.
	Close() error
}

// Single wraps exactly one network. Its descriptor's channel count and the
// network's context govern padding.
type Single struct {
	desc Descriptor
	net  Network
}

var _ Model = (*Single)(nil)

// NewSingle wraps net with the given descriptor.
func NewSingle(desc Descriptor, net Network) *Single {
	return &Single{desc: desc, net: net}
}

// Descriptor returns the model metadata.
func (s *Single) Descriptor() Descriptor { return s.desc }

// ValidLength returns n plus the network context on both sides.
func (s *Single) ValidLength(n int) int {
	return n + 2*s.net.Context()
}

// Close releases the network.
func (s *Single) Close() error {
	return s.net.Close()
}

// Apply runs the network on input and checks the output shape.
func (s *Single) Apply(ctx context.Context, input audio.Buffer) (audio.Stems, error) {
	if input.Channels() != s.desc.Channels {
		return nil, errors.Mark(
			errors.Newf("model %s: expected %d channels, got %d", s.desc.Signature, s.desc.Channels, input.Channels()),
			ErrInference)
	}
	if err := input.Validate(); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "model %s", s.desc.Signature), ErrInference)
	}

	out, err := s.net.Forward(ctx, input)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "model %s: forward", s.desc.Signature), ErrInference)
	}
	if err := CheckShape(out, len(s.desc.Sources), s.desc.Channels, input.Len()); err != nil {
		return nil, errors.Wrapf(err, "model %s", s.desc.Signature)
	}
	return out, nil
}

// CheckShape verifies that stems are [sources][channels][length].
func CheckShape(s audio.Stems, sources, channels, length int) error {
	if len(s) != sources {
		return errors.Mark(errors.Newf("expected %d sources, got %d", sources, len(s)), ErrInference)
	}
	for i, b := range s {
		if b.Channels() != channels {
			return errors.Mark(errors.Newf("source %d: expected %d channels, got %d", i, channels, b.Channels()), ErrInference)
		}
		for c := range b {
			if len(b[c]) != length {
				return errors.Mark(errors.Newf("source %d channel %d: expected %d samples, got %d", i, c, length, len(b[c])), ErrInference)
			}
		}
	}
	return nil
}
