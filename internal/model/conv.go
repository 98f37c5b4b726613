package model

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/chaz8081/gostem/internal/audio"
)

// convNet is a multichannel FIR separator. Each source output channel is a
// sum of every input channel convolved with its own kernel, centred on the
// output sample, with zeros outside the window.
type convNet struct {
	kernels [][][][]float32 // [source][out][in][tap]
	half    int
}

func newConvNet(f *File) (*convNet, error) {
	if f.Conv == nil {
		return nil, errors.New("conv backend requires conv parameters")
	}
	k := f.Conv.Kernels
	if len(k) != len(f.Sources) {
		return nil, errors.Newf("conv: %d kernel sets for %d sources", len(k), len(f.Sources))
	}
	taps := -1
	for s := range k {
		if len(k[s]) != f.Channels {
			return nil, errors.Newf("conv: source %d has %d output channels, want %d", s, len(k[s]), f.Channels)
		}
		for o := range k[s] {
			if len(k[s][o]) != f.Channels {
				return nil, errors.Newf("conv: source %d channel %d has %d inputs, want %d", s, o, len(k[s][o]), f.Channels)
			}
			for i := range k[s][o] {
				n := len(k[s][o][i])
				if taps < 0 {
					taps = n
				}
				if n != taps {
					return nil, errors.Newf("conv: kernels have mixed tap counts %d and %d", taps, n)
				}
			}
		}
	}
	if taps <= 0 || taps%2 == 0 {
		return nil, errors.Newf("conv: tap count must be odd and positive, got %d", taps)
	}
	return &convNet{kernels: k, half: taps / 2}, nil
}

func (n *convNet) Context() int { return n.half }

func (n *convNet) Close() error { return nil }

func (n *convNet) Forward(ctx context.Context, input audio.Buffer) (audio.Stems, error) {
	length := input.Len()
	out := audio.NewStems(len(n.kernels), input.Channels(), length)
	for s, perSource := range n.kernels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for o, perOut := range perSource {
			dst := out[s][o]
			for i, kernel := range perOut {
				convolveAdd(dst, input[i], kernel, n.half)
			}
		}
	}
	return out, nil
}

// convolveAdd adds the centred convolution of src with kernel into dst.
func convolveAdd(dst, src, kernel []float32, half int) {
	n := len(src)
	for k, w := range kernel {
		if w == 0 {
			continue
		}
		shift := k - half
		lo := max(0, -shift)
		hi := min(n, n-shift)
		for t := lo; t < hi; t++ {
			dst[t] += w * src[t+shift]
		}
	}
}
