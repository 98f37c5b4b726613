package separate

import (
	"context"
	"io"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/chaz8081/gostem/internal/audio"
	"github.com/chaz8081/gostem/internal/model"
)

// Bag is an ensemble of models sharing sources, sample rate and channel
// count. Each member's stems are combined with per-stem weights normalized
// to sum to 1 across members.
type Bag struct {
	name    string
	members []model.Model
	weights [][]float32
	segment float64
}

// NewBag validates members and weights. weights is indexed [member][source];
// nil weighs every member equally. segment is the length in seconds each
// member is run with, 0 to use the member's own segment length.
func NewBag(name string, members []model.Model, weights [][]float64, segment float64) (*Bag, error) {
	if len(members) == 0 {
		return nil, errors.Mark(errors.Newf("bag %s has no models", name), ErrConfig)
	}
	if segment < 0 {
		return nil, errors.Mark(errors.Newf("bag %s: segment must be >= 0, got %g", name, segment), ErrConfig)
	}
	ref := members[0].Descriptor()
	for _, m := range members[1:] {
		d := m.Descriptor()
		switch {
		case !slices.Equal(d.Sources, ref.Sources):
			return nil, errors.Mark(errors.Newf("bag %s: model %s has sources %v, %s has %v",
				name, d.Signature, d.Sources, ref.Signature, ref.Sources), ErrConfig)
		case d.SampleRate != ref.SampleRate:
			return nil, errors.Mark(errors.Newf("bag %s: model %s runs at %d Hz, %s at %d Hz",
				name, d.Signature, d.SampleRate, ref.Signature, ref.SampleRate), ErrConfig)
		case d.Channels != ref.Channels:
			return nil, errors.Mark(errors.Newf("bag %s: model %s has %d channels, %s has %d",
				name, d.Signature, d.Channels, ref.Signature, ref.Channels), ErrConfig)
		}
	}

	if weights == nil {
		weights = make([][]float64, len(members))
		for i := range weights {
			weights[i] = make([]float64, len(ref.Sources))
			for s := range weights[i] {
				weights[i][s] = 1
			}
		}
	}
	if len(weights) != len(members) {
		return nil, errors.Mark(errors.Newf("bag %s: %d weight rows for %d models", name, len(weights), len(members)), ErrConfig)
	}
	totals := make([]float64, len(ref.Sources))
	for i, row := range weights {
		if len(row) != len(ref.Sources) {
			return nil, errors.Mark(errors.Newf("bag %s: model %d has %d weights for %d sources",
				name, i, len(row), len(ref.Sources)), ErrConfig)
		}
		for s, w := range row {
			if w < 0 {
				return nil, errors.Mark(errors.Newf("bag %s: negative weight %g", name, w), ErrConfig)
			}
			totals[s] += w
		}
	}
	norm := make([][]float32, len(weights))
	for i, row := range weights {
		norm[i] = make([]float32, len(row))
		for s, w := range row {
			if totals[s] == 0 {
				return nil, errors.Mark(errors.Newf("bag %s: source %s has zero total weight",
					name, ref.Sources[s]), ErrConfig)
			}
			norm[i][s] = float32(w / totals[s])
		}
	}

	return &Bag{name: name, members: members, weights: norm, segment: segment}, nil
}

// Members returns the bag's models in order.
func (b *Bag) Members() []model.Model { return b.members }

// Weights returns the normalized weight of member i for each source.
func (b *Bag) Weights(i int) []float32 { return b.weights[i] }

func (b *Bag) Descriptor() model.Descriptor {
	d := b.members[0].Descriptor()
	d.Signature = b.name
	d.Checksum = ""
	if b.segment > 0 {
		d.Segment = b.segment
	}
	return d
}

// Close closes every member that holds resources. All members are closed
// even if one fails; the first error is returned with the rest attached.
func (b *Bag) Close() error {
	var err error
	for _, m := range b.members {
		c, ok := m.(io.Closer)
		if !ok {
			continue
		}
		if cerr := c.Close(); cerr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(cerr, "bag %s: closing %s", b.name, m.Descriptor().Signature))
		}
	}
	return err
}

// ValidLength is the largest valid length of any member, so every member can
// read its own context from the window.
func (b *Bag) ValidLength(n int) int {
	v := n
	for _, m := range b.members {
		v = max(v, m.ValidLength(n))
	}
	return v
}

// Apply runs each member over input, segmenting with the bag or member
// segment length, and returns the weighted sum of their stems.
func (b *Bag) Apply(ctx context.Context, input audio.Buffer) (audio.Stems, error) {
	d := b.Descriptor()
	out := audio.NewStems(len(d.Sources), d.Channels, input.Len())
	for i, m := range b.members {
		opts := DefaultOptions()
		seg := m.Descriptor().Segment
		if b.segment > 0 {
			seg = b.segment
		}
		if seg > 0 {
			opts.Segment = Seconds(seg)
		}
		stems, err := Apply(ctx, m, input, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "bag %s: model %s", b.name, m.Descriptor().Signature)
		}
		for s := range out {
			w := b.weights[i][s]
			if w == 0 {
				continue
			}
			for c := range out[s] {
				dst := out[s][c]
				for j, v := range stems[s][c] {
					dst[j] += w * v
				}
			}
		}
	}
	return out, nil
}
