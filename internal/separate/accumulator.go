package separate

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/chaz8081/gostem/internal/audio"
)

// Accumulator sums tapered segment outputs and their weights, and
// normalizes them once every segment has been added.
type Accumulator struct {
	mu     sync.Mutex
	out    audio.Stems
	weight []float32
	total  int
	done   bool
}

// NewAccumulator returns a zeroed accumulator for [sources][channels][total].
func NewAccumulator(sources, channels, total int) *Accumulator {
	return &Accumulator{
		out:    audio.NewStems(sources, channels, total),
		weight: make([]float32, total),
		total:  total,
	}
}

// Taper returns the per-position weights of seg: 1 where it has no
// neighbour, and a linear ramp towards 0 across the samples it shares with
// the previous or next segment. Weights are always positive.
func Taper(seg Segment) []float32 {
	w := make([]float32, seg.Length)
	for i := range w {
		v := float32(1)
		if i < seg.OverlapLeft {
			v = min(v, float32(i+1)/float32(seg.OverlapLeft+1))
		}
		if j := seg.Length - i; j <= seg.OverlapRight {
			v = min(v, float32(j)/float32(seg.OverlapRight+1))
		}
		w[i] = v
	}
	return w
}

// Add weights values (already trimmed to seg.Length) by the segment taper
// and adds them at seg.Offset.
func (a *Accumulator) Add(seg Segment, values audio.Stems) error {
	if seg.Offset < 0 || seg.End() > a.total {
		return errors.AssertionFailedf("segment [%d, %d) outside accumulator of %d samples", seg.Offset, seg.End(), a.total)
	}
	if len(values) != len(a.out) {
		return errors.AssertionFailedf("got %d sources, accumulator holds %d", len(values), len(a.out))
	}
	taper := Taper(seg)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return errors.AssertionFailedf("add after finalize")
	}
	for s := range values {
		for c := range values[s] {
			dst := a.out[s][c][seg.Offset:seg.End()]
			for i, v := range values[s][c][:seg.Length] {
				dst[i] += taper[i] * v
			}
		}
	}
	w := a.weight[seg.Offset:seg.End()]
	for i, t := range taper {
		w[i] += t
	}
	return nil
}

// Finalize divides the accumulated values by the accumulated weights. Every
// position must have been covered.
func (a *Accumulator) Finalize() (audio.Stems, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return nil, errors.AssertionFailedf("accumulator already finalized")
	}
	for i, w := range a.weight {
		if w <= 0 {
			return nil, errors.Mark(errors.Newf("sample %d of %d was not covered by any segment", i, a.total), ErrCoverage)
		}
	}
	for s := range a.out {
		for c := range a.out[s] {
			ch := a.out[s][c]
			for i := range ch {
				ch[i] /= a.weight[i]
			}
		}
	}
	a.done = true
	return a.out, nil
}

// Weights returns a copy of the accumulated weight buffer.
func (a *Accumulator) Weights() []float32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]float32(nil), a.weight...)
}
