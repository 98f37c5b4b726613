package separate

import (
	"github.com/cockroachdb/errors"

	"github.com/chaz8081/gostem/internal/model"
)

// Segment is a window [Offset, Offset+Length) of the signal processed as one
// inference unit.
//
// The model reads PadLeft extra samples before the window and PadRight after
// it; the same amounts are trimmed off its raw output. OverlapLeft and
// OverlapRight count the samples shared with the previous and next segments.
type Segment struct {
	Offset       int
	Length       int
	PadLeft      int
	PadRight     int
	OverlapLeft  int
	OverlapRight int
}

// End returns the first sample after the segment.
func (s Segment) End() int { return s.Offset + s.Length }

// InputWindow returns the padded window [start, end) the model reads.
func (s Segment) InputWindow() (start, end int) {
	return s.Offset - s.PadLeft, s.End() + s.PadRight
}

// Planner computes the segments covering a signal.
type Planner struct {
	length      int
	overlap     float64
	validLength func(int) int
}

// NewPlanner returns a planner for segments of segmentLength samples (0 for
// a single segment spanning the whole signal) overlapping by the given
// fraction.
func NewPlanner(segmentLength int, overlap float64, validLength func(int) int) (*Planner, error) {
	if overlap < 0 || overlap >= 1 {
		return nil, errors.Mark(errors.Newf("overlap must be in [0, 1), got %g", overlap), ErrConfig)
	}
	if segmentLength < 0 {
		return nil, errors.Mark(errors.Newf("segment length must be > 0, got %d", segmentLength), ErrConfig)
	}
	if validLength == nil {
		validLength = func(n int) int { return n }
	}
	return &Planner{length: segmentLength, overlap: overlap, validLength: validLength}, nil
}

// Stride returns the distance between consecutive segment starts.
func (p *Planner) Stride() int {
	return max(1, int(float64(p.length)*(1-p.overlap)))
}

// Plan returns segments covering [0, total) in order. It fails when the
// model's valid length for a segment is shorter than the segment.
func (p *Planner) Plan(total int) ([]Segment, error) {
	if total <= 0 {
		return nil, nil
	}
	size, stride := p.length, p.Stride()
	if size == 0 || size >= total {
		size, stride = total, total
	}

	var segs []Segment
	for start := 0; start < total; start += stride {
		length := min(size, total-start)
		valid := p.validLength(length)
		if valid < length {
			return nil, errors.Mark(
				errors.Newf("valid length %d is shorter than segment length %d", valid, length),
				model.ErrInference)
		}
		pad := valid - length
		segs = append(segs, Segment{
			Offset:   start,
			Length:   length,
			PadLeft:  pad / 2,
			PadRight: pad - pad/2,
		})
	}

	for i := range segs {
		if i > 0 {
			segs[i].OverlapLeft = max(0, min(segs[i-1].End()-segs[i].Offset, segs[i].Length))
		}
		if i+1 < len(segs) {
			segs[i].OverlapRight = max(0, min(segs[i].End()-segs[i+1].Offset, segs[i].Length))
		}
	}
	return segs, nil
}
