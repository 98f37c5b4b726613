// Package separate is the inference-orchestration engine: it splits a mix
// into overlapping segments, runs a model on each (optionally over several
// time-shifted copies), and rebuilds continuous stems by weighted
// overlap-add.
//
// The entry point is Apply. Models are anything implementing model.Model;
// Bag combines several of them with per-stem weights.
package separate

import (
	"math"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrConfig marks invalid overlap, segment, shift or worker settings.
	// It is returned before any job is scheduled.
	ErrConfig = errors.New("invalid separation config")
	// ErrPool marks a failure reported by a pooled worker.
	ErrPool = errors.New("worker failure")
	// ErrCoverage marks an accumulator with samples no segment covered.
	ErrCoverage = errors.New("incomplete segment coverage")
)

const (
	// DefaultOverlap is the overlap fraction between consecutive segments.
	DefaultOverlap = 0.25
	// DefaultMaxShiftSeconds bounds the random shift of each ensemble pass.
	DefaultMaxShiftSeconds = 0.5
)

const instrumentation = "github.com/chaz8081/gostem/internal/separate"

var (
	tracer = otel.Tracer(instrumentation)
	meter  = otel.Meter(instrumentation)

	jobsCounter, _  = meter.Int64Counter("gostem.separate.jobs", metric.WithDescription("Segment jobs executed"))
	jobDuration, _  = meter.Float64Histogram("gostem.separate.job.duration", metric.WithUnit("s"), metric.WithDescription("Model invocation time per segment"))
	failureCount, _ = meter.Int64Counter("gostem.separate.failures", metric.WithDescription("Separations aborted by an error"))
)

// Options controls one separation call.
type Options struct {
	// Shifts is the number of ensemble passes. 0 is treated as 1.
	Shifts int
	// Segment is the segment length in seconds; nil runs one segment over
	// the whole input.
	Segment *float64
	// Overlap is the fraction of a segment shared with the next, in [0, 1).
	Overlap float64
	// Workers bounds concurrent jobs; 0 or 1 runs them inline.
	Workers int
	// Devices is the number of accelerators. When positive and smaller than
	// Workers, model invocations are limited to Devices at a time.
	Devices int
	// MaxShift bounds each pass shift in samples. Shifting is off when it is
	// 0 or when Shifts is at most 1.
	MaxShift int
	// Seed drives the shift sampler.
	Seed uint64
	// Progress, if set, is called after each finished job. Calls are
	// serialized.
	Progress func(done, total int)
}

// DefaultOptions returns one pass, no splitting, 25% overlap, inline
// execution.
func DefaultOptions() Options {
	return Options{Shifts: 1, Overlap: DefaultOverlap}
}

// Seconds returns a pointer to v, for Options.Segment.
func Seconds(v float64) *float64 { return &v }

func (o Options) validate() error {
	if o.Shifts < 0 {
		return errors.Mark(errors.Newf("shifts must be >= 0, got %d", o.Shifts), ErrConfig)
	}
	if o.Overlap < 0 || o.Overlap >= 1 || math.IsNaN(o.Overlap) {
		return errors.Mark(errors.Newf("overlap must be in [0, 1), got %g", o.Overlap), ErrConfig)
	}
	if o.Workers < 0 {
		return errors.Mark(errors.Newf("workers must be >= 0, got %d", o.Workers), ErrConfig)
	}
	if o.Devices < 0 {
		return errors.Mark(errors.Newf("devices must be >= 0, got %d", o.Devices), ErrConfig)
	}
	if o.MaxShift < 0 {
		return errors.Mark(errors.Newf("max shift must be >= 0, got %d", o.MaxShift), ErrConfig)
	}
	return nil
}

// segmentSamples converts the segment length to samples; 0 means a single
// segment.
func (o Options) segmentSamples(sampleRate int) (int, error) {
	if o.Segment == nil {
		return 0, nil
	}
	v := *o.Segment
	if !(v > 0) || math.IsInf(v, 0) {
		return 0, errors.Mark(errors.Newf("segment must be > 0 seconds, got %g", v), ErrConfig)
	}
	n := int(math.Round(v * float64(sampleRate)))
	if n < 1 {
		return 0, errors.Mark(errors.Newf("segment of %gs is shorter than one sample at %d Hz", v, sampleRate), ErrConfig)
	}
	return n, nil
}

func (o Options) passes() int {
	return max(o.Shifts, 1)
}
