package separate

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/chaz8081/gostem/internal/audio"
	"github.com/chaz8081/gostem/internal/model"
)

// shiftPass is one ensemble pass: the mix delayed by shift samples, its
// segment plan, and the accumulator rebuilding it.
type shiftPass struct {
	shift    int
	input    audio.Buffer
	segments []Segment
	acc      *Accumulator
}

// Apply separates mix [channels][length] with m and returns
// [sources][channels][length].
//
// Configuration problems are reported before any job runs. A failure in any
// segment aborts the call; partial stems are never returned.
func Apply(ctx context.Context, m model.Model, mix audio.Buffer, opts Options) (audio.Stems, error) {
	desc := m.Descriptor()
	ctx, span := tracer.Start(ctx, "separate.Apply", trace.WithAttributes(
		attribute.String("model", desc.Signature),
		attribute.Int("samples", mix.Len()),
		attribute.Int("shifts", opts.passes()),
		attribute.Int("workers", opts.Workers),
	))
	defer span.End()

	out, err := apply(ctx, m, mix, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		failureCount.Add(ctx, 1)
		return nil, err
	}
	return out, nil
}

func apply(ctx context.Context, m model.Model, mix audio.Buffer, opts Options) (audio.Stems, error) {
	desc := m.Descriptor()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if mix.Channels() != desc.Channels {
		return nil, errors.Mark(
			errors.Newf("model %s expects %d channels, mix has %d", desc.Signature, desc.Channels, mix.Channels()),
			model.ErrInference)
	}
	if err := mix.Validate(); err != nil {
		return nil, errors.Mark(err, ErrConfig)
	}
	segLen, err := opts.segmentSamples(desc.SampleRate)
	if err != nil {
		return nil, err
	}
	planner, err := NewPlanner(segLen, opts.Overlap, m.ValidLength)
	if err != nil {
		return nil, err
	}

	length := mix.Len()
	sources := len(desc.Sources)
	passes := make([]*shiftPass, 0, opts.passes())
	totalJobs := 0
	for _, shift := range sampleShifts(opts) {
		input := mix
		if shift > 0 {
			input = mix.Delay(shift)
		}
		segs, err := planner.Plan(input.Len())
		if err != nil {
			return nil, err
		}
		passes = append(passes, &shiftPass{
			shift:    shift,
			input:    input,
			segments: segs,
			acc:      NewAccumulator(sources, desc.Channels, input.Len()),
		})
		totalJobs += len(segs)
	}
	slog.Debug("separation planned", "model", desc.Signature, "samples", length,
		"segment", segLen, "stride", planner.Stride(), "passes", len(passes), "jobs", totalJobs)

	if length == 0 {
		return audio.NewStems(sources, desc.Channels, 0), nil
	}

	lock := newDeviceLock(opts.Devices, opts.Workers)
	report := progressReporter(opts.Progress, totalJobs)
	exec := NewExecutor(ctx, opts.Workers)
	for _, p := range passes {
		for _, seg := range p.segments {
			exec.Submit(func(ctx context.Context) error {
				if err := p.run(ctx, m, seg, lock); err != nil {
					return err
				}
				report()
				return nil
			})
		}
	}
	if err := exec.Wait(); err != nil {
		return nil, err
	}

	if len(passes) == 1 && passes[0].shift == 0 {
		return passes[0].acc.Finalize()
	}

	out := audio.NewStems(sources, desc.Channels, length)
	for _, p := range passes {
		stems, err := p.acc.Finalize()
		if err != nil {
			return nil, err
		}
		for s := range out {
			for c := range out[s] {
				src := stems[s][c][p.shift : p.shift+length]
				dst := out[s][c]
				for i, v := range src {
					dst[i] += v
				}
			}
		}
	}
	inv := 1 / float32(len(passes))
	for s := range out {
		for c := range out[s] {
			for i := range out[s][c] {
				out[s][c][i] *= inv
			}
		}
	}
	return out, nil
}

// run invokes the model on the padded window of seg, trims the context off
// the output and adds it to the pass accumulator.
func (p *shiftPass) run(ctx context.Context, m model.Model, seg Segment, lock *deviceLock) error {
	desc := m.Descriptor()
	start, end := seg.InputWindow()
	window := p.input.Window(start, end)

	if err := lock.acquire(ctx); err != nil {
		return err
	}
	began := time.Now()
	raw, err := m.Apply(ctx, window)
	lock.release()
	if err != nil {
		return errors.Wrapf(err, "segment at sample %d (shift %d)", seg.Offset, p.shift)
	}
	attrs := metric.WithAttributes(attribute.String("model", desc.Signature))
	jobDuration.Record(ctx, time.Since(began).Seconds(), attrs)
	jobsCounter.Add(ctx, 1, attrs)

	if err := model.CheckShape(raw, len(desc.Sources), desc.Channels, window.Len()); err != nil {
		return errors.Wrapf(err, "segment at sample %d", seg.Offset)
	}
	return p.acc.Add(seg, trim(raw, seg.PadLeft, seg.Length))
}

// trim keeps length samples of every channel starting at offset.
func trim(s audio.Stems, offset, length int) audio.Stems {
	out := make(audio.Stems, len(s))
	for i, b := range s {
		out[i] = make(audio.Buffer, len(b))
		for c := range b {
			out[i][c] = b[c][offset : offset+length]
		}
	}
	return out
}

// sampleShifts draws one shift per pass, uniformly in [0, MaxShift). A
// single pass is never shifted.
func sampleShifts(opts Options) []int {
	shifts := make([]int, opts.passes())
	if opts.MaxShift <= 0 || len(shifts) == 1 {
		return shifts
	}
	r := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	for i := range shifts {
		shifts[i] = r.IntN(opts.MaxShift)
	}
	return shifts
}

func progressReporter(fn func(done, total int), total int) func() {
	if fn == nil {
		return func() {}
	}
	var mu sync.Mutex
	done := 0
	return func() {
		mu.Lock()
		defer mu.Unlock()
		done++
		fn(done, total)
	}
}
