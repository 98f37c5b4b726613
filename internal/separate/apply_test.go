package separate

import (
	"context"
	"math"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/chaz8081/gostem/internal/audio"
	"github.com/chaz8081/gostem/internal/model"
)

const testRate = 8000

// smoothingModel loads a conv model whose two sources are a five-tap low
// pass of the mix and the mix scaled by -0.5. Its output at each sample
// depends on two samples of context on either side.
func smoothingModel(t *testing.T, sig string) *model.Single {
	t.Helper()
	lowpass := []float32{0.1, 0.2, 0.4, 0.2, 0.1}
	scaled := []float32{0, 0, -0.5, 0, 0}
	zero := make([]float32, 5)
	f := &model.File{
		Format:     model.FormatVersion,
		Kind:       "conv",
		Sources:    []string{"vocals", "accompaniment"},
		SampleRate: testRate,
		Channels:   2,
		Conv: &model.ConvParams{Kernels: [][][][]float32{
			{{lowpass, zero}, {zero, lowpass}},
			{{scaled, zero}, {zero, scaled}},
		}},
	}
	m, err := model.Load(f, sig, "")
	if err != nil {
		t.Fatalf("model.Load() error = %v", err)
	}
	return m
}

func testMix(length int) audio.Buffer {
	b := audio.NewBuffer(2, length)
	for i := range length {
		b[0][i] = float32(math.Sin(float64(i) * 0.05))
		b[1][i] = float32(math.Cos(float64(i)*0.031)) * 0.5
	}
	return b
}

func assertStemsClose(t *testing.T, got, want audio.Stems, eps float32) {
	t.Helper()
	if err := model.CheckShape(got, len(want), want[0].Channels(), want[0].Len()); err != nil {
		t.Fatalf("shape: %v", err)
	}
	for s := range want {
		for c := range want[s] {
			for i := range want[s][c] {
				if !approx(got[s][c][i], want[s][c][i], eps) {
					t.Fatalf("stems[%d][%d][%d] = %v, want %v", s, c, i, got[s][c][i], want[s][c][i])
				}
			}
		}
	}
}

func TestApplySingleSegmentMatchesDirect(t *testing.T) {
	m := smoothingModel(t, "smooth")
	mix := testMix(1000)

	direct, err := m.Apply(context.Background(), mix)
	if err != nil {
		t.Fatal(err)
	}
	opts := DefaultOptions()
	opts.Overlap = 0
	got, err := Apply(context.Background(), m, mix, opts)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	assertStemsClose(t, got, direct, 1e-6)
}

func TestApplySegmentedMatchesDirect(t *testing.T) {
	m := smoothingModel(t, "smooth")
	mix := testMix(1000)
	direct, err := m.Apply(context.Background(), mix)
	if err != nil {
		t.Fatal(err)
	}

	for _, workers := range []int{0, 3} {
		opts := DefaultOptions()
		opts.Segment = Seconds(400.0 / testRate)
		opts.Workers = workers
		got, err := Apply(context.Background(), m, mix, opts)
		if err != nil {
			t.Fatalf("Apply(workers=%d) error = %v", workers, err)
		}
		assertStemsClose(t, got, direct, 1e-5)
	}
}

func TestApplyShiftedMatchesDirect(t *testing.T) {
	m := smoothingModel(t, "smooth")
	mix := testMix(900)
	direct, _ := m.Apply(context.Background(), mix)

	opts := DefaultOptions()
	opts.Shifts = 4
	opts.MaxShift = 100
	opts.Seed = 7
	opts.Segment = Seconds(256.0 / testRate)
	opts.Workers = 4
	got, err := Apply(context.Background(), m, mix, opts)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	assertStemsClose(t, got, direct, 1e-5)
}

func TestApplyEnsembleTransparency(t *testing.T) {
	m := smoothingModel(t, "smooth")
	mix := testMix(700)

	opts := DefaultOptions()
	opts.Segment = Seconds(300.0 / testRate)
	one, err := Apply(context.Background(), m, mix, opts)
	if err != nil {
		t.Fatal(err)
	}
	opts.Shifts = 3
	three, err := Apply(context.Background(), m, mix, opts)
	if err != nil {
		t.Fatal(err)
	}
	assertStemsClose(t, three, one, 1e-6)
}

func TestSampleShifts(t *testing.T) {
	opts := Options{Shifts: 16, MaxShift: 40, Seed: 3}
	a, b := sampleShifts(opts), sampleShifts(opts)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("shift %d differs across runs: %d vs %d", i, a[i], b[i])
		}
		if a[i] < 0 || a[i] >= 40 {
			t.Fatalf("shift %d = %d, outside [0, 40)", i, a[i])
		}
	}

	for _, o := range []Options{{Shifts: 5, Seed: 3}, {Shifts: 1, MaxShift: 40, Seed: 3}} {
		for _, s := range sampleShifts(o) {
			if s != 0 {
				t.Fatalf("sampleShifts(%+v) drew %d with shifting disabled", o, s)
			}
		}
	}
}

func TestApplyDeterministic(t *testing.T) {
	m := smoothingModel(t, "smooth")
	mix := testMix(1200)
	opts := DefaultOptions()
	opts.Shifts = 2
	opts.MaxShift = 64
	opts.Seed = 42
	opts.Segment = Seconds(500.0 / testRate)

	first, err := Apply(context.Background(), m, mix, opts)
	if err != nil {
		t.Fatal(err)
	}
	opts.Workers = 4
	second, err := Apply(context.Background(), m, mix, opts)
	if err != nil {
		t.Fatal(err)
	}
	assertStemsClose(t, second, first, 1e-6)
}

func TestApplyEmptyInput(t *testing.T) {
	m := smoothingModel(t, "smooth")
	out, err := Apply(context.Background(), m, audio.NewBuffer(2, 0), DefaultOptions())
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(out) != 2 || out[0].Len() != 0 {
		t.Errorf("out = %v, want two empty stems", out)
	}
}

// countingModel is a pass-through model that records invocations and can be
// made to fail.
type countingModel struct {
	calls   atomic.Int32
	cur     atomic.Int32
	peak    atomic.Int32
	failAt  int32
	delay   time.Duration
	context int
}

func (p *countingModel) Descriptor() model.Descriptor {
	return model.Descriptor{Signature: "counting", Sources: []string{"a"}, SampleRate: testRate, Channels: 1}
}

func (p *countingModel) ValidLength(n int) int { return n + 2*p.context }

func (p *countingModel) Apply(ctx context.Context, input audio.Buffer) (audio.Stems, error) {
	n := p.calls.Add(1)
	c := p.cur.Add(1)
	defer p.cur.Add(-1)
	for {
		pk := p.peak.Load()
		if c <= pk || p.peak.CompareAndSwap(pk, c) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.failAt > 0 && n == p.failAt {
		return nil, errors.Mark(errors.New("injected failure"), model.ErrInference)
	}
	return audio.Stems{input.Clone()}, nil
}

func TestApplyRejectsConfigBeforeRunning(t *testing.T) {
	mix := audio.NewBuffer(1, 100)
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"overlap", func(o *Options) { o.Overlap = 1 }},
		{"negative overlap", func(o *Options) { o.Overlap = -0.5 }},
		{"zero segment", func(o *Options) { o.Segment = Seconds(0) }},
		{"negative segment", func(o *Options) { o.Segment = Seconds(-1) }},
		{"tiny segment", func(o *Options) { o.Segment = Seconds(1e-9) }},
		{"shifts", func(o *Options) { o.Shifts = -1 }},
		{"workers", func(o *Options) { o.Workers = -2 }},
		{"max shift", func(o *Options) { o.MaxShift = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &countingModel{}
			opts := DefaultOptions()
			tt.mutate(&opts)
			_, err := Apply(context.Background(), p, mix, opts)
			if !errors.Is(err, ErrConfig) {
				t.Errorf("Apply() error = %v, want ErrConfig", err)
			}
			if p.calls.Load() != 0 {
				t.Errorf("model invoked %d times", p.calls.Load())
			}
		})
	}
}

func TestApplyChannelMismatch(t *testing.T) {
	p := &countingModel{}
	_, err := Apply(context.Background(), p, audio.NewBuffer(2, 10), DefaultOptions())
	if !errors.Is(err, model.ErrInference) {
		t.Errorf("Apply() error = %v, want ErrInference", err)
	}
}

func TestApplyPoolFailure(t *testing.T) {
	p := &countingModel{failAt: 2, delay: time.Millisecond}
	opts := DefaultOptions()
	opts.Segment = Seconds(10.0 / testRate)
	opts.Workers = 2
	out, err := Apply(context.Background(), p, audio.NewBuffer(1, 1000), opts)
	if out != nil {
		t.Error("Apply() returned partial stems")
	}
	if !errors.Is(err, ErrPool) || !errors.Is(err, model.ErrInference) {
		t.Fatalf("Apply() error = %v, want ErrPool and ErrInference", err)
	}
	// About 140 segments; after the failure only in-flight jobs may still run.
	if n := p.calls.Load(); n > 10 {
		t.Errorf("model invoked %d times after failing on call 2", n)
	}
}

func TestApplyInlineFailure(t *testing.T) {
	p := &countingModel{failAt: 3}
	opts := DefaultOptions()
	opts.Segment = Seconds(10.0 / testRate)
	_, err := Apply(context.Background(), p, audio.NewBuffer(1, 1000), opts)
	if !errors.Is(err, model.ErrInference) {
		t.Fatalf("Apply() error = %v, want ErrInference", err)
	}
	if errors.Is(err, ErrPool) {
		t.Error("inline failure marked as a pool failure")
	}
	if n := p.calls.Load(); n != 3 {
		t.Errorf("model invoked %d times, want 3", n)
	}
}

func TestApplyDeviceLock(t *testing.T) {
	p := &countingModel{delay: time.Millisecond, context: 3}
	opts := DefaultOptions()
	opts.Segment = Seconds(50.0 / testRate)
	opts.Workers = 4
	opts.Devices = 1
	mix := testMix(600)[:1]
	out, err := Apply(context.Background(), p, mix, opts)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if p.peak.Load() != 1 {
		t.Errorf("peak concurrent invocations = %d, want 1", p.peak.Load())
	}
	assertStemsClose(t, out, audio.Stems{mix}, 1e-6)
}

func TestApplyProgress(t *testing.T) {
	p := &countingModel{}
	opts := DefaultOptions()
	opts.Segment = Seconds(100.0 / testRate)
	opts.Overlap = 0
	opts.Shifts = 2
	opts.Workers = 3

	var mu sync.Mutex
	var calls []int
	total := 0
	opts.Progress = func(done, n int) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, done)
		total = n
	}
	if _, err := Apply(context.Background(), p, audio.NewBuffer(1, 1000), opts); err != nil {
		t.Fatal(err)
	}
	if total != 20 || len(calls) != 20 {
		t.Fatalf("progress reported %d calls of %d, want 20 of 20", len(calls), total)
	}
	for i, d := range calls {
		if d != i+1 {
			t.Fatalf("progress call %d reported %d done", i, d)
		}
	}
}

// shellModel loads a mono exec model that runs script through sh.
func shellModel(t *testing.T, script string, pad int) *model.Single {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	f := &model.File{
		Format:     model.FormatVersion,
		Kind:       "exec",
		Sources:    []string{"a"},
		SampleRate: testRate,
		Channels:   1,
		Exec:       &model.ExecParams{Command: "sh -c '" + script + "' sh", Context: pad},
	}
	m, err := model.Load(f, "shell", "")
	if err != nil {
		t.Fatalf("model.Load() error = %v", err)
	}
	return m
}

func TestApplyExecSegmentedIdentity(t *testing.T) {
	// $2 is the input window, $4 the output path.
	m := shellModel(t, `cp "$2" "$4"`, 3)
	mix := audio.NewBuffer(1, 900)
	for i := range mix[0] {
		mix[0][i] = 3 * float32(math.Sin(float64(i)*0.07))
	}

	opts := DefaultOptions()
	opts.Segment = Seconds(256.0 / testRate)
	opts.Workers = 3
	got, err := Apply(context.Background(), m, mix, opts)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	assertStemsClose(t, got, audio.Stems{mix}, 1e-5)
}

func TestApplyExecFailure(t *testing.T) {
	m := shellModel(t, "echo separator crashed >&2; exit 3", 0)
	opts := DefaultOptions()
	opts.Segment = Seconds(100.0 / testRate)
	opts.Workers = 2
	_, err := Apply(context.Background(), m, audio.NewBuffer(1, 400), opts)
	if !errors.Is(err, model.ErrInference) || !errors.Is(err, ErrPool) {
		t.Fatalf("Apply() error = %v, want ErrInference and ErrPool", err)
	}
	if !strings.Contains(err.Error(), "separator crashed") {
		t.Errorf("error does not carry the process stderr: %v", err)
	}
}
