package main

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/gostem/internal/audio"
	"github.com/chaz8081/gostem/internal/config"
	"github.com/chaz8081/gostem/internal/fixture"
	"github.com/chaz8081/gostem/internal/model"
	"github.com/chaz8081/gostem/internal/repo"
)

const testRate = 8000

type testEnv struct {
	dir    string
	models string
	config string
	mix    string
}

// newTestEnv writes a fixture repository, a config pointing at it and a one
// second stereo track.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:    dir,
		models: filepath.Join(dir, "models"),
		config: filepath.Join(dir, "config.yaml"),
		mix:    filepath.Join(dir, "mix.wav"),
	}
	o := fixture.Options{SampleRate: testRate, Channels: 2, Checksum: repo.SHA256, Segment: 0.3}
	if _, err := fixture.Write(env.models, o); err != nil {
		t.Fatalf("fixture.Write() error = %v", err)
	}

	cfg := config.Default()
	cfg.Models.Dir = env.models
	cfg.LogLevel = "error"
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(env.config, data, 0644); err != nil {
		t.Fatal(err)
	}

	if err := audio.WriteWAV(env.mix, fixture.Mix(1, testRate, 2, 3), testRate, 16, audio.ClipNone); err != nil {
		t.Fatal(err)
	}
	return env
}

// run executes the CLI with the env config and returns stdout.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func readStem(t *testing.T, path string) audio.Buffer {
	t.Helper()
	tr, err := audio.ReadWAV(path)
	if err != nil {
		t.Fatalf("ReadWAV(%s) error = %v", path, err)
	}
	if tr.SampleRate != testRate {
		t.Errorf("%s: sample rate = %d, want %d", path, tr.SampleRate, testRate)
	}
	return tr.Buffer
}

func TestSeparateBagStemsSumToMix(t *testing.T) {
	env := newTestEnv(t)
	outDir := filepath.Join(env.dir, "out")

	stdout, err := env.run(t, "separate", "--no-normalize", "-o", outDir, "--shifts", "2", "-j", "3", "--seed", "9", env.mix)
	if err != nil {
		t.Fatalf("separate error = %v", err)
	}

	var want []string
	for _, s := range fixture.Sources {
		want = append(want, filepath.Join(outDir, fixture.BagName, "mix", s+".wav"))
	}
	got := strings.Fields(stdout)
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("written paths = %v, want %v", got, want)
	}

	mix := readStem(t, env.mix)
	sum := audio.NewBuffer(2, mix.Len())
	for _, p := range want {
		b := readStem(t, p)
		if b.Channels() != 2 || b.Len() != mix.Len() {
			t.Fatalf("%s: shape %dx%d, want 2x%d", p, b.Channels(), b.Len(), mix.Len())
		}
		for c := range b {
			for i, v := range b[c] {
				sum[c][i] += v
			}
		}
	}
	for c := range mix {
		for i := range mix[c] {
			if d := math.Abs(float64(sum[c][i] - mix[c][i])); d > 2e-3 {
				t.Fatalf("stem sum differs from mix at [%d][%d] by %v", c, i, d)
			}
		}
	}
}

func TestSeparateTwoStems(t *testing.T) {
	env := newTestEnv(t)
	outDir := filepath.Join(env.dir, "out")

	stdout, err := env.run(t, "separate", "-n", "demoa", "--two-stems", "vocals", "--int24", "-o", outDir, env.mix)
	if err != nil {
		t.Fatalf("separate error = %v", err)
	}
	want := []string{
		filepath.Join(outDir, "demoa", "mix", "vocals.wav"),
		filepath.Join(outDir, "demoa", "mix", "no_vocals.wav"),
	}
	if got := strings.Fields(stdout); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("written paths = %v, want %v", got, want)
	}
	for _, p := range want {
		if b := readStem(t, p); b.Len() != testRate {
			t.Errorf("%s: %d samples, want %d", p, b.Len(), testRate)
		}
	}
}

func TestSeparateErrors(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "separate", "-n", "nosuchmodel", env.mix)
	if !errors.Is(err, repo.ErrModelNotFound) {
		t.Errorf("unknown model: error = %v, want ErrModelNotFound", err)
	}

	_, err = env.run(t, "separate", "--two-stems", "kazoo", env.mix)
	if err == nil || !strings.Contains(err.Error(), "kazoo") {
		t.Errorf("unknown stem: error = %v", err)
	}

	fast := filepath.Join(env.dir, "fast.wav")
	if err := audio.WriteWAV(fast, fixture.Mix(0.1, 2*testRate, 2, 1), 2*testRate, 16, audio.ClipNone); err != nil {
		t.Fatal(err)
	}
	_, err = env.run(t, "separate", fast)
	if err == nil || !strings.Contains(err.Error(), "sample rate") {
		t.Errorf("rate mismatch: error = %v", err)
	}

	_, err = env.run(t, "separate", "--overlap", "1.5", env.mix)
	if err == nil || !strings.Contains(err.Error(), "overlap") {
		t.Errorf("bad overlap: error = %v", err)
	}
}

func TestSeparateExclusiveFlags(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		args []string
	}{
		{"segment and no-split", []string{"--segment", "2", "--no-split"}},
		{"int24 and float32", []string{"--int24", "--float32"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outDir := filepath.Join(env.dir, "excl")
			args := append([]string{"separate", "-o", outDir}, tt.args...)
			_, err := env.run(t, append(args, env.mix)...)
			if err == nil || !strings.Contains(err.Error(), "none of the others can be") {
				t.Fatalf("separate %v error = %v, want a mutually exclusive flag error", tt.args, err)
			}
			if _, err := os.Stat(outDir); !os.IsNotExist(err) {
				t.Errorf("output written despite conflicting flags: %v", err)
			}
		})
	}
}

func TestSeparateFloat32KeepsRange(t *testing.T) {
	env := newTestEnv(t)
	loud := filepath.Join(env.dir, "loud.wav")
	mix := fixture.Mix(0.5, testRate, 2, 5)
	for c := range mix {
		for i := range mix[c] {
			mix[c][i] *= 3
		}
	}
	if err := audio.WriteFloatWAV(loud, mix, testRate, audio.ClipNone); err != nil {
		t.Fatal(err)
	}

	outDir := filepath.Join(env.dir, "out")
	stdout, err := env.run(t, "separate", "-n", "demoa", "--float32", "--clip-mode", "none",
		"--two-stems", "vocals", "-o", outDir, loud)
	if err != nil {
		t.Fatalf("separate error = %v", err)
	}
	paths := strings.Fields(stdout)
	if len(paths) != 2 {
		t.Fatalf("written paths = %v", paths)
	}
	sum := audio.NewBuffer(2, mix.Len())
	for _, p := range paths {
		b := readStem(t, p)
		for c := range b {
			for i, v := range b[c] {
				sum[c][i] += v
			}
		}
	}
	if p := sum.Peak(); p <= 1 {
		t.Fatalf("stem sum peak = %v, want the unclipped level above 1", p)
	}
	for c := range mix {
		for i := range mix[c] {
			if d := math.Abs(float64(sum[c][i] - mix[c][i])); d > 1e-4 {
				t.Fatalf("stem sum differs from mix at [%d][%d] by %v", c, i, d)
			}
		}
	}
}

func TestModelsList(t *testing.T) {
	env := newTestEnv(t)
	stdout, err := env.run(t, "models", "list")
	if err != nil {
		t.Fatalf("models list error = %v", err)
	}
	for _, want := range []string{"demoa\n", "demob\n", "demo\t(bag: demoa, demob)\n"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("models list output missing %q:\n%s", want, stdout)
		}
	}
}

func TestModelsVerify(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.run(t, "models", "verify", "demoa", "demo"); err != nil {
		t.Fatalf("verify error = %v", err)
	}

	paths, _ := filepath.Glob(filepath.Join(env.models, "demob-*"+model.Ext))
	if len(paths) != 1 {
		t.Fatalf("found %v", paths)
	}
	f, err := os.OpenFile(paths[0], os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0})
	f.Close()

	stdout, err := env.run(t, "models", "verify", "demoa", "demob")
	if err == nil {
		t.Fatal("verify of a corrupt model succeeded")
	}
	if !strings.Contains(stdout, "demoa\tok") || !strings.Contains(stdout, "demob\tFAIL") {
		t.Errorf("verify output:\n%s", stdout)
	}
}

func TestSignModel(t *testing.T) {
	env := newTestEnv(t)
	src, _ := filepath.Glob(filepath.Join(env.models, "demoa-*"+model.Ext))
	if len(src) != 1 {
		t.Fatalf("found %v", src)
	}
	unsigned := filepath.Join(env.dir, "fresh"+model.Ext)
	data, err := os.ReadFile(src[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(unsigned, data, 0644); err != nil {
		t.Fatal(err)
	}

	stdout, err := env.run(t, "models", "sign", unsigned)
	if err != nil {
		t.Fatalf("sign error = %v", err)
	}
	dest := strings.TrimSpace(stdout)
	if want := filepath.Join(env.dir, "fresh-"+strings.TrimSuffix(strings.TrimPrefix(filepath.Base(src[0]), "demoa-"), model.Ext)+model.Ext); dest != want {
		t.Errorf("signed path = %q, want %q", dest, want)
	}
	if _, err := os.Stat(unsigned); !os.IsNotExist(err) {
		t.Errorf("unsigned file still present: %v", err)
	}

	r, err := repo.NewLocalRepo(env.dir, repo.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if !r.HasModel("fresh") {
		t.Fatalf("signed model not indexed: %v", r.Signatures())
	}

	if _, err := signModel(filepath.Join(env.dir, "mix.wav"), "mix", repo.SHA256); err == nil {
		t.Error("signing a WAV file succeeded")
	}
}

func TestEngineOptions(t *testing.T) {
	tests := []struct {
		name  string
		split bool
		cfg   float64
		model float64
		want  float64 // 0 means unsegmented
	}{
		{"config wins", true, 3, 7.8, 3},
		{"model fallback", true, 0, 7.8, 7.8},
		{"no segment anywhere", true, 0, 0, 0},
		{"split off", false, 3, 7.8, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.Default().Separate
			s.Split = tt.split
			s.Segment = tt.cfg
			opts := engineOptions(s, model.Descriptor{Segment: tt.model})
			switch {
			case tt.want == 0 && opts.Segment != nil:
				t.Errorf("Segment = %v, want nil", *opts.Segment)
			case tt.want != 0 && (opts.Segment == nil || *opts.Segment != tt.want):
				t.Errorf("Segment = %v, want %v", opts.Segment, tt.want)
			}
			if opts.Shifts != s.Shifts || opts.Overlap != s.Overlap {
				t.Errorf("opts = %+v", opts)
			}
		})
	}
}

func TestLoadConfigMissingDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Models.Default != "demo" {
		t.Errorf("Models.Default = %q, want demo", cfg.Models.Default)
	}
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("loadConfig() of an explicit missing file succeeded")
	}
}
