package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/chaz8081/gostem/internal/audio"
	"github.com/chaz8081/gostem/internal/config"
	"github.com/chaz8081/gostem/internal/export"
	"github.com/chaz8081/gostem/internal/model"
	"github.com/chaz8081/gostem/internal/separate"
)

type separateFlags struct {
	name        string
	repo        string
	out         string
	filename    string
	shifts      int
	overlap     float64
	segment     float64
	noSplit     bool
	jobs        int
	devices     int
	seed        uint64
	twoStems    string
	int24       bool
	float32     bool
	clip        string
	noNormalize bool
}

func newSeparateCmd(a *app) *cobra.Command {
	var f separateFlags
	cmd := &cobra.Command{
		Use:   "separate [flags] <track.wav>...",
		Short: "Separate WAV tracks into stems",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.apply(cmd, a.cfg)
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return runSeparate(cmd.Context(), a.cfg, f.repo, args, cmd.OutOrStdout())
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.name, "name", "n", "", "model signature or bag name (default: models.default)")
	fl.StringVar(&f.repo, "repo", "", "local directory holding models and bags")
	fl.StringVarP(&f.out, "out", "o", "", "output directory")
	fl.StringVar(&f.filename, "filename", "", "output file name template ({track}, {trackext}, {stem}, {ext})")
	fl.IntVar(&f.shifts, "shifts", 1, "number of random shifts averaged together")
	fl.Float64Var(&f.overlap, "overlap", separate.DefaultOverlap, "overlap between segments")
	fl.Float64Var(&f.segment, "segment", 0, "segment length in seconds (default: the model's own)")
	fl.BoolVar(&f.noSplit, "no-split", false, "process the whole track as one segment")
	fl.IntVarP(&f.jobs, "jobs", "j", 0, "number of parallel segment jobs")
	fl.IntVar(&f.devices, "devices", 0, "number of accelerators shared by the jobs")
	fl.Uint64Var(&f.seed, "seed", 0, "seed for the shift sampler")
	fl.StringVar(&f.twoStems, "two-stems", "", "only separate STEM from the rest (e.g. vocals)")
	fl.BoolVar(&f.int24, "int24", false, "write 24-bit WAV files")
	fl.BoolVar(&f.float32, "float32", false, "write 32-bit float WAV files")
	fl.StringVar(&f.clip, "clip-mode", "", "clipping strategy: rescale, clamp or none")
	fl.BoolVar(&f.noNormalize, "no-normalize", false, "skip input standardization")
	cmd.MarkFlagsMutuallyExclusive("segment", "no-split")
	cmd.MarkFlagsMutuallyExclusive("int24", "float32")
	return cmd
}

// apply copies the flags given on the command line into cfg.
func (f *separateFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("name") {
		cfg.Models.Default = f.name
	}
	if changed("out") {
		cfg.Output.Dir = f.out
	}
	if changed("filename") {
		cfg.Output.Filename = f.filename
	}
	if changed("shifts") {
		cfg.Separate.Shifts = f.shifts
	}
	if changed("overlap") {
		cfg.Separate.Overlap = f.overlap
	}
	if changed("segment") {
		cfg.Separate.Segment = f.segment
	}
	if changed("no-split") {
		cfg.Separate.Split = !f.noSplit
	}
	if changed("jobs") {
		cfg.Separate.Workers = f.jobs
	}
	if changed("devices") {
		cfg.Separate.Devices = f.devices
	}
	if changed("seed") {
		cfg.Separate.Seed = f.seed
	}
	if changed("two-stems") {
		cfg.Output.TwoStems = f.twoStems
	}
	if changed("int24") && f.int24 {
		cfg.Output.BitDepth = 24
	}
	if changed("float32") {
		cfg.Output.Float32 = f.float32
	}
	if changed("clip-mode") {
		cfg.Output.Clip = f.clip
	}
	if changed("no-normalize") {
		cfg.Separate.Normalize = !f.noNormalize
	}
}

func runSeparate(ctx context.Context, cfg *config.Config, repoDir string, tracks []string, out io.Writer) error {
	r, err := openRepo(ctx, cfg, repoDir)
	if err != nil {
		return err
	}
	name := cfg.Models.Default
	m, err := r.Get(ctx, name)
	if err != nil {
		return errors.WithHint(err, "`gostem models list` shows the available models")
	}
	if c, ok := m.(interface{ Close() error }); ok {
		defer c.Close()
	}
	desc := m.Descriptor()
	if cfg.Output.TwoStems != "" && desc.SourceIndex(cfg.Output.TwoStems) < 0 {
		return errors.Newf("stem %q is not in the model sources %v", cfg.Output.TwoStems, desc.Sources)
	}
	slog.Info("model selected", "name", name, "sources", desc.Sources, "sample_rate", desc.SampleRate)

	w := &export.Writer{
		Dir:      filepath.Join(cfg.Output.Dir, name),
		Template: cfg.Output.Filename,
		BitDepth: cfg.Output.BitDepth,
		Float:    cfg.Output.Float32,
		Clip:     audio.ClipMode(cfg.Output.Clip),
	}
	for _, track := range tracks {
		if err := ctx.Err(); err != nil {
			return err
		}
		paths, err := separateTrack(ctx, cfg, m, track, w)
		if err != nil {
			return errors.Wrapf(err, "track %s", track)
		}
		for _, p := range paths {
			fmt.Fprintln(out, p)
		}
	}
	return nil
}

// separateTrack runs one track through m and writes its stems.
func separateTrack(ctx context.Context, cfg *config.Config, m model.Model, track string, w *export.Writer) ([]string, error) {
	desc := m.Descriptor()
	in, err := audio.ReadWAV(track)
	if err != nil {
		return nil, err
	}
	if in.SampleRate != desc.SampleRate {
		return nil, errors.Newf("sample rate %d Hz does not match the model's %d Hz; resample the track first",
			in.SampleRate, desc.SampleRate)
	}
	mix, err := audio.ConvertChannels(in.Buffer, desc.Channels)
	if err != nil {
		return nil, err
	}

	var stats audio.Stats
	if cfg.Separate.Normalize {
		mix, stats = audio.Normalize(mix)
	}

	opts := engineOptions(cfg.Separate, desc)
	opts.MaxShift = int(cfg.Separate.MaxShift * float64(desc.SampleRate))
	opts.Progress = progressLogger(track)

	slog.Info("separating", "track", track, "seconds", float64(mix.Len())/float64(desc.SampleRate),
		"shifts", opts.Shifts, "workers", opts.Workers)
	start := time.Now()
	stems, err := separate.Apply(ctx, m, mix, opts)
	if err != nil {
		return nil, err
	}
	if cfg.Separate.Normalize {
		audio.Denormalize(stems, stats)
	}
	slog.Info("separated", "track", track, "elapsed", time.Since(start).Round(time.Millisecond))

	var named []export.Stem
	if cfg.Output.TwoStems != "" {
		named, err = export.TwoStems(desc.Sources, stems, cfg.Output.TwoStems)
		if err != nil {
			return nil, err
		}
	} else {
		named = export.Named(desc.Sources, stems)
	}
	return w.Write(track, named, desc.SampleRate)
}

// engineOptions maps the separate config onto engine options. Segments
// come from the config, then the model; with Split off the whole track is
// one segment.
func engineOptions(s config.SeparateConfig, desc model.Descriptor) separate.Options {
	opts := separate.Options{
		Shifts:  s.Shifts,
		Overlap: s.Overlap,
		Workers: s.Workers,
		Devices: s.Devices,
		Seed:    s.Seed,
	}
	switch {
	case !s.Split:
	case s.Segment > 0:
		opts.Segment = separate.Seconds(s.Segment)
	case desc.Segment > 0:
		opts.Segment = separate.Seconds(desc.Segment)
	}
	return opts
}

// progressLogger logs job progress every 10%.
func progressLogger(track string) func(done, total int) {
	next := 10
	return func(done, total int) {
		pct := done * 100 / total
		if pct >= next || done == total {
			slog.Info("progress", "track", track, "jobs", fmt.Sprintf("%d/%d", done, total), "percent", pct)
			next = pct/10*10 + 10
		}
	}
}
