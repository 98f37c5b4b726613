// Command stem-fixture writes a demo model repository (two FIR models and
// a "demo" bag) and, optionally, a synthetic test track.
//
// Usage:
//
//	go run ./cmd/stem-fixture [--dir DIR] [--rate 44100] [--channels 2] [--mix song.wav]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gostem/internal/audio"
	"github.com/chaz8081/gostem/internal/config"
	"github.com/chaz8081/gostem/internal/fixture"
	"github.com/chaz8081/gostem/internal/repo"
)

func main() {
	o := fixture.DefaultOptions()
	var (
		dir      string
		checksum string
		mix      string
		seconds  float64
	)
	cmd := &cobra.Command{
		Use:           "stem-fixture",
		Short:         "Write a demo model repository",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := repo.ParseAlgorithm(checksum)
			if err != nil {
				return err
			}
			o.Checksum = alg
			paths, err := fixture.Write(dir, o)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Println(p)
			}
			if mix == "" {
				return nil
			}
			b := fixture.Mix(seconds, o.SampleRate, o.Channels, 1)
			if err := audio.WriteWAV(mix, b, o.SampleRate, 16, audio.ClipNone); err != nil {
				return err
			}
			fmt.Println(mix)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&dir, "dir", config.DefaultModelsDir(), "repository directory")
	fl.IntVar(&o.SampleRate, "rate", o.SampleRate, "model sample rate")
	fl.IntVar(&o.Channels, "channels", o.Channels, "model channel count")
	fl.Float64Var(&o.Segment, "segment", o.Segment, "bag segment length in seconds")
	fl.StringVar(&checksum, "checksum", string(repo.SHA256), "checksum in file names: sha256 or blake2b")
	fl.StringVar(&mix, "mix", "", "also write a synthetic track to this WAV path")
	fl.Float64Var(&seconds, "seconds", 10, "length of the synthetic track")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
