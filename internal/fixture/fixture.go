// Package fixture generates a small self-contained model repository: two
// FIR models whose stems always sum back to the mix, and a bag combining
// them. It backs the stem-fixture command and end-to-end tests.
package fixture

import (
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/gostem/internal/audio"
	"github.com/chaz8081/gostem/internal/model"
	"github.com/chaz8081/gostem/internal/repo"
)

// BagName is the name of the generated bag.
const BagName = "demo"

// Sources are the stems produced by the generated models.
var Sources = []string{"drums", "bass", "other", "vocals"}

// Options controls the generated repository.
type Options struct {
	SampleRate int
	Channels   int
	// Checksum selects the hash in signed file names.
	Checksum repo.Algorithm
	// Segment is the bag segment length in seconds.
	Segment float64
}

// DefaultOptions returns a 44.1 kHz stereo repository.
func DefaultOptions() Options {
	return Options{SampleRate: 44100, Channels: 2, Checksum: repo.SHA256, Segment: 1.5}
}

// taps per source; each set sums to a unit impulse.
var (
	tapsA = [][]float32{
		{-0.125, 0.25, -0.125},
		{0.125, 0.25, 0.125},
		{0, 0.25, 0},
		{0, 0.25, 0},
	}
	tapsB = [][]float32{
		{0, -0.1, 0.3, -0.1, 0},
		{0.05, 0.1, 0.2, 0.1, 0.05},
		{-0.05, 0, 0.2, 0, -0.05},
		{0, 0, 0.3, 0, 0},
	}
)

// Write creates dir and writes both models and the bag manifest into it.
// It returns the written paths, models first.
func Write(dir string, o Options) ([]string, error) {
	if o.SampleRate <= 0 || o.Channels <= 0 {
		return nil, errors.Newf("invalid fixture format %d Hz, %d channels", o.SampleRate, o.Channels)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating fixture dir")
	}

	var paths, sigs []string
	for _, m := range []struct {
		sig     string
		taps    [][]float32
		segment float64
	}{
		{"demoa", tapsA, 2},
		{"demob", tapsB, 0},
	} {
		f := &model.File{
			Format:     model.FormatVersion,
			Kind:       "conv",
			Sources:    Sources,
			SampleRate: o.SampleRate,
			Channels:   o.Channels,
			Segment:    m.segment,
			Conv:       &model.ConvParams{Kernels: kernels(m.taps, o.Channels)},
		}
		path, err := writeSigned(dir, m.sig, f, o.Checksum)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
		sigs = append(sigs, m.sig)
	}

	manifest := repo.Manifest{Models: sigs, Segment: o.Segment}
	data, err := yaml.Marshal(&manifest)
	if err != nil {
		return nil, errors.Wrap(err, "encoding bag manifest")
	}
	path := filepath.Join(dir, BagName+repo.BagExt)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, errors.Wrap(err, "writing bag manifest")
	}
	return append(paths, path), nil
}

// kernels lays out per-source taps as channel-diagonal kernels.
func kernels(taps [][]float32, channels int) [][][][]float32 {
	out := make([][][][]float32, len(taps))
	for s, t := range taps {
		out[s] = make([][][]float32, channels)
		for oc := range channels {
			out[s][oc] = make([][]float32, channels)
			for ic := range channels {
				k := make([]float32, len(t))
				if ic == oc {
					copy(k, t)
				}
				out[s][oc][ic] = k
			}
		}
	}
	return out
}

func writeSigned(dir, sig string, f *model.File, alg repo.Algorithm) (string, error) {
	tmp := filepath.Join(dir, sig+".tmp")
	if err := model.SaveFile(tmp, f); err != nil {
		return "", err
	}
	sum, err := alg.SumFile(tmp)
	if err != nil {
		os.Remove(tmp)
		return "", err
	}
	path := filepath.Join(dir, sig+"-"+sum[:8]+model.Ext)
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", errors.Wrap(err, "renaming weight file")
	}
	return path, nil
}

// Mix synthesizes a test track: a bass tone, a melody and a noise burst
// every half second, peaking below 0.8.
func Mix(seconds float64, sampleRate, channels int, seed uint64) audio.Buffer {
	n := int(math.Round(seconds * float64(sampleRate)))
	b := audio.NewBuffer(channels, n)
	rng := rand.New(rand.NewPCG(seed, seed+1))
	burst := sampleRate / 2
	for i := range n {
		t := float64(i) / float64(sampleRate)
		v := 0.3*math.Sin(2*math.Pi*55*t) + 0.2*math.Sin(2*math.Pi*440*t)
		if burst > 0 && i%burst < burst/10 {
			v += 0.2 * (rng.Float64()*2 - 1)
		}
		for c := range channels {
			b[c][i] = float32(v * (1 - 0.1*float64(c)))
		}
	}
	return b
}
