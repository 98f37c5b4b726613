// Package export writes separated stems to WAV files.
package export

import (
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/chaz8081/gostem/internal/audio"
)

// DefaultTemplate places each stem in a directory named after the track.
const DefaultTemplate = "{track}/{stem}.{ext}"

// Stem is one named output signal.
type Stem struct {
	Name  string
	Audio audio.Buffer
}

// Named pairs source names with separated stems.
func Named(sources []string, stems audio.Stems) []Stem {
	out := make([]Stem, len(sources))
	for i, name := range sources {
		out[i] = Stem{Name: name, Audio: stems[i]}
	}
	return out
}

// TwoStems reduces stems to keep and "no_<keep>", the sum of every other
// source.
func TwoStems(sources []string, stems audio.Stems, keep string) ([]Stem, error) {
	idx := -1
	var rest []int
	for i, s := range sources {
		if s == keep {
			idx = i
		} else {
			rest = append(rest, i)
		}
	}
	if idx < 0 {
		return nil, errors.Newf("stem %q is not one of the model sources %v", keep, sources)
	}
	return []Stem{
		{Name: keep, Audio: stems[idx]},
		{Name: "no_" + keep, Audio: stems.Sum(rest...)},
	}, nil
}

// FileName expands template for a track path and stem. Supported fields are
// {track} (base name without extension), {trackext} (extension without the
// dot), {stem} and {ext}.
func FileName(template, track, stem, ext string) string {
	base := filepath.Base(track)
	trackExt := strings.TrimPrefix(filepath.Ext(base), ".")
	r := strings.NewReplacer(
		"{track}", strings.TrimSuffix(base, filepath.Ext(base)),
		"{trackext}", trackExt,
		"{stem}", stem,
		"{ext}", ext,
	)
	return r.Replace(template)
}

// Writer writes stems below Dir.
type Writer struct {
	Dir      string
	Template string
	BitDepth int
	// Float writes 32-bit float WAV instead of BitDepth PCM.
	Float bool
	Clip  audio.ClipMode
}

// Write stores every stem of track and returns the written paths.
func (w *Writer) Write(track string, stems []Stem, sampleRate int) ([]string, error) {
	template := w.Template
	if template == "" {
		template = DefaultTemplate
	}
	paths := make([]string, 0, len(stems))
	for _, s := range stems {
		path := filepath.Join(w.Dir, FileName(template, track, s.Name, "wav"))
		var err error
		if w.Float {
			err = audio.WriteFloatWAV(path, s.Audio, sampleRate, w.Clip)
		} else {
			err = audio.WriteWAV(path, s.Audio, sampleRate, w.BitDepth, w.Clip)
		}
		if err != nil {
			return paths, errors.Wrapf(err, "writing stem %s", s.Name)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
