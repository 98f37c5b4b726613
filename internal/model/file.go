package model

import (
	"bufio"
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// FormatVersion is the weight file layout written by Save.
const FormatVersion = 1

// Ext is the file extension of weight files.
const Ext = ".model"

// File is the on-disk weight container: a single msgpack document.
type File struct {
	Format     int         `msgpack:"format"`
	Kind       string      `msgpack:"kind"`
	Sources    []string    `msgpack:"sources"`
	SampleRate int         `msgpack:"sample_rate"`
	Channels   int         `msgpack:"channels"`
	Segment    float64     `msgpack:"segment,omitempty"`
	Conv       *ConvParams `msgpack:"conv,omitempty"`
	Exec       *ExecParams `msgpack:"exec,omitempty"`
}

// ConvParams holds FIR kernels laid out [source][out channel][in channel][tap].
// The tap count is odd and shared by every kernel.
type ConvParams struct {
	Kernels [][][][]float32 `msgpack:"kernels"`
}

// ExecParams configures an external inference process.
type ExecParams struct {
	// Command is a shell-words command line; window paths are appended.
	Command string `msgpack:"command"`
	// Context is the number of extra samples the process needs on each side.
	Context int `msgpack:"context"`
}

// Validate checks the header fields shared by every backend.
func (f *File) Validate() error {
	if f.Format != FormatVersion {
		return errors.Newf("unsupported weight format %d (want %d)", f.Format, FormatVersion)
	}
	if len(f.Sources) == 0 {
		return errors.New("weight file declares no sources")
	}
	seen := make(map[string]bool, len(f.Sources))
	for _, s := range f.Sources {
		if s == "" || seen[s] {
			return errors.Newf("invalid or duplicate source name %q", s)
		}
		seen[s] = true
	}
	if f.SampleRate <= 0 {
		return errors.Newf("sample_rate must be > 0, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return errors.Newf("channels must be > 0, got %d", f.Channels)
	}
	if f.Segment < 0 {
		return errors.Newf("segment must be >= 0, got %g", f.Segment)
	}
	return nil
}

// Save encodes f to w.
func Save(w io.Writer, f *File) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := msgpack.NewEncoder(w).Encode(f); err != nil {
		return errors.Wrap(err, "encoding weight file")
	}
	return nil
}

// SaveFile writes f to path.
func SaveFile(path string, f *File) error {
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating weight file")
	}
	w := bufio.NewWriter(out)
	if err := Save(w, f); err != nil {
		out.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return errors.Wrap(err, "writing weight file")
	}
	return out.Close()
}

// Decode reads a weight file header and parameters from r.
func Decode(r io.Reader) (*File, error) {
	var f File
	if err := msgpack.NewDecoder(r).Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decoding weight file")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load builds a runnable model from a decoded weight file.
func Load(f *File, signature, checksum string) (*Single, error) {
	net, err := newNetwork(f)
	if err != nil {
		return nil, errors.Wrapf(err, "model %s", signature)
	}
	desc := Descriptor{
		Signature:  signature,
		Checksum:   checksum,
		Sources:    append([]string(nil), f.Sources...),
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Segment:    f.Segment,
	}
	slog.Debug("model loaded", "signature", signature, "kind", f.Kind,
		"sources", f.Sources, "sample_rate", f.SampleRate, "context", net.Context())
	return NewSingle(desc, net), nil
}

// LoadFile reads and builds the model stored at path.
func LoadFile(path, signature, checksum string) (*Single, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening weight file %s", path)
	}
	defer in.Close()

	f, err := Decode(bufio.NewReader(in))
	if err != nil {
		return nil, errors.Wrapf(err, "weight file %s", path)
	}
	return Load(f, signature, checksum)
}

// newNetwork selects the backend named by the file kind.
func newNetwork(f *File) (Network, error) {
	switch f.Kind {
	case "conv":
		return newConvNet(f)
	case "exec":
		return newExecNet(f)
	default:
		return nil, errors.Newf("unknown backend %q (supported: conv, exec)", f.Kind)
	}
}
