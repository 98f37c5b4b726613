package model

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mattn/go-shellwords"

	"github.com/chaz8081/gostem/internal/audio"
)

// execNet runs an external process per window. The process receives
//
//	--input <wav> --output <wav> --sources a,b,c --sample-rate <hz>
//
// appended to the configured command, and must write a WAV with
// sources*channels channels, grouped by source, of the same length. Windows
// are exchanged as 32-bit float WAV so standardized audio beyond [-1, 1]
// survives the round trip; integer PCM output is accepted too.
type execNet struct {
	cmd        []string
	context    int
	sources    []string
	sampleRate int
}

func newExecNet(f *File) (*execNet, error) {
	if f.Exec == nil {
		return nil, errors.New("exec backend requires exec parameters")
	}
	args, err := shellwords.NewParser().Parse(f.Exec.Command)
	if err != nil {
		return nil, errors.Wrap(err, "parse exec command")
	}
	if len(args) == 0 {
		return nil, errors.New("exec command is empty")
	}
	if f.Exec.Context < 0 {
		return nil, errors.Newf("exec context must be >= 0, got %d", f.Exec.Context)
	}
	return &execNet{
		cmd:        args,
		context:    f.Exec.Context,
		sources:    f.Sources,
		sampleRate: f.SampleRate,
	}, nil
}

func (n *execNet) Context() int { return n.context }

func (n *execNet) Close() error { return nil }

func (n *execNet) Forward(ctx context.Context, input audio.Buffer) (audio.Stems, error) {
	dir, err := os.MkdirTemp("", "gostem-exec-*")
	if err != nil {
		return nil, errors.Wrap(err, "temp dir")
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "input.wav")
	outPath := filepath.Join(dir, "output.wav")

	in, err := os.Create(inPath)
	if err != nil {
		return nil, errors.Wrap(err, "temp input")
	}
	if err := audio.EncodeFloatWAV(in, input, n.sampleRate); err != nil {
		in.Close()
		return nil, err
	}
	if err := in.Close(); err != nil {
		return nil, errors.Wrap(err, "temp input")
	}

	args := append([]string{}, n.cmd[1:]...)
	args = append(args,
		"--input", inPath,
		"--output", outPath,
		"--sources", strings.Join(n.sources, ","),
		"--sample-rate", strconv.Itoa(n.sampleRate),
	)
	command := exec.CommandContext(ctx, n.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, errors.Wrapf(err, "exec model failed: %s", strings.TrimSpace(stderr.String()))
	}

	tr, err := audio.ReadWAV(outPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading exec model output")
	}
	return splitSources(tr.Buffer, len(n.sources), input.Channels())
}

// splitSources regroups a [sources*channels][length] buffer into stems.
func splitSources(b audio.Buffer, sources, channels int) (audio.Stems, error) {
	if b.Channels() != sources*channels {
		return nil, errors.Mark(
			errors.Newf("exec output has %d channels, want %d sources x %d channels", b.Channels(), sources, channels),
			ErrInference)
	}
	out := make(audio.Stems, sources)
	for s := range out {
		out[s] = b[s*channels : (s+1)*channels]
	}
	return out, nil
}
