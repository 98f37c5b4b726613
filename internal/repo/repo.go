// Package repo resolves model signatures and bag names to loaded models.
//
// Weight files are named "<signature>.model" or
// "<signature>-<checksum>.model", where checksum is a hex prefix of the
// file's content hash. Bags are YAML manifests named "<bag>.yaml" listing
// member signatures. Indexes are built once by the constructors and only
// change on an explicit Rescan.
package repo

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/chaz8081/gostem/internal/model"
)

var (
	// ErrModelNotFound marks a signature or bag name missing from an index,
	// including bag members that cannot be resolved.
	ErrModelNotFound = errors.New("model not found")
	// ErrCorruptModel marks a weight file whose content hash does not match
	// the checksum in its name.
	ErrCorruptModel = errors.New("corrupt model file")
	// ErrModelLoading marks scan failures (duplicate signatures, malformed
	// names, unreadable directories) and undecodable weight files.
	ErrModelLoading = errors.New("model loading failed")
)

const instrumentation = "github.com/chaz8081/gostem/internal/repo"

var (
	tracer = otel.Tracer(instrumentation)
	meter  = otel.Meter(instrumentation)

	modelsLoaded, _ = meter.Int64Counter("gostem.repo.models_loaded", metric.WithDescription("Weight files loaded and verified"))
)

// ModelRepo resolves single-model signatures.
type ModelRepo interface {
	HasModel(sig string) bool
	GetModel(ctx context.Context, sig string) (model.Model, error)
	Signatures() []string
}

// entry is one indexed weight file.
type entry struct {
	file     string
	checksum string
}

// parseModelName splits "<sig>[-<checksum>].model" into its parts.
func parseModelName(name string) (sig, checksum string, err error) {
	stem := strings.TrimSuffix(name, model.Ext)
	sig, checksum, _ = strings.Cut(stem, "-")
	if sig == "" {
		return "", "", errors.Mark(errors.Newf("%s: empty signature", name), ErrModelLoading)
	}
	if strings.Contains(checksum, "-") {
		return "", "", errors.Mark(errors.Newf("%s: expected <signature>-<checksum>%s", name, model.Ext), ErrModelLoading)
	}
	if checksum != "" {
		if _, err := hex.DecodeString(padEven(checksum)); err != nil {
			return "", "", errors.Mark(errors.Newf("%s: checksum %q is not hex", name, checksum), ErrModelLoading)
		}
	}
	return sig, checksum, nil
}

func padEven(s string) string {
	if len(s)%2 == 1 {
		return s + "0"
	}
	return s
}

// addEntry adds name to idx, failing on a duplicate signature.
func addEntry(idx map[string]entry, name string) error {
	sig, checksum, err := parseModelName(name)
	if err != nil {
		return err
	}
	if prev, ok := idx[sig]; ok {
		return errors.Mark(
			errors.Newf("duplicate model files for signature %s: %s and %s; delete all but one", sig, prev.file, name),
			ErrModelLoading)
	}
	idx[sig] = entry{file: name, checksum: checksum}
	return nil
}

// loadVerified reads path once, checks its hash against checksum and decodes
// the model from the same bytes.
func loadVerified(path, sig, checksum string, alg Algorithm) (*model.Single, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "reading model %s", sig), ErrModelLoading)
	}
	if checksum != "" {
		if err := alg.Verify(data, checksum); err != nil {
			return nil, errors.Wrapf(err, "model %s (%s)", sig, path)
		}
	}
	f, err := model.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "model %s (%s)", sig, path), ErrModelLoading)
	}
	m, err := model.Load(f, sig, checksum)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "model %s (%s)", sig, path), ErrModelLoading)
	}
	modelsLoaded.Add(context.Background(), 1)
	slog.Debug("model resolved", "signature", sig, "path", path, "verified", checksum != "")
	return m, nil
}
