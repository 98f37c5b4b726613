package repo

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chaz8081/gostem/internal/model"
)

// LocalRepo indexes the weight files of one directory.
type LocalRepo struct {
	root string
	alg  Algorithm

	mu  sync.RWMutex
	idx map[string]entry
}

var _ ModelRepo = (*LocalRepo)(nil)

// NewLocalRepo scans root. Two files with the same signature fail the scan.
func NewLocalRepo(root string, alg Algorithm) (*LocalRepo, error) {
	r := &LocalRepo{root: root, alg: alg}
	if err := r.Rescan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Root returns the scanned directory.
func (r *LocalRepo) Root() string { return r.root }

// Rescan rebuilds the index. On failure the previous index is kept.
func (r *LocalRepo) Rescan() error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "scanning %s", r.root), ErrModelLoading)
	}
	idx := make(map[string]entry)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), model.Ext) {
			continue
		}
		if err := addEntry(idx, e.Name()); err != nil {
			return errors.Wrapf(err, "scanning %s", r.root)
		}
	}

	r.mu.Lock()
	r.idx = idx
	r.mu.Unlock()
	slog.Debug("model repository scanned", "root", r.root, "models", len(idx))
	return nil
}

func (r *LocalRepo) HasModel(sig string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.idx[sig]
	return ok
}

// Signatures returns the indexed signatures, sorted.
func (r *LocalRepo) Signatures() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sigs := make([]string, 0, len(r.idx))
	for sig := range r.idx {
		sigs = append(sigs, sig)
	}
	slices.Sort(sigs)
	return sigs
}

// Path returns the file indexed for sig.
func (r *LocalRepo) Path(sig string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.idx[sig]
	if !ok {
		return "", false
	}
	return filepath.Join(r.root, e.file), true
}

// GetModel verifies and loads the weight file for sig. A checksum mismatch
// returns ErrCorruptModel and no model.
func (r *LocalRepo) GetModel(ctx context.Context, sig string) (model.Model, error) {
	_, span := tracer.Start(ctx, "repo.LocalRepo.GetModel", trace.WithAttributes(attribute.String("signature", sig)))
	defer span.End()

	r.mu.RLock()
	e, ok := r.idx[sig]
	r.mu.RUnlock()
	if !ok {
		err := errors.Mark(errors.Newf("no model with signature %s in %s", sig, r.root), ErrModelNotFound)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m, err := loadVerified(filepath.Join(r.root, e.file), sig, e.checksum, r.alg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return m, nil
}
