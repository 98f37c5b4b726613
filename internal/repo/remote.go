package repo

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
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

// DefaultIndex is the name of the remote file listing available weight files.
const DefaultIndex = "files.txt"

// Fetcher opens named objects of a remote store.
type Fetcher interface {
	// Open returns the object's body and size (-1 if unknown). A missing
	// object is reported with ErrModelNotFound.
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	// Location describes the store for logs and errors.
	Location() string
}

// RemoteRepo indexes weight files listed in a remote index and downloads
// them into a cache directory on first use.
type RemoteRepo struct {
	fetcher  Fetcher
	cacheDir string
	index    string
	alg      Algorithm

	mu   sync.RWMutex
	idx  map[string]entry
	load sync.Mutex
}

var _ ModelRepo = (*RemoteRepo)(nil)

// NewRemoteRepo fetches the index (DefaultIndex when index is empty).
func NewRemoteRepo(ctx context.Context, fetcher Fetcher, index, cacheDir string, alg Algorithm) (*RemoteRepo, error) {
	if index == "" {
		index = DefaultIndex
	}
	r := &RemoteRepo{fetcher: fetcher, cacheDir: cacheDir, index: index, alg: alg}
	if err := r.Rescan(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Rescan refetches the index. Lines are file names; blank lines and lines
// starting with '#' are skipped.
func (r *RemoteRepo) Rescan(ctx context.Context) error {
	body, _, err := r.fetcher.Open(ctx, r.index)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "fetching index %s from %s", r.index, r.fetcher.Location()), ErrModelLoading)
	}
	defer body.Close()

	idx := make(map[string]entry)
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if path.Base(line) != line || !strings.HasSuffix(line, model.Ext) {
			return errors.Mark(errors.Newf("index %s: invalid entry %q", r.index, line), ErrModelLoading)
		}
		if err := addEntry(idx, line); err != nil {
			return errors.Wrapf(err, "index %s", r.index)
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Mark(errors.Wrapf(err, "reading index %s", r.index), ErrModelLoading)
	}

	r.mu.Lock()
	r.idx = idx
	r.mu.Unlock()
	slog.Debug("remote model index fetched", "location", r.fetcher.Location(), "models", len(idx))
	return nil
}

func (r *RemoteRepo) HasModel(sig string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.idx[sig]
	return ok
}

// Signatures returns the indexed signatures, sorted.
func (r *RemoteRepo) Signatures() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sigs := make([]string, 0, len(r.idx))
	for sig := range r.idx {
		sigs = append(sigs, sig)
	}
	slices.Sort(sigs)
	return sigs
}

// GetModel downloads the weight file for sig unless it is cached, then
// verifies and loads it.
func (r *RemoteRepo) GetModel(ctx context.Context, sig string) (model.Model, error) {
	ctx, span := tracer.Start(ctx, "repo.RemoteRepo.GetModel", trace.WithAttributes(attribute.String("signature", sig)))
	defer span.End()

	m, err := r.getModel(ctx, sig)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return m, nil
}

func (r *RemoteRepo) getModel(ctx context.Context, sig string) (model.Model, error) {
	r.mu.RLock()
	e, ok := r.idx[sig]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Mark(errors.Newf("no model with signature %s at %s", sig, r.fetcher.Location()), ErrModelNotFound)
	}

	dest := filepath.Join(r.cacheDir, e.file)
	r.load.Lock()
	err := r.ensureCached(ctx, e, dest)
	r.load.Unlock()
	if err != nil {
		return nil, err
	}
	return loadVerified(dest, sig, e.checksum, r.alg)
}

// ensureCached downloads e into dest unless a verified copy is already
// there. Corrupt cached copies are evicted and fetched again; a corrupt
// download never reaches dest.
func (r *RemoteRepo) ensureCached(ctx context.Context, e entry, dest string) error {
	name := e.file
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		err := r.verifyFile(dest, e.checksum)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrCorruptModel) {
			return err
		}
		slog.Warn("evicting corrupt cached model", "file", dest, "error", err)
		if err := os.Remove(dest); err != nil {
			return errors.Wrapf(err, "evicting %s", dest)
		}
	}
	if err := os.MkdirAll(r.cacheDir, 0755); err != nil {
		return errors.Wrap(err, "creating model cache dir")
	}

	slog.Info("downloading model", "file", name, "from", r.fetcher.Location(), "to", dest)
	body, size, err := r.fetcher.Open(ctx, name)
	if err != nil {
		return errors.Wrapf(err, "downloading %s", name)
	}
	defer body.Close()

	// Write to a temp file first, then rename.
	tmpPath := dest + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	pw := &progressWriter{writer: f, total: size, label: name}
	written, err := io.Copy(pw, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "writing %s", name)
	}
	if err := r.verifyFile(tmpPath, e.checksum); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "downloading %s", name)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "moving %s into cache", name)
	}
	slog.Info("model downloaded", "file", name, "size", formatMB(written))
	return nil
}

// verifyFile checks the file at path against checksum. An empty checksum
// always passes.
func (r *RemoteRepo) verifyFile(path, checksum string) error {
	if checksum == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "reading %s", path), ErrModelLoading)
	}
	return r.alg.Verify(data, checksum)
}

// progressWriter wraps an io.Writer and logs download progress every 10%.
type progressWriter struct {
	writer  io.Writer
	total   int64
	written int64
	label   string
	step    int64
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		if s := pw.written * 10 / pw.total; s > pw.step {
			pw.step = s
			slog.Debug("download progress", "file", pw.label,
				"done", formatMB(pw.written), "total", formatMB(pw.total), "percent", s*10)
		}
	}
	return n, err
}

func formatMB(n int64) string {
	return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
}
