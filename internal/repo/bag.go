package repo

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/gostem/internal/model"
	"github.com/chaz8081/gostem/internal/separate"
)

// BagExt is the extension of bag manifests.
const BagExt = ".yaml"

// Manifest is the YAML description of a bag of models.
type Manifest struct {
	Models []string `yaml:"models"`
	// Weights is indexed [model][source]; omitted means equal weights.
	Weights [][]float64 `yaml:"weights,omitempty"`
	// Segment overrides the members' segment length, in seconds.
	Segment float64 `yaml:"segment,omitempty"`
}

// BagRepo indexes bag manifests and resolves their members through a
// ModelRepo.
type BagRepo struct {
	root   string
	models ModelRepo

	mu   sync.RWMutex
	bags map[string]string
}

// NewBagRepo scans root for manifests.
func NewBagRepo(root string, models ModelRepo) (*BagRepo, error) {
	r := &BagRepo{root: root, models: models}
	if err := r.Rescan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Rescan rebuilds the manifest index.
func (r *BagRepo) Rescan() error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "scanning %s", r.root), ErrModelLoading)
	}
	bags := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != BagExt {
			continue
		}
		bags[strings.TrimSuffix(e.Name(), BagExt)] = filepath.Join(r.root, e.Name())
	}
	r.mu.Lock()
	r.bags = bags
	r.mu.Unlock()
	return nil
}

func (r *BagRepo) HasBag(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bags[name]
	return ok
}

// Names returns the indexed bag names, sorted.
func (r *BagRepo) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bags))
	for n := range r.bags {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Manifest reads and parses the manifest of bag name.
func (r *BagRepo) Manifest(name string) (*Manifest, error) {
	r.mu.RLock()
	path, ok := r.bags[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Mark(errors.Newf("%s is neither a single model nor a bag of models", name), ErrModelNotFound)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "reading bag %s", name), ErrModelLoading)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parsing bag %s", name), ErrModelLoading)
	}
	return &m, nil
}

// GetBag resolves every member of bag name. Any member that is missing or
// fails to load fails the whole bag.
func (r *BagRepo) GetBag(ctx context.Context, name string) (*separate.Bag, error) {
	ctx, span := tracer.Start(ctx, "repo.BagRepo.GetBag")
	defer span.End()

	m, err := r.Manifest(name)
	if err != nil {
		return nil, err
	}
	members := make([]model.Model, 0, len(m.Models))
	for _, sig := range m.Models {
		if !r.models.HasModel(sig) {
			return nil, errors.Mark(errors.Newf("bag %s: member %s not found", name, sig), ErrModelNotFound)
		}
		mm, err := r.models.GetModel(ctx, sig)
		if err != nil {
			return nil, errors.Wrapf(err, "bag %s", name)
		}
		members = append(members, mm)
	}
	bag, err := separate.NewBag(name, members, m.Weights, m.Segment)
	if err != nil {
		return nil, errors.Mark(err, ErrModelLoading)
	}
	return bag, nil
}
