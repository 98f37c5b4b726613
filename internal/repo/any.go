package repo

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/chaz8081/gostem/internal/model"
)

// AnyRepo resolves a name to a single model or a bag. A name indexed as
// both resolves to the single model.
type AnyRepo struct {
	models ModelRepo
	bags   *BagRepo
}

// NewAnyRepo combines a model repo with an optional bag repo.
func NewAnyRepo(models ModelRepo, bags *BagRepo) *AnyRepo {
	return &AnyRepo{models: models, bags: bags}
}

// Models returns the underlying model repo.
func (r *AnyRepo) Models() ModelRepo { return r.models }

// Bags returns the underlying bag repo, or nil.
func (r *AnyRepo) Bags() *BagRepo { return r.bags }

// Has reports whether name is a known signature or bag.
func (r *AnyRepo) Has(name string) bool {
	return r.models.HasModel(name) || (r.bags != nil && r.bags.HasBag(name))
}

// Get returns the model or bag called name.
func (r *AnyRepo) Get(ctx context.Context, name string) (model.Model, error) {
	if r.models.HasModel(name) {
		return r.models.GetModel(ctx, name)
	}
	if r.bags != nil && r.bags.HasBag(name) {
		bag, err := r.bags.GetBag(ctx, name)
		if err != nil {
			return nil, err
		}
		return bag, nil
	}
	return nil, errors.Mark(errors.Newf("%s is neither a single model nor a bag of models", name), ErrModelNotFound)
}
