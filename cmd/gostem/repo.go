package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/chaz8081/gostem/internal/config"
	"github.com/chaz8081/gostem/internal/repo"
)

// openRepo builds the model repository described by cfg, optionally
// overriding the local models directory.
func openRepo(ctx context.Context, cfg *config.Config, dir string) (*repo.AnyRepo, error) {
	alg, err := repo.ParseAlgorithm(cfg.Models.Checksum)
	if err != nil {
		return nil, err
	}

	var models repo.ModelRepo
	bagDir := cfg.BagDir()
	switch r := cfg.Models.Remote; {
	case dir != "":
		local, err := repo.NewLocalRepo(dir, alg)
		if err != nil {
			return nil, err
		}
		models, bagDir = local, dir
	case r.Enabled():
		remote, err := repo.NewRemoteRepo(ctx, newFetcher(r), r.Index, r.CacheDir, alg)
		if err != nil {
			return nil, err
		}
		models = remote
	default:
		local, err := repo.NewLocalRepo(cfg.Models.Dir, alg)
		if err != nil {
			return nil, errors.WithHint(err, "run `gostem config init` and set models.dir, or pass --repo")
		}
		models = local
	}

	var bags *repo.BagRepo
	if info, err := os.Stat(bagDir); err == nil && info.IsDir() {
		bags, err = repo.NewBagRepo(bagDir, models)
		if err != nil {
			return nil, err
		}
	} else {
		slog.Debug("no bag directory", "dir", bagDir)
	}
	return repo.NewAnyRepo(models, bags), nil
}

func newFetcher(r config.RemoteConfig) repo.Fetcher {
	if r.URL != "" {
		return &repo.HTTPFetcher{
			BaseURL: r.URL,
			Client:  &http.Client{Timeout: 10 * time.Minute},
		}
	}
	client := repo.NewS3Client(repo.S3Options{
		Region:    r.S3.Region,
		Endpoint:  r.S3.Endpoint,
		PathStyle: r.S3.PathStyle,
		AccessKey: r.S3.AccessKey,
		SecretKey: r.S3.SecretKey,
	})
	return &repo.S3Fetcher{Client: client, Bucket: r.S3.Bucket, Prefix: r.S3.Prefix}
}
