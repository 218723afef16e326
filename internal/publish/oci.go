package publish

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/file"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/balaji-balu/margo-testhost/pkg/deployment"
)

// OCIPublisher pulls published output stored as an OCI artifact. Each layer
// titled with a file name becomes that file in the output directory.
type OCIPublisher struct {
	Source oras.ReadOnlyTarget
	Tag    string
	Root   string
	Logger *zap.Logger
}

// NewRemoteSource opens the repository named by ref, for example
// "registry.local:5000/testapps/web:1.0". An empty token means anonymous
// access.
func NewRemoteSource(ref, username, token string) (oras.ReadOnlyTarget, string, error) {
	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, "", fmt.Errorf("invalid repo: %w", err)
	}
	if token != "" {
		repo.Client = &auth.Client{
			Credential: auth.StaticCredential(repo.Reference.Registry, auth.Credential{
				Username: username,
				Password: token,
			}),
			Cache: auth.NewCache(),
		}
	}
	tag := repo.Reference.Reference
	if tag == "" {
		tag = "latest"
	}
	return repo, tag, nil
}

func (p *OCIPublisher) Publish(ctx context.Context, params deployment.Parameters) (string, error) {
	dst := outputDir(p.Root, params)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	store, err := file.New(dst)
	if err != nil {
		return "", fmt.Errorf("%w: file store: %w", ErrPublishFailed, err)
	}
	desc, err := oras.Copy(ctx, p.Source, p.Tag, store, p.Tag, oras.DefaultCopyOptions)
	closeErr := store.Close()
	if err != nil {
		_ = os.RemoveAll(dst)
		return "", fmt.Errorf("%w: oras copy failed: %w", ErrPublishFailed, err)
	}
	if closeErr != nil {
		return "", fmt.Errorf("%w: %w", ErrPublishFailed, closeErr)
	}
	if p.Logger != nil {
		p.Logger.Info("pulled published output",
			zap.String("tag", p.Tag),
			zap.String("digest", desc.Digest.String()),
			zap.String("dst", dst),
		)
	}
	return dst, nil
}

func (p *OCIPublisher) Clean(ctx context.Context, publishedPath string) error {
	return clean(afero.NewOsFs(), publishedPath)
}
