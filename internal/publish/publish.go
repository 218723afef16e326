// Package publish produces the output directory a deployment points the
// web server at, and removes it again on teardown.
package publish

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/balaji-balu/margo-testhost/pkg/deployment"
)

// ErrPublishFailed indicates the published output could not be produced or
// removed.
var ErrPublishFailed = errors.New("publish failed")

type Publisher interface {
	// Publish produces the output for params and returns its directory.
	Publish(ctx context.Context, params deployment.Parameters) (string, error)
	// Clean removes a directory returned by Publish.
	Clean(ctx context.Context, publishedPath string) error
}

// outputDir returns a fresh directory name under root for one deployment.
func outputDir(root string, params deployment.Parameters) string {
	return filepath.Join(root, fmt.Sprintf("%s-%s", params.Name(), uuid.NewString()[:8]))
}

func clean(fs afero.Fs, publishedPath string) error {
	if publishedPath == "" {
		return nil
	}
	if err := fs.RemoveAll(publishedPath); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrPublishFailed, publishedPath, err)
	}
	return nil
}

// Prepublished hands back the path the caller already published to. Clean
// leaves that directory alone.
type Prepublished struct{}

func (Prepublished) Publish(ctx context.Context, params deployment.Parameters) (string, error) {
	if params.PublishedPath == "" {
		return "", fmt.Errorf("%w: no published path", ErrPublishFailed)
	}
	return params.PublishedPath, nil
}

func (Prepublished) Clean(ctx context.Context, publishedPath string) error {
	return nil
}
