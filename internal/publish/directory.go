package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/balaji-balu/margo-testhost/pkg/deployment"
)

// DirectoryPublisher copies the application directory into a fresh folder
// under Root.
type DirectoryPublisher struct {
	Fs     afero.Fs
	Root   string
	Logger *zap.Logger
}

func NewDirectoryPublisher(root string, log *zap.Logger) *DirectoryPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &DirectoryPublisher{Fs: afero.NewOsFs(), Root: root, Logger: log}
}

func (p *DirectoryPublisher) Publish(ctx context.Context, params deployment.Parameters) (string, error) {
	src := filepath.Clean(params.ApplicationPath)
	info, err := p.Fs.Stat(src)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrPublishFailed, src)
	}

	dst := outputDir(p.Root, params)
	err = afero.Walk(p.Fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return p.Fs.MkdirAll(target, 0o755)
		}
		return p.copyFile(path, target, info.Mode())
	})
	if err != nil {
		_ = p.Fs.RemoveAll(dst)
		return "", fmt.Errorf("%w: copy %s: %w", ErrPublishFailed, src, err)
	}
	p.Logger.Info("published", zap.String("src", src), zap.String("dst", dst))
	return dst, nil
}

func (p *DirectoryPublisher) copyFile(src, dst string, mode os.FileMode) error {
	in, err := p.Fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := p.Fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (p *DirectoryPublisher) Clean(ctx context.Context, publishedPath string) error {
	return clean(p.Fs, publishedPath)
}
