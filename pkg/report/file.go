package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marquee-labs/marquee/pkg/activation"
)

// FileArchiver writes reports below a local directory.
type FileArchiver struct {
	dir    string
	prefix string
}

var _ activation.Archiver = (*FileArchiver)(nil)

// NewFileArchiver creates the directory if needed.
func NewFileArchiver(dir, prefix string) (*FileArchiver, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileArchiver{dir: dir, prefix: prefix}, nil
}

// Archive implements activation.Archiver.
func (a *FileArchiver) Archive(ctx context.Context, r *activation.DiffReport) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := encode(r)
	if err != nil {
		return "", err
	}

	target := filepath.Join(a.dir, filepath.FromSlash(ObjectKey(a.prefix, r)))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to move report into place: %w", err)
	}
	return "file://" + target, nil
}
