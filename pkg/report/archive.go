package report

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/marquee-labs/marquee/pkg/activation"
)

// Archive backends.
const (
	BackendNone  = "none"
	BackendFile  = "file"
	BackendMinIO = "minio"
)

// Config selects and configures the diff archive.
type Config struct {
	Backend   string `yaml:"backend" env:"BACKEND" validate:"omitempty,oneof=none file minio"`
	Dir       string `yaml:"dir" env:"DIR" validate:"required_if=Backend file"`
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT" validate:"required_if=Backend minio"`
	Bucket    string `yaml:"bucket" env:"BUCKET" validate:"required_if=Backend minio"`
	Region    string `yaml:"region" env:"REGION"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
	Prefix    string `yaml:"prefix" env:"PREFIX"`
}

// New returns the archiver selected by cfg. It returns nil for the none backend.
func New(ctx context.Context, cfg Config) (activation.Archiver, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendFile:
		a, err := NewFileArchiver(cfg.Dir, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return a, nil
	case BackendMinIO:
		a, err := NewMinIOArchiver(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", cfg.Backend)
	}
}

// ObjectKey returns the archive key of a report, relative to the backend root.
func ObjectKey(prefix string, r *activation.DiffReport) string {
	name := fmt.Sprintf("diff-v%d-%s.json", r.NewVersion, r.ComputedAt.UTC().Format("20060102T150405Z"))
	return path.Join(prefix, "runs", r.RunID, name)
}

func encode(r *activation.DiffReport) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("report is nil")
	}
	if r.RunID == "" {
		return nil, fmt.Errorf("report has no run id")
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return data, nil
}
