package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marquee-labs/marquee/pkg/eligibility"
	"github.com/marquee-labs/marquee/pkg/engine"
)

// CatalogRecord is one catalog item in an import file.
type CatalogRecord struct {
	eligibility.Item `yaml:",inline"`

	Title string `json:"title" yaml:"title"`

	// IngestionComplete defaults to true when omitted.
	IngestionComplete *bool `json:"ingestionComplete,omitempty" yaml:"ingestionComplete,omitempty"`

	Deleted bool `json:"deleted,omitempty" yaml:"deleted,omitempty"`

	// UpdatedAt defaults to the import time when omitted.
	UpdatedAt *time.Time `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

type catalogFile struct {
	Items []CatalogRecord `json:"items" yaml:"items"`
}

// LoadCatalogItems reads catalog items from a JSON or YAML file. The file is
// either a list of records or an object with an items list.
func LoadCatalogItems(path string, now time.Time) ([]*engine.CatalogItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}

	records, err := decodeCatalog(filepath.Ext(path), data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}

	items := make([]*engine.CatalogItem, 0, len(records))
	seen := make(map[string]int, len(records))
	for i, rec := range records {
		if strings.TrimSpace(rec.ID) == "" {
			return nil, fmt.Errorf("catalog record %d has no id", i)
		}
		if prev, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("catalog record %d duplicates id %s (first at %d)", i, rec.ID, prev)
		}
		seen[rec.ID] = i
		items = append(items, rec.toItem(now))
	}
	return items, nil
}

func decodeCatalog(ext string, data []byte) ([]CatalogRecord, error) {
	switch strings.ToLower(ext) {
	case ".json":
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var records []CatalogRecord
			err := json.Unmarshal(trimmed, &records)
			return records, err
		}
		var file catalogFile
		err := json.Unmarshal(trimmed, &file)
		return file.Items, err
	case ".yaml", ".yml":
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return nil, err
		}
		if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
			var records []CatalogRecord
			err := node.Decode(&records)
			return records, err
		}
		var file catalogFile
		err := node.Decode(&file)
		return file.Items, err
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", ext)
	}
}

func (r CatalogRecord) toItem(now time.Time) *engine.CatalogItem {
	item := &engine.CatalogItem{
		Item:              r.Item,
		Title:             r.Title,
		IngestionComplete: true,
		UpdatedAt:         now,
	}
	if r.IngestionComplete != nil {
		item.IngestionComplete = *r.IngestionComplete
	}
	if r.UpdatedAt != nil {
		item.UpdatedAt = *r.UpdatedAt
	}
	if r.Deleted {
		deletedAt := item.UpdatedAt
		item.DeletedAt = &deletedAt
	}
	return item
}
