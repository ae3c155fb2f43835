package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marquee-labs/marquee/pkg/eligibility"
	"github.com/marquee-labs/marquee/pkg/engine"
)

const catalogColumns = `id, title, origin_countries, original_language, signals, stats, ingestion_complete, deleted_at, updated_at`

// readyPredicate selects items that count toward a run frozen at a cutoff.
const readyPredicate = `ingestion_complete = 1 AND deleted_at IS NULL AND updated_at <= ?`

// UpsertCatalogItems inserts or replaces catalog items in a single transaction.
func (s *SQLiteStore) UpsertCatalogItems(ctx context.Context, items []*engine.CatalogItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO catalog_items (
			id, title, origin_countries, original_language, signals, stats,
			trending_score, ingestion_complete, deleted_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			origin_countries = excluded.origin_countries,
			original_language = excluded.original_language,
			signals = excluded.signals,
			stats = excluded.stats,
			trending_score = excluded.trending_score,
			ingestion_complete = excluded.ingestion_complete,
			deleted_at = excluded.deleted_at,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare catalog upsert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		if item.ID == "" {
			return fmt.Errorf("catalog item id is required")
		}
		if item.UpdatedAt.IsZero() {
			item.UpdatedAt = s.now()
		}

		countries, err := json.Marshal(nonNilStrings(item.OriginCountries))
		if err != nil {
			return fmt.Errorf("failed to marshal origin countries of %s: %w", item.ID, err)
		}
		signals, err := json.Marshal(eligibility.NormalizeSignals(item.Signals))
		if err != nil {
			return fmt.Errorf("failed to marshal signals of %s: %w", item.ID, err)
		}
		var stats sql.NullString
		if item.Stats != nil {
			raw, err := json.Marshal(item.Stats)
			if err != nil {
				return fmt.Errorf("failed to marshal stats of %s: %w", item.ID, err)
			}
			stats = sql.NullString{String: string(raw), Valid: true}
		}

		_, err = stmt.ExecContext(ctx,
			item.ID,
			item.Title,
			string(countries),
			item.OriginalLanguage,
			string(signals),
			stats,
			eligibility.TrendingScore(item.Stats),
			boolToInt(item.IngestionComplete),
			nullMillis(item.DeletedAt),
			toMillis(item.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert catalog item %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit catalog upsert: %w", err)
	}
	return nil
}

// GetCatalogItem retrieves a catalog item by ID, including soft-deleted items.
func (s *SQLiteStore) GetCatalogItem(ctx context.Context, id string) (*engine.CatalogItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+catalogColumns+` FROM catalog_items WHERE id = ?`, id)
	item, err := scanCatalogItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("catalog item", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog item: %w", err)
	}
	return item, nil
}

// CountReadyItems counts the items that are ready as of cutoff.
func (s *SQLiteStore) CountReadyItems(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM catalog_items WHERE `+readyPredicate, toMillis(cutoff)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count ready items: %w", err)
	}
	return count, nil
}

// ListReadyItems returns up to limit ready items with id greater than cursor, ordered by id.
func (s *SQLiteStore) ListReadyItems(ctx context.Context, cutoff time.Time, cursor string, limit int) ([]*engine.CatalogItem, error) {
	query := `SELECT ` + catalogColumns + ` FROM catalog_items
		WHERE ` + readyPredicate + ` AND id > ?
		ORDER BY id ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, toMillis(cutoff), cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready items: %w", err)
	}
	return collect(rows, "catalog items", scanCatalogItem)
}

func scanCatalogItem(row rowScanner) (*engine.CatalogItem, error) {
	item := &engine.CatalogItem{}
	var (
		countries string
		signals   string
		stats     sql.NullString
		complete  int
		deletedAt sql.NullInt64
		updatedAt int64
	)

	err := row.Scan(
		&item.ID,
		&item.Title,
		&countries,
		&item.OriginalLanguage,
		&signals,
		&stats,
		&complete,
		&deletedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(countries), &item.OriginCountries); err != nil {
		return nil, fmt.Errorf("failed to decode origin countries of %s: %w", item.ID, err)
	}
	if err := json.Unmarshal([]byte(signals), &item.Signals); err != nil {
		return nil, fmt.Errorf("failed to decode signals of %s: %w", item.ID, err)
	}
	item.Signals = eligibility.NormalizeSignals(item.Signals)
	if stats.Valid {
		item.Stats = &eligibility.Stats{}
		if err := json.Unmarshal([]byte(stats.String), item.Stats); err != nil {
			return nil, fmt.Errorf("failed to decode stats of %s: %w", item.ID, err)
		}
	}
	item.IngestionComplete = complete == 1
	item.DeletedAt = timePtr(deletedAt)
	item.UpdatedAt = fromMillis(updatedAt)

	return item, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
