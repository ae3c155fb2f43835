package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/marquee-labs/marquee/pkg/engine"
)

const policyColumns = `id, version, name, description, config, checksum, is_active, created_by, created_at, activated_at`

// CreatePolicy inserts a new inactive policy and assigns it the next version.
// policy.ID is generated when empty; Version and CreatedAt are set on return.
func (s *SQLiteStore) CreatePolicy(ctx context.Context, policy *engine.Policy) error {
	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = s.now()
	}

	config, err := json.Marshal(policy.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal policy config: %w", err)
	}

	query := `
		INSERT INTO policies (id, version, name, description, config, checksum, is_active, created_by, created_at)
		SELECT ?, COALESCE(MAX(version), 0) + 1, ?, ?, ?, ?, 0, ?, ? FROM policies
		RETURNING version
	`

	err = s.db.QueryRowContext(ctx, query,
		policy.ID,
		policy.Name,
		policy.Description,
		string(config),
		policy.Checksum,
		policy.CreatedBy,
		toMillis(policy.CreatedAt),
	).Scan(&policy.Version)
	if err != nil {
		return fmt.Errorf("failed to create policy: %w", err)
	}

	policy.IsActive = false
	policy.ActivatedAt = nil
	return nil
}

// GetPolicy retrieves a policy by ID
func (s *SQLiteStore) GetPolicy(ctx context.Context, id string) (*engine.Policy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = ?`, id)
	policy, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("policy", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return policy, nil
}

// GetPolicyByVersion retrieves a policy by version
func (s *SQLiteStore) GetPolicyByVersion(ctx context.Context, version int) (*engine.Policy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE version = ?`, version)
	policy, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("policy", fmt.Sprintf("v%d", version))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy version %d: %w", version, err)
	}
	return policy, nil
}

// GetPolicyByChecksum returns the newest policy with the given checksum, or nil when none exists.
func (s *SQLiteStore) GetPolicyByChecksum(ctx context.Context, checksum string) (*engine.Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE checksum = ? ORDER BY version DESC LIMIT 1`, checksum)
	policy, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy by checksum: %w", err)
	}
	return policy, nil
}

// GetActivePolicy returns the active policy, or nil when no policy has been activated yet.
func (s *SQLiteStore) GetActivePolicy(ctx context.Context) (*engine.Policy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE is_active = 1`)
	policy, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active policy: %w", err)
	}
	return policy, nil
}

// ListPolicies lists policies, newest version first
func (s *SQLiteStore) ListPolicies(ctx context.Context, opts engine.ListOptions) ([]*engine.Policy, error) {
	limit, offset := pageBounds(opts)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+policyColumns+` FROM policies ORDER BY version DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	return collect(rows, "policies", scanPolicy)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*engine.Policy, error) {
	policy := &engine.Policy{}
	var (
		config      string
		isActive    int
		createdAt   int64
		activatedAt sql.NullInt64
	)

	err := row.Scan(
		&policy.ID,
		&policy.Version,
		&policy.Name,
		&policy.Description,
		&config,
		&policy.Checksum,
		&isActive,
		&policy.CreatedBy,
		&createdAt,
		&activatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(config), &policy.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config of policy %s: %w", policy.ID, err)
	}
	policy.IsActive = isActive == 1
	policy.CreatedAt = fromMillis(createdAt)
	policy.ActivatedAt = timePtr(activatedAt)

	return policy, nil
}

// pageBounds applies the default page size.
func pageBounds(opts engine.ListOptions) (int, int) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
