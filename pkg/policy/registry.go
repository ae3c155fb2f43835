package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/marquee-labs/marquee/pkg/config"
	"github.com/marquee-labs/marquee/pkg/eligibility"
	"github.com/marquee-labs/marquee/pkg/engine"
	"github.com/marquee-labs/marquee/pkg/telemetry"
)

// Store is the policy persistence used by the registry.
type Store interface {
	CreatePolicy(ctx context.Context, policy *engine.Policy) error
	GetPolicy(ctx context.Context, id string) (*engine.Policy, error)
	GetPolicyByVersion(ctx context.Context, version int) (*engine.Policy, error)
	GetPolicyByChecksum(ctx context.Context, checksum string) (*engine.Policy, error)
	GetActivePolicy(ctx context.Context) (*engine.Policy, error)
	ListPolicies(ctx context.Context, opts engine.ListOptions) ([]*engine.Policy, error)
}

// EventSink receives policy lifecycle events.
type EventSink interface {
	Publish(event telemetry.Event) error
}

// CreateResult is returned by Registry.Create.
type CreateResult struct {
	Policy *engine.Policy `json:"policy"`

	// Created is false when an identical config was already stored and
	// Policy is that existing version.
	Created bool `json:"created"`

	Warnings []Warning `json:"warnings,omitempty"`
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLinter lints configs before they are stored.
func WithLinter(l *Linter) RegistryOption {
	return func(r *Registry) { r.linter = l }
}

// WithEvents publishes policy.created events to sink.
func WithEvents(sink EventSink) RegistryOption {
	return func(r *Registry) { r.events = sink }
}

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger.With().Str("component", "policy-registry").Logger() }
}

// Registry creates and reads versioned policies.
type Registry struct {
	store  Store
	linter *Linter
	events EventSink
	logger zerolog.Logger
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{store: store, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create stores doc as the next policy version. The new policy is inactive
// until a run prepared against it is promoted.
func (r *Registry) Create(ctx context.Context, doc *config.PolicyDocument) (*CreateResult, error) {
	if doc == nil || strings.TrimSpace(doc.Name) == "" {
		return nil, engine.NewPermanentError("policy name is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if err := eligibility.ValidatePolicyConfig(doc.Config); err != nil {
		return nil, engine.NewPermanentError("invalid policy config", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(doc.Name)
	}

	var warnings []Warning
	if r.linter != nil {
		w, err := r.linter.Lint(ctx, doc.Config)
		if err != nil {
			r.logger.Warn().Err(err).Str("policy", doc.Name).Msg("Lint failed, continuing without warnings")
		}
		warnings = w
	}

	checksum, err := Checksum(doc.Config)
	if err != nil {
		return nil, err
	}

	existing, err := r.store.GetPolicyByChecksum(ctx, checksum)
	if err != nil {
		return nil, engine.NewInfrastructureError("get policy by checksum", err)
	}
	if existing != nil {
		r.logger.Info().
			Str("policy_id", existing.ID).
			Int("version", existing.Version).
			Msg("Identical policy config already stored")
		return &CreateResult{Policy: existing, Created: false, Warnings: warnings}, nil
	}

	policy := &engine.Policy{
		Name:        doc.Name,
		Description: doc.Description,
		Config:      doc.Config,
		Checksum:    checksum,
		CreatedBy:   doc.CreatedBy,
	}
	if err := r.store.CreatePolicy(ctx, policy); err != nil {
		return nil, engine.NewInfrastructureError("create policy", err)
	}

	r.logger.Info().
		Str("policy_id", policy.ID).
		Int("version", policy.Version).
		Int("warnings", len(warnings)).
		Msg("Policy created")

	r.publish(policy, doc.Source)
	return &CreateResult{Policy: policy, Created: true, Warnings: warnings}, nil
}

// Get returns a policy by id.
func (r *Registry) Get(ctx context.Context, id string) (*engine.Policy, error) {
	return r.store.GetPolicy(ctx, id)
}

// GetVersion returns a policy by version.
func (r *Registry) GetVersion(ctx context.Context, version int) (*engine.Policy, error) {
	return r.store.GetPolicyByVersion(ctx, version)
}

// List returns policies, newest version first.
func (r *Registry) List(ctx context.Context, opts engine.ListOptions) ([]*engine.Policy, error) {
	return r.store.ListPolicies(ctx, opts)
}

// Active returns the active policy, or nil before the first promotion.
func (r *Registry) Active(ctx context.Context) (*engine.Policy, error) {
	return r.store.GetActivePolicy(ctx)
}

func (r *Registry) publish(policy *engine.Policy, source string) {
	if r.events == nil {
		return
	}
	data := map[string]interface{}{
		"policy_id": policy.ID,
		"name":      policy.Name,
		"checksum":  policy.Checksum,
	}
	if policy.CreatedBy != "" {
		data["created_by"] = policy.CreatedBy
	}
	if source != "" {
		data["source"] = source
	}

	err := r.events.Publish(telemetry.Event{
		Type:          telemetry.EventTypePolicyCreated,
		Source:        "policy-registry",
		PolicyVersion: policy.Version,
		Message:       fmt.Sprintf("policy %s created as version %d", policy.Name, policy.Version),
		Level:         telemetry.EventLevelInfo,
		Data:          data,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("policy_id", policy.ID).Msg("Failed to publish policy event")
	}
}

// Checksum returns the SHA-256 of the canonical JSON form of cfg. List
// order and code case do not change the checksum; breakout rules are
// ordered by priority.
func Checksum(cfg eligibility.PolicyConfig) (string, error) {
	canonical := cfg
	canonical.AllowedCountries = normalizeCodes(cfg.AllowedCountries, strings.ToUpper)
	canonical.BlockedCountries = normalizeCodes(cfg.BlockedCountries, strings.ToUpper)
	canonical.AllowedLanguages = normalizeCodes(cfg.AllowedLanguages, strings.ToLower)
	canonical.BlockedLanguages = normalizeCodes(cfg.BlockedLanguages, strings.ToLower)

	canonical.BreakoutRules = append([]eligibility.BreakoutRule(nil), cfg.BreakoutRules...)
	sort.SliceStable(canonical.BreakoutRules, func(i, j int) bool {
		return canonical.BreakoutRules[i].Priority < canonical.BreakoutRules[j].Priority
	})

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to encode policy config: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeCodes(codes []string, fold func(string) string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		out = append(out, fold(strings.TrimSpace(c)))
	}
	sort.Strings(out)
	return out
}
