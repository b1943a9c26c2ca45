package decision

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy declares whether mutations on an entity must cite a prior decision
// record.
type Policy struct {
	RequiresDecision bool `yaml:"requires_decision"`
}

// Registry is the entity-policy table plus the ordered list of locations a
// decision id may arrive in. Loaded once at startup and read-only afterwards.
type Registry struct {
	Entities map[string]Policy `yaml:"entities"`
	// Headers are checked first, in order, then BodyFields.
	Headers    []string `yaml:"decision_headers"`
	BodyFields []string `yaml:"decision_body_fields"`
	// ExemptActions skip the gate regardless of entity policy. Which actions
	// are exempt is product policy, so it ships in the registry file rather
	// than in code; the default exempts create only.
	ExemptActions []string `yaml:"exempt_actions"`
}

func defaultRegistry() *Registry {
	return &Registry{
		Entities:      map[string]Policy{},
		Headers:       []string{"X-Nexus-Decision-Id"},
		BodyFields:    []string{"decisionId", "decision_id"},
		ExemptActions: []string{"create"},
	}
}

// Load reads the registry file. Callers treat an error as fail-open: a
// malformed policy source must not block all mutating traffic.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("entity policy registry: %w", err)
	}
	reg := defaultRegistry()
	if err := yaml.Unmarshal(raw, reg); err != nil {
		return nil, fmt.Errorf("entity policy registry: %w", err)
	}
	reg.normalize()
	return reg, nil
}

func (r *Registry) normalize() {
	if r.Entities == nil {
		r.Entities = map[string]Policy{}
	}
	normalized := make(map[string]Policy, len(r.Entities))
	for name, policy := range r.Entities {
		normalized[strings.ToLower(strings.TrimSpace(name))] = policy
	}
	r.Entities = normalized
	if len(r.Headers) == 0 {
		r.Headers = defaultRegistry().Headers
	}
	if len(r.BodyFields) == 0 {
		r.BodyFields = defaultRegistry().BodyFields
	}
	if r.ExemptActions == nil {
		r.ExemptActions = defaultRegistry().ExemptActions
	}
	for i, a := range r.ExemptActions {
		r.ExemptActions[i] = strings.ToLower(strings.TrimSpace(a))
	}
}

// Requires reports whether the (entity, action) pair is governed.
func (r *Registry) Requires(entity, action string) bool {
	if r == nil {
		return false
	}
	action = strings.ToLower(strings.TrimSpace(action))
	for _, exempt := range r.ExemptActions {
		if action == exempt {
			return false
		}
	}
	switch action {
	case "update", "delete", "patch":
	default:
		return false
	}
	policy, ok := r.Entities[strings.ToLower(strings.TrimSpace(entity))]
	return ok && policy.RequiresDecision
}
