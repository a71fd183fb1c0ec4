// Package routing resolves an inbound event to the session key and
// orchestrator role that should handle it. Resolution combines declarative
// route bindings (security root) with the orchestrator role table; both files
// are optional and the resolver degrades to a deterministic default route.
package routing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tjfontaine/multichannel-engine/internal/contract"
	"github.com/tjfontaine/multichannel-engine/internal/policy"
)

const (
	// BindingsFileName is the route bindings file under the security root.
	BindingsFileName = "multi-channel-route-bindings.json"

	// SchemaVersion covers both the bindings file and the role table.
	SchemaVersion = 1

	// Wildcard matches any value in a binding field.
	Wildcard = "*"

	// DefaultBindingID identifies the synthetic route used when no binding
	// matches an event.
	DefaultBindingID = "default"

	// DefaultRole is used when the role table is absent or has no target
	// for the resolved phase.
	DefaultRole = "default"
)

// Phase names as they appear in route decisions.
const (
	PhasePlanner       = "planner"
	PhaseDelegatedStep = "delegated-step"
	PhaseReview        = "review"
)

// accountIDMetadataKeys are checked in order; the first non-blank value wins.
var accountIDMetadataKeys = []string{
	"account_id",
	"telegram_bot_id",
	"discord_bot_id",
	"discord_application_id",
	"whatsapp_business_account_id",
	"whatsapp_phone_number_id",
}

// Binding is one declarative route rule. Fields holding "*" (or left blank)
// match any event value.
type Binding struct {
	BindingID          string `json:"binding_id"`
	Transport          string `json:"transport"`
	AccountID          string `json:"account_id"`
	ConversationID     string `json:"conversation_id"`
	ActorID            string `json:"actor_id"`
	Phase              string `json:"phase,omitempty"`
	CategoryHint       string `json:"category_hint,omitempty"`
	SessionKeyTemplate string `json:"session_key_template,omitempty"`
}

// BindingsFile is the on-disk route bindings document.
type BindingsFile struct {
	SchemaVersion int       `json:"schema_version"`
	Bindings      []Binding `json:"bindings"`
}

// RoleTarget names a primary role and the roles to fall back to.
type RoleTarget struct {
	Role          string   `json:"role"`
	FallbackRoles []string `json:"fallback_roles,omitempty"`
}

// RoleTable is the orchestrator route table. Phase targets select the role
// for each phase; delegated_categories refine the delegated-step target by
// category hint.
type RoleTable struct {
	SchemaVersion       int                       `json:"schema_version"`
	Roles               map[string]map[string]any `json:"roles,omitempty"`
	Planner             *RoleTarget               `json:"planner,omitempty"`
	Delegated           *RoleTarget               `json:"delegated,omitempty"`
	Review              *RoleTarget               `json:"review,omitempty"`
	DelegatedCategories map[string]RoleTarget     `json:"delegated_categories,omitempty"`
}

// Decision is the resolved route for one event.
type Decision struct {
	BindingID         string   `json:"binding_id"`
	Matched           bool     `json:"matched"`
	Specificity       int      `json:"specificity"`
	Phase             string   `json:"phase"`
	AccountID         string   `json:"account_id,omitempty"`
	RequestedCategory string   `json:"requested_category,omitempty"`
	SelectedCategory  string   `json:"selected_category,omitempty"`
	SelectedRole      string   `json:"selected_role"`
	FallbackRoles     []string `json:"fallback_roles,omitempty"`
	AttemptRoles      []string `json:"attempt_roles"`
	SessionKey        string   `json:"session_key"`
}

// LoadBindings reads the route bindings under the security root for a state
// directory. A missing file yields an empty bindings set.
func LoadBindings(stateDir string) (*BindingsFile, error) {
	path := filepath.Join(policy.SecurityRoot(stateDir), BindingsFileName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &BindingsFile{SchemaVersion: SchemaVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read route bindings %s: %w", path, err)
	}
	var parsed BindingsFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse route bindings %s: %w", path, err)
	}
	if parsed.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported route bindings schema_version %d in %s (expected %d)", parsed.SchemaVersion, path, SchemaVersion)
	}
	return &parsed, nil
}

// LoadRoleTable reads an orchestrator role table. A blank path or missing
// file yields nil, which resolves every phase to DefaultRole.
func LoadRoleTable(path string) (*RoleTable, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read role table %s: %w", path, err)
	}
	var parsed RoleTable
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse role table %s: %w", path, err)
	}
	if parsed.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported role table schema_version %d in %s (expected %d)", parsed.SchemaVersion, path, SchemaVersion)
	}
	return &parsed, nil
}

// Resolver computes route decisions against a fixed role table.
type Resolver struct {
	table *RoleTable
}

// NewResolver returns a resolver using the given role table, which may be nil.
func NewResolver(table *RoleTable) *Resolver {
	return &Resolver{table: table}
}

// Resolve picks the most specific matching binding for the event and derives
// phase, role, and session key from it.
func (r *Resolver) Resolve(bindings *BindingsFile, event *contract.InboundEvent) *Decision {
	accountID := eventAccountID(event)

	var best *Binding
	bestScore := -1
	if bindings != nil {
		for i := range bindings.Bindings {
			binding := &bindings.Bindings[i]
			score, ok := bindingScore(binding, event, accountID)
			if !ok {
				continue
			}
			// Ties keep the earlier declaration.
			if score > bestScore {
				best = binding
				bestScore = score
			}
		}
	}

	decision := &Decision{
		BindingID:   DefaultBindingID,
		Phase:       defaultPhase(event.EventKind),
		AccountID:   accountID,
		Specificity: 0,
	}
	if best != nil {
		decision.BindingID = best.BindingID
		decision.Matched = true
		decision.Specificity = bestScore
		if phase := normalizePhase(best.Phase); phase != "" {
			decision.Phase = phase
		}
		decision.RequestedCategory = strings.TrimSpace(best.CategoryHint)
	}

	r.selectRole(decision)

	template := ""
	if best != nil {
		template = best.SessionKeyTemplate
	}
	decision.SessionKey = renderSessionKey(template, event, accountID, decision)
	return decision
}

// bindingScore reports whether a binding matches an event and how many of
// its four match fields were exact.
func bindingScore(binding *Binding, event *contract.InboundEvent, accountID string) (int, bool) {
	score := 0
	match := func(field, value string, fold bool) bool {
		field = strings.TrimSpace(field)
		if field == "" || field == Wildcard {
			return true
		}
		if fold {
			if !strings.EqualFold(field, value) {
				return false
			}
		} else if field != value {
			return false
		}
		score++
		return true
	}
	if !match(binding.Transport, string(event.Transport), true) {
		return 0, false
	}
	if !match(binding.AccountID, accountID, false) {
		return 0, false
	}
	if !match(binding.ConversationID, event.ConversationID, false) {
		return 0, false
	}
	if !match(binding.ActorID, event.ActorID, false) {
		return 0, false
	}
	return score, true
}

func eventAccountID(event *contract.InboundEvent) string {
	for _, key := range accountIDMetadataKeys {
		if value := strings.TrimSpace(event.MetadataString(key)); value != "" {
			return value
		}
	}
	return ""
}

func defaultPhase(kind contract.EventKind) string {
	switch kind {
	case contract.EventKindCommand:
		return PhasePlanner
	case contract.EventKindSystem:
		return PhaseReview
	default:
		return PhaseDelegatedStep
	}
}

func normalizePhase(raw string) string {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "_", "-")) {
	case PhasePlanner:
		return PhasePlanner
	case PhaseDelegatedStep:
		return PhaseDelegatedStep
	case PhaseReview:
		return PhaseReview
	default:
		return ""
	}
}

// selectRole fills SelectedRole, FallbackRoles, SelectedCategory, and
// AttemptRoles from the role table and the decision's phase.
func (r *Resolver) selectRole(decision *Decision) {
	target := r.phaseTarget(decision)
	if target == nil || strings.TrimSpace(target.Role) == "" {
		decision.SelectedRole = DefaultRole
		decision.AttemptRoles = []string{DefaultRole}
		return
	}
	decision.SelectedRole = target.Role
	decision.FallbackRoles = append([]string(nil), target.FallbackRoles...)
	decision.AttemptRoles = attemptRoles(target.Role, target.FallbackRoles)
}

func (r *Resolver) phaseTarget(decision *Decision) *RoleTarget {
	if r.table == nil {
		return nil
	}
	switch decision.Phase {
	case PhasePlanner:
		return r.table.Planner
	case PhaseReview:
		return r.table.Review
	default:
		if name, target, ok := r.categoryTarget(decision.RequestedCategory); ok {
			decision.SelectedCategory = name
			return target
		}
		return r.table.Delegated
	}
}

// categoryTarget matches a category hint against delegated category names by
// lowercase substring. Names are tried in sorted order so resolution is
// deterministic.
func (r *Resolver) categoryTarget(hint string) (string, *RoleTarget, bool) {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" || len(r.table.DelegatedCategories) == 0 {
		return "", nil, false
	}
	names := make([]string, 0, len(r.table.DelegatedCategories))
	for name := range r.table.DelegatedCategories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.Contains(hint, strings.ToLower(name)) {
			target := r.table.DelegatedCategories[name]
			return name, &target, true
		}
	}
	return "", nil, false
}

func attemptRoles(primary string, fallbacks []string) []string {
	attempts := []string{primary}
	seen := map[string]struct{}{primary: {}}
	for _, role := range fallbacks {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		attempts = append(attempts, role)
	}
	return attempts
}

// renderSessionKey expands the binding's session template, or falls back to
// the sanitized conversation id.
func renderSessionKey(template string, event *contract.InboundEvent, accountID string, decision *Decision) string {
	if strings.TrimSpace(template) == "" {
		if key := SanitizeSessionKey(event.ConversationID); key != "" {
			return key
		}
		return DefaultBindingID
	}
	replacer := strings.NewReplacer(
		"{transport}", string(event.Transport),
		"{account_id}", accountID,
		"{conversation_id}", event.ConversationID,
		"{actor_id}", event.ActorID,
		"{role}", decision.SelectedRole,
		"{phase}", decision.Phase,
		"{category}", decision.SelectedCategory,
	)
	if key := SanitizeSessionKey(replacer.Replace(template)); key != "" {
		return key
	}
	return DefaultBindingID
}

// SanitizeSessionKey keeps [A-Za-z0-9-_:.] and maps every other rune to '_',
// then trims leading and trailing underscores.
func SanitizeSessionKey(raw string) string {
	var builder strings.Builder
	builder.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '-' || r == '_' || r == ':' || r == '.':
			builder.WriteRune(r)
		default:
			builder.WriteByte('_')
		}
	}
	return strings.Trim(builder.String(), "_")
}
