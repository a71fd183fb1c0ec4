// Package allowlist is the file-backed pairing evaluator. It reads the
// allowlist and pairing-registry files under the security root and applies
// permissive-unless-configured semantics: a channel with no rules allows
// everyone, a channel with rules requires an allowlist or pairing match.
package allowlist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tjfontaine/multichannel-engine/internal/core/ports"
	"github.com/tjfontaine/multichannel-engine/internal/policy"
)

const (
	registrySchemaVersion  = 1
	allowlistSchemaVersion = 1

	reasonAllowPermissive       = "allow_permissive_mode"
	reasonAllowAllowlist        = "allow_allowlist"
	reasonAllowPairing          = "allow_pairing"
	reasonAllowAllowlistPairing = "allow_allowlist_and_pairing"
	reasonDenyActorMissing      = "deny_actor_id_missing"
	reasonDenyNotAuthorized     = "deny_actor_not_paired_or_allowlisted"
)

// PairingRecord is one actor↔channel authorization with optional expiry.
type PairingRecord struct {
	Channel       string `json:"channel"`
	ActorID       string `json:"actor_id"`
	PairedBy      string `json:"paired_by"`
	IssuedUnixMS  uint64 `json:"issued_unix_ms"`
	ExpiresUnixMS uint64 `json:"expires_unix_ms,omitempty"`
}

type registryFile struct {
	SchemaVersion int             `json:"schema_version"`
	Pairings      []PairingRecord `json:"pairings"`
}

type allowlistFile struct {
	SchemaVersion int                 `json:"schema_version"`
	Strict        bool                `json:"strict,omitempty"`
	Channels      map[string][]string `json:"channels,omitempty"`
}

// Evaluator implements ports.PairingEvaluator over security-root files.
type Evaluator struct {
	StrictMode bool
}

// New returns a file-backed pairing evaluator.
func New(strictMode bool) *Evaluator {
	return &Evaluator{StrictMode: strictMode}
}

var _ ports.PairingEvaluator = (*Evaluator)(nil)

// EvaluatePairing authorizes one actor for one policy channel.
func (e *Evaluator) EvaluatePairing(stateDir, policyChannel, actorID string, nowUnixMS uint64) (ports.PairingDecision, error) {
	securityDir := policy.SecurityRoot(stateDir)
	allow, err := loadAllowlist(filepath.Join(securityDir, "allowlist.json"))
	if err != nil {
		return ports.PairingDecision{}, err
	}
	registry, err := loadRegistry(filepath.Join(securityDir, "pairings.json"))
	if err != nil {
		return ports.PairingDecision{}, err
	}

	actorID = strings.TrimSpace(actorID)
	candidates := channelCandidates(policyChannel)
	strictEffective := e.StrictMode || allow.Strict || channelHasRules(allow, registry, candidates)
	if !strictEffective {
		return ports.PairingDecision{Allowed: true, ReasonCode: reasonAllowPermissive}, nil
	}
	if actorID == "" {
		return ports.PairingDecision{Allowed: false, ReasonCode: reasonDenyActorMissing}, nil
	}

	byAllowlist := allowlistActorAllowed(allow, candidates, actorID)
	byPairing := pairingActorAllowed(registry, candidates, actorID, nowUnixMS)
	switch {
	case byAllowlist && byPairing:
		return ports.PairingDecision{Allowed: true, ReasonCode: reasonAllowAllowlistPairing}, nil
	case byAllowlist:
		return ports.PairingDecision{Allowed: true, ReasonCode: reasonAllowAllowlist}, nil
	case byPairing:
		return ports.PairingDecision{Allowed: true, ReasonCode: reasonAllowPairing}, nil
	default:
		return ports.PairingDecision{Allowed: false, ReasonCode: reasonDenyNotAuthorized}, nil
	}
}

// channelCandidates expands a policy channel into its lookup keys: the
// exact channel, its transport prefix, and the global wildcard.
func channelCandidates(channel string) []string {
	trimmed := strings.TrimSpace(channel)
	if trimmed == "" {
		return []string{"*"}
	}
	candidates := []string{trimmed}
	if prefix, _, found := strings.Cut(trimmed, ":"); found && prefix != "" {
		candidates = append(candidates, prefix)
	}
	return append(candidates, "*")
}

func channelHasRules(allow *allowlistFile, registry *registryFile, candidates []string) bool {
	for _, candidate := range candidates {
		if actors, ok := allow.Channels[candidate]; ok && len(actors) > 0 {
			return true
		}
	}
	for _, record := range registry.Pairings {
		for _, candidate := range candidates {
			if record.Channel == candidate {
				return true
			}
		}
	}
	return false
}

func allowlistActorAllowed(allow *allowlistFile, candidates []string, actorID string) bool {
	for _, candidate := range candidates {
		for _, actor := range allow.Channels[candidate] {
			if strings.EqualFold(strings.TrimSpace(actor), actorID) {
				return true
			}
		}
	}
	return false
}

func pairingActorAllowed(registry *registryFile, candidates []string, actorID string, nowUnixMS uint64) bool {
	for _, record := range registry.Pairings {
		if record.ExpiresUnixMS != 0 && record.ExpiresUnixMS <= nowUnixMS {
			continue
		}
		if !strings.EqualFold(record.ActorID, actorID) {
			continue
		}
		for _, candidate := range candidates {
			if record.Channel == candidate {
				return true
			}
		}
	}
	return false
}

func loadAllowlist(path string) (*allowlistFile, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &allowlistFile{SchemaVersion: allowlistSchemaVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pairing allowlist %s: %w", path, err)
	}
	var parsed allowlistFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse pairing allowlist %s: %w", path, err)
	}
	if parsed.SchemaVersion != allowlistSchemaVersion {
		return nil, fmt.Errorf("unsupported pairing allowlist schema_version %d in %s (expected %d)", parsed.SchemaVersion, path, allowlistSchemaVersion)
	}
	return &parsed, nil
}

func loadRegistry(path string) (*registryFile, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &registryFile{SchemaVersion: registrySchemaVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pairing registry %s: %w", path, err)
	}
	var parsed registryFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse pairing registry %s: %w", path, err)
	}
	if parsed.SchemaVersion != registrySchemaVersion {
		return nil, fmt.Errorf("unsupported pairing schema_version %d in %s (expected %d)", parsed.SchemaVersion, path, registrySchemaVersion)
	}
	return &parsed, nil
}
