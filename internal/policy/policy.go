// Package policy evaluates per-channel allow/deny rules and composes them
// with the pairing evaluator into one final access decision per event.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tjfontaine/multichannel-engine/internal/contract"
	"github.com/tjfontaine/multichannel-engine/internal/core/ports"
)

// SchemaVersion is the channel policy file schema.
const SchemaVersion = 1

// FileName is the channel policy file under the security root.
const FileName = "channel-policy.json"

// Reason codes shared with the runtime and incident reporting.
const (
	ReasonDenyDM               = "deny_channel_policy_dm"
	ReasonDenyGroup            = "deny_channel_policy_group"
	ReasonDenyMentionRequired  = "deny_channel_policy_mention_required"
	ReasonDenyLoadError        = "deny_channel_policy_load_error"
	ReasonDenyAllowlistOnly    = "deny_channel_policy_allow_from_allowlist_only"
	ReasonDenyEvaluationError  = "deny_policy_evaluation_error"
	ReasonAllowPermissiveMode  = "allow_permissive_mode"
	ReasonAllowAllowlist       = "allow_allowlist"
	ReasonAllowAllowlistPaired = "allow_allowlist_and_pairing"
)

// DMPolicy gates direct-message conversations.
type DMPolicy string

const (
	DMAllow DMPolicy = "allow"
	DMDeny  DMPolicy = "deny"
)

// GroupPolicy gates group conversations.
type GroupPolicy string

const (
	GroupAllow GroupPolicy = "allow"
	GroupDeny  GroupPolicy = "deny"
)

// AllowFrom controls which actors may interact once the conversation kind
// is allowed.
type AllowFrom string

const (
	AllowFromAny                AllowFrom = "any"
	AllowFromAllowlistOrPairing AllowFrom = "allowlist_or_pairing"
	AllowFromAllowlistOnly      AllowFrom = "allowlist_only"
)

// ChannelPolicy is one channel's rule set. Zero value is fully permissive.
type ChannelPolicy struct {
	DMPolicy       DMPolicy    `json:"dmPolicy,omitempty"`
	AllowFrom      AllowFrom   `json:"allowFrom,omitempty"`
	GroupPolicy    GroupPolicy `json:"groupPolicy,omitempty"`
	RequireMention bool        `json:"requireMention,omitempty"`
}

func (p ChannelPolicy) normalized() ChannelPolicy {
	if p.DMPolicy == "" {
		p.DMPolicy = DMAllow
	}
	if p.AllowFrom == "" {
		p.AllowFrom = AllowFromAny
	}
	if p.GroupPolicy == "" {
		p.GroupPolicy = GroupAllow
	}
	return p
}

// File is the parsed channel-policy.json.
type File struct {
	SchemaVersion int                      `json:"schema_version"`
	StrictMode    bool                     `json:"strictMode,omitempty"`
	DefaultPolicy ChannelPolicy            `json:"defaultPolicy,omitempty"`
	Channels      map[string]ChannelPolicy `json:"channels,omitempty"`
}

// DefaultFile is the fully permissive policy used when no file exists.
func DefaultFile() *File {
	return &File{SchemaVersion: SchemaVersion}
}

// ConversationKind distinguishes DM and group conversations.
type ConversationKind string

const (
	KindDM    ConversationKind = "dm"
	KindGroup ConversationKind = "group"
)

// Decision is a channel policy or access outcome with its reason code.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	ReasonCode string `json:"reason_code"`
}

// Evaluation is the result of applying the channel policy to one event.
type Evaluation struct {
	PolicyChannel    string           `json:"policy_channel"`
	MatchedPolicyKey string           `json:"matched_policy_key"`
	Policy           ChannelPolicy    `json:"policy"`
	ConversationKind ConversationKind `json:"conversation_kind"`
	MentionPresent   bool             `json:"mention_present"`
	Decision         Decision         `json:"decision"`
}

// SecurityRoot resolves the directory holding security files for a state
// dir. Well-known runtime state dir names live one level below the root.
func SecurityRoot(stateDir string) string {
	switch filepath.Base(stateDir) {
	case "github", "slack", "events", "channel-store", "multi-channel":
		if parent := filepath.Dir(stateDir); parent != "" && parent != stateDir {
			return filepath.Join(parent, "security")
		}
	}
	return filepath.Join(stateDir, "security")
}

// PathForStateDir is the channel policy path for a runtime state dir.
func PathForStateDir(stateDir string) string {
	return filepath.Join(SecurityRoot(stateDir), FileName)
}

// LoadForStateDir loads the channel policy governing a state dir. A missing
// file yields the permissive default; a malformed file is an error the
// caller converts into a synthetic deny.
func LoadForStateDir(stateDir string) (*File, error) {
	return LoadFile(PathForStateDir(stateDir))
}

// LoadFile loads and validates one channel policy file.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultFile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read channel policy %s: %w", path, err)
	}
	var parsed File
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse channel policy %s: %w", path, err)
	}
	if parsed.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported channel policy schema_version %d in %s (expected %d)", parsed.SchemaVersion, path, SchemaVersion)
	}
	for key := range parsed.Channels {
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("channel policy %s has empty channel key", path)
		}
	}
	return &parsed, nil
}

// Evaluate applies the channel policy to one event. Lookup precedence:
// exact channel, transport wildcard, global wildcard, default policy.
func Evaluate(file *File, event *contract.InboundEvent) Evaluation {
	policyChannel := event.PolicyChannel()
	transportWildcard := string(event.Transport) + ":*"

	matchedKey := "default"
	policy := file.DefaultPolicy
	if candidate, ok := file.Channels[policyChannel]; ok {
		matchedKey, policy = policyChannel, candidate
	} else if candidate, ok := file.Channels[transportWildcard]; ok {
		matchedKey, policy = transportWildcard, candidate
	} else if candidate, ok := file.Channels["*"]; ok {
		matchedKey, policy = "*", candidate
	}
	policy = policy.normalized()

	kind := detectConversationKind(event)
	mention := detectMentionPresent(event)

	var decision Decision
	switch kind {
	case KindDM:
		if policy.DMPolicy == DMDeny {
			decision = Decision{ReasonCode: ReasonDenyDM}
		} else {
			decision = allowDecisionForAllowFrom(policy.AllowFrom)
		}
	default:
		switch {
		case policy.GroupPolicy == GroupDeny:
			decision = Decision{ReasonCode: ReasonDenyGroup}
		case policy.RequireMention && !mention:
			decision = Decision{ReasonCode: ReasonDenyMentionRequired}
		default:
			decision = allowDecisionForAllowFrom(policy.AllowFrom)
		}
	}

	return Evaluation{
		PolicyChannel:    policyChannel,
		MatchedPolicyKey: matchedKey,
		Policy:           policy,
		ConversationKind: kind,
		MentionPresent:   mention,
		Decision:         decision,
	}
}

// LoadErrorEvaluation is the synthetic deny used when the policy file
// cannot be loaded. Failing closed beats silently allowing.
func LoadErrorEvaluation(event *contract.InboundEvent) Evaluation {
	eval := Evaluate(DefaultFile(), event)
	eval.MatchedPolicyKey = "policy_load_error"
	eval.Decision = Decision{ReasonCode: ReasonDenyLoadError}
	return eval
}

// AccessDecision is the composed channel-policy + pairing outcome.
type AccessDecision struct {
	PolicyChannel   string
	ChannelPolicy   Evaluation
	PairingDecision ports.PairingDecision
	FinalDecision   ports.PairingDecision
	PairingChecked  bool
	PolicyEnforced  bool
}

// PairingFunc evaluates pairing for one actor. Wrapping the port keeps this
// package free of the evaluator's construction details.
type PairingFunc func(policyChannel, actorID string, nowUnixMS uint64) (ports.PairingDecision, error)

// EvaluateAccess composes the channel policy evaluation with the pairing
// evaluator into the final per-event decision.
func EvaluateAccess(eval Evaluation, event *contract.InboundEvent, nowUnixMS uint64, pairing PairingFunc) AccessDecision {
	if !eval.Decision.Allowed {
		denied := ports.PairingDecision{Allowed: false, ReasonCode: eval.Decision.ReasonCode}
		return AccessDecision{
			PolicyChannel:   eval.PolicyChannel,
			ChannelPolicy:   eval,
			PairingDecision: denied,
			FinalDecision:   denied,
			PairingChecked:  false,
			PolicyEnforced:  true,
		}
	}

	switch eval.Policy.AllowFrom {
	case AllowFromAllowlistOrPairing:
		pairingDecision := evaluatePairing(eval.PolicyChannel, event, nowUnixMS, pairing)
		return AccessDecision{
			PolicyChannel:   eval.PolicyChannel,
			ChannelPolicy:   eval,
			PairingDecision: pairingDecision,
			FinalDecision:   pairingDecision,
			PairingChecked:  true,
			PolicyEnforced:  eval.Policy.RequireMention || pairingDecision.ReasonCode != ReasonAllowPermissiveMode,
		}
	case AllowFromAllowlistOnly:
		pairingDecision := evaluatePairing(eval.PolicyChannel, event, nowUnixMS, pairing)
		final := pairingDecision
		if pairingDecision.Allowed &&
			pairingDecision.ReasonCode != ReasonAllowAllowlist &&
			pairingDecision.ReasonCode != ReasonAllowAllowlistPaired {
			final = ports.PairingDecision{Allowed: false, ReasonCode: ReasonDenyAllowlistOnly}
		}
		return AccessDecision{
			PolicyChannel:   eval.PolicyChannel,
			ChannelPolicy:   eval,
			PairingDecision: pairingDecision,
			FinalDecision:   final,
			PairingChecked:  true,
			PolicyEnforced:  true,
		}
	default:
		allow := ports.PairingDecision{Allowed: true, ReasonCode: eval.Decision.ReasonCode}
		return AccessDecision{
			PolicyChannel:   eval.PolicyChannel,
			ChannelPolicy:   eval,
			PairingDecision: allow,
			FinalDecision:   allow,
			PairingChecked:  false,
			PolicyEnforced:  eval.Policy.RequireMention,
		}
	}
}

func evaluatePairing(policyChannel string, event *contract.InboundEvent, nowUnixMS uint64, pairing PairingFunc) ports.PairingDecision {
	if pairing == nil {
		return ports.PairingDecision{Allowed: false, ReasonCode: ReasonDenyEvaluationError}
	}
	decision, err := pairing(policyChannel, event.ActorID, nowUnixMS)
	if err != nil {
		return ports.PairingDecision{Allowed: false, ReasonCode: ReasonDenyEvaluationError}
	}
	return decision
}

func allowDecisionForAllowFrom(allowFrom AllowFrom) Decision {
	switch allowFrom {
	case AllowFromAllowlistOrPairing:
		return Decision{Allowed: true, ReasonCode: "allow_channel_policy_allow_from_allowlist_or_pairing"}
	case AllowFromAllowlistOnly:
		return Decision{Allowed: true, ReasonCode: "allow_channel_policy_allow_from_allowlist_only"}
	default:
		return Decision{Allowed: true, ReasonCode: "allow_channel_policy_allow_from_any"}
	}
}

func detectConversationKind(event *contract.InboundEvent) ConversationKind {
	if event.Transport == contract.TransportWhatsapp {
		return KindDM
	}
	if metadataStringMatches(event, "conversation_mode", "dm") {
		return KindDM
	}
	if metadataStringMatches(event, "chat_type", "private", "dm", "direct") {
		return KindDM
	}
	if metadataStringMatches(event, "channel_type", "dm", "private", "direct") {
		return KindDM
	}
	if event.MetadataBool("is_dm") {
		return KindDM
	}
	return KindGroup
}

func detectMentionPresent(event *contract.InboundEvent) bool {
	if event.EventKind == contract.EventKindCommand {
		return true
	}
	if event.MetadataBool("mentions_bot") || event.MetadataBool("mentioned") || event.MetadataBool("mention") {
		return true
	}
	if count, ok := event.MetadataNumber("mention_count"); ok && count > 0 {
		return true
	}
	if mentions, ok := event.Metadata["mentions"].([]any); ok && len(mentions) > 0 {
		return true
	}
	text := strings.ToLower(event.Text)
	return strings.Contains(text, "@tau") || strings.Contains(text, "<@") || strings.Contains(text, "/tau")
}

func metadataStringMatches(event *contract.InboundEvent, key string, accepted ...string) bool {
	value := strings.ToLower(event.MetadataString(key))
	if value == "" {
		return false
	}
	for _, candidate := range accepted {
		if value == candidate {
			return true
		}
	}
	return false
}
