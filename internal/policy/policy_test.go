package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/multichannel-engine/internal/contract"
	"github.com/tjfontaine/multichannel-engine/internal/core/ports"
)

func groupEvent(conversation string, metadata map[string]any) *contract.InboundEvent {
	return &contract.InboundEvent{
		SchemaVersion:  contract.SchemaVersion,
		Transport:      contract.TransportDiscord,
		EventKind:      contract.EventKindMessage,
		EventID:        "evt-1",
		ConversationID: conversation,
		ActorID:        "actor-1",
		TimestampMS:    100,
		Text:           "hello there",
		Metadata:       metadata,
	}
}

func TestSecurityRootForWellKnownStateDirs(t *testing.T) {
	base := t.TempDir()
	assert.Equal(t, filepath.Join(base, "security"), SecurityRoot(filepath.Join(base, "multi-channel")))
	assert.Equal(t, filepath.Join(base, "security"), SecurityRoot(filepath.Join(base, "events")))
	other := filepath.Join(base, "custom-state")
	assert.Equal(t, filepath.Join(other, "security"), SecurityRoot(other))
}

func TestLoadFileMissingReturnsPermissiveDefault(t *testing.T) {
	file, err := LoadFile(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	eval := Evaluate(file, groupEvent("general", nil))
	assert.True(t, eval.Decision.Allowed)
	assert.Equal(t, "default", eval.MatchedPolicyKey)
	assert.Equal(t, "allow_channel_policy_allow_from_any", eval.Decision.ReasonCode)
}

func TestLoadFileRejectsUnsupportedSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 9}`), 0o644))
	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestEvaluateLookupPrecedence(t *testing.T) {
	file := &File{
		SchemaVersion: SchemaVersion,
		Channels: map[string]ChannelPolicy{
			"discord:general": {GroupPolicy: GroupDeny},
			"discord:*":       {RequireMention: true},
			"*":               {AllowFrom: AllowFromAllowlistOnly},
		},
	}

	eval := Evaluate(file, groupEvent("general", nil))
	assert.Equal(t, "discord:general", eval.MatchedPolicyKey)
	assert.False(t, eval.Decision.Allowed)
	assert.Equal(t, ReasonDenyGroup, eval.Decision.ReasonCode)

	eval = Evaluate(file, groupEvent("random", nil))
	assert.Equal(t, "discord:*", eval.MatchedPolicyKey)
	assert.Equal(t, ReasonDenyMentionRequired, eval.Decision.ReasonCode)
}

func TestEvaluateMentionGate(t *testing.T) {
	file := &File{
		SchemaVersion: SchemaVersion,
		DefaultPolicy: ChannelPolicy{RequireMention: true},
	}

	eval := Evaluate(file, groupEvent("general", nil))
	assert.False(t, eval.Decision.Allowed)

	mentioned := groupEvent("general", map[string]any{"mentions_bot": true})
	eval = Evaluate(file, mentioned)
	assert.True(t, eval.Decision.Allowed)

	textMention := groupEvent("general", nil)
	textMention.Text = "hey @tau what is up"
	eval = Evaluate(file, textMention)
	assert.True(t, eval.Decision.Allowed)
}

func TestWhatsappIsAlwaysDM(t *testing.T) {
	file := &File{
		SchemaVersion: SchemaVersion,
		DefaultPolicy: ChannelPolicy{DMPolicy: DMDeny},
	}
	event := groupEvent("wa-1", nil)
	event.Transport = contract.TransportWhatsapp
	eval := Evaluate(file, event)
	assert.Equal(t, KindDM, eval.ConversationKind)
	assert.Equal(t, ReasonDenyDM, eval.Decision.ReasonCode)
}

func TestConversationKindFromMetadata(t *testing.T) {
	event := groupEvent("c", map[string]any{"chat_type": "Private"})
	assert.Equal(t, KindDM, Evaluate(DefaultFile(), event).ConversationKind)

	event = groupEvent("c", map[string]any{"is_dm": true})
	assert.Equal(t, KindDM, Evaluate(DefaultFile(), event).ConversationKind)

	event = groupEvent("c", map[string]any{"guild_id": "g-1"})
	assert.Equal(t, KindGroup, Evaluate(DefaultFile(), event).ConversationKind)
}

func TestLoadErrorEvaluationFailsClosed(t *testing.T) {
	eval := LoadErrorEvaluation(groupEvent("general", nil))
	assert.False(t, eval.Decision.Allowed)
	assert.Equal(t, ReasonDenyLoadError, eval.Decision.ReasonCode)
	assert.Equal(t, "policy_load_error", eval.MatchedPolicyKey)
}

func staticPairing(decision ports.PairingDecision, err error) PairingFunc {
	return func(policyChannel, actorID string, nowUnixMS uint64) (ports.PairingDecision, error) {
		return decision, err
	}
}

func TestAccessPolicyDenySkipsPairing(t *testing.T) {
	file := &File{SchemaVersion: SchemaVersion, DefaultPolicy: ChannelPolicy{GroupPolicy: GroupDeny}}
	event := groupEvent("general", nil)
	eval := Evaluate(file, event)

	called := false
	access := EvaluateAccess(eval, event, 1, func(string, string, uint64) (ports.PairingDecision, error) {
		called = true
		return ports.PairingDecision{Allowed: true, ReasonCode: ReasonAllowAllowlist}, nil
	})
	assert.False(t, called)
	assert.False(t, access.FinalDecision.Allowed)
	assert.True(t, access.PolicyEnforced)
	assert.False(t, access.PairingChecked)
}

func TestAccessAllowFromAnyMentionDrivesEnforcement(t *testing.T) {
	event := groupEvent("general", nil)

	eval := Evaluate(DefaultFile(), event)
	access := EvaluateAccess(eval, event, 1, nil)
	assert.True(t, access.FinalDecision.Allowed)
	assert.False(t, access.PolicyEnforced)

	file := &File{SchemaVersion: SchemaVersion, DefaultPolicy: ChannelPolicy{RequireMention: true}}
	mentioned := groupEvent("general", map[string]any{"mentioned": true})
	eval = Evaluate(file, mentioned)
	access = EvaluateAccess(eval, mentioned, 1, nil)
	assert.True(t, access.FinalDecision.Allowed)
	assert.True(t, access.PolicyEnforced)
}

func TestAccessAllowlistOrPairingUsesPairingDecision(t *testing.T) {
	file := &File{SchemaVersion: SchemaVersion, DefaultPolicy: ChannelPolicy{AllowFrom: AllowFromAllowlistOrPairing}}
	event := groupEvent("general", nil)
	eval := Evaluate(file, event)

	access := EvaluateAccess(eval, event, 1, staticPairing(ports.PairingDecision{Allowed: true, ReasonCode: ReasonAllowPermissiveMode}, nil))
	assert.True(t, access.FinalDecision.Allowed)
	assert.True(t, access.PairingChecked)
	assert.False(t, access.PolicyEnforced)

	access = EvaluateAccess(eval, event, 1, staticPairing(ports.PairingDecision{Allowed: false, ReasonCode: "deny_actor_not_paired_or_allowlisted"}, nil))
	assert.False(t, access.FinalDecision.Allowed)
	assert.True(t, access.PolicyEnforced)
}

func TestAccessAllowlistOnlyDowngradesPairingOnlyAllow(t *testing.T) {
	file := &File{SchemaVersion: SchemaVersion, DefaultPolicy: ChannelPolicy{AllowFrom: AllowFromAllowlistOnly}}
	event := groupEvent("general", nil)
	eval := Evaluate(file, event)

	access := EvaluateAccess(eval, event, 1, staticPairing(ports.PairingDecision{Allowed: true, ReasonCode: "allow_pairing"}, nil))
	assert.False(t, access.FinalDecision.Allowed)
	assert.Equal(t, ReasonDenyAllowlistOnly, access.FinalDecision.ReasonCode)
	assert.True(t, access.PolicyEnforced)

	access = EvaluateAccess(eval, event, 1, staticPairing(ports.PairingDecision{Allowed: true, ReasonCode: ReasonAllowAllowlist}, nil))
	assert.True(t, access.FinalDecision.Allowed)

	access = EvaluateAccess(eval, event, 1, staticPairing(ports.PairingDecision{Allowed: false, ReasonCode: "deny_actor_not_paired_or_allowlisted"}, nil))
	assert.Equal(t, "deny_actor_not_paired_or_allowlisted", access.FinalDecision.ReasonCode)
}

func TestAccessPairingErrorFailsClosed(t *testing.T) {
	file := &File{SchemaVersion: SchemaVersion, DefaultPolicy: ChannelPolicy{AllowFrom: AllowFromAllowlistOrPairing}}
	event := groupEvent("general", nil)
	eval := Evaluate(file, event)

	access := EvaluateAccess(eval, event, 1, staticPairing(ports.PairingDecision{}, fmt.Errorf("registry unreadable")))
	assert.False(t, access.FinalDecision.Allowed)
	assert.Equal(t, ReasonDenyEvaluationError, access.FinalDecision.ReasonCode)
	assert.True(t, access.PolicyEnforced)
}
