package command

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/multichannel-engine/internal/contract"
	"github.com/tjfontaine/multichannel-engine/internal/core/ports"
)

type stubAuth struct {
	output string
	err    error
}

func (s *stubAuth) ExecuteAuthStatus(provider string) (string, error) {
	return s.output, s.err
}

type stubDoctor struct {
	output string
	err    error
}

func (s *stubDoctor) ExecuteDoctor(online bool) (string, error) {
	return s.output, s.err
}

type stubApprovals struct {
	output    string
	err       error
	gotArgs   string
	gotActor  string
	gotState  string
}

func (s *stubApprovals) ExecuteApprovals(stateDir, args, decisionActor string) (string, error) {
	s.gotState = stateDir
	s.gotArgs = args
	s.gotActor = decisionActor
	return s.output, s.err
}

func commandEvent(text string) *contract.InboundEvent {
	return &contract.InboundEvent{
		SchemaVersion:  contract.SchemaVersion,
		Transport:      contract.TransportTelegram,
		EventKind:      contract.EventKindCommand,
		EventID:        "evt-1",
		ConversationID: "chat-1",
		ActorID:        "actor-1",
		TimestampMS:    100,
		Text:           text,
	}
}

func TestParseNonTauTextIsNotACommand(t *testing.T) {
	for _, text := range []string{"", "hello world", "/taux help", "/deploy now"} {
		parsed, err := Parse(text)
		require.NoError(t, err, "text %q", text)
		assert.Nil(t, parsed, "text %q", text)
	}
}

func TestParseBarePrefixIsHelp(t *testing.T) {
	parsed, err := Parse("/tau")
	require.NoError(t, err)
	assert.Equal(t, KindHelp, parsed.Kind)

	parsed, err = Parse("/tau@enginebot")
	require.NoError(t, err)
	assert.Equal(t, KindHelp, parsed.Kind)
}

func TestParseAuthStatus(t *testing.T) {
	parsed, err := Parse("/tau auth status OpenAI")
	require.NoError(t, err)
	assert.Equal(t, KindAuthStatus, parsed.Kind)
	assert.Equal(t, "openai", parsed.AuthProvider)
	assert.Equal(t, "auth status openai", parsed.Line())

	_, err = Parse("/tau auth status mistral")
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, ReasonInvalidArgs, parseErr.ReasonCode)
}

func TestParseUnknownSubcommand(t *testing.T) {
	_, err := Parse("/tau restart")
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, ReasonUnknown, parseErr.ReasonCode)
}

func TestParseApprovalsList(t *testing.T) {
	parsed, err := Parse("/tau approvals list --json --status Pending")
	require.NoError(t, err)
	assert.Equal(t, ApprovalsList, parsed.ApprovalsAction)
	assert.Equal(t, "list --json --status pending", parsed.ApprovalsArgs)

	_, err = Parse("/tau approvals list --status")
	require.Error(t, err)

	_, err = Parse("/tau approvals list --verbose")
	require.Error(t, err)
}

func TestParseApprovalsDecision(t *testing.T) {
	parsed, err := Parse("/tau approvals approve req-7 looks fine to me")
	require.NoError(t, err)
	assert.Equal(t, ApprovalsApprove, parsed.ApprovalsAction)
	assert.Equal(t, "approve req-7 looks fine to me", parsed.ApprovalsArgs)

	_, err = Parse("/tau approvals reject")
	require.Error(t, err)
}

func TestExecuteNonCommandReturnsNil(t *testing.T) {
	x := &Executor{}
	assert.Nil(t, x.Execute(commandEvent("just a message"), "allow_allowlist"))
}

func TestExecuteParseErrorRendersHelp(t *testing.T) {
	x := &Executor{}
	execution := x.Execute(commandEvent("/tau restart"), "allow_allowlist")
	require.NotNil(t, execution)
	assert.Equal(t, StatusFailed, execution.Status)
	assert.Equal(t, ReasonUnknown, execution.ReasonCode)
	assert.Contains(t, execution.ResponseText, "supported /tau commands:")
	assert.Contains(t, execution.ResponseText, "status `failed`")
}

func TestExecuteOperatorScopeEnforced(t *testing.T) {
	x := &Executor{Handlers: ports.CommandHandlers{Doctor: &stubDoctor{output: "ok"}}}

	execution := x.Execute(commandEvent("/tau doctor"), "allow_permissive_mode")
	require.NotNil(t, execution)
	assert.Equal(t, ReasonRBACDenied, execution.ReasonCode)
	assert.Equal(t, StatusFailed, execution.Status)

	execution = x.Execute(commandEvent("/tau doctor --online"), "allow_allowlist_and_pairing")
	require.NotNil(t, execution)
	assert.Equal(t, StatusReported, execution.Status)
	assert.Equal(t, ReasonDoctorReported, execution.ReasonCode)
	assert.Equal(t, "doctor --online", execution.CommandLine)
}

func TestExecuteHelpAndStatusSkipRBAC(t *testing.T) {
	x := &Executor{StatusReport: func() string { return "multi-channel status: health_state=healthy" }}

	execution := x.Execute(commandEvent("/tau help"), "allow_permissive_mode")
	require.NotNil(t, execution)
	assert.Equal(t, ReasonHelpReported, execution.ReasonCode)

	execution = x.Execute(commandEvent("/tau status"), "allow_permissive_mode")
	require.NotNil(t, execution)
	assert.Equal(t, ReasonStatusReported, execution.ReasonCode)
	assert.Contains(t, execution.ResponseText, "health_state=healthy")
}

func TestExecuteMissingHandlerFails(t *testing.T) {
	x := &Executor{}
	execution := x.Execute(commandEvent("/tau auth status"), "allow_allowlist")
	require.NotNil(t, execution)
	assert.Equal(t, StatusFailed, execution.Status)
	assert.Equal(t, ReasonAuthStatusFailed, execution.ReasonCode)
	assert.Contains(t, execution.ResponseText, "handler is not configured")
}

func TestExecuteAuthHandlerError(t *testing.T) {
	x := &Executor{Handlers: ports.CommandHandlers{Auth: &stubAuth{err: errors.New("credentials expired")}}}
	execution := x.Execute(commandEvent("/tau auth status anthropic"), "allow_allowlist")
	require.NotNil(t, execution)
	assert.Equal(t, StatusFailed, execution.Status)
	assert.Equal(t, ReasonAuthStatusFailed, execution.ReasonCode)
	assert.Contains(t, execution.ResponseText, "auth error: credentials expired")
}

func TestExecuteApprovalsDecisionActorMapping(t *testing.T) {
	approvals := &stubApprovals{output: "approved request req-7"}
	x := &Executor{Handlers: ports.CommandHandlers{Approvals: approvals}, StateDir: "/tmp/state"}

	execution := x.Execute(commandEvent("/tau approvals approve req-7"), "allow_allowlist")
	require.NotNil(t, execution)
	assert.Equal(t, ReasonApprovalsApproved, execution.ReasonCode)
	assert.Equal(t, "telegram:chat-1:actor-1", approvals.gotActor)
	assert.Equal(t, "/tmp/state", approvals.gotState)
	assert.Equal(t, "approve req-7", approvals.gotArgs)

	blankActor := commandEvent("/tau approvals reject req-7")
	blankActor.ActorID = "  "
	execution = x.Execute(blankActor, "allow_allowlist")
	require.NotNil(t, execution)
	assert.Equal(t, ReasonApprovalsActorMapping, execution.ReasonCode)
}

func TestExecuteApprovalsFailureReasonClassification(t *testing.T) {
	cases := []struct {
		errText string
		reason  string
	}{
		{"request req-7 not found", ReasonApprovalsUnknownRequest},
		{"request req-7 is not pending", ReasonApprovalsStaleRequest},
		{"registry io failure", ReasonApprovalsFailed},
	}
	for _, tc := range cases {
		x := &Executor{Handlers: ports.CommandHandlers{Approvals: &stubApprovals{err: errors.New(tc.errText)}}}
		execution := x.Execute(commandEvent("/tau approvals approve req-7"), "allow_allowlist")
		require.NotNil(t, execution)
		assert.Equal(t, tc.reason, execution.ReasonCode, tc.errText)
	}
}

func TestExecutionPayloadShape(t *testing.T) {
	execution := newExecution("status", StatusReported, ReasonStatusReported, "body")
	payload := string(execution.Payload())
	assert.Contains(t, payload, `"schema":"multi_channel_tau_command_v1"`)
	assert.Contains(t, payload, `"command":"status"`)
	assert.True(t, strings.HasSuffix(execution.ResponseText,
		"Tau command `/tau status` | status `reported` | reason_code `command_status_reported`"))
}

func TestResponseFooterUsesPlaceholderBody(t *testing.T) {
	execution := newExecution("help", StatusReported, ReasonHelpReported, "   ")
	assert.True(t, strings.HasPrefix(execution.ResponseText, "Tau command response."))
}
