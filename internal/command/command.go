// Package command parses and executes in-band "/tau" operator commands
// carried in event text. Parsing is strict: unknown subcommands and malformed
// arguments produce failed executions with stable reason codes instead of
// falling through to normal message handling.
package command

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tjfontaine/multichannel-engine/internal/contract"
	"github.com/tjfontaine/multichannel-engine/internal/core/ports"
)

// Execution statuses.
const (
	StatusReported = "reported"
	StatusFailed   = "failed"
)

// Command reason codes.
const (
	ReasonUnknown                    = "command_unknown"
	ReasonInvalidArgs                = "command_invalid_args"
	ReasonRBACDenied                 = "command_rbac_denied"
	ReasonHelpReported               = "command_help_reported"
	ReasonStatusReported             = "command_status_reported"
	ReasonAuthStatusReported         = "command_auth_status_reported"
	ReasonAuthStatusFailed           = "command_auth_status_failed"
	ReasonDoctorReported             = "command_doctor_reported"
	ReasonApprovalsListReported      = "command_approvals_list_reported"
	ReasonApprovalsApproved          = "command_approvals_approved"
	ReasonApprovalsRejected          = "command_approvals_rejected"
	ReasonApprovalsFailed            = "command_approvals_failed"
	ReasonApprovalsUnknownRequest = "command_approvals_unknown_request"
	ReasonApprovalsStaleRequest   = "command_approvals_stale_request"
	ReasonApprovalsActorMapping   = "command_approvals_actor_mapping_failed"
)

// PayloadSchema tags command executions in channel store log payloads.
const PayloadSchema = "multi_channel_tau_command_v1"

// Kind enumerates parsed /tau subcommands.
type Kind int

const (
	KindHelp Kind = iota
	KindStatus
	KindAuthStatus
	KindDoctor
	KindApprovals
)

// Approvals actions.
const (
	ApprovalsList    = "list"
	ApprovalsApprove = "approve"
	ApprovalsReject  = "reject"
)

// Command is one parsed /tau invocation.
type Command struct {
	Kind            Kind
	AuthProvider    string
	DoctorOnline    bool
	ApprovalsAction string
	ApprovalsArgs   string
}

// Line renders the canonical command line shown in responses and payloads.
func (c *Command) Line() string {
	switch c.Kind {
	case KindStatus:
		return "status"
	case KindAuthStatus:
		if c.AuthProvider != "" {
			return "auth status " + c.AuthProvider
		}
		return "auth status"
	case KindDoctor:
		if c.DoctorOnline {
			return "doctor --online"
		}
		return "doctor"
	case KindApprovals:
		return "approvals " + c.ApprovalsArgs
	default:
		return "help"
	}
}

// requiresOperatorScope reports whether the command is restricted to
// allowlisted operators.
func (c *Command) requiresOperatorScope() bool {
	return c.Kind == KindAuthStatus || c.Kind == KindDoctor || c.Kind == KindApprovals
}

// ParseError carries the reason code for a malformed /tau invocation.
type ParseError struct {
	ReasonCode string
}

func (e *ParseError) Error() string {
	return "tau command parse error: " + e.ReasonCode
}

// Parse extracts a /tau command from event text. It returns (nil, nil) when
// the text is not a /tau invocation at all.
func Parse(text string) (*Command, error) {
	tokens := strings.Fields(strings.TrimSpace(text))
	if len(tokens) == 0 {
		return nil, nil
	}
	prefix := tokens[0]
	if prefix != "/tau" && !strings.HasPrefix(prefix, "/tau@") {
		return nil, nil
	}
	args := tokens[1:]
	if len(args) == 0 {
		return &Command{Kind: KindHelp}, nil
	}

	switch args[0] {
	case "help":
		if len(args) > 1 {
			return nil, &ParseError{ReasonCode: ReasonInvalidArgs}
		}
		return &Command{Kind: KindHelp}, nil
	case "status":
		if len(args) > 1 {
			return nil, &ParseError{ReasonCode: ReasonInvalidArgs}
		}
		return &Command{Kind: KindStatus}, nil
	case "auth":
		return parseAuth(args[1:])
	case "doctor":
		return parseDoctor(args[1:])
	case "approvals":
		return parseApprovals(args[1:])
	default:
		return nil, &ParseError{ReasonCode: ReasonUnknown}
	}
}

func parseAuth(args []string) (*Command, error) {
	if len(args) == 0 || args[0] != "status" || len(args) > 2 {
		return nil, &ParseError{ReasonCode: ReasonInvalidArgs}
	}
	command := &Command{Kind: KindAuthStatus}
	if len(args) == 2 {
		provider := strings.ToLower(strings.TrimSpace(args[1]))
		switch provider {
		case "openai", "anthropic", "google":
			command.AuthProvider = provider
		default:
			return nil, &ParseError{ReasonCode: ReasonInvalidArgs}
		}
	}
	return command, nil
}

func parseDoctor(args []string) (*Command, error) {
	command := &Command{Kind: KindDoctor}
	switch {
	case len(args) == 0:
	case len(args) == 1 && args[0] == "--online":
		command.DoctorOnline = true
	default:
		return nil, &ParseError{ReasonCode: ReasonInvalidArgs}
	}
	return command, nil
}

func parseApprovals(args []string) (*Command, error) {
	if len(args) == 0 {
		return nil, &ParseError{ReasonCode: ReasonInvalidArgs}
	}
	switch args[0] {
	case ApprovalsList:
		emitJSON := false
		statusFilter := ""
		for index := 1; index < len(args); {
			switch args[index] {
			case "--json":
				if emitJSON {
					return nil, &ParseError{ReasonCode: ReasonInvalidArgs}
				}
				emitJSON = true
				index++
			case "--status":
				if index+1 >= len(args) {
					return nil, &ParseError{ReasonCode: ReasonInvalidArgs}
				}
				status := strings.ToLower(strings.TrimSpace(args[index+1]))
				switch status {
				case "pending", "approved", "rejected", "expired", "consumed":
					statusFilter = status
				default:
					return nil, &ParseError{ReasonCode: ReasonInvalidArgs}
				}
				index += 2
			default:
				return nil, &ParseError{ReasonCode: ReasonInvalidArgs}
			}
		}
		parts := []string{ApprovalsList}
		if emitJSON {
			parts = append(parts, "--json")
		}
		if statusFilter != "" {
			parts = append(parts, "--status", statusFilter)
		}
		return &Command{
			Kind:            KindApprovals,
			ApprovalsAction: ApprovalsList,
			ApprovalsArgs:   strings.Join(parts, " "),
		}, nil

	case ApprovalsApprove, ApprovalsReject:
		if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
			return nil, &ParseError{ReasonCode: ReasonInvalidArgs}
		}
		requestID := strings.TrimSpace(args[1])
		reason := strings.Join(args[2:], " ")
		argsLine := args[0] + " " + requestID
		if strings.TrimSpace(reason) != "" {
			argsLine += " " + reason
		}
		return &Command{
			Kind:            KindApprovals,
			ApprovalsAction: args[0],
			ApprovalsArgs:   argsLine,
		}, nil

	default:
		return nil, &ParseError{ReasonCode: ReasonInvalidArgs}
	}
}

// Help lists the supported /tau commands.
func Help() string {
	return strings.Join([]string{
		"supported /tau commands:",
		"- /tau help",
		"- /tau status",
		"- /tau auth status [openai|anthropic|google]",
		"- /tau doctor [--online]",
		"- /tau approvals list [--json] [--status pending|approved|rejected|expired|consumed]",
		"- /tau approvals approve <request_id> [reason]",
		"- /tau approvals reject <request_id> [reason]",
	}, "\n")
}

// Execution is the result of one /tau command.
type Execution struct {
	CommandLine  string
	Status       string
	ReasonCode   string
	ResponseText string
}

// Payload shapes the execution for channel store log records.
func (e *Execution) Payload() json.RawMessage {
	raw, _ := json.Marshal(map[string]string{
		"schema":      PayloadSchema,
		"command":     e.CommandLine,
		"status":      e.Status,
		"reason_code": e.ReasonCode,
	})
	return raw
}

func newExecution(commandLine, status, reasonCode, content string) *Execution {
	body := strings.TrimSpace(content)
	if body == "" {
		body = "Tau command response."
	}
	return &Execution{
		CommandLine: commandLine,
		Status:      status,
		ReasonCode:  reasonCode,
		ResponseText: body + "\n\nTau command `/tau " + commandLine +
			"` | status `" + status + "` | reason_code `" + reasonCode + "`",
	}
}

// Executor dispatches parsed commands to the injected handlers.
type Executor struct {
	Handlers     ports.CommandHandlers
	StateDir     string
	StatusReport func() string
}

// operatorAllowReasons are the final access reason codes that grant operator
// command scope.
func operatorAllowed(finalReasonCode string) bool {
	return finalReasonCode == "allow_allowlist" || finalReasonCode == "allow_allowlist_and_pairing"
}

// Execute runs the /tau command embedded in the event text, if any. It
// returns nil when the text carries no /tau invocation.
func (x *Executor) Execute(event *contract.InboundEvent, finalReasonCode string) *Execution {
	parsed, err := Parse(event.Text)
	if err != nil {
		reason := ReasonInvalidArgs
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			reason = parseErr.ReasonCode
		}
		return newExecution("invalid", StatusFailed, reason, "invalid `/tau` command.\n\n"+Help())
	}
	if parsed == nil {
		return nil
	}
	if parsed.requiresOperatorScope() && !operatorAllowed(finalReasonCode) {
		return newExecution(parsed.Line(), StatusFailed, ReasonRBACDenied,
			"command denied: this `/tau` command requires allowlisted operator scope.")
	}

	switch parsed.Kind {
	case KindHelp:
		return newExecution("help", StatusReported, ReasonHelpReported, Help())
	case KindStatus:
		report := "multi-channel status: unavailable"
		if x.StatusReport != nil {
			report = x.StatusReport()
		}
		return newExecution("status", StatusReported, ReasonStatusReported, report)
	case KindAuthStatus:
		return x.executeAuthStatus(parsed)
	case KindDoctor:
		return x.executeDoctor(parsed)
	default:
		return x.executeApprovals(parsed, event)
	}
}

func (x *Executor) executeAuthStatus(parsed *Command) *Execution {
	if x.Handlers.Auth == nil {
		return newExecution("auth status", StatusFailed, ReasonAuthStatusFailed,
			"command unavailable: auth status handler is not configured.")
	}
	output, err := x.Handlers.Auth.ExecuteAuthStatus(parsed.AuthProvider)
	if err != nil {
		return newExecution(parsed.Line(), StatusFailed, ReasonAuthStatusFailed, "auth error: "+err.Error())
	}
	return newExecution(parsed.Line(), StatusReported, ReasonAuthStatusReported, output)
}

func (x *Executor) executeDoctor(parsed *Command) *Execution {
	if x.Handlers.Doctor == nil {
		return newExecution("doctor", StatusFailed, ReasonDoctorReported,
			"command unavailable: doctor handler is not configured.")
	}
	output, err := x.Handlers.Doctor.ExecuteDoctor(parsed.DoctorOnline)
	if err != nil {
		return newExecution(parsed.Line(), StatusFailed, ReasonDoctorReported, "doctor error: "+err.Error())
	}
	return newExecution(parsed.Line(), StatusReported, ReasonDoctorReported, output)
}

func (x *Executor) executeApprovals(parsed *Command, event *contract.InboundEvent) *Execution {
	if x.Handlers.Approvals == nil {
		return newExecution("approvals", StatusFailed, ReasonApprovalsFailed,
			"command unavailable: approvals handler is not configured.")
	}
	decisionActor := ""
	if parsed.ApprovalsAction == ApprovalsApprove || parsed.ApprovalsAction == ApprovalsReject {
		decisionActor = approverActor(event)
		if decisionActor == "" {
			return newExecution("approvals", StatusFailed, ReasonApprovalsActorMapping,
				"command denied: missing transport actor mapping for approval decision.")
		}
	}

	output, err := x.Handlers.Approvals.ExecuteApprovals(x.StateDir, parsed.ApprovalsArgs, decisionActor)
	commandLine := "approvals " + strings.TrimSpace(parsed.ApprovalsArgs)
	if err != nil {
		return newExecution(commandLine, StatusFailed,
			approvalsFailureReason(parsed.ApprovalsAction, err.Error()), "approvals error: "+err.Error())
	}
	return newExecution(commandLine, StatusReported, approvalsSuccessReason(parsed.ApprovalsAction), output)
}

func approvalsSuccessReason(action string) string {
	switch action {
	case ApprovalsApprove:
		return ReasonApprovalsApproved
	case ApprovalsReject:
		return ReasonApprovalsRejected
	default:
		return ReasonApprovalsListReported
	}
}

func approvalsFailureReason(action, output string) string {
	if action == ApprovalsApprove || action == ApprovalsReject {
		if strings.Contains(output, "not found") {
			return ReasonApprovalsUnknownRequest
		}
		if strings.Contains(output, "is not pending") {
			return ReasonApprovalsStaleRequest
		}
	}
	return ReasonApprovalsFailed
}

// approverActor maps the event to "transport:conversation:actor" for
// approval decision attribution.
func approverActor(event *contract.InboundEvent) string {
	conversation := strings.TrimSpace(event.ConversationID)
	actor := strings.TrimSpace(event.ActorID)
	if conversation == "" || actor == "" {
		return ""
	}
	return string(event.Transport) + ":" + conversation + ":" + actor
}
