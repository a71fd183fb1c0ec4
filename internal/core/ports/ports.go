// Package ports defines the pluggable interfaces the runtime consumes.
// Implementations live under internal/adapters and internal/outbound and are
// injected via constructor options, never a global registry.
package ports

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/multichannel-engine/internal/contract"
)

// PairingDecision is the outcome of an actor authorization check.
type PairingDecision struct {
	Allowed    bool
	ReasonCode string
}

// PairingEvaluator authorizes an actor against a policy channel using
// allowlist or pairing-registry records. Implementations must fail with an
// error rather than guessing; the engine fails closed on evaluator errors.
type PairingEvaluator interface {
	EvaluatePairing(stateDir, policyChannel, actorID string, nowUnixMS uint64) (PairingDecision, error)
}

// DeliveryReceipt describes one delivered (or simulated) chunk.
type DeliveryReceipt struct {
	Transport         string          `json:"transport"`
	Mode              string          `json:"mode"`
	Status            string          `json:"status"`
	ChunkIndex        int             `json:"chunk_index"`
	ChunkCount        int             `json:"chunk_count"`
	Endpoint          string          `json:"endpoint"`
	RequestBody       json.RawMessage `json:"request_body,omitempty"`
	ReasonCode        string          `json:"reason_code,omitempty"`
	Detail            string          `json:"detail,omitempty"`
	Retryable         bool            `json:"retryable"`
	HTTPStatus        int             `json:"http_status,omitempty"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
}

// DeliveryResult is the outcome of delivering one response.
type DeliveryResult struct {
	Mode       string            `json:"mode"`
	ChunkCount int               `json:"chunk_count"`
	Receipts   []DeliveryReceipt `json:"receipts,omitempty"`
}

// DeliveryError is a failed delivery attempt with enough context for the
// retry controller and the outbound failure log record.
type DeliveryError struct {
	ReasonCode  string
	Detail      string
	Retryable   bool
	ChunkIndex  int
	ChunkCount  int
	Endpoint    string
	RequestBody string
	HTTPStatus  int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("reason_code=%s retryable=%t chunk=%d/%d endpoint=%s detail=%s",
		e.ReasonCode, e.Retryable, e.ChunkIndex, e.ChunkCount, e.Endpoint, e.Detail)
}

// OutboundDispatcher delivers a rendered response back to the transport the
// event arrived on.
type OutboundDispatcher interface {
	Deliver(ctx context.Context, event *contract.InboundEvent, responseText string) (*DeliveryResult, error)
	Mode() string
}

// AuthCommandExecutor backs the in-band auth status command.
type AuthCommandExecutor interface {
	ExecuteAuthStatus(provider string) (string, error)
}

// DoctorCommandExecutor backs the in-band doctor command.
type DoctorCommandExecutor interface {
	ExecuteDoctor(online bool) (string, error)
}

// ApprovalsCommandExecutor backs the in-band approvals commands.
type ApprovalsCommandExecutor interface {
	ExecuteApprovals(stateDir, args, decisionActor string) (string, error)
}

// CommandHandlers bundles the optional in-band command executors. Nil fields
// mean the command reports as failed with a handler-unavailable reason.
type CommandHandlers struct {
	Auth      AuthCommandExecutor
	Doctor    DoctorCommandExecutor
	Approvals ApprovalsCommandExecutor
}

// CycleReportPublisher forwards cycle reports to an external sink (message
// broker, aggregation service). Publishing is best-effort; failures are
// logged, never fatal to the cycle.
type CycleReportPublisher interface {
	PublishCycleReport(ctx context.Context, report json.RawMessage) error
	Close() error
}

// UsageArchive persists usage telemetry records outside state.json for
// offline cost queries.
type UsageArchive interface {
	RecordUsage(ctx context.Context, record *UsageArchiveRecord) error
	Close() error
}

// UsageArchiveRecord is one delivered response's usage accounting row.
type UsageArchiveRecord struct {
	EventKey        string
	Transport       string
	ResponseChars   int
	ChunkCount      int
	EstimatedTokens int
	CostMicros      uint64
	CreatedUnixMS   uint64
}
