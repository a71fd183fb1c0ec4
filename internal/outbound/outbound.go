// Package outbound delivers rendered responses back to the transport an
// event arrived on. Three modes are supported: channel_store records only,
// dry_run shapes provider requests without sending, provider performs real
// HTTP delivery with per-transport payloads and failure classification.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tjfontaine/multichannel-engine/internal/contract"
	"github.com/tjfontaine/multichannel-engine/internal/core/ports"
)

// Delivery modes.
const (
	ModeChannelStore = "channel_store"
	ModeDryRun       = "dry_run"
	ModeProvider     = "provider"
)

// Per-transport chunk caps the providers enforce server-side.
const (
	telegramSafeMaxChars = 4096
	discordSafeMaxChars  = 2000
	whatsappSafeMaxChars = 1024
)

const detailMaxChars = 512

// Config controls outbound delivery. Zero values fall back to defaults via
// DefaultConfig.
type Config struct {
	Mode          string
	MaxChars      int
	HTTPTimeoutMS uint64

	TelegramAPIBase string
	DiscordAPIBase  string
	WhatsappAPIBase string

	TelegramBotToken      string
	DiscordBotToken       string
	WhatsappAccessToken   string
	WhatsappPhoneNumberID string
}

// DefaultConfig returns channel_store mode with provider API defaults.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeChannelStore,
		MaxChars:        1200,
		HTTPTimeoutMS:   5000,
		TelegramAPIBase: "https://api.telegram.org",
		DiscordAPIBase:  "https://discord.com/api/v10",
		WhatsappAPIBase: "https://graph.facebook.com/v20.0",
	}
}

type outboundRequest struct {
	transport  contract.Transport
	endpoint   string
	headers    map[string]string
	body       json.RawMessage
	chunkIndex int
	chunkCount int
}

// Dispatcher implements ports.OutboundDispatcher.
type Dispatcher struct {
	config Config
	client *http.Client
}

var _ ports.OutboundDispatcher = (*Dispatcher)(nil)

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the provider-mode HTTP client, e.g. with a
// recording transport in tests.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// NewDispatcher validates the config and builds the HTTP client when
// provider mode is requested.
func NewDispatcher(config Config, opts ...Option) (*Dispatcher, error) {
	switch config.Mode {
	case ModeChannelStore, ModeDryRun, ModeProvider:
	default:
		return nil, fmt.Errorf("unsupported outbound mode %q", config.Mode)
	}
	if config.MaxChars <= 0 {
		return nil, errors.New("outbound max chars must be greater than 0")
	}
	if config.Mode == ModeProvider && config.HTTPTimeoutMS == 0 {
		return nil, errors.New("outbound provider mode requires http timeout > 0")
	}
	d := &Dispatcher{config: config}
	for _, opt := range opts {
		opt(d)
	}
	if config.Mode == ModeProvider && d.client == nil {
		d.client = &http.Client{
			Timeout: time.Duration(config.HTTPTimeoutMS) * time.Millisecond,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return d, nil
}

// Mode reports the configured delivery mode.
func (d *Dispatcher) Mode() string {
	return d.config.Mode
}

// Deliver sends responseText to the event's transport, one request per
// chunk. Failures abort the remaining chunks and surface a *ports.DeliveryError.
func (d *Dispatcher) Deliver(ctx context.Context, event *contract.InboundEvent, responseText string) (*ports.DeliveryResult, error) {
	result := &ports.DeliveryResult{Mode: d.config.Mode}
	if d.config.Mode == ModeChannelStore {
		return result, nil
	}

	requests, err := d.buildRequests(event, responseText)
	if err != nil {
		return nil, err
	}
	for _, request := range requests {
		var receipt ports.DeliveryReceipt
		if d.config.Mode == ModeDryRun {
			receipt = ports.DeliveryReceipt{
				Transport:   string(request.transport),
				Mode:        d.config.Mode,
				Status:      "dry_run",
				ChunkIndex:  request.chunkIndex,
				ChunkCount:  request.chunkCount,
				Endpoint:    request.endpoint,
				RequestBody: request.body,
			}
		} else {
			receipt, err = d.sendRequest(ctx, request)
			if err != nil {
				return nil, err
			}
		}
		result.Receipts = append(result.Receipts, receipt)
	}
	result.ChunkCount = len(result.Receipts)
	return result, nil
}

func (d *Dispatcher) buildRequests(event *contract.InboundEvent, responseText string) ([]outboundRequest, error) {
	trimmed := strings.TrimSpace(responseText)
	if trimmed == "" {
		return nil, nil
	}
	chunkMax := d.config.MaxChars
	if limit := safeMaxChars(event.Transport); chunkMax > limit {
		chunkMax = limit
	}
	if chunkMax < 1 {
		chunkMax = 1
	}
	chunks := chunkText(trimmed, chunkMax)
	requests := make([]outboundRequest, 0, len(chunks))
	for index, chunk := range chunks {
		request, err := d.buildChunkRequest(event, chunk, index+1, len(chunks))
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func (d *Dispatcher) buildChunkRequest(event *contract.InboundEvent, chunk string, chunkIndex, chunkCount int) (outboundRequest, error) {
	switch event.Transport {
	case contract.TransportTelegram:
		token := d.credential(d.config.TelegramBotToken, "dry-run-telegram-token")
		if token == "" {
			return outboundRequest{}, &ports.DeliveryError{
				ReasonCode: "delivery_missing_telegram_bot_token",
				Detail:     "telegram outbound requires a bot token",
				ChunkIndex: chunkIndex,
				ChunkCount: chunkCount,
			}
		}
		body := mustJSON(map[string]any{
			"chat_id":                  strings.TrimSpace(event.ConversationID),
			"text":                     chunk,
			"disable_web_page_preview": true,
		})
		return outboundRequest{
			transport:  event.Transport,
			endpoint:   fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(d.config.TelegramAPIBase, "/"), token),
			body:       body,
			chunkIndex: chunkIndex,
			chunkCount: chunkCount,
		}, nil

	case contract.TransportDiscord:
		token := d.credential(d.config.DiscordBotToken, "dry-run-discord-token")
		if token == "" {
			return outboundRequest{}, &ports.DeliveryError{
				ReasonCode: "delivery_missing_discord_bot_token",
				Detail:     "discord outbound requires a bot token",
				ChunkIndex: chunkIndex,
				ChunkCount: chunkCount,
			}
		}
		return outboundRequest{
			transport: event.Transport,
			endpoint: fmt.Sprintf("%s/channels/%s/messages",
				strings.TrimRight(d.config.DiscordAPIBase, "/"), strings.TrimSpace(event.ConversationID)),
			headers:    map[string]string{"Authorization": "Bot " + token},
			body:       mustJSON(map[string]any{"content": chunk}),
			chunkIndex: chunkIndex,
			chunkCount: chunkCount,
		}, nil

	case contract.TransportWhatsapp:
		token := d.credential(d.config.WhatsappAccessToken, "dry-run-whatsapp-token")
		if token == "" {
			return outboundRequest{}, &ports.DeliveryError{
				ReasonCode: "delivery_missing_whatsapp_access_token",
				Detail:     "whatsapp outbound requires an access token",
				ChunkIndex: chunkIndex,
				ChunkCount: chunkCount,
			}
		}
		phoneNumberID := strings.TrimSpace(d.config.WhatsappPhoneNumberID)
		if phoneNumberID == "" {
			phoneNumberID = strings.TrimSpace(event.MetadataString("whatsapp_phone_number_id"))
		}
		if phoneNumberID == "" && d.config.Mode == ModeDryRun {
			phoneNumberID = "dry-run-phone-number-id"
		}
		if phoneNumberID == "" {
			return outboundRequest{}, &ports.DeliveryError{
				ReasonCode: "delivery_missing_whatsapp_phone_number_id",
				Detail:     "whatsapp outbound requires a phone number id from config or event metadata",
				ChunkIndex: chunkIndex,
				ChunkCount: chunkCount,
			}
		}
		recipient := whatsappRecipient(event.ActorID)
		if recipient == "" {
			if d.config.Mode != ModeDryRun {
				return outboundRequest{}, &ports.DeliveryError{
					ReasonCode: "delivery_missing_whatsapp_recipient",
					Detail:     "whatsapp outbound requires a non-empty actor_id",
					ChunkIndex: chunkIndex,
					ChunkCount: chunkCount,
				}
			}
			recipient = "dry-run-recipient"
		}
		body := mustJSON(map[string]any{
			"messaging_product": "whatsapp",
			"to":                recipient,
			"type":              "text",
			"text":              map[string]any{"body": chunk},
		})
		return outboundRequest{
			transport: event.Transport,
			endpoint: fmt.Sprintf("%s/%s/messages",
				strings.TrimRight(d.config.WhatsappAPIBase, "/"), phoneNumberID),
			headers:    map[string]string{"Authorization": "Bearer " + token},
			body:       body,
			chunkIndex: chunkIndex,
			chunkCount: chunkCount,
		}, nil
	}
	return outboundRequest{}, &ports.DeliveryError{
		ReasonCode: "delivery_unsupported_transport",
		Detail:     fmt.Sprintf("no outbound delivery for transport %q", event.Transport),
		ChunkIndex: chunkIndex,
		ChunkCount: chunkCount,
	}
}

// credential trims the configured value and substitutes a placeholder in
// dry-run mode so request shaping stays observable without secrets.
func (d *Dispatcher) credential(configured, dryRunPlaceholder string) string {
	if value := strings.TrimSpace(configured); value != "" {
		return value
	}
	if d.config.Mode == ModeDryRun {
		return dryRunPlaceholder
	}
	return ""
}

func (d *Dispatcher) sendRequest(ctx context.Context, request outboundRequest) (ports.DeliveryReceipt, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, request.endpoint, bytes.NewReader(request.body))
	if err != nil {
		return ports.DeliveryReceipt{}, d.transportError(request, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	for header, value := range request.headers {
		httpRequest.Header.Set(header, value)
	}

	response, err := d.client.Do(httpRequest)
	if err != nil {
		return ports.DeliveryReceipt{}, d.transportError(request, err)
	}
	defer response.Body.Close()
	bodyRaw, _ := io.ReadAll(io.LimitReader(response.Body, 1<<20))

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return ports.DeliveryReceipt{
			Transport:         string(request.transport),
			Mode:              d.config.Mode,
			Status:            "sent",
			ChunkIndex:        request.chunkIndex,
			ChunkCount:        request.chunkCount,
			Endpoint:          request.endpoint,
			RequestBody:       request.body,
			HTTPStatus:        response.StatusCode,
			ProviderMessageID: providerMessageID(request.transport, bodyRaw),
		}, nil
	}

	reasonCode, retryable := classifyProviderStatus(response.StatusCode)
	return ports.DeliveryReceipt{}, &ports.DeliveryError{
		ReasonCode:  reasonCode,
		Detail:      truncateDetail(string(bodyRaw)),
		Retryable:   retryable,
		ChunkIndex:  request.chunkIndex,
		ChunkCount:  request.chunkCount,
		Endpoint:    request.endpoint,
		RequestBody: truncateDetail(string(request.body)),
		HTTPStatus:  response.StatusCode,
	}
}

func (d *Dispatcher) transportError(request outboundRequest, err error) error {
	return &ports.DeliveryError{
		ReasonCode:  "delivery_transport_error",
		Detail:      truncateDetail(err.Error()),
		Retryable:   true,
		ChunkIndex:  request.chunkIndex,
		ChunkCount:  request.chunkCount,
		Endpoint:    request.endpoint,
		RequestBody: truncateDetail(string(request.body)),
	}
}

func classifyProviderStatus(status int) (string, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return "delivery_rate_limited", true
	case status >= 500 && status < 600:
		return "delivery_provider_unavailable", true
	case status >= 400 && status < 500:
		return "delivery_request_rejected", false
	default:
		return "delivery_unknown_http_failure", true
	}
}

// providerMessageID pulls the message id each provider reports on success.
func providerMessageID(transport contract.Transport, body []byte) string {
	var payload map[string]any
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	switch transport {
	case contract.TransportTelegram:
		if result, ok := payload["result"].(map[string]any); ok {
			if id, ok := result["message_id"].(float64); ok {
				return fmt.Sprintf("%d", int64(id))
			}
		}
	case contract.TransportDiscord:
		if id, ok := payload["id"].(string); ok {
			return id
		}
	case contract.TransportWhatsapp:
		if messages, ok := payload["messages"].([]any); ok && len(messages) > 0 {
			if first, ok := messages[0].(map[string]any); ok {
				if id, ok := first["id"].(string); ok {
					return id
				}
			}
		}
	}
	return ""
}

func safeMaxChars(transport contract.Transport) int {
	switch transport {
	case contract.TransportDiscord:
		return discordSafeMaxChars
	case contract.TransportWhatsapp:
		return whatsappSafeMaxChars
	default:
		return telegramSafeMaxChars
	}
}

// chunkText splits text into rune-counted chunks of at most maxChars.
func chunkText(text string, maxChars int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+maxChars-1)/maxChars)
	for start := 0; start < len(runes); start += maxChars {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// whatsappRecipient is the last ':'-separated segment of the actor id.
func whatsappRecipient(actorID string) string {
	trimmed := strings.TrimSpace(actorID)
	if trimmed == "" {
		return ""
	}
	segments := strings.Split(trimmed, ":")
	return strings.TrimSpace(segments[len(segments)-1])
}

func truncateDetail(value string) string {
	runes := []rune(value)
	if len(runes) <= detailMaxChars {
		return value
	}
	return string(runes[:detailMaxChars]) + "..."
}

func mustJSON(value any) json.RawMessage {
	raw, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("marshal outbound body: %v", err))
	}
	return raw
}
