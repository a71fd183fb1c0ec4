package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/multichannel-engine/internal/contract"
	"github.com/tjfontaine/multichannel-engine/internal/core/ports"
	"github.com/tjfontaine/multichannel-engine/internal/testutil"
)

func event(transport contract.Transport, conversation, actor string) *contract.InboundEvent {
	return &contract.InboundEvent{
		SchemaVersion:  contract.SchemaVersion,
		Transport:      transport,
		EventKind:      contract.EventKindMessage,
		EventID:        "evt-1",
		ConversationID: conversation,
		ActorID:        actor,
		TimestampMS:    100,
		Text:           "inbound",
	}
}

func TestNewDispatcherValidatesConfig(t *testing.T) {
	config := DefaultConfig()
	config.MaxChars = 0
	_, err := NewDispatcher(config)
	require.Error(t, err)

	config = DefaultConfig()
	config.Mode = ModeProvider
	config.HTTPTimeoutMS = 0
	_, err = NewDispatcher(config)
	require.Error(t, err)

	config = DefaultConfig()
	config.Mode = "broadcast"
	_, err = NewDispatcher(config)
	require.Error(t, err)
}

func TestChannelStoreModeDeliversNothing(t *testing.T) {
	d, err := NewDispatcher(DefaultConfig())
	require.NoError(t, err)

	result, err := d.Deliver(context.Background(), event(contract.TransportTelegram, "chat-1", "actor-1"), "hello")
	require.NoError(t, err)
	assert.Equal(t, ModeChannelStore, result.Mode)
	assert.Zero(t, result.ChunkCount)
	assert.Empty(t, result.Receipts)
}

func TestDryRunShapesTelegramRequestWithPlaceholderToken(t *testing.T) {
	config := DefaultConfig()
	config.Mode = ModeDryRun
	d, err := NewDispatcher(config)
	require.NoError(t, err)

	result, err := d.Deliver(context.Background(), event(contract.TransportTelegram, "chat-1", "actor-1"), "hello world")
	require.NoError(t, err)
	require.Len(t, result.Receipts, 1)

	receipt := result.Receipts[0]
	assert.Equal(t, "dry_run", receipt.Status)
	assert.Equal(t, "https://api.telegram.org/botdry-run-telegram-token/sendMessage", receipt.Endpoint)

	var body map[string]any
	require.NoError(t, json.Unmarshal(receipt.RequestBody, &body))
	assert.Equal(t, "chat-1", body["chat_id"])
	assert.Equal(t, "hello world", body["text"])
	assert.Equal(t, true, body["disable_web_page_preview"])
}

func TestDryRunChunksByTransportCap(t *testing.T) {
	config := DefaultConfig()
	config.Mode = ModeDryRun
	config.MaxChars = 5000
	d, err := NewDispatcher(config)
	require.NoError(t, err)

	text := strings.Repeat("x", 2500)
	result, err := d.Deliver(context.Background(), event(contract.TransportDiscord, "chan-1", "actor-1"), text)
	require.NoError(t, err)
	require.Equal(t, 2, result.ChunkCount)
	assert.Equal(t, 1, result.Receipts[0].ChunkIndex)
	assert.Equal(t, 2, result.Receipts[0].ChunkCount)
	assert.Equal(t, 2, result.Receipts[1].ChunkIndex)
}

func TestProviderModeRequiresDiscordToken(t *testing.T) {
	config := DefaultConfig()
	config.Mode = ModeProvider
	d, err := NewDispatcher(config)
	require.NoError(t, err)

	_, err = d.Deliver(context.Background(), event(contract.TransportDiscord, "chan-1", "actor-1"), "hello")
	var deliveryErr *ports.DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, "delivery_missing_discord_bot_token", deliveryErr.ReasonCode)
	assert.False(t, deliveryErr.Retryable)
}

func TestProviderModeRequiresWhatsappRecipient(t *testing.T) {
	config := DefaultConfig()
	config.Mode = ModeProvider
	config.WhatsappAccessToken = "token"
	config.WhatsappPhoneNumberID = "555"
	d, err := NewDispatcher(config)
	require.NoError(t, err)

	_, err = d.Deliver(context.Background(), event(contract.TransportWhatsapp, "wa-1", "whatsapp::"), "hello")
	var deliveryErr *ports.DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, "delivery_missing_whatsapp_recipient", deliveryErr.ReasonCode)
}

func TestWhatsappRecipientIsLastActorSegment(t *testing.T) {
	assert.Equal(t, "15551234567", whatsappRecipient("whatsapp:user:15551234567"))
	assert.Equal(t, "direct", whatsappRecipient("direct"))
	assert.Equal(t, "", whatsappRecipient("  "))
}

func TestProviderStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		reason    string
		retryable bool
	}{
		{429, "delivery_rate_limited", true},
		{500, "delivery_provider_unavailable", true},
		{503, "delivery_provider_unavailable", true},
		{404, "delivery_request_rejected", false},
		{302, "delivery_unknown_http_failure", true},
	}
	for _, tc := range cases {
		reason, retryable := classifyProviderStatus(tc.status)
		assert.Equal(t, tc.reason, reason, "status %d", tc.status)
		assert.Equal(t, tc.retryable, retryable, "status %d", tc.status)
	}
}

func TestProviderDeliveryClassifiesHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"retry_after": 3}`))
	}))
	defer server.Close()

	config := DefaultConfig()
	config.Mode = ModeProvider
	config.DiscordAPIBase = server.URL
	config.DiscordBotToken = "token"
	d, err := NewDispatcher(config)
	require.NoError(t, err)

	_, err = d.Deliver(context.Background(), event(contract.TransportDiscord, "chan-1", "actor-1"), "hello")
	var deliveryErr *ports.DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, "delivery_rate_limited", deliveryErr.ReasonCode)
	assert.True(t, deliveryErr.Retryable)
	assert.Equal(t, http.StatusTooManyRequests, deliveryErr.HTTPStatus)
}

func TestProviderDeliveryExtractsWhatsappMessageID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.abc"}]}`))
	}))
	defer server.Close()

	config := DefaultConfig()
	config.Mode = ModeProvider
	config.WhatsappAPIBase = server.URL
	config.WhatsappAccessToken = "token"
	config.WhatsappPhoneNumberID = "555"
	d, err := NewDispatcher(config)
	require.NoError(t, err)

	result, err := d.Deliver(context.Background(), event(contract.TransportWhatsapp, "wa-1", "whatsapp:15551234567"), "hello")
	require.NoError(t, err)
	require.Len(t, result.Receipts, 1)
	assert.Equal(t, "sent", result.Receipts[0].Status)
	assert.Equal(t, "wamid.abc", result.Receipts[0].ProviderMessageID)
}

func TestProviderDeliveryReplaysTelegramCassette(t *testing.T) {
	r := testutil.NewProviderRecorder(t, "telegram_send")

	config := DefaultConfig()
	config.Mode = ModeProvider
	config.TelegramBotToken = "test-token"
	d, err := NewDispatcher(config, WithHTTPClient(testutil.RecorderClient(r)))
	require.NoError(t, err)

	result, err := d.Deliver(context.Background(), event(contract.TransportTelegram, "chat-1", "actor-1"), "hello world")
	require.NoError(t, err)
	require.Len(t, result.Receipts, 1)
	assert.Equal(t, "sent", result.Receipts[0].Status)
	assert.Equal(t, "42", result.Receipts[0].ProviderMessageID)
}

func TestTransportErrorIsRetryable(t *testing.T) {
	config := DefaultConfig()
	config.Mode = ModeProvider
	config.TelegramAPIBase = "http://127.0.0.1:1"
	config.TelegramBotToken = "token"
	config.HTTPTimeoutMS = 200
	d, err := NewDispatcher(config)
	require.NoError(t, err)

	_, err = d.Deliver(context.Background(), event(contract.TransportTelegram, "chat-1", "actor-1"), "hello")
	var deliveryErr *ports.DeliveryError
	require.True(t, errors.As(err, &deliveryErr))
	assert.Equal(t, "delivery_transport_error", deliveryErr.ReasonCode)
	assert.True(t, deliveryErr.Retryable)
}

func TestChunkTextIsRuneBased(t *testing.T) {
	chunks := chunkText("héllo wörld", 4)
	assert.Equal(t, []string{"héll", "o wö", "rld"}, chunks)
	assert.Nil(t, chunkText("", 4))
}

func TestTruncateDetail(t *testing.T) {
	long := strings.Repeat("a", 600)
	truncated := truncateDetail(long)
	assert.Len(t, []rune(truncated), detailMaxChars+3)
	assert.True(t, strings.HasSuffix(truncated, "..."))
	assert.Equal(t, "short", truncateDetail("short"))
}
