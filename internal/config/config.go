// Package config loads engine configuration from an optional YAML file and
// MCE_-prefixed environment variables. Environment keys use "__" as the
// section separator (MCE_RUNTIME__QUEUE_LIMIT -> runtime.queue_limit) and
// override file values. String values support ${VAR} substitution.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "MCE_"

type Config struct {
	Runtime   RuntimeConfig   `koanf:"runtime"`
	Outbound  OutboundConfig  `koanf:"outbound"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Pairing   PairingConfig   `koanf:"pairing"`
	Server    ServerConfig    `koanf:"server"`
	Events    EventsConfig    `koanf:"events"`
	Archive   ArchiveConfig   `koanf:"archive"`
}

type RuntimeConfig struct {
	StateDir          string `koanf:"state_dir"`
	FixturePath       string `koanf:"fixture_path"`
	IngressDir        string `koanf:"ingress_dir"`
	RoleTablePath     string `koanf:"role_table_path"`
	QueueLimit        int    `koanf:"queue_limit"`
	ProcessedEventCap int    `koanf:"processed_event_cap"`
	RetryMaxAttempts  int    `koanf:"retry_max_attempts"`
	RetryBaseDelayMS  uint64 `koanf:"retry_base_delay_ms"`
	RetryJitterMS     uint64 `koanf:"retry_jitter_ms"`
}

type OutboundConfig struct {
	Mode          string `koanf:"mode"`
	MaxChars      int    `koanf:"max_chars"`
	HTTPTimeoutMS uint64 `koanf:"http_timeout_ms"`

	TelegramAPIBase string `koanf:"telegram_api_base"`
	DiscordAPIBase  string `koanf:"discord_api_base"`
	WhatsappAPIBase string `koanf:"whatsapp_api_base"`

	TelegramBotToken      string `koanf:"telegram_bot_token"`
	DiscordBotToken       string `koanf:"discord_bot_token"`
	WhatsappAccessToken   string `koanf:"whatsapp_access_token"`
	WhatsappPhoneNumberID string `koanf:"whatsapp_phone_number_id"`
}

type TelemetryConfig struct {
	TypingPresenceEnabled          bool `koanf:"typing_presence_enabled"`
	UsageSummaryEnabled            bool `koanf:"usage_summary_enabled"`
	IncludeIdentifiers             bool `koanf:"include_identifiers"`
	TypingPresenceMinResponseChars int  `koanf:"typing_presence_min_response_chars"`
}

type PairingConfig struct {
	StrictMode bool `koanf:"strict_mode"`
}

type ServerConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// EventsConfig wires the optional AMQP cycle-report publisher. An empty URL
// disables publishing.
type EventsConfig struct {
	AMQPURL  string `koanf:"amqp_url"`
	Exchange string `koanf:"exchange"`
}

// ArchiveConfig wires the optional SQLite usage archive. An empty path
// disables archiving.
type ArchiveConfig struct {
	SQLitePath string `koanf:"sqlite_path"`
}

// Load reads configPath (when non-empty) and the environment into a Config
// with defaults applied for absent keys.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment config: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	expandConfigStrings(&cfg)
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"runtime.state_dir":                            ".tau/multi-channel",
		"runtime.queue_limit":                          64,
		"runtime.processed_event_cap":                  10000,
		"runtime.retry_max_attempts":                   4,
		"outbound.mode":                                "channel_store",
		"outbound.max_chars":                           1200,
		"outbound.http_timeout_ms":                     5000,
		"outbound.telegram_api_base":                   "https://api.telegram.org",
		"outbound.discord_api_base":                    "https://discord.com/api/v10",
		"outbound.whatsapp_api_base":                   "https://graph.facebook.com/v20.0",
		"telemetry.typing_presence_enabled":            true,
		"telemetry.usage_summary_enabled":              true,
		"telemetry.typing_presence_min_response_chars": 120,
		"server.addr":                                  ":8420",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnvVars replaces ${VAR} references with environment values;
// undefined variables expand to the empty string.
func substituteEnvVars(value string) string {
	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func expandConfigStrings(cfg *Config) {
	for _, field := range []*string{
		&cfg.Runtime.StateDir,
		&cfg.Runtime.FixturePath,
		&cfg.Runtime.IngressDir,
		&cfg.Runtime.RoleTablePath,
		&cfg.Outbound.TelegramBotToken,
		&cfg.Outbound.DiscordBotToken,
		&cfg.Outbound.WhatsappAccessToken,
		&cfg.Outbound.WhatsappPhoneNumberID,
		&cfg.Events.AMQPURL,
		&cfg.Archive.SQLitePath,
	} {
		*field = substituteEnvVars(*field)
	}
}
