// Package config loads service configuration from an optional TOML file with
// ENCUESTA_* environment variables taking precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	WhatsApp WhatsAppConfig `toml:"whatsapp"`
	Webhook  WebhookConfig  `toml:"webhook"`
	Survey   SurveyConfig   `toml:"survey"`
	Storage  StorageConfig  `toml:"storage"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Port     int    `toml:"port"`
	APIToken string `toml:"api_token"`
}

type WhatsAppConfig struct {
	BaseURL       string `toml:"base_url"`
	APIKey        string `toml:"api_key"`
	PhoneNumberID string `toml:"phone_number_id"`
}

type WebhookConfig struct {
	VerifyToken string `toml:"verify_token"`
	Secret      string `toml:"secret"`
}

type SurveyConfig struct {
	CountryCode  string `toml:"country_code"`
	ReplyDelayMS int    `toml:"reply_delay_ms"`
	OutboxPollMS int    `toml:"outbox_poll_ms"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 7000,
		},
		WhatsApp: WhatsAppConfig{
			BaseURL: "https://api.kapso.ai/meta/whatsapp/v24.0",
		},
		Survey: SurveyConfig{
			CountryCode:  "591",
			ReplyDelayMS: 1000,
			OutboxPollMS: 200,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "encuesta")
}

// DefaultPath is where Load looks for the TOML file when no explicit path is
// given. A missing file is not an error; defaults plus env apply.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "encuesta", "config.toml")
}

// Load reads the TOML file at path (or DefaultPath when path is empty),
// applies ENCUESTA_* environment overrides, and validates required fields.
func Load(path string) (Config, error) {
	cfg := defaults()

	explicit := path != ""
	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.WhatsApp.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: WhatsApp API key (whatsapp.api_key or ENCUESTA_WHATSAPP_API_KEY)")
	}
	if cfg.WhatsApp.PhoneNumberID == "" {
		return Config{}, fmt.Errorf("missing required config: WhatsApp phone number ID (whatsapp.phone_number_id or ENCUESTA_WHATSAPP_PHONE_NUMBER_ID)")
	}
	if cfg.Server.APIToken == "" {
		return Config{}, fmt.Errorf("missing required config: API bearer token (server.api_token or ENCUESTA_API_TOKEN)")
	}

	return cfg, nil
}

// envOverrides maps environment variables onto config fields.
var envOverrides = []struct {
	env   string
	apply func(cfg *Config, v string)
}{
	{"ENCUESTA_SERVER_PORT", func(cfg *Config, v string) {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}},
	{"ENCUESTA_API_TOKEN", func(cfg *Config, v string) { cfg.Server.APIToken = v }},
	{"ENCUESTA_WHATSAPP_BASE_URL", func(cfg *Config, v string) { cfg.WhatsApp.BaseURL = v }},
	{"ENCUESTA_WHATSAPP_API_KEY", func(cfg *Config, v string) { cfg.WhatsApp.APIKey = v }},
	{"ENCUESTA_WHATSAPP_PHONE_NUMBER_ID", func(cfg *Config, v string) { cfg.WhatsApp.PhoneNumberID = v }},
	{"ENCUESTA_WEBHOOK_VERIFY_TOKEN", func(cfg *Config, v string) { cfg.Webhook.VerifyToken = v }},
	{"ENCUESTA_WEBHOOK_SECRET", func(cfg *Config, v string) { cfg.Webhook.Secret = v }},
	{"ENCUESTA_SURVEY_COUNTRY_CODE", func(cfg *Config, v string) { cfg.Survey.CountryCode = v }},
	{"ENCUESTA_SURVEY_REPLY_DELAY_MS", func(cfg *Config, v string) {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Survey.ReplyDelayMS = ms
		}
	}},
	{"ENCUESTA_SURVEY_OUTBOX_POLL_MS", func(cfg *Config, v string) {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Survey.OutboxPollMS = ms
		}
	}},
	{"ENCUESTA_STORAGE_DATA_DIR", func(cfg *Config, v string) { cfg.Storage.DataDir = v }},
	{"ENCUESTA_LOG_LEVEL", func(cfg *Config, v string) { cfg.Log.Level = v }},
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.env); v != "" {
			o.apply(cfg, v)
		}
	}
}
