// Package config binds the runtime configuration once at startup: the
// environment-driven settings and the channel roster file.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	defaultSessionName  = "pf_session"
	defaultGatewayURL   = "wss://tg-gateway.sawpanic.io/v1/stream"
	defaultExcelPath    = "data/crypto_calls.xlsx"
	defaultDBPath       = "data/crypto_calls.db"
	defaultChannelsPath = "config/channels.yaml"
)

// Config is the environment-bound application configuration. It is built
// once by Load and treated as immutable afterwards.
type Config struct {
	APIID       int
	APIHash     string
	SessionName string
	SessionB64  string
	GatewayURL  string

	EnableExcel bool
	ExcelPath   string

	EnableSheets          bool
	SheetID               string
	GoogleCredentialsPath string

	DBPath      string
	DatabaseURL string
	RedisAddr   string

	ChannelsPath string
	OpsAddr      string
	LogLevel     string
}

// Load binds configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		APIHash:               os.Getenv("API_HASH"),
		SessionName:           envOr("TG_SESSION", defaultSessionName),
		SessionB64:            os.Getenv("TG_SESSION_B64"),
		GatewayURL:            envOr("TG_GATEWAY_URL", defaultGatewayURL),
		ExcelPath:             envOr("EXCEL_PATH", defaultExcelPath),
		SheetID:               os.Getenv("SHEET_ID"),
		GoogleCredentialsPath: os.Getenv("GOOGLE_CREDENTIALS_PATH"),
		DBPath:                envOr("DB_PATH", defaultDBPath),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		ChannelsPath:          envOr("CHANNELS_CONFIG", defaultChannelsPath),
		OpsAddr:               os.Getenv("OPS_ADDR"),
		LogLevel:              envOr("LOG_LEVEL", "info"),
	}

	if raw := os.Getenv("API_ID"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid API_ID %q: %w", raw, err)
		}
		cfg.APIID = id
	}

	var err error
	if cfg.EnableExcel, err = envBool("ENABLE_EXCEL"); err != nil {
		return nil, err
	}
	if cfg.EnableSheets, err = envBool("ENABLE_SHEETS"); err != nil {
		return nil, err
	}

	if cfg.SheetID != "" && cfg.GoogleCredentialsPath == "" {
		return nil, fmt.Errorf("GOOGLE_CREDENTIALS_PATH is required when SHEET_ID is set")
	}

	return cfg, nil
}

// RequireStreamCredentials checks the credentials the live monitor needs.
// Offline commands (backfill, verify, status) skip this.
func (c *Config) RequireStreamCredentials() error {
	if c.APIID == 0 {
		return fmt.Errorf("API_ID is required")
	}
	if c.APIHash == "" {
		return fmt.Errorf("API_HASH is required")
	}
	return nil
}

// SessionPath is where the session artifact lives on disk.
func (c *Config) SessionPath() string {
	return filepath.Join("data", c.SessionName+".session")
}

// SessionBlob returns the base64 session artifact for the auth handshake,
// materializing the file from TG_SESSION_B64 when it does not exist yet.
// An existing file is never overwritten.
func (c *Config) SessionBlob() (string, error) {
	path := c.SessionPath()
	if b, err := os.ReadFile(path); err == nil {
		return base64.StdEncoding.EncodeToString(b), nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read session file: %w", err)
	}

	if c.SessionB64 == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(c.SessionB64)
	if err != nil {
		return "", fmt.Errorf("invalid TG_SESSION_B64: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create session dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", fmt.Errorf("failed to write session file: %w", err)
	}

	return c.SessionB64, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}
