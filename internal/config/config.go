// Package config loads sipproxyd's runtime configuration from CLI flags and
// environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the proxy daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	SIPHost     string
	SIPPort     int
	ControlPort int
	DataDir     string
	LogLevel    string
	LogFormat   string // "text" or "json"
	JWTSecret   string // hex-encoded 32-byte secret for control-channel tokens

	// RecordRoute is the canonical Record-Route header value this instance
	// inserts into forwarded requests when a ProxyCore requests it.
	RecordRoute string

	// CORSOrigins is a comma-separated list of origins allowed to call the
	// control API from a browser. Empty disables CORS entirely; "*" allows
	// any origin.
	CORSOrigins string

	// Timer constants, overridable so tests can run the client-transaction
	// FSM without waiting on real RFC 3261 durations.
	TimerT1 time.Duration // retransmission interval base (RFC default 500ms)
	TimerC  time.Duration // provisional-response timeout (RFC default 30s)
	TimerD  time.Duration // completed-state linger (RFC default 32.5s)
}

const (
	defaultSIPHost     = "localhost"
	defaultSIPPort     = 5060
	defaultControlPort = 8085
	defaultDataDir     = "./data"
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
)

// envPrefix is the prefix for all sipproxyd environment variables.
const envPrefix = "SIPPROXY_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{
		TimerT1: 500 * time.Millisecond,
		TimerC:  30 * time.Second,
		TimerD:  32500 * time.Millisecond,
	}

	fs := flag.NewFlagSet("sipproxyd", flag.ContinueOnError)

	fs.StringVar(&cfg.SIPHost, "sip-host", defaultSIPHost, "hostname advertised in Via/Record-Route headers")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP listen port")
	fs.IntVar(&cfg.ControlPort, "control-port", defaultControlPort, "control-channel HTTP/WebSocket listen port")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the CDR store")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for control-channel bearer tokens (auto-generated if empty)")
	fs.StringVar(&cfg.RecordRoute, "record-route", "", "canonical Record-Route header value inserted when a proxy request asks for it")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of origins allowed to call the control API (empty disables CORS, \"*\" allows any origin)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"sip-host":     envPrefix + "SIP_HOST",
		"sip-port":     envPrefix + "SIP_PORT",
		"control-port": envPrefix + "CONTROL_PORT",
		"data-dir":     envPrefix + "DATA_DIR",
		"log-level":    envPrefix + "LOG_LEVEL",
		"log-format":   envPrefix + "LOG_FORMAT",
		"jwt-secret":   envPrefix + "JWT_SECRET",
		"record-route": envPrefix + "RECORD_ROUTE",
		"cors-origins": envPrefix + "CORS_ORIGINS",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "sip-host":
			cfg.SIPHost = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "control-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ControlPort = v
			}
		case "data-dir":
			cfg.DataDir = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "record-route":
			cfg.RecordRoute = val
		case "cors-origins":
			cfg.CORSOrigins = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.ControlPort < 1 || c.ControlPort > 65535 {
		return fmt.Errorf("control-port must be between 1 and 65535, got %d", c.ControlPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret. If no secret
// is configured, it generates a random 32-byte key and stores the
// hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (control-channel tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
