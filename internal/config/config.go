package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address for the HTTP(S) server.
	Addr           string
	DatabasePath   string
	MasterSecret   string
	Debug          bool
	AllowedOrigins []string

	// ShellPath is the default shell binary for shell sessions.
	ShellPath string
	// AgentModel is the default model identifier for agent sessions.
	AgentModel string
	// StartTimeout bounds adapter startup; a hung start transitions the
	// session to errored.
	StartTimeout time.Duration

	// TLS holds HTTPS configuration. If nil, the server runs in plain HTTP mode.
	TLS *TLSConfig
}

// TLSConfig holds file paths for serving HTTPS directly from the server.
type TLSConfig struct {
	// CertFile is a PEM-encoded certificate chain.
	CertFile string
	// KeyFile is a PEM-encoded private key.
	KeyFile string
}

// Overrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Addr         *string
	DatabasePath *string
	MasterSecret *string
	Debug        *bool
	ShellPath    *string
	AgentModel   *string
	StartTimeout *time.Duration
	TLS          *TLSConfig
}

// Load loads server configuration from environment variables and applies any
// explicit overrides.
func Load(overrides Overrides) (*Config, error) {
	port := 3030
	if portStr := os.Getenv("PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	addr := fmt.Sprintf(":%d", port)
	if overrides.Addr != nil {
		addr = *overrides.Addr
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./dispatch.db"
	}
	if overrides.DatabasePath != nil {
		dbPath = *overrides.DatabasePath
	}

	masterSecret := os.Getenv("DISPATCH_MASTER_SECRET")
	if overrides.MasterSecret != nil {
		masterSecret = *overrides.MasterSecret
	}
	if masterSecret == "" {
		return nil, fmt.Errorf("DISPATCH_MASTER_SECRET environment variable is required")
	}

	debug := false
	if debugStr := os.Getenv("DEBUG"); debugStr == "true" || debugStr == "1" {
		debug = true
	}
	if overrides.Debug != nil {
		debug = *overrides.Debug
	}

	shellPath := os.Getenv("DISPATCH_SHELL")
	if shellPath == "" {
		shellPath = os.Getenv("SHELL")
	}
	if shellPath == "" {
		shellPath = "/bin/bash"
	}
	if overrides.ShellPath != nil {
		shellPath = *overrides.ShellPath
	}

	agentModel := os.Getenv("DISPATCH_AGENT_MODEL")
	if agentModel == "" {
		agentModel = "claude-sonnet-4-5"
	}
	if overrides.AgentModel != nil {
		agentModel = *overrides.AgentModel
	}

	startTimeout := 30 * time.Second
	if raw := os.Getenv("DISPATCH_START_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			startTimeout = d
		}
	}
	if overrides.StartTimeout != nil {
		startTimeout = *overrides.StartTimeout
	}

	return &Config{
		Addr:           addr,
		DatabasePath:   dbPath,
		MasterSecret:   masterSecret,
		Debug:          debug,
		AllowedOrigins: []string{"*"}, // For self-hosted, allow all origins
		ShellPath:      shellPath,
		AgentModel:     agentModel,
		StartTimeout:   startTimeout,
		TLS:            overrides.TLS,
	}, nil
}
