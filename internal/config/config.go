package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Bus       BusConfig       `json:"bus"`
	Consensus ConsensusConfig `json:"consensus"`
	Database  DatabaseConfig  `json:"database"`
	Agents    AgentsConfig    `json:"agents"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type SchedulerConfig struct {
	Workers           int `json:"workers"`
	QueueSize         int `json:"queue_size"`
	HealthIntervalSec int `json:"health_interval_sec"`
}

type BusConfig struct {
	Workers         int `json:"workers"`
	QueueSize       int `json:"queue_size"`
	MaxAttempts     int `json:"max_attempts"`
	DeadLetterLimit int `json:"dead_letter_limit"`
}

type ConsensusConfig struct {
	MaxRounds          int `json:"max_rounds"`
	DefaultTimeoutSec  int `json:"default_timeout_sec"`
	ExpireIntervalSec  int `json:"expire_interval_sec"`
	ConversationRounds int `json:"conversation_rounds"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// AgentsConfig toggles the built-in compliance agents.
type AgentsConfig struct {
	TransactionGuardian bool `json:"transaction_guardian"`
	RegulatoryAssessor  bool `json:"regulatory_assessor"`
	AuditIntelligence   bool `json:"audit_intelligence"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	return &cfg, nil
}
