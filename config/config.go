package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	DHL      DHLConfig      `yaml:"dhl"`
	Server   ServerConfig   `yaml:"server"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	ShipmentLabeledTopicName string `yaml:"shipment_labeled_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DHLConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Mode    string `yaml:"mode"` // "http" | "fake"

	AttemptTimeoutSeconds int `yaml:"attempt_timeout_seconds"`
	MaxAttempts           int `yaml:"max_attempts"`
	BackoffBaseMillis     int `yaml:"backoff_base_millis"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// Fixed-window limit applied per client at the HTTP edge.
	HTTPRateLimit              int `yaml:"http_rate_limit"`
	HTTPRateLimitWindowSeconds int `yaml:"http_rate_limit_window_seconds"`

	// Rolling window applied to outbound carrier calls.
	CarrierRateLimit              int `yaml:"carrier_rate_limit"`
	CarrierRateLimitWindowSeconds int `yaml:"carrier_rate_limit_window_seconds"`
	AdmitTimeoutSeconds           int `yaml:"admit_timeout_seconds"`

	BatchConcurrency  int `yaml:"batch_concurrency"`
	SummaryTTLSeconds int `yaml:"summary_ttl_seconds"`

	// Columns a row must carry to be eligible for labeling; empty means
	// the built-in default set.
	RequiredFields []string `yaml:"required_fields"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
