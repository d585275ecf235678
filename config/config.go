package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	ParcelDesk ParcelDeskConfig `yaml:"parceldesk"`
	Carriers   CarriersConfig   `yaml:"carriers"`
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
	Host                       string `yaml:"host"`
	Port                       int    `yaml:"port"`
	RequestDispatchedTopicName string `yaml:"request_dispatched_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ParcelDeskConfig struct {
	HTTPAddr                string `yaml:"http_addr"`
	KafkaConsumerGroup      string `yaml:"kafka_consumer_group"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`

	WorkerSweepIntervalSeconds  int `yaml:"worker_sweep_interval_seconds"`
	WorkerBatchSize             int `yaml:"worker_batch_size"`
	WorkerConcurrency           int `yaml:"worker_concurrency"`
	WorkerLeaseSeconds          int `yaml:"worker_lease_seconds"`
	WorkerAdapterTimeoutSeconds int `yaml:"worker_adapter_timeout_seconds"`
	WorkerRateLimitPerMinute    int `yaml:"worker_rate_limit_per_minute"`

	// Per-carrier overrides; 0 keeps the global limit.
	WorkerRateLimitUSPSPerMinute   int `yaml:"worker_rate_limit_usps_per_minute"`
	WorkerRateLimitUPSPerMinute    int `yaml:"worker_rate_limit_ups_per_minute"`
	WorkerRateLimitFedExPerMinute  int `yaml:"worker_rate_limit_fedex_per_minute"`
	WorkerRateLimitDHLPerMinute    int `yaml:"worker_rate_limit_dhl_per_minute"`
	WorkerRateLimitAmazonPerMinute int `yaml:"worker_rate_limit_amazon_per_minute"`

	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	CallbackTimeoutSeconds int `yaml:"callback_timeout_seconds"`

	// "live" talks to real carrier APIs, anything else wires the
	// deterministic fake adapters (demo/dev default).
	AdapterMode string `yaml:"adapter_mode"`
}

type CarriersConfig struct {
	USPS   USPSConfig   `yaml:"usps"`
	UPS    UPSConfig    `yaml:"ups"`
	FedEx  FedExConfig  `yaml:"fedex"`
	DHL    DHLConfig    `yaml:"dhl"`
	Amazon AmazonConfig `yaml:"amazon"`
}

type USPSConfig struct {
	BaseURL string `yaml:"base_url"`
	UserID  string `yaml:"user_id"`
}

type UPSConfig struct {
	BaseURL       string `yaml:"base_url"`
	AccessLicense string `yaml:"access_license"`
}

type FedExConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

type DHLConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type AmazonConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
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
