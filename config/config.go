/*
Copyright 2024 The Reviewpipe Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"

	DefaultWorkflowQueue   = "workflow_jobs"
	DefaultDeadLetterQueue = "workflow_jobs_dead"
	DefaultMaxRetries      = 5

	DefaultOutboxMaxAttempts = 5

	ClaimBackendPostgres = "postgres"
	ClaimBackendRedis    = "redis"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"REVIEWPIPE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"REVIEWPIPE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"REVIEWPIPE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"REVIEWPIPE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"REVIEWPIPE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"REVIEWPIPE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns             string        `json:"dns" envconfig:"REVIEWPIPE_DATA_SOURCE_DNS" validate:"required"`
	MaxOpenConns    int           `json:"max_open_conns" envconfig:"REVIEWPIPE_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" envconfig:"REVIEWPIPE_DATA_SOURCE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" envconfig:"REVIEWPIPE_DATA_SOURCE_CONN_MAX_LIFETIME"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"REVIEWPIPE_REDIS_DNS" validate:"required"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"REVIEWPIPE_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	WorkflowQueue    string `json:"workflow_queue" envconfig:"REVIEWPIPE_QUEUE_WORKFLOW_QUEUE"`
	DeadLetterQueue  string `json:"dead_letter_queue" envconfig:"REVIEWPIPE_QUEUE_DEAD_LETTER_QUEUE"`
	MaxRetryAttempts int    `json:"max_retry_attempts" envconfig:"REVIEWPIPE_QUEUE_MAX_RETRY_ATTEMPTS" validate:"gte=1"`
	Concurrency      int    `json:"concurrency" envconfig:"REVIEWPIPE_QUEUE_CONCURRENCY"`
	MonitoringPort   string `json:"monitoring_port" envconfig:"REVIEWPIPE_QUEUE_MONITORING_PORT"`
	// BaseBackoff is the first delay between failed attempts; it doubles up to MaxBackoff.
	BaseBackoff time.Duration `json:"base_backoff" envconfig:"REVIEWPIPE_QUEUE_BASE_BACKOFF"`
	MaxBackoff  time.Duration `json:"max_backoff" envconfig:"REVIEWPIPE_QUEUE_MAX_BACKOFF"`
}

type PipelineConfig struct {
	ContinueOnError     bool `json:"continue_on_error" envconfig:"REVIEWPIPE_PIPELINE_CONTINUE_ON_ERROR"`
	AnalysisConcurrency int  `json:"analysis_concurrency" envconfig:"REVIEWPIPE_PIPELINE_ANALYSIS_CONCURRENCY"`
}

type DeliveryConfig struct {
	TransientRetryDelay time.Duration `json:"transient_retry_delay" envconfig:"REVIEWPIPE_DELIVERY_TRANSIENT_RETRY_DELAY"`
	MaxNetworkRetries   int           `json:"max_network_retries" envconfig:"REVIEWPIPE_DELIVERY_MAX_NETWORK_RETRIES"`
	RequestTimeout      time.Duration `json:"request_timeout" envconfig:"REVIEWPIPE_DELIVERY_REQUEST_TIMEOUT"`
	Concurrency         int           `json:"concurrency" envconfig:"REVIEWPIPE_DELIVERY_CONCURRENCY"`
}

type OutboxConfig struct {
	PollInterval time.Duration `json:"poll_interval" envconfig:"REVIEWPIPE_OUTBOX_POLL_INTERVAL"`
	BatchSize    int           `json:"batch_size" envconfig:"REVIEWPIPE_OUTBOX_BATCH_SIZE"`
	Lease        time.Duration `json:"lease" envconfig:"REVIEWPIPE_OUTBOX_LEASE"`
	// MaxAttempts bounds how often an undecodable message is fetched before
	// it is marked failed.
	MaxAttempts int `json:"max_attempts" envconfig:"REVIEWPIPE_OUTBOX_MAX_ATTEMPTS"`
}

type ClaimsConfig struct {
	Backend string        `json:"backend" envconfig:"REVIEWPIPE_CLAIMS_BACKEND" validate:"oneof=postgres redis"`
	Lease   time.Duration `json:"lease" envconfig:"REVIEWPIPE_CLAIMS_LEASE"`
}

type GitHubConfig struct {
	Token         string `json:"token" envconfig:"REVIEWPIPE_GITHUB_TOKEN"`
	ApiURL        string `json:"api_url" envconfig:"REVIEWPIPE_GITHUB_API_URL"`
	WebhookSecret string `json:"webhook_secret" envconfig:"REVIEWPIPE_GITHUB_WEBHOOK_SECRET"`
}

type PlatformConfig struct {
	GitHub GitHubConfig `json:"github"`
}

type AnalyzerConfig struct {
	Url     string        `json:"url" envconfig:"REVIEWPIPE_ANALYZER_URL"`
	Timeout time.Duration `json:"timeout" envconfig:"REVIEWPIPE_ANALYZER_TIMEOUT"`
}

type SettingsConfig struct {
	FileName string        `json:"file_name" envconfig:"REVIEWPIPE_SETTINGS_FILE_NAME"`
	CacheTTL time.Duration `json:"cache_ttl" envconfig:"REVIEWPIPE_SETTINGS_CACHE_TTL"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"REVIEWPIPE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"REVIEWPIPE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"REVIEWPIPE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type TelemetryConfig struct {
	Enabled      bool   `json:"enabled" envconfig:"REVIEWPIPE_TELEMETRY_ENABLED"`
	OtlpEndpoint string `json:"otlp_endpoint" envconfig:"REVIEWPIPE_TELEMETRY_OTLP_ENDPOINT"`
	ServiceName  string `json:"service_name" envconfig:"REVIEWPIPE_TELEMETRY_SERVICE_NAME"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"REVIEWPIPE_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"REVIEWPIPE_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Queue        QueueConfig      `json:"queue"`
	Pipeline     PipelineConfig   `json:"pipeline"`
	Delivery     DeliveryConfig   `json:"delivery"`
	Outbox       OutboxConfig     `json:"outbox"`
	Claims       ClaimsConfig     `json:"claims"`
	Platform     PlatformConfig   `json:"platform"`
	Analyzer     AnalyzerConfig   `json:"analyzer"`
	Settings     SettingsConfig   `json:"settings"`
	Notification Notification     `json:"notification"`
	RateLimit    RateLimitConfig  `json:"rate_limit"`
	Telemetry    TelemetryConfig  `json:"telemetry"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("reviewpipe", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called reviewpipe.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Reviewpipe Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.setQueueDefaults()
	cnf.setDeliveryDefaults()

	if cnf.DataSource.MaxOpenConns <= 0 {
		cnf.DataSource.MaxOpenConns = 25
	}
	if cnf.DataSource.MaxIdleConns <= 0 {
		cnf.DataSource.MaxIdleConns = 10
	}
	if cnf.DataSource.ConnMaxLifetime <= 0 {
		cnf.DataSource.ConnMaxLifetime = 30 * time.Minute
	}

	if cnf.Pipeline.AnalysisConcurrency <= 0 {
		cnf.Pipeline.AnalysisConcurrency = 4
	}
	if cnf.Outbox.PollInterval <= 0 {
		cnf.Outbox.PollInterval = 5 * time.Second
	}
	if cnf.Outbox.BatchSize <= 0 {
		cnf.Outbox.BatchSize = 100
	}
	if cnf.Outbox.Lease <= 0 {
		cnf.Outbox.Lease = 30 * time.Second
	}
	if cnf.Outbox.MaxAttempts <= 0 {
		cnf.Outbox.MaxAttempts = DefaultOutboxMaxAttempts
	}
	if cnf.Claims.Backend == "" {
		cnf.Claims.Backend = ClaimBackendPostgres
	}
	if cnf.Claims.Lease <= 0 {
		cnf.Claims.Lease = 15 * time.Minute
	}
	if cnf.Platform.GitHub.ApiURL == "" {
		cnf.Platform.GitHub.ApiURL = "https://api.github.com"
	}
	if cnf.Analyzer.Timeout <= 0 {
		cnf.Analyzer.Timeout = 60 * time.Second
	}
	if cnf.Settings.FileName == "" {
		cnf.Settings.FileName = ".reviewpipe.yml"
	}
	if cnf.Settings.CacheTTL <= 0 {
		cnf.Settings.CacheTTL = 5 * time.Minute
	}
	if cnf.Telemetry.ServiceName == "" {
		cnf.Telemetry.ServiceName = "reviewpipe"
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	if err := validator.New().Struct(cnf); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

func (cnf *Configuration) setQueueDefaults() {
	if cnf.Queue.WorkflowQueue == "" {
		cnf.Queue.WorkflowQueue = DefaultWorkflowQueue
	}
	if cnf.Queue.DeadLetterQueue == "" {
		cnf.Queue.DeadLetterQueue = DefaultDeadLetterQueue
	}
	if cnf.Queue.MaxRetryAttempts <= 0 {
		cnf.Queue.MaxRetryAttempts = DefaultMaxRetries
	}
	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = 10
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5004"
	}
	if cnf.Queue.BaseBackoff <= 0 {
		cnf.Queue.BaseBackoff = 10 * time.Second
	}
	if cnf.Queue.MaxBackoff <= 0 {
		cnf.Queue.MaxBackoff = 10 * time.Minute
	}
}

func (cnf *Configuration) setDeliveryDefaults() {
	if cnf.Delivery.TransientRetryDelay <= 0 {
		cnf.Delivery.TransientRetryDelay = 500 * time.Millisecond
	}
	if cnf.Delivery.MaxNetworkRetries <= 0 {
		cnf.Delivery.MaxNetworkRetries = 2
	}
	if cnf.Delivery.RequestTimeout <= 0 {
		cnf.Delivery.RequestTimeout = 30 * time.Second
	}
	if cnf.Delivery.Concurrency <= 0 {
		cnf.Delivery.Concurrency = 8
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
