/*
Copyright 2024 Blnk Finance Authors.

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
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT               = "5001"
	DEFAULT_MONITORING_PORT    = "5004"
	DEFAULT_PAYMENT_QUEUE      = "payment_queue"
	DEFAULT_MAIL_QUEUE         = "mail_queue"
	DEFAULT_NOTIFICATION_QUEUE = "noti_queue"
	DEFAULT_WEBHOOK_QUEUE      = "settle_webhook_queue"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"SETTLE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"SETTLE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"SETTLE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"SETTLE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"SETTLE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"SETTLE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"SETTLE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"SETTLE_REDIS_DNS"`
}

// BrokerConfig holds the AMQP connection settings. Reconnect delays grow
// linearly with the attempt number and are capped.
type BrokerConfig struct {
	URL                  string `json:"url" envconfig:"SETTLE_BROKER_URL"`
	ReconnectBaseSec     int    `json:"reconnect_base_sec" envconfig:"SETTLE_BROKER_RECONNECT_BASE_SEC"`
	ReconnectCapSec      int    `json:"reconnect_cap_sec" envconfig:"SETTLE_BROKER_RECONNECT_CAP_SEC"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts" envconfig:"SETTLE_BROKER_MAX_RECONNECT_ATTEMPTS"`
}

type QueueConfig struct {
	PaymentQueue      string `json:"payment_queue" envconfig:"SETTLE_PAYMENT_QUEUE"`
	MailQueue         string `json:"mail_queue" envconfig:"SETTLE_MAIL_QUEUE"`
	NotificationQueue string `json:"notification_queue" envconfig:"SETTLE_NOTIFICATION_QUEUE"`
	WebhookQueue      string `json:"webhook_queue" envconfig:"SETTLE_WEBHOOK_QUEUE"`
	MaxRetries        *int   `json:"max_retries" envconfig:"SETTLE_QUEUE_MAX_RETRIES"`
	RetryDelaySec     int    `json:"retry_delay_sec" envconfig:"SETTLE_QUEUE_RETRY_DELAY_SEC"`
	AutoRetryDelayMs  int    `json:"auto_retry_delay_ms" envconfig:"SETTLE_QUEUE_AUTO_RETRY_DELAY_MS"`
	MonitoringPort    string `json:"monitoring_port" envconfig:"SETTLE_QUEUE_MONITORING_PORT"`
}

type ReconciliationConfig struct {
	Enabled           bool `json:"enabled" envconfig:"SETTLE_RECONCILIATION_ENABLED"`
	IntervalSec       int  `json:"interval_sec" envconfig:"SETTLE_RECONCILIATION_INTERVAL_SEC"`
	LookbackHours     int  `json:"lookback_hours" envconfig:"SETTLE_RECONCILIATION_LOOKBACK_HOURS"`
	CallbackWindowMin int  `json:"callback_window_min" envconfig:"SETTLE_RECONCILIATION_CALLBACK_WINDOW_MIN"`
	BatchSize         int  `json:"batch_size" envconfig:"SETTLE_RECONCILIATION_BATCH_SIZE"`
}

type ProviderConfig struct {
	QueryURL  string            `json:"query_url"`
	SecretKey string            `json:"secret_key"`
	Timeout   int               `json:"timeout"`
	Headers   map[string]string `json:"headers"`
}

type ProvidersConfig struct {
	Momo    ProviderConfig `json:"momo"`
	ZaloPay ProviderConfig `json:"zalopay"`
	VNPay   ProviderConfig `json:"vnpay"`
}

type MailConfig struct {
	Url     string            `json:"url" envconfig:"SETTLE_MAIL_URL"`
	Timeout int               `json:"timeout" envconfig:"SETTLE_MAIL_TIMEOUT"`
	Headers map[string]string `json:"headers"`
}

type RealtimeConfig struct {
	ChannelPrefix string `json:"channel_prefix" envconfig:"SETTLE_REALTIME_CHANNEL_PREFIX"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"SETTLE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"SETTLE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"SETTLE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName     string               `json:"project_name" envconfig:"SETTLE_PROJECT_NAME"`
	EnableTelemetry bool                 `json:"enable_telemetry" envconfig:"SETTLE_ENABLE_TELEMETRY"`
	Server          ServerConfig         `json:"server"`
	DataSource      DataSourceConfig     `json:"data_source"`
	Redis           RedisConfig          `json:"redis"`
	Broker          BrokerConfig         `json:"broker"`
	Queue           QueueConfig          `json:"queue"`
	Reconciliation  ReconciliationConfig `json:"reconciliation"`
	Providers       ProvidersConfig      `json:"providers"`
	Mail            MailConfig           `json:"mail"`
	Realtime        RealtimeConfig       `json:"realtime"`
	Notification    Notification         `json:"notification"`
	RateLimit       RateLimitConfig      `json:"rate_limit"`
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
	err = envconfig.Process("settle", &cnf)
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
		return nil, errors.New("config not loaded from file. Create a json file called settle.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Settle Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.Broker.URL == "" {
		log.Println("Error: Broker URL is empty. It's a required field.")
		return errors.New("broker URL is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Broker.URL = strings.TrimSpace(cnf.Broker.URL)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.setBrokerDefaults()
	cnf.setQueueDefaults()
	cnf.setReconciliationDefaults()

	if cnf.Realtime.ChannelPrefix == "" {
		cnf.Realtime.ChannelPrefix = "realtime:user:"
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

	return nil
}

func (cnf *Configuration) setBrokerDefaults() {
	if cnf.Broker.ReconnectBaseSec <= 0 {
		cnf.Broker.ReconnectBaseSec = 5
	}
	if cnf.Broker.ReconnectCapSec <= 0 {
		cnf.Broker.ReconnectCapSec = 30
	}
	if cnf.Broker.MaxReconnectAttempts <= 0 {
		cnf.Broker.MaxReconnectAttempts = 10
	}
}

func (cnf *Configuration) setQueueDefaults() {
	if cnf.Queue.PaymentQueue == "" {
		cnf.Queue.PaymentQueue = DEFAULT_PAYMENT_QUEUE
	}
	if cnf.Queue.MailQueue == "" {
		cnf.Queue.MailQueue = DEFAULT_MAIL_QUEUE
	}
	if cnf.Queue.NotificationQueue == "" {
		cnf.Queue.NotificationQueue = DEFAULT_NOTIFICATION_QUEUE
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = DEFAULT_WEBHOOK_QUEUE
	}
	if cnf.Queue.MaxRetries == nil {
		defaultRetries := 3
		cnf.Queue.MaxRetries = &defaultRetries
	}
	if cnf.Queue.RetryDelaySec <= 0 {
		cnf.Queue.RetryDelaySec = 5
	}
	if cnf.Queue.AutoRetryDelayMs <= 0 {
		cnf.Queue.AutoRetryDelayMs = 1000
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = DEFAULT_MONITORING_PORT
	}
}

func (cnf *Configuration) setReconciliationDefaults() {
	if cnf.Reconciliation.IntervalSec <= 0 {
		cnf.Reconciliation.IntervalSec = 600
	}
	if cnf.Reconciliation.LookbackHours <= 0 {
		cnf.Reconciliation.LookbackHours = 24
	}
	if cnf.Reconciliation.CallbackWindowMin <= 0 {
		cnf.Reconciliation.CallbackWindowMin = 15
	}
	if cnf.Reconciliation.BatchSize <= 0 {
		cnf.Reconciliation.BatchSize = 100
	}
}

// ReconnectBase returns the base reconnect delay.
func (b BrokerConfig) ReconnectBase() time.Duration {
	return time.Duration(b.ReconnectBaseSec) * time.Second
}

// ReconnectCap returns the upper bound of the reconnect delay.
func (b BrokerConfig) ReconnectCap() time.Duration {
	return time.Duration(b.ReconnectCapSec) * time.Second
}

func (q QueueConfig) RetryDelay() time.Duration {
	return time.Duration(q.RetryDelaySec) * time.Second
}

func (q QueueConfig) AutoRetryDelay() time.Duration {
	return time.Duration(q.AutoRetryDelayMs) * time.Millisecond
}

// Retries returns the configured retry budget, falling back to 3 when unset.
func (q QueueConfig) Retries() int {
	if q.MaxRetries == nil {
		return 3
	}
	return *q.MaxRetries
}

func (r ReconciliationConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSec) * time.Second
}

func (r ReconciliationConfig) Lookback() time.Duration {
	return time.Duration(r.LookbackHours) * time.Hour
}

func (r ReconciliationConfig) CallbackWindow() time.Duration {
	return time.Duration(r.CallbackWindowMin) * time.Minute
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
