package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN       string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL       string `env:"RABBITMQ_URL,required=true"`
	RedisURL          string `env:"REDIS_URL,required=true"`
	APIPort           int    `env:"API_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
	DBMaxOpenConns    int    `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns    int    `env:"DB_MAX_IDLE_CONNS,default=5"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=16"`
	TaskMaxAttempts   int    `env:"TASK_MAX_ATTEMPTS,default=10"`
	RedisPoolSize     int    `env:"REDIS_POOL_SIZE,default=20"`

	WorkerMetricsPort  int    `env:"WORKER_METRICS_PORT,default=9090"`
	ShutdownTimeoutSec int    `env:"SHUTDOWN_TIMEOUT_SECONDS,default=15"`
	FirehoseAccessKey  string `env:"FIREHOSE_ACCESS_KEY"`

	// Per-provider sends per second; PROVIDER_RATE_LIMITS overrides single providers ("ses=14,twilio=100").
	RateLimitPerSec     int    `env:"RATE_LIMIT_PER_SEC,default=50"`
	ProviderRateLimits  string `env:"PROVIDER_RATE_LIMITS"`
	ProviderStrategy    string `env:"PROVIDER_STRATEGY"`
	ProviderCatalogPath string `env:"PROVIDER_CATALOG_PATH"`
	ProviderTimeoutMS   int    `env:"PROVIDER_TIMEOUT_MS,default=5000"`
	PublicBaseURL       string `env:"PUBLIC_BASE_URL"`

	CallbackEncryptionKey string `env:"CALLBACK_ENCRYPTION_KEY"`
	CallbackTimeoutMS     int    `env:"CALLBACK_TIMEOUT_MS,default=5000"`

	CarrierSMSMaxRetries     int `env:"CARRIER_SMS_MAX_RETRIES,default=3"`
	CarrierSMSRetryWindowSec int `env:"CARRIER_SMS_RETRY_WINDOW_SECONDS,default=900"`
	NotFoundRaceWindowSec    int `env:"NOTIFICATION_NOT_FOUND_RACE_WINDOW_SECONDS,default=300"`
	ResearchCallbackDelaySec int `env:"RESEARCH_CALLBACK_DELAY_SECONDS,default=2"`
	ReplayStaleAfterSec      int `env:"REPLAY_STALE_AFTER_SECONDS,default=1200"`
	ReplayScanIntervalSec    int `env:"REPLAY_SCAN_INTERVAL_SECONDS,default=60"`
	ReplayBatchSize          int `env:"REPLAY_BATCH_SIZE,default=500"`

	AWSRegion                     string `env:"AWS_REGION,default=us-east-1"`
	SESFromAddress                string `env:"SES_FROM_ADDRESS"`
	SESConfigurationSet           string `env:"SES_CONFIGURATION_SET"`
	SNSSenderID                   string `env:"SNS_SENDER_ID"`
	PinpointApplicationID         string `env:"PINPOINT_APPLICATION_ID"`
	PinpointOriginationNumber     string `env:"PINPOINT_ORIGINATION_NUMBER"`
	PinpointV2OriginationIdentity string `env:"PINPOINT_V2_ORIGINATION_IDENTITY"`
	PinpointV2ConfigurationSet    string `env:"PINPOINT_V2_CONFIGURATION_SET"`

	TwilioAccountSID          string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken           string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber          string `env:"TWILIO_FROM_NUMBER"`
	TwilioMessagingServiceSID string `env:"TWILIO_MESSAGING_SERVICE_SID"`

	MMGURL                 string `env:"MMG_URL"`
	MMGAPIKey              string `env:"MMG_API_KEY"`
	MMGSender              string `env:"MMG_SENDER"`
	FiretextURL            string `env:"FIRETEXT_URL"`
	FiretextAPIKey         string `env:"FIRETEXT_API_KEY"`
	FiretextSender         string `env:"FIRETEXT_SENDER"`
	GovDeliveryURL         string `env:"GOVDELIVERY_URL"`
	GovDeliveryToken       string `env:"GOVDELIVERY_TOKEN"`
	GovDeliveryFromAddress string `env:"GOVDELIVERY_FROM_ADDRESS"`
	VETextURL              string `env:"VETEXT_URL"`
	VETextUsername         string `env:"VETEXT_USERNAME"`
	VETextPassword         string `env:"VETEXT_PASSWORD"`
	VETextAppSID           string `env:"VETEXT_APP_SID"`

	KafkaBrokers     string `env:"KAFKA_BROKERS"`
	KafkaStatusTopic string `env:"KAFKA_STATUS_TOPIC"`
	KafkaGroupID     string `env:"KAFKA_GROUP_ID,default=notify-dispatch"`
}

var providerStrategies = map[string]struct{}{
	"":               {},
	"priority":       {},
	"load_balancing": {},
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if _, ok := providerStrategies[c.ProviderStrategy]; !ok {
		return fmt.Errorf("unknown PROVIDER_STRATEGY %q", c.ProviderStrategy)
	}
	if c.CarrierSMSMaxRetries < 0 {
		return fmt.Errorf("CARRIER_SMS_MAX_RETRIES must be >= 0")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1")
	}
	if _, err := c.RateLimitOverrides(); err != nil {
		return err
	}
	return nil
}

// RateLimitOverrides parses PROVIDER_RATE_LIMITS.
func (c *Config) RateLimitOverrides() (map[string]int, error) {
	overrides := make(map[string]int)
	for _, pair := range splitList(c.ProviderRateLimits) {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid PROVIDER_RATE_LIMITS entry %q", pair)
		}
		var limit int
		if _, err := fmt.Sscanf(strings.TrimSpace(value), "%d", &limit); err != nil || limit < 1 {
			return nil, fmt.Errorf("invalid PROVIDER_RATE_LIMITS limit for %q", name)
		}
		overrides[strings.ToLower(strings.TrimSpace(name))] = limit
	}
	return overrides, nil
}

func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutMS) * time.Millisecond
}

func (c *Config) CallbackTimeout() time.Duration {
	return time.Duration(c.CallbackTimeoutMS) * time.Millisecond
}

func (c *Config) CarrierSMSRetryWindow() time.Duration {
	return time.Duration(c.CarrierSMSRetryWindowSec) * time.Second
}

func (c *Config) NotFoundRaceWindow() time.Duration {
	return time.Duration(c.NotFoundRaceWindowSec) * time.Second
}

func (c *Config) ResearchCallbackDelay() time.Duration {
	return time.Duration(c.ResearchCallbackDelaySec) * time.Second
}

func (c *Config) ReplayStaleAfter() time.Duration {
	return time.Duration(c.ReplayStaleAfterSec) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

func (c *Config) ReplayScanInterval() time.Duration {
	return time.Duration(c.ReplayScanIntervalSec) * time.Second
}

func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
