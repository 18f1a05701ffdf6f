// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// SchedulerConfig provides Redis and asynq settings.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetSweepInterval() time.Duration
}

// PipelineConfig provides settings for the board, presence and the coordinator.
type PipelineConfig interface {
	GetPipelineStages() []string
	GetBoardPageSize() int
	GetLeaseTTL() time.Duration
	GetWorkerPoolSize() int
	GetScopeQueueSize() int
	GetBroadcastBuffer() int
}

// AutomationConfig provides settings for the rule engine.
type AutomationConfig interface {
	GetSuspendCooldown() time.Duration
	GetAutomationLocation() *time.Location
	GetRuleSeedFile() string
}

// EmailConfig provides SMTP settings for the notification dispatcher.
type EmailConfig interface {
	GetSMTPHost() string
	GetSMTPPort() int
	GetSMTPUsername() string
	GetSMTPPassword() string
	GetEmailFromName() string
	GetEmailFromAddress() string
	IsEmailEnabled() bool
}

// WhatsAppConfig provides settings for the WhatsApp gateway.
type WhatsAppConfig interface {
	GetWhatsAppURL() string
	GetWhatsAppKey() string
	GetWhatsAppDeviceID() string
}

// SchedulingConfig provides settings for the external appointment service.
type SchedulingConfig interface {
	GetSchedulingAPIURL() string
	GetSchedulingAPIKey() string
}

// IntegrationsConfig provides the named endpoints automation rules may call.
type IntegrationsConfig interface {
	GetIntegrationEndpoints() map[string]string
	GetIntegrationSecret() string
}

// IngestConfig provides settings for lead ingestion.
type IngestConfig interface {
	GetPhoneDefaultRegion() string
}

// TelemetryConfig provides OpenTelemetry settings.
type TelemetryConfig interface {
	GetOTLPEndpoint() string
	GetServiceName() string
}

// =============================================================================
// Main Config Struct
// =============================================================================

// DefaultPipelineStages is the stage order used when PIPELINE_STAGES is unset.
var DefaultPipelineStages = []string{"new", "contacted", "reviewing", "qualified", "appointment", "won", "lost", "archived"}

// Config holds all application configuration values.
type Config struct {
	Env                string
	HTTPAddr           string
	DatabaseURL        string
	JWTAccessSecret    string
	CORSAllowAll       bool
	CORSOrigins        []string
	CORSAllowCreds     bool
	RedisURL           string
	RedisTLSInsecure   bool
	AsynqQueueName     string
	AsynqConcurrency   int
	SweepInterval      time.Duration
	PipelineStages     []string
	BoardPageSize      int
	LeaseTTL           time.Duration
	WorkerPoolSize     int
	ScopeQueueSize     int
	BroadcastBuffer    int
	SuspendCooldown    time.Duration
	AutomationLocation *time.Location
	RuleSeedFile       string
	SMTPHost           string
	SMTPPort           int
	SMTPUsername       string
	SMTPPassword       string
	EmailFromName      string
	EmailFromAddress   string
	WhatsAppURL        string
	WhatsAppKey        string
	WhatsAppDeviceID   string
	SchedulingAPIURL   string
	SchedulingAPIKey   string
	IntegrationURLs    map[string]string
	IntegrationSecret  string
	PhoneDefaultRegion string
	OTLPEndpoint       string
	ServiceName        string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string             { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool       { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string       { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int        { return c.AsynqConcurrency }
func (c *Config) GetSweepInterval() time.Duration { return c.SweepInterval }

// PipelineConfig implementation
func (c *Config) GetPipelineStages() []string { return c.PipelineStages }
func (c *Config) GetBoardPageSize() int       { return c.BoardPageSize }
func (c *Config) GetLeaseTTL() time.Duration  { return c.LeaseTTL }
func (c *Config) GetWorkerPoolSize() int      { return c.WorkerPoolSize }
func (c *Config) GetScopeQueueSize() int      { return c.ScopeQueueSize }
func (c *Config) GetBroadcastBuffer() int     { return c.BroadcastBuffer }

// AutomationConfig implementation
func (c *Config) GetSuspendCooldown() time.Duration     { return c.SuspendCooldown }
func (c *Config) GetAutomationLocation() *time.Location { return c.AutomationLocation }
func (c *Config) GetRuleSeedFile() string               { return c.RuleSeedFile }

// EmailConfig implementation
func (c *Config) GetSMTPHost() string         { return c.SMTPHost }
func (c *Config) GetSMTPPort() int            { return c.SMTPPort }
func (c *Config) GetSMTPUsername() string     { return c.SMTPUsername }
func (c *Config) GetSMTPPassword() string     { return c.SMTPPassword }
func (c *Config) GetEmailFromName() string    { return c.EmailFromName }
func (c *Config) GetEmailFromAddress() string { return c.EmailFromAddress }
func (c *Config) IsEmailEnabled() bool        { return c.SMTPHost != "" && c.EmailFromAddress != "" }

// WhatsAppConfig implementation
func (c *Config) GetWhatsAppURL() string      { return c.WhatsAppURL }
func (c *Config) GetWhatsAppKey() string      { return c.WhatsAppKey }
func (c *Config) GetWhatsAppDeviceID() string { return c.WhatsAppDeviceID }

// SchedulingConfig implementation
func (c *Config) GetSchedulingAPIURL() string { return c.SchedulingAPIURL }
func (c *Config) GetSchedulingAPIKey() string { return c.SchedulingAPIKey }

// IngestConfig implementation
func (c *Config) GetPhoneDefaultRegion() string { return c.PhoneDefaultRegion }

// IntegrationsConfig implementation
func (c *Config) GetIntegrationEndpoints() map[string]string { return c.IntegrationURLs }
func (c *Config) GetIntegrationSecret() string               { return c.IntegrationSecret }

// TelemetryConfig implementation
func (c *Config) GetOTLPEndpoint() string { return c.OTLPEndpoint }
func (c *Config) GetServiceName() string  { return c.ServiceName }

// Load reads configuration from environment variables (and .env when present)
// and validates the settings required by the API process.
func Load() (*Config, error) {
	cfg, err := LoadPartial()
	if err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTAccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if cfg.CORSAllowAll && cfg.CORSAllowCreds {
		return nil, fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}

	return cfg, nil
}

// LoadPartial reads configuration without enforcing the API-only requirements.
// The CLI uses it for commands that never touch the database.
func LoadPartial() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	stages := splitCSV(getEnv("PIPELINE_STAGES", ""))
	if len(stages) == 0 {
		stages = append([]string(nil), DefaultPipelineStages...)
	}
	if dup := firstDuplicate(stages); dup != "" {
		return nil, fmt.Errorf("PIPELINE_STAGES contains duplicate stage %q", dup)
	}

	integrations, err := parseEndpoints(getEnv("INTEGRATION_ENDPOINTS", ""))
	if err != nil {
		return nil, err
	}

	location, err := time.LoadLocation(getEnv("AUTOMATION_TIMEZONE", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("AUTOMATION_TIMEZONE: %w", err)
	}

	cfg := &Config{
		Env:                getEnv("APP_ENV", "development"),
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		JWTAccessSecret:    getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:       corsAllowAll,
		CORSOrigins:        corsOrigins,
		CORSAllowCreds:     strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "true"), "true"),
		RedisURL:           getEnv("REDIS_URL", ""),
		RedisTLSInsecure:   strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:     getEnv("ASYNQ_QUEUE", "pipeline"),
		AsynqConcurrency:   mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		SweepInterval:      mustDuration(getEnv("SWEEP_INTERVAL", "1m")),
		PipelineStages:     stages,
		BoardPageSize:      mustInt(getEnv("BOARD_PAGE_SIZE", "20")),
		LeaseTTL:           mustDuration(getEnv("LEASE_TTL", "30s")),
		WorkerPoolSize:     mustInt(getEnv("WORKER_POOL_SIZE", "8")),
		ScopeQueueSize:     mustInt(getEnv("SCOPE_QUEUE_SIZE", "256")),
		BroadcastBuffer:    mustInt(getEnv("BROADCAST_BUFFER", "64")),
		SuspendCooldown:    mustDuration(getEnv("SUSPEND_COOLDOWN", "24h")),
		AutomationLocation: location,
		RuleSeedFile:       getEnv("RULE_SEED_FILE", ""),
		SMTPHost:           getEnv("SMTP_HOST", ""),
		SMTPPort:           mustInt(getEnv("SMTP_PORT", "587")),
		SMTPUsername:       getEnv("SMTP_USERNAME", ""),
		SMTPPassword:       getEnv("SMTP_PASSWORD", ""),
		EmailFromName:      getEnv("EMAIL_FROM_NAME", "Pipeline"),
		EmailFromAddress:   getEnv("EMAIL_FROM_ADDRESS", ""),
		WhatsAppURL:        getEnv("WHATSAPP_URL", ""),
		WhatsAppKey:        getEnv("WHATSAPP_KEY", ""),
		WhatsAppDeviceID:   getEnv("WHATSAPP_DEVICE_ID", ""),
		SchedulingAPIURL:   getEnv("SCHEDULING_API_URL", ""),
		SchedulingAPIKey:   getEnv("SCHEDULING_API_KEY", ""),
		IntegrationURLs:    integrations,
		IntegrationSecret:  getEnv("INTEGRATION_SECRET", ""),
		PhoneDefaultRegion: strings.ToUpper(getEnv("PHONE_DEFAULT_REGION", "ES")),
		OTLPEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        getEnv("OTEL_SERVICE_NAME", "pipeline-backend"),
	}

	if cfg.LeaseTTL <= 0 {
		return nil, fmt.Errorf("LEASE_TTL must be a positive duration")
	}
	if cfg.BoardPageSize < 1 {
		cfg.BoardPageSize = 20
	}
	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 8
	}
	if cfg.ScopeQueueSize < 1 {
		cfg.ScopeQueueSize = 256
	}
	if cfg.BroadcastBuffer < 1 {
		cfg.BroadcastBuffer = 64
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && strings.TrimSpace(val) != "" {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

// parseEndpoints reads "name=url" pairs separated by commas.
func parseEndpoints(value string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitCSV(value) {
		name, url, ok := strings.Cut(pair, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("INTEGRATION_ENDPOINTS: malformed entry %q", pair)
		}
		out[name] = url
	}
	return out, nil
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}

func firstDuplicate(values []string) string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			return value
		}
		seen[value] = struct{}{}
	}
	return ""
}
