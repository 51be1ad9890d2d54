// Package config handles YAML configuration for Tarkka.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/tarkka/inspector"
	"github.com/yairfalse/tarkka/orchestrator"
	"github.com/yairfalse/tarkka/types"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Default schedules.
const (
	DefaultSyncSchedule      = "*/30 * * * *"
	DefaultBillingSchedule   = "0 10 * * *"
	DefaultAutoRenewSchedule = "30 9 * * *"
)

// Known clouds.
const (
	CloudAWS    = "aws"
	CloudVolc   = "volc"
	CloudQCloud = "qcloud"
	CloudAliyun = "aliyun"
)

var knownClouds = map[string]bool{
	CloudAWS:    true,
	CloudVolc:   true,
	CloudQCloud: true,
	CloudAliyun: true,
}

// Storage backends.
const (
	BackendBolt     = "bolt"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

// Config is the root configuration structure.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Lock      LockConfig      `yaml:"lock"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Accounts  []AccountConfig `yaml:"accounts"`
	Notify    []NotifyConfig  `yaml:"notify"`
	Policies  []PolicyConfig  `yaml:"policies"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig selects the record store.
type StorageConfig struct {
	Backend  string       `yaml:"backend"`
	Path     string       `yaml:"path"`
	DynamoDB DynamoConfig `yaml:"dynamodb"`
}

// DynamoConfig locates a DynamoDB table.
type DynamoConfig struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// LockConfig selects the job lease backend.
type LockConfig struct {
	Backend  string        `yaml:"backend"`
	Table    string        `yaml:"table"`
	Region   string        `yaml:"region"`
	Endpoint string        `yaml:"endpoint"`
	TTL      time.Duration `yaml:"ttl"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	MetricsAddr  string `yaml:"metrics_addr"`
}

// PipelineConfig tunes sync sessions.
type PipelineConfig struct {
	PageSize          int32 `yaml:"page_size"`
	EnrichConcurrency int   `yaml:"enrich_concurrency"`
	SkipEnrichment    bool  `yaml:"skip_enrichment"`
}

// AccountConfig is one cloud account.
type AccountConfig struct {
	Name            string          `yaml:"name"`
	Cloud           string          `yaml:"cloud"`
	Regions         []string        `yaml:"regions"`
	Profile         string          `yaml:"profile"`
	Endpoint        string          `yaml:"endpoint"`
	BillingEndpoint string          `yaml:"billing_endpoint"`
	BillingToken    string          `yaml:"billing_token"`
	Sync            SyncConfig      `yaml:"sync"`
	Billing         BillingConfig   `yaml:"billing"`
	AutoRenew       AutoRenewConfig `yaml:"auto_renew"`
}

// SyncConfig schedules inventory syncs.
type SyncConfig struct {
	Schedule      string   `yaml:"schedule"`
	ResourceTypes []string `yaml:"resource_types"`
}

// BillingConfig enables the balance check when Threshold is set.
type BillingConfig struct {
	Threshold any    `yaml:"threshold"`
	Schedule  string `yaml:"schedule"`
}

// Enabled reports whether a threshold is configured.
func (b BillingConfig) Enabled() bool {
	return b.Threshold != nil
}

// AutoRenewConfig schedules the auto-renew inspection.
type AutoRenewConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Schedule      string   `yaml:"schedule"`
	ResourceTypes []string `yaml:"resource_types"`
}

// NotifyConfig is one notification sink.
type NotifyConfig struct {
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
	Secret     string `yaml:"secret"`
	UserID     string `yaml:"user_id"`
}

// PolicyConfig runs a Rego module against stored records.
type PolicyConfig struct {
	Name         string `yaml:"name"`
	Schedule     string `yaml:"schedule"`
	Cloud        string `yaml:"cloud"`
	ResourceType string `yaml:"resource_type"`
	Module       string `yaml:"module"`
	ModuleFile   string `yaml:"module_file"`
}

// Load reads, defaults and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates YAML config data.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendBolt
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./tarkka-data"
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = BackendMemory
	}
	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = orchestrator.DefaultLockTTL
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "tarkka"
	}
	if cfg.Telemetry.MetricsAddr == "" {
		cfg.Telemetry.MetricsAddr = ":9090"
	}
	if cfg.Pipeline.PageSize == 0 {
		cfg.Pipeline.PageSize = 100
	}
	if cfg.Pipeline.EnrichConcurrency == 0 {
		cfg.Pipeline.EnrichConcurrency = 5
	}

	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.Sync.Schedule == "" {
			a.Sync.Schedule = DefaultSyncSchedule
		}
		if len(a.Sync.ResourceTypes) == 0 {
			a.Sync.ResourceTypes = append([]string(nil), types.ResourceTypes...)
		}
		if a.Billing.Schedule == "" {
			a.Billing.Schedule = DefaultBillingSchedule
		}
		if a.AutoRenew.Schedule == "" {
			a.AutoRenew.Schedule = DefaultAutoRenewSchedule
		}
		if len(a.AutoRenew.ResourceTypes) == 0 {
			a.AutoRenew.ResourceTypes = append([]string(nil), types.ResourceTypes...)
		}
	}

	for i := range cfg.Notify {
		if cfg.Notify[i].Type == "" {
			cfg.Notify[i].Type = "feishu"
		}
	}
}

// Validate checks the configuration. Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format must be json or console (got %q)", c.Log.Format)
	}

	switch c.Storage.Backend {
	case BackendBolt:
	case BackendDynamoDB:
		if c.Storage.DynamoDB.Table == "" {
			add("storage.dynamodb.table is required")
		}
	default:
		add("storage.backend %q is not supported", c.Storage.Backend)
	}

	switch c.Lock.Backend {
	case BackendMemory:
	case BackendDynamoDB:
		if c.Lock.Table == "" {
			add("lock.table is required")
		}
	default:
		add("lock.backend %q is not supported", c.Lock.Backend)
	}
	if c.Lock.TTL < 0 {
		add("lock.ttl must not be negative")
	}

	if c.Pipeline.PageSize < 0 {
		add("pipeline.page_size must not be negative")
	}
	if c.Pipeline.EnrichConcurrency < 0 {
		add("pipeline.enrich_concurrency must not be negative")
	}

	names := make(map[string]bool)
	for i, a := range c.Accounts {
		prefix := fmt.Sprintf("accounts[%d]", i)
		if a.Name == "" {
			add("%s.name is required", prefix)
		} else if names[a.Name] {
			add("%s.name %q is duplicated", prefix, a.Name)
		}
		names[a.Name] = true

		if !knownClouds[a.Cloud] {
			add("%s.cloud %q is not supported", prefix, a.Cloud)
		}
		if len(a.Regions) == 0 {
			add("%s: at least one region required", prefix)
		}
		if a.Cloud != CloudAWS && a.Cloud != "" && a.BillingEndpoint == "" {
			add("%s.billing_endpoint is required for %s", prefix, a.Cloud)
		}
		if a.BillingEndpoint != "" {
			if err := validateURL(a.BillingEndpoint); err != nil {
				add("%s.billing_endpoint: %v", prefix, err)
			}
		}

		errs = append(errs, validateSchedule(prefix+".sync.schedule", a.Sync.Schedule)...)
		errs = append(errs, validateTypes(prefix+".sync.resource_types", a.Sync.ResourceTypes)...)

		if a.Billing.Enabled() {
			if a.Cloud == CloudAWS {
				add("%s.billing: balance checks are not available for aws", prefix)
			}
			if _, err := inspector.ParseThreshold(a.Billing.Threshold); err != nil {
				add("%s.billing.threshold: %v", prefix, err)
			}
			errs = append(errs, validateSchedule(prefix+".billing.schedule", a.Billing.Schedule)...)
		}

		if a.AutoRenew.Enabled {
			errs = append(errs, validateSchedule(prefix+".auto_renew.schedule", a.AutoRenew.Schedule)...)
			errs = append(errs, validateTypes(prefix+".auto_renew.resource_types", a.AutoRenew.ResourceTypes)...)
		}
	}

	for i, n := range c.Notify {
		prefix := fmt.Sprintf("notify[%d]", i)
		switch n.Type {
		case "feishu":
			if err := validateURL(n.WebhookURL); err != nil {
				add("%s.webhook_url: %v", prefix, err)
			}
		case "log":
		default:
			add("%s.type %q is not supported", prefix, n.Type)
		}
	}

	for i, p := range c.Policies {
		prefix := fmt.Sprintf("policies[%d]", i)
		if p.Name == "" {
			add("%s.name is required", prefix)
		}
		if (p.Module == "") == (p.ModuleFile == "") {
			add("%s: exactly one of module and module_file is required", prefix)
		}
		if p.ResourceType != "" && !types.IsResourceType(p.ResourceType) {
			add("%s.resource_type %q is not supported", prefix, p.ResourceType)
		}
		errs = append(errs, validateSchedule(prefix+".schedule", p.Schedule)...)
	}

	return errors.Join(errs...)
}

// Scopes expands every account into its sync scopes.
func (c *Config) Scopes() []types.Scope {
	var scopes []types.Scope
	for _, a := range c.Accounts {
		for _, region := range a.Regions {
			for _, t := range a.Sync.ResourceTypes {
				scopes = append(scopes, types.Scope{
					Cloud:        a.Cloud,
					Account:      a.Name,
					Region:       region,
					ResourceType: t,
				})
			}
		}
	}
	return scopes
}

// Account returns the named account.
func (c *Config) Account(name string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// PolicySource returns the Rego module text, reading ModuleFile if set.
func (p PolicyConfig) PolicySource() (string, error) {
	if p.Module != "" {
		return p.Module, nil
	}
	data, err := os.ReadFile(p.ModuleFile) // #nosec G304 -- path comes from operator config
	if err != nil {
		return "", fmt.Errorf("read policy %s: %w", p.Name, err)
	}
	return string(data), nil
}

func validateSchedule(field, expr string) []error {
	if err := orchestrator.ValidateSchedule(expr); err != nil {
		return []error{fmt.Errorf("%w: %s: %v", ErrInvalid, field, err)}
	}
	return nil
}

func validateTypes(field string, ts []string) []error {
	var errs []error
	for _, t := range ts {
		if !types.IsResourceType(t) {
			errs = append(errs, fmt.Errorf("%w: %s: unknown resource type %q", ErrInvalid, field, t))
		}
	}
	return errs
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
