package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/tarkka/inspector"
	"github.com/yairfalse/tarkka/internal/config"
	"github.com/yairfalse/tarkka/internal/filter"
	awsplugin "github.com/yairfalse/tarkka/internal/plugin/aws"
	"github.com/yairfalse/tarkka/lease"
	"github.com/yairfalse/tarkka/notifier"
	"github.com/yairfalse/tarkka/pipeline"
	"github.com/yairfalse/tarkka/providers"
	"github.com/yairfalse/tarkka/providers/billing"
	"github.com/yairfalse/tarkka/reconciler"
	"github.com/yairfalse/tarkka/storage"
	"github.com/yairfalse/tarkka/tasks"
	"github.com/yairfalse/tarkka/types"
)

// gatewayClouds are reached through the billing gateway.
var gatewayClouds = []string{config.CloudVolc, config.CloudQCloud, config.CloudAliyun}

// Components are the long-lived pieces every job runs against.
type Components struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Meter    metric.MeterProvider
	Registry *providers.Registry
	Store    storage.RecordStore
	// SyncLog is nil when the store keeps no sync history.
	SyncLog  storage.SyncLogWriter
	Locker   lease.Locker
	Notifier notifier.Notifier
}

// Option overrides a component Build would otherwise create.
type Option func(*Components)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Components) { c.Logger = logger }
}

// WithMeterProvider sets where metrics are recorded.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *Components) { c.Meter = provider }
}

// WithRegistry replaces the inventory registry.
func WithRegistry(r *providers.Registry) Option {
	return func(c *Components) { c.Registry = r }
}

// WithStore replaces the record store.
func WithStore(s storage.RecordStore) Option {
	return func(c *Components) {
		c.Store = s
		c.SyncLog, _ = s.(storage.SyncLogWriter)
	}
}

// WithLocker replaces the lease backend.
func WithLocker(l lease.Locker) Option {
	return func(c *Components) { c.Locker = l }
}

// WithNotifier replaces the configured sinks.
func WithNotifier(n notifier.Notifier) Option {
	return func(c *Components) { c.Notifier = n }
}

// Build creates every component cfg asks for.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*Components, error) {
	c := &Components{
		Config: cfg,
		Logger: log.Logger,
		Meter:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.Registry == nil {
		c.Registry = NewRegistry()
	}

	if c.Store == nil {
		store, err := openStore(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		c.Store = store
		c.SyncLog, _ = store.(storage.SyncLogWriter)
	}

	if c.Locker == nil {
		locker, err := openLocker(ctx, cfg.Lock)
		if err != nil {
			_ = c.Store.Close()
			return nil, err
		}
		c.Locker = locker
	}

	if c.Notifier == nil {
		n, err := buildNotifier(cfg.Notify, c.Logger, c.Meter)
		if err != nil {
			_ = c.Store.Close()
			return nil, err
		}
		c.Notifier = n
	}

	return c, nil
}

// Close releases the store.
func (c *Components) Close() error {
	if c.Store == nil {
		return nil
	}
	return c.Store.Close()
}

// NewRegistry registers every supported cloud.
func NewRegistry() *providers.Registry {
	r := providers.NewRegistry()
	awsplugin.Register(r)
	gateway := billing.NewFactory()
	for _, cloud := range gatewayClouds {
		r.Register(cloud, gateway)
	}
	return r
}

func loadAWS(ctx context.Context, region, endpoint string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(endpoint)
	}
	return awsCfg, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.RecordStore, error) {
	switch cfg.Backend {
	case config.BackendDynamoDB:
		awsCfg, err := loadAWS(ctx, cfg.DynamoDB.Region, cfg.DynamoDB.Endpoint)
		if err != nil {
			return nil, err
		}
		return storage.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDB.Table), nil
	default:
		store, err := storage.NewBoltStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return store, nil
	}
}

func openLocker(ctx context.Context, cfg config.LockConfig) (lease.Locker, error) {
	switch cfg.Backend {
	case config.BackendDynamoDB:
		awsCfg, err := loadAWS(ctx, cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		return lease.NewDynamoLocker(dynamodb.NewFromConfig(awsCfg), cfg.Table, ""), nil
	default:
		return lease.NewMemoryLocker(lease.NewMemoryTable(), ""), nil
	}
}

func buildNotifier(sinks []config.NotifyConfig, logger zerolog.Logger, provider metric.MeterProvider) (notifier.Notifier, error) {
	var all []notifier.Notifier

	logSink, err := notifier.NewInstrumented(notifier.NewLog(&logger), "log", provider)
	if err != nil {
		return nil, err
	}
	all = append(all, logSink)

	for i, sink := range sinks {
		if sink.Type != "feishu" {
			continue
		}
		var fopts []notifier.FeishuOption
		if sink.Secret != "" {
			fopts = append(fopts, notifier.WithSecret(sink.Secret))
		}
		if sink.UserID != "" {
			fopts = append(fopts, notifier.WithUserID(sink.UserID))
		}
		n, err := notifier.NewInstrumented(notifier.NewFeishu(sink.WebhookURL, fopts...), fmt.Sprintf("feishu-%d", i), provider)
		if err != nil {
			return nil, err
		}
		all = append(all, n)
	}

	return notifier.NewMulti(all...), nil
}

func (c *Components) account(name string) (config.AccountConfig, error) {
	acct, ok := c.Config.Account(name)
	if !ok {
		return config.AccountConfig{}, fmt.Errorf("unknown account %q", name)
	}
	return acct, nil
}

func (c *Components) billingClient(acct config.AccountConfig) *billing.Client {
	var opts []billing.ClientOption
	if acct.BillingToken != "" {
		opts = append(opts, billing.WithToken(acct.BillingToken))
	}
	return billing.NewClient(acct.BillingEndpoint, acct.Cloud, acct.Name, opts...)
}

// SyncTask creates the sync task of one scope.
func (c *Components) SyncTask(ctx context.Context, scope types.Scope) (*tasks.SyncTask, error) {
	acct, err := c.account(scope.Account)
	if err != nil {
		return nil, err
	}

	target := providers.Target{Scope: scope, Profile: acct.Profile, Endpoint: acct.Endpoint}
	if acct.Cloud != config.CloudAWS {
		target.Endpoint = acct.BillingEndpoint
		target.Token = acct.BillingToken
	}

	client, err := c.Registry.NewInventory(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", scope, err)
	}

	writer := reconciler.NewWriter(c.Store).WithLogger(c.Logger)
	return tasks.NewSyncTask(client, writer, c.SyncLog, pipeline.SessionOptions{
		PageSize:          c.Config.Pipeline.PageSize,
		EnrichConcurrency: c.Config.Pipeline.EnrichConcurrency,
		SkipEnrichment:    c.Config.Pipeline.SkipEnrichment,
		Logger:            &c.Logger,
	}), nil
}

// BalanceTask creates the balance task of the named accounts.
func (c *Components) BalanceTask(names ...string) (*tasks.BalanceTask, error) {
	checks := make([]tasks.BalanceCheck, 0, len(names))
	for _, name := range names {
		acct, err := c.account(name)
		if err != nil {
			return nil, err
		}
		insp, err := balanceInspector(acct.Cloud, c.billingClient(acct), acct.Billing.Threshold)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", name, err)
		}
		checks = append(checks, tasks.BalanceCheck{Account: acct.Name, Cloud: acct.Cloud, Inspector: insp})
	}
	return tasks.NewBalanceTask(checks, c.Notifier, &c.Logger), nil
}

func balanceInspector(cloud string, client *billing.Client, threshold any) (inspector.Inspector, error) {
	switch cloud {
	case config.CloudQCloud:
		return inspector.NewQCloudBalanceInspector(client, threshold)
	case config.CloudVolc:
		return inspector.NewVolcBalanceInspector(client, threshold)
	case config.CloudAliyun:
		return inspector.NewAliyunBalanceInspector(client, threshold)
	default:
		return nil, fmt.Errorf("balance checks are not available for %s", cloud)
	}
}

// AutoRenewTask creates the auto-renew task of one account.
func (c *Components) AutoRenewTask(name string) (*tasks.AutoRenewTask, error) {
	acct, err := c.account(name)
	if err != nil {
		return nil, err
	}

	cfg := tasks.AutoRenewConfig{
		Cloud:         acct.Cloud,
		Account:       acct.Name,
		ResourceTypes: acct.AutoRenew.ResourceTypes,
		Logger:        &c.Logger,
	}
	if acct.Cloud != config.CloudAWS {
		client := c.billingClient(acct)
		cfg.Renewals = func(string, string) inspector.RenewalSource { return client }
	}
	return tasks.NewAutoRenewTask(cfg, c.Store, c.Notifier), nil
}

// PolicyTask compiles one policy into a task.
func (c *Components) PolicyTask(ctx context.Context, p config.PolicyConfig) (*tasks.PolicyTask, error) {
	module, err := p.PolicySource()
	if err != nil {
		return nil, err
	}

	scope := types.Scope{Cloud: p.Cloud, ResourceType: p.ResourceType}
	load := func(ctx context.Context) ([]types.ResourceRecord, error) {
		return c.Store.Query(ctx, scope, filter.Filter{})
	}

	insp, err := inspector.NewPolicyInspector(ctx, p.Name, module, load)
	if err != nil {
		return nil, err
	}
	return tasks.NewPolicyTask(p.Name, insp, c.Notifier, &c.Logger), nil
}

// errNoJobs is returned when the config schedules nothing.
var errNoJobs = errors.New("no jobs configured")
