package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tarkka/inspector"
	"github.com/yairfalse/tarkka/internal/filter"
	"github.com/yairfalse/tarkka/notifier"
	"github.com/yairfalse/tarkka/providers/billing"
	"github.com/yairfalse/tarkka/storage"
	"github.com/yairfalse/tarkka/types"
)

// Provider renewal lookups are batched and paced.
const (
	DefaultRenewBatchSize  = 100
	DefaultRenewBatchDelay = 100 * time.Millisecond
)

// RenewalResolver returns the renewal source of one account and region, or
// nil when the cloud has none and stored billing fields must be used.
type RenewalResolver func(account, region string) inspector.RenewalSource

// AutoRenewConfig configures an AutoRenewTask.
type AutoRenewConfig struct {
	Cloud string
	// Account limits the inspection to one account. Empty checks every account of Cloud.
	Account       string
	ResourceTypes []string
	Renewals      RenewalResolver
	BatchSize     int
	BatchDelay    time.Duration
	Logger        *zerolog.Logger
}

// AutoRenewTask finds subscription instances that will not renew.
type AutoRenewTask struct {
	cfg      AutoRenewConfig
	store    storage.RecordReader
	notifier notifier.Notifier
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewAutoRenewTask creates the task.
func NewAutoRenewTask(cfg AutoRenewConfig, store storage.RecordReader, n notifier.Notifier) *AutoRenewTask {
	if len(cfg.ResourceTypes) == 0 {
		cfg.ResourceTypes = types.ResourceTypes
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRenewBatchSize
	}
	if cfg.BatchDelay == 0 {
		cfg.BatchDelay = DefaultRenewBatchDelay
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &AutoRenewTask{
		cfg:      cfg,
		store:    store,
		notifier: n,
		logger:   l.With().Str("task", "auto_renew").Str("cloud", cfg.Cloud).Str("account", cfg.Account).Logger(),
		sleep:    sleepCtx,
	}
}

// Run checks resource types one after another. A failing type is logged and
// the remaining types still run.
func (t *AutoRenewTask) Run(ctx context.Context) error {
	var errs []error
	for _, rt := range t.cfg.ResourceTypes {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := t.runType(ctx, rt); err != nil {
			t.logger.Error().Ctx(ctx).Err(err).Str("resource_type", rt).Msg("auto-renew inspection failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *AutoRenewTask) runType(ctx context.Context, resourceType string) error {
	logger := t.logger.With().Ctx(ctx).Str("resource_type", resourceType).Logger()

	records, err := t.store.Query(ctx,
		types.Scope{Cloud: t.cfg.Cloud, Account: t.cfg.Account, ResourceType: resourceType},
		filter.Running(types.ChargeTypeSubscription),
	)
	if err != nil {
		return fmt.Errorf("query %s %s: %w", t.cfg.Cloud, resourceType, err)
	}
	if len(records) == 0 {
		logger.Debug().Msg("no subscription instances")
		return nil
	}

	var flagged []types.ResourceRecord
	product := billing.ProductFor(t.cfg.Cloud, resourceType)
	if t.cfg.Renewals != nil && product != "" {
		flagged, err = t.inspectAtProvider(ctx, product, records)
	} else {
		res := inspector.NewAutoRenewInspector(records, logger).Run(ctx)
		if !res.Success {
			err = errors.New(res.Message)
		}
		flagged = res.Data
	}

	// findings from batches that succeeded are reported even when others failed
	if len(flagged) == 0 {
		if err != nil {
			return err
		}
		logger.Info().Int("records", len(records)).Msg("all subscription instances renew automatically")
		return nil
	}

	logger.Warn().Int("flagged", len(flagged)).Msg("instances without auto-renewal")
	notifyErr := t.notifier.Notify(ctx, notifier.Message{
		Title:   fmt.Sprintf("%s %s auto-renew inspection", t.cfg.Cloud, resourceType),
		Text:    fmt.Sprintf("%d subscription instances will not renew automatically", len(flagged)),
		Records: flagged,
		Mention: true,
	})
	return errors.Join(err, notifyErr)
}

type renewGroup struct {
	account string
	region  string
}

// inspectAtProvider groups records by account and region and asks the
// provider for their renewal settings in paced batches.
func (t *AutoRenewTask) inspectAtProvider(ctx context.Context, product string, records []types.ResourceRecord) ([]types.ResourceRecord, error) {
	groups := make(map[renewGroup][]types.ResourceRecord)
	for _, r := range records {
		g := renewGroup{account: r.Account, region: r.Region}
		groups[g] = append(groups[g], r)
	}
	keys := make([]renewGroup, 0, len(groups))
	for g := range groups {
		keys = append(keys, g)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].account != keys[j].account {
			return keys[i].account < keys[j].account
		}
		return keys[i].region < keys[j].region
	})

	var flagged []types.ResourceRecord
	var errs []error
	calls := 0

	for _, g := range keys {
		source := t.cfg.Renewals(g.account, g.region)
		if source == nil {
			res := inspector.NewAutoRenewInspector(groups[g], t.logger).Run(ctx)
			flagged = append(flagged, res.Data...)
			continue
		}

		for _, batch := range chunk(groups[g], t.cfg.BatchSize) {
			if calls > 0 {
				if err := t.sleep(ctx, t.cfg.BatchDelay); err != nil {
					return flagged, err
				}
			}
			calls++

			res := inspector.NewRenewalInspector(source, product, batch).Run(ctx)
			if !res.Success {
				errs = append(errs, fmt.Errorf("%s/%s: %s", g.account, g.region, res.Message))
				continue
			}
			flagged = append(flagged, res.Data...)
		}
	}
	return flagged, errors.Join(errs...)
}

func chunk(records []types.ResourceRecord, size int) [][]types.ResourceRecord {
	var out [][]types.ResourceRecord
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		out = append(out, records[start:end])
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
