package inspector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yairfalse/tarkka/providers/billing"
	"github.com/yairfalse/tarkka/types"
)

// AutoRenewInspector flags subscription-billed records that will not renew
// automatically. It reads renew_type and charge_type from stored ExtInfo.
type AutoRenewInspector struct {
	records []types.ResourceRecord
	logger  zerolog.Logger
}

// NewAutoRenewInspector creates an inspector over records.
func NewAutoRenewInspector(records []types.ResourceRecord, logger zerolog.Logger) *AutoRenewInspector {
	return &AutoRenewInspector{records: records, logger: logger}
}

// Run filters the records. Records with missing or non-string billing fields
// are skipped.
func (i *AutoRenewInspector) Run(ctx context.Context) Result {
	if len(i.records) == 0 {
		return Normal("no instances to check")
	}

	var flagged []types.ResourceRecord
	skipped := 0

	for _, r := range i.records {
		charge, okCharge := r.ExtString(types.ExtChargeType)
		renew, okRenew := r.ExtString(types.ExtRenewType)
		if !okCharge || !okRenew {
			skipped++
			i.logger.Warn().Ctx(ctx).
				Str("instance_id", r.InstanceID).
				Str("scope", r.Scope().Key()).
				Msg("record lacks billing fields, skipped")
			continue
		}

		if charge == types.ChargeTypeSubscription && renew != types.RenewTypeAuto {
			flagged = append(flagged, r)
		}
	}

	if len(flagged) == 0 {
		return Normal(fmt.Sprintf("all %d subscription instances renew automatically", len(i.records)-skipped))
	}
	return Exception(fmt.Sprintf("%d subscription instances without auto-renewal", len(flagged)), flagged...)
}

// RenewalSource looks up renewal settings at the provider.
type RenewalSource interface {
	ListRenewals(ctx context.Context, product string, ids []string) ([]billing.Renewal, error)
}

// RenewalInspector asks the provider for the renewal settings of one batch of
// records and flags every instance that will not renew automatically.
type RenewalInspector struct {
	source  RenewalSource
	product string
	records []types.ResourceRecord
}

// NewRenewalInspector creates an inspector for one batch.
func NewRenewalInspector(source RenewalSource, product string, records []types.ResourceRecord) *RenewalInspector {
	return &RenewalInspector{source: source, product: product, records: records}
}

// Run queries the provider once for the whole batch.
func (i *RenewalInspector) Run(ctx context.Context) Result {
	if len(i.records) == 0 {
		return Normal("no instances to check")
	}

	renewals, err := i.source.ListRenewals(ctx, i.product, types.InstanceIDs(i.records))
	if err != nil {
		return Failed(fmt.Sprintf("list %s renewals: %v", i.product, err))
	}

	byID := make(map[string]types.ResourceRecord, len(i.records))
	for _, r := range i.records {
		byID[r.InstanceID] = r
	}

	var flagged []types.ResourceRecord
	for _, rn := range renewals {
		if rn.RenewType == types.RenewTypeAuto {
			continue
		}
		r, ok := byID[rn.InstanceID]
		if !ok {
			// provider returned an instance we did not ask about
			continue
		}
		r = r.Clone()
		r.SetExt(types.ExtRenewType, rn.RenewType)
		if rn.ExpiredTime != "" {
			r.SetExt(types.ExtExpiredTime, rn.ExpiredTime)
		}
		flagged = append(flagged, r)
	}

	if len(flagged) == 0 {
		return Normal(fmt.Sprintf("all %d %s instances renew automatically", len(renewals), i.product))
	}
	return Exception(fmt.Sprintf("%d %s instances without auto-renewal", len(flagged), i.product), flagged...)
}
