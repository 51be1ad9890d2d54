// Package filter provides record filtering for Tarkka queries and jobs.
package filter

import (
	"github.com/yairfalse/tarkka/types"
)

// Filter selects stored records by state, charge type, ext fields and expiry.
// A zero Filter matches every non-expired record.
type Filter struct {
	States         []string
	ChargeTypes    []string
	IncludeExpired bool
	// Ext requires exact string matches on ExtInfo fields.
	Ext map[string]string
}

// Running matches live subscription-billed records, the set auto-renew checks look at.
func Running(chargeTypes ...string) Filter {
	return Filter{
		States:      []string{"running", "Running", "RUNNING", "available", "active", "ACTIVE"},
		ChargeTypes: chargeTypes,
	}
}

// Match returns true if the record passes the filter.
func (f Filter) Match(r types.ResourceRecord) bool {
	if r.IsExpired && !f.IncludeExpired {
		return false
	}

	if len(f.States) > 0 && !contains(f.States, r.State) {
		return false
	}

	if len(f.ChargeTypes) > 0 {
		charge, ok := r.ExtString(types.ExtChargeType)
		if !ok || !contains(f.ChargeTypes, charge) {
			return false
		}
	}

	// ALL ext fields must match
	for k, v := range f.Ext {
		got, ok := r.ExtString(k)
		if !ok || got != v {
			return false
		}
	}

	return true
}

// Apply returns only records that pass the filter.
func (f Filter) Apply(records []types.ResourceRecord) []types.ResourceRecord {
	filtered := make([]types.ResourceRecord, 0, len(records))
	for _, r := range records {
		if f.Match(r) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// IsEmpty returns true if only the default expiry rule applies.
func (f Filter) IsEmpty() bool {
	return len(f.States) == 0 && len(f.ChargeTypes) == 0 && len(f.Ext) == 0 && !f.IncludeExpired
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
