package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Normalized resource types shared by every cloud.
const (
	ResourceServer  = "server"
	ResourceLB      = "lb"
	ResourceMySQL   = "mysql"
	ResourceRedis   = "redis"
	ResourceMongoDB = "mongodb"
	ResourceCluster = "cluster"
)

// ResourceTypes lists every resource type in the order jobs walk them.
var ResourceTypes = []string{
	ResourceServer,
	ResourceLB,
	ResourceMongoDB,
	ResourceRedis,
	ResourceMySQL,
	ResourceCluster,
}

// Well-known ExtInfo keys.
const (
	ExtRenewType        = "renew_type"
	ExtChargeType       = "charge_type"
	ExtSecurityGroupIDs = "security_group_ids"
	ExtVpcID            = "vpc_id"
	ExtInstanceType     = "instance_type"
	ExtZone             = "zone"
	ExtExpiredTime      = "expired_time"
)

// Billing vocabulary. Provider clients translate their own labels into these.
const (
	ChargeTypeSubscription = "monthly"
	ChargeTypeOnDemand     = "pay-as-you-go"
	ChargeTypeSpot         = "spot"

	RenewTypeAuto   = "auto"
	RenewTypeManual = "manual"
	RenewTypeNone   = "none"
)

// ErrIncompleteScope is returned when a scope is missing one of its components.
var ErrIncompleteScope = errors.New("incomplete scope")

// IsResourceType reports whether t is a known resource type.
func IsResourceType(t string) bool {
	for _, known := range ResourceTypes {
		if known == t {
			return true
		}
	}
	return false
}

// Scope is the unit of reconciliation: one resource type of one account in one region.
type Scope struct {
	Cloud        string `json:"cloud" yaml:"cloud"`
	Account      string `json:"account" yaml:"account"`
	Region       string `json:"region" yaml:"region"`
	ResourceType string `json:"resource_type" yaml:"resource_type"`
}

// Key renders the scope as cloud/account/region/type.
func (s Scope) Key() string {
	return strings.Join([]string{s.Cloud, s.Account, s.Region, s.ResourceType}, "/")
}

func (s Scope) String() string {
	return s.Key()
}

// Validate fails when any component is empty.
func (s Scope) Validate() error {
	var missing []string
	if s.Cloud == "" {
		missing = append(missing, "cloud")
	}
	if s.Account == "" {
		missing = append(missing, "account")
	}
	if s.Region == "" {
		missing = append(missing, "region")
	}
	if s.ResourceType == "" {
		missing = append(missing, "resource_type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncompleteScope, strings.Join(missing, ", "))
	}
	return nil
}

// Contains reports whether the record belongs to this scope.
// Empty scope components act as wildcards.
func (s Scope) Contains(r ResourceRecord) bool {
	if s.Cloud != "" && s.Cloud != r.Cloud {
		return false
	}
	if s.Account != "" && s.Account != r.Account {
		return false
	}
	if s.Region != "" && s.Region != r.Region {
		return false
	}
	if s.ResourceType != "" && s.ResourceType != r.ResourceType {
		return false
	}
	return true
}

// IdentityKey uniquely identifies a stored record.
type IdentityKey struct {
	Scope      Scope
	InstanceID string
}

func (k IdentityKey) String() string {
	return k.Scope.Key() + "/" + k.InstanceID
}

// ResourceRecord is one cloud resource as last seen by a sync.
type ResourceRecord struct {
	InstanceID   string         `json:"instance_id"`
	Name         string         `json:"name"`
	Cloud        string         `json:"cloud"`
	Account      string         `json:"account"`
	Region       string         `json:"region"`
	ResourceType string         `json:"resource_type"`
	State        string         `json:"state"`
	ExtInfo      map[string]any `json:"ext_info,omitempty"`
	IsExpired    bool           `json:"is_expired"`
	FirstSeen    time.Time      `json:"first_seen"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Scope returns the scope the record belongs to.
func (r ResourceRecord) Scope() Scope {
	return Scope{
		Cloud:        r.Cloud,
		Account:      r.Account,
		Region:       r.Region,
		ResourceType: r.ResourceType,
	}
}

// Key returns the record's identity key.
func (r ResourceRecord) Key() IdentityKey {
	return IdentityKey{Scope: r.Scope(), InstanceID: r.InstanceID}
}

// Clone returns a copy whose ExtInfo can be modified independently.
func (r ResourceRecord) Clone() ResourceRecord {
	out := r
	if r.ExtInfo != nil {
		out.ExtInfo = make(map[string]any, len(r.ExtInfo))
		for k, v := range r.ExtInfo {
			out.ExtInfo[k] = v
		}
	}
	return out
}

// ExtString returns a string ExtInfo field. ok is false when the field is
// missing or holds a non-string value.
func (r ResourceRecord) ExtString(key string) (string, bool) {
	if r.ExtInfo == nil {
		return "", false
	}
	v, found := r.ExtInfo[key]
	if !found {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// SetExt sets an ExtInfo field, allocating the map if needed.
func (r *ResourceRecord) SetExt(key string, value any) {
	if r.ExtInfo == nil {
		r.ExtInfo = make(map[string]any)
	}
	r.ExtInfo[key] = value
}

// InstanceIDs returns the instance ids of records in order.
func InstanceIDs(records []ResourceRecord) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.InstanceID)
	}
	return ids
}
