// Package billing talks to the per-cloud billing APIs through an HTTP gateway
// and decodes each cloud's own response shape.
package billing

import (
	"github.com/shopspring/decimal"

	"github.com/yairfalse/tarkka/types"
)

// QCloudBalance is the DescribeAccountBalance response. Amounts are in cents.
type QCloudBalance struct {
	Balance      *decimal.Decimal `json:"Balance"`
	RealBalance  *decimal.Decimal `json:"RealBalance"`
	CreditAmount *decimal.Decimal `json:"CreditAmount"`
	OweAmount    *decimal.Decimal `json:"OweAmount,omitempty"`
	FreezeAmount *decimal.Decimal `json:"FreezeAmount,omitempty"`
	RequestID    string           `json:"RequestId,omitempty"`
}

type qcloudEnvelope struct {
	Response QCloudBalance `json:"Response"`
}

// VolcBalance is the QueryBalanceAcct result. Amounts are in yuan, as strings.
type VolcBalance struct {
	AccountID        string `json:"AccountID,omitempty"`
	AvailableBalance string `json:"AvailableBalance"`
	CashBalance      string `json:"CashBalance,omitempty"`
	CreditLimit      string `json:"CreditLimit,omitempty"`
	FreezeAmount     string `json:"FreezeAmount,omitempty"`
	ArrearsBalance   string `json:"ArrearsBalance,omitempty"`
}

type volcEnvelope struct {
	Result VolcBalance `json:"Result"`
}

// AliyunBalance is the QueryAccountBalance response.
type AliyunBalance struct {
	Code      string `json:"Code"`
	Message   string `json:"Message"`
	Success   bool   `json:"Success"`
	RequestID string `json:"RequestId,omitempty"`
	Data      struct {
		// AvailableAmount may carry thousands separators, e.g. "1,234.56".
		AvailableAmount     string `json:"AvailableAmount"`
		AvailableCashAmount string `json:"AvailableCashAmount,omitempty"`
		CreditAmount        string `json:"CreditAmount,omitempty"`
		Currency            string `json:"Currency,omitempty"`
	} `json:"Data"`
}

// Renewal is the renewal setting of one prepaid instance.
type Renewal struct {
	InstanceID string `json:"InstanceID"`
	Product    string `json:"Product"`
	// RenewType is normalized to types.RenewType* values.
	RenewType           string `json:"RenewType"`
	RemainingRenewTimes int    `json:"RemainingRenewTimes,omitempty"`
	ExpiredTime         string `json:"ExpiredTime,omitempty"`
	Region              string `json:"Region,omitempty"`
}

type renewalEnvelope struct {
	Result struct {
		Instances []Renewal `json:"InstanceList"`
	} `json:"Result"`
}

// renewal labels as the clouds spell them
var renewTypes = map[string]string{
	// volc, aliyun
	"AutoRenewal":   types.RenewTypeAuto,
	"ManualRenewal": types.RenewTypeManual,
	"NoRenewal":     types.RenewTypeNone,

	// qcloud
	"NOTIFY_AND_AUTO_RENEW":           types.RenewTypeAuto,
	"NOTIFY_AND_MANUAL_RENEW":         types.RenewTypeManual,
	"DISABLE_NOTIFY_AND_MANUAL_RENEW": types.RenewTypeNone,

	// aliyun
	"NotRenewal": types.RenewTypeNone,
}

// NormalizeRenewType maps a cloud's renew label to the shared vocabulary.
// Unknown labels pass through unchanged.
func NormalizeRenewType(label string) string {
	if v, ok := renewTypes[label]; ok {
		return v
	}
	return label
}

// products per cloud and resource type
var products = map[string]map[string]string{
	"volc": {
		types.ResourceServer:  "ECS",
		types.ResourceLB:      "CLB",
		types.ResourceRedis:   "Redis",
		types.ResourceMySQL:   "RDS for MySQL",
		types.ResourceMongoDB: "MongoDB",
		types.ResourceCluster: "VKE",
	},
	"qcloud": {
		types.ResourceServer:  "cvm",
		types.ResourceLB:      "clb",
		types.ResourceRedis:   "redis",
		types.ResourceMySQL:   "cdb",
		types.ResourceMongoDB: "mongodb",
		types.ResourceCluster: "tke",
	},
	"aliyun": {
		types.ResourceServer:  "ecs",
		types.ResourceLB:      "slb",
		types.ResourceRedis:   "redisa",
		types.ResourceMySQL:   "rds",
		types.ResourceMongoDB: "dds",
		types.ResourceCluster: "cs",
	},
}

// ProductFor returns the billing product code of a resource type, or "" when
// the cloud has no renewal product for it.
func ProductFor(cloud, resourceType string) string {
	return products[cloud][resourceType]
}
