package inspector

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/yairfalse/tarkka/providers/billing"
)

var hundred = decimal.NewFromInt(100)

// QCloudBalanceSource fetches a qcloud balance.
type QCloudBalanceSource interface {
	QCloudBalance(ctx context.Context) (*billing.QCloudBalance, error)
}

// VolcBalanceSource fetches a volc balance.
type VolcBalanceSource interface {
	VolcBalance(ctx context.Context) (*billing.VolcBalance, error)
}

// AliyunBalanceSource fetches an aliyun balance.
type AliyunBalanceSource interface {
	AliyunBalance(ctx context.Context) (*billing.AliyunBalance, error)
}

// judge compares available to threshold. Only strictly below is an exception.
func judge(available, threshold decimal.Decimal) Result {
	if available.LessThan(threshold) {
		return Exception(fmt.Sprintf("available balance %s is below threshold %s",
			available.StringFixed(2), threshold.StringFixed(2)))
	}
	return Normal(fmt.Sprintf("available balance %s is not below threshold %s",
		available.StringFixed(2), threshold.StringFixed(2)))
}

// QCloudBalanceInspector checks a qcloud account. qcloud reports cents;
// available is (CreditAmount + RealBalance) / 100.
type QCloudBalanceInspector struct {
	source    QCloudBalanceSource
	threshold decimal.Decimal
}

// NewQCloudBalanceInspector validates threshold and creates the inspector.
func NewQCloudBalanceInspector(source QCloudBalanceSource, threshold any) (*QCloudBalanceInspector, error) {
	t, err := ParseThreshold(threshold)
	if err != nil {
		return nil, err
	}
	return &QCloudBalanceInspector{source: source, threshold: t}, nil
}

// Run fetches the balance and compares it to the threshold.
func (i *QCloudBalanceInspector) Run(ctx context.Context) Result {
	resp, err := i.source.QCloudBalance(ctx)
	if err != nil {
		return Failed(fmt.Sprintf("query balance: %v", err))
	}
	if resp == nil || resp.Balance == nil {
		return Failed("balance missing from response")
	}
	if resp.RealBalance == nil || resp.CreditAmount == nil {
		return Failed("real balance or credit amount missing from response")
	}

	available := resp.CreditAmount.Add(*resp.RealBalance).Div(hundred)
	return judge(available, i.threshold)
}

// VolcBalanceInspector checks a volc account. volc reports yuan.
type VolcBalanceInspector struct {
	source    VolcBalanceSource
	threshold decimal.Decimal
}

// NewVolcBalanceInspector validates threshold and creates the inspector.
func NewVolcBalanceInspector(source VolcBalanceSource, threshold any) (*VolcBalanceInspector, error) {
	t, err := ParseThreshold(threshold)
	if err != nil {
		return nil, err
	}
	return &VolcBalanceInspector{source: source, threshold: t}, nil
}

// Run fetches the balance and compares it to the threshold.
func (i *VolcBalanceInspector) Run(ctx context.Context) Result {
	resp, err := i.source.VolcBalance(ctx)
	if err != nil {
		return Failed(fmt.Sprintf("query balance: %v", err))
	}
	if resp == nil || resp.AvailableBalance == "" {
		return Failed("available balance missing from response")
	}

	available, err := ParseAmount(resp.AvailableBalance)
	if err != nil {
		return Failed(fmt.Sprintf("parse available balance %q: %v", resp.AvailableBalance, err))
	}
	return judge(available, i.threshold)
}

// AliyunBalanceInspector checks an aliyun account. aliyun reports yuan as a
// formatted string.
type AliyunBalanceInspector struct {
	source    AliyunBalanceSource
	threshold decimal.Decimal
}

// NewAliyunBalanceInspector validates threshold and creates the inspector.
func NewAliyunBalanceInspector(source AliyunBalanceSource, threshold any) (*AliyunBalanceInspector, error) {
	t, err := ParseThreshold(threshold)
	if err != nil {
		return nil, err
	}
	return &AliyunBalanceInspector{source: source, threshold: t}, nil
}

// Run fetches the balance and compares it to the threshold.
func (i *AliyunBalanceInspector) Run(ctx context.Context) Result {
	resp, err := i.source.AliyunBalance(ctx)
	if err != nil {
		return Failed(fmt.Sprintf("query balance: %v", err))
	}
	if resp == nil {
		return Failed("empty balance response")
	}
	if resp.Code != "200" {
		return Failed(fmt.Sprintf("query balance: code %s: %s", resp.Code, resp.Message))
	}

	available, err := ParseAmount(resp.Data.AvailableAmount)
	if err != nil {
		return Failed(fmt.Sprintf("parse available amount %q: %v", resp.Data.AvailableAmount, err))
	}
	// aliyun answers zero when the account cannot be read
	if available.IsZero() {
		return Failed("available amount is zero or missing")
	}
	return judge(available, i.threshold)
}
