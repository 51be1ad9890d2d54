package billing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/yairfalse/tarkka/providers"
	"github.com/yairfalse/tarkka/types"
)

// charge labels as the clouds spell them
var chargeTypes = map[string]string{
	"PrePaid":          types.ChargeTypeSubscription,
	"PREPAID":          types.ChargeTypeSubscription,
	"Prepaid":          types.ChargeTypeSubscription,
	"PostPaid":         types.ChargeTypeOnDemand,
	"POSTPAID_BY_HOUR": types.ChargeTypeOnDemand,
	"PostPaidByHour":   types.ChargeTypeOnDemand,
	"SPOTPAID":         types.ChargeTypeSpot,
}

// NormalizeChargeType maps a cloud's charge label to the shared vocabulary.
// Unknown labels pass through unchanged.
func NormalizeChargeType(label string) string {
	if v, ok := chargeTypes[label]; ok {
		return v
	}
	return label
}

type gatewayInstance struct {
	InstanceID   string         `json:"InstanceId"`
	InstanceName string         `json:"InstanceName"`
	Status       string         `json:"Status"`
	ChargeType   string         `json:"ChargeType"`
	RenewType    string         `json:"RenewType"`
	Zone         string         `json:"Zone"`
	VpcID        string         `json:"VpcId"`
	Ext          map[string]any `json:"ExtInfo"`
}

type instancePage struct {
	Instances []gatewayInstance `json:"Instances"`
	NextToken string            `json:"NextToken"`
}

type instanceDetail struct {
	Detail map[string]any `json:"Detail"`
}

// Inventory lists one scope through the gateway.
//
// Routes:
//
//	GET {base}/v1/{cloud}/accounts/{account}/regions/{region}/{type}?next_token=&limit=
//	GET {base}/v1/{cloud}/accounts/{account}/regions/{region}/{type}/{id}
type Inventory struct {
	client *Client
	scope  types.Scope
}

// NewInventory creates an inventory client for scope.
func NewInventory(baseURL string, scope types.Scope, opts ...ClientOption) *Inventory {
	return &Inventory{
		client: NewClient(baseURL, scope.Cloud, scope.Account, opts...),
		scope:  scope,
	}
}

// Scope returns the listed scope.
func (i *Inventory) Scope() types.Scope {
	return i.scope
}

func (i *Inventory) route() string {
	return fmt.Sprintf("regions/%s/%s", url.PathEscape(i.scope.Region), url.PathEscape(i.scope.ResourceType))
}

// ListPage fetches one page.
func (i *Inventory) ListPage(ctx context.Context, cursor string, pageSize int32) (providers.Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(int(pageSize)))
	if cursor != "" {
		q.Set("next_token", cursor)
	}

	var page instancePage
	if err := i.client.do(ctx, http.MethodGet, i.route()+"?"+q.Encode(), nil, &page); err != nil {
		return providers.Page{}, err
	}

	out := providers.Page{NextCursor: page.NextToken}
	for _, inst := range page.Instances {
		out.Records = append(out.Records, i.toRecord(inst))
	}
	return out, nil
}

func (i *Inventory) toRecord(inst gatewayInstance) types.ResourceRecord {
	r := types.ResourceRecord{
		InstanceID:   inst.InstanceID,
		Name:         inst.InstanceName,
		Cloud:        i.scope.Cloud,
		Account:      i.scope.Account,
		Region:       i.scope.Region,
		ResourceType: i.scope.ResourceType,
		State:        inst.Status,
	}
	for k, v := range inst.Ext {
		r.SetExt(k, v)
	}
	r.SetExt(types.ExtChargeType, NormalizeChargeType(inst.ChargeType))
	if inst.RenewType != "" {
		r.SetExt(types.ExtRenewType, NormalizeRenewType(inst.RenewType))
	}
	if inst.Zone != "" {
		r.SetExt(types.ExtZone, inst.Zone)
	}
	if inst.VpcID != "" {
		r.SetExt(types.ExtVpcID, inst.VpcID)
	}
	return r
}

// GetDetail fetches the detail of one instance.
func (i *Inventory) GetDetail(ctx context.Context, instanceID string) (providers.Detail, error) {
	var resp instanceDetail
	route := i.route() + "/" + url.PathEscape(instanceID)
	if err := i.client.do(ctx, http.MethodGet, route, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Detail) == 0 {
		return nil, nil
	}
	return providers.Detail(resp.Detail), nil
}

// NewFactory returns an inventory factory that reaches the gateway at the
// target's endpoint.
func NewFactory(opts ...ClientOption) providers.Factory {
	return func(_ context.Context, target providers.Target) (providers.InventoryClient, error) {
		if target.Endpoint == "" {
			return nil, fmt.Errorf("%s: gateway endpoint required", target.Scope.Cloud)
		}
		if err := target.Scope.Validate(); err != nil {
			return nil, err
		}
		clientOpts := opts
		if target.Token != "" {
			clientOpts = append(append([]ClientOption(nil), opts...), WithToken(target.Token))
		}
		return NewInventory(target.Endpoint, target.Scope, clientOpts...), nil
	}
}
