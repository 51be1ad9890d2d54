package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tarkka/providers"
	"github.com/yairfalse/tarkka/types"
)

var volcServers = types.Scope{Cloud: "volc", Account: "main", Region: "cn-beijing", ResourceType: types.ResourceServer}

func TestInventory_ListPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/volc/accounts/main/regions/cn-beijing/server", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		assert.Equal(t, "tok-1", r.URL.Query().Get("next_token"))
		_, _ = w.Write([]byte(`{
			"Instances": [
				{"InstanceId":"i-1","InstanceName":"web","Status":"RUNNING","ChargeType":"PrePaid","RenewType":"ManualRenewal","Zone":"cn-beijing-a","ExtInfo":{"instance_type":"ecs.g1"}},
				{"InstanceId":"i-2","Status":"RUNNING","ChargeType":"PostPaid"}
			],
			"NextToken": "tok-2"
		}`))
	}))
	defer srv.Close()

	page, err := NewInventory(srv.URL, volcServers).ListPage(context.Background(), "tok-1", 100)
	require.NoError(t, err)

	assert.Equal(t, "tok-2", page.NextCursor)
	require.Len(t, page.Records, 2)

	r := page.Records[0]
	assert.Equal(t, volcServers, r.Scope())
	assert.Equal(t, "web", r.Name)
	charge, _ := r.ExtString(types.ExtChargeType)
	renew, _ := r.ExtString(types.ExtRenewType)
	zone, _ := r.ExtString(types.ExtZone)
	assert.Equal(t, types.ChargeTypeSubscription, charge)
	assert.Equal(t, types.RenewTypeManual, renew)
	assert.Equal(t, "cn-beijing-a", zone)
	assert.Equal(t, "ecs.g1", r.ExtInfo[types.ExtInstanceType])

	charge, _ = page.Records[1].ExtString(types.ExtChargeType)
	assert.Equal(t, types.ChargeTypeOnDemand, charge)
	_, hasRenew := page.Records[1].ExtString(types.ExtRenewType)
	assert.False(t, hasRenew)
}

func TestInventory_FirstPageHasNoToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("next_token"))
		_, _ = w.Write([]byte(`{"Instances":[]}`))
	}))
	defer srv.Close()

	page, err := NewInventory(srv.URL, volcServers).ListPage(context.Background(), "", 50)
	require.NoError(t, err)
	assert.Empty(t, page.NextCursor)
	assert.Empty(t, page.Records)
}

func TestInventory_GetDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/volc/accounts/main/regions/cn-beijing/server/i-1":
			_, _ = w.Write([]byte(`{"Detail":{"security_group_ids":["sg-1"]}}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	inv := NewInventory(srv.URL, volcServers)

	detail, err := inv.GetDetail(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, []any{"sg-1"}, detail[types.ExtSecurityGroupIDs])

	detail, err = inv.GetDetail(context.Background(), "i-2")
	require.NoError(t, err)
	assert.Nil(t, detail)
}

func TestInventory_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewInventory(srv.URL, volcServers).ListPage(context.Background(), "", 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestNewFactory(t *testing.T) {
	factory := NewFactory()

	_, err := factory(context.Background(), providers.Target{Scope: volcServers})
	assert.Error(t, err, "endpoint required")

	_, err = factory(context.Background(), providers.Target{Scope: types.Scope{Cloud: "volc"}, Endpoint: "http://gw"})
	assert.Error(t, err, "scope must be complete")

	client, err := factory(context.Background(), providers.Target{Scope: volcServers, Endpoint: "http://gw"})
	require.NoError(t, err)
	assert.Equal(t, volcServers, client.Scope())
}

func TestNewFactory_SendsTargetToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer acct-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Instances":[]}`))
	}))
	defer srv.Close()

	client, err := NewFactory()(context.Background(), providers.Target{
		Scope:    volcServers,
		Endpoint: srv.URL,
		Token:    "acct-token",
	})
	require.NoError(t, err)

	page, err := client.ListPage(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}

func TestNormalizeChargeType(t *testing.T) {
	assert.Equal(t, types.ChargeTypeSubscription, NormalizeChargeType("PREPAID"))
	assert.Equal(t, types.ChargeTypeOnDemand, NormalizeChargeType("POSTPAID_BY_HOUR"))
	assert.Equal(t, "Weird", NormalizeChargeType("Weird"))
}
