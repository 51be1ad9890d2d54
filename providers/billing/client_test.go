package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tarkka/types"
)

func TestClient_QCloudBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/qcloud/accounts/main/balance", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"Response":{"Balance":150000,"RealBalance":120000,"CreditAmount":30000,"RequestId":"r-1"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "qcloud", "main", WithToken("secret"))
	bal, err := c.QCloudBalance(context.Background())

	require.NoError(t, err)
	require.NotNil(t, bal.Balance)
	assert.Equal(t, "120000", bal.RealBalance.String())
	assert.Equal(t, "30000", bal.CreditAmount.String())
	assert.Equal(t, "r-1", bal.RequestID)
}

func TestClient_QCloudBalanceMissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Response":{"RealBalance":1}}`))
	}))
	defer srv.Close()

	bal, err := NewClient(srv.URL, "qcloud", "main").QCloudBalance(context.Background())

	require.NoError(t, err)
	assert.Nil(t, bal.Balance)
	assert.Nil(t, bal.CreditAmount)
}

func TestClient_VolcBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Result":{"AvailableBalance":"8812.50","CashBalance":"8812.50"}}`))
	}))
	defer srv.Close()

	bal, err := NewClient(srv.URL, "volc", "main").VolcBalance(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "8812.50", bal.AvailableBalance)
}

func TestClient_AliyunBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Code":"200","Message":"Successful!","Success":true,"Data":{"AvailableAmount":"1,234.56","Currency":"CNY"}}`))
	}))
	defer srv.Close()

	bal, err := NewClient(srv.URL, "aliyun", "main").AliyunBalance(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "200", bal.Code)
	assert.Equal(t, "1,234.56", bal.Data.AvailableAmount)
}

func TestClient_ListRenewals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/volc/accounts/main/renewals", r.URL.Path)

		var req renewalRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ECS", req.Product)
		assert.Equal(t, []string{"i-1", "i-2"}, req.InstanceIDs)

		_, _ = w.Write([]byte(`{"Result":{"InstanceList":[
			{"InstanceID":"i-1","Product":"ECS","RenewType":"AutoRenewal"},
			{"InstanceID":"i-2","Product":"ECS","RenewType":"ManualRenewal","RemainingRenewTimes":0}
		]}}`))
	}))
	defer srv.Close()

	renewals, err := NewClient(srv.URL, "volc", "main").ListRenewals(context.Background(), "ECS", []string{"i-1", "i-2"})

	require.NoError(t, err)
	require.Len(t, renewals, 2)
	assert.Equal(t, types.RenewTypeAuto, renewals[0].RenewType)
	assert.Equal(t, types.RenewTypeManual, renewals[1].RenewType)
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"signature mismatch"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "volc", "main").VolcBalance(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "signature mismatch")
}

func TestClient_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "aliyun", "main").AliyunBalance(context.Background())

	require.Error(t, err)
}

func TestNormalizeRenewType(t *testing.T) {
	assert.Equal(t, types.RenewTypeAuto, NormalizeRenewType("NOTIFY_AND_AUTO_RENEW"))
	assert.Equal(t, types.RenewTypeNone, NormalizeRenewType("NoRenewal"))
	assert.Equal(t, "Weird", NormalizeRenewType("Weird"))
}

func TestProductFor(t *testing.T) {
	assert.Equal(t, "ECS", ProductFor("volc", types.ResourceServer))
	assert.Equal(t, "", ProductFor("aws", types.ResourceServer))
}
