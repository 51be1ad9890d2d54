package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client calls one account's billing API through the gateway.
//
// Routes:
//
//	GET  {base}/v1/{cloud}/accounts/{account}/balance
//	POST {base}/v1/{cloud}/accounts/{account}/renewals
type Client struct {
	baseURL    string
	cloud      string
	account    string
	token      string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithToken sends a bearer token with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a billing client for one cloud account.
func NewClient(baseURL, cloud, account string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		cloud:      cloud,
		account:    account,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cloud returns the cloud this client talks to.
func (c *Client) Cloud() string {
	return c.cloud
}

// QCloudBalance fetches a qcloud account balance.
func (c *Client) QCloudBalance(ctx context.Context) (*QCloudBalance, error) {
	var env qcloudEnvelope
	if err := c.do(ctx, http.MethodGet, "balance", nil, &env); err != nil {
		return nil, err
	}
	return &env.Response, nil
}

// VolcBalance fetches a volc account balance.
func (c *Client) VolcBalance(ctx context.Context) (*VolcBalance, error) {
	var env volcEnvelope
	if err := c.do(ctx, http.MethodGet, "balance", nil, &env); err != nil {
		return nil, err
	}
	return &env.Result, nil
}

// AliyunBalance fetches an aliyun account balance.
func (c *Client) AliyunBalance(ctx context.Context) (*AliyunBalance, error) {
	var resp AliyunBalance
	if err := c.do(ctx, http.MethodGet, "balance", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type renewalRequest struct {
	Product     string   `json:"Product"`
	InstanceIDs []string `json:"InstanceIds"`
}

// ListRenewals returns the renewal settings of ids. Renew types come back
// normalized.
func (c *Client) ListRenewals(ctx context.Context, product string, ids []string) ([]Renewal, error) {
	var env renewalEnvelope
	if err := c.do(ctx, http.MethodPost, "renewals", renewalRequest{Product: product, InstanceIDs: ids}, &env); err != nil {
		return nil, err
	}

	renewals := env.Result.Instances
	for i := range renewals {
		renewals[i].RenewType = NormalizeRenewType(renewals[i].RenewType)
	}
	return renewals, nil
}

func (c *Client) do(ctx context.Context, method, route string, body, out any) error {
	endpoint := fmt.Sprintf("%s/v1/%s/accounts/%s/%s", c.baseURL, url.PathEscape(c.cloud), url.PathEscape(c.account), route)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", route, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", route, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.cloud, route, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", route, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", c.cloud, route, resp.StatusCode, truncate(string(data), 200))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", route, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
