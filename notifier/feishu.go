package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yairfalse/tarkka/types"
)

const unknownField = "unknown"

// Feishu posts messages to a Feishu custom bot webhook.
type Feishu struct {
	webhookURL string
	secret     string
	userID     string
	client     *http.Client
	now        func() time.Time
}

// FeishuOption configures a Feishu notifier.
type FeishuOption func(*Feishu)

// WithSecret enables request signing with the bot's signing secret.
func WithSecret(secret string) FeishuOption {
	return func(f *Feishu) { f.secret = secret }
}

// WithUserID sets the user mentioned on alerts. Defaults to "all".
func WithUserID(id string) FeishuOption {
	return func(f *Feishu) { f.userID = id }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) FeishuOption {
	return func(f *Feishu) { f.client = c }
}

// NewFeishu creates a notifier for webhookURL.
func NewFeishu(webhookURL string, opts ...FeishuOption) *Feishu {
	f := &Feishu{
		webhookURL: webhookURL,
		userID:     "all",
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Notify sends a card when msg carries records, a text message otherwise.
func (f *Feishu) Notify(ctx context.Context, msg Message) error {
	var payload map[string]any
	if len(msg.Records) > 0 {
		payload = f.cardPayload(msg)
	} else {
		payload = f.textPayload(msg)
	}

	if f.secret != "" {
		ts := f.now().Unix()
		sign, err := signFeishu(ts, f.secret)
		if err != nil {
			return fmt.Errorf("sign feishu request: %w", err)
		}
		payload["timestamp"] = strconv.FormatInt(ts, 10)
		payload["sign"] = sign
	}

	return f.post(ctx, payload)
}

func (f *Feishu) textPayload(msg Message) map[string]any {
	text := msg.Text
	if text == "" {
		text = msg.Title
	}
	if msg.Mention && f.userID != "" {
		text = fmt.Sprintf(`<at user_id="%s"></at> %s`, f.userID, text)
	}
	return map[string]any{
		"msg_type": "text",
		"content":  map[string]any{"text": text},
	}
}

func (f *Feishu) cardPayload(msg Message) map[string]any {
	var elements []map[string]any
	if msg.Mention && f.userID != "" {
		elements = append(elements, map[string]any{
			"tag":  "div",
			"text": map[string]any{"tag": "lark_md", "content": fmt.Sprintf("<at id=%s></at>", f.userID)},
		})
	}
	elements = append(elements, map[string]any{
		"tag":        "markdown",
		"content":    instanceTable(msg.Text, msg.Records),
		"text_align": "left",
	})

	return map[string]any{
		"msg_type": "interactive",
		"card": map[string]any{
			"schema": "2.0",
			"header": map[string]any{
				"title":    map[string]any{"tag": "plain_text", "content": msg.Title},
				"template": cardTemplate(msg.Mention),
			},
			"body": map[string]any{
				"direction": "vertical",
				"elements":  elements,
			},
		},
	}
}

func cardTemplate(mention bool) string {
	if mention {
		return "red"
	}
	return "blue"
}

// instanceTable renders records as a markdown table.
func instanceTable(intro string, records []types.ResourceRecord) string {
	var b strings.Builder
	if intro != "" {
		b.WriteString(intro)
		b.WriteString("\n\n")
	}
	b.WriteString("| Instance ID | Name | Renew type |\n")
	b.WriteString("|---|---|---|\n")
	for _, r := range records {
		renew, ok := r.ExtString(types.ExtRenewType)
		if !ok || renew == "" {
			renew = unknownField
		}
		name := r.Name
		if name == "" {
			name = unknownField
		}
		fmt.Fprintf(&b, "| %s | %s | %s |\n", r.InstanceID, name, renew)
	}
	fmt.Fprintf(&b, "\n**Total:** %d instances", len(records))
	return b.String()
}

// signFeishu computes the webhook signature: HMAC-SHA256 keyed by
// "timestamp\nsecret" over an empty message, base64 encoded.
func signFeishu(timestamp int64, secret string) (string, error) {
	key := strconv.FormatInt(timestamp, 10) + "\n" + secret
	h := hmac.New(sha256.New, []byte(key))
	if _, err := h.Write(nil); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

type feishuResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (f *Feishu) post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode feishu message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build feishu request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("send feishu message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read feishu response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("feishu webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out feishuResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("decode feishu response: %w", err)
		}
	}
	if out.Code != 0 {
		return fmt.Errorf("feishu webhook rejected message: code %d: %s", out.Code, out.Msg)
	}
	return nil
}
