package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://api.textmebot.com"

// maxBodyBytes bounds how much of a provider response is kept for diagnostics.
const maxBodyBytes = 4 << 10

// TextMeBot talks to the textmebot HTTP API.
type TextMeBot struct {
	BaseURL    string
	HTTPClient *http.Client

	mu      sync.RWMutex
	limiter *rate.Limiter
}

// NewTextMeBot creates a client. ratePerSec <= 0 disables the client-side floor.
func NewTextMeBot(baseURL string, timeout time.Duration, ratePerSec float64) *TextMeBot {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &TextMeBot{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
	c.SetRate(ratePerSec)
	return c
}

// SetRate replaces the request floor. It is safe to call while requests are
// in flight (config reload).
func (c *TextMeBot) SetRate(perSec float64) {
	var lim *rate.Limiter
	if perSec > 0 {
		lim = rate.NewLimiter(rate.Limit(perSec), 1)
	}
	c.mu.Lock()
	c.limiter = lim
	c.mu.Unlock()
}

func (c *TextMeBot) wait(ctx context.Context) error {
	c.mu.RLock()
	lim := c.limiter
	c.mu.RUnlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

func (c *TextMeBot) Send(ctx context.Context, d Delivery) (SendResult, error) {
	if err := c.wait(ctx); err != nil {
		return SendResult{}, fmt.Errorf("rate wait: %w", err)
	}

	q := url.Values{}
	q.Set("recipient", d.Recipient)
	q.Set("apikey", d.Credential)
	q.Set("text", d.Message)
	if strings.TrimSpace(d.Attachment) != "" {
		q.Set("file", d.Attachment)
	}

	resp, err := c.get(ctx, "/send.php", q)
	if err != nil {
		if ctx.Err() != nil {
			return SendResult{}, ctx.Err()
		}
		if isTimeout(err) {
			return SendResult{OK: false, Detail: err.Error()}, nil
		}
		if isDialError(err) {
			return SendResult{}, fmt.Errorf("send request: %w", err)
		}
		return SendResult{OK: false, Detail: err.Error()}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	return SendResult{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Detail:     strings.TrimSpace(string(body)),
	}, nil
}

type connectResponse struct {
	Status string `json:"status"`
}

func (c *TextMeBot) ProbeHealth(ctx context.Context, credential string) (HealthStatus, error) {
	q := url.Values{}
	q.Set("apikey", credential)
	q.Set("json", "yes")

	resp, err := c.get(ctx, "/connect.php", q)
	if err != nil {
		return HealthUnknown, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HealthUnknown, &StatusError{Code: resp.StatusCode}
	}

	var cr connectResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&cr); err != nil {
		return HealthUnknown, fmt.Errorf("decode status: %w", err)
	}
	if strings.EqualFold(strings.TrimSpace(cr.Status), "banned") {
		return HealthBlocked, nil
	}
	return HealthOK, nil
}

func (c *TextMeBot) get(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return hc.Do(req)
}

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("status %d", e.Code) }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isDialError(err error) bool {
	var oe *net.OpError
	return errors.As(err, &oe) && oe.Op == "dial"
}
