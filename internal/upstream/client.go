// Package upstream is the HTTP client for the DigitalBillionaire admin
// payroll API. Settlement itself lives behind these endpoints; this
// service only coordinates calls against them.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/digitalbillionaire/payrollops/internal/models"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "payroll_upstream_request_duration_seconds",
	Help:    "Latency of calls to the upstream payroll API",
	Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"endpoint"})

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.Endpoint, e.Code)
}

type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// InprocessSession asks whether an unresolved payout session exists.
// A nil session means the coast is clear.
func (c *Client) InprocessSession(ctx context.Context) (*models.PayoutSession, error) {
	var env models.SessionEnvelope
	if err := c.get(ctx, "/api/Admin/GetInprocessPayments", nil, &env); err != nil {
		return nil, err
	}
	return env.Session, nil
}

func (c *Client) EnrollPreview(ctx context.Context) (*models.EnrollPreview, error) {
	var p models.EnrollPreview
	if err := c.get(ctx, "/api/Admin/ProcessingPreview", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) RolloutSummary(ctx context.Context) (*models.RolloutSummary, error) {
	var env models.RolloutSummaryEnvelope
	if err := c.get(ctx, "/api/Admin/get-full-payroll-preview", nil, &env); err != nil {
		return nil, err
	}
	if env.Summary == nil {
		return nil, fmt.Errorf("upstream payroll preview returned no summary")
	}
	return env.Summary, nil
}

func (c *Client) EnrollLedger(ctx context.Context, q models.LedgerQuery) (*models.EnrollLedgerPage, error) {
	var page models.EnrollLedgerPage
	if err := c.get(ctx, "/api/Admin/GetreferralAmount", queryValues(q), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) RolloutLedger(ctx context.Context, q models.LedgerQuery) (*models.RolloutLedgerPage, error) {
	var page models.RolloutLedgerPage
	if err := c.get(ctx, "/api/Admin/getuserpayrolllist", queryValues(q), &page); err != nil {
		return nil, err
	}
	if !page.Success {
		msg := page.Error
		if msg == "" {
			msg = "ledger fetch rejected"
		}
		return nil, fmt.Errorf("upstream payroll list: %s", msg)
	}
	return &page, nil
}

func (c *Client) RolloutStats(ctx context.Context) (*models.RolloutStats, error) {
	var stats models.RolloutStats
	if err := c.get(ctx, "/api/Admin/Get_Rollout_list", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// SendPayoutOTP triggers issuance and out-of-band delivery of a step-up
// code to the admin email. The code never transits through this service.
func (c *Client) SendPayoutOTP(ctx context.Context) (*models.Ack, error) {
	return c.postAck(ctx, "/api/v_1/users/PayoutSendOtp", nil, "")
}

// VerifyPayoutOTP submits exactly one verification attempt.
func (c *Client) VerifyPayoutOTP(ctx context.Context, code string) (*models.Ack, error) {
	return c.postAck(ctx, "/api/v_1/users/PayoutVerifyOtp", map[string]string{"otp": code}, "")
}

// CommitEnroll marks the week's referral earnings as processed. The
// idempotency key shields against duplicate settlement on retry.
func (c *Client) CommitEnroll(ctx context.Context, idempotencyKey string) (*models.Ack, error) {
	return c.postAck(ctx, "/api/Admin/Paymenttoprocess", nil, idempotencyKey)
}

// CommitRollout starts the payout batch for requested earnings.
func (c *Client) CommitRollout(ctx context.Context, idempotencyKey string) (*models.Ack, error) {
	return c.postAck(ctx, "/api/Admin/payout", nil, idempotencyKey)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out interface{}) error {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", endpoint, err)
	}
	return c.do(req, endpoint, out)
}

func (c *Client) postAck(ctx context.Context, endpoint string, body interface{}, idempotencyKey string) (*models.Ack, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encoding request for %s: %w", endpoint, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	var ack models.Ack
	if err := c.do(req, endpoint, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) do(req *http.Request, endpoint string, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	timer := prometheus.NewTimer(requestDuration.WithLabelValues(endpoint))
	resp, err := c.httpc.Do(req)
	timer.ObserveDuration()
	if err != nil {
		return fmt.Errorf("calling %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s response: %w", endpoint, err)
		}
	}
	return nil
}

func queryValues(q models.LedgerQuery) url.Values {
	q = q.Normalize()
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("limit", strconv.Itoa(q.Limit))
	v.Set("search", q.Search)
	return v
}
