// Package gateway talks to the Paystack payment gateway: transaction lookup
// and webhook signature checks.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when the gateway could not be reached or
// rejected our credentials. Callers may retry later.
var ErrUnavailable = errors.New("payment gateway unavailable")

// StatusSuccess is the transaction status Paystack reports for a paid charge.
const StatusSuccess = "success"

// Verifier looks up a transaction by reference.
type Verifier interface {
	Verify(ctx context.Context, reference string) (*Verification, error)
}

// Verification is the decoded verify-by-reference response.
type Verification struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    Transaction     `json:"data"`
	Raw     json.RawMessage `json:"-"`
}

// Succeeded reports whether the call succeeded and the charge was paid.
func (v *Verification) Succeeded() bool {
	return v != nil && v.Status && v.Data.Succeeded()
}

// Transaction is a charge attempt as reported by the gateway.
type Transaction struct {
	ID              int64      `json:"id"`
	Reference       string     `json:"reference"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	GatewayResponse string     `json:"gateway_response,omitempty"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
	Channel         string     `json:"channel,omitempty"`
	Customer        Customer   `json:"customer"`
	Metadata        Metadata   `json:"metadata"`
}

// Succeeded reports whether the transaction status is "success".
func (t Transaction) Succeeded() bool {
	return t.Status == StatusSuccess
}

// MajorAmount converts the minor-unit amount (cents) to major units.
func (t Transaction) MajorAmount() decimal.Decimal {
	return decimal.New(t.Amount, -2)
}

// Customer is the payer as known to the gateway.
type Customer struct {
	ID           int64  `json:"id,omitempty"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	CustomerCode string `json:"customer_code,omitempty"`
}

// Metadata is the caller-supplied metadata echoed back by the gateway.
type Metadata struct {
	Reference     string `json:"reference,omitempty"`
	AppointmentID string `json:"appointment_id,omitempty"`
	PatientID     string `json:"patient_id,omitempty"`
}

// UnmarshalJSON accepts an object, a JSON-encoded object inside a string,
// an empty string or null. Paystack returns all of these in the wild.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == `""` || trimmed == "" {
		*m = Metadata{}
		return nil
	}

	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		if strings.TrimSpace(inner) == "" {
			*m = Metadata{}
			return nil
		}
		data = []byte(inner)
	}

	type plain Metadata
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		// metadata is informational; never fail the whole payload on it
		*m = Metadata{}
		return nil
	}
	*m = Metadata(out)
	return nil
}

// Client calls the Paystack REST API.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// Ensure Client implements Verifier
var _ Verifier = (*Client)(nil)

// NewClient creates a gateway client. A non-positive timeout falls back to 10s.
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Verify calls GET /transaction/verify/{reference}.
func (c *Client) Verify(ctx context.Context, reference string) (*Verification, error) {
	endpoint := c.baseURL + "/transaction/verify/" + url.PathEscape(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: gateway rejected credentials (status %d)", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: gateway returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var verification Verification
	if err := json.Unmarshal(body, &verification); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	verification.Raw = json.RawMessage(body)
	return &verification, nil
}
