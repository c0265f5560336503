package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ticketbooth/api/internal/platform/config"
	"github.com/ticketbooth/api/internal/platform/observability"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultCurrency     = "BDT"
	maxResponseBodySize = 64 << 10
)

var (
	// ErrGatewayRejected indicates the gateway answered but did not issue a payment URL.
	ErrGatewayRejected = errors.New("payments: gateway rejected session")
	// ErrGatewayUnavailable indicates the gateway could not be reached or the breaker is open.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
)

// SessionRequest carries the order details the hosted checkout needs.
type SessionRequest struct {
	OrderID       string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	Description   string
	Amount        decimal.Decimal
}

// Session is the hosted checkout the payer is redirected to.
type Session struct {
	URL string
}

// Observer receives the outcome and latency of each gateway call.
type Observer func(outcome string, elapsed time.Duration)

// Logger mirrors the service logger hook.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Option customises Client construction.
type Option func(*Client)

// WithHTTPClient overrides the transport used for gateway calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithObserver registers a latency observer.
func WithObserver(observer Observer) Option {
	return func(c *Client) {
		if observer != nil {
			c.observe = observer
		}
	}
}

// WithLogger registers a structured logger hook.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBreakerSettings overrides the circuit breaker policy.
func WithBreakerSettings(settings gobreaker.Settings) Option {
	return func(c *Client) {
		c.breakerSettings = &settings
	}
}

// Client creates hosted checkout sessions with a single signed JSON POST.
type Client struct {
	http            *http.Client
	endpoint        string
	storeID         string
	signatureKey    string
	currency        string
	successURL      string
	failURL         string
	cancelURL       string
	breaker         *gobreaker.CircuitBreaker[Session]
	breakerSettings *gobreaker.Settings
	observe         Observer
	logger          Logger
}

// NewClient validates the gateway configuration and builds a Client.
func NewClient(cfg config.PaymentConfig, opts ...Option) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.APIURL)
	if endpoint == "" {
		return nil, errors.New("payments: api url is required")
	}
	storeID := strings.TrimSpace(cfg.StoreID)
	if storeID == "" {
		return nil, errors.New("payments: store id is required")
	}
	successURL := strings.TrimSpace(cfg.SuccessURL)
	if successURL == "" {
		return nil, errors.New("payments: success url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	c := &Client{
		http:         &http.Client{Timeout: timeout},
		endpoint:     endpoint,
		storeID:      storeID,
		signatureKey: cfg.SignatureKey,
		currency:     currency,
		successURL:   successURL,
		failURL:      firstNonEmpty(cfg.FailURL, successURL),
		cancelURL:    firstNonEmpty(cfg.CancelURL, successURL),
		observe:      func(string, time.Duration) {},
		logger:       func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	settings := gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A rejected session is the gateway answering; only transport failures trip the breaker.
			return err == nil || errors.Is(err, ErrGatewayRejected)
		},
	}
	if c.breakerSettings != nil {
		settings = *c.breakerSettings
	}
	logger := c.logger
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		logger(context.Background(), "payments.breaker.state", map[string]any{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		})
	}
	c.breaker = gobreaker.NewCircuitBreaker[Session](settings)
	return c, nil
}

type sessionPayload struct {
	StoreID      string `json:"store_id"`
	TranID       string `json:"tran_id"`
	SuccessURL   string `json:"success_url"`
	FailURL      string `json:"fail_url"`
	CancelURL    string `json:"cancel_url"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	SignatureKey string `json:"signature_key"`
	Desc         string `json:"desc"`
	CusName      string `json:"cus_name"`
	CusEmail     string `json:"cus_email"`
	CusPhone     string `json:"cus_phone"`
	Type         string `json:"type"`
}

type sessionResponse struct {
	Result     json.RawMessage `json:"result"`
	PaymentURL string          `json:"payment_url"`
}

// CreateSession asks the gateway for a hosted checkout URL for the order.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if c == nil {
		return Session{}, errors.New("payments: client is nil")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return Session{}, errors.New("payments: order id is required")
	}
	if req.Amount.Sign() <= 0 {
		return Session{}, fmt.Errorf("payments: amount must be positive, got %s", req.Amount.String())
	}

	ctx, span := observability.StartSpan(ctx, "payments.create_session",
		attribute.String("order.id", orderID),
		attribute.String("payment.currency", c.currency),
	)
	defer span.End()

	start := time.Now()
	session, err := c.breaker.Execute(func() (Session, error) {
		return c.post(ctx, orderID, req)
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		c.observe("success", elapsed)
		return session, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		err = fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		c.observe("open", elapsed)
	case errors.Is(err, ErrGatewayRejected):
		c.observe("rejected", elapsed)
	default:
		c.observe("error", elapsed)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "create session failed")
	c.logger(ctx, "payments.session.failed", map[string]any{
		"orderId": orderID,
		"error":   err,
	})
	return Session{}, err
}

func (c *Client) post(ctx context.Context, orderID string, req SessionRequest) (Session, error) {
	payload := sessionPayload{
		StoreID:      c.storeID,
		TranID:       orderID,
		SuccessURL:   c.successURL,
		FailURL:      c.failURL,
		CancelURL:    c.cancelURL,
		Amount:       req.Amount.StringFixed(2),
		Currency:     c.currency,
		SignatureKey: c.signatureKey,
		Desc:         firstNonEmpty(req.Description, "Ticket purchase "+orderID),
		CusName:      req.CustomerName,
		CusEmail:     req.CustomerEmail,
		CusPhone:     req.CustomerPhone,
		Type:         "json",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Session{}, fmt.Errorf("payments: encode session: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("payments: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return Session{}, fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return Session{}, fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var decoded sessionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Session{}, fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, truncate(string(raw), 200))
	}
	url := strings.TrimSpace(decoded.PaymentURL)
	if resp.StatusCode >= http.StatusBadRequest || url == "" {
		return Session{}, fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, truncate(string(raw), 200))
	}
	return Session{URL: url}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
