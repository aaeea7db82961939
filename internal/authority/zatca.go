package authority

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/config"
	"github.com/ledgerline/einvoicing/internal/shared/metrics"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

const (
	statusCleared  = "CLEARED"
	statusReported = "REPORTED"

	maxResponseBytes = 8 << 20
)

// Endpoints are the API paths appended to the base URL.
type Endpoints struct {
	ComplianceCSID     string
	ProductionCSID     string
	ComplianceInvoices string
	Clearance          string
	Reporting          string
}

// DefaultEndpoints returns the standard API paths.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		ComplianceCSID:     "/compliance-csid",
		ProductionCSID:     "/production-csid",
		ComplianceInvoices: "/compliance-invoices",
		Clearance:          "/invoices/clearance",
		Reporting:          "/invoices/reporting",
	}
}

// Client is the HTTP authority. Transport failures and 5xx responses are
// retried with exponential backoff; every other response is final.
type Client struct {
	baseURL        string
	endpoints      Endpoints
	httpClient     *http.Client
	limiter        *rate.Limiter
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	acceptVersion  string
	acceptLanguage string
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithEndpoints overrides the API paths.
func WithEndpoints(e Endpoints) Option {
	return func(cl *Client) {
		cl.endpoints = e
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// NewClient creates an HTTP authority client.
func NewClient(cfg config.AuthorityConfig, opts ...Option) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		endpoints:      DefaultEndpoints(),
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		limiter:        rate.NewLimiter(limit, burst),
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		acceptVersion:  cfg.AcceptVersion,
		acceptLanguage: cfg.AcceptLanguage,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// New selects the authority variant named by cfg.Kind.
func New(cfg config.AuthorityConfig, opts ...Option) (Authority, error) {
	switch cfg.Kind {
	case "zatca":
		return NewClient(cfg, opts...), nil
	case "none":
		n, err := NewNone("Ledgerline")
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	return nil, fmt.Errorf("unknown authority kind %q", cfg.Kind)
}

type csidResponse struct {
	RequestID           flexString `json:"requestID"`
	DispositionMessage  string     `json:"dispositionMessage"`
	BinarySecurityToken string     `json:"binarySecurityToken"`
	Secret              string     `json:"secret"`
	Errors              []Message  `json:"errors"`
}

type submitResponse struct {
	ValidationResults *struct {
		Status          string    `json:"status"`
		InfoMessages    []Message `json:"infoMessages"`
		WarningMessages []Message `json:"warningMessages"`
		ErrorMessages   []Message `json:"errorMessages"`
	} `json:"validationResults"`
	ClearanceStatus string `json:"clearanceStatus"`
	ReportingStatus string `json:"reportingStatus"`
	ClearedInvoice  string `json:"clearedInvoice"`
}

type submitRequest struct {
	InvoiceHash string `json:"invoiceHash"`
	UUID        string `json:"uuid"`
	Invoice     string `json:"invoice"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(strings.TrimSpace(string(b)))
	return nil
}

func (c *Client) IssueComplianceCSID(ctx context.Context, csrBase64, otp string) (*Issued, error) {
	body := map[string]string{"csr": csrBase64}
	return c.issue(ctx, "compliance_csid", c.endpoints.ComplianceCSID, body, func(r *http.Request) {
		r.Header.Set("OTP", otp)
	})
}

func (c *Client) IssueProductionCSID(ctx context.Context, complianceRequestID string, creds Credentials) (*Issued, error) {
	body := map[string]string{"compliance_request_id": complianceRequestID}
	return c.issue(ctx, "production_csid", c.endpoints.ProductionCSID, body, func(r *http.Request) {
		r.SetBasicAuth(creds.BinarySecurityToken, creds.Secret)
	})
}

func (c *Client) issue(ctx context.Context, name, path string, body any, decorate func(*http.Request)) (*Issued, error) {
	status, raw, err := c.do(ctx, name, path, body, decorate)
	if err != nil {
		return nil, err
	}

	var resp csidResponse
	decodeErr := json.Unmarshal(raw, &resp)
	if status != http.StatusOK || decodeErr != nil || resp.BinarySecurityToken == "" {
		rejected := &IssuanceRejectedError{HTTPStatus: status, Messages: resp.Errors, Body: raw}
		if decodeErr != nil {
			rejected.Messages = append(rejected.Messages, Message{Message: "unreadable response: " + decodeErr.Error()})
		}
		return nil, rejected
	}

	cert, err := DecodeCertificate(resp.BinarySecurityToken)
	if err != nil {
		return nil, &IssuanceRejectedError{
			HTTPStatus: status,
			Messages:   []Message{{Message: err.Error()}},
			Body:       raw,
		}
	}
	return &Issued{
		RequestID:   string(resp.RequestID),
		Disposition: resp.DispositionMessage,
		Credentials: Credentials{BinarySecurityToken: resp.BinarySecurityToken, Secret: resp.Secret},
		Certificate: cert,
		Body:        raw,
	}, nil
}

// Submit routes by stage and invoice type: compliance checks go to the
// compliance endpoint, production standard invoices to clearance, and
// production simplified invoices to reporting.
func (c *Client) Submit(ctx context.Context, sub Submission) (*Result, error) {
	name, path, clearance, err := c.route(sub)
	if err != nil {
		return nil, err
	}
	body := submitRequest{
		InvoiceHash: sub.Digest,
		UUID:        sub.UUID,
		Invoice:     base64.StdEncoding.EncodeToString(sub.Document),
	}
	status, raw, err := c.do(ctx, name, path, body, func(r *http.Request) {
		r.SetBasicAuth(sub.Credentials.BinarySecurityToken, sub.Credentials.Secret)
		if sub.Stage == types.StageProduction {
			r.Header.Set("Clearance-Status", clearance)
		}
	})
	if err != nil {
		return nil, err
	}
	return interpret(sub, status, raw)
}

func (c *Client) route(sub Submission) (name, path, clearance string, err error) {
	switch {
	case sub.Stage == types.StageCompliance:
		return "compliance_invoices", c.endpoints.ComplianceInvoices, "", nil
	case sub.Stage == types.StageProduction && sub.InvoiceType == invoice.InvoiceTypeStandard:
		return "clearance", c.endpoints.Clearance, "1", nil
	case sub.Stage == types.StageProduction && sub.InvoiceType == invoice.InvoiceTypeSimplified:
		return "reporting", c.endpoints.Reporting, "0", nil
	}
	return "", "", "", fmt.Errorf("no endpoint for stage %q and invoice type %q", sub.Stage, sub.InvoiceType)
}

// interpret classifies a final response. Only a 2xx response whose status
// field matches what the route requires is an acceptance.
func interpret(sub Submission, status int, raw []byte) (*Result, error) {
	var resp submitResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &InvoiceRejectedError{
			HTTPStatus: status,
			Messages:   []Message{{Message: "unreadable response: " + err.Error()}},
			Body:       raw,
		}
	}

	var warnings, errs []Message
	if v := resp.ValidationResults; v != nil {
		warnings, errs = v.WarningMessages, v.ErrorMessages
	}

	wantClearance := sub.InvoiceType == invoice.InvoiceTypeStandard
	got := resp.ReportingStatus
	want := statusReported
	if wantClearance {
		got, want = resp.ClearanceStatus, statusCleared
	}
	if status < 200 || status > 299 || !strings.EqualFold(got, want) {
		return nil, &InvoiceRejectedError{HTTPStatus: status, Status: got, Messages: errs, Body: raw}
	}

	result := &Result{HTTPStatus: status, Warnings: warnings, Body: raw}
	switch {
	case sub.Stage == types.StageCompliance:
		result.Status = invoice.StatusAccepted
	case wantClearance:
		result.Status = invoice.StatusCleared
		if resp.ClearedInvoice != "" {
			doc, err := base64.StdEncoding.DecodeString(resp.ClearedInvoice)
			if err != nil {
				return nil, &InvoiceRejectedError{
					HTTPStatus: status,
					Status:     got,
					Messages:   []Message{{Message: "cleared invoice is not base64: " + err.Error()}},
					Body:       raw,
				}
			}
			result.Document = doc
		}
	default:
		result.Status = invoice.StatusReported
	}
	return result, nil
}

// retryableStatus marks a response that should be retried like a transport failure.
type retryableStatus struct {
	status int
}

func (e *retryableStatus) Error() string {
	return fmt.Sprintf("authority returned http %d", e.status)
}

// do posts body as JSON and returns the final status and body. Anything the
// retry policy gives up on becomes an *UnreachableError.
func (c *Client) do(ctx context.Context, name, path string, body any, decorate func(*http.Request)) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal %s request: %w", name, err)
	}

	var (
		status   int
		raw      []byte
		attempts int
	)
	op := func() error {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.acceptVersion != "" {
			req.Header.Set("Accept-Version", c.acceptVersion)
		}
		if c.acceptLanguage != "" {
			req.Header.Set("Accept-Language", c.acceptLanguage)
		}
		decorate(req)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RecordAuthorityRequest(name, 0, time.Since(start))
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		metrics.RecordAuthorityRequest(name, resp.StatusCode, time.Since(start))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &retryableStatus{status: resp.StatusCode}
		}
		status, raw = resp.StatusCode, b
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("authority request failed, retrying",
			"endpoint", name,
			"attempt", attempts,
			"wait", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, c.policy(ctx), notify); err != nil {
		c.logger.Error("authority unreachable", "endpoint", name, "attempts", attempts, "error", err)
		return 0, nil, &UnreachableError{Endpoint: name, Attempts: attempts, Err: err}
	}
	c.logger.Debug("authority responded", "endpoint", name, "status", status, "attempts", attempts)
	return status, raw, nil
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.initialBackoff),
		backoff.WithMaxInterval(c.maxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
}
