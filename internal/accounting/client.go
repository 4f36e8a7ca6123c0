package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/vipul43/ledgersync/internal/service"
)

const userAgent = "ledgersync/1.0"

type Options struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Logger       *zap.Logger
}

// Client talks to the remote accounting platform. It implements
// service.AccountingClient.
type Client struct {
	baseURL    string
	oauth      *oauth2.Config
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  opts.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
	}
}

// RefreshAccessToken exchanges a refresh token for a new access token. A
// rejected refresh token is reported as service.ErrRefreshTokenRevoked.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*service.TokenRefreshResult, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tokenSource := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	newToken, err := tokenSource.Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}

	result := &service.TokenRefreshResult{
		AccessToken:  newToken.AccessToken,
		ExpiresAt:    newToken.Expiry,
		RefreshToken: refreshToken,
	}
	// Check if refresh token was rotated
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		result.RefreshToken = newToken.RefreshToken
	}

	c.logger.Info("access token refreshed",
		zap.Time("expires_at", result.ExpiresAt),
		zap.Bool("rotated", result.RefreshToken != refreshToken))
	return result, nil
}

func classifyRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		switch {
		case retrieveErr.ErrorCode == "invalid_grant", strings.Contains(string(retrieveErr.Body), "invalid_grant"):
			return &service.SyncError{Kind: service.KindAuthExpired, Op: "refresh_token", StatusCode: status, Err: service.ErrRefreshTokenRevoked}
		case status == http.StatusTooManyRequests:
			return &service.SyncError{Kind: service.KindRateLimited, Op: "refresh_token", StatusCode: status, Err: err}
		case status >= 500:
			return &service.SyncError{Kind: service.KindTransientNetwork, Op: "refresh_token", StatusCode: status, Err: err}
		case status == http.StatusUnauthorized || status == http.StatusBadRequest:
			return &service.SyncError{Kind: service.KindAuthExpired, Op: "refresh_token", StatusCode: status, Err: err}
		}
	}
	return classifyTransportError("refresh_token", err)
}

// Contacts

func (c *Client) ListContacts(ctx context.Context, accessToken string, opts service.ListOptions) (*service.ContactPage, error) {
	var page service.ContactPage
	if err := c.do(ctx, "list_contacts", http.MethodGet, "/contacts", listQuery(opts), accessToken, "", nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) GetContact(ctx context.Context, accessToken string, remoteID string) (*service.RemoteContact, error) {
	var contact service.RemoteContact
	if err := c.do(ctx, "get_contact", http.MethodGet, "/contacts/"+url.PathEscape(remoteID), nil, accessToken, "", nil, &contact); err != nil {
		return nil, err
	}
	return &contact, nil
}

func (c *Client) CreateContact(ctx context.Context, accessToken string, contact service.RemoteContact, correlationID string) (*service.RemoteContact, error) {
	var created service.RemoteContact
	if err := c.do(ctx, "create_contact", http.MethodPost, "/contacts", nil, accessToken, correlationID, contact, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) UpdateContact(ctx context.Context, accessToken string, contact service.RemoteContact, correlationID string) (*service.RemoteContact, error) {
	var updated service.RemoteContact
	if err := c.do(ctx, "update_contact", http.MethodPut, "/contacts/"+url.PathEscape(contact.ID), nil, accessToken, correlationID, contact, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Invoices

func (c *Client) ListInvoices(ctx context.Context, accessToken string, opts service.ListOptions) (*service.InvoicePage, error) {
	var page service.InvoicePage
	if err := c.do(ctx, "list_invoices", http.MethodGet, "/invoices", listQuery(opts), accessToken, "", nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) GetInvoice(ctx context.Context, accessToken string, remoteID string) (*service.RemoteInvoice, error) {
	var invoice service.RemoteInvoice
	if err := c.do(ctx, "get_invoice", http.MethodGet, "/invoices/"+url.PathEscape(remoteID), nil, accessToken, "", nil, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (c *Client) CreateInvoice(ctx context.Context, accessToken string, invoice service.RemoteInvoice, correlationID string) (*service.RemoteInvoice, error) {
	var created service.RemoteInvoice
	if err := c.do(ctx, "create_invoice", http.MethodPost, "/invoices", nil, accessToken, correlationID, invoice, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) UpdateInvoice(ctx context.Context, accessToken string, invoice service.RemoteInvoice, correlationID string) (*service.RemoteInvoice, error) {
	var updated service.RemoteInvoice
	if err := c.do(ctx, "update_invoice", http.MethodPut, "/invoices/"+url.PathEscape(invoice.ID), nil, accessToken, correlationID, invoice, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Payments

func (c *Client) ListPayments(ctx context.Context, accessToken string, opts service.ListOptions) (*service.PaymentPage, error) {
	var page service.PaymentPage
	if err := c.do(ctx, "list_payments", http.MethodGet, "/payments", listQuery(opts), accessToken, "", nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) GetPayment(ctx context.Context, accessToken string, remoteID string) (*service.RemotePayment, error) {
	var payment service.RemotePayment
	if err := c.do(ctx, "get_payment", http.MethodGet, "/payments/"+url.PathEscape(remoteID), nil, accessToken, "", nil, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (c *Client) CreatePayment(ctx context.Context, accessToken string, payment service.RemotePayment, correlationID string) (*service.RemotePayment, error) {
	var created service.RemotePayment
	if err := c.do(ctx, "create_payment", http.MethodPost, "/payments", nil, accessToken, correlationID, payment, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) UpdatePayment(ctx context.Context, accessToken string, payment service.RemotePayment, correlationID string) (*service.RemotePayment, error) {
	var updated service.RemotePayment
	if err := c.do(ctx, "update_payment", http.MethodPut, "/payments/"+url.PathEscape(payment.ID), nil, accessToken, correlationID, payment, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func listQuery(opts service.ListOptions) url.Values {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(opts.PageSize))
	}
	if opts.ModifiedSince != nil {
		q.Set("modifiedSince", opts.ModifiedSince.UTC().Format(time.RFC3339))
	}
	if opts.IncludeArchived {
		q.Set("includeArchived", "true")
	}
	return q
}

// do sends one API request, retrying throttled, 5xx and network failures
// with exponential backoff. Writes are retried with the same idempotency
// key, so the platform de-duplicates them.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, accessToken, correlationID string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return service.NewSyncError(service.KindInternal, op, fmt.Errorf("failed to marshal request: %w", err))
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return service.NewSyncError(service.KindInternal, op, fmt.Errorf("failed to create request: %w", err))
		}
		(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}).SetAuthHeader(req)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if correlationID != "" {
			req.Header.Set("Idempotency-Key", correlationID)
			req.Header.Set("X-Correlation-Id", correlationID)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			syncErr := classifyTransportError(op, err)
			if c.shouldRetry(ctx, op, attempt, syncErr) {
				continue
			}
			return syncErr
		}

		if err := googleapi.CheckResponse(resp); err != nil {
			googleapi.CloseBody(resp)
			syncErr := classifyResponseError(op, err)
			if c.shouldRetry(ctx, op, attempt, syncErr) {
				continue
			}
			return syncErr
		}

		if out == nil {
			googleapi.CloseBody(resp)
			return nil
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		googleapi.CloseBody(resp)
		if err != nil {
			return service.NewSyncError(service.KindInternal, op, fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}
}

// shouldRetry sleeps before the next attempt and reports whether there is
// one.
func (c *Client) shouldRetry(ctx context.Context, op string, attempt int, err *service.SyncError) bool {
	if !err.Kind.Retryable() || attempt >= c.maxRetries {
		return false
	}
	delay := c.retryDelay(attempt+1, err.RetryAfter)
	c.logger.Warn("remote call failed, retrying",
		zap.String("op", op),
		zap.Int("attempt", attempt+1),
		zap.Int("status", err.StatusCode),
		zap.String("error_kind", string(err.Kind)),
		zap.Duration("delay", delay))
	return sleepContext(ctx, delay) == nil
}

func (c *Client) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func classifyResponseError(op string, err error) *service.SyncError {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return service.NewSyncError(service.KindInternal, op, err)
	}

	syncErr := &service.SyncError{Op: op, StatusCode: apiErr.Code, Err: remoteMessage(apiErr)}
	switch {
	case apiErr.Code == http.StatusUnauthorized:
		syncErr.Kind = service.KindAuthExpired
	case apiErr.Code == http.StatusTooManyRequests:
		syncErr.Kind = service.KindRateLimited
		syncErr.RetryAfter = parseRetryAfter(apiErr.Header.Get("Retry-After"))
	case apiErr.Code == http.StatusNotFound:
		syncErr.Kind = service.KindNotFound
	case apiErr.Code == http.StatusConflict:
		syncErr.Kind = service.KindConflict
	case apiErr.Code == http.StatusRequestTimeout || apiErr.Code >= 500:
		syncErr.Kind = service.KindTransientNetwork
		syncErr.RetryAfter = parseRetryAfter(apiErr.Header.Get("Retry-After"))
	case apiErr.Code >= 400:
		syncErr.Kind = service.KindValidation
	default:
		syncErr.Kind = service.KindInternal
	}
	return syncErr
}

// remoteMessage prefers the platform's own message over the raw body.
func remoteMessage(apiErr *googleapi.Error) error {
	var parsed struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal([]byte(apiErr.Body), &parsed) == nil {
		if msg := strings.TrimSpace(parsed.Message); msg != "" {
			return errors.New(msg)
		}
		if msg := strings.TrimSpace(parsed.Detail); msg != "" {
			return errors.New(msg)
		}
	}
	if body := strings.TrimSpace(apiErr.Body); body != "" {
		return errors.New(body)
	}
	return errors.New(http.StatusText(apiErr.Code))
}

func classifyTransportError(op string, err error) *service.SyncError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return service.NewSyncError(service.KindInternal, op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return service.NewSyncError(service.KindTransientNetwork, op, err)
	}
	return service.NewSyncError(service.KindOf(err), op, err)
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
