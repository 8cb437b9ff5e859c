package azdo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultRetries      = 3
	defaultBackoff      = 250 * time.Millisecond
	maxErrorBodyBytes   = 2048
	sessionHeader       = "X-TFS-Session"
	outcomeOK           = "ok"
	outcomeUnauthorized = "unauthorized"
	outcomeRedirect     = "redirect"
	outcomeRemote       = "remote_error"
	outcomeTransport    = "transport_error"
	outcomeDecode       = "decode_error"
)

// Observer receives per-request measurements. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveRequest(method, outcome string, elapsed time.Duration)
	ObserveRetry(method string)
}

// Options configures a Client.
type Options struct {
	UserAgent string
	// Timeout bounds every single attempt, including reading the body.
	Timeout time.Duration
	// Retries is the number of additional attempts made for transient failures.
	// Zero means the default of 3; use a negative value to disable retries.
	Retries int
	// Backoff is the base delay of the exponential retry backoff.
	Backoff   time.Duration
	Transport http.RoundTripper
	Observer  Observer
	Logger    *zerolog.Logger
}

// Client issues authenticated JSON calls against the provider, retrying transient
// failures and classifying everything else. It keeps no state between calls.
type Client struct {
	http      *http.Client
	userAgent string
	retries   uint64
	backoff   time.Duration
	observer  Observer
	logger    zerolog.Logger
	session   string
}

// NewClient builds a Client from opts with defaults applied.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	retries := uint64(defaultRetries)
	switch {
	case opts.Retries < 0:
		retries = 0
	case opts.Retries > 0:
		retries = uint64(opts.Retries)
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Client{
		http: &http.Client{
			Timeout:       opts.Timeout,
			Transport:     transport,
			CheckRedirect: stopAtRedirect,
		},
		userAgent: opts.UserAgent,
		retries:   retries,
		backoff:   opts.Backoff,
		observer:  opts.Observer,
		logger:    logger,
		session:   uuid.NewString(),
	}
}

// Get fetches url and decodes the JSON body into dest.
func (c *Client) Get(ctx context.Context, credential, url string, dest any) error {
	return c.do(ctx, http.MethodGet, credential, url, nil, dest)
}

// Post sends body as JSON and decodes the response into dest.
func (c *Client) Post(ctx context.Context, credential, url string, body, dest any) error {
	return c.do(ctx, http.MethodPost, credential, url, body, dest)
}

// Patch sends body as JSON and decodes the response into dest.
func (c *Client) Patch(ctx context.Context, credential, url string, body, dest any) error {
	return c.do(ctx, http.MethodPatch, credential, url, body, dest)
}

func (c *Client) do(ctx context.Context, method, credential, url string, body, dest any) error {
	if c == nil {
		return errors.New("nil client")
	}
	if strings.TrimSpace(credential) == "" {
		return ErrNoCredential
	}

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = data
	}

	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoff))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 && c.observer != nil {
			c.observer.ObserveRetry(method)
		}
		start := time.Now()
		err := c.attempt(ctx, method, credential, url, payload, dest)
		if c.observer != nil {
			c.observer.ObserveRequest(method, outcome(err), time.Since(start))
		}
		if err != nil && retryable(method, err) {
			c.logger.Debug().Err(err).Str("method", method).Int("attempt", attempt).Msg("transient failure")
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) attempt(ctx context.Context, method, credential, url string, payload []byte, dest any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", basicAuth(credential))
	req.Header.Set(sessionHeader, c.session)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &TransportError{Op: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		location := resp.Header.Get("Location")
		if loc, err := resp.Location(); err == nil {
			location = loc.String()
		}
		return &AuthRedirectError{URL: url, Location: location}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &RemoteError{Status: resp.StatusCode, Message: errorMessage(data)}
	}

	if dest == nil {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			return &TransportError{Op: method, URL: url, Err: err}
		}
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.EOF) {
			return &DecodeError{URL: url, Err: err}
		}
		return &TransportError{Op: method, URL: url, Err: err}
	}
	return nil
}

// stopAtRedirect hands the first 3xx back to the caller. The provider only
// redirects API calls to its sign-in page.
func stopAtRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// retryable mirrors the usual idempotency rule: network failures are retried for any
// method, 5xx responses only for GET.
func retryable(method string, err error) bool {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Transient() && method == http.MethodGet
	}
	return false
}

func outcome(err error) string {
	if err == nil {
		return outcomeOK
	}
	var (
		redirectErr  *AuthRedirectError
		remoteErr    *RemoteError
		decodeErr    *DecodeError
		transportErr *TransportError
	)
	switch {
	case errors.Is(err, ErrUnauthorized):
		return outcomeUnauthorized
	case errors.As(err, &redirectErr):
		return outcomeRedirect
	case errors.As(err, &remoteErr):
		return outcomeRemote
	case errors.As(err, &decodeErr):
		return outcomeDecode
	case errors.As(err, &transportErr):
		return outcomeTransport
	default:
		return outcomeTransport
	}
}

func basicAuth(credential string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+credential))
}

// errorMessage prefers the provider's {"message": "..."} payload over raw text.
func errorMessage(data []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(data))
}
