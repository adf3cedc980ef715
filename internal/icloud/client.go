package icloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Retry and backoff constants.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25

	// maxErrorBody caps how much of an error response is kept in APIError.
	maxErrorBody = 4096
)

// Default endpoints. Tests point these at httptest servers.
const (
	DefaultAuthURL  = "https://idmsa.apple.com/appleauth/auth"
	DefaultSetupURL = "https://setup.icloud.com/setup/ws/1"

	homeOrigin        = "https://www.icloud.com"
	clientBuildNumber = "2410Project35"
	defaultUserAgent  = "icloud-backup/0.1"
)

// CodePrompter supplies a two-factor verification code.
type CodePrompter interface {
	PromptCode(ctx context.Context) (string, error)
}

// Options configures a Client.
type Options struct {
	Username string
	Password string

	// SessionPath is the session file. Empty keeps the session in memory.
	SessionPath string

	// Prompter is asked for a two-factor code. Nil makes sign-ins that
	// need one fail with ErrMFARequired.
	Prompter CodePrompter

	HTTPClient *http.Client
	Logger     *slog.Logger
	UserAgent  string

	AuthURL  string
	SetupURL string
}

// Client talks to the iCloud web services. It implements the drive, photo
// library and authenticator interfaces consumed by the sync engine. All
// methods are safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	sess       *session

	username  string
	password  string
	prompter  CodePrompter
	userAgent string

	authURL  string
	setupURL string

	// sleepFunc is called to wait between retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client, loading any saved session from
// opts.SessionPath.
func NewClient(opts Options) (*Client, error) {
	sess, err := loadSession(opts.SessionPath)
	if err != nil {
		return nil, err
	}

	c := &Client{
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		sess:       sess,
		username:   opts.Username,
		password:   opts.Password,
		prompter:   opts.Prompter,
		userAgent:  opts.UserAgent,
		authURL:    opts.AuthURL,
		setupURL:   opts.SetupURL,
		sleepFunc:  timeSleep,
	}

	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}

	if c.authURL == "" {
		c.authURL = DefaultAuthURL
	}

	if c.setupURL == "" {
		c.setupURL = DefaultSetupURL
	}

	return c, nil
}

// do executes a request with retry. body is resent on every attempt.
// The caller closes the response body on success.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, hdr http.Header) (*http.Response, error) {
	var attempt int

	for {
		resp, err := c.doOnce(ctx, method, rawURL, body, hdr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("icloud: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("url", redactURL(rawURL)),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("icloud: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("icloud: %s %s failed after %d retries: %w",
				method, redactURL(rawURL), maxRetries, err)
		}

		c.sess.capture(resp)

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("url", redactURL(rawURL)),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("url", redactURL(rawURL)),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("icloud: request canceled: %w", err)
			}

			attempt++

			continue
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("url", redactURL(rawURL)),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(
	ctx context.Context, method, rawURL string, body []byte, hdr http.Header,
) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Origin", homeOrigin)
	req.Header.Set("Referer", homeOrigin+"/")
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for k, vs := range hdr {
		req.Header[k] = vs
	}

	c.sess.applyCookies(req)

	return c.httpClient.Do(req)
}

// doJSON sends in (when non-nil) as JSON and decodes the response into out
// (when non-nil).
func (c *Client) doJSON(
	ctx context.Context, method, rawURL string, in, out any, hdr http.Header,
) error {
	var body []byte

	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("icloud: encoding request: %w", err)
		}

		body = b
	}

	resp, err := c.do(ctx, method, rawURL, body, hdr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("icloud: decoding %s response: %w", redactURL(rawURL), err)
	}

	return nil
}

// openStream issues a GET and returns the response body for streaming.
func (c *Client) openStream(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, rawURL, nil, http.Header{"Accept": {"*/*"}})
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// serviceURL joins a webservice base URL, a path, and the standard client
// query parameters.
func (c *Client) serviceURL(base, path string, extra url.Values) string {
	q := url.Values{}
	q.Set("clientBuildNumber", clientBuildNumber)
	q.Set("clientId", c.sess.clientID())

	if dsid := c.sess.dsid(); dsid != "" {
		q.Set("dsid", dsid)
	}

	for k, vs := range extra {
		q[k] = vs
	}

	return base + path + "?" + q.Encode()
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 and 503 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// redactURL drops the query string, which carries signed download tokens.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "(invalid url)"
	}

	u.RawQuery = ""

	return u.String()
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
