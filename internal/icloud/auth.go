package icloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// widgetKey is the public client identifier of the iCloud web app.
const widgetKey = "d39ba9916b7251055b22c7f910e2ea796ee65e98b2ddecea8f5dde8d9d1a815d"

type signinRequest struct {
	AccountName string   `json:"accountName"`
	Password    string   `json:"password"`
	RememberMe  bool     `json:"rememberMe"`
	TrustTokens []string `json:"trustTokens"`
}

type securityCodeRequest struct {
	SecurityCode struct {
		Code string `json:"code"`
	} `json:"securityCode"`
}

type accountLoginRequest struct {
	AccountCountryCode string `json:"accountCountryCode"`
	DSWebAuthToken     string `json:"dsWebAuthToken"`
	ExtendedLogin      bool   `json:"extended_login"`
	TrustToken         string `json:"trustToken"`
}

type accountResponse struct {
	DSInfo struct {
		DSID     string `json:"dsid"`
		FullName string `json:"fullName"`
	} `json:"dsInfo"`
	Webservices map[string]struct {
		URL    string `json:"url"`
		Status string `json:"status"`
	} `json:"webservices"`
	HSAChallengeRequired bool `json:"hsaChallengeRequired"`
	HSATrustedBrowser    bool `json:"hsaTrustedBrowser"`
}

func (r *accountResponse) needsSecondFactor() bool {
	return r.HSAChallengeRequired && !r.HSATrustedBrowser
}

// Authenticate establishes a usable session. It tries, in order, the saved
// cookies (validate), the saved session token (accountLogin), and a full
// sign-in with the configured password, prompting for a two-factor code when
// Apple asks for one. The resulting session is persisted.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.sess.hasCookies() {
		acct, err := c.validate(ctx)
		if err == nil {
			return c.finishLogin(acct)
		}

		if ctx.Err() != nil {
			return fmt.Errorf("icloud: authenticating: %w", ctx.Err())
		}
	}

	if token, _, _ := c.sess.tokens(); token != "" {
		acct, err := c.accountLogin(ctx)
		if err == nil && !acct.needsSecondFactor() {
			return c.finishLogin(acct)
		}

		if ctx.Err() != nil {
			return fmt.Errorf("icloud: authenticating: %w", ctx.Err())
		}

		c.logger.Info("saved session rejected, signing in again")
	}

	return c.fullSignIn(ctx)
}

// Reauthenticate renews a session that a service endpoint rejected. The
// setup service can still accept the cookies at that point, so validate is
// skipped: the saved session token is exchanged again, falling back to a
// full sign-in.
func (c *Client) Reauthenticate(ctx context.Context) error {
	if token, _, _ := c.sess.tokens(); token != "" {
		acct, err := c.accountLogin(ctx)
		if err == nil && !acct.needsSecondFactor() {
			return c.finishLogin(acct)
		}

		if ctx.Err() != nil {
			return fmt.Errorf("icloud: re-authenticating: %w", ctx.Err())
		}

		c.logger.Info("session token rejected, signing in again")
	}

	return c.fullSignIn(ctx)
}

// fullSignIn signs in with the password, handles a second factor and
// exchanges the new session token for the account.
func (c *Client) fullSignIn(ctx context.Context) error {
	if err := c.signIn(ctx); err != nil {
		return err
	}

	acct, err := c.accountLogin(ctx)
	if err != nil {
		return authFailure("account login", err)
	}

	if acct.needsSecondFactor() {
		if err := c.verifySecondFactor(ctx); err != nil {
			return err
		}

		if acct, err = c.accountLogin(ctx); err != nil {
			return authFailure("account login", err)
		}
	}

	return c.finishLogin(acct)
}

// Account returns the signed-in identity. Empty before Authenticate.
func (c *Client) Account() Account {
	return c.sess.account()
}

// Logout ends the web session and deletes the session file.
func (c *Client) Logout(ctx context.Context) error {
	in := map[string]bool{"trustBrowsers": false, "allBrowsers": false}
	if err := c.doJSON(ctx, http.MethodPost, c.serviceURL(c.setupURL, "/logout", nil), in, nil, nil); err != nil {
		c.logger.Warn("remote logout failed", slog.String("error", err.Error()))
	}

	c.sess.reset()

	if c.sess.path == "" {
		return nil
	}

	return removeSession(c.sess.path)
}

func (c *Client) finishLogin(acct *accountResponse) error {
	services := make(map[string]string, len(acct.Webservices))
	for name, ws := range acct.Webservices {
		if ws.URL != "" {
			services[name] = strings.TrimSuffix(ws.URL, "/")
		}
	}

	c.sess.setAccount(Account{DSID: acct.DSInfo.DSID, FullName: acct.DSInfo.FullName}, services)

	if err := c.sess.save(); err != nil {
		c.logger.Warn("could not save session", slog.String("error", err.Error()))
	}

	c.logger.Debug("authenticated", slog.String("dsid", acct.DSInfo.DSID))

	return nil
}

// validate checks whether the stored cookies still carry a live session.
func (c *Client) validate(ctx context.Context) (*accountResponse, error) {
	var acct accountResponse
	if err := c.doJSON(ctx, http.MethodPost, c.serviceURL(c.setupURL, "/validate", nil), nil, &acct, nil); err != nil {
		return nil, err
	}

	if acct.DSInfo.DSID == "" {
		return nil, ErrSessionExpired
	}

	return &acct, nil
}

func (c *Client) accountLogin(ctx context.Context) (*accountResponse, error) {
	token, trust, country := c.sess.tokens()
	in := accountLoginRequest{
		AccountCountryCode: country,
		DSWebAuthToken:     token,
		ExtendedLogin:      true,
		TrustToken:         trust,
	}

	var acct accountResponse
	if err := c.doJSON(ctx, http.MethodPost, c.serviceURL(c.setupURL, "/accountLogin", nil), in, &acct, nil); err != nil {
		return nil, err
	}

	return &acct, nil
}

func (c *Client) signIn(ctx context.Context) error {
	if c.username == "" || c.password == "" {
		return fmt.Errorf("%w: username and password required to sign in", ErrNotLoggedIn)
	}

	c.sess.reset()

	_, trust, _ := c.sess.tokens()
	in := signinRequest{
		AccountName: c.username,
		Password:    c.password,
		RememberMe:  true,
		TrustTokens: []string{},
	}

	if trust != "" {
		in.TrustTokens = append(in.TrustTokens, trust)
	}

	err := c.doJSON(ctx, http.MethodPost, c.authURL+"/signin?isRememberMeEnabled=true", in, nil, c.authHeaders())

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict):
		// Apple answers 409 when the account needs a second factor.
		return c.verifySecondFactor(ctx)
	default:
		return authFailure("sign-in", err)
	}
}

// verifySecondFactor submits a trusted-device code and trusts this client
// so later sign-ins skip the second factor.
func (c *Client) verifySecondFactor(ctx context.Context) error {
	if c.prompter == nil {
		return ErrMFARequired
	}

	code, err := c.prompter.PromptCode(ctx)
	if err != nil {
		return fmt.Errorf("icloud: reading verification code: %w", err)
	}

	var in securityCodeRequest
	in.SecurityCode.Code = strings.TrimSpace(code)

	if err := c.doJSON(ctx, http.MethodPost, c.authURL+"/verify/trusteddevice/securitycode",
		in, nil, c.authHeaders()); err != nil {
		return authFailure("verification code", err)
	}

	if err := c.doJSON(ctx, http.MethodGet, c.authURL+"/2sv/trust", nil, nil, c.authHeaders()); err != nil {
		return authFailure("trusting device", err)
	}

	c.logger.Info("device trusted")

	return nil
}

func (c *Client) authHeaders() http.Header {
	h := http.Header{}
	h.Set("X-Apple-OAuth-Client-Id", widgetKey)
	h.Set("X-Apple-OAuth-Client-Type", "firstPartyAuth")
	h.Set("X-Apple-OAuth-Redirect-URI", homeOrigin)
	h.Set("X-Apple-OAuth-Require-Grant-Code", "true")
	h.Set("X-Apple-OAuth-Response-Mode", "web_message")
	h.Set("X-Apple-OAuth-Response-Type", "code")
	h.Set("X-Apple-OAuth-State", c.sess.clientID())
	h.Set("X-Apple-Widget-Key", widgetKey)
	c.sess.authHeaders(h)

	return h
}

// authFailure maps credential rejections to ErrAuthFailed and wraps
// anything else (network, server) with the step that failed.
func authFailure(step string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError &&
		apiErr.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s rejected (HTTP %d)", ErrAuthFailed, step, apiErr.StatusCode)
	}

	return fmt.Errorf("icloud: %s: %w", step, err)
}
