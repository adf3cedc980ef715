package icloud

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/icloud-backup/internal/sessionfile"
)

// Apple ID response headers captured into the session.
const (
	headerSessionToken   = "X-Apple-Session-Token"
	headerSessionID      = "X-Apple-ID-Session-Id"
	headerScnt           = "scnt"
	headerTrustToken     = "X-Apple-TwoSV-Trust-Token"
	headerAccountCountry = "X-Apple-ID-Account-Country"
)

// session is the mutable authentication state shared by all requests.
// It is persisted through sessionfile after every successful login.
type session struct {
	mu    sync.Mutex
	path  string
	state sessionfile.State
	now   func() time.Time
}

// loadSession reads the session file at path, or starts a fresh session
// with a new client ID if none exists. An empty path keeps the session in
// memory only.
func loadSession(path string) (*session, error) {
	s := &session{path: path, now: time.Now}

	if path != "" {
		st, err := sessionfile.Load(path)
		if err != nil {
			return nil, err
		}

		if st != nil {
			s.state = *st
		}
	}

	if s.state.ClientID == "" {
		s.state.ClientID = "auth-" + uuid.NewString()
	}

	if s.state.Webservices == nil {
		s.state.Webservices = make(map[string]string)
	}

	return s, nil
}

func (s *session) clientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.ClientID
}

func (s *session) dsid() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.DSID
}

func (s *session) snapshot() sessionfile.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	st.Cookies = append([]sessionfile.Cookie(nil), s.state.Cookies...)

	return st
}

// webservice returns the base URL of a named iCloud webservice.
func (s *session) webservice(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.state.Webservices[name]
	if !ok || u == "" {
		return "", fmt.Errorf("%w: %s", ErrNoWebservice, name)
	}

	return u, nil
}

// applyCookies attaches every unexpired stored cookie matching the request
// host.
func (s *session) applyCookies(req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	host := req.URL.Hostname()

	for i := range s.state.Cookies {
		c := &s.state.Cookies[i]
		if c.Expired(now) || !domainMatch(host, c.Domain) {
			continue
		}

		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}

// authHeaders adds the Apple ID headers that continue a sign-in flow.
func (s *session) authHeaders(h http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.SessionID != "" {
		h.Set(headerSessionID, s.state.SessionID)
	}

	if s.state.Scnt != "" {
		h.Set(headerScnt, s.state.Scnt)
	}
}

// tokens returns the session token, trust token and account country used
// by accountLogin.
func (s *session) tokens() (sessionToken, trustToken, country string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.SessionToken, s.state.TrustToken, s.state.AccountCountry
}

func (s *session) hasCookies() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.state.Cookies) > 0
}

func (s *session) account() Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Account{DSID: s.state.DSID, FullName: s.state.FullName}
}

// capture records cookies and Apple ID headers from a response.
func (s *session) capture(resp *http.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := resp.Header
	setIf := func(dst *string, name string) {
		if v := h.Get(name); v != "" {
			*dst = v
		}
	}

	setIf(&s.state.SessionToken, headerSessionToken)
	setIf(&s.state.SessionID, headerSessionID)
	setIf(&s.state.Scnt, headerScnt)
	setIf(&s.state.TrustToken, headerTrustToken)
	setIf(&s.state.AccountCountry, headerAccountCountry)

	for _, hc := range resp.Cookies() {
		s.storeCookie(hc, resp.Request)
	}
}

func (s *session) storeCookie(hc *http.Cookie, req *http.Request) {
	domain := hc.Domain
	if domain == "" && req != nil {
		domain = req.URL.Hostname()
	}

	c := sessionfile.Cookie{Name: hc.Name, Value: hc.Value, Domain: domain, Path: hc.Path}

	switch {
	case hc.MaxAge < 0:
		c.Expires = s.now().Add(-time.Second)
	case hc.MaxAge > 0:
		c.Expires = s.now().Add(time.Duration(hc.MaxAge) * time.Second)
	case !hc.Expires.IsZero():
		c.Expires = hc.Expires.UTC()
	}

	for i := range s.state.Cookies {
		old := &s.state.Cookies[i]
		if old.Name == c.Name && strings.EqualFold(old.Domain, c.Domain) {
			*old = c
			return
		}
	}

	s.state.Cookies = append(s.state.Cookies, c)
}

// setAccount stores the identity and webservice URLs from accountLogin.
func (s *session) setAccount(acct Account, services map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.DSID = acct.DSID
	s.state.FullName = acct.FullName

	if len(services) > 0 {
		s.state.Webservices = services
	}
}

// reset drops all authentication material but keeps the client ID and the
// trust token, so the device stays trusted across a fresh sign-in.
func (s *session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = sessionfile.State{
		ClientID:       s.state.ClientID,
		TrustToken:     s.state.TrustToken,
		AccountCountry: s.state.AccountCountry,
		Webservices:    make(map[string]string),
	}
}

// save persists the session when a path is configured.
func (s *session) save() error {
	if s.path == "" {
		return nil
	}

	st := s.snapshot()

	return sessionfile.Save(s.path, &st)
}

// domainMatch implements RFC 6265 domain matching for stored cookies.
func domainMatch(host, domain string) bool {
	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	host = strings.ToLower(host)

	if domain == "" || host == domain {
		return true
	}

	return strings.HasSuffix(host, "."+domain)
}

func removeSession(path string) error {
	return sessionfile.Remove(path)
}
