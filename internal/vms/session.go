package vms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dj-oyu/parkwatch/internal/logger"
)

// DefaultExpirySkew renews tokens slightly before they expire.
const DefaultExpirySkew = 30 * time.Second

// Session holds the bearer token for one VMS account. Token refreshes it on
// demand; it is safe for concurrent use.
type Session struct {
	baseURL  string
	login    string
	password string
	http     *http.Client
	cache    CredentialCache

	mu     sync.Mutex
	token  string
	expiry time.Time // zero when the token carries no exp claim
	loaded bool

	skew time.Duration
	now  func() time.Time
	log  *logger.ModuleLogger
}

// NewSession prepares a session; no request is made until Token is called.
// cache may be nil.
func NewSession(baseURL, login, password string, httpClient *http.Client, cache CredentialCache) *Session {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Session{
		baseURL:  strings.TrimRight(baseURL, "/"),
		login:    login,
		password: password,
		http:     httpClient,
		cache:    cache,
		skew:     DefaultExpirySkew,
		now:      time.Now,
		log:      logger.For("VMS"),
	}
}

// Token returns a usable bearer token, logging in again if the current one
// is missing or expires within the skew.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		s.loaded = true
		s.adoptCached()
	}
	if s.usable() {
		return s.token, nil
	}
	return s.refresh(ctx)
}

// Invalidate drops the current token so the next Token call logs in again.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiry = time.Time{}
}

func (s *Session) usable() bool {
	if s.token == "" {
		return false
	}
	return s.expiry.IsZero() || s.now().Add(s.skew).Before(s.expiry)
}

func (s *Session) adoptCached() {
	if s.cache == nil {
		return
	}
	token, err := s.cache.Load()
	if err != nil {
		s.log.Warn("credential cache unreadable: %v", err)
		return
	}
	if token == "" {
		return
	}
	exp, err := tokenExpiry(token)
	if err != nil {
		s.log.Debug("cached token has no readable expiry: %v", err)
	}
	s.token, s.expiry = token, exp
}

func (s *Session) refresh(ctx context.Context) (string, error) {
	token, err := s.doLogin(ctx)
	if err != nil {
		return "", err
	}
	exp, err := tokenExpiry(token)
	if err != nil {
		s.log.Debug("token has no readable expiry: %v", err)
	}
	s.token, s.expiry = token, exp

	if s.cache != nil {
		if err := s.cache.Store(token); err != nil {
			s.log.Warn("credential cache write failed: %v", err)
		}
	}
	if exp.IsZero() {
		s.log.Info("logged in (token has no expiry)")
	} else {
		s.log.Info("logged in, token valid until %s", exp.Format(time.RFC3339))
	}
	return token, nil
}

type loginResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

func (s *Session) doLogin(ctx context.Context) (string, error) {
	form := url.Values{"login": {s.login}, "password": {s.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v2/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("login failed with status %d", resp.StatusCode)
	}
	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if body.Data.Token == "" {
		return "", errors.New("login response carried no token")
	}
	return body.Data.Token, nil
}

// tokenExpiry reads exp without verifying the signature; the VMS is the
// only party that can verify it. A token without exp, or one that is not a
// JWT, has a zero expiry and is used until the VMS rejects it.
func tokenExpiry(token string) (time.Time, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, err
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
