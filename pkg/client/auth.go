package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// defaultTokenLifetime is assumed when an access token carries no readable expiry
const defaultTokenLifetime = time.Hour

// OAuthConfig configures the OAuth2 client-credentials grant
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// AuthConfig is what the cluster announces about its login flows at
// /authentication/configuration
type AuthConfig struct {
	LoginSupported        bool   `json:"loginSupported"`
	ExternalLoginRequired bool   `json:"externalLoginRequired"`
	LoginURI              string `json:"loginUri,omitempty"`
	LogoutURI             string `json:"logoutUri,omitempty"`
}

type authConfigEntity struct {
	AuthenticationConfiguration AuthConfig `json:"authenticationConfiguration"`
}

// tokenSource picks the credential flow from cfg. It returns nil when the
// cluster is reached anonymously. With both OAuth and a username configured
// the cluster's authentication configuration decides on first use.
func tokenSource(cfg Config, base *http.Client) (oauth2.TokenSource, error) {
	api := strings.TrimRight(cfg.BaseURL, "/")
	var oauth, password oauth2.TokenSource
	if cfg.OAuth != nil {
		if cfg.OAuth.TokenURL == "" || cfg.OAuth.ClientID == "" {
			return nil, fmt.Errorf("oauth client credentials need a token url and a client id")
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		oauth = cc.TokenSource(context.WithValue(context.Background(), oauth2.HTTPClient, base))
	}
	if cfg.Username != "" {
		password = &passwordSource{
			http:     base,
			url:      api + "/access/token",
			username: cfg.Username,
			password: cfg.Password,
		}
	}

	switch {
	case cfg.Token != "":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}), nil
	case oauth != nil && password != nil:
		return &discoverSource{
			http:     base,
			url:      api + "/authentication/configuration",
			oauth:    oauth,
			password: password,
		}, nil
	case oauth != nil:
		return oauth, nil
	case password != nil:
		return password, nil
	}
	return nil, nil
}

// session caches the token of the configured flow until it expires or the
// client logs out
type session struct {
	raw oauth2.TokenSource

	mu     sync.Mutex
	cached oauth2.TokenSource
	issued bool
}

func newSession(raw oauth2.TokenSource) *session {
	return &session{raw: raw, cached: oauth2.ReuseTokenSource(nil, raw)}
}

func (s *session) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	src := s.cached
	s.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.issued = true
	s.mu.Unlock()
	return tok, nil
}

// loggedIn reports whether a token was issued by a password login and is
// still cached
func (s *session) loggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.issued {
		return false
	}
	switch src := s.raw.(type) {
	case *passwordSource:
		return true
	case *discoverSource:
		return src.usesPassword()
	}
	return false
}

func (s *session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = oauth2.ReuseTokenSource(nil, s.raw)
	s.issued = false
}

// discoverSource asks the cluster whether it accepts username and password
// logins and uses the password flow if so, OAuth otherwise. A failed lookup
// is retried on the next token request.
type discoverSource struct {
	http     *http.Client
	url      string
	oauth    oauth2.TokenSource
	password oauth2.TokenSource

	mu     sync.Mutex
	chosen oauth2.TokenSource
}

func (s *discoverSource) Token() (*oauth2.Token, error) {
	src, err := s.source()
	if err != nil {
		return nil, err
	}
	return src.Token()
}

func (s *discoverSource) source() (oauth2.TokenSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chosen != nil {
		return s.chosen, nil
	}
	cfg, err := fetchAuthConfig(s.http, s.url)
	if err != nil {
		return nil, err
	}
	if cfg.LoginSupported {
		s.chosen = s.password
	} else {
		s.chosen = s.oauth
	}
	return s.chosen, nil
}

func (s *discoverSource) usesPassword() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chosen != nil && s.chosen == s.password
}

// fetchAuthConfig reads the authentication configuration without
// credentials
func fetchAuthConfig(hc *http.Client, u string) (*AuthConfig, error) {
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request authentication configuration: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read authentication configuration: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authentication configuration request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var entity authConfigEntity
	if err := json.Unmarshal(body, &entity); err != nil {
		return nil, fmt.Errorf("decode authentication configuration: %w", err)
	}
	return &entity.AuthenticationConfiguration, nil
}

// passwordSource exchanges a username and password for an access token at
// /access/token. The response body is the bare token.
type passwordSource struct {
	http     *http.Client
	url      string
	username string
	password string
}

func (s *passwordSource) Token() (*oauth2.Token, error) {
	form := url.Values{}
	form.Set("username", s.username)
	form.Set("password", s.password)

	req, err := http.NewRequest(http.MethodPost, s.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request access token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read access token: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("access token request for %q failed: %s: %s", s.username, resp.Status, strings.TrimSpace(string(body)))
	}

	access := strings.TrimSpace(string(body))
	if access == "" {
		return nil, fmt.Errorf("access token response is empty")
	}
	return &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      tokenExpiry(access, time.Now()),
	}, nil
}

// tokenExpiry reads the exp claim of a JWT without verifying it
func tokenExpiry(token string, now time.Time) time.Time {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return now.Add(defaultTokenLifetime)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return now.Add(defaultTokenLifetime)
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return now.Add(defaultTokenLifetime)
	}
	return time.Unix(claims.Exp, 0)
}
