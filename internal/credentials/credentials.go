// Package credentials loads TikTok research API credentials and exchanges
// them for bearer tokens via the client-credentials grant.
package credentials

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"gopkg.in/yaml.v3"
)

// DefaultTokenURL is the TikTok OAuth token endpoint.
const DefaultTokenURL = "https://open.tiktokapis.com/v2/oauth/token/"

// Credentials holds the client secrets issued with research API access.
type Credentials struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	ClientKey    string `yaml:"client_key"`
}

// Validate checks that all fields are present.
func (c Credentials) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("client_secret is required")
	}
	if c.ClientKey == "" {
		return fmt.Errorf("client_key is required")
	}
	return nil
}

// LoadFile reads credentials from a YAML file.
func LoadFile(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials file: %w", err)
	}
	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials file: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, fmt.Errorf("credentials file %s: %w", path, err)
	}
	return creds, nil
}

// TokenProvider produces bearer tokens and supports forced refresh when the
// API rejects a cached token as expired.
type TokenProvider struct {
	cfg *clientcredentials.Config

	mu  sync.Mutex
	src oauth2.TokenSource
}

// NewTokenProvider builds a TokenProvider for the given credentials.
// tokenURL may be empty, in which case DefaultTokenURL is used.
func NewTokenProvider(creds Credentials, tokenURL string) (*TokenProvider, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &TokenProvider{
		cfg: &clientcredentials.Config{
			ClientID:     creds.ClientKey,
			ClientSecret: creds.ClientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}, nil
}

// Token returns a valid bearer token, fetching or refreshing as needed.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.src == nil {
		p.src = p.cfg.TokenSource(ctx)
	}
	src := p.src
	p.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	return tok.AccessToken, nil
}

// Invalidate drops the cached token source so the next Token call performs a
// fresh exchange. Called by the transport when the API responds 401 with a
// token the source still considers valid.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	p.src = nil
	p.mu.Unlock()
}
