// Package auth validates bearer tokens on the audit API against the
// study's OIDC identity provider and carries the resolved principal
// through request context.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Principal is the identity a validated token resolved to.
type Principal struct {
	Subject string
	Email   string
	Claims  map[string]interface{}
}

// Authenticator validates bearer tokens by introspecting them at the
// issuer with the configured client credentials.
type Authenticator struct {
	config        *oauth2.Config
	issuer        string
	introspectURL string
	client        *http.Client
}

func NewAuthenticator(issuer, clientID, clientSecret string) (*Authenticator, error) {
	if issuer == "" || clientID == "" {
		return nil, errors.New("auth: OIDC configuration incomplete")
	}
	issuer = strings.TrimRight(issuer, "/")

	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  fmt.Sprintf("%s/authorize", issuer),
			TokenURL: fmt.Sprintf("%s/token", issuer),
		},
		Scopes: []string{"openid", "profile", "email"},
	}

	return &Authenticator{
		config:        config,
		issuer:        issuer,
		introspectURL: fmt.Sprintf("%s/introspect", issuer),
		client:        &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// ValidateToken introspects a bearer token with the issuer and returns the
// principal it belongs to. Inactive and unparseable tokens are rejected.
func (a *Authenticator) ValidateToken(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, errors.New("auth: token is empty")
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.introspectURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Principal{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(a.config.ClientID, a.config.ClientSecret)

	resp, err := a.client.Do(req)
	if err != nil {
		return Principal{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Principal{}, fmt.Errorf("auth: introspection returned status %d", resp.StatusCode)
	}

	var claims map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return Principal{}, err
	}
	if active, _ := claims["active"].(bool); !active {
		return Principal{}, errors.New("auth: token is not active")
	}

	principal := Principal{Claims: claims}
	if sub, ok := claims["sub"].(string); ok {
		principal.Subject = sub
	}
	if email, ok := claims["email"].(string); ok {
		principal.Email = email
	}
	return principal, nil
}
