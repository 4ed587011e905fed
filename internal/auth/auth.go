// Package auth validates client bearer credentials against the identity
// service. The identity service itself is an external collaborator; this
// package only asks it whether a token is good.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrInvalidToken is returned for tokens the identity service rejects.
// Authentication failures are terminal for a connection attempt: retrying
// cannot fix a bad credential.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims identifies the authenticated principal.
type Claims struct {
	UserID string `json:"user_id"`
}

// TokenValidator checks a bearer token.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (Claims, error)
}

// HTTPValidator introspects tokens against the identity service.
type HTTPValidator struct {
	url        string
	httpClient *http.Client
}

// NewHTTPValidator creates a validator posting to the given introspection URL.
func NewHTTPValidator(url string) *HTTPValidator {
	return &HTTPValidator{
		url:        url,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Validate posts the token for introspection. A 401/403 maps to
// ErrInvalidToken; anything else non-200 is a transport-level failure.
func (v *HTTPValidator) Validate(ctx context.Context, token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	body, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return Claims{}, fmt.Errorf("auth: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Claims{}, fmt.Errorf("auth: introspect: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return Claims{}, ErrInvalidToken
	default:
		return Claims{}, fmt.Errorf("auth: introspect status %d", resp.StatusCode)
	}

	var result struct {
		Active bool   `json:"active"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Claims{}, fmt.Errorf("auth: decode response: %w", err)
	}
	if !result.Active {
		return Claims{}, ErrInvalidToken
	}
	return Claims{UserID: result.UserID}, nil
}

// StaticValidator accepts a fixed token set. For tests and local development.
type StaticValidator struct {
	Tokens map[string]Claims
}

func (v *StaticValidator) Validate(_ context.Context, token string) (Claims, error) {
	if c, ok := v.Tokens[token]; ok {
		return c, nil
	}
	return Claims{}, ErrInvalidToken
}
