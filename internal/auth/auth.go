// Package auth is the token verification boundary. The session layer
// depends only on the Verifier interface; production wires an HTTP
// call to the account service, tests wire a static map.
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

// ErrInvalidToken means the token was understood and rejected, as
// opposed to the verifier itself failing.
var ErrInvalidToken = errors.New("invalid token")

// User identifies an authenticated client.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Verifier validates a bearer token.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (User, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, token string) (User, error)

func (f VerifierFunc) VerifyToken(ctx context.Context, token string) (User, error) {
	return f(ctx, token)
}

// StaticVerifier accepts a fixed token-to-user map. Development use.
type StaticVerifier map[string]User

func (v StaticVerifier) VerifyToken(ctx context.Context, token string) (User, error) {
	u, ok := v[token]
	if !ok {
		return User{}, ErrInvalidToken
	}
	return u, nil
}

// HTTPVerifier posts the token to an external verification endpoint.
type HTTPVerifier struct {
	endpoint string
	client   *http.Client
}

func NewHTTPVerifier(endpoint string) *HTTPVerifier {
	return &HTTPVerifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (v *HTTPVerifier) VerifyToken(ctx context.Context, token string) (User, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return User{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return User{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("verify token: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var u User
		if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
			return User{}, fmt.Errorf("decode verifier response: %w", err)
		}
		return u, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return User{}, ErrInvalidToken
	default:
		return User{}, fmt.Errorf("verifier returned status %d", resp.StatusCode)
	}
}
