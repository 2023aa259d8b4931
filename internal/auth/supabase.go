package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid access token")

type SupabaseClient struct {
	baseURL    string
	anonKey    string
	jwtSecret  []byte
	httpClient *http.Client
	maxRetry   time.Duration
}

type Session struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int          `json:"expires_in"`
	TokenType    string       `json:"token_type"`
	User         SupabaseUser `json:"user"`
}

type SupabaseUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type signUpResponse struct {
	Session
}

type supabaseClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// StatusError is a non-2xx answer from the auth server.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("supabase status %d: %s", e.Status, e.Body)
}

// NewSupabaseClient builds a client for the Supabase auth REST API. When jwtSecret is
// set, access tokens are verified locally instead of with a round trip.
func NewSupabaseClient(baseURL, anonKey, jwtSecret string) *SupabaseClient {
	c := &SupabaseClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		maxRetry: 15 * time.Second,
	}
	if jwtSecret != "" {
		c.jwtSecret = []byte(jwtSecret)
	}
	return c
}

func (c *SupabaseClient) SignUp(ctx context.Context, email, password string) (Session, error) {
	payload := map[string]string{
		"email":    email,
		"password": password,
	}
	var out signUpResponse
	if err := c.postJSON(ctx, "/auth/v1/signup", payload, &out); err != nil {
		return Session{}, err
	}
	return out.Session, nil
}

func (c *SupabaseClient) Login(ctx context.Context, email, password string) (Session, error) {
	payload := map[string]string{
		"email":    email,
		"password": password,
	}
	var out Session
	if err := c.postJSON(ctx, "/auth/v1/token?grant_type=password", payload, &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

func (c *SupabaseClient) VerifyAccessToken(ctx context.Context, accessToken string) (SupabaseUser, error) {
	if len(c.jwtSecret) > 0 {
		return c.verifyLocal(accessToken)
	}
	var user SupabaseUser
	err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		return req, nil
	}, &user)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden) {
			return SupabaseUser{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return SupabaseUser{}, fmt.Errorf("verify token: %w", err)
	}
	return user, nil
}

func (c *SupabaseClient) verifyLocal(accessToken string) (SupabaseUser, error) {
	var claims supabaseClaims
	_, err := jwt.ParseWithClaims(accessToken, &claims, func(*jwt.Token) (any, error) {
		return c.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return SupabaseUser{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return SupabaseUser{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return SupabaseUser{ID: claims.Subject, Email: claims.Email}, nil
}

func (c *SupabaseClient) postJSON(ctx context.Context, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, out)
}

// do sends the request built by newReq, retrying transport errors and 5xx answers.
func (c *SupabaseClient) do(ctx context.Context, newReq func() (*http.Request, error), out any) error {
	op := func() error {
		req, err := newReq()
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("apikey", c.anonKey)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("supabase request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			se := &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
			if resp.StatusCode >= 500 {
				return se
			}
			return backoff.Permanent(se)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = c.maxRetry
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
