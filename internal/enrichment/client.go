// Package enrichment looks up recipients and templates over HTTP.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sungwon/email-notifier/internal/logger"
	"github.com/sungwon/email-notifier/internal/metrics"
	"github.com/sungwon/email-notifier/internal/notification"
	"github.com/sungwon/email-notifier/internal/retry"
)

const maxErrorBody = 512

// TokenSource supplies the bearer token sent with every lookup.
type TokenSource interface {
	Token() (string, error)
}

// Config holds the service base URLs. Lookups append "/{id}".
type Config struct {
	UserServiceURL     string
	TemplateServiceURL string
}

// Client fetches user profiles and templates. One Client is shared by all
// in-flight messages.
type Client struct {
	httpClient *http.Client
	cfg        Config
	policy     retry.Policy
	tokens     TokenSource
	log        zerolog.Logger
}

// NewClient creates a Client. tokens may be nil to send no Authorization
// header.
func NewClient(httpClient *http.Client, cfg Config, policy retry.Policy, tokens TokenSource, log zerolog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		policy:     policy,
		tokens:     tokens,
		log:        log,
	}
}

// NewHTTPClient returns the shared client with the given per-request
// timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// FetchUser returns the profile for userID. A 4xx answer yields an error
// wrapping ErrUserNotFound after a single attempt. A profile that fails
// validation yields ErrInvalidResponse.
func (c *Client) FetchUser(ctx context.Context, userID uuid.UUID) (*notification.UserProfile, error) {
	var user notification.UserProfile
	if err := c.fetch(ctx, "user", c.cfg.UserServiceURL, userID.String(), &user, ErrUserNotFound); err != nil {
		return nil, err
	}
	return &user, nil
}

// FetchTemplate returns the template for code. A 4xx answer yields an error
// wrapping ErrTemplateNotFound after a single attempt.
func (c *Client) FetchTemplate(ctx context.Context, code string) (*notification.Template, error) {
	var tmpl notification.Template
	if err := c.fetch(ctx, "template", c.cfg.TemplateServiceURL, code, &tmpl, ErrTemplateNotFound); err != nil {
		return nil, err
	}
	if tmpl.Code == "" {
		tmpl.Code = code
	}
	return &tmpl, nil
}

func (c *Client) fetch(ctx context.Context, service, baseURL, id string, out interface{}, notFound error) error {
	start := time.Now()
	target := strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(id)

	log := logger.FromContextOr(ctx, c.log)
	err := c.policy.Do(ctx, service+" lookup", log, func(ctx context.Context) error {
		return c.get(ctx, service, target, out)
	})

	result := "ok"
	switch {
	case err == nil:
	case isClientError(err):
		result = "not_found"
		log.Error().
			Err(err).
			Str("service", service).
			Str("id", id).
			Msg("lookup rejected by service")
		err = fmt.Errorf("%w: %w", notFound, err)
	default:
		result = "error"
		err = fmt.Errorf("%s lookup %s: %w", service, id, err)
	}
	metrics.EnrichmentLookupDuration.WithLabelValues(service, result).Observe(time.Since(start).Seconds())
	return err
}

type validator interface {
	Validate() error
}

func isClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.IsClientError()
}

// get performs one attempt. Client errors and undecodable bodies are
// wrapped with retry.Permanent.
func (c *Client) get(ctx context.Context, service, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return retry.Permanent(fmt.Errorf("service token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{
			Service:    service,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
		if se.IsClientError() {
			return retry.Permanent(se)
		}
		return se
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("%w: decode %s response: %w", ErrInvalidResponse, service, err))
	}
	if v, ok := out.(validator); ok {
		if err := v.Validate(); err != nil {
			return retry.Permanent(fmt.Errorf("%w: %s response: %w", ErrInvalidResponse, service, err))
		}
	}
	return nil
}
