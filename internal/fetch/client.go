// Package fetch provides HTTP clients for the lending market, flash lender
// and swap venue providers the engine reads from.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/config"
	"github.com/yourorg/leverage-engine/internal/types"
)

var (
	// ErrNotFound matches a 404 answer: the provider is up but the account,
	// market or pair does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedAsset is returned when a provider answers with a coin type
	// the asset registry does not know.
	ErrUnsupportedAsset = errors.New("unsupported asset")
)

// StatusError is a non-200 answer from a provider
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error: status %d, body: %s", e.Provider, e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrNotFound) match a 404.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// IsCallerError reports whether err was caused by the request rather than by
// the provider's health. Auth failures, timeouts and rate limiting still count
// against the provider.
func IsCallerError(err error) bool {
	if errors.Is(err, ErrUnsupportedAsset) {
		return true
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return se.StatusCode >= 400 && se.StatusCode < 500
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.Logger = nil
	return c
}

// StandardClient converts a retryablehttp.Client to a standard http.Client
func StandardClient(retryClient *retryablehttp.Client) *http.Client {
	return retryClient.StandardClient()
}

// getAPIKey retrieves an API key for a specific provider from configuration
func getAPIKey(cfg config.Config, provider string) string {
	if k, ok := cfg.APIKeys[provider]; ok {
		return k
	}
	return ""
}

// jsonClient is the transport shared by every provider client
type jsonClient struct {
	provider   string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newJSONClient(provider, baseURL, apiKey string) jsonClient {
	return jsonClient{
		provider:   provider,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: StandardClient(newRetryClient()),
	}
}

// get fetches path and decodes the JSON body into out.
func (c jsonClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	logrus.Debugf("Fetching %s from %s", path, c.provider)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error fetching data from %s: %w", c.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Provider: c.provider, StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding %s response: %w", c.provider, err)
	}
	return nil
}

// unixTime converts a provider timestamp; zero stays the zero time so the
// validator treats it as stale.
func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// rawAmount decodes a minor-unit string, treating an empty field as zero.
func rawAmount(raw string, asset types.Asset) (amount.Amount, error) {
	if raw == "" {
		return amount.Zero(asset.Decimals), nil
	}
	return amount.FromRaw(raw, asset.Decimals)
}
