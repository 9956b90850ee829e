package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
)

const (
	defaultTimeout = 10 * time.Second
	maxRedirects   = 10

	errorTypeAuthentication = "AUTHENTICATION_FAILED"
)

type ConnectionType string

const (
	ConnectionTypeDirect ConnectionType = "direct"
	ConnectionTypeRandom ConnectionType = "random"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNoEndpoints          = errors.New("no endpoints configured")
)

type Endpoint struct {
	HostPort     string
	ClientDomain string
}

type Config struct {
	ConnectionType ConnectionType // Direct will use Endpoints[0] always
	Endpoints      []Endpoint
	ApiKey         string
	SkipVerify     bool
	Timeout        time.Duration
	Logger         *slog.Logger

	// RetryRateLimited sleeps out a 429 and retries instead of failing.
	RetryRateLimited bool
}

// APIError is a non-2xx reply. It unwraps to the ledger fault of the same
// kind so fault.IsNotFound and friends work on client errors.
type APIError struct {
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorType == "" {
		return fmt.Sprintf("server error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server error (status %d): %s - %s", e.StatusCode, e.ErrorType, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.ErrorType == errorTypeAuthentication {
		return ErrAuthenticationFailed
	}
	switch kind := fault.Kind(e.ErrorType); kind {
	case fault.KindNotFound, fault.KindUnauthorized, fault.KindAlreadyInitialized, fault.KindInvalidState:
		return fault.FromKind(kind, e.Message)
	}
	return nil
}

type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Client is the API client for a ledgerfs cluster.
type Client struct {
	baseURL          *url.URL
	httpClient       *http.Client
	tlsConfig        *tls.Config
	apiKey           string
	retryRateLimited bool
	logger           *slog.Logger
}

// NewClient creates a new ledgerfs API client. Connections are always https.
func NewClient(cfg *Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	for _, endpoint := range cfg.Endpoints {
		if endpoint.HostPort == "" {
			return nil, fmt.Errorf("hostPort cannot be empty")
		}
	}
	if cfg.ApiKey == "" {
		return nil, fmt.Errorf("apiKey cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clientLogger := logger.WithGroup("ledgerfs_client")

	endpoint := cfg.Endpoints[0]
	if cfg.ConnectionType == ConnectionTypeRandom {
		endpoint = cfg.Endpoints[rand.Intn(len(cfg.Endpoints))]
	}

	host, port, err := net.SplitHostPort(endpoint.HostPort)
	if err != nil {
		clientLogger.Error("Failed to parse port from HostPort", "hostPort", endpoint.HostPort, "error", err)
		return nil, fmt.Errorf("failed to parse port from HostPort '%s': %w", endpoint.HostPort, err)
	}
	if endpoint.ClientDomain != "" {
		host = endpoint.ClientDomain
	}

	baseURLStr := fmt.Sprintf("https://%s", net.JoinHostPort(host, port))
	baseURL, err := url.Parse(baseURLStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL '%s': %w", baseURLStr, err)
	}

	// ServerName is left empty so SNI follows the target host across redirects.
	tlsClientCfg := &tls.Config{
		InsecureSkipVerify: cfg.SkipVerify,
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	httpClient := &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsClientCfg},
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	clientLogger.Debug("Client initialized", "base_url", baseURL.String(), "tls_skip_verify", cfg.SkipVerify)

	return &Client{
		baseURL:          baseURL,
		httpClient:       httpClient,
		tlsConfig:        tlsClientCfg,
		apiKey:           cfg.ApiKey,
		retryRateLimited: cfg.RetryRateLimited,
		logger:           clientLogger,
	}, nil
}

// post sends body to path and decodes the reply into target, retrying
// rate limited calls when the client is configured to.
func (c *Client) post(ctx context.Context, path string, body any, target any) error {
	if !c.retryRateLimited {
		return c.doRequest(ctx, http.MethodPost, path, nil, body, target)
	}
	return withRetriesVoid(ctx, c.logger, func() error {
		return c.doRequest(ctx, http.MethodPost, path, nil, body, target)
	})
}

// doRequest follows redirects by hand so the body and method survive the
// hop from a follower to the leader.
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, body any, target any) error {
	currentReqURL := c.baseURL.ResolveReference(&url.URL{Path: path, RawQuery: params.Encode()})

	var reqBodyBytes []byte
	if body != nil {
		var err error
		if reqBodyBytes, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
	}

	for redirects := 0; redirects < maxRedirects; redirects++ {
		req, err := http.NewRequestWithContext(ctx, method, currentReqURL.String(), bytes.NewReader(reqBodyBytes))
		if err != nil {
			return fmt.Errorf("failed to create request %s %s: %w", method, currentReqURL.String(), err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		c.logger.Debug("Sending request", "method", method, "url", currentReqURL.String(), "attempt", redirects+1)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request %s %s failed: %w", method, currentReqURL.String(), err)
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:

			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return fmt.Errorf("redirect (status %d) missing Location header from %s", resp.StatusCode, currentReqURL.String())
			}
			redirectURL, err := currentReqURL.Parse(loc)
			if err != nil {
				return fmt.Errorf("failed to parse redirect Location '%s': %w", loc, err)
			}
			c.logger.Info("Request redirected",
				"from_url", currentReqURL.String(),
				"to_url", redirectURL.String(),
				"status_code", resp.StatusCode)
			currentReqURL = redirectURL
			continue
		}

		defer resp.Body.Close()
		return c.decodeResponse(resp, target)
	}

	c.logger.Error("Too many redirects", "final_url_attempt", currentReqURL.String(), "method", method)
	return fmt.Errorf("stopped after %d redirects, last URL: %s", maxRedirects, currentReqURL.String())
}

func (c *Client) decodeResponse(resp *http.Response, target any) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		seconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
		if err != nil || seconds < 0 {
			seconds = 1
		}
		return &ErrRateLimited{RetryAfter: time.Duration(seconds) * time.Second}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errorResp models.ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errorResp); err == nil && errorResp.Message != "" {
			apiErr.ErrorType = errorResp.ErrorType
			apiErr.Message = errorResp.Message
		} else {
			apiErr.Message = string(bytes.TrimSpace(bodyBytes))
		}
		if apiErr.StatusCode == http.StatusUnauthorized && apiErr.ErrorType == "" {
			apiErr.ErrorType = errorTypeAuthentication
		}
		c.logger.Debug("Request failed", "status_code", resp.StatusCode, "error_type", apiErr.ErrorType)
		return apiErr
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response body (status %d): %w", resp.StatusCode, err)
		}
	}
	return nil
}

// -- System operations --

// Ping reports the status of the node the client is connected to.
func (c *Client) Ping(ctx context.Context) (models.NodeStatus, error) {
	var status models.NodeStatus
	err := c.post(ctx, "db/api/v1/ping", nil, &status)
	return status, err
}

// Join asks the leader to add a follower to the raft configuration.
// Requires the root key.
func (c *Client) Join(ctx context.Context, followerId, followerRaftAddr string) error {
	params := url.Values{}
	params.Set("followerAddr", followerRaftAddr)
	params.Set("followerId", followerId)
	return c.doRequest(ctx, http.MethodGet, "db/api/v1/join", params, nil, nil)
}

// CreateApiKey mints a key acting as account. Requires the root key.
func (c *Client) CreateApiKey(ctx context.Context, account string) (string, error) {
	if account == "" {
		return "", fmt.Errorf("account cannot be empty")
	}
	var resp models.ApiKeyCreateResponse
	if err := c.post(ctx, "db/api/v1/admin/api/create", models.ApiKeyCreateRequest{Account: account}, &resp); err != nil {
		return "", err
	}
	return resp.Key, nil
}

// DeleteApiKey revokes a key. Requires the root key.
func (c *Client) DeleteApiKey(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	return c.post(ctx, "db/api/v1/admin/api/delete", models.ApiKeyDeleteRequest{Key: key}, nil)
}
