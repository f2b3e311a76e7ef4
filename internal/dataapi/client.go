package dataapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/portal-bridge/internal/apperrors"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/metrics"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/users"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTimeout    = 10 * time.Second
	ensureUserPath    = "/rpc/ensure_portal_user"
	portalUsersPath   = "/portal_users"
	rpcSchemaProfile  = "api"
	rowsSchemaProfile = "public"
	maxErrorBodyBytes = 2048

	targetEnsureUser  = "ensure_portal_user"
	targetPortalUsers = "portal_users"
)

var (
	errMissingBaseURL = errors.New("dataapi: base url required")
	errMissingToken   = errors.New("dataapi: bearer token required")
)

// ClientConfig configures the PostgREST client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Client talks to the row-level-security-enforcing data API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// EnsureUserParams is the ensure_portal_user RPC payload.
type EnsureUserParams struct {
	Email              string `json:"p_email"`
	AuthProvider       string `json:"p_auth_provider"`
	AuthType           string `json:"p_auth_type"`
	AuthProviderUserID string `json:"p_auth_provider_user_id"`
	Federated          bool   `json:"p_federated"`
}

type ensureUserRow struct {
	PortalUserID *string `json:"portal_user_id"`
}

// StatusError reports a non-2xx response from the data API.
type StatusError struct {
	Operation  string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Status)
}

// NewClient validates the configuration and builds a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("dataapi: invalid base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// EnsurePortalUser calls the ensure_portal_user procedure with an elevated
// token and returns the internal id it reports.
func (c *Client) EnsurePortalUser(ctx context.Context, adminToken string, params EnsureUserParams) (uuid.UUID, error) {
	if strings.TrimSpace(adminToken) == "" {
		return uuid.Nil, apperrors.Mapping("ensure_portal_user requires an admin token", errMissingToken)
	}
	body, err := json.Marshal(params)
	if err != nil {
		return uuid.Nil, apperrors.Mapping("encode ensure_portal_user payload", err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")
	headers.Set("Accept-Profile", rpcSchemaProfile)
	headers.Set("Content-Profile", rpcSchemaProfile)
	headers.Set("Authorization", "Bearer "+adminToken)

	payload, err := c.do(ctx, targetEnsureUser, http.MethodPost, c.baseURL+ensureUserPath, headers, body)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return uuid.Nil, apperrors.Mapping(fmt.Sprintf("RPC call failed: %s", statusErr.Status), err)
		}
		return uuid.Nil, apperrors.Mapping("RPC call failed", err)
	}

	var rows []ensureUserRow
	if err := json.Unmarshal(payload, &rows); err != nil {
		return uuid.Nil, apperrors.Mapping("RPC did not return a valid portal_user_id", err)
	}
	if len(rows) == 0 || rows[0].PortalUserID == nil || strings.TrimSpace(*rows[0].PortalUserID) == "" {
		return uuid.Nil, apperrors.Mapping("RPC did not return a valid portal_user_id", nil)
	}
	portalUserID, err := uuid.Parse(strings.TrimSpace(*rows[0].PortalUserID))
	if err != nil {
		return uuid.Nil, apperrors.Mapping("RPC did not return a valid portal_user_id", err)
	}
	return portalUserID, nil
}

// GetPortalUser fetches one portal_users row, forwarding the caller's bearer
// token verbatim. The data API decides whether the token may see the row.
func (c *Client) GetPortalUser(ctx context.Context, bearerToken, portalUserID string) (users.InternalUser, error) {
	if strings.TrimSpace(bearerToken) == "" {
		return users.InternalUser{}, apperrors.Unauthenticated("Missing or invalid authorization header", errMissingToken)
	}

	query := url.Values{}
	query.Set("portal_user_id", "eq."+portalUserID)
	endpoint := c.baseURL + portalUsersPath + "?" + query.Encode()

	headers := http.Header{}
	headers.Set("Accept", "application/json")
	headers.Set("Accept-Profile", rowsSchemaProfile)
	headers.Set("Authorization", "Bearer "+bearerToken)

	payload, err := c.do(ctx, targetPortalUsers, http.MethodGet, endpoint, headers, nil)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return users.InternalUser{}, apperrors.Upstream(fmt.Sprintf("User data fetch failed: %s", statusErr.Status), err, false)
		}
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return users.InternalUser{}, err
		}
		return users.InternalUser{}, apperrors.Upstream("User data fetch failed", err, false)
	}

	var rows []portalUserRow
	if err := json.Unmarshal(payload, &rows); err != nil {
		return users.InternalUser{}, apperrors.Upstream("User data fetch returned malformed rows", err, false)
	}
	if len(rows) == 0 {
		return users.InternalUser{}, apperrors.NotFound("User not found")
	}
	return rows[0].toInternalUser(), nil
}

// do performs one bounded request and returns the body of a 2xx response.
// Timeouts come back as retryable upstream errors.
func (c *Client) do(ctx context.Context, target, method, endpoint string, headers http.Header, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header = headers

	start := time.Now()
	response, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream(target, "error", time.Since(start))
		if isTimeout(err) {
			c.logger.Warn("data api request timed out", zap.String("target", target), zap.Duration("timeout", c.timeout))
			return nil, apperrors.Upstream(target+" request timed out", err, true)
		}
		return nil, apperrors.Upstream(target+" request failed", err, false)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		c.metrics.ObserveUpstream(target, "error", time.Since(start))
		return nil, apperrors.Upstream(target+" response unreadable", err, isTimeout(err))
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		c.metrics.ObserveUpstream(target, "status_"+fmt.Sprint(response.StatusCode/100)+"xx", time.Since(start))
		c.logger.Error("data api returned error status",
			zap.String("target", target),
			zap.Int("status", response.StatusCode),
			zap.ByteString("body", truncate(payload, maxErrorBodyBytes)))
		return nil, &StatusError{Operation: target, StatusCode: response.StatusCode, Status: statusText(response)}
	}

	c.metrics.ObserveUpstream(target, "ok", time.Since(start))
	return payload, nil
}

func statusText(response *http.Response) string {
	if response.Status != "" {
		return response.Status
	}
	return fmt.Sprintf("%d %s", response.StatusCode, http.StatusText(response.StatusCode))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(payload []byte, limit int) []byte {
	if len(payload) <= limit {
		return payload
	}
	return payload[:limit]
}
