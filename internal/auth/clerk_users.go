package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultClerkAPIURL = "https://api.clerk.com/v1"

var (
	ErrInvalidClerkUsersConfig = errors.New("auth: invalid clerk users config")
	// ErrClerkUserLookup wraps failed calls to the Clerk Backend API.
	ErrClerkUserLookup = errors.New("clerk users: lookup failed")

	errMissingSecretKey = errors.New("secret key configuration required")
	errMissingUserID    = errors.New("user id required")
)

// ClerkUsersConfig configures access to the Clerk Backend API.
type ClerkUsersConfig struct {
	APIURL     string
	SecretKey  string
	HTTPClient *http.Client
}

// ClerkUsers fetches user profiles from the Clerk Backend API.
type ClerkUsers struct {
	apiURL     string
	secretKey  string
	httpClient *http.Client
}

type clerkUserDocument struct {
	ID                    string              `json:"id"`
	PrimaryEmailAddressID string              `json:"primary_email_address_id"`
	EmailAddresses        []clerkEmailAddress `json:"email_addresses"`
}

type clerkEmailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

// NewClerkUsers constructs the profile client.
func NewClerkUsers(cfg ClerkUsersConfig) (*ClerkUsers, error) {
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if secretKey == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClerkUsersConfig, errMissingSecretKey)
	}
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		apiURL = defaultClerkAPIURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ClerkUsers{
		apiURL:     apiURL,
		secretKey:  secretKey,
		httpClient: httpClient,
	}, nil
}

// PrimaryEmail returns the user's primary email address, or "" when the
// profile has none.
func (c *ClerkUsers) PrimaryEmail(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: %v", ErrClerkUserLookup, errMissingUserID)
	}

	endpoint := c.apiURL + "/users/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrClerkUserLookup, err)
	}
	req.Header.Set("Authorization", bearerPrefix+c.secretKey)
	req.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrClerkUserLookup, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, response.Body)
		return "", fmt.Errorf("%w: status %d", ErrClerkUserLookup, response.StatusCode)
	}

	var document clerkUserDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return "", fmt.Errorf("%w: decode user: %v", ErrClerkUserLookup, err)
	}

	for _, address := range document.EmailAddresses {
		if address.ID == document.PrimaryEmailAddressID {
			return strings.TrimSpace(address.EmailAddress), nil
		}
	}
	return "", nil
}
