package enroll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ConsentChecker reports whether a spectator has granted biometric consent.
type ConsentChecker interface {
	HasConsent(ctx context.Context, spectatorID string) (bool, error)
}

// HTTPConsentClient queries the user-profile service for consent state.
type HTTPConsentClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPConsentClient creates a consent client against the user-profile
// service.
func NewHTTPConsentClient(baseURL string) *HTTPConsentClient {
	return &HTTPConsentClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type consentResponse struct {
	SpectatorID      string `json:"spectator_id"`
	BiometricConsent bool   `json:"biometric_consent"`
}

// HasConsent fetches the consent flag. An unknown spectator counts as no
// consent rather than an error.
func (c *HTTPConsentClient) HasConsent(ctx context.Context, spectatorID string) (bool, error) {
	url := fmt.Sprintf("%s/spectators/%s/consent", c.baseURL, spectatorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("consent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("consent service error (status %d): %s", resp.StatusCode, string(body))
	}

	var cr consentResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return false, fmt.Errorf("failed to parse consent response: %w", err)
	}
	return cr.BiometricConsent, nil
}

// DenyAll refuses consent for everyone. Used when no consent service is
// configured, so auto-enrollment stays off rather than silently on.
type DenyAll struct{}

func (DenyAll) HasConsent(context.Context, string) (bool, error) { return false, nil }

// AllowAll grants consent for everyone. Explicit enrollment flows carry
// consent out of band (the operator confirmed it at the desk).
type AllowAll struct{}

func (AllowAll) HasConsent(context.Context, string) (bool, error) { return true, nil }
