package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mercator-hq/ganymede/pkg/accounts"
)

// TokenRefresher exchanges a refresh token for fresh credentials. The
// dispatcher refreshes at most once per request before retrying the same
// account.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*accounts.TokenData, error)
}

// OAuthRefresher implements TokenRefresher against a standard OAuth token
// endpoint.
type OAuthRefresher struct {
	tokenURL string
	clientID string
	client   *http.Client
	logger   *slog.Logger
}

// NewOAuthRefresher creates a refresher for the given token endpoint.
func NewOAuthRefresher(tokenURL, clientID string, timeout time.Duration, logger *slog.Logger) *OAuthRefresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &OAuthRefresher{
		tokenURL: tokenURL,
		clientID: clientID,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "token_refresh"),
	}
}

// Refresh performs the refresh_token grant.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*accounts.TokenData, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {r.clientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &UpstreamError{Cause: fmt.Errorf("build refresh request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, previewLimit))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, BodyPreview: string(preview)}
	}

	var grant struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, &UpstreamError{Cause: fmt.Errorf("decode refresh response: %w", err)}
	}
	if grant.AccessToken == "" {
		return nil, &UpstreamError{Cause: fmt.Errorf("refresh response missing access_token")}
	}

	token := &accounts.TokenData{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    time.Now().Unix() + grant.ExpiresIn,
	}
	// Some endpoints omit the rotated refresh token; keep the old one.
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}
