package accounts

import "time"

// Account is one upstream credential usable to serve proxied requests.
// Accounts are durably mirrored one-file-per-account on disk under
// <data_dir>/accounts/<id>.json; disk is the source of truth across
// process restarts.
type Account struct {
	// ID is the stable account identifier (also the file name stem).
	ID string `json:"id"`

	// Email is the upstream identity's email address.
	Email string `json:"email"`

	// DisplayName is the human-readable account label.
	DisplayName string `json:"display_name"`

	// Token holds the OAuth token set for this account.
	Token TokenData `json:"token"`

	// Quota is the last-fetched usage snapshot. Nil until first fetch.
	Quota *QuotaData `json:"quota,omitempty"`

	// DeviceProfileID is the bound identity profile, if any.
	DeviceProfileID string `json:"device_profile_id,omitempty"`

	// ProxyDisabled excludes the account from selection.
	ProxyDisabled bool `json:"proxy_disabled"`

	// ProxyDisabledReason is set if and only if ProxyDisabled is true.
	ProxyDisabledReason string `json:"proxy_disabled_reason,omitempty"`

	// ProxyDisabledAt is the unix second the account was disabled.
	// Set if and only if ProxyDisabled is true.
	ProxyDisabledAt int64 `json:"proxy_disabled_at,omitempty"`

	// Order is the explicit sequence position for deterministic iteration.
	Order int `json:"order"`
}

// Enabled reports whether the account is eligible for selection.
func (a *Account) Enabled() bool {
	return !a.ProxyDisabled
}

// TokenData is the OAuth token set for one account.
type TokenData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// ExpiresAt is the unix second the access token expires.
	ExpiresAt int64 `json:"expires_at"`

	// ProjectID is the upstream project binding, when known.
	ProjectID string `json:"project_id,omitempty"`
}

// Expired reports whether the access token has expired as of now.
func (t TokenData) Expired(now time.Time) bool {
	return t.ExpiresAt > 0 && now.Unix() >= t.ExpiresAt
}

// QuotaData is the last usage snapshot fetched from the upstream.
type QuotaData struct {
	// Remaining is the remaining request allowance reported upstream.
	Remaining int64 `json:"remaining"`

	// Limit is the total allowance for the current window.
	Limit int64 `json:"limit"`

	// ResetAt is the unix second the window resets, if reported.
	ResetAt int64 `json:"reset_at,omitempty"`

	// FetchedAt is the unix second this snapshot was taken.
	FetchedAt int64 `json:"fetched_at"`
}
