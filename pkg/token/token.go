// Package token keeps per-tenant vendor access tokens valid.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/curtailr/curtailr/pkg/log"
	"github.com/curtailr/curtailr/pkg/metrics"
	"github.com/curtailr/curtailr/pkg/storage"
	"github.com/curtailr/curtailr/pkg/types"
)

// Grant is the result of a refresh-token exchange.
type Grant struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is zero when the vendor did not report a lifetime.
	ExpiresIn time.Duration
}

// Exchanger trades a refresh token for a new Grant at a vendor's token
// endpoint. Implementations classify failures as types.ErrCredential (the
// vendor rejected the refresh token) or types.ErrTransientNetwork.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (Grant, error)
}

// Cipher encrypts tokens at rest.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// Manager issues valid access tokens for one vendor. Every call reads the
// tenant fresh from the store, so a token refreshed for one plant is what the
// next plant of the same tenant sees.
type Manager struct {
	vendor    types.Vendor
	db        storage.Database
	cipher    Cipher
	exchanger Exchanger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewManager returns a Manager for vendor.
func NewManager(vendor types.Vendor, db storage.Database, cipher Cipher, exchanger Exchanger, m *metrics.Metrics) *Manager {
	return &Manager{
		vendor:    vendor,
		db:        db,
		cipher:    cipher,
		exchanger: exchanger,
		metrics:   m,
		now:       time.Now,
	}
}

// SetClock overrides the clock used for expiry checks.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// ValidAccessToken returns a usable access token for tenantID. A stored token
// whose expiry is unset or in the past is refreshed first; otherwise the
// stored token is decrypted without any network call.
func (m *Manager) ValidAccessToken(ctx context.Context, tenantID string) (string, error) {
	tenant, err := m.db.GetTenant(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("failed to load tenant: %w", err)
	}
	toks := tenant.Tokens[m.vendor]
	now := m.now().UTC()
	if toks.AccessToken == "" || toks.AccessTokenExpiresAt == nil || toks.AccessTokenExpiresAt.UTC().Before(now) {
		log.Ctx(ctx).DebugContext(ctx, "access token expired or missing, refreshing")
		g, err := m.refresh(ctx, tenant)
		if err != nil {
			return "", err
		}
		return g.AccessToken, nil
	}
	access, err := m.cipher.Decrypt(ctx, toks.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt access token: %w", err)
	}
	return access, nil
}

// Refresh exchanges the tenant's stored refresh token for a new pair and
// persists it with an audit entry in one store transaction. Nothing is
// written when any step fails.
func (m *Manager) Refresh(ctx context.Context, tenantID string) (Grant, error) {
	tenant, err := m.db.GetTenant(ctx, tenantID)
	if err != nil {
		return Grant{}, fmt.Errorf("failed to load tenant: %w", err)
	}
	return m.refresh(ctx, tenant)
}

func (m *Manager) refresh(ctx context.Context, tenant types.Tenant) (Grant, error) {
	g, err := m.doRefresh(ctx, tenant)
	if err != nil {
		m.metrics.TokenRefresh(string(m.vendor), resultLabel(err))
		log.Ctx(ctx).WarnContext(ctx, "token refresh failed", slog.String("tenantID", tenant.ID), slog.Any("error", err))
		return Grant{}, err
	}
	m.metrics.TokenRefresh(string(m.vendor), "ok")
	return g, nil
}

func (m *Manager) doRefresh(ctx context.Context, tenant types.Tenant) (Grant, error) {
	toks := tenant.Tokens[m.vendor]
	if toks.RefreshToken == "" {
		return Grant{}, fmt.Errorf("%w: tenant %s has no %s refresh token", types.ErrCredential, tenant.ID, m.vendor)
	}
	refreshToken, err := m.cipher.Decrypt(ctx, toks.RefreshToken)
	if err != nil {
		return Grant{}, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	g, err := m.exchanger.Exchange(ctx, refreshToken)
	if err != nil {
		return Grant{}, fmt.Errorf("%s token exchange failed: %w", m.vendor, err)
	}
	if g.AccessToken == "" {
		return Grant{}, fmt.Errorf("%w: %s token exchange returned no access token", types.ErrCredential, m.vendor)
	}
	if g.RefreshToken == "" {
		// vendors that don't rotate refresh tokens keep the current one
		g.RefreshToken = refreshToken
	}

	encAccess, err := m.cipher.Encrypt(ctx, g.AccessToken)
	if err != nil {
		return Grant{}, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := m.cipher.Encrypt(ctx, g.RefreshToken)
	if err != nil {
		return Grant{}, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	now := m.now().UTC()
	updated := types.VendorTokens{
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
	}
	expiresText := "unknown"
	if g.ExpiresIn > 0 {
		expiry := now.Add(g.ExpiresIn)
		updated.AccessTokenExpiresAt = &expiry
		expiresText = fmt.Sprintf("%ds", int64(g.ExpiresIn/time.Second))
	}

	entry := types.NewAuditEntry(
		now,
		types.TenantPrincipal(tenant.ID),
		fmt.Sprintf("%s OAuth tokens refreshed, expires in %s", m.vendor, expiresText),
	)
	if err := m.db.UpdateTenantTokens(ctx, tenant.ID, m.vendor, updated, entry); err != nil {
		return Grant{}, fmt.Errorf("failed to store refreshed tokens: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "access token refreshed", slog.String("tenantID", tenant.ID), slog.String("expiresIn", expiresText))
	return g, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, types.ErrCredential):
		return "credential_error"
	case errors.Is(err, types.ErrCrypto):
		return "crypto_error"
	case errors.Is(err, types.ErrTransientNetwork):
		return "network_error"
	default:
		return "error"
	}
}
