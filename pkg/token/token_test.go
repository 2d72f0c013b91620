package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/curtailr/curtailr/pkg/storage"
	"github.com/curtailr/curtailr/pkg/storage/storagemock"
	"github.com/curtailr/curtailr/pkg/types"
	"github.com/curtailr/curtailr/pkg/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeExchanger struct {
	calls []string
	grant Grant
	err   error
}

func (f *fakeExchanger) Exchange(ctx context.Context, refreshToken string) (Grant, error) {
	f.calls = append(f.calls, refreshToken)
	return f.grant, f.err
}

type fixture struct {
	db    *storage.Memory
	vault *vault.Vault
	ex    *fakeExchanger
	mgr   *Manager
	now   time.Time
}

func newFixture(t *testing.T, expiresAt *time.Time, access, refresh string) *fixture {
	t.Helper()
	ctx := context.Background()
	v, err := vault.New("01234567890123456789012345678901")
	require.NoError(t, err)

	toks := types.VendorTokens{AccessTokenExpiresAt: expiresAt}
	if access != "" {
		toks.AccessToken, err = v.Encrypt(ctx, access)
		require.NoError(t, err)
	}
	if refresh != "" {
		toks.RefreshToken, err = v.Encrypt(ctx, refresh)
		require.NoError(t, err)
	}

	db := storage.NewMemory()
	require.NoError(t, db.UpsertTenant(ctx, types.Tenant{
		ID:     "t1",
		Tokens: map[types.Vendor]types.VendorTokens{types.VendorSungrow: toks},
	}))

	f := &fixture{
		db:    db,
		vault: v,
		ex:    &fakeExchanger{},
		now:   time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	f.mgr = NewManager(types.VendorSungrow, db, v, f.ex, nil)
	f.mgr.SetClock(func() time.Time { return f.now })
	return f
}

func TestValidAccessToken(t *testing.T) {
	ctx := context.Background()

	t.Run("Fresh Token Has No Network Call", func(t *testing.T) {
		future := time.Date(2025, 5, 1, 11, 0, 0, 0, time.UTC)
		f := newFixture(t, &future, "stored-access", "stored-refresh")

		tok, err := f.mgr.ValidAccessToken(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "stored-access", tok)
		assert.Empty(t, f.ex.calls)
		assert.Empty(t, f.db.AuditEntries())
	})

	t.Run("Expired Token Is Refreshed", func(t *testing.T) {
		past := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
		f := newFixture(t, &past, "old-access", "old-refresh")
		f.ex.grant = Grant{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 2 * time.Hour}

		tok, err := f.mgr.ValidAccessToken(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "new-access", tok)
		assert.Equal(t, []string{"old-refresh"}, f.ex.calls)

		tenant, err := f.db.GetTenant(ctx, "t1")
		require.NoError(t, err)
		stored := tenant.Tokens[types.VendorSungrow]
		require.NotNil(t, stored.AccessTokenExpiresAt)
		assert.True(t, f.now.Add(2*time.Hour).Equal(*stored.AccessTokenExpiresAt))
		assert.True(t, stored.AccessTokenExpiresAt.After(f.now))

		access, err := f.vault.Decrypt(ctx, stored.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "new-access", access)
		refresh, err := f.vault.Decrypt(ctx, stored.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, "new-refresh", refresh)
		assert.NotContains(t, stored.AccessToken, "new-access")

		entries := f.db.AuditEntries()
		require.Len(t, entries, 1)
		assert.Equal(t, "tenant_id=t1", entries[0].Principal)
		assert.Contains(t, entries[0].Message, "expires in 7200s")
		assert.NotContains(t, entries[0].Message, "new-access")
		assert.NotContains(t, entries[0].Message, "new-refresh")

		// the next call uses the stored token
		tok, err = f.mgr.ValidAccessToken(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "new-access", tok)
		assert.Len(t, f.ex.calls, 1)
	})

	t.Run("Missing Expiry Forces Refresh", func(t *testing.T) {
		f := newFixture(t, nil, "old-access", "old-refresh")
		f.ex.grant = Grant{AccessToken: "new-access"}

		tok, err := f.mgr.ValidAccessToken(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "new-access", tok)

		tenant, err := f.db.GetTenant(ctx, "t1")
		require.NoError(t, err)
		stored := tenant.Tokens[types.VendorSungrow]
		assert.Nil(t, stored.AccessTokenExpiresAt, "absent expires_in leaves expiry unset")
		refresh, err := f.vault.Decrypt(ctx, stored.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, "old-refresh", refresh, "non-rotating vendor keeps refresh token")

		// unset expiry refreshes on every call
		_, err = f.mgr.ValidAccessToken(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, f.ex.calls, 2)
	})

	t.Run("Unknown Tenant", func(t *testing.T) {
		f := newFixture(t, nil, "", "")
		_, err := f.mgr.ValidAccessToken(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrTenantNotFound)
	})
}

func TestRefreshFailures(t *testing.T) {
	ctx := context.Background()
	past := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	t.Run("No Refresh Token", func(t *testing.T) {
		f := newFixture(t, &past, "old-access", "")
		_, err := f.mgr.Refresh(ctx, "t1")
		assert.ErrorIs(t, err, types.ErrCredential)
		assert.Empty(t, f.ex.calls)
		assert.Empty(t, f.db.AuditEntries())
	})

	t.Run("Vendor Rejects", func(t *testing.T) {
		f := newFixture(t, &past, "old-access", "old-refresh")
		f.ex.err = fmt.Errorf("%w: invalid_grant", types.ErrCredential)

		_, err := f.mgr.ValidAccessToken(ctx, "t1")
		assert.ErrorIs(t, err, types.ErrCredential)

		tenant, err := f.db.GetTenant(ctx, "t1")
		require.NoError(t, err)
		access, err := f.vault.Decrypt(ctx, tenant.Tokens[types.VendorSungrow].AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "old-access", access, "no partial write")
		assert.Empty(t, f.db.AuditEntries())
	})

	t.Run("Network Error", func(t *testing.T) {
		f := newFixture(t, &past, "old-access", "old-refresh")
		f.ex.err = fmt.Errorf("%w: timeout", types.ErrTransientNetwork)

		_, err := f.mgr.Refresh(ctx, "t1")
		assert.ErrorIs(t, err, types.ErrTransientNetwork)
		assert.Empty(t, f.db.AuditEntries())
	})

	t.Run("Empty Access Token In Grant", func(t *testing.T) {
		f := newFixture(t, &past, "old-access", "old-refresh")
		f.ex.grant = Grant{RefreshToken: "x"}

		_, err := f.mgr.Refresh(ctx, "t1")
		assert.ErrorIs(t, err, types.ErrCredential)
	})

	t.Run("Corrupt Ciphertext", func(t *testing.T) {
		f := newFixture(t, &past, "old-access", "old-refresh")
		tenant, err := f.db.GetTenant(ctx, "t1")
		require.NoError(t, err)
		toks := tenant.Tokens[types.VendorSungrow]
		toks.RefreshToken = strings.Repeat("A", 64)
		tenant.Tokens[types.VendorSungrow] = toks
		require.NoError(t, f.db.UpsertTenant(ctx, tenant))

		_, err = f.mgr.Refresh(ctx, "t1")
		assert.ErrorIs(t, err, types.ErrCrypto)
		assert.Empty(t, f.ex.calls)
	})

	t.Run("Store Failure", func(t *testing.T) {
		v, err := vault.New("01234567890123456789012345678901")
		require.NoError(t, err)
		enc, err := v.Encrypt(ctx, "old-refresh")
		require.NoError(t, err)

		db := &storagemock.MockDatabase{}
		db.On("GetTenant", mock.Anything, "t1").Return(types.Tenant{
			ID:     "t1",
			Tokens: map[types.Vendor]types.VendorTokens{types.VendorHuawei: {RefreshToken: enc}},
		}, nil)
		db.On("UpdateTenantTokens", mock.Anything, "t1", types.VendorHuawei, mock.Anything, mock.Anything).Return(errors.New("contention"))

		ex := &fakeExchanger{grant: Grant{AccessToken: "a", RefreshToken: "r", ExpiresIn: time.Hour}}
		mgr := NewManager(types.VendorHuawei, db, v, ex, nil)

		_, err = mgr.ValidAccessToken(ctx, "t1")
		assert.ErrorContains(t, err, "contention")
		db.AssertExpectations(t)
	})
}
