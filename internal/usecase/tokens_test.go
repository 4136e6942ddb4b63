package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

func newTokenService() (*TokenService, *fakeTokensRepo, *fakeTokenCache) {
	repo := newFakeTokensRepo()
	cache := newFakeTokenCache()
	return &TokenService{Repo: repo, Cache: cache}, repo, cache
}

func TestMintStoresHashNotRaw(t *testing.T) {
	svc, repo, cache := newTokenService()

	minted, err := svc.Mint(context.Background(), "cust-1", "box-1")
	require.NoError(t, err)
	require.Len(t, minted.Token, 32)
	require.NotEmpty(t, minted.TokenID)

	stored, err := repo.GetActiveByBox(context.Background(), "box-1")
	require.NoError(t, err)
	require.NotEqual(t, minted.Token, stored.TokenHash)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.TokenHash), []byte(minted.Token)))

	// Cache is pre-warmed so the first request skips the bcrypt walk.
	claims, ok, err := cache.Get(context.Background(), minted.Token)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cust-1", claims.CustomerID)
	require.Equal(t, minted.TokenID, claims.TokenID)
}

func TestMintRequiresIdentifiers(t *testing.T) {
	svc, _, _ := newTokenService()
	_, err := svc.Mint(context.Background(), "", "box-1")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = svc.Mint(context.Background(), "cust-1", "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAuthenticateCacheMissWalksHashes(t *testing.T) {
	svc, _, cache := newTokenService()
	minted, err := svc.Mint(context.Background(), "cust-1", "box-1")
	require.NoError(t, err)

	// Drop the warm entry to force the slow path.
	delete(cache.entries, minted.Token)

	claims, err := svc.Authenticate(context.Background(), minted.Token)
	require.NoError(t, err)
	require.Equal(t, "cust-1", claims.CustomerID)

	// Slow path repopulates the cache.
	_, ok, _ := cache.Get(context.Background(), minted.Token)
	require.True(t, ok)
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	svc, _, _ := newTokenService()
	_, err := svc.Authenticate(context.Background(), "deadbeefdeadbeefdeadbeefdeadbeef")
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = svc.Authenticate(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAuthenticateRejectsRevokedToken(t *testing.T) {
	svc, repo, cache := newTokenService()
	minted, err := svc.Mint(context.Background(), "cust-1", "box-1")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(context.Background(), minted.TokenID))
	delete(cache.entries, minted.Token)

	_, err = svc.Authenticate(context.Background(), minted.Token)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = repo.GetActiveByBox(context.Background(), "box-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuthenticateSurvivesCacheFailure(t *testing.T) {
	svc, _, cache := newTokenService()
	minted, err := svc.Mint(context.Background(), "cust-1", "box-1")
	require.NoError(t, err)

	cache.getErr = domain.ErrInternal
	claims, err := svc.Authenticate(context.Background(), minted.Token)
	require.NoError(t, err)
	require.Equal(t, "cust-1", claims.CustomerID)
}

func TestRevokeUnknownTokenNotFound(t *testing.T) {
	svc, _, _ := newTokenService()
	require.ErrorIs(t, svc.Revoke(context.Background(), "missing"), domain.ErrNotFound)
}
