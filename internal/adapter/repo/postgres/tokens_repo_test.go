package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/openclaw-cloud/internal/adapter/repo/postgres"
	"github.com/openclaw/openclaw-cloud/internal/domain"
)

func TestProxyTokenRepo_Create_SecondActivePerBoxConflicts(t *testing.T) {
	p := &poolStub{execErr: &pgconn.PgError{Code: "23505"}}
	r := postgres.NewProxyTokenRepo(p)
	err := r.Create(context.Background(), domain.ProxyToken{CustomerID: "c1", BoxID: "b1", TokenHash: "x"})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestProxyTokenRepo_Revoke_AlreadyRevokedNotFound(t *testing.T) {
	p := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	r := postgres.NewProxyTokenRepo(p)
	err := r.Revoke(context.Background(), "tok-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProxyTokenRepo_Revoke_Active(t *testing.T) {
	p := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	r := postgres.NewProxyTokenRepo(p)
	require.NoError(t, r.Revoke(context.Background(), "tok-1"))
	require.Contains(t, p.execSQL[0], "revoked_at IS NULL")
}
