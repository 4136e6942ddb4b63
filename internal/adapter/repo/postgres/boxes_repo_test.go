package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/openclaw-cloud/internal/adapter/repo/postgres"
	"github.com/openclaw/openclaw-cloud/internal/domain"
)

func TestBoxRepo_Create_DuplicateNamespaceConflicts(t *testing.T) {
	p := &poolStub{execErr: &pgconn.PgError{Code: "23505"}}
	r := postgres.NewBoxRepo(p)
	err := r.Create(context.Background(), domain.Box{CustomerID: "c1", Namespace: "customer-c1", Status: domain.BoxPending})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestBoxRepo_UpdateStatus_DestroyedIsTerminal(t *testing.T) {
	// The WHERE clause excludes destroyed rows; zero rows affected maps to
	// ErrInvalidState so no box ever transitions out of destroyed.
	p := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	r := postgres.NewBoxRepo(p)
	err := r.UpdateStatus(context.Background(), "b1", domain.BoxActive)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	require.Contains(t, p.execSQL[0], "status <> 'destroyed'")
}

func TestBoxRepo_Get_NotFound(t *testing.T) {
	p := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	r := postgres.NewBoxRepo(p)
	_, err := r.Get(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
