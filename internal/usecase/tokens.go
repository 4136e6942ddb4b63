package usecase

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/crypto/bcrypt"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// TokenService owns proxy bearer tokens: minting, revocation, and the
// authentication path the relay runs on every request.
type TokenService struct {
	Repo  domain.ProxyTokenRepository
	Cache domain.TokenCache
}

// Mint creates a token for a box. Only the bcrypt hash is stored; the raw
// secret goes back to the caller exactly once, with the cache pre-warmed so
// the box's first request skips the bcrypt walk.
func (s *TokenService) Mint(ctx domain.Context, customerID, boxID string) (domain.MintedToken, error) {
	if customerID == "" || boxID == "" {
		return domain.MintedToken{}, fmt.Errorf("op=tokens.mint: %w: customer_id and box_id required", domain.ErrInvalidArgument)
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return domain.MintedToken{}, fmt.Errorf("op=tokens.mint: %w", err)
	}
	raw := hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return domain.MintedToken{}, fmt.Errorf("op=tokens.mint: %w", err)
	}
	token := domain.ProxyToken{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		BoxID:      boxID,
		TokenHash:  string(hash),
	}
	if err := s.Repo.Create(ctx, token); err != nil {
		return domain.MintedToken{}, fmt.Errorf("op=tokens.mint: %w", err)
	}
	claims := domain.TokenClaims{CustomerID: customerID, TokenID: token.ID, BoxID: boxID}
	if err := s.Cache.Set(ctx, raw, claims); err != nil {
		slog.Warn("token cache warm failed", slog.Any("error", err))
	}
	return domain.MintedToken{TokenID: token.ID, Token: raw}, nil
}

// Revoke stamps the token revoked. The cache entry is left to expire by TTL.
func (s *TokenService) Revoke(ctx domain.Context, tokenID string) error {
	if err := s.Repo.Revoke(ctx, tokenID); err != nil {
		return fmt.Errorf("op=tokens.revoke: %w", err)
	}
	return nil
}

// Authenticate resolves a raw bearer token to claims. Cache hit is the fast
// path; on a miss every active hash is compared, which stays acceptable at
// one live token per box.
func (s *TokenService) Authenticate(ctx domain.Context, raw string) (domain.TokenClaims, error) {
	tracer := otel.Tracer("usecase.tokens")
	ctx, span := tracer.Start(ctx, "tokens.authenticate")
	defer span.End()

	if raw == "" {
		return domain.TokenClaims{}, fmt.Errorf("op=tokens.authenticate: %w", domain.ErrUnauthorized)
	}
	claims, ok, err := s.Cache.Get(ctx, raw)
	if err != nil {
		slog.Warn("token cache read failed", slog.Any("error", err))
	} else if ok {
		return claims, nil
	}

	active, err := s.Repo.ListActive(ctx)
	if err != nil {
		return domain.TokenClaims{}, fmt.Errorf("op=tokens.authenticate: %w", err)
	}
	for _, t := range active {
		if bcrypt.CompareHashAndPassword([]byte(t.TokenHash), []byte(raw)) == nil {
			claims := domain.TokenClaims{CustomerID: t.CustomerID, TokenID: t.ID, BoxID: t.BoxID}
			if err := s.Cache.Set(ctx, raw, claims); err != nil {
				slog.Warn("token cache write failed", slog.Any("error", err))
			}
			return claims, nil
		}
	}
	return domain.TokenClaims{}, fmt.Errorf("op=tokens.authenticate: %w", domain.ErrUnauthorized)
}
