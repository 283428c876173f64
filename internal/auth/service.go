package auth

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/helixgate/gateway/internal/auth/keys"
	"github.com/helixgate/gateway/internal/kvstore"
	"github.com/helixgate/gateway/internal/svcerr"
)

// UserLookup returns Principal records by stable id or contact address, the
// collaborator named in spec.md §8.
type UserLookup interface {
	ByEmail(ctx context.Context, email string) (*Principal, error)
	ByID(ctx context.Context, id string) (*Principal, error)
}

// ErrUserNotFound is returned by UserLookup implementations. TokenService
// never lets it leak as a distinct authentication failure, per §4.1's
// no-user-enumeration-oracle requirement.
var ErrUserNotFound = errors.New("auth: user not found")

const (
	refreshKeyPrefix   = "refresh:"
	revokedKeyPrefix   = "revoked:jti:"
	tokenIssuer        = "helixgate-gateway"
	refreshCASAttempts = 3

	// refreshLockRetryBase is the floor of the jittered delay between
	// failed refresh-lock acquisition attempts, so a concurrent holder
	// gets a real chance to release before retries are exhausted.
	refreshLockRetryBase = 15 * time.Millisecond
)

// Service implements TokenService (§4.1): Authenticate, Issue, Validate,
// Refresh, Revoke, and RBAC authorization. Grounded on
// original_source/auth-service/src/auth_service.py for operation shape,
// generalized from single-process Redis calls onto the KVStore
// abstraction so the same code runs against the in-memory or Redis
// backend.
type Service struct {
	users     UserLookup
	store     kvstore.KVStore
	keys      keys.Provider
	rbac      *RBAC
	accessTTL time.Duration
	refreshTTL time.Duration
}

// NewService wires the TokenService's collaborators. accessTTL/refreshTTL
// default to spec.md §3's 15m/30d when zero.
func NewService(users UserLookup, store kvstore.KVStore, provider keys.Provider, rbac *RBAC, accessTTL, refreshTTL time.Duration) *Service {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	return &Service{
		users:      users,
		store:      store,
		keys:       provider,
		rbac:       rbac,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// Authenticate verifies password against the stored verifier, returning a
// uniform invalid_credentials error on any failure so callers cannot
// distinguish "no such user" from "bad password".
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Principal, error) {
	principal, err := s.users.ByEmail(ctx, email)
	if err != nil {
		// Still run bcrypt against a fixed hash to keep the call's
		// duration close to the found-user path.
		_ = bcrypt.CompareHashAndPassword([]byte(noSuchUserHash), []byte(password))
		return nil, svcerr.InvalidCredentials()
	}
	if principal.Status != StatusActive {
		return nil, svcerr.InvalidCredentials()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(principal.PasswordHash), []byte(password)); err != nil {
		return nil, svcerr.InvalidCredentials()
	}
	return principal, nil
}

// noSuchUserHash is a valid bcrypt hash of an unguessable constant, used
// only to keep Authenticate's bcrypt.CompareHashAndPassword call count
// identical on the found- and not-found-user paths.
const noSuchUserHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5L8XwNkT8GpE2pXqyMvVPvhnjw2v6"

// Issue generates a fresh access/refresh pair for principal, registering
// the refresh jti as principal's current refresh token.
func (s *Service) Issue(ctx context.Context, principal *Principal) (accessToken, refreshToken string, accessTTLSeconds int64, err error) {
	accessJTI := uuid.NewString()
	accessToken, _, err = signToken(ctx, s.keys, principal, TokenAccess, accessJTI, s.accessTTL, tokenIssuer)
	if err != nil {
		return "", "", 0, svcerr.Internal("sign access token", err)
	}

	refreshJTI := uuid.NewString()
	refreshToken, _, err = signToken(ctx, s.keys, principal, TokenRefresh, refreshJTI, s.refreshTTL, tokenIssuer)
	if err != nil {
		return "", "", 0, svcerr.Internal("sign refresh token", err)
	}

	if err := s.store.Set(ctx, refreshKeyPrefix+principal.ID, refreshJTI, s.refreshTTL); err != nil {
		return "", "", 0, svcerr.Internal("persist refresh token", err)
	}

	return accessToken, refreshToken, int64(s.accessTTL / time.Second), nil
}

// Validate checks signature and expiry, then type, then revocation, in
// that order, so an expired token is reported as expired (not revoked)
// and a token is reported as revoked only when it is otherwise valid.
func (s *Service) Validate(ctx context.Context, token string, expected TokenType) (*Claims, error) {
	publicKey, err := s.keys.PublicKey(ctx)
	if err != nil {
		return nil, svcerr.Internal("load verification key", err)
	}

	claims, err := parseVerified(token, publicKey, false)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, svcerr.Expired()
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, svcerr.BadSignature(err)
		default:
			return nil, svcerr.Malformed()
		}
	}

	if claims.Type != string(expected) {
		return nil, svcerr.WrongType()
	}

	_, err = s.store.Get(ctx, revokedKeyPrefix+claims.ID)
	if err == nil {
		return nil, svcerr.Revoked()
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return nil, svcerr.Internal("check revocation", err)
	}

	return &Claims{
		Subject:   claims.Subject,
		Tier:      Tier(claims.Tier),
		Type:      TokenType(claims.Type),
		JTI:       claims.ID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Refresh validates refreshToken, confirms it is the stored current
// refresh token for its principal, then atomically rotates to a new pair,
// revoking the old jti. Rotation is serialized per principal by a
// short-lived SetNX lock, whose acquisition is retried on conflict; the
// current-refresh key itself is written with a plain Set, not
// CompareAndSwap.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, accessTTLSeconds int64, err error) {
	claims, err := s.Validate(ctx, refreshToken, TokenRefresh)
	if err != nil {
		return "", "", 0, err
	}

	lockKey := refreshKeyPrefix + "lock:" + claims.Subject
	for attempt := 0; attempt < refreshCASAttempts; attempt++ {
		acquired, err := s.store.SetNX(ctx, lockKey, claims.JTI, 5*time.Second)
		if err != nil {
			return "", "", 0, svcerr.Internal("acquire refresh lock", err)
		}
		if !acquired {
			if attempt < refreshCASAttempts-1 {
				select {
				case <-time.After(refreshLockRetryDelay(attempt)):
				case <-ctx.Done():
					return "", "", 0, ctx.Err()
				}
			}
			continue
		}
		access, refresh, ttl, releaseErr := s.rotateRefresh(ctx, claims)
		_ = s.store.Delete(ctx, lockKey)
		if releaseErr != nil {
			return "", "", 0, releaseErr
		}
		return access, refresh, ttl, nil
	}

	return "", "", 0, svcerr.Internal("refresh lock exhausted retries", fmt.Errorf("jti=%s", claims.JTI))
}

// refreshLockRetryDelay returns a jittered, linearly-growing delay before
// the next refresh-lock acquisition attempt, so a concurrent holder of a
// 5s lock (see Refresh) has a real window to release it instead of losing
// the race to three back-to-back SetNX calls.
func refreshLockRetryDelay(attempt int) time.Duration {
	base := refreshLockRetryBase * time.Duration(attempt+1)
	return base + time.Duration(rand.Int63n(int64(refreshLockRetryBase)))
}

func (s *Service) rotateRefresh(ctx context.Context, claims *Claims) (accessToken, refreshToken string, accessTTLSeconds int64, err error) {
	current, err := s.store.Get(ctx, refreshKeyPrefix+claims.Subject)
	if err != nil || current != claims.JTI {
		return "", "", 0, svcerr.Revoked()
	}

	principal, err := s.users.ByID(ctx, claims.Subject)
	if err != nil {
		return "", "", 0, svcerr.InvalidCredentials()
	}

	access, refresh, ttl, err := s.Issue(ctx, principal)
	if err != nil {
		return "", "", 0, err
	}

	if err := s.revokeJTI(ctx, claims.JTI, time.Until(claims.ExpiresAt)); err != nil {
		return "", "", 0, svcerr.Internal("revoke rotated refresh token", err)
	}
	return access, refresh, ttl, nil
}

// Revoke parses token without a time-check and, if structurally valid,
// stores its jti as revoked under a key whose TTL equals the token's own
// remaining lifetime (bounded below by zero), so each jti expires from the
// store independently of any other revocation. Idempotent.
func (s *Service) Revoke(ctx context.Context, token string) error {
	publicKey, err := s.keys.PublicKey(ctx)
	if err != nil {
		return svcerr.Internal("load verification key", err)
	}
	claims, err := parseVerified(token, publicKey, true)
	if err != nil {
		return svcerr.Malformed()
	}
	return s.revokeJTI(ctx, claims.ID, time.Until(claims.ExpiresAt.Time))
}

func (s *Service) revokeJTI(ctx context.Context, jti string, remaining time.Duration) error {
	if remaining < 0 {
		remaining = 0
	}
	return s.store.Set(ctx, revokedKeyPrefix+jti, "1", remaining)
}

// Authorize computes principal's effective permission set via RBAC and
// reports whether it contains permission.
func (s *Service) Authorize(principal *Principal, permission Permission) (bool, error) {
	perms, err := s.rbac.EffectivePermissions(principal.ID, principal.Roles)
	if err != nil {
		return false, svcerr.Internal("resolve effective permissions", err)
	}
	return Has(perms, permission), nil
}

// InvalidateAuthorization clears the principal's memoized permission set,
// called whenever its role assignment changes.
func (s *Service) InvalidateAuthorization(principalID string) {
	s.rbac.Invalidate(principalID)
}
