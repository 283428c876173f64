package auth

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/helixgate/gateway/internal/auth/keys"
)

// hsmSigningMethod adapts a keys.Provider (which may never expose a raw
// private key, e.g. an Azure Key Vault-backed one) to jwt.SigningMethod.
// Verification reuses the library's built-in RS256 method since that side
// only ever needs the public key, which every Provider returns directly.
type hsmSigningMethod struct {
	ctx      context.Context
	provider keys.Provider
}

func (m *hsmSigningMethod) Alg() string { return jwt.SigningMethodRS256.Alg() }

func (m *hsmSigningMethod) Sign(signingString string, key interface{}) ([]byte, error) {
	digest := sha256.Sum256([]byte(signingString))
	return m.provider.Sign(m.ctx, digest[:])
}

func (m *hsmSigningMethod) Verify(signingString string, sig []byte, key interface{}) error {
	return jwt.SigningMethodRS256.Verify(signingString, sig, key)
}

// jwtClaims is the wire shape of access/refresh tokens, matching spec.md
// §3's {sub, tier, type, iat, exp, jti}.
type jwtClaims struct {
	Tier string `json:"tier"`
	Type string `json:"type"`
	jwt.RegisteredClaims
}

func signToken(ctx context.Context, provider keys.Provider, principal *Principal, tokenType TokenType, jti string, ttl time.Duration, issuer string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := jwtClaims{
		Tier: string(principal.Tier),
		Type: string(tokenType),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ID,
			ID:        jti,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(&hsmSigningMethod{ctx: ctx, provider: provider}, claims)
	signed, err := token.SignedString(struct{}{})
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// parseUnverified decodes claims without checking the signature or any
// time-based claim. Revoke does not use it: Revoke verifies the signature
// through parseVerified with skipExpiry set.
func parseUnverified(tokenString string) (*jwtClaims, error) {
	var claims jwtClaims
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	_, _, err := parser.ParseUnverified(tokenString, &claims)
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

// parseVerified checks the signature and (unless skipExpiry) the exp claim,
// returning the decoded claims.
func parseVerified(tokenString string, publicKey interface{}, skipExpiry bool) (*jwtClaims, error) {
	var claims jwtClaims
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if skipExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	parser := jwt.NewParser(opts...)
	_, err := parser.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return publicKey, nil
	})
	if err != nil {
		return nil, err
	}
	return &claims, nil
}
