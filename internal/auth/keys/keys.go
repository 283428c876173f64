// Package keys provides the signing-key abstraction TokenService loads at
// construction. Grounded on infrastructure/serviceauth/serviceauth.go's PEM
// parsing helpers; the HSM-like preference (§4.1) is satisfied by an Azure
// Key Vault-backed Provider, falling back to an in-process generated and
// persisted RSA pair when no vault is configured.
package keys

import (
	"context"
	"crypto/rsa"
)

// Provider is the signing-key abstraction TokenService depends on.
//
// Sign takes place over an already-computed digest rather than a raw
// *rsa.PrivateKey so that a real HSM-backed implementation (private key
// material never leaves the vault) and an in-process implementation can
// share one interface. Verification itself is local once the public key is
// in hand: InProcess holds it in memory, while AzureKeyVault fetches it from
// the vault on first use and again whenever its cached copy is older than
// publicKeyRefreshInterval, so those Validate calls do make a remote call.
type Provider interface {
	// Sign returns a PKCS#1 v1.5 RSA signature (RS256) over digest, the
	// SHA-256 hash of the JWT signing input.
	Sign(ctx context.Context, digest []byte) ([]byte, error)

	// PublicKey returns the key used to verify token signatures.
	PublicKey(ctx context.Context) (*rsa.PublicKey, error)
}
