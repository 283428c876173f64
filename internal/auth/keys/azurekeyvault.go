package keys

import (
	"context"
	"crypto/rsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
)

// publicKeyRefreshInterval bounds how often AzureKeyVault re-fetches the
// public key, in case of rotation. Signing itself always hits the vault;
// only the public half is cached. The cache is filled on the first
// PublicKey call, not at construction, and a stale cache is refilled
// inside the PublicKey call that finds it stale.
const publicKeyRefreshInterval = 10 * time.Minute

// AzureKeyVault signs tokens through an Azure Key Vault RSA key, never
// exporting the private key material. Satisfies §4.1's "hardware-security-
// module-like abstraction" preference for production deployments.
type AzureKeyVault struct {
	client  *azkeys.Client
	keyName string

	mu           sync.RWMutex
	cachedPublic *rsa.PublicKey
	cachedAt     time.Time
}

// NewAzureKeyVault builds a client against vaultURL using cred (typically
// azidentity.NewDefaultAzureCredential) and targets the RSA key keyName.
func NewAzureKeyVault(vaultURL, keyName string, cred azcore.TokenCredential) (*AzureKeyVault, error) {
	client, err := azkeys.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create key vault client: %w", err)
	}
	return &AzureKeyVault{client: client, keyName: keyName}, nil
}

func (a *AzureKeyVault) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	resp, err := a.client.Sign(ctx, a.keyName, "", azkeys.SignParameters{
		Algorithm: toPtr(azkeys.JSONWebKeySignatureAlgorithmRS256),
		Value:     digest,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("key vault sign: %w", err)
	}
	return resp.Result, nil
}

func (a *AzureKeyVault) PublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	a.mu.RLock()
	fresh := a.cachedPublic != nil && time.Since(a.cachedAt) < publicKeyRefreshInterval
	cached := a.cachedPublic
	a.mu.RUnlock()
	if fresh {
		return cached, nil
	}

	resp, err := a.client.GetKey(ctx, a.keyName, "", nil)
	if err != nil {
		return nil, fmt.Errorf("key vault get key: %w", err)
	}
	if resp.Key == nil || resp.Key.N == nil || resp.Key.E == nil {
		return nil, fmt.Errorf("key vault response missing RSA key material")
	}

	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(resp.Key.N),
		E: int(new(big.Int).SetBytes(resp.Key.E).Int64()),
	}

	a.mu.Lock()
	a.cachedPublic = pub
	a.cachedAt = time.Now()
	a.mu.Unlock()

	return pub, nil
}

func toPtr[T any](v T) *T { return &v }
