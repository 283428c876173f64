package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
)

const keyBits = 2048

// InProcess is the default Provider: an RSA pair generated once and
// persisted to disk so restarts don't invalidate outstanding tokens. Used
// when no Azure Key Vault URL is configured.
type InProcess struct {
	mu         sync.RWMutex
	privateKey *rsa.PrivateKey
}

// LoadOrGenerate reads a PEM-encoded PKCS#1 private key from privateKeyPath.
// If the file does not exist, a new key is generated and written there (and
// to publicKeyPath) so subsequent process restarts reuse it.
func LoadOrGenerate(privateKeyPath, publicKeyPath string) (*InProcess, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err == nil {
		key, parseErr := parsePrivateKeyPEM(data)
		if parseErr != nil {
			return nil, fmt.Errorf("parse signing key at %s: %w", privateKeyPath, parseErr)
		}
		return &InProcess{privateKey: key}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing key at %s: %w", privateKeyPath, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := persist(key, privateKeyPath, publicKeyPath); err != nil {
		return nil, err
	}
	return &InProcess{privateKey: key}, nil
}

// NewInProcess wraps an already-loaded key, mainly for tests.
func NewInProcess(key *rsa.PrivateKey) *InProcess {
	return &InProcess{privateKey: key}
}

func (p *InProcess) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return rsa.SignPKCS1v15(rand.Reader, p.privateKey, crypto.SHA256, digest)
}

func (p *InProcess) PublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &p.privateKey.PublicKey, nil
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

func persist(key *rsa.PrivateKey, privateKeyPath, publicKeyPath string) error {
	privBytes := x509.MarshalPKCS1PrivateKey(key)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})
	if err := os.WriteFile(privateKeyPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("write signing key at %s: %w", privateKeyPath, err)
	}

	if publicKeyPath == "" {
		return nil
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	if err := os.WriteFile(publicKeyPath, pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key at %s: %w", publicKeyPath, err)
	}
	return nil
}
