package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

const (
	// FingerprintLength is the number of hex characters in an agent id
	FingerprintLength = 16

	pemTypeECPrivateKey = "EC PRIVATE KEY"
	pemTypePKCS8Key     = "PRIVATE KEY"
	pemTypePublicKey    = "PUBLIC KEY"
)

// GenerateKey creates a new P-256 keypair
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// EncodePrivateKey encodes a private key as a SEC 1 "EC PRIVATE KEY" PEM block
func EncodePrivateKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeECPrivateKey, Bytes: der}), nil
}

// DecodePrivateKey parses a PEM private key. Both SEC 1 and PKCS #8 blocks
// are accepted, but the key must be on P-256.
func DecodePrivateKey(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case pemTypeECPrivateKey:
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		key = k
	case pemTypePKCS8Key:
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		k, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an ECDSA key", ErrInvalidKey)
		}
		key = k
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKey, block.Type)
	}

	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: curve must be P-256", ErrInvalidKey)
	}
	return key, nil
}

// EncodePublicKey encodes a public key as a PKIX "PUBLIC KEY" PEM block
func EncodePublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: der}), nil
}

// DecodePublicKey parses a PKIX PEM public key on P-256
func DecodePublicKey(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}
	if block.Type != pemTypePublicKey {
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKey, block.Type)
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ECDSA key", ErrInvalidKey)
	}
	if pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: curve must be P-256", ErrInvalidKey)
	}
	return pub, nil
}

// Fingerprint derives the agent id: the first 16 hex characters of the
// SHA-256 of the PKIX DER public key.
func Fingerprint(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])[:FingerprintLength], nil
}

// FingerprintPEM decodes a PEM public key and returns its fingerprint
func FingerprintPEM(data []byte) (string, error) {
	pub, err := DecodePublicKey(data)
	if err != nil {
		return "", err
	}
	return Fingerprint(pub)
}

// KeyPair bundles a private key with its derived id and public PEM
type KeyPair struct {
	ID         string
	PrivateKey *ecdsa.PrivateKey
	PublicPEM  []byte
}

// NewKeyPair generates a fresh identity
func NewKeyPair() (*KeyPair, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return KeyPairFromPrivateKey(key)
}

// KeyPairFromPrivateKey derives the id and public PEM for an existing key
func KeyPairFromPrivateKey(key *ecdsa.PrivateKey) (*KeyPair, error) {
	pubPEM, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	id, err := Fingerprint(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{ID: id, PrivateKey: key, PublicPEM: pubPEM}, nil
}
