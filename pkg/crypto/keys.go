// pkg/crypto/keys.go
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeyBits is the modulus size of node key pairs.
const KeyBits = 2048

var (
	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrInvalidPrivateKey = errors.New("invalid private key")
)

// KeyPair is a node's RSA identity. The private half is only ever written
// to the node's own key directory, never to the network.
type KeyPair struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// GenerateKeyPair creates a new RSA key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rsa key: %w", err)
	}

	return &KeyPair{
		Public:  &priv.PublicKey,
		Private: priv,
	}, nil
}

// Sign signs the SHA-256 digest of data with the private key.
func (kp *KeyPair) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, kp.Private, crypto.SHA256, digest[:])
}

// Verify checks a signature produced by Sign against pub.
func Verify(data, signature []byte, pub *rsa.PublicKey) bool {
	if pub == nil || len(signature) == 0 {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature) == nil
}

// EncodePublicKey renders pub as hex-encoded PKIX DER.
func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return hex.EncodeToString(der), nil
}

// ParsePublicKey is the inverse of EncodePublicKey.
func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	der, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an rsa key", ErrInvalidPublicKey)
	}
	return pub, nil
}

// EncodePrivateKey renders priv as hex-encoded PKCS#8 DER.
func EncodePrivateKey(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return hex.EncodeToString(der), nil
}

// ParseKeyPair rebuilds a key pair from EncodePrivateKey output.
func ParseKeyPair(s string) (*KeyPair, error) {
	der, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an rsa key", ErrInvalidPrivateKey)
	}
	return &KeyPair{Public: &priv.PublicKey, Private: priv}, nil
}
