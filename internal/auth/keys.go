// Package auth signs and verifies calls on the internal session API.
package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Key file names inside the keys directory.
const (
	PrivateKeyFile = "rpc_private.pem"
	PublicKeyFile  = "rpc_public.pem"
)

const (
	pemPrivate = "EC PRIVATE KEY"
	pemPublic  = "PUBLIC KEY"
)

// ErrKeyMismatch is returned when the public key file does not belong to the private key.
var ErrKeyMismatch = errors.New("public key does not match private key")

// KeyPaths returns the private and public key paths under dir.
func KeyPaths(dir string) (string, string) {
	return filepath.Join(dir, PrivateKeyFile), filepath.Join(dir, PublicKeyFile)
}

// KeyPair is the P-256 pair behind ES256 call tokens. Signers need the
// private half; a verify-only deployment can hold just PublicKey.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// GenerateKeyPair creates a new P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}
	return &KeyPair{PrivateKey: privateKey, PublicKey: &privateKey.PublicKey}, nil
}

// Fingerprint identifies the public key: the first 8 bytes of the SHA-256
// of its PKIX encoding, hex encoded.
func (kp *KeyPair) Fingerprint() string {
	der, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8])
}

// SavePrivateKey writes the private key as a mode 0600 PEM file.
func (kp *KeyPair) SavePrivateKey(path string) error {
	der, err := x509.MarshalECPrivateKey(kp.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	return writePEM(path, pemPrivate, der, 0600)
}

// SavePublicKey writes the public key as a mode 0644 PEM file.
func (kp *KeyPair) SavePublicKey(path string) error {
	der, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	return writePEM(path, pemPublic, der, 0644)
}

// SaveKeys writes both halves of the pair.
func (kp *KeyPair) SaveKeys(privateKeyPath, publicKeyPath string) error {
	if err := kp.SavePrivateKey(privateKeyPath); err != nil {
		return err
	}
	return kp.SavePublicKey(publicKeyPath)
}

// writePEM replaces path atomically so a reader never sees a half-written key.
func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".key-*")
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set key file mode: %w", err)
	}
	if err := pem.Encode(tmp, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("%s: expected %s, got %s", path, blockType, block.Type)
	}
	return block.Bytes, nil
}

// LoadPrivateKey reads an EC private key PEM file.
func LoadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	der, err := readPEM(path, pemPrivate)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// LoadPublicKey reads a PKIX public key PEM file holding an ECDSA key.
func LoadPublicKey(path string) (*ecdsa.PublicKey, error) {
	der, err := readPEM(path, pemPublic)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an ECDSA public key", path)
	}
	return key, nil
}

// LoadKeyPair loads both halves and checks that they belong together.
func LoadKeyPair(privateKeyPath, publicKeyPath string) (*KeyPair, error) {
	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}
	publicKey, err := LoadPublicKey(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load public key: %w", err)
	}
	if !privateKey.PublicKey.Equal(publicKey) {
		return nil, ErrKeyMismatch
	}
	return &KeyPair{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

// LoadOrGenerateKeyPair loads the pair, generating and saving one when neither
// file exists. A single missing or unreadable file is an error.
func LoadOrGenerateKeyPair(privateKeyPath, publicKeyPath string) (*KeyPair, error) {
	_, privErr := os.Stat(privateKeyPath)
	_, pubErr := os.Stat(publicKeyPath)
	if privErr == nil || pubErr == nil {
		return LoadKeyPair(privateKeyPath, publicKeyPath)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := kp.SaveKeys(privateKeyPath, publicKeyPath); err != nil {
		return nil, fmt.Errorf("failed to save key pair: %w", err)
	}
	return kp, nil
}
