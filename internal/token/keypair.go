package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "bridge-signing-key"
	publicKeyFile  = "bridge-signing-key.pub"
)

func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return pub, priv, nil
}

func SaveKeypair(dir string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), priv, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), pub, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

func LoadKeypair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	priv, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("read private key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("private key has %d bytes, want %d", len(priv), ed25519.PrivateKeySize)
	}
	pub, err := LoadPublicKey(dir)
	if err != nil {
		return nil, nil, err
	}
	return pub, ed25519.PrivateKey(priv), nil
}

// LoadPublicKey reads only the verification half, which is all the relay
// needs.
func LoadPublicKey(dir string) (ed25519.PublicKey, error) {
	pub, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(pub), nil
}

// LoadOrGenerateKeypair returns the key pair in dir, creating one when no
// private key exists yet. A present but unreadable key is an error, never
// silently replaced. The bool reports whether a new pair was generated.
func LoadOrGenerateKeypair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, bool, error) {
	pub, priv, err := LoadKeypair(dir)
	if err == nil {
		return pub, priv, false, nil
	}
	if _, statErr := os.Stat(filepath.Join(dir, privateKeyFile)); statErr == nil {
		return nil, nil, false, err
	}
	pub, priv, err = GenerateKeypair()
	if err != nil {
		return nil, nil, false, err
	}
	if err := SaveKeypair(dir, pub, priv); err != nil {
		return nil, nil, false, err
	}
	return pub, priv, true, nil
}
