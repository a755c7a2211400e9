// Package token mints and verifies the short-lived bridge tokens the
// control plane hands to local agents and the relay checks on handshake.
//
// Wire form: base64url(cbor(Claims) || ed25519 signature).
package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

const (
	AudienceBridge = "bridge"
	DefaultTTL     = 120 * time.Second
)

var (
	ErrMalformed        = errors.New("token: malformed")
	ErrTooShort         = errors.New("token: too short for signature")
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrExpired          = errors.New("token: expired")
	ErrAudience         = errors.New("token: audience does not match")
)

type Claims struct {
	Subject   string `cbor:"1,keyasint"`
	Audience  string `cbor:"2,keyasint"`
	ID        string `cbor:"3,keyasint"`
	IssuedAt  int64  `cbor:"4,keyasint"`
	ExpiresAt int64  `cbor:"5,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("token: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("token: cbor decoder: " + err.Error())
	}
}

// Mint signs a token for subject valid for ttl starting at now.
func Mint(key ed25519.PrivateKey, subject string, ttl time.Duration, now time.Time) (string, Claims, error) {
	if subject == "" {
		return "", Claims{}, errors.New("token: subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	claims := Claims{
		Subject:   subject,
		Audience:  AudienceBridge,
		ID:        uuid.NewString(),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	payload, err := encMode.Marshal(claims)
	if err != nil {
		return "", Claims{}, fmt.Errorf("token: encode claims: %w", err)
	}
	sig := ed25519.Sign(key, payload)
	raw := make([]byte, 0, len(payload)+len(sig))
	raw = append(raw, payload...)
	raw = append(raw, sig...)
	return base64.RawURLEncoding.EncodeToString(raw), claims, nil
}

func Verify(key ed25519.PublicKey, encoded string) (Claims, error) {
	return VerifyAt(key, encoded, time.Now())
}

func VerifyAt(key ed25519.PublicKey, encoded string, now time.Time) (Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	if len(raw) <= ed25519.SignatureSize {
		return Claims{}, ErrTooShort
	}
	split := len(raw) - ed25519.SignatureSize
	payload, sig := raw[:split], raw[split:]
	if !ed25519.Verify(key, payload, sig) {
		return Claims{}, ErrInvalidSignature
	}
	var claims Claims
	if err := decMode.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims.Audience != AudienceBridge {
		return Claims{}, fmt.Errorf("%w: got %q", ErrAudience, claims.Audience)
	}
	if now.Unix() >= claims.ExpiresAt {
		return Claims{}, ErrExpired
	}
	if claims.Subject == "" {
		return Claims{}, ErrMalformed
	}
	return claims, nil
}
