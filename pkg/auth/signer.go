package auth

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrSignerConfig      = errors.New("signing key missing or malformed")
	ErrMalformedGrant    = errors.New("malformed grant token")
	ErrBadGrantSignature = errors.New("grant signature invalid")
	ErrExpiredGrant      = errors.New("grant token expired")
)

// TokenSigner mints signed grant tokens.
type TokenSigner interface {
	Sign(grant *Grant) (string, error)
}

// TokenVerifier checks a token and recovers the grant. Verification is pure:
// it never consults network or mutable state.
type TokenVerifier interface {
	Verify(token string) (*Grant, error)
}

// GrantClaims is the JWT claim set wrapping a grant payload.
type GrantClaims struct {
	ProjectID string       `json:"project_id"`
	Channel   string       `json:"channel"`
	Topics    []TopicGrant `json:"topics"`
	UserID    string       `json:"user_id"`
	KeyID     string       `json:"key_id,omitempty"`
	jwt.RegisteredClaims
}

// Signer signs grants with a process-wide Ed25519 private key, loaded once
// at init. Key rotation replaces the whole Signer value.
type Signer struct {
	key ed25519.PrivateKey
}

// Verifier validates grant tokens against the Ed25519 public key. The
// verification edge shares only the public half with the signer.
type Verifier struct {
	key ed25519.PublicKey
}

// NewSigner wraps a private key, rejecting malformed material up front so
// every later Sign call is infallible on the key side.
func NewSigner(key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, ErrSignerConfig
	}
	return &Signer{key: key}, nil
}

// NewVerifier wraps a public key.
func NewVerifier(key ed25519.PublicKey) (*Verifier, error) {
	if len(key) != ed25519.PublicKeySize {
		return nil, ErrSignerConfig
	}
	return &Verifier{key: key}, nil
}

// Sign mints a compact signed token for the grant. IssuedAt and ExpiresAt
// are taken from the grant payload, which the issuance service has already
// clamped.
func (s *Signer) Sign(grant *Grant) (string, error) {
	if s == nil || len(s.key) != ed25519.PrivateKeySize {
		return "", ErrSignerConfig
	}

	claims := &GrantClaims{
		ProjectID: grant.ProjectID,
		Channel:   grant.Channel,
		Topics:    grant.Topics,
		UserID:    grant.UserID,
		KeyID:     grant.KeyID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(grant.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(grant.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignerConfig, err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the embedded grant.
func (v *Verifier) Verify(tokenString string) (*Grant, error) {
	token, err := jwt.ParseWithClaims(tokenString, &GrantClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Pin the signing method to prevent algorithm confusion attacks
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.key, nil
	})

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredGrant
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadGrantSignature
		default:
			return nil, ErrMalformedGrant
		}
	}

	claims, ok := token.Claims.(*GrantClaims)
	if !ok || !token.Valid {
		return nil, ErrMalformedGrant
	}

	grant := &Grant{
		ProjectID: claims.ProjectID,
		Channel:   claims.Channel,
		Topics:    claims.Topics,
		UserID:    claims.UserID,
		KeyID:     claims.KeyID,
	}
	if claims.IssuedAt != nil {
		grant.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		grant.ExpiresAt = claims.ExpiresAt.Time
	}
	return grant, nil
}

// LoadPrivateKey parses Ed25519 private key material from either a PEM
// (PKCS#8) block or base64 of the raw 64-byte key / 32-byte seed.
func LoadPrivateKey(material string) (ed25519.PrivateKey, error) {
	if block, _ := pem.Decode([]byte(material)); block != nil {
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignerConfig, err)
		}
		key, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an ed25519 key", ErrSignerConfig)
		}
		return key, nil
	}

	raw, err := base64.StdEncoding.DecodeString(material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerConfig, err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	}
	return nil, fmt.Errorf("%w: unexpected key length %d", ErrSignerConfig, len(raw))
}

// LoadPublicKey parses Ed25519 public key material from either a PEM (PKIX)
// block or base64 of the raw 32-byte key.
func LoadPublicKey(material string) (ed25519.PublicKey, error) {
	if block, _ := pem.Decode([]byte(material)); block != nil {
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignerConfig, err)
		}
		key, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an ed25519 key", ErrSignerConfig)
		}
		return key, nil
	}

	raw, err := base64.StdEncoding.DecodeString(material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerConfig, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: unexpected key length %d", ErrSignerConfig, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// GenerateKeypair creates a fresh Ed25519 keypair; used by tests and the
// key-generation tooling.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

