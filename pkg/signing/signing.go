// Package signing wraps detached Ed25519 signatures over canonical
// JSON bytes. The same primitive authenticates outbound dispatch
// envelopes and inbound executor webhooks.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/countersign-io/countersign/pkg/canonical"
)

var (
	ErrMissingKey       = errors.New("signing: key not configured")
	ErrInvalidKey       = errors.New("signing: invalid key material")
	ErrInvalidSignature = errors.New("signing: signature verification failed")
)

// Signer holds the service's Ed25519 private key.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner decodes a base64 Ed25519 private key (64-byte expanded form,
// or a 32-byte seed).
func NewSigner(privateKeyB64 string) (*Signer, error) {
	if privateKeyB64 == "" {
		return nil, ErrMissingKey
	}
	raw, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return &Signer{priv: ed25519.PrivateKey(raw)}, nil
	case ed25519.SeedSize:
		return &Signer{priv: ed25519.NewKeyFromSeed(raw)}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidKey, len(raw))
	}
}

// Public returns the base64 public key matching the signer.
func (s *Signer) Public() string {
	pub := s.priv.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}

// SignBytes signs raw bytes and returns a base64 detached signature.
func (s *Signer) SignBytes(msg []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, msg))
}

// SignValue canonicalizes v and signs the canonical bytes.
func (s *Signer) SignValue(v any) (string, error) {
	msg, err := canonical.Marshal(v)
	if err != nil {
		return "", err
	}
	return s.SignBytes(msg), nil
}

// SignValueStripped canonicalizes v with "sig" keys removed, then signs.
// Used for envelopes that embed their own signature field.
func (s *Signer) SignValueStripped(v any) (string, error) {
	msg, err := canonical.MarshalStripped(v)
	if err != nil {
		return "", err
	}
	return s.SignBytes(msg), nil
}

// DecodePublicKey decodes a base64 Ed25519 public key.
func DecodePublicKey(pubB64 string) (ed25519.PublicKey, error) {
	if pubB64 == "" {
		return nil, ErrMissingKey
	}
	raw, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// VerifyBytes checks a base64 detached signature over raw bytes.
func VerifyBytes(pub ed25519.PublicKey, msg []byte, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: bad base64", ErrInvalidSignature)
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyValue canonicalizes v and checks the signature over the result.
func VerifyValue(pub ed25519.PublicKey, v any, sigB64 string) error {
	msg, err := canonical.Marshal(v)
	if err != nil {
		return err
	}
	return VerifyBytes(pub, msg, sigB64)
}

// GenerateKeypair returns a fresh base64 private/public key pair.
func GenerateKeypair() (privB64, pubB64 string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(priv), base64.StdEncoding.EncodeToString(pub), nil
}
