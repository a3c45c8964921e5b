package integrity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ashita-ai/spanledger/internal/model"
)

// Signer holds an Ed25519 key pair. A nil *Signer means signing is disabled;
// all methods are safe to call on nil.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner parses a hex-encoded key. Both a 32-byte seed and a 64-byte
// private key are accepted. An empty string returns (nil, nil).
func NewSigner(keyHex string) (*Signer, error) {
	keyHex = strings.TrimSpace(keyHex)
	if keyHex == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("integrity: decode signing key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return NewSignerFromKey(ed25519.NewKeyFromSeed(raw)), nil
	case ed25519.PrivateKeySize:
		return NewSignerFromKey(ed25519.PrivateKey(raw)), nil
	default:
		return nil, fmt.Errorf("integrity: signing key is %d bytes, want %d or %d",
			len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// GenerateSigner creates a signer from a fresh random key.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("integrity: generate key: %w", err)
	}
	return NewSignerFromKey(priv), nil
}

// Enabled reports whether s can sign.
func (s *Signer) Enabled() bool { return s != nil }

// PublicKeyHex returns the hex public key, or "" when disabled.
func (s *Signer) PublicKeyHex() string {
	if s == nil {
		return ""
	}
	return hex.EncodeToString(s.pub)
}

// SeedHex returns the hex private seed, suitable for SIGNING_KEY_HEX.
func (s *Signer) SeedHex() string {
	if s == nil {
		return ""
	}
	return hex.EncodeToString(s.priv.Seed())
}

// PrivateKey exposes the key for token signing.
func (s *Signer) PrivateKey() ed25519.PrivateKey {
	if s == nil {
		return nil
	}
	return s.priv
}

// PublicKey exposes the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	if s == nil {
		return nil
	}
	return s.pub
}

// SignBytes signs arbitrary bytes and returns the hex signature.
func (s *Signer) SignBytes(msg []byte) (string, error) {
	if s == nil {
		return "", fmt.Errorf("integrity: signing disabled")
	}
	return hex.EncodeToString(ed25519.Sign(s.priv, msg)), nil
}

// Sign computes the span's content hash and signs the raw digest bytes,
// setting curr_hash, signature and public_key. Any existing integrity fields
// are discarded first, so re-signing is idempotent for unchanged content.
//
// Payloads and at are normalized to their stored form before hashing, so the
// signed span is exactly what a store persists and reads back.
func (s *Signer) Sign(span *model.Span) error {
	if s == nil {
		return fmt.Errorf("integrity: signing disabled")
	}
	clean := span.WithoutIntegrity()
	if err := clean.NormalizePayloads(); err != nil {
		return err
	}
	hash, err := HashSpan(clean)
	if err != nil {
		return err
	}
	digest, err := decodeDigest(hash)
	if err != nil {
		return err
	}
	clean.CurrHash = hash
	clean.Signature = hex.EncodeToString(ed25519.Sign(s.priv, digest))
	clean.PublicKey = hex.EncodeToString(s.pub)
	*span = clean
	return nil
}

// Verify checks a span's integrity fields against a fresh recomputation.
// A curr_hash that does not match the content is a hash mismatch; a present
// signature that does not validate under the present public key is an
// invalid signature. Unsigned spans with no curr_hash verify trivially.
// Failures are *model.Error with KindIntegrity.
func Verify(span model.Span) error {
	hash, err := HashSpan(span)
	if err != nil {
		return model.WrapError(model.KindIntegrity, "span cannot be canonicalized", err)
	}
	if span.CurrHash != "" && span.CurrHash != hash {
		return model.NewError(model.KindIntegrity, fmt.Sprintf("hash mismatch for span %s", span.ID))
	}
	if span.Signature == "" && span.PublicKey == "" {
		return nil
	}
	digest, err := decodeDigest(hash)
	if err != nil {
		return model.WrapError(model.KindIntegrity, "digest", err)
	}
	if !VerifyBytes(span.PublicKey, span.Signature, digest) {
		return model.NewError(model.KindIntegrity, fmt.Sprintf("invalid signature for span %s", span.ID))
	}
	return nil
}

// VerifyBytes reports whether sigHex is a valid Ed25519 signature of msg
// under pubHex. Malformed hex or wrong key lengths are simply invalid.
func VerifyBytes(pubHex, sigHex string, msg []byte) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
