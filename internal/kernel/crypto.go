package kernel

import (
	"encoding/hex"

	"github.com/ashita-ai/spanledger/internal/integrity"
	"github.com/ashita-ai/spanledger/internal/model"
)

// Crypto is the hashing, signing and encoding toolbox exposed to loaded code.
type Crypto struct {
	signer *integrity.Signer
	newID  func() string
}

// Hash returns the hex BLAKE2b-256 digest of data.
func (Crypto) Hash(data []byte) string { return integrity.ContentHash(data) }

// HashSpan returns the content hash of s.
func (Crypto) HashSpan(s model.Span) (string, error) { return integrity.HashSpan(s) }

// Sign signs msg with the ledger key and returns the hex signature.
func (c Crypto) Sign(msg []byte) (string, error) {
	if !c.signer.Enabled() {
		return "", model.NewError(model.KindIntegrity, "signing key not configured")
	}
	return c.signer.SignBytes(msg)
}

// PublicKey is the hex ledger public key, or "" when signing is disabled.
func (c Crypto) PublicKey() string { return c.signer.PublicKeyHex() }

// Verify reports whether sigHex signs msg under pubHex.
func (Crypto) Verify(pubHex, sigHex string, msg []byte) bool {
	return integrity.VerifyBytes(pubHex, sigHex, msg)
}

// VerifySpan checks a span's hash and signature.
func (Crypto) VerifySpan(s model.Span) error { return integrity.Verify(s) }

// HexEncode encodes b as lowercase hex.
func (Crypto) HexEncode(b []byte) string { return hex.EncodeToString(b) }

// HexDecode decodes a hex string.
func (Crypto) HexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }

// NewID returns a fresh identifier.
func (c Crypto) NewID() string { return c.newID() }
