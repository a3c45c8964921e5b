// Package auth issues and validates session tokens: EdDSA-signed JWTs that
// carry the user and tenant a ledger session is bound to.
//
// Tokens are signed with the ledger's own Ed25519 key, and the header "kid"
// names the signing public key in hex. Any ledger that trusts that key can
// validate the token.
package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/spanledger/internal/integrity"
	"github.com/ashita-ai/spanledger/internal/model"
)

const issuer = "spanledger"

// Claims extends jwt.RegisteredClaims with the session binding. Subject is
// the user id.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
}

// Identity returns the session identity the token grants.
func (c *Claims) Identity() model.Identity {
	return model.Identity{UserID: c.Subject, TenantID: c.TenantID}
}

// TokenManager issues tokens with the ledger key and validates tokens signed
// by the ledger key or any trusted key.
type TokenManager struct {
	signer     *integrity.Signer
	keys       map[string]ed25519.PublicKey
	expiration time.Duration
}

// NewTokenManager creates a TokenManager. signer may be nil, in which case
// the manager can only validate tokens signed by trustedKeys.
func NewTokenManager(signer *integrity.Signer, trustedKeys []string, expiration time.Duration) (*TokenManager, error) {
	m := &TokenManager{signer: signer, keys: make(map[string]ed25519.PublicKey), expiration: expiration}
	if signer.Enabled() {
		m.keys[signer.PublicKeyHex()] = signer.PublicKey()
	}
	for _, k := range trustedKeys {
		raw, err := hex.DecodeString(k)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("auth: trusted key %q is not a hex Ed25519 public key", k)
		}
		m.keys[k] = ed25519.PublicKey(raw)
	}
	if len(m.keys) == 0 {
		return nil, errors.New("auth: no signing key or trusted keys configured")
	}
	return m, nil
}

// IssueToken creates a signed session token for id.
func (m *TokenManager) IssueToken(id model.Identity) (string, time.Time, error) {
	if !m.signer.Enabled() {
		return "", time.Time{}, errors.New("auth: issuing tokens requires a signing key")
	}
	if id.UserID == "" {
		return "", time.Time{}, errors.New("auth: user id is required")
	}
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		TenantID: id.TenantID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = m.signer.PublicKeyHex()
	signed, err := token.SignedString(m.signer.PrivateKey())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a session token, returning the claims.
func (m *TokenManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			kid, _ := token.Header["kid"].(string)
			key, ok := m.keys[kid]
			if !ok {
				return nil, fmt.Errorf("auth: token signed by unknown key %q", kid)
			}
			return key, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Issuer != issuer {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: token has no subject")
	}
	return claims, nil
}
