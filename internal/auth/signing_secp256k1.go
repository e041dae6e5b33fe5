package auth

import (
	"crypto/sha256"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/golang-jwt/jwt/v5"
)

// SigningMethodES256K implements jwt.SigningMethod for DID keys of type
// EcdsaSecp256k1VerificationKey2019. The Delivery Service only ever verifies tokens minted by clients,
// so Sign is not implemented.
type SigningMethodES256K struct{}

// AlgES256K is the JWT "alg" header value this package registers for secp256k1-keyed DID tokens.
const AlgES256K = "ES256K"

var signingMethodES256K = &SigningMethodES256K{}

func init() {
	jwt.RegisterSigningMethod(AlgES256K, func() jwt.SigningMethod { return signingMethodES256K })
}

// Alg returns the JWT algorithm identifier.
func (m *SigningMethodES256K) Alg() string { return AlgES256K }

// Sign is unimplemented: this service verifies DID bearer tokens, it never mints them.
func (m *SigningMethodES256K) Sign(signingString string, key any) ([]byte, error) {
	return nil, errors.New("auth: ES256K signing not supported, this service only verifies tokens")
}

// Verify checks sig, a DER-encoded ECDSA signature (the format this library's Signature.Serialize
// produces), against signingString using key, which must be a *secp256k1.PublicKey.
func (m *SigningMethodES256K) Verify(signingString string, sig []byte, key any) error {
	pubKey, ok := key.(*secp256k1.PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}

	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return jwt.ErrSignatureInvalid
	}

	hash := sha256.Sum256([]byte(signingString))
	if !parsed.Verify(hash[:], pubKey) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

// parseSecp256k1PublicKey parses a 33-byte compressed or 65-byte uncompressed secp256k1 public key, the
// encodings a DID document's verificationMethod yields after decoding its multibase/base58 value.
func parseSecp256k1PublicKey(raw []byte) (*secp256k1.PublicKey, error) {
	return secp256k1.ParsePubKey(raw)
}
