package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrKeyNotFound is returned when a DID document has no verification method usable for signature
// checking (wrong key type, revoked, or the document has none at all).
var ErrKeyNotFound = errors.New("auth: no usable signing key in DID document")

// SigningKey is the parsed public key for one DID, tagged with the JWT alg it verifies under. Key is
// either a *ecdsa.PublicKey (P-256, alg "ES256") or a *secp256k1.PublicKey (alg "ES256K").
type SigningKey struct {
	Alg string
	Key any
}

// DocumentResolver resolves a DID to its current signing key by fetching (or otherwise looking up) the
// DID document from the identity system that issued it. The PDS is a separately-trusted system: the
// delivery service only consumes its published keys, it does not manage identity itself.
type DocumentResolver interface {
	ResolveSigningKey(ctx context.Context, did string) (SigningKey, error)
}

// CachingResolver wraps a DocumentResolver with a bounded, TTL-expiring LRU cache, avoiding a network
// round trip to the identity system on every request for an already-seen DID.
type CachingResolver struct {
	base  DocumentResolver
	cache *lru.LRU[string, SigningKey]
}

// NewCachingResolver wraps base with an LRU cache holding up to size entries for up to ttl.
func NewCachingResolver(base DocumentResolver, size int, ttl time.Duration) *CachingResolver {
	return &CachingResolver{
		base:  base,
		cache: lru.NewLRU[string, SigningKey](size, nil, ttl),
	}
}

// ResolveSigningKey returns the cached key for did if present and unexpired, otherwise resolves it via
// the wrapped resolver and caches the result.
func (r *CachingResolver) ResolveSigningKey(ctx context.Context, did string) (SigningKey, error) {
	if key, ok := r.cache.Get(did); ok {
		return key, nil
	}

	key, err := r.base.ResolveSigningKey(ctx, did)
	if err != nil {
		return SigningKey{}, err
	}
	r.cache.Add(did, key)
	return key, nil
}

// Purge evicts did from the cache, used after a key-rotation notification so the next request re-fetches
// the DID document rather than verifying against a stale key until the TTL lapses.
func (r *CachingResolver) Purge(did string) {
	r.cache.Remove(did)
}

// VerificationMethod is the subset of a W3C DID document's verificationMethod entry this package needs:
// enough to pick out the key material and its cryptosystem.
type VerificationMethod struct {
	ID                 string
	Type               string
	PublicKeyMultibase []byte
}

// Verification method types ParseVerificationMethod accepts: P-256 keys verify as ES256, secp256k1
// keys as ES256K.
const (
	KeyTypeP256      = "EcdsaSecp256r1VerificationKey2019"
	KeyTypeSecp256k1 = "EcdsaSecp256k1VerificationKey2019"
)

// ParseVerificationMethod converts a raw verificationMethod entry into a SigningKey, dispatching on its
// declared type. Unsupported or malformed methods return ErrKeyNotFound.
func ParseVerificationMethod(vm VerificationMethod) (SigningKey, error) {
	switch vm.Type {
	case KeyTypeSecp256k1:
		pub, err := parseSecp256k1PublicKey(vm.PublicKeyMultibase)
		if err != nil {
			return SigningKey{}, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
		}
		return SigningKey{Alg: AlgES256K, Key: pub}, nil
	case KeyTypeP256:
		pub, err := parseP256PublicKey(vm.PublicKeyMultibase)
		if err != nil {
			return SigningKey{}, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
		}
		return SigningKey{Alg: "ES256", Key: pub}, nil
	default:
		return SigningKey{}, fmt.Errorf("%w: unsupported verification method type %q", ErrKeyNotFound, vm.Type)
	}
}

// parseP256PublicKey parses an uncompressed SEC1 P-256 public key (0x04 || X || Y, 65 bytes).
func parseP256PublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, raw)
	if x == nil {
		return nil, errors.New("invalid P-256 public key encoding")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}
