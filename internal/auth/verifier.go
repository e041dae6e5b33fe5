package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors returned by Verifier.Verify, mapped onto wire error codes by the middleware.
var (
	ErrMissingToken     = errors.New("auth: missing bearer token")
	ErrMalformedToken   = errors.New("auth: malformed bearer token")
	ErrInvalidSignature = errors.New("auth: invalid token signature")
	ErrExpired          = errors.New("auth: token expired")
	ErrAudienceMismatch = errors.New("auth: audience mismatch")
	ErrEndpointMismatch = errors.New("auth: lxm does not match invoked endpoint")
	ErrReplayed         = errors.New("auth: token jti already used")
)

// Config holds the Verifier's tunables.
type Config struct {
	// ServiceDID is the value every token's "aud" claim must equal.
	ServiceDID string
	// ClockSkew bounds how far exp/iat may disagree with server time (default 60s).
	ClockSkew time.Duration
	// ReplayTTL is how long a jti is remembered for replay rejection (default 120s).
	ReplayTTL time.Duration
	// EnforceLXM requires the token's lxm claim to match the invoked route's NSID.
	EnforceLXM bool
	// EnforceJTI requires the token's jti claim to be checked against the replay cache. When false, a
	// previously-seen jti is not rejected.
	EnforceJTI bool
}

// Verified is what a successful Verify call attaches to the request.
type Verified struct {
	DID    string
	Claims *Claims
}

// Verifier runs the full set of bearer-token checks: signature, time bounds, audience, optional endpoint
// binding, and jti replay rejection.
type Verifier struct {
	resolver DocumentResolver
	replay   ReplayCache
	cfg      Config
}

// NewVerifier creates a Verifier. resolver supplies signing keys for a DID (typically a CachingResolver
// wrapping a PDS-backed implementation); replay rejects reused jtis.
func NewVerifier(resolver DocumentResolver, replay ReplayCache, cfg Config) *Verifier {
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = 60 * time.Second
	}
	if cfg.ReplayTTL == 0 {
		cfg.ReplayTTL = 120 * time.Second
	}
	return &Verifier{resolver: resolver, replay: replay, cfg: cfg}
}

// Verify validates tokenStr as a DID bearer token bound to expectedLXM (the NSID of the endpoint being
// invoked; ignored unless Config.EnforceLXM is set).
func (v *Verifier) Verify(ctx context.Context, tokenStr, expectedLXM string) (*Verified, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}

	// A first, unverified parse is needed only to learn the issuer DID so we know which signing key to
	// fetch; the real signature check happens inside ParseWithClaims via the keyfunc below.
	unverified := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, unverified); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	did := unverified.Issuer
	if did == "" {
		return nil, ErrMalformedToken
	}

	signingKey, err := v.resolver.ResolveSigningKey(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve signing key for %q: %v", ErrInvalidSignature, did, err)
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != signingKey.Alg {
			return nil, fmt.Errorf("unexpected signing method %q for DID key alg %q", t.Method.Alg(), signingKey.Alg)
		}
		return signingKey.Key, nil
	}, jwt.WithValidMethods([]string{"ES256", AlgES256K}), jwt.WithLeeway(v.cfg.ClockSkew))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	now := time.Now()
	if claims.ExpiresAt == nil || !claims.ExpiresAt.Time.After(now.Add(-v.cfg.ClockSkew)) {
		return nil, ErrExpired
	}
	if claims.IssuedAt != nil && !withinSkew(claims.IssuedAt.Time, now, v.cfg.ClockSkew) {
		return nil, fmt.Errorf("%w: iat is in the future", ErrMalformedToken)
	}

	if v.cfg.ServiceDID != "" {
		aud := claims.Audience
		matched := false
		for _, a := range aud {
			if a == v.cfg.ServiceDID {
				matched = true
				break
			}
		}
		if !matched {
			return nil, ErrAudienceMismatch
		}
	}

	if v.cfg.EnforceLXM && expectedLXM != "" && claims.LXM != expectedLXM {
		return nil, ErrEndpointMismatch
	}

	if v.cfg.EnforceJTI && claims.ID != "" && v.replay != nil {
		seen, err := v.replay.Seen(ctx, claims.ID, v.cfg.ReplayTTL)
		if err != nil {
			return nil, fmt.Errorf("check replay cache: %w", err)
		}
		if seen {
			return nil, ErrReplayed
		}
	}

	return &Verified{DID: did, Claims: claims}, nil
}
