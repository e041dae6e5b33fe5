// Package auth verifies DID-bearer authentication tokens: the caller signs a JWT with the private key
// backing its DID, and the Delivery Service verifies the signature against that DID's resolved signing
// key, then enforces audience, time-bound, endpoint-binding, and replay checks.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the JWT claims carried by a DID bearer token.
type Claims struct {
	jwt.RegisteredClaims

	// LXM is the NSID of the endpoint this token was minted for, enforced against the invoked route
	// when ENFORCE_LXM is true.
	LXM string `json:"lxm,omitempty"`
}

// withinSkew reports whether t is no later than now plus skew. Verify uses it to reject an iat in the
// future while allowing a small clock drift between client and server.
func withinSkew(t, now time.Time, skew time.Duration) bool {
	return !t.After(now.Add(skew))
}
