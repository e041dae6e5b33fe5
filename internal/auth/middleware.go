package auth

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/joshlacal/mls-delivery-service/internal/apierror"
	"github.com/joshlacal/mls-delivery-service/internal/httputil"
)

// RequireAuth returns Fiber middleware that validates a DID bearer token from the Authorization header
// and attaches the caller's DID and claims to c.Locals under "did" and "claims". lxm is the NSID of the
// endpoint being mounted, checked against the token's lxm claim when the Verifier was configured with
// EnforceLXM.
func RequireAuth(verifier *Verifier, lxm string) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.FailErr(c, apierror.New(fiber.StatusUnauthorized, apierror.Unauthorized,
				"missing or malformed authorization header"))
		}
		tokenStr := header[len(prefix):]

		verified, err := verifier.Verify(c.Context(), tokenStr, lxm)
		if err != nil {
			return httputil.FailErr(c, mapVerifyError(err))
		}

		c.Locals("did", verified.DID)
		c.Locals("claims", verified.Claims)
		return c.Next()
	}
}

// mapVerifyError translates a Verifier error into the wire error envelope: invalid signature, expired
// token, replayed jti, and audience mismatch all surface as 401s with a distinct code.
func mapVerifyError(err error) *apierror.Error {
	switch {
	case errors.Is(err, ErrExpired):
		return apierror.New(fiber.StatusUnauthorized, apierror.TokenExpired, "token has expired")
	case errors.Is(err, ErrReplayed):
		return apierror.New(fiber.StatusUnauthorized, apierror.TokenReplayed, "token jti has already been used")
	case errors.Is(err, ErrAudienceMismatch):
		return apierror.New(fiber.StatusUnauthorized, apierror.AudienceMismatch, "token audience does not match this service")
	case errors.Is(err, ErrEndpointMismatch):
		return apierror.New(fiber.StatusUnauthorized, apierror.EndpointMismatch, "token is not bound to this endpoint")
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrMalformedToken):
		return apierror.New(fiber.StatusUnauthorized, apierror.Unauthorized, "missing or malformed bearer token")
	default:
		return apierror.New(fiber.StatusUnauthorized, apierror.Unauthorized, "invalid bearer token")
	}
}
