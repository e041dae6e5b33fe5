package member

import (
	"github.com/gofiber/fiber/v3"

	"github.com/joshlacal/mls-delivery-service/internal/apierror"
	"github.com/joshlacal/mls-delivery-service/internal/httputil"
)

// RequireActiveMember returns Fiber middleware that blocks callers who are not an active member of the
// conversation named by the "convoID" route param. Must be placed after the auth middleware so that
// c.Locals("did") is populated.
func RequireActiveMember(members Repository) fiber.Handler {
	return func(c fiber.Ctx) error {
		did, ok := c.Locals("did").(string)
		if !ok || did == "" {
			return httputil.FailErr(c, apierror.New(fiber.StatusUnauthorized, apierror.Unauthorized,
				"authentication required"))
		}
		convoID := c.Params("convoID")

		active, err := members.IsActiveMember(c.Context(), convoID, did)
		if err != nil {
			return httputil.FailErr(c, apierror.New(fiber.StatusInternalServerError, apierror.InternalError,
				"failed to check conversation membership"))
		}
		if !active {
			return httputil.FailErr(c, apierror.New(fiber.StatusForbidden, apierror.NotMember,
				"not an active member of this conversation"))
		}
		return c.Next()
	}
}

// RequireAdmin returns Fiber middleware that blocks callers who are not an admin of the conversation
// named by the "convoID" route param. Must be placed after RequireActiveMember.
func RequireAdmin(members Repository) fiber.Handler {
	return func(c fiber.Ctx) error {
		did, ok := c.Locals("did").(string)
		if !ok || did == "" {
			return httputil.FailErr(c, apierror.New(fiber.StatusUnauthorized, apierror.Unauthorized,
				"authentication required"))
		}
		convoID := c.Params("convoID")

		isAdmin, err := members.IsAdmin(c.Context(), convoID, did)
		if err != nil {
			return httputil.FailErr(c, apierror.New(fiber.StatusInternalServerError, apierror.InternalError,
				"failed to check admin role"))
		}
		if !isAdmin {
			return httputil.FailErr(c, apierror.New(fiber.StatusForbidden, apierror.NotAdmin,
				"admin role required"))
		}
		return c.Next()
	}
}
