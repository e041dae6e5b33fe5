package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/joshlacal/mls-delivery-service/internal/apierror"
	"github.com/joshlacal/mls-delivery-service/internal/hub"
	"github.com/joshlacal/mls-delivery-service/internal/httputil"
)

// SubscribeHandler serves subscribeConvoEvents over either SSE or a WebSocket upgrade, the caller's
// choice signaled by the standard Upgrade header.
type SubscribeHandler struct {
	hub *hub.Hub
}

// NewSubscribeHandler creates a SubscribeHandler.
func NewSubscribeHandler(h *hub.Hub) *SubscribeHandler {
	return &SubscribeHandler{hub: h}
}

// SubscribeConvoEvents handles GET /xrpc/mls.ds.subscribeConvoEvents/:convoID?cursor=.
func (h *SubscribeHandler) SubscribeConvoEvents(c fiber.Ctx) error {
	convoID := c.Params("convoID")
	did, _ := c.Locals("did").(string)
	cursor := c.Query("cursor")

	var err error
	if strings.EqualFold(c.Get("Upgrade"), "websocket") {
		err = h.hub.ServeWS(c, convoID, did, cursor)
	} else {
		err = h.hub.ServeSSE(c, convoID, did, cursor)
	}
	if err != nil {
		if errors.Is(err, hub.ErrNotAMember) {
			return httputil.FailErr(c, apierror.New(fiber.StatusForbidden, apierror.NotMember, "did is not an active member of this conversation"))
		}
		return httputil.FailErr(c, apierror.New(fiber.StatusInternalServerError, apierror.InternalError, "failed to open subscription stream"))
	}
	return nil
}
