package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/joshlacal/mls-delivery-service/internal/apierror"
	"github.com/joshlacal/mls-delivery-service/internal/httputil"
	"github.com/joshlacal/mls-delivery-service/internal/idempotency"
	"github.com/joshlacal/mls-delivery-service/internal/welcome"
)

// WelcomeHandler serves getWelcome and confirmWelcome, the two-phase Welcome handoff.
type WelcomeHandler struct {
	coordinator *welcome.Coordinator
	idem        *idempotency.Coordinator
	idemTTL     time.Duration
}

// NewWelcomeHandler creates a WelcomeHandler.
func NewWelcomeHandler(coordinator *welcome.Coordinator, idem *idempotency.Coordinator, idemTTL time.Duration) *WelcomeHandler {
	return &WelcomeHandler{coordinator: coordinator, idem: idem, idemTTL: idemTTL}
}

type welcomeResponse struct {
	ConvoID    string `json:"convoId"`
	Ciphertext []byte `json:"ciphertext"`
	State      string `json:"state"`
}

// GetWelcome handles POST /xrpc/mls.ds.getWelcome/:convoID: the caller's own Welcome artifact transitions
// available -> in_flight.
func (h *WelcomeHandler) GetWelcome(c fiber.Ctx) error {
	convoID := c.Params("convoID")
	did, _ := c.Locals("did").(string)

	artifact, err := h.coordinator.GetWelcome(c.Context(), convoID, did)
	if err != nil {
		return httputil.FailErr(c, mapWelcomeError(err))
	}
	return httputil.Success(c, welcomeResponse{ConvoID: convoID, Ciphertext: artifact.Ciphertext, State: artifact.State})
}

type confirmWelcomeRequest struct {
	Success        bool   `json:"success"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ConfirmWelcome handles POST /xrpc/mls.ds.confirmWelcome/:convoID: the caller reports whether its local
// MLS library finished joining from the fetched Welcome, transitioning in_flight -> consumed|failed.
func (h *WelcomeHandler) ConfirmWelcome(c fiber.Ctx) error {
	convoID := c.Params("convoID")
	did, _ := c.Locals("did").(string)

	var body confirmWelcomeRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "invalid request body"))
	}

	key := idempotencyKey(c, body.IdempotencyKey)
	return withIdempotency(c, h.idem, NSIDConfirmWelcome, key, h.idemTTL, func() opOutcome {
		artifact, err := h.coordinator.ConfirmWelcome(c.Context(), convoID, did, body.Success)
		if err != nil {
			return opOutcome{apiErr: mapWelcomeError(err)}
		}
		return opOutcome{status: fiber.StatusOK, payload: welcomeResponse{ConvoID: convoID, Ciphertext: artifact.Ciphertext, State: artifact.State}}
	})
}

func mapWelcomeError(err error) *apierror.Error {
	switch {
	case errors.Is(err, welcome.ErrNotFound):
		return apierror.New(fiber.StatusNotFound, apierror.WelcomeNotFound, "welcome artifact not found")
	case errors.Is(err, welcome.ErrConsumed):
		return apierror.New(fiber.StatusGone, apierror.WelcomeConsumed, "welcome artifact has already been consumed")
	case errors.Is(err, welcome.ErrInFlight):
		return apierror.New(fiber.StatusConflict, apierror.WelcomeInFlight, "welcome artifact is already being fetched")
	case errors.Is(err, welcome.ErrWrongState):
		return apierror.New(fiber.StatusConflict, apierror.WelcomeInFlight, "welcome artifact is not in the expected state")
	default:
		return apierror.New(fiber.StatusInternalServerError, apierror.InternalError, "welcome coordinator call failed")
	}
}
