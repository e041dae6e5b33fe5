package api

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/joshlacal/mls-delivery-service/internal/actor"
	"github.com/joshlacal/mls-delivery-service/internal/apierror"
	"github.com/joshlacal/mls-delivery-service/internal/hub"
	"github.com/joshlacal/mls-delivery-service/internal/httputil"
	"github.com/joshlacal/mls-delivery-service/internal/idempotency"
)

// MessageHandler serves sendMessage and updateRead.
type MessageHandler struct {
	registry   *actor.Registry
	dispatcher *hub.Dispatcher
	idem       *idempotency.Coordinator
	idemTTL    time.Duration
	log        zerolog.Logger
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(registry *actor.Registry, dispatcher *hub.Dispatcher, idem *idempotency.Coordinator, idemTTL time.Duration, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{registry: registry, dispatcher: dispatcher, idem: idem, idemTTL: idemTTL, log: logger}
}

type sendMessageRequest struct {
	Ciphertext     []byte     `json:"ciphertext"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

type sendMessageResponse struct {
	MessageID string `json:"messageId"`
	Epoch     uint32 `json:"epoch"`
	Seq       int64  `json:"seq"`
	Cursor    string `json:"cursor"`
}

// SendMessage handles POST /xrpc/mls.ds.sendMessage/:convoID. The sender's DID never reaches the
// message row (enforced entirely inside internal/actor); it is used here only to resolve the caller and
// to exclude them from the unread fan-out.
func (h *MessageHandler) SendMessage(c fiber.Ctx) error {
	convoID := c.Params("convoID")
	did, _ := c.Locals("did").(string)

	var body sendMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "invalid request body"))
	}
	if len(body.Ciphertext) == 0 {
		return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "ciphertext is required"))
	}

	key := idempotencyKey(c, body.IdempotencyKey)
	return withIdempotency(c, h.idem, NSIDSendMessage, key, h.idemTTL, func() opOutcome {
		a, err := h.registry.GetOrSpawn(c.Context(), convoID)
		if err != nil {
			return opOutcome{apiErr: apierror.New(fiber.StatusInternalServerError, apierror.ActorUnavailable, "failed to reach conversation actor")}
		}

		result, err := a.SendMessage(c.Context(), actor.SendMessageInput{
			SenderDID: did, Ciphertext: body.Ciphertext, ExpiresAt: body.ExpiresAt,
		})
		if err != nil {
			return opOutcome{apiErr: mapActorError(err)}
		}

		if pubErr := h.dispatcher.Publish(c.Context(), convoID, hub.EventMessage, result.Cursor, hub.MessagePayload{
			MessageID: result.MessageID, Kind: "app", Epoch: result.Epoch, Seq: result.Seq,
		}); pubErr != nil {
			h.log.Warn().Err(pubErr).Str("convo_id", convoID).Msg("failed to publish message event to subscription hub")
		}

		return opOutcome{status: fiber.StatusCreated, payload: sendMessageResponse{
			MessageID: result.MessageID, Epoch: result.Epoch, Seq: result.Seq, Cursor: result.Cursor,
		}}
	})
}

// UpdateRead handles POST /xrpc/mls.ds.updateRead/:convoID: the caller resets its own unread counter to
// zero. Naturally idempotent, so it is not wrapped in the idempotency coordinator.
func (h *MessageHandler) UpdateRead(c fiber.Ctx) error {
	convoID := c.Params("convoID")
	did, _ := c.Locals("did").(string)

	a, err := h.registry.GetOrSpawn(c.Context(), convoID)
	if err != nil {
		return httputil.FailErr(c, apierror.New(fiber.StatusInternalServerError, apierror.ActorUnavailable, "failed to reach conversation actor"))
	}
	if err := a.ResetUnread(c.Context(), did); err != nil {
		return httputil.FailErr(c, mapActorError(err))
	}
	return httputil.Success(c, fiber.Map{"convoId": convoID, "memberDid": did, "unreadCount": 0})
}
