package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/joshlacal/mls-delivery-service/internal/actor"
	"github.com/joshlacal/mls-delivery-service/internal/apierror"
	"github.com/joshlacal/mls-delivery-service/internal/convo"
	"github.com/joshlacal/mls-delivery-service/internal/groupinfo"
	"github.com/joshlacal/mls-delivery-service/internal/hub"
	"github.com/joshlacal/mls-delivery-service/internal/httputil"
	"github.com/joshlacal/mls-delivery-service/internal/idempotency"
	"github.com/joshlacal/mls-delivery-service/internal/member"
	"github.com/joshlacal/mls-delivery-service/internal/postgres"
)

// ConvoHandler serves the conversation lifecycle endpoints: createConvo, addMembers, removeMember,
// leaveConvo, getEpoch, updateGroupInfo, getGroupInfo.
type ConvoHandler struct {
	registry   *actor.Registry
	convos     convo.Repository
	members    member.Repository
	groupInfo  groupinfo.Repository
	db         postgres.DB
	dispatcher *hub.Dispatcher
	hub        *hub.Hub
	idem       *idempotency.Coordinator
	idemTTL    time.Duration
	log        zerolog.Logger
}

// NewConvoHandler creates a ConvoHandler.
func NewConvoHandler(
	registry *actor.Registry,
	convos convo.Repository,
	members member.Repository,
	groupInfo groupinfo.Repository,
	db postgres.DB,
	dispatcher *hub.Dispatcher,
	h *hub.Hub,
	idem *idempotency.Coordinator,
	idemTTL time.Duration,
	logger zerolog.Logger,
) *ConvoHandler {
	return &ConvoHandler{
		registry: registry, convos: convos, members: members, groupInfo: groupInfo,
		db: db, dispatcher: dispatcher, hub: h, idem: idem, idemTTL: idemTTL, log: logger,
	}
}

type welcomeInputDTO struct {
	RecipientDID string `json:"recipientDid"`
	Ciphertext   []byte `json:"ciphertext"`
}

func toActorWelcomes(in []welcomeInputDTO) []actor.WelcomeInput {
	out := make([]actor.WelcomeInput, len(in))
	for i, w := range in {
		out[i] = actor.WelcomeInput{RecipientDID: w.RecipientDID, Ciphertext: w.Ciphertext}
	}
	return out
}

type createConvoRequest struct {
	ConvoID        string            `json:"convoId"`
	Members        []string          `json:"members"`
	Commit         []byte            `json:"commit,omitempty"`
	Welcomes       []welcomeInputDTO `json:"welcomes,omitempty"`
	GroupInfo      []byte            `json:"groupInfo,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type convoMutationResponse struct {
	ConvoID string `json:"convoId"`
	Epoch   uint32 `json:"epoch"`
	Cursor  string `json:"cursor,omitempty"`
}

// CreateConvo handles POST /xrpc/mls.ds.createConvo: spawns a new conversation at epoch 0 with the
// caller as its first admin member, optionally advancing to epoch 1 in the same call when the caller
// supplies an initial AddMembers commit.
func (h *ConvoHandler) CreateConvo(c fiber.Ctx) error {
	did, _ := c.Locals("did").(string)

	var body createConvoRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "invalid request body"))
	}
	if body.ConvoID == "" {
		return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "convoId is required"))
	}

	key := idempotencyKey(c, body.IdempotencyKey)
	return withIdempotency(c, h.idem, NSIDCreateConvo, key, h.idemTTL, func() opOutcome {
		if _, err := h.convos.Create(c.Context(), body.ConvoID, did); err != nil {
			if errors.Is(err, convo.ErrAlreadyExists) {
				return opOutcome{apiErr: apierror.New(fiber.StatusConflict, apierror.ValidationFailed, "convoId already in use")}
			}
			return opOutcome{apiErr: apierror.New(fiber.StatusInternalServerError, apierror.InternalError, "failed to create conversation")}
		}
		if err := h.members.Insert(c.Context(), h.db, body.ConvoID, did, member.RoleAdmin); err != nil {
			return opOutcome{apiErr: apierror.New(fiber.StatusInternalServerError, apierror.InternalError, "failed to add creator as admin")}
		}

		a, err := h.registry.GetOrSpawn(c.Context(), body.ConvoID)
		if err != nil {
			return opOutcome{apiErr: apierror.New(fiber.StatusInternalServerError, apierror.ActorUnavailable, "failed to start conversation actor")}
		}

		resp := convoMutationResponse{ConvoID: body.ConvoID, Epoch: 0}
		if len(body.Commit) > 0 {
			result, err := a.AddMembers(c.Context(), actor.AddMembersInput{
				DIDs: body.Members, Commit: body.Commit,
				Welcomes: toActorWelcomes(body.Welcomes), GroupInfo: body.GroupInfo,
			})
			if err != nil {
				return opOutcome{apiErr: mapActorError(err)}
			}
			resp.Epoch, resp.Cursor = result.Epoch, result.Cursor
			h.publishCommit(c, body.ConvoID, result.Cursor, result.Epoch)
		}
		return opOutcome{status: fiber.StatusCreated, payload: resp}
	})
}

type addMembersRequest struct {
	Members        []string          `json:"members"`
	Commit         []byte            `json:"commit"`
	Welcomes       []welcomeInputDTO `json:"welcomes,omitempty"`
	GroupInfo      []byte            `json:"groupInfo,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// AddMembers handles POST /xrpc/mls.ds.addMembers/:convoID. The caller must already be an active member
// (enforced by member.RequireActiveMember).
func (h *ConvoHandler) AddMembers(c fiber.Ctx) error {
	convoID := c.Params("convoID")

	var body addMembersRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "invalid request body"))
	}
	if len(body.Members) == 0 {
		return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "members is required"))
	}

	key := idempotencyKey(c, body.IdempotencyKey)
	return withIdempotency(c, h.idem, NSIDAddMembers, key, h.idemTTL, func() opOutcome {
		a, err := h.registry.GetOrSpawn(c.Context(), convoID)
		if err != nil {
			return opOutcome{apiErr: apierror.New(fiber.StatusInternalServerError, apierror.ActorUnavailable, "failed to reach conversation actor")}
		}

		result, err := a.AddMembers(c.Context(), actor.AddMembersInput{
			DIDs: body.Members, Commit: body.Commit,
			Welcomes: toActorWelcomes(body.Welcomes), GroupInfo: body.GroupInfo,
		})
		if err != nil {
			return opOutcome{apiErr: mapActorError(err)}
		}
		h.publishCommit(c, convoID, result.Cursor, result.Epoch)
		return opOutcome{status: fiber.StatusOK, payload: convoMutationResponse{ConvoID: convoID, Epoch: result.Epoch, Cursor: result.Cursor}}
	})
}

type removeMemberRequest struct {
	MemberDID      string `json:"memberDid"`
	Commit         []byte `json:"commit"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// RemoveMember handles POST /xrpc/mls.ds.removeMember/:convoID. The caller must be an admin (enforced by
// member.RequireAdmin).
func (h *ConvoHandler) RemoveMember(c fiber.Ctx) error {
	convoID := c.Params("convoID")

	var body removeMemberRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "invalid request body"))
	}
	if body.MemberDID == "" {
		return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "memberDid is required"))
	}

	key := idempotencyKey(c, body.IdempotencyKey)
	return withIdempotency(c, h.idem, NSIDRemoveMember, key, h.idemTTL, func() opOutcome {
		return h.doRemoveMember(c, convoID, body.MemberDID, body.Commit)
	})
}

// LeaveConvo handles POST /xrpc/mls.ds.leaveConvo/:convoID: the caller removes itself. Unlike
// RemoveMember, repeating this call once the caller is already gone is a natural no-op rather than an
// error.
func (h *ConvoHandler) LeaveConvo(c fiber.Ctx) error {
	convoID := c.Params("convoID")
	did, _ := c.Locals("did").(string)

	var body removeMemberRequest
	_ = c.Bind().Body(&body)

	return h.doRemoveMember(c, convoID, did, body.Commit).writeResult(c)
}

func (h *ConvoHandler) doRemoveMember(c fiber.Ctx, convoID, memberDID string, commit []byte) opOutcome {
	a, err := h.registry.GetOrSpawn(c.Context(), convoID)
	if err != nil {
		return opOutcome{apiErr: apierror.New(fiber.StatusInternalServerError, apierror.ActorUnavailable, "failed to reach conversation actor")}
	}

	result, err := a.RemoveMember(c.Context(), actor.RemoveMemberInput{MemberDID: memberDID, Commit: commit})
	if err != nil {
		return opOutcome{apiErr: mapActorError(err)}
	}
	h.hub.Revoke(convoID, memberDID)
	h.publishCommit(c, convoID, result.Cursor, result.Epoch)
	return opOutcome{status: fiber.StatusOK, payload: convoMutationResponse{ConvoID: convoID, Epoch: result.Epoch, Cursor: result.Cursor}}
}

// writeResult sends an opOutcome directly, bypassing the idempotency coordinator, used by LeaveConvo
// which relies on self-removal's natural idempotency instead of an explicit key.
func (o opOutcome) writeResult(c fiber.Ctx) error {
	if o.apiErr != nil {
		return httputil.FailErr(c, o.apiErr)
	}
	return httputil.SuccessStatus(c, o.status, o.payload)
}

// GetEpoch handles GET /xrpc/mls.ds.getEpoch/:convoID.
func (h *ConvoHandler) GetEpoch(c fiber.Ctx) error {
	convoID := c.Params("convoID")

	a, err := h.registry.GetOrSpawn(c.Context(), convoID)
	if err != nil {
		return httputil.FailErr(c, apierror.New(fiber.StatusInternalServerError, apierror.ActorUnavailable, "failed to reach conversation actor"))
	}
	epoch, err := a.GetEpoch(c.Context())
	if err != nil {
		return httputil.FailErr(c, mapActorError(err))
	}
	return httputil.Success(c, fiber.Map{"convoId": convoID, "epoch": epoch})
}

type updateGroupInfoRequest struct {
	Epoch          uint32 `json:"epoch"`
	Ciphertext     []byte `json:"ciphertext"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// UpdateGroupInfo handles POST /xrpc/mls.ds.updateGroupInfo/:convoID: a standalone publish of a
// GroupInfo snapshot, independent of any commit. AddMembers writes to the same store as part of its own
// transaction; this handler reaches it outside that path.
func (h *ConvoHandler) UpdateGroupInfo(c fiber.Ctx) error {
	convoID := c.Params("convoID")

	var body updateGroupInfoRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "invalid request body"))
	}
	if len(body.Ciphertext) == 0 {
		return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "ciphertext is required"))
	}

	key := idempotencyKey(c, body.IdempotencyKey)
	return withIdempotency(c, h.idem, NSIDUpdateGroupInfo, key, h.idemTTL, func() opOutcome {
		a, err := h.registry.GetOrSpawn(c.Context(), convoID)
		if err != nil {
			return opOutcome{apiErr: apierror.New(fiber.StatusInternalServerError, apierror.ActorUnavailable, "failed to reach conversation actor")}
		}
		currentEpoch, err := a.GetEpoch(c.Context())
		if err != nil {
			return opOutcome{apiErr: mapActorError(err)}
		}
		if body.Epoch != currentEpoch {
			return opOutcome{apiErr: apierror.New(fiber.StatusConflict, apierror.EpochMismatch, "epoch does not match the conversation's current epoch")}
		}

		if err := h.groupInfo.Upsert(c.Context(), h.db, convoID, body.Epoch, body.Ciphertext); err != nil {
			return opOutcome{apiErr: apierror.New(fiber.StatusInternalServerError, apierror.InternalError, "failed to publish group info")}
		}
		return opOutcome{status: fiber.StatusOK, payload: fiber.Map{"convoId": convoID, "epoch": body.Epoch}}
	})
}

type groupInfoResponse struct {
	ConvoID     string `json:"convoId"`
	Epoch       uint32 `json:"epoch"`
	Ciphertext  []byte `json:"ciphertext"`
	PublishedAt string `json:"publishedAt"`
}

// GetGroupInfo handles GET /xrpc/mls.ds.getGroupInfo/:convoID. It is intentionally reachable without an
// active-membership check: the primary use case is a DID rejoining via external commit after having
// left, which by definition is not currently an active member.
func (h *ConvoHandler) GetGroupInfo(c fiber.Ctx) error {
	convoID := c.Params("convoID")

	var info *groupinfo.GroupInfo
	var err error
	if epochParam := c.Query("epoch"); epochParam != "" {
		epoch, parseErr := strconv.ParseUint(epochParam, 10, 32)
		if parseErr != nil {
			return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "invalid epoch query parameter"))
		}
		info, err = h.groupInfo.Get(c.Context(), convoID, uint32(epoch))
	} else {
		info, err = h.groupInfo.GetLatest(c.Context(), convoID)
	}
	if err != nil {
		if errors.Is(err, groupinfo.ErrNotFound) {
			return httputil.FailErr(c, apierror.New(fiber.StatusNotFound, apierror.NotFound, "group info not found"))
		}
		return httputil.FailErr(c, apierror.New(fiber.StatusInternalServerError, apierror.InternalError, "failed to fetch group info"))
	}

	return httputil.Success(c, groupInfoResponse{
		ConvoID: info.ConvoID, Epoch: info.Epoch, Ciphertext: info.Ciphertext,
		PublishedAt: info.PublishedAt.Format(time.RFC3339),
	})
}

// publishCommit fans out a messageEvent for a commit that just landed, best-effort: a dispatch failure
// is logged but never fails the mutation that already committed durably.
func (h *ConvoHandler) publishCommit(c fiber.Ctx, convoID, cursor string, epoch uint32) {
	if err := h.dispatcher.Publish(c.Context(), convoID, hub.EventMessage, cursor, hub.MessagePayload{
		Kind: "commit", Epoch: epoch,
	}); err != nil {
		h.log.Warn().Err(err).Str("convo_id", convoID).Msg("failed to publish commit event to subscription hub")
	}
}

// mapActorError translates an internal/actor error into the wire error envelope.
func mapActorError(err error) *apierror.Error {
	switch {
	case errors.Is(err, actor.ErrShutdown):
		return apierror.New(fiber.StatusServiceUnavailable, apierror.ActorUnavailable, "conversation actor is no longer running")
	case errors.Is(err, actor.ErrCallTimeout):
		return apierror.New(fiber.StatusGatewayTimeout, apierror.ActorTimeout, "conversation actor did not respond in time")
	case errors.Is(err, convo.ErrEpochConflict):
		return apierror.New(fiber.StatusConflict, apierror.EpochMismatch, "conversation epoch advanced concurrently")
	case errors.Is(err, convo.ErrNotFound):
		return apierror.New(fiber.StatusNotFound, apierror.ConvoNotFound, "conversation not found")
	case errors.Is(err, member.ErrAlreadyMember):
		return apierror.New(fiber.StatusConflict, apierror.ValidationFailed, "did is already an active member")
	case errors.Is(err, member.ErrNotActive):
		return apierror.New(fiber.StatusNotFound, apierror.NotMember, "member is not an active participant")
	default:
		return apierror.New(fiber.StatusInternalServerError, apierror.InternalError, "conversation actor call failed")
	}
}
