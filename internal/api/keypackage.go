package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/joshlacal/mls-delivery-service/internal/apierror"
	"github.com/joshlacal/mls-delivery-service/internal/httputil"
	"github.com/joshlacal/mls-delivery-service/internal/idempotency"
	"github.com/joshlacal/mls-delivery-service/internal/keypackage"
)

const defaultKeyPackageListLimit = 10

// KeyPackageHandler serves publishKeyPackage and getKeyPackages.
type KeyPackageHandler struct {
	packages keypackage.Repository
	idem     *idempotency.Coordinator
	idemTTL  time.Duration
}

// NewKeyPackageHandler creates a KeyPackageHandler.
func NewKeyPackageHandler(packages keypackage.Repository, idem *idempotency.Coordinator, idemTTL time.Duration) *KeyPackageHandler {
	return &KeyPackageHandler{packages: packages, idem: idem, idemTTL: idemTTL}
}

type publishKeyPackageRequest struct {
	CipherSuite    uint16     `json:"cipherSuite"`
	Hash           []byte     `json:"hash"`
	Ciphertext     []byte     `json:"ciphertext"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

type keyPackageResponse struct {
	OwnerDID     string `json:"ownerDid"`
	CipherSuite  uint16 `json:"cipherSuite"`
	Hash         []byte `json:"hash"`
	AlreadyExists bool  `json:"alreadyExists,omitempty"`
}

// PublishKeyPackage handles POST /xrpc/mls.ds.publishKeyPackage. A retry that republishes a hash the
// caller already published is reported as success rather than an error: the unique violation on
// (owner_did, hash) means the intended state already holds.
func (h *KeyPackageHandler) PublishKeyPackage(c fiber.Ctx) error {
	did, _ := c.Locals("did").(string)

	var body publishKeyPackageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "invalid request body"))
	}
	if len(body.Hash) == 0 || len(body.Ciphertext) == 0 {
		return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "hash and ciphertext are required"))
	}

	key := idempotencyKey(c, body.IdempotencyKey)
	return withIdempotency(c, h.idem, NSIDPublishKeyPackage, key, h.idemTTL, func() opOutcome {
		_, err := h.packages.Publish(c.Context(), keypackage.PublishParams{
			OwnerDID: did, CipherSuite: body.CipherSuite, Hash: body.Hash,
			Ciphertext: body.Ciphertext, ExpiresAt: body.ExpiresAt,
		})
		if err != nil {
			if errors.Is(err, keypackage.ErrDuplicateHash) {
				return opOutcome{status: fiber.StatusOK, payload: keyPackageResponse{
					OwnerDID: did, CipherSuite: body.CipherSuite, Hash: body.Hash, AlreadyExists: true,
				}}
			}
			return opOutcome{apiErr: apierror.New(fiber.StatusInternalServerError, apierror.InternalError, "failed to publish key package")}
		}
		return opOutcome{status: fiber.StatusCreated, payload: keyPackageResponse{
			OwnerDID: did, CipherSuite: body.CipherSuite, Hash: body.Hash,
		}}
	})
}

type listedKeyPackage struct {
	ID          string `json:"id"`
	OwnerDID    string `json:"ownerDid"`
	CipherSuite uint16 `json:"cipherSuite"`
	Ciphertext  []byte `json:"ciphertext"`
}

// GetKeyPackages handles GET /xrpc/mls.ds.getKeyPackages. With consume=true it atomically hands out and
// marks consumed a single available key package for ownerDid, for a member that is about to be added to
// a conversation. Without it, it lists up to limit available key packages without consuming any.
func (h *KeyPackageHandler) GetKeyPackages(c fiber.Ctx) error {
	ownerDID := c.Query("ownerDid")
	if ownerDID == "" {
		return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "ownerDid is required"))
	}

	if consume := c.Query("consume"); consume == "true" {
		pkg, err := h.packages.Consume(c.Context(), ownerDID)
		if err != nil {
			if errors.Is(err, keypackage.ErrNotFound) {
				return httputil.FailErr(c, apierror.New(fiber.StatusNotFound, apierror.NotFound, "no available key package for ownerDid"))
			}
			return httputil.FailErr(c, apierror.New(fiber.StatusInternalServerError, apierror.InternalError, "failed to consume key package"))
		}
		return httputil.Success(c, listedKeyPackage{
			ID: pkg.ID.String(), OwnerDID: pkg.OwnerDID, CipherSuite: pkg.CipherSuite, Ciphertext: pkg.Ciphertext,
		})
	}

	limit := defaultKeyPackageListLimit
	if limitParam := c.Query("limit"); limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed <= 0 {
			return httputil.FailErr(c, apierror.New(fiber.StatusBadRequest, apierror.ValidationFailed, "invalid limit query parameter"))
		}
		limit = parsed
	}

	pkgs, err := h.packages.ListAvailable(c.Context(), ownerDID, limit)
	if err != nil {
		return httputil.FailErr(c, apierror.New(fiber.StatusInternalServerError, apierror.InternalError, "failed to list key packages"))
	}
	out := make([]listedKeyPackage, len(pkgs))
	for i, pkg := range pkgs {
		out[i] = listedKeyPackage{ID: pkg.ID.String(), OwnerDID: pkg.OwnerDID, CipherSuite: pkg.CipherSuite, Ciphertext: pkg.Ciphertext}
	}
	return httputil.Success(c, fiber.Map{"keyPackages": out})
}
