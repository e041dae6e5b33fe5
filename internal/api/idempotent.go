package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/joshlacal/mls-delivery-service/internal/apierror"
	"github.com/joshlacal/mls-delivery-service/internal/httputil"
	"github.com/joshlacal/mls-delivery-service/internal/idempotency"
)

// maxIdempotencyKeyLen bounds idempotency_key, an opaque client-generated identifier, to 128 chars.
const maxIdempotencyKeyLen = 128

// idempotencyKey extracts the caller's idempotency key from the Idempotency-Key header, falling back to
// a field already bound out of the request body.
func idempotencyKey(c fiber.Ctx, bodyKey string) string {
	if h := c.Get("Idempotency-Key"); h != "" {
		return truncateKey(h)
	}
	return truncateKey(bodyKey)
}

func truncateKey(key string) string {
	if len(key) > maxIdempotencyKeyLen {
		return key[:maxIdempotencyKeyLen]
	}
	return key
}

// opOutcome is what a dedup-wrapped handler body hands back to withIdempotency: either a JSON-able
// success payload or a structured API error, never both.
type opOutcome struct {
	status  int
	payload any
	apiErr  *apierror.Error
}

// withIdempotency runs op under Coordinator.Execute for (endpoint, key) and writes its result to c. A
// failed op is never cached (apiErr is returned as the handler error, so Execute skips Put), so a retry
// of a genuinely failed request re-runs it instead of replaying the failure forever.
func withIdempotency(c fiber.Ctx, coord *idempotency.Coordinator, endpoint, key string, ttl time.Duration, op func() opOutcome) error {
	body, status, err := coord.Execute(c.Context(), endpoint, key, ttl, func(ctx context.Context) ([]byte, int, error) {
		outcome := op()
		if outcome.apiErr != nil {
			return nil, 0, outcome.apiErr
		}
		data, marshalErr := json.Marshal(httputil.SuccessResponse{Data: outcome.payload})
		if marshalErr != nil {
			return nil, 0, marshalErr
		}
		return data, outcome.status, nil
	})
	if err != nil {
		if apiErr, ok := err.(*apierror.Error); ok {
			return httputil.FailErr(c, apiErr)
		}
		return httputil.FailErr(c, apierror.New(fiber.StatusInternalServerError, apierror.InternalError, "internal error"))
	}

	c.Set("Content-Type", "application/json")
	return c.Status(status).Send(body)
}
