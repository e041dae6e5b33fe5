package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/joshlacal/mls-delivery-service/internal/hub"
)

func testMessageApp(t *testing.T) (*testRegistry, *fiber.App) {
	t.Helper()
	tr := newTestRegistry()
	rdb := newTestRedis(t)
	retention := hub.NewRetention(rdb, 100, time.Hour)
	dispatcher := hub.NewDispatcher(rdb, retention, zerolog.Nop())

	h := NewMessageHandler(tr.registry, dispatcher, newTestIdemCoordinator(t, rdb), time.Minute, zerolog.Nop())

	app := fiber.New()
	app.Use(fakeAuth("did:example:alice"))
	app.Post("/xrpc/mls.ds.sendMessage/:convoID", h.SendMessage)
	app.Post("/xrpc/mls.ds.updateRead/:convoID", h.UpdateRead)
	return tr, app
}

func TestSendMessage_Success(t *testing.T) {
	t.Parallel()
	tr, app := testMessageApp(t)
	tr.seedConvo("c1", "did:example:alice")

	resp := doReq(t, app, jsonReq(http.MethodPost, "/xrpc/mls.ds.sendMessage/c1", `{"ciphertext":"bXNnLTE="}`))
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, fiber.StatusCreated, readBody(t, resp))
	}

	env := parseSuccess(t, readBody(t, resp))
	var data sendMessageResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.MessageID == "" {
		t.Error("messageId is empty")
	}
	if data.Seq != 1 {
		t.Errorf("seq = %d, want 1", data.Seq)
	}
}

func TestSendMessage_EmptyCiphertextIsBadRequest(t *testing.T) {
	t.Parallel()
	tr, app := testMessageApp(t)
	tr.seedConvo("c1", "did:example:alice")

	resp := doReq(t, app, jsonReq(http.MethodPost, "/xrpc/mls.ds.sendMessage/c1", `{}`))
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
}

func TestSendMessage_IdempotencyKeyDedupesRetry(t *testing.T) {
	t.Parallel()
	tr, app := testMessageApp(t)
	tr.seedConvo("c1", "did:example:alice")

	body := `{"ciphertext":"bXNnLTE=","idempotency_key":"retry-1"}`
	first := doReq(t, app, jsonReq(http.MethodPost, "/xrpc/mls.ds.sendMessage/c1", body))
	second := doReq(t, app, jsonReq(http.MethodPost, "/xrpc/mls.ds.sendMessage/c1", body))

	firstData, secondData := parseSuccess(t, readBody(t, first)), parseSuccess(t, readBody(t, second))
	var a, b sendMessageResponse
	_ = json.Unmarshal(firstData.Data, &a)
	_ = json.Unmarshal(secondData.Data, &b)
	if a.MessageID != b.MessageID {
		t.Errorf("retried sendMessage produced a distinct message: %q vs %q", a.MessageID, b.MessageID)
	}
}

func TestUpdateRead_ResetsUnreadCounter(t *testing.T) {
	t.Parallel()
	tr, app := testMessageApp(t)
	tr.seedConvo("c1", "did:example:alice")

	resp := doReq(t, app, jsonReq(http.MethodPost, "/xrpc/mls.ds.updateRead/c1", ""))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, fiber.StatusOK, readBody(t, resp))
	}

	env := parseSuccess(t, readBody(t, resp))
	var data struct {
		ConvoID     string `json:"convoId"`
		MemberDID   string `json:"memberDid"`
		UnreadCount int    `json:"unreadCount"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.UnreadCount != 0 {
		t.Errorf("unreadCount = %d, want 0", data.UnreadCount)
	}
}
