package member

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/joshlacal/mls-delivery-service/internal/apierror"
	"github.com/joshlacal/mls-delivery-service/internal/postgres"
)

// fakeRepo is a minimal in-memory Repository used to exercise the membership middleware.
type fakeRepo struct {
	active map[string]bool
	admin  map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{active: make(map[string]bool), admin: make(map[string]bool)}
}

func key(convoID, did string) string { return convoID + "|" + did }

func (f *fakeRepo) Insert(context.Context, postgres.Querier, string, string, string) error {
	panic("not implemented")
}
func (f *fakeRepo) SoftRemove(context.Context, postgres.Querier, string, string) (bool, error) {
	panic("not implemented")
}
func (f *fakeRepo) ResetUnread(context.Context, postgres.Querier, string, string) error {
	panic("not implemented")
}
func (f *fakeRepo) IncrementUnread(context.Context, postgres.Querier, string, string, uint32) error {
	panic("not implemented")
}
func (f *fakeRepo) Get(context.Context, string, string) (*Member, error) { panic("not implemented") }
func (f *fakeRepo) ListActive(context.Context, string) ([]Member, error) {
	panic("not implemented")
}

func (f *fakeRepo) IsActiveMember(_ context.Context, convoID, did string) (bool, error) {
	return f.active[key(convoID, did)], nil
}

func (f *fakeRepo) IsAdmin(_ context.Context, convoID, did string) (bool, error) {
	return f.admin[key(convoID, did)], nil
}

func decodeErrorCode(t *testing.T, body io.Reader) string {
	t.Helper()
	bodyBytes, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var errResp struct {
		Code string `json:"error"`
	}
	if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	return errResp.Code
}

func TestRequireActiveMember(t *testing.T) {
	t.Parallel()

	const convoID = "convo1"
	const activeDID = "did:example:alice"
	const nonMemberDID = "did:example:mallory"

	repo := newFakeRepo()
	repo.active[key(convoID, activeDID)] = true

	mw := RequireActiveMember(repo)

	tests := []struct {
		name       string
		did        string
		setLocals  bool
		wantStatus int
		wantCode   apierror.Code
	}{
		{
			name:       "active member passes through",
			did:        activeDID,
			setLocals:  true,
			wantStatus: http.StatusOK,
		},
		{
			name:       "non member is blocked",
			did:        nonMemberDID,
			setLocals:  true,
			wantStatus: http.StatusForbidden,
			wantCode:   apierror.NotMember,
		},
		{
			name:       "missing locals is blocked",
			setLocals:  false,
			wantStatus: http.StatusUnauthorized,
			wantCode:   apierror.Unauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := fiber.New()

			app.Use(func(c fiber.Ctx) error {
				if tt.setLocals {
					c.Locals("did", tt.did)
				}
				return c.Next()
			})
			app.Get("/convos/:convoID/test", mw, func(c fiber.Ctx) error {
				return c.SendStatus(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/convos/"+convoID+"/test", nil)
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if got := decodeErrorCode(t, resp.Body); got != string(tt.wantCode) {
					t.Errorf("error code = %q, want %q", got, tt.wantCode)
				}
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	t.Parallel()

	const convoID = "convo1"
	const adminDID = "did:example:alice"
	const memberDID = "did:example:bob"

	repo := newFakeRepo()
	repo.admin[key(convoID, adminDID)] = true

	mw := RequireAdmin(repo)

	tests := []struct {
		name       string
		did        string
		setLocals  bool
		wantStatus int
		wantCode   apierror.Code
	}{
		{
			name:       "admin passes through",
			did:        adminDID,
			setLocals:  true,
			wantStatus: http.StatusOK,
		},
		{
			name:       "non admin member is blocked",
			did:        memberDID,
			setLocals:  true,
			wantStatus: http.StatusForbidden,
			wantCode:   apierror.NotAdmin,
		},
		{
			name:       "missing locals is blocked",
			setLocals:  false,
			wantStatus: http.StatusUnauthorized,
			wantCode:   apierror.Unauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := fiber.New()

			app.Use(func(c fiber.Ctx) error {
				if tt.setLocals {
					c.Locals("did", tt.did)
				}
				return c.Next()
			})
			app.Get("/convos/:convoID/test", mw, func(c fiber.Ctx) error {
				return c.SendStatus(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/convos/"+convoID+"/test", nil)
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if got := decodeErrorCode(t, resp.Body); got != string(tt.wantCode) {
					t.Errorf("error code = %q, want %q", got, tt.wantCode)
				}
			}
		})
	}
}
