package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/joshlacal/mls-delivery-service/internal/actor"
	"github.com/joshlacal/mls-delivery-service/internal/convo"
	"github.com/joshlacal/mls-delivery-service/internal/groupinfo"
	"github.com/joshlacal/mls-delivery-service/internal/idempotency"
	"github.com/joshlacal/mls-delivery-service/internal/keypackage"
	"github.com/joshlacal/mls-delivery-service/internal/member"
	"github.com/joshlacal/mls-delivery-service/internal/messagestore"
	"github.com/joshlacal/mls-delivery-service/internal/postgres"
	"github.com/joshlacal/mls-delivery-service/internal/welcome"
)

// testTimeout extends app.Test()'s default deadline so a miniredis round trip under the race detector
// never trips a spurious i/o timeout.
var testTimeout = fiber.TestConfig{Timeout: 30 * time.Second}

// fakeAuth stands in for the real auth.RequireAuth middleware in handler tests: it sets did in Locals
// exactly as the real middleware does, without needing a signed JWT.
func fakeAuth(did string) fiber.Handler {
	return func(c fiber.Ctx) error {
		c.Locals("did", did)
		return c.Next()
	}
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func newTestIdemCoordinator(t *testing.T, rdb *redis.Client) *idempotency.Coordinator {
	t.Helper()
	return idempotency.NewCoordinator(newFakeIdemStore(), rdb, 5*time.Second, zerolog.Nop())
}

// --- response parsing helpers, following the teacher's auth_test.go idiom ---

type successEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// errorEnvelope.Error holds the flat error body ({"error", "message", "retryAfter"}); parseError
// decodes the response straight into it.
type errorEnvelope struct {
	Error struct {
		Code       string `json:"error"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retryAfter"`
	}
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return b
}

func parseError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(body, &env.Error); err != nil {
		t.Fatalf("unmarshal error response %q: %v", string(body), err)
	}
	return env
}

func parseSuccess(t *testing.T, body []byte) successEnvelope {
	t.Helper()
	var env successEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal success response %q: %v", string(body), err)
	}
	return env
}

func jsonReq(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func doReq(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}

// --- fakeDB: postgres.DB with no real database, following internal/actor/actor_test.go ---

type fakeDB struct{}

func (fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	panic("fakeDB: Exec should never be called directly in api handler tests")
}

func (fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("fakeDB: Query should never be called directly in api handler tests")
}

func (fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("fakeDB: QueryRow should never be called directly in api handler tests")
}

func (fakeDB) WithTx(ctx context.Context, fn func(tx postgres.Querier) error) error {
	return fn(nil)
}

// --- fakeConvoRepo ---

type fakeConvoRepo struct {
	mu   sync.Mutex
	rows map[string]*convo.Conversation
}

func newFakeConvoRepo() *fakeConvoRepo {
	return &fakeConvoRepo{rows: make(map[string]*convo.Conversation)}
}

func (f *fakeConvoRepo) Create(ctx context.Context, id, creatorDID string) (*convo.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.rows[id]; exists {
		return nil, convo.ErrAlreadyExists
	}
	c := &convo.Conversation{ID: id, CreatorDID: creatorDID, CurrentEpoch: 0}
	f.rows[id] = c
	copied := *c
	return &copied, nil
}

func (f *fakeConvoRepo) Get(ctx context.Context, id string) (*convo.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[id]
	if !ok {
		return nil, convo.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (f *fakeConvoRepo) AdvanceEpoch(ctx context.Context, _ postgres.Querier, id string, newEpoch uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[id]
	if !ok {
		return convo.ErrNotFound
	}
	if c.CurrentEpoch != newEpoch-1 {
		return convo.ErrEpochConflict
	}
	c.CurrentEpoch = newEpoch
	return nil
}

// --- fakeMemberRepo ---

type fakeMemberRow struct {
	did    string
	role   string
	active bool
	unread uint32
}

type fakeMemberRepo struct {
	mu   sync.Mutex
	rows map[string]map[string]*fakeMemberRow // convoID -> did -> row
}

func newFakeMemberRepo() *fakeMemberRepo {
	return &fakeMemberRepo{rows: make(map[string]map[string]*fakeMemberRow)}
}

func (f *fakeMemberRepo) Insert(ctx context.Context, q postgres.Querier, convoID, memberDID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[convoID] == nil {
		f.rows[convoID] = make(map[string]*fakeMemberRow)
	}
	if existing, ok := f.rows[convoID][memberDID]; ok && existing.active {
		return member.ErrAlreadyMember
	}
	f.rows[convoID][memberDID] = &fakeMemberRow{did: memberDID, role: role, active: true}
	return nil
}

func (f *fakeMemberRepo) SoftRemove(ctx context.Context, q postgres.Querier, convoID, memberDID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[convoID][memberDID]
	if !ok || !m.active {
		return false, nil
	}
	m.active = false
	return true, nil
}

func (f *fakeMemberRepo) ResetUnread(ctx context.Context, q postgres.Querier, convoID, memberDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[convoID][memberDID]
	if !ok {
		return member.ErrNotFound
	}
	m.unread = 0
	return nil
}

func (f *fakeMemberRepo) IncrementUnread(ctx context.Context, q postgres.Querier, convoID, memberDID string, delta uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[convoID][memberDID]
	if !ok {
		return member.ErrNotFound
	}
	m.unread += delta
	return nil
}

func (f *fakeMemberRepo) Get(ctx context.Context, convoID, memberDID string) (*member.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[convoID][memberDID]
	if !ok {
		return nil, member.ErrNotFound
	}
	out := &member.Member{ConvoID: convoID, MemberDID: m.did, UnreadCount: m.unread, Role: m.role}
	if !m.active {
		now := time.Now()
		out.LeftAt = &now
	}
	return out, nil
}

func (f *fakeMemberRepo) ListActive(ctx context.Context, convoID string) ([]member.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []member.Member
	for _, m := range f.rows[convoID] {
		if m.active {
			out = append(out, member.Member{ConvoID: convoID, MemberDID: m.did, UnreadCount: m.unread, Role: m.role})
		}
	}
	return out, nil
}

func (f *fakeMemberRepo) IsActiveMember(ctx context.Context, convoID, memberDID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[convoID][memberDID]
	return ok && m.active, nil
}

func (f *fakeMemberRepo) IsAdmin(ctx context.Context, convoID, memberDID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[convoID][memberDID]
	return ok && m.active && m.role == member.RoleAdmin, nil
}

// seed registers memberDID as an active member of convoID with role, skipping Insert's duplicate check.
func (f *fakeMemberRepo) seed(convoID, memberDID, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[convoID] == nil {
		f.rows[convoID] = make(map[string]*fakeMemberRow)
	}
	f.rows[convoID][memberDID] = &fakeMemberRow{did: memberDID, role: role, active: true}
}

// --- fakeMessageRepo ---

type fakeMessageRepo struct {
	mu      sync.Mutex
	lastSeq map[string]int64
	rows    []messagestore.Message
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{lastSeq: make(map[string]int64)}
}

func (f *fakeMessageRepo) Insert(ctx context.Context, q postgres.Querier, params messagestore.InsertParams) (*messagestore.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeq[params.ConvoID]++
	msg := &messagestore.Message{
		ID: uuid.New(), ConvoID: params.ConvoID, Kind: params.Kind, Epoch: params.Epoch,
		Seq: f.lastSeq[params.ConvoID], Ciphertext: params.Ciphertext, ExpiresAt: params.ExpiresAt,
		CreatedAt: time.Now(),
	}
	f.rows = append(f.rows, *msg)
	return msg, nil
}

func (f *fakeMessageRepo) List(ctx context.Context, convoID string, afterSeq int64, limit int) ([]messagestore.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []messagestore.Message
	for _, m := range f.rows {
		if m.ConvoID == convoID && m.Seq > afterSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessageRepo) GetByID(ctx context.Context, id uuid.UUID) (*messagestore.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.ID == id {
			copied := m
			return &copied, nil
		}
	}
	return nil, messagestore.ErrNotFound
}

// --- fakeWelcomeRepo ---

type fakeWelcomeRepo struct {
	mu   sync.Mutex
	rows map[string]*welcome.Artifact
}

func newFakeWelcomeRepo() *fakeWelcomeRepo {
	return &fakeWelcomeRepo{rows: make(map[string]*welcome.Artifact)}
}

func welcomeKey(convoID, recipientDID string) string { return convoID + "|" + recipientDID }

func (f *fakeWelcomeRepo) Insert(ctx context.Context, q postgres.Querier, convoID, recipientDID string, ciphertext []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[welcomeKey(convoID, recipientDID)] = &welcome.Artifact{
		ConvoID: convoID, RecipientDID: recipientDID, Ciphertext: ciphertext, State: welcome.StateAvailable,
	}
	return nil
}

func (f *fakeWelcomeRepo) Get(ctx context.Context, convoID, recipientDID string) (*welcome.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[welcomeKey(convoID, recipientDID)]
	if !ok {
		return nil, welcome.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (f *fakeWelcomeRepo) TransitionToInFlight(ctx context.Context, convoID, recipientDID string) (*welcome.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[welcomeKey(convoID, recipientDID)]
	if !ok {
		return nil, welcome.ErrNotFound
	}
	switch a.State {
	case welcome.StateConsumed:
		return nil, welcome.ErrConsumed
	case welcome.StateInFlight:
		return nil, welcome.ErrInFlight
	}
	a.State = welcome.StateInFlight
	copied := *a
	return &copied, nil
}

func (f *fakeWelcomeRepo) TransitionFromInFlight(ctx context.Context, convoID, recipientDID string, success bool) (*welcome.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[welcomeKey(convoID, recipientDID)]
	if !ok {
		return nil, welcome.ErrNotFound
	}
	if a.State != welcome.StateInFlight {
		return nil, welcome.ErrWrongState
	}
	if success {
		a.State = welcome.StateConsumed
	} else {
		a.State = welcome.StateFailed
	}
	copied := *a
	return &copied, nil
}

func (f *fakeWelcomeRepo) RevertToAvailable(ctx context.Context, convoID, recipientDID string) (*welcome.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[welcomeKey(convoID, recipientDID)]
	if !ok {
		return nil, welcome.ErrNotFound
	}
	if a.State != welcome.StateInFlight {
		return nil, welcome.ErrWrongState
	}
	a.State = welcome.StateAvailable
	copied := *a
	return &copied, nil
}

func (f *fakeWelcomeRepo) RevertExpiredInFlight(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

// seed inserts an artifact directly in a given state, bypassing the state machine.
func (f *fakeWelcomeRepo) seed(convoID, recipientDID, state string, ciphertext []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[welcomeKey(convoID, recipientDID)] = &welcome.Artifact{
		ConvoID: convoID, RecipientDID: recipientDID, Ciphertext: ciphertext, State: state,
	}
}

// --- fakeGroupInfoRepo ---

type fakeGroupInfoRepo struct {
	mu   sync.Mutex
	rows map[string]*groupinfo.GroupInfo
}

func newFakeGroupInfoRepo() *fakeGroupInfoRepo {
	return &fakeGroupInfoRepo{rows: make(map[string]*groupinfo.GroupInfo)}
}

func groupInfoKey(convoID string, epoch uint32) string {
	return convoID + "|" + itoa(epoch)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func (f *fakeGroupInfoRepo) Upsert(ctx context.Context, q postgres.Querier, convoID string, epoch uint32, ciphertext []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[groupInfoKey(convoID, epoch)] = &groupinfo.GroupInfo{
		ConvoID: convoID, Epoch: epoch, Ciphertext: ciphertext, PublishedAt: time.Now(),
	}
	return nil
}

func (f *fakeGroupInfoRepo) GetLatest(ctx context.Context, convoID string) (*groupinfo.GroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *groupinfo.GroupInfo
	for _, gi := range f.rows {
		if gi.ConvoID != convoID {
			continue
		}
		if best == nil || gi.Epoch > best.Epoch {
			best = gi
		}
	}
	if best == nil {
		return nil, groupinfo.ErrNotFound
	}
	copied := *best
	return &copied, nil
}

func (f *fakeGroupInfoRepo) Get(ctx context.Context, convoID string, epoch uint32) (*groupinfo.GroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gi, ok := f.rows[groupInfoKey(convoID, epoch)]
	if !ok {
		return nil, groupinfo.ErrNotFound
	}
	copied := *gi
	return &copied, nil
}

// --- fakeKeyPackageRepo ---

type fakeKeyPackageRepo struct {
	mu   sync.Mutex
	rows []keypackage.KeyPackage
}

func newFakeKeyPackageRepo() *fakeKeyPackageRepo {
	return &fakeKeyPackageRepo{}
}

func (f *fakeKeyPackageRepo) Publish(ctx context.Context, params keypackage.PublishParams) (*keypackage.KeyPackage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, kp := range f.rows {
		if kp.OwnerDID == params.OwnerDID && string(kp.Hash) == string(params.Hash) {
			return nil, keypackage.ErrDuplicateHash
		}
	}
	kp := keypackage.KeyPackage{
		ID: uuid.New(), OwnerDID: params.OwnerDID, CipherSuite: params.CipherSuite,
		Hash: params.Hash, Ciphertext: params.Ciphertext, ExpiresAt: params.ExpiresAt,
		State: keypackage.StateAvailable, CreatedAt: time.Now(),
	}
	f.rows = append(f.rows, kp)
	return &kp, nil
}

func (f *fakeKeyPackageRepo) ListAvailable(ctx context.Context, ownerDID string, limit int) ([]keypackage.KeyPackage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []keypackage.KeyPackage
	for _, kp := range f.rows {
		if kp.OwnerDID == ownerDID && kp.State == keypackage.StateAvailable {
			out = append(out, kp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeKeyPackageRepo) Consume(ctx context.Context, ownerDID string) (*keypackage.KeyPackage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].OwnerDID == ownerDID && f.rows[i].State == keypackage.StateAvailable {
			f.rows[i].State = keypackage.StateConsumed
			copied := f.rows[i]
			return &copied, nil
		}
	}
	return nil, keypackage.ErrNotFound
}

// --- fakeIdemStore: idempotency.Store backed by an in-memory map ---

type fakeIdemStore struct {
	mu   sync.Mutex
	rows map[string]*idempotency.Record
}

func newFakeIdemStore() *fakeIdemStore {
	return &fakeIdemStore{rows: make(map[string]*idempotency.Record)}
}

func (f *fakeIdemStore) Get(ctx context.Context, endpoint, key string) (*idempotency.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[endpoint+"|"+key]
	if !ok {
		return nil, idempotency.ErrNotFound
	}
	return r, nil
}

func (f *fakeIdemStore) Put(ctx context.Context, endpoint, key string, responseBody []byte, statusCode int, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[endpoint+"|"+key] = &idempotency.Record{
		Key: key, Endpoint: endpoint, ResponseBody: responseBody, StatusCode: statusCode,
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(ttl),
	}
	return nil
}

// --- actor registry wiring ---

// testRegistry bundles a real actor.Registry with the fakes backing it, the same shape as
// internal/actor/actor_test.go's harness but exported to every _test.go file in this package.
type testRegistry struct {
	registry   *actor.Registry
	convos     *fakeConvoRepo
	members    *fakeMemberRepo
	messages   *fakeMessageRepo
	welcomes   *fakeWelcomeRepo
	groupInfo  *fakeGroupInfoRepo
}

func newTestRegistry() *testRegistry {
	tr := &testRegistry{
		convos:    newFakeConvoRepo(),
		members:   newFakeMemberRepo(),
		messages:  newFakeMessageRepo(),
		welcomes:  newFakeWelcomeRepo(),
		groupInfo: newFakeGroupInfoRepo(),
	}
	repos := actor.Repositories{
		Convo: tr.convos, Member: tr.members, Message: tr.messages,
		Welcome: tr.welcomes, GroupInfo: tr.groupInfo,
	}
	tr.registry = actor.NewRegistry(fakeDB{}, repos, zerolog.Nop())
	return tr
}

// seedConvo creates a conversation and adds creatorDID as its first admin member, mirroring what
// ConvoHandler.CreateConvo does across h.convos.Create + h.members.Insert.
func (tr *testRegistry) seedConvo(convoID, creatorDID string) {
	if _, err := tr.convos.Create(context.Background(), convoID, creatorDID); err != nil {
		panic(err)
	}
	tr.members.seed(convoID, creatorDID, member.RoleAdmin)
}
