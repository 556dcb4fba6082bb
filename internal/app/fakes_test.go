package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"roadwatch/api/internal/auth"
	"roadwatch/api/internal/cache"
	"roadwatch/api/internal/identity"
	"roadwatch/api/internal/lifecycle"
	"roadwatch/api/internal/notify"
	"roadwatch/api/internal/reconcile"
	"roadwatch/api/internal/rhi"
	"roadwatch/api/internal/search"
	"roadwatch/api/internal/session"
	"roadwatch/api/internal/store"
	"roadwatch/api/internal/zone"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// memGateway is the remote store held in memory.
type memGateway struct {
	mu      sync.Mutex
	reports map[string]store.Report
	clock   time.Time
	down    bool
}

func newMemGateway() *memGateway {
	return &memGateway{
		reports: map[string]store.Report{},
		clock:   time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC),
	}
}

var errGatewayDown = &store.RemoteError{Kind: store.RemoteNetwork, Op: "test", Err: errors.New("connection refused")}

func (g *memGateway) UpsertReport(_ context.Context, report store.Report) (store.Report, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return store.Report{}, errGatewayDown
	}
	if stored, ok := g.reports[report.ID]; ok && !stored.UpdatedAt.Equal(report.UpdatedAt) {
		return store.Report{}, &store.ConflictError{ReportID: report.ID, Expected: report.UpdatedAt}
	}
	g.clock = g.clock.Add(time.Second)
	report.UpdatedAt = g.clock
	report.SyncStatus = store.SyncSynced
	g.reports[report.ID] = report
	return report, nil
}

// edit changes a stored report the way another edge process would.
func (g *memGateway) edit(id string, fn func(*store.Report)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	report := g.reports[id]
	fn(&report)
	g.clock = g.clock.Add(time.Second)
	report.UpdatedAt = g.clock
	g.reports[id] = report
}

func (g *memGateway) QueryReports(_ context.Context, filter store.ReportFilter) ([]store.Report, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return nil, errGatewayDown
	}
	out := []store.Report{}
	for _, r := range g.reports {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (g *memGateway) DeleteReport(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return errGatewayDown
	}
	delete(g.reports, id)
	return nil
}

func (g *memGateway) setDown(down bool) {
	g.mu.Lock()
	g.down = down
	g.mu.Unlock()
}

// AwardPoints flips the report flag; pools and balances live in users.
func (g *memGateway) AwardPoints(_ context.Context, award store.Award) (time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	report, ok := g.reports[award.ReportID]
	if !ok {
		return time.Time{}, store.ErrNotFound
	}
	flag := &report.ReportApprovedForPoints
	if award.Kind == store.PointsForRepair {
		flag = &report.RepairApprovedForPoints
	}
	if *flag {
		return time.Time{}, store.ErrAlreadyAwarded
	}
	*flag = true
	g.clock = g.clock.Add(time.Second)
	report.UpdatedAt = g.clock
	g.reports[report.ID] = report
	return report.UpdatedAt, nil
}

type memUsers struct {
	mu   sync.Mutex
	byID map[string]store.User
}

func (m *memUsers) CreateUser(_ context.Context, user store.User) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if strings.EqualFold(u.Username, user.Username) {
			return store.User{}, store.ErrUsernameTaken
		}
	}
	m.byID[user.ID] = user
	return user, nil
}

func (m *memUsers) GetUserByUsername(_ context.Context, username string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (m *memUsers) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) ListPendingRSOs(_ context.Context) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.User
	for _, u := range m.byID {
		if u.Role == store.RoleRSO && !u.IsApproved {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memUsers) ApproveRSO(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok || u.Role != store.RoleRSO {
		return store.User{}, store.ErrNotFound
	}
	if u.IsApproved {
		return store.User{}, store.ErrAlreadyApproved
	}
	u.IsApproved = true
	m.byID[id] = u
	return u, nil
}

type fakeMedia struct {
	mu      sync.Mutex
	folders []string
	sizes   []int
}

func (f *fakeMedia) Store(_ context.Context, data []byte, folder, keyHint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders = append(f.folders, folder)
	f.sizes = append(f.sizes, len(data))
	return "https://media.example/" + folder + "/" + keyHint, nil
}

type fakeClassifier struct {
	detection *store.AIDetection
	err       error
	calls     int
}

func (f *fakeClassifier) Classify(context.Context, string) (*store.AIDetection, error) {
	f.calls++
	return f.detection, f.err
}

type fakeSearcher struct {
	mu      sync.Mutex
	queries []search.Query
}

func (f *fakeSearcher) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{{ID: "rpt-1"}}, Total: 1, Query: q.Text, Engine: "fake"}
}

type fakeDirectory struct {
	zones []string
}

func (f *fakeDirectory) ListContractors(_ context.Context, zone string) ([]store.Contractor, error) {
	f.zones = append(f.zones, zone)
	return []store.Contractor{{ID: "ctr-1", Name: "Asphalt Co", Zone: zone}}, nil
}

type testEnv struct {
	server     *HTTPServer
	service    *Service
	gateway    *memGateway
	users      *memUsers
	identity   *identity.Service
	recorder   *notify.Recorder
	media      *fakeMedia
	classifier *fakeClassifier
	searcher   *fakeSearcher
	contracts  *fakeDirectory
	ready      map[string]error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	local := cache.NewWithClient(client)

	env := &testEnv{
		gateway:  newMemGateway(),
		users:    &memUsers{byID: map[string]store.User{}},
		recorder: &notify.Recorder{},
		media:    &fakeMedia{},
		classifier: &fakeClassifier{detection: &store.AIDetection{
			DamageType: "pothole", Confidence: 0.91, Severity: store.SeverityHigh,
		}},
		searcher:  &fakeSearcher{},
		contracts: &fakeDirectory{},
		ready:     map[string]error{},
	}

	reconciler := reconcile.New(env.gateway, local, zap.NewNop(), reconcile.Options{RemoteTimeout: time.Second})
	reports := lifecycle.NewService(reconciler, env.gateway, nil, env.recorder, zap.NewNop(), lifecycle.Config{})
	env.identity = identity.NewService(env.users, local, zap.NewNop())

	zones, err := zone.ParseBounds(map[string]string{
		"zone1": "12.90 77.50 13.00 77.60",
		"zone2": "13.00 77.50 13.10 77.60",
	})
	if err != nil {
		t.Fatalf("zones: %v", err)
	}

	env.service = New(Deps{
		Reports:     reports,
		Identity:    env.identity,
		RHI:         rhi.NewService(reconciler, local, []string{"zone1", "zone2"}, zap.NewNop()),
		Tokens:      auth.NewIssuer("test-secret", time.Hour),
		Revocations: session.NewRedisStoreWithClient(client),
		Sync:        reconciler,
		Contractors: env.contracts,
		Media:       env.media,
		Classifier:  env.classifier,
		Zones:       zones,
		Search:      env.searcher,
		Checks: map[string]func(context.Context) error{
			"database": func(context.Context) error { return env.ready["database"] },
			"redis":    local.Ping,
		},
	}, zap.NewNop())
	env.server = NewHTTPServer(env.service, "*", zap.NewNop())
	return env
}

// user creates an account of any role directly and returns a bearer token.
func (e *testEnv) user(t *testing.T, username string, role store.Role, zoneName string) (store.User, string) {
	t.Helper()
	ctx := context.Background()
	req := identity.RegisterRequest{Username: username, Password: "password-" + username, Role: role, Zone: zoneName}
	var (
		user store.User
		err  error
	)
	switch role {
	case store.RoleAdmin:
		user, err = e.identity.Provision(ctx, req, 100)
	case store.RoleComplianceOfficer:
		user, err = e.identity.Provision(ctx, req, 0)
	default:
		user, err = e.identity.Register(ctx, req)
		if err == nil && role == store.RoleRSO {
			user, err = e.identity.Approve(ctx, user.ID)
		}
	}
	if err != nil {
		t.Fatalf("create %s: %v", username, err)
	}
	token, _, err := e.service.Login(ctx, username, req.Password)
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return user, token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d body=%s", want, rr.Code, rr.Body.String())
	}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return out
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	payload := decode[map[string]any](t, rr)
	code, _ := payload["code"].(string)
	return code
}
