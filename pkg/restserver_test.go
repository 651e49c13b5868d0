package pkg

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cmu-sei/gameboard-engine/internal/auth"
	"github.com/cmu-sei/gameboard-engine/internal/deploy"
	"github.com/cmu-sei/gameboard-engine/internal/engine"
	"github.com/cmu-sei/gameboard-engine/internal/keylock"
	"github.com/cmu-sei/gameboard-engine/internal/launch"
	"github.com/cmu-sei/gameboard-engine/internal/presence"
	"github.com/cmu-sei/gameboard-engine/internal/syncstart"
	"github.com/cmu-sei/gameboard-engine/pkg/api"
	"github.com/cmu-sei/gameboard-engine/pkg/config"
	"github.com/cmu-sei/gameboard-engine/pkg/models"
	"github.com/cmu-sei/gameboard-engine/pkg/worker"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// ---------------------------------------------------------------------------
// Mock engine client
// ---------------------------------------------------------------------------

type mockEngineClient struct{}

var _ engine.Client = (*mockEngineClient)(nil)

func (m *mockEngineClient) CreateChallenge(_ context.Context, spec *models.ChallengeSpec, teamID, _ string) (*engine.ChallengeState, error) {
	return &engine.ChallengeState{ID: teamID + "_" + spec.ID, Name: spec.Name, State: "{}"}, nil
}

func (m *mockEngineClient) StartGamespace(_ context.Context, challengeID, _ string) (*engine.GamespaceState, error) {
	vms := []engine.VM{{Name: "console-0", URL: "https://consoles.example.com/" + challengeID}}
	raw, _ := json.Marshal(engine.GamespaceState{ID: challengeID, IsActive: true, VMs: vms})
	return &engine.GamespaceState{ID: challengeID, IsActive: true, VMs: vms, Raw: string(raw)}, nil
}

func (m *mockEngineClient) LoadGamespace(_ context.Context, challengeID string) (*engine.GamespaceState, error) {
	return &engine.GamespaceState{ID: challengeID, IsActive: true}, nil
}

func (m *mockEngineClient) CompleteGamespace(context.Context, string) error { return nil }

func (m *mockEngineClient) AuditChallenge(context.Context, string) ([]engine.SubmissionRecord, error) {
	return nil, nil
}

// ---------------------------------------------------------------------------
// Mock job enqueuer
// ---------------------------------------------------------------------------

type mockEnqueuer struct {
	mu   sync.Mutex
	jobs []*worker.Job
}

var _ JobEnqueuer = (*mockEnqueuer)(nil)

func (m *mockEnqueuer) Enqueue(_ context.Context, job *worker.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// createEchoContextWithClaims builds an Echo context with JWT claims pre-set
// so that auth.GetClaims can extract them.
func createEchoContextWithClaims(method, path, body string, claims *auth.Claims) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	c.Set("user", token)
	return c, rec
}

// createEchoContextNoClaims builds an Echo context without any JWT token set.
func createEchoContextNoClaims(method, path string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

func adminClaims() *auth.Claims {
	return &auth.Claims{UserID: "admin-user", UserName: "Admin", Role: auth.RoleAdmin}
}

func playerClaims(userID, teamID, gameID string) *auth.Claims {
	return &auth.Claims{UserID: userID, UserName: "Player " + userID, TeamID: teamID, GameID: gameID, Role: auth.RolePlayer}
}

func newTestServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.New(log.Default(), logger.Config{LogLevel: logger.Silent}),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.Game{}, models.ChallengeSpec{}, models.Player{}, models.Challenge{}, models.ChallengeEvent{}))

	locks := keylock.New()
	client := &mockEngineClient{}
	deploySvc := deploy.NewService(deploy.ServiceOpts{DB: db, Client: client, Locks: locks})
	syncSvc := syncstart.NewService(syncstart.ServiceOpts{DB: db, Locks: locks, LeadTime: time.Second})
	orch := launch.NewOrchestrator(launch.OrchestratorOpts{
		DB:        db,
		Locks:     locks,
		DeploySvc: deploySvc,
		SyncStart: syncSvc,
	})

	srv := NewServerWithOpts(ServerOpts{
		DB:             db,
		Orchestrator:   orch,
		SyncStart:      syncSvc,
		DeployService:  deploySvc,
		Presence:       presence.NewMap(presence.MapConfig{}),
		ConfigProvider: &config.StaticProvider{Cfg: &config.Config{}},
	})
	return srv, db
}

func seedStandardGame(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Create(&models.Game{
		ID: "g1", Name: "Open Range", Mode: models.GameModeStandard, SessionMinutes: 60,
		GameStart: time.Now().Add(-time.Hour), GameEnd: time.Now().Add(4 * time.Hour),
	}).Error)
	require.NoError(t, db.Create(&models.ChallengeSpec{
		ID: "s1", GameID: "g1", Name: "spec-1", EngineType: "vsphere", Points: 100,
	}).Error)
	require.NoError(t, db.Create(&models.Player{
		ID: "p1", UserID: "u1", Name: "Alice", TeamID: "t1", GameID: "g1", Role: models.PlayerRoleManager,
	}).Error)
	require.NoError(t, db.Create(&models.Player{
		ID: "p2", UserID: "u2", Name: "Bob", TeamID: "t2", GameID: "g1",
	}).Error)
}

func withParam(c echo.Context, name, value string) {
	c.SetParamNames(name)
	c.SetParamValues(value)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestGetHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	c, rec := createEchoContextNoClaims(http.MethodGet, "/health")
	require.NoError(t, srv.GetHealth(c))
	assert.Equal(t, 200, rec.Code)
}

func TestGetGamePlayState(t *testing.T) {
	srv, db := newTestServer(t)
	seedStandardGame(t, db)

	c, rec := createEchoContextWithClaims(http.MethodGet, "/api/games/g1/play-state", "", playerClaims("u1", "t1", "g1"))
	withParam(c, "gameId", "g1")
	require.NoError(t, srv.GetGamePlayState(c))
	require.Equal(t, 200, rec.Code)

	var resp api.PlayStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "notStarted", resp.State)
}

func TestGetGamePlayState_Unauthorized(t *testing.T) {
	srv, _ := newTestServer(t)
	c, rec := createEchoContextNoClaims(http.MethodGet, "/api/games/g1/play-state")
	withParam(c, "gameId", "g1")
	require.NoError(t, srv.GetGamePlayState(c))
	assert.Equal(t, 401, rec.Code)
}

func TestGetGamePlayState_UnknownGame(t *testing.T) {
	srv, _ := newTestServer(t)
	c, rec := createEchoContextWithClaims(http.MethodGet, "/api/games/nope/play-state", "", adminClaims())
	withParam(c, "gameId", "nope")
	require.NoError(t, srv.GetGamePlayState(c))
	assert.Equal(t, 404, rec.Code)
}

func TestUpdatePlayerReadiness_OwnFlag(t *testing.T) {
	srv, db := newTestServer(t)
	seedStandardGame(t, db)

	c, rec := createEchoContextWithClaims(http.MethodPut, "/api/players/p1/ready", `{"is_ready":true}`, playerClaims("u1", "t1", "g1"))
	withParam(c, "playerId", "p1")
	require.NoError(t, srv.UpdatePlayerReadiness(c))
	require.Equal(t, 200, rec.Code)

	player, err := models.GetPlayer(db, "p1")
	require.NoError(t, err)
	assert.True(t, player.IsReady)
}

func TestUpdatePlayerReadiness_OtherPlayerForbidden(t *testing.T) {
	srv, db := newTestServer(t)
	seedStandardGame(t, db)

	// u2 tries to flip p1, who belongs to u1
	c, rec := createEchoContextWithClaims(http.MethodPut, "/api/players/p1/ready", `{"is_ready":true}`, playerClaims("u2", "t2", "g1"))
	withParam(c, "playerId", "p1")
	require.NoError(t, srv.UpdatePlayerReadiness(c))
	assert.Equal(t, 403, rec.Code)

	player, err := models.GetPlayer(db, "p1")
	require.NoError(t, err)
	assert.False(t, player.IsReady)
}

func TestUpdatePlayerReadiness_AdminMayActForAnyone(t *testing.T) {
	srv, db := newTestServer(t)
	seedStandardGame(t, db)

	c, rec := createEchoContextWithClaims(http.MethodPut, "/api/players/p1/ready", `{"is_ready":true}`, adminClaims())
	withParam(c, "playerId", "p1")
	require.NoError(t, srv.UpdatePlayerReadiness(c))
	assert.Equal(t, 200, rec.Code)
}

func TestUpdateTeamReadiness_ForeignTeamForbidden(t *testing.T) {
	srv, db := newTestServer(t)
	seedStandardGame(t, db)

	c, rec := createEchoContextWithClaims(http.MethodPut, "/api/teams/t2/ready", `{"is_ready":true}`, playerClaims("u1", "t1", "g1"))
	withParam(c, "teamId", "t2")
	require.NoError(t, srv.UpdateTeamReadiness(c))
	assert.Equal(t, 403, rec.Code)
}

func TestGetSyncStartState(t *testing.T) {
	srv, db := newTestServer(t)
	require.NoError(t, db.Create(&models.Game{
		ID: "sync", Mode: models.GameModeExternal, RequireSynchronizedStart: true, SessionMinutes: 60,
	}).Error)
	require.NoError(t, db.Create(&models.Player{
		ID: "p1", UserID: "u1", Name: "Alice", TeamID: "t1", GameID: "sync", IsReady: true,
	}).Error)
	require.NoError(t, db.Create(&models.Player{
		ID: "p2", UserID: "u2", Name: "Bob", TeamID: "t1", GameID: "sync",
	}).Error)

	c, rec := createEchoContextWithClaims(http.MethodGet, "/api/games/sync/sync-start", "", playerClaims("u1", "t1", "sync"))
	withParam(c, "gameId", "sync")
	require.NoError(t, srv.GetSyncStartState(c))
	require.Equal(t, 200, rec.Code)

	var resp api.SyncStartStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.IsReady)
	require.Len(t, resp.Teams, 1)
	assert.Len(t, resp.Teams[0].Players, 2)
}

func TestGetTeamChallenges(t *testing.T) {
	srv, db := newTestServer(t)
	seedStandardGame(t, db)

	// Deploy resources so t1 has a challenge with a live gamespace.
	c, rec := createEchoContextWithClaims(http.MethodPost, "/api/admin/games/g1/launch", "", adminClaims())
	withParam(c, "gameId", "g1")
	require.NoError(t, srv.LaunchGame(c))
	require.Equal(t, 200, rec.Code)

	c, rec = createEchoContextWithClaims(http.MethodGet, "/api/teams/t1/challenges", "", playerClaims("u1", "t1", "g1"))
	withParam(c, "teamId", "t1")
	require.NoError(t, srv.GetTeamChallenges(c))
	require.Equal(t, 200, rec.Code)

	var resp []api.ChallengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.True(t, resp[0].HasGamespace)
	require.Len(t, resp[0].VMs, 1)
	assert.Equal(t, "console-0", resp[0].VMs[0].Name)
}

func TestGetTeamChallenges_ForeignTeamForbidden(t *testing.T) {
	srv, db := newTestServer(t)
	seedStandardGame(t, db)

	c, rec := createEchoContextWithClaims(http.MethodGet, "/api/teams/t2/challenges", "", playerClaims("u1", "t1", "g1"))
	withParam(c, "teamId", "t2")
	require.NoError(t, srv.GetTeamChallenges(c))
	assert.Equal(t, 403, rec.Code)
}

func TestConsolePresenceRoundTrip(t *testing.T) {
	srv, db := newTestServer(t)
	seedStandardGame(t, db)

	c, rec := createEchoContextWithClaims(http.MethodPut, "/api/consoles/presence", `{"vm_name":"console-0"}`, playerClaims("u1", "t1", "g1"))
	require.NoError(t, srv.UpdateConsolePresence(c))
	require.Equal(t, 200, rec.Code)

	c, rec = createEchoContextWithClaims(http.MethodGet, "/api/admin/games/g1/presence", "", adminClaims())
	withParam(c, "gameId", "g1")
	require.NoError(t, srv.ListGamePresence(c))
	require.Equal(t, 200, rec.Code)

	var resp []api.PresenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "u1", resp[0].UserID)
	assert.Equal(t, "console-0", resp[0].VMName)
}

func TestListGamePresence_NonAdminForbidden(t *testing.T) {
	srv, _ := newTestServer(t)
	c, rec := createEchoContextWithClaims(http.MethodGet, "/api/admin/games/g1/presence", "", playerClaims("u1", "t1", "g1"))
	withParam(c, "gameId", "g1")
	require.NoError(t, srv.ListGamePresence(c))
	assert.Equal(t, 403, rec.Code)
}
