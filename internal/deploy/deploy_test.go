package deploy

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cmu-sei/gameboard-engine/internal/engine"
	pkgerrors "github.com/cmu-sei/gameboard-engine/pkg/errors"
	"github.com/cmu-sei/gameboard-engine/pkg/models"
	"github.com/glebarez/sqlite"
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

type mockClient struct {
	mu          sync.Mutex
	createCalls []string // teamID/specID
	startCalls  []string // challengeID

	inFlight    int32
	maxInFlight int32

	createFn func(ctx context.Context, spec *models.ChallengeSpec, teamID, playerID string) (*engine.ChallengeState, error)
	startFn  func(ctx context.Context, challengeID, engineType string) (*engine.GamespaceState, error)
}

var _ engine.Client = (*mockClient)(nil)

func (m *mockClient) CreateChallenge(ctx context.Context, spec *models.ChallengeSpec, teamID, playerID string) (*engine.ChallengeState, error) {
	m.mu.Lock()
	m.createCalls = append(m.createCalls, teamID+"/"+spec.ID)
	m.mu.Unlock()
	if m.createFn != nil {
		return m.createFn(ctx, spec, teamID, playerID)
	}
	return &engine.ChallengeState{ID: teamID + "_" + spec.ID, Name: spec.Name, State: "{}"}, nil
}

func (m *mockClient) StartGamespace(ctx context.Context, challengeID, engineType string) (*engine.GamespaceState, error) {
	cur := atomic.AddInt32(&m.inFlight, 1)
	defer atomic.AddInt32(&m.inFlight, -1)
	for {
		max := atomic.LoadInt32(&m.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&m.maxInFlight, max, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	m.mu.Lock()
	m.startCalls = append(m.startCalls, challengeID)
	m.mu.Unlock()
	if m.startFn != nil {
		return m.startFn(ctx, challengeID, engineType)
	}
	return &engine.GamespaceState{
		ID:       challengeID,
		IsActive: true,
		VMs:      []engine.VM{{Name: "vm-" + challengeID, URL: "https://consoles/" + challengeID}},
		Raw:      `{"isActive":true}`,
	}, nil
}

func (m *mockClient) LoadGamespace(ctx context.Context, challengeID string) (*engine.GamespaceState, error) {
	return &engine.GamespaceState{ID: challengeID, IsActive: true}, nil
}

func (m *mockClient) CompleteGamespace(ctx context.Context, challengeID string) error { return nil }

func (m *mockClient) AuditChallenge(ctx context.Context, challengeID string) ([]engine.SubmissionRecord, error) {
	return nil, nil
}

func (m *mockClient) startCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.startCalls)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.New(log.Default(), logger.Config{LogLevel: logger.Silent}),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.Game{}, models.ChallengeSpec{}, models.Player{}, models.Challenge{}, models.ChallengeEvent{}))
	return db
}

func seedGame(t *testing.T, db *gorm.DB, specCount int, teamIDs ...string) {
	t.Helper()
	require.NoError(t, db.Create(&models.Game{
		ID: "g1", Name: "Cyber Cup", Mode: models.GameModeExternal,
		RequireSynchronizedStart: true, SessionMinutes: 60,
		GameStart: time.Now().Add(-time.Hour), GameEnd: time.Now().Add(24 * time.Hour),
	}).Error)
	for i := 1; i <= specCount; i++ {
		require.NoError(t, db.Create(&models.ChallengeSpec{
			ID: fmt.Sprintf("s%d", i), GameID: "g1", Name: fmt.Sprintf("spec-%d", i),
			ExternalID: fmt.Sprintf("ws-%d", i), EngineType: "vsphere", Points: 100,
		}).Error)
	}
	for _, teamID := range teamIDs {
		require.NoError(t, db.Create(&models.Player{
			ID: "p-" + teamID, UserID: "u-" + teamID, Name: "Captain " + teamID,
			TeamID: teamID, GameID: "g1", Role: models.PlayerRoleManager,
		}).Error)
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDeployResources_IdempotentChallengeCreation(t *testing.T) {
	db := testDB(t)
	seedGame(t, db, 1, "t1")
	client := &mockClient{}
	svc := NewService(ServiceOpts{DB: db, Client: client, BatchSize: 2})

	result, err := svc.DeployResources(context.Background(), []string{"t1"})
	require.NoError(t, err)
	require.Len(t, result.TeamChallenges["t1"], 1)

	result, err = svc.DeployResources(context.Background(), []string{"t1"})
	require.NoError(t, err)
	require.Len(t, result.TeamChallenges["t1"], 1)

	// Exactly one engine create and one row, both times.
	assert.Len(t, client.createCalls, 1)
	var count int64
	require.NoError(t, db.Model(&models.Challenge{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestDeployResources_BatchIsolation(t *testing.T) {
	db := testDB(t)
	seedGame(t, db, 5, "t1")
	client := &mockClient{
		startFn: func(ctx context.Context, challengeID, engineType string) (*engine.GamespaceState, error) {
			if challengeID == "t1_s3" {
				return nil, &pkgerrors.GamespaceStartError{ChallengeID: challengeID, Reason: "no capacity"}
			}
			return &engine.GamespaceState{ID: challengeID, IsActive: true, Raw: `{"isActive":true}`}, nil
		},
	}
	svc := NewService(ServiceOpts{DB: db, Client: client, BatchSize: 2})

	result, err := svc.DeployResources(context.Background(), []string{"t1"})
	require.NoError(t, err)

	// All five attempted despite the failure in the middle batch.
	assert.Equal(t, 5, client.startCount())
	assert.Equal(t, []string{"t1_s3"}, result.FailedGamespaceIDs)
	assert.Equal(t, 4, result.DeployedCount())

	for _, d := range result.TeamChallenges["t1"] {
		chall, err := models.GetChallenge(db, d.ID)
		require.NoError(t, err)
		assert.Equal(t, d.ID != "t1_s3", chall.HasDeployedGamespace, "challenge %s", d.ID)
	}
}

func TestDeployResources_BatchSizeBoundsConcurrency(t *testing.T) {
	db := testDB(t)
	seedGame(t, db, 6, "t1")
	client := &mockClient{}
	svc := NewService(ServiceOpts{DB: db, Client: client, BatchSize: 2})

	_, err := svc.DeployResources(context.Background(), []string{"t1"})
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&client.maxInFlight), int32(2))
	assert.Equal(t, 6, client.startCount())
}

func TestDeployResources_PredeployReuse(t *testing.T) {
	db := testDB(t)
	seedGame(t, db, 2, "t1")
	client := &mockClient{}
	svc := NewService(ServiceOpts{DB: db, Client: client, BatchSize: 2})

	_, err := svc.DeployResources(context.Background(), []string{"t1"})
	require.NoError(t, err)
	require.Equal(t, 2, client.startCount())

	// Second deploy before the session starts reuses active gamespaces.
	result, err := svc.DeployResources(context.Background(), []string{"t1"})
	require.NoError(t, err)
	assert.Equal(t, 2, client.startCount())
	assert.Equal(t, 2, result.DeployedCount())
}

func TestDeployResources_TeamsSpanningGamesRejected(t *testing.T) {
	db := testDB(t)
	seedGame(t, db, 1, "t1")
	require.NoError(t, db.Create(&models.Game{ID: "g2", Mode: models.GameModeExternal}).Error)
	require.NoError(t, db.Create(&models.Player{ID: "p-x", TeamID: "t9", GameID: "g2", Name: "X"}).Error)

	svc := NewService(ServiceOpts{DB: db, Client: &mockClient{}})
	_, err := svc.DeployResources(context.Background(), []string{"t1", "t9"})
	assert.ErrorIs(t, err, pkgerrors.ErrTeamsSpanGames)
}

func TestDeployResources_NoPlayers(t *testing.T) {
	db := testDB(t)
	svc := NewService(ServiceOpts{DB: db, Client: &mockClient{}})
	_, err := svc.DeployResources(context.Background(), []string{"ghost-team"})
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestDeployResources_ZeroSpecsIsEmptySuccess(t *testing.T) {
	db := testDB(t)
	seedGame(t, db, 0, "t1")
	client := &mockClient{}
	svc := NewService(ServiceOpts{DB: db, Client: client})

	result, err := svc.DeployResources(context.Background(), []string{"t1"})
	require.NoError(t, err)
	assert.Empty(t, result.TeamChallenges["t1"])
	assert.Empty(t, result.FailedGamespaceIDs)
	assert.Empty(t, client.createCalls)
}

func TestDeployResources_DisabledSpecsExcluded(t *testing.T) {
	db := testDB(t)
	seedGame(t, db, 1, "t1")
	require.NoError(t, db.Create(&models.ChallengeSpec{
		ID: "s-off", GameID: "g1", Name: "retired", EngineType: "vsphere", Disabled: true,
	}).Error)

	client := &mockClient{}
	svc := NewService(ServiceOpts{DB: db, Client: client})
	result, err := svc.DeployResources(context.Background(), []string{"t1"})
	require.NoError(t, err)
	require.Len(t, result.TeamChallenges["t1"], 1)
	assert.Equal(t, "s1", result.TeamChallenges["t1"][0].SpecID)
}

func TestDeployResources_SolvedChallengesSkipGamespace(t *testing.T) {
	db := testDB(t)
	seedGame(t, db, 1, "t1")
	require.NoError(t, models.CreateChallenge(db, &models.Challenge{
		ID: "done", SpecID: "s1", TeamID: "t1", GameID: "g1", Points: 100, Score: 100,
	}))

	client := &mockClient{}
	svc := NewService(ServiceOpts{DB: db, Client: client})
	result, err := svc.DeployResources(context.Background(), []string{"t1"})
	require.NoError(t, err)

	assert.Zero(t, client.startCount())
	require.Len(t, result.TeamChallenges["t1"], 1)
	assert.True(t, result.TeamChallenges["t1"][0].IsFullySolved)
}

func TestPredeployResources_ConcurrentDeploysSerialized(t *testing.T) {
	db := testDB(t)
	seedGame(t, db, 3, "t1")
	client := &mockClient{}
	svc := NewService(ServiceOpts{DB: db, Client: client, BatchSize: 2})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PredeployResources(context.Background(), "g1", []string{"t1"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// The deploy lock serializes the two passes: the second one observes the
	// first one's persisted gamespaces and starts nothing itself.
	require.Equal(t, 3, client.startCount())
	perChallenge := make(map[string]int)
	client.mu.Lock()
	for _, id := range client.startCalls {
		perChallenge[id]++
	}
	client.mu.Unlock()
	for id, n := range perChallenge {
		assert.Equalf(t, 1, n, "challenge %s had %d StartGamespace calls", id, n)
	}

	var count int64
	require.NoError(t, db.Model(&models.Challenge{}).Count(&count).Error)
	assert.EqualValues(t, 3, count)
}
