// Package deploy provisions challenges and gamespaces for a game's teams:
// idempotent challenge creation first, then gamespace starts in throttled
// batches that tolerate per-item failure.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cmu-sei/gameboard-engine/internal/engine"
	"github.com/cmu-sei/gameboard-engine/internal/keylock"
	"github.com/cmu-sei/gameboard-engine/internal/notify"
	pkgerrors "github.com/cmu-sei/gameboard-engine/pkg/errors"
	"github.com/cmu-sei/gameboard-engine/pkg/models"
	"github.com/cmu-sei/gameboard-engine/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"k8s.io/utils/keymutex"
)

var (
	gamespaceStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gameboard_gamespace_starts_total",
		Help: "The total number of gamespace start calls issued to the engine",
	})
	gamespaceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gameboard_gamespace_start_failures_total",
		Help: "The total number of gamespace starts the engine failed",
	})
	deployOps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gameboard_deploy_ops_total",
		Help: "The total number of resource deployment operations attempted",
	})
)

// ChallengeDescriptor is the per-challenge record a deploy reports back,
// whether the challenge was created fresh or already existed.
type ChallengeDescriptor struct {
	ID            string      `json:"id"`
	SpecID        string      `json:"specId"`
	Name          string      `json:"name"`
	EngineType    string      `json:"engineType"`
	State         string      `json:"state"`
	IsFullySolved bool        `json:"isFullySolved"`
	TeamID        string      `json:"teamId"`
	HasGamespace  bool        `json:"hasGamespace"`
	VMs           []engine.VM `json:"vms,omitempty"`
}

// DeployResult aggregates one launch's provisioning outcome. Partial
// success is a valid, reportable outcome: failed gamespaces are listed, not
// fatal.
type DeployResult struct {
	GameID             string                            `json:"gameId"`
	TeamChallenges     map[string][]*ChallengeDescriptor `json:"teamChallenges"`
	FailedGamespaceIDs []string                          `json:"failedGamespaceIds"`
}

// DeployedCount reports how many challenges have a live gamespace.
func (r *DeployResult) DeployedCount() int {
	count := 0
	for _, descs := range r.TeamChallenges {
		for _, d := range descs {
			if d.HasGamespace {
				count++
			}
		}
	}
	return count
}

// FailedFor reports whether every challenge of the team is without a
// gamespace and unsolved, i.e. the team has nothing playable at all.
func (r *DeployResult) FailedFor(teamID string) bool {
	descs := r.TeamChallenges[teamID]
	if len(descs) == 0 {
		return false
	}
	for _, d := range descs {
		if d.HasGamespace || d.IsFullySolved {
			return false
		}
	}
	return true
}

type Service struct {
	db        *gorm.DB
	client    engine.Client
	locks     keymutex.KeyMutex
	notifier  notify.Notifier
	batchSize int
}

type ServiceOpts struct {
	DB        *gorm.DB
	Client    engine.Client
	Locks     keymutex.KeyMutex
	Notifier  notify.Notifier
	BatchSize int
}

func NewService(opts ServiceOpts) *Service {
	locks := opts.Locks
	if locks == nil {
		locks = keylock.New()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	batchSize := opts.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	return &Service{
		db:        opts.DB,
		client:    opts.Client,
		locks:     locks,
		notifier:  notifier,
		batchSize: batchSize,
	}
}

// PredeployResources runs DeployResources while holding the game's deploy
// lock. Predeploys go through here so they serialize against launches and
// against each other; two unserialized deploys would both see the same
// challenges as gamespace-less and double-start them.
func (s *Service) PredeployResources(ctx context.Context, gameID string, teamIDs []string) (*DeployResult, error) {
	lockID := keylock.DeployPrefix + gameID
	s.locks.LockKey(lockID)
	defer s.locks.UnlockKey(lockID)
	return s.DeployResources(ctx, teamIDs)
}

// DeployResources provisions every non-disabled challenge spec for the given
// teams, then starts the missing gamespaces in batches. All teams must
// belong to the same game. Callers are responsible for the per-game deploy
// lock; the launch orchestrator already holds it when it gets here.
func (s *Service) DeployResources(ctx context.Context, teamIDs []string) (*DeployResult, error) {
	deployOps.Inc()

	players, err := models.GetPlayersForTeams(s.db.WithContext(ctx), teamIDs)
	if err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}
	if len(players) == 0 {
		return nil, pkgerrors.NewValidation("no players registered for teams %v", teamIDs)
	}

	gameID := players[0].GameID
	for _, p := range players {
		if p.GameID != gameID {
			return nil, pkgerrors.ErrTeamsSpanGames
		}
	}

	game, err := models.GetGame(s.db.WithContext(ctx), gameID)
	if err != nil {
		return nil, fmt.Errorf("load game %s: %w", gameID, err)
	}
	specs, err := models.GetChallengeSpecs(s.db.WithContext(ctx), gameID, false)
	if err != nil {
		return nil, fmt.Errorf("load specs for game %s: %w", gameID, err)
	}

	teams := groupByTeam(players)
	result := &DeployResult{
		GameID:         gameID,
		TeamChallenges: make(map[string][]*ChallengeDescriptor, len(teams)),
	}

	// Challenge phase: sequential per team so captain resolution and the
	// idempotency probe stay simple.
	for _, teamID := range sortedKeys(teams) {
		descs, err := s.deployChallenges(ctx, game, specs, teamID, teams[teamID])
		if err != nil {
			return nil, err
		}
		result.TeamChallenges[teamID] = descs
		s.notifier.Publish(ctx, notify.Event{
			Type:    notify.EventLaunchProgress,
			GameID:  gameID,
			TeamID:  teamID,
			Message: fmt.Sprintf("Challenges ready for team %s (%d)", teamID, len(descs)),
		})
	}

	// Gamespace phase.
	if err := s.startGamespaces(ctx, result); err != nil {
		return nil, err
	}

	for _, descs := range result.TeamChallenges {
		for _, d := range descs {
			if !d.HasGamespace && !d.IsFullySolved {
				zap.S().Warnf("Challenge %s (team %s) has no gamespace after deploy", d.ID, d.TeamID)
			}
		}
	}
	return result, nil
}

// deployChallenges ensures one challenge per (team, spec), reusing rows that
// already exist. The per-pair key lock serializes racing creators; the
// unique index backstops them.
func (s *Service) deployChallenges(ctx context.Context, game *models.Game, specs []models.ChallengeSpec, teamID string, teamPlayers []models.Player) ([]*ChallengeDescriptor, error) {
	captain, err := models.ResolveCaptain(teamPlayers)
	if err != nil {
		return nil, pkgerrors.NewValidation("team %s: %v", teamID, err)
	}

	descs := make([]*ChallengeDescriptor, 0, len(specs))
	for i := range specs {
		spec := &specs[i]
		challenge, err := s.ensureChallenge(ctx, game, spec, teamID, captain.ID)
		if err != nil {
			return nil, err
		}
		descs = append(descs, &ChallengeDescriptor{
			ID:            challenge.ID,
			SpecID:        spec.ID,
			Name:          challenge.Name,
			EngineType:    spec.EngineType,
			State:         challenge.State,
			IsFullySolved: challenge.IsFullySolved(),
			TeamID:        teamID,
			HasGamespace:  challenge.HasDeployedGamespace,
		})
	}
	return descs, nil
}

func (s *Service) ensureChallenge(ctx context.Context, game *models.Game, spec *models.ChallengeSpec, teamID, captainID string) (*models.Challenge, error) {
	lockID := keylock.ChallengePrefix + teamID + ":" + spec.ID
	s.locks.LockKey(lockID)
	defer s.locks.UnlockKey(lockID)

	existing, err := models.GetChallengeForTeamSpec(s.db.WithContext(ctx), teamID, spec.ID, false)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("probe challenge for team %s spec %s: %w", teamID, spec.ID, err)
	}

	state, err := s.client.CreateChallenge(ctx, spec, teamID, captainID)
	if err != nil {
		return nil, fmt.Errorf("create challenge for team %s spec %s: %w", teamID, spec.ID, err)
	}

	challenge := &models.Challenge{
		ID:       state.ID,
		SpecID:   spec.ID,
		TeamID:   teamID,
		GameID:   game.ID,
		PlayerID: captainID,
		Name:     spec.Name,
		Points:   spec.Points,
		State:    state.State,
	}
	if challenge.ID == "" {
		challenge.ID = teamID + "_" + spec.ID
	}
	if err := models.CreateChallenge(s.db.WithContext(ctx), challenge); err != nil {
		return nil, fmt.Errorf("persist challenge for team %s spec %s: %w", teamID, spec.ID, err)
	}
	zap.S().Infof("Created challenge %s for team %s from spec %s", challenge.ID, teamID, spec.ID)
	return challenge, nil
}

// startGamespaces starts every challenge that is neither already active nor
// fully solved, in batches of the configured size. A batch's items run
// concurrently; the next batch waits until the whole batch has settled.
func (s *Service) startGamespaces(ctx context.Context, result *DeployResult) error {
	var pending []*ChallengeDescriptor
	for _, teamID := range sortedKeys(result.TeamChallenges) {
		for _, d := range result.TeamChallenges[teamID] {
			if d.HasGamespace || d.IsFullySolved {
				continue
			}
			pending = append(pending, d)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	zap.S().Infof("Starting %d gamespaces for game %s in batches of %d", len(pending), result.GameID, s.batchSize)
	for _, batch := range utils.Batch(pending, s.batchSize) {
		// Cancellation stops scheduling; in-flight engine calls are
		// fire-and-forget once issued.
		if err := ctx.Err(); err != nil {
			return err
		}

		results := make([]itemResult, len(batch))

		var wg sync.WaitGroup
		for i, desc := range batch {
			wg.Add(1)
			go func(i int, desc *ChallengeDescriptor) {
				defer wg.Done()
				results[i] = s.startOne(ctx, desc)
			}(i, desc)
		}
		wg.Wait()

		for i, r := range results {
			if r.fatalErr != nil {
				return r.fatalErr
			}
			if r.failed {
				result.FailedGamespaceIDs = append(result.FailedGamespaceIDs, batch[i].ID)
			}
		}
	}
	return nil
}

// itemResult is one batch member's settled outcome: a tolerated failure is
// ordinary data, a fatal error propagates after the batch drains.
type itemResult struct {
	failed   bool
	fatalErr error
}

func (s *Service) startOne(ctx context.Context, desc *ChallengeDescriptor) itemResult {
	gamespaceStarts.Inc()
	state, err := s.client.StartGamespace(ctx, desc.ID, desc.EngineType)
	if err != nil {
		gamespaceFailures.Inc()
		var startErr *pkgerrors.GamespaceStartError
		if errors.As(err, &startErr) {
			// Tolerated per-item failure: record it, siblings keep going.
			zap.S().Warnf("Gamespace failed to start for challenge %s: %v", desc.ID, err)
			return itemResult{failed: true}
		}
		zap.S().Errorf("Engine error starting gamespace for challenge %s: %v", desc.ID, err)
		return itemResult{failed: true}
	}

	// Concurrent batch members share one db handle; the per-challenge lock
	// keeps their writes from interleaving.
	lockID := keylock.ChallengePrefix + desc.ID
	s.locks.LockKey(lockID)
	defer s.locks.UnlockKey(lockID)

	if err := models.UpdateChallengeGamespace(s.db.WithContext(ctx), desc.ID, state.IsActive, state.Raw); err != nil {
		return itemResult{fatalErr: fmt.Errorf("persist gamespace state for challenge %s: %w", desc.ID, err)}
	}
	desc.HasGamespace = state.IsActive
	desc.State = state.Raw
	desc.VMs = state.VMs
	return itemResult{}
}

func groupByTeam(players []models.Player) map[string][]models.Player {
	teams := make(map[string][]models.Player)
	for _, p := range players {
		teams[p.TeamID] = append(teams[p.TeamID], p)
	}
	return teams
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
