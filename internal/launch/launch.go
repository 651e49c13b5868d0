// Package launch drives a game's start: it resolves the mode-specific
// strategy, provisions resources, promotes player sessions, and rolls the
// game back to a clean state when anything fails.
package launch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cmu-sei/gameboard-engine/internal/deploy"
	"github.com/cmu-sei/gameboard-engine/internal/keylock"
	"github.com/cmu-sei/gameboard-engine/internal/notify"
	"github.com/cmu-sei/gameboard-engine/internal/syncstart"
	pkgerrors "github.com/cmu-sei/gameboard-engine/pkg/errors"
	"github.com/cmu-sei/gameboard-engine/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"k8s.io/utils/keymutex"
)

var (
	launchesAttempted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gameboard_launches_attempted_total",
		Help: "The total number of game launches attempted",
	})
	launchesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gameboard_launches_failed_total",
		Help: "The total number of game launches that failed and were rolled back",
	})
)

// PlayState is a game's position in the start state machine.
type PlayState string

const (
	PlayStateNotStarted PlayState = "notStarted"
	PlayStateDeploying  PlayState = "deployingResources"
	PlayStateStarted    PlayState = "started"
	PlayStateGameOver   PlayState = "gameOver"
)

// ExternalGameClient tells a partner game host that a launch completed.
// External-mode games hand control to such a host once sessions begin.
type ExternalGameClient interface {
	StartGame(ctx context.Context, gameID string, teams map[string][]*deploy.ChallengeDescriptor) error
}

// NopExternalGameClient is used for deployments without a partner host.
type NopExternalGameClient struct{}

var _ ExternalGameClient = (*NopExternalGameClient)(nil)

func (NopExternalGameClient) StartGame(context.Context, string, map[string][]*deploy.ChallengeDescriptor) error {
	return nil
}

// LaunchContext carries everything a strategy needs about the game being
// started.
type LaunchContext struct {
	Game         *models.Game
	Players      []models.Player
	TeamIDs      []string
	Captains     map[string]*models.Player
	ActingUserID string
	Result       *deploy.DeployResult
}

// Strategy is one game mode's validate/launch/cleanup triple.
type Strategy interface {
	Validate(ctx context.Context, lc *LaunchContext) error
	Launch(ctx context.Context, lc *LaunchContext) error
	Cleanup(ctx context.Context, lc *LaunchContext, cause error)
}

type Orchestrator struct {
	db         *gorm.DB
	locks      keymutex.KeyMutex
	deploySvc  *deploy.Service
	syncStart  *syncstart.Service
	notifier   notify.Notifier
	gameClient ExternalGameClient
	now        func() time.Time

	mu        sync.Mutex
	deploying map[string]bool
}

type OrchestratorOpts struct {
	DB         *gorm.DB
	Locks      keymutex.KeyMutex
	DeploySvc  *deploy.Service
	SyncStart  *syncstart.Service
	Notifier   notify.Notifier
	GameClient ExternalGameClient
	Now        func() time.Time
}

func NewOrchestrator(opts OrchestratorOpts) *Orchestrator {
	locks := opts.Locks
	if locks == nil {
		locks = keylock.New()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	gameClient := opts.GameClient
	if gameClient == nil {
		gameClient = NopExternalGameClient{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		db:         opts.DB,
		locks:      locks,
		deploySvc:  opts.DeploySvc,
		syncStart:  opts.SyncStart,
		notifier:   notifier,
		gameClient: gameClient,
		now:        now,
		deploying:  make(map[string]bool),
	}
}

// GetGamePlayState reports where the game sits in the start state machine.
// Terminal states come from the wall clock against the execution window;
// the intermediate deploying state from launches currently in flight.
func (o *Orchestrator) GetGamePlayState(ctx context.Context, gameID string) (PlayState, error) {
	game, err := models.GetGame(o.db.WithContext(ctx), gameID)
	if err != nil {
		return "", fmt.Errorf("load game %s: %w", gameID, err)
	}

	if !game.GameEnd.IsZero() && !o.now().Before(game.GameEnd) {
		return PlayStateGameOver, nil
	}

	o.mu.Lock()
	inFlight := o.deploying[gameID]
	o.mu.Unlock()
	if inFlight {
		return PlayStateDeploying, nil
	}

	started, err := models.AnySessionStarted(o.db.WithContext(ctx), gameID)
	if err != nil {
		return "", err
	}
	if started {
		return PlayStateStarted, nil
	}
	return PlayStateNotStarted, nil
}

// Start launches a game end to end. On any failure the mode's cleanup runs
// and every affected team's session is reset, so no team is left
// half-launched.
func (o *Orchestrator) Start(ctx context.Context, gameID, actingUserID string) error {
	launchesAttempted.Inc()

	lockID := keylock.DeployPrefix + gameID
	o.locks.LockKey(lockID)
	defer o.locks.UnlockKey(lockID)

	lc, err := o.buildContext(ctx, gameID, actingUserID)
	if err != nil {
		return err
	}

	strategy, err := o.strategyFor(lc.Game)
	if err != nil {
		return err
	}
	if err := strategy.Validate(ctx, lc); err != nil {
		return err
	}

	o.setDeploying(gameID, true)
	defer o.setDeploying(gameID, false)

	o.notifier.Publish(ctx, notify.Event{
		Type:    notify.EventLaunchProgress,
		GameID:  gameID,
		Message: fmt.Sprintf("Launching game %s for %d teams", lc.Game.Name, len(lc.TeamIDs)),
	})

	if err := strategy.Launch(ctx, lc); err != nil {
		launchesFailed.Inc()
		zap.S().Errorf("Launch failed for game %s: %v", gameID, err)
		strategy.Cleanup(ctx, lc, err)
		o.resetSessions(lc)
		return fmt.Errorf("launch game %s: %w", gameID, err)
	}

	zap.S().Infof("Game %s launched for %d teams", gameID, len(lc.TeamIDs))
	return nil
}

func (o *Orchestrator) buildContext(ctx context.Context, gameID, actingUserID string) (*LaunchContext, error) {
	game, err := models.GetGame(o.db.WithContext(ctx), gameID)
	if err != nil {
		return nil, fmt.Errorf("load game %s: %w", gameID, err)
	}
	players, err := models.GetPlayersForGame(o.db.WithContext(ctx), gameID)
	if err != nil {
		return nil, fmt.Errorf("load players for game %s: %w", gameID, err)
	}
	if len(players) == 0 {
		return nil, pkgerrors.NewValidation("game %s has no players registered", gameID)
	}

	teams := make(map[string][]models.Player)
	var teamIDs []string
	for _, p := range players {
		if _, ok := teams[p.TeamID]; !ok {
			teamIDs = append(teamIDs, p.TeamID)
		}
		teams[p.TeamID] = append(teams[p.TeamID], p)
	}

	// Fail fast on an unresolvable captain before any resource is touched.
	captains := make(map[string]*models.Player, len(teams))
	for teamID, teamPlayers := range teams {
		captain, err := models.ResolveCaptain(teamPlayers)
		if err != nil {
			return nil, pkgerrors.NewValidation("team %s: %v", teamID, err)
		}
		captains[teamID] = captain
	}

	return &LaunchContext{
		Game:         game,
		Players:      players,
		TeamIDs:      teamIDs,
		Captains:     captains,
		ActingUserID: actingUserID,
	}, nil
}

func (o *Orchestrator) strategyFor(game *models.Game) (Strategy, error) {
	switch game.Mode {
	case models.GameModeExternal:
		return &externalSyncStrategy{o: o}, nil
	case models.GameModeStandard:
		return &standardStrategy{o: o}, nil
	default:
		return nil, pkgerrors.NewValidation("game %s has unknown mode %q", game.ID, game.Mode)
	}
}

func (o *Orchestrator) setDeploying(gameID string, v bool) {
	o.mu.Lock()
	if v {
		o.deploying[gameID] = true
	} else {
		delete(o.deploying, gameID)
	}
	o.mu.Unlock()
}

// resetSessions is the unconditional recovery step: whatever progress the
// launch made, affected teams come back to "not started".
func (o *Orchestrator) resetSessions(lc *LaunchContext) {
	if err := models.ResetTeamSessions(o.db, lc.TeamIDs); err != nil {
		zap.S().Errorf("Failed to reset sessions for game %s teams %v: %v", lc.Game.ID, lc.TeamIDs, err)
		return
	}
	zap.S().Infof("Reset sessions for game %s (%d teams)", lc.Game.ID, len(lc.TeamIDs))
}
