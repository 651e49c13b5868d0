// Package syncstart aggregates per-player readiness into the per-game
// rendezvous that starts every session at the same instant, exactly once.
package syncstart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cmu-sei/gameboard-engine/internal/keylock"
	"github.com/cmu-sei/gameboard-engine/internal/notify"
	"github.com/cmu-sei/gameboard-engine/pkg/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"k8s.io/utils/keymutex"
)

// TaskQueue accepts a unit of work to run outside the current request's
// lifetime. The rendezvous uses it so session starts never hold an HTTP
// request open.
type TaskQueue interface {
	EnqueueSessionStart(ctx context.Context, gameID string) error
}

// PlayerState is one player's readiness as reported to observers.
type PlayerState struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsReady bool   `json:"isReady"`
}

// TeamState is ready iff all its players are ready.
type TeamState struct {
	TeamID  string        `json:"teamId"`
	IsReady bool          `json:"isReady"`
	Players []PlayerState `json:"players"`
}

// State is the per-game readiness aggregate. For a game that does not
// require a synchronized start, IsReady is vacuously true and Teams is empty.
type State struct {
	GameID  string      `json:"gameId"`
	Teams   []TeamState `json:"teams"`
	IsReady bool        `json:"isReady"`
}

// SessionWindow is the window written to every player on session start.
type SessionWindow struct {
	Begin time.Time `json:"sessionBegin"`
	End   time.Time `json:"sessionEnd"`
}

type Service struct {
	db       *gorm.DB
	locks    keymutex.KeyMutex
	notifier notify.Notifier
	queue    TaskQueue
	leadTime time.Duration
	now      func() time.Time

	wg sync.WaitGroup
}

type ServiceOpts struct {
	DB       *gorm.DB
	Locks    keymutex.KeyMutex
	Notifier notify.Notifier
	Queue    TaskQueue
	LeadTime time.Duration
	Now      func() time.Time
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
	leadTime := opts.LeadTime
	if leadTime <= 0 {
		leadTime = 10 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		db:       opts.DB,
		locks:    locks,
		notifier: notifier,
		queue:    opts.Queue,
		leadTime: leadTime,
		now:      now,
	}
}

// GetSyncStartState computes the readiness aggregate: group the game's
// players by team, a team is ready iff all its players are, the game is
// ready iff all teams are.
func (s *Service) GetSyncStartState(ctx context.Context, gameID string) (*State, error) {
	game, err := models.GetGame(s.db.WithContext(ctx), gameID)
	if err != nil {
		return nil, fmt.Errorf("load game %s: %w", gameID, err)
	}
	if !game.RequireSynchronizedStart {
		return &State{GameID: gameID, IsReady: true}, nil
	}

	players, err := models.GetPlayersForGame(s.db.WithContext(ctx), gameID)
	if err != nil {
		return nil, fmt.Errorf("load players for game %s: %w", gameID, err)
	}

	state := &State{GameID: gameID, IsReady: len(players) > 0}
	var current *TeamState
	for _, p := range players {
		if current == nil || current.TeamID != p.TeamID {
			state.Teams = append(state.Teams, TeamState{TeamID: p.TeamID, IsReady: true})
			current = &state.Teams[len(state.Teams)-1]
		}
		current.Players = append(current.Players, PlayerState{ID: p.ID, Name: p.Name, IsReady: p.IsReady})
		if !p.IsReady {
			current.IsReady = false
			state.IsReady = false
		}
	}
	return state, nil
}

// UpdatePlayerReadyState flips one player's ready flag and retriggers the
// rendezvous for their game.
func (s *Service) UpdatePlayerReadyState(ctx context.Context, playerID string, isReady bool) error {
	player, err := models.GetPlayer(s.db.WithContext(ctx), playerID)
	if err != nil {
		return fmt.Errorf("load player %s: %w", playerID, err)
	}
	if err := models.UpdatePlayerReady(s.db.WithContext(ctx), playerID, isReady); err != nil {
		return err
	}
	return s.HandleReadinessChanged(ctx, player.GameID)
}

// UpdateTeamReadyState flips every player of a team at once (the captain
// readying up on the whole team's behalf) and retriggers the rendezvous.
func (s *Service) UpdateTeamReadyState(ctx context.Context, teamID string, isReady bool) error {
	players, err := models.GetPlayersForTeams(s.db.WithContext(ctx), []string{teamID})
	if err != nil {
		return err
	}
	if len(players) == 0 {
		return models.ErrNotFound
	}
	if err := models.UpdateTeamReady(s.db.WithContext(ctx), teamID, isReady); err != nil {
		return err
	}
	return s.HandleReadinessChanged(ctx, players[0].GameID)
}

// HandleReadinessChanged recomputes the aggregate, tells observers either
// way, and, when the barrier is satisfied and nobody has started yet,
// enqueues the one-shot session start.
func (s *Service) HandleReadinessChanged(ctx context.Context, gameID string) error {
	game, err := models.GetGame(s.db.WithContext(ctx), gameID)
	if err != nil {
		return fmt.Errorf("load game %s: %w", gameID, err)
	}

	state, err := s.GetSyncStartState(ctx, gameID)
	if err != nil {
		return err
	}

	// Observers hear every change, ready or not, for UI feedback.
	s.notifier.Publish(ctx, notify.Event{
		Type:   notify.EventReadinessChanged,
		GameID: gameID,
		Data:   state,
	})

	if !game.RequireSynchronizedStart || !state.IsReady {
		return nil
	}

	// Without this check a readiness flag flapping after launch would try
	// to restart sessions mid-game.
	started, err := models.AnySessionStarted(s.db.WithContext(ctx), gameID)
	if err != nil {
		return err
	}
	if started {
		return nil
	}

	if s.queue == nil {
		// No queue deployed, so run the start in-process, but still off the
		// caller's path: the caller is usually an HTTP request that should
		// not be held open, and whose context ends with it.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.StartSession(context.Background(), gameID); err != nil {
				zap.S().Errorf("Synchronized session start failed for game %s: %v", gameID, err)
			}
		}()
		return nil
	}
	zap.S().Infof("Game %s is fully ready, enqueueing synchronized session start", gameID)
	return s.queue.EnqueueSessionStart(ctx, gameID)
}

// Wait blocks until in-process session starts have drained. Shutdown calls
// this so a start triggered by the last readiness flip is not cut off.
func (s *Service) Wait() {
	s.wg.Wait()
}

// StartSession is the body of the enqueued work: under the per-game lock,
// re-check that nobody has started, then write every player's session window
// in one batch. Racing triggers both reach here; the second one no-ops.
func (s *Service) StartSession(ctx context.Context, gameID string) error {
	lockID := keylock.SyncStartPrefix + gameID
	s.locks.LockKey(lockID)
	defer s.locks.UnlockKey(lockID)

	game, err := models.GetGame(s.db.WithContext(ctx), gameID)
	if err != nil {
		return fmt.Errorf("load game %s: %w", gameID, err)
	}

	started, err := models.AnySessionStarted(s.db.WithContext(ctx), gameID)
	if err != nil {
		return err
	}
	if started {
		zap.S().Debugf("Game %s sessions already started, skipping", gameID)
		return nil
	}

	begin := s.now().Add(s.leadTime)
	end := begin.Add(time.Duration(game.SessionMinutes) * time.Minute)
	if err := models.StartGameSessions(s.db.WithContext(ctx), gameID, begin, end); err != nil {
		return fmt.Errorf("start sessions for game %s: %w", gameID, err)
	}

	zap.S().Infof("Synchronized session started for game %s: %s - %s", gameID, begin, end)
	s.notifier.Publish(ctx, notify.Event{
		Type:   notify.EventSessionsStarted,
		GameID: gameID,
		Data:   SessionWindow{Begin: begin, End: end},
	})
	return nil
}
