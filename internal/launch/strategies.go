package launch

import (
	"context"
	"fmt"

	"github.com/cmu-sei/gameboard-engine/internal/notify"
	pkgerrors "github.com/cmu-sei/gameboard-engine/pkg/errors"
	"github.com/cmu-sei/gameboard-engine/pkg/models"
	"go.uber.org/zap"
)

// externalSyncStrategy launches a synchronized external-mode game: deploy
// everything, start the synchronized session once the readiness barrier
// holds, then hand off to the partner game host.
type externalSyncStrategy struct {
	o *Orchestrator
}

var _ Strategy = (*externalSyncStrategy)(nil)

func (s *externalSyncStrategy) Validate(ctx context.Context, lc *LaunchContext) error {
	if !lc.Game.RequireSynchronizedStart {
		return pkgerrors.NewValidation("game %s is external mode but does not require a synchronized start", lc.Game.ID)
	}
	started, err := models.AnySessionStarted(s.o.db.WithContext(ctx), lc.Game.ID)
	if err != nil {
		return err
	}
	if started {
		return pkgerrors.ErrAlreadyStarted
	}
	now := s.o.now()
	if !lc.Game.GameEnd.IsZero() && !now.Before(lc.Game.GameEnd) {
		return pkgerrors.NewValidation("game %s execution window has closed", lc.Game.ID)
	}
	return nil
}

func (s *externalSyncStrategy) Launch(ctx context.Context, lc *LaunchContext) error {
	result, err := s.o.deploySvc.DeployResources(ctx, lc.TeamIDs)
	if err != nil {
		return fmt.Errorf("deploy resources: %w", err)
	}
	lc.Result = result

	// Partial gamespace failure is tolerable; a team with nothing playable
	// is not.
	for _, teamID := range lc.TeamIDs {
		if result.FailedFor(teamID) {
			return fmt.Errorf("team %s has no running gamespaces after deploy", teamID)
		}
	}
	if len(result.FailedGamespaceIDs) > 0 {
		zap.S().Warnf("Game %s launched with %d failed gamespaces: %v",
			lc.Game.ID, len(result.FailedGamespaceIDs), result.FailedGamespaceIDs)
	}

	state, err := s.o.syncStart.GetSyncStartState(ctx, lc.Game.ID)
	if err != nil {
		return err
	}
	if !state.IsReady {
		return pkgerrors.NewValidation("game %s is not fully ready for a synchronized start", lc.Game.ID)
	}

	if err := s.o.syncStart.StartSession(ctx, lc.Game.ID); err != nil {
		return fmt.Errorf("start synchronized session: %w", err)
	}

	if err := s.o.gameClient.StartGame(ctx, lc.Game.ID, result.TeamChallenges); err != nil {
		return fmt.Errorf("notify external game host: %w", err)
	}
	return nil
}

func (s *externalSyncStrategy) Cleanup(ctx context.Context, lc *LaunchContext, cause error) {
	s.o.notifier.Publish(ctx, notify.Event{
		Type:    notify.EventLaunchFailure,
		GameID:  lc.Game.ID,
		Message: fmt.Sprintf("Launch failed: %v", cause),
	})
}

// standardStrategy covers time-window games: launching one predeploys its
// resources so teams find warm gamespaces, but session clocks start per
// team, not here.
type standardStrategy struct {
	o *Orchestrator
}

var _ Strategy = (*standardStrategy)(nil)

func (s *standardStrategy) Validate(ctx context.Context, lc *LaunchContext) error {
	now := s.o.now()
	if !lc.Game.GameStart.IsZero() && now.Before(lc.Game.GameStart) {
		return pkgerrors.NewValidation("game %s has not opened yet", lc.Game.ID)
	}
	if !lc.Game.GameEnd.IsZero() && !now.Before(lc.Game.GameEnd) {
		return pkgerrors.NewValidation("game %s execution window has closed", lc.Game.ID)
	}
	return nil
}

func (s *standardStrategy) Launch(ctx context.Context, lc *LaunchContext) error {
	result, err := s.o.deploySvc.DeployResources(ctx, lc.TeamIDs)
	if err != nil {
		return fmt.Errorf("deploy resources: %w", err)
	}
	lc.Result = result
	return nil
}

func (s *standardStrategy) Cleanup(ctx context.Context, lc *LaunchContext, cause error) {
	s.o.notifier.Publish(ctx, notify.Event{
		Type:    notify.EventLaunchFailure,
		GameID:  lc.Game.ID,
		Message: fmt.Sprintf("Predeploy failed: %v", cause),
	})
}
