// Package reconcile keeps locally cached challenge state consistent with the
// engine's ground truth, correcting drift after team sessions close.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cmu-sei/gameboard-engine/internal/engine"
	"github.com/cmu-sei/gameboard-engine/internal/presence"
	pkgerrors "github.com/cmu-sei/gameboard-engine/pkg/errors"
	"github.com/cmu-sei/gameboard-engine/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var syncPasses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gameboard_reconciliation_passes_total",
	Help: "The total number of completed reconciliation passes",
})

type Service struct {
	db       *gorm.DB
	client   engine.Client
	presence *presence.Map
	now      func() time.Time
}

type ServiceOpts struct {
	DB       *gorm.DB
	Client   engine.Client
	Presence *presence.Map
	Now      func() time.Time
}

func NewService(opts ServiceOpts) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		db:       opts.DB,
		client:   opts.Client,
		presence: opts.Presence,
		now:      now,
	}
}

// Sync reconciles one challenge against an authoritative engine state: on a
// deployed-flag change it appends a lifecycle event, then overwrites the
// cached state and the sync timestamp.
func (s *Service) Sync(ctx context.Context, challenge *models.Challenge, state *engine.GamespaceState, actingUserID string) error {
	return s.syncAt(ctx, challenge, state.IsActive, state.Raw, actingUserID, s.now())
}

func (s *Service) syncAt(ctx context.Context, challenge *models.Challenge, isActive bool, raw, actingUserID string, syncedAt time.Time) error {
	drifted := challenge.HasDeployedGamespace != isActive

	// The event and the state write commit together. A stray event with the
	// sync timestamp unwritten would be re-detected and duplicated on the
	// next pass.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if drifted {
			eventType := models.EventTypeGamespaceOff
			if isActive {
				eventType = models.EventTypeGamespaceOn
			}
			event := &models.ChallengeEvent{
				ChallengeID:  challenge.ID,
				ActingUserID: actingUserID,
				Type:         eventType,
				Summary:      fmt.Sprintf("Gamespace state changed to active=%t during reconciliation", isActive),
				Timestamp:    syncedAt,
			}
			if err := models.AppendChallengeEvent(tx, event); err != nil {
				return fmt.Errorf("append lifecycle event for challenge %s: %w", challenge.ID, err)
			}
		}
		if err := models.MarkChallengeSynced(tx, challenge.ID, isActive, raw, syncedAt); err != nil {
			return fmt.Errorf("mark challenge %s synced: %w", challenge.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if drifted {
		zap.S().Infof("Challenge %s gamespace drifted to active=%t", challenge.ID, isActive)
	}
	challenge.HasDeployedGamespace = isActive
	challenge.State = raw
	challenge.LastSyncAt = &syncedAt
	return nil
}

// SyncExpired reconciles every challenge whose team session has ended but
// whose final engine state has not been confirmed since. Challenges are
// processed strictly in sequence; a failed challenge is simply left for the
// next pass. After the batch, the presence map's hard prune runs once.
func (s *Service) SyncExpired(ctx context.Context) error {
	defer func() {
		if s.presence != nil {
			s.presence.Prune()
		}
		syncPasses.Inc()
	}()

	challenges, err := models.GetChallengesNeedingSync(s.db.WithContext(ctx), s.now())
	if err != nil {
		return fmt.Errorf("select challenges needing sync: %w", err)
	}
	if len(challenges) == 0 {
		return nil
	}
	zap.S().Infof("Reconciling %d expired challenges", len(challenges))

	for i := range challenges {
		challenge := &challenges[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.syncExpiredOne(ctx, challenge); err != nil {
			// Retry by omission: the challenge stays unsynced and the next
			// scheduled pass picks it up again.
			zap.S().Errorf("Failed to reconcile challenge %s, leaving for next pass: %v", challenge.ID, err)
			continue
		}
		if s.presence != nil {
			s.presence.RemoveTeam(challenge.TeamID)
		}
	}
	return nil
}

func (s *Service) syncExpiredOne(ctx context.Context, challenge *models.Challenge) error {
	state, err := s.client.LoadGamespace(ctx, challenge.ID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrResourceUnknown) {
			// The engine has no record, so by policy this is "already torn
			// down", closed out at the session's end as best effort.
			syncedAt := s.now()
			if sessionEnd, endErr := models.GetTeamSessionEnd(s.db.WithContext(ctx), challenge.TeamID); endErr == nil && sessionEnd != nil {
				syncedAt = *sessionEnd
			}
			return s.syncAt(ctx, challenge, false, challenge.State, models.ActorEngine, syncedAt)
		}
		return err
	}

	// A gamespace still running after the session closed gets torn down
	// before the final state is recorded.
	if state.IsActive {
		if err := s.client.CompleteGamespace(ctx, challenge.ID); err != nil && !errors.Is(err, pkgerrors.ErrResourceUnknown) {
			return fmt.Errorf("complete gamespace for challenge %s: %w", challenge.ID, err)
		}
		state.IsActive = false
	}

	return s.Sync(ctx, challenge, state, models.ActorEngine)
}
