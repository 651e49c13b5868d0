package pkg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cmu-sei/gameboard-engine/internal/auth"
	"github.com/cmu-sei/gameboard-engine/internal/deploy"
	"github.com/cmu-sei/gameboard-engine/internal/engine"
	"github.com/cmu-sei/gameboard-engine/internal/launch"
	"github.com/cmu-sei/gameboard-engine/internal/presence"
	"github.com/cmu-sei/gameboard-engine/internal/syncstart"
	"github.com/cmu-sei/gameboard-engine/pkg/api"
	"github.com/cmu-sei/gameboard-engine/pkg/config"
	"github.com/cmu-sei/gameboard-engine/pkg/models"
	"github.com/cmu-sei/gameboard-engine/pkg/utils"
	"github.com/cmu-sei/gameboard-engine/pkg/worker"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// JobEnqueuer hands background work to the worker pool. When no queue is
// configured the server falls back to in-process goroutines.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *worker.Job) error
}

// Server implements api.ServerInterface
type Server struct {
	db        *gorm.DB
	orch      *launch.Orchestrator
	syncStart *syncstart.Service
	deploySvc *deploy.Service
	presence  *presence.Map
	confProv  config.Provider
	queue     JobEnqueuer
	wg        sync.WaitGroup
}

// ServerOpts holds the dependencies needed to construct a Server.
type ServerOpts struct {
	DB             *gorm.DB
	Orchestrator   *launch.Orchestrator
	SyncStart      *syncstart.Service
	DeployService  *deploy.Service
	Presence       *presence.Map
	ConfigProvider config.Provider
	Queue          JobEnqueuer
}

var _ api.ServerInterface = (*Server)(nil)

// NewServerWithOpts creates a Server from explicitly provided dependencies.
// Mandatory dependencies are DB, Orchestrator, SyncStart, and DeployService.
// Presence defaults to a fresh map and ConfigProvider to the global provider.
func NewServerWithOpts(opts ServerOpts) *Server {
	pres := opts.Presence
	if pres == nil {
		pres = presence.NewMap(presence.MapConfig{})
	}
	confProv := opts.ConfigProvider
	if confProv == nil {
		confProv = &config.GlobalProvider{}
	}
	return &Server{
		db:        opts.DB,
		orch:      opts.Orchestrator,
		syncStart: opts.SyncStart,
		deploySvc: opts.DeployService,
		presence:  pres,
		confProv:  confProv,
		queue:     opts.Queue,
	}
}

// Wait blocks until all background goroutines have completed.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) GetHealth(ctx echo.Context) error {
	return ctx.JSON(200, map[string]string{"status": "ok"})
}

func (s *Server) GetGamePlayState(ctx echo.Context) error {
	if _, err := auth.GetClaims(ctx); err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	gameID := ctx.Param("gameId")

	state, err := s.orch.GetGamePlayState(ctx.Request().Context(), gameID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ctx.JSON(404, api.Error{Message: utils.Ptr("Game not found")})
		}
		zap.S().Errorf("Failed to resolve play state for game %s: %v", gameID, err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to resolve play state: %v", err))})
	}
	return ctx.JSON(200, api.PlayStateResponse{GameID: gameID, State: string(state)})
}

func (s *Server) GetSyncStartState(ctx echo.Context) error {
	if _, err := auth.GetClaims(ctx); err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	gameID := ctx.Param("gameId")

	state, err := s.syncStart.GetSyncStartState(ctx.Request().Context(), gameID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ctx.JSON(404, api.Error{Message: utils.Ptr("Game not found")})
		}
		zap.S().Errorf("Failed to load readiness for game %s: %v", gameID, err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to load readiness: %v", err))})
	}

	resp := api.SyncStartStateResponse{GameID: state.GameID, IsReady: state.IsReady}
	for _, team := range state.Teams {
		teamResp := api.TeamReadyState{TeamID: team.TeamID, IsReady: team.IsReady}
		for _, p := range team.Players {
			teamResp.Players = append(teamResp.Players, api.PlayerReadyState{
				ID:      p.ID,
				Name:    p.Name,
				IsReady: p.IsReady,
			})
		}
		resp.Teams = append(resp.Teams, teamResp)
	}
	return ctx.JSON(200, resp)
}

func (s *Server) UpdatePlayerReadiness(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	playerID := ctx.Param("playerId")

	var req api.ReadyRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}

	player, err := models.GetPlayer(s.db, playerID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ctx.JSON(404, api.Error{Message: utils.Ptr("Player not found")})
		}
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to load player: %v", err))})
	}
	// A player flips their own flag; anyone else's requires admin.
	if player.UserID != claims.UserID && !claims.IsAdmin() {
		zap.S().Warnf("User %s attempted to change readiness of player %s", claims.UserID, playerID)
		unauthorizedRequestsPerTeam.WithLabelValues(claims.TeamID).Inc()
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden")})
	}

	if err := s.syncStart.UpdatePlayerReadyState(ctx.Request().Context(), playerID, req.IsReady); err != nil {
		zap.S().Errorf("Failed to update readiness for player %s: %v", playerID, err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to update readiness: %v", err))})
	}
	return ctx.NoContent(200)
}

func (s *Server) UpdateTeamReadiness(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	teamID := ctx.Param("teamId")

	if claims.TeamID != teamID && !claims.IsAdmin() {
		zap.S().Warnf("User %s attempted to change readiness of team %s", claims.UserID, teamID)
		unauthorizedRequestsPerTeam.WithLabelValues(claims.TeamID).Inc()
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden")})
	}

	var req api.ReadyRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}

	if err := s.syncStart.UpdateTeamReadyState(ctx.Request().Context(), teamID, req.IsReady); err != nil {
		zap.S().Errorf("Failed to update readiness for team %s: %v", teamID, err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to update readiness: %v", err))})
	}
	return ctx.NoContent(200)
}

func (s *Server) GetTeamChallenges(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	teamID := ctx.Param("teamId")

	if claims.TeamID != teamID && !claims.IsAdmin() {
		unauthorizedRequestsPerTeam.WithLabelValues(claims.TeamID).Inc()
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden")})
	}

	challenges, err := models.GetChallengesForTeams(s.db, []string{teamID})
	if err != nil {
		zap.S().Errorf("Failed to load challenges for team %s: %v", teamID, err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to load challenges: %v", err))})
	}

	resp := make([]api.ChallengeResponse, 0, len(challenges))
	for _, c := range challenges {
		item := api.ChallengeResponse{
			ID:           c.ID,
			SpecID:       c.SpecID,
			Name:         c.Name,
			Points:       c.Points,
			Score:        c.Score,
			HasGamespace: c.HasDeployedGamespace,
		}
		if c.HasDeployedGamespace && c.State != "" {
			var gs engine.GamespaceState
			if err := json.Unmarshal([]byte(c.State), &gs); err == nil {
				for _, vm := range gs.VMs {
					item.VMs = append(item.VMs, api.VMResponse{Name: vm.Name, URL: vm.URL})
				}
			}
		}
		resp = append(resp, item)
	}
	return ctx.JSON(200, resp)
}

func (s *Server) UpdateConsolePresence(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	var req api.PresenceRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}

	s.presence.Update(presence.Actor{
		UserID:    claims.UserID,
		UserName:  claims.UserName,
		TeamID:    claims.TeamID,
		GameID:    claims.GameID,
		VMName:    req.VMName,
		Timestamp: time.Now(),
	})
	presenceUpdates.Inc()
	return ctx.NoContent(200)
}
