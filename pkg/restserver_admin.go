package pkg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cmu-sei/gameboard-engine/internal/auth"
	"github.com/cmu-sei/gameboard-engine/pkg/api"
	pkgerrors "github.com/cmu-sei/gameboard-engine/pkg/errors"
	"github.com/cmu-sei/gameboard-engine/pkg/models"
	"github.com/cmu-sei/gameboard-engine/pkg/utils"
	"github.com/cmu-sei/gameboard-engine/pkg/worker"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func (s *Server) LaunchGame(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	if !claims.IsAdmin() {
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden - Admin access required")})
	}
	gameID := ctx.Param("gameId")
	zap.S().Infof("Launch request received for game %s by %s", gameID, claims.UserID)

	if err := s.orch.Start(ctx.Request().Context(), gameID, claims.UserID); err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrAlreadyStarted):
			return ctx.JSON(409, api.Error{Message: utils.Ptr("Game session already started")})
		case pkgerrors.IsValidation(err):
			return ctx.JSON(400, api.Error{Message: utils.Ptr(err.Error())})
		case errors.Is(err, models.ErrNotFound):
			return ctx.JSON(404, api.Error{Message: utils.Ptr("Game not found")})
		}
		zap.S().Errorf("Launch failed for game %s: %v", gameID, err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Launch failed: %v", err))})
	}

	state, err := s.orch.GetGamePlayState(ctx.Request().Context(), gameID)
	if err != nil {
		state = "started"
	}
	return ctx.JSON(200, api.PlayStateResponse{GameID: gameID, State: string(state)})
}

func (s *Server) PredeployGame(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	if !claims.IsAdmin() {
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden - Admin access required")})
	}
	gameID := ctx.Param("gameId")

	var req api.PredeployRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}

	teamIDs := req.TeamIDs
	if len(teamIDs) == 0 {
		players, err := models.GetPlayersForGame(s.db, gameID)
		if err != nil {
			return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to load players: %v", err))})
		}
		seen := make(map[string]bool)
		for _, p := range players {
			if !seen[p.TeamID] {
				seen[p.TeamID] = true
				teamIDs = append(teamIDs, p.TeamID)
			}
		}
	}
	if len(teamIDs) == 0 {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("No teams registered for this game")})
	}
	zap.S().Infof("Predeploy request received for game %s (%d teams)", gameID, len(teamIDs))

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx.Request().Context(), worker.NewPredeployJob(gameID, teamIDs)); err != nil {
			zap.S().Errorf("Failed to enqueue predeploy for game %s: %v", gameID, err)
			return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to enqueue predeploy: %v", err))})
		}
		return ctx.JSON(202, api.PredeployResponse{GameID: gameID, TeamCount: len(teamIDs)})
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := s.deploySvc.PredeployResources(context.Background(), gameID, teamIDs)
		if err != nil {
			zap.S().Errorf("Predeploy failed for game %s: %v", gameID, err)
			return
		}
		zap.S().Infof("Predeploy for game %s completed: %d gamespaces running, %d failed",
			gameID, result.DeployedCount(), len(result.FailedGamespaceIDs))
	}()
	return ctx.JSON(202, api.PredeployResponse{GameID: gameID, TeamCount: len(teamIDs)})
}

func (s *Server) ExtendTeamSession(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	if !claims.IsAdmin() {
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden - Admin access required")})
	}
	teamID := ctx.Param("teamId")

	var req api.ExtendSessionRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	if req.ExtensionMinutes <= 0 {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Extension must be positive")})
	}

	players, err := models.GetPlayersForTeams(s.db, []string{teamID})
	if err != nil || len(players) == 0 {
		return ctx.JSON(404, api.Error{Message: utils.Ptr("Team not found")})
	}
	game, err := models.GetGame(s.db, players[0].GameID)
	if err != nil {
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to load game: %v", err))})
	}

	extension := time.Duration(req.ExtensionMinutes) * time.Minute
	if err := models.ExtendTeamSession(s.db, teamID, extension, game.GameEnd); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ctx.JSON(404, api.Error{Message: utils.Ptr("Team not found")})
		}
		return ctx.JSON(400, api.Error{Message: utils.Ptr(err.Error())})
	}
	sessionExtensions.Inc()

	end, err := models.GetTeamSessionEnd(s.db, teamID)
	if err != nil {
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to load session end: %v", err))})
	}
	zap.S().Infof("Session for team %s extended by %s (by %s)", teamID, extension, claims.UserID)
	return ctx.JSON(200, api.SessionResponse{TeamID: teamID, SessionEnd: end})
}

func (s *Server) ListGamePresence(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	if !claims.IsAdmin() {
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden - Admin access required")})
	}
	gameID := ctx.Param("gameId")

	actors := s.presence.Find(gameID)
	resp := make([]api.PresenceResponse, 0, len(actors))
	for _, a := range actors {
		resp = append(resp, api.PresenceResponse{
			UserID:   a.UserID,
			UserName: a.UserName,
			TeamID:   a.TeamID,
			VMName:   a.VMName,
			LastSeen: a.Timestamp,
		})
	}
	return ctx.JSON(200, resp)
}
