// Package api defines the HTTP surface of the launch engine: request and
// response shapes plus the server interface the REST handlers implement.
package api

import (
	"time"

	"github.com/labstack/echo/v4"
)

// Error is the generic error envelope returned on non-2xx responses.
type Error struct {
	Message *string `json:"message,omitempty"`
}

// PlayStateResponse reports where a game sits in its lifecycle.
type PlayStateResponse struct {
	GameID string `json:"game_id"`
	State  string `json:"state"`
}

// ReadyRequest flips a player's or team's readiness flag.
type ReadyRequest struct {
	IsReady bool `json:"is_ready"`
}

// PlayerReadyState is one player's readiness within a team.
type PlayerReadyState struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsReady bool   `json:"is_ready"`
}

// TeamReadyState aggregates a team's readiness.
type TeamReadyState struct {
	TeamID  string             `json:"team_id"`
	IsReady bool               `json:"is_ready"`
	Players []PlayerReadyState `json:"players"`
}

// SyncStartStateResponse is the readiness barrier for a synchronized game.
type SyncStartStateResponse struct {
	GameID  string           `json:"game_id"`
	IsReady bool             `json:"is_ready"`
	Teams   []TeamReadyState `json:"teams"`
}

// PredeployRequest asks for resources to be provisioned ahead of play.
// With no team IDs, every registered team of the game is predeployed.
type PredeployRequest struct {
	TeamIDs []string `json:"team_ids,omitempty"`
}

// PredeployResponse acknowledges queued predeploy work.
type PredeployResponse struct {
	GameID    string `json:"game_id"`
	TeamCount int    `json:"team_count"`
}

// ChallengeResponse is a team-facing view of one deployed challenge.
type ChallengeResponse struct {
	ID           string       `json:"id"`
	SpecID       string       `json:"spec_id"`
	Name         string       `json:"name"`
	Points       int          `json:"points"`
	Score        float64      `json:"score"`
	HasGamespace bool         `json:"has_gamespace"`
	VMs          []VMResponse `json:"vms,omitempty"`
}

// VMResponse identifies one console a team can reach.
type VMResponse struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ExtendSessionRequest moves a team's session end later by the given
// number of minutes. The end never extends past the game's own end.
type ExtendSessionRequest struct {
	ExtensionMinutes int `json:"extension_minutes"`
}

// SessionResponse reports a team's session window.
type SessionResponse struct {
	TeamID       string     `json:"team_id"`
	SessionBegin *time.Time `json:"session_begin,omitempty"`
	SessionEnd   *time.Time `json:"session_end,omitempty"`
}

// PresenceRequest records console activity for the calling user.
type PresenceRequest struct {
	VMName string `json:"vm_name,omitempty"`
}

// PresenceResponse is one active console user.
type PresenceResponse struct {
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	TeamID   string    `json:"team_id"`
	VMName   string    `json:"vm_name,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// ServerInterface lists every handler the REST server provides.
type ServerInterface interface {
	GetHealth(ctx echo.Context) error

	// Player surface
	GetGamePlayState(ctx echo.Context) error
	GetSyncStartState(ctx echo.Context) error
	UpdatePlayerReadiness(ctx echo.Context) error
	UpdateTeamReadiness(ctx echo.Context) error
	GetTeamChallenges(ctx echo.Context) error
	UpdateConsolePresence(ctx echo.Context) error

	// Admin surface
	LaunchGame(ctx echo.Context) error
	PredeployGame(ctx echo.Context) error
	ExtendTeamSession(ctx echo.Context) error
	ListGamePresence(ctx echo.Context) error
}

// RegisterHandlers wires every route onto the echo router.
func RegisterHandlers(router *echo.Echo, si ServerInterface) {
	router.GET("/health", si.GetHealth)

	router.GET("/api/games/:gameId/play-state", si.GetGamePlayState)
	router.GET("/api/games/:gameId/sync-start", si.GetSyncStartState)
	router.PUT("/api/players/:playerId/ready", si.UpdatePlayerReadiness)
	router.PUT("/api/teams/:teamId/ready", si.UpdateTeamReadiness)
	router.GET("/api/teams/:teamId/challenges", si.GetTeamChallenges)
	router.PUT("/api/consoles/presence", si.UpdateConsolePresence)

	router.POST("/api/admin/games/:gameId/launch", si.LaunchGame)
	router.POST("/api/admin/games/:gameId/predeploy", si.PredeployGame)
	router.PUT("/api/admin/teams/:teamId/session", si.ExtendTeamSession)
	router.GET("/api/admin/games/:gameId/presence", si.ListGamePresence)
}
