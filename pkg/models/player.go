package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/cmu-sei/gameboard-engine/pkg/utils"
	"gorm.io/gorm"
)

var (
	PlayerRoleMember  = "member"
	PlayerRoleManager = "manager"
)

type Player struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"index"`
	Name         string
	TeamID       string `gorm:"index"`
	GameID       string `gorm:"index"`
	Role         string
	IsReady      bool
	SessionBegin *time.Time
	SessionEnd   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasStartedSession reports whether the player's session window has been set.
func (p *Player) HasStartedSession() bool {
	return p.SessionBegin != nil
}

func GetPlayer(db *gorm.DB, playerID string) (*Player, error) {
	var player Player
	result := db.Where("id = ?", playerID).Limit(1).Find(&player)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &player, nil
}

func GetPlayersForGame(db *gorm.DB, gameID string) ([]Player, error) {
	var players []Player
	result := db.Where("game_id = ?", gameID).Order("team_id ASC, id ASC").Find(&players)
	return players, result.Error
}

func GetPlayersForTeams(db *gorm.DB, teamIDs []string) ([]Player, error) {
	var players []Player
	result := db.Where("team_id IN ?", teamIDs).Order("team_id ASC, id ASC").Find(&players)
	return players, result.Error
}

// ResolveCaptain picks the team's captain from its players. A team with no
// players is an error. If zero or more than one player claims the manager
// role, the tie breaks deterministically on normalized name, then player ID.
func ResolveCaptain(players []Player) (*Player, error) {
	if len(players) == 0 {
		return nil, fmt.Errorf("cannot resolve captain: team has no players")
	}

	var managers []Player
	for _, p := range players {
		if p.Role == PlayerRoleManager {
			managers = append(managers, p)
		}
	}

	// Zero claimants: pick from the whole roster. Multiple claimants: pick
	// among them. Either way the choice is deterministic.
	candidates := managers
	if len(managers) == 0 {
		candidates = append([]Player(nil), players...)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ni, nj := utils.NormalizeName(candidates[i].Name), utils.NormalizeName(candidates[j].Name)
		if ni != nj {
			return ni < nj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return &candidates[0], nil
}

func UpdatePlayerReady(db *gorm.DB, playerID string, isReady bool) error {
	result := db.Model(&Player{}).Where("id = ?", playerID).Update("is_ready", isReady)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func UpdateTeamReady(db *gorm.DB, teamID string, isReady bool) error {
	return db.Model(&Player{}).Where("team_id = ?", teamID).Update("is_ready", isReady).Error
}

// AnySessionStarted reports whether any player of the game already has a
// session window. It is the precondition guard keeping the synchronized
// start idempotent.
func AnySessionStarted(db *gorm.DB, gameID string) (bool, error) {
	var count int64
	err := db.Model(&Player{}).
		Where("game_id = ? AND session_begin IS NOT NULL", gameID).
		Count(&count).Error
	return count > 0, err
}

// StartGameSessions writes the session window to every player of the game
// in a single batched update, so no reader observes a half-started team.
func StartGameSessions(db *gorm.DB, gameID string, begin, end time.Time) error {
	return db.Model(&Player{}).Where("game_id = ?", gameID).
		Updates(map[string]interface{}{
			"session_begin": begin,
			"session_end":   end,
		}).Error
}

// ResetTeamSessions clears session windows and ready flags for the given
// teams. The roster itself is untouched.
func ResetTeamSessions(db *gorm.DB, teamIDs []string) error {
	if len(teamIDs) == 0 {
		return nil
	}
	return db.Model(&Player{}).Where("team_id IN ?", teamIDs).
		Updates(map[string]interface{}{
			"session_begin": nil,
			"session_end":   nil,
			"is_ready":      false,
		}).Error
}

// ExtendTeamSession pushes a team's session end out by extension. It is the
// only sanctioned way to change a non-empty session window; the cap is the
// game's execution window end.
func ExtendTeamSession(db *gorm.DB, teamID string, extension time.Duration, gameEnd time.Time) error {
	players, err := GetPlayersForTeams(db, []string{teamID})
	if err != nil {
		return err
	}
	if len(players) == 0 {
		return ErrNotFound
	}
	if players[0].SessionEnd == nil {
		return fmt.Errorf("team %s has no session to extend", teamID)
	}

	newEnd := players[0].SessionEnd.Add(extension)
	if newEnd.After(gameEnd) {
		newEnd = gameEnd
	}
	return db.Model(&Player{}).Where("team_id = ?", teamID).
		Update("session_end", newEnd).Error
}

// GetTeamSessionEnd returns the team's session end, or nil if the session
// has not started.
func GetTeamSessionEnd(db *gorm.DB, teamID string) (*time.Time, error) {
	players, err := GetPlayersForTeams(db, []string{teamID})
	if err != nil {
		return nil, err
	}
	if len(players) == 0 {
		return nil, ErrNotFound
	}
	return players[0].SessionEnd, nil
}
