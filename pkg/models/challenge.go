package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	EventTypeGamespaceOn  = "gamespaceOn"
	EventTypeGamespaceOff = "gamespaceOff"

	// ActorEngine attributes a challenge event to the provisioning engine
	// rather than to a user action.
	ActorEngine = "engine"
)

// Challenge is one team's deployed instance of a ChallengeSpec. The
// composite unique index enforces the at-most-one-per-(team,spec) invariant
// at the storage layer even if the keyed lock discipline is bypassed.
type Challenge struct {
	ID                   string `gorm:"primaryKey"`
	SpecID               string `gorm:"uniqueIndex:idx_team_spec"`
	TeamID               string `gorm:"uniqueIndex:idx_team_spec;index"`
	GameID               string `gorm:"index"`
	PlayerID             string
	Name                 string
	Points               int
	Score                float64
	HasDeployedGamespace bool
	State                string // serialized engine state, opaque to us
	LastSyncAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ChallengeEvent is an append-only lifecycle record for a challenge.
type ChallengeEvent struct {
	ID           uint   `gorm:"primaryKey"`
	ChallengeID  string `gorm:"index"`
	ActingUserID string
	Type         string
	Summary      string
	Timestamp    time.Time
}

// IsFullySolved reports whether the challenge has earned all its points.
func (c *Challenge) IsFullySolved() bool {
	return c.Points > 0 && c.Score >= float64(c.Points)
}

// GetChallengeForTeamSpec is the idempotency probe for challenge creation:
// at most one row ever exists per (team, spec).
func GetChallengeForTeamSpec(db *gorm.DB, teamID, specID string, lock bool) (*Challenge, error) {
	var challenge Challenge
	q := db
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	result := q.Where("team_id = ? AND spec_id = ?", teamID, specID).Limit(1).Find(&challenge)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &challenge, nil
}

func GetChallenge(db *gorm.DB, challengeID string) (*Challenge, error) {
	var challenge Challenge
	result := db.Where("id = ?", challengeID).Limit(1).Find(&challenge)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &challenge, nil
}

func CreateChallenge(db *gorm.DB, challenge *Challenge) error {
	return db.Create(challenge).Error
}

func GetChallengesForTeams(db *gorm.DB, teamIDs []string) ([]Challenge, error) {
	var challenges []Challenge
	result := db.Where("team_id IN ?", teamIDs).Order("team_id ASC, spec_id ASC").Find(&challenges)
	return challenges, result.Error
}

// UpdateChallengeGamespace persists the engine's view of a challenge's
// gamespace. Callers hold the per-challenge key lock during batched starts.
func UpdateChallengeGamespace(db *gorm.DB, challengeID string, deployed bool, state string) error {
	return db.Model(&Challenge{}).Where("id = ?", challengeID).
		Updates(map[string]interface{}{
			"has_deployed_gamespace": deployed,
			"state":                  state,
		}).Error
}

// MarkChallengeSynced records a completed reconciliation pass.
func MarkChallengeSynced(db *gorm.DB, challengeID string, deployed bool, state string, syncedAt time.Time) error {
	result := db.Model(&Challenge{}).Where("id = ?", challengeID).
		Updates(map[string]interface{}{
			"has_deployed_gamespace": deployed,
			"state":                  state,
			"last_sync_at":           syncedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func AppendChallengeEvent(db *gorm.DB, event *ChallengeEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return db.Create(event).Error
}

func GetChallengeEvents(db *gorm.DB, challengeID string) ([]ChallengeEvent, error) {
	var events []ChallengeEvent
	result := db.Where("challenge_id = ?", challengeID).Order("id ASC").Find(&events)
	return events, result.Error
}

// GetChallengesNeedingSync selects challenges whose team session has ended
// but whose last sync precedes the session end, meaning final engine state
// has not been confirmed since the session closed.
func GetChallengesNeedingSync(db *gorm.DB, now time.Time) ([]Challenge, error) {
	var challenges []Challenge
	result := db.
		Joins("JOIN players ON players.team_id = challenges.team_id AND players.game_id = challenges.game_id").
		Where("players.session_end IS NOT NULL AND players.session_end <= ?", now).
		Where("challenges.last_sync_at IS NULL OR challenges.last_sync_at < players.session_end").
		Group("challenges.id").
		Order("challenges.id ASC").
		Find(&challenges)
	return challenges, result.Error
}
