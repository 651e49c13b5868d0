package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	GameModeStandard = "standard"
	GameModeExternal = "external"

	ErrNotFound = errors.New("record not found")
)

type Game struct {
	ID                       string `gorm:"primaryKey"`
	Name                     string
	Mode                     string
	RequireSynchronizedStart bool
	SessionMinutes           int
	GamespaceLimitPerSession int
	GameStart                time.Time
	GameEnd                  time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// ChallengeSpec is the template a game's challenges are stamped from.
// ExternalID identifies the workspace on the provisioning engine.
type ChallengeSpec struct {
	ID         string `gorm:"primaryKey"`
	GameID     string `gorm:"index"`
	Name       string
	ExternalID string
	EngineType string
	Points     int
	Disabled   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func GetGame(db *gorm.DB, gameID string) (*Game, error) {
	var game Game
	result := db.Where("id = ?", gameID).Limit(1).Find(&game)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &game, nil
}

func CreateGame(db *gorm.DB, game *Game) error {
	return db.Create(game).Error
}

// UpsertGame inserts or updates a game row by primary key.
// Used by the manifest importer; launches never modify games.
func UpsertGame(db *gorm.DB, game *Game) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(game).Error
}

// GetChallengeSpecs returns the specs for a game. Disabled specs are
// excluded unless includeDisabled is set.
func GetChallengeSpecs(db *gorm.DB, gameID string, includeDisabled bool) ([]ChallengeSpec, error) {
	var specs []ChallengeSpec
	q := db.Where("game_id = ?", gameID)
	if !includeDisabled {
		q = q.Where("disabled = ?", false)
	}
	result := q.Order("id ASC").Find(&specs)
	return specs, result.Error
}

func UpsertChallengeSpec(db *gorm.DB, spec *ChallengeSpec) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(spec).Error
}
