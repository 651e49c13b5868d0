// Package manifest loads game definitions from the manifest directory and
// applies them to the database. A manifest is the operator-authored source
// of truth for a game and its challenge specs.
package manifest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cmu-sei/gameboard-engine/pkg/models"
	yaml "github.com/oasdiff/yaml3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GameManifest mirrors the game.yml layout.
type GameManifest struct {
	ID                       string         `yaml:"id"`
	Name                     string         `yaml:"name"`
	Mode                     string         `yaml:"mode"`
	RequireSynchronizedStart bool           `yaml:"require_synchronized_start"`
	SessionMinutes           int            `yaml:"session_minutes"`
	GamespaceLimitPerSession int            `yaml:"gamespace_limit_per_session"`
	GameStart                time.Time      `yaml:"game_start"`
	GameEnd                  time.Time      `yaml:"game_end"`
	Challenges               []SpecManifest `yaml:"challenges"`
}

// SpecManifest is one challenge spec inside a game manifest.
type SpecManifest struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	ExternalID string `yaml:"external_id"`
	EngineType string `yaml:"engine_type"`
	Points     int    `yaml:"points"`
	Disabled   bool   `yaml:"disabled"`
}

// Importer applies game manifests to the database.
type Importer struct {
	db *gorm.DB
}

func NewImporter(db *gorm.DB) *Importer {
	return &Importer{db: db}
}

// ImportDir walks baseDir for game.yml files and applies each one. A file
// that fails to parse aborts the import so a typo never half-applies.
func (i *Importer) ImportDir(baseDir string) (int, error) {
	imported := 0
	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if d.IsDir() || (d.Name() != "game.yml" && d.Name() != "game.yaml") {
			return nil
		}
		manifest, err := ParseFile(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := i.Apply(manifest); err != nil {
			return fmt.Errorf("apply %s: %w", path, err)
		}
		imported++
		zap.S().Infof("Imported game manifest: %s (%d specs)", manifest.ID, len(manifest.Challenges))
		return nil
	})
	return imported, err
}

// Apply upserts the manifest's game and all of its challenge specs.
func (i *Importer) Apply(manifest *GameManifest) error {
	game := &models.Game{
		ID:                       manifest.ID,
		Name:                     manifest.Name,
		Mode:                     manifest.Mode,
		RequireSynchronizedStart: manifest.RequireSynchronizedStart,
		SessionMinutes:           manifest.SessionMinutes,
		GamespaceLimitPerSession: manifest.GamespaceLimitPerSession,
		GameStart:                manifest.GameStart,
		GameEnd:                  manifest.GameEnd,
	}
	if err := models.UpsertGame(i.db, game); err != nil {
		return fmt.Errorf("upsert game %s: %w", manifest.ID, err)
	}
	for _, spec := range manifest.Challenges {
		record := &models.ChallengeSpec{
			ID:         spec.ID,
			GameID:     manifest.ID,
			Name:       spec.Name,
			ExternalID: spec.ExternalID,
			EngineType: spec.EngineType,
			Points:     spec.Points,
			Disabled:   spec.Disabled,
		}
		if err := models.UpsertChallengeSpec(i.db, record); err != nil {
			return fmt.Errorf("upsert spec %s: %w", spec.ID, err)
		}
	}
	return nil
}

// ParseFile reads and validates one game manifest.
func ParseFile(path string) (*GameManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	var manifest GameManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest file: %w", err)
	}
	if manifest.ID == "" {
		return nil, fmt.Errorf("missing id in manifest")
	}
	if manifest.Name == "" {
		return nil, fmt.Errorf("missing name in manifest")
	}
	if manifest.Mode != models.GameModeStandard && manifest.Mode != models.GameModeExternal {
		return nil, fmt.Errorf("unknown mode %q in manifest", manifest.Mode)
	}
	if manifest.SessionMinutes <= 0 {
		return nil, fmt.Errorf("session_minutes must be positive")
	}
	seen := make(map[string]bool, len(manifest.Challenges))
	for _, spec := range manifest.Challenges {
		if spec.ID == "" {
			return nil, fmt.Errorf("challenge with empty id in manifest")
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("duplicate challenge id %s in manifest", spec.ID)
		}
		seen[spec.ID] = true
	}
	return &manifest, nil
}
