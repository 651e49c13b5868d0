// Package engine is the narrow client boundary to the external provisioning
// engine. The engine itself is a black box; this package only defines the
// calls the launch pipeline drives it through.
package engine

import (
	"context"
	"time"

	"github.com/cmu-sei/gameboard-engine/pkg/models"
)

// VM is one console endpoint inside a running gamespace.
type VM struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// GamespaceState is the engine's authoritative view of one gamespace.
type GamespaceState struct {
	ID       string `json:"id"`
	IsActive bool   `json:"isActive"`
	VMs      []VM   `json:"vms"`
	Raw      string `json:"-"` // serialized body, cached locally as Challenge.State
}

// ChallengeState is the engine's record of a newly registered challenge.
type ChallengeState struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// SubmissionRecord is one graded answer set pulled from the engine's audit log.
type SubmissionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Answers   []string  `json:"answers"`
	Score     float64   `json:"score"`
}

// Client abstracts the provisioning engine API so services can be unit-tested
// without a live engine. Idempotent challenge creation per (team, spec) is
// caller discipline, not engine-enforced.
type Client interface {
	// CreateChallenge registers a challenge instance for a team on the engine.
	CreateChallenge(ctx context.Context, spec *models.ChallengeSpec, teamID, playerID string) (*ChallengeState, error)

	// StartGamespace brings a challenge's environment online. A failed start
	// is reported as *errors.GamespaceStartError.
	StartGamespace(ctx context.Context, challengeID, engineType string) (*GamespaceState, error)

	// LoadGamespace fetches the authoritative state of a gamespace. A
	// gamespace the engine has no record of yields errors.ErrResourceUnknown.
	LoadGamespace(ctx context.Context, challengeID string) (*GamespaceState, error)

	// CompleteGamespace tears a gamespace down.
	CompleteGamespace(ctx context.Context, challengeID string) error

	// AuditChallenge returns the engine's graded submission history.
	AuditChallenge(ctx context.Context, challengeID string) ([]SubmissionRecord, error)
}
