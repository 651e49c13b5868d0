package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceUnknown is returned by the engine client when the engine
	// has no record of the requested gamespace. Reconciliation treats it
	// as "already torn down" rather than as a retryable failure.
	ErrResourceUnknown = errors.New("engine has no record of resource")

	// ErrTeamsSpanGames is returned when a deploy request mixes teams
	// registered to different games.
	ErrTeamsSpanGames = errors.New("teams span more than one game")

	// ErrAlreadyStarted is returned when a launch targets a game whose
	// player sessions have already begun.
	ErrAlreadyStarted = errors.New("game session already started")
)

// GamespaceStartError reports that the engine accepted a start request for a
// gamespace but the gamespace failed to come up. Batched deployment records
// it per item and keeps going; it is never fatal to sibling challenges.
type GamespaceStartError struct {
	ChallengeID string
	Reason      string
}

func (e *GamespaceStartError) Error() string {
	return fmt.Sprintf("gamespace failed to start for challenge %s: %s", e.ChallengeID, e.Reason)
}

// ValidationError marks a precondition failure that aborts a launch before
// any resource is touched.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func NewValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
