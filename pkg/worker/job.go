package worker

import (
	"encoding/json"
	"strings"
	"time"
)

// JobType identifies the kind of background work a job carries.
type JobType string

const (
	// JobTypePredeploy provisions challenges and gamespaces for a set of
	// teams ahead of play.
	JobTypePredeploy JobType = "predeploy"
	// JobTypeSessionStart promotes a synchronized game's sessions once the
	// readiness barrier holds.
	JobTypeSessionStart JobType = "syncStartSession"
)

// Job is a unit of background work carried over the Redis queue.
type Job struct {
	ID        string    `json:"id"`
	Type      JobType   `json:"type"`
	GameID    string    `json:"game_id"`
	TeamIDs   []string  `json:"team_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Retries   int       `json:"retries"`
}

// NewPredeployJob creates a job that deploys resources for the given teams.
func NewPredeployJob(gameID string, teamIDs []string) *Job {
	return &Job{
		ID:        string(JobTypePredeploy) + ":" + gameID + ":" + strings.Join(teamIDs, ","),
		Type:      JobTypePredeploy,
		GameID:    gameID,
		TeamIDs:   teamIDs,
		CreatedAt: time.Now(),
	}
}

// NewSessionStartJob creates a job that starts a game's synchronized session.
func NewSessionStartJob(gameID string) *Job {
	return &Job{
		ID:        string(JobTypeSessionStart) + ":" + gameID,
		Type:      JobTypeSessionStart,
		GameID:    gameID,
		CreatedAt: time.Now(),
	}
}

// Marshal serializes the job to JSON.
func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob deserializes a job from JSON.
func UnmarshalJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
