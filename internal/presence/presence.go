// Package presence tracks which user is currently viewing which console.
// Entries live in memory only; two eviction policies bound the map's size.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var presenceEntries = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "gameboard_console_presence_entries",
	Help: "Number of tracked console viewer entries",
})

// Actor is one user's console-viewing state. An empty VMName means the user
// opened a console session but never picked a VM.
type Actor struct {
	UserID    string
	UserName  string
	TeamID    string
	GameID    string
	VMName    string
	Timestamp time.Time
}

// Map is a concurrency-safe presence tracker keyed by user ID.
type Map struct {
	mu     sync.RWMutex
	actors map[string]Actor

	sweepInterval time.Duration
	idleCutoff    time.Duration
	pruneCutoff   time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// MapConfig tunes the eviction policies. Zero values take the defaults the
// sweeper was designed around (20s sweep, 1m idle cutoff, 4h hard cutoff).
type MapConfig struct {
	SweepInterval time.Duration
	IdleCutoff    time.Duration
	PruneCutoff   time.Duration
}

func NewMap(cfg MapConfig) *Map {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 20 * time.Second
	}
	if cfg.IdleCutoff <= 0 {
		cfg.IdleCutoff = time.Minute
	}
	if cfg.PruneCutoff <= 0 {
		cfg.PruneCutoff = 4 * time.Hour
	}
	return &Map{
		actors:        make(map[string]Actor),
		sweepInterval: cfg.SweepInterval,
		idleCutoff:    cfg.IdleCutoff,
		pruneCutoff:   cfg.PruneCutoff,
	}
}

// Start launches the periodic idle sweep for the lifetime of ctx.
func (m *Map) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepIdle()
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it to exit.
func (m *Map) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Update records an actor, last write wins.
func (m *Map) Update(actor Actor) {
	if actor.Timestamp.IsZero() {
		actor.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.actors[actor.UserID] = actor
	presenceEntries.Set(float64(len(m.actors)))
	m.mu.Unlock()
}

// Find returns the actors for a game, or all actors when gameID is empty.
func (m *Map) Find(gameID string) []Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found []Actor
	for _, a := range m.actors {
		if gameID == "" || a.GameID == gameID {
			found = append(found, a)
		}
	}
	return found
}

// FindByUser returns the actor for a user, or nil if the user is not viewing
// a console.
func (m *Map) FindByUser(userID string) *Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.actors[userID]; ok {
		return &a
	}
	return nil
}

// RemoveTeam evicts every actor belonging to a team. Reconciliation calls
// this once a team's environment is no longer live.
func (m *Map) RemoveTeam(teamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.actors {
		if a.TeamID == teamID {
			delete(m.actors, id)
		}
	}
	presenceEntries.Set(float64(len(m.actors)))
}

// sweepIdle removes entries that never picked a VM and have aged past the
// idle cutoff: they opened a console session but abandoned it.
func (m *Map) sweepIdle() {
	cutoff := time.Now().Add(-m.idleCutoff)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.actors {
		if a.VMName == "" && a.Timestamp.Before(cutoff) {
			zap.S().Debugf("Evicting abandoned console session for user %s", id)
			delete(m.actors, id)
		}
	}
	presenceEntries.Set(float64(len(m.actors)))
}

// Prune removes anything older than the hard cutoff regardless of state.
// It is the caller-invoked safety sweep guaranteeing bounded memory even if
// the periodic sweep stalls.
func (m *Map) Prune() {
	cutoff := time.Now().Add(-m.pruneCutoff)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.actors {
		if a.Timestamp.Before(cutoff) {
			delete(m.actors, id)
		}
	}
	presenceEntries.Set(float64(len(m.actors)))
}

// Len reports the number of tracked actors.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.actors)
}
