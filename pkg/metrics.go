package pkg

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Define Metrics
var (
	unauthorizedRequestsPerTeam = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gameboard_unauthorized_requests_total",
			Help: "Total number of requests rejected for acting on another team's resources",
		},
		[]string{"team_id"},
	)
	sessionExtensions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gameboard_session_extensions_total",
		Help: "The total number of team session extensions granted",
	})
	presenceUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gameboard_console_presence_updates_total",
		Help: "The total number of console presence heartbeats received",
	})
)
