package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesHosted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trolltoll_matches_hosted_total",
		Help: "Matches created by hosts.",
	})

	GamesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trolltoll_games_started_total",
		Help: "Games dealt after a host started a match.",
	})

	ActiveGames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trolltoll_active_games",
		Help: "Games currently watched by an arbiter.",
	})

	TurnsPlayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trolltoll_turns_total",
		Help: "Accepted turn actions by kind.",
	}, []string{"action"})

	ForcedDraws = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trolltoll_forced_draws_total",
		Help: "Draws played by the arbiter on a player's behalf.",
	}, []string{"reason"})
)
