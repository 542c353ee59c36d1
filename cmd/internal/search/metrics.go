package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	projectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chemchat_search_projected_total",
		Help: "Message events applied to the search index, by type and outcome.",
	}, []string{"event_type", "outcome"})

	reindexedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chemchat_search_reindexed_total",
		Help: "Documents written during full reindex runs.",
	})
)
