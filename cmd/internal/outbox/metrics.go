package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chemchat",
		Subsystem: "outbox",
		Name:      "published_total",
		Help:      "Outbox entries successfully published to the broker.",
	})

	publishFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chemchat",
		Subsystem: "outbox",
		Name:      "publish_failed_total",
		Help:      "Outbox publish attempts that failed and incremented the retry count.",
	})

	deadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chemchat",
		Subsystem: "outbox",
		Name:      "dead_lettered_total",
		Help:      "Outbox entries moved to the dead-letter topic after exhausting retries.",
	})

	ticksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chemchat",
		Subsystem: "outbox",
		Name:      "ticks_skipped_total",
		Help:      "Dispatch ticks skipped because the producer was unhealthy.",
	})

	retentionDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chemchat",
		Subsystem: "outbox",
		Name:      "retention_deleted_total",
		Help:      "Published outbox entries removed by the retention sweep.",
	})
)
