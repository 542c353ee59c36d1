package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var consumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chemchat",
	Subsystem: "broker",
	Name:      "consumed_total",
	Help:      "Consumed deliveries by topic and outcome.",
}, []string{"topic", "outcome"})
