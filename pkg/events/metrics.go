package events

import "github.com/ericogr/loadcell-to-mqtt/pkg/metrics"

const subSystem = "events"

var eventsTotal = metrics.MustRegisterCounter(subSystem, "recorded_total", "Number of recorded weight events")
