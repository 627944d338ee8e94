package ws

import "github.com/ericogr/loadcell-to-mqtt/pkg/metrics"

const subSystem = "ws"

var clientsGauge = metrics.MustRegisterGauge(subSystem, "clients", "Number of connected websocket clients")
