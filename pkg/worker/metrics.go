package worker

import "github.com/ericogr/loadcell-to-mqtt/pkg/metrics"

const subSystem = "worker"

var (
	commandsTotal      = metrics.MustRegisterCounterVec(subSystem, "commands_total", "Number of executed commands", "command")
	commandErrorsTotal = metrics.MustRegisterCounterVec(subSystem, "command_errors_total", "Number of failed commands", "command")
)
