package sensor

import (
	"github.com/ericogr/loadcell-to-mqtt/pkg/metrics"
)

const (
	subSystem = "sensor"
)

var (
	// Total number of raw samples read per channel
	channelSamplesTotal = metrics.MustRegisterCounterVec(subSystem,
		"samples_total",
		"Total number of raw samples read per channel",
		"channel")
	// Total number of samples that did not arrive within the sample timeout
	channelStallsTotal = metrics.MustRegisterCounterVec(subSystem,
		"stalls_total",
		"Total number of samples that timed out per channel",
		"channel")
	// Total number of failed samples (other than stalls)
	channelSampleErrorsTotal = metrics.MustRegisterCounterVec(subSystem,
		"sample_errors_total",
		"Total number of failed samples per channel",
		"channel")
)
