package scale

import (
	"github.com/ericogr/loadcell-to-mqtt/pkg/metrics"
)

const (
	subSystem = "bank"
)

var (
	// Total number of completed refreshes
	refreshesTotal = metrics.MustRegisterCounter(subSystem,
		"refreshes_total",
		"Total number of completed refreshes")
	// Total number of channel reads that failed during refresh
	refreshErrorsTotal = metrics.MustRegisterCounterVec(subSystem,
		"refresh_errors_total",
		"Total number of channel reads that failed during refresh",
		"channel")
	// Total number of bank tares
	taresTotal = metrics.MustRegisterCounter(subSystem,
		"tares_total",
		"Total number of bank tares")
	// Total number of calibrations per result
	calibrationsTotal = metrics.MustRegisterCounterVec(subSystem,
		"calibrations_total",
		"Total number of calibrations per result",
		"result")
	// Last refreshed reading per channel
	readingGauge = metrics.MustRegisterGaugeVec(subSystem,
		"reading",
		"Last refreshed reading per channel",
		"channel")
	// Scale factor per channel
	scaleFactorGauge = metrics.MustRegisterGaugeVec(subSystem,
		"scale_factor",
		"Current scale factor per channel",
		"channel")
	weightGauge = metrics.MustRegisterGauge(subSystem,
		"weight",
		"Aggregate weight of the last refresh")
	calibratedGauge = metrics.MustRegisterGauge(subSystem,
		"calibrated",
		"1 when the bank is calibrated, 0 otherwise")
)
