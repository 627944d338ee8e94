package output

import "github.com/ericogr/loadcell-to-mqtt/pkg/metrics"

const subSystem = "output"

var (
	publishedTotal     = metrics.MustRegisterCounterVec(subSystem, "published_total", "Number of documents delivered", "output", "kind")
	publishErrorsTotal = metrics.MustRegisterCounterVec(subSystem, "publish_errors_total", "Number of failed deliveries", "output")
)
