package observability

import (
	"sync"

	"github.com/ansrivas/fiberprometheus/v2"
)

var (
	httpMetricsOnce sync.Once
	httpMetrics     *fiberprometheus.FiberPrometheus
)

// HTTPMetrics returns the request metrics collector shared by every fiber app
// in the process. The collector registers on the default registry, so it can
// only be built once.
func HTTPMetrics() *fiberprometheus.FiberPrometheus {
	httpMetricsOnce.Do(func() {
		httpMetrics = fiberprometheus.NewWith("lopeswhatsapp", "wa", "http")
	})
	return httpMetrics
}
