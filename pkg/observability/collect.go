package observability

import (
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// CounterValue sums the data points of the int64 sum instrument called name
// in rm. It returns 0 when the instrument has not been recorded.
func CounterValue(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
