package smartnoded

import "smartwallet/observability"

// Metrics exposes Prometheus collectors for the daemon's poll loop.
type Metrics = observability.SmartnodedMetrics

// NewMetrics returns a lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Smartnoded() }
