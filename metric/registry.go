// Package metric provides the Prometheus metrics registry and the pipeline
// metric set for the ingestion and correlation service.
package metric

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/confluxd/conflux/errors"
)

// Registry manages registration and lifecycle of all metrics exposed by the
// service. Components register their own collectors under a service name so
// duplicate registrations are caught at startup.
type Registry struct {
	promRegistry *prometheus.Registry
	Pipeline     *PipelineMetrics
	registered   map[string]prometheus.Collector
	mu           sync.RWMutex
}

// NewRegistry creates a registry pre-populated with the pipeline metric set
// and Go runtime collectors.
func NewRegistry() *Registry {
	promRegistry := prometheus.NewRegistry()

	r := &Registry{
		promRegistry: promRegistry,
		registered:   make(map[string]prometheus.Collector),
	}

	r.Pipeline = NewPipelineMetrics()
	r.promRegistry.MustRegister(r.Pipeline.collectors()...)

	r.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promRegistry
}

// Handler returns an HTTP handler serving the /metrics scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{})
}

// Register registers a component-specific collector.
func (r *Registry) Register(serviceName, metricName string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", serviceName, metricName)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for service %s", metricName, serviceName),
			"Registry", "Register", "duplicate metric registration")
	}

	if err := r.promRegistry.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "Registry", "Register", "register collector")
	}

	r.registered[key] = c
	return nil
}

// Unregister removes a previously registered collector. Returns true if the
// collector existed.
func (r *Registry) Unregister(serviceName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", serviceName, metricName)
	c, exists := r.registered[key]
	if !exists {
		return false
	}

	delete(r.registered, key)
	return r.promRegistry.Unregister(c)
}
