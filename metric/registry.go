package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/janiolos/SmartPhasorToolBox/errors"
)

// Registry manages the registration and lifecycle of metrics. It owns a
// private prometheus registry so tests can run many instances without
// default-registry collisions.
type Registry struct {
	prom       *prometheus.Registry
	Metrics    *Metrics
	registered map[string]prometheus.Collector
	mu         sync.Mutex
}

// NewRegistry creates a registry pre-populated with the platform metric
// families and Go runtime collectors.
func NewRegistry() *Registry {
	r := &Registry{
		prom:       prometheus.NewRegistry(),
		Metrics:    NewMetrics(),
		registered: make(map[string]prometheus.Collector),
	}

	r.prom.MustRegister(
		r.Metrics.ReceiverState,
		r.Metrics.FramesReceived,
		r.Metrics.FramesRejected,
		r.Metrics.MeasurementsSent,
		r.Metrics.MeasurementsDrops,
		r.Metrics.PublishDuration,
		r.Metrics.LastFrameTime,
		r.Metrics.NATSConnected,
		r.Metrics.NATSReconnects,
	)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the underlying prometheus registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// Register adds a component-owned collector under component.name so it can
// later be unregistered when the component stops.
func (r *Registry) Register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for %s", name, component),
			"Registry", "Register", "duplicate metric registration")
	}

	if err := r.prom.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "Registry", "Register", "prometheus registration")
	}

	r.registered[key] = c
	return nil
}

// Unregister removes a collector previously added with Register.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}
	ok := r.prom.Unregister(c)
	if ok {
		delete(r.registered, key)
	}
	return ok
}
