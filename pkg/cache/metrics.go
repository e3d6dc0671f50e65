package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicestreams/metric"
)

// Option configures a TTL cache.
type Option[V any] func(*ttlCache[V]) error

// WithMetrics registers cache metrics with the registry under the given
// component name.
func WithMetrics[V any](registry *metric.MetricsRegistry, component string) Option[V] {
	return func(c *ttlCache[V]) error {
		if registry == nil {
			return nil
		}
		m := &cacheMetrics{
			hits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace:   "devicestreams",
				Subsystem:   "cache",
				Name:        "hits_total",
				Help:        "Total cache hits",
				ConstLabels: prometheus.Labels{"component": component},
			}),
			misses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace:   "devicestreams",
				Subsystem:   "cache",
				Name:        "misses_total",
				Help:        "Total cache misses",
				ConstLabels: prometheus.Labels{"component": component},
			}),
			sets: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace:   "devicestreams",
				Subsystem:   "cache",
				Name:        "sets_total",
				Help:        "Total cache set operations",
				ConstLabels: prometheus.Labels{"component": component},
			}),
			evictions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace:   "devicestreams",
				Subsystem:   "cache",
				Name:        "evictions_total",
				Help:        "Total entries evicted after their TTL elapsed",
				ConstLabels: prometheus.Labels{"component": component},
			}),
			size: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace:   "devicestreams",
				Subsystem:   "cache",
				Name:        "size",
				Help:        "Current number of cache entries",
				ConstLabels: prometheus.Labels{"component": component},
			}),
		}
		if err := registry.RegisterCounter(component, "cache_hits", m.hits); err != nil {
			return err
		}
		if err := registry.RegisterCounter(component, "cache_misses", m.misses); err != nil {
			return err
		}
		if err := registry.RegisterCounter(component, "cache_sets", m.sets); err != nil {
			return err
		}
		if err := registry.RegisterCounter(component, "cache_evictions", m.evictions); err != nil {
			return err
		}
		if err := registry.RegisterGauge(component, "cache_size", m.size); err != nil {
			return err
		}
		c.metrics = m
		return nil
	}
}

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}
