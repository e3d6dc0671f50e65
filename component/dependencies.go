package component

import (
	"log/slog"

	"github.com/c360/devicestreams/metric"
	"github.com/c360/devicestreams/natsclient"
)

// Dependencies provides the external dependencies shared by pipeline
// components. Constructed once per tenant engine and passed by reference so
// components never reach for process-wide state.
type Dependencies struct {
	NATSClient      *natsclient.Client      // NATS client for streams and RPC
	MetricsRegistry *metric.MetricsRegistry // Metrics registry (can be nil)
	Logger          *slog.Logger            // Structured logger (can be nil, defaults to slog.Default())
	Tenant          string                  // Owning tenant identifier
}

// GetLogger returns the configured logger or a default logger if none is provided
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithComponent returns a logger configured with component context
func (d *Dependencies) GetLoggerWithComponent(componentName string) *slog.Logger {
	return d.GetLogger().With("component", componentName, "tenant", d.Tenant)
}
