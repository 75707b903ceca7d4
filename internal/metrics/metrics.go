// Package metrics defines the Prometheus collectors exposed on the admin
// endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RegisterRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "registrar_register_requests_total",
		Help: "Total number of processed REGISTER requests.",
	}, []string{"status"})

	BindingsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registrar_bindings_created_total",
		Help: "Total number of bindings created.",
	})

	BindingsRefreshed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registrar_bindings_refreshed_total",
		Help: "Total number of binding refreshes.",
	})

	BindingsRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "registrar_bindings_removed_total",
		Help: "Total number of bindings removed.",
	}, []string{"reason"})

	NATKeepAlivesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registrar_nat_keepalives_sent_total",
		Help: "Total number of NAT keep-alive datagrams requested.",
	})

	NATKeepAliveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "registrar_nat_keepalive_jobs",
		Help: "Current number of NAT keep-alive jobs in the schedule.",
	})
)

// Register installs all collectors on the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		RegisterRequests,
		BindingsCreated,
		BindingsRefreshed,
		BindingsRemoved,
		NATKeepAlivesSent,
		NATKeepAliveJobs,
	)
}
