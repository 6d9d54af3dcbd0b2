package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	rtioStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drtio",
			Subsystem: "rtio",
			Name:      "status_total",
			Help:      "RTIO client status bits raised by a core or remote target.",
		},
		[]string{"node", "status"},
	)
	rtioDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drtio",
			Subsystem: "rtio",
			Name:      "dispatched_total",
			Help:      "Output events handed to PHYs.",
		},
		[]string{"node"},
	)
	linkPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drtio",
			Subsystem: "link",
			Name:      "packets_total",
			Help:      "Data and aux plane packets per link and direction.",
		},
		[]string{"node", "link", "plane", "direction"},
	)
	linkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drtio",
			Subsystem: "link",
			Name:      "errors_total",
			Help:      "Link and transport errors by kind.",
		},
		[]string{"node", "link", "kind"},
	)
	linkState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "drtio",
			Subsystem: "link",
			Name:      "state",
			Help:      "Link state: 0 down, 1 aligning, 2 up, 3 ready.",
		},
		[]string{"node", "link"},
	)
	clockErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drtio",
			Subsystem: "clock",
			Name:      "errors_total",
			Help:      "Clock synchronisation errors by kind.",
		},
		[]string{"node", "kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(rtioStatus, rtioDispatched, linkPackets, linkErrors, linkState, clockErrors)
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordStatus(node string, names []string) {
	RegisterMetrics()
	for _, name := range names {
		rtioStatus.WithLabelValues(node, name).Inc()
	}
}

func RecordDispatch(node string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	rtioDispatched.WithLabelValues(node).Add(float64(n))
}

func RecordLinkPacket(node, link, plane, direction string) {
	RegisterMetrics()
	linkPackets.WithLabelValues(node, link, plane, direction).Inc()
}

func RecordLinkError(node, link, kind string) {
	RegisterMetrics()
	linkErrors.WithLabelValues(node, link, kind).Inc()
}

func RecordLinkState(node, link string, state int) {
	RegisterMetrics()
	linkState.WithLabelValues(node, link).Set(float64(state))
}

func RecordClockError(node, kind string) {
	RegisterMetrics()
	clockErrors.WithLabelValues(node, kind).Inc()
}
