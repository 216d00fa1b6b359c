package popper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fixgate",
		Subsystem: "popper",
		Name:      "frames_routed_total",
		Help:      "Validated inbound frames routed to the application (delta) or session (echo) queue.",
	}, []string{"queue"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fixgate",
		Subsystem: "popper",
		Name:      "frames_dropped_total",
		Help:      "Inbound frames dropped before routing, by reason.",
	}, []string{"reason"})

	resendSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fixgate",
		Subsystem: "popper",
		Name:      "resend_requests_sent_total",
		Help:      "ResendRequests emitted on sequence gaps.",
	})

	resendServed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fixgate",
		Subsystem: "popper",
		Name:      "resend_requests_served_total",
		Help:      "Inbound ResendRequests handed to the pusher's resend path.",
	})

	rejectsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fixgate",
		Subsystem: "popper",
		Name:      "rejects_sent_total",
		Help:      "Session-level Rejects emitted for malformed inbound frames.",
	})
)
