package pusher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fixgate",
		Subsystem: "pusher",
		Name:      "frames_sent_total",
		Help:      "Complete FIX frames emitted to the sink, by queue.",
	}, []string{"queue"})

	framesResent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fixgate",
		Subsystem: "pusher",
		Name:      "frames_resent_total",
		Help:      "Frames re-emitted from the journal in response to a ResendRequest.",
	})

	gapFillsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fixgate",
		Subsystem: "pusher",
		Name:      "gap_fills_total",
		Help:      "SequenceReset-GapFill frames emitted for TTL-expired journal rows.",
	})

	bravoDelayedPasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fixgate",
		Subsystem: "pusher",
		Name:      "bravo_delayed_passes_total",
		Help:      "Writer passes in which oversize frames waited behind fast-queue traffic.",
	})
)
