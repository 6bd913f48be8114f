package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eventcert"

var (
	certificateRenderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "certificate",
			Name:      "renders_total",
			Help:      "Certificate renders by result.",
		},
		[]string{"result"},
	)

	certificateRenderSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "certificate",
			Name:      "render_seconds",
			Help:      "Time spent rendering one certificate.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	certificateMailTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "certificate",
			Name:      "mails_total",
			Help:      "Certificate mails by result.",
		},
		[]string{"result"},
	)
)

// ObserveCertificateRender records one per-recipient render.
func ObserveCertificateRender(ok bool, took time.Duration) {
	certificateRenderTotal.WithLabelValues(result(ok)).Inc()
	certificateRenderSeconds.Observe(took.Seconds())
}

// ObserveCertificateMail records one mail delivery attempt.
func ObserveCertificateMail(ok bool) {
	certificateMailTotal.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "succeeded"
	}
	return "failed"
}
