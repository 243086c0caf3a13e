package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Send outcomes used as the "outcome" label of Sends.
const (
	OutcomeSent     = "sent"
	OutcomePartial  = "partial"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Upload results used as the "result" label of Uploads.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duochat_sends_total",
			Help: "Send attempts by outcome.",
		},
		[]string{"outcome"},
	)

	Uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duochat_attachment_uploads_total",
			Help: "Attachment uploads by result.",
		},
		[]string{"result"},
	)

	SummaryUpdateFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duochat_summary_update_failures_total",
			Help: "Conversation list updates that failed after the message was committed.",
		},
	)

	LiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "duochat_live_subscriptions",
			Help: "Conversation subscriptions currently receiving deliveries.",
		},
	)

	WebsocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "duochat_websocket_clients",
			Help: "Connected websocket clients.",
		},
	)

	ExpiredSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duochat_expired_sessions_removed_total",
			Help: "Login sessions removed by the expiry sweep.",
		},
	)
)

func init() {
	prometheus.MustRegister(Sends, Uploads, SummaryUpdateFailures, LiveSubscriptions, WebsocketClients, ExpiredSessions)
}

// Handler serves the registered metrics in the Prometheus text format
func Handler() http.Handler {
	return promhttp.Handler()
}
