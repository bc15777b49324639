package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Subscription lifecycle metrics
	SubscriptionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "letterdrop_subscriptions_created_total",
		Help: "Total number of new pending subscriptions created",
	})
	SubscriptionsConfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "letterdrop_subscriptions_confirmed_total",
		Help: "Total number of subscriptions confirmed via token redemption",
	})
	SubscriptionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "letterdrop_subscriptions_rejected_total",
		Help: "Total number of subscribe requests rejected by validation",
	})

	// Publishing metrics
	IssuesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "letterdrop_issues_published_total",
		Help: "Total number of newsletter issues published",
	})
	IssuesReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "letterdrop_issues_replayed_total",
		Help: "Total number of publish requests answered from a saved response",
	})
	DeliveriesEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "letterdrop_deliveries_enqueued_total",
		Help: "Total number of delivery tasks created by issue fan-out",
	})

	// Delivery worker metrics
	DeliveriesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "letterdrop_deliveries_sent_total",
		Help: "Total number of issue emails sent successfully",
	})
	DeliveriesRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "letterdrop_deliveries_retried_total",
		Help: "Total number of delivery attempts requeued after a transient failure",
	})
	DeliveriesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "letterdrop_deliveries_failed_total",
		Help: "Total number of delivery tasks retired permanently",
	}, []string{"reason"})

	// Email client metrics
	EmailSendSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "letterdrop_email_send_success_total",
		Help: "Total number of successful email sends",
	})
	EmailSendFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "letterdrop_email_send_failure_total",
		Help: "Total number of failed email sends",
	})
)

func init() {
	prometheus.MustRegister(SubscriptionsCreated)
	prometheus.MustRegister(SubscriptionsConfirmed)
	prometheus.MustRegister(SubscriptionsRejected)
	prometheus.MustRegister(IssuesPublished)
	prometheus.MustRegister(IssuesReplayed)
	prometheus.MustRegister(DeliveriesEnqueued)
	prometheus.MustRegister(DeliveriesSent)
	prometheus.MustRegister(DeliveriesRetried)
	prometheus.MustRegister(DeliveriesFailed)
	prometheus.MustRegister(EmailSendSuccess)
	prometheus.MustRegister(EmailSendFailure)
}

// Handler returns an http.Handler exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
