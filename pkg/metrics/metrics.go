package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "contentrouting"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	ResolveDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "resolve_duration_seconds",
		Help:      "The duration for a content router to answer a provider lookup.",
	}, []string{"router"})

	FindProvidersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "find_providers_total",
		Help:      "Total number of provider lookups per content router and outcome.",
	}, []string{"router", "outcome"})

	ProvideTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provide_total",
		Help:      "Total number of provide announcements per content router and outcome.",
	}, []string{"router", "outcome"})

	AdvertisedKeys = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "advertised_keys",
		Help:      "Number of keys advertised to be available.",
	}, []string{"source"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of routing API requests.",
	}, []string{"handler", "code"})
)

func Register() {
	DefaultRegisterer.MustRegister(ResolveDurHistogram)
	DefaultRegisterer.MustRegister(FindProvidersTotal)
	DefaultRegisterer.MustRegister(ProvideTotal)
	DefaultRegisterer.MustRegister(AdvertisedKeys)
	DefaultRegisterer.MustRegister(HTTPRequestsTotal)
}
