// Package metrics exposes Prometheus collectors for token and tool call
// activity.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "toolbridge"

const (
	resultSuccess = "success"
	resultError   = "error"
)

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	TokenRequestsTotal  *prometheus.CounterVec
	TokenRefreshesTotal *prometheus.CounterVec
	ToolCallsTotal      *prometheus.CounterVec
	ToolDuration        *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec
	RegisteredTools     prometheus.GaugeFunc
}

// New creates the collectors and registers them with reg. registeredTools
// reports the current registry size when the gauge is scraped.
func New(reg prometheus.Registerer, registeredTools func() int) (*Metrics, error) {
	if registeredTools == nil {
		registeredTools = func() int { return 0 }
	}

	m := &Metrics{
		TokenRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_requests_total",
				Help:      "Total OAuth token requests per provider",
			},
			[]string{"provider", "result"},
		),
		TokenRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Total scheduled token refreshes per provider",
			},
			[]string{"provider", "result"},
		),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Total remote tool invocations",
			},
			[]string{"tool", "provider", "result"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_duration_seconds",
				Help:      "Remote tool execution duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"tool", "provider"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total admin API requests",
			},
			[]string{"method", "route", "status"},
		),
		RegisteredTools: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_tools",
				Help:      "Number of tools currently in the registry",
			},
			func() float64 { return float64(registeredTools()) },
		),
	}

	for _, c := range []prometheus.Collector{
		m.TokenRequestsTotal,
		m.TokenRefreshesTotal,
		m.ToolCallsTotal,
		m.ToolDuration,
		m.HTTPRequestsTotal,
		m.RegisteredTools,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func result(failed bool) string {
	if failed {
		return resultError
	}
	return resultSuccess
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// TokenRequest records the outcome of a token request.
func (m *Metrics) TokenRequest(providerID string, err error) {
	if m == nil {
		return
	}
	m.TokenRequestsTotal.WithLabelValues(orUnknown(providerID), result(err != nil)).Inc()
}

// TokenRefresh records the outcome of a scheduled refresh.
func (m *Metrics) TokenRefresh(providerID string, err error) {
	if m == nil {
		return
	}
	m.TokenRefreshesTotal.WithLabelValues(orUnknown(providerID), result(err != nil)).Inc()
}

// ToolCall records a completed remote tool call.
func (m *Metrics) ToolCall(tool, providerID string, duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, orUnknown(providerID), result(failed)).Inc()
	m.ToolDuration.WithLabelValues(tool, orUnknown(providerID)).Observe(duration.Seconds())
}

// HTTPRequest records an admin API request.
func (m *Metrics) HTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, orUnknown(route), strconv.Itoa(status)).Inc()
}
