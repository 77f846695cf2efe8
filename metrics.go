package main

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the proxy's Prometheus collectors. All observe methods are
// nil-safe so tests can run components without a registry.
type metrics struct {
	requestsTotal  *prometheus.CounterVec
	failoversTotal *prometheus.CounterVec
	refreshTotal   *prometheus.CounterVec
	reloadsTotal   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotation_proxy_requests_total",
			Help: "Upstream responses relayed to clients, by status and account.",
		}, []string{"status", "account"}),
		failoversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotation_proxy_failovers_total",
			Help: "Failover attempts, by reason.",
		}, []string{"reason"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotation_proxy_token_refreshes_total",
			Help: "Token refresh outcomes.",
		}, []string{"result"}),
		reloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rotation_proxy_credential_reloads_total",
			Help: "Successful credential document reloads.",
		}),
	}
	reg.MustRegister(m.requestsTotal, m.failoversTotal, m.refreshTotal, m.reloadsTotal)
	return m
}

func (m *metrics) observeRequest(status int, account string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(strconv.Itoa(status), account).Inc()
}

func (m *metrics) observeFailover(reason string) {
	if m == nil {
		return
	}
	m.failoversTotal.WithLabelValues(reason).Inc()
}

func (m *metrics) observeRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(result).Inc()
}

func (m *metrics) observeReload() {
	if m == nil {
		return
	}
	m.reloadsTotal.Inc()
}

// poolCollector exports pool composition as gauges, computed from a live
// snapshot at scrape time.
type poolCollector struct {
	pool *pool
	desc *prometheus.Desc
}

func newPoolCollector(p *pool) *poolCollector {
	return &poolCollector{
		pool: p,
		desc: prometheus.NewDesc(
			"rotation_proxy_accounts",
			"Accounts in the pool, by state.",
			[]string{"state"}, nil,
		),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	v := c.pool.view()
	for state, count := range map[string]int{
		string(stateAvailable):   v.AvailableAccounts,
		string(stateRateLimited): v.RateLimitedAccounts,
		string(stateAuthError):   v.AuthErrorAccounts,
		string(stateDisabled):    v.DisabledAccounts,
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(count), state)
	}
}
