// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of an sshtunnel session.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
//
// A Collector is also a prometheus.Collector; [Collector.Handler]
// serves it in the Prometheus text format.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sshtunnel"

// Collector tracks runtime metrics for an sshtunnel session.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	forwardsActive    atomic.Int64
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	reconnects        atomic.Int64
	probesTotal       atomic.Int64
	probeFailures     atomic.Int64
	execsTotal        atomic.Int64
	errorsTotal       atomic.Int64

	connectSeconds prometheus.Histogram

	mu              sync.RWMutex
	startTime       time.Time
	lastHealthCheck time.Time
	lastError       time.Time
	lastErrorMsg    string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{
		startTime: time.Now(),
		connectSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time from dialing the hop or SSH host to a passing first probe.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// ── Forward metrics ──────────────────────────────────────────────────

// ForwardOpened records a forward listener starting.
func (c *Collector) ForwardOpened() {
	if c == nil {
		return
	}
	c.forwardsActive.Add(1)
}

// ForwardClosed records a forward listener stopping.
func (c *Collector) ForwardClosed() {
	if c == nil {
		return
	}
	c.forwardsActive.Add(-1)
}

// ActiveForwards returns the number of listening forwards.
func (c *Collector) ActiveForwards() int64 {
	if c == nil {
		return 0
	}
	return c.forwardsActive.Load()
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active connection counter.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// ActiveConnections returns the current number of forwarded connections.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime forwarded connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the remote side.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the remote side.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Session metrics ──────────────────────────────────────────────────

// Reconnect records a successful reconnection after a lost transport.
func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Add(1)
}

// Reconnects returns the total reconnection count.
func (c *Collector) Reconnects() int64 {
	if c == nil {
		return 0
	}
	return c.reconnects.Load()
}

// ObserveConnect records how long a successful connect took.
func (c *Collector) ObserveConnect(d time.Duration) {
	if c == nil {
		return
	}
	c.connectSeconds.Observe(d.Seconds())
}

// Probe records one liveness probe round trip and its outcome.
func (c *Collector) Probe(ok bool) {
	if c == nil {
		return
	}
	c.probesTotal.Add(1)
	if !ok {
		c.probeFailures.Add(1)
	}
}

// Probes returns the number of probes sent.
func (c *Collector) Probes() int64 {
	if c == nil {
		return 0
	}
	return c.probesTotal.Load()
}

// ProbeFailures returns the number of probes that failed.
func (c *Collector) ProbeFailures() int64 {
	if c == nil {
		return 0
	}
	return c.probeFailures.Load()
}

// Exec records one remote command invocation.
func (c *Collector) Exec() {
	if c == nil {
		return
	}
	c.execsTotal.Add(1)
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Health ───────────────────────────────────────────────────────────

// RecordHealthCheck updates the last health check timestamp.
func (c *Collector) RecordHealthCheck() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	ForwardsActive    int64  `json:"forwards_active"`
	ConnectionsActive int64  `json:"connections_active"`
	ConnectionsTotal  int64  `json:"connections_total"`
	BytesIn           int64  `json:"bytes_in"`
	BytesOut          int64  `json:"bytes_out"`
	Reconnects        int64  `json:"reconnects"`
	Probes            int64  `json:"probes"`
	ProbeFailures     int64  `json:"probe_failures"`
	Execs             int64  `json:"execs"`
	ErrorsTotal       int64  `json:"errors_total"`
	LastHealthCheck   string `json:"last_health_check,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ForwardsActive:    c.forwardsActive.Load(),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
		Reconnects:        c.reconnects.Load(),
		Probes:            c.probesTotal.Load(),
		ProbeFailures:     c.probeFailures.Load(),
		Execs:             c.execsTotal.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if !c.lastHealthCheck.IsZero() {
		s.LastHealthCheck = c.lastHealthCheck.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}

// ── Prometheus exposition ────────────────────────────────────────────

var (
	descForwards    = newDesc("forwards_active", "Forward listeners currently bound.")
	descConnsActive = newDesc("connections_active", "Forwarded connections currently open.")
	descConnsTotal  = newDesc("connections_total", "Forwarded connections accepted.")
	descBytesIn     = newDesc("received_bytes_total", "Bytes received from the remote side of forwards.")
	descBytesOut    = newDesc("sent_bytes_total", "Bytes sent to the remote side of forwards.")
	descReconnects  = newDesc("reconnects_total", "Successful reconnections after a lost transport.")
	descProbes      = newDesc("probes_total", "Liveness probes sent.")
	descProbeFails  = newDesc("probe_failures_total", "Liveness probes that failed or timed out.")
	descExecs       = newDesc("execs_total", "Remote command invocations.")
	descErrors      = newDesc("errors_total", "Errors recorded.")
	descHealthCheck = newDesc("last_health_check_timestamp_seconds", "Unix time of the last keeper health check.")
)

func newDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descForwards, descConnsActive, descConnsTotal, descBytesIn, descBytesOut,
		descReconnects, descProbes, descProbeFails, descExecs, descErrors, descHealthCheck,
	} {
		ch <- d
	}
	c.connectSeconds.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge(descForwards, c.forwardsActive.Load())
	gauge(descConnsActive, c.connectionsActive.Load())
	counter(descConnsTotal, c.connectionsTotal.Load())
	counter(descBytesIn, c.bytesIn.Load())
	counter(descBytesOut, c.bytesOut.Load())
	counter(descReconnects, c.reconnects.Load())
	counter(descProbes, c.probesTotal.Load())
	counter(descProbeFails, c.probeFailures.Load())
	counter(descExecs, c.execsTotal.Load())
	counter(descErrors, c.errorsTotal.Load())

	c.mu.RLock()
	last := c.lastHealthCheck
	c.mu.RUnlock()
	if !last.IsZero() {
		ch <- prometheus.MustNewConstMetric(descHealthCheck, prometheus.GaugeValue,
			float64(last.UnixNano())/1e9)
	}
	c.connectSeconds.Collect(ch)
}

// Handler serves this collector plus Go runtime metrics in the
// Prometheus text format.
func (c *Collector) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if c != nil {
		reg.MustRegister(c)
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
