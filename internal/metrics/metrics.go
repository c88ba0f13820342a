// Package metrics provides Prometheus metrics for the nestedset services
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nainya/nestedset/pkg/mptt"
)

// Metrics holds all Prometheus collectors. It implements mptt.Observer.
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Tree operation metrics
	TreeOperationsTotal   *prometheus.CounterVec
	TreeOperationDuration *prometheus.HistogramVec
	RebuiltNodesTotal     *prometheus.CounterVec
	TreeViolationsTotal   prometheus.Counter
	NodesTotal            prometheus.Gauge

	// Journal metrics
	JournalCheckpointsTotal *prometheus.CounterVec

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
		stop:            make(chan struct{}),
	}

	m.GrpcRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestedset_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)
	m.GrpcRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nestedset_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	m.GrpcRequestsInFlight = f.NewGauge(prometheus.GaugeOpts{
		Name: "nestedset_grpc_requests_in_flight",
		Help: "Number of gRPC requests currently being processed",
	})

	m.TreeOperationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestedset_tree_operations_total",
			Help: "Total number of tree operations by outcome",
		},
		[]string{"operation", "status"},
	)
	m.TreeOperationDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nestedset_tree_operation_duration_seconds",
			Help:    "Duration of tree operations in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)
	m.RebuiltNodesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestedset_rebuilt_nodes_total",
			Help: "Total number of nodes renumbered by rebuilds",
		},
		[]string{"operation"},
	)
	m.TreeViolationsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "nestedset_tree_violations_total",
		Help: "Total number of invariant violations reported by checks",
	})
	m.NodesTotal = f.NewGauge(prometheus.GaugeOpts{
		Name: "nestedset_nodes_total",
		Help: "Number of stored nodes",
	})

	m.JournalCheckpointsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestedset_journal_checkpoints_total",
			Help: "Total number of journal checkpoints by outcome",
		},
		[]string{"status"},
	)

	m.ServerUptimeSeconds = f.NewGauge(prometheus.GaugeOpts{
		Name: "nestedset_server_uptime_seconds",
		Help: "Server uptime in seconds",
	})

	return m
}

// StartUptime updates the uptime gauge every interval until Stop
func (m *Metrics) StartUptime(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop ends the uptime updater
func (m *Metrics) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func status(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, mptt.ErrInvalidMove), errors.Is(err, mptt.ErrInvalidPosition):
		return "invalid"
	case errors.Is(err, mptt.ErrCorruptTree):
		return "corrupt"
	}
	return "error"
}

// ObserveTreeOperation records one engine operation
func (m *Metrics) ObserveTreeOperation(op string, d time.Duration, err error) {
	m.TreeOperationsTotal.WithLabelValues(op, status(err)).Inc()
	m.TreeOperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveRebuiltNodes records how many nodes a rebuild renumbered
func (m *Metrics) ObserveRebuiltNodes(op string, nodes int) {
	m.RebuiltNodesTotal.WithLabelValues(op).Add(float64(nodes))
}

// RecordGrpcRequest records a gRPC request with its status code name
func (m *Metrics) RecordGrpcRequest(method string, code string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, code).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordViolations adds reported invariant violations
func (m *Metrics) RecordViolations(n int) {
	m.TreeViolationsTotal.Add(float64(n))
}

// RecordCheckpoint records a journal checkpoint outcome
func (m *Metrics) RecordCheckpoint(err error) {
	m.JournalCheckpointsTotal.WithLabelValues(status(err)).Inc()
}

// UpdateNodeCount sets the stored node gauge
func (m *Metrics) UpdateNodeCount(n int64) {
	m.NodesTotal.Set(float64(n))
}

var _ mptt.Observer = (*Metrics)(nil)
