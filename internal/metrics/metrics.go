// Package metrics declares the Prometheus collectors spec.md §6 lists
// as the minimum telemetry surface, in the teacher's promauto idiom
// (package-level vars built with promauto.NewXxxVec at init time).
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "metrics")

var (
	BeaconNodeScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vero",
			Name:      "beacon_node_score",
			Help:      "Running health score of a beacon node client, per spec.md's ordering contract",
		},
		[]string{"node"},
	)

	RemoteSignerScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vero",
			Name:      "remote_signer_score",
			Help:      "Running health score of the configured remote signer",
		},
	)

	AttestationConsensusTimeSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vero",
			Name:      "attestation_consensus_time_seconds",
			Help:      "Time elapsed fanning an attestation-data request out and reaching quorum",
			Buckets:   prometheus.DefBuckets,
		},
	)

	DutySubmissionTimeSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vero",
			Name:      "duty_submission_time_seconds",
			Help:      "Time taken to publish a duty: the submission call for attestations, block production through submission for proposals",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"duty"},
	)

	AttestationConsensusFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vero",
			Name:      "attestation_consensus_failures_total",
			Help:      "Number of attestation duties abandoned for failing to reach quorum before deadline",
		},
	)

	SlashingDetected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vero",
			Name:      "slashing_detected",
			Help:      "1 once the process-wide slashing safety latch has tripped, 0 otherwise",
		},
	)

	ValidatorCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vero",
			Name:      "validator_count",
			Help:      "Number of managed validators per chain status",
		},
		[]string{"status"},
	)
)

// Server exposes the /metrics endpoint and spec.md §6's supplemented
// /healthz liveness probe.
type Server struct {
	httpServer *http.Server
	healthy    func() bool
}

// New builds a metrics Server bound to addr. healthy reports overall
// process health for /healthz.
func New(addr string, healthy func() bool) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &Server{healthy: healthy}
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.healthy != nil && !s.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Start serves until ctx is canceled. Errors other than the expected
// shutdown error are logged, not returned, matching the teacher's
// fire-and-forget metrics server lifecycle.
func (s *Server) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = s.httpServer.Close()
	}()
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("Metrics server stopped unexpectedly")
	}
}
