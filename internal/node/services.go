package node

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/serenita-org/vero/internal/beaconclient"
	"github.com/serenita-org/vero/internal/doppelganger"
	"github.com/serenita-org/vero/internal/events"
	"github.com/serenita-org/vero/internal/keymanagerapi"
	"github.com/serenita-org/vero/internal/metrics"
	"github.com/serenita-org/vero/internal/scheduler"
	"github.com/serenita-org/vero/internal/spec"
)

// specCheckService runs CheckSpec against every configured beacon node
// once at startup, marking a node whose constants mismatch degraded
// (rather than crashing). With --ignore-spec-mismatch set, CheckSpec
// only logs the mismatch and the node stays in use.
type specCheckService struct {
	nodes          []*beaconclient.Node
	cfg            *spec.Config
	ignoreMismatch bool

	mu  sync.Mutex
	err error
}

func (s *specCheckService) Start() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, n := range s.nodes {
		if err := n.CheckSpec(ctx, s.cfg, s.ignoreMismatch); err != nil {
			log.WithError(err).WithField("node", n.Name).Error("Beacon node failed spec check, marking degraded")
			n.MarkDegraded()
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}
}

func (s *specCheckService) Stop() error { return nil }

func (s *specCheckService) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// eventsService runs the event pipeline for the process lifetime.
type eventsService struct {
	ctx          context.Context
	cancel       context.CancelFunc
	pipeline     *events.Pipeline
	slotDuration time.Duration
	done         chan struct{}
}

func (s *eventsService) Start() {
	runCtx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.pipeline.Run(runCtx, s.slotDuration)
	}()
}

func (s *eventsService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	return nil
}

func (s *eventsService) Status() error { return nil }

// schedulerService runs the doppelganger guard's startup window (if
// enabled), then the slot scheduler, for the process lifetime.
type schedulerService struct {
	ctx       context.Context
	cancel    context.CancelFunc
	scheduler *scheduler.Scheduler
	guard     *doppelganger.Guard
	clock     *spec.Clock
	done      chan struct{}
}

func (s *schedulerService) Start() {
	runCtx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		startEpoch := s.clock.EpochOf(s.clock.CurrentSlot())
		waitForEpoch := doppelganger.WaitForWallClockEpoch(func(epoch uint64) time.Time {
			return s.clock.StartTime(s.clock.StartSlotOfEpoch(epoch))
		})
		if err := s.guard.Run(runCtx, startEpoch, waitForEpoch); err != nil {
			log.WithError(err).Fatal("Doppelganger guard refused to release duty executors")
			return
		}
		s.scheduler.Run(runCtx)
	}()
}

func (s *schedulerService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	return nil
}

func (s *schedulerService) Status() error { return nil }

// metricsService runs the Prometheus/healthz HTTP server.
type metricsService struct {
	server *metrics.Server
	cancel context.CancelFunc
}

func (s *metricsService) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.server.Start(ctx)
}

func (s *metricsService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *metricsService) Status() error { return nil }

// keymanagerAPIService runs the Keymanager collaborator HTTP server.
type keymanagerAPIService struct {
	addr    string
	handler *keymanagerapi.Server
	server  *http.Server
}

func (s *keymanagerAPIService) Start() {
	s.server = &http.Server{Addr: s.addr, Handler: s.handler}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Keymanager API server stopped unexpectedly")
		}
	}()
}

func (s *keymanagerAPIService) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *keymanagerAPIService) Status() error { return nil }
