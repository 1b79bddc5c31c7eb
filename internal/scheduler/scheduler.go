// Package scheduler implements spec.md §4.H: a single logical clock
// that dispatches duty executors at fixed intra-slot offsets, and the
// deferred-shutdown behavior that lets an in-flight proposal finish
// before the process exits. Grounded on the teacher's
// validator/client/runner.go main loop (select on a slot channel,
// per-role goroutine fan-out, WaitGroup joins) generalized from a
// single beacon node to the multibn coordinator.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"

	"github.com/serenita-org/vero/internal/duties"
	"github.com/serenita-org/vero/internal/events"
	"github.com/serenita-org/vero/internal/multibn"
	"github.com/serenita-org/vero/internal/registry"
	"github.com/serenita-org/vero/internal/spec"
)

var log = logrus.WithField("prefix", "scheduler")

func secondsPerSlotDuration(c *spec.Clock) time.Duration {
	return time.Duration(c.SecondsPerSlot()) * time.Second
}

// SafetyLatch is the process-wide `slashing_detected` flag from
// spec.md §3: write-once, sequentially consistent, consulted by every
// duty executor before it emits a signature.
type SafetyLatch struct {
	flag     int32
	disabled bool
}

// Set latches the flag. Idempotent. A no-op when the latch was built
// with disableSlashingDetection, per spec.md §6's
// ----DANGER----disable-slashing-detection flag.
func (s *SafetyLatch) Set() {
	if s.disabled {
		return
	}
	atomic.StoreInt32(&s.flag, 1)
}

// IsSet reports whether the latch has been tripped.
func (s *SafetyLatch) IsSet() bool { return atomic.LoadInt32(&s.flag) == 1 }

// NewLatch returns a live latch, or one that ignores Set when
// disableSlashingDetection is set.
func NewLatch(disableSlashingDetection bool) *SafetyLatch {
	return &SafetyLatch{disabled: disableSlashingDetection}
}

// Executors is the set of duty-performing callbacks the scheduler
// dispatches into at each offset. Each is independently idempotent for
// a given (validator, slot, role), per spec.md §5's ordering guarantee.
type Executors struct {
	RefreshDuties        func(ctx context.Context, epoch uint64)
	RefreshValidators    func(ctx context.Context)
	ProposeBlocks        func(ctx context.Context, slot uint64)
	AttestHead           func(ctx context.Context, slot uint64, headObserved bool, headRoot phase0.Root)
	Aggregate            func(ctx context.Context, slot uint64)
	SyncMessage          func(ctx context.Context, slot uint64, headRoot phase0.Root)
	SyncContribution     func(ctx context.Context, slot uint64, headRoot phase0.Root)
	PublishRegistrations func(ctx context.Context, epoch uint64)
}

// Scheduler owns the slot clock and dispatches duty executors at the
// offsets spec.md §4.H's table specifies.
type Scheduler struct {
	clock       *spec.Clock
	coordinator *multibn.Coordinator
	registry    *registry.Registry
	dutyCache   *duties.Cache
	latch       *SafetyLatch
	executors   Executors

	mu           sync.Mutex
	headSeen     map[uint64]bool // slot -> head event observed before 1/3 deadline
	headRoot     map[uint64]phase0.Root
	pendingSlots map[uint64]*sync.WaitGroup
}

// New builds a Scheduler.
func New(clock *spec.Clock, coordinator *multibn.Coordinator, registry *registry.Registry, dutyCache *duties.Cache, latch *SafetyLatch, executors Executors) *Scheduler {
	return &Scheduler{
		clock:        clock,
		coordinator:  coordinator,
		registry:     registry,
		dutyCache:    dutyCache,
		latch:        latch,
		executors:    executors,
		headSeen:     make(map[uint64]bool),
		headRoot:     make(map[uint64]phase0.Root),
		pendingSlots: make(map[uint64]*sync.WaitGroup),
	}
}

// OnHeadEvent marks slot as having produced a head event, unblocking
// the 1/3-deadline attestation executor's "head already observed" path.
func (s *Scheduler) OnHeadEvent(ev events.Event) {
	if ev.Kind != events.KindHead || ev.Head == nil {
		return
	}
	slot := uint64(ev.Head.Slot)
	if time.Now().After(s.clock.LateHeadWarningDeadline(slot)) {
		log.WithField("slot", slot).Warn("Head event for slot arrived late")
	}
	s.mu.Lock()
	s.headSeen[slot] = true
	s.headRoot[slot] = ev.Head.Block
	s.mu.Unlock()
}

func (s *Scheduler) headObserved(slot uint64) (bool, phase0.Root) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headSeen[slot], s.headRoot[slot]
}

func (s *Scheduler) clearSlot(slot uint64) {
	s.mu.Lock()
	delete(s.headSeen, slot)
	delete(s.headRoot, slot)
	s.mu.Unlock()
}

// Run drives the slot clock until ctx is canceled. It blocks; callers
// typically run it in its own goroutine and use Shutdown for a graceful
// stop.
func (s *Scheduler) Run(ctx context.Context) {
	slotDuration := secondsPerSlotDuration(s.clock)
	currentSlot := s.clock.CurrentSlot()

	for {
		slot := currentSlot
		slotStart := s.clock.StartTime(slot)
		oneThird := slotStart.Add(slotDuration / 3)
		twoThirds := slotStart.Add(2 * slotDuration / 3)
		nextSlotStart := s.clock.StartTime(slot + 1)

		wg := &sync.WaitGroup{}
		s.mu.Lock()
		s.pendingSlots[slot] = wg
		s.mu.Unlock()

		s.fireAt(ctx, slotStart, func() { s.atSlotStart(ctx, slot, wg) })
		s.fireAt(ctx, oneThird, func() { s.atAttestationDeadline(ctx, slot, wg) })
		s.fireAt(ctx, twoThirds, func() { s.atAggregationDeadline(ctx, slot, wg) })

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(nextSlotStart)):
		}
		s.clearSlot(slot)
		currentSlot++
	}
}

// fireAt blocks until t or ctx is done, then runs fn synchronously. The
// caller's loop structure means each offset still executes in program
// order relative to the next offset's wait, matching "executor logic
// between suspension points is atomic relative to other executors" from
// spec.md §5.
func (s *Scheduler) fireAt(ctx context.Context, t time.Time, fn func()) {
	d := time.Until(t)
	if d > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
	if ctx.Err() != nil {
		return
	}
	fn()
}

func (s *Scheduler) atSlotStart(ctx context.Context, slot uint64, wg *sync.WaitGroup) {
	if slot%s.clock.SlotsPerEpoch() == 0 {
		epoch := slot / s.clock.SlotsPerEpoch()
		if s.executors.RefreshDuties != nil {
			s.executors.RefreshDuties(ctx, epoch)
		}
		if s.executors.RefreshValidators != nil {
			s.executors.RefreshValidators(ctx)
		}
		if s.executors.PublishRegistrations != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.executors.PublishRegistrations(ctx, epoch)
			}()
		}
	}
	if s.latch.IsSet() {
		return
	}
	if s.executors.ProposeBlocks != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.executors.ProposeBlocks(ctx, slot)
		}()
	}
}

func (s *Scheduler) atAttestationDeadline(ctx context.Context, slot uint64, wg *sync.WaitGroup) {
	if s.latch.IsSet() {
		return
	}
	headObserved, headRoot := s.headObserved(slot)
	if s.executors.AttestHead != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.executors.AttestHead(ctx, slot, headObserved, headRoot)
		}()
	}
	if s.executors.SyncMessage != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.executors.SyncMessage(ctx, slot, headRoot)
		}()
	}
}

func (s *Scheduler) atAggregationDeadline(ctx context.Context, slot uint64, wg *sync.WaitGroup) {
	if s.latch.IsSet() {
		return
	}
	_, headRoot := s.headObserved(slot)
	if s.executors.Aggregate != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.executors.Aggregate(ctx, slot)
		}()
	}
	if s.executors.SyncContribution != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.executors.SyncContribution(ctx, slot, headRoot)
		}()
	}
}

// Shutdown implements spec.md §4.H's deferred shutdown: if a proposal
// duty is scheduled for any managed validator within the next 3 slots,
// it waits up to 3 slots; it always additionally waits up to 1.5 slots
// for in-flight attester/sync duties, then returns regardless.
func (s *Scheduler) Shutdown(hasUpcomingProposal bool) {
	slotDuration := secondsPerSlotDuration(s.clock)
	budget := 3 * slotDuration / 2
	if hasUpcomingProposal {
		budget = 3 * slotDuration
	}

	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		wgs := make([]*sync.WaitGroup, 0, len(s.pendingSlots))
		for _, wg := range s.pendingSlots {
			wgs = append(wgs, wg)
		}
		s.mu.Unlock()
		for _, wg := range wgs {
			wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("All in-flight duties completed, exiting")
	case <-time.After(budget):
		log.Warn("Shutdown budget exhausted, exiting with duties still in flight")
	}
}
