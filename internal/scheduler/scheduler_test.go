package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"

	"github.com/serenita-org/vero/internal/events"
	"github.com/serenita-org/vero/internal/spec"
)

func testClock() *spec.Clock {
	cfg := spec.Mainnet()
	cfg.GenesisTime = 0
	c := spec.NewClock(cfg)
	return c
}

func TestSafetyLatchBlocksExecutors(t *testing.T) {
	clock := testClock()
	latch := NewLatch(false)
	latch.Set()

	var called bool
	s := New(clock, nil, nil, nil, latch, Executors{
		AttestHead: func(ctx context.Context, slot uint64, headObserved bool, headRoot phase0.Root) { called = true },
	})
	wg := &sync.WaitGroup{}
	s.atAttestationDeadline(context.Background(), 10, wg)
	wg.Wait()
	require.False(t, called)
}

func TestDisabledLatchNeverSets(t *testing.T) {
	latch := NewLatch(true)
	latch.Set()
	require.False(t, latch.IsSet())
}

func TestHeadObservedGatesAttestationPath(t *testing.T) {
	clock := testClock()
	latch := NewLatch(false)

	var (
		gotHeadObserved bool
		gotHeadRoot     phase0.Root
	)
	s := New(clock, nil, nil, nil, latch, Executors{
		AttestHead: func(ctx context.Context, slot uint64, headObserved bool, headRoot phase0.Root) {
			gotHeadObserved = headObserved
			gotHeadRoot = headRoot
		},
	})
	wantRoot := phase0.Root{0xaa}
	s.OnHeadEvent(events.Event{Kind: events.KindHead, Head: &apiv1.HeadEvent{Slot: phase0.Slot(5), Block: wantRoot}})

	wg := &sync.WaitGroup{}
	s.atAttestationDeadline(context.Background(), 5, wg)
	wg.Wait()
	require.True(t, gotHeadObserved)
	require.Equal(t, wantRoot, gotHeadRoot)

	wg2 := &sync.WaitGroup{}
	s.atAttestationDeadline(context.Background(), 6, wg2)
	wg2.Wait()
	require.False(t, gotHeadObserved)
}

func TestShutdownWaitsThenReturns(t *testing.T) {
	clock := testClock()
	latch := NewLatch(false)
	s := New(clock, nil, nil, nil, latch, Executors{})

	s.mu.Lock()
	wg := &sync.WaitGroup{}
	wg.Add(1)
	s.pendingSlots[1] = wg
	s.mu.Unlock()

	start := time.Now()
	go func() {
		time.Sleep(10 * time.Millisecond)
		wg.Done()
	}()
	s.Shutdown(false)
	require.Less(t, time.Since(start), 2*time.Second)
}
