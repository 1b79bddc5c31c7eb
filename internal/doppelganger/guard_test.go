package doppelganger

import (
	"context"
	"testing"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"

	"github.com/serenita-org/vero/internal/registry"
)

type fakeChecker struct {
	liveAt map[uint64]map[uint64]bool // epoch -> index -> live
}

func (f fakeChecker) Liveness(ctx context.Context, epoch uint64, indices []uint64) (map[uint64]bool, error) {
	return f.liveAt[epoch], nil
}

func noWait(ctx context.Context, epoch uint64) error { return nil }

type fakeStateFetcher struct {
	pk  phase0.BLSPubKey
	idx phase0.ValidatorIndex
}

func (f fakeStateFetcher) Validators(ctx context.Context, pubkeys []phase0.BLSPubKey) (map[phase0.BLSPubKey]*apiv1.Validator, error) {
	return map[phase0.BLSPubKey]*apiv1.Validator{
		f.pk: {Index: f.idx, Status: apiv1.ValidatorStateActiveOngoing},
	}, nil
}

func TestGuardDisabledAlwaysPasses(t *testing.T) {
	g := New(fakeChecker{}, registry.New(registry.Defaults{}), false)
	require.NoError(t, g.Run(context.Background(), 0, noWait))
}

func TestGuardPassesWhenNeverLive(t *testing.T) {
	reg := registry.New(registry.Defaults{})
	pk := phase0.BLSPubKey{0x01}
	reg.Seed([]phase0.BLSPubKey{pk})
	require.NoError(t, reg.RefreshFromChain(context.Background(), fakeStateFetcher{pk: pk, idx: 9}))

	g := New(fakeChecker{liveAt: map[uint64]map[uint64]bool{0: {9: false}, 1: {9: false}, 2: {9: false}}}, reg, true)
	require.NoError(t, g.Run(context.Background(), 0, noWait))
	require.True(t, g.cleared[9])
}

func TestGuardDetectsLiveElsewhere(t *testing.T) {
	reg := registry.New(registry.Defaults{})
	pk := phase0.BLSPubKey{0x01}
	reg.Seed([]phase0.BLSPubKey{pk})
	require.NoError(t, reg.RefreshFromChain(context.Background(), fakeStateFetcher{pk: pk, idx: 7}))

	g := New(fakeChecker{liveAt: map[uint64]map[uint64]bool{0: {7: true}}}, reg, true)
	err := g.Run(context.Background(), 0, noWait)
	require.Error(t, err)
}

func TestGuardSkipsValidatorsWithoutKnownIndex(t *testing.T) {
	reg := registry.New(registry.Defaults{})
	reg.Seed([]phase0.BLSPubKey{{0x02}})

	g := New(fakeChecker{liveAt: map[uint64]map[uint64]bool{}}, reg, true)
	require.NoError(t, g.Run(context.Background(), 0, noWait))
}
