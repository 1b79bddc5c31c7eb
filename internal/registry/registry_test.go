package registry

import (
	"context"
	"testing"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"
)

func pubkey(b byte) phase0.BLSPubKey {
	var pk phase0.BLSPubKey
	pk[0] = b
	return pk
}

func TestSeedAndSnapshot(t *testing.T) {
	r := New(Defaults{GasLimit: 30_000_000})
	r.Seed([]phase0.BLSPubKey{pubkey(1), pubkey(2)})

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	for _, v := range snap {
		require.Equal(t, StatusUnknown, v.Status)
		require.Nil(t, v.Index)
	}
}

func TestOverridesWinOverDefaults(t *testing.T) {
	r := New(Defaults{GasLimit: 30_000_000})
	r.Seed([]phase0.BLSPubKey{pubkey(1)})

	require.Equal(t, uint64(30_000_000), r.GasLimit(pubkey(1)))

	override := uint64(36_000_000)
	r.SetOverrides(pubkey(1), Overrides{GasLimit: &override})
	require.Equal(t, override, r.GasLimit(pubkey(1)))
}

type fakeFetcher struct {
	states map[phase0.BLSPubKey]*apiv1.Validator
}

func (f fakeFetcher) Validators(ctx context.Context, pubkeys []phase0.BLSPubKey) (map[phase0.BLSPubKey]*apiv1.Validator, error) {
	return f.states, nil
}

func TestRefreshFromChainAssignsIndexOnce(t *testing.T) {
	r := New(Defaults{})
	r.Seed([]phase0.BLSPubKey{pubkey(1)})

	fetcher := fakeFetcher{states: map[phase0.BLSPubKey]*apiv1.Validator{
		pubkey(1): {Index: 42, Status: apiv1.ValidatorStateActiveOngoing},
	}}
	require.NoError(t, r.RefreshFromChain(context.Background(), fetcher))

	v, ok := r.Get(pubkey(1))
	require.True(t, ok)
	require.NotNil(t, v.Index)
	require.Equal(t, phase0.ValidatorIndex(42), *v.Index)
	require.Equal(t, StatusActiveOngoing, v.Status)

	// A second refresh reporting a different index for an already
	// indexed validator must not clobber it.
	fetcher.states[pubkey(1)] = &apiv1.Validator{Index: 99, Status: apiv1.ValidatorStateActiveOngoing}
	require.NoError(t, r.RefreshFromChain(context.Background(), fetcher))
	v, _ = r.Get(pubkey(1))
	require.Equal(t, phase0.ValidatorIndex(42), *v.Index)
}

func TestHasIndex(t *testing.T) {
	r := New(Defaults{})
	r.Seed([]phase0.BLSPubKey{pubkey(1)})
	fetcher := fakeFetcher{states: map[phase0.BLSPubKey]*apiv1.Validator{
		pubkey(1): {Index: 7, Status: apiv1.ValidatorStateActiveOngoing},
	}}
	require.NoError(t, r.RefreshFromChain(context.Background(), fetcher))

	pk, ok := r.HasIndex(7)
	require.True(t, ok)
	require.Equal(t, pubkey(1), pk)

	_, ok = r.HasIndex(8)
	require.False(t, ok)
}
