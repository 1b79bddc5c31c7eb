package duties

import (
	"context"
	"testing"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"

	"github.com/serenita-org/vero/internal/remotesigner"
)

func TestIsAggregatorModuloOne(t *testing.T) {
	// committeeLen/TargetAggregatorsPerCommittee <= 1 => modulo 1,
	// every validator is an aggregator regardless of proof.
	require.True(t, IsAggregator(10, []byte("any-proof")))
}

func TestIsAggregatorDeterministic(t *testing.T) {
	proof := []byte("fixed-proof-bytes")
	a := IsAggregator(1000, proof)
	b := IsAggregator(1000, proof)
	require.Equal(t, a, b)
}

func TestSetAttesterDutiesEvictsStale(t *testing.T) {
	c := New()
	c.SetAttesterDuties(1, []*apiv1.AttesterDuty{{ValidatorIndex: 1, Slot: 32}})
	c.SetAttesterDuties(4, []*apiv1.AttesterDuty{{ValidatorIndex: 1, Slot: 128}})

	require.Empty(t, c.AttesterDutiesForSlot(32))
	require.Len(t, c.AttesterDutiesForSlot(128), 1)
}

type fakeSigner struct{}

func (fakeSigner) SignSlot(ctx context.Context, pubkey phase0.BLSPubKey, slot phase0.Slot, fork *remotesigner.ForkInfo) ([]byte, error) {
	return []byte{byte(slot)}, nil
}

func TestPrecomputeSelectionProofsMarksAggregators(t *testing.T) {
	c := New()
	c.SetAttesterDuties(0, []*apiv1.AttesterDuty{
		{ValidatorIndex: 1, Slot: 0, CommitteeIndex: 0},
	})
	err := c.PrecomputeSelectionProofs(context.Background(), fakeSigner{}, 0, func(Record) int { return 10 }, nil)
	require.NoError(t, err)

	duties := c.AttesterDutiesForSlot(0)
	require.Len(t, duties, 1)
	require.NotEmpty(t, duties[0].SelectionProof)
	require.Equal(t, RoleAggregator, duties[0].Role)
}
