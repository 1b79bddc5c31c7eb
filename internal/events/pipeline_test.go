package events

import (
	"context"
	"testing"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"

	"github.com/serenita-org/vero/internal/registry"
)

func TestHeadEventDedup(t *testing.T) {
	var received int
	p := New(nil, registry.New(registry.Defaults{}), func(Event) { received++ }, nil)

	head := &apiv1.HeadEvent{Slot: 10}
	ev := &apiv1.Event{Topic: "head", Data: head}

	p.handle(ev)
	p.handle(ev)
	require.Equal(t, 1, received)
}

func TestAttesterSlashingLatchesOnlyManagedValidators(t *testing.T) {
	reg := registry.New(registry.Defaults{})
	pk := phase0.BLSPubKey{0x01}
	reg.Seed([]phase0.BLSPubKey{pk})
	require.NoError(t, reg.RefreshFromChain(context.Background(), fakeFetcher{pk: pk, idx: 5}))

	var latched []uint64
	p := New(nil, reg, nil, func(validatorIndex uint64, reason string) {
		latched = append(latched, validatorIndex)
	})

	slashing := &apiv1.AttesterSlashingEvent{
		Attestation1: &phase0.IndexedAttestation{AttestingIndices: []uint64{5, 6}},
		Attestation2: &phase0.IndexedAttestation{AttestingIndices: []uint64{5, 7}},
	}
	p.handle(&apiv1.Event{Topic: "attester_slashing", Data: slashing})

	require.Equal(t, []uint64{5}, latched)
}

type fakeFetcher struct {
	pk  phase0.BLSPubKey
	idx phase0.ValidatorIndex
}

func (f fakeFetcher) Validators(ctx context.Context, pubkeys []phase0.BLSPubKey) (map[phase0.BLSPubKey]*apiv1.Validator, error) {
	return map[phase0.BLSPubKey]*apiv1.Validator{
		f.pk: {Index: f.idx, Status: apiv1.ValidatorStateActiveOngoing},
	}, nil
}
