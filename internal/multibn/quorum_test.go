package multibn

import (
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"
)

func checkpoint(epoch phase0.Epoch, root byte) *phase0.Checkpoint {
	var r phase0.Root
	r[0] = root
	return &phase0.Checkpoint{Epoch: epoch, Root: r}
}

func attData(head byte, sourceEpoch phase0.Epoch, sourceRoot byte, targetEpoch phase0.Epoch, targetRoot byte) *phase0.AttestationData {
	var h phase0.Root
	h[0] = head
	return &phase0.AttestationData{
		BeaconBlockRoot: h,
		Source:          checkpoint(sourceEpoch, sourceRoot),
		Target:          checkpoint(targetEpoch, targetRoot),
	}
}

// Scenario 2 from spec.md §8: divergent heads, matching checkpoints,
// majority (2 of 3) wins.
func TestVoteTallyMajorityWins(t *testing.T) {
	tally := newVoteTally()
	tally.add(attData(0xCD, 63, 0xAA, 3, 0xBB))
	tally.add(attData(0xEF, 63, 0xAA, 3, 0xBB))
	_, count := tally.add(attData(0xEF, 63, 0xAA, 3, 0xBB))
	require.Equal(t, 2, count)

	winner, ok := tally.winner(2)
	require.True(t, ok)
	require.Equal(t, byte(0xEF), winner.BeaconBlockRoot[0])
}

// Scenario 3 from spec.md §8: three distinct values, threshold 2, no
// quorum reached.
func TestVoteTallyNoQuorum(t *testing.T) {
	tally := newVoteTally()
	tally.add(attData(0xAA, 63, 0xAA, 3, 0xBB))
	tally.add(attData(0xBB, 63, 0xAA, 3, 0xBB))
	tally.add(attData(0xCC, 63, 0xAA, 3, 0xBB))

	_, ok := tally.winner(2)
	require.False(t, ok)
}

// Scenario 1 from spec.md §8: all three nodes agree.
func TestVoteTallyUnanimous(t *testing.T) {
	tally := newVoteTally()
	tally.add(attData(0xAB, 63, 0x53, 3, 0x54))
	tally.add(attData(0xAB, 63, 0x53, 3, 0x54))
	tally.add(attData(0xAB, 63, 0x53, 3, 0x54))

	winner, ok := tally.winner(2)
	require.True(t, ok)
	require.Equal(t, byte(0xAB), winner.BeaconBlockRoot[0])
}

func TestVoteTallyEarliestArrivalWinsOnTie(t *testing.T) {
	tally := newVoteTally()
	first := attData(0x01, 1, 0x01, 2, 0x01)
	second := attData(0x02, 1, 0x02, 2, 0x02)
	tally.add(first)
	tally.add(second)
	tally.add(first)
	tally.add(second)

	winner, ok := tally.winner(2)
	require.True(t, ok)
	require.Equal(t, first, winner)
}

func attestation(bits ...byte) *phase0.Attestation {
	return &phase0.Attestation{AggregationBits: bits}
}

// Scenario 4 from spec.md §8: BN1=10 bits, BN2=12 bits, BN3=11 bits;
// BN2's aggregate (the highest popcount) wins.
func TestBestAggregateHighestPopcount(t *testing.T) {
	bn1 := attestation(0b00001111, 0b00111111) // 4 + 6 = 10 bits
	bn2 := attestation(0b11111111, 0b00001111) // 8 + 4 = 12 bits
	bn3 := attestation(0b11111111, 0b00000111) // 8 + 3 = 11 bits

	candidates := []aggregateCandidate{
		{aggregate: bn1, arrival: 0},
		{aggregate: bn2, arrival: 1},
		{aggregate: bn3, arrival: 2},
	}
	best := bestAggregate(candidates)
	require.Same(t, bn2, best)
}

func TestBestAggregateTieBreaksByArrival(t *testing.T) {
	a := attestation(0b00001111)
	b := attestation(0b11110000)
	candidates := []aggregateCandidate{
		{aggregate: b, arrival: 1},
		{aggregate: a, arrival: 0},
	}
	require.Same(t, a, bestAggregate(candidates))
}

// Scenario 5 from spec.md §8: local values {20,21,22} Gwei, builder
// block 25 Gwei, boost factor 90 => effective 22.5 > 22; builder wins.
func TestBestBlockBuilderBoost(t *testing.T) {
	candidates := []blockCandidate{
		{node: "local-a", valueWei: 20, arrival: 0},
		{node: "local-b", valueWei: 21, arrival: 1},
		{node: "local-c", valueWei: 22, arrival: 2},
		{node: "builder", valueWei: 25, isBuilderBlock: true, arrival: 3},
	}
	// Scale to avoid integer truncation at 22.5: use tenths of a Gwei.
	for i := range candidates {
		candidates[i].valueWei *= 10
	}
	best := bestBlock(candidates, 90)
	require.Equal(t, "builder", best.node)
}

func TestBestBlockLocalWinsWithoutBoost(t *testing.T) {
	candidates := []blockCandidate{
		{node: "local-a", valueWei: 30, arrival: 0},
		{node: "builder", valueWei: 25, isBuilderBlock: true, arrival: 1},
	}
	best := bestBlock(candidates, 100)
	require.Equal(t, "local-a", best.node)
}
