// Package multibn implements spec.md §4.C, the quorum engine that fans
// requests out across every configured beacon node and resolves a
// single answer for the scheduler to sign. The pure vote-counting and
// best-of selection logic lives in this file so it can be tested
// without any network dependency, per spec.md §9's "quorum as set
// cover ... pure-function; trivially testable".
package multibn

import (
	"math/bits"

	"github.com/attestantio/go-eth2-client/spec/phase0"
)

// AttestationVoteKey is the canonical dictionary key spec.md §3 calls
// AttestationDataVote: a hash-equality encoding of (head, source,
// target) used to count how many beacon nodes agree.
type AttestationVoteKey struct {
	Head   phase0.Root
	Source phase0.Checkpoint
	Target phase0.Checkpoint
}

func voteKey(data *phase0.AttestationData) AttestationVoteKey {
	return AttestationVoteKey{
		Head:   data.BeaconBlockRoot,
		Source: *data.Source,
		Target: *data.Target,
	}
}

// voteTally counts arrivals per vote key and remembers the first
// response observed for each key, so that once a key crosses threshold
// the "earliest-arriving response of the winning group" rule in
// spec.md §4.C can be honored exactly.
type voteTally struct {
	counts map[AttestationVoteKey]int
	first  map[AttestationVoteKey]*phase0.AttestationData
	order  []AttestationVoteKey
}

func newVoteTally() *voteTally {
	return &voteTally{
		counts: make(map[AttestationVoteKey]int),
		first:  make(map[AttestationVoteKey]*phase0.AttestationData),
	}
}

// add records one more node's vote for data, returning the key's new
// count.
func (t *voteTally) add(data *phase0.AttestationData) (AttestationVoteKey, int) {
	key := voteKey(data)
	if _, seen := t.first[key]; !seen {
		t.first[key] = data
		t.order = append(t.order, key)
	}
	t.counts[key]++
	return key, t.counts[key]
}

// winner returns the first key (by order of first arrival) whose count
// has reached threshold, or false if none has yet.
func (t *voteTally) winner(threshold int) (*phase0.AttestationData, bool) {
	for _, key := range t.order {
		if t.counts[key] >= threshold {
			return t.first[key], true
		}
	}
	return nil, false
}

// aggregateCandidate pairs an aggregate attestation with the order in
// which it arrived, for tie-breaking.
type aggregateCandidate struct {
	aggregate *phase0.Attestation
	arrival   int
}

// bestAggregate picks the aggregate with the highest
// popcount(aggregation_bits), breaking ties by first arrival, per
// spec.md §4.C and the testable property in §8.
func bestAggregate(candidates []aggregateCandidate) *phase0.Attestation {
	var (
		best      *phase0.Attestation
		bestCount int
		bestOrder int = -1
	)
	for _, c := range candidates {
		count := popcount(c.aggregate.AggregationBits)
		if best == nil || count > bestCount || (count == bestCount && c.arrival < bestOrder) {
			best = c.aggregate
			bestCount = count
			bestOrder = c.arrival
		}
	}
	return best
}

func popcount(bitlist []byte) int {
	total := 0
	for _, b := range bitlist {
		total += bits.OnesCount8(b)
	}
	return total
}

// blockCandidate is one beacon node's (or builder's, via that node) block
// proposal offer.
type blockCandidate struct {
	node          string
	valueWei      uint64
	isBuilderBlock bool
	arrival       int
	block         interface{}
}

// effectiveValue applies the builder boost factor (spec.md §4.C,
// "Block proposal") to builder-sourced candidates only.
func (c blockCandidate) effectiveValue(boostFactorPercent uint64) uint64 {
	if !c.isBuilderBlock {
		return c.valueWei
	}
	// boostFactorPercent/100 multiplier, e.g. 90 => 0.9x.
	return c.valueWei * boostFactorPercent / 100
}

// bestBlock picks the candidate with the highest effective value,
// breaking ties by first arrival, per spec.md §8's proposal invariant.
func bestBlock(candidates []blockCandidate, boostFactorPercent uint64) *blockCandidate {
	var best *blockCandidate
	var bestValue uint64
	for i := range candidates {
		c := &candidates[i]
		v := c.effectiveValue(boostFactorPercent)
		if best == nil || v > bestValue || (v == bestValue && c.arrival < best.arrival) {
			best = c
			bestValue = v
		}
	}
	return best
}
