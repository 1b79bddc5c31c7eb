package multibn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/altair"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/serenita-org/vero/internal/beaconclient"
	"github.com/serenita-org/vero/internal/verrors"
)

// finalityCacheSize bounds the per-epoch finality-confirmation cache;
// a handful of trailing epochs is enough to cover in-flight duties
// across a short reorg, well within the teacher's
// aggregatedSlotCommitteeIDCache sizing idiom.
const finalityCacheSize = 8

var log = logrus.WithField("prefix", "multibn")

// Coordinator fans requests out across every configured beacon node and
// resolves quorum/best-of answers for the scheduler, per spec.md §4.C.
// It never mutates the BeaconNode clients it holds; each Node owns its
// own score per spec.md §9.
type Coordinator struct {
	nodes         []*beaconclient.Node
	proposalNodes []*beaconclient.Node // --beacon-node-urls-proposal, or nodes if unset

	// Threshold is fixed for the process lifetime, in [1, N], per
	// spec.md §4.C's threshold invariant.
	Threshold int

	BuilderBoostFactor uint64 // percent, e.g. 100 = no boost
	ExternalBuilder     bool

	// finalityCache memoizes, per epoch, that >= Threshold beacon nodes
	// agree on the head state's justified/finalized checkpoints, per
	// spec.md §4.C's finality-checkpoint confirmation. Invalidated by
	// InvalidateFinalityCheckpoints on a chain_reorg crossing the epoch
	// boundary.
	finalityCache *lru.Cache
}

// New builds a Coordinator. If proposalNodes is empty, nodes is used
// for proposal fan-out too, per spec.md §6's CLI contract for
// --beacon-node-urls-proposal.
func New(nodes, proposalNodes []*beaconclient.Node, threshold int) *Coordinator {
	if len(proposalNodes) == 0 {
		proposalNodes = nodes
	}
	cache, err := lru.New(finalityCacheSize)
	if err != nil {
		// lru.New only fails for a non-positive size, a compile-time
		// constant here, so this branch is unreachable in practice.
		log.WithError(err).Warn("Could not build finality-checkpoint cache")
	}
	return &Coordinator{nodes: nodes, proposalNodes: proposalNodes, Threshold: threshold, BuilderBoostFactor: 100, finalityCache: cache}
}

func (c *Coordinator) healthyNodes() []*beaconclient.Node {
	var out []*beaconclient.Node
	for _, n := range c.nodes {
		if n.Healthy() {
			out = append(out, n)
		}
	}
	return out
}

// ProposalNodes returns the currently healthy nodes configured for
// block-proposal fan-out (--beacon-node-urls-proposal, or the main
// beacon node set if unset), for BestBlock's caller to build
// BlockProducer adapters from.
func (c *Coordinator) ProposalNodes() []*beaconclient.Node {
	var out []*beaconclient.Node
	for _, n := range c.proposalNodes {
		if n.Healthy() {
			out = append(out, n)
		}
	}
	return out
}

// BestNode returns the highest-scoring currently healthy node, ties
// broken by configuration order, for single-node operations per
// spec.md §4.C.
func (c *Coordinator) BestNode() (*beaconclient.Node, error) {
	healthy := c.healthyNodes()
	if len(healthy) == 0 {
		return nil, fmt.Errorf("no healthy beacon nodes available")
	}
	sort.SliceStable(healthy, func(i, j int) bool {
		return healthy[i].Score().Value() > healthy[j].Score().Value()
	})
	return healthy[0], nil
}

// Validators satisfies registry.StateFetcher by delegating to the
// current best-scoring node, per spec.md §4.E's "refreshed ... from the
// coordinator" (a single representative read is sufficient; unlike
// attestation data, validator status disagreement across nodes is not
// safety-critical).
func (c *Coordinator) Validators(ctx context.Context, pubkeys []phase0.BLSPubKey) (map[phase0.BLSPubKey]*apiv1.Validator, error) {
	n, err := c.BestNode()
	if err != nil {
		return nil, err
	}
	return n.Validators(ctx, pubkeys)
}

// AttesterDuties delegates to the best-scoring node.
func (c *Coordinator) AttesterDuties(ctx context.Context, epoch phase0.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.AttesterDuty, error) {
	n, err := c.BestNode()
	if err != nil {
		return nil, err
	}
	return n.AttesterDuties(ctx, epoch, indices)
}

// ProposerDuties delegates to the best-scoring node.
func (c *Coordinator) ProposerDuties(ctx context.Context, epoch phase0.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.ProposerDuty, error) {
	n, err := c.BestNode()
	if err != nil {
		return nil, err
	}
	return n.ProposerDuties(ctx, epoch, indices)
}

// SubmitAttestations fans a batch of signed attestations out to every
// healthy node, per spec.md §4.C's "submit through every healthy node"
// publication rule: broadcast redundancy, not quorum.
func (c *Coordinator) SubmitAttestations(ctx context.Context, atts []*phase0.Attestation) error {
	healthy := c.healthyNodes()
	if len(healthy) == 0 {
		return fmt.Errorf("no healthy beacon nodes available")
	}
	var lastErr error
	submitted := false
	for _, n := range healthy {
		if err := n.SubmitAttestations(ctx, atts); err != nil {
			log.WithError(err).WithField("node", n.Name).Warn("Beacon node failed to accept attestation submission")
			lastErr = err
			continue
		}
		submitted = true
	}
	if submitted {
		return nil
	}
	return lastErr
}

// SubmitAggregates fans a batch of signed aggregate-and-proofs out to
// every healthy node, the publication step of Scenario 4 (spec.md §8).
func (c *Coordinator) SubmitAggregates(ctx context.Context, aggregates []*phase0.SignedAggregateAndProof) error {
	healthy := c.healthyNodes()
	if len(healthy) == 0 {
		return fmt.Errorf("no healthy beacon nodes available")
	}
	var lastErr error
	submitted := false
	for _, n := range healthy {
		if err := n.SubmitAggregateAttestations(ctx, aggregates); err != nil {
			log.WithError(err).WithField("node", n.Name).Warn("Beacon node failed to accept aggregate submission")
			lastErr = err
			continue
		}
		submitted = true
	}
	if submitted {
		return nil
	}
	return lastErr
}

// SubmitSyncCommitteeMessages fans a batch of signed sync committee
// messages out to every healthy node, per spec.md §4.F's sync-message
// duty publication rule.
func (c *Coordinator) SubmitSyncCommitteeMessages(ctx context.Context, messages []*altair.SyncCommitteeMessage) error {
	healthy := c.healthyNodes()
	if len(healthy) == 0 {
		return fmt.Errorf("no healthy beacon nodes available")
	}
	var lastErr error
	submitted := false
	for _, n := range healthy {
		if err := n.SubmitSyncCommitteeMessages(ctx, messages); err != nil {
			log.WithError(err).WithField("node", n.Name).Warn("Beacon node failed to accept sync committee message submission")
			lastErr = err
			continue
		}
		submitted = true
	}
	if submitted {
		return nil
	}
	return lastErr
}

// SyncCommitteeContribution delegates to the best-scoring node.
func (c *Coordinator) SyncCommitteeContribution(ctx context.Context, slot phase0.Slot, subcommitteeIndex uint64, beaconBlockRoot phase0.Root) (*altair.SyncCommitteeContribution, error) {
	n, err := c.BestNode()
	if err != nil {
		return nil, err
	}
	return n.SyncCommitteeContribution(ctx, slot, subcommitteeIndex, beaconBlockRoot)
}

// SubmitSyncCommitteeContributions fans a batch of signed
// contribution-and-proofs out to every healthy node.
func (c *Coordinator) SubmitSyncCommitteeContributions(ctx context.Context, contributions []*altair.SignedContributionAndProof) error {
	healthy := c.healthyNodes()
	if len(healthy) == 0 {
		return fmt.Errorf("no healthy beacon nodes available")
	}
	var lastErr error
	submitted := false
	for _, n := range healthy {
		if err := n.SubmitSyncCommitteeContributions(ctx, contributions); err != nil {
			log.WithError(err).WithField("node", n.Name).Warn("Beacon node failed to accept sync committee contribution submission")
			lastErr = err
			continue
		}
		submitted = true
	}
	if submitted {
		return nil
	}
	return lastErr
}

// SubmitValidatorRegistrations submits signed builder registrations
// through the first healthy node, in configuration order, that accepts
// them, per spec.md §4.C's validator-registration publication duty; the
// remaining nodes are only tried after a failure.
func (c *Coordinator) SubmitValidatorRegistrations(ctx context.Context, registrations []*apiv1.SignedValidatorRegistration) error {
	healthy := c.healthyNodes()
	if len(healthy) == 0 {
		return fmt.Errorf("no healthy beacon nodes available")
	}
	var lastErr error
	for _, n := range healthy {
		if err := n.SubmitValidatorRegistrations(ctx, registrations); err != nil {
			log.WithError(err).WithField("node", n.Name).Warn("Beacon node failed to accept validator registration submission")
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// SubmitVoluntaryExit submits a one-shot signed voluntary exit through
// the best-scoring node, per spec.md §4.D/§6's Keymanager contract.
func (c *Coordinator) SubmitVoluntaryExit(ctx context.Context, exit *phase0.SignedVoluntaryExit) error {
	n, err := c.BestNode()
	if err != nil {
		return err
	}
	return n.SubmitVoluntaryExit(ctx, exit)
}

// Liveness delegates to the best-scoring node, converting to the
// uint64-keyed shape the doppelganger guard uses.
func (c *Coordinator) Liveness(ctx context.Context, epoch uint64, indices []uint64) (map[uint64]bool, error) {
	n, err := c.BestNode()
	if err != nil {
		return nil, err
	}
	typed := make([]phase0.ValidatorIndex, len(indices))
	for i, idx := range indices {
		typed[i] = phase0.ValidatorIndex(idx)
	}
	res, err := n.Liveness(ctx, phase0.Epoch(epoch), typed)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]bool, len(res))
	for idx, live := range res {
		out[uint64(idx)] = live
	}
	return out, nil
}

// AttestationDataForHead asks every healthy node for an AttestationData
// and accepts as soon as >= Threshold responses agree on (source,
// target), pinned against the already-observed head block root
// knownHead — the "head event already observed" path of spec.md §4.C.
func (c *Coordinator) AttestationDataForHead(ctx context.Context, slot phase0.Slot, committeeIndex phase0.CommitteeIndex, knownHead phase0.Root) (*phase0.AttestationData, error) {
	data, err := c.fanOutAttestationData(ctx, slot, committeeIndex, func(d *phase0.AttestationData) bool {
		return d.BeaconBlockRoot == knownHead
	})
	if err != nil {
		return nil, &verrors.QuorumUnreachable{Duty: "attestation", Slot: uint64(slot)}
	}
	return data, nil
}

// AttestationDataNoHead asks every healthy node for a free
// AttestationData and groups responses by (head, source, target),
// accepting the first group to reach Threshold before deadline — the
// "no head event by deadline" path of spec.md §4.C.
func (c *Coordinator) AttestationDataNoHead(ctx context.Context, slot phase0.Slot, committeeIndex phase0.CommitteeIndex, deadline time.Time) (*phase0.AttestationData, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	data, err := c.fanOutAttestationData(ctx, slot, committeeIndex, func(*phase0.AttestationData) bool { return true })
	if err != nil {
		return nil, &verrors.QuorumUnreachable{Duty: "attestation", Slot: uint64(slot)}
	}
	return data, nil
}

// fanOutAttestationData is the shared engine behind both attestation
// paths: issue the request to every healthy node concurrently, tally
// votes among responses accepted by the accept predicate, and return as
// soon as a group reaches Threshold. Responses arriving after ctx is
// done are discarded, per spec.md §5's cancellation rule.
func (c *Coordinator) fanOutAttestationData(ctx context.Context, slot phase0.Slot, committeeIndex phase0.CommitteeIndex, accept func(*phase0.AttestationData) bool) (*phase0.AttestationData, error) {
	healthy := c.healthyNodes()
	if len(healthy) == 0 {
		return nil, fmt.Errorf("no healthy beacon nodes available")
	}

	type result struct {
		data *phase0.AttestationData
		err  error
		node string
	}
	results := make(chan result, len(healthy))

	for _, n := range healthy {
		go func(n *beaconclient.Node) {
			d, err := n.AttestationData(ctx, slot, committeeIndex)
			select {
			case results <- result{data: d, err: err, node: n.Name}:
			case <-ctx.Done():
			}
		}(n)
	}

	tally := newVoteTally()
	for i := 0; i < len(healthy); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-results:
			if r.err != nil {
				log.WithError(r.err).WithField("node", r.node).Debug("Beacon node failed to produce attestation data")
				continue
			}
			if !accept(r.data) {
				continue
			}
			_, count := tally.add(r.data)
			if count >= c.Threshold {
				if winner, ok := tally.winner(c.Threshold); ok {
					return winner, nil
				}
			}
		}
	}
	if winner, ok := tally.winner(c.Threshold); ok {
		return winner, nil
	}
	return nil, fmt.Errorf("no attestation data reached threshold %d", c.Threshold)
}

// finalityVoteKey is the (justified, finalized) pair beacon nodes must
// agree on for ConfirmFinalityCheckpoints to succeed.
type finalityVoteKey struct {
	Justified phase0.Checkpoint
	Finalized phase0.Checkpoint
}

// ConfirmFinalityCheckpoints confirms that >= Threshold healthy beacon
// nodes agree on the current justified/finalized checkpoints for epoch,
// per spec.md §4.C, and caches the result for the remainder of the
// epoch. A cache hit skips the fan-out entirely.
func (c *Coordinator) ConfirmFinalityCheckpoints(ctx context.Context, epoch phase0.Epoch) (*apiv1.Finality, error) {
	if c.finalityCache != nil {
		if v, ok := c.finalityCache.Get(epoch); ok {
			return v.(*apiv1.Finality), nil
		}
	}

	healthy := c.healthyNodes()
	if len(healthy) == 0 {
		return nil, fmt.Errorf("no healthy beacon nodes available")
	}

	type result struct {
		finality *apiv1.Finality
		err      error
		node     string
	}
	results := make(chan result, len(healthy))
	for _, n := range healthy {
		go func(n *beaconclient.Node) {
			f, err := n.FinalityCheckpoints(ctx)
			select {
			case results <- result{finality: f, err: err, node: n.Name}:
			case <-ctx.Done():
			}
		}(n)
	}

	counts := make(map[finalityVoteKey]int)
	first := make(map[finalityVoteKey]*apiv1.Finality)
	for i := 0; i < len(healthy); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-results:
			if r.err != nil || r.finality == nil || r.finality.Justified == nil || r.finality.Finalized == nil {
				if r.err != nil {
					log.WithError(r.err).WithField("node", r.node).Debug("Beacon node failed to report finality checkpoints")
				}
				continue
			}
			key := finalityVoteKey{Justified: *r.finality.Justified, Finalized: *r.finality.Finalized}
			if _, seen := first[key]; !seen {
				first[key] = r.finality
			}
			counts[key]++
			if counts[key] >= c.Threshold {
				winner := first[key]
				if c.finalityCache != nil {
					c.finalityCache.Add(epoch, winner)
				}
				return winner, nil
			}
		}
	}
	return nil, &verrors.QuorumUnreachable{Duty: "finality_checkpoints", Slot: 0}
}

// InvalidateFinalityCheckpoints evicts epoch's cached finality
// confirmation, per spec.md §4.C's reorg-invalidation rule: a
// chain_reorg crossing the epoch boundary means the cached agreement
// may no longer hold.
func (c *Coordinator) InvalidateFinalityCheckpoints(epoch phase0.Epoch) {
	if c.finalityCache != nil {
		c.finalityCache.Remove(epoch)
	}
}

// BestAggregate asks every healthy node for the aggregate matching
// (slot, attestationDataRoot, committeeIndex) and returns the one with
// the highest aggregation-bits popcount, per spec.md §4.C/§8.
func (c *Coordinator) BestAggregate(ctx context.Context, slot phase0.Slot, attDataRoot phase0.Root, committeeIndex phase0.CommitteeIndex) (*phase0.Attestation, error) {
	healthy := c.healthyNodes()
	if len(healthy) == 0 {
		return nil, fmt.Errorf("no healthy beacon nodes available")
	}

	var (
		mu         sync.Mutex
		candidates []aggregateCandidate
		wg         sync.WaitGroup
	)
	arrival := 0
	for _, n := range healthy {
		wg.Add(1)
		go func(n *beaconclient.Node) {
			defer wg.Done()
			agg, err := n.AggregateAttestation(ctx, slot, attDataRoot, committeeIndex)
			if err != nil || agg == nil {
				return
			}
			mu.Lock()
			candidates = append(candidates, aggregateCandidate{aggregate: agg, arrival: arrival})
			arrival++
			mu.Unlock()
		}(n)
	}
	wg.Wait()

	if len(candidates) == 0 {
		return nil, &verrors.QuorumUnreachable{Duty: "aggregate", Slot: uint64(slot)}
	}
	return bestAggregate(candidates), nil
}
