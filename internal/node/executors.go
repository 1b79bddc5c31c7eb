package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	altair "github.com/attestantio/go-eth2-client/spec/altair"
	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	eth2spec "github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/phase0"

	"github.com/serenita-org/vero/internal/beaconclient"
	"github.com/serenita-org/vero/internal/duties"
	"github.com/serenita-org/vero/internal/metrics"
	"github.com/serenita-org/vero/internal/multibn"
	"github.com/serenita-org/vero/internal/registry"
	"github.com/serenita-org/vero/internal/remotesigner"
	"github.com/serenita-org/vero/internal/scheduler"
	"github.com/serenita-org/vero/internal/spec"
)

// blockProducerAdapter narrows a beaconclient.Node to the
// multibn.BlockProducer interface so the coordinator's generic
// best-of-value selection can run over live beacon-node clients
// without beaconclient importing multibn.
type blockProducerAdapter struct {
	node               *beaconclient.Node
	useBuilder         bool
	boostFactorPercent uint64
}

func (a blockProducerAdapter) Name() string { return a.node.Name }

func (a blockProducerAdapter) ProduceBlock(ctx context.Context, req multibn.ProposalRequest) (interface{}, uint64, bool, error) {
	var randao phase0.BLSSignature
	copy(randao[:], req.RandaoReveal)
	return a.node.ProduceBlock(ctx, phase0.Slot(req.Slot), randao, req.Graffiti, req.FeeRecipient, a.useBuilder, a.boostFactorPercent)
}

// attestationDataCache remembers the AttestationData attestHeadExecutor
// reached quorum on for (slot, committeeIndex), so aggregateExecutor
// (which runs later in the same slot) can compute the real
// attestation_data_root its BestAggregate lookup needs instead of a
// zero root, per spec.md §4.C's (slot, attestation_data_root,
// committee_index) aggregate-matching rule.
type attestationDataCache struct {
	mu   sync.Mutex
	data map[phase0.Slot]map[phase0.CommitteeIndex]*phase0.AttestationData
}

func newAttestationDataCache() *attestationDataCache {
	return &attestationDataCache{data: make(map[phase0.Slot]map[phase0.CommitteeIndex]*phase0.AttestationData)}
}

func (c *attestationDataCache) put(slot phase0.Slot, committeeIndex phase0.CommitteeIndex, data *phase0.AttestationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data[slot] == nil {
		c.data[slot] = make(map[phase0.CommitteeIndex]*phase0.AttestationData)
	}
	c.data[slot][committeeIndex] = data
	for s := range c.data {
		if s+2 < slot {
			delete(c.data, s)
		}
	}
}

func (c *attestationDataCache) get(slot phase0.Slot, committeeIndex phase0.CommitteeIndex) (*phase0.AttestationData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byCommittee, ok := c.data[slot]
	if !ok {
		return nil, false
	}
	d, ok := byCommittee[committeeIndex]
	return d, ok
}

// buildExecutors wires the scheduler's per-offset callbacks to the
// coordinator, registry, duty cache and remote signer, the concrete
// duty bodies spec.md §4.C/§4.F describe in the abstract. Every
// executor checks the safety latch before emitting a signature, per
// spec.md §3's SafetyLatch contract.
func buildExecutors(clock *spec.Clock, coordinator *multibn.Coordinator, reg *registry.Registry, dutyCache *duties.Cache, signer *remotesigner.Client, latch *scheduler.SafetyLatch) scheduler.Executors {
	attDataCache := newAttestationDataCache()
	return scheduler.Executors{
		RefreshDuties:           refreshDutiesExecutor(clock, coordinator, reg, dutyCache, signer, latch),
		RefreshValidators:       refreshValidatorsExecutor(coordinator, reg),
		ProposeBlocks:           proposeBlocksExecutor(clock, coordinator, reg, dutyCache, signer, latch),
		AttestHead:              attestHeadExecutor(clock, coordinator, dutyCache, signer, latch, attDataCache),
		Aggregate:               aggregateExecutor(clock, coordinator, dutyCache, signer, latch, attDataCache),
		SyncMessage:             syncMessageExecutor(clock, coordinator, dutyCache, signer, latch),
		SyncContribution:        syncContributionExecutor(clock, coordinator, dutyCache, signer, latch),
		PublishRegistrations:    validatorRegistrationExecutor(clock, coordinator, reg, signer, latch),
	}
}

// forkInfoAt builds the ForkInfo object every signing request at slot
// must carry, per spec.md §4.D.
func forkInfoAt(clock *spec.Clock, signer *remotesigner.Client, slot phase0.Slot) *remotesigner.ForkInfo {
	epoch := phase0.Epoch(clock.EpochOf(uint64(slot)))
	previous, current, forkEpoch := clock.ForkScheduleAt(uint64(epoch))
	return signer.NewForkInfo(epoch, previous, current, forkEpoch, clock.GenesisValidatorsRoot())
}

func refreshDutiesExecutor(clock *spec.Clock, coordinator *multibn.Coordinator, reg *registry.Registry, dutyCache *duties.Cache, signer *remotesigner.Client, latch *scheduler.SafetyLatch) func(context.Context, uint64) {
	return func(ctx context.Context, epoch uint64) {
		if latch.IsSet() {
			return
		}
		active := reg.Active()
		indices := make([]phase0.ValidatorIndex, 0, len(active))
		for _, v := range active {
			if v.Index != nil {
				indices = append(indices, *v.Index)
			}
		}
		if len(indices) == 0 {
			return
		}

		if raw, err := coordinator.AttesterDuties(ctx, phase0.Epoch(epoch), indices); err != nil {
			log.WithError(err).WithField("epoch", epoch).Warn("Could not fetch attester duties")
		} else {
			dutyCache.SetAttesterDuties(phase0.Epoch(epoch), raw)
			committeeLen := committeeLenFromDuties(raw)
			fork := forkInfoAt(clock, signer, phase0.Slot(clock.StartSlotOfEpoch(epoch)))
			if err := dutyCache.PrecomputeSelectionProofs(ctx, signer, phase0.Epoch(epoch), committeeLen, fork); err != nil {
				log.WithError(err).Warn("Could not precompute aggregator selection proofs")
			}
		}

		if raw, err := coordinator.ProposerDuties(ctx, phase0.Epoch(epoch), indices); err != nil {
			log.WithError(err).WithField("epoch", epoch).Warn("Could not fetch proposer duties")
		} else {
			dutyCache.SetProposerDuties(phase0.Epoch(epoch), raw)
		}
	}
}

// committeeLenFromDuties builds the per-record committee-length lookup
// PrecomputeSelectionProofs needs, from the committee-length field the
// beacon API already reports on each attester duty.
func committeeLenFromDuties(raw []*apiv1.AttesterDuty) func(duties.Record) int {
	lens := make(map[phase0.ValidatorIndex]int, len(raw))
	for _, d := range raw {
		lens[d.ValidatorIndex] = int(d.CommitteeLength)
	}
	return func(r duties.Record) int { return lens[r.ValidatorIndex] }
}

func refreshValidatorsExecutor(coordinator *multibn.Coordinator, reg *registry.Registry) func(context.Context) {
	return func(ctx context.Context) {
		if err := reg.RefreshFromChain(ctx, coordinator); err != nil {
			log.WithError(err).Warn("Could not refresh validator registry from chain")
			return
		}
		for status, count := range reg.Count() {
			metrics.ValidatorCount.WithLabelValues(string(status)).Set(float64(count))
		}
	}
}

// attestHeadExecutor implements spec.md §4.C's attestation path: when a
// head event already arrived for this slot, pin the requested
// AttestationData to it; otherwise race the deadline with a free
// AttestationData across every healthy node.
func attestHeadExecutor(clock *spec.Clock, coordinator *multibn.Coordinator, dutyCache *duties.Cache, signer *remotesigner.Client, latch *scheduler.SafetyLatch, attDataCache *attestationDataCache) func(context.Context, uint64, bool, phase0.Root) {
	return func(ctx context.Context, slot uint64, headObserved bool, headRoot phase0.Root) {
		if latch.IsSet() {
			return
		}
		recs := dutyCache.AttesterDutiesForSlot(phase0.Slot(slot))
		if len(recs) == 0 {
			return
		}

		start := time.Now()
		var (
			data *phase0.AttestationData
			err  error
		)
		if headObserved {
			if _, ferr := coordinator.ConfirmFinalityCheckpoints(ctx, phase0.Epoch(clock.EpochOf(slot))); ferr != nil {
				log.WithError(ferr).WithField("slot", slot).Warn("Could not confirm finality checkpoints, skipping attestation")
				metrics.AttestationConsensusFailuresTotal.Inc()
				return
			}
			data, err = coordinator.AttestationDataForHead(ctx, phase0.Slot(slot), recs[0].CommitteeIndex, headRoot)
		} else {
			data, err = coordinator.AttestationDataNoHead(ctx, phase0.Slot(slot), recs[0].CommitteeIndex, clock.NoHeadAttestationDeadline(slot))
		}
		metrics.AttestationConsensusTimeSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.AttestationConsensusFailuresTotal.Inc()
			log.WithError(err).WithField("slot", slot).Warn("Could not reach attestation data quorum")
			return
		}
		attDataCache.put(phase0.Slot(slot), recs[0].CommitteeIndex, data)

		fork := forkInfoAt(clock, signer, phase0.Slot(slot))
		atts := make([]*phase0.Attestation, 0, len(recs))
		for _, rec := range recs {
			if latch.IsSet() {
				return
			}
			att, serr := signAttestation(ctx, signer, rec, data, fork)
			if serr != nil {
				log.WithError(serr).WithField("validator_index", rec.ValidatorIndex).Warn("Could not sign attestation")
				continue
			}
			atts = append(atts, att)
		}
		if len(atts) == 0 {
			return
		}
		submitStart := time.Now()
		if err := coordinator.SubmitAttestations(ctx, atts); err != nil {
			log.WithError(err).WithField("slot", slot).Warn("Could not submit attestations")
			return
		}
		metrics.DutySubmissionTimeSeconds.WithLabelValues("attestation").Observe(time.Since(submitStart).Seconds())
	}
}

func signAttestation(ctx context.Context, signer *remotesigner.Client, rec duties.Record, data *phase0.AttestationData, fork *remotesigner.ForkInfo) (*phase0.Attestation, error) {
	ctxBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("could not marshal attestation data: %w", err)
	}
	req := remotesigner.Request{
		Type:            remotesigner.DomainAttestation,
		ForkInfo:        fork,
		Context:         ctxBytes,
		ContextFieldKey: "attestation",
	}
	sig, err := signer.Sign(ctx, pubkeyHexOf(rec.Pubkey), req)
	if err != nil {
		return nil, err
	}
	var signature phase0.BLSSignature
	copy(signature[:], sig)
	return &phase0.Attestation{
		AggregationBits: aggregationBitlist(int(rec.CommitteeLength), int(rec.ValidatorCommitteeIndex)),
		Data:            data,
		Signature:       signature,
	}, nil
}

// aggregationBitlist encodes an SSZ Bitlist[MAX_VALIDATORS_PER_COMMITTEE]
// with exactly one set bit at position, the validator's own index
// within the committee, plus the length-delimiting bit the Bitlist
// encoding requires one past the last real bit.
func aggregationBitlist(committeeLen, position int) []byte {
	if committeeLen <= 0 {
		committeeLen = position + 1
	}
	byteLen := committeeLen/8 + 1
	bits := make([]byte, byteLen)
	if position >= 0 && position < committeeLen {
		bits[position/8] |= 1 << uint(position%8)
	}
	bits[committeeLen/8] |= 1 << uint(committeeLen%8)
	return bits
}

func pubkeyHexOf(pk phase0.BLSPubKey) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(pk)*2+2)
	out[0], out[1] = '0', 'x'
	for i, b := range pk {
		out[2+i*2] = hextable[b>>4]
		out[2+i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

func aggregateExecutor(clock *spec.Clock, coordinator *multibn.Coordinator, dutyCache *duties.Cache, signer *remotesigner.Client, latch *scheduler.SafetyLatch, attDataCache *attestationDataCache) func(context.Context, uint64) {
	return func(ctx context.Context, slot uint64) {
		if latch.IsSet() {
			return
		}
		fork := forkInfoAt(clock, signer, phase0.Slot(slot))
		for _, rec := range dutyCache.AttesterDutiesForSlot(phase0.Slot(slot)) {
			if rec.Role != duties.RoleAggregator {
				continue
			}
			data, ok := attDataCache.get(phase0.Slot(slot), rec.CommitteeIndex)
			if !ok {
				log.WithField("validator_index", rec.ValidatorIndex).WithField("slot", slot).
					Warn("No cached attestation data for aggregate, skipping")
				continue
			}
			dataRoot, err := data.HashTreeRoot()
			if err != nil {
				log.WithError(err).WithField("validator_index", rec.ValidatorIndex).Warn("Could not hash attestation data")
				continue
			}
			agg, err := coordinator.BestAggregate(ctx, phase0.Slot(slot), phase0.Root(dataRoot), rec.CommitteeIndex)
			if err != nil {
				log.WithError(err).WithField("validator_index", rec.ValidatorIndex).Warn("Could not reach aggregate quorum")
				continue
			}

			proof := phase0.BLSSignature{}
			copy(proof[:], rec.SelectionProof)
			aggAndProof := &phase0.AggregateAndProof{
				AggregatorIndex: rec.ValidatorIndex,
				Aggregate:       agg,
				SelectionProof:  proof,
			}
			ctxBytes, err := json.Marshal(aggAndProof)
			if err != nil {
				log.WithError(err).WithField("validator_index", rec.ValidatorIndex).Warn("Could not marshal aggregate and proof")
				continue
			}
			req := remotesigner.Request{
				Type:            remotesigner.DomainAggregateAndProof,
				ForkInfo:        fork,
				Context:         ctxBytes,
				ContextFieldKey: "aggregate_and_proof",
			}
			sig, err := signer.Sign(ctx, pubkeyHexOf(rec.Pubkey), req)
			if err != nil {
				log.WithError(err).WithField("validator_index", rec.ValidatorIndex).Warn("Could not sign aggregate")
				continue
			}
			var signature phase0.BLSSignature
			copy(signature[:], sig)
			signed := &phase0.SignedAggregateAndProof{Message: aggAndProof, Signature: signature}
			if err := coordinator.SubmitAggregates(ctx, []*phase0.SignedAggregateAndProof{signed}); err != nil {
				log.WithError(err).WithField("validator_index", rec.ValidatorIndex).Warn("Could not submit aggregate")
				continue
			}
			log.WithField("validator_index", rec.ValidatorIndex).WithField("slot", slot).
				WithField("aggregation_bits_popcount", popcountBits(agg.AggregationBits)).
				Debug("Published aggregate")
		}
	}
}

func popcountBits(bits []byte) int {
	count := 0
	for _, b := range bits {
		for b != 0 {
			count += int(b & 1)
			b >>= 1
		}
	}
	return count
}

func syncMessageExecutor(clock *spec.Clock, coordinator *multibn.Coordinator, dutyCache *duties.Cache, signer *remotesigner.Client, latch *scheduler.SafetyLatch) func(context.Context, uint64, phase0.Root) {
	return func(ctx context.Context, slot uint64, headRoot phase0.Root) {
		if latch.IsSet() {
			return
		}
		period := clock.SyncCommitteePeriodOf(clock.EpochOf(slot))
		recs := dutyCache.SyncDutiesForPeriod(period)
		if len(recs) == 0 {
			return
		}
		fork := forkInfoAt(clock, signer, phase0.Slot(slot))

		ctxBytes, err := json.Marshal(struct {
			Slot            string `json:"slot"`
			BeaconBlockRoot string `json:"beacon_block_root"`
		}{
			Slot:            fmt.Sprintf("%d", slot),
			BeaconBlockRoot: "0x" + fmtRoot(headRoot),
		})
		if err != nil {
			log.WithError(err).Warn("Could not marshal sync committee message context")
			return
		}

		messages := make([]*altair.SyncCommitteeMessage, 0, len(recs))
		seen := map[phase0.ValidatorIndex]bool{}
		for _, rec := range recs {
			if seen[rec.ValidatorIndex] {
				continue
			}
			seen[rec.ValidatorIndex] = true

			req := remotesigner.Request{
				Type:            remotesigner.DomainSyncCommitteeMessage,
				ForkInfo:        fork,
				Context:         ctxBytes,
				ContextFieldKey: "sync_committee_message",
			}
			sig, err := signer.Sign(ctx, pubkeyHexOf(rec.Pubkey), req)
			if err != nil {
				log.WithError(err).WithField("validator_index", rec.ValidatorIndex).Warn("Could not sign sync committee message")
				continue
			}
			var signature phase0.BLSSignature
			copy(signature[:], sig)
			messages = append(messages, &altair.SyncCommitteeMessage{
				Slot:            phase0.Slot(slot),
				BeaconBlockRoot: headRoot,
				ValidatorIndex:  rec.ValidatorIndex,
				Signature:       signature,
			})
		}
		if len(messages) == 0 {
			return
		}
		if err := coordinator.SubmitSyncCommitteeMessages(ctx, messages); err != nil {
			log.WithError(err).WithField("slot", slot).Warn("Could not submit sync committee messages")
		}
	}
}

func fmtRoot(root phase0.Root) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(root)*2)
	for i, b := range root {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// syncContributionExecutor implements spec.md §4.F/§4.H's
// sync-contribution role: a SYNC_COMMITTEE_SELECTION_PROOF is slot-scoped
// (unlike the attester aggregation selection proof, which is fixed once
// per duty), so aggregator status here is determined live every slot
// rather than precomputed into the duty cache.
func syncContributionExecutor(clock *spec.Clock, coordinator *multibn.Coordinator, dutyCache *duties.Cache, signer *remotesigner.Client, latch *scheduler.SafetyLatch) func(context.Context, uint64, phase0.Root) {
	return func(ctx context.Context, slot uint64, headRoot phase0.Root) {
		if latch.IsSet() {
			return
		}
		period := clock.SyncCommitteePeriodOf(clock.EpochOf(slot))
		fork := forkInfoAt(clock, signer, phase0.Slot(slot))

		for _, rec := range dutyCache.SyncDutiesForPeriod(period) {
			proof, err := signer.SignSyncCommitteeSelectionProof(ctx, rec.Pubkey, phase0.Slot(slot), rec.SubnetID, fork)
			if err != nil {
				log.WithError(err).WithField("validator_index", rec.ValidatorIndex).Warn("Could not sign sync committee selection proof")
				continue
			}
			if !duties.IsSyncCommitteeAggregator(proof) {
				continue
			}
			log.WithField("validator_index", rec.ValidatorIndex).WithField("slot", slot).
				WithField("role", duties.RoleSyncAggregator).Debug("Selected as sync committee aggregator")

			contribution, err := coordinator.SyncCommitteeContribution(ctx, phase0.Slot(slot), rec.SubnetID, headRoot)
			if err != nil {
				log.WithError(err).WithField("validator_index", rec.ValidatorIndex).Warn("Could not fetch sync committee contribution")
				continue
			}

			var selectionProof phase0.BLSSignature
			copy(selectionProof[:], proof)
			contributionAndProof := &altair.ContributionAndProof{
				AggregatorIndex: rec.ValidatorIndex,
				Contribution:    contribution,
				SelectionProof:  selectionProof,
			}
			ctxBytes, err := json.Marshal(contributionAndProof)
			if err != nil {
				log.WithError(err).WithField("validator_index", rec.ValidatorIndex).Warn("Could not marshal contribution and proof")
				continue
			}
			req := remotesigner.Request{
				Type:            remotesigner.DomainSyncCommitteeContributionAndProof,
				ForkInfo:        fork,
				Context:         ctxBytes,
				ContextFieldKey: "contribution_and_proof",
			}
			sig, err := signer.Sign(ctx, pubkeyHexOf(rec.Pubkey), req)
			if err != nil {
				log.WithError(err).WithField("validator_index", rec.ValidatorIndex).Warn("Could not sign contribution and proof")
				continue
			}
			var signature phase0.BLSSignature
			copy(signature[:], sig)
			signed := &altair.SignedContributionAndProof{Message: contributionAndProof, Signature: signature}
			if err := coordinator.SubmitSyncCommitteeContributions(ctx, []*altair.SignedContributionAndProof{signed}); err != nil {
				log.WithError(err).WithField("validator_index", rec.ValidatorIndex).Warn("Could not submit sync committee contribution")
				continue
			}
			log.WithField("validator_index", rec.ValidatorIndex).WithField("slot", slot).Debug("Published sync committee contribution")
		}
	}
}

// validatorRegistrationExecutor implements spec.md §4.C's
// validator-registration publication duty: once per epoch, sign and
// publish a builder registration for every active validator so
// connected builders know which fee recipient/gas-limit preferences
// apply to it.
func validatorRegistrationExecutor(clock *spec.Clock, coordinator *multibn.Coordinator, reg *registry.Registry, signer *remotesigner.Client, latch *scheduler.SafetyLatch) func(context.Context, uint64) {
	return func(ctx context.Context, epoch uint64) {
		if latch.IsSet() {
			return
		}
		active := reg.Active()
		if len(active) == 0 {
			return
		}
		slot := phase0.Slot(clock.StartSlotOfEpoch(epoch))
		fork := forkInfoAt(clock, signer, slot)
		timestamp := clock.StartTime(uint64(slot))

		registrations := make([]*apiv1.SignedValidatorRegistration, 0, len(active))
		for _, v := range active {
			feeRecipient := reg.FeeRecipient(v.Pubkey)
			gasLimit := reg.GasLimit(v.Pubkey)

			msg := &apiv1.ValidatorRegistration{
				FeeRecipient: feeRecipient,
				GasLimit:     gasLimit,
				Timestamp:    timestamp,
				Pubkey:       v.Pubkey,
			}
			ctxBytes, err := json.Marshal(msg)
			if err != nil {
				log.WithError(err).WithField("pubkey", remotesigner.TruncPubkey(v.Pubkey)).Warn("Could not marshal validator registration")
				continue
			}
			req := remotesigner.Request{
				Type:            remotesigner.DomainValidatorRegistration,
				ForkInfo:        fork,
				Context:         ctxBytes,
				ContextFieldKey: "validator_registration",
			}
			sig, err := signer.Sign(ctx, pubkeyHexOf(v.Pubkey), req)
			if err != nil {
				log.WithError(err).WithField("pubkey", remotesigner.TruncPubkey(v.Pubkey)).Warn("Could not sign validator registration")
				continue
			}
			var signature phase0.BLSSignature
			copy(signature[:], sig)
			registrations = append(registrations, &apiv1.SignedValidatorRegistration{Message: msg, Signature: signature})
		}
		if len(registrations) == 0 {
			return
		}
		if err := coordinator.SubmitValidatorRegistrations(ctx, registrations); err != nil {
			log.WithError(err).WithField("epoch", epoch).Warn("Could not submit validator registrations")
			return
		}
		log.WithField("epoch", epoch).WithField("count", len(registrations)).Debug("Published validator registrations")
	}
}

func proposeBlocksExecutor(clock *spec.Clock, coordinator *multibn.Coordinator, reg *registry.Registry, dutyCache *duties.Cache, signer *remotesigner.Client, latch *scheduler.SafetyLatch) func(context.Context, uint64) {
	return func(ctx context.Context, slot uint64) {
		if latch.IsSet() {
			return
		}
		recs := dutyCache.ProposerDutiesForSlot(phase0.Slot(slot))
		if len(recs) == 0 {
			return
		}
		rec := recs[0]
		fork := forkInfoAt(clock, signer, phase0.Slot(slot))
		epoch := clock.EpochOf(slot)

		randaoCtxBytes, err := json.Marshal(struct {
			Epoch string `json:"epoch"`
		}{Epoch: fmt.Sprintf("%d", epoch)})
		if err != nil {
			log.WithError(err).WithField("validator_index", rec.ValidatorIndex).Warn("Could not marshal randao reveal context")
			return
		}
		randaoReq := remotesigner.Request{
			Type:            remotesigner.DomainRandaoReveal,
			ForkInfo:        fork,
			Context:         randaoCtxBytes,
			ContextFieldKey: "randao_reveal",
		}
		randaoSig, err := signer.Sign(ctx, pubkeyHexOf(rec.Pubkey), randaoReq)
		if err != nil {
			log.WithError(err).WithField("validator_index", rec.ValidatorIndex).Warn("Could not sign randao reveal")
			return
		}
		var randao phase0.BLSSignature
		copy(randao[:], randaoSig)

		graffiti := reg.Graffiti(rec.Pubkey)
		feeRecipient := reg.FeeRecipient(rec.Pubkey)

		proposalNodes := coordinator.ProposalNodes()
		if len(proposalNodes) == 0 {
			log.WithField("slot", slot).Warn("No healthy beacon node available for block proposal")
			return
		}
		byName := make(map[string]*beaconclient.Node, len(proposalNodes))
		producers := make([]multibn.BlockProducer, 0, len(proposalNodes))
		for _, n := range proposalNodes {
			byName[n.Name] = n
			producers = append(producers, blockProducerAdapter{
				node:               n,
				useBuilder:         coordinator.ExternalBuilder,
				boostFactorPercent: coordinator.BuilderBoostFactor,
			})
		}

		start := time.Now()
		block, winner, err := coordinator.BestBlock(ctx, producers, multibn.ProposalRequest{
			Slot:         slot,
			RandaoReveal: randao[:],
			Graffiti:     graffiti,
			FeeRecipient: feeRecipient,
		})
		if err != nil {
			log.WithError(err).WithField("slot", slot).Warn("Could not produce block")
			return
		}
		proposal, ok := block.(*eth2spec.VersionedProposal)
		if !ok {
			log.WithField("slot", slot).Warn("Winning block proposal carried an unexpected type")
			return
		}
		winnerNode, ok := byName[winner]
		if !ok {
			log.WithField("slot", slot).WithField("node", winner).Warn("Winning block's node is no longer known")
			return
		}

		blockCtxBytes, err := beaconBlockContext(proposal)
		if err != nil {
			log.WithError(err).WithField("validator_index", rec.ValidatorIndex).Warn("Could not marshal beacon block context")
			return
		}
		blockReq := remotesigner.Request{
			Type:            remotesigner.DomainBlockV2,
			ForkInfo:        fork,
			Context:         blockCtxBytes,
			ContextFieldKey: "beacon_block",
		}
		blockSig, err := signer.Sign(ctx, pubkeyHexOf(rec.Pubkey), blockReq)
		if err != nil {
			log.WithError(err).WithField("validator_index", rec.ValidatorIndex).Warn("Could not sign block")
			return
		}
		var signature phase0.BLSSignature
		copy(signature[:], blockSig)

		if err := winnerNode.SubmitBlock(ctx, proposal, signature); err != nil {
			log.WithError(err).WithField("slot", slot).Warn("Could not submit block")
			return
		}
		metrics.DutySubmissionTimeSeconds.WithLabelValues("proposal").Observe(time.Since(start).Seconds())
		log.WithField("slot", slot).WithField("node", winner).WithField("builder", coordinator.ExternalBuilder).
			Info("Published block proposal")
	}
}

// beaconBlockContext extracts the unsigned block message out of a
// VersionedProposal, matching the fork dispatch signProposal (in
// beaconclient/propose.go) already performs for the post-signing path.
func beaconBlockContext(proposal *eth2spec.VersionedProposal) (json.RawMessage, error) {
	if proposal == nil {
		return nil, fmt.Errorf("cannot build signing context for a nil proposal")
	}
	var block interface{}
	switch {
	case proposal.Deneb != nil:
		block = proposal.Deneb.Block
	case proposal.Capella != nil:
		block = proposal.Capella
	case proposal.Bellatrix != nil:
		block = proposal.Bellatrix
	default:
		return nil, fmt.Errorf("proposal carries no known fork payload")
	}
	return json.Marshal(struct {
		Version string      `json:"version"`
		Block   interface{} `json:"block"`
	}{Version: proposal.Version.String(), Block: block})
}
