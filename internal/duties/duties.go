// Package duties implements spec.md §4.F, DutyCache: the per-epoch set
// of attester/proposer/sync duties and the selection-proof
// pre-computation that decides aggregator and sync-contribution roles.
// The is_aggregator algorithm is grounded on the teacher's
// validator/client/validator.go isAggregator, generalized from a single
// local key to an arbitrary Signer.
package duties

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"

	"github.com/serenita-org/vero/internal/remotesigner"
)

// Role is the duty role a (validator, slot) pair may be assigned.
type Role int

const (
	RoleAttester Role = iota
	RoleProposer
	RoleAggregator
	RoleSync
	RoleSyncAggregator
)

// Record is one DutyRecord per spec.md §3: a (validator-index, slot,
// committee-index or subnet-id, role) tuple plus its selection proof
// when the role requires one.
type Record struct {
	ValidatorIndex phase0.ValidatorIndex
	Pubkey         phase0.BLSPubKey
	Slot           phase0.Slot
	CommitteeIndex phase0.CommitteeIndex
	SubnetID       uint64
	Role           Role
	SelectionProof []byte

	// CommitteeLength and ValidatorCommitteeIndex are the two numbers
	// needed to set the right bit in an attestation's AggregationBits:
	// the committee's total size and this validator's position within
	// it. Populated for attester duties only.
	CommitteeLength         uint64
	ValidatorCommitteeIndex uint64
}

// SlotSigner signs a raw slot for the SELECTION_PROOF domain. It is
// narrowed from the full remote-signer client so this package's
// aggregator-selection logic is testable against a fake.
type SlotSigner interface {
	SignSlot(ctx context.Context, pubkey phase0.BLSPubKey, slot phase0.Slot, fork *remotesigner.ForkInfo) ([]byte, error)
}

// TargetAggregatorsPerCommittee mirrors the teacher's
// params.BeaconConfig().TargetAggregatorsPerCommittee constant.
const TargetAggregatorsPerCommittee = 16

// IsAggregator runs the aggregation-selection algorithm from the
// Ethereum consensus spec: hash the slot signature and check
// hash[:8] % modulo == 0, where modulo scales with how many aggregators
// the committee should target.
func IsAggregator(committeeLen int, selectionProof []byte) bool {
	modulo := uint64(1)
	if committeeLen/TargetAggregatorsPerCommittee > 1 {
		modulo = uint64(committeeLen) / TargetAggregatorsPerCommittee
	}
	sum := sha256.Sum256(selectionProof)
	return binary.LittleEndian.Uint64(sum[:8])%modulo == 0
}

// Cache holds the duties computed for a window of epochs and the
// selection proofs pre-computed for aggregator/sync-contribution roles,
// per spec.md §4.F. Dropped two epochs after computation, per spec.md
// §3's DutyRecord lifecycle.
type Cache struct {
	mu            sync.RWMutex
	attesterDuty  map[phase0.Epoch][]Record
	proposerDuty  map[phase0.Epoch][]Record
	syncDuty      map[uint64][]Record // keyed by sync committee period
}

// New builds an empty Cache.
func New() *Cache {
	return &Cache{
		attesterDuty: make(map[phase0.Epoch][]Record),
		proposerDuty: make(map[phase0.Epoch][]Record),
		syncDuty:     make(map[uint64][]Record),
	}
}

// SetAttesterDuties installs the attester duties for an epoch, computed
// from the raw API response plus this validator's committee
// memberships. Existing duties for older epochs (more than two epochs
// stale relative to epoch) are evicted, per spec.md §3's Lifecycle.
func (c *Cache) SetAttesterDuties(epoch phase0.Epoch, raw []*apiv1.AttesterDuty) {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := make([]Record, 0, len(raw))
	for _, d := range raw {
		records = append(records, Record{
			ValidatorIndex:          d.ValidatorIndex,
			Pubkey:                  d.PubKey,
			Slot:                    d.Slot,
			CommitteeIndex:          d.CommitteeIndex,
			Role:                    RoleAttester,
			CommitteeLength:         d.CommitteeLength,
			ValidatorCommitteeIndex: d.ValidatorCommitteeIndex,
		})
	}
	c.attesterDuty[epoch] = records
	c.evictAttesterOlderThan(epoch)
}

// SetProposerDuties installs proposer duties for an epoch.
func (c *Cache) SetProposerDuties(epoch phase0.Epoch, raw []*apiv1.ProposerDuty) {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := make([]Record, 0, len(raw))
	for _, d := range raw {
		records = append(records, Record{
			ValidatorIndex: d.ValidatorIndex,
			Pubkey:         d.PubKey,
			Slot:           d.Slot,
			Role:           RoleProposer,
		})
	}
	c.proposerDuty[epoch] = records
	c.evictProposerOlderThan(epoch)
}

func (c *Cache) evictAttesterOlderThan(epoch phase0.Epoch) {
	for e := range c.attesterDuty {
		if e+2 < epoch {
			delete(c.attesterDuty, e)
		}
	}
}

func (c *Cache) evictProposerOlderThan(epoch phase0.Epoch) {
	for e := range c.proposerDuty {
		if e+2 < epoch {
			delete(c.proposerDuty, e)
		}
	}
}

// AttesterDutiesForSlot returns every attester duty scheduled for slot.
func (c *Cache) AttesterDutiesForSlot(slot phase0.Slot) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Record
	for _, duties := range c.attesterDuty {
		for _, d := range duties {
			if d.Slot == slot {
				out = append(out, d)
			}
		}
	}
	return out
}

// ProposerDutiesForSlot returns every proposer duty scheduled for slot
// (at most one, barring a reorg of the proposer index itself).
func (c *Cache) ProposerDutiesForSlot(slot phase0.Slot) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Record
	for _, duties := range c.proposerDuty {
		for _, d := range duties {
			if d.Slot == slot {
				out = append(out, d)
			}
		}
	}
	return out
}

// PrecomputeSelectionProofs signs the SELECTION_PROOF for every
// attester duty cached for epoch and marks it as an aggregator role
// when IsAggregator returns true, per spec.md §4.F.
func (c *Cache) PrecomputeSelectionProofs(ctx context.Context, signer SlotSigner, epoch phase0.Epoch, committeeLen func(Record) int, fork *remotesigner.ForkInfo) error {
	c.mu.Lock()
	duties := append([]Record(nil), c.attesterDuty[epoch]...)
	c.mu.Unlock()

	for i := range duties {
		proof, err := signer.SignSlot(ctx, duties[i].Pubkey, duties[i].Slot, fork)
		if err != nil {
			return err
		}
		duties[i].SelectionProof = proof
		if IsAggregator(committeeLen(duties[i]), proof) {
			duties[i].Role = RoleAggregator
		}
	}

	c.mu.Lock()
	c.attesterDuty[epoch] = duties
	c.mu.Unlock()
	return nil
}

// InvalidateSelectionProofs clears any precomputed SELECTION_PROOFs for
// epoch, demoting aggregator roles back to plain attester roles, rather
// than trusting a proof computed against a since-reorged chain. It does
// not re-derive them: the epoch has no aggregator roles until
// PrecomputeSelectionProofs runs for it again, which refreshDutiesExecutor
// does only at the first slot of an epoch.
func (c *Cache) InvalidateSelectionProofs(epoch phase0.Epoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	duties := c.attesterDuty[epoch]
	for i := range duties {
		duties[i].SelectionProof = nil
		if duties[i].Role == RoleAggregator {
			duties[i].Role = RoleAttester
		}
	}
}

// SyncCommitteeSize is the fixed number of members in a sync committee.
const SyncCommitteeSize = 512

// SyncCommitteeSubnetCount is SYNC_COMMITTEE_SUBNET_COUNT: the sync
// committee is split into this many equally sized subcommittees, each
// gossiped on its own subnet.
const SyncCommitteeSubnetCount = 4

// TargetAggregatorsPerSyncSubcommittee mirrors
// TARGET_AGGREGATORS_PER_SYNC_SUBCOMMITTEE.
const TargetAggregatorsPerSyncSubcommittee = 16

// SubcommitteeIndexOf maps a validator's position in the full sync
// committee to the subcommittee (and so the gossip subnet) it belongs
// to.
func SubcommitteeIndexOf(validatorSyncCommitteeIndex phase0.CommitteeIndex) uint64 {
	return uint64(validatorSyncCommitteeIndex) / (SyncCommitteeSize / SyncCommitteeSubnetCount)
}

// IsSyncCommitteeAggregator runs the sync-committee aggregation-selection
// algorithm: hash the slot-scoped SYNC_COMMITTEE_SELECTION_PROOF and
// check hash[:8] % modulo == 0. Unlike IsAggregator this must be
// re-evaluated every slot, since sync-committee selection proofs are
// slot-scoped rather than fixed per duty.
func IsSyncCommitteeAggregator(selectionProof []byte) bool {
	modulo := uint64(1)
	membersPerSubcommittee := uint64(SyncCommitteeSize / SyncCommitteeSubnetCount)
	if membersPerSubcommittee/TargetAggregatorsPerSyncSubcommittee > 1 {
		modulo = membersPerSubcommittee / TargetAggregatorsPerSyncSubcommittee
	}
	sum := sha256.Sum256(selectionProof)
	return binary.LittleEndian.Uint64(sum[:8])%modulo == 0
}

// SetSyncCommitteeDuties installs sync-committee duties for a sync
// committee period. One Record is emitted per subcommittee membership
// (a validator assigned to more than one of the 512 committee slots,
// which happens with overwhelmingly low but nonzero probability, gets
// one record per membership), SubnetID set to the subcommittee index
// that membership maps to.
func (c *Cache) SetSyncCommitteeDuties(period uint64, raw []*apiv1.SyncCommitteeDuty) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var records []Record
	for _, d := range raw {
		for _, idx := range d.ValidatorSyncCommitteeIndices {
			records = append(records, Record{
				ValidatorIndex: d.ValidatorIndex,
				Pubkey:         d.PubKey,
				SubnetID:       SubcommitteeIndexOf(idx),
				Role:           RoleSync,
			})
		}
	}
	c.syncDuty[period] = records
}

// SyncDutiesForPeriod returns the sync-committee duties for a period.
func (c *Cache) SyncDutiesForPeriod(period uint64) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Record(nil), c.syncDuty[period]...)
}
