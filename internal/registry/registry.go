// Package registry implements spec.md §4.E, ValidatorRegistry: the
// pubkey-keyed set of managed validators, refreshed every epoch from
// the coordinator and mutated atomically by Keymanager calls. It is
// grounded on the teacher's validator/keymanager account-store idiom
// (a guarded map behind sync.RWMutex, copy-on-read accessors) seen in
// validator/keymanager/v2/direct/direct.go's AccountStore handling.
package registry

import (
	"context"
	"sync"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "registry")

// Status mirrors the beacon-chain validator status enum from spec.md §3.
type Status string

const (
	StatusPendingInitialized Status = "pending_initialized"
	StatusPendingQueued      Status = "pending_queued"
	StatusActiveOngoing      Status = "active_ongoing"
	StatusActiveExiting      Status = "active_exiting"
	StatusActiveSlashed      Status = "active_slashed"
	StatusExitedUnslashed    Status = "exited_unslashed"
	StatusExitedSlashed      Status = "exited_slashed"
	StatusWithdrawalPossible Status = "withdrawal_possible"
	StatusWithdrawalDone     Status = "withdrawal_done"
	StatusUnknown            Status = "unknown"
)

// Slashed reports whether the status denotes a slashed validator, used
// by the event pipeline's polling-based slashing detector.
func (s Status) Slashed() bool {
	return s == StatusActiveSlashed || s == StatusExitedSlashed
}

// Overrides holds the per-validator settings a Keymanager collaborator
// may set, defaulting to the process-wide flags when unset.
type Overrides struct {
	FeeRecipient *[20]byte
	Graffiti     *[32]byte
	GasLimit     *uint64
}

// Validator is one managed key and everything known about it, per
// spec.md §3's Validator data model.
type Validator struct {
	Pubkey    phase0.BLSPubKey
	Index     *phase0.ValidatorIndex // nil until the chain assigns one
	Status    Status
	Overrides Overrides
}

// Defaults are the process-wide fee-recipient/graffiti/gas-limit
// settings applied when a validator carries no override.
type Defaults struct {
	FeeRecipient [20]byte
	Graffiti     [32]byte
	GasLimit     uint64
}

// StateFetcher is the subset of the coordinator the registry needs: a
// single representative call against /eth/v1/beacon/states/head/validators.
type StateFetcher interface {
	Validators(ctx context.Context, pubkeys []phase0.BLSPubKey) (map[phase0.BLSPubKey]*apiv1.Validator, error)
}

// Registry is the pubkey-keyed validator set. Reads are copy-on-read
// snapshots; writes (epoch refresh, Keymanager mutation) take the write
// lock, per spec.md §4.E and §5's "ValidatorRegistry (snapshot reads,
// atomic writes via Keymanager)".
type Registry struct {
	mu         sync.RWMutex
	validators map[phase0.BLSPubKey]*Validator
	defaults   Defaults
}

// New builds an empty Registry with the given process-wide defaults.
func New(defaults Defaults) *Registry {
	return &Registry{
		validators: make(map[phase0.BLSPubKey]*Validator),
		defaults:   defaults,
	}
}

// Seed inserts pubkeys discovered at startup (from the remote signer's
// key list or the Keymanager collaborator) with unknown status and no
// chain index, per spec.md §3's Lifecycle.
func (r *Registry) Seed(pubkeys []phase0.BLSPubKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pk := range pubkeys {
		if _, exists := r.validators[pk]; exists {
			continue
		}
		r.validators[pk] = &Validator{Pubkey: pk, Status: StatusUnknown}
	}
}

// Remove deletes a pubkey from the registry, called when Keymanager
// deletes a key, per spec.md §3's Lifecycle.
func (r *Registry) Remove(pubkey phase0.BLSPubKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.validators, pubkey)
}

// SetOverrides atomically mutates one validator's fee-recipient,
// graffiti, or gas-limit override via the Keymanager collaborator.
func (r *Registry) SetOverrides(pubkey phase0.BLSPubKey, o Overrides) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.validators[pubkey]
	if !ok {
		v = &Validator{Pubkey: pubkey, Status: StatusUnknown}
		r.validators[pubkey] = v
	}
	if o.FeeRecipient != nil {
		v.Overrides.FeeRecipient = o.FeeRecipient
	}
	if o.Graffiti != nil {
		v.Overrides.Graffiti = o.Graffiti
	}
	if o.GasLimit != nil {
		v.Overrides.GasLimit = o.GasLimit
	}
}

// RefreshFromChain refreshes chain-known indices and statuses for every
// currently registered pubkey, per spec.md §4.E's "every epoch it
// refreshes chain-known indices/status from the coordinator". A
// validator with a known index is never re-assigned to a different key,
// per spec.md §3's invariant: an index already seen is left untouched
// if the fetched index would differ, and a warning is logged instead of
// silently clobbering it.
func (r *Registry) RefreshFromChain(ctx context.Context, fetcher StateFetcher) error {
	r.mu.RLock()
	pubkeys := make([]phase0.BLSPubKey, 0, len(r.validators))
	for pk := range r.validators {
		pubkeys = append(pubkeys, pk)
	}
	r.mu.RUnlock()

	if len(pubkeys) == 0 {
		return nil
	}
	chainState, err := fetcher.Validators(ctx, pubkeys)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for pk, cv := range chainState {
		v, ok := r.validators[pk]
		if !ok {
			continue
		}
		idx := cv.Index
		if v.Index != nil && *v.Index != idx {
			log.WithField("pubkey", pk).WithField("existing_index", *v.Index).WithField("chain_index", idx).
				Warn("Chain reported a different index for an already-indexed validator, ignoring")
		} else {
			v.Index = &idx
		}
		v.Status = Status(cv.Status.String())
	}
	return nil
}

// Snapshot returns a copy of every managed validator, safe for the
// caller to range over without holding any lock, per spec.md §4.E's
// "copy-on-read semantics sufficient".
func (r *Registry) Snapshot() []Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Validator, 0, len(r.validators))
	for _, v := range r.validators {
		out = append(out, *v)
	}
	return out
}

// Get returns a copy of a single validator's state.
func (r *Registry) Get(pubkey phase0.BLSPubKey) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[pubkey]
	if !ok {
		return Validator{}, false
	}
	return *v, true
}

// Active returns the snapshot of validators whose status permits
// attester/proposer duties (active_ongoing and active_exiting), the
// set the duty cache computes duties for.
func (r *Registry) Active() []Validator {
	all := r.Snapshot()
	out := all[:0:0]
	for _, v := range all {
		if v.Status == StatusActiveOngoing || v.Status == StatusActiveExiting {
			out = append(out, v)
		}
	}
	return out
}

// HasIndex reports whether idx belongs to a managed validator, used by
// the slashing detector to check offender membership, per spec.md §4.G.
func (r *Registry) HasIndex(idx phase0.ValidatorIndex) (phase0.BLSPubKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for pk, v := range r.validators {
		if v.Index != nil && *v.Index == idx {
			return pk, true
		}
	}
	return phase0.BLSPubKey{}, false
}

// FeeRecipient returns the effective fee recipient for a validator:
// its override if set, else the process default.
func (r *Registry) FeeRecipient(pubkey phase0.BLSPubKey) [20]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.validators[pubkey]; ok && v.Overrides.FeeRecipient != nil {
		return *v.Overrides.FeeRecipient
	}
	return r.defaults.FeeRecipient
}

// Graffiti returns the effective graffiti for a validator.
func (r *Registry) Graffiti(pubkey phase0.BLSPubKey) [32]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.validators[pubkey]; ok && v.Overrides.Graffiti != nil {
		return *v.Overrides.Graffiti
	}
	return r.defaults.Graffiti
}

// GasLimit returns the effective gas limit for a validator.
func (r *Registry) GasLimit(pubkey phase0.BLSPubKey) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.validators[pubkey]; ok && v.Overrides.GasLimit != nil {
		return *v.Overrides.GasLimit
	}
	return r.defaults.GasLimit
}

// Count returns the number of managed validators per status, the shape
// the validator_count{status} metric needs.
func (r *Registry) Count() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Status]int)
	for _, v := range r.validators {
		out[v.Status]++
	}
	return out
}
