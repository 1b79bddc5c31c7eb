// Package beaconclient implements spec.md §4.B: a typed client for a
// single beacon node, carrying its own running health score and
// deadline discipline. It is grounded on the teacher's
// validator/client/validator.go streaming-call idiom (WaitForChainStart,
// WaitForSync) and wraps github.com/attestantio/go-eth2-client, the REST
// Beacon-API library used the same way by the retrieved
// dappnode-validator-tracker and charon examples.
package beaconclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	eth2client "github.com/attestantio/go-eth2-client"
	"github.com/attestantio/go-eth2-client/api"
	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	eth2http "github.com/attestantio/go-eth2-client/http"
	"github.com/attestantio/go-eth2-client/spec/altair"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/serenita-org/vero/internal/verrors"
)

var log = logrus.WithField("prefix", "beaconclient")

// slowThreshold marks a successful call as "slow" rather than plain
// "success" for scoring purposes, per spec.md §4.B's ordering.
const slowThreshold = 2 * time.Second

// Node is a single beacon node: its REST client, its liveness/score
// bookkeeping, and a cached spec fingerprint for mismatch detection.
type Node struct {
	Name    string
	BaseURL string

	client eth2client.Service
	score  *Score

	lastSuccess time.Time
	degraded    bool

	specFingerprint map[string]interface{}
}

// NewNode dials base URL eagerly (attestantio's http.New performs an
// initial handshake) and returns a Node ready to serve requests.
func NewNode(ctx context.Context, name, baseURL string) (*Node, error) {
	svc, err := eth2http.New(ctx,
		eth2http.WithAddress(baseURL),
		eth2http.WithTimeout(30*time.Second),
		eth2http.WithLogLevel(eth2http.LogLevelWarn()),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create beacon node client for %s", baseURL)
	}
	return &Node{
		Name:    name,
		BaseURL: baseURL,
		client:  svc,
		score:   NewScore(),
	}, nil
}

// Score exposes the node's running health score.
func (n *Node) Score() *Score { return n.score }

// Healthy reports whether this node should participate in fan-out
// operations.
func (n *Node) Healthy() bool { return n.score.Healthy() && !n.degraded }

// MarkDegraded excludes the node from quorum operations until it next
// succeeds, per spec.md's BeaconNode "degraded" state.
func (n *Node) MarkDegraded() { n.degraded = true }

// record classifies an error (or its absence, with elapsed latency)
// into an Outcome and applies it to the node's score, returning a
// BeaconNodeError for the caller when appropriate.
func (n *Node) record(err error, elapsed time.Duration) error {
	if err == nil {
		n.lastSuccess = time.Now()
		n.degraded = false
		if elapsed > slowThreshold {
			n.score.Record(OutcomeSlowSuccess)
		} else {
			n.score.Record(OutcomeSuccess)
		}
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		n.score.Record(OutcomeTimeout)
		return &verrors.BeaconNodeError{Kind: verrors.Transient, Node: n.Name, Err: err}
	case isHTTP5xx(err):
		n.score.Record(Outcome5xx)
		return &verrors.BeaconNodeError{Kind: verrors.Transient, Node: n.Name, Err: err}
	case isConnRefused(err):
		n.score.Record(OutcomeConnectionRefused)
		n.degraded = true
		return &verrors.BeaconNodeError{Kind: verrors.Permanent, Node: n.Name, Err: err}
	default:
		n.score.Record(Outcome5xx)
		return &verrors.BeaconNodeError{Kind: verrors.Transient, Node: n.Name, Err: err}
	}
}

// AttestationData requests a free AttestationData pinned only by slot
// and committee index (the "no head event" path of spec.md §4.C).
func (n *Node) AttestationData(ctx context.Context, slot phase0.Slot, committeeIndex phase0.CommitteeIndex) (*phase0.AttestationData, error) {
	start := time.Now()
	provider, ok := n.client.(eth2client.AttestationDataProvider)
	if !ok {
		return nil, fmt.Errorf("beacon node %s does not implement AttestationDataProvider", n.Name)
	}
	resp, err := provider.AttestationData(ctx, &api.AttestationDataOpts{
		Slot:           slot,
		CommitteeIndex: committeeIndex,
	})
	if rerr := n.record(err, time.Since(start)); rerr != nil {
		return nil, rerr
	}
	return resp.Data, nil
}

// AggregateAttestation fetches the best aggregate a single node knows
// of for (slot, attestationDataRoot, committeeIndex).
func (n *Node) AggregateAttestation(ctx context.Context, slot phase0.Slot, attDataRoot phase0.Root, committeeIndex phase0.CommitteeIndex) (*phase0.Attestation, error) {
	start := time.Now()
	provider, ok := n.client.(eth2client.AggregateAttestationProvider)
	if !ok {
		return nil, fmt.Errorf("beacon node %s does not implement AggregateAttestationProvider", n.Name)
	}
	resp, err := provider.AggregateAttestation(ctx, &api.AggregateAttestationOpts{
		Slot:                slot,
		AttestationDataRoot: attDataRoot,
		CommitteeIndex:      committeeIndex,
	})
	if rerr := n.record(err, time.Since(start)); rerr != nil {
		return nil, rerr
	}
	return resp.Data, nil
}

// AttesterDuties fetches attester duties for epoch and the given
// validator indices.
func (n *Node) AttesterDuties(ctx context.Context, epoch phase0.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.AttesterDuty, error) {
	start := time.Now()
	provider, ok := n.client.(eth2client.AttesterDutiesProvider)
	if !ok {
		return nil, fmt.Errorf("beacon node %s does not implement AttesterDutiesProvider", n.Name)
	}
	resp, err := provider.AttesterDuties(ctx, &api.AttesterDutiesOpts{Epoch: epoch, Indices: indices})
	if rerr := n.record(err, time.Since(start)); rerr != nil {
		return nil, rerr
	}
	return resp.Data, nil
}

// ProposerDuties fetches proposer duties for epoch.
func (n *Node) ProposerDuties(ctx context.Context, epoch phase0.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.ProposerDuty, error) {
	start := time.Now()
	provider, ok := n.client.(eth2client.ProposerDutiesProvider)
	if !ok {
		return nil, fmt.Errorf("beacon node %s does not implement ProposerDutiesProvider", n.Name)
	}
	resp, err := provider.ProposerDuties(ctx, &api.ProposerDutiesOpts{Epoch: epoch, Indices: indices})
	if rerr := n.record(err, time.Since(start)); rerr != nil {
		return nil, rerr
	}
	return resp.Data, nil
}

// SubmitAttestations publishes signed attestations through this node.
func (n *Node) SubmitAttestations(ctx context.Context, atts []*phase0.Attestation) error {
	start := time.Now()
	submitter, ok := n.client.(eth2client.AttestationsSubmitter)
	if !ok {
		return fmt.Errorf("beacon node %s does not implement AttestationsSubmitter", n.Name)
	}
	err := submitter.SubmitAttestations(ctx, atts)
	return n.record(err, time.Since(start))
}

// SubmitAggregateAttestations publishes signed aggregate-and-proofs
// through this node, the winning-aggregate publication step of
// spec.md §4.C/§8's Scenario 4.
func (n *Node) SubmitAggregateAttestations(ctx context.Context, aggregates []*phase0.SignedAggregateAndProof) error {
	start := time.Now()
	submitter, ok := n.client.(eth2client.AggregateAttestationsSubmitter)
	if !ok {
		return fmt.Errorf("beacon node %s does not implement AggregateAttestationsSubmitter", n.Name)
	}
	err := submitter.SubmitAggregateAttestations(ctx, aggregates)
	return n.record(err, time.Since(start))
}

// SubmitSyncCommitteeMessages publishes signed sync committee messages
// through this node, per spec.md §4.F/§4.H's sync-committee-message
// duty.
func (n *Node) SubmitSyncCommitteeMessages(ctx context.Context, messages []*altair.SyncCommitteeMessage) error {
	start := time.Now()
	submitter, ok := n.client.(eth2client.SyncCommitteeMessagesSubmitter)
	if !ok {
		return fmt.Errorf("beacon node %s does not implement SyncCommitteeMessagesSubmitter", n.Name)
	}
	err := submitter.SubmitSyncCommitteeMessages(ctx, messages)
	return n.record(err, time.Since(start))
}

// SyncCommitteeContribution fetches the best sync committee
// contribution this node knows of for (slot, subcommitteeIndex,
// beaconBlockRoot), the input to a SYNC_COMMITTEE_CONTRIBUTION_AND_PROOF
// signature per spec.md §4.F/§4.H.
func (n *Node) SyncCommitteeContribution(ctx context.Context, slot phase0.Slot, subcommitteeIndex uint64, beaconBlockRoot phase0.Root) (*altair.SyncCommitteeContribution, error) {
	start := time.Now()
	provider, ok := n.client.(eth2client.SyncCommitteeContributionProvider)
	if !ok {
		return nil, fmt.Errorf("beacon node %s does not implement SyncCommitteeContributionProvider", n.Name)
	}
	resp, err := provider.SyncCommitteeContribution(ctx, &api.SyncCommitteeContributionOpts{
		Slot:              slot,
		SubcommitteeIndex: subcommitteeIndex,
		BeaconBlockRoot:   beaconBlockRoot,
	})
	if rerr := n.record(err, time.Since(start)); rerr != nil {
		return nil, rerr
	}
	return resp.Data, nil
}

// SubmitSyncCommitteeContributions publishes signed
// contribution-and-proofs through this node.
func (n *Node) SubmitSyncCommitteeContributions(ctx context.Context, contributions []*altair.SignedContributionAndProof) error {
	start := time.Now()
	submitter, ok := n.client.(eth2client.SyncCommitteeContributionsSubmitter)
	if !ok {
		return fmt.Errorf("beacon node %s does not implement SyncCommitteeContributionsSubmitter", n.Name)
	}
	err := submitter.SubmitSyncCommitteeContributions(ctx, contributions)
	return n.record(err, time.Since(start))
}

// SubmitValidatorRegistrations publishes signed builder validator
// registrations through this node, per spec.md §4.C's
// validator-registration publication duty.
func (n *Node) SubmitValidatorRegistrations(ctx context.Context, registrations []*apiv1.SignedValidatorRegistration) error {
	start := time.Now()
	submitter, ok := n.client.(eth2client.ValidatorRegistrationsSubmitter)
	if !ok {
		return fmt.Errorf("beacon node %s does not implement ValidatorRegistrationsSubmitter", n.Name)
	}
	err := submitter.SubmitValidatorRegistrations(ctx, registrations)
	return n.record(err, time.Since(start))
}

// SubmitVoluntaryExit publishes a one-shot signed voluntary exit
// through this node, the Keymanager collaborator's voluntary-exit
// contract from spec.md §4.D/§6.
func (n *Node) SubmitVoluntaryExit(ctx context.Context, exit *phase0.SignedVoluntaryExit) error {
	start := time.Now()
	submitter, ok := n.client.(eth2client.VoluntaryExitSubmitter)
	if !ok {
		return fmt.Errorf("beacon node %s does not implement VoluntaryExitSubmitter", n.Name)
	}
	err := submitter.SubmitVoluntaryExit(ctx, exit)
	return n.record(err, time.Since(start))
}

// Liveness reports which of the given validator indices have been
// observed live during epoch, used by the doppelganger guard (spec.md
// §4.I).
func (n *Node) Liveness(ctx context.Context, epoch phase0.Epoch, indices []phase0.ValidatorIndex) (map[phase0.ValidatorIndex]bool, error) {
	start := time.Now()
	provider, ok := n.client.(eth2client.ValidatorLivenessProvider)
	if !ok {
		return nil, fmt.Errorf("beacon node %s does not implement ValidatorLivenessProvider", n.Name)
	}
	resp, err := provider.ValidatorLiveness(ctx, &api.ValidatorLivenessOpts{Epoch: epoch, Indices: indices})
	if rerr := n.record(err, time.Since(start)); rerr != nil {
		return nil, rerr
	}
	out := make(map[phase0.ValidatorIndex]bool, len(resp.Data))
	for _, v := range resp.Data {
		out[v.Index] = v.IsLive
	}
	return out, nil
}

// Validators fetches current chain state (index, status) for pubkeys
// against the head state, the call internal/registry's RefreshFromChain
// drives every epoch and on every tick of the slashing status poll.
func (n *Node) Validators(ctx context.Context, pubkeys []phase0.BLSPubKey) (map[phase0.BLSPubKey]*apiv1.Validator, error) {
	start := time.Now()
	provider, ok := n.client.(eth2client.ValidatorsProvider)
	if !ok {
		return nil, fmt.Errorf("beacon node %s does not implement ValidatorsProvider", n.Name)
	}
	resp, err := provider.Validators(ctx, &api.ValidatorsOpts{
		State:   "head",
		PubKeys: pubkeys,
	})
	if rerr := n.record(err, time.Since(start)); rerr != nil {
		return nil, rerr
	}
	out := make(map[phase0.BLSPubKey]*apiv1.Validator, len(resp.Data))
	for _, v := range resp.Data {
		out[v.Validator.PublicKey] = v
	}
	return out, nil
}

func isHTTP5xx(err error) bool {
	type statusCoder interface{ StatusCode() int }
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode() >= 500
	}
	return false
}

func isConnRefused(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host")
}
