// Package remotesigner implements spec.md §4.D: a client for the
// Ethereum Remote Signing API. It is grounded on the teacher's
// keymanager abstractions (validator/keymanager/types.go's IKeymanager
// interface, which this package's Client satisfies the spirit of) and
// reuses the teacher's health-scoring idiom from
// internal/beaconclient.Score.
package remotesigner

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/wealdtech/go-bytesutil"

	"github.com/serenita-org/vero/internal/beaconclient"
	"github.com/serenita-org/vero/internal/verrors"
)

var log = logrus.WithField("prefix", "remotesigner")

// Domain discriminates the shape of the signing request, per spec.md
// §4.D's list of supported domains.
type Domain string

const (
	DomainBlockV2                           Domain = "BLOCK_V2"
	DomainAttestation                       Domain = "ATTESTATION"
	DomainAggregateAndProof                 Domain = "AGGREGATE_AND_PROOF"
	DomainRandaoReveal                      Domain = "RANDAO_REVEAL"
	DomainSyncCommitteeMessage               Domain = "SYNC_COMMITTEE_MESSAGE"
	DomainSyncCommitteeSelectionProof        Domain = "SYNC_COMMITTEE_SELECTION_PROOF"
	DomainSyncCommitteeContributionAndProof Domain = "SYNC_COMMITTEE_CONTRIBUTION_AND_PROOF"
	DomainValidatorRegistration              Domain = "VALIDATOR_REGISTRATION"
	DomainVoluntaryExit                      Domain = "VOLUNTARY_EXIT"
	DomainAggregationSlot                    Domain = "AGGREGATION_SLOT"
)

// Request is the discriminated payload sent to
// /api/v1/eth2/sign/{pubkey}: a domain tag plus the signing root and
// the full context object the signer needs to re-derive and verify it.
type Request struct {
	Type            Domain          `json:"type"`
	SigningRoot     string          `json:"signingRoot,omitempty"`
	ForkInfo        *ForkInfo       `json:"fork_info,omitempty"`
	Context         json.RawMessage `json:"-"`
	ContextFieldKey string          `json:"-"`
}

// ForkInfo carries the fork version and genesis validators root every
// signing request needs so the signer can independently recompute the
// domain-separated signing root.
type ForkInfo struct {
	Fork                  Fork   `json:"fork"`
	GenesisValidatorsRoot string `json:"genesis_validators_root"`
}

// Fork is the previous/current fork version pair plus its activation
// epoch, as the Remote Signing API expects it.
type Fork struct {
	PreviousVersion string `json:"previous_version"`
	CurrentVersion  string `json:"current_version"`
	Epoch           string `json:"epoch"`
}

// Client talks to exactly one remote signer URL, per spec.md §4.D ("One
// signer URL"). It tracks health analogously to a beacon node.
type Client struct {
	baseURL    string
	httpClient *http.Client
	score      *beaconclient.Score

	// forkInfoCache memoizes the ForkInfo object built for a given
	// epoch, the same per-key cost-aware cache the teacher's
	// validator.go keeps as domainDataCache so that a cache-hit skips
	// re-resolving the fork schedule on every signing request within an
	// epoch.
	forkInfoCache *ristretto.Cache
}

// New builds a Client for the given signer base URL.
func New(baseURL string) *Client {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		// NewCache only fails on invalid config constants above, never
		// on runtime conditions, so a nil cache (falling back to
		// recomputing ForkInfo every call) is an acceptable degrade.
		log.WithError(err).Warn("Could not build fork-info cache, falling back to uncached ForkInfo construction")
	}
	return &Client{
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: 5 * time.Second},
		score:         beaconclient.NewScore(),
		forkInfoCache: cache,
	}
}

// NewForkInfo builds the ForkInfo object every signing request must
// carry, per spec.md §4.D. Results are cached per epoch since the fork
// schedule (and so ForkInfo) never changes within an epoch.
func (c *Client) NewForkInfo(epoch phase0.Epoch, previous, current [4]byte, forkEpoch uint64, genesisValidatorsRoot phase0.Root) *ForkInfo {
	if c.forkInfoCache != nil {
		if v, ok := c.forkInfoCache.Get(epoch); ok {
			return v.(*ForkInfo)
		}
	}
	fi := &ForkInfo{
		Fork: Fork{
			PreviousVersion: "0x" + hex.EncodeToString(previous[:]),
			CurrentVersion:  "0x" + hex.EncodeToString(current[:]),
			Epoch:           fmt.Sprintf("%d", forkEpoch),
		},
		GenesisValidatorsRoot: "0x" + hex.EncodeToString(genesisValidatorsRoot[:]),
	}
	if c.forkInfoCache != nil {
		c.forkInfoCache.Set(epoch, fi, 1)
	}
	return fi
}

// TruncPubkey truncates a pubkey for compact log fields, identically to
// the teacher's bytesutil.Trunc usage in validator/client/validator.go.
func TruncPubkey(pubkey phase0.BLSPubKey) string {
	return hex.EncodeToString(bytesutil.Trunc(pubkey[:]))
}

// Score exposes the signer's running health score.
func (c *Client) Score() *beaconclient.Score { return c.score }

// Upcheck calls GET /upcheck, the signer's liveness probe.
func (c *Client) Upcheck(ctx context.Context) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/upcheck", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	rerr := c.record(err, resp, time.Since(start))
	if resp != nil {
		_ = resp.Body.Close()
	}
	return rerr
}

// PublicKeys calls GET /api/v1/eth2/publicKeys, the key-discovery
// endpoint used to seed the validator registry at startup.
func (c *Client) PublicKeys(ctx context.Context) ([]string, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/eth2/publicKeys", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if rerr := c.record(err, resp, time.Since(start)); rerr != nil {
		return nil, rerr
	}
	defer resp.Body.Close()

	var keys []string
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, errors.Wrap(err, "could not decode public keys response")
	}
	return keys, nil
}

// Sign issues a signing request for pubkey. A refusal (HTTP 412, per
// the Remote Signing API) is surfaced as a SignerError{Kind:
// SignerRefused} and must never be retried with the same payload, per
// spec.md §4.D/§7.
func (c *Client) Sign(ctx context.Context, pubkeyHex string, req Request) ([]byte, error) {
	payload, err := c.marshalRequest(req)
	if err != nil {
		return nil, &verrors.SignerError{Kind: verrors.SignerTransport, Err: err}
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/v1/eth2/sign/%s", c.baseURL, pubkeyHex),
		bytes.NewReader(payload))
	if err != nil {
		return nil, &verrors.SignerError{Kind: verrors.SignerTransport, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if resp != nil && resp.StatusCode == http.StatusPreconditionFailed {
		c.score.Record(beaconclient.Outcome5xx)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		log.WithField("pubkey", pubkeyHex).WithField("domain", req.Type).
			Warn("Remote signer refused to sign, treating as a safety stop for this (validator, slot, role)")
		return nil, &verrors.SignerError{Kind: verrors.SignerRefused, Err: fmt.Errorf("signer refused: %s", string(body))}
	}
	if rerr := c.record(err, resp, time.Since(start)); rerr != nil {
		return nil, &verrors.SignerError{Kind: verrors.SignerTransport, Err: rerr}
	}
	defer resp.Body.Close()

	var out struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &verrors.SignerError{Kind: verrors.SignerTransport, Err: errors.Wrap(err, "could not decode signature response")}
	}
	return hex.DecodeString(stripHexPrefix(out.Signature))
}

// SignSlot signs the SELECTION_PROOF (AGGREGATION_SLOT, in the Remote
// Signing API's naming) for slot, used by internal/duties to decide
// aggregator assignment. The request carries no signing root: the
// signer computes it from the aggregation_slot context and ForkInfo it
// is sent, the way it does for every other domain.
func (c *Client) SignSlot(ctx context.Context, pubkey phase0.BLSPubKey, slot phase0.Slot, fork *ForkInfo) ([]byte, error) {
	ctxBytes, err := json.Marshal(struct {
		Slot string `json:"slot"`
	}{Slot: fmt.Sprintf("%d", slot)})
	if err != nil {
		return nil, &verrors.SignerError{Kind: verrors.SignerTransport, Err: err}
	}
	req := Request{
		Type:            DomainAggregationSlot,
		ForkInfo:        fork,
		Context:         ctxBytes,
		ContextFieldKey: "aggregation_slot",
	}
	return c.Sign(ctx, hex.EncodeToString(pubkey[:]), req)
}

// SignSyncCommitteeSelectionProof signs the SYNC_COMMITTEE_SELECTION_PROOF
// for (slot, subcommitteeIndex), used by the sync-contribution executor
// to decide sync-aggregator assignment. Unlike the attester selection
// proof this must be recomputed every slot, since sync-committee
// aggregator status is slot-scoped rather than epoch-scoped.
func (c *Client) SignSyncCommitteeSelectionProof(ctx context.Context, pubkey phase0.BLSPubKey, slot phase0.Slot, subcommitteeIndex uint64, fork *ForkInfo) ([]byte, error) {
	ctxBytes, err := json.Marshal(struct {
		Slot              string `json:"slot"`
		SubcommitteeIndex string `json:"subcommittee_index"`
	}{
		Slot:              fmt.Sprintf("%d", slot),
		SubcommitteeIndex: fmt.Sprintf("%d", subcommitteeIndex),
	})
	if err != nil {
		return nil, &verrors.SignerError{Kind: verrors.SignerTransport, Err: err}
	}
	req := Request{
		Type:            DomainSyncCommitteeSelectionProof,
		ForkInfo:        fork,
		Context:         ctxBytes,
		ContextFieldKey: "sync_aggregator_selection_data",
	}
	return c.Sign(ctx, hex.EncodeToString(pubkey[:]), req)
}

func (c *Client) marshalRequest(req Request) ([]byte, error) {
	base := map[string]interface{}{"type": req.Type}
	if req.SigningRoot != "" {
		base["signingRoot"] = req.SigningRoot
	}
	if req.ForkInfo != nil {
		base["fork_info"] = req.ForkInfo
	}
	if req.ContextFieldKey != "" && len(req.Context) > 0 {
		base[req.ContextFieldKey] = json.RawMessage(req.Context)
	}
	return json.Marshal(base)
}

func (c *Client) record(err error, resp *http.Response, elapsed time.Duration) error {
	if err != nil {
		c.score.Record(beaconclient.OutcomeConnectionRefused)
		return err
	}
	if resp.StatusCode >= 500 {
		c.score.Record(beaconclient.Outcome5xx)
		return fmt.Errorf("remote signer returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		c.score.Record(beaconclient.Outcome5xx)
		return fmt.Errorf("remote signer returned %d", resp.StatusCode)
	}
	if elapsed > 2*time.Second {
		c.score.Record(beaconclient.OutcomeSlowSuccess)
	} else {
		c.score.Record(beaconclient.OutcomeSuccess)
	}
	return nil
}

func stripHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
