package beaconclient

import (
	"context"
	"fmt"
	"time"

	eth2client "github.com/attestantio/go-eth2-client"
	"github.com/attestantio/go-eth2-client/api"
	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/pkg/errors"

	"github.com/serenita-org/vero/internal/spec"
	"github.com/serenita-org/vero/internal/verrors"
)

// CheckSpec fetches this node's reported network constants via
// /eth/v1/config/spec and compares the fields Vero's Clock depends on
// against local, per spec.md §4.B/§7's SpecMismatch. ignoreMismatch
// downgrades a mismatch to a logged warning instead of an error,
// honoring --ignore-spec-mismatch.
func (n *Node) CheckSpec(ctx context.Context, local *spec.Config, ignoreMismatch bool) error {
	provider, ok := n.client.(eth2client.SpecProvider)
	if !ok {
		return fmt.Errorf("beacon node %s does not implement SpecProvider", n.Name)
	}
	start := time.Now()
	resp, err := provider.Spec(ctx)
	if rerr := n.record(err, time.Since(start)); rerr != nil {
		return rerr
	}
	n.specFingerprint = resp.Data

	checks := []struct {
		field string
		want  interface{}
		got   interface{}
	}{
		{"SECONDS_PER_SLOT", local.SecondsPerSlot, asUint64(resp.Data["SECONDS_PER_SLOT"])},
		{"SLOTS_PER_EPOCH", local.SlotsPerEpoch, asUint64(resp.Data["SLOTS_PER_EPOCH"])},
	}
	for _, c := range checks {
		if c.want != c.got {
			mismatch := &verrors.SpecMismatch{Node: n.Name, Field: c.field, Want: c.want, Got: c.got}
			if ignoreMismatch {
				log.WithError(mismatch).Warn("Ignoring beacon node spec mismatch due to --ignore-spec-mismatch")
				continue
			}
			return mismatch
		}
	}
	return nil
}

// asUint64 best-effort coerces the loosely typed /eth/v1/config/spec
// map values (which arrive as strings or numbers depending on server)
// into a uint64 for comparison.
func asUint64(v interface{}) uint64 {
	switch t := v.(type) {
	case uint64:
		return t
	case int:
		return uint64(t)
	case float64:
		return uint64(t)
	case string:
		var out uint64
		_, _ = fmt.Sscanf(t, "%d", &out)
		return out
	default:
		return 0
	}
}

// Genesis fetches this node's genesis validators root, used to build
// ForkInfo for every remote-signer request per spec.md §4.D.
func (n *Node) Genesis(ctx context.Context) (phase0.Root, error) {
	provider, ok := n.client.(eth2client.GenesisProvider)
	if !ok {
		return phase0.Root{}, fmt.Errorf("beacon node %s does not implement GenesisProvider", n.Name)
	}
	start := time.Now()
	resp, err := provider.Genesis(ctx)
	if rerr := n.record(err, time.Since(start)); rerr != nil {
		return phase0.Root{}, rerr
	}
	return resp.Data.GenesisValidatorsRoot, nil
}

// FinalityCheckpoints fetches this node's view of the head state's
// justified/finalized checkpoints, the input to the coordinator's
// per-epoch finality-checkpoint-confirmation cache (spec.md §4.C).
func (n *Node) FinalityCheckpoints(ctx context.Context) (*apiv1.Finality, error) {
	provider, ok := n.client.(eth2client.FinalityProvider)
	if !ok {
		return nil, fmt.Errorf("beacon node %s does not implement FinalityProvider", n.Name)
	}
	start := time.Now()
	resp, err := provider.Finality(ctx, &api.FinalityOpts{State: "head"})
	if rerr := n.record(err, time.Since(start)); rerr != nil {
		return nil, rerr
	}
	return resp.Data, nil
}

// Ping performs a lightweight upcheck used by the coordinator to decide
// whether a node has recovered enough to leave the degraded state.
func (n *Node) Ping(ctx context.Context) error {
	provider, ok := n.client.(eth2client.NodeVersionProvider)
	if !ok {
		return errors.Errorf("beacon node %s does not implement NodeVersionProvider", n.Name)
	}
	start := time.Now()
	_, err := provider.NodeVersion(ctx)
	return n.record(err, time.Since(start))
}
