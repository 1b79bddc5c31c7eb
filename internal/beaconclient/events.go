package beaconclient

import (
	"context"

	eth2client "github.com/attestantio/go-eth2-client"
	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/pkg/errors"
)

// EventTopics are the SSE topics spec.md §6 lists as required.
var EventTopics = []string{"head", "chain_reorg", "attester_slashing", "proposer_slashing", "block_gossip"}

// Subscribe opens a persistent SSE subscription against this node and
// invokes handle for every event received, until ctx is canceled.
// Reconnection with exponential backoff capped at one slot is the
// caller's responsibility (internal/events owns the merged-stream
// reconnect loop so that every node's backoff is visible in one place).
func (n *Node) Subscribe(ctx context.Context, handle func(*apiv1.Event)) error {
	provider, ok := n.client.(eth2client.EventsProvider)
	if !ok {
		return errors.Errorf("beacon node %s does not implement EventsProvider", n.Name)
	}
	return provider.Events(ctx, EventTopics, handle)
}
