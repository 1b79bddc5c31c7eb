package multibn

import (
	"context"
	"fmt"
	"sync"
)

// ProposalRequest carries what every proposer-allowed node needs to
// build a candidate block, per spec.md §4.C's "Block proposal" fan-out.
type ProposalRequest struct {
	Slot         uint64
	RandaoReveal []byte
	Graffiti     [32]byte
	FeeRecipient [20]byte
}

// BlockProducer is implemented by beaconclient.Node; narrowed here so
// the selection logic in this package can be tested against fakes.
type BlockProducer interface {
	Name() string
	ProduceBlock(ctx context.Context, req ProposalRequest) (block interface{}, valueWei uint64, isBuilderBlock bool, err error)
}

// BestBlock asks every proposer-allowed node to produce a block and
// returns the one with the highest effective value, applying
// BuilderBoostFactor to builder-sourced candidates, per spec.md §4.C
// and the proposal invariant in §8.
func (c *Coordinator) BestBlock(ctx context.Context, producers []BlockProducer, req ProposalRequest) (interface{}, string, error) {
	if len(producers) == 0 {
		return nil, "", fmt.Errorf("no proposer-allowed beacon nodes available")
	}

	var (
		mu         sync.Mutex
		candidates []blockCandidate
		wg         sync.WaitGroup
	)
	arrival := 0
	for _, p := range producers {
		wg.Add(1)
		go func(p BlockProducer) {
			defer wg.Done()
			block, value, isBuilder, err := p.ProduceBlock(ctx, req)
			if err != nil {
				log.WithError(err).WithField("node", p.Name()).Warn("Beacon node failed to produce block")
				return
			}
			mu.Lock()
			candidates = append(candidates, blockCandidate{
				node: p.Name(), valueWei: value, isBuilderBlock: isBuilder && c.ExternalBuilder,
				arrival: arrival, block: block,
			})
			arrival++
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("no beacon node returned a block proposal")
	}
	best := bestBlock(candidates, c.BuilderBoostFactor)
	return best.block, best.node, nil
}
