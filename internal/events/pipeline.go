// Package events implements spec.md §4.G, EventPipeline: one persistent
// SSE subscription per beacon node, merged into a single deduplicated
// stream, plus the slashing detector that latches the process-wide
// safety flag. Grounded on the teacher's event.Feed/Subscription idiom
// (shared/event) for the merged-stream fan-in shape, generalized from
// an in-process feed to a cross-node SSE merge.
package events

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"

	"github.com/serenita-org/vero/internal/beaconclient"
	"github.com/serenita-org/vero/internal/registry"
)

var log = logrus.WithField("prefix", "events")

// Kind distinguishes the merged event types the scheduler dispatches
// on, per spec.md §4.B/§4.G.
type Kind int

const (
	KindHead Kind = iota
	KindChainReorg
	KindAttesterSlashing
	KindProposerSlashing
	KindBlockGossip
)

// Event is the pipeline's merged, deduplicated event.
type Event struct {
	Kind  Kind
	Head  *apiv1.HeadEvent
	Reorg *apiv1.ChainReorgEvent
	AttesterSlashing *apiv1.AttesterSlashingEvent
	ProposerSlashing *apiv1.ProposerSlashingEvent
}

func dedupKey(ev *apiv1.Event) (Kind, string, bool) {
	switch ev.Topic {
	case "head":
		if h, ok := ev.Data.(*apiv1.HeadEvent); ok {
			return KindHead, headKey(h), true
		}
	case "chain_reorg":
		if r, ok := ev.Data.(*apiv1.ChainReorgEvent); ok {
			return KindChainReorg, reorgKey(r), true
		}
	case "attester_slashing":
		if s, ok := ev.Data.(*apiv1.AttesterSlashingEvent); ok {
			return KindAttesterSlashing, slashingKey(s), true
		}
	case "proposer_slashing":
		if s, ok := ev.Data.(*apiv1.ProposerSlashingEvent); ok {
			return KindProposerSlashing, slashingKey(s), true
		}
	case "block_gossip":
		return KindBlockGossip, "", true
	}
	return 0, "", false
}

func headKey(h *apiv1.HeadEvent) string {
	return keyOf(uint64(h.Slot), h.Block[:])
}

func reorgKey(r *apiv1.ChainReorgEvent) string {
	return keyOf(uint64(r.Slot), r.NewHeadBlock[:])
}

// slashingKey stands in for the slashing object's SSZ hash-tree-root:
// the JSON encoding of the slashing identifies it just as well for
// per-process de-duplication, so the same slashing delivered by several
// nodes yields the same key. If the object cannot be encoded, a
// timestamp is used and that delivery is not de-duplicated.
func slashingKey(s interface{}) string {
	if b, err := json.Marshal(s); err == nil {
		return keyOf(0, b)
	}
	return keyOf(0, []byte(time.Now().Format(time.RFC3339Nano)))
}

func keyOf(n uint64, b []byte) string {
	buf := make([]byte, 8+len(b))
	for i := 0; i < 8; i++ {
		buf[i] = byte(n >> (8 * i))
	}
	copy(buf[8:], b)
	return string(buf)
}

// SlashingDetectedFunc is called each time a managed validator is
// observed in a slashing event or with a polled *_slashed status, so
// the status poll repeats the call on every tick while the status stays
// slashed; the caller latches its safety flag on the first call.
type SlashingDetectedFunc func(validatorIndex uint64, reason string)

// Pipeline merges the event streams of every configured beacon node
// and runs the polling-based slashing detector alongside it, per
// spec.md §4.G.
type Pipeline struct {
	nodes    []*beaconclient.Node
	registry *registry.Registry
	onEvent  func(Event)
	onSlash  SlashingDetectedFunc

	mu   sync.Mutex
	seen map[Kind]map[string]struct{}
}

// New builds a Pipeline. onEvent is called once per deduplicated event;
// onSlash is called for every detection of a slashed managed key.
func New(nodes []*beaconclient.Node, reg *registry.Registry, onEvent func(Event), onSlash SlashingDetectedFunc) *Pipeline {
	return &Pipeline{
		nodes:    nodes,
		registry: reg,
		onEvent:  onEvent,
		onSlash:  onSlash,
		seen:     make(map[Kind]map[string]struct{}),
	}
}

// Run subscribes to every node's SSE stream, reconnecting each with
// exponential backoff capped at one slot, and runs the 4-slot slashing
// status poll, until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context, secondsPerSlot time.Duration) {
	var wg sync.WaitGroup
	for _, n := range p.nodes {
		wg.Add(1)
		go func(n *beaconclient.Node) {
			defer wg.Done()
			p.runNode(ctx, n, secondsPerSlot)
		}(n)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.pollSlashedStatuses(ctx, 4*secondsPerSlot)
	}()

	wg.Wait()
}

func (p *Pipeline) runNode(ctx context.Context, n *beaconclient.Node, slotDuration time.Duration) {
	backoff := 100 * time.Millisecond
	maxBackoff := slotDuration
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := n.Subscribe(ctx, func(ev *apiv1.Event) {
			p.handle(ev)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.WithError(err).WithField("node", n.Name).Warn("Event subscription dropped, reconnecting")
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(minDuration(backoff+jitter, maxBackoff)):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (p *Pipeline) handle(raw *apiv1.Event) {
	kind, key, ok := dedupKey(raw)
	if !ok {
		return
	}

	p.mu.Lock()
	if p.seen[kind] == nil {
		p.seen[kind] = make(map[string]struct{})
	}
	if _, dup := p.seen[kind][key]; dup {
		p.mu.Unlock()
		return
	}
	p.seen[kind][key] = struct{}{}
	p.mu.Unlock()

	ev := Event{Kind: kind}
	switch kind {
	case KindHead:
		ev.Head = raw.Data.(*apiv1.HeadEvent)
	case KindChainReorg:
		ev.Reorg = raw.Data.(*apiv1.ChainReorgEvent)
	case KindAttesterSlashing:
		s := raw.Data.(*apiv1.AttesterSlashingEvent)
		ev.AttesterSlashing = s
		p.checkAttesterSlashing(s)
	case KindProposerSlashing:
		s := raw.Data.(*apiv1.ProposerSlashingEvent)
		ev.ProposerSlashing = s
		p.checkProposerSlashing(s)
	}
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}

func (p *Pipeline) checkAttesterSlashing(s *apiv1.AttesterSlashingEvent) {
	offenders := intersectIndices(s.Attestation1.AttestingIndices, s.Attestation2.AttestingIndices)
	p.reportOffenders(offenders, "attester_slashing")
}

func (p *Pipeline) checkProposerSlashing(s *apiv1.ProposerSlashingEvent) {
	idx := uint64(s.SignedHeader1.Message.ProposerIndex)
	p.reportOffenders([]uint64{idx}, "proposer_slashing")
}

func (p *Pipeline) reportOffenders(offenders []uint64, reason string) {
	for _, idx := range offenders {
		if _, managed := p.registry.HasIndex(phase0.ValidatorIndex(idx)); managed {
			if p.onSlash != nil {
				p.onSlash(idx, reason)
			}
		}
	}
}

// pollSlashedStatuses fetches validator statuses every interval and
// raises the slashing latch for any managed validator whose status has
// become *_slashed, the belt-and-suspenders path alongside the SSE
// slashing events, per spec.md §4.G.
func (p *Pipeline) pollSlashedStatuses(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, n := range p.nodes {
				if !n.Healthy() {
					continue
				}
				if err := p.registry.RefreshFromChain(ctx, n); err != nil {
					log.WithError(err).WithField("node", n.Name).Warn("Could not fetch validator statuses for slashing poll")
					continue
				}
				break
			}
			for _, v := range p.registry.Snapshot() {
				if v.Status.Slashed() && v.Index != nil {
					if p.onSlash != nil {
						p.onSlash(uint64(*v.Index), "status_poll")
					}
				}
			}
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func intersectIndices(a, b []uint64) []uint64 {
	set := make(map[uint64]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	var out []uint64
	for _, v := range b {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
