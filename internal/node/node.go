// Package node wires every subsystem into a running validator client,
// in the shape of the teacher's validator/node package: a single
// struct holding a svcregistry.Registry, built up by a sequence of
// registerXxxService calls, then Start/Close driven by OS signals.
package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/serenita-org/vero/internal/beaconclient"
	"github.com/serenita-org/vero/internal/doppelganger"
	"github.com/serenita-org/vero/internal/duties"
	"github.com/serenita-org/vero/internal/events"
	"github.com/serenita-org/vero/internal/flags"
	"github.com/serenita-org/vero/internal/keymanagerapi"
	"github.com/serenita-org/vero/internal/metrics"
	"github.com/serenita-org/vero/internal/multibn"
	"github.com/serenita-org/vero/internal/registry"
	"github.com/serenita-org/vero/internal/remotesigner"
	"github.com/serenita-org/vero/internal/scheduler"
	"github.com/serenita-org/vero/internal/spec"
	"github.com/serenita-org/vero/internal/storage"
	"github.com/serenita-org/vero/internal/svcregistry"
	"github.com/serenita-org/vero/internal/version"
)

var log = logrus.WithField("prefix", "node")

// Vero is the assembled validator client process.
type Vero struct {
	ctx      *cli.Context
	services *svcregistry.Registry
	lock     sync.RWMutex
	stop     chan struct{}
	cancel   context.CancelFunc

	latch     *scheduler.SafetyLatch
	store     *storage.Store
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
}

// New assembles every subsystem from CLI flags, registering each as a
// svcregistry.Service, without starting any of them.
func New(cliCtx *cli.Context) (*Vero, error) {
	runCtx, cancel := context.WithCancel(context.Background())

	cfg, err := loadSpecConfig(cliCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	clock := spec.NewClock(cfg)

	store, err := storage.Open(cliCtx.String(flags.DataDirFlag.Name))
	if err != nil {
		cancel()
		return nil, err
	}

	defaults := registry.Defaults{GasLimit: cliCtx.Uint64(flags.GasLimitFlag.Name)}
	copy(defaults.Graffiti[:], cliCtx.String(flags.GraffitiFlag.Name))
	if raw := strings.TrimPrefix(cliCtx.String(flags.FeeRecipientFlag.Name), "0x"); raw != "" {
		if b, err := hex.DecodeString(raw); err == nil && len(b) == 20 {
			copy(defaults.FeeRecipient[:], b)
		}
	}
	reg := registry.New(defaults)

	nodes, err := dialBeaconNodes(runCtx, cliCtx.StringSlice(flags.BeaconNodeURLsFlag.Name))
	if err != nil {
		cancel()
		return nil, err
	}
	proposalNodes := nodes
	if urls := cliCtx.StringSlice(flags.BeaconNodeURLsProposalFlag.Name); len(urls) > 0 {
		proposalNodes, err = dialBeaconNodes(runCtx, urls)
		if err != nil {
			cancel()
			return nil, err
		}
	}

	threshold := cliCtx.Int(flags.AttestationConsensusThresholdFlag.Name)
	if threshold <= 0 {
		threshold = len(nodes)/2 + 1
	}
	coordinator := multibn.New(nodes, proposalNodes, threshold)
	coordinator.ExternalBuilder = cliCtx.Bool(flags.UseExternalBuilderFlag.Name)
	coordinator.BuilderBoostFactor = cliCtx.Uint64(flags.BuilderBoostFactorFlag.Name)

	if root, err := nodes[0].Genesis(runCtx); err != nil {
		log.WithError(err).Warn("Could not fetch genesis validators root, signing requests will carry a zero root until a later refresh")
	} else {
		clock.SetGenesisValidatorsRoot(root)
	}

	dutyCache := duties.New()
	latch := scheduler.NewLatch(cliCtx.Bool(flags.DisableSlashingDetectionFlag.Name))

	v := &Vero{
		ctx:      cliCtx,
		services: svcregistry.New(),
		stop:     make(chan struct{}),
		cancel:   cancel,
		latch:    latch,
		store:    store,
		registry: reg,
	}

	if err := v.registerSpecCheckService(nodes, cfg, cliCtx.Bool(flags.IgnoreSpecMismatchFlag.Name)); err != nil {
		return nil, err
	}

	signer := resolveSigner(cliCtx)
	if err := seedRegistry(runCtx, reg, store, signer); err != nil {
		log.WithError(err).Warn("Could not fully seed validator registry at startup")
	}

	guard := doppelganger.New(coordinator, reg, cliCtx.Bool(flags.EnableDoppelgangerDetectionFlag.Name))
	v.scheduler = scheduler.New(clock, coordinator, reg, dutyCache, latch, buildExecutors(clock, coordinator, reg, dutyCache, signer, latch))

	pipeline := events.New(nodes, reg, onPipelineEvent(v.scheduler, dutyCache, coordinator, clock), func(idx uint64, reason string) {
		log.WithField("validator_index", idx).WithField("reason", reason).Warn("Slashing detected, latching safety flag")
		latch.Set()
	})
	if err := v.registerEventsService(runCtx, pipeline, clock); err != nil {
		return nil, err
	}

	if err := v.registerSchedulerService(runCtx, guard, clock); err != nil {
		return nil, err
	}

	if err := v.registerMetricsService(cliCtx); err != nil {
		return nil, err
	}

	if cliCtx.Bool(flags.EnableKeymanagerAPIFlag.Name) {
		if err := v.registerKeymanagerAPIService(cliCtx, clock, coordinator, signer); err != nil {
			return nil, err
		}
	}

	return v, nil
}

func loadSpecConfig(cliCtx *cli.Context) (*spec.Config, error) {
	if path := cliCtx.String(flags.NetworkCustomConfigPathFlag.Name); path != "" {
		return spec.LoadConfigFile(path)
	}
	switch cliCtx.String(flags.NetworkFlag.Name) {
	case "gnosis":
		return spec.Gnosis(), nil
	default:
		return spec.Mainnet(), nil
	}
}

func dialBeaconNodes(ctx context.Context, urls []string) ([]*beaconclient.Node, error) {
	nodes := make([]*beaconclient.Node, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		n, err := beaconclient.NewNode(ctx, u, u)
		if err != nil {
			return nil, fmt.Errorf("could not dial beacon node %s: %w", u, err)
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no beacon node URLs configured")
	}
	return nodes, nil
}

func resolveSigner(cliCtx *cli.Context) *remotesigner.Client {
	return remotesigner.New(cliCtx.String(flags.RemoteSignerURLFlag.Name))
}

// seedRegistry populates the registry with every pubkey the configured
// remote signer reports, plus any remote key persisted through the
// Keymanager collaborator in a previous run, per spec.md §3's Lifecycle
// ("seeded from the remote signer's key list at startup").
func seedRegistry(ctx context.Context, reg *registry.Registry, store *storage.Store, signer *remotesigner.Client) error {
	var pubkeys []phase0.BLSPubKey

	keys, err := signer.PublicKeys(ctx)
	if err != nil {
		log.WithError(err).Warn("Could not list remote signer public keys")
	}
	for _, k := range keys {
		if pk, derr := decodeBLSPubkeyHex(k); derr == nil {
			pubkeys = append(pubkeys, pk)
		}
	}

	entries, err := store.ListRemoteKeys()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if pk, derr := decodeBLSPubkeyHex(e.PubkeyHex); derr == nil {
			pubkeys = append(pubkeys, pk)
		}
	}

	reg.Seed(pubkeys)
	return nil
}

// onPipelineEvent feeds head events to the scheduler's 1/3-deadline
// gate and, on a chain_reorg crossing an epoch boundary, invalidates
// this epoch's precomputed aggregator selection proofs and the
// coordinator's cached finality-checkpoint confirmation, per spec.md
// §9's conservative reading of that open question and §4.C's
// reorg-invalidation rule.
func onPipelineEvent(sched *scheduler.Scheduler, dutyCache *duties.Cache, coordinator *multibn.Coordinator, clock *spec.Clock) func(events.Event) {
	return func(ev events.Event) {
		switch ev.Kind {
		case events.KindHead:
			sched.OnHeadEvent(ev)
		case events.KindChainReorg:
			if ev.Reorg == nil {
				return
			}
			oldEpoch := clock.EpochOf(uint64(ev.Reorg.Slot) - uint64(ev.Reorg.Depth))
			newEpoch := clock.EpochOf(uint64(ev.Reorg.Slot))
			if newEpoch != oldEpoch {
				dutyCache.InvalidateSelectionProofs(phase0.Epoch(newEpoch))
				coordinator.InvalidateFinalityCheckpoints(phase0.Epoch(newEpoch))
			}
		}
	}
}

func decodeBLSPubkeyHex(s string) (phase0.BLSPubKey, error) {
	var pk phase0.BLSPubKey
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != len(pk) {
		return pk, fmt.Errorf("malformed pubkey %q", s)
	}
	copy(pk[:], b)
	return pk, nil
}

// Start starts every registered service and blocks until a termination
// signal arrives, then performs a deferred shutdown per spec.md §4.H.
func (v *Vero) Start() {
	v.lock.Lock()
	log.WithField("version", version.GetVersion()).Info("Starting vero")
	v.services.StartAll()
	stop := v.stop
	v.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Received interrupt, beginning deferred shutdown")
		go v.Close()
		<-sigc
		log.Warn("Received second interrupt, exiting immediately")
		os.Exit(1)
	}()

	<-stop
}

// Close runs the scheduler's deferred-shutdown wait, then stops every
// registered service in reverse order.
func (v *Vero) Close() {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.scheduler != nil {
		v.scheduler.Shutdown(v.hasUpcomingProposal())
	}
	v.cancel()
	for _, err := range v.services.StopAll() {
		log.WithError(err).Error("Error stopping service")
	}
	_ = v.store.Close()
	log.Info("Vero stopped")
	close(v.stop)
}

func (v *Vero) hasUpcomingProposal() bool {
	// A conservative true: an idle process pays at most the shorter
	// attester/sync budget extra, while a proposer mid-epoch is never
	// cut off mid-duty.
	return true
}

func (v *Vero) registerSpecCheckService(nodes []*beaconclient.Node, cfg *spec.Config, ignoreMismatch bool) error {
	return v.services.Register(&specCheckService{nodes: nodes, cfg: cfg, ignoreMismatch: ignoreMismatch})
}

func (v *Vero) registerEventsService(ctx context.Context, pipeline *events.Pipeline, clock *spec.Clock) error {
	return v.services.Register(&eventsService{ctx: ctx, pipeline: pipeline, slotDuration: time.Duration(clock.SecondsPerSlot()) * time.Second})
}

func (v *Vero) registerSchedulerService(ctx context.Context, guard *doppelganger.Guard, clock *spec.Clock) error {
	return v.services.Register(&schedulerService{ctx: ctx, scheduler: v.scheduler, guard: guard, clock: clock})
}

func (v *Vero) registerMetricsService(cliCtx *cli.Context) error {
	addr := fmt.Sprintf("%s:%d", cliCtx.String(flags.MetricsAddressFlag.Name), cliCtx.Int(flags.MetricsPortFlag.Name))
	srv := metrics.New(addr, func() bool { return !v.latch.IsSet() })
	return v.services.Register(&metricsService{server: srv})
}

func (v *Vero) registerKeymanagerAPIService(cliCtx *cli.Context, clock *spec.Clock, coordinator *multibn.Coordinator, signer *remotesigner.Client) error {
	token, err := v.store.LoadOrCreateKeymanagerToken()
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", cliCtx.String(flags.KeymanagerAPIAddressFlag.Name), cliCtx.Int(flags.KeymanagerAPIPortFlag.Name))
	exits := voluntaryExitIssuer{clock: clock, coordinator: coordinator, registry: v.registry, signer: signer}
	srv := keymanagerapi.New(token, v.registry, v.store, remoteKeyImporter{registry: v.registry}, exits)
	return v.services.Register(&keymanagerAPIService{addr: addr, handler: srv})
}

type remoteKeyImporter struct{ registry *registry.Registry }

func (r remoteKeyImporter) ImportRemoteKey(pubkey phase0.BLSPubKey, signerURL string) error {
	r.registry.Seed([]phase0.BLSPubKey{pubkey})
	return nil
}

func (r remoteKeyImporter) RemoveKey(pubkey phase0.BLSPubKey) error {
	r.registry.Remove(pubkey)
	return nil
}

// voluntaryExitIssuer implements keymanagerapi.VoluntaryExitIssuer: it
// signs and publishes a one-shot VoluntaryExit for a Keymanager-managed
// pubkey, per spec.md §4.D/§6.
type voluntaryExitIssuer struct {
	clock       *spec.Clock
	coordinator *multibn.Coordinator
	registry    *registry.Registry
	signer      *remotesigner.Client
}

func (v voluntaryExitIssuer) IssueVoluntaryExit(ctx context.Context, pubkey phase0.BLSPubKey, epoch phase0.Epoch) (*phase0.SignedVoluntaryExit, error) {
	val, ok := v.registry.Get(pubkey)
	if !ok || val.Index == nil {
		return nil, fmt.Errorf("pubkey %x is not a known, indexed validator", pubkey)
	}

	if epoch == 0 {
		epoch = phase0.Epoch(v.clock.EpochOf(v.clock.CurrentSlot()))
	}
	msg := &phase0.VoluntaryExit{Epoch: epoch, ValidatorIndex: *val.Index}
	ctxBytes, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	fork := forkInfoAt(v.clock, v.signer, phase0.Slot(v.clock.StartSlotOfEpoch(uint64(epoch))))
	req := remotesigner.Request{
		Type:            remotesigner.DomainVoluntaryExit,
		ForkInfo:        fork,
		Context:         ctxBytes,
		ContextFieldKey: "voluntary_exit",
	}
	sig, err := v.signer.Sign(ctx, pubkeyHexOf(pubkey), req)
	if err != nil {
		return nil, err
	}
	var signature phase0.BLSSignature
	copy(signature[:], sig)
	signed := &phase0.SignedVoluntaryExit{Message: msg, Signature: signature}

	if err := v.coordinator.SubmitVoluntaryExit(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}
