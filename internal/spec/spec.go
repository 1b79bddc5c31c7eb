// Package spec holds the immutable per-network constants described in
// spec.md §4.A and the genesis-anchored slot/epoch arithmetic derived
// from them. Its shape follows the teacher's beacon-chain/params
// package (a flat struct of network constants) and its YAML loading
// follows shared/params/network_config.go and the testnet config files,
// which load fork-schedule data from YAML via gopkg.in/yaml.v2.
package spec

import (
	"fmt"
	"io/ioutil"
	"sort"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"gopkg.in/yaml.v2"
)

// ForkVersion is a 4-byte little-endian fork version as defined by the
// consensus spec.
type ForkVersion [4]byte

// ForkSchedule maps an activation epoch to the fork version effective
// from that epoch onward.
type ForkSchedule map[uint64]ForkVersion

// Config is the set of network constants needed to compute slot/epoch
// timing and fork versions. It is loaded from the named network's
// built-in defaults or from --network-custom-config-path.
type Config struct {
	ConfigName      string        `yaml:"CONFIG_NAME"`
	GenesisTime     uint64        `yaml:"GENESIS_TIME"`
	SecondsPerSlot  uint64        `yaml:"SECONDS_PER_SLOT"`
	SlotsPerEpoch   uint64        `yaml:"SLOTS_PER_EPOCH"`
	EpochsPerSyncCommitteePeriod uint64 `yaml:"EPOCHS_PER_SYNC_COMMITTEE_PERIOD"`
	Forks           ForkSchedule  `yaml:"-"`

	// GenesisValidatorsRoot is fetched from a beacon node at startup
	// (there is no sane built-in default), not loaded from YAML.
	GenesisValidatorsRoot phase0.Root `yaml:"-"`
}

// IntervalsPerSlot is fixed by the consensus spec: attestation at 1/3,
// aggregation at 2/3.
const IntervalsPerSlot = 3

// LoadConfigFile reads a YAML network-config file, in the same shape
// the teacher's params.LoadChainConfigFile consumes.
func LoadConfigFile(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read network config file %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("could not parse network config file %s: %w", path, err)
	}
	return cfg, nil
}

// Mainnet returns the built-in mainnet network constants.
func Mainnet() *Config {
	return &Config{
		ConfigName:                   "mainnet",
		SecondsPerSlot:               12,
		SlotsPerEpoch:                32,
		EpochsPerSyncCommitteePeriod: 256,
	}
}

// Gnosis returns the built-in Gnosis Chain network constants.
func Gnosis() *Config {
	return &Config{
		ConfigName:                   "gnosis",
		SecondsPerSlot:               5,
		SlotsPerEpoch:                16,
		EpochsPerSyncCommitteePeriod: 512,
	}
}

// Clock performs genesis-anchored slot/epoch arithmetic against a
// monotonic-corrected wall clock, per spec.md §4.A. now defaults to
// time.Now but is overridable for deterministic tests.
type Clock struct {
	cfg  *Config
	now  func() time.Time
}

// NewClock builds a Clock anchored to cfg.GenesisTime.
func NewClock(cfg *Config) *Clock {
	return &Clock{cfg: cfg, now: time.Now}
}

// SetNowFunc overrides the wall-clock source; used by tests only.
func (c *Clock) SetNowFunc(now func() time.Time) { c.now = now }

func (c *Clock) genesis() time.Time {
	return time.Unix(int64(c.cfg.GenesisTime), 0)
}

// SlotAt returns the slot active at wallTime. Returns 0 for any time at
// or before genesis.
func (c *Clock) SlotAt(wallTime time.Time) uint64 {
	if !wallTime.After(c.genesis()) {
		return 0
	}
	elapsed := wallTime.Sub(c.genesis())
	return uint64(elapsed.Seconds()) / c.cfg.SecondsPerSlot
}

// CurrentSlot is SlotAt(now).
func (c *Clock) CurrentSlot() uint64 {
	return c.SlotAt(c.now())
}

// EpochOf returns the epoch containing slot.
func (c *Clock) EpochOf(slot uint64) uint64 {
	return slot / c.cfg.SlotsPerEpoch
}

// StartSlotOfEpoch returns the first slot of epoch.
func (c *Clock) StartSlotOfEpoch(epoch uint64) uint64 {
	return epoch * c.cfg.SlotsPerEpoch
}

// StartTime returns the wall-clock time at which slot begins.
func (c *Clock) StartTime(slot uint64) time.Time {
	secs := slot * c.cfg.SecondsPerSlot
	return c.genesis().Add(time.Duration(secs) * time.Second)
}

// AttestationDeadline is start_time(slot) + 1/3 * seconds_per_slot.
func (c *Clock) AttestationDeadline(slot uint64) time.Time {
	return c.offset(slot, 1, IntervalsPerSlot)
}

// NoHeadAttestationDeadline is start_time(slot) + 4/12 * seconds_per_slot,
// the publication deadline for the "no head event observed" attestation
// path described in spec.md §4.C.
func (c *Clock) NoHeadAttestationDeadline(slot uint64) time.Time {
	return c.offset(slot, 4, 12)
}

// AggregationDeadline is start_time(slot) + 2/3 * seconds_per_slot.
func (c *Clock) AggregationDeadline(slot uint64) time.Time {
	return c.offset(slot, 2, IntervalsPerSlot)
}

// LateHeadWarningDeadline is start_time(slot) + 4/12 * seconds_per_slot,
// per spec.md §4.H's late-head warning.
func (c *Clock) LateHeadWarningDeadline(slot uint64) time.Time {
	return c.offset(slot, 4, 12)
}

func (c *Clock) offset(slot uint64, num, den uint64) time.Time {
	fraction := time.Duration(c.cfg.SecondsPerSlot) * time.Second * time.Duration(num) / time.Duration(den)
	return c.StartTime(slot).Add(fraction)
}

// SyncCommitteePeriodOf returns the sync-committee period containing
// epoch.
func (c *Clock) SyncCommitteePeriodOf(epoch uint64) uint64 {
	return epoch / c.cfg.EpochsPerSyncCommitteePeriod
}

// ForkVersionAt returns the fork version active at epoch, the latest
// scheduled fork whose activation epoch is <= epoch.
func (c *Clock) ForkVersionAt(epoch uint64) (ForkVersion, bool) {
	var (
		best    ForkVersion
		bestAt  uint64
		found   bool
	)
	for activation, version := range c.cfg.Forks {
		if activation <= epoch && (!found || activation > bestAt) {
			best, bestAt, found = version, activation, true
		}
	}
	return best, found
}

// ForkScheduleAt returns the fork version active at epoch, the fork
// version active immediately before it, and the current fork's
// activation epoch — the triple the Remote Signing API's ForkInfo
// needs so the signer can independently recompute a domain-separated
// signing root for any signing request.
func (c *Clock) ForkScheduleAt(epoch uint64) (previous, current ForkVersion, forkEpoch uint64) {
	type entry struct {
		epoch   uint64
		version ForkVersion
	}
	entries := make([]entry, 0, len(c.cfg.Forks))
	for e, v := range c.cfg.Forks {
		entries = append(entries, entry{e, v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].epoch < entries[j].epoch })

	for i, e := range entries {
		if e.epoch > epoch {
			break
		}
		current = e.version
		forkEpoch = e.epoch
		if i > 0 {
			previous = entries[i-1].version
		} else {
			previous = e.version
		}
	}
	return previous, current, forkEpoch
}

// GenesisValidatorsRoot exposes the genesis validators root fetched
// from a beacon node at startup, used to build ForkInfo for every
// signing request per spec.md §4.D.
func (c *Clock) GenesisValidatorsRoot() phase0.Root { return c.cfg.GenesisValidatorsRoot }

// SetGenesisValidatorsRoot installs the genesis validators root.
func (c *Clock) SetGenesisValidatorsRoot(root phase0.Root) { c.cfg.GenesisValidatorsRoot = root }

// SecondsPerSlot exposes the configured slot duration.
func (c *Clock) SecondsPerSlot() uint64 { return c.cfg.SecondsPerSlot }

// SlotsPerEpoch exposes the configured epoch length.
func (c *Clock) SlotsPerEpoch() uint64 { return c.cfg.SlotsPerEpoch }
