// Package flags contains vero's CLI configuration flags, in the
// teacher's validator/flags package idiom: one *cli.XxxFlag var per
// setting, grouped and commented by external interface.
package flags

import (
	"time"

	"github.com/urfave/cli/v2"
)

var (
	NetworkFlag = &cli.StringFlag{
		Name:  "network",
		Usage: "Target network: mainnet, gnosis, or a custom network name declared via --network-custom-config-path",
		Value: "mainnet",
	}
	NetworkCustomConfigPathFlag = &cli.StringFlag{
		Name:  "network-custom-config-path",
		Usage: "Path to a YAML file with custom network constants, used instead of a built-in --network",
	}
	RemoteSignerURLFlag = &cli.StringFlag{
		Name:  "remote-signer-url",
		Usage: "URL of the remote signer implementing the Ethereum Remote Signing API. Mutually exclusive with --enable-keymanager-api",
	}
	BeaconNodeURLsFlag = &cli.StringSliceFlag{
		Name:  "beacon-node-urls",
		Usage: "Beacon node REST API base URLs, one per --beacon-node-urls or comma-separated",
	}
	BeaconNodeURLsProposalFlag = &cli.StringSliceFlag{
		Name:  "beacon-node-urls-proposal",
		Usage: "Beacon node URLs used for block proposal fan-out; defaults to --beacon-node-urls",
	}
	AttestationConsensusThresholdFlag = &cli.IntFlag{
		Name:  "attestation-consensus-threshold",
		Usage: "Minimum number of agreeing beacon nodes before an AttestationData is accepted; default floor(N/2)+1",
	}
	FeeRecipientFlag = &cli.StringFlag{
		Name:  "fee-recipient",
		Usage: "Default execution-layer fee recipient address for managed validators without an override",
	}
	DataDirFlag = &cli.StringFlag{
		Name:  "data-dir",
		Usage: "Directory for persisted state: keymanager-api-token.txt and the remote-key registry",
		Value: "./vero-data",
	}
	GraffitiFlag = &cli.StringFlag{
		Name:  "graffiti",
		Usage: "Default graffiti string included in proposed blocks",
	}
	GasLimitFlag = &cli.Uint64Flag{
		Name:  "gas-limit",
		Usage: "Default execution-layer gas limit target communicated at validator registration",
		Value: 30_000_000,
	}
	UseExternalBuilderFlag = &cli.BoolFlag{
		Name:  "use-external-builder",
		Usage: "Enable MEV-Boost builder block proposals",
	}
	BuilderBoostFactorFlag = &cli.Uint64Flag{
		Name:  "builder-boost-factor",
		Usage: "Percent multiplier applied to a builder block's declared value before comparing it to local blocks",
		Value: 100,
	}
	EnableDoppelgangerDetectionFlag = &cli.BoolFlag{
		Name:  "enable-doppelganger-detection",
		Usage: "Observe validator liveness for three epochs at startup before releasing duty executors",
	}
	EnableKeymanagerAPIFlag = &cli.BoolFlag{
		Name:  "enable-keymanager-api",
		Usage: "Enable the Keymanager collaborator HTTP surface. Mutually exclusive with --remote-signer-url",
	}
	KeymanagerAPITokenFilePathFlag = &cli.StringFlag{
		Name:  "keymanager-api-token-file-path",
		Usage: "Path to the Keymanager API bearer token file; generated under --data-dir if unset",
	}
	KeymanagerAPIAddressFlag = &cli.StringFlag{
		Name:  "keymanager-api-address",
		Usage: "Address the Keymanager API server binds to",
		Value: "127.0.0.1",
	}
	KeymanagerAPIPortFlag = &cli.IntFlag{
		Name:  "keymanager-api-port",
		Usage: "Port the Keymanager API server binds to",
		Value: 7500,
	}
	MetricsAddressFlag = &cli.StringFlag{
		Name:  "metrics-address",
		Usage: "Address the Prometheus metrics server binds to",
		Value: "127.0.0.1",
	}
	MetricsPortFlag = &cli.IntFlag{
		Name:  "metrics-port",
		Usage: "Port the Prometheus metrics server binds to",
		Value: 8000,
	}
	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Logging verbosity: trace, debug, info, warn, error, fatal, panic",
		Value: "info",
	}
	LogFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Logging output format: text, fluentd, json",
		Value: "text",
	}
	IgnoreSpecMismatchFlag = &cli.BoolFlag{
		Name:  "ignore-spec-mismatch",
		Usage: "Keep using a beacon node whose network constants mismatch, logging a warning, instead of disabling it",
	}
	DisableSlashingDetectionFlag = &cli.BoolFlag{
		Name:  "----DANGER----disable-slashing-detection",
		Usage: "Disables the slashing-detection safety latch entirely. Do not use outside of local testing",
	}
	HTTPTimeoutFlag = &cli.DurationFlag{
		Name:  "http-timeout",
		Usage: "Accepted but not applied: beacon node calls use a fixed 30s client timeout and remote signer calls a fixed 5s timeout",
		Value: 5 * time.Second,
	}
)

// All is the full flag set registered on the root CLI command.
var All = []cli.Flag{
	NetworkFlag,
	NetworkCustomConfigPathFlag,
	RemoteSignerURLFlag,
	BeaconNodeURLsFlag,
	BeaconNodeURLsProposalFlag,
	AttestationConsensusThresholdFlag,
	FeeRecipientFlag,
	DataDirFlag,
	GraffitiFlag,
	GasLimitFlag,
	UseExternalBuilderFlag,
	BuilderBoostFactorFlag,
	EnableDoppelgangerDetectionFlag,
	EnableKeymanagerAPIFlag,
	KeymanagerAPITokenFilePathFlag,
	KeymanagerAPIAddressFlag,
	KeymanagerAPIPortFlag,
	MetricsAddressFlag,
	MetricsPortFlag,
	LogLevelFlag,
	LogFormatFlag,
	IgnoreSpecMismatchFlag,
	DisableSlashingDetectionFlag,
	HTTPTimeoutFlag,
}
