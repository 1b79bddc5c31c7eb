// Package main defines vero, a multi-node Ethereum/Gnosis-Chain validator
// client: it connects to one or more beacon nodes and a remote signer,
// watches for assignments, and submits attestations, aggregates, sync
// committee messages and blocks as needed.
package main

import (
	"fmt"
	"os"
	runtimeDebug "runtime/debug"

	joonix "github.com/joonix/log"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/serenita-org/vero/internal/flags"
	"github.com/serenita-org/vero/internal/node"
	"github.com/serenita-org/vero/internal/version"
)

var log = logrus.WithField("prefix", "main")

func startNode(cliCtx *cli.Context) error {
	v, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	v.Start()
	return nil
}

func main() {
	app := cli.App{}
	app.Name = "vero"
	app.Usage = "runs a multi-node Ethereum/Gnosis-Chain validator client"
	app.Version = version.GetVersion()
	app.Action = startNode
	app.Flags = flags.All

	app.Before = func(ctx *cli.Context) error {
		level, err := logrus.ParseLevel(ctx.String(flags.LogLevelFlag.Name))
		if err != nil {
			return fmt.Errorf("invalid --%s: %w", flags.LogLevelFlag.Name, err)
		}
		logrus.SetLevel(level)

		switch format := ctx.String(flags.LogFormatFlag.Name); format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			logrus.SetFormatter(formatter)
		case "fluentd":
			f := joonix.NewFormatter()
			if err := joonix.DisableTimestampFormat(f); err != nil {
				return err
			}
			logrus.SetFormatter(f)
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown --%s %q", flags.LogFormatFlag.Name, format)
		}

		if ctx.String(flags.RemoteSignerURLFlag.Name) != "" && ctx.Bool(flags.EnableKeymanagerAPIFlag.Name) {
			return fmt.Errorf("--%s and --%s are mutually exclusive", flags.RemoteSignerURLFlag.Name, flags.EnableKeymanagerAPIFlag.Name)
		}
		return nil
	}

	defer func() {
		if x := recover(); x != nil {
			log.Errorf("Runtime panic: %v\n%v", x, string(runtimeDebug.Stack()))
			panic(x)
		}
	}()

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
