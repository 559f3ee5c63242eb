// Package cli configures the wasmloomd CLI app: a thin wrapper around the
// core facade, not part of the core itself (§6 "CLI surface (thin
// wrapper, not part of the core but relevant)").
//
// Grounded on the teacher's cli package (cli/app.go), generalized down
// from its command-tree-of-subcommands shape (terragrunt has dozens of
// Terraform-passthrough subcommands) to the one subcommand wasmloomd
// needs, but keeping the same urfave/cli/v2 App construction and
// before-action validation pattern.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	wasmconfig "github.com/gruntwork-io/wasmloom/config"
	"github.com/gruntwork-io/wasmloom/internal/core"
	"github.com/gruntwork-io/wasmloom/internal/obs"
	"github.com/gruntwork-io/wasmloom/pkg/log"
)

const AppName = "wasmloomd"

// ExitCode is the CLI's process exit status (§6: "exit code 0 on normal
// shutdown, 2 on configuration error, 3 on fatal startup failure").
type ExitCode int

const (
	ExitOK             ExitCode = 0
	ExitConfigError    ExitCode = 2
	ExitStartupFailure ExitCode = 3
)

// NewApp builds the wasmloomd urfave/cli/v2 application.
func NewApp() *cli.App {
	app := cli.NewApp()
	app.Name = AppName
	app.Usage = "runs the wasmloom Component Execution Core"
	app.Version = "0.1.0"

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     "config",
			Aliases:  []string{"c"},
			Usage:    "path to the process configuration YAML file",
			Required: true,
		},
		&cli.BoolFlag{
			Name:  "otel",
			Usage: "enable ambient OpenTelemetry tracing to stdout",
		},
	}

	app.Commands = []*cli.Command{
		serveCommand(),
	}

	return app
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "scan component roots and serve the execution core until stopped",
		Action: func(cctx *cli.Context) error {
			return runServe(cctx)
		},
	}
}

func runServe(cctx *cli.Context) error {
	logger := log.Default()

	cfg, err := wasmconfig.Load(cctx.String("config"))
	if err != nil {
		logger.Errorf("configuration error: %v", err)
		return cli.Exit(err.Error(), int(ExitConfigError))
	}

	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	shutdownObs, err := obs.Init(ctx, obs.Options{Enabled: cctx.Bool("otel"), AppName: AppName, AppVersion: cctx.App.Version})
	if err != nil {
		logger.Warnf("observability disabled: %v", err)
	} else {
		defer func() { _ = shutdownObs(ctx) }()
	}

	c, err := core.New(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("fatal startup failure: %v", err)
		return cli.Exit(err.Error(), int(ExitStartupFailure))
	}
	defer c.Shutdown(ctx)

	logger.Infof("wasmloomd: serving %d component(s)", len(c.ListComponents()))

	<-ctx.Done()
	logger.Infof("wasmloomd: shutting down")
	return nil
}

// Run executes the CLI app and returns the process exit code (used by
// cmd/wasmloomd/main.go so os.Exit happens exactly once, after deferred
// cleanup has run).
func Run(args []string) ExitCode {
	app := NewApp()
	if err := app.Run(args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			fmt.Fprintln(os.Stderr, exitErr.Error())
			return ExitCode(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err.Error())
		return ExitStartupFailure
	}
	return ExitOK
}
