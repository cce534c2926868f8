package main

import (
	"context"
	"fmt"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/signals"

	"github.com/dreamer-dead/dist-clang/internal/config"
	"github.com/dreamer-dead/dist-clang/internal/errs"
)

// execCb executes a subcommand once flags are parsed and validated.
type execCb func(ctx context.Context) error

// commandBase is the flag/validation/run scaffolding shared by every
// subcommand, generalized from gaedeploy's commandBase: logging flags
// plus the recognized SPEC_FULL.md §6.4 options, validated once before
// exec runs.
type commandBase struct {
	subcommands.CommandRunBase

	exec execCb

	logConfig logging.Config
	flagSet   *config.FlagSet
	cfg       config.Config
}

func (c *commandBase) init(exec execCb) {
	c.exec = exec
	c.logConfig.Level = logging.Info
	c.logConfig.AddFlags(&c.Flags)
	c.flagSet = config.RegisterFlags(&c.Flags)
}

// ModifyContext implements cli.ContextModificator.
func (c *commandBase) ModifyContext(ctx context.Context) context.Context {
	return c.logConfig.Set(ctx)
}

// Run implements subcommands.CommandRun.
func (c *commandBase) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)

	if len(args) != 0 {
		return handleErr(ctx, errs.Configuration.Apply(errors.Reason("unexpected positional arguments %q", args).Err()))
	}

	cfg, err := c.flagSet.Resolve(&c.Flags)
	if err != nil {
		return handleErr(ctx, err)
	}
	c.cfg = cfg

	ctx, cancel := context.WithCancel(ctx)
	signals.HandleInterrupt(cancel)

	if err := c.exec(ctx); err != nil {
		return handleErr(ctx, err)
	}
	return 0
}

// handleErr maps an error kind to a process exit code per
// SPEC_FULL.md §6.4: 0 success, 64 configuration error, 69 store
// unavailable, 74 I/O error during startup scan.
func handleErr(ctx context.Context, err error) int {
	if err == nil {
		return 0
	}
	if errors.Contains(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 0
	}
	logging.Errorf(ctx, "%s", err)
	return errs.ExitCode(err)
}
