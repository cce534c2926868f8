package main

import (
	"context"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/dreamer-dead/dist-clang/internal/errs"
	"github.com/dreamer-dead/dist-clang/internal/store"
)

var cmdCacheTrim = &subcommands.Command{
	Advanced:  true,
	UsageLine: "cache-trim [...]",
	ShortDesc: "trims the artifact store to the N most recently touched entries",
	LongDesc: `Trims the artifact store.

Sorts entries by last-access time and removes the oldest ones until only
-keep entries remain, the same eviction order the store uses under
normal operation.
`,
	CommandRun: func() subcommands.CommandRun {
		c := &cmdCacheTrimRun{}
		c.init(c.exec)
		c.Flags.IntVar(&c.keep, "keep", 0, "How many store entries to keep.")
		return c
	},
}

type cmdCacheTrimRun struct {
	commandBase

	keep int
}

func (c *cmdCacheTrimRun) exec(ctx context.Context) error {
	if c.keep < 0 {
		return errs.Configuration.Apply(errors.Reason("-keep must be non-negative").Err())
	}

	st, err := store.Open(ctx, c.cfg.CacheRoot, c.cfg.CacheBytes, clock.Get(ctx), nil)
	if err != nil {
		return err
	}
	defer st.Close()

	trimmed, err := st.Trim(ctx, c.keep)
	if err != nil {
		return err
	}
	if trimmed > 0 {
		logging.Infof(ctx, "distclangd: trimmed %d entries, %d remain", trimmed, st.Len())
	}
	return nil
}
