package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/clock"

	"github.com/dreamer-dead/dist-clang/internal/store"
)

var cmdCacheStats = &subcommands.Command{
	Advanced:  true,
	UsageLine: "cache-stats [...]",
	ShortDesc: "reports artifact store occupancy and entry counts",
	LongDesc: `Reports artifact store statistics: entry count, occupancy in bytes
against the configured budget, and the oldest/newest entry's last-access
time.
`,
	CommandRun: func() subcommands.CommandRun {
		c := &cmdCacheStatsRun{}
		c.init(c.exec)
		return c
	},
}

type cmdCacheStatsRun struct {
	commandBase
}

func (c *cmdCacheStatsRun) exec(ctx context.Context) error {
	st, err := store.Open(ctx, c.cfg.CacheRoot, c.cfg.CacheBytes, clock.Get(ctx), nil)
	if err != nil {
		return err
	}
	defer st.Close()

	stats := st.Stats()
	fmt.Printf("entries:   %d\n", stats.Entries)
	fmt.Printf("occupancy: %s / %s\n", humanize.Bytes(stats.OccupancyBytes), humanize.Bytes(stats.BudgetBytes))
	if stats.Entries > 0 {
		fmt.Printf("oldest access: %s\n", humanize.Time(stats.OldestAccess))
		fmt.Printf("newest access: %s\n", humanize.Time(stats.NewestAccess))
	}
	return nil
}
