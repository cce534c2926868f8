// Binary distclangd is the compilation cache and build coordinator
// daemon: it stands in for a C/C++ compiler driver, returning a cached
// object file for a previously seen translation unit or forwarding the
// work to a remote builder.
package main

import (
	"context"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/client/versioncli"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/flag/fixflagpos"
	"go.chromium.org/luci/common/logging/gologger"
)

const (
	// Version is the daemon's version string.
	Version = "0.1.0"
	// UserAgent identifies distclangd to a remote builder.
	UserAgent = "distclangd v" + Version
)

func getApplication() *cli.Application {
	return &cli.Application{
		Name:  "distclangd",
		Title: "Compilation cache and build coordinator daemon (" + UserAgent + ")",

		Context: func(ctx context.Context) context.Context {
			return gologger.StdConfig.Use(ctx)
		},

		Commands: []*subcommands.Command{
			subcommands.CmdHelp,
			versioncli.CmdVersion(UserAgent),
			cmdRun,
			cmdCacheStats,
			cmdCacheTrim,
		},
	}
}

func main() {
	mathrand.SeedRandomly()
	os.Exit(subcommands.Run(getApplication(), fixflagpos.FixSubcommands(os.Args[1:])))
}
