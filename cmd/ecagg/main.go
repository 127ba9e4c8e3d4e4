// Command ecagg is the CLI entry point for the EC aggregation engine,
// wired to viper-backed configuration and glog-style logging the way
// weed/command's subcommands are: a small dispatcher over a handful of
// verb subcommands, each with its own flag set built with
// github.com/spf13/pflag.
package main

import (
	"fmt"
	"os"

	"github.com/golang/glog"
)

type subcommand struct {
	name  string
	short string
	run   func(args []string) int
}

var subcommands = []subcommand{
	{"aggregate", "run one aggregation pass against a configured extent store", runAggregate},
	{"serve", "serve EC_AGGREGATE/EC_REPLICATE and FetchShard RPCs for this target", runServe},
	{"scaffold-config", "write a default ecagg.toml", runScaffoldConfig},
}

func main() {
	defer glog.Flush()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	for _, sc := range subcommands {
		if os.Args[1] == sc.name {
			os.Exit(sc.run(os.Args[2:]))
		}
	}

	fmt.Fprintf(os.Stderr, "ecagg: unknown subcommand %q\n\n", os.Args[1])
	printUsage()
	os.Exit(2)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: ecagg <subcommand> [flags]")
	fmt.Fprintln(os.Stderr, "\nsubcommands:")
	for _, sc := range subcommands {
		fmt.Fprintf(os.Stderr, "  %-16s %s\n", sc.name, sc.short)
	}
}
