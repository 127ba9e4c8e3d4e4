package main

import (
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/pflag"
)

const defaultConfigTemplate = `# ecagg.toml - generated by "ecagg scaffold-config"

credits_max = 256
checksums_enabled = false

[rpc]
dial_timeout_ms = 2000
request_timeout_ms = 30000

[offload]
queue_depth = 64

[layout_cache]
ttl_s = 60
size = 4096

[store]
path = "./ecagg-data"
`

// runScaffoldConfig writes a default ecagg.toml, mirroring the scaffold
// subcommand convention weed/util/config.go's own error message points
// operators at ("weed scaffold -config=...").
func runScaffoldConfig(args []string) int {
	fs := pflag.NewFlagSet("scaffold-config", pflag.ExitOnError)
	out := fs.String("out", "ecagg.toml", "path to write the default configuration to")
	force := fs.Bool("force", false, "overwrite an existing file")
	fs.Parse(args)

	if !*force {
		if _, err := os.Stat(*out); err == nil {
			fmt.Fprintf(os.Stderr, "ecagg scaffold-config: %s already exists, use --force to overwrite\n", *out)
			return 1
		}
	}

	if err := os.WriteFile(*out, []byte(defaultConfigTemplate), 0644); err != nil {
		glog.Errorf("ecagg scaffold-config: write %s: %v", *out, err)
		return 1
	}
	fmt.Printf("wrote %s\n", *out)
	return 0
}
