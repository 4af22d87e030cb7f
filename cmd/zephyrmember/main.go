package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ryandielhenn/zephyrmember/internal/config"
	"github.com/ryandielhenn/zephyrmember/internal/telemetry"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	telemetry.SetBuildInfo(version, gitSHA)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configPath string

	root := &cobra.Command{
		Use:           "zephyrmember",
		Short:         "zephyrmember - heartbeat-based group membership",
		Long:          `zephyrmember runs one member of an introducer-based heartbeat membership group, or simulates a whole group in one process.`,
		Version:       fmt.Sprintf("%s (%s)", version, gitSHA),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	root.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	root.PersistentFlags().String("log-format", "console", "console or json")
	root.PersistentFlags().Int64("fail-timeout", 5, "ticks between heartbeat rounds")
	root.PersistentFlags().Int64("remove-timeout", 20, "ticks of silence before a member is evicted")
	root.PersistentFlags().String("eviction", "all", "evict all stale members per tick, or one")
	bindFlags(v, root.PersistentFlags(), map[string]string{
		"log-level":      "logging.level",
		"log-format":     "logging.format",
		"fail-timeout":   "protocol.fail_timeout_ticks",
		"remove-timeout": "protocol.remove_timeout_ticks",
		"eviction":       "protocol.eviction",
	})

	load := func() (*config.Config, error) { return config.Load(v, configPath) }
	root.AddCommand(runCmd(v, load))
	root.AddCommand(simCmd(v, load))
	return root
}

// bindFlags makes each flag, when set, override its viper key.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}
