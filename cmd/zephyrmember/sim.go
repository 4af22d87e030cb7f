package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmember/internal/config"
	"github.com/ryandielhenn/zephyrmember/internal/logging"
	"github.com/ryandielhenn/zephyrmember/pkg/sim"
)

func simCmd(v *viper.Viper, load func() (*config.Config, error)) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Simulate a whole group over an emulated network and print a report",
		Example: `  zephyrmember sim --nodes 10 --ticks 300 --fail-at 100 --fail-count 2
  zephyrmember sim --nodes 50 --drop 0.1 --eviction one`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			sc, err := cfg.SimConfig()
			if err != nil {
				return err
			}
			log := zap.NewNop()
			if !quiet {
				if log, err = logging.New(cfg.Logging.Level, cfg.Logging.Format); err != nil {
					return err
				}
				defer log.Sync()
			}

			s, err := sim.New(sc, log)
			if err != nil {
				return err
			}
			s.Run(cfg.Sim.Ticks)
			_, err = s.Report().WriteTo(cmd.OutOrStdout())
			return err
		},
	}
	fs := cmd.Flags()
	fs.BoolVarP(&quiet, "quiet", "q", false, "print only the report")
	fs.Int("nodes", 10, "group size")
	fs.Int("ticks", 200, "ticks to run")
	fs.Int("join-interval", 0, "ticks between consecutive nodes starting")
	fs.Int("fail-at", 100, "tick at which nodes crash (0 disables)")
	fs.Int("fail-count", 1, "number of nodes to crash")
	fs.Float64("drop", 0, "message drop probability")
	fs.Int64("seed", 1, "random seed")
	bindFlags(v, fs, map[string]string{
		"nodes":         "sim.nodes",
		"ticks":         "sim.ticks",
		"join-interval": "sim.join_interval",
		"fail-at":       "sim.fail_at",
		"fail-count":    "sim.fail_count",
		"drop":          "sim.drop_probability",
		"seed":          "sim.seed",
	})
	return cmd
}
