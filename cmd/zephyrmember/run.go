package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmember/discovery"
	"github.com/ryandielhenn/zephyrmember/internal/config"
	"github.com/ryandielhenn/zephyrmember/internal/logging"
	"github.com/ryandielhenn/zephyrmember/pkg/gossip"
	"github.com/ryandielhenn/zephyrmember/pkg/node"
	"github.com/ryandielhenn/zephyrmember/pkg/ring"
)

func runCmd(v *viper.Viper, load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one group member over UDP",
		Example: `  zephyrmember run --host 127.0.0.1 --address 1:7946 --introducer 1:7946 --admin-addr :8081
  zephyrmember run --host 127.0.0.1 --address 2:7947 --introducer 1:7946 --admin-addr :8082
  zephyrmember run --address 10.0.0.2:7946 --etcd http://etcd:2379 --cluster prod`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMember(ctx, cfg, log)
		},
	}
	fs := cmd.Flags()
	fs.String("address", "", "this member's address (a.b.c.d:port or id:port)")
	fs.String("introducer", "", "introducer address; looked up in etcd when empty")
	fs.String("bind", "", "UDP listen address, defaults to the member address")
	fs.String("host", "", "run every member on this host; ids become logical and ports tell members apart")
	fs.StringToString("peer", nil, "pin a member to an endpoint, e.g. 3:7946=10.0.0.3:7946 (repeatable)")
	fs.Duration("tick-interval", 200*time.Millisecond, "driver tick interval")
	fs.Int64("join-retry", 0, "re-send an unanswered join request every N ticks (0 disables)")
	fs.Int("max-join-attempts", 0, "cap on join requests (0 means no cap)")
	fs.String("admin-addr", ":8080", "admin HTTP listen address")
	fs.Bool("admin", true, "serve the admin HTTP endpoints")
	fs.StringSlice("etcd", nil, "etcd endpoints for introducer discovery")
	fs.String("cluster", "default", "discovery cluster name")
	bindFlags(v, fs, map[string]string{
		"address":           "node.address",
		"introducer":        "node.introducer",
		"bind":              "node.bind",
		"host":              "node.host",
		"peer":              "node.peers",
		"tick-interval":     "protocol.tick_interval",
		"join-retry":        "protocol.join_retry_ticks",
		"max-join-attempts": "protocol.max_join_attempts",
		"admin-addr":        "admin.addr",
		"admin":             "admin.enabled",
		"etcd":              "discovery.etcd_endpoints",
		"cluster":           "discovery.cluster",
	})
	return cmd
}

func runMember(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	ec, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	if cfg.Discovery.Enabled() {
		log.Info("creating etcd client", zap.Strings("endpoints", cfg.Discovery.EtcdEndpoints))
		cli, err := discovery.NewClient(cfg.Discovery.EtcdEndpoints, cfg.Discovery.DialTimeout)
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer cli.Close()

		introducer, release, err := resolveIntroducer(ctx, cli, cfg, ec, log)
		if err != nil {
			return err
		}
		defer release()
		ec.Introducer = introducer
		go watchIntroducer(ctx, cli, cfg.Discovery.Cluster, ec.Introducer, log)
	}

	resolver, err := cfg.Resolver()
	if err != nil {
		return err
	}
	tr, err := gossip.ListenUDP(ec.Self, cfg.Node.Bind, gossip.WithResolver(resolver))
	if err != nil {
		return err
	}
	defer tr.Close()
	log.Info("listening", zap.Stringer("address", ec.Self), zap.Stringer("udp", tr.LocalAddr()),
		zap.Stringer("introducer", ec.Introducer))

	r := ring.New(128, ring.FNV32a)
	r.Add(ec.Self)
	g, err := gossip.New(cfg.GossipConfig(ec), tr, log, gossip.OnEvent(node.TrackRing(r)))
	if err != nil {
		return err
	}
	n := node.New(g, r, node.WithLogger(log), node.WithReplicationFactor(cfg.Admin.ReplicationFactor))
	log = log.With(zap.Stringer("run_id", n.RunID()))

	if cfg.Admin.Enabled {
		srv := &http.Server{Addr: cfg.Admin.Addr, Handler: n.Routes(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("admin server listening", zap.String("addr", cfg.Admin.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server failed", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	err = g.Run(ctx)
	log.Info("member stopped", zap.Error(err))
	return err
}

// resolveIntroducer finds the group's introducer in etcd. A member with no
// introducer configured and none registered becomes the introducer itself.
// The returned func releases any registration made here.
func resolveIntroducer(ctx context.Context, cli discovery.Registrar, cfg *config.Config, ec gossip.EngineConfig, log *zap.Logger) (gossip.Address, func(), error) {
	noop := func() {}
	cluster := cfg.Discovery.Cluster
	register := func() (gossip.Address, func(), error) {
		_, release, err := discovery.RegisterIntroducer(ctx, cli, cluster, ec.Self, cfg.Discovery.LeaseTTL, log)
		if err != nil {
			return gossip.Address{}, nil, err
		}
		return ec.Self, release, nil
	}

	if !ec.Introducer.IsZero() {
		if ec.Introducer == ec.Self {
			return register()
		}
		return ec.Introducer, noop, nil
	}

	if !cfg.Discovery.BecomeIntroducer {
		log.Info("waiting for an introducer to register", zap.String("cluster", cluster))
		addr, err := discovery.WaitIntroducer(ctx, cli, cluster, time.Second)
		return addr, noop, err
	}

	addr, err := discovery.LookupIntroducer(ctx, cli, cluster)
	switch {
	case err == nil:
		log.Info("found introducer", zap.Stringer("introducer", addr))
		return addr, noop, nil
	case !errors.Is(err, discovery.ErrNoIntroducer):
		return gossip.Address{}, nil, err
	}

	addr, release, err := register()
	if errors.Is(err, discovery.ErrIntroducerExists) {
		// Lost the race to another member; use theirs.
		addr, err = discovery.LookupIntroducer(ctx, cli, cluster)
		return addr, noop, err
	}
	return addr, release, err
}

// watchIntroducer warns when the registered introducer stops matching the
// one this member joined through. The engine keeps its introducer for life.
func watchIntroducer(ctx context.Context, cli clientv3.Watcher, cluster string, joined gossip.Address, log *zap.Logger) {
	err := discovery.WatchIntroducer(ctx, cli, cluster, func(addr gossip.Address, ok bool) {
		switch {
		case !ok:
			log.Warn("introducer registration gone", zap.Stringer("introducer", joined))
		case addr != joined:
			log.Warn("introducer changed, restart to join through it",
				zap.Stringer("joined", joined), zap.Stringer("registered", addr))
		}
	})
	if err != nil && ctx.Err() == nil {
		log.Warn("introducer watch stopped", zap.Error(err))
	}
}
