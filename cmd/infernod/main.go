// Command infernod is the process entrypoint: it parses flags into a
// config.Config, wires the Engine graph with go.uber.org/fx (the
// teacher's own fx/dig dependency, carried transitively but never
// wired into anything of its own), starts the optional mesh gossip
// node and metrics server, and blocks until interrupted.
package main

import (
	"context"
	"flag"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nmxmxh/inferno-runtime/internal/config"
	"github.com/nmxmxh/inferno-runtime/internal/memory"
	"github.com/nmxmxh/inferno-runtime/internal/mesh"
	"github.com/nmxmxh/inferno-runtime/internal/mesh/wire"
	"github.com/nmxmxh/inferno-runtime/internal/telemetry"
	"github.com/nmxmxh/inferno-runtime/pkg/engine"
)

// cliFlags holds the process's command-line surface; config.Config
// itself stays environment-driven per spec §6, so flags here only cover
// concerns outside that contract (network addresses, mesh peers).
type cliFlags struct {
	metricsAddr  string
	identityPath string
	peerAddrs    string
	gossipEvery  time.Duration
	enableMemory bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	flag.StringVar(&f.identityPath, "mesh-identity", "", "path to persist this node's mesh identity (empty: ephemeral)")
	flag.StringVar(&f.peerAddrs, "mesh-peers", "", "comma-separated p2p multiaddrs to gossip pressure with")
	flag.DurationVar(&f.gossipEvery, "mesh-gossip-interval", 30*time.Second, "interval between mesh gossip rounds")
	flag.BoolVar(&f.enableMemory, "enable-memory", false, "construct an in-process memory store for the cognitive coordinator")
	flag.Parse()
	return f
}

func newLogger() (*zap.SugaredLogger, error) {
	l, err := telemetry.NewLogger(false)
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func newConfig() (config.Config, error) {
	return config.FromEnv()
}

func newEngine(log *zap.SugaredLogger, cfg config.Config, flags cliFlags) *engine.Engine {
	var store memory.Store
	if flags.enableMemory {
		store = memory.NewMemStore()
	}
	return engine.New(log, cfg, store, nil)
}

func newMeshNode(log *zap.SugaredLogger, eng *engine.Engine, flags cliFlags, lc fx.Lifecycle) (*mesh.Node, error) {
	var node *mesh.Node
	node, err := mesh.NewNode(log, flags.identityPath, func() wire.Snapshot {
		return eng.Snapshot(node.PeerID(), time.Now().UnixNano())
	})
	if err != nil {
		return nil, err
	}

	peers := splitNonEmpty(flags.peerAddrs)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if len(peers) > 0 {
				go node.GossipLoop(context.Background(), peers, flags.gossipEvery)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return node.Close()
		},
	})
	return node, nil
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func registerLifecycle(lc fx.Lifecycle, log *zap.SugaredLogger, eng *engine.Engine, flags cliFlags) {
	srv := telemetry.NewServer(flags.metricsAddr, eng.Metrics(), log)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			srv.Start()
			log.Infow("infernod started", "metrics_addr", flags.metricsAddr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Stop(ctx)
		},
	})
}

func main() {
	flags := parseFlags()

	app := fx.New(
		fx.Supply(flags),
		fx.Provide(
			newLogger,
			newConfig,
			newEngine,
			newMeshNode,
		),
		fx.Invoke(registerLifecycle),
		fx.Invoke(func(*mesh.Node) {}), // force mesh node construction even though nothing else depends on it
	)

	app.Run()
}
