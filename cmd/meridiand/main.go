// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

// meridiand is the node-local control plane of a Meridian cluster. It
// keeps the per-bucket workers on this node converged with cluster
// configuration, maintains the cached index settings document, and
// multiplexes RPC calls to the node's service agent.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridian-db/meridian/cluster"
	"github.com/meridian-db/meridian/configstore"
	"github.com/meridian-db/meridian/pubsub/centralhub"
	"github.com/meridian-db/meridian/rpc"
	"github.com/meridian-db/meridian/settings"
	"github.com/meridian-db/meridian/worker/bucketworkers"
)

var logger = loggo.GetLogger("meridian.cmd.meridiand")

// agentChannelLabel is the registry label of the service agent's
// channel. Reconnects open under the same label so a stale channel is
// always superseded rather than leaked.
const agentChannelLabel = "service-agent"

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main runs the daemon; it is separate from main so tests can drive
// it.
func Main(args []string) int {
	f := gnuflag.NewFlagSet("meridiand", gnuflag.ContinueOnError)
	nodeName := f.String("node-name", defaultNodeName(), "name of this node in the cluster")
	agentAddr := f.String("agent-addr", "127.0.0.1:9130", "address of the node's service agent")
	metricsAddr := f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	logConfig := f.String("log-config", "<root>=INFO", "loggo configuration string")
	if err := f.Parse(true, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := loggo.ConfigureLoggers(*logConfig); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := run(*nodeName, *agentAddr, *metricsAddr); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	return 0
}

func run(nodeName, agentAddr, metricsAddr string) error {
	clk := clock.WallClock
	hub := centralhub.New(nodeName)

	// Standalone mode runs against an in-memory config store seeded
	// by the bootstrap upgrades; a clustered deployment substitutes
	// the replicated store here.
	store := configstore.NewMemStore()
	if err := bootstrap(store, nodeName, clk); err != nil {
		return errors.Annotate(err, "bootstrapping config store")
	}

	rpcMetrics := rpc.NewMetrics()
	reconcilerMetrics := bucketworkers.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := registry.Register(rpcMetrics); err != nil {
		return errors.Trace(err)
	}
	if err := registry.Register(reconcilerMetrics); err != nil {
		return errors.Trace(err)
	}
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			logger.Infof("serving metrics on %s", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	channels, err := rpc.NewRegistry(rpc.RegistryConfig{
		Hub:     hub,
		Clock:   clk,
		Metrics: rpcMetrics,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = channels.Close() }()

	agentChannel, err := openAgentChannel(channels, agentAddr, clk)
	if err != nil {
		return errors.Annotate(err, "connecting to service agent")
	}

	settingsManager, err := settings.NewManager(settings.ManagerConfig{
		Store: store,
		Hub:   hub,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer stopWorker(settingsManager)

	reconciler, err := bucketworkers.New(bucketworkers.Config{
		Store:    store,
		NodeName: nodeName,
		NewBucketWorker: func(bucket string) (worker.Worker, error) {
			return newAgentBucketWorker(agentChannel, bucket)
		},
		Clock:   clk,
		Metrics: reconcilerMetrics,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer stopWorker(reconciler)

	logger.Infof("meridiand running as node %q", nodeName)
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigC
	logger.Infof("received %v, shutting down", sig)
	return nil
}

// openAgentChannel dials the service agent, retrying with backoff
// while it comes up; the agent and daemon restart independently.
func openAgentChannel(registry *rpc.Registry, addr string, clk clock.Clock) (*rpc.Channel, error) {
	var channel *rpc.Channel
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			channel, err = registry.Open(rpc.OpenArgs{
				Label: agentChannelLabel,
				Connect: func() (net.Conn, error) {
					return net.DialTimeout("tcp", addr, 10*time.Second)
				},
			})
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("dialling service agent (attempt %d): %v", attempt, err)
		},
		Attempts:    10,
		Delay:       time.Second,
		BackoffFunc: retry.DoubleDelay,
		MaxDelay:    30 * time.Second,
		Clock:       clk,
	})
	return channel, errors.Trace(err)
}

// bootstrap seeds a fresh store: this node joins active with the kv
// and index services, and the settings document upgrades run to the
// current compat version. Each upgrade commits before the next runs,
// as its step reads the document the previous one produced.
// Transactions retry briefly since a real store can reject them under
// concurrent writers.
func bootstrap(store configstore.Store, nodeName string, clk clock.Clock) error {
	steps := []func(configstore.Txn) error{
		func(txn configstore.Txn) error {
			return seedNode(txn, nodeName)
		},
		upgradeStep(settings.UpgradeToVersion40, cluster.CompatVersion40),
		upgradeStep(settings.UpgradeToVersion45, cluster.CompatVersion45),
	}
	for _, step := range steps {
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				return store.RunTxn(step)
			},
			IsFatalError: func(err error) bool {
				return !errors.Is(err, configstore.ErrTxnAborted)
			},
			Attempts: 5,
			Delay:    100 * time.Millisecond,
			Clock:    clk,
		})
		if err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func upgradeStep(upgrade func(configstore.Snapshot) ([]settings.Op, error), version int) func(configstore.Txn) error {
	return func(txn configstore.Txn) error {
		ops, err := upgrade(txn.Snapshot())
		if err != nil {
			return errors.Trace(err)
		}
		settings.Apply(txn, ops)
		compat, err := json.Marshal(version)
		if err != nil {
			return errors.Trace(err)
		}
		txn.Set(cluster.CompatVersionKey, compat)
		return nil
	}
}

func seedNode(txn configstore.Txn, nodeName string) error {
	snap := txn.Snapshot()
	nodes, err := cluster.Nodes(snap)
	if err != nil {
		return errors.Trace(err)
	}
	for _, n := range nodes {
		if n == nodeName {
			return nil
		}
	}
	nodes = append(nodes, nodeName)
	encodedNodes, err := json.Marshal(nodes)
	if err != nil {
		return errors.Trace(err)
	}
	txn.Set(cluster.NodesKey, encodedNodes)
	membership, err := json.Marshal(map[string]interface{}{
		"state":    cluster.MembershipActive,
		"services": []string{"kv", "index"},
	})
	if err != nil {
		return errors.Trace(err)
	}
	txn.Set(cluster.MembershipKey(nodeName), membership)
	return nil
}

func stopWorker(w worker.Worker) {
	w.Kill()
	if err := w.Wait(); err != nil {
		logger.Warningf("stopping worker: %v", err)
	}
}

func defaultNodeName() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return name
}
