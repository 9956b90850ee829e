package runtime

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/InsulaLabs/ledgerfs/client"
	"github.com/InsulaLabs/ledgerfs/config"
	"github.com/InsulaLabs/ledgerfs/db/core"
	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

const readyTimeout = 30 * time.Second

// Runtime manages the execution of lfsd, handling configuration,
// signal processing, and the lifecycle of node instances.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	clusterCfg *config.Cluster
	configFile string
	asNodeId   string
	hostMode   bool
	standalone bool

	// generatedConfig is set when --new-cfg wrote a file and there is
	// nothing left to run.
	generatedConfig string
}

// New parses flags and loads the cluster configuration. With --new-cfg it
// writes a fresh configuration and Run becomes a no-op.
func New(args []string, defaultConfigFile string) (*Runtime, error) {
	r := &Runtime{}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "lfsdRuntime")

	var genConfigFile string
	fs := flag.NewFlagSet("lfsd", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the cluster configuration file.")
	fs.StringVar(&r.asNodeId, "as", "", "Node ID to run as (e.g., node0). Mutually exclusive with --host.")
	fs.BoolVar(&r.hostMode, "host", false, "Run instances for all nodes in the config. Mutually exclusive with --as.")
	fs.BoolVar(&r.standalone, "standalone", false, "Run a single node without raft. Requires --as.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new cluster configuration file to a given path.")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		if err := writeGeneratedConfig(genConfigFile); err != nil {
			return nil, err
		}
		color.HiGreen("Generated new configuration file at %s", genConfigFile)
		r.generatedConfig = genConfigFile
		return r, nil
	}

	if (r.asNodeId == "" && !r.hostMode) || (r.asNodeId != "" && r.hostMode) {
		fs.Usage()
		return nil, fmt.Errorf("either --as <nodeId> or --host must be specified, but not both")
	}
	if r.standalone && r.hostMode {
		return nil, fmt.Errorf("--standalone runs a single node and cannot be combined with --host")
	}

	var err error
	r.clusterCfg, err = config.LoadConfig(r.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", r.configFile, err)
	}

	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: r.clusterCfg.LogLevel(),
	})).With("service", "lfsdRuntime")

	return r, nil
}

func writeGeneratedConfig(path string) error {
	cfg, err := config.GenerateConfig(path)
	if err != nil {
		return fmt.Errorf("failed to generate configuration: %w", err)
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal generated config to YAML: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for config file %s: %w", path, err)
		}
	}

	if err := os.WriteFile(path, yamlData, 0600); err != nil {
		return fmt.Errorf("failed to write generated configuration to %s: %w", path, err)
	}
	return nil
}

// Run executes the runtime based on the parsed flags, either running as a
// single node or as a host managing every node. It returns once a signal
// arrives or Stop is called.
func (r *Runtime) Run() error {
	if r.clusterCfg == nil {
		r.logger.Info("No configuration loaded, nothing to run", "generated", r.generatedConfig)
		return nil
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
			r.appCancel()
		case <-r.appCtx.Done():
		}
	}()

	if err := r.ensureKeys(); err != nil {
		return err
	}

	if r.hostMode {
		return r.runAsHost()
	}
	return r.runAsNode(r.asNodeId)
}

// runAsNode runs the runtime as a specific node in the cluster.
func (r *Runtime) runAsNode(nodeId string) error {
	nodeCfg, ok := r.clusterCfg.Nodes[nodeId]
	if !ok {
		r.logger.Error("Node ID not found in configuration file", "node", nodeId, "available_nodes", getMapKeys(r.clusterCfg.Nodes))
		return fmt.Errorf("node ID %s not found in configuration", nodeId)
	}

	r.logger.Info("Starting in single node mode", "node", nodeId, "standalone", r.standalone)
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.startNodeInstance(nodeId, nodeCfg)
	}()
	go r.awaitReady(nodeId, nodeCfg)

	select {
	case err := <-errCh:
		r.appCancel()
		return err
	case <-r.appCtx.Done():
	}
	r.logger.Info("Node service shutting down", "node", nodeId)
	return <-errCh
}

// runAsHost runs the runtime as a host, managing all nodes in the cluster.
func (r *Runtime) runAsHost() error {
	r.logger.Info("Running in --host mode. Starting instances for all configured nodes.", "count", len(r.clusterCfg.Nodes))

	var (
		wg       sync.WaitGroup
		firstErr error
		errOnce  sync.Once
	)
	for nodeId, nodeCfg := range r.clusterCfg.Nodes {
		wg.Add(1)
		go func(id string, cfg config.Node) {
			defer wg.Done()
			if err := r.startNodeInstance(id, cfg); err != nil {
				errOnce.Do(func() { firstErr = err })
				r.appCancel()
			}
		}(nodeId, nodeCfg)
		go r.awaitReady(nodeId, nodeCfg)
	}

	<-r.appCtx.Done()
	r.logger.Info("Shutdown signal received. Waiting for node instances to stop.")
	wg.Wait()
	return firstErr
}

// startNodeInstance opens the node's store and serves it until the
// runtime context ends.
func (r *Runtime) startNodeInstance(nodeId string, nodeCfg config.Node) error {
	nodeLogger := r.logger.With("node", nodeId)

	valuesDir := filepath.Join(r.clusterCfg.DataDir, nodeId, config.BadgerValuesDirName)
	if err := os.MkdirAll(valuesDir, os.ModePerm); err != nil {
		return fmt.Errorf("could not create values directory %s: %w", valuesDir, err)
	}

	store, err := tkv.New(tkv.Config{
		Logger:         nodeLogger.WithGroup("tkv"),
		BadgerLogLevel: r.clusterCfg.LogLevel(),
		Directory:      valuesDir,
	})
	if err != nil {
		return fmt.Errorf("failed to open store for %s: %w", nodeId, err)
	}

	service, err := core.New(core.Settings{
		Ctx:        r.appCtx,
		Logger:     nodeLogger.WithGroup("service"),
		NodeCfg:    &nodeCfg,
		ClusterCfg: r.clusterCfg,
		NodeId:     nodeId,
		Tkv:        store,
		Standalone: r.standalone,
	})
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to create service for %s: %w", nodeId, err)
	}

	service.Run()
	return nil
}

// awaitReady pings a node with the root key until it answers, then logs who
// it believes the leader is. Clients only speak https, so plain http nodes
// are not checked.
func (r *Runtime) awaitReady(nodeId string, nodeCfg config.Node) {
	if r.clusterCfg.TLS.Cert == "" {
		return
	}
	c, err := r.GetClientForToken(r.clusterCfg.RootToken(), client.Endpoint{
		HostPort:     nodeCfg.HttpBinding,
		ClientDomain: nodeCfg.ClientDomain,
	})
	if err != nil {
		r.logger.Error("Could not build readiness client", "node", nodeId, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.appCtx, readyTimeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := c.Ping(ctx)
		if err == nil {
			r.logger.Info("Node ready", "node", nodeId, "leader", status.Leader, "is_leader", status.IsLeader)
			return
		}
		select {
		case <-ctx.Done():
			if r.appCtx.Err() == nil {
				r.logger.Warn("Node did not become ready", "node", nodeId, "error", err)
			}
			return
		case <-ticker.C:
		}
	}
}

// GetClientForToken builds a client for the given endpoints, or for every
// configured node when none are given.
func (r *Runtime) GetClientForToken(token string, endpoints ...client.Endpoint) (*client.Client, error) {
	connType := client.ConnectionTypeDirect
	if len(endpoints) == 0 {
		connType = client.ConnectionTypeRandom
		for _, node := range r.clusterCfg.Nodes {
			endpoints = append(endpoints, client.Endpoint{
				HostPort:     node.HttpBinding,
				ClientDomain: node.ClientDomain,
			})
		}
	}
	return client.NewClient(&client.Config{
		ConnectionType: connType,
		Logger:         r.logger.With("service", "lfsClient"),
		ApiKey:         token,
		Endpoints:      endpoints,
		SkipVerify:     r.clusterCfg.ClientSkipVerify,
	})
}

func getMapKeys(m map[string]config.Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Wait blocks until the runtime context is cancelled.
func (r *Runtime) Wait() {
	<-r.appCtx.Done()
	r.logger.Info("Runtime has been shut down.")
}

// Stop gracefully shuts down the runtime by cancelling its context.
func (r *Runtime) Stop() {
	r.logger.Info("Runtime stop requested.")
	r.appCancel()
}

func (r *Runtime) GetRootApiKey() string {
	if r.clusterCfg == nil {
		return ""
	}
	return r.clusterCfg.RootToken()
}

func (r *Runtime) GetDataDir() string {
	if r.clusterCfg == nil {
		return ""
	}
	return r.clusterCfg.DataDir
}
