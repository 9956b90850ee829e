package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/InsulaLabs/ledgerfs/client"
	"github.com/InsulaLabs/ledgerfs/config"
	"github.com/InsulaLabs/ledgerfs/ledger"
	"github.com/charmbracelet/log"
	"github.com/fatih/color"
)

const (
	envApiKey     = "LFS_API_KEY"
	envViewingKey = "LFS_VIEWING_KEY"
)

var (
	logger     *log.Logger
	clusterCfg *config.Cluster
	configPath string
	targetNode string
	useRootKey bool
	behalf     string
	viewingKey string
	verbose    bool
)

type command struct {
	usage string
	run   func(ctx context.Context, c *client.Client, args []string) error
}

var commands = map[string]command{
	"ping":          {"ping", handlePing},
	"join":          {"join <followerNodeID>", handleJoin},
	"api":           {"api add <account> | api delete <key>", handleApi},
	"init":          {"init <entropy> [contents]", handleInit},
	"forget":        {"forget", handleForget},
	"viewing-key":   {"viewing-key <entropy>", handleViewingKey},
	"create":        {"create <path> [contents]", handleCreate},
	"rm":            {"rm <path>...", handleRemove},
	"mv":            {"mv <old> <new> [<old> <new>]...", handleMove},
	"chown":         {"chown <path> <newOwner> [message]", handleChown},
	"public":        {"public <path> <true|false>", handlePublic},
	"allow":         {"allow <path> <read|write> <account>...", handleAllow},
	"disallow":      {"disallow <path> <read|write> <account>...", handleDisallow},
	"reset":         {"reset <path> <read|write>", handleReset},
	"clone-grants":  {"clone-grants <path>", handleCloneGrants},
	"send":          {"send <to> <contents>", handleSend},
	"clear-mailbox": {"clear-mailbox", handleClearMailbox},
	"cat":           {"cat <path>", handleCat},
	"ls":            {"ls <folder/>", handleList},
	"mailbox":       {"mailbox", handleMailbox},
	"wallet":        {"wallet", handleWallet},
	"claim":         {"claim <publicKey>", handleClaim},
	"claims":        {"claims", handleClaimCount},
	"watch":         {"watch [account]", handleWatch},
}

func init() {
	flag.StringVar(&configPath, "config", "cluster.yaml", "Path to the cluster configuration file")
	flag.StringVar(&targetNode, "target", "", "Target node ID (e.g., node0). Defaults to defaultLeader in config.")
	flag.BoolVar(&useRootKey, "root", false, "Use the cluster root key instead of "+envApiKey)
	flag.StringVar(&behalf, "behalf", "", "Comma separated accounts a query acts for")
	flag.StringVar(&viewingKey, "key", "", "Viewing key for queries. Defaults to "+envViewingKey)
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "lfsc"})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		logger.Error("Unknown command", "command", args[0])
		printUsage()
		os.Exit(1)
	}

	var err error
	clusterCfg, err = config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Failed to load cluster configuration", "path", configPath, "error", err)
	}

	c, err := getClient(clusterCfg, targetNode)
	if err != nil {
		logger.Fatal("Failed to initialize client", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.run(ctx, c, args[1:]); err != nil {
		var usage usageError
		if errors.As(err, &usage) {
			fmt.Fprintf(os.Stderr, "usage: lfsc %s\n", cmd.usage)
			os.Exit(2)
		}
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: lfsc [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
}

type usageError struct{}

func (usageError) Error() string { return "bad usage" }

func getClient(cfg *config.Cluster, targetNodeID string) (*client.Client, error) {
	nodeToConnect := targetNodeID
	if nodeToConnect == "" {
		nodeToConnect = cfg.DefaultLeader
		logger.Debug("No target node specified, using defaultLeader", "node_id", nodeToConnect)
	}
	node, ok := cfg.Nodes[nodeToConnect]
	if !ok {
		return nil, fmt.Errorf("node ID '%s' not found in configuration", nodeToConnect)
	}

	apiKey := os.Getenv(envApiKey)
	if useRootKey {
		apiKey = cfg.RootToken()
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s is empty and --root is not set", envApiKey)
	}

	return client.NewClient(&client.Config{
		ConnectionType:   client.ConnectionTypeDirect,
		Endpoints:        []client.Endpoint{{HostPort: node.HttpBinding, ClientDomain: node.ClientDomain}},
		ApiKey:           apiKey,
		SkipVerify:       cfg.ClientSkipVerify,
		Logger:           slog.New(logger),
		RetryRateLimited: true,
	})
}

// query builds the viewing-key credentials shared by every read.
func query() (ledger.Query, error) {
	key := viewingKey
	if key == "" {
		key = os.Getenv(envViewingKey)
	}
	if key == "" {
		return ledger.Query{}, fmt.Errorf("a viewing key is required: pass --key or set %s", envViewingKey)
	}
	var accounts []string
	for _, acct := range strings.Split(behalf, ",") {
		if acct = strings.TrimSpace(acct); acct != "" {
			accounts = append(accounts, acct)
		}
	}
	if len(accounts) == 0 {
		return ledger.Query{}, fmt.Errorf("--behalf must name at least one account")
	}
	return ledger.Query{Behalf: accounts, Key: key}, nil
}
