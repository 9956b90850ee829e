package rft

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/InsulaLabs/ledgerfs/config"

	"github.com/hashicorp/raft"
)

// AutoJoinRetryInterval is the pause between failed join attempts.
var AutoJoinRetryInterval = 10 * time.Second

type AutoJoinConfig struct {
	Logger     *slog.Logger
	Ctx        context.Context
	NodeId     string
	ClusterCfg *config.Cluster
	Raft       *raft.Raft
	MyRaftAddr string
}

// joinURL builds the leader's join endpoint from its client domain when one
// is configured, or its http binding otherwise.
func joinURL(cfg *config.Cluster, leader config.Node, nodeId, raftAddr string) string {
	connectAddr := leader.HttpBinding
	if leader.ClientDomain != "" {
		if _, port, err := net.SplitHostPort(leader.HttpBinding); err == nil {
			connectAddr = net.JoinHostPort(leader.ClientDomain, port)
		}
	}

	scheme := "http"
	if cfg.TLS.Cert != "" && cfg.TLS.Key != "" {
		scheme = "https"
	}
	q := url.Values{}
	q.Set("followerId", nodeId)
	q.Set("followerAddr", raftAddr)
	return fmt.Sprintf("%s://%s/db/api/v1/join?%s", scheme, connectAddr, q.Encode())
}

func attemptAutoJoin(cfg *AutoJoinConfig) error {
	leaderNodeId := cfg.ClusterCfg.DefaultLeader
	if cfg.NodeId == leaderNodeId {
		cfg.Logger.Info("Node is the default leader, skipping auto-join attempt.", "node_id", cfg.NodeId)
		return nil
	}

	leaderNodeCfg, ok := cfg.ClusterCfg.Nodes[leaderNodeId]
	if !ok {
		return fmt.Errorf("default leader node '%s' configuration not found in cluster config", leaderNodeId)
	}

	target := joinURL(cfg.ClusterCfg, leaderNodeCfg, cfg.NodeId, cfg.MyRaftAddr)
	cfg.Logger.Info(
		"Node is not the default leader. Attempting to join leader",
		"node_id", cfg.NodeId,
		"leader_id", leaderNodeId,
		"join_url", target,
	)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	if strings.HasPrefix(target, "https://") {
		tlsConfig := &tls.Config{}
		if cfg.ClusterCfg.ClientSkipVerify {
			cfg.Logger.Info("Client TLS verification is skipped for auto-join as per ClientSkipVerify config.")
			tlsConfig.InsecureSkipVerify = true
		} else if leaderNodeCfg.ClientDomain != "" {
			tlsConfig.ServerName = leaderNodeCfg.ClientDomain
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	wait := func() error {
		select {
		case <-time.After(AutoJoinRetryInterval):
			return nil
		case <-cfg.Ctx.Done():
			cfg.Logger.Error("Auto-join cancelled.", "node_id", cfg.NodeId)
			return cfg.Ctx.Err()
		}
	}

	for {
		currentConfiguration := cfg.Raft.GetConfiguration()
		if err := currentConfiguration.Error(); err == nil {
			for _, srv := range currentConfiguration.Configuration().Servers {
				if srv.ID == raft.ServerID(cfg.NodeId) {
					cfg.Logger.Info("Node already part of the Raft configuration. Auto-join completed.", "node_id", cfg.NodeId)
					return nil
				}
			}
		}

		req, err := http.NewRequestWithContext(cfg.Ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("could not build join request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+cfg.ClusterCfg.RootToken())

		resp, err := httpClient.Do(req)
		if err != nil {
			cfg.Logger.Error("Failed to send join request", "join_url", target, "error", err)
			if err := wait(); err != nil {
				return err
			}
			continue
		}

		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			cfg.Logger.Info("Successfully joined leader.", "node_id", cfg.NodeId, "leader_id", leaderNodeId)
			return nil
		}

		cfg.Logger.Error(
			"Join attempt failed",
			"join_url", target,
			"status", resp.Status,
			"body", strings.TrimSpace(string(bodyBytes)),
		)
		if err := wait(); err != nil {
			return err
		}
	}
}
