/*
	This is the "finite state machine" for raft.

	Every write is replicated as a RaftCommand. The leader stamps it, raft
	orders it, and each node applies it in Apply. Ledger commands run inside
	one badger transaction so a failing operation leaves nothing behind.
*/

package rft

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/InsulaLabs/ledgerfs/config"
	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/InsulaLabs/ledgerfs/ledger"

	"github.com/hashicorp/raft"
)

// EventReplayWindow bounds how old a command may be for its mailbox
// deliveries to still be pushed to live subscribers.
var EventReplayWindow = 30 * time.Second

// ApplyTimeout bounds how long a write waits to be enqueued by raft.
var ApplyTimeout = 500 * time.Millisecond

// restoreBatchSize is how many snapshot values are written per batch.
const restoreBatchSize = 512

type RaftIF interface {
	Apply(l *raft.Log) any
	Snapshot() (raft.FSMSnapshot, error)
	Restore(rc io.ReadCloser) error

	Join(followerId string, followerAddress string) error
	Leader() string
	IsLeader() bool
	LeaderHTTPAddress() (string, error)
}

// ValueStoreIF holds the raw system records (api keys) outside the ledger.
type ValueStoreIF interface {
	Set(kvp models.KVPayload) error
	Get(key string) (string, error)
	Delete(key string) error
	Iterate(prefix string, offset int, limit int) ([]string, error)
}

type LedgerIF interface {
	// Execute replicates one ledger operation issued by sender and returns
	// the result this node computed when applying it.
	Execute(op models.Op, sender string, body any) (*models.LedgerResult, error)

	// View runs fn against a consistent read-only snapshot of local state.
	View(fn func(txn tkv.Txn) error) error

	Ledger() *ledger.Ledger
}

// FSMInstance defines the interface for FSM operations.
type FSMInstance interface {
	RaftIF
	ValueStoreIF
	LedgerIF

	Close() error
}

// If given to the FSM, mailbox deliveries that come off of the raft network
// will be sent to the event receiver.
type EventReceiverIF interface {
	Receive(topic string, data any) error
}

// MailboxTopic is the event topic carrying deliveries to recipient.
func MailboxTopic(recipient string) string {
	return "mailbox:" + recipient
}

const (
	cmdSetValue    = "set_value"
	cmdDeleteValue = "delete_value"
	cmdLedger      = "ledger"
)

type kvFsm struct {
	tkv        tkv.TKV
	ledger     *ledger.Ledger
	logger     *slog.Logger
	cfg        *config.Cluster
	thisNode   string
	r          *raft.Raft
	eventRecvr EventReceiverIF

	// standalone nodes apply locally in submission order
	localMu    sync.Mutex
	localIndex uint64
}

var _ FSMInstance = &kvFsm{}

type Settings struct {
	Ctx           context.Context
	Logger        *slog.Logger
	Config        *config.Cluster
	NodeCfg       *config.Node
	NodeId        string
	TkvDb         tkv.TKV
	EventReceiver EventReceiverIF
}

func newKvFsm(settings Settings) *kvFsm {
	logger := settings.Logger.WithGroup(fmt.Sprintf("fsm_%s", settings.NodeId))
	return &kvFsm{
		logger:   logger,
		tkv:      settings.TkvDb,
		cfg:      settings.Config,
		thisNode: settings.NodeId,
		ledger: ledger.New(ledger.Config{
			Logger:          logger,
			Seed:            settings.Config.ViewingKeySeed(),
			MaxBatch:        settings.Config.Ledger.MaxBatch,
			MaxContentsSize: settings.Config.Ledger.MaxContentsSize,
		}),
		eventRecvr: settings.EventReceiver,
	}
}

// NewStandalone returns an FSM that applies every write locally without
// replication. It is always the leader.
func NewStandalone(settings Settings) FSMInstance {
	kf := newKvFsm(settings)
	kf.logger.Warn("Running standalone: writes are not replicated")
	return kf
}

func New(settings Settings) (FSMInstance, error) {
	logger := settings.Logger.WithGroup("fsm_init")

	lockFilePath := filepath.Join(settings.Config.DataDir, settings.NodeId+".lock")
	_, errLockFile := os.Stat(lockFilePath)
	isFirstLaunch := os.IsNotExist(errLockFile)

	if isFirstLaunch {
		logger.Info("First time launch: lock file not found", "path", lockFilePath)
	} else if errLockFile != nil {
		return nil, fmt.Errorf("error checking lock file %s: %v", lockFilePath, errLockFile)
	} else {
		logger.Info("Lock file found: not a first-time launch", "path", lockFilePath)
	}

	nodeDataRootPath := filepath.Join(settings.Config.DataDir, settings.NodeId)
	if err := os.MkdirAll(nodeDataRootPath, os.ModePerm); err != nil {
		return nil, fmt.Errorf("could not create node data root %s: %v", nodeDataRootPath, err)
	}

	kf := newKvFsm(settings)

	currentRaftAdvertiseAddr := settings.NodeCfg.RaftBinding
	isDefaultLeader := settings.NodeId == settings.Config.DefaultLeader

	raftInstance, err := setupRaft(&SetupConfig{
		Logger:               settings.Logger.WithGroup("raft_setup"),
		NodeDir:              nodeDataRootPath,
		NodeId:               settings.NodeId,
		RaftAdvertiseAddress: currentRaftAdvertiseAddr,
		KvFsm:                kf,
		ClusterConfig:        settings.Config,
		IsDefaultLeader:      isDefaultLeader,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup Raft for %s: %v", settings.NodeId, err)
	}
	kf.r = raftInstance

	if isFirstLaunch && !isDefaultLeader {
		logger.Info("First launch, non-leader: attempting auto-join")
		err = attemptAutoJoin(&AutoJoinConfig{
			Logger:     settings.Logger.WithGroup("auto_join"),
			Ctx:        settings.Ctx,
			NodeId:     settings.NodeId,
			ClusterCfg: settings.Config,
			Raft:       raftInstance,
			MyRaftAddr: currentRaftAdvertiseAddr,
		})
		if err != nil {
			return nil, fmt.Errorf("auto-join failed for %s: %v", settings.NodeId, err)
		}
		logger.Info("Auto-join successful")
	}

	if isFirstLaunch {
		file, err := os.Create(lockFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create lock file %s: %v", lockFilePath, err)
		}
		file.Close()
		logger.Debug("Lock file created", "path", lockFilePath)
	}

	logger.Info("kvFsm and Raft initialized successfully")
	return kf, nil
}

func (kf *kvFsm) Close() error {
	kf.logger.Info("Closing FSM resources")
	if kf.r != nil {
		if err := kf.r.Shutdown().Error(); err != nil {
			kf.logger.Error("Failed to shut down raft", "error", err)
		}
	}
	if err := kf.tkv.Close(); err != nil {
		kf.logger.Error("Failed to close tkv", "error", err)
		return fmt.Errorf("failed to close tkv: %w", err)
	}
	return nil
}

type RaftCommand struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

func (kf *kvFsm) Apply(l *raft.Log) any {
	kf.logger.Debug("FSM Apply called", "log_type", l.Type.String(), "index", l.Index, "term", l.Term)
	switch l.Type {
	case raft.LogCommand:
		var cmd RaftCommand
		if err := json.Unmarshal(l.Data, &cmd); err != nil {
			kf.logger.Error("Could not unmarshal raft command", "error", err, "data", string(l.Data))
			return fmt.Errorf("could not unmarshal raft command: %w", err)
		}

		switch cmd.Type {
		case cmdSetValue:
			var p models.KVPayload
			if err := json.Unmarshal(cmd.Payload, &p); err != nil {
				kf.logger.Error("Could not unmarshal set_value payload", "error", err, "payload", string(cmd.Payload))
				return fmt.Errorf("could not unmarshal set_value payload: %w", err)
			}
			if err := kf.tkv.Set(p.Key, p.Value); err != nil {
				kf.logger.Error("TKV Set failed", "key", p.Key, "error", err)
				return fmt.Errorf("tkv Set failed (key %s): %w", p.Key, err)
			}
			kf.logger.Debug("FSM applied set_value", "key", p.Key)
			return nil
		case cmdDeleteValue:
			var p models.KeyPayload
			if err := json.Unmarshal(cmd.Payload, &p); err != nil {
				kf.logger.Error("Could not unmarshal delete_value payload", "error", err, "payload", string(cmd.Payload))
				return fmt.Errorf("could not unmarshal delete_value payload: %w", err)
			}
			if err := kf.tkv.Delete(p.Key); err != nil {
				kf.logger.Error("TKV Delete failed", "key", p.Key, "error", err)
				return fmt.Errorf("tkv Delete failed (key %s): %w", p.Key, err)
			}
			kf.logger.Debug("FSM applied delete_value", "key", p.Key)
			return nil
		case cmdLedger:
			var lc models.LedgerCommand
			if err := json.Unmarshal(cmd.Payload, &lc); err != nil {
				kf.logger.Error("Could not unmarshal ledger payload", "error", err, "payload", string(cmd.Payload))
				return fmt.Errorf("could not unmarshal ledger payload: %w", err)
			}
			return kf.applyLedger(l.Index, lc)
		default:
			kf.logger.Error("Unknown raft command type in Apply", "command_type", cmd.Type)
			return fmt.Errorf("unknown raft command type: %s", cmd.Type)
		}
	case raft.LogConfiguration:
		kf.logger.Info("FSM applied raft.LogConfiguration", "index", l.Index, "term", l.Term)
		return nil
	default:
		kf.logger.Warn("FSM encountered unknown raft log type", "type", fmt.Sprintf("%#v", l.Type), "index", l.Index, "term", l.Term)
		return fmt.Errorf("unknown raft log type: %#v", l.Type)
	}
}

func (kf *kvFsm) Snapshot() (raft.FSMSnapshot, error) {
	kf.logger.Info("Creating FSM snapshot")
	return &badgerFSMSnapshot{valuesDb: kf.tkv.GetDataDB()}, nil
}

func (kf *kvFsm) Restore(rc io.ReadCloser) error {
	kf.logger.Info("Restoring FSM from snapshot")
	defer func() {
		if errClose := rc.Close(); errClose != nil {
			kf.logger.Error("Error closing ReadCloser in Restore", "error", errClose)
		}
	}()

	if err := kf.tkv.DropAll(); err != nil {
		return fmt.Errorf("could not clear state before restore: %w", err)
	}

	decoder := json.NewDecoder(rc)
	batch := make([]tkv.TKVBatchEntry, 0, restoreBatchSize)
	flush := func() error {
		if err := kf.tkv.BatchSet(batch); err != nil {
			kf.logger.Error("Could not write restored values", "error", err)
			return fmt.Errorf("could not write restored values: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	valuesCount := 0
	for {
		var entry snapshotEntry
		if err := decoder.Decode(&entry); err == io.EOF {
			break
		} else if err != nil {
			kf.logger.Error("Could not decode snapshot entry during restore", "error", err)
			return fmt.Errorf("could not decode snapshot entry: %w", err)
		}

		switch entry.DBType {
		case dbTypeValues:
			batch = append(batch, tkv.TKVBatchEntry{Key: entry.Key, Value: entry.Value})
			valuesCount++
			if len(batch) == restoreBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		default:
			kf.logger.Warn("Skipping snapshot entry of unknown type", "type", entry.DBType, "key", entry.Key)
		}
	}

	if err := flush(); err != nil {
		return err
	}
	kf.logger.Info("FSM restored from snapshot", "values_restored", valuesCount)
	return nil
}

// apply sends a command through raft and returns what this node's FSM
// produced for it.
func (kf *kvFsm) apply(cmdType string, payload any) (any, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("could not marshal payload for %s: %w", cmdType, err)
	}
	cmdBytes, err := json.Marshal(RaftCommand{Type: cmdType, Payload: payloadBytes})
	if err != nil {
		return nil, fmt.Errorf("could not marshal raft command for %s: %w", cmdType, err)
	}

	if kf.r == nil {
		kf.localMu.Lock()
		defer kf.localMu.Unlock()
		kf.localIndex++
		response := kf.Apply(&raft.Log{Index: kf.localIndex, Type: raft.LogCommand, Data: cmdBytes})
		if responseErr, ok := response.(error); ok && responseErr != nil {
			return nil, responseErr
		}
		return response, nil
	}

	future := kf.r.Apply(cmdBytes, ApplyTimeout)
	if err := future.Error(); err != nil {
		kf.logger.Error("Raft Apply failed", "command_type", cmdType, "error", err)
		return nil, fmt.Errorf("raft Apply for %s failed: %w", cmdType, err)
	}

	response := future.Response()
	if responseErr, ok := response.(error); ok && responseErr != nil {
		return nil, responseErr
	}
	return response, nil
}

func (kf *kvFsm) Set(kvp models.KVPayload) error {
	kf.logger.Debug("SetValue called", "key", kvp.Key)

	// CHECK FOR ACTUAL CHANGE BEFORE APPLYING TO NETWORK
	exists, err := kf.tkv.Get(kvp.Key)
	if err == nil && exists == kvp.Value {
		kf.logger.Debug("SetValue already exists and is the same, skipping", "key", kvp.Key)
		return nil
	}

	if _, err := kf.apply(cmdSetValue, kvp); err != nil {
		return fmt.Errorf("set value (key %s): %w", kvp.Key, err)
	}
	return nil
}

func (kf *kvFsm) Delete(key string) error {
	kf.logger.Debug("Delete called", "key", key)

	// - If we can't get it then theres nothing to delete
	if _, err := kf.tkv.Get(key); err != nil {
		return nil
	}

	if _, err := kf.apply(cmdDeleteValue, models.KeyPayload{Key: key}); err != nil {
		return fmt.Errorf("delete value (key %s): %w", key, err)
	}
	return nil
}

func (kf *kvFsm) Get(key string) (string, error) {
	return kf.tkv.Get(key)
}

func (kf *kvFsm) Iterate(prefix string, offset int, limit int) ([]string, error) {
	return kf.tkv.Iterate(prefix, offset, limit)
}

func (kf *kvFsm) Join(followerId string, followerAddress string) error {
	if kf.r == nil {
		return fmt.Errorf("cannot join: node %s is standalone", kf.thisNode)
	}
	kf.logger.Info("Attempting to join follower to Raft cluster", "follower_id", followerId, "follower_addr", followerAddress)

	if kf.r.State() != raft.Leader {
		leaderAddr := kf.r.Leader()
		kf.logger.Warn("Join attempt on non-leader node", "current_leader", string(leaderAddr))
		return fmt.Errorf("cannot join: this node is not the leader. Current leader: %s", leaderAddr)
	}

	future := kf.r.AddVoter(raft.ServerID(followerId), raft.ServerAddress(followerAddress), 0, 0)
	if err := future.Error(); err != nil {
		kf.logger.Error("Failed to add voter to Raft cluster", "follower_id", followerId, "follower_addr", followerAddress, "error", err)
		return fmt.Errorf("failed to add voter (id: %s, addr: %s): %w", followerId, followerAddress, err)
	}
	kf.logger.Debug("Successfully added voter to Raft cluster", "follower_id", followerId, "follower_addr", followerAddress)
	return nil
}

func (kf *kvFsm) IsLeader() bool {
	return kf.r == nil || kf.r.State() == raft.Leader
}

func (kf *kvFsm) Leader() string {
	if kf.r == nil {
		return kf.thisNode
	}
	return string(kf.r.Leader())
}

// LeaderHTTPAddress returns host:port of the leader's http listener,
// preferring its client domain.
func (kf *kvFsm) LeaderHTTPAddress() (string, error) {
	if kf.r == nil {
		return "", fmt.Errorf("standalone node has no remote leader")
	}
	leaderRaftAddr := kf.r.Leader()
	if leaderRaftAddr == "" {
		return "", fmt.Errorf("no current leader")
	}

	for nodeID, nodeCfg := range kf.cfg.Nodes {
		if nodeCfg.RaftBinding != string(leaderRaftAddr) {
			continue
		}
		host, port, err := net.SplitHostPort(nodeCfg.HttpBinding)
		if err != nil {
			kf.logger.Error("Failed to parse leader HttpBinding",
				"leader_node_id", nodeID,
				"http_binding", nodeCfg.HttpBinding,
				"error", err)
			return nodeCfg.HttpBinding, nil
		}
		if nodeCfg.ClientDomain != "" {
			host = nodeCfg.ClientDomain
		}
		return net.JoinHostPort(host, port), nil
	}
	return "", fmt.Errorf("leader Raft address '%s' not found in cluster configuration", leaderRaftAddr)
}
