package config

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	RaftDataDirName     = "raft_data"
	BadgerValuesDirName = "values"
)

type Node struct {
	RaftBinding  string `yaml:"raftBinding" validate:"required,hostname_port"`
	HttpBinding  string `yaml:"httpBinding" validate:"required,hostname_port"`
	NodeSecret   string `yaml:"nodeSecret"`
	ClientDomain string `yaml:"clientDomain,omitempty"`
}

type Cache struct {
	Keys time.Duration `yaml:"keys"`
}

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type SessionsConfig struct {
	EventChannelSize         int `yaml:"eventChannelSize" validate:"gt=0"`
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize" validate:"gt=0"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize" validate:"gt=0"`
	MaxConnections           int `yaml:"maxConnections" validate:"gt=0"`
}

type Logging struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

// Ledger bounds the filesystem operations every node applies.
type Ledger struct {
	// ViewingKeySeed is mixed into every viewing key. When empty it is derived
	// from the instance secret. Changing it does not invalidate issued keys.
	ViewingKeySeed  string `yaml:"viewingKeySeed,omitempty"`
	MaxBatch        int    `yaml:"maxBatch" validate:"gte=0"`
	MaxContentsSize int    `yaml:"maxContentsSize" validate:"gte=0"`
}

type Cluster struct {
	InstanceSecret   string          `yaml:"instanceSecret"` // shared by every node of the cluster
	DefaultLeader    string          `yaml:"defaultLeader"`  // if first time launch, non-leaders will auto-follow this leader
	Nodes            map[string]Node `yaml:"nodes" validate:"dive"`
	TLS              TLS             `yaml:"tls"`
	ClientSkipVerify bool            `yaml:"clientSkipVerify"` // Across all nodes, if true, then their "join" clients will permit skip of TLS verification
	DataDir          string          `yaml:"dataDir"`
	ServerMustUseTLS bool            `yaml:"serverMustUseTLS"`
	Cache            Cache           `yaml:"cache"`
	RootPrefix       string          `yaml:"rootPrefix"`
	RateLimiters     RateLimiters    `yaml:"rateLimiters"`
	Sessions         SessionsConfig  `yaml:"sessions"`
	Logging          Logging         `yaml:"logging"`
	Metrics          Metrics         `yaml:"metrics"`
	Ledger           Ledger          `yaml:"ledger"`

	// TrustedProxies may set X-Forwarded-For / X-Real-IP.
	TrustedProxies []string `yaml:"trustedProxies,omitempty" validate:"dive,ip"`
	// PermittedIPs restricts who may connect. Empty permits everyone.
	PermittedIPs []string `yaml:"permittedIPs,omitempty" validate:"dive,ip"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit" validate:"gt=0"` // Requests per second
	Burst int     `yaml:"burst" validate:"gte=0"`
}

type RateLimiters struct {
	Writes  RateLimiterConfig `yaml:"writes"`
	Queries RateLimiterConfig `yaml:"queries"`
	System  RateLimiterConfig `yaml:"system"`
	Default RateLimiterConfig `yaml:"default"`
	Events  RateLimiterConfig `yaml:"events"`
}

var (
	ErrConfigFileMissing               = errors.New("config file is missing")
	ErrConfigFileUnreadable            = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable        = errors.New("config file is unmarshallable")
	ErrConfigInvalid                   = errors.New("config failed validation")
	ErrInstanceSecretMissing           = errors.New("instanceSecret is missing in config")
	ErrDefaultLeaderMissing            = errors.New("defaultLeader is not set in config")
	ErrDefaultLeaderUnknown            = errors.New("defaultLeader does not name a configured node")
	ErrNodesMissing                    = errors.New("no nodes defined in config")
	ErrDataDirMissing                  = errors.New("dataDir is missing in config and is required for lock files and node data")
	ErrTLSMissing                      = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrDuplicateNodeSecret             = errors.New("duplicate node secret in config - each node must contain a unique nodeSecret")
	ErrCacheKeysMissing                = errors.New("cache.keys is missing in config")
	ErrRootPrefixMissing               = errors.New("rootPrefix is missing in config")
	ErrRateLimitersWritesLimitMissing  = errors.New("rateLimiters.writes.limit is missing in config")
	ErrRateLimitersQueriesLimitMissing = errors.New("rateLimiters.queries.limit is missing in config")
	ErrRateLimitersSystemLimitMissing  = errors.New("rateLimiters.system.limit is missing in config")
	ErrRateLimitersDefaultLimitMissing = errors.New("rateLimiters.default.limit is missing in config")
	ErrRateLimitersEventsLimitMissing  = errors.New("rateLimiters.events.limit is missing in config")
	ErrSessionsEventChannelSizeMissing = errors.New("sessions.eventChannelSize is missing or invalid in config")
	ErrSessionsMaxConnectionsMissing   = errors.New("sessions.maxConnections is missing or invalid in config")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func LoadConfig(configFile string) (*Cluster, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrConfigFileMissing
		}
		return nil, ErrConfigFileUnreadable
	}

	var cfg Cluster
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs the required-field checks followed by the struct tag rules.
func (cfg *Cluster) Validate() error {
	if cfg.InstanceSecret == "" {
		return ErrInstanceSecretMissing
	}
	if len(cfg.Nodes) == 0 {
		return ErrNodesMissing
	}
	if cfg.DefaultLeader == "" {
		return ErrDefaultLeaderMissing
	}
	if _, ok := cfg.Nodes[cfg.DefaultLeader]; !ok {
		return ErrDefaultLeaderUnknown
	}

	seenNodeSecrets := make(map[string]bool)
	for _, node := range cfg.Nodes {
		if seenNodeSecrets[node.NodeSecret] {
			return ErrDuplicateNodeSecret
		}
		seenNodeSecrets[node.NodeSecret] = true
	}

	if cfg.DataDir == "" {
		return ErrDataDirMissing
	}

	if cfg.ServerMustUseTLS && (cfg.TLS.Cert == "" || cfg.TLS.Key == "") {
		return ErrTLSMissing
	}
	if (cfg.TLS.Cert != "") != (cfg.TLS.Key != "") {
		return ErrTLSMissing
	}

	if cfg.Cache.Keys == 0 {
		return ErrCacheKeysMissing
	}
	if cfg.RootPrefix == "" {
		return ErrRootPrefixMissing
	}

	if cfg.RateLimiters.Writes.Limit == 0 {
		return ErrRateLimitersWritesLimitMissing
	}
	if cfg.RateLimiters.Queries.Limit == 0 {
		return ErrRateLimitersQueriesLimitMissing
	}
	if cfg.RateLimiters.System.Limit == 0 {
		return ErrRateLimitersSystemLimitMissing
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return ErrRateLimitersDefaultLimitMissing
	}
	if cfg.RateLimiters.Events.Limit == 0 {
		return ErrRateLimitersEventsLimitMissing
	}

	if cfg.Sessions.EventChannelSize <= 0 {
		return ErrSessionsEventChannelSizeMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return ErrSessionsMaxConnectionsMissing
	}

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return nil
}

// RootToken is the bearer token that authenticates as the cluster root.
func (cfg *Cluster) RootToken() string {
	sum := sha256.Sum256([]byte(cfg.InstanceSecret))
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(sum[:])))
}

// ViewingKeySeed returns the seed shared by every node for viewing keys.
func (cfg *Cluster) ViewingKeySeed() []byte {
	if cfg.Ledger.ViewingKeySeed != "" {
		return []byte(cfg.Ledger.ViewingKeySeed)
	}
	sum := sha256.Sum256([]byte("viewing-key-seed:" + cfg.InstanceSecret))
	return sum[:]
}

// LogLevel maps logging.level to a slog level, defaulting to info.
func (cfg *Cluster) LogLevel() slog.Level {
	switch cfg.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func GenerateConfig(configFile string) (*Cluster, error) {
	cfg := Cluster{
		InstanceSecret:   "please_change_this_secret_in_production_!!!",
		DefaultLeader:    "node0",
		Nodes:            make(map[string]Node),
		ClientSkipVerify: false,
		DataDir:          "data/ledgerfs",
		ServerMustUseTLS: true,
		TLS: TLS{
			Cert: "keys/server.crt",
			Key:  "keys/server.key",
		},
		Cache: Cache{
			Keys: 1 * time.Hour,
		},
		RootPrefix: "please_change_this_root_key_prefix!!!!!",
		RateLimiters: RateLimiters{
			Writes:  RateLimiterConfig{Limit: 100.0, Burst: 200},
			Queries: RateLimiterConfig{Limit: 200.0, Burst: 400},
			System:  RateLimiterConfig{Limit: 50.0, Burst: 100},
			Default: RateLimiterConfig{Limit: 100.0, Burst: 200},
			Events:  RateLimiterConfig{Limit: 200.0, Burst: 400},
		},
		Sessions: SessionsConfig{
			EventChannelSize:         1000,
			WebSocketReadBufferSize:  4096,
			WebSocketWriteBufferSize: 4096,
			MaxConnections:           100,
		},
		Logging: Logging{Level: "info"},
		Metrics: Metrics{Enabled: true},
		Ledger: Ledger{
			MaxBatch:        256,
			MaxContentsSize: 1 << 20,
		},
	}

	cfg.Nodes["node0"] = Node{
		RaftBinding:  "127.0.0.1:7000",
		HttpBinding:  "127.0.0.1:7001",
		NodeSecret:   "node0_secret_please_change_!!!",
		ClientDomain: "localhost",
	}
	cfg.Nodes["node1"] = Node{
		RaftBinding:  "127.0.0.1:7002",
		HttpBinding:  "127.0.0.1:7003",
		NodeSecret:   "node1_secret_please_change_!!!",
		ClientDomain: "localhost",
	}
	cfg.Nodes["node2"] = Node{
		RaftBinding:  "127.0.0.1:7004",
		HttpBinding:  "127.0.0.1:7005",
		NodeSecret:   "node2_secret_please_change_!!!",
		ClientDomain: "localhost",
	}

	// configFile is written by the runtime; it is accepted here to keep the
	// signature symmetric with LoadConfig.
	_ = configFile
	return &cfg, nil
}
