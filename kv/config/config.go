package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Duration is a time.Duration that can be decoded from a toml string like "50ms".
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ByteSize is a size that can be decoded from a human readable string like "64MB".
type ByteSize uint64

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.WithStack(err)
	}
	if v < 0 {
		return errors.Errorf("invalid byte size %s", text)
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(b))), nil
}

type Config struct {
	StoreAddr  string `toml:"addr"`
	StatusAddr string `toml:"status-addr"`
	// Directory to store the data in. Should exist and be writable.
	DataDir string `toml:"data-dir"`
	// NodeID is the raft id of this node in its replication group.
	NodeID uint64 `toml:"node-id"`
	// Raft ids of every member of the group, NodeID included.
	Peers []uint64 `toml:"peers"`
	// Status address of every other member, by raft id. Raft messages travel over it.
	PeerAddrs map[string]string `toml:"peer-addrs"`

	Log log.Config `toml:"log"`

	// raft_base_tick_interval is a base tick interval.
	RaftBaseTickInterval     Duration `toml:"raft-base-tick-interval"`
	RaftHeartbeatTicks       int      `toml:"raft-heartbeat-ticks"`
	RaftElectionTimeoutTicks int      `toml:"raft-election-timeout-ticks"`
	RaftMaxSizePerMsg        ByteSize `toml:"raft-max-size-per-msg"`
	RaftMaxInflightMsgs      int      `toml:"raft-max-inflight-msgs"`

	// Max number of operations the prepare worker coalesces into one replication batch.
	PrepareBatchMaxSize int `toml:"prepare-batch-max-size"`
	PrepareQueueSize    int `toml:"prepare-queue-size"`
	// Operations per second admitted by the prepare worker. 0 means no limit.
	PrepareAdmissionRate float64 `toml:"prepare-admission-rate"`
	ApplyQueueSize       int     `toml:"apply-queue-size"`

	// In-flight drivers allowed by the operation tracker. 0 means no limit.
	MaxInflightOperations int `toml:"max-inflight-operations"`

	// Commit record write throughput of the durable log. 0 means no limit.
	WALWriteRate  ByteSize `toml:"wal-write-rate"`
	WALSyncWrites bool     `toml:"wal-sync-writes"`

	// Upper bound of the clock error, used by commit wait.
	ClockMaxError Duration `toml:"clock-max-error"`
	// How long Close waits for in-flight operations.
	ShutdownTimeout Duration `toml:"shutdown-timeout"`

	logger   *zap.Logger
	logProps *log.ZapProperties
}

func (c *Config) Validate() error {
	if c.RaftHeartbeatTicks == 0 {
		return fmt.Errorf("heartbeat tick must greater than 0")
	}

	if c.RaftElectionTimeoutTicks != 10 {
		log.Warn("Election timeout ticks needs to be same across all the cluster, " +
			"otherwise it may lead to inconsistency.")
	}

	if c.RaftElectionTimeoutTicks <= c.RaftHeartbeatTicks {
		return fmt.Errorf("election tick must be greater than heartbeat tick")
	}

	if c.RaftMaxInflightMsgs <= 0 {
		return fmt.Errorf("raft max inflight msgs must be greater than 0")
	}

	if c.PrepareBatchMaxSize <= 0 {
		return fmt.Errorf("prepare batch max size must be greater than 0")
	}

	if c.PrepareAdmissionRate < 0 {
		return fmt.Errorf("prepare admission rate must not be negative")
	}

	if c.NodeID == 0 {
		return fmt.Errorf("node id must not be 0")
	}

	found := false
	for _, id := range c.Peers {
		found = found || id == c.NodeID
	}
	if !found {
		return fmt.Errorf("peers %v must include node id %d", c.Peers, c.NodeID)
	}

	addrs, err := c.ParsePeerAddrs()
	if err != nil {
		return err
	}
	for _, id := range c.Peers {
		if _, ok := addrs[id]; !ok && id != c.NodeID {
			return fmt.Errorf("no address for peer %d", id)
		}
	}

	return nil
}

// LoadFile overlays the toml file at path on c.
func (c *Config) LoadFile(path string) error {
	_, err := toml.DecodeFile(path, c)
	return errors.Annotatef(err, "load config %s", path)
}

// ParsePeerAddrs returns PeerAddrs keyed by raft id.
func (c *Config) ParsePeerAddrs() (map[uint64]string, error) {
	addrs := make(map[uint64]string, len(c.PeerAddrs))
	for k, addr := range c.PeerAddrs {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return nil, errors.Annotatef(err, "invalid peer id %q", k)
		}
		addrs[id] = addr
	}
	return addrs, nil
}

// CommitWait reports whether leader writes must wait out the clock error.
func (c *Config) CommitWait() bool {
	return c.ClockMaxError.Duration > 0
}

// WALPath is where the durable log keeps its files.
func (c *Config) WALPath() string {
	return filepath.Join(c.DataDir, "wal")
}

// SetupLogger setup the logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	c.logger = lg
	c.logProps = p
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

// GetZapLogProperties gets properties of the zap logger.
func (c *Config) GetZapLogProperties() *log.ZapProperties {
	return c.logProps
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		StoreAddr:                "127.0.0.1:20160",
		StatusAddr:               "127.0.0.1:20180",
		DataDir:                  "/tmp/tinytablet",
		NodeID:                   1,
		Peers:                    []uint64{1},
		Log:                      log.Config{Level: getLogLevel()},
		RaftBaseTickInterval:     NewDuration(100 * time.Millisecond),
		RaftHeartbeatTicks:       2,
		RaftElectionTimeoutTicks: 10,
		RaftMaxSizePerMsg:        ByteSize(1 * MB),
		RaftMaxInflightMsgs:      256,
		PrepareBatchMaxSize:      64,
		PrepareQueueSize:         1024,
		ApplyQueueSize:           1024,
		MaxInflightOperations:    4096,
		WALWriteRate:             ByteSize(64 * MB),
		WALSyncWrites:            true,
		ClockMaxError:            NewDuration(time.Millisecond),
		ShutdownTimeout:          NewDuration(10 * time.Second),
	}
}

func NewTestConfig() *Config {
	return &Config{
		DataDir:                  "/tmp/tinytablet",
		NodeID:                   1,
		Peers:                    []uint64{1},
		Log:                      log.Config{Level: getLogLevel()},
		RaftBaseTickInterval:     NewDuration(10 * time.Millisecond),
		RaftHeartbeatTicks:       2,
		RaftElectionTimeoutTicks: 10,
		RaftMaxSizePerMsg:        ByteSize(1 * MB),
		RaftMaxInflightMsgs:      256,
		PrepareBatchMaxSize:      16,
		PrepareQueueSize:         128,
		ApplyQueueSize:           128,
		MaxInflightOperations:    1024,
		WALSyncWrites:            false,
		ClockMaxError:            NewDuration(0),
		ShutdownTimeout:          NewDuration(5 * time.Second),
	}
}
