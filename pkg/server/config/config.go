package config

import (
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.etcd.io/etcd/client/pkg/v3/types"
	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"

	"github.com/AutoMQ/kvcluster/pkg/util/typeutil"
)

var (
	_defaultConfigFilePaths   = []string{".", "$CONFIG_DIR/"}
	_defaultLogZapOutputPaths = []string{"stderr"}
)

const (
	URLSeparator = "," // URLSeparator is the separator in fields such as PeerUrls, ClientUrls, etc.

	_envPrefix = "KVC"

	_defaultPeerUrls                = "http://127.0.0.1:22380"
	_defaultClientUrls              = "http://127.0.0.1:22379"
	_defaultEtcdLogLevel            = "warn"
	_defaultCompactionMode          = "periodic"
	_defaultAutoCompactionRetention = "1h"
	_defaultNameFormat              = "kvnode-%d"
	_defaultDataDirFormat           = "default.%s"
	_defaultInitialClusterFormat    = "%s=%s"
	_defaultInitialClusterToken     = "kvnode"
	_defaultRootPath                = "/kvcluster"
	_defaultTopologyFile            = "topology.toml"
	_defaultStoreRequestTimeout     = 5 * time.Second

	_defaultLogLevel            = "INFO"
	_defaultLogZapEncoding      = "json"
	_defaultLogEnableRotation   = false
	_defaultLogRotateMaxSize    = 64
	_defaultLogRotateMaxAge     = 180
	_defaultLogRotateMaxBackups = 0
	_defaultLogRotateLocalTime  = false
	_defaultLogRotateCompress   = false
)

// Config is the configuration for a storage node
type Config struct {
	// Etcd is the configuration of the embedded etcd which keeps the local entries.
	Etcd            *embed.Config
	Log             *Log
	FailureDetector *FailureDetector
	Fetch           *Fetch

	PeerUrls            string
	ClientUrls          string
	AdvertisePeerUrls   string
	AdvertiseClientUrls string

	Name           string
	DataDir        string
	InitialCluster string

	// NodeID is the id of this node in the topology.
	NodeID int32
	// TopologyFile is the path of the TOML file describing the cluster and its stores.
	TopologyFile string
	// RootPath is the etcd key prefix under which all entries are kept, locally and on peers.
	RootPath string
	// StoreRequestTimeout bounds every request to the store of a peer node.
	StoreRequestTimeout time.Duration

	lg *zap.Logger
}

// NewConfig creates a new config.
func NewConfig(arguments []string, errOutput io.Writer) (*Config, error) {
	cfg := &Config{}
	cfg.Etcd = embed.NewConfig()
	cfg.Log = NewLog()
	cfg.FailureDetector = NewFailureDetector()
	cfg.Fetch = NewFetch()

	v := newViper()
	fs := newFlagSet(errOutput)
	configure(v, fs)

	// parse from command line
	fs.String("config", "", "configuration file")
	err := fs.Parse(arguments)
	if err != nil {
		return nil, err
	}

	// read configuration from file
	c, _ := fs.GetString("config")
	v.SetConfigFile(c)
	err = v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read configuration file")
		}
	}

	// set config
	err = v.Unmarshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration")
	}

	// new and set logger (first thing after configuration loaded)
	err = cfg.Log.Adjust()
	if err != nil {
		return nil, errors.Wrap(err, "adjust log config")
	}
	logger, err := cfg.Log.Logger()
	if err != nil {
		return nil, errors.Wrap(err, "create logger")
	}
	cfg.lg = logger

	if configFile := v.ConfigFileUsed(); configFile != "" {
		logger.Debug("load configuration from file", zap.String("file-name", configFile))
	}

	return cfg, nil
}

// Adjust generates default values for some fields (if they are empty)
func (c *Config) Adjust() error {
	if c.AdvertisePeerUrls == "" {
		c.AdvertisePeerUrls = c.PeerUrls
	}
	if c.AdvertiseClientUrls == "" {
		c.AdvertiseClientUrls = c.ClientUrls
	}
	if c.Name == "" {
		c.Name = fmt.Sprintf(_defaultNameFormat, c.NodeID)
	}
	if c.DataDir == "" {
		c.DataDir = fmt.Sprintf(_defaultDataDirFormat, c.Name)
	}
	if c.InitialCluster == "" {
		// For example, when Name is set "kvnode-1" and AdvertisePeerUrls is set to "http://127.0.0.1:22380,http://127.0.0.1:22381",
		// the InitialCluster is "kvnode-1=http://127.0.0.1:22380,kvnode-1=http://127.0.0.1:22381".
		urls := strings.Split(c.AdvertisePeerUrls, URLSeparator)
		nodes := make([]string, 0, len(urls))
		for _, u := range urls {
			nodes = append(nodes, fmt.Sprintf(_defaultInitialClusterFormat, c.Name, u))
		}
		c.InitialCluster = strings.Join(nodes, URLSeparator)
	}
	c.RootPath = "/" + strings.Trim(c.RootPath, "/")

	// set etcd config
	err := c.adjustEtcd()
	if err != nil {
		return errors.Wrap(err, "adjust etcd config")
	}

	return nil
}

func (c *Config) adjustEtcd() error {
	cfg := c.Etcd
	cfg.Name = c.Name
	cfg.Dir = c.DataDir
	cfg.InitialCluster = c.InitialCluster

	var err error
	cfg.LPUrls, err = parseUrls(c.PeerUrls)
	if err != nil {
		return errors.Wrap(err, "parse peer url")
	}
	cfg.LCUrls, err = parseUrls(c.ClientUrls)
	if err != nil {
		return errors.Wrap(err, "parse client url")
	}
	cfg.APUrls, err = parseUrls(c.AdvertisePeerUrls)
	if err != nil {
		return errors.Wrap(err, "parse advertise peer url")
	}
	cfg.ACUrls, err = parseUrls(c.AdvertiseClientUrls)
	if err != nil {
		return errors.Wrap(err, "parse advertise client url")
	}

	return nil
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (c *Config) Validate() error {
	_, err := filepath.Abs(c.DataDir)
	if err != nil {
		return errors.Wrapf(err, "invalid data dir path `%s`", c.DataDir)
	}
	if c.NodeID < 0 {
		return errors.Errorf("invalid node id `%d`", c.NodeID)
	}
	if c.TopologyFile == "" {
		return errors.New("topology file is required")
	}
	if c.StoreRequestTimeout <= 0 {
		return errors.Errorf("invalid store request timeout `%s`", c.StoreRequestTimeout)
	}
	if _, err := types.NewURLs(strings.Split(c.AdvertiseClientUrls, URLSeparator)); err != nil {
		return errors.Wrapf(err, "invalid advertise client urls `%s`", c.AdvertiseClientUrls)
	}

	if err := c.FailureDetector.Validate(); err != nil {
		return errors.Wrap(err, "validate failure detector config")
	}

	if err := c.Fetch.Validate(); err != nil {
		return errors.Wrap(err, "validate fetch config")
	}

	return nil
}

// Logger returns logger generated based on the config
// It can be used after calling NewConfig
func (c *Config) Logger() *zap.Logger {
	if c != nil {
		return c.lg
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix(_envPrefix)
	v.AutomaticEnv()
	for _, filePath := range _defaultConfigFilePaths {
		v.AddConfigPath(filePath)
	}
	return v
}

func newFlagSet(errOutput io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("kvnode", pflag.ContinueOnError)
	fs.SetOutput(errOutput)
	return fs
}

func configure(v *viper.Viper, fs *pflag.FlagSet) {
	// etcd urls settings
	fs.String("peer-urls", _defaultPeerUrls, "urls for peer traffic of the local etcd")
	fs.String("client-urls", _defaultClientUrls, "urls for client traffic of the local etcd")
	fs.String("advertise-peer-urls", "", "advertise urls for peer traffic (default '${peer-urls}')")
	fs.String("advertise-client-urls", "", "advertise urls for client traffic (default '${client-urls}')")
	_ = v.BindPFlag("peerUrls", fs.Lookup("peer-urls"))
	_ = v.BindPFlag("clientUrls", fs.Lookup("client-urls"))
	_ = v.BindPFlag("advertisePeerUrls", fs.Lookup("advertise-peer-urls"))
	_ = v.BindPFlag("advertiseClientUrls", fs.Lookup("advertise-client-urls"))

	// other etcd settings
	fs.String("etcd-log-level", _defaultEtcdLogLevel, "log level for etcd. One of: debug|info|warn|error|panic|fatal")
	fs.String("etcd-auto-compaction-mode", _defaultCompactionMode, "interpret 'auto-compaction-retention' one of: periodic|revision. 'periodic' for duration based retention, defaulting to hours if no time unit is provided (e.g. '5m'). 'revision' for revision number based retention.")
	fs.String("etcd-auto-compaction-retention", _defaultAutoCompactionRetention, "auto compaction retention for mvcc key value store. 0 means disable auto compaction.")
	fs.String("etcd-initial-cluster-token", _defaultInitialClusterToken, "set different tokens to prevent communication between local etcd of different nodes")
	_ = v.BindPFlag("etcd.logLevel", fs.Lookup("etcd-log-level"))
	_ = v.BindPFlag("etcd.autoCompactionMode", fs.Lookup("etcd-auto-compaction-mode"))
	_ = v.BindPFlag("etcd.autoCompactionRetention", fs.Lookup("etcd-auto-compaction-retention"))
	_ = v.BindPFlag("etcd.initialClusterToken", fs.Lookup("etcd-initial-cluster-token"))

	// node settings
	fs.Int32("node-id", 0, "id of this node in the topology")
	fs.String("name", "", "human-readable name for this node (default 'kvnode-${node-id}')")
	fs.String("data-dir", "", "path to the data directory (default 'default.${name}')")
	fs.String("initial-cluster", "", "initial cluster configuration of the local etcd, e.g. kvnode-0=http://127.0.0.1:22380. (default '${name}=${advertise-peer-urls}')")
	fs.String("topology-file", _defaultTopologyFile, "path of the topology file")
	fs.String("root-path", _defaultRootPath, "etcd key prefix of all entries")
	fs.Duration("store-request-timeout", _defaultStoreRequestTimeout, "timeout of a request to the store of a peer node")
	_ = v.BindPFlag("nodeID", fs.Lookup("node-id"))
	_ = v.BindPFlag("name", fs.Lookup("name"))
	_ = v.BindPFlag("dataDir", fs.Lookup("data-dir"))
	_ = v.BindPFlag("initialCluster", fs.Lookup("initial-cluster"))
	_ = v.BindPFlag("topologyFile", fs.Lookup("topology-file"))
	_ = v.BindPFlag("rootPath", fs.Lookup("root-path"))
	_ = v.BindPFlag("storeRequestTimeout", fs.Lookup("store-request-timeout"))

	// bind env not set before
	_ = v.BindEnv("etcd.clusterState")

	logConfigure(v, fs)
	failureDetectorConfigure(v, fs)
	fetchConfigure(v, fs)
}

// parseUrls parse a string into multiple urls.
func parseUrls(s string) ([]url.URL, error) {
	items := typeutil.FilterZero(strings.Split(s, URLSeparator))
	urls := make([]url.URL, 0, len(items))
	for _, item := range items {
		u, err := url.Parse(item)
		if err != nil {
			return nil, errors.Wrapf(err, "parse url %s", item)
		}

		urls = append(urls, *u)
	}

	return urls, nil
}
