package config

import (
	"net"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	_defaultFetchAddr                     = "127.0.0.1:22378"
	_defaultFetchProgressInterval   int64 = 100000
	_defaultFetchMaxReadBytesPerSec       = 10 * 1024 * 1024
)

// Fetch is the configuration for fetch.Handler
type Fetch struct {
	// Addr is the address the fetch server listens on, in the format of "host:port".
	Addr string
	// ProgressInterval is the number of scanned entries between two progress logs.
	ProgressInterval int64
	// MaxReadBytesPerSec limits the bytes sent by all fetch streams of the node. 0 means no limit.
	MaxReadBytesPerSec int
}

func NewFetch() *Fetch {
	return &Fetch{}
}

func (f *Fetch) Validate() error {
	if _, _, err := net.SplitHostPort(f.Addr); err != nil {
		return errors.Wrapf(err, "invalid addr `%s`", f.Addr)
	}
	if f.ProgressInterval <= 0 {
		return errors.Errorf("invalid progress interval `%d`", f.ProgressInterval)
	}
	if f.MaxReadBytesPerSec < 0 {
		return errors.Errorf("invalid max read bytes per second `%d`", f.MaxReadBytesPerSec)
	}
	return nil
}

func fetchConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("fetch-addr", _defaultFetchAddr, "address of the fetch server")
	fs.Int64("fetch-progress-interval", _defaultFetchProgressInterval, "number of scanned entries between two progress logs")
	fs.Int("fetch-max-read-bytes-per-sec", _defaultFetchMaxReadBytesPerSec, "maximum bytes per second sent by fetch streams (zero for no limit)")
	_ = v.BindPFlag("fetch.addr", fs.Lookup("fetch-addr"))
	_ = v.BindPFlag("fetch.progressInterval", fs.Lookup("fetch-progress-interval"))
	_ = v.BindPFlag("fetch.maxReadBytesPerSec", fs.Lookup("fetch-max-read-bytes-per-sec"))
}
