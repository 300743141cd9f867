package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	_defaultFailureDetectorBannagePeriod = 30 * time.Second
	_defaultFailureDetectorProbeTimeout  = 0
)

// FailureDetector is the configuration for failuredetector.AsyncRecovery
type FailureDetector struct {
	// BannagePeriod is the interval between two probes of unavailable nodes.
	BannagePeriod time.Duration
	// ProbeTimeout bounds a single probe. 0 means the store request timeout alone applies.
	ProbeTimeout time.Duration
}

func NewFailureDetector() *FailureDetector {
	return &FailureDetector{}
}

func (f *FailureDetector) Validate() error {
	if f.BannagePeriod <= 0 {
		return errors.Errorf("invalid bannage period `%s`", f.BannagePeriod)
	}
	if f.ProbeTimeout < 0 {
		return errors.Errorf("invalid probe timeout `%s`", f.ProbeTimeout)
	}
	return nil
}

func failureDetectorConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Duration("failure-detector-bannage-period", _defaultFailureDetectorBannagePeriod, "time interval between two probes of unavailable nodes")
	fs.Duration("failure-detector-probe-timeout", _defaultFailureDetectorProbeTimeout, "timeout of a single probe (zero for the store request timeout)")
	_ = v.BindPFlag("failureDetector.bannagePeriod", fs.Lookup("failure-detector-bannage-period"))
	_ = v.BindPFlag("failureDetector.probeTimeout", fs.Lookup("failure-detector-probe-timeout"))
}
