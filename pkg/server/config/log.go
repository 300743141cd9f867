package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log configures the node logger.
// With EnableRotation, every output path other than stdout and stderr is written through lumberjack.
type Log struct {
	Zap            zap.Config
	Rotate         Rotate
	EnableRotation bool
	Level          string
}

// Rotate holds the lumberjack.Logger knobs shared by every rotated file.
type Rotate struct {
	MaxSize    int // megabytes
	MaxAge     int // days
	MaxBackups int
	LocalTime  bool
	Compress   bool
}

func (r Rotate) open(filename string) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   filename,
		MaxSize:    r.MaxSize,
		MaxAge:     r.MaxAge,
		MaxBackups: r.MaxBackups,
		LocalTime:  r.LocalTime,
		Compress:   r.Compress,
	})
}

// NewLog creates a default logging configuration.
func NewLog() *Log {
	l := &Log{Zap: zap.NewProductionConfig()}
	l.Zap.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	l.Zap.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l.Zap.EncoderConfig.EncodeDuration = DurationEncoder
	return l
}

// DurationEncoder encodes a duration in the largest unit it does not underflow.
func DurationEncoder(d time.Duration, enc zapcore.PrimitiveArrayEncoder) {
	switch {
	case d < time.Microsecond:
		enc.AppendString(fmt.Sprintf("%dns", d.Nanoseconds()))
	case d < time.Millisecond:
		enc.AppendString(fmt.Sprintf("%dus", d.Microseconds()))
	case d < time.Second:
		enc.AppendString(fmt.Sprintf("%dms", d.Milliseconds()))
	default:
		enc.AppendString(fmt.Sprintf("%.3fs", d.Seconds()))
	}
}

// Adjust resolves Level and defaults the error outputs to the outputs.
func (l *Log) Adjust() error {
	if l.Zap.ErrorOutputPaths == nil {
		l.Zap.ErrorOutputPaths = slices.Clone(l.Zap.OutputPaths)
	}
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return errors.Wrap(err, "parse log level")
	}
	l.Zap.Level = zap.NewAtomicLevelAt(level)
	return nil
}

// Logger builds the logger. It may be called more than once.
func (l *Log) Logger(opts ...zap.Option) (*zap.Logger, error) {
	if !l.EnableRotation {
		logger, err := l.Zap.Build(opts...)
		if err != nil {
			return nil, errors.Wrap(err, "build logger")
		}
		return logger, nil
	}

	var enc zapcore.Encoder
	switch l.Zap.Encoding {
	case "json":
		enc = zapcore.NewJSONEncoder(l.Zap.EncoderConfig)
	case "console":
		enc = zapcore.NewConsoleEncoder(l.Zap.EncoderConfig)
	default:
		return nil, errors.Errorf("build logger: unknown encoding %q", l.Zap.Encoding)
	}

	// a file listed in both outputs shares one lumberjack.Logger
	opened := make(map[string]zapcore.WriteSyncer)
	core := zapcore.NewCore(enc, l.sink(l.Zap.OutputPaths, opened), l.Zap.Level)
	if s := l.Zap.Sampling; s != nil {
		core = zapcore.NewSamplerWithOptions(core, time.Second, s.Initial, s.Thereafter)
	}

	base := []zap.Option{zap.ErrorOutput(l.sink(l.Zap.ErrorOutputPaths, opened))}
	if l.Zap.Development {
		base = append(base, zap.Development())
	}
	if !l.Zap.DisableCaller {
		base = append(base, zap.AddCaller())
	}
	if !l.Zap.DisableStacktrace {
		level := zapcore.ErrorLevel
		if l.Zap.Development {
			level = zapcore.WarnLevel
		}
		base = append(base, zap.AddStacktrace(level))
	}
	return zap.New(core, append(base, opts...)...), nil
}

func (l *Log) sink(paths []string, opened map[string]zapcore.WriteSyncer) zapcore.WriteSyncer {
	syncers := make([]zapcore.WriteSyncer, 0, len(paths))
	for _, path := range paths {
		ws, ok := opened[path]
		if !ok {
			switch path {
			case "stdout":
				ws = zapcore.Lock(os.Stdout)
			case "stderr":
				ws = zapcore.Lock(os.Stderr)
			default:
				ws = l.Rotate.open(path)
			}
			opened[path] = ws
		}
		syncers = append(syncers, ws)
	}
	return zapcore.NewMultiWriteSyncer(syncers...)
}

func logConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("log-level", _defaultLogLevel, "the minimum enabled logging level")
	fs.StringSlice("log-zap-output-paths", _defaultLogZapOutputPaths, "a list of URLs or file paths to write logging output to")
	fs.StringSlice("log-zap-error-output-paths", []string{}, "a list of URLs to write internal logger errors to (default ${log-zap-output-paths})")
	fs.String("log-zap-encoding", _defaultLogZapEncoding, "the logger's encoding, \"json\" or \"console\"")
	fs.Bool("log-enable-rotation", _defaultLogEnableRotation, "whether to rotate the log files in the output paths")
	fs.Int("log-rotate-max-size", _defaultLogRotateMaxSize, "maximum size in megabytes of a log file before it gets rotated")
	fs.Int("log-rotate-max-age", _defaultLogRotateMaxAge, "maximum number of days to retain rotated log files")
	fs.Int("log-rotate-max-backups", _defaultLogRotateMaxBackups, "maximum number of rotated log files to retain, 0 retains all")
	fs.Bool("log-rotate-local-time", _defaultLogRotateLocalTime, "whether rotated file names use local time instead of UTC")
	fs.Bool("log-rotate-compress", _defaultLogRotateCompress, "whether to gzip rotated log files")
	_ = v.BindPFlag("log.level", fs.Lookup("log-level"))
	_ = v.BindPFlag("log.zap.outputPaths", fs.Lookup("log-zap-output-paths"))
	_ = v.BindPFlag("log.zap.errorOutputPaths", fs.Lookup("log-zap-error-output-paths"))
	_ = v.BindPFlag("log.zap.encoding", fs.Lookup("log-zap-encoding"))
	_ = v.BindPFlag("log.enableRotation", fs.Lookup("log-enable-rotation"))
	_ = v.BindPFlag("log.rotate.maxSize", fs.Lookup("log-rotate-max-size"))
	_ = v.BindPFlag("log.rotate.maxAge", fs.Lookup("log-rotate-max-age"))
	_ = v.BindPFlag("log.rotate.maxBackups", fs.Lookup("log-rotate-max-backups"))
	_ = v.BindPFlag("log.rotate.localTime", fs.Lookup("log-rotate-local-time"))
	_ = v.BindPFlag("log.rotate.compress", fs.Lookup("log-rotate-compress"))
}
