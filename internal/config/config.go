// Package config loads and validates the daemon's configuration:
// SPEC_FULL.md §6.4's recognized options, read from an optional YAML
// file and overlaid with CLI flags, in that order so a flag always wins
// over the file.
//
// The flag-registration and validation shape is grounded on the
// teacher's commandBase.init/handleArgsAndFlags in cmdbase.go: flags
// bound into struct fields up front, defaults substituted, then a
// single validation pass that returns a tagged error. The YAML side is
// grounded on the corpus's quarry/cli/config.Load, which rejects
// unknown keys with yaml.Decoder.KnownFields(true) to catch typos
// early.
package config

import (
	"bytes"
	"errors"
	"flag"
	"io"
	"os"
	"runtime"
	"time"

	luciErrors "go.chromium.org/luci/common/errors"
	"gopkg.in/yaml.v3"

	"github.com/dreamer-dead/dist-clang/internal/errs"
)

// Config is the merged, validated set of options from SPEC_FULL.md
// §6.4.
type Config struct {
	CacheRoot  string `yaml:"cache_root"`
	CacheBytes uint64 `yaml:"cache_bytes"`
	Workers    int    `yaml:"workers"`

	RemoteEndpoint       string  `yaml:"remote_endpoint"`
	RemoteDeadlineMS     int     `yaml:"remote_deadline_ms"`
	RemoteErrorThreshold float64 `yaml:"remote_error_threshold"`

	LocalQueueHighWatermark int    `yaml:"local_queue_high_watermark"`
	ListenAddr              string `yaml:"listen_addr"`
	MetricsAddr             string `yaml:"metrics_addr"`
}

// RemoteDeadline is RemoteDeadlineMS as a time.Duration, for callers
// that wire it straight into build.NewRemote.
func (c Config) RemoteDeadline() time.Duration {
	return time.Duration(c.RemoteDeadlineMS) * time.Millisecond
}

// loadYAML reads path and decodes it into a Config, rejecting unknown
// keys. A missing path is not an error: flags alone are a valid
// configuration.
func loadYAML(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errs.Configuration.Apply(luciErrors.Annotate(err, "read config file %q", path).Err())
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errs.Configuration.Apply(luciErrors.Annotate(err, "invalid YAML in %q", path).Err())
	}
	return cfg, nil
}

// FlagSet registers the CLI flags from SPEC_FULL.md §6.4 onto fs,
// binding them into cfg, in the teacher's naming convention
// (-cache-root, -cache-bytes, ...). Flags registered this way default
// to the zero value; Resolve overlays only the flags that were set onto
// the YAML-loaded Config, so a flag left unset does not clobber a value
// from the file.
type FlagSet struct {
	configPath string
	set        flagValues
}

type flagValues struct {
	cacheRoot            string
	cacheBytes           uint64
	workers              int
	remoteEndpoint       string
	remoteDeadlineMS     int
	remoteErrorThreshold float64
	localHighWatermark   int
	listenAddr           string
	metricsAddr          string
}

// RegisterFlags wires every SPEC_FULL.md §6.4 option onto fs and
// returns a FlagSet that Resolve later merges against a YAML file.
func RegisterFlags(fs *flag.FlagSet) *FlagSet {
	f := &FlagSet{}
	fs.StringVar(&f.configPath, "config", "", "Path to a YAML config file (optional).")
	fs.StringVar(&f.set.cacheRoot, "cache-root", "", "Required. Filesystem path for the artifact store.")
	fs.Uint64Var(&f.set.cacheBytes, "cache-bytes", 0, "Max store size in bytes; required here or as cache_bytes in the config file.")
	fs.IntVar(&f.set.workers, "workers", 0, "Worker pool size (0 means runtime.NumCPU()).")
	fs.StringVar(&f.set.remoteEndpoint, "remote-endpoint", "", "Optional host:port of a remote builder.")
	fs.IntVar(&f.set.remoteDeadlineMS, "remote-deadline-ms", 0, "Per-request remote deadline in milliseconds.")
	fs.Float64Var(&f.set.remoteErrorThreshold, "remote-error-threshold", 0, "Trailing error rate above which remote is briefly avoided.")
	fs.IntVar(&f.set.localHighWatermark, "local-high-watermark", 0, "Local queue depth above which the Dispatcher prefers remote.")
	fs.StringVar(&f.set.listenAddr, "listen", "", "Address the wire-protocol listener binds.")
	fs.StringVar(&f.set.metricsAddr, "metrics-listen", "", "Address for the Prometheus metrics endpoint (empty disables it).")
	return f
}

// Resolve loads the YAML file named by -config (if any), overlays any
// flags that were explicitly set on fs, applies defaults, and
// validates the result.
func (f *FlagSet) Resolve(fs *flag.FlagSet) (Config, error) {
	cfg, err := loadYAML(f.configPath)
	if err != nil {
		return Config{}, err
	}

	set := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	if set["cache-root"] {
		cfg.CacheRoot = f.set.cacheRoot
	}
	if set["cache-bytes"] {
		cfg.CacheBytes = f.set.cacheBytes
	}
	if set["workers"] {
		cfg.Workers = f.set.workers
	}
	if set["remote-endpoint"] {
		cfg.RemoteEndpoint = f.set.remoteEndpoint
	}
	if set["remote-deadline-ms"] {
		cfg.RemoteDeadlineMS = f.set.remoteDeadlineMS
	}
	if set["remote-error-threshold"] {
		cfg.RemoteErrorThreshold = f.set.remoteErrorThreshold
	}
	if set["local-high-watermark"] {
		cfg.LocalQueueHighWatermark = f.set.localHighWatermark
	}
	if set["listen"] {
		cfg.ListenAddr = f.set.listenAddr
	}
	if set["metrics-listen"] {
		cfg.MetricsAddr = f.set.metricsAddr
	}

	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.RemoteDeadlineMS <= 0 {
		cfg.RemoteDeadlineMS = 30000
	}
	if cfg.RemoteErrorThreshold <= 0 {
		cfg.RemoteErrorThreshold = 0.5
	}
}

// validate mirrors cmdbase.go's handleArgsAndFlags: a single pass over
// required fields, returning a tagged Configuration error.
func validate(cfg Config) error {
	switch {
	case cfg.CacheRoot == "":
		return errBadOption("-cache-root", "a value is required")
	case cfg.CacheBytes == 0:
		return errBadOption("-cache-bytes", "a value is required")
	}
	return nil
}

func errBadOption(flagName, msg string) error {
	return errs.Configuration.Apply(luciErrors.Reason("bad %q: %s", flagName, msg).Err())
}
