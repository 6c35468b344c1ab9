// Package config loads the server configuration, from defaults overlaid by
// an optional TOML file.
//
// Example:
//
//	pid_file = "/run/httpd.pid"
//
//	[listen]
//	address = "0.0.0.0"
//	port = 8080
//
//	[server]
//	doc_root = "/srv/www"
//	idle_timeout = "60s"
//
//	[log]
//	level = "info"
//	format = "json"
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-httpd/logsink"
)

// Defaults, as used by Default.
const (
	DefaultAddress       = `0.0.0.0`
	DefaultBacklog       = 5
	DefaultDocRoot       = `./root`
	DefaultMaxConns      = 65536
	DefaultIdleTimeout   = 60 * time.Second
	DefaultTimeSlot      = 5 * time.Millisecond
	DefaultThreads       = 8
	DefaultMaxRequests   = 10000
	DefaultLogLevel      = `info`
	DefaultLogFormat     = `json`
	DefaultFlushSize     = 64
	DefaultFlushInterval = time.Second
)

var ErrInvalid = errors.New(`config: invalid`)

type (
	Config struct {
		Listen  Listen `toml:"listen"`
		Server  Server `toml:"server"`
		Pool    Pool   `toml:"pool"`
		Log     Log    `toml:"log"`
		PIDFile string `toml:"pid_file"`
	}

	Listen struct {
		Address string `toml:"address"`
		Port    int    `toml:"port"`
		Backlog int    `toml:"backlog"`
	}

	Server struct {
		DocRoot  string `toml:"doc_root"`
		MaxConns int    `toml:"max_conns"`
		// IdleTimeout of 0 disables idle eviction.
		IdleTimeout Duration `toml:"idle_timeout"`
		TimeSlot    Duration `toml:"time_slot"`
	}

	Pool struct {
		Threads     int `toml:"threads"`
		MaxRequests int `toml:"max_requests"`
	}

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
		// Path is the log file, appended to. Empty means stderr.
		Path          string   `toml:"path"`
		FlushSize     int      `toml:"flush_size"`
		FlushInterval Duration `toml:"flush_interval"`
	}

	// Duration is a time.Duration, encoded as text, e.g. "1m30s".
	Duration time.Duration
)

func (x Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(x).String()), nil
}

func (x *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf(`config: invalid duration %q: %w`, text, err)
	}
	*x = Duration(d)
	return nil
}

// Std returns x as a time.Duration.
func (x Duration) Std() time.Duration { return time.Duration(x) }

// Default returns the default configuration. The port has no default, and
// must be set.
func Default() *Config {
	return &Config{
		Listen: Listen{
			Address: DefaultAddress,
			Backlog: DefaultBacklog,
		},
		Server: Server{
			DocRoot:     DefaultDocRoot,
			MaxConns:    DefaultMaxConns,
			IdleTimeout: Duration(DefaultIdleTimeout),
			TimeSlot:    Duration(DefaultTimeSlot),
		},
		Pool: Pool{
			Threads:     DefaultThreads,
			MaxRequests: DefaultMaxRequests,
		},
		Log: Log{
			Level:         DefaultLogLevel,
			Format:        DefaultLogFormat,
			FlushSize:     DefaultFlushSize,
			FlushInterval: Duration(DefaultFlushInterval),
		},
	}
}

// Load returns Default overlaid with the TOML file at path. Unknown keys are
// an error. The result is not validated.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf(`config: load %s: %w`, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf(`%w: %s: unknown keys: %s`, ErrInvalid, path, strings.Join(keys, `, `))
	}
	return c, nil
}

// Validate checks every field, returning all problems found, joined.
func (x *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(`%w: `+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := netip.ParseAddr(x.Listen.Address); err != nil {
		add(`listen.address %q: %v`, x.Listen.Address, err)
	}
	if x.Listen.Port <= 0 || x.Listen.Port > 65535 {
		add(`listen.port %d out of range`, x.Listen.Port)
	}
	if x.Listen.Backlog <= 0 {
		add(`listen.backlog must be positive`)
	}

	if st, err := os.Stat(x.Server.DocRoot); err != nil {
		add(`server.doc_root: %v`, err)
	} else if !st.IsDir() {
		add(`server.doc_root %q is not a directory`, x.Server.DocRoot)
	}
	if x.Server.MaxConns <= 0 {
		add(`server.max_conns must be positive`)
	}
	if x.Server.IdleTimeout < 0 {
		add(`server.idle_timeout must not be negative`)
	}
	if x.Server.TimeSlot <= 0 {
		add(`server.time_slot must be positive`)
	}

	if x.Pool.Threads <= 0 {
		add(`pool.threads must be positive`)
	}
	if x.Pool.MaxRequests <= 0 {
		add(`pool.max_requests must be positive`)
	}

	if _, err := logsink.ParseLevel(x.Log.Level); err != nil {
		add(`log.level: %v`, err)
	}
	if _, err := logsink.ParseFormat(x.Log.Format); err != nil {
		add(`log.format: %v`, err)
	}
	if x.Log.FlushSize <= 0 {
		add(`log.flush_size must be positive`)
	}
	if x.Log.FlushInterval <= 0 {
		add(`log.flush_interval must be positive`)
	}

	return errors.Join(errs...)
}
