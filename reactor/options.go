package reactor

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/joeycumines/go-httpd/logsink"
	"github.com/joeycumines/go-httpd/workpool"
	"github.com/joeycumines/logiface"
)

// Defaults, see the corresponding options.
const (
	DefaultAddress       = `0.0.0.0`
	DefaultBacklog       = 5
	DefaultMaxConns      = 65536
	DefaultIdleTimeout   = 60 * time.Second
	DefaultTimeSlot      = 5 * time.Millisecond
	DefaultFlushInterval = time.Second
)

type (
	// Option configures a Server, see New.
	Option interface {
		applyOption(*serverOptions) error
	}

	serverOptions struct {
		logger        *logiface.Logger[logiface.Event]
		sink          *logsink.Sink
		throttle      *logsink.Throttle
		address       netip.Addr
		docRoot       string
		port          int
		backlog       int
		maxConns      int
		threads       int
		maxRequests   int
		idleTimeout   time.Duration
		timeSlot      time.Duration
		flushInterval time.Duration
		lingerZero    bool
	}

	optionImpl struct {
		fn func(*serverOptions) error
	}
)

func (x *optionImpl) applyOption(opts *serverOptions) error { return x.fn(opts) }

// WithAddress sets the IPv4 or IPv6 address to listen on. Defaults to
// DefaultAddress.
func WithAddress(address string) Option {
	return &optionImpl{fn: func(opts *serverOptions) error {
		addr, err := netip.ParseAddr(address)
		if err != nil {
			return fmt.Errorf(`reactor: invalid address %q: %w`, address, err)
		}
		opts.address = addr
		return nil
	}}
}

// WithPort sets the port to listen on. 0 picks a free port, see Server.Addr.
func WithPort(port int) Option {
	return &optionImpl{fn: func(opts *serverOptions) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf(`reactor: invalid port %d`, port)
		}
		opts.port = port
		return nil
	}}
}

// WithBacklog sets the listen backlog. Defaults to DefaultBacklog.
func WithBacklog(backlog int) Option {
	return &optionImpl{fn: func(opts *serverOptions) error {
		if backlog <= 0 {
			return errors.New(`reactor: backlog must be positive`)
		}
		opts.backlog = backlog
		return nil
	}}
}

// WithDocRoot sets the directory files are served from. Required.
func WithDocRoot(dir string) Option {
	return &optionImpl{fn: func(opts *serverOptions) error {
		opts.docRoot = dir
		return nil
	}}
}

// WithMaxConns bounds the number of open connections. Connections accepted
// beyond it are sent a busy response, and closed. Defaults to
// DefaultMaxConns.
func WithMaxConns(n int) Option {
	return &optionImpl{fn: func(opts *serverOptions) error {
		if n <= 0 || n > MaxConnsLimit {
			return fmt.Errorf(`reactor: invalid max conns %d`, n)
		}
		opts.maxConns = n
		return nil
	}}
}

// WithThreads sets the number of workers. Defaults to
// workpool.DefaultThreads.
func WithThreads(n int) Option {
	return &optionImpl{fn: func(opts *serverOptions) error {
		if n <= 0 {
			return errors.New(`reactor: threads must be positive`)
		}
		opts.threads = n
		return nil
	}}
}

// WithMaxRequests bounds the worker queue. Defaults to
// workpool.DefaultMaxRequests.
func WithMaxRequests(n int) Option {
	return &optionImpl{fn: func(opts *serverOptions) error {
		if n <= 0 {
			return errors.New(`reactor: max requests must be positive`)
		}
		opts.maxRequests = n
		return nil
	}}
}

// WithIdleTimeout sets how long a connection may wait for a request before
// it is closed. 0 disables eviction. Defaults to DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return &optionImpl{fn: func(opts *serverOptions) error {
		if d < 0 {
			return errors.New(`reactor: negative idle timeout`)
		}
		opts.idleTimeout = d
		return nil
	}}
}

// WithTimeSlot sets the resolution of the maintenance timers. Defaults to
// DefaultTimeSlot.
func WithTimeSlot(d time.Duration) Option {
	return &optionImpl{fn: func(opts *serverOptions) error {
		if d <= 0 {
			return errors.New(`reactor: time slot must be positive`)
		}
		opts.timeSlot = d
		return nil
	}}
}

// WithLogger sets the logger, used for every component of the server.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{fn: func(opts *serverOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithSink registers the sink backing the logger, so it is flushed
// periodically, see WithFlushInterval.
func WithSink(sink *logsink.Sink) Option {
	return &optionImpl{fn: func(opts *serverOptions) error {
		opts.sink = sink
		return nil
	}}
}

// WithFlushInterval sets how often the sink is flushed. Defaults to
// DefaultFlushInterval.
func WithFlushInterval(d time.Duration) Option {
	return &optionImpl{fn: func(opts *serverOptions) error {
		if d <= 0 {
			return errors.New(`reactor: flush interval must be positive`)
		}
		opts.flushInterval = d
		return nil
	}}
}

// WithThrottle sets the limiter for repetitive warnings, e.g. busy
// rejections. Defaults to logsink.NewThrottle(nil).
func WithThrottle(throttle *logsink.Throttle) Option {
	return &optionImpl{fn: func(opts *serverOptions) error {
		opts.throttle = throttle
		return nil
	}}
}

// WithLingerZero enables abortive close (SO_LINGER with a zero timeout) on
// every connection. It is disabled by default, since a response still in the
// send buffer, such as one sent with `Connection: close`, may be lost when
// the connection is closed.
func WithLingerZero(enabled bool) Option {
	return &optionImpl{fn: func(opts *serverOptions) error {
		opts.lingerZero = enabled
		return nil
	}}
}

func resolveOptions(opts []Option) (*serverOptions, error) {
	cfg := serverOptions{
		address:       netip.MustParseAddr(DefaultAddress),
		backlog:       DefaultBacklog,
		maxConns:      DefaultMaxConns,
		threads:       workpool.DefaultThreads,
		maxRequests:   workpool.DefaultMaxRequests,
		idleTimeout:   DefaultIdleTimeout,
		timeSlot:      DefaultTimeSlot,
		flushInterval: DefaultFlushInterval,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.docRoot == `` {
		return nil, errors.New(`reactor: doc root required`)
	}
	if cfg.throttle == nil {
		cfg.throttle = logsink.NewThrottle(nil)
	}
	return &cfg, nil
}
