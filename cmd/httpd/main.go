// Command httpd serves static files over HTTP/1.1.
//
// Usage:
//
//	httpd [flags] [ip] port
//
// The ip defaults to 0.0.0.0. Any setting may also be provided via a TOML
// file, see -config, with positional arguments and flags taking precedence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/google/renameio/v2"
	"github.com/joeycumines/go-httpd/config"
	"github.com/joeycumines/go-httpd/logsink"
	"github.com/joeycumines/go-httpd/reactor"
	"github.com/pbnjay/memory"
	"go.uber.org/automaxprocs/maxprocs"
)

// errUsage means the usage has already been reported.
var errUsage = errors.New(`usage`)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	cfg, err := parseArgs(args, stderr)
	if err != nil {
		if !errors.Is(err, errUsage) {
			_, _ = fmt.Fprintf(stderr, "httpd: %v\n", err)
		}
		return 2
	}
	if err := serve(cfg, stderr); err != nil {
		_, _ = fmt.Fprintf(stderr, "httpd: %v\n", err)
		return 1
	}
	return 0
}

// parseArgs builds the validated configuration.
func parseArgs(args []string, stderr io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet(`httpd`, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(fs.Output(), "usage: httpd [flags] [ip] port\n")
		fs.PrintDefaults()
	}

	var (
		configPath = fs.String(`config`, ``, `TOML configuration file`)
		docRoot    = fs.String(`root`, config.DefaultDocRoot, `directory to serve`)
		threads    = fs.Int(`threads`, config.DefaultThreads, `number of worker threads`)
		logLevel   = fs.String(`log-level`, config.DefaultLogLevel, `log level (trace, debug, info, notice, warning, err, crit)`)
		logFormat  = fs.String(`log-format`, config.DefaultLogFormat, `log format (json, console)`)
		pidFile    = fs.String(`pidfile`, ``, `write the process id to this file`)
	)
	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}

	cfg := config.Default()
	if *configPath != `` {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}

	// explicitly set flags override the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case `root`:
			cfg.Server.DocRoot = *docRoot
		case `threads`:
			cfg.Pool.Threads = *threads
		case `log-level`:
			cfg.Log.Level = *logLevel
		case `log-format`:
			cfg.Log.Format = *logFormat
		case `pidfile`:
			cfg.PIDFile = *pidFile
		}
	})

	var port string
	switch fs.NArg() {
	case 0:
		if cfg.Listen.Port == 0 {
			fs.Usage()
			return nil, errUsage
		}
	case 1:
		port = fs.Arg(0)
	case 2:
		cfg.Listen.Address = fs.Arg(0)
		port = fs.Arg(1)
	default:
		fs.Usage()
		return nil, errUsage
	}
	if port != `` {
		n, err := strconv.Atoi(port)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "httpd: invalid port %q\n", port)
			fs.Usage()
			return nil, errUsage
		}
		cfg.Listen.Port = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func serve(cfg *config.Config, stderr io.Writer) error {
	var out io.Writer = stderr
	if cfg.Log.Path != `` {
		f, err := os.OpenFile(cfg.Log.Path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf(`open log: %w`, err)
		}
		defer f.Close()
		out = f
	}

	sink := logsink.NewSink(out, &logsink.SinkConfig{MaxSize: cfg.Log.FlushSize})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sink.Close(ctx)
	}()

	level, err := logsink.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	format, err := logsink.ParseFormat(cfg.Log.Format)
	if err != nil {
		return err
	}
	logger, err := logsink.NewLogger(sink, format, level)
	if err != nil {
		return err
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug().Logf(format, args...)
	})); err != nil {
		logger.Warning().
			Err(err).
			Log(`failed to set GOMAXPROCS`)
	}
	memLimit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)
	if err != nil {
		logger.Warning().
			Err(err).
			Log(`failed to set GOMEMLIMIT`)
	}
	logger.Info().
		Int(`gomaxprocs`, runtime.GOMAXPROCS(0)).
		Uint64(`total_memory`, memory.TotalMemory()).
		Int64(`memory_limit`, memLimit).
		Log(`runtime configured`)

	// writes to closed connections are reported as EPIPE instead
	signal.Ignore(syscall.SIGPIPE)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := reactor.New(
		reactor.WithAddress(cfg.Listen.Address),
		reactor.WithPort(cfg.Listen.Port),
		reactor.WithBacklog(cfg.Listen.Backlog),
		reactor.WithDocRoot(cfg.Server.DocRoot),
		reactor.WithMaxConns(cfg.Server.MaxConns),
		reactor.WithIdleTimeout(cfg.Server.IdleTimeout.Std()),
		reactor.WithTimeSlot(cfg.Server.TimeSlot.Std()),
		reactor.WithThreads(cfg.Pool.Threads),
		reactor.WithMaxRequests(cfg.Pool.MaxRequests),
		reactor.WithLogger(logger),
		reactor.WithSink(sink),
		reactor.WithFlushInterval(cfg.Log.FlushInterval.Std()),
	)
	if err != nil {
		return err
	}

	if cfg.PIDFile != `` {
		if err := renameio.WriteFile(cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			_ = srv.Close()
			return fmt.Errorf(`write pid file: %w`, err)
		}
		defer os.Remove(cfg.PIDFile)
	}

	logger.Notice().
		Str(`addr`, srv.Addr().String()).
		Str(`root`, cfg.Server.DocRoot).
		Int(`threads`, cfg.Pool.Threads).
		Log(`listening`)

	return srv.Run(ctx)
}
