package reactor

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-httpd/httpconn"
	"github.com/joeycumines/go-httpd/logsink"
	"github.com/joeycumines/go-httpd/poller"
	"github.com/joeycumines/go-httpd/timerheap"
	"github.com/joeycumines/go-httpd/workpool"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// BusyBody is the body of the response sent to connections that are
// rejected due to load.
const BusyBody = "The server is too busy to handle the request, try again later.\n"

var (
	// ErrIdleTimeout is the reason connections are closed by idle eviction.
	ErrIdleTimeout = errors.New(`reactor: idle timeout`)
	// ErrServerBusy is the reason connections are closed, when the
	// connection table, or the worker queue, is full.
	ErrServerBusy = errors.New(`reactor: server busy`)
	// ErrHangup is the reason connections are closed, on a hangup or error
	// condition.
	ErrHangup = errors.New(`reactor: connection hung up`)
	// ErrAlreadyRunning is returned by Run, if it was already called.
	ErrAlreadyRunning = errors.New(`reactor: already running`)
	// ErrServerClosed is returned by Run, after Shutdown or Close.
	ErrServerClosed = errors.New(`reactor: server closed`)
)

type (
	// Server is the reactor: one goroutine waits for readiness, accepts
	// connections, and performs the socket I/O, handing complete reads to a
	// pool of workers, which parse requests and prepare responses.
	//
	// Each connection is owned by at most one goroutine at a time. Ownership
	// passes with the connection, from the reactor to a worker via the
	// queue, and back to the poller via a one-shot re-arm.
	Server struct {
		logger       *logiface.Logger[logiface.Event]
		sink         *logsink.Sink
		throttle     *logsink.Throttle
		pool         *workpool.Pool
		timers       *timerheap.Heap
		clock        *httpconn.Clock
		conns        *table
		ctx          context.Context
		cancel       context.CancelFunc
		done         chan struct{}
		closeErr     error
		addr         netip.AddrPort
		poller       poller.Poller
		listenFD     int
		idleTimeout  time.Duration
		timeSlot     time.Duration
		accepted     atomic.Uint64
		rejected     atomic.Uint64
		closed       atomic.Uint64
		evicted      atomic.Uint64
		teardownOnce sync.Once
		mu           sync.Mutex
		started      bool
	}

	// Stats is a point in time snapshot of a Server.
	Stats struct {
		// Active is the number of open connections.
		Active int
		// Accepted is the number of connections accepted and registered.
		Accepted uint64
		// Rejected is the number of busy responses sent.
		Rejected uint64
		// Closed is the number of registered connections closed.
		Closed uint64
		// Evicted is the number of connections closed for being idle.
		Evicted uint64
		// Queued is the number of connections waiting for a worker.
		Queued int
		// Violations is the number of times a connection was observed being
		// handled by two goroutines at once. Always zero, barring bugs.
		Violations int64
	}

	// connTask hands an owned connection to a worker.
	connTask struct {
		s *Server
		c *httpconn.Conn
		h Handle
	}
)

var _ httpconn.Host = (*Server)(nil)

// New opens the listening socket, and prepares the server, see Run.
func New(opts ...Option) (*Server, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	if st, err := os.Stat(cfg.docRoot); err != nil {
		return nil, fmt.Errorf(`reactor: doc root: %w`, err)
	} else if !st.IsDir() {
		return nil, fmt.Errorf(`reactor: doc root %q is not a directory`, cfg.docRoot)
	}
	docRoot := strings.TrimSuffix(filepath.Clean(cfg.docRoot), `/`)

	s := &Server{
		logger:      cfg.logger,
		sink:        cfg.sink,
		throttle:    cfg.throttle,
		clock:       httpconn.NewClock(time.Now()),
		done:        make(chan struct{}),
		listenFD:    -1,
		idleTimeout: cfg.idleTimeout,
		timeSlot:    cfg.timeSlot,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	connConfig := httpconn.Config{
		Host:    s,
		Logger:  cfg.logger,
		Clock:   s.clock,
		DocRoot: docRoot,
	}
	s.conns = newTable(cfg.maxConns, func() *httpconn.Conn { return httpconn.NewConn(connConfig) })

	if s.pool, err = workpool.New(cfg.threads, cfg.maxRequests, workpool.WithLogger(cfg.logger)); err != nil {
		return nil, err
	}
	if s.timers, err = timerheap.New(timerheap.WithLogger(cfg.logger)); err != nil {
		return nil, err
	}

	if err := s.poller.Init(); err != nil {
		return nil, fmt.Errorf(`reactor: poller: %w`, err)
	}

	if err := s.initListener(cfg); err != nil {
		if s.listenFD >= 0 {
			_ = unix.Close(s.listenFD)
		}
		_ = s.poller.Close()
		return nil, err
	}

	s.timers.Every(timerheap.KindRefreshClock, time.Second, s.clock)
	if s.sink != nil {
		s.timers.Every(timerheap.KindFlushLog, cfg.flushInterval, s.sink)
	}
	if s.idleTimeout > 0 {
		s.timers.Every(timerheap.KindEvictIdle, max(s.idleTimeout/2, s.timeSlot), timerheap.TaskFunc(s.evictIdle))
	}

	return s, nil
}

func (s *Server) initListener(cfg *serverOptions) error {
	fd, err := listen(cfg.address, cfg.port, cfg.backlog, cfg.lingerZero)
	if err != nil {
		return err
	}
	s.listenFD = fd

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fmt.Errorf(`reactor: getsockname: %w`, err)
	}
	s.addr = addrPort(sa)

	// level-triggered, one accept per event
	if err := s.poller.RegisterFD(fd, listenerToken, poller.EventRead); err != nil {
		return fmt.Errorf(`reactor: register listener: %w`, err)
	}

	return nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() netip.AddrPort { return s.addr }

// Stats returns a snapshot of the server's counters.
func (s *Server) Stats() Stats {
	return Stats{
		Active:     s.conns.len(),
		Accepted:   s.accepted.Load(),
		Rejected:   s.rejected.Load(),
		Closed:     s.closed.Load(),
		Evicted:    s.evicted.Load(),
		Queued:     s.pool.Len(),
		Violations: s.conns.violations(),
	}
}

// Run serves until ctx is done, or Shutdown or Close is called, then closes
// the server. It returns nil unless waiting for readiness fails, which is
// the only fatal error.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.ctx.Err() != nil:
		s.mu.Unlock()
		return ErrServerClosed
	case s.started:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.started = true
	s.mu.Unlock()
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.ctx, cancel)()

	if err := s.pool.Start(ctx); err != nil {
		return errors.Join(err, s.teardown())
	}

	s.logger.Notice().
		Str(`addr`, s.addr.String()).
		Log(`server started`)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.timers.Run(gctx, s.timeSlot); gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = s.poller.Wake()
		return nil
	})
	g.Go(func() error {
		return s.loop(gctx)
	})

	err := g.Wait()
	if err != nil {
		s.logger.Crit().
			Err(err).
			Log(`server failed`)
	}
	err = errors.Join(err, s.teardown())

	s.logger.Notice().
		Uint64(`accepted`, s.accepted.Load()).
		Uint64(`rejected`, s.rejected.Load()).
		Log(`server stopped`)

	return err
}

// Shutdown stops Run, without waiting for it.
func (s *Server) Shutdown() { s.cancel() }

// Close stops the server, waiting for Run to return if it is running, and
// releases every resource, including any open connections.
func (s *Server) Close() error {
	s.cancel()
	// once cancelled, Run can no longer start, so started is final
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
	return s.teardown()
}

func (s *Server) loop(ctx context.Context) error {
	for ctx.Err() == nil {
		if _, err := s.poller.Wait(-1, s.dispatch); err != nil {
			return fmt.Errorf(`reactor: wait: %w`, err)
		}
	}
	return nil
}

// teardown must only be called once nothing else is running.
func (s *Server) teardown() error {
	s.teardownOnce.Do(func() {
		var errs []error
		errs = append(errs, s.pool.Close())

		// the workers have stopped, queued connections were discarded
		for _, h := range s.conns.active() {
			c, ok := s.conns.lookup(h)
			if !ok {
				continue
			}
			if fd := c.FD(); fd >= 0 {
				_ = s.poller.UnregisterFD(fd)
				_ = unix.Close(fd)
			}
			c.Shutdown()
			s.conns.release(h)
		}

		if s.listenFD >= 0 {
			_ = s.poller.UnregisterFD(s.listenFD)
			errs = append(errs, unix.Close(s.listenFD))
			s.listenFD = -1
		}
		errs = append(errs, s.poller.Close())

		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// dispatch handles one readiness event, on the reactor goroutine.
func (s *Server) dispatch(token uint64, events poller.IOEvents) {
	if token == listenerToken {
		s.accept()
		return
	}

	h := HandleOf(token)
	c, ok := s.conns.lookup(h)
	if !ok {
		// closed after the event was queued
		return
	}

	// A re-armed connection is only ever held briefly, by the idle evictor,
	// and the event would be lost if skipped. Closed connections are owned
	// by the table, so can't be acquired.
	for !c.Acquire() {
		if !s.conns.valid(h) {
			return
		}
		runtime.Gosched()
	}

	switch {
	case events&(poller.EventHangup|poller.EventError) != 0:
		s.CloseConn(c, ErrHangup)

	case events&poller.EventPeerClosed != 0:
		s.CloseConn(c, httpconn.ErrPeerClosed)

	case events&poller.EventRead != 0:
		if err := c.Read(); err != nil {
			s.CloseConn(c, err)
			return
		}
		s.submit(h, c)

	case events&poller.EventWrite != 0:
		switch outcome, err := c.Write(); outcome {
		case httpconn.OutcomeClose:
			s.CloseConn(c, err)
		case httpconn.OutcomePipelined:
			// the next request is already buffered, no edge will announce it
			s.submit(h, c)
		}

	default:
		c.Rearm(poller.EventRead)
	}
}

func (s *Server) accept() {
	fd, sa, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR, unix.ECONNABORTED:
		default:
			if s.throttle.Allow(`accept`) {
				s.logger.Err().
					Err(err).
					Log(`reactor: accept failed`)
			}
		}
		return
	}
	peer := addrPort(sa).String()

	h, c, ok := s.conns.alloc(fd)
	if !ok {
		s.rejected.Add(1)
		s.sendBusy(fd)
		_ = unix.Close(fd)
		if s.throttle.Allow(`busy`) {
			s.logger.Warning().
				Str(`peer`, peer).
				Int(`active`, s.conns.len()).
				Log(`reactor: connection table full`)
		}
		return
	}

	c.Open(fd, h.Token(), peer)
	if err := s.poller.RegisterFD(fd, h.Token(), poller.EventRead|poller.EventOneShot); err != nil {
		s.logger.Err().
			Str(`peer`, peer).
			Err(err).
			Log(`reactor: failed to register connection`)
		c.Shutdown()
		s.conns.release(h)
		_ = unix.Close(fd)
		return
	}
	s.accepted.Add(1)
	c.Release()

	s.logger.Debug().
		Str(`peer`, peer).
		Int(`fd`, fd).
		Log(`connection accepted`)
}

// submit queues c for a worker. The caller must own c, and gives up
// ownership.
func (s *Server) submit(h Handle, c *httpconn.Conn) {
	err := s.pool.Submit(&connTask{s: s, c: c, h: h})
	if err == nil {
		return
	}
	if errors.Is(err, workpool.ErrQueueFull) {
		s.rejected.Add(1)
		s.sendBusy(c.FD())
		if s.throttle.Allow(`queue`) {
			s.logger.Warning().
				Str(`peer`, c.Peer()).
				Int(`queued`, s.pool.Len()).
				Log(`reactor: worker queue full`)
		}
		s.CloseConn(c, ErrServerBusy)
		return
	}
	s.CloseConn(c, err)
}

func (x *connTask) Process() {
	if !x.s.conns.valid(x.h) {
		// only the owner closes a connection, so this is a bug
		x.s.logger.Crit().
			Uint64(`token`, x.h.Token()).
			Log(`reactor: stale connection task`)
		return
	}
	x.c.Process()
}

// sendBusy makes a single best effort attempt to send the busy response.
func (s *Server) sendBusy(fd int) {
	if fd < 0 {
		return
	}
	_, _ = unix.Write(fd, []byte(`HTTP/1.1 503 Service Unavailable`+"\r\n"+
		`Server: `+httpconn.ServerName+"\r\n"+
		`Content-Length: `+strconv.Itoa(len(BusyBody))+"\r\n"+
		`Connection: close`+"\r\n"+
		`Content-Type: text/plain; charset=utf-8`+"\r\n"+
		`Date: `+s.clock.String()+"\r\n"+
		"\r\n"+
		BusyBody))
}

// ModifyFD implements httpconn.Host.
func (s *Server) ModifyFD(fd int, token uint64, events poller.IOEvents) error {
	return s.poller.ModifyFD(fd, token, events)
}

// CloseConn implements httpconn.Host. Ownership of c passes to the
// connection table.
func (s *Server) CloseConn(c *httpconn.Conn, reason error) {
	h := HandleOf(c.Token())
	peer := c.Peer()

	fd := c.FD()
	if fd >= 0 {
		// an open fd can't be reused, so a mismatch is a stale conn
		if cur, ok := s.conns.handleOf(fd); !ok || cur != h {
			s.logger.Crit().
				Int(`fd`, fd).
				Uint64(`token`, h.Token()).
				Log(`reactor: connection fd owned by another handle`)
			fd = -1
		}
	}
	if fd >= 0 {
		// unregistered first, so a concurrent re-arm can't hit a reused fd
		if err := s.poller.UnregisterFD(fd); err != nil && !errors.Is(err, poller.ErrFDNotRegistered) {
			s.logger.Debug().
				Int(`fd`, fd).
				Err(err).
				Log(`reactor: failed to unregister connection`)
		}
		if err := unix.Close(fd); err != nil {
			s.logger.Debug().
				Int(`fd`, fd).
				Err(err).
				Log(`reactor: failed to close connection`)
		}
	}
	c.Shutdown()

	if !s.conns.release(h) {
		s.logger.Crit().
			Uint64(`token`, h.Token()).
			Log(`reactor: closed connection not in table`)
		return
	}
	s.closed.Add(1)

	b := s.logger.Debug().Str(`peer`, peer)
	if reason != nil {
		b = b.Err(reason)
	}
	b.Log(`connection closed`)
}

// evictIdle closes connections that have been waiting longer than the idle
// timeout. Connections owned by another goroutine are skipped.
func (s *Server) evictIdle(now time.Time) {
	for _, h := range s.conns.active() {
		c, ok := s.conns.lookup(h)
		if !ok || !c.Acquire() {
			continue
		}
		if !s.conns.valid(h) || now.Sub(c.LastActive()) < s.idleTimeout {
			c.Release()
			continue
		}
		s.evicted.Add(1)
		s.CloseConn(c, ErrIdleTimeout)
	}
}
