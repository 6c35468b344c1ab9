package httpconn

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-httpd/poller"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

const (
	// ReadBufferSize bounds a request, including any body.
	ReadBufferSize = 2048
	// WriteBufferSize bounds the status line and headers of a response,
	// along with any canned body.
	WriteBufferSize = 1024
	// FilenameLen bounds the resolved path of a file, including the document
	// root.
	FilenameLen = 200
)

var (
	// ErrPeerClosed is returned by Read if the peer closed the connection.
	ErrPeerClosed = errors.New(`httpconn: peer closed connection`)
	// ErrRequestTooLarge is returned by Read if the read buffer is full
	// without a complete request.
	ErrRequestTooLarge = errors.New(`httpconn: request too large`)
	// ErrWriteBufferFull means a response didn't fit the write buffer.
	ErrWriteBufferFull = errors.New(`httpconn: write buffer full`)
)

type (
	// Host is the owner of the readiness registrations, and the connection
	// table, typically the reactor.
	Host interface {
		// ModifyFD re-arms fd, which must still be registered under token.
		ModifyFD(fd int, token uint64, events poller.IOEvents) error
		// CloseConn tears down c, which must be owned by the caller.
		CloseConn(c *Conn, reason error)
	}

	// Config is shared by every Conn of a server.
	Config struct {
		Host    Host
		Logger  *logiface.Logger[logiface.Event]
		Clock   *Clock
		DocRoot string
	}

	// Conn is the state of one client connection. Conn values are meant to
	// be allocated once, and reused for successive connections, see Open.
	Conn struct {
		host    Host
		logger  *logiface.Logger[logiface.Event]
		clock   *Clock
		docRoot string
		peer    string

		// request state, reset for every request

		file          *mappedFile
		iov           [][]byte
		url           string
		fileType      string
		realFile      string
		hostHeader    string
		contentLength int64
		fileSize      int64
		readIdx       int
		checkedIdx    int
		startLine     int
		consumed      int
		writeIdx      int
		bytesToSend   int
		method        Method
		checkState    checkState
		linger        bool

		fd    int
		token uint64

		lastActive atomic.Int64
		owner      atomic.Bool
		probe      atomic.Int32
		violations atomic.Int64

		readBuf  [ReadBufferSize]byte
		writeBuf [WriteBufferSize]byte
		iovBuf   [2][]byte
	}
)

// NewConn returns a closed connection.
func NewConn(cfg Config) *Conn {
	c := Conn{
		host:    cfg.Host,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		docRoot: cfg.DocRoot,
		fd:      -1,
	}
	c.reset()
	return &c
}

// Open initialises c for a newly accepted, non-blocking socket, registered
// with the host under token. The caller must own c.
func (c *Conn) Open(fd int, token uint64, peer string) {
	c.fd = fd
	c.token = token
	c.peer = peer
	c.reset()
	c.touch()
}

// Shutdown releases the resources held for the current request, and marks c
// closed. It does not close the socket, which is the host's responsibility.
// The caller must own c.
func (c *Conn) Shutdown() {
	c.releaseFile()
	c.reset()
	c.fd = -1
	c.peer = ``
}

// FD returns the socket, or -1 if closed.
func (c *Conn) FD() int { return c.fd }

// Token returns the registration token passed to Open.
func (c *Conn) Token() uint64 { return c.token }

// Peer returns the peer address passed to Open.
func (c *Conn) Peer() string { return c.peer }

// LastActive returns the time of the last read or completed response.
func (c *Conn) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

// Acquire attempts to take ownership of c, returning true on success.
func (c *Conn) Acquire() bool { return c.owner.CompareAndSwap(false, true) }

// Release gives up ownership of c.
func (c *Conn) Release() { c.owner.Store(false) }

// Violations returns the number of times two goroutines were observed in the
// critical sections of c at once. It is always zero, unless ownership has
// been mishandled.
func (c *Conn) Violations() int64 { return c.violations.Load() }

// Rearm gives up ownership of c, then re-arms its socket for events. The
// caller must own c, and must not touch c afterward.
func (c *Conn) Rearm(events poller.IOEvents) {
	fd, token := c.fd, c.token
	c.touch()
	c.Release()
	if err := c.host.ModifyFD(fd, token, events); err != nil {
		c.logger.Debug().
			Int(`fd`, fd).
			Err(err).
			Log(`httpconn: failed to re-arm connection`)
	}
}

// Read drains the socket into the read buffer, until it would block. The
// caller must own c, and must close c on error.
func (c *Conn) Read() error {
	c.enter()
	defer c.exit()

	if c.readIdx >= len(c.readBuf) {
		return ErrRequestTooLarge
	}

	for c.readIdx < len(c.readBuf) {
		n, err := unix.Read(c.fd, c.readBuf[c.readIdx:])
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf(`httpconn: read: %w`, err)
		}
		if n == 0 {
			return ErrPeerClosed
		}
		c.readIdx += n
	}

	c.touch()
	return nil
}

// Process parses the buffered request, and if it is complete, prepares the
// response, re-arming c for output. Incomplete requests re-arm c for input.
// The caller must own c, and gives up ownership.
func (c *Conn) Process() {
	if err := c.process(); err != nil {
		c.host.CloseConn(c, err)
		return
	}
	if c.bytesToSend == 0 {
		c.Rearm(poller.EventRead)
	} else {
		c.Rearm(poller.EventWrite)
	}
}

func (c *Conn) process() error {
	c.enter()
	defer c.exit()

	result := c.processRead()
	if result == NoRequest {
		if c.readIdx >= len(c.readBuf) {
			return ErrRequestTooLarge
		}
		return nil
	}

	if !c.processWrite(result) {
		c.releaseFile()
		return ErrWriteBufferFull
	}

	return nil
}

// Write sends as much of the prepared response as the socket accepts. The
// caller must own c. See Outcome for what the caller must do next.
func (c *Conn) Write() (Outcome, error) {
	outcome, err := c.write()
	switch outcome {
	case OutcomePending:
		c.Rearm(poller.EventWrite)
	case OutcomeKeepAlive:
		c.Rearm(poller.EventRead)
	}
	return outcome, err
}

func (c *Conn) write() (Outcome, error) {
	c.enter()
	defer c.exit()

	if c.bytesToSend == 0 {
		return c.complete(), nil
	}

	for {
		n, err := unix.Writev(c.fd, c.iov)
		if err != nil {
			if err == unix.EAGAIN {
				return OutcomePending, nil
			}
			if err == unix.EINTR {
				continue
			}
			c.releaseFile()
			return OutcomeClose, fmt.Errorf(`httpconn: writev: %w`, err)
		}

		c.bytesToSend -= n
		c.iov = advance(c.iov, n)
		if c.bytesToSend > 0 {
			continue
		}

		c.releaseFile()
		if !c.linger {
			return OutcomeClose, nil
		}
		return c.complete(), nil
	}
}

// complete resets c after a response, retaining any bytes already read past
// the end of the request.
func (c *Conn) complete() Outcome {
	var pending int
	if c.consumed > 0 && c.consumed < c.readIdx {
		pending = copy(c.readBuf[:], c.readBuf[c.consumed:c.readIdx])
	}
	c.reset()
	c.readIdx = pending
	c.touch()
	if pending > 0 {
		return OutcomePipelined
	}
	return OutcomeKeepAlive
}

func (c *Conn) reset() {
	c.iov = nil
	c.url = ``
	c.fileType = ``
	c.realFile = ``
	c.hostHeader = ``
	c.contentLength = 0
	c.fileSize = 0
	c.readIdx = 0
	c.checkedIdx = 0
	c.startLine = 0
	c.consumed = 0
	c.writeIdx = 0
	c.bytesToSend = 0
	c.method = MethodGet
	c.checkState = stateRequestLine
	c.linger = false
	clear(c.iovBuf[:])
}

func (c *Conn) releaseFile() {
	if err := c.file.release(); err != nil {
		c.logger.Err().
			Str(`path`, c.realFile).
			Err(err).
			Log(`httpconn: munmap failed`)
	}
	c.file = nil
}

func (c *Conn) touch() { c.lastActive.Store(time.Now().UnixNano()) }

func (c *Conn) enter() {
	if c.probe.Add(1) != 1 {
		c.violations.Add(1)
	}
}

func (c *Conn) exit() { c.probe.Add(-1) }

// advance drops the first n bytes of iov.
func advance(iov [][]byte, n int) [][]byte {
	for len(iov) > 0 && n >= len(iov[0]) {
		n -= len(iov[0])
		iov = iov[1:]
	}
	if len(iov) > 0 && n > 0 {
		iov[0] = iov[0][n:]
	}
	return iov
}
