package reactor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-httpd/httpconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const indexHTML = "<html><body>hello</body></html>\n"

func newDocRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, `index.html`), []byte(indexHTML), 0o644))
	return root
}

// startServer runs a server on a free loopback port, stopping it on
// cleanup.
func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s, err := New(append([]Option{
		WithAddress(`127.0.0.1`),
		WithPort(0),
		WithDocRoot(newDocRoot(t)),
		WithThreads(4),
	}, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error(`server did not stop`)
		}
	})
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial(`tcp`, s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return conn
}

func get(path string, keepAlive bool) string {
	req := `GET ` + path + " HTTP/1.1\r\nHost: localhost\r\n"
	if keepAlive {
		req += "Connection: keep-alive\r\n"
	}
	return req + "\r\n"
}

func readResponse(t *testing.T, br *bufio.Reader) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, string(body)
}

func requireEOF(t *testing.T, br *bufio.Reader) {
	t.Helper()
	_, err := br.ReadByte()
	require.Error(t, err)
	if !errors.Is(err, io.EOF) && !errors.Is(err, unix.ECONNRESET) {
		t.Fatalf(`expected the connection to be closed, got %v`, err)
	}
}

func TestServer_keepAlive(t *testing.T) {
	s := startServer(t)
	conn := dial(t, s)
	br := bufio.NewReader(conn)

	for i := 0; i < 5; i++ {
		_, err := io.WriteString(conn, get(`/index.html`, true))
		require.NoError(t, err)
		resp, body := readResponse(t, br)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, `keep-alive`, resp.Header.Get(`Connection`))
		assert.Equal(t, `text/html; charset=utf-8`, resp.Header.Get(`Content-Type`))
		assert.Equal(t, httpconn.ServerName, resp.Header.Get(`Server`))
		assert.Equal(t, indexHTML, body)
	}

	assert.Equal(t, uint64(1), s.Stats().Accepted)
}

func TestServer_pipelined(t *testing.T) {
	s := startServer(t)
	conn := dial(t, s)
	br := bufio.NewReader(conn)

	_, err := io.WriteString(conn, get(`/index.html`, true)+get(`/missing`, true)+get(`/index.html`, false))
	require.NoError(t, err)

	resp, body := readResponse(t, br)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, indexHTML, body)

	resp, _ = readResponse(t, br)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = readResponse(t, br)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, resp.Close, `Connection: close`)
	assert.Equal(t, indexHTML, body)

	requireEOF(t, br)
}

func TestServer_connectionClose(t *testing.T) {
	s := startServer(t)
	conn := dial(t, s)
	br := bufio.NewReader(conn)

	_, err := io.WriteString(conn, get(`/index.html`, false))
	require.NoError(t, err)
	resp, body := readResponse(t, br)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, indexHTML, body)
	requireEOF(t, br)

	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Active == 0 && st.Closed == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_errorResponses(t *testing.T) {
	s := startServer(t)
	for _, tc := range []struct {
		request string
		status  int
	}{
		{get(`/missing`, true), http.StatusNotFound},
		{"POST /index.html HTTP/1.1\r\n\r\n", http.StatusBadRequest},
		{"GET /index.html HTTP/1.0\r\n\r\n", http.StatusBadRequest},
		{get(`/`, true), http.StatusBadRequest},
	} {
		conn := dial(t, s)
		br := bufio.NewReader(conn)
		_, err := io.WriteString(conn, tc.request)
		require.NoError(t, err)
		resp, _ := readResponse(t, br)
		assert.Equal(t, tc.status, resp.StatusCode, tc.request)
	}
}

func TestServer_largeFile(t *testing.T) {
	root := newDocRoot(t)
	data := bytes.Repeat([]byte(`0123456789abcdef`), 1<<17) // 2MiB
	require.NoError(t, os.WriteFile(filepath.Join(root, `large.bin`), data, 0o644))
	s := startServer(t, WithDocRoot(root))

	conn := dial(t, s)
	br := bufio.NewReader(conn)
	_, err := io.WriteString(conn, get(`/large.bin`, true))
	require.NoError(t, err)
	resp, body := readResponse(t, br)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `text/plain; charset=utf-8`, resp.Header.Get(`Content-Type`))
	assert.True(t, body == string(data), `body mismatch`)
}

func TestServer_tableFull(t *testing.T) {
	s := startServer(t, WithMaxConns(1))

	first := dial(t, s)
	firstReader := bufio.NewReader(first)
	_, err := io.WriteString(first, get(`/index.html`, true))
	require.NoError(t, err)
	resp, _ := readResponse(t, firstReader)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	second := bufio.NewReader(dial(t, s))
	resp, body := readResponse(t, second)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.True(t, resp.Close, `Connection: close`)
	assert.Equal(t, BusyBody, body)
	requireEOF(t, second)

	assert.Equal(t, uint64(1), s.Stats().Rejected)

	// the first connection is unaffected
	_, err = io.WriteString(first, get(`/index.html`, true))
	require.NoError(t, err)
	resp, _ = readResponse(t, firstReader)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_idleEviction(t *testing.T) {
	s := startServer(t, WithIdleTimeout(100*time.Millisecond), WithTimeSlot(time.Millisecond))

	idle := bufio.NewReader(dial(t, s))
	start := time.Now()
	requireEOF(t, idle)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Evicted == 1 && st.Active == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_concurrentClients(t *testing.T) {
	s := startServer(t, WithThreads(8))

	const clients, requests = 16, 50
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial(`tcp`, s.Addr().String())
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
			br := bufio.NewReader(conn)
			for j := 0; j < requests; j++ {
				if _, err := io.WriteString(conn, get(`/index.html`, true)); err != nil {
					errs <- err
					return
				}
				resp, err := http.ReadResponse(br, nil)
				if err != nil {
					errs <- err
					return
				}
				body, err := io.ReadAll(resp.Body)
				if err != nil {
					errs <- err
					return
				}
				if resp.StatusCode != http.StatusOK || string(body) != indexHTML {
					errs <- errors.New(`unexpected response: ` + resp.Status)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	require.Eventually(t, func() bool { return s.Stats().Active == 0 }, 5*time.Second, 10*time.Millisecond)
	st := s.Stats()
	assert.Equal(t, uint64(clients), st.Accepted)
	assert.Equal(t, uint64(clients), st.Closed)
	assert.Zero(t, st.Violations)
	assert.Zero(t, st.Queued)
}

func TestServer_queueFull(t *testing.T) {
	// never run, so queued tasks are never processed
	s, err := New(
		WithAddress(`127.0.0.1`),
		WithDocRoot(newDocRoot(t)),
		WithMaxRequests(1),
	)
	require.NoError(t, err)
	defer s.Close()

	open := func() (Handle, *httpconn.Conn, *bufio.Reader) {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		require.NoError(t, err)
		f := os.NewFile(uintptr(fds[1]), `peer`)
		peer, err := net.FileConn(f)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		t.Cleanup(func() { _ = peer.Close() })
		require.NoError(t, peer.SetDeadline(time.Now().Add(5*time.Second)))
		h, c, ok := s.conns.alloc(fds[0])
		require.True(t, ok)
		c.Open(fds[0], h.Token(), `test`)
		return h, c, bufio.NewReader(peer)
	}

	h1, c1, _ := open()
	s.submit(h1, c1)
	assert.Equal(t, 1, s.Stats().Queued)

	h2, c2, br := open()
	s.submit(h2, c2)

	resp, body := readResponse(t, br)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, BusyBody, body)
	requireEOF(t, br)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Rejected)
	assert.Equal(t, 1, st.Active)
	assert.False(t, s.conns.valid(h2))
	assert.True(t, s.conns.valid(h1))
}

func TestServer_lifecycle(t *testing.T) {
	s, err := New(WithAddress(`::1`), WithDocRoot(newDocRoot(t)))
	if err != nil && strings.Contains(err.Error(), `bind`) {
		t.Skip(`no IPv6 loopback:`, err)
	}
	require.NoError(t, err)
	assert.True(t, s.Addr().Addr().Is6())
	assert.NotZero(t, s.Addr().Port())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	conn, err := net.Dial(`tcp`, s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	_, err = io.WriteString(conn, get(`/index.html`, true))
	require.NoError(t, err)
	resp, _ := readResponse(t, bufio.NewReader(conn))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.ErrorIs(t, s.Run(ctx), ErrAlreadyRunning)

	s.Shutdown()
	require.NoError(t, <-errCh)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Run(context.Background()), ErrServerClosed)
}

func TestServer_Close_withoutRun(t *testing.T) {
	s, err := New(WithAddress(`127.0.0.1`), WithDocRoot(newDocRoot(t)))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal(`second Close blocked`)
	}
	assert.ErrorIs(t, s.Run(context.Background()), ErrServerClosed)

	// the port has been released
	_, err = net.Dial(`tcp`, s.Addr().String())
	assert.Error(t, err)
}

func TestServer_CloseConn_reassignedFD(t *testing.T) {
	s, err := New(WithAddress(`127.0.0.1`), WithDocRoot(newDocRoot(t)))
	require.NoError(t, err)
	defer s.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	stale, c1, ok := s.conns.alloc(fds[0])
	require.True(t, ok)
	c1.Open(fds[0], stale.Token(), `stale`)
	current, c2, ok := s.conns.alloc(fds[0])
	require.True(t, ok)
	c2.Open(fds[0], current.Token(), `current`)

	s.CloseConn(c1, nil)
	assert.False(t, s.conns.valid(stale))
	assert.Equal(t, -1, c1.FD())
	h, ok := s.conns.handleOf(fds[0])
	require.True(t, ok)
	assert.Equal(t, current, h)
	_, err = unix.FcntlInt(uintptr(fds[0]), unix.F_GETFD, 0)
	require.NoError(t, err, `fd of the current connection was closed`)

	s.CloseConn(c2, nil)
	assert.False(t, s.conns.valid(current))
	_, err = unix.FcntlInt(uintptr(fds[0]), unix.F_GETFD, 0)
	assert.ErrorIs(t, err, unix.EBADF)
	assert.Equal(t, uint64(2), s.Stats().Closed)
}

func TestNew_invalid(t *testing.T) {
	root := newDocRoot(t)
	file := filepath.Join(root, `index.html`)
	for _, tc := range []struct {
		name string
		opts []Option
	}{
		{`no doc root`, nil},
		{`missing doc root`, []Option{WithDocRoot(filepath.Join(root, `missing`))}},
		{`doc root is a file`, []Option{WithDocRoot(file)}},
		{`bad address`, []Option{WithDocRoot(root), WithAddress(`localhost`)}},
		{`bad port`, []Option{WithDocRoot(root), WithPort(70000)}},
		{`bad backlog`, []Option{WithDocRoot(root), WithBacklog(0)}},
		{`bad max conns`, []Option{WithDocRoot(root), WithMaxConns(0)}},
		{`bad threads`, []Option{WithDocRoot(root), WithThreads(-1)}},
		{`bad max requests`, []Option{WithDocRoot(root), WithMaxRequests(0)}},
		{`bad idle timeout`, []Option{WithDocRoot(root), WithIdleTimeout(-time.Second)}},
		{`bad time slot`, []Option{WithDocRoot(root), WithTimeSlot(0)}},
		{`bad flush interval`, []Option{WithDocRoot(root), WithFlushInterval(0)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, err := New(tc.opts...)
			assert.Error(t, err)
			assert.Nil(t, s)
		})
	}
}

func TestNew_addressInUse(t *testing.T) {
	s, err := New(WithAddress(`127.0.0.1`), WithDocRoot(newDocRoot(t)))
	require.NoError(t, err)
	defer s.Close()

	_, err = New(
		WithAddress(`127.0.0.1`),
		WithPort(int(s.Addr().Port())),
		WithDocRoot(newDocRoot(t)),
	)
	assert.ErrorIs(t, err, unix.EADDRINUSE)
}
