package reactor

import (
	"sync"

	"github.com/joeycumines/go-httpd/httpconn"
	"github.com/joeycumines/go-httpd/poller"
)

// listenerToken is the registration token of the listening socket. No
// Handle can produce it, as indexes are bounded by MaxConnsLimit.
const listenerToken = poller.WakeToken - 1

// MaxConnsLimit bounds WithMaxConns.
const MaxConnsLimit = 1 << 24

// Handle identifies a connection slot, and the generation of its current
// occupant. A Handle goes stale once its connection is closed, even though
// the slot (and the descriptor number) may be reused.
type Handle struct {
	Index uint32
	Gen   uint32
}

// Token packs h into a readiness registration token.
func (h Handle) Token() uint64 { return uint64(h.Gen)<<32 | uint64(h.Index) }

// HandleOf unpacks a token produced by Handle.Token.
func HandleOf(token uint64) Handle {
	return Handle{Index: uint32(token), Gen: uint32(token >> 32)}
}

type slot struct {
	conn  *httpconn.Conn
	fd    int
	gen   uint32
	inUse bool
}

// table is the connection arena. Free slots are owned by the table itself,
// i.e. their conn's ownership flag stays set, so nothing else can acquire a
// connection that is not open.
type table struct {
	newConn func() *httpconn.Conn
	slots   []*slot
	free    []uint32
	byFD    map[int]Handle
	max     int
	mu      sync.Mutex
}

func newTable(max int, newConn func() *httpconn.Conn) *table {
	return &table{
		newConn: newConn,
		byFD:    make(map[int]Handle),
		max:     max,
	}
}

// alloc claims a slot for fd, returning false if the table is full. The
// returned conn is owned by the caller.
func (x *table) alloc(fd int) (Handle, *httpconn.Conn, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var s *slot
	var index uint32
	if n := len(x.free); n != 0 {
		index = x.free[n-1]
		x.free = x.free[:n-1]
		s = x.slots[index]
	} else if len(x.slots) < x.max {
		index = uint32(len(x.slots))
		s = &slot{conn: x.newConn()}
		if !s.conn.Acquire() {
			panic(`reactor: new connection already owned`)
		}
		x.slots = append(x.slots, s)
	} else {
		return Handle{}, nil, false
	}

	s.inUse = true
	s.fd = fd
	h := Handle{Index: index, Gen: s.gen}
	x.byFD[fd] = h
	return h, s.conn, true
}

// lookup returns the conn for h, if h is current.
func (x *table) lookup(h Handle) (*httpconn.Conn, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if s := x.slotLocked(h); s != nil {
		return s.conn, true
	}
	return nil, false
}

// valid reports whether h is current.
func (x *table) valid(h Handle) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.slotLocked(h) != nil
}

// handleOf returns the current handle of fd.
func (x *table) handleOf(fd int) (Handle, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	h, ok := x.byFD[fd]
	return h, ok
}

// release invalidates h, returning its slot to the free list. The caller
// must own the conn, and hands ownership back to the table.
func (x *table) release(h Handle) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.slotLocked(h)
	if s == nil {
		return false
	}
	if cur, ok := x.byFD[s.fd]; ok && cur == h {
		delete(x.byFD, s.fd)
	}
	s.gen++
	s.inUse = false
	s.fd = -1
	x.free = append(x.free, h.Index)
	return true
}

// active returns the handles of every open connection.
func (x *table) active() []Handle {
	x.mu.Lock()
	defer x.mu.Unlock()
	handles := make([]Handle, 0, len(x.slots)-len(x.free))
	for i, s := range x.slots {
		if s.inUse {
			handles = append(handles, Handle{Index: uint32(i), Gen: s.gen})
		}
	}
	return handles
}

func (x *table) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.slots) - len(x.free)
}

// violations sums httpconn.Conn.Violations over every slot ever allocated.
func (x *table) violations() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int64
	for _, s := range x.slots {
		n += s.conn.Violations()
	}
	return n
}

func (x *table) slotLocked(h Handle) *slot {
	if int(h.Index) >= len(x.slots) {
		return nil
	}
	s := x.slots[h.Index]
	if !s.inUse || s.gen != h.Gen {
		return nil
	}
	return s
}
