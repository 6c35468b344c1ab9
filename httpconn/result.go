package httpconn

import (
	"bytes"
	"fmt"
)

// Method is an HTTP request method. Only GET is served, the rest are
// recognised only to be rejected.
type Method uint8

const (
	MethodUnknown Method = iota
	MethodGet
	MethodPost
	MethodHead
	MethodPut
	MethodDelete
	MethodTrace
	MethodOptions
	MethodConnect
	MethodPatch
)

var methodNames = [...]string{
	MethodUnknown: ``,
	MethodGet:     `GET`,
	MethodPost:    `POST`,
	MethodHead:    `HEAD`,
	MethodPut:     `PUT`,
	MethodDelete:  `DELETE`,
	MethodTrace:   `TRACE`,
	MethodOptions: `OPTIONS`,
	MethodConnect: `CONNECT`,
	MethodPatch:   `PATCH`,
}

// ParseMethod matches b case-insensitively, returning MethodUnknown if it is
// not a known method.
func ParseMethod(b []byte) Method {
	for i := MethodGet; int(i) < len(methodNames); i++ {
		if bytes.EqualFold(b, []byte(methodNames[i])) {
			return i
		}
	}
	return MethodUnknown
}

func (m Method) String() string {
	if int(m) < len(methodNames) && m != MethodUnknown {
		return methodNames[m]
	}
	return fmt.Sprintf(`Method(%d)`, uint8(m))
}

// Result classifies the state of a request, after parsing and resolution.
type Result uint8

const (
	// NoRequest means the request is incomplete.
	NoRequest Result = iota
	// GetRequest means a complete request was parsed, and is yet to be
	// resolved.
	GetRequest
	BadRequest
	NoResource
	Forbidden
	// FileRequest means the target was resolved to a readable regular file.
	FileRequest
	InternalError
	ClosedConnection
)

func (r Result) String() string {
	switch r {
	case NoRequest:
		return `no request`
	case GetRequest:
		return `get request`
	case BadRequest:
		return `bad request`
	case NoResource:
		return `not found`
	case Forbidden:
		return `forbidden`
	case FileRequest:
		return `ok`
	case InternalError:
		return `internal error`
	case ClosedConnection:
		return `closed connection`
	default:
		return fmt.Sprintf(`Result(%d)`, uint8(r))
	}
}

// Outcome is the result of Conn.Write.
type Outcome uint8

const (
	// OutcomePending means the socket would block. The connection has been
	// re-armed for output.
	OutcomePending Outcome = iota
	// OutcomeKeepAlive means the response was sent, and the connection has
	// been reset and re-armed for input.
	OutcomeKeepAlive
	// OutcomePipelined means the response was sent, and the connection has
	// been reset, but it already holds bytes of the next request. It has not
	// been re-armed, and should be processed again by its owner, as no
	// readiness event will arrive for bytes already read.
	OutcomePipelined
	// OutcomeClose means the connection must be closed by its owner.
	OutcomeClose
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return `pending`
	case OutcomeKeepAlive:
		return `keep-alive`
	case OutcomePipelined:
		return `pipelined`
	case OutcomeClose:
		return `close`
	default:
		return fmt.Sprintf(`Outcome(%d)`, uint8(o))
	}
}

type checkState uint8

const (
	stateRequestLine checkState = iota
	stateHeaders
	stateContent
)

type lineStatus uint8

const (
	lineOK lineStatus = iota
	lineBad
	lineOpen
)
