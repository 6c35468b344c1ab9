package httpconn

import (
	"bytes"
	"math"
	"path"
	"strings"
)

var (
	prefixHTTP          = []byte(`http://`)
	headerConnection    = []byte(`Connection:`)
	headerContentLength = []byte(`Content-Length:`)
	headerHost          = []byte(`Host:`)
)

// parseLine scans for the end of the current line, see the package docs.
func (c *Conn) parseLine() lineStatus {
	for ; c.checkedIdx < c.readIdx; c.checkedIdx++ {
		switch c.readBuf[c.checkedIdx] {
		case '\r':
			if c.checkedIdx+1 == c.readIdx {
				return lineOpen
			}
			if c.readBuf[c.checkedIdx+1] == '\n' {
				c.readBuf[c.checkedIdx] = 0
				c.readBuf[c.checkedIdx+1] = 0
				c.checkedIdx += 2
				return lineOK
			}
			return lineBad
		case '\n':
			if c.checkedIdx > 0 && c.readBuf[c.checkedIdx-1] == '\r' {
				c.readBuf[c.checkedIdx-1] = 0
				c.readBuf[c.checkedIdx] = 0
				c.checkedIdx++
				return lineOK
			}
			return lineBad
		}
	}
	return lineOpen
}

// processRead advances the request machine as far as the buffered bytes
// allow, resolving the target once the request is complete.
func (c *Conn) processRead() Result {
	for {
		if c.checkState == stateContent {
			// the body is never parsed, only waited for
			if int64(c.readIdx-c.checkedIdx) < c.contentLength {
				return NoRequest
			}
			c.consumed = c.checkedIdx + int(c.contentLength)
			return c.doRequest()
		}

		switch c.parseLine() {
		case lineOpen:
			return NoRequest
		case lineBad:
			c.linger = false
			return BadRequest
		}

		line := c.readBuf[c.startLine : c.checkedIdx-2]
		c.startLine = c.checkedIdx

		switch c.checkState {
		case stateRequestLine:
			if result := c.parseRequestLine(line); result != NoRequest {
				c.linger = false
				return result
			}
		case stateHeaders:
			if c.parseHeaders(line) == GetRequest {
				c.consumed = c.checkedIdx
				return c.doRequest()
			}
		default:
			return InternalError
		}
	}
}

// parseRequestLine parses `METHOD TARGET VERSION`.
func (c *Conn) parseRequestLine(text []byte) Result {
	i := bytes.IndexAny(text, " \t")
	if i < 0 {
		return BadRequest
	}

	c.method = ParseMethod(text[:i])
	if c.method != MethodGet {
		return BadRequest
	}

	target := skipBlank(text[i+1:])
	i = bytes.IndexAny(target, " \t")
	if i < 0 {
		return BadRequest
	}
	version := skipBlank(target[i+1:])
	target = target[:i]
	if !bytes.EqualFold(version, []byte(`HTTP/1.1`)) {
		return BadRequest
	}

	if len(target) >= len(prefixHTTP) && bytes.EqualFold(target[:len(prefixHTTP)], prefixHTTP) {
		target = target[len(prefixHTTP):]
		i = bytes.IndexByte(target, '/')
		if i < 0 {
			return BadRequest
		}
		target = target[i:]
	}
	if len(target) == 0 || target[0] != '/' {
		return BadRequest
	}

	decoded, err := Decode(string(target))
	if err != nil || strings.IndexByte(decoded, 0) >= 0 {
		return BadRequest
	}

	c.url = path.Clean(decoded)
	c.fileType = path.Ext(c.url)
	c.checkState = stateHeaders
	return NoRequest
}

// parseHeaders handles one header line, returning GetRequest on the blank
// line ending the headers of a request without a body.
func (c *Conn) parseHeaders(text []byte) Result {
	switch {
	case len(text) == 0:
		if c.contentLength != 0 {
			c.checkState = stateContent
			return NoRequest
		}
		return GetRequest

	case hasPrefixFold(text, headerConnection):
		if bytes.EqualFold(trimBlank(text[len(headerConnection):]), []byte(`keep-alive`)) {
			c.linger = true
		}

	case hasPrefixFold(text, headerContentLength):
		c.contentLength = atol(skipBlank(text[len(headerContentLength):]))

	case hasPrefixFold(text, headerHost):
		c.hostHeader = string(trimBlank(text[len(headerHost):]))
	}

	return NoRequest
}

// atol parses the leading digits of b. Anything unparseable, or negative,
// is 0, and values too large for an int64 saturate.
func atol(b []byte) int64 {
	if len(b) > 0 && b[0] == '+' {
		b = b[1:]
	}
	var n int64
	for _, d := range b {
		if d < '0' || d > '9' {
			break
		}
		if n > (math.MaxInt64-int64(d-'0'))/10 {
			return math.MaxInt64
		}
		n = n*10 + int64(d-'0')
	}
	return n
}

func hasPrefixFold(b, prefix []byte) bool {
	return len(b) >= len(prefix) && bytes.EqualFold(b[:len(prefix)], prefix)
}

func isBlank(c byte) bool { return c == ' ' || c == '\t' }

func skipBlank(b []byte) []byte {
	for len(b) > 0 && isBlank(b[0]) {
		b = b[1:]
	}
	return b
}

func trimBlank(b []byte) []byte {
	b = skipBlank(b)
	for len(b) > 0 && isBlank(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	return b
}
