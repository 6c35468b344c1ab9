package httpconn

import (
	"strconv"
)

// ServerName is the value of the Server header.
const ServerName = `go-httpd/0.3.0 (Linux)`

// EmptyBody is sent in place of a zero length file.
const EmptyBody = `<html><body></body></html>`

var statusText = map[Result]struct {
	code  int
	title string
	form  string
}{
	BadRequest:    {400, `Bad Request`, "Your request has bad syntax or is inherently impossible to satisfy.\n"},
	Forbidden:     {403, `Forbidden`, "You do not have permission to get file from this server.\n"},
	NoResource:    {404, `Not Found`, "The requested file was not found on this server.\n"},
	InternalError: {500, `Internal Error`, "There was an unusual problem serving the requested file.\n"},
}

// processWrite fills the write buffer with the response for result, and
// sets up the scatter-write. It returns false if the response didn't fit, or
// result is not a final outcome.
func (c *Conn) processWrite(result Result) bool {
	switch result {
	case FileRequest:
		if !c.addStatusLine(200, `OK`) {
			return false
		}
		if c.fileSize == 0 {
			if !c.addHeaders(int64(len(EmptyBody))) || !c.addResponse(EmptyBody) {
				return false
			}
			break
		}
		if !c.addHeaders(c.fileSize) {
			return false
		}
		c.iovBuf[0] = c.writeBuf[:c.writeIdx]
		c.iovBuf[1] = c.file.bytes()
		c.iov = c.iovBuf[:2]
		c.bytesToSend = c.writeIdx + len(c.iovBuf[1])
		return true

	case BadRequest, Forbidden, NoResource, InternalError:
		status := statusText[result]
		if !c.addStatusLine(status.code, status.title) ||
			!c.addHeaders(int64(len(status.form))) ||
			!c.addResponse(status.form) {
			return false
		}

	default:
		return false
	}

	c.iovBuf[0] = c.writeBuf[:c.writeIdx]
	c.iov = c.iovBuf[:1]
	c.bytesToSend = c.writeIdx
	return true
}

func (c *Conn) addStatusLine(code int, title string) bool {
	return c.addResponse(`HTTP/1.1 `, strconv.Itoa(code), ` `, title, "\r\n")
}

func (c *Conn) addHeaders(contentLength int64) bool {
	connection := `close`
	if c.linger {
		connection = `keep-alive`
	}
	return c.addResponse(`Server: `, ServerName, "\r\n") &&
		c.addResponse(`Content-Length: `, strconv.FormatInt(contentLength, 10), "\r\n") &&
		c.addResponse(`Connection: `, connection, "\r\n") &&
		c.addResponse(`Content-Type: `, ContentType(c.fileType), "; charset=utf-8\r\n") &&
		c.addResponse(`Date: `, c.clock.String(), "\r\n") &&
		c.addResponse("\r\n")
}

// addResponse appends parts to the write buffer, all or nothing.
func (c *Conn) addResponse(parts ...string) bool {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	if c.writeIdx+n > len(c.writeBuf) {
		return false
	}
	for _, p := range parts {
		c.writeIdx += copy(c.writeBuf[c.writeIdx:], p)
	}
	return true
}
