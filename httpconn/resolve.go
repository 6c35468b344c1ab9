package httpconn

import (
	"golang.org/x/sys/unix"
)

// doRequest resolves the parsed target against the document root, mapping
// the file on success. Every attempt is logged.
func (c *Conn) doRequest() Result {
	result := c.resolve()
	c.logger.Info().
		Str(`peer`, c.peer).
		Str(`path`, c.realFile).
		Str(`outcome`, result.String()).
		Log(`resource requested`)
	return result
}

func (c *Conn) resolve() Result {
	c.realFile = c.docRoot + c.url
	if len(c.realFile) >= FilenameLen {
		return BadRequest
	}

	var st unix.Stat_t
	if err := unix.Stat(c.realFile, &st); err != nil {
		return NoResource
	}
	if st.Mode&unix.S_IROTH == 0 {
		return Forbidden
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return BadRequest
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return Forbidden
	}

	c.fileSize = st.Size
	if c.fileSize == 0 {
		return FileRequest
	}

	fd, err := unix.Open(c.realFile, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.EACCES {
			return Forbidden
		}
		return InternalError
	}
	defer unix.Close(fd)

	file, err := mapFile(fd, int(c.fileSize))
	if err != nil {
		c.logger.Err().
			Str(`path`, c.realFile).
			Err(err).
			Log(`httpconn: mmap failed`)
		return InternalError
	}
	c.file = file

	return FileRequest
}
