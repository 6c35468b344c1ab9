package httpconn

import (
	"golang.org/x/sys/unix"
)

// mappedFile is a read-only private mapping of a file's contents.
type mappedFile struct {
	data []byte
}

func mapFile(fd int, size int) (*mappedFile, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &mappedFile{data: data}, nil
}

func (m *mappedFile) bytes() []byte {
	if m == nil {
		return nil
	}
	return m.data
}

// release unmaps the file. It is safe to call more than once, and on a nil
// receiver.
func (m *mappedFile) release() error {
	if m == nil || m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}
