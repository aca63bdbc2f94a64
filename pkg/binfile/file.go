package binfile

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// File is a Source backed by a file on disk. Open maps the file read-only when
// the platform allows it and otherwise serves reads from the descriptor, so a
// File never holds a private copy of the whole container.
type File struct {
	f       *os.File
	data    []byte
	size    int64
	mmapped bool
}

// Open opens path as a read-only Source. The returned File must be closed to
// release any mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("binfile: %s is a directory", path)
	}
	size := st.Size()
	if size < 0 || size > math.MaxInt {
		_ = f.Close()
		return nil, fmt.Errorf("%w: file size %d", ErrMalformedGeometry, size)
	}

	if size > 0 {
		data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		if err == nil {
			// The mapping stays valid after the descriptor is closed.
			_ = f.Close()
			return &File{data: data, size: size, mmapped: true}, nil
		}
	}

	return &File{f: f, size: size}, nil
}

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.mmapped {
		if f.data == nil {
			return 0, os.ErrClosed
		}
		if off < 0 {
			return 0, errors.New("binfile: negative offset")
		}
		if off >= int64(len(f.data)) {
			return 0, io.EOF
		}
		n := copy(p, f.data[off:])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
	if f.f == nil {
		return 0, os.ErrClosed
	}
	return f.f.ReadAt(p, off)
}

// Size returns the file length at open time.
func (f *File) Size() int64 {
	return f.size
}

// Mapped reports whether reads are served from a memory mapping.
func (f *File) Mapped() bool {
	return f.mmapped
}

// Close releases the mapping or descriptor.
func (f *File) Close() error {
	if f == nil {
		return nil
	}
	var err error
	if f.mmapped && f.data != nil {
		err = unix.Munmap(f.data)
	}
	if f.f != nil {
		if cerr := f.f.Close(); err == nil {
			err = cerr
		}
	}
	f.data = nil
	f.f = nil
	return err
}
