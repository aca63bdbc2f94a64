// Package binfile implements random access decoding of offset-addressed
// binary containers.
//
// A container is read through a Source, a seekable byte source that reports
// its own length. Fields are decoded at absolute offsets, and fields that live
// behind offsets stored elsewhere in the file are declared as Instances: they
// are located and parsed on first use and memoized for the lifetime of the
// Reader. binfile knows nothing about any particular file format.
//
// A Reader is owned by a single consumer and is not safe for concurrent use.
// Independent Readers over the same Source may be used concurrently when the
// Source supports concurrent ReadAt calls (os.File and mmapped Files do).
package binfile

import (
	"errors"
	"io"
)

// Source is the storage capability a Reader decodes from.
type Source interface {
	io.ReaderAt
	Size() int64
}

var (
	// ErrTruncatedInput reports an offset or length that exceeds the source.
	ErrTruncatedInput = errors.New("truncated input")
	// ErrMalformedGeometry reports dimension or size arithmetic that is zero,
	// negative, or overflows.
	ErrMalformedGeometry = errors.New("malformed geometry")
	// ErrUnsupportedVersion reports a version-specific field that the
	// container's version does not define.
	ErrUnsupportedVersion = errors.New("unsupported version")
	// ErrBadMagic reports a magic number that does not match the schema.
	ErrBadMagic = errors.New("bad magic")
	// ErrInvalidSection reports a section whose tag or declared length is
	// inconsistent with its schema.
	ErrInvalidSection = errors.New("invalid section")
	// ErrAbsent reports an optional section whose offset is zero.
	ErrAbsent = errors.New("section not present")
	// ErrIndexOutOfRange reports a table index at or past the table length.
	ErrIndexOutOfRange = errors.New("index out of range")
)

// permanent reports whether err is a property of the file content, as opposed
// to a transient storage failure. Only permanent errors are memoized.
func permanent(err error) bool {
	return errors.Is(err, ErrTruncatedInput) ||
		errors.Is(err, ErrMalformedGeometry) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrBadMagic) ||
		errors.Is(err, ErrInvalidSection) ||
		errors.Is(err, ErrAbsent)
}
