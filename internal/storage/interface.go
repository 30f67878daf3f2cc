package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no object exists at the key
	ErrNotFound = errors.New("object not found")
	// ErrReadOnly is returned by write operations on an entitlement-gated backend
	ErrReadOnly = errors.New("storage is read-only: entitlement required for s3 writes; existing data remains accessible")
	// ErrInvalidRange is returned when a byte range cannot be satisfied
	ErrInvalidRange = errors.New("requested range not satisfiable")
	// ErrInvalidPath is returned for keys escaping the storage root
	ErrInvalidPath = errors.New("invalid storage path")
)

// Adapter defines the interface for artifact storage backends
type Adapter interface {
	// Store saves content at the given path
	Store(ctx context.Context, path string, content io.Reader, contentType string) error

	// Retrieve gets content from the given path
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)

	// RetrieveRange streams the content at path, limited to rng when non-nil
	RetrieveRange(ctx context.Context, path string, rng *ByteRange) (*Object, error)

	// Delete removes content at the given path
	Delete(ctx context.Context, path string) error

	// Exists checks if content exists at the given path
	Exists(ctx context.Context, path string) (bool, error)

	// GetSize returns the size of content at the given path
	GetSize(ctx context.Context, path string) (int64, error)

	// Stat returns size and modification time
	Stat(ctx context.Context, path string) (*ObjectInfo, error)

	// List returns paths matching the prefix
	List(ctx context.Context, prefix string) ([]string, error)
}

// Streamer is implemented by backends whose Retrieve and Store work on
// unbuffered streams. Migration copies stream-to-stream only when both sides
// report true.
type Streamer interface {
	SupportsStreaming() bool
}

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Object is a (possibly partial) readable object
type Object struct {
	Body        io.ReadCloser
	Size        int64 // bytes in Body
	TotalSize   int64 // size of the whole object
	ContentType string
	Range       *ByteRange // resolved range, nil for a full read
}

// ByteRange is an inclusive byte interval. End of -1 means "to the last byte".
// A negative Start with End -1 requests the trailing -Start bytes.
type ByteRange struct {
	Start int64
	End   int64
}

// Resolve clamps the range against the object size
func (r *ByteRange) Resolve(size int64) (*ByteRange, error) {
	if r == nil {
		return nil, nil
	}
	start, end := r.Start, r.End
	if start < 0 {
		// suffix range
		start = size + start
		if start < 0 {
			start = 0
		}
		end = size - 1
	}
	if end < 0 || end >= size {
		end = size - 1
	}
	if size == 0 || start >= size || start > end {
		return nil, fmt.Errorf("%w: %d-%d of %d", ErrInvalidRange, r.Start, r.End, size)
	}
	return &ByteRange{Start: start, End: end}, nil
}

// Length returns the number of bytes covered by a resolved range
func (r *ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange renders the Content-Range header value for a resolved range
func (r *ByteRange) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// ParseRange parses an HTTP Range header of the form "bytes=start-end",
// "bytes=start-" or "bytes=-suffix". Multi-part ranges are not supported.
// An empty header yields nil.
func ParseRange(header string) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}

	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}

	if first == "" {
		suffix, err := strconv.ParseInt(last, 10, 64)
		if err != nil || suffix <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
		return &ByteRange{Start: -suffix, End: -1}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	end := int64(-1)
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
	}
	return &ByteRange{Start: start, End: end}, nil
}

// IsNotFound reports whether err means the object is absent
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isNotFound(err error) bool { return IsNotFound(err) }

// limitedReadCloser closes the underlying reader of a LimitReader
type limitedReadCloser struct {
	io.Reader
	io.Closer
}

func newLimitedReadCloser(rc io.ReadCloser, n int64) io.ReadCloser {
	return limitedReadCloser{Reader: io.LimitReader(rc, n), Closer: rc}
}
