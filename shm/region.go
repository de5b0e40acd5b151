package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// shmDir is where named regions live, mirroring POSIX shm_open's backing
// store on Linux (a tmpfs mount). Grounded on feeder/shm's NewRingBuffer /
// NewMatrix, which open "/dev/shm/"+name directly rather than calling the
// libc shm_open wrapper.
const shmDir = "/dev/shm"

// Region is one mapping of a named shared memory object. Each participant
// (process or goroutine group) holds its own Region over the same backing
// file; closing a Region only undoes that participant's mapping, it never
// removes the backing object (see Unlink).
type Region struct {
	name string
	file *os.File
	data []byte
}

// regionPath maps a region name to its backing file path. Names
// conventionally begin with "/", matching POSIX shm_open naming; the leading
// slash is stripped since it is not a meaningful path component under
// shmDir.
func regionPath(name string) (string, error) {
	if name == "" {
		return "", ErrInvalidArgument
	}
	trimmed := strings.TrimPrefix(name, "/")
	if trimmed == "" || strings.ContainsRune(trimmed, '/') {
		return "", fmt.Errorf("%w: region name %q is not a single path segment", ErrInvalidArgument, name)
	}
	return filepath.Join(shmDir, trimmed), nil
}

// pageRoundUp rounds size up to the host page size.
func pageRoundUp(size int) int {
	pageSize := unix.Getpagesize()
	if size <= 0 {
		return pageSize
	}
	rem := size % pageSize
	if rem == 0 {
		return size
	}
	return size + (pageSize - rem)
}

// CreateRegion creates a new named region of at least size bytes, rounded up
// to the page size. If strict is true and a region of a different size
// already exists under name, CreateRegion fails with ErrAlreadyExists;
// otherwise an existing region is truncated to the requested size.
func CreateRegion(name string, size int, strict bool) (*Region, error) {
	if size <= 0 {
		return nil, ErrInvalidArgument
	}
	path, err := regionPath(name)
	if err != nil {
		return nil, err
	}
	rounded := pageRoundUp(size)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, ioErr("open", err)
	}

	if strict {
		if st, err := f.Stat(); err == nil && st.Size() != 0 && st.Size() != int64(rounded) {
			f.Close()
			return nil, ErrAlreadyExists
		}
	}

	if err := f.Truncate(int64(rounded)); err != nil {
		f.Close()
		return nil, ioErr("truncate", err)
	}

	return mapRegion(name, f, rounded)
}

// OpenRegion opens an existing named region. It fails with ErrNotFound if no
// region exists under name.
func OpenRegion(name string) (*Region, error) {
	path, err := regionPath(name)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, ioErr("open", err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioErr("stat", err)
	}
	if st.Size() == 0 {
		f.Close()
		return nil, ErrIncompatibleRegion
	}

	return mapRegion(name, f, int(st.Size()))
}

func mapRegion(name string, f *os.File, size int) (*Region, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, ioErr("mmap", err)
	}
	return &Region{name: name, file: f, data: data}, nil
}

// Name returns the region's name, as passed to Create/Open.
func (r *Region) Name() string { return r.name }

// Size returns the mapped size in bytes.
func (r *Region) Size() int { return len(r.data) }

// Bytes returns the raw mapped bytes. Callers within this package use it to
// overlay header/payload structures; external callers should not retain
// slices derived from it past Unmap.
func (r *Region) Bytes() []byte { return r.data }

// Unmap releases this participant's mapping. It is idempotent and does not
// unlink the backing region; other participants' mappings are unaffected.
func (r *Region) Unmap() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	closeErr := r.file.Close()
	if err != nil {
		return ioErr("munmap", err)
	}
	if closeErr != nil {
		return ioErr("close", closeErr)
	}
	return nil
}

// UnlinkRegion removes the named backing object. Existing mappings remain
// valid until their holders call Unmap; the region's storage is only
// reclaimed once the last mapping and the last directory entry are gone.
func UnlinkRegion(name string) error {
	path, err := regionPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ioErr("unlink", err)
	}
	return nil
}
