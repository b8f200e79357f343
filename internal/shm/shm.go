// Package shm implements the named shared-memory region registry used to
// coordinate a primary and secondary driver process over the same
// controller (spec.md §4.5, §6): the io-token counter, the global config
// word, each queue's command log, and each namespace's integrity table all
// live in regions created by this package.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cloudwego/gopkg/hash/xfnv"
	"golang.org/x/sys/unix"

	"github.com/nvmetest/nvmetest/internal/ierrors"
)

// DefaultDir is the directory regions are created under when a registry is
// built with NewDefaultRegistry. On Linux this mirrors /dev/shm; it is
// configurable so tests never touch the real filesystem location.
const DefaultDir = "/dev/shm/nvmetest"

// Region is one named, mmap-backed shared-memory region.
type Region struct {
	name string
	path string
	data []byte
	fd   int
}

// Name returns the region's name, as passed to Create/Lookup.
func (r *Region) Name() string { return r.name }

// Bytes returns the region's backing memory. Valid until Close.
func (r *Region) Bytes() []byte { return r.data }

// Close unmaps the region. It does not remove the backing file: a secondary
// process may still be attached to it.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	_ = unix.Close(r.fd)
	return err
}

// Registry creates and looks up named regions under a single directory,
// analogous to the teacher's per-queue mmapQueues but keyed by name instead
// of queue id, so a secondary process can attach to the same region a
// primary process created.
type Registry struct {
	dir string

	mu    sync.Mutex
	cache map[uint64]*Region // xfnv(name) -> region, in-process fast path only
}

// NewRegistry creates a registry rooted at dir, creating the directory if
// necessary.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ierrors.Wrap("shm.NewRegistry", err)
	}
	return &Registry{dir: dir, cache: make(map[uint64]*Region)}, nil
}

// NewDefaultRegistry creates a registry rooted at DefaultDir.
func NewDefaultRegistry() (*Registry, error) {
	return NewRegistry(DefaultDir)
}

func (reg *Registry) pathFor(name string) string {
	return filepath.Join(reg.dir, name)
}

// cacheGet/cachePut are an in-process fast path only: the filename remains
// the source of truth for cross-process correctness, the xfnv hash only
// avoids a redundant syscall when the same name is looked up repeatedly
// from the same process.
func (reg *Registry) cacheGet(name string) (*Region, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.cache[xfnv.HashStr(name)]
	if ok && r.name == name {
		return r, true
	}
	return nil, false
}

func (reg *Registry) cachePut(r *Region) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.cache[xfnv.HashStr(r.name)] = r
}

// Create creates (or truncates) a region of the given size and maps it
// read-write, shared, for use by the primary process.
func (reg *Registry) Create(name string, size int) (*Region, error) {
	path := reg.pathFor(name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0o644)
	if err != nil {
		return nil, ierrors.Wrap(fmt.Sprintf("shm.Create(%s)", name), err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, ierrors.Wrap(fmt.Sprintf("shm.Create(%s)", name), err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, ierrors.Wrap(fmt.Sprintf("shm.Create(%s)", name), err)
	}
	r := &Region{name: name, path: path, data: data, fd: fd}
	reg.cachePut(r)
	return r, nil
}

// Lookup attaches to an existing region by name, as a secondary process
// would. size must match the size the primary created it with.
func (reg *Registry) Lookup(name string, size int) (*Region, error) {
	if r, ok := reg.cacheGet(name); ok {
		return r, nil
	}
	path := reg.pathFor(name)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, ierrors.New("shm.Lookup", ierrors.CodeNotFound, fmt.Sprintf("region %s not found: %v", name, err))
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, ierrors.Wrap(fmt.Sprintf("shm.Lookup(%s)", name), err)
	}
	r := &Region{name: name, path: path, data: data, fd: fd}
	reg.cachePut(r)
	return r, nil
}

// CreateOrLookup creates the region if absent, else attaches to it. Used by
// a process that does not know in advance whether it is primary or
// secondary for a given region.
func (reg *Registry) CreateOrLookup(name string, size int) (*Region, bool, error) {
	if r, err := reg.Lookup(name, size); err == nil {
		return r, false, nil
	}
	r, err := reg.Create(name, size)
	return r, true, err
}

// Remove unmaps (if cached) and deletes the backing file. Only the primary
// process should call this, on controller teardown.
func (reg *Registry) Remove(name string) error {
	reg.mu.Lock()
	h := xfnv.HashStr(name)
	if r, ok := reg.cache[h]; ok && r.name == name {
		_ = r.Close()
		delete(reg.cache, h)
	}
	reg.mu.Unlock()
	return os.Remove(reg.pathFor(name))
}
