package buddy

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"
)

// openGroup coalesces concurrent Open calls for the same path into a single
// mmap: two goroutines racing to attach to a PMEM file that a third process
// just created would otherwise double-map and double-validate it.
var openGroup singleflight.Group

// formatVersion is stamped into every PMEM file this package creates. Files
// written by a binary outside formatVersionRange are refused on Open so a
// layout change never gets silently misread.
var formatVersion = semver.MustParse("1.0.0")

// formatVersionRange is the set of on-disk versions this build can open.
var formatVersionRange = mustConstraint("^1.0.0")

func mustConstraint(c string) *semver.Constraints {
	v, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return v
}

// flockGuard approximates PTHREAD_PROCESS_SHARED mutual exclusion over a
// memory-mapped file using an advisory BSD lock on the backing fd: Go has no
// portable process-shared mutex primitive, and flock is the idiomatic
// stand-in the x/sys/unix package offers for this.
type flockGuard struct{ fd int }

func (f *flockGuard) Lock() error   { return unix.Flock(f.fd, unix.LOCK_EX) }
func (f *flockGuard) Unlock() error { return unix.Flock(f.fd, unix.LOCK_UN) }

// PMEM is a buddy Allocator backed by a memory-mapped, mkstemp-style
// temporary file, per spec.md §4.3 "Init over a file".
type PMEM struct {
	*Allocator
	file *os.File
	path string
}

// Create provisions a new PMEM-backed buddy allocator under dir, sized for
// maxSize bytes with availableSize bytes donated immediately.
func Create(dir string, maxSize, availableSize uint32) (*PMEM, error) {
	if availableSize > maxSize {
		availableSize = maxSize
	}

	f, err := os.CreateTemp(dir, "tballoc-pmem-*.buddy")
	if err != nil {
		return nil, fmt.Errorf("buddy: create temp file: %w", err)
	}

	total := int64(layoutArenaStart(maxSize)) + int64(maxSize)
	if err := f.Truncate(total); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("buddy: truncate to %d bytes: %w", total, err)
	}

	arena, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("buddy: mmap: %w", err)
	}

	initHeader(arena, maxSize)
	hdr := headerAt(arena)
	hdr.VersionMajor = uint32(formatVersion.Major())
	hdr.VersionMinor = uint32(formatVersion.Minor())
	hdr.VersionPatch = uint32(formatVersion.Patch())
	hdr.Checksum = computeChecksum(arena, hdr)

	a := &Allocator{arena: arena, hdr: hdr, cross: &flockGuard{fd: int(f.Fd())}}
	a.bindBitmaps()

	p := &PMEM{Allocator: a, file: f, path: f.Name()}
	if availableSize > 0 {
		if err := p.Expand(availableSize); err != nil {
			p.Close(true)
			return nil, err
		}
	}
	p.stampChecksum()

	return p, nil
}

// Open maps an existing PMEM file and validates its header. Concurrent Open
// calls for the same path are coalesced: only the first actually mmaps and
// validates the file, and every caller receives the same *PMEM.
func Open(path string) (*PMEM, error) {
	v, err, _ := openGroup.Do(path, func() (interface{}, error) { return openOnce(path) })
	if err != nil {
		return nil, err
	}
	return v.(*PMEM), nil
}

func openOnce(path string) (*PMEM, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("buddy: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("buddy: stat %s: %w", path, err)
	}

	arena, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("buddy: mmap %s: %w", path, err)
	}

	if len(arena) < int(headerSize) {
		unix.Munmap(arena)
		f.Close()
		return nil, fmt.Errorf("%w: file too small", ErrCorrupt)
	}

	hdr := headerAt(arena)
	if hdr.Magic != headerMagic {
		unix.Munmap(arena)
		f.Close()
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	onDisk, err := semver.NewVersion(fmt.Sprintf("%d.%d.%d", hdr.VersionMajor, hdr.VersionMinor, hdr.VersionPatch))
	if err != nil || !formatVersionRange.Check(onDisk) {
		unix.Munmap(arena)
		f.Close()
		return nil, fmt.Errorf("%w: on-disk format version %d.%d.%d unsupported", ErrCorrupt, hdr.VersionMajor, hdr.VersionMinor, hdr.VersionPatch)
	}

	want := computeChecksum(arena, hdr)
	if want != hdr.Checksum {
		unix.Munmap(arena)
		f.Close()
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	a := &Allocator{arena: arena, hdr: hdr, cross: &flockGuard{fd: int(f.Fd())}}
	a.bindBitmaps()

	return &PMEM{Allocator: a, file: f, path: path}, nil
}

// stampChecksum recomputes and stores the header checksum; callers must
// invoke this after any operation that changes bitmap bytes and before the
// file may be reopened by another process.
func (p *PMEM) stampChecksum() {
	p.hdr.Checksum = computeChecksum(p.arena, p.hdr)
}

// Close unmaps the file and closes it, optionally removing it from disk
// (the normal "unlinked on clean shutdown" path from spec.md §6).
func (p *PMEM) Close(unlink bool) error {
	p.stampChecksum()
	if err := unix.Munmap(p.arena); err != nil {
		return fmt.Errorf("buddy: munmap: %w", err)
	}
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("buddy: close: %w", err)
	}
	if unlink {
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("buddy: unlink: %w", err)
		}
	}
	return nil
}

// Path returns the backing file's path.
func (p *PMEM) Path() string { return p.path }

func computeChecksum(arena []byte, hdr *fileHeader) [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err) // only fails for an invalid key length, which we never pass
	}

	zeroed := *hdr
	zeroed.Checksum = [32]byte{}
	_ = binary.Write(h, binary.LittleEndian, zeroed)

	for lvl := 0; lvl < NumLevels; lvl++ {
		h.Write(arena[hdr.BitmapOffset[lvl] : hdr.BitmapOffset[lvl]+hdr.BitmapLen[lvl]])
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
