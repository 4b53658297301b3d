package ota

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Partition is a fixed size flash region.
type Partition interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	// Erase resets n bytes at off to the erased value.
	Erase(off, n int64) error
}

// ErrOutOfRange is returned for accesses beyond a partition.
var ErrOutOfRange = errors.New("access out of partition range")

func checkRange(off, n, size int64) error {
	if off < 0 || n < 0 || off+n > size {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, off, off+n, size)
	}
	return nil
}

// MemoryPartition keeps a partition in memory.
type MemoryPartition struct {
	lock sync.Mutex
	data []byte
	// failAt makes writes covering that offset fail, negative disables.
	failAt int64
	writes int
}

// NewMemoryPartition creates a MemoryPartition of size bytes.
func NewMemoryPartition(size int64) *MemoryPartition {
	p := &MemoryPartition{data: make([]byte, size), failAt: -1}
	for i := range p.data {
		p.data[i] = 0xff
	}
	return p
}

// NewMemoryPartitionWith creates a MemoryPartition holding image.
func NewMemoryPartitionWith(size int64, image []byte) *MemoryPartition {
	p := NewMemoryPartition(size)
	copy(p.data, image)
	return p
}

// Size implements Partition.
func (p *MemoryPartition) Size() int64 {
	return int64(len(p.data))
}

// FailWritesAt injects a write failure at off.
func (p *MemoryPartition) FailWritesAt(off int64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.failAt = off
}

// Writes counts successful WriteAt calls.
func (p *MemoryPartition) Writes() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.writes
}

// Bytes returns a copy of the first n bytes.
func (p *MemoryPartition) Bytes(n int64) []byte {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]byte(nil), p.data[:n]...)
}

// ReadAt implements io.ReaderAt.
func (p *MemoryPartition) ReadAt(b []byte, off int64) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := checkRange(off, int64(len(b)), int64(len(p.data))); err != nil {
		return 0, err
	}
	return copy(b, p.data[off:]), nil
}

// WriteAt implements io.WriterAt.
func (p *MemoryPartition) WriteAt(b []byte, off int64) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := checkRange(off, int64(len(b)), int64(len(p.data))); err != nil {
		return 0, err
	}
	if p.failAt >= off && p.failAt < off+int64(len(b)) {
		return 0, fmt.Errorf("flash write failed at %d", p.failAt)
	}
	p.writes++
	return copy(p.data[off:], b), nil
}

// Erase implements Partition.
func (p *MemoryPartition) Erase(off, n int64) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := checkRange(off, n, int64(len(p.data))); err != nil {
		return err
	}
	for i := off; i < off+n; i++ {
		p.data[i] = 0xff
	}
	return nil
}

// FilePartition keeps a partition in a file.
type FilePartition struct {
	f    *os.File
	size int64
}

// OpenFilePartition opens or creates a partition file of size bytes.
func OpenFilePartition(path string, size int64) (*FilePartition, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &FilePartition{f: f, size: size}, nil
}

// Size implements Partition.
func (p *FilePartition) Size() int64 {
	return p.size
}

// ReadAt implements io.ReaderAt.
func (p *FilePartition) ReadAt(b []byte, off int64) (int, error) {
	if err := checkRange(off, int64(len(b)), p.size); err != nil {
		return 0, err
	}
	return p.f.ReadAt(b, off)
}

// WriteAt implements io.WriterAt.
func (p *FilePartition) WriteAt(b []byte, off int64) (int, error) {
	if err := checkRange(off, int64(len(b)), p.size); err != nil {
		return 0, err
	}
	n, err := p.f.WriteAt(b, off)
	if err == nil {
		err = p.f.Sync()
	}
	return n, err
}

// Erase implements Partition.
func (p *FilePartition) Erase(off, n int64) error {
	if err := checkRange(off, n, p.size); err != nil {
		return err
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = 0xff
	}
	_, err := p.f.WriteAt(buf, off)
	return err
}

// Close closes the file.
func (p *FilePartition) Close() error {
	return p.f.Close()
}

// MemorySectors is an in-memory SectorStore able to simulate power loss
// in the middle of a sector write.
type MemorySectors struct {
	lock    sync.Mutex
	size    int
	sectors [2][]byte
	tearIn  int
	writes  int
}

// ErrPowerLost is returned by a torn write.
var ErrPowerLost = errors.New("power lost during write")

const tornBytes = 8

// NewMemorySectors creates two blank sectors.
func NewMemorySectors(size int) *MemorySectors {
	s := &MemorySectors{size: size}
	for i := range s.sectors {
		s.sectors[i] = make([]byte, size)
	}
	return s
}

// TearWrite makes the n-th following write (1 based) lose power right
// after the sector is erased and its first bytes are programmed. 0
// disables.
func (s *MemorySectors) TearWrite(n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.tearIn = n
}

// Writes counts write attempts.
func (s *MemorySectors) Writes() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.writes
}

// SectorSize implements SectorStore.
func (s *MemorySectors) SectorSize() int {
	return s.size
}

// ReadSector implements SectorStore.
func (s *MemorySectors) ReadSector(n int) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if n < 0 || n > 1 {
		return nil, fmt.Errorf("invalid sector %d", n)
	}
	return append([]byte(nil), s.sectors[n]...), nil
}

// WriteSector implements SectorStore.
func (s *MemorySectors) WriteSector(n int, data []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if n < 0 || n > 1 || len(data) != s.size {
		return fmt.Errorf("invalid sector write %d/%d bytes", n, len(data))
	}
	s.writes++
	if s.tearIn > 0 {
		s.tearIn--
		if s.tearIn == 0 {
			// erased, then power lost after the first bytes were programmed.
			for i := range s.sectors[n] {
				s.sectors[n][i] = 0xff
			}
			copy(s.sectors[n], data[:tornBytes])
			return ErrPowerLost
		}
	}
	copy(s.sectors[n], data)
	return nil
}

// FileSectors keeps the two sectors as files in a directory.
type FileSectors struct {
	Dir  string
	Size int
}

// SectorSize implements SectorStore.
func (s *FileSectors) SectorSize() int {
	return s.Size
}

func (s *FileSectors) path(n int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("bootsel.%d", n))
}

// ReadSector implements SectorStore. A missing sector reads blank.
func (s *FileSectors) ReadSector(n int) ([]byte, error) {
	data, err := os.ReadFile(s.path(n))
	if os.IsNotExist(err) {
		return make([]byte, s.Size), nil
	}
	return data, err
}

// WriteSector implements SectorStore, replacing the file atomically.
func (s *FileSectors) WriteSector(n int, data []byte) error {
	f, err := os.CreateTemp(s.Dir, ".bootsel-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, s.path(n))
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}
