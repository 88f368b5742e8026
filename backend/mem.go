// Package backend provides bdev leaf backends: RAM-based and OS-file-based
// implementations of reactorstore.Backend for use under internal/bdev/aio.
package backend

import (
	"sync"

	"github.com/reactorstore/reactorstore"
)

// ShardSize is the size of each memory shard (64KB). This provides good
// parallelism for 4K random I/O from many reactor threads' channels while
// keeping lock overhead reasonable; a 256MB device has 4096 shards.
const ShardSize = 64 * 1024

// Memory is a RAM-based reactorstore.Backend. It uses sharded locking so
// concurrent I/O submitted from different reactor threads' channels does
// not serialize on one global mutex.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemory creates a new memory backend of the specified size.
func NewMemory(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

// shardRange returns the range of shards that cover [off, off+len)
func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// ReadAt implements reactorstore.Backend.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RLock()
	}

	n := copy(p, m.data[off:off+int64(len(p))])

	for i := startShard; i <= endShard; i++ {
		m.shards[i].RUnlock()
	}

	return n, nil
}

// WriteAt implements reactorstore.Backend.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, reactorstore.NewComponentError("mem_write", "memory", reactorstore.CodeInvalidArgument, "write beyond end of device")
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}

	n := copy(m.data[off:off+int64(len(p))], p)

	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}

	return n, nil
}

// Size implements reactorstore.Backend.
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements reactorstore.Backend.
func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// Flush implements reactorstore.Backend.
func (m *Memory) Flush() error {
	return nil
}

// Discard implements reactorstore.DiscardBackend.
func (m *Memory) Discard(offset, length int64) error {
	if offset >= m.size {
		return nil
	}

	end := offset + length
	if end > m.size {
		end = m.size
	}
	actualLen := end - offset

	startShard, endShard := m.shardRange(offset, actualLen)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}

	for i := offset; i < end; i++ {
		m.data[i] = 0
	}

	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}

	return nil
}

// WriteZeroes implements reactorstore.WriteZeroesBackend.
func (m *Memory) WriteZeroes(offset, length int64) error {
	return m.Discard(offset, length)
}

// Sync implements reactorstore.SyncBackend.
func (m *Memory) Sync() error {
	return nil
}

// SyncRange implements reactorstore.SyncBackend.
func (m *Memory) SyncRange(offset, length int64) error {
	return nil
}

// Stats implements reactorstore.StatBackend.
func (m *Memory) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":       "memory",
		"size":       m.size,
		"allocated":  len(m.data),
		"num_shards": len(m.shards),
		"shard_size": ShardSize,
	}
}

var (
	_ reactorstore.Backend            = (*Memory)(nil)
	_ reactorstore.DiscardBackend     = (*Memory)(nil)
	_ reactorstore.WriteZeroesBackend = (*Memory)(nil)
	_ reactorstore.SyncBackend        = (*Memory)(nil)
	_ reactorstore.StatBackend        = (*Memory)(nil)
)
