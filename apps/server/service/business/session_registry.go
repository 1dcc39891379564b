package business

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
)

const (
	// registryShardCount is the number of shards for the session registry.
	// Must be a power of 2 for efficient modulo operation.
	registryShardCount = 32
)

// registryShard represents a single shard of the session registry.
type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// SessionRegistry tracks active sessions keyed by connection id, sharded for
// high concurrency.
//
// Design Rationale:
// - Sharding reduces lock contention by distributing sessions across 32 shards
// - Each shard has its own RWMutex, allowing parallel operations on different shards
// - Uses atomic operations for global size tracking (lock-free reads)
// - maphash for zero-allocation shard selection (pre-seeded)
//
// Performance:
// - Register(): O(1) with 1/32 lock contention probability
// - Lookup(): O(1) with read lock on single shard
// - Deregister(): O(1) with write lock on single shard
// - Len(): O(1) lock-free atomic read
// - Snapshot(): O(n) with per-shard snapshots.
type SessionRegistry struct {
	shards      [registryShardCount]*registryShard
	hashSeed    maphash.Seed // Pre-seeded hasher for zero-allocation hashing
	maxSize     int32
	currentSize int32 // Atomic access
}

// NewSessionRegistry creates a sharded session registry with the specified capacity.
func NewSessionRegistry(maxSize int32) *SessionRegistry {
	registry := &SessionRegistry{
		maxSize:  maxSize,
		hashSeed: maphash.MakeSeed(), // Initialize seed once at registry creation
	}

	// Pre-allocate each shard with proportional capacity
	const minShardCapacity = 64
	shardCapacity := int(maxSize) / registryShardCount
	if shardCapacity < minShardCapacity {
		shardCapacity = minShardCapacity
	}

	for i := range registryShardCount {
		registry.shards[i] = &registryShard{
			sessions: make(map[string]*Session, shardCapacity),
		}
	}

	return registry
}

// getShard returns the shard for a given key using maphash (zero-allocation).
func (r *SessionRegistry) getShard(key string) *registryShard {
	// maphash.String is inlined by the compiler and performs no allocations
	h := maphash.String(r.hashSeed, key)
	return r.shards[h&(registryShardCount-1)]
}

// Register inserts a session into the registry.
// Returns ErrRegistryFull if the registry is at capacity and
// ErrDuplicateSession if a session with the same connection id already exists;
// the existing session is never replaced.
// Thread-safe: Reserves a size slot via compare-and-swap before touching the
// shard, so concurrent registrations can never push the registry past maxSize.
func (r *SessionRegistry) Register(sess *Session) error {
	for {
		size := atomic.LoadInt32(&r.currentSize)
		if size >= r.maxSize {
			return ErrRegistryFull
		}
		if atomic.CompareAndSwapInt32(&r.currentSize, size, size+1) {
			break
		}
	}

	key := sess.ConnectionID()
	shard := r.getShard(key)

	shard.mu.Lock()
	_, exists := shard.sessions[key]
	if !exists {
		shard.sessions[key] = sess
	}
	shard.mu.Unlock()

	if exists {
		// Release the reserved slot.
		atomic.AddInt32(&r.currentSize, -1)
		return ErrDuplicateSession
	}
	return nil
}

// Lookup retrieves a session from the registry.
// Returns the session and true if found, nil and false otherwise.
// Thread-safe: Uses read lock on single shard only.
func (r *SessionRegistry) Lookup(connectionID string) (*Session, bool) {
	shard := r.getShard(connectionID)

	shard.mu.RLock()
	sess, exists := shard.sessions[connectionID]
	shard.mu.RUnlock()
	return sess, exists
}

// Deregister removes a session from the registry and returns it.
// Returns nil if no session was registered under the connection id, making
// repeated deregistration safe.
// Thread-safe: Uses write lock on single shard only.
func (r *SessionRegistry) Deregister(connectionID string) *Session {
	shard := r.getShard(connectionID)

	shard.mu.Lock()
	sess, exists := shard.sessions[connectionID]
	if exists {
		delete(shard.sessions, connectionID)
		atomic.AddInt32(&r.currentSize, -1)
	}
	shard.mu.Unlock()

	if !exists {
		return nil
	}
	return sess
}

// Len returns the current number of registered sessions.
// Thread-safe: Lock-free atomic read.
func (r *SessionRegistry) Len() int32 {
	return atomic.LoadInt32(&r.currentSize)
}

// Snapshot returns a point-in-time copy of all registered sessions.
// Collects per shard to minimize lock contention; the returned slice is not
// updated as sessions come and go.
func (r *SessionRegistry) Snapshot() []*Session {
	var all []*Session

	for i := range registryShardCount {
		shard := r.shards[i]
		shard.mu.RLock()
		for _, sess := range shard.sessions {
			all = append(all, sess)
		}
		shard.mu.RUnlock()
	}

	return all
}
