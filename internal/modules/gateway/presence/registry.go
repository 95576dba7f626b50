// Package presence tracks which realtime connections belong to which subject.
package presence

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

type subjectShard struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{} // subject -> connection ids
}

type ownerShard struct {
	mu     sync.RWMutex
	owners map[string]string // connection id -> subject
}

// Registry maps subjects to their live connection ids. A connection belongs to
// at most one subject. All methods are safe for concurrent use.
//
// Both directions are sharded: subject sets by subject id, the reverse owner
// index by connection id. A writer locks the owner shard of its connection
// first and then one subject shard at a time, so writes for different
// connections only contend when their subjects share a shard.
type Registry struct {
	subjects [shardCount]*subjectShard
	owners   [shardCount]*ownerShard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := 0; i < shardCount; i++ {
		r.subjects[i] = &subjectShard{conns: make(map[string]map[string]struct{})}
		r.owners[i] = &ownerShard{owners: make(map[string]string)}
	}
	return r
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

func (r *Registry) subjectShardFor(subjectID string) *subjectShard {
	return r.subjects[shardIndex(subjectID)]
}

func (r *Registry) ownerShardFor(connID string) *ownerShard {
	return r.owners[shardIndex(connID)]
}

// Register records connID under subjectID. A connection already registered to
// another subject is moved.
func (r *Registry) Register(subjectID, connID string) {
	if subjectID == "" || connID == "" {
		return
	}
	o := r.ownerShardFor(connID)
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, had := o.owners[connID]; had && prev != subjectID {
		r.remove(prev, connID)
	}
	o.owners[connID] = subjectID

	s := r.subjectShardFor(subjectID)
	s.mu.Lock()
	set, ok := s.conns[subjectID]
	if !ok {
		set = make(map[string]struct{})
		s.conns[subjectID] = set
	}
	set[connID] = struct{}{}
	s.mu.Unlock()
}

// Unregister drops connID from subjectID and reports whether the subject still
// has other connections. It is a no-op when connID is unknown or registered
// to a different subject.
func (r *Registry) Unregister(subjectID, connID string) (stillOnline bool) {
	o := r.ownerShardFor(connID)
	o.mu.Lock()
	owner, ok := o.owners[connID]
	if !ok || owner != subjectID {
		o.mu.Unlock()
		return r.IsOnline(subjectID)
	}
	delete(o.owners, connID)
	stillOnline = r.remove(subjectID, connID)
	o.mu.Unlock()
	return stillOnline
}

func (r *Registry) remove(subjectID, connID string) bool {
	s := r.subjectShardFor(subjectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.conns[subjectID]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(s.conns, subjectID)
		return false
	}
	return true
}

func (r *Registry) IsOnline(subjectID string) bool {
	s := r.subjectShardFor(subjectID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns[subjectID]) > 0
}

// ConnectionsFor returns a snapshot of the subject's connection ids.
func (r *Registry) ConnectionsFor(subjectID string) []string {
	s := r.subjectShardFor(subjectID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.conns[subjectID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ConnectionCountFor counts the subject's live connections.
func (r *Registry) ConnectionCountFor(subjectID string) int {
	s := r.subjectShardFor(subjectID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns[subjectID])
}

// OnlineCount is the number of distinct subjects with a live connection.
func (r *Registry) OnlineCount() int {
	n := 0
	for _, s := range r.subjects {
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

// ConnectionCount is the number of registered connections.
func (r *Registry) ConnectionCount() int {
	n := 0
	for _, o := range r.owners {
		o.mu.RLock()
		n += len(o.owners)
		o.mu.RUnlock()
	}
	return n
}

// SubjectOf returns the subject connID is registered to.
func (r *Registry) SubjectOf(connID string) (string, bool) {
	o := r.ownerShardFor(connID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	subjectID, ok := o.owners[connID]
	return subjectID, ok
}
