// Package keyring implements the outdated-key filter and the per-participant
// inbound key ring the encryption manager reads and writes.
package keyring

import (
	"sync"
	"time"
)

// Entry is one accepted inbound media key.
type Entry struct {
	ParticipantID string
	KeyIndex      int
	Key           []byte
	CreationTS    int64
}

type ringKey struct {
	participant string
	index       int
}

// Filter rejects an inbound key if and only if a prior accepted entry for
// the same (participantId, keyIndex) pair has a strictly greater creation
// timestamp. A zero Filter is ready to use.
type Filter struct {
	mu   sync.Mutex
	seen map[ringKey]int64
}

// Accept reports whether the candidate with the given creation timestamp
// should be accepted, and records it as the new high-water mark if so. An
// equal timestamp is accepted (and updates the high-water mark): only a
// strictly greater prior entry rejects the candidate.
func (f *Filter) Accept(participant string, index int, creationTS int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[ringKey]int64)
	}
	k := ringKey{participant, index}
	if prev, ok := f.seen[k]; ok && prev > creationTS {
		return false
	}
	f.seen[k] = creationTS
	return true
}

// Ring stores the latest accepted key per (participant, index). Idle entries
// are evicted only when Sweep is called; the Ring runs no background sweep
// of its own.
type Ring struct {
	mu        sync.Mutex
	entries   map[ringKey]*ringEntry
	idleAfter time.Duration
}

type ringEntry struct {
	entry      Entry
	lastTouch  time.Time
}

// NewRing returns a Ring that evicts entries idle for longer than idleAfter
// on each call to Sweep.
func NewRing(idleAfter time.Duration) *Ring {
	return &Ring{entries: make(map[ringKey]*ringEntry), idleAfter: idleAfter}
}

// Store records e as the authoritative entry for its (participant, index).
func (r *Ring) Store(e Entry, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := ringKey{e.ParticipantID, e.KeyIndex}
	r.entries[k] = &ringEntry{entry: e, lastTouch: now}
}

// Get returns the stored entry for (participant, index), if any.
func (r *Ring) Get(participant string, index int) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ringKey{participant, index}]
	if !ok {
		return Entry{}, false
	}
	return e.entry, true
}

// Snapshot returns every stored entry, keyed by participant id.
func (r *Ring) Snapshot() map[string][]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]Entry)
	for k, v := range r.entries {
		out[k.participant] = append(out[k.participant], v.entry)
	}
	return out
}

// Clear removes every stored entry, e.g. on leave.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[ringKey]*ringEntry)
}

// Sweep removes entries untouched for longer than idleAfter (evaluated
// relative to now), returning the number removed.
func (r *Ring) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for k, v := range r.entries {
		if now.Sub(v.lastTouch) > r.idleAfter {
			delete(r.entries, k)
			removed++
		}
	}
	return removed
}
