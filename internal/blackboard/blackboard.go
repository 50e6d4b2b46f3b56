// Package blackboard is the per-request signal store detectors read and
// write through. It is intentionally a plain map guarded by a mutex; a
// single request is handled by a single worker, and within a wave, writes
// from concurrent detectors are serialized by this same lock.
// No third-party library in the retrieval pack addresses this narrow a
// need; see DESIGN.md for the stdlib-only justification.
package blackboard

import (
	"sync"

	"github.com/stylobot/gateway/pkg/models"
)

// subscription is a (prefix, handler) pair notified on matching writes.
type subscription struct {
	prefix  string
	handler func(key string, value any)
}

// Blackboard is a request-scoped signal store with prefix-keyed pub/sub.
// Zero value is not usable; use New.
type Blackboard struct {
	mu   sync.Mutex
	data map[string]any
	subs []subscription
}

// New creates an empty Blackboard for one request.
func New() *Blackboard {
	return &Blackboard{data: make(map[string]any)}
}

// Set writes a signal. Per the monotonic-write invariant, a
// caller that needs to revise an existing key must version the key itself
// (e.g. "ua.family.v2"); Set here does not enforce that, it simply
// overwrites, because enforcing it requires call-site knowledge of intent
// that the blackboard itself doesn't have.
func (b *Blackboard) Set(key string, value any) {
	b.mu.Lock()
	b.data[key] = value
	b.mu.Unlock()

	b.notify(key, value)
}

// SetAll writes every signal a detector emitted on its Contribution.
func (b *Blackboard) SetAll(signals []models.Signal) {
	for _, s := range signals {
		b.Set(s.Key, s.Value)
	}
}

// Get returns the raw value for key and whether it was present.
func (b *Blackboard) Get(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	return v, ok
}

// GetSignal is a typed accessor: it returns the zero value of T and false
// if the key is absent or holds a value of a different type.
func GetSignal[T any](b *Blackboard, key string) (T, bool) {
	var zero T
	raw, ok := b.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// HasSignal reports whether key has been written.
func (b *Blackboard) HasSignal(key string) bool {
	_, ok := b.Get(key)
	return ok
}

// Keys returns a snapshot of all signal keys currently present.
func (b *Blackboard) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a shallow copy of the entire signal map, useful for
// surfacing "selected signals" into AggregatedEvidence.
func (b *Blackboard) Snapshot() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]any, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out
}

// Subscribe registers handler to be called whenever a signal whose key has
// the given prefix is written. Handlers run synchronously on the writer's
// goroutine, after the write has been committed, and must not block.
func (b *Blackboard) Subscribe(keyPrefix string, handler func(key string, value any)) {
	b.mu.Lock()
	b.subs = append(b.subs, subscription{prefix: keyPrefix, handler: handler})
	b.mu.Unlock()
}

func (b *Blackboard) notify(key string, value any) {
	b.mu.Lock()
	matches := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if hasPrefix(key, s.prefix) {
			matches = append(matches, s)
		}
	}
	b.mu.Unlock()

	for _, s := range matches {
		s.handler(key, value)
	}
}

func hasPrefix(key, prefix string) bool {
	if len(prefix) > len(key) {
		return false
	}
	return key[:len(prefix)] == prefix
}
