package route

import (
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"
)

// Table is a longest-prefix-match forwarding table.
//
// Table is safe for concurrent use. The zero value is ready for use.
type Table[V any] struct {
	mu    sync.RWMutex
	table bart.Table[V]
}

// Insert adds or replaces the value for prefix.
func (t *Table[V]) Insert(prefix netip.Prefix, v V) {
	t.mu.Lock()
	t.table.Insert(prefix.Masked(), v)
	t.mu.Unlock()
}

// Delete removes prefix.
func (t *Table[V]) Delete(prefix netip.Prefix) {
	t.mu.Lock()
	t.table.Delete(prefix.Masked())
	t.mu.Unlock()
}

// Lookup returns the value of the longest prefix containing addr.
func (t *Table[V]) Lookup(addr netip.Addr) (v V, ok bool) {
	t.mu.RLock()
	v, ok = t.table.Lookup(addr.Unmap())
	t.mu.RUnlock()
	return
}

// Get returns the value stored for exactly prefix.
func (t *Table[V]) Get(prefix netip.Prefix) (v V, ok bool) {
	t.mu.RLock()
	v, ok = t.table.Get(prefix.Masked())
	t.mu.RUnlock()
	return
}

// DeleteFunc removes prefix if its value satisfies del, and reports whether it did.
func (t *Table[V]) DeleteFunc(prefix netip.Prefix, del func(V) bool) bool {
	prefix = prefix.Masked()
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.table.Get(prefix)
	if !ok || !del(v) {
		return false
	}
	t.table.Delete(prefix)
	return true
}
