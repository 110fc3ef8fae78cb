// Package interner implements the process-wide string dictionary the
// combat log relies on to turn repeated name/ability payloads into
// 4-byte keys. It is the Go translation of the original's
// core/src/context/interner.rs, which wraps lasso's ThreadedRodeo behind
// a OnceLock: here a package-level singleton, guarded by a RWMutex for
// inserts and read under RLock for resolves, initialized once via
// sync.Once the way the teacher lazily initializes its shared
// positions/metrics state.
package interner

import (
	"sync"
)

// Key is a densely assigned, process-wide string identifier. Order of
// assignment is unspecified; equal byte sequences always map to the same
// key regardless of the calling goroutine.
type Key uint32

// Interner is a thread-safe bytes-to-Key dictionary. The zero value is not
// usable; construct with New.
type Interner struct {
	mu     sync.RWMutex
	keys   map[string]Key
	values []string
}

// New creates an empty Interner.
func New() *Interner {
	return &Interner{
		keys:   make(map[string]Key, 4096),
		values: make([]string, 0, 4096),
	}
}

var (
	global     *Interner
	globalOnce sync.Once
)

// Global returns the process-wide interner, initializing it on first call.
func Global() *Interner {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// Intern returns the key for b, inserting it if this is the first time
// this byte sequence has been seen. Intern never allocates on the hit
// path beyond the map lookup: a string(b) conversion is only performed
// when the fast RLock path misses.
func (in *Interner) Intern(b []byte) Key {
	in.mu.RLock()
	if k, ok := in.keys[string(b)]; ok {
		in.mu.RUnlock()
		return k
	}
	in.mu.RUnlock()

	in.mu.Lock()
	defer in.mu.Unlock()

	// Re-check: another goroutine may have inserted while we waited for
	// the write lock.
	s := string(b)
	if k, ok := in.keys[s]; ok {
		return k
	}

	k := Key(len(in.values))
	in.values = append(in.values, s)
	in.keys[s] = k
	return k
}

// InternString is a convenience wrapper for callers that already hold a
// Go string (config values, test fixtures); the hot parsing path always
// calls Intern with a byte slice from the line buffer instead.
func (in *Interner) InternString(s string) Key {
	return in.Intern([]byte(s))
}

// Resolve returns the string for key. It panics if key was never
// assigned by this Interner, which indicates a programming error (a key
// minted by a different Interner, most likely), not a runtime condition
// callers should handle.
func (in *Interner) Resolve(key Key) string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if int(key) >= len(in.values) {
		panic("interner: resolve of unknown key")
	}
	return in.values[key]
}

// Len reports how many distinct strings have been interned so far.
func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.values)
}
