package whitelist

import (
	"strings"
	"sync"
)

// Entry is one authorized peripheral. Name is the operator-given label and
// takes precedence over whatever the device advertises.
type Entry struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Whitelist holds the ordered set of authorized devices. Insertion order is
// preserved and drives the sweep order of bulk operations.
type Whitelist struct {
	mu       sync.RWMutex
	entries  []Entry
	index    map[string]int
	onChange func([]Entry)
}

func New(entries []Entry) *Whitelist {
	w := &Whitelist{index: make(map[string]int)}
	w.replaceLocked(entries)

	return w
}

// SetOnChange registers a hook invoked synchronously after every mutation
// with a snapshot of the new contents. Used to flush persistence before the
// mutating call returns.
func (w *Whitelist) SetOnChange(fn func([]Entry)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

// Contains reports whether addr is authorized.
func (w *Whitelist) Contains(addr string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	_, ok := w.index[normalize(addr)]

	return ok
}

// Name returns the stored label for addr.
func (w *Whitelist) Name(addr string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	i, ok := w.index[normalize(addr)]
	if !ok {
		return "", false
	}

	return w.entries[i].Name, true
}

// Add inserts or relabels an entry. Re-adding an existing address updates
// its name in place and keeps its position. Returns true when the address
// was new.
func (w *Whitelist) Add(addr, name string) bool {
	addr = normalize(addr)

	w.mu.Lock()

	added := false

	if i, ok := w.index[addr]; ok {
		w.entries[i].Name = name
	} else {
		w.index[addr] = len(w.entries)
		w.entries = append(w.entries, Entry{Address: addr, Name: name})
		added = true
	}

	snapshot, hook := w.snapshotLocked()
	w.mu.Unlock()

	if hook != nil {
		hook(snapshot)
	}

	return added
}

// Remove deletes an entry. Returns false when the address was not present.
func (w *Whitelist) Remove(addr string) bool {
	addr = normalize(addr)

	w.mu.Lock()

	i, ok := w.index[addr]
	if !ok {
		w.mu.Unlock()

		return false
	}

	w.entries = append(w.entries[:i], w.entries[i+1:]...)
	delete(w.index, addr)

	for j := i; j < len(w.entries); j++ {
		w.index[w.entries[j].Address] = j
	}

	snapshot, hook := w.snapshotLocked()
	w.mu.Unlock()

	if hook != nil {
		hook(snapshot)
	}

	return true
}

// Replace swaps the whole list, preserving the given order, and fires the
// change hook.
func (w *Whitelist) Replace(entries []Entry) {
	w.mu.Lock()
	w.replaceLocked(entries)
	snapshot, hook := w.snapshotLocked()
	w.mu.Unlock()

	if hook != nil {
		hook(snapshot)
	}
}

// Reload swaps the whole list without firing the change hook. Used when the
// new contents were just read from the backing store, so writing them back
// would loop.
func (w *Whitelist) Reload(entries []Entry) {
	w.mu.Lock()
	w.replaceLocked(entries)
	w.mu.Unlock()
}

// All returns a copy of the entries in insertion order.
func (w *Whitelist) All() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Entry, len(w.entries))
	copy(out, w.entries)

	return out
}

// Len returns the number of entries.
func (w *Whitelist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return len(w.entries)
}

func (w *Whitelist) replaceLocked(entries []Entry) {
	w.entries = make([]Entry, 0, len(entries))
	w.index = make(map[string]int, len(entries))

	for _, e := range entries {
		addr := normalize(e.Address)
		if addr == "" {
			continue
		}

		if i, ok := w.index[addr]; ok {
			w.entries[i].Name = e.Name

			continue
		}

		w.index[addr] = len(w.entries)
		w.entries = append(w.entries, Entry{Address: addr, Name: e.Name})
	}
}

func (w *Whitelist) snapshotLocked() ([]Entry, func([]Entry)) {
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)

	return out, w.onChange
}

func normalize(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}
