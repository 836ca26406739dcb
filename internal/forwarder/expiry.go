package forwarder

import (
	"sort"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	p4 "github.com/p4lang/p4runtime/go/p4/v1"
)

// expiryTracker remembers when entries installed with a hard timeout must
// be removed. P4Runtime only offers idle timeouts, so the driver deletes
// these entries itself. It also keeps the last write of every entry with an
// idle timeout, so a late notification cannot remove a newer install.
type expiryTracker struct {
	mu      sync.Mutex
	entries map[string]tracked
	idle    map[string]lastWrite
}

type tracked struct {
	entry    *p4.TableEntry
	deadline time.Time
}

type lastWrite struct {
	at      time.Time
	timeout time.Duration
}

func newExpiryTracker() *expiryTracker {
	return &expiryTracker{
		entries: make(map[string]tracked),
		idle:    make(map[string]lastWrite),
	}
}

// entryKey identifies an entry the way the device does: by table, match
// and priority.
func entryKey(entry *p4.TableEntry) string {
	id := &p4.TableEntry{
		TableId:  entry.GetTableId(),
		Match:    entry.GetMatch(),
		Priority: entry.GetPriority(),
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(id)
	if err != nil {
		// only possible for invalid utf-8 in string fields, which entries lack
		panic(err)
	}
	return string(b)
}

func (t *expiryTracker) add(entry *p4.TableEntry, deadline time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[entryKey(entry)] = tracked{entry: entry, deadline: deadline}
}

func (t *expiryTracker) remove(entry *p4.TableEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := entryKey(entry)
	delete(t.entries, key)
	delete(t.idle, key)
}

func (t *expiryTracker) written(entry *p4.TableEntry, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.idle[entryKey(entry)] = lastWrite{at: at, timeout: time.Duration(entry.GetIdleTimeoutNs())}
}

// fresh reports whether entry was written less than its idle timeout ago.
// Entries never seen written are not fresh.
func (t *expiryTracker) fresh(entry *p4.TableEntry, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.idle[entryKey(entry)]
	return ok && now.Sub(w.at) < w.timeout
}

// due returns the entries whose deadline is not after now, earliest first.
// They stay tracked until their delete is written.
func (t *expiryTracker) due(now time.Time) []*p4.TableEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ready []tracked
	for _, e := range t.entries {
		if !e.deadline.After(now) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].deadline.Before(ready[j].deadline)
	})

	out := make([]*p4.TableEntry, 0, len(ready))
	for _, e := range ready {
		out = append(out, e.entry)
	}
	return out
}

func (t *expiryTracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
