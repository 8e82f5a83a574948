package persist

import "sync"

// Table names a change stream published by the hub.
type Table string

const (
	TableCalendars Table = "calendars"
	TableEvents    Table = "events"
	TableHolidays  Table = "holidays"
	TableFailures  Table = "sync_failures"
)

// Hub fans out table change notifications. Each subscriber channel holds at
// most the latest version; slow readers skip intermediate versions but never
// miss that something changed.
type Hub struct {
	mu       sync.Mutex
	versions map[Table]uint64
	subs     map[Table]map[chan uint64]struct{}
}

func newHub() *Hub {
	return &Hub{
		versions: make(map[Table]uint64),
		subs:     make(map[Table]map[chan uint64]struct{}),
	}
}

// Version reports the current change counter for table.
func (h *Hub) Version(table Table) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.versions[table]
}

// Subscribe registers for changes to table. The returned cancel func must be
// called to release the subscription; the channel is never closed.
func (h *Hub) Subscribe(table Table) (<-chan uint64, func()) {
	ch := make(chan uint64, 1)
	h.mu.Lock()
	set, ok := h.subs[table]
	if !ok {
		set = make(map[chan uint64]struct{})
		h.subs[table] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[table], ch)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) notify(tables ...Table) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, table := range tables {
		h.versions[table]++
		version := h.versions[table]
		for ch := range h.subs[table] {
			select {
			case ch <- version:
			default:
				// Replace the stale pending version.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- version:
				default:
				}
			}
		}
	}
}
