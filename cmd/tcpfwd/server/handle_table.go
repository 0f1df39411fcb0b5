package server

// Handle is a stable reference to a slot of a HandleTable. The generation
// changes each time a slot is released, so a Handle kept after its slot
// was reused will no longer resolve.
type Handle struct {
	Index      int32
	Generation int32
}

// NoHandle is the zero, invalid, Handle
var NoHandle = Handle{Index: -1}

// pollable is anything the EventLoop can deliver readiness events to
type pollable interface {
	onEvent(events uint32)
}

type tableSlot struct {
	generation int32
	item       pollable
}

// HandleTable is an arena of pollable items indexed by Handle.
// It's not safe for concurrent use (owned by the EventLoop goroutine).
type HandleTable struct {
	slots []tableSlot
	free  []int32
	count int
}

// NewHandleTable creates an empty table
func NewHandleTable() *HandleTable {
	return &HandleTable{}
}

// Insert stores item and returns its handle
func (table *HandleTable) Insert(item pollable) Handle {
	var index int32
	if n := len(table.free); n > 0 {
		index = table.free[n-1]
		table.free = table.free[:n-1]
	} else {
		table.slots = append(table.slots, tableSlot{})
		index = int32(len(table.slots) - 1)
	}

	table.slots[index].item = item
	table.count++
	return Handle{Index: index, Generation: table.slots[index].generation}
}

// Get returns the item for h, or nil if h is stale or invalid
func (table *HandleTable) Get(h Handle) pollable {
	if h.Index < 0 || int(h.Index) >= len(table.slots) {
		return nil
	}
	slot := &table.slots[h.Index]
	if slot.generation != h.Generation {
		return nil
	}
	return slot.item
}

// Release frees the slot of h, returns false if h was already stale
func (table *HandleTable) Release(h Handle) bool {
	if table.Get(h) == nil {
		return false
	}
	slot := &table.slots[h.Index]
	slot.item = nil
	slot.generation++
	table.free = append(table.free, h.Index)
	table.count--
	return true
}

// Len returns the number of live items
func (table *HandleTable) Len() int {
	return table.count
}

// Each calls fn for every live item. fn must not insert or release.
func (table *HandleTable) Each(fn func(h Handle, item pollable)) {
	for i := range table.slots {
		slot := &table.slots[i]
		if slot.item == nil {
			continue
		}
		fn(Handle{Index: int32(i), Generation: slot.generation}, slot.item)
	}
}
