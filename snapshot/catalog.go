package snapshot

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/sequence"
)

// ErrNoSpace is returned by Add when every slot of the metadata region is in
// use.
var ErrNoSpace = walb.ErrOverflow.WithMessage("no free snapshot slots")

type entry struct {
	record Record
	slot   Slot
}

// Catalog indexes the snapshots of a device by name, by LSID, and by snapshot
// ID. All three indexes are updated together under one lock.
//
// If the catalog has a Store, every change is written to it and synced before
// the indexes are touched. A failed sync leaves the indexes as they were.
type Catalog struct {
	mu     sync.Mutex
	store  Store
	byName map[string]*entry
	byID   map[uint32]*entry
	// byLSID is ordered by (LSID, SnapshotID).
	byLSID []*entry
	nextID uint32
}

// NewCatalog creates a catalog and loads every record from `store`. `store`
// may be nil, in which case the catalog only lives in memory.
func NewCatalog(store Store) (*Catalog, error) {
	catalog := &Catalog{
		store:  store,
		byName: map[string]*entry{},
		byID:   map[uint32]*entry{},
		byLSID: []*entry{},
	}
	if store == nil {
		return catalog, nil
	}

	stored, err := store.Load()
	if err != nil {
		return nil, err
	}

	for _, item := range stored {
		if !item.Record.IsValid() {
			return nil, walb.ErrInconsistent.WithMessage(
				fmt.Sprintf("invalid record at %s: %q", item.Slot.String(), item.Record.Name))
		}
		if _, exists := catalog.byName[item.Record.Name]; exists {
			return nil, walb.ErrInconsistent.WithMessage(
				fmt.Sprintf("snapshot name %q stored twice", item.Record.Name))
		}
		if _, exists := catalog.byID[item.Record.SnapshotID]; exists {
			return nil, walb.ErrInconsistent.WithMessage(
				fmt.Sprintf("snapshot ID %d stored twice", item.Record.SnapshotID))
		}

		catalog.insert(&entry{record: item.Record, slot: item.Slot})
		if item.Record.SnapshotID >= catalog.nextID {
			catalog.nextID = item.Record.SnapshotID + 1
		}
	}
	return catalog, nil
}

func lsidOrderLess(a, b Record) bool {
	if a.LSID != b.LSID {
		return a.LSID < b.LSID
	}
	return a.SnapshotID < b.SnapshotID
}

// lowerBound returns the index of the first entry with an LSID >= `lsid`.
func (catalog *Catalog) lowerBound(lsid uint64) int {
	return sort.Search(len(catalog.byLSID), func(i int) bool {
		return catalog.byLSID[i].record.LSID >= lsid
	})
}

func (catalog *Catalog) insert(item *entry) {
	index := sort.Search(len(catalog.byLSID), func(i int) bool {
		return !lsidOrderLess(catalog.byLSID[i].record, item.record)
	})
	catalog.byLSID = append(catalog.byLSID, nil)
	copy(catalog.byLSID[index+1:], catalog.byLSID[index:])
	catalog.byLSID[index] = item

	catalog.byName[item.record.Name] = item
	catalog.byID[item.record.SnapshotID] = item
}

// remove drops the entries in `victims` from every index.
func (catalog *Catalog) remove(victims map[*entry]struct{}) {
	kept := catalog.byLSID[:0]
	for _, item := range catalog.byLSID {
		if _, found := victims[item]; found {
			delete(catalog.byName, item.record.Name)
			delete(catalog.byID, item.record.SnapshotID)
			continue
		}
		kept = append(kept, item)
	}
	// Don't keep stale pointers alive in the unused tail.
	clear(catalog.byLSID[len(kept):])
	catalog.byLSID = kept
}

// Add creates a snapshot. `lsid` must already be resolved; use the device to
// fill in a default.
func (catalog *Catalog) Add(name string, lsid uint64, timestamp uint64) (Record, error) {
	if !ValidName(name) {
		return Record{}, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid snapshot name %q", name))
	}
	if lsid == sequence.InvalidLSID {
		return Record{}, walb.ErrInvalidArgument.WithMessage("snapshot LSID is unspecified")
	}

	catalog.mu.Lock()
	defer catalog.mu.Unlock()

	if _, exists := catalog.byName[name]; exists {
		return Record{}, walb.ErrConflict.WithMessage(
			fmt.Sprintf("snapshot %q already exists", name))
	}
	if catalog.nextID == InvalidSnapshotID {
		return Record{}, walb.ErrOverflow.WithMessage("snapshot IDs exhausted")
	}

	record := Record{
		Name:       name,
		LSID:       lsid,
		Timestamp:  timestamp,
		SnapshotID: catalog.nextID,
	}

	var slot Slot
	if catalog.store != nil {
		var err error
		slot, err = catalog.store.Put(record)
		if err != nil {
			return Record{}, err
		}
		err = catalog.store.Sync()
		if err != nil {
			// Take the record back out of the staged blocks so the next sync
			// doesn't persist it.
			catalog.store.Clear(slot)
			return Record{}, err
		}
	}

	catalog.insert(&entry{record: record, slot: slot})
	catalog.nextID++
	return record, nil
}

// Delete removes the snapshot named `name`.
func (catalog *Catalog) Delete(name string) error {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()

	item, exists := catalog.byName[name]
	if !exists {
		return walb.ErrNotFound.WithMessage(fmt.Sprintf("no snapshot named %q", name))
	}

	err := catalog.persistRemoval([]*entry{item})
	if err != nil {
		return err
	}
	catalog.remove(map[*entry]struct{}{item: {}})
	return nil
}

// DeleteRange removes every snapshot with lo <= LSID < hi and returns the
// number removed.
func (catalog *Catalog) DeleteRange(lo, hi uint64) (int, error) {
	if lo > hi {
		return 0, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid LSID range [%d, %d)", lo, hi))
	}

	catalog.mu.Lock()
	defer catalog.mu.Unlock()

	start := catalog.lowerBound(lo)
	end := catalog.lowerBound(hi)
	if start == end {
		return 0, nil
	}

	doomed := make([]*entry, end-start)
	copy(doomed, catalog.byLSID[start:end])

	err := catalog.persistRemoval(doomed)
	if err != nil {
		return 0, err
	}

	victims := make(map[*entry]struct{}, len(doomed))
	for _, item := range doomed {
		victims[item] = struct{}{}
	}
	catalog.remove(victims)
	return len(doomed), nil
}

// persistRemoval clears the slots of `doomed` and syncs. If anything fails
// the slots are put back so the staged blocks match the indexes again.
func (catalog *Catalog) persistRemoval(doomed []*entry) error {
	if catalog.store == nil {
		return nil
	}

	for i, item := range doomed {
		err := catalog.store.Clear(item.slot)
		if err != nil {
			catalog.restoreSlots(doomed[:i])
			return err
		}
	}

	err := catalog.store.Sync()
	if err != nil {
		catalog.restoreSlots(doomed)
		return err
	}
	return nil
}

func (catalog *Catalog) restoreSlots(items []*entry) {
	for _, item := range items {
		slot, err := catalog.store.Put(item.record)
		if err == nil {
			item.slot = slot
		}
	}
}

// Get returns the snapshot named `name`.
func (catalog *Catalog) Get(name string) (Record, error) {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()

	item, exists := catalog.byName[name]
	if !exists {
		return Record{}, walb.ErrNotFound.WithMessage(fmt.Sprintf("no snapshot named %q", name))
	}
	return item.record, nil
}

// CountRange returns the number of snapshots with lo <= LSID < hi.
func (catalog *Catalog) CountRange(lo, hi uint64) int {
	if lo >= hi {
		return 0
	}

	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	return catalog.lowerBound(hi) - catalog.lowerBound(lo)
}

// ListRange returns up to `max` snapshots with lo <= LSID < hi, ordered by
// LSID, and the LSID to resume listing from: the last LSID returned plus one,
// or InvalidLSID if nothing was returned.
//
// A page never ends partway through a group of snapshots sharing an LSID
// unless the group alone is larger than `max`. Resuming at LSID + 1 would skip
// the rest of the group otherwise.
func (catalog *Catalog) ListRange(lo, hi uint64, max int) ([]Record, uint64) {
	if lo >= hi || max <= 0 {
		return []Record{}, sequence.InvalidLSID
	}

	catalog.mu.Lock()
	defer catalog.mu.Unlock()

	start := catalog.lowerBound(lo)
	end := catalog.lowerBound(hi)
	if end-start > max {
		cut := start + max
		boundaryLSID := catalog.byLSID[cut].record.LSID
		trimmed := cut
		for trimmed > start && catalog.byLSID[trimmed-1].record.LSID == boundaryLSID {
			trimmed--
		}
		if trimmed > start {
			cut = trimmed
		}
		end = cut
	}

	records := make([]Record, 0, end-start)
	for _, item := range catalog.byLSID[start:end] {
		records = append(records, item.record)
	}

	if len(records) == 0 {
		return records, sequence.InvalidLSID
	}
	return records, records[len(records)-1].LSID + 1
}

// ListFrom returns up to `max` snapshots with an ID >= `snapshotID`, ordered
// by ID, and the ID to resume from: the last ID returned plus one, or
// InvalidSnapshotID if nothing was returned.
func (catalog *Catalog) ListFrom(snapshotID uint32, max int) ([]Record, uint32) {
	if max <= 0 {
		return []Record{}, InvalidSnapshotID
	}

	catalog.mu.Lock()
	ids := make([]uint32, 0, len(catalog.byID))
	for id := range catalog.byID {
		if id >= snapshotID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > max {
		ids = ids[:max]
	}

	records := make([]Record, len(ids))
	for i, id := range ids {
		records[i] = catalog.byID[id].record
	}
	catalog.mu.Unlock()

	if len(records) == 0 {
		return records, InvalidSnapshotID
	}
	return records, records[len(records)-1].SnapshotID + 1
}

// Len returns the number of snapshots.
func (catalog *Catalog) Len() int {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	return len(catalog.byLSID)
}

// Capacity returns the maximum number of snapshots, or -1 if there's no
// limit.
func (catalog *Catalog) Capacity() int {
	if catalog.store == nil {
		return -1
	}
	return catalog.store.Capacity()
}

// MinLSID returns the lowest LSID pinned by a snapshot, or InvalidLSID if
// there are no snapshots.
func (catalog *Catalog) MinLSID() uint64 {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()

	if len(catalog.byLSID) == 0 {
		return sequence.InvalidLSID
	}
	return catalog.byLSID[0].record.LSID
}
