// Package registry keeps track of every running walb device, indexed by minor
// number, by name, and by UUID.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dargueta/walb"
)

// Entry is anything that can be registered. Entries are compared with ==, so
// they're normally pointers. The three keys must not change while the entry
// is registered, except for the UUID, which should be moved with UpdateUUID.
type Entry interface {
	Minor() uint32
	Name() string
	UUID() uuid.UUID
}

var ErrMinorConflict = walb.ErrConflict.WithMessage("minor number already registered")
var ErrNameConflict = walb.ErrConflict.WithMessage("device name already registered")
var ErrUUIDConflict = walb.ErrConflict.WithMessage("device UUID already registered")

// ErrNotRunning is returned by every call made before Init or after Shutdown.
var ErrNotRunning = walb.ErrNoDevice.WithMessage("device registry isn't running")

const (
	stateCreated int32 = iota
	stateRunning
	stateShutDown
)

// Registry maps the three keys of a device onto one entry. Keys are only ever
// added or removed all together.
type Registry[T Entry] struct {
	// mu guards the lifecycle as well as the indexes, so nothing that's
	// waiting for the lock runs after Shutdown.
	mu        sync.RWMutex
	lifecycle int32
	byMinor   map[uint32]T
	byName    map[string]T
	byUUID    map[uuid.UUID]T
}

// New creates a registry. It must be started with Init before use.
func New[T Entry]() *Registry[T] {
	return &Registry[T]{
		byMinor: map[uint32]T{},
		byName:  map[string]T{},
		byUUID:  map[uuid.UUID]T{},
	}
}

// Init starts the registry. It can only be called once.
func (reg *Registry[T]) Init() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.lifecycle != stateCreated {
		return walb.ErrInvalidArgument.WithMessage("registry was already initialized")
	}
	reg.lifecycle = stateRunning
	return nil
}

// Shutdown stops the registry. Every entry must have been removed first.
func (reg *Registry[T]) Shutdown() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if err := reg.checkRunningLocked(); err != nil {
		return err
	}
	if len(reg.byMinor) != 0 {
		return walb.ErrBusy.WithMessage(
			fmt.Sprintf("%d devices still registered", len(reg.byMinor)))
	}
	if len(reg.byName) != 0 || len(reg.byUUID) != 0 {
		return walb.ErrInconsistent.WithMessage(
			fmt.Sprintf(
				"indexes out of sync: %d names, %d UUIDs, no minors",
				len(reg.byName),
				len(reg.byUUID)))
	}

	reg.lifecycle = stateShutDown
	return nil
}

// checkRunningLocked must be called with mu held.
func (reg *Registry[T]) checkRunningLocked() error {
	if reg.lifecycle != stateRunning {
		return ErrNotRunning
	}
	return nil
}

// Register adds an entry under all three of its keys. If any key is already
// taken nothing is added and the error says which key conflicted.
func (reg *Registry[T]) Register(entry T) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if err := reg.checkRunningLocked(); err != nil {
		return err
	}

	minor, name, id := entry.Minor(), entry.Name(), entry.UUID()

	if _, taken := reg.byMinor[minor]; taken {
		return ErrMinorConflict.WithMessage(fmt.Sprintf("minor %d", minor))
	}
	reg.byMinor[minor] = entry

	if _, taken := reg.byName[name]; taken {
		delete(reg.byMinor, minor)
		return ErrNameConflict.WithMessage(fmt.Sprintf("name %q", name))
	}
	reg.byName[name] = entry

	if _, taken := reg.byUUID[id]; taken {
		delete(reg.byName, name)
		delete(reg.byMinor, minor)
		return ErrUUIDConflict.WithMessage(fmt.Sprintf("uuid %s", id.String()))
	}
	reg.byUUID[id] = entry
	return nil
}

// Unregister removes an entry. Its minor and name must map to `entry`, and so
// must one UUID key; anything else means the indexes are out of sync, which is
// reported as ErrInconsistent without removing anything.
func (reg *Registry[T]) Unregister(entry T) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if err := reg.checkRunningLocked(); err != nil {
		return err
	}

	minor, name := entry.Minor(), entry.Name()
	byMinor, minorFound := reg.byMinor[minor]
	byName, nameFound := reg.byName[name]
	id, uuidFound := reg.uuidKeyLocked(entry)

	if !minorFound && !nameFound && !uuidFound {
		return walb.ErrNotFound.WithMessage(fmt.Sprintf("minor %d isn't registered", minor))
	}
	if !minorFound || !nameFound || !uuidFound ||
		Entry(byMinor) != Entry(entry) ||
		Entry(byName) != Entry(entry) {
		return walb.ErrInconsistent.WithMessage(
			fmt.Sprintf(
				"registry indexes disagree for minor %d, name %q, uuid %s",
				minor,
				name,
				entry.UUID().String()))
	}

	delete(reg.byUUID, id)
	delete(reg.byName, name)
	delete(reg.byMinor, minor)
	return nil
}

// uuidKeyLocked returns the key `entry` is filed under in the UUID index. It's
// normally entry.UUID(), but an entry whose UUID changed without a successful
// UpdateUUID is still filed under the old one.
func (reg *Registry[T]) uuidKeyLocked(entry T) (uuid.UUID, bool) {
	id := entry.UUID()
	if found, ok := reg.byUUID[id]; ok && Entry(found) == Entry(entry) {
		return id, true
	}
	for key, found := range reg.byUUID {
		if Entry(found) == Entry(entry) {
			return key, true
		}
	}
	return id, false
}

func lookup[K comparable, T Entry](reg *Registry[T], index map[K]T, key K) (T, error) {
	var zero T

	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if err := reg.checkRunningLocked(); err != nil {
		return zero, err
	}

	entry, found := index[key]
	if !found {
		return zero, walb.ErrNotFound.WithMessage(fmt.Sprintf("no device with key %v", key))
	}
	return entry, nil
}

// LookupByMinor finds the entry registered under `minor`.
func (reg *Registry[T]) LookupByMinor(minor uint32) (T, error) {
	return lookup(reg, reg.byMinor, minor)
}

// LookupByName finds the entry registered under `name`.
func (reg *Registry[T]) LookupByName(name string) (T, error) {
	return lookup(reg, reg.byName, name)
}

// LookupByUUID finds the entry registered under `id`.
func (reg *Registry[T]) LookupByUUID(id uuid.UUID) (T, error) {
	return lookup(reg, reg.byUUID, id)
}

// UpdateUUID moves an entry from `oldID` to `newID` in the UUID index. The
// minor and name indexes aren't touched.
func (reg *Registry[T]) UpdateUUID(oldID, newID uuid.UUID) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if err := reg.checkRunningLocked(); err != nil {
		return err
	}

	entry, found := reg.byUUID[oldID]
	if !found {
		return walb.ErrNotFound.WithMessage(fmt.Sprintf("no device with uuid %s", oldID.String()))
	}
	if oldID == newID {
		return nil
	}
	if _, taken := reg.byUUID[newID]; taken {
		return ErrUUIDConflict.WithMessage(fmt.Sprintf("uuid %s", newID.String()))
	}

	delete(reg.byUUID, oldID)
	reg.byUUID[newID] = entry
	return nil
}

// AllocateFreeMinor returns the lowest even minor number not in use. Odd
// minors are reserved for each device's log reader.
func (reg *Registry[T]) AllocateFreeMinor() (uint32, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if err := reg.checkRunningLocked(); err != nil {
		return 0, err
	}

	for minor := uint32(0); minor < walb.DynamicMinor-1; minor += 2 {
		if _, taken := reg.byMinor[minor]; !taken {
			return minor, nil
		}
	}
	return 0, walb.ErrOverflow.WithMessage("no free minor numbers")
}

// PopAny removes and returns one entry, the one with the lowest minor. The
// second return value is false if the registry is empty.
func (reg *Registry[T]) PopAny() (T, bool, error) {
	var zero T

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if err := reg.checkRunningLocked(); err != nil {
		return zero, false, err
	}

	if len(reg.byMinor) == 0 {
		return zero, false, nil
	}

	first := true
	var lowest uint32
	for minor := range reg.byMinor {
		if first || minor < lowest {
			lowest = minor
			first = false
		}
	}

	entry := reg.byMinor[lowest]
	delete(reg.byMinor, lowest)
	delete(reg.byName, entry.Name())
	if id, found := reg.uuidKeyLocked(entry); found {
		delete(reg.byUUID, id)
	}
	return entry, true, nil
}

// Len returns the number of registered entries.
func (reg *Registry[T]) Len() (int, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if err := reg.checkRunningLocked(); err != nil {
		return 0, err
	}
	return len(reg.byMinor), nil
}

// ListRange returns the entries with lo <= minor < hi, ordered by minor.
func (reg *Registry[T]) ListRange(lo, hi uint32) ([]T, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if err := reg.checkRunningLocked(); err != nil {
		return nil, err
	}

	minors := make([]uint32, 0, len(reg.byMinor))
	for minor := range reg.byMinor {
		if minor >= lo && minor < hi {
			minors = append(minors, minor)
		}
	}
	sort.Slice(minors, func(i, j int) bool { return minors[i] < minors[j] })

	entries := make([]T, len(minors))
	for i, minor := range minors {
		entries[i] = reg.byMinor[minor]
	}
	return entries, nil
}
