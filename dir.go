// This file implements directory handles: slot-addressed access to a
// directory's entry stream, enumeration, case-insensitive lookup, and the
// create/delete/rename mutations.

package exfat

import (
	"errors"
	"fmt"
	"time"

	"github.com/dsoprea/go-logging"
)

var (
	dirLogger = log.NewLogger("exfat.dir")
)

// EntryKind selects what Create produces.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDirectory
)

// entryLocator pins an entry set to its slots within a parent directory
// stream.
type entryLocator struct {
	parent    streamState
	slot      int
	slotCount int
}

// Entry is a decoded snapshot of one directory entry set.
type Entry struct {
	set       EntrySet
	slot      int
	slotCount int
}

// Name returns the entry's filename.
func (e *Entry) Name() string {
	return e.set.Name()
}

// IsDirectory indicates whether the entry describes a directory.
func (e *Entry) IsDirectory() bool {
	return e.set.IsDirectory()
}

// Size returns the entry's data length in bytes.
func (e *Entry) Size() uint64 {
	return e.set.Stream.DataLength
}

// FirstCluster returns the first cluster of the entry's data, or zero if
// nothing is allocated.
func (e *Entry) FirstCluster() uint32 {
	return e.set.Stream.FirstCluster
}

// Attributes returns the entry's attribute flags.
func (e *Entry) Attributes() FileAttributes {
	return e.set.File.FileAttributes
}

// Created returns the creation timestamp.
func (e *Entry) Created() time.Time {
	return e.set.File.CreateTimestamp()
}

// Modified returns the last-modification timestamp.
func (e *Entry) Modified() time.Time {
	return e.set.File.LastModifiedTimestamp()
}

// StreamEntry returns a copy of the entry's stream extension.
func (e *Entry) StreamEntry() ExfatStreamExtensionDirectoryEntry {
	return e.set.Stream
}

// Dump prints the entry set's info to STDOUT.
func (e *Entry) Dump() {
	e.set.File.Dump()
	e.set.Stream.Dump()
}

// Directory is a handle on one directory's entry stream. Handles must be
// closed before the volume is unmounted.
type Directory struct {
	vol *Volume

	stream streamState
	isRoot bool

	// set and loc identify this directory's own entry set in its parent;
	// meaningless for the root.
	set    EntrySet
	loc    entryLocator
	hasLoc bool

	cache  chainCache
	closed bool
}

func (d *Directory) slotCapacity() int {
	return int(d.stream.DataLength / directoryEntryBytesCount)
}

func (d *Directory) readSlot(slot int, buf []byte) (err error) {
	return d.vol.engine.readStream(d.stream, uint64(slot)*directoryEntryBytesCount, buf, &d.cache)
}

func (d *Directory) writeSlot(slot int, data []byte) (err error) {
	return d.vol.engine.writeStream(d.stream, uint64(slot)*directoryEntryBytesCount, data, &d.cache)
}

// readEntrySetAt assembles and decodes the set whose primary entry sits at
// the given slot.
func (d *Directory) readEntrySetAt(slot int, primarySlotData []byte) (entry *Entry, err error) {
	secondaryCount := int(primarySlotData[1])
	slotCount := secondaryCount + 1

	if secondaryCount < minSecondaryCount || secondaryCount > maxSecondaryCount {
		return nil, fmt.Errorf("%w: secondary-count out of range at slot (%d): (%d)", ErrCorruptEntrySet, slot, secondaryCount)
	}

	if slot+slotCount > d.slotCapacity() {
		return nil, fmt.Errorf("%w: set at slot (%d) runs past the directory end", ErrCorruptEntrySet, slot)
	}

	setData := make([]byte, slotCount*directoryEntryBytesCount)
	copy(setData, primarySlotData)

	err = d.vol.engine.readStream(d.stream, uint64(slot+1)*directoryEntryBytesCount, setData[directoryEntryBytesCount:], &d.cache)
	if err != nil {
		return nil, err
	}

	es, err := decodeEntrySet(setData)
	if err != nil {
		return nil, err
	}

	entry = &Entry{
		set:       *es,
		slot:      slot,
		slotCount: slotCount,
	}

	return entry, nil
}

// EntryVisitorFunc is called for each live entry set, in on-disk order.
// Returning false stops the enumeration.
type EntryVisitorFunc func(entry *Entry) (doContinue bool, err error)

// Iterate yields the directory's live entry sets in on-disk order. Deleted
// sets are skipped; a set that fails its checksum surfaces ErrCorruptEntrySet
// after all preceding sets have been delivered.
func (d *Directory) Iterate(cb EntryVisitorFunc) (err error) {
	d.vol.mu.Lock()
	defer d.vol.mu.Unlock()

	return d.iterate(cb)
}

func (d *Directory) iterate(cb EntryVisitorFunc) (err error) {
	if d.closed == true {
		return ErrHandleClosed
	}

	capacity := d.slotCapacity()
	slotData := make([]byte, directoryEntryBytesCount)

	for slot := 0; slot < capacity; {
		err = d.readSlot(slot, slotData)
		if err != nil {
			return err
		}

		entryType := EntryType(slotData[0])

		if entryType.IsEndOfDirectory() == true {
			return nil
		}

		if entryType != entryTypeFile {
			// Deleted sets, system entries, and benign primaries all advance
			// one slot; the secondaries of a live file set are only ever
			// consumed below, as part of their set.
			slot++
			continue
		}

		entry, err := d.readEntrySetAt(slot, slotData)
		if err != nil {
			return err
		}

		slot += entry.slotCount

		// Names beyond the configured cap are invisible rather than fatal.
		if len(entry.set.nameUnits) > d.vol.nameCap {
			continue
		}

		doContinue, err := cb(entry)
		if err != nil {
			return err
		}

		if doContinue == false {
			return nil
		}
	}

	return nil
}

// Lookup finds an entry by name, case-insensitively via the volume's up-case
// table. The comparison is length-first, then hash, then code-unit-wise over
// the up-cased names.
func (d *Directory) Lookup(name string) (entry *Entry, err error) {
	d.vol.mu.Lock()
	defer d.vol.mu.Unlock()

	return d.lookup(name)
}

func (d *Directory) lookup(name string) (entry *Entry, err error) {
	if d.closed == true {
		return nil, ErrHandleClosed
	}

	targetUnits := utf16FromString(name)
	targetUpcased := d.vol.upcaseUnits(targetUnits)
	targetHash := filenameHash(targetUpcased)

	err = d.iterate(func(candidate *Entry) (doContinue bool, err error) {
		if len(candidate.set.nameUnits) != len(targetUnits) {
			return true, nil
		}

		if candidate.set.Stream.NameHash != targetHash {
			return true, nil
		}

		candidateUpcased := d.vol.upcaseUnits(candidate.set.nameUnits)

		for i, unit := range candidateUpcased {
			if unit != targetUpcased[i] {
				return true, nil
			}
		}

		entry = candidate

		return false, nil
	})

	if err != nil {
		return nil, err
	}

	if entry == nil {
		return nil, fmt.Errorf("%w: [%s]", ErrNotFound, name)
	}

	return entry, nil
}

// openDirectoryEntry builds a child-directory handle from a decoded entry.
func (d *Directory) openDirectoryEntry(entry *Entry) *Directory {
	return &Directory{
		vol:    d.vol,
		stream: entry.set.Stream.streamState(),
		set:    entry.set,
		loc: entryLocator{
			parent:    d.stream,
			slot:      entry.slot,
			slotCount: entry.slotCount,
		},
		hasLoc: true,
	}
}

// OpenDirectory opens the named child directory.
func (d *Directory) OpenDirectory(name string) (child *Directory, err error) {
	d.vol.mu.Lock()
	defer d.vol.mu.Unlock()

	entry, err := d.lookup(name)
	if err != nil {
		return nil, err
	}

	if entry.IsDirectory() == false {
		return nil, fmt.Errorf("%w: [%s]", ErrNotADirectory, name)
	}

	return d.openDirectoryEntry(entry), nil
}

// OpenFile opens the named file.
func (d *Directory) OpenFile(name string) (f *File, err error) {
	d.vol.mu.Lock()
	defer d.vol.mu.Unlock()

	entry, err := d.lookup(name)
	if err != nil {
		return nil, err
	}

	if entry.IsDirectory() == true {
		return nil, fmt.Errorf("%w: [%s]", ErrNotAFile, name)
	}

	return d.openFileEntry(entry), nil
}

// Node is an open filesystem object: either a *File or a *Directory.
type Node interface {
	node()
}

func (*File) node()      {}
func (*Directory) node() {}

// Open opens the named entry as whatever it is.
func (d *Directory) Open(name string) (n Node, err error) {
	d.vol.mu.Lock()
	defer d.vol.mu.Unlock()

	entry, err := d.lookup(name)
	if err != nil {
		return nil, err
	}

	if entry.IsDirectory() == true {
		return d.openDirectoryEntry(entry), nil
	}

	return d.openFileEntry(entry), nil
}

// Close releases the handle. Any iterator borrowing it becomes invalid.
func (d *Directory) Close() (err error) {
	d.vol.mu.Lock()
	defer d.vol.mu.Unlock()

	d.closed = true

	return nil
}

// IsRoot indicates whether this handle is the root directory.
func (d *Directory) IsRoot() bool {
	return d.isRoot
}

// ValidateUpcaseTableChecksum checks the volume's up-case table against the
// checksum advertised by its directory entry in the root.
func (d *Directory) ValidateUpcaseTableChecksum() (err error) {
	return d.vol.ValidateUpcaseTableChecksum()
}

// findFreeSlotRun locates the first run of n contiguous free slots (deleted
// entries or the region past the end-of-directory marker), extending the
// directory when nothing fits.
func (d *Directory) findFreeSlotRun(n int) (slot int, err error) {
	capacity := d.slotCapacity()
	slotData := make([]byte, directoryEntryBytesCount)

	runStart := 0
	runLength := 0

	// Start of the free region that extends to the end of the allocation.
	tailStart := -1

	for slot := 0; slot < capacity; slot++ {
		err = d.readSlot(slot, slotData)
		if err != nil {
			return 0, err
		}

		entryType := EntryType(slotData[0])

		if entryType.IsEndOfDirectory() == true {
			if runLength == 0 {
				runStart = slot
			}

			tailStart = runStart
			break
		}

		if entryType.IsInUse() == false {
			if runLength == 0 {
				runStart = slot
			}

			runLength++

			if runLength == n {
				return runStart, nil
			}
		} else {
			runLength = 0
		}
	}

	if tailStart < 0 {
		// No end-of-directory marker: the allocation is packed, except
		// possibly for a free run against its end.
		if runLength > 0 {
			tailStart = runStart
		} else {
			tailStart = capacity
		}
	}

	// Fresh clusters are zeroed, so the tail region stays one contiguous
	// free run as the directory grows.
	for d.slotCapacity()-tailStart < n {
		err = d.extendByOneCluster()
		if err != nil {
			return 0, err
		}
	}

	return tailStart, nil
}

// extendByOneCluster grows the directory's allocation, zeroes the new
// cluster, and writes the directory's own stream extension back to its
// parent. The root directory has no stream extension; its size is implied by
// its FAT chain alone.
func (d *Directory) extendByOneCluster() (err error) {
	err = d.vol.engine.extend(&d.stream, d.stream.DataLength+uint64(d.vol.bsh.BytesPerCluster()), &d.cache)
	if err != nil {
		return err
	}

	d.stream.ValidDataLength = d.stream.DataLength

	newClusterIndex := d.stream.allocatedClusters(d.vol.bsh.BytesPerCluster()) - 1

	newCluster, err := d.vol.engine.clusterAt(d.stream, newClusterIndex, &d.cache)
	if err != nil {
		return err
	}

	err = d.vol.engine.zeroCluster(newCluster)
	if err != nil {
		return err
	}

	if d.isRoot == true {
		d.vol.rootStream = d.stream
	} else {
		err = d.writeBackOwnEntrySet()
		if err != nil {
			return err
		}
	}

	dirLogger.Debugf(nil, "directory grown to (%d) bytes", d.stream.DataLength)

	return nil
}

// writeBackOwnEntrySet re-encodes this directory's entry set (with its
// current stream state) into its slots in the parent directory.
func (d *Directory) writeBackOwnEntrySet() (err error) {
	if d.hasLoc == false {
		log.Panicf("directory has no parent locator")
	}

	d.set.Stream.applyStreamState(d.stream)
	d.stampModified(&d.set.File)

	setData, err := encodeEntrySet(&d.set)
	if err != nil {
		return err
	}

	return d.vol.engine.writeStream(d.loc.parent, uint64(d.loc.slot)*directoryEntryBytesCount, setData, nil)
}

// stampModified refreshes the modification timestamp from the volume clock.
func (d *Directory) stampModified(fdf *ExfatFileDirectoryEntry) {
	et, tenMs, utcOffset := encodeTimestamp(d.vol.clock.Now())

	fdf.LastModifiedTimestampRaw = et
	fdf.LastModified10msIncrement = tenMs
	fdf.LastModifiedUtcOffset = utcOffset
}

// Create makes a new, empty file or directory and returns its entry
// snapshot.
func (d *Directory) Create(name string, kind EntryKind) (entry *Entry, err error) {
	d.vol.mu.Lock()
	defer d.vol.mu.Unlock()

	if d.closed == true {
		return nil, ErrHandleClosed
	}

	err = d.vol.checkWritable()
	if err != nil {
		return nil, err
	}

	nameUnits := utf16FromString(name)

	err = validateFilename(nameUnits, d.vol.nameCap)
	if err != nil {
		return nil, err
	}

	_, err = d.lookup(name)
	if err == nil {
		return nil, fmt.Errorf("%w: [%s]", ErrAlreadyExists, name)
	} else if errorsIsNotFound(err) == false {
		return nil, err
	}

	now := d.vol.clock.Now()
	et, tenMs, utcOffset := encodeTimestamp(now)

	es := EntrySet{
		File: ExfatFileDirectoryEntry{
			EntryType:                 entryTypeFile,
			FileAttributes:            AttributeArchive,
			CreateTimestampRaw:        et,
			LastModifiedTimestampRaw:  et,
			LastAccessedTimestampRaw:  et,
			Create10msIncrement:       tenMs,
			LastModified10msIncrement: tenMs,
			CreateUtcOffset:           utcOffset,
			LastModifiedUtcOffset:     utcOffset,
			LastAccessedUtcOffset:     utcOffset,
		},
		Stream: ExfatStreamExtensionDirectoryEntry{
			EntryType: entryTypeStreamExtension,
			NameHash:  filenameHash(d.vol.upcaseUnits(nameUnits)),
		},
		nameUnits: nameUnits,
	}

	if kind == KindDirectory {
		es.File.FileAttributes = AttributeDirectory

		// A new directory owns one zeroed cluster from the start.
		clusters, err := d.vol.bitmap.Allocate(1)
		if err != nil {
			return nil, err
		}

		err = d.vol.engine.zeroCluster(clusters[0])
		if err != nil {
			return nil, err
		}

		bytesPerCluster := uint64(d.vol.bsh.BytesPerCluster())

		es.Stream.FirstCluster = clusters[0]
		es.Stream.DataLength = bytesPerCluster
		es.Stream.ValidDataLength = bytesPerCluster
		es.Stream.GeneralSecondaryFlags = SecondaryFlagAllocationPossible | SecondaryFlagNoFatChain
	}

	setData, err := encodeEntrySet(&es)
	if err != nil {
		return nil, err
	}

	slotCount := len(setData) / directoryEntryBytesCount

	slot, err := d.findFreeSlotRun(slotCount)
	if err != nil {
		return nil, err
	}

	err = d.vol.engine.writeStream(d.stream, uint64(slot)*directoryEntryBytesCount, setData, &d.cache)
	if err != nil {
		return nil, err
	}

	dirLogger.Debugf(nil, "created [%s] at slot (%d)", name, slot)

	entry = &Entry{
		set:       es,
		slot:      slot,
		slotCount: slotCount,
	}

	return entry, nil
}

// isEmpty reports whether the directory described by the given entry has any
// live entry sets.
func (d *Directory) isEmpty(entry *Entry) (empty bool, err error) {
	child := d.openDirectoryEntry(entry)

	empty = true

	err = child.iterate(func(*Entry) (bool, error) {
		empty = false
		return false, nil
	})

	if err != nil {
		return false, err
	}

	return empty, nil
}

// Delete removes the named entry: its slots are marked deleted and its
// cluster chain is released. Directories must be empty.
func (d *Directory) Delete(name string) (err error) {
	d.vol.mu.Lock()
	defer d.vol.mu.Unlock()

	if d.closed == true {
		return ErrHandleClosed
	}

	err = d.vol.checkWritable()
	if err != nil {
		return err
	}

	entry, err := d.lookup(name)
	if err != nil {
		return err
	}

	if entry.IsDirectory() == true {
		empty, err := d.isEmpty(entry)
		if err != nil {
			return err
		}

		if empty == false {
			return fmt.Errorf("%w: [%s]", ErrDirectoryNotEmpty, name)
		}
	}

	err = d.markSlotsDeleted(entry.slot, entry.slotCount)
	if err != nil {
		return err
	}

	if entry.set.Stream.FirstCluster != 0 {
		ss := entry.set.Stream.streamState()

		// The slots above are already marked deleted, so no persist step is
		// needed before the chain is released.
		err = d.vol.engine.truncate(&ss, 0, nil, nil)
		if err != nil {
			return err
		}
	}

	dirLogger.Debugf(nil, "deleted [%s]", name)

	return nil
}

func (d *Directory) markSlotsDeleted(slot, slotCount int) (err error) {
	slotData := make([]byte, directoryEntryBytesCount)

	for i := slot; i < slot+slotCount; i++ {
		err = d.readSlot(i, slotData)
		if err != nil {
			return err
		}

		slotData[0] = byte(EntryType(slotData[0]).markDeleted())

		err = d.writeSlot(i, slotData)
		if err != nil {
			return err
		}
	}

	return nil
}

// Rename gives an entry a new name, preserving its cluster allocation. The
// set is rewritten in place when the new name fits into the existing slots;
// otherwise a fresh slot run is written before the old one is released.
func (d *Directory) Rename(oldName, newName string) (err error) {
	d.vol.mu.Lock()
	defer d.vol.mu.Unlock()

	if d.closed == true {
		return ErrHandleClosed
	}

	err = d.vol.checkWritable()
	if err != nil {
		return err
	}

	newUnits := utf16FromString(newName)

	err = validateFilename(newUnits, d.vol.nameCap)
	if err != nil {
		return err
	}

	entry, err := d.lookup(oldName)
	if err != nil {
		return err
	}

	existing, err := d.lookup(newName)
	if err == nil && existing.slot != entry.slot {
		return fmt.Errorf("%w: [%s]", ErrAlreadyExists, newName)
	} else if err != nil && errorsIsNotFound(err) == false {
		return err
	}

	es := entry.set
	es.nameUnits = newUnits
	es.Stream.NameHash = filenameHash(d.vol.upcaseUnits(newUnits))

	d.stampModified(&es.File)

	setData, err := encodeEntrySet(&es)
	if err != nil {
		return err
	}

	newSlotCount := len(setData) / directoryEntryBytesCount

	if newSlotCount <= entry.slotCount {
		err = d.vol.engine.writeStream(d.stream, uint64(entry.slot)*directoryEntryBytesCount, setData, &d.cache)
		if err != nil {
			return err
		}

		// A shorter name leaves stale slots behind the set.
		err = d.markSlotsDeleted(entry.slot+newSlotCount, entry.slotCount-newSlotCount)
		if err != nil {
			return err
		}

		return nil
	}

	slot, err := d.findFreeSlotRun(newSlotCount)
	if err != nil {
		return err
	}

	err = d.vol.engine.writeStream(d.stream, uint64(slot)*directoryEntryBytesCount, setData, &d.cache)
	if err != nil {
		return err
	}

	return d.markSlotsDeleted(entry.slot, entry.slotCount)
}

// errorsIsNotFound keeps the lookup-miss checks terse.
func errorsIsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
