// This file implements mounting: boot-region validation, location of the
// allocation bitmap and up-case table through the root directory, the volume
// gate, and the write-through of the volume dirty state.

package exfat

import (
	"fmt"
	"sync"

	"github.com/dsoprea/go-logging"
)

var (
	volumeLogger = log.NewLogger("exfat.volume")
)

// MountOptions carries the mount-time knobs.
type MountOptions struct {
	// ReadOnly refuses every mutation with ErrReadOnly and suppresses the
	// dirty-flag write-through.
	ReadOnly bool

	// ApproximateUsage selects the approximate used-count mode: the counter
	// is seeded from the percent-in-use hint and only ever moves up, so it
	// may over-report usage but never under-report it.
	ApproximateUsage bool

	// NameLengthCap bounds filename lengths in code units. Zero means the
	// exFAT maximum of 255. Names beyond the cap are skipped during
	// enumeration, and creates beyond it fail with ErrNameTooLong.
	NameLengthCap int

	// Clock stamps directory entries on mutation. When nil, a fixed-epoch
	// stub is used.
	Clock Clock
}

// Volume is one mounted exFAT filesystem. All operations on the volume and
// on handles derived from it serialize on a single internal gate; the gate is
// held across device calls, so a device adapter must not re-enter the
// filesystem.
type Volume struct {
	mu sync.Mutex

	dev  Device
	sio  *sectorIO
	bsh  BootSectorHeader
	opts MountOptions

	nameCap int
	clock   Clock

	fat    *fatTable
	bitmap *AllocationBitmap
	upcase *UpcaseTable
	engine *chainEngine

	bitmapEntry ExfatAllocationBitmapDirectoryEntry
	upcaseEntry ExfatUpcaseTableDirectoryEntry
	label       string

	rootStream streamState

	mounted bool
}

// Mount reads and validates the boot region, locates the allocation bitmap
// and up-case table through the root directory, and returns a ready volume.
func Mount(dev Device, opts MountOptions) (vol *Volume, err error) {
	deviceSize, err := dev.Size()
	if err != nil {
		return nil, wrapIO(err)
	}

	bootRaw := make([]byte, bootSectorHeaderSize)

	_, err = dev.ReadAt(bootRaw, 0)
	if err != nil {
		return nil, wrapIO(err)
	}

	bsh, err := parseBootSectorHeader(bootRaw)
	if err != nil {
		return nil, err
	}

	err = bsh.validate(deviceSize)
	if err != nil {
		return nil, err
	}

	// ActiveFat only selects between two FATs; a single-FAT volume always
	// uses its first FAT and first allocation bitmap.
	if bsh.NumberOfFats == 1 {
		bsh.VolumeFlags &^= VolumeFlagActiveFat
	}

	sio := newSectorIO(dev, bsh.SectorSize())
	ft := newFatTable(sio, bsh)

	vol = &Volume{
		dev:     dev,
		sio:     sio,
		bsh:     bsh,
		opts:    opts,
		nameCap: opts.NameLengthCap,
		clock:   opts.Clock,
		fat:     ft,
	}

	if vol.nameCap <= 0 || vol.nameCap > defaultNameLengthCap {
		vol.nameCap = defaultNameLengthCap
	}

	if vol.clock == nil {
		vol.clock = fixedClock{}
	}

	// The engine starts without a bitmap so the root directory can be read;
	// the bitmap is attached below, before anything can allocate.
	vol.engine = newChainEngine(sio, ft, nil, bsh)

	err = vol.measureRootDirectory()
	if err != nil {
		return nil, err
	}

	err = vol.locateSystemEntries()
	if err != nil {
		return nil, err
	}

	vol.bitmap, err = loadAllocationBitmap(sio, bsh, ft, &vol.bitmapEntry, opts.ApproximateUsage)
	if err != nil {
		return nil, err
	}

	vol.engine.bm = vol.bitmap

	err = vol.loadUpcase()
	if err != nil {
		return nil, err
	}

	if bsh.VolumeFlags.IsDirty() == true {
		volumeLogger.Warningf(nil, "volume was not cleanly unmounted")
	}

	if opts.ReadOnly == false {
		err = vol.writeVolumeFlags(bsh.VolumeFlags | VolumeFlagVolumeDirty)
		if err != nil {
			return nil, err
		}
	}

	vol.mounted = true

	volumeLogger.Debugf(nil, "mounted: %s", bsh)

	return vol, nil
}

// measureRootDirectory walks the root chain once so that slot-addressed
// access has a bound. The root directory has no stream extension and always
// uses the FAT.
func (vol *Volume) measureRootDirectory() (err error) {
	clusterCount := uint64(0)

	walker := vol.fat.Walk(vol.bsh.FirstClusterOfRootDirectory)
	for {
		_, ok, err := walker.Next()
		if err != nil {
			return err
		}

		if ok == false {
			break
		}

		clusterCount++
	}

	size := clusterCount * uint64(vol.bsh.BytesPerCluster())

	vol.rootStream = streamState{
		FirstCluster:    vol.bsh.FirstClusterOfRootDirectory,
		NoFatChain:      false,
		ValidDataLength: size,
		DataLength:      size,
	}

	return nil
}

// locateSystemEntries scans the root directory's raw slots for the critical
// primary entries: the active allocation bitmap, the up-case table, and the
// volume label.
func (vol *Volume) locateSystemEntries() (err error) {
	haveBitmap := false
	haveUpcase := false

	wantSecondBitmap := vol.bsh.VolumeFlags.UseSecondFat()

	slotData := make([]byte, directoryEntryBytesCount)

	for offset := uint64(0); offset < vol.rootStream.DataLength; offset += directoryEntryBytesCount {
		err = vol.engine.readStream(vol.rootStream, offset, slotData, nil)
		if err != nil {
			return err
		}

		entryType := EntryType(slotData[0])

		if entryType.IsEndOfDirectory() == true {
			break
		}

		if entryType.IsInUse() == false {
			continue
		}

		switch entryType {
		case entryTypeAllocationBitmap:
			parsed, err := parseDirectoryEntry(entryType, slotData)
			if err != nil {
				return err
			}

			abde := parsed.(*ExfatAllocationBitmapDirectoryEntry)

			if abde.IsFirstBitmap() == wantSecondBitmap {
				// The inactive bitmap of a TexFAT volume; stale by
				// definition.
				continue
			}

			vol.bitmapEntry = *abde
			haveBitmap = true

		case entryTypeUpcaseTable:
			parsed, err := parseDirectoryEntry(entryType, slotData)
			if err != nil {
				return err
			}

			vol.upcaseEntry = *parsed.(*ExfatUpcaseTableDirectoryEntry)
			haveUpcase = true

		case entryTypeVolumeLabel:
			parsed, err := parseDirectoryEntry(entryType, slotData)
			if err != nil {
				return err
			}

			vol.label = parsed.(*ExfatVolumeLabelDirectoryEntry).Label()
		}
	}

	if haveBitmap == false {
		return fmt.Errorf("%w: no allocation-bitmap entry in the root directory", ErrCorruptEntrySet)
	}

	if haveUpcase == false {
		return fmt.Errorf("%w: no up-case-table entry in the root directory", ErrCorruptEntrySet)
	}

	return nil
}

func (vol *Volume) loadUpcase() (err error) {
	tableStream := streamState{
		FirstCluster:    vol.upcaseEntry.FirstCluster,
		NoFatChain:      false,
		ValidDataLength: vol.upcaseEntry.DataLength,
		DataLength:      vol.upcaseEntry.DataLength,
	}

	raw := make([]byte, vol.upcaseEntry.DataLength)

	err = vol.engine.readStream(tableStream, 0, raw, nil)
	if err != nil {
		return err
	}

	vol.upcase, err = loadUpcaseTable(raw)
	if err != nil {
		return err
	}

	return nil
}

// writeVolumeFlags updates the header copy and writes the two flag bytes
// through to the boot sector. The flags are excluded from the boot-region
// checksum, so no checksum rewrite is needed.
func (vol *Volume) writeVolumeFlags(flags VolumeFlags) (err error) {
	raw := make([]byte, 2)
	defaultEncoding.PutUint16(raw, uint16(flags))

	err = vol.sio.writeInto(0, volumeFlagsOffset, raw)
	if err != nil {
		return err
	}

	vol.bsh.VolumeFlags = flags

	return nil
}

// writePercentInUse refreshes the percent-in-use hint from the bitmap.
func (vol *Volume) writePercentInUse() (err error) {
	percent := uint8(uint64(vol.bitmap.UsedCount()) * 100 / uint64(vol.bsh.ClusterCount))

	err = vol.sio.writeInto(0, percentInUseOffset, []byte{percent})
	if err != nil {
		return err
	}

	vol.bsh.PercentInUse = percent

	return nil
}

// ValidateChecksum recomputes the boot-region checksum over the first eleven
// sectors and compares it against every repetition stored in the twelfth.
func (vol *Volume) ValidateChecksum() (err error) {
	vol.mu.Lock()
	defer vol.mu.Unlock()

	sectorSize := vol.sio.sectorSize

	regionData := make([]byte, bootRegionChecksumSectors*sectorSize)

	for i := int64(0); i < bootRegionChecksumSectors; i++ {
		err = vol.sio.readSector(i, regionData[i*int64(sectorSize):(i+1)*int64(sectorSize)])
		if err != nil {
			return err
		}
	}

	computed := bootRegionChecksum(regionData)

	checksumSector, err := vol.sio.readScratch(bootRegionChecksumSectors)
	if err != nil {
		return err
	}

	for i := uint32(0); i < sectorSize; i += 4 {
		stored := defaultEncoding.Uint32(checksumSector[i:])

		if stored != computed {
			return fmt.Errorf("%w: boot-region checksum: computed=(0x%08x) stored=(0x%08x) at repetition (%d)", ErrChecksumMismatch, computed, stored, i/4)
		}
	}

	return nil
}

// ValidateUpcaseTableChecksum compares the loaded table's checksum against
// the value advertised by its directory entry.
func (vol *Volume) ValidateUpcaseTableChecksum() (err error) {
	vol.mu.Lock()
	defer vol.mu.Unlock()

	if vol.upcase.Checksum() != vol.upcaseEntry.TableChecksum {
		return fmt.Errorf("%w: up-case table: computed=(0x%08x) stored=(0x%08x)", ErrChecksumMismatch, vol.upcase.Checksum(), vol.upcaseEntry.TableChecksum)
	}

	return nil
}

// Root returns a handle on the root directory.
func (vol *Volume) Root() (dir *Directory, err error) {
	vol.mu.Lock()
	defer vol.mu.Unlock()

	if vol.mounted == false {
		return nil, ErrHandleClosed
	}

	dir = &Directory{
		vol:    vol,
		stream: vol.rootStream,
		isRoot: true,
	}

	return dir, nil
}

// Label returns the volume label, or an empty string when none is recorded.
func (vol *Volume) Label() string {
	vol.mu.Lock()
	defer vol.mu.Unlock()

	return vol.label
}

// BootSectorHeader returns a copy of the parsed boot-sector parameters.
func (vol *Volume) BootSectorHeader() BootSectorHeader {
	vol.mu.Lock()
	defer vol.mu.Unlock()

	return vol.bsh
}

// UsedClusters returns the allocated-cluster count: exact in precise mode, a
// monotone upper bound in approximate mode.
func (vol *Volume) UsedClusters() uint32 {
	vol.mu.Lock()
	defer vol.mu.Unlock()

	return vol.bitmap.UsedCount()
}

// FreeClusters returns the free-cluster count implied by UsedClusters.
func (vol *Volume) FreeClusters() uint32 {
	vol.mu.Lock()
	defer vol.mu.Unlock()

	return vol.bitmap.FreeCount()
}

// checkWritable is called with the gate held by every mutating operation.
func (vol *Volume) checkWritable() (err error) {
	if vol.mounted == false {
		return ErrHandleClosed
	}

	if vol.opts.ReadOnly == true {
		return ErrReadOnly
	}

	return nil
}

// Unmount flushes the percent-in-use hint, clears the dirty flag, and
// flushes the device. Open handles must have been closed first; the volume
// refuses further operations afterward.
func (vol *Volume) Unmount() (err error) {
	vol.mu.Lock()
	defer vol.mu.Unlock()

	if vol.mounted == false {
		return ErrHandleClosed
	}

	if vol.opts.ReadOnly == false {
		err = vol.writePercentInUse()
		if err != nil {
			return err
		}

		err = vol.writeVolumeFlags(vol.bsh.VolumeFlags &^ VolumeFlagVolumeDirty)
		if err != nil {
			return err
		}
	}

	err = vol.sio.flush()
	if err != nil {
		return err
	}

	vol.mounted = false

	volumeLogger.Debugf(nil, "unmounted: %s", vol.bsh)

	return nil
}

// upcaseUnits maps a name through the volume's up-case table.
func (vol *Volume) upcaseUnits(units []uint16) []uint16 {
	return vol.upcase.UpcaseUnits(units)
}
