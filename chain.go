// This file is the cluster-chain engine: it maps logical stream offsets to
// device sectors through either FAT-chained or contiguous cluster runs, and
// it grows and shrinks those runs against the allocation bitmap and the FAT.

package exfat

import (
	"fmt"

	"github.com/dsoprea/go-logging"
)

var (
	chainLogger = log.NewLogger("exfat.chain")
)

// streamState is the mutable allocation view of one stream extension: the
// fields the chain engine maintains as a stream grows and shrinks.
type streamState struct {
	FirstCluster    uint32
	NoFatChain      bool
	ValidDataLength uint64
	DataLength      uint64
}

func (ss streamState) allocatedClusters(bytesPerCluster uint32) uint32 {
	return uint32((ss.DataLength + uint64(bytesPerCluster) - 1) / uint64(bytesPerCluster))
}

// chainCache remembers the last resolved (index, cluster) pair of a FAT-
// chained stream so that sequential access does not re-walk the chain.
type chainCache struct {
	valid   bool
	index   uint32
	cluster uint32
}

func (cc *chainCache) invalidate() {
	cc.valid = false
}

// chainEngine coordinates the FAT, the allocation bitmap, and the cluster-
// heap geometry.
type chainEngine struct {
	sio *sectorIO
	ft  *fatTable
	bm  *AllocationBitmap
	bsh BootSectorHeader
}

func newChainEngine(sio *sectorIO, ft *fatTable, bm *AllocationBitmap, bsh BootSectorHeader) *chainEngine {
	return &chainEngine{
		sio: sio,
		ft:  ft,
		bm:  bm,
		bsh: bsh,
	}
}

// clusterAt resolves the index'th cluster of a stream. With the no-FAT-chain
// flag set this is pure arithmetic; otherwise the FAT is walked forward from
// the cache (or from the head of the chain).
func (ce *chainEngine) clusterAt(ss streamState, index uint32, cache *chainCache) (clusterNumber uint32, err error) {
	if ss.NoFatChain == true {
		clusterNumber = ss.FirstCluster + index

		err = ce.ft.checkBounds(clusterNumber)
		if err != nil {
			return 0, err
		}

		return clusterNumber, nil
	}

	current := ss.FirstCluster
	currentIndex := uint32(0)

	if cache != nil && cache.valid == true && cache.index <= index {
		current = cache.cluster
		currentIndex = cache.index
	}

	for currentIndex < index {
		mc, err := ce.ft.Entry(current)
		if err != nil {
			return 0, err
		}

		if mc.IsBad() == true {
			return 0, fmt.Errorf("%w: bad-cluster sentinel in chain after (%d)", ErrCorruptChain, current)
		}

		if mc.IsLast() == true {
			return 0, fmt.Errorf("%w: chain ends at index (%d), wanted (%d)", ErrCorruptChain, currentIndex, index)
		}

		current = uint32(mc)
		currentIndex++

		err = ce.ft.checkBounds(current)
		if err != nil {
			return 0, err
		}
	}

	if cache != nil {
		cache.valid = true
		cache.index = index
		cache.cluster = current
	}

	return current, nil
}

// mapOffset resolves a byte offset within a stream to a device sector and an
// intra-sector offset.
func (ce *chainEngine) mapOffset(ss streamState, offset uint64, cache *chainCache) (lba int64, inSector uint32, err error) {
	bytesPerCluster := uint64(ce.bsh.BytesPerCluster())
	sectorSize := uint64(ce.sio.sectorSize)

	clusterIndex := uint32(offset / bytesPerCluster)
	sectorWithinCluster := (offset % bytesPerCluster) / sectorSize
	byteWithinSector := offset % sectorSize

	clusterNumber, err := ce.clusterAt(ss, clusterIndex, cache)
	if err != nil {
		return 0, 0, err
	}

	lba = ce.bsh.FirstSectorOfCluster(clusterNumber) + int64(sectorWithinCluster)

	return lba, uint32(byteWithinSector), nil
}

// readStream reads len(buf) bytes starting at offset. The caller bounds the
// request to the stream's readable length.
func (ce *chainEngine) readStream(ss streamState, offset uint64, buf []byte, cache *chainCache) (err error) {
	bytesPerCluster := uint64(ce.bsh.BytesPerCluster())

	for len(buf) > 0 {
		lba, inSector, err := ce.mapOffset(ss, offset, cache)
		if err != nil {
			return err
		}

		// Transfer up to the end of the current cluster in one device call.
		remainingInCluster := bytesPerCluster - offset%bytesPerCluster

		chunk := uint64(len(buf))
		if chunk > remainingInCluster {
			chunk = remainingInCluster
		}

		err = ce.sio.readInto(lba, inSector, buf[:chunk])
		if err != nil {
			return err
		}

		buf = buf[chunk:]
		offset += chunk
	}

	return nil
}

// writeStream writes len(buf) bytes starting at offset. The stream must
// already be allocated out to offset+len(buf).
func (ce *chainEngine) writeStream(ss streamState, offset uint64, buf []byte, cache *chainCache) (err error) {
	bytesPerCluster := uint64(ce.bsh.BytesPerCluster())

	for len(buf) > 0 {
		lba, inSector, err := ce.mapOffset(ss, offset, cache)
		if err != nil {
			return err
		}

		remainingInCluster := bytesPerCluster - offset%bytesPerCluster

		chunk := uint64(len(buf))
		if chunk > remainingInCluster {
			chunk = remainingInCluster
		}

		err = ce.sio.writeInto(lba, inSector, buf[:chunk])
		if err != nil {
			return err
		}

		buf = buf[chunk:]
		offset += chunk
	}

	return nil
}

// zeroCluster overwrites one cluster with zeros.
func (ce *chainEngine) zeroCluster(clusterNumber uint32) (err error) {
	zero := make([]byte, ce.sio.sectorSize)
	first := ce.bsh.FirstSectorOfCluster(clusterNumber)

	for i := uint32(0); i < ce.bsh.SectorsPerCluster(); i++ {
		err = ce.sio.writeSector(first+int64(i), zero)
		if err != nil {
			return err
		}
	}

	return nil
}

// materializeFatChain writes FAT links for a previously contiguous run so
// that a non-adjacent cluster can be appended. The run's entries were invalid
// while the no-FAT-chain flag was set, so every link must be written.
func (ce *chainEngine) materializeFatChain(first uint32, count uint32) (err error) {
	for i := uint32(0); i < count; i++ {
		value := MappedClusterEndOfChain
		if i+1 < count {
			value = MappedCluster(first + i + 1)
		}

		err = ce.ft.SetEntry(first+i, value)
		if err != nil {
			return err
		}
	}

	return nil
}

// lastCluster resolves the final cluster of a non-empty stream.
func (ce *chainEngine) lastCluster(ss streamState, cache *chainCache) (clusterNumber uint32, err error) {
	bytesPerCluster := ce.bsh.BytesPerCluster()

	count := ss.allocatedClusters(bytesPerCluster)
	if count == 0 {
		log.Panicf("last cluster of an empty stream requested")
	}

	return ce.clusterAt(ss, count-1, cache)
}

// extend grows a stream's allocation to cover newDataLength bytes and
// updates ss in place. The bitmap is updated before the FAT, so that a crash
// between the two leaves at most leaked clusters, never dangling references;
// the caller writes the stream extension back last.
func (ce *chainEngine) extend(ss *streamState, newDataLength uint64, cache *chainCache) (err error) {
	bytesPerCluster := ce.bsh.BytesPerCluster()

	currentClusters := ss.allocatedClusters(bytesPerCluster)
	neededClusters := uint32((newDataLength + uint64(bytesPerCluster) - 1) / uint64(bytesPerCluster))

	if neededClusters <= currentClusters {
		ss.DataLength = newDataLength
		return nil
	}

	k := int(neededClusters - currentClusters)

	if currentClusters == 0 {
		clusters, err := ce.bm.Allocate(k)
		if err != nil {
			return err
		}

		contiguous := true
		for i := 1; i < len(clusters); i++ {
			if clusters[i] != clusters[i-1]+1 {
				contiguous = false
				break
			}
		}

		if contiguous == false {
			for i, clusterNumber := range clusters {
				value := MappedClusterEndOfChain
				if i+1 < len(clusters) {
					value = MappedCluster(clusters[i+1])
				}

				err = ce.ft.SetEntry(clusterNumber, value)
				if err != nil {
					return err
				}
			}
		}

		ss.FirstCluster = clusters[0]
		ss.NoFatChain = contiguous
		ss.DataLength = newDataLength

		if cache != nil {
			cache.invalidate()
		}

		return nil
	}

	last, err := ce.lastCluster(*ss, cache)
	if err != nil {
		return err
	}

	// A contiguous chain stays contiguous if the clusters right behind it
	// happen to be free.
	if ss.NoFatChain == true {
		err = ce.bm.AllocateRun(last+1, k)
		if err == nil {
			ss.DataLength = newDataLength
			return nil
		}

		chainLogger.Debugf(nil, "contiguous run after cluster (%d) not available; falling back to a FAT chain", last)
	}

	clusters, err := ce.bm.Allocate(k)
	if err != nil {
		return err
	}

	if ss.NoFatChain == true {
		err = ce.materializeFatChain(ss.FirstCluster, currentClusters)
		if err != nil {
			return err
		}

		ss.NoFatChain = false
	}

	previous := last
	for _, clusterNumber := range clusters {
		err = ce.ft.SetEntry(previous, MappedCluster(clusterNumber))
		if err != nil {
			return err
		}

		previous = clusterNumber
	}

	err = ce.ft.SetEntry(previous, MappedClusterEndOfChain)
	if err != nil {
		return err
	}

	ss.DataLength = newDataLength

	return nil
}

// truncate shrinks a stream's allocation down to newDataLength bytes and
// updates ss in place, freeing every cluster beyond the new end.
//
// Shrinking reverses extend's ordering: the on-disk references are cut back
// first — the caller persists the shrunk stream extension through persist,
// then the FAT chain is re-terminated — and the bitmap bits are cleared only
// afterward. A crash (or another handle allocating) at any point in between
// sees at most leaked clusters, never a freed cluster that an on-disk
// structure still claims. persist is called once ss reflects the shrunk
// stream, while every doomed cluster is still allocated; it may be nil when
// the caller has already severed the reference (a deleted entry set).
func (ce *chainEngine) truncate(ss *streamState, newDataLength uint64, cache *chainCache, persist func() error) (err error) {
	bytesPerCluster := ce.bsh.BytesPerCluster()

	currentClusters := ss.allocatedClusters(bytesPerCluster)
	neededClusters := uint32((newDataLength + uint64(bytesPerCluster) - 1) / uint64(bytesPerCluster))

	if neededClusters >= currentClusters {
		ss.DataLength = newDataLength

		if ss.ValidDataLength > newDataLength {
			ss.ValidDataLength = newDataLength
		}

		if persist != nil {
			err = persist()
			if err != nil {
				return err
			}
		}

		return nil
	}

	// Collect the clusters being dropped before mutating anything.
	doomed := make([]uint32, 0, currentClusters-neededClusters)

	if ss.NoFatChain == true {
		for i := neededClusters; i < currentClusters; i++ {
			doomed = append(doomed, ss.FirstCluster+i)
		}
	} else {
		walker := ce.ft.Walk(ss.FirstCluster)

		for i := uint32(0); i < currentClusters; i++ {
			clusterNumber, ok, err := walker.Next()
			if err != nil {
				return err
			}

			if ok == false {
				return fmt.Errorf("%w: chain ends at index (%d), wanted (%d)", ErrCorruptChain, i, currentClusters)
			}

			if i >= neededClusters {
				doomed = append(doomed, clusterNumber)
			}
		}
	}

	// Resolve the new last cluster before ss is rewritten below.
	usedFat := ss.NoFatChain == false

	var newLast uint32

	if usedFat == true && neededClusters > 0 {
		newLast, err = ce.clusterAt(*ss, neededClusters-1, nil)
		if err != nil {
			return err
		}
	}

	if neededClusters == 0 {
		ss.FirstCluster = 0
		ss.NoFatChain = false
	}

	ss.DataLength = newDataLength

	if ss.ValidDataLength > newDataLength {
		ss.ValidDataLength = newDataLength
	}

	if persist != nil {
		err = persist()
		if err != nil {
			return err
		}
	}

	if usedFat == true {
		// Re-terminate the chain and unlink the freed tail.
		if neededClusters > 0 {
			err = ce.ft.SetEntry(newLast, MappedClusterEndOfChain)
			if err != nil {
				return err
			}
		}

		for _, clusterNumber := range doomed {
			err = ce.ft.SetEntry(clusterNumber, 0)
			if err != nil {
				return err
			}
		}
	}

	err = ce.bm.Free(doomed)
	if err != nil {
		return err
	}

	if cache != nil {
		cache.invalidate()
	}

	return nil
}
