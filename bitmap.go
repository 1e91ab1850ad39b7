// This file maintains the allocation bitmap: an in-memory bit-set mirroring
// the on-disk cluster-allocation state, with write-through on every mutation.

package exfat

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dsoprea/go-logging"
)

var (
	bitmapLogger = log.NewLogger("exfat.bitmap")
)

// AllocationBitmap mirrors the on-disk allocation bitmap. Bit 0 corresponds
// to cluster 2. The in-memory copy and the on-disk sectors are equal after
// every successful operation; a failed device write leaves both unchanged.
type AllocationBitmap struct {
	sio *sectorIO
	bsh BootSectorHeader

	// dataClusters are the clusters storing the bitmap file itself, in chain
	// order.
	dataClusters []uint32

	bits         bitmap.Bitmap
	clusterCount uint32

	// approximate selects the used-count mode: when set, usedCount is a
	// monotone upper bound seeded from PercentInUse and bumped on allocate,
	// never reduced on free.
	approximate bool
	usedCount   uint32
}

// loadAllocationBitmap reads the bitmap file described by its directory entry
// into memory.
func loadAllocationBitmap(sio *sectorIO, bsh BootSectorHeader, ft *fatTable, entry *ExfatAllocationBitmapDirectoryEntry, approximate bool) (ab *AllocationBitmap, err error) {
	clusterCount := bsh.ClusterCount
	requiredBytes := uint64((clusterCount + 7) / 8)

	if entry.DataLength < requiredBytes {
		return nil, fmt.Errorf("%w: allocation bitmap too short: (%d) < (%d)", ErrCorruptEntrySet, entry.DataLength, requiredBytes)
	}

	bytesPerCluster := uint64(bsh.BytesPerCluster())
	neededClusters := int((entry.DataLength + bytesPerCluster - 1) / bytesPerCluster)

	// The bitmap file is FAT-chained (it has no stream extension to carry a
	// no-FAT-chain flag).
	dataClusters := make([]uint32, 0, neededClusters)

	walker := ft.Walk(entry.FirstCluster)
	for len(dataClusters) < neededClusters {
		clusterNumber, ok, err := walker.Next()
		if err != nil {
			return nil, err
		}

		if ok == false {
			return nil, fmt.Errorf("%w: allocation bitmap chain ends early: have (%d) of (%d) clusters", ErrCorruptChain, len(dataClusters), neededClusters)
		}

		dataClusters = append(dataClusters, clusterNumber)
	}

	data := make([]byte, requiredBytes)

	for i := uint64(0); i < requiredBytes; {
		clusterIndex := int(i / bytesPerCluster)
		withinCluster := i % bytesPerCluster

		chunk := bytesPerCluster - withinCluster
		if remaining := requiredBytes - i; chunk > remaining {
			chunk = remaining
		}

		lba := bsh.FirstSectorOfCluster(dataClusters[clusterIndex]) + int64(withinCluster/uint64(sio.sectorSize))
		offset := uint32(withinCluster % uint64(sio.sectorSize))

		err = sio.readInto(lba, offset, data[i:i+chunk])
		if err != nil {
			return nil, err
		}

		i += chunk
	}

	ab = &AllocationBitmap{
		sio:          sio,
		bsh:          bsh,
		dataClusters: dataClusters,
		bits:         bitmap.Bitmap(data),
		clusterCount: clusterCount,
		approximate:  approximate,
	}

	if approximate == true && bsh.PercentInUse <= 100 {
		// The hint is rounded down, so one percent more bounds the true
		// count from above.
		seeded := (uint64(clusterCount)*(uint64(bsh.PercentInUse)+1) + 99) / 100
		if seeded > uint64(clusterCount) {
			seeded = uint64(clusterCount)
		}

		ab.usedCount = uint32(seeded)
	} else {
		// Exact mode, or no usable percent-in-use hint: walk the bitmap once.
		for c := uint32(0); c < clusterCount; c++ {
			if ab.bits.Get(int(c)) == true {
				ab.usedCount++
			}
		}
	}

	return ab, nil
}

func (ab *AllocationBitmap) checkBounds(clusterNumber uint32) (err error) {
	if clusterNumber < firstDataCluster || clusterNumber > ab.clusterCount+1 {
		return fmt.Errorf("%w: cluster out of bitmap range: (%d)", ErrCorruptChain, clusterNumber)
	}

	return nil
}

// IsSet reports whether the given cluster is allocated.
func (ab *AllocationBitmap) IsSet(clusterNumber uint32) bool {
	if clusterNumber < firstDataCluster || clusterNumber > ab.clusterCount+1 {
		return false
	}

	return ab.bits.Get(int(clusterNumber - firstDataCluster))
}

// writeThrough pushes the byte holding the given bit down to the device. The
// in-memory copy is only updated after the device accepts the write.
func (ab *AllocationBitmap) writeThrough(bitIndex int, value bool) (err error) {
	byteIndex := uint64(bitIndex / 8)
	bytesPerCluster := uint64(ab.bsh.BytesPerCluster())

	clusterIndex := int(byteIndex / bytesPerCluster)
	withinCluster := byteIndex % bytesPerCluster

	lba := ab.bsh.FirstSectorOfCluster(ab.dataClusters[clusterIndex]) + int64(withinCluster/uint64(ab.sio.sectorSize))
	offset := uint32(withinCluster % uint64(ab.sio.sectorSize))

	newByte := ab.bits[byteIndex]
	mask := byte(1) << uint(bitIndex%8)

	if value == true {
		newByte |= mask
	} else {
		newByte &^= mask
	}

	err = ab.sio.writeInto(lba, offset, []byte{newByte})
	if err != nil {
		return err
	}

	ab.bits.Set(bitIndex, value)

	return nil
}

// Set marks the given cluster allocated, in memory and on disk.
func (ab *AllocationBitmap) Set(clusterNumber uint32) (err error) {
	err = ab.checkBounds(clusterNumber)
	if err != nil {
		return err
	}

	bitIndex := int(clusterNumber - firstDataCluster)

	if ab.bits.Get(bitIndex) == true {
		return nil
	}

	err = ab.writeThrough(bitIndex, true)
	if err != nil {
		return err
	}

	ab.usedCount++

	return nil
}

// Clear marks the given cluster free, in memory and on disk.
func (ab *AllocationBitmap) Clear(clusterNumber uint32) (err error) {
	err = ab.checkBounds(clusterNumber)
	if err != nil {
		return err
	}

	bitIndex := int(clusterNumber - firstDataCluster)

	if ab.bits.Get(bitIndex) == false {
		return nil
	}

	err = ab.writeThrough(bitIndex, false)
	if err != nil {
		return err
	}

	// The approximate counter is a monotone upper bound; it never follows
	// frees downward, so it can never under-report and hand out a cluster
	// that is actually live.
	if ab.approximate == false {
		ab.usedCount--
	}

	return nil
}

// findContiguousRun returns the first run of n consecutive free clusters, or
// ok == false if none exists.
func (ab *AllocationBitmap) findContiguousRun(n int) (start uint32, ok bool) {
	runLength := 0

	for c := uint32(0); c < ab.clusterCount; c++ {
		if ab.bits.Get(int(c)) == true {
			runLength = 0
			continue
		}

		runLength++

		if runLength == n {
			return c - uint32(n) + 1 + firstDataCluster, true
		}
	}

	return 0, false
}

// Allocate reserves n clusters, first-fit. A contiguous run is preferred; if
// none of length n exists, the first n free clusters are returned instead and
// the caller decides whether contiguity was required. Already-set bits are
// rolled back if the write-through fails partway.
func (ab *AllocationBitmap) Allocate(n int) (clusters []uint32, err error) {
	if n <= 0 {
		return nil, nil
	}

	clusters = make([]uint32, 0, n)

	if start, ok := ab.findContiguousRun(n); ok == true {
		for i := 0; i < n; i++ {
			clusters = append(clusters, start+uint32(i))
		}
	} else {
		for c := uint32(0); c < ab.clusterCount && len(clusters) < n; c++ {
			if ab.bits.Get(int(c)) == false {
				clusters = append(clusters, c+firstDataCluster)
			}
		}

		if len(clusters) < n {
			return nil, fmt.Errorf("%w: need (%d) clusters, (%d) free", ErrNoSpace, n, ab.FreeCount())
		}
	}

	for i, clusterNumber := range clusters {
		err = ab.Set(clusterNumber)
		if err != nil {
			for _, allocated := range clusters[:i] {
				if clearErr := ab.Clear(allocated); clearErr != nil {
					bitmapLogger.Errorf(nil, clearErr, "could not roll back allocation of cluster (%d)", allocated)
				}
			}

			return nil, err
		}
	}

	bitmapLogger.Debugf(nil, "allocated (%d) cluster(s) starting at (%d)", n, clusters[0])

	return clusters, nil
}

// AllocateRun reserves exactly the clusters [start, start+n), failing without
// side effects if any of them is already allocated or out of range. The chain
// engine uses this to extend a contiguous file in place.
func (ab *AllocationBitmap) AllocateRun(start uint32, n int) (err error) {
	for i := 0; i < n; i++ {
		clusterNumber := start + uint32(i)

		err = ab.checkBounds(clusterNumber)
		if err != nil {
			return fmt.Errorf("%w: run of (%d) at (%d) leaves the cluster heap", ErrNoSpace, n, start)
		}

		if ab.IsSet(clusterNumber) == true {
			return fmt.Errorf("%w: cluster (%d) already allocated", ErrNoSpace, clusterNumber)
		}
	}

	for i := 0; i < n; i++ {
		err = ab.Set(start + uint32(i))
		if err != nil {
			for j := 0; j < i; j++ {
				if clearErr := ab.Clear(start + uint32(j)); clearErr != nil {
					bitmapLogger.Errorf(nil, clearErr, "could not roll back allocation of cluster (%d)", start+uint32(j))
				}
			}

			return err
		}
	}

	return nil
}

// Free releases the given clusters.
func (ab *AllocationBitmap) Free(clusters []uint32) (err error) {
	for _, clusterNumber := range clusters {
		err = ab.Clear(clusterNumber)
		if err != nil {
			return err
		}
	}

	return nil
}

// UsedCount returns the number of allocated clusters: exact in precise mode,
// a monotone upper bound in approximate mode.
func (ab *AllocationBitmap) UsedCount() uint32 {
	if ab.usedCount > ab.clusterCount {
		return ab.clusterCount
	}

	return ab.usedCount
}

// FreeCount returns the number of unallocated clusters implied by UsedCount.
func (ab *AllocationBitmap) FreeCount() uint32 {
	return ab.clusterCount - ab.UsedCount()
}
