// This file provides read/write access to the File Allocation Table: single
// entries, write-through updates, and finite chain walks.

package exfat

import (
	"fmt"
)

const (
	// Clusters 0 and 1 do not exist in the cluster heap; cluster 2 is the
	// first one stored on disk.
	firstDataCluster = 2

	fatEntrySize = 4

	// FatEntry[0] carries the media type in its low byte.
	fatMediaType = 0xf8
)

// MappedCluster represents one cluster entry in the FAT.
type MappedCluster uint32

// IsBad indicates that this cluster has been marked as having one or more bad
// sectors.
func (mc MappedCluster) IsBad() bool {
	return mc == 0xfffffff7
}

// IsLast indicates that no more clusters follow the cluster that led to this
// entry.
func (mc MappedCluster) IsLast() bool {
	return mc == 0xffffffff
}

// IsFree indicates an unlinked FAT entry.
func (mc MappedCluster) IsFree() bool {
	return mc == 0
}

const (
	// MappedClusterEndOfChain terminates every cluster chain.
	MappedClusterEndOfChain = MappedCluster(0xffffffff)

	// MappedClusterBad marks a cluster with bad sectors.
	MappedClusterBad = MappedCluster(0xfffffff7)
)

// fatTable accesses the FAT(s) through the sector facade. Reads go to the
// active FAT; writes go through to every FAT copy so an inactive second FAT
// never goes stale.
type fatTable struct {
	sio          *sectorIO
	fatOffset    uint32
	fatLength    uint32
	fatCount     uint8
	activeOffset uint32
	clusterCount uint32
}

func newFatTable(sio *sectorIO, bsh BootSectorHeader) *fatTable {
	activeOffset := bsh.FatOffset
	if bsh.VolumeFlags.UseSecondFat() == true {
		activeOffset += bsh.FatLength
	}

	return &fatTable{
		sio:          sio,
		fatOffset:    bsh.FatOffset,
		fatLength:    bsh.FatLength,
		fatCount:     bsh.NumberOfFats,
		activeOffset: activeOffset,
		clusterCount: bsh.ClusterCount,
	}
}

func (ft *fatTable) checkBounds(clusterNumber uint32) (err error) {
	if clusterNumber < firstDataCluster || clusterNumber > ft.clusterCount+1 {
		return fmt.Errorf("%w: cluster out of range: (%d)", ErrCorruptChain, clusterNumber)
	}

	return nil
}

// entryPosition maps a cluster number to the sector and intra-sector offset
// of its FAT entry within the FAT starting at the given sector offset.
func (ft *fatTable) entryPosition(fatStart uint32, clusterNumber uint32) (lba int64, offset uint32) {
	byteOffset := clusterNumber * fatEntrySize

	lba = int64(fatStart) + int64(byteOffset/ft.sio.sectorSize)
	offset = byteOffset % ft.sio.sectorSize

	return lba, offset
}

// Entry reads the FAT entry for the given cluster from the active FAT.
func (ft *fatTable) Entry(clusterNumber uint32) (mc MappedCluster, err error) {
	err = ft.checkBounds(clusterNumber)
	if err != nil {
		return 0, err
	}

	lba, offset := ft.entryPosition(ft.activeOffset, clusterNumber)

	raw := make([]byte, fatEntrySize)

	err = ft.sio.readInto(lba, offset, raw)
	if err != nil {
		return 0, err
	}

	return MappedCluster(defaultEncoding.Uint32(raw)), nil
}

// SetEntry writes the FAT entry for the given cluster through to every FAT
// copy.
func (ft *fatTable) SetEntry(clusterNumber uint32, value MappedCluster) (err error) {
	err = ft.checkBounds(clusterNumber)
	if err != nil {
		return err
	}

	raw := make([]byte, fatEntrySize)
	defaultEncoding.PutUint32(raw, uint32(value))

	for i := uint32(0); i < uint32(ft.fatCount); i++ {
		lba, offset := ft.entryPosition(ft.fatOffset+i*ft.fatLength, clusterNumber)

		err = ft.sio.writeInto(lba, offset, raw)
		if err != nil {
			return err
		}
	}

	return nil
}

// chainWalker yields the clusters of a FAT chain in order, restartable from
// any cluster. The walk is finite: it stops at the end-of-chain sentinel and
// fails on a bad-cluster sentinel or an out-of-range entry.
type chainWalker struct {
	ft      *fatTable
	current uint32
	started bool
	done    bool
}

func (ft *fatTable) Walk(startingClusterNumber uint32) *chainWalker {
	return &chainWalker{
		ft:      ft,
		current: startingClusterNumber,
	}
}

// Next returns the next cluster in the chain, or ok == false once the chain
// is exhausted.
func (cw *chainWalker) Next() (clusterNumber uint32, ok bool, err error) {
	if cw.done == true {
		return 0, false, nil
	}

	if cw.started == false {
		cw.started = true

		err = cw.ft.checkBounds(cw.current)
		if err != nil {
			return 0, false, err
		}

		return cw.current, true, nil
	}

	mc, err := cw.ft.Entry(cw.current)
	if err != nil {
		return 0, false, err
	}

	if mc.IsLast() == true {
		cw.done = true
		return 0, false, nil
	}

	if mc.IsBad() == true {
		return 0, false, fmt.Errorf("%w: bad-cluster sentinel in chain after (%d)", ErrCorruptChain, cw.current)
	}

	err = cw.ft.checkBounds(uint32(mc))
	if err != nil {
		return 0, false, err
	}

	cw.current = uint32(mc)

	return cw.current, true, nil
}
