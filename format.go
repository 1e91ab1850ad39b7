// This file writes a minimal conformant exFAT volume onto a block device:
// both boot regions with their checksums, one FAT, the allocation bitmap, a
// compact up-case table, and an empty root directory.

package exfat

import (
	"fmt"

	"github.com/dsoprea/go-logging"
)

var (
	formatLogger = log.NewLogger("exfat.format")
)

// FormatOptions carries the format-time knobs. The zero value is usable.
type FormatOptions struct {
	// Label is the volume label; empty means no label entry is written.
	Label string

	// VolumeSerialNumber is recorded verbatim; zero is a legal serial.
	VolumeSerialNumber uint32

	// BytesPerSectorShift defaults to 9 (512-byte sectors).
	BytesPerSectorShift uint8

	// SectorsPerClusterShift defaults to 2 (four sectors per cluster).
	SectorsPerClusterShift uint8
}

// Format writes a fresh filesystem onto the device. Everything previously on
// the device is lost.
func Format(dev Device, opts FormatOptions) (err error) {
	if opts.BytesPerSectorShift == 0 {
		opts.BytesPerSectorShift = 9
	}

	if opts.SectorsPerClusterShift == 0 {
		opts.SectorsPerClusterShift = 2
	}

	if opts.BytesPerSectorShift < minBytesPerSectorShift || opts.BytesPerSectorShift > maxBytesPerSectorShift {
		return fmt.Errorf("bytes-per-sector shift not valid: (%d)", opts.BytesPerSectorShift)
	}

	deviceSize, err := dev.Size()
	if err != nil {
		return wrapIO(err)
	}

	sectorSize := uint32(1) << opts.BytesPerSectorShift
	sectorsPerCluster := uint32(1) << opts.SectorsPerClusterShift
	bytesPerCluster := sectorSize * sectorsPerCluster

	totalSectors := uint64(deviceSize) / uint64(sectorSize)

	fatOffset := uint32(24)

	// Iterate the geometry: the FAT must be able to describe every cluster
	// that fits behind it.
	clusterCount := uint32(0)
	fatLength := uint32(1)

	for i := 0; i < 2; i++ {
		heapOffset := fatOffset + fatLength

		if uint64(heapOffset) >= totalSectors {
			return fmt.Errorf("device too small to format: (%d) sectors", totalSectors)
		}

		clusterCount = uint32((totalSectors - uint64(heapOffset)) / uint64(sectorsPerCluster))
		fatLength = ((clusterCount+2)*fatEntrySize + sectorSize - 1) / sectorSize
	}

	clusterHeapOffset := fatOffset + fatLength

	bitmapBytes := (clusterCount + 7) / 8
	bitmapClusters := (bitmapBytes + bytesPerCluster - 1) / bytesPerCluster

	upcaseData := defaultUpcaseData()
	upcaseClusters := (uint32(len(upcaseData)) + bytesPerCluster - 1) / bytesPerCluster

	bitmapFirstCluster := uint32(firstDataCluster)
	upcaseFirstCluster := bitmapFirstCluster + bitmapClusters
	rootCluster := upcaseFirstCluster + upcaseClusters

	usedClusters := bitmapClusters + upcaseClusters + 1

	if usedClusters+8 > clusterCount {
		return fmt.Errorf("device too small to format: (%d) clusters", clusterCount)
	}

	bsh := BootSectorHeader{
		VolumeLength:                totalSectors,
		FatOffset:                   fatOffset,
		FatLength:                   fatLength,
		ClusterHeapOffset:           clusterHeapOffset,
		ClusterCount:                clusterCount,
		FirstClusterOfRootDirectory: rootCluster,
		VolumeSerialNumber:          opts.VolumeSerialNumber,
		FileSystemRevision:          [2]uint8{0, 1},
		BytesPerSectorShift:         opts.BytesPerSectorShift,
		SectorsPerClusterShift:      opts.SectorsPerClusterShift,
		NumberOfFats:                1,
		DriveSelect:                 0x80,
		PercentInUse:                uint8(uint64(usedClusters) * 100 / uint64(clusterCount)),
		BootSignature:               requiredBootSignature,
	}

	copy(bsh.JumpBoot[:], requiredJumpBootSignature)
	copy(bsh.FileSystemName[:], requiredFileSystemName)

	// Halt instructions, as prescribed for formatters that carry no boot
	// code.
	for i := range bsh.BootCode {
		bsh.BootCode[i] = 0xf4
	}

	sio := newSectorIO(dev, sectorSize)

	err = writeBootRegions(sio, bsh)
	if err != nil {
		return err
	}

	err = formatFat(sio, bsh, bitmapFirstCluster, upcaseFirstCluster, rootCluster)
	if err != nil {
		return err
	}

	err = formatClusterData(sio, bsh, bitmapFirstCluster, bitmapBytes, usedClusters, upcaseFirstCluster, upcaseData, rootCluster, opts.Label)
	if err != nil {
		return err
	}

	err = sio.flush()
	if err != nil {
		return err
	}

	formatLogger.Debugf(nil, "formatted: (%d) sectors, (%d) clusters of (%d) bytes", totalSectors, clusterCount, bytesPerCluster)

	return nil
}

// writeBootRegions writes the main and backup boot regions, including the
// checksum sectors.
func writeBootRegions(sio *sectorIO, bsh BootSectorHeader) (err error) {
	sectorSize := sio.sectorSize

	bootData, err := bsh.pack()
	if err != nil {
		return err
	}

	regionData := make([]byte, bootRegionChecksumSectors*sectorSize)
	copy(regionData, bootData)

	// Eight extended boot sectors, each carrying only its signature.
	for i := uint32(1); i <= 8; i++ {
		signatureOffset := (i+1)*sectorSize - 4
		defaultEncoding.PutUint32(regionData[signatureOffset:], 0xaa550000)
	}

	// Sectors 9 (OEM parameters) and 10 (reserved) stay zero.

	checksum := bootRegionChecksum(regionData)

	checksumSector := make([]byte, sectorSize)
	for i := uint32(0); i < sectorSize; i += 4 {
		defaultEncoding.PutUint32(checksumSector[i:], checksum)
	}

	for _, base := range []int64{0, backupBootSector} {
		for i := int64(0); i < bootRegionChecksumSectors; i++ {
			err = sio.writeSector(base+i, regionData[i*int64(sectorSize):(i+1)*int64(sectorSize)])
			if err != nil {
				return err
			}
		}

		err = sio.writeSector(base+bootRegionChecksumSectors, checksumSector)
		if err != nil {
			return err
		}
	}

	return nil
}

// formatFat zeroes the FAT region and links the metadata chains.
func formatFat(sio *sectorIO, bsh BootSectorHeader, bitmapFirstCluster, upcaseFirstCluster, rootCluster uint32) (err error) {
	zero := make([]byte, sio.sectorSize)

	for i := uint32(0); i < bsh.FatLength; i++ {
		err = sio.writeSector(int64(bsh.FatOffset+i), zero)
		if err != nil {
			return err
		}
	}

	ft := newFatTable(sio, bsh)

	// FatEntry[0] carries the media type; FatEntry[1] is historical.
	raw := make([]byte, fatEntrySize*2)
	defaultEncoding.PutUint32(raw, 0xffffff00|fatMediaType)
	defaultEncoding.PutUint32(raw[fatEntrySize:], 0xffffffff)

	err = sio.writeInto(int64(bsh.FatOffset), 0, raw)
	if err != nil {
		return err
	}

	chain := func(first, count uint32) (err error) {
		for i := uint32(0); i < count; i++ {
			value := MappedClusterEndOfChain
			if i+1 < count {
				value = MappedCluster(first + i + 1)
			}

			err = ft.SetEntry(first+i, value)
			if err != nil {
				return err
			}
		}

		return nil
	}

	err = chain(bitmapFirstCluster, upcaseFirstCluster-bitmapFirstCluster)
	if err != nil {
		return err
	}

	err = chain(upcaseFirstCluster, rootCluster-upcaseFirstCluster)
	if err != nil {
		return err
	}

	err = chain(rootCluster, 1)
	if err != nil {
		return err
	}

	return nil
}

// formatClusterData writes the allocation bitmap, the up-case table, and the
// root directory's entries.
func formatClusterData(sio *sectorIO, bsh BootSectorHeader, bitmapFirstCluster, bitmapBytes, usedClusters uint32, upcaseFirstCluster uint32, upcaseData []byte, rootCluster uint32, label string) (err error) {
	zeroCluster := func(clusterNumber uint32) (err error) {
		zero := make([]byte, sio.sectorSize)
		first := bsh.FirstSectorOfCluster(clusterNumber)

		for i := uint32(0); i < bsh.SectorsPerCluster(); i++ {
			err = sio.writeSector(first+int64(i), zero)
			if err != nil {
				return err
			}
		}

		return nil
	}

	for c := bitmapFirstCluster; c <= rootCluster; c++ {
		err = zeroCluster(c)
		if err != nil {
			return err
		}
	}

	// Allocation bitmap: the metadata clusters themselves are the only ones
	// in use.
	bitmapData := make([]byte, bitmapBytes)

	for i := uint32(0); i < usedClusters; i++ {
		bitmapData[i/8] |= 1 << (i % 8)
	}

	err = sio.writeInto(bsh.FirstSectorOfCluster(bitmapFirstCluster), 0, bitmapData)
	if err != nil {
		return err
	}

	err = sio.writeInto(bsh.FirstSectorOfCluster(upcaseFirstCluster), 0, upcaseData)
	if err != nil {
		return err
	}

	// Root directory entries: label (optionally), bitmap, up-case table.
	rootData := make([]byte, 0, 3*directoryEntryBytesCount)

	if label != "" {
		labelUnits := utf16FromString(label)
		if len(labelUnits) > 11 {
			return fmt.Errorf("volume label too long: (%d) code-units", len(labelUnits))
		}

		vlde := ExfatVolumeLabelDirectoryEntry{
			EntryType:      entryTypeVolumeLabel,
			CharacterCount: uint8(len(labelUnits)),
		}

		copy(vlde.VolumeLabel[:], utf16BytesFromUnits(labelUnits, len(vlde.VolumeLabel)))

		labelData, err := packDirectoryEntry(&vlde)
		if err != nil {
			return err
		}

		rootData = append(rootData, labelData...)
	}

	abde := ExfatAllocationBitmapDirectoryEntry{
		EntryType:    entryTypeAllocationBitmap,
		FirstCluster: bitmapFirstCluster,
		DataLength:   uint64(bitmapBytes),
	}

	bitmapEntryData, err := packDirectoryEntry(&abde)
	if err != nil {
		return err
	}

	rootData = append(rootData, bitmapEntryData...)

	utde := ExfatUpcaseTableDirectoryEntry{
		EntryType:     entryTypeUpcaseTable,
		TableChecksum: upcaseTableChecksum(upcaseData),
		FirstCluster:  upcaseFirstCluster,
		DataLength:    uint64(len(upcaseData)),
	}

	upcaseEntryData, err := packDirectoryEntry(&utde)
	if err != nil {
		return err
	}

	rootData = append(rootData, upcaseEntryData...)

	err = sio.writeInto(bsh.FirstSectorOfCluster(rootCluster), 0, rootData)
	if err != nil {
		return err
	}

	return nil
}
